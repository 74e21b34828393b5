package wire

import (
	"errors"
	"fmt"
	"io"
	"net"
	"time"
)

// Options tune a Conn. Zero values select the package defaults and disable
// the corresponding timeout.
type Options struct {
	ChunkSize      int
	MaxCommandSize int64
	IOTimeout      time.Duration
	IdleTimeout    time.Duration
}

func (o Options) withDefaults() Options {
	if o.ChunkSize <= 0 {
		o.ChunkSize = DefaultChunkSize
	}
	if o.MaxCommandSize <= 0 {
		o.MaxCommandSize = DefaultMaxCommandSize
	}
	return o
}

// Conn is a framed connection. Every Read and Write on it arms a fresh
// IOTimeout deadline, so a stalled peer fails the current frame instead of
// hanging the goroutine. Waiting for the next command uses IdleTimeout.
type Conn struct {
	net.Conn
	opts Options
}

// NewConn wraps c.
func NewConn(c net.Conn, opts Options) *Conn {
	return &Conn{Conn: c, opts: opts.withDefaults()}
}

// Options returns the effective options.
func (c *Conn) Options() Options { return c.opts }

func (c *Conn) Read(b []byte) (int, error) {
	if c.opts.IOTimeout > 0 {
		c.Conn.SetReadDeadline(time.Now().Add(c.opts.IOTimeout))
	}
	return c.Conn.Read(b)
}

func (c *Conn) Write(b []byte) (int, error) {
	if c.opts.IOTimeout > 0 {
		c.Conn.SetWriteDeadline(time.Now().Add(c.opts.IOTimeout))
	}
	return c.Conn.Write(b)
}

// ReadHeader reads the next frame header under the I/O deadline.
func (c *Conn) ReadHeader() (Header, error) {
	return ReadHeader(c)
}

// ReadCommand waits up to IdleTimeout for the next Command frame and returns
// its line. io.EOF means the peer closed between commands.
func (c *Conn) ReadCommand() (string, error) {
	if c.opts.IdleTimeout > 0 {
		c.Conn.SetReadDeadline(time.Now().Add(c.opts.IdleTimeout))
	} else {
		c.Conn.SetReadDeadline(time.Time{})
	}
	// The header is read from the raw conn so the idle deadline applies to
	// it. The idle deadline is then lifted; everything after it, including a
	// Transfer that follows the command, runs under the I/O deadline alone.
	h, err := ReadHeader(c.Conn)
	if err != nil {
		return "", err
	}
	c.Conn.SetReadDeadline(time.Time{})
	if h.Kind != KindCommand {
		return "", fmt.Errorf("%w: got %s, want command", ErrUnexpectedFrame, h.Kind)
	}
	b, err := ReadPayload(c, h, c.opts.MaxCommandSize)
	if err != nil {
		return "", err
	}
	return string(b), nil
}

// WriteCommand sends a Command frame.
func (c *Conn) WriteCommand(line string) error {
	if int64(len(line)) > c.opts.MaxCommandSize {
		return fmt.Errorf("%w: command of %d bytes", ErrFrameTooLarge, len(line))
	}
	return WriteFrame(c, KindCommand, []byte(line))
}

// WriteText sends a success reply.
func (c *Conn) WriteText(s string) error {
	return WriteFrame(c, KindText, []byte(s))
}

// WriteError sends a failure reply.
func (c *Conn) WriteError(s string) error {
	return WriteFrame(c, KindError, []byte(s))
}

// ReadReply reads one Text or Error frame. An Error frame is returned as a
// *RemoteError; the text is returned in both cases.
func (c *Conn) ReadReply() (string, error) {
	h, err := c.ReadHeader()
	if err != nil {
		return "", err
	}
	return c.readReplyBody(h)
}

func (c *Conn) readReplyBody(h Header) (string, error) {
	if h.Kind != KindText && h.Kind != KindError {
		return "", fmt.Errorf("%w: got %s, want reply", ErrUnexpectedFrame, h.Kind)
	}
	b, err := ReadPayload(c, h, MaxTextSize)
	if err != nil {
		return "", err
	}
	if h.Kind == KindError {
		return string(b), &RemoteError{Message: string(b)}
	}
	return string(b), nil
}

// SendTransfer writes a Transfer header declaring size and then exactly size
// bytes read from src in chunks.
func (c *Conn) SendTransfer(src io.Reader, size int64) error {
	if _, err := c.Write(Header{Kind: KindTransfer, Length: size}.Encode()); err != nil {
		return fmt.Errorf("transfer header: %w", err)
	}
	if _, err := CopyExact(c, src, size, c.opts.ChunkSize); err != nil {
		return fmt.Errorf("send transfer: %w", err)
	}
	return nil
}

// SendNoData writes a NoData Transfer followed by an Error frame with reason.
func (c *Conn) SendNoData(reason string) error {
	h := Header{Kind: KindTransfer, Flags: FlagNoData}
	b := append(h.Encode(), Header{Kind: KindError, Length: int64(len(reason))}.Encode()...)
	b = append(b, reason...)
	_, err := c.Write(b)
	return err
}

// ReadTransferHeader reads the header that starts a Transfer. A NoData
// header is consumed together with its reason and returned as a
// *NoDataError.
func (c *Conn) ReadTransferHeader() (Header, error) {
	h, err := c.ReadHeader()
	if err != nil {
		return Header{}, err
	}
	if h.Kind == KindError {
		// Tolerate a bare Error in place of a Transfer.
		msg, err := c.readReplyBody(h)
		var re *RemoteError
		if err != nil && !errors.As(err, &re) {
			return Header{}, err
		}
		return Header{}, &NoDataError{Reason: msg}
	}
	if h.Kind != KindTransfer {
		return Header{}, fmt.Errorf("%w: got %s, want transfer", ErrUnexpectedFrame, h.Kind)
	}
	if h.NoData() {
		msg, err := c.ReadReply()
		var re *RemoteError
		if err != nil && !errors.As(err, &re) {
			return Header{}, err
		}
		return h, &NoDataError{Reason: msg}
	}
	return h, nil
}

// ReceiveTransfer reads a whole Transfer into dst and returns the payload
// length.
func (c *Conn) ReceiveTransfer(dst io.Writer) (int64, error) {
	h, err := c.ReadTransferHeader()
	if err != nil {
		return 0, err
	}
	return c.ReceivePayload(dst, h)
}

// ReceivePayload copies the payload of an already-read Transfer header.
func (c *Conn) ReceivePayload(dst io.Writer, h Header) (int64, error) {
	return CopyExact(dst, c, h.Length, c.opts.ChunkSize)
}

// DiscardPayload consumes the payload of an already-read Transfer header.
func (c *Conn) DiscardPayload(h Header) error {
	_, err := CopyExact(io.Discard, c, h.Length, c.opts.ChunkSize)
	return err
}

// DiscardTransfer reads and drops a whole Transfer.
func (c *Conn) DiscardTransfer() error {
	h, err := c.ReadTransferHeader()
	if err != nil {
		if errors.Is(err, ErrNoData) {
			return nil
		}
		return err
	}
	return c.DiscardPayload(h)
}

// RelayTransfer copies one Transfer from c to dst without buffering the
// payload. A NoData Transfer is relayed together with its Error frame. If
// dst fails, the rest of the payload is still consumed from c and the error
// wraps ErrSinkFailed, so c stays usable.
func (c *Conn) RelayTransfer(dst *Conn) (Header, error) {
	h, err := c.ReadTransferHeader()
	if err != nil {
		var nd *NoDataError
		if errors.As(err, &nd) {
			if werr := dst.SendNoData(nd.Reason); werr != nil {
				return h, fmt.Errorf("%w: relay no-data: %w", ErrSinkFailed, werr)
			}
			return h, nil
		}
		return h, err
	}
	if _, err := dst.Write(h.Encode()); err != nil {
		if derr := c.DiscardPayload(h); derr != nil {
			return h, derr
		}
		return h, fmt.Errorf("%w: relay header: %w", ErrSinkFailed, err)
	}
	if _, err := CopyExact(dst, c, h.Length, c.opts.ChunkSize); err != nil {
		return h, fmt.Errorf("relay transfer: %w", err)
	}
	return h, nil
}
