// Package wire implements the framing shared by clients, the gateway and the
// storage nodes. Every message is a frame:
//
//	kind:uint8 | flags:uint8 | length:int64 (little-endian) | payload[length]
//
// Command, Text and Error frames carry short UTF-8 strings and are bounded by
// a maximum size. Transfer frames carry a binary payload that is streamed in
// fixed-size chunks and may be arbitrarily large.
package wire

import (
	"encoding/binary"
	"errors"
	"fmt"
	"io"
)

// Kind identifies what a frame carries.
type Kind uint8

const (
	KindCommand Kind = iota + 1
	KindText
	KindError
	KindTransfer
)

func (k Kind) String() string {
	switch k {
	case KindCommand:
		return "command"
	case KindText:
		return "text"
	case KindError:
		return "error"
	case KindTransfer:
		return "transfer"
	default:
		return fmt.Sprintf("kind(%d)", uint8(k))
	}
}

// Flag modifies a frame.
type Flag uint8

// FlagNoData marks a Transfer that delivers nothing. Its length is zero and
// an Error frame with the reason follows it.
const FlagNoData Flag = 1 << 0

const (
	// HeaderSize is kind(1) + flags(1) + length(8).
	HeaderSize = 1 + 1 + 8

	DefaultChunkSize      = 8 * 1024
	DefaultMaxCommandSize = 4 * 1024
	MaxTextSize           = 1 << 20
)

// Sentinel errors.
var (
	ErrShortTransfer   = errors.New("transfer ended before declared length")
	ErrFrameTooLarge   = errors.New("frame exceeds maximum size")
	ErrUnexpectedFrame = errors.New("unexpected frame kind")
	ErrBadHeader       = errors.New("malformed frame header")
	ErrNoData          = errors.New("transfer carried no data")
	ErrSinkFailed      = errors.New("transfer destination failed")
)

// Header is the fixed-size prefix of every frame.
type Header struct {
	Kind   Kind
	Flags  Flag
	Length int64
}

// NoData reports whether h is a Transfer flagged as carrying nothing.
func (h Header) NoData() bool {
	return h.Kind == KindTransfer && h.Flags&FlagNoData != 0
}

// Encode serializes h into HeaderSize bytes.
func (h Header) Encode() []byte {
	b := make([]byte, 0, HeaderSize)
	b = append(b, byte(h.Kind), byte(h.Flags))
	b = binary.LittleEndian.AppendUint64(b, uint64(h.Length))
	return b
}

// DecodeHeader parses and validates a frame header.
func DecodeHeader(b []byte) (Header, error) {
	if len(b) < HeaderSize {
		return Header{}, fmt.Errorf("%w: %d bytes", ErrBadHeader, len(b))
	}
	h := Header{
		Kind:   Kind(b[0]),
		Flags:  Flag(b[1]),
		Length: int64(binary.LittleEndian.Uint64(b[2:])),
	}
	if h.Kind < KindCommand || h.Kind > KindTransfer {
		return Header{}, fmt.Errorf("%w: unknown kind %d", ErrBadHeader, b[0])
	}
	if h.Length < 0 {
		return Header{}, fmt.Errorf("%w: negative length %d", ErrBadHeader, h.Length)
	}
	if h.Flags&FlagNoData != 0 && (h.Kind != KindTransfer || h.Length != 0) {
		return Header{}, fmt.Errorf("%w: no-data flag on %s of length %d", ErrBadHeader, h.Kind, h.Length)
	}
	return h, nil
}

// ReadHeader reads one header from r. A clean close before any header byte
// returns io.EOF unchanged.
func ReadHeader(r io.Reader) (Header, error) {
	b := make([]byte, HeaderSize)
	if _, err := io.ReadFull(r, b); err != nil {
		if errors.Is(err, io.ErrUnexpectedEOF) {
			return Header{}, fmt.Errorf("%w: truncated header", ErrBadHeader)
		}
		return Header{}, err
	}
	return DecodeHeader(b)
}

// WriteFrame writes a complete text-like frame in a single write.
func WriteFrame(w io.Writer, kind Kind, payload []byte) error {
	h := Header{Kind: kind, Length: int64(len(payload))}
	b := append(h.Encode(), payload...)
	_, err := w.Write(b)
	return err
}

// ReadPayload reads the payload of a text-like frame whose header has
// already been read, rejecting lengths above max.
func ReadPayload(r io.Reader, h Header, max int64) ([]byte, error) {
	if h.Length > max {
		return nil, fmt.Errorf("%w: %s frame of %d bytes (max %d)", ErrFrameTooLarge, h.Kind, h.Length, max)
	}
	b := make([]byte, h.Length)
	if _, err := io.ReadFull(r, b); err != nil {
		if errors.Is(err, io.ErrUnexpectedEOF) || errors.Is(err, io.EOF) {
			return nil, fmt.Errorf("%w: %s frame", ErrShortTransfer, h.Kind)
		}
		return nil, err
	}
	return b, nil
}

// CopyExact moves exactly size bytes from src to dst, reading at most chunk
// bytes at a time. End of input before size bytes is ErrShortTransfer.
//
// If dst fails, the remaining bytes are still consumed from src so the
// stream stays aligned on the next frame; the returned error then wraps
// ErrSinkFailed.
func CopyExact(dst io.Writer, src io.Reader, size int64, chunk int) (int64, error) {
	if chunk <= 0 {
		chunk = DefaultChunkSize
	}
	buf := make([]byte, chunk)
	var (
		total   int64
		sinkErr error
	)
	for total < size {
		want := int64(len(buf))
		if rem := size - total; rem < want {
			want = rem
		}
		n, err := src.Read(buf[:want])
		if n > 0 {
			if sinkErr == nil {
				if _, werr := dst.Write(buf[:n]); werr != nil {
					sinkErr = werr
				}
			}
			total += int64(n)
		}
		if err != nil {
			if total == size {
				break
			}
			if errors.Is(err, io.EOF) {
				return total, fmt.Errorf("%w: got %d of %d bytes", ErrShortTransfer, total, size)
			}
			return total, err
		}
	}
	if sinkErr != nil {
		return total, fmt.Errorf("%w: %w", ErrSinkFailed, sinkErr)
	}
	return total, nil
}

// NoDataError is returned by receivers when a Transfer was flagged NoData.
// Reason is the text of the Error frame that followed it.
type NoDataError struct {
	Reason string
}

func (e *NoDataError) Error() string { return e.Reason }

// Is makes errors.Is(err, ErrNoData) hold for every NoDataError.
func (e *NoDataError) Is(target error) bool { return target == ErrNoData }

// RemoteError is an Error frame received from a peer.
type RemoteError struct {
	Message string
}

func (e *RemoteError) Error() string { return e.Message }
