package wire

import (
	"bytes"
	"errors"
	"io"
	"net"
	"os"
	"strings"
	"testing"
	"time"
)

const testChunk = 16

func pipe(t *testing.T, opts Options) (*Conn, *Conn) {
	t.Helper()
	a, b := net.Pipe()
	t.Cleanup(func() {
		a.Close()
		b.Close()
	})
	if opts.ChunkSize == 0 {
		opts.ChunkSize = testChunk
	}
	return NewConn(a, opts), NewConn(b, opts)
}

func payload(n int) []byte {
	b := make([]byte, n)
	for i := range b {
		b[i] = byte(i*7 + 3)
	}
	return b
}

func TestDecodeHeader_Validation(t *testing.T) {
	good := Header{Kind: KindTransfer, Length: 42}
	h, err := DecodeHeader(good.Encode())
	if err != nil || h != good {
		t.Fatalf("DecodeHeader = %+v, %v", h, err)
	}

	bad := [][]byte{
		Header{Kind: 0, Length: 1}.Encode(),
		Header{Kind: 9, Length: 1}.Encode(),
		Header{Kind: KindText, Length: -1}.Encode(),
		Header{Kind: KindText, Flags: FlagNoData}.Encode(),
		Header{Kind: KindTransfer, Flags: FlagNoData, Length: 3}.Encode(),
		{1, 0, 0},
	}
	for i, b := range bad {
		if _, err := DecodeHeader(b); !errors.Is(err, ErrBadHeader) {
			t.Errorf("case %d: err = %v, want ErrBadHeader", i, err)
		}
	}
}

func TestTransferRoundTrip(t *testing.T) {
	sizes := []int{0, 1, testChunk - 1, testChunk, testChunk + 1, 10*testChunk + 5}
	for _, n := range sizes {
		a, b := pipe(t, Options{})
		data := payload(n)

		errc := make(chan error, 1)
		go func() { errc <- a.SendTransfer(bytes.NewReader(data), int64(n)) }()

		var got bytes.Buffer
		read, err := b.ReceiveTransfer(&got)
		if err != nil {
			t.Fatalf("n=%d: ReceiveTransfer: %v", n, err)
		}
		if err := <-errc; err != nil {
			t.Fatalf("n=%d: SendTransfer: %v", n, err)
		}
		if read != int64(n) || !bytes.Equal(got.Bytes(), data) {
			t.Errorf("n=%d: received %d bytes, content equal=%v", n, read, bytes.Equal(got.Bytes(), data))
		}
	}
}

func TestReceiveTransfer_PrematureClose(t *testing.T) {
	a, b := pipe(t, Options{})
	go func() {
		a.Write(Header{Kind: KindTransfer, Length: 10}.Encode())
		a.Write([]byte("12345"))
		a.Close()
	}()

	n, err := b.ReceiveTransfer(io.Discard)
	if !errors.Is(err, ErrShortTransfer) {
		t.Fatalf("err = %v, want ErrShortTransfer", err)
	}
	if n != 5 {
		t.Errorf("received %d bytes before failure, want 5", n)
	}
}

func TestSendTransfer_ShortSource(t *testing.T) {
	a, b := pipe(t, Options{})
	go io.Copy(io.Discard, b)

	err := a.SendTransfer(strings.NewReader("abc"), 5)
	if !errors.Is(err, ErrShortTransfer) {
		t.Fatalf("err = %v, want ErrShortTransfer", err)
	}
}

func TestNoData_DistinctFromEmpty(t *testing.T) {
	a, b := pipe(t, Options{})
	go func() {
		a.SendNoData("file not found")
		a.SendTransfer(bytes.NewReader(nil), 0)
		a.WriteText("after")
	}()

	_, err := b.ReceiveTransfer(io.Discard)
	if !errors.Is(err, ErrNoData) {
		t.Fatalf("err = %v, want ErrNoData", err)
	}
	var nd *NoDataError
	if !errors.As(err, &nd) || nd.Reason != "file not found" {
		t.Errorf("reason = %v", err)
	}

	n, err := b.ReceiveTransfer(io.Discard)
	if err != nil || n != 0 {
		t.Fatalf("empty transfer = %d, %v", n, err)
	}

	if msg, err := b.ReadReply(); err != nil || msg != "after" {
		t.Errorf("stream out of sync: %q, %v", msg, err)
	}
}

func TestRelayTransfer(t *testing.T) {
	src, relayIn := pipe(t, Options{})
	relayOut, dst := pipe(t, Options{})
	data := payload(5*testChunk + 3)

	go func() {
		src.SendTransfer(bytes.NewReader(data), int64(len(data)))
		src.SendNoData("nothing here")
	}()
	relayErr := make(chan error, 2)
	go func() {
		_, err := relayIn.RelayTransfer(relayOut)
		relayErr <- err
		_, err = relayIn.RelayTransfer(relayOut)
		relayErr <- err
	}()

	var got bytes.Buffer
	if _, err := dst.ReceiveTransfer(&got); err != nil {
		t.Fatalf("ReceiveTransfer: %v", err)
	}
	if !bytes.Equal(got.Bytes(), data) {
		t.Error("relayed payload differs")
	}
	_, err := dst.ReceiveTransfer(io.Discard)
	var nd *NoDataError
	if !errors.As(err, &nd) || nd.Reason != "nothing here" {
		t.Errorf("relayed no-data = %v", err)
	}
	for i := 0; i < 2; i++ {
		if err := <-relayErr; err != nil {
			t.Errorf("relay #%d: %v", i+1, err)
		}
	}
}

func TestRelayTransfer_SinkFailureKeepsSourceInSync(t *testing.T) {
	src, relayIn := pipe(t, Options{})
	relayOut, dst := pipe(t, Options{})
	dst.Close()
	relayOut.Close()

	go func() {
		src.SendTransfer(bytes.NewReader(payload(3*testChunk)), 3*testChunk)
		src.WriteText("still here")
	}()

	if _, err := relayIn.RelayTransfer(relayOut); !errors.Is(err, ErrSinkFailed) {
		t.Fatalf("err = %v, want ErrSinkFailed", err)
	}
	if msg, err := relayIn.ReadReply(); err != nil || msg != "still here" {
		t.Errorf("source out of sync: %q, %v", msg, err)
	}
}

func TestDiscardTransfer_KeepsStreamInSync(t *testing.T) {
	a, b := pipe(t, Options{})
	go func() {
		a.SendTransfer(bytes.NewReader(payload(100)), 100)
		a.WriteCommand("list ~S1")
	}()

	if err := b.DiscardTransfer(); err != nil {
		t.Fatalf("DiscardTransfer: %v", err)
	}
	line, err := b.ReadCommand()
	if err != nil || line != "list ~S1" {
		t.Errorf("next command = %q, %v", line, err)
	}
}

func TestReadCommand_TooLarge(t *testing.T) {
	a, b := pipe(t, Options{MaxCommandSize: 8})
	go WriteFrame(a, KindCommand, []byte("upload a-very-long-name.txt ~S1"))

	if _, err := b.ReadCommand(); !errors.Is(err, ErrFrameTooLarge) {
		t.Fatalf("err = %v, want ErrFrameTooLarge", err)
	}
	if err := a.WriteCommand("upload a-very-long-name.txt ~S1"); !errors.Is(err, ErrFrameTooLarge) {
		t.Errorf("WriteCommand err = %v, want ErrFrameTooLarge", err)
	}
}

func TestReadCommand_WrongKind(t *testing.T) {
	a, b := pipe(t, Options{})
	go a.WriteText("hello")

	if _, err := b.ReadCommand(); !errors.Is(err, ErrUnexpectedFrame) {
		t.Fatalf("err = %v, want ErrUnexpectedFrame", err)
	}
}

func TestReadCommand_IdleTimeout(t *testing.T) {
	_, b := pipe(t, Options{IdleTimeout: 20 * time.Millisecond})

	start := time.Now()
	_, err := b.ReadCommand()
	if !errors.Is(err, os.ErrDeadlineExceeded) {
		t.Fatalf("err = %v, want deadline exceeded", err)
	}
	if time.Since(start) > 2*time.Second {
		t.Error("idle timeout not applied")
	}
}

func TestReadCommand_IdleTimeoutEndsWithHeader(t *testing.T) {
	a, b := pipe(t, Options{IdleTimeout: 100 * time.Millisecond})
	go func() {
		a.WriteCommand("upload slow.txt ~S1")
		a.Write(Header{Kind: KindTransfer, Length: 3}.Encode())
		for _, c := range []byte("abc") {
			time.Sleep(150 * time.Millisecond)
			a.Write([]byte{c})
		}
	}()

	if line, err := b.ReadCommand(); err != nil || line != "upload slow.txt ~S1" {
		t.Fatalf("ReadCommand = %q, %v", line, err)
	}
	var got bytes.Buffer
	n, err := b.ReceiveTransfer(&got)
	if err != nil {
		t.Fatalf("slow transfer failed after %d bytes: %v", n, err)
	}
	if got.String() != "abc" {
		t.Errorf("received %q", got.String())
	}
}

func TestReadCommand_CleanClose(t *testing.T) {
	a, b := pipe(t, Options{})
	a.Close()
	if _, err := b.ReadCommand(); !errors.Is(err, io.EOF) {
		t.Fatalf("err = %v, want io.EOF", err)
	}
}

func TestReadReply_Error(t *testing.T) {
	a, b := pipe(t, Options{})
	go a.WriteError("Unknown command")

	msg, err := b.ReadReply()
	var re *RemoteError
	if !errors.As(err, &re) || msg != "Unknown command" {
		t.Fatalf("ReadReply = %q, %v", msg, err)
	}
}

func TestReadTransferHeader_OversizeBareError(t *testing.T) {
	a, b := pipe(t, Options{})
	go a.Write(Header{Kind: KindError, Length: MaxTextSize + 1}.Encode())

	_, err := b.ReadTransferHeader()
	if !errors.Is(err, ErrFrameTooLarge) {
		t.Fatalf("err = %v, want ErrFrameTooLarge", err)
	}
	if errors.Is(err, ErrNoData) {
		t.Error("unread error frame reported as no-data")
	}
}

type failWriter struct{}

func (failWriter) Write([]byte) (int, error) { return 0, errors.New("disk full") }

func TestCopyExact_SinkFailureDrainsSource(t *testing.T) {
	src := bytes.NewReader(append(payload(40), "next"...))
	n, err := CopyExact(failWriter{}, src, 40, testChunk)
	if !errors.Is(err, ErrSinkFailed) {
		t.Fatalf("err = %v, want ErrSinkFailed", err)
	}
	if n != 40 {
		t.Errorf("consumed %d, want 40", n)
	}
	rest, _ := io.ReadAll(src)
	if string(rest) != "next" {
		t.Errorf("remaining = %q, want %q", rest, "next")
	}
}
