package protocol

import (
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"net"
	"time"
)

// MaxFrameSize is the hard cap on a single message payload. Frames that
// declare a larger length are rejected and the connection is dropped; a
// well-behaved peer never sends one.
const MaxFrameSize = 10 << 20

// ErrFrameTooLarge is returned when a frame header declares a payload above
// MaxFrameSize. The receiver must close the connection: the stream position
// after an oversized header is unrecoverable.
var ErrFrameTooLarge = errors.New("protocol: frame exceeds maximum size")

// WriteFrame writes one length-prefixed frame: a 4-byte big-endian payload
// length followed by the payload bytes.
func WriteFrame(w io.Writer, payload []byte) error {
	if len(payload) > MaxFrameSize {
		return fmt.Errorf("%w: %d bytes", ErrFrameTooLarge, len(payload))
	}
	var hdr [4]byte
	binary.BigEndian.PutUint32(hdr[:], uint32(len(payload)))
	if _, err := w.Write(hdr[:]); err != nil {
		return fmt.Errorf("protocol: write frame header: %w", err)
	}
	if _, err := w.Write(payload); err != nil {
		return fmt.Errorf("protocol: write frame payload: %w", err)
	}
	return nil
}

// ReadFrame reads one length-prefixed frame. io.EOF is returned unwrapped
// when the stream ends cleanly between frames.
func ReadFrame(r io.Reader) ([]byte, error) {
	var hdr [4]byte
	if _, err := io.ReadFull(r, hdr[:]); err != nil {
		if err == io.EOF {
			return nil, io.EOF
		}
		return nil, fmt.Errorf("protocol: read frame header: %w", err)
	}
	n := binary.BigEndian.Uint32(hdr[:])
	if n > MaxFrameSize {
		return nil, fmt.Errorf("%w: %d bytes", ErrFrameTooLarge, n)
	}
	payload := make([]byte, n)
	if _, err := io.ReadFull(r, payload); err != nil {
		return nil, fmt.Errorf("protocol: read frame payload: %w", err)
	}
	return payload, nil
}

// WriteMessage encodes msg and writes it as a single frame.
func WriteMessage(w io.Writer, msg any) error {
	payload, err := Encode(msg)
	if err != nil {
		return err
	}
	return WriteFrame(w, payload)
}

// ReadMessage reads one frame and decodes it into a fresh T.
func ReadMessage[T any](r io.Reader) (*T, error) {
	payload, err := ReadFrame(r)
	if err != nil {
		return nil, err
	}
	msg := new(T)
	if err := Decode(payload, msg); err != nil {
		return nil, err
	}
	return msg, nil
}

// sendRetries and sendBackoff bound the dial retry loop in SendTo. Connection
// errors against a local listener resolve quickly or not at all.
const (
	sendRetries = 3
	sendBackoff = 100 * time.Millisecond
)

// SendTo dials addr, writes msg as a single frame, and closes the
// connection. One message per connection keeps framing state trivial;
// transient dial failures are retried with a small backoff.
func SendTo(ctx context.Context, addr string, msg any) error {
	payload, err := Encode(msg)
	if err != nil {
		return err
	}
	var lastErr error
	for attempt := 0; attempt < sendRetries; attempt++ {
		if attempt > 0 {
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(sendBackoff << (attempt - 1)):
			}
		}
		var d net.Dialer
		conn, err := d.DialContext(ctx, "tcp", addr)
		if err != nil {
			lastErr = err
			continue
		}
		if deadline, ok := ctx.Deadline(); ok {
			_ = conn.SetWriteDeadline(deadline)
		}
		err = WriteFrame(conn, payload)
		cerr := conn.Close()
		if err == nil && cerr == nil {
			return nil
		}
		if err != nil {
			lastErr = err
		} else {
			lastErr = cerr
		}
	}
	return fmt.Errorf("protocol: send to %s: %w", addr, lastErr)
}

// Serve accepts connections on ln and invokes handle with each decoded
// message of type T until ctx is cancelled or the listener closes. Framing
// and decode errors drop the connection only; handle runs on the accept
// goroutine's child, so a slow handler never blocks accept.
func Serve[T any](ctx context.Context, ln net.Listener, handle func(msg *T)) error {
	go func() {
		<-ctx.Done()
		_ = ln.Close()
	}()
	for {
		conn, err := ln.Accept()
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			return fmt.Errorf("protocol: accept: %w", err)
		}
		go func(c net.Conn) {
			defer c.Close()
			for {
				msg, err := ReadMessage[T](c)
				if err != nil {
					return
				}
				handle(msg)
			}
		}(conn)
	}
}
