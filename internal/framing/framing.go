// Package framing implements the wire-level framing used on the pipes
// between the Pool Manager and a Worker: a NUL-terminated request frame in
// one direction, and a fixed nine-byte readiness token in the other.
package framing

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"
	"syscall"
)

// ReadinessToken is the exact literal a Worker writes to its status pipe to
// announce that it can accept another request. Nine ASCII bytes, no
// trailing NUL or newline.
var ReadinessToken = []byte("available")

const readChunkSize = 4096

// WriteRequest writes payload followed by a single NUL byte, the sole frame
// delimiter on the request pipe.
func WriteRequest(w io.Writer, payload []byte) error {
	buf := make([]byte, len(payload)+1)
	copy(buf, payload)
	buf[len(payload)] = 0
	_, err := w.Write(buf)
	if err != nil {
		return fmt.Errorf("framing: write request: %w", err)
	}
	return nil
}

// ReadRequest reads one NUL-terminated frame from f, toggling f's O_NONBLOCK
// flag exactly the way prefork_child_wait's clr_fl/set_fl calls do: the
// first read of a frame blocks (O_NONBLOCK cleared), and once it returns
// anything, O_NONBLOCK is set so the rest of an already-buffered frame
// drains without stalling the process. Unlike the original, which treats
// one EAGAIN as "the request is fully read" (it only ever has one message
// queued at a time), this frame is NUL-delimited, so an EAGAIN reached
// before the delimiter just means the writer hasn't finished this frame
// yet: O_NONBLOCK is cleared again and the read goes back to blocking until
// more arrives.
func ReadRequest(f *os.File) ([]byte, error) {
	fd := int(f.Fd())
	chunk := make([]byte, readChunkSize)
	var buf []byte
	blocking := true

	for {
		if blocking {
			if err := syscall.SetNonblock(fd, false); err != nil {
				return nil, fmt.Errorf("framing: clear nonblocking: %w", err)
			}
		}

		n, err := syscall.Read(fd, chunk)
		if err != nil {
			if errors.Is(err, syscall.EAGAIN) {
				blocking = true
				continue
			}
			return nil, mapReadErr(err)
		}
		if n == 0 {
			return nil, io.EOF
		}

		if blocking {
			if err := syscall.SetNonblock(fd, true); err != nil {
				return nil, fmt.Errorf("framing: set nonblocking: %w", err)
			}
			blocking = false
		}

		buf = append(buf, chunk[:n]...)
		if idx := bytes.IndexByte(buf, 0); idx >= 0 {
			return buf[:idx], nil
		}
	}
}

// mapReadErr folds EPIPE (the parent is gone) into io.EOF so callers can
// treat it the same as a cleanly closed pipe; any other error terminates
// the worker just as a non-EAGAIN read error does in the original.
func mapReadErr(err error) error {
	if errors.Is(err, syscall.EPIPE) {
		return io.EOF
	}
	return fmt.Errorf("framing: read request: %w", err)
}

// WriteReadiness writes the nine-byte readiness token to w.
func WriteReadiness(w io.Writer) error {
	n, err := w.Write(ReadinessToken)
	if err != nil {
		return fmt.Errorf("framing: write readiness: %w", err)
	}
	if n != len(ReadinessToken) {
		return fmt.Errorf("framing: short readiness write: wrote %d of %d bytes", n, len(ReadinessToken))
	}
	return nil
}

// ReadReadiness reads and validates one readiness token from r. It returns
// io.EOF unmodified so callers can distinguish "worker died" from a
// malformed token.
func ReadReadiness(r io.Reader) error {
	buf := make([]byte, len(ReadinessToken))
	_, err := io.ReadFull(r, buf)
	if err != nil {
		return err
	}
	for i, b := range buf {
		if b != ReadinessToken[i] {
			return fmt.Errorf("framing: unexpected readiness token %q", buf)
		}
	}
	return nil
}
