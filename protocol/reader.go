package protocol

import (
	"errors"
	"fmt"
	"io"
	"net"
	"os"
)

var (
	// ErrConnectionClosed is returned when the peer closes the stream before the
	// requested number of bytes arrived.
	ErrConnectionClosed = errors.New("protocol: connection closed")
	// ErrTimeout is returned when the read deadline passes first.
	ErrTimeout = errors.New("protocol: read timeout")
)

// ReadExact reads exactly n bytes from r, looping over short reads.
func ReadExact(r io.Reader, n int) ([]byte, error) {
	buf := make([]byte, n)
	pos := 0
	for pos < n {
		read, err := r.Read(buf[pos:])
		pos += read
		if pos == n {
			break
		}
		if err != nil {
			return nil, classifyReadError(err, pos, n)
		}
		if read == 0 {
			// A reader that returns (0, nil) repeatedly would spin here; treat
			// it like the socket recv() returning zero.
			return nil, fmt.Errorf("%w: got %d of %d bytes", ErrConnectionClosed, pos, n)
		}
	}
	return buf, nil
}

func classifyReadError(err error, got, want int) error {
	if errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF) || errors.Is(err, net.ErrClosed) {
		return fmt.Errorf("%w: got %d of %d bytes", ErrConnectionClosed, got, want)
	}
	if errors.Is(err, os.ErrDeadlineExceeded) {
		return fmt.Errorf("%w: got %d of %d bytes", ErrTimeout, got, want)
	}
	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return fmt.Errorf("%w: got %d of %d bytes", ErrTimeout, got, want)
	}
	return fmt.Errorf("protocol: read %d of %d bytes: %w", got, want, err)
}
