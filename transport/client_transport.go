// Package transport owns the TCP connection to the agent.
//
// The agent answers strictly one request at a time, so a ClientTransport does
// not multiplex: Roundtrip holds a lock across the frame write and the frame
// read, and the next caller waits.
//
//	caller ──Roundtrip──► write frame ──► agent
//	       ◄──────────── read frame  ◄───
package transport

import (
	"context"
	"errors"
	"fmt"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog/log"

	"hmdriver/protocol"
)

const (
	DefaultConnectTimeout = 5 * time.Second
	DefaultReadTimeout    = 20 * time.Second
	DefaultWriteTimeout   = 20 * time.Second
)

// ErrClosed is returned for calls on a transport that was closed locally.
var ErrClosed = errors.New("transport: closed")

// Config bounds every blocking socket operation.
type Config struct {
	ConnectTimeout time.Duration
	ReadTimeout    time.Duration
	WriteTimeout   time.Duration
	Limits         protocol.Limits
}

func DefaultConfig() Config {
	return Config{
		ConnectTimeout: DefaultConnectTimeout,
		ReadTimeout:    DefaultReadTimeout,
		WriteTimeout:   DefaultWriteTimeout,
		Limits:         protocol.DefaultLimits(),
	}
}

// WithDefaults fills zero fields from DefaultConfig.
func (c Config) WithDefaults() Config {
	d := DefaultConfig()
	if c.ConnectTimeout <= 0 {
		c.ConnectTimeout = d.ConnectTimeout
	}
	if c.ReadTimeout <= 0 {
		c.ReadTimeout = d.ReadTimeout
	}
	if c.WriteTimeout <= 0 {
		c.WriteTimeout = d.WriteTimeout
	}
	if c.Limits.MaxPayload == 0 {
		c.Limits = d.Limits
	}
	return c
}

// ClientTransport manages a single synchronous TCP connection.
type ClientTransport struct {
	conn    net.Conn
	cfg     Config
	sending sync.Mutex // held for one write+read pair
	closed  atomic.Bool
}

// Dial connects to addr within cfg.ConnectTimeout.
func Dial(ctx context.Context, addr string, cfg Config) (*ClientTransport, error) {
	cfg = cfg.WithDefaults()
	dialer := net.Dialer{Timeout: cfg.ConnectTimeout}
	conn, err := dialer.DialContext(ctx, "tcp", addr)
	if err != nil {
		return nil, fmt.Errorf("transport: dial %s: %w", addr, err)
	}
	return NewClientTransport(conn, cfg), nil
}

func NewClientTransport(conn net.Conn, cfg Config) *ClientTransport {
	return &ClientTransport{
		conn: conn,
		cfg:  cfg.WithDefaults(),
	}
}

// Roundtrip sends payload as one frame and returns the body of the next frame.
//
// Errors keep their protocol classification (protocol.ErrTimeout,
// protocol.ErrConnectionClosed, protocol.ErrInvalidFrame) so callers can log
// the distinction. After any error the stream position is unknown.
func (t *ClientTransport) Roundtrip(ctx context.Context, payload []byte) ([]byte, error) {
	t.sending.Lock()
	defer t.sending.Unlock()

	if t.closed.Load() {
		return nil, ErrClosed
	}

	sessionID := protocol.NewSessionID(payload)
	stop := t.watch(ctx)
	defer stop()

	if err := t.conn.SetWriteDeadline(t.deadline(ctx, t.cfg.WriteTimeout)); err != nil {
		return nil, err
	}
	if err := protocol.WriteFrame(t.conn, sessionID, payload); err != nil {
		return nil, t.fail(ctx, sessionID, "write", err)
	}
	log.Trace().Uint32("session_id", sessionID).Int("bytes", len(payload)).Msg("transport: frame sent")

	if err := t.conn.SetReadDeadline(t.deadline(ctx, t.cfg.ReadTimeout)); err != nil {
		return nil, err
	}
	frame, err := protocol.ReadFrame(t.conn, t.cfg.Limits)
	if err != nil {
		return nil, t.fail(ctx, sessionID, "read", err)
	}
	log.Trace().
		Uint32("session_id", sessionID).
		Uint32("reply_session_id", frame.SessionID).
		Int("bytes", len(frame.Payload)).
		Msg("transport: frame received")
	return frame.Payload, nil
}

// ReadFrame reads the next frame without sending anything. Capture
// connections use it to consume the stream the agent pushes after
// startCaptureScreen. Exclusive with Roundtrip.
func (t *ClientTransport) ReadFrame(ctx context.Context) (protocol.Frame, error) {
	t.sending.Lock()
	defer t.sending.Unlock()

	if t.closed.Load() {
		return protocol.Frame{}, ErrClosed
	}
	stop := t.watch(ctx)
	defer stop()

	if err := t.conn.SetReadDeadline(t.deadline(ctx, t.cfg.ReadTimeout)); err != nil {
		return protocol.Frame{}, err
	}
	frame, err := protocol.ReadFrame(t.conn, t.cfg.Limits)
	if err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return protocol.Frame{}, ctxErr
		}
		return protocol.Frame{}, err
	}
	return frame, nil
}

// Interrupt unblocks a pending read or write by moving the deadlines to now.
func (t *ClientTransport) Interrupt() {
	_ = t.conn.SetDeadline(time.Now())
}

// Close closes the connection. Calling it again is a no-op.
func (t *ClientTransport) Close() error {
	if !t.closed.CompareAndSwap(false, true) {
		return nil
	}
	return t.conn.Close()
}

// Closed reports whether Close was called.
func (t *ClientTransport) Closed() bool {
	return t.closed.Load()
}

// Conn returns the underlying TCP connection.
func (t *ClientTransport) Conn() net.Conn {
	return t.conn
}

// watch moves the connection deadline to now when ctx is cancelled, so a
// blocked read returns promptly.
func (t *ClientTransport) watch(ctx context.Context) func() {
	if ctx.Done() == nil {
		return func() {}
	}
	stop := context.AfterFunc(ctx, t.Interrupt)
	return func() { stop() }
}

func (t *ClientTransport) deadline(ctx context.Context, timeout time.Duration) time.Time {
	deadline := time.Now().Add(timeout)
	if ctxDeadline, ok := ctx.Deadline(); ok && ctxDeadline.Before(deadline) {
		deadline = ctxDeadline
	}
	return deadline
}

func (t *ClientTransport) fail(ctx context.Context, sessionID uint32, op string, err error) error {
	if ctxErr := ctx.Err(); ctxErr != nil && !errors.Is(err, protocol.ErrInvalidFrame) {
		err = fmt.Errorf("%w: %w", ctxErr, err)
	}
	event := log.Warn().Uint32("session_id", sessionID).Str("op", op).Err(err)
	switch {
	case errors.Is(err, protocol.ErrTimeout):
		event.Msg("transport: no response before deadline")
	case errors.Is(err, protocol.ErrConnectionClosed):
		event.Msg("transport: connection closed by agent")
	case errors.Is(err, protocol.ErrInvalidFrame):
		event.Msg("transport: invalid frame, stream is desynchronized")
	default:
		event.Msg("transport: socket error")
	}
	return err
}
