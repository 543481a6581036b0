package server

import (
	"context"
	"encoding/json"
	"net"
	"sync"

	"hmdriver/message"
	"hmdriver/protocol"
)

type requestKey struct{}

// conn is one client connection. Replies and stream frames share writeMu so
// frames never interleave.
type conn struct {
	nc     net.Conn
	server *Server
	ctx    context.Context
	cancel context.CancelFunc

	writeMu sync.Mutex

	streamMu     sync.Mutex
	streamCtx    context.Context
	streamCancel context.CancelFunc
	closeOnce    sync.Once
}

func (c *conn) write(sessionID uint32, payload []byte) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	return protocol.WriteFrame(c.nc, sessionID, payload)
}

func (c *conn) resetStreams() {
	c.streamMu.Lock()
	defer c.streamMu.Unlock()
	c.streamCtx, c.streamCancel = context.WithCancel(c.ctx)
}

func (c *conn) stopStreams() {
	c.streamMu.Lock()
	cancel := c.streamCancel
	c.streamMu.Unlock()
	cancel()
	c.resetStreams()
}

func (c *conn) startStream(fn StreamFunc) {
	c.streamMu.Lock()
	ctx := c.streamCtx
	c.streamMu.Unlock()

	c.server.wg.Add(1)
	go func() {
		defer c.server.wg.Done()
		fn(ctx, &StreamWriter{conn: c})
	}()
}

func (c *conn) close() {
	c.closeOnce.Do(func() {
		c.cancel()
		c.nc.Close()
	})
}

// Request is the call being handled.
type Request struct {
	Call *message.Call

	ctx     context.Context
	conn    *conn
	raw     []byte
	hasRaw  bool
	streams []StreamFunc
}

// Context is cancelled when the connection closes.
func (r *Request) Context() context.Context {
	if r.ctx == nil {
		return context.Background()
	}
	return r.ctx
}

// This returns the handle the call targets.
func (r *Request) This() message.Handle {
	if r.Call.Params.This == nil {
		return message.NoHandle
	}
	return *r.Call.Params.This
}

// Args returns the raw positional arguments.
func (r *Request) Args() []any {
	return r.Call.Params.Args
}

// DecodeArgs converts the positional arguments into v, typically a pointer
// to a slice or a fixed-size array.
func (r *Request) DecodeArgs(v any) error {
	b, err := json.Marshal(r.Call.Params.Args)
	if err != nil {
		return err
	}
	return json.Unmarshal(b, v)
}

// StreamFunc pushes frames after the reply has been written. It must return
// when ctx is done.
type StreamFunc func(ctx context.Context, w *StreamWriter)

// Stream schedules fn to run once the reply to this call is on the wire. The
// real agent does this for startCaptureScreen.
func (r *Request) Stream(fn StreamFunc) {
	if r.conn == nil {
		return
	}
	r.streams = append(r.streams, fn)
}

// StreamWriter writes unsolicited frames to the connection.
type StreamWriter struct {
	conn *conn
	seq  uint32
}

// Send writes payload as one frame.
func (w *StreamWriter) Send(payload []byte) error {
	w.seq++
	return w.conn.write(w.seq, payload)
}
