// Package server implements the device-side agent protocol in-process. It
// backs tests and the fakeagent binary.
//
// Request processing pipeline:
//
//	Accept conn → serveConn (one goroutine, requests answered in order)
//	  → ReadFrame → Codec.Decode → Middleware Chain → dispatch (handler lookup)
//	    → Codec.Encode → WriteFrame (same session id) → start streams, if any
package server

import (
	"context"
	"errors"
	"fmt"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog/log"

	"hmdriver/codec"
	"hmdriver/message"
	"hmdriver/middleware"
	"hmdriver/protocol"
)

// Handler answers one call. The returned value becomes "result"; a returned
// error becomes "exception".
type Handler func(req *Request) (any, error)

// Error is reported to the client as an exception with a code.
type Error struct {
	Code    int
	Message string
}

func (e *Error) Error() string {
	return fmt.Sprintf("agent error %d: %s", e.Code, e.Message)
}

// RawReply is written as the frame payload verbatim, bypassing the envelope.
type RawReply []byte

// CodeUnknownAPI is sent when no handler matches.
const CodeUnknownAPI = 404

// Server is a fake agent that registers API handlers and serves framed calls.
type Server struct {
	mu          sync.RWMutex
	handlers    map[string]Handler // "callHypiumApi/Driver.create" → handler
	middlewares []middleware.Middleware
	handler     middleware.HandlerFunc
	codec       codec.Codec

	listener net.Listener
	conns    map[*conn]struct{}
	wg       sync.WaitGroup // connections and streams
	shutdown atomic.Bool
	ready    chan struct{}
}

func NewServer() *Server {
	return &Server{
		handlers: make(map[string]Handler),
		codec:    codec.GetCodec(codec.CodecTypeJSON),
		conns:    make(map[*conn]struct{}),
		ready:    make(chan struct{}),
	}
}

// Handle registers fn for a callHypiumApi api such as "Driver.create".
func (svr *Server) Handle(api string, fn Handler) {
	svr.register(message.MethodHypium, api, fn)
}

// HandleCaptures registers fn for a Captures api such as "captureLayout".
func (svr *Server) HandleCaptures(api string, fn Handler) {
	svr.register(message.MethodCaptures, api, fn)
}

func (svr *Server) register(method, api string, fn Handler) {
	svr.mu.Lock()
	defer svr.mu.Unlock()
	svr.handlers[method+"/"+api] = fn
}

// Use registers a middleware. Middlewares are applied in the order they are added.
func (svr *Server) Use(mw middleware.Middleware) {
	svr.middlewares = append(svr.middlewares, mw)
}

// ListenAndServe listens on address and serves until Shutdown.
func (svr *Server) ListenAndServe(network, address string) error {
	ln, err := net.Listen(network, address)
	if err != nil {
		return err
	}
	return svr.Serve(ln)
}

// Serve accepts connections on ln until Shutdown.
func (svr *Server) Serve(ln net.Listener) error {
	svr.mu.Lock()
	svr.listener = ln
	svr.handler = middleware.Chain(svr.middlewares...)(svr.dispatch)
	svr.mu.Unlock()
	close(svr.ready)

	log.Debug().Str("addr", ln.Addr().String()).Msg("agent: serving")
	for {
		nc, err := ln.Accept()
		if err != nil {
			if svr.shutdown.Load() {
				return nil
			}
			return err
		}
		c := svr.track(nc)
		if c == nil {
			nc.Close()
			return nil
		}
		go svr.serveConn(c)
	}
}

// Addr blocks until Serve has started and returns the listening address.
func (svr *Server) Addr() net.Addr {
	<-svr.ready
	svr.mu.RLock()
	defer svr.mu.RUnlock()
	return svr.listener.Addr()
}

// StopStreams ends every running stream without closing connections.
func (svr *Server) StopStreams() {
	svr.mu.RLock()
	defer svr.mu.RUnlock()
	for c := range svr.conns {
		c.stopStreams()
	}
}

// Shutdown stops accepting, closes every connection and waits for
// connection goroutines and streams to finish.
func (svr *Server) Shutdown(timeout time.Duration) error {
	svr.shutdown.Store(true)
	svr.mu.Lock()
	if svr.listener != nil {
		svr.listener.Close()
	}
	for c := range svr.conns {
		c.close()
	}
	svr.mu.Unlock()

	done := make(chan struct{})
	go func() {
		svr.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		return nil
	case <-time.After(timeout):
		return fmt.Errorf("timeout waiting for connections to finish")
	}
}

func (svr *Server) track(nc net.Conn) *conn {
	svr.mu.Lock()
	defer svr.mu.Unlock()
	if svr.shutdown.Load() {
		return nil
	}
	ctx, cancel := context.WithCancel(context.Background())
	c := &conn{nc: nc, server: svr, ctx: ctx, cancel: cancel}
	c.resetStreams()
	svr.conns[c] = struct{}{}
	svr.wg.Add(1)
	return c
}

func (svr *Server) untrack(c *conn) {
	svr.mu.Lock()
	delete(svr.conns, c)
	svr.mu.Unlock()
	svr.wg.Done()
}

func (svr *Server) serveConn(c *conn) {
	defer svr.untrack(c)
	defer c.close()

	for {
		frame, err := protocol.ReadFrame(c.nc, protocol.DefaultLimits())
		if err != nil {
			if !errors.Is(err, protocol.ErrConnectionClosed) {
				log.Debug().Err(err).Msg("agent: connection dropped")
			}
			return
		}
		if !svr.handleFrame(c, frame) {
			return
		}
	}
}

// handleFrame answers one request. It returns false when the connection
// should be dropped.
func (svr *Server) handleFrame(c *conn, frame protocol.Frame) bool {
	var call message.Call
	if err := svr.codec.Decode(frame.Payload, &call); err != nil {
		log.Warn().Err(err).Uint32("session_id", frame.SessionID).Msg("agent: undecodable request")
		return false
	}

	req := &Request{Call: &call, conn: c}
	ctx := context.WithValue(c.ctx, requestKey{}, req)
	resp, err := svr.handler(ctx, &call)

	var payload []byte
	switch {
	case req.hasRaw:
		payload = req.raw
	default:
		if err != nil {
			resp = &message.Response{Exception: toException(err)}
		}
		payload, err = svr.codec.Encode(resp)
		if err != nil {
			log.Error().Err(err).Str("api", call.Params.API).Msg("agent: encode reply")
			return false
		}
	}

	if err := c.write(frame.SessionID, payload); err != nil {
		return false
	}
	for _, fn := range req.streams {
		c.startStream(fn)
	}
	return true
}

// dispatch is the innermost handler. Handler errors come back as
// *message.RemoteError so middlewares see the same taxonomy as the client.
func (svr *Server) dispatch(ctx context.Context, call *message.Call) (*message.Response, error) {
	req, _ := ctx.Value(requestKey{}).(*Request)
	if req == nil {
		req = &Request{Call: call}
	}
	req.ctx = ctx

	svr.mu.RLock()
	fn, ok := svr.handlers[call.Method+"/"+call.Params.API]
	svr.mu.RUnlock()
	if !ok {
		return nil, &message.RemoteError{
			Kind:    message.KindOf(call),
			API:     call.Params.API,
			Code:    CodeUnknownAPI,
			Message: "unknown api " + call.Params.API,
		}
	}

	v, err := fn(req)
	if err != nil {
		var agentErr *Error
		if errors.As(err, &agentErr) {
			return nil, &message.RemoteError{Kind: message.KindOf(call), API: call.Params.API, Code: agentErr.Code, Message: agentErr.Message}
		}
		return nil, &message.RemoteError{Kind: message.KindOf(call), API: call.Params.API, Message: err.Error()}
	}
	if raw, ok := v.(RawReply); ok {
		req.raw, req.hasRaw = raw, true
		return &message.Response{}, nil
	}

	result, err := svr.codec.Encode(v)
	if err != nil {
		return nil, &message.RemoteError{Kind: message.KindOf(call), API: call.Params.API, Message: err.Error()}
	}
	return &message.Response{Result: message.Result(result)}, nil
}

func toException(err error) *message.Exception {
	var remote *message.RemoteError
	if errors.As(err, &remote) {
		return &message.Exception{Code: remote.Code, Message: remote.Message}
	}
	return &message.Exception{Message: err.Error()}
}
