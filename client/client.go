// Package client invokes remote APIs on the agent over an established
// transport. One call is one request frame and one response frame.
package client

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"hmdriver/codec"
	"hmdriver/message"
	"hmdriver/middleware"
)

var errEmptyReply = errors.New("empty reply")

// Roundtripper sends one encoded call and returns the encoded reply.
// *transport.ClientTransport satisfies it.
type Roundtripper interface {
	Roundtrip(ctx context.Context, payload []byte) ([]byte, error)
}

// Client is not meant for concurrent callers; the agent answers one call at a
// time. The transport still serializes each request/response pair.
type Client struct {
	rt        Roundtripper
	codec     codec.Codec
	mu        sync.RWMutex
	root      message.Handle
	chain     []middleware.Middleware
	handler   middleware.HandlerFunc
	handlerMu sync.Mutex
}

type Option func(*Client)

// WithCodec overrides the payload codec.
func WithCodec(ct codec.CodecType) Option {
	return func(c *Client) { c.codec = codec.GetCodec(ct) }
}

// WithMiddleware installs middlewares, outermost first.
func WithMiddleware(mws ...middleware.Middleware) Option {
	return func(c *Client) { c.chain = append(c.chain, mws...) }
}

// WithRoot sets the initial root handle.
func WithRoot(h message.Handle) Option {
	return func(c *Client) { c.root = h }
}

func New(rt Roundtripper, opts ...Option) *Client {
	c := &Client{
		rt:    rt,
		codec: codec.GetCodec(codec.CodecTypeJSON),
		root:  message.DefaultRoot,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Use appends middlewares. It must be called before the first call.
func (c *Client) Use(mws ...middleware.Middleware) {
	c.handlerMu.Lock()
	defer c.handlerMu.Unlock()
	c.chain = append(c.chain, mws...)
	c.handler = nil
}

// SetRoot replaces the handle used as "this" by Invoke.
func (c *Client) SetRoot(h message.Handle) {
	c.mu.Lock()
	c.root = h
	c.mu.Unlock()
}

func (c *Client) Root() message.Handle {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.root
}

// Invoke calls api with the root handle as "this".
func (c *Client) Invoke(ctx context.Context, api string, args ...any) (message.Result, error) {
	return c.Do(ctx, message.NewHypiumCall(api, c.Root(), args))
}

// InvokeOn calls api on an explicit handle. message.NoHandle sends a null "this".
func (c *Client) InvokeOn(ctx context.Context, this message.Handle, api string, args ...any) (message.Result, error) {
	return c.Do(ctx, message.NewHypiumCall(api, this, args))
}

// InvokeCaptures calls api on the capture subsystem.
func (c *Client) InvokeCaptures(ctx context.Context, api string, args ...any) (message.Result, error) {
	return c.Do(ctx, message.NewCapturesCall(api, args))
}

// Do runs a prepared call through the middleware chain.
func (c *Client) Do(ctx context.Context, call *message.Call) (message.Result, error) {
	resp, err := c.getHandler()(ctx, call)
	if err != nil {
		return nil, err
	}
	return resp.Result, nil
}

func (c *Client) getHandler() middleware.HandlerFunc {
	c.handlerMu.Lock()
	defer c.handlerMu.Unlock()
	if c.handler == nil {
		c.handler = middleware.Chain(c.chain...)(c.roundtrip)
	}
	return c.handler
}

// roundtrip is the innermost handler.
func (c *Client) roundtrip(ctx context.Context, call *message.Call) (*message.Response, error) {
	kind := message.KindOf(call)
	payload, err := c.codec.Encode(call)
	if err != nil {
		return nil, fmt.Errorf("client: encode %s: %w", call.Params.API, err)
	}

	raw, err := c.rt.Roundtrip(ctx, payload)
	if err != nil {
		return nil, &message.TransportError{Kind: kind, API: call.Params.API, Cause: err}
	}
	if len(raw) == 0 {
		return nil, &message.TransportError{Kind: kind, API: call.Params.API, Cause: errEmptyReply}
	}

	var resp message.Response
	if err := c.codec.Decode(raw, &resp); err != nil {
		return nil, &message.TransportError{
			Kind:  kind,
			API:   call.Params.API,
			Cause: fmt.Errorf("decode reply: %w", err),
		}
	}
	if resp.Failed() {
		return &resp, message.NewRemoteError(kind, call.Params.API, resp.Exception)
	}
	return &resp, nil
}
