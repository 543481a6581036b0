// Package middleware wraps agent calls with cross-cutting behaviour. A chain is
// built once per client and runs around the encode → roundtrip → decode step.
package middleware

import (
	"context"

	"hmdriver/message"
)

// HandlerFunc performs one call. A non-nil error is either a
// *message.TransportError or a *message.RemoteError.
type HandlerFunc func(ctx context.Context, call *message.Call) (*message.Response, error)

type Middleware func(next HandlerFunc) HandlerFunc

// Chain 将多个中间件组合成一个中间件，第一个在最外层
func Chain(middlewares ...Middleware) Middleware {
	return func(next HandlerFunc) HandlerFunc {
		for i := len(middlewares) - 1; i >= 0; i-- {
			next = middlewares[i](next)
		}
		return next
	}
}
