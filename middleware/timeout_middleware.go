package middleware

import (
	"context"
	"time"

	"hmdriver/message"
)

// TimeOutMiddleware bounds the whole call, including any retries inside it.
// The transport honours the context deadline, so a late reply surfaces as a
// transport timeout.
func TimeOutMiddleware(timeout time.Duration) Middleware {
	return func(next HandlerFunc) HandlerFunc {
		return func(ctx context.Context, call *message.Call) (*message.Response, error) {
			ctx, cancel := context.WithTimeout(ctx, timeout)
			defer cancel()
			return next(ctx, call)
		}
	}
}
