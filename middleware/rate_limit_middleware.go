package middleware

import (
	"context"

	"golang.org/x/time/rate"

	"hmdriver/message"
)

// RateLimitMiddleware 基于令牌桶限制调用频率。调用方会等待令牌而不是被拒绝，
// 等待受 ctx 约束。
func RateLimitMiddleware(r float64, burst int) Middleware {
	limiter := rate.NewLimiter(rate.Limit(r), burst)
	return func(next HandlerFunc) HandlerFunc {
		return func(ctx context.Context, call *message.Call) (*message.Response, error) {
			if err := limiter.Wait(ctx); err != nil {
				return nil, &message.TransportError{
					Kind:  message.KindOf(call),
					API:   call.Params.API,
					Cause: err,
				}
			}
			return next(ctx, call)
		}
	}
}
