package middleware

import (
	"context"
	"errors"
	"time"

	"github.com/rs/zerolog/log"

	"hmdriver/message"
)

func LoggingMiddleware() Middleware {
	return func(next HandlerFunc) HandlerFunc {
		return func(ctx context.Context, call *message.Call) (*message.Response, error) {
			start := time.Now()
			resp, err := next(ctx, call)
			duration := time.Since(start)

			if err == nil {
				log.Debug().
					Str("api", call.Params.API).
					Str("request_id", call.RequestID).
					Dur("duration", duration).
					Msg("rpc: call ok")
				return resp, nil
			}

			event := log.Warn()
			if errors.Is(err, message.ErrRemote) {
				event = log.Info()
			}
			event.
				Str("api", call.Params.API).
				Str("method", call.Method).
				Str("request_id", call.RequestID).
				Dur("duration", duration).
				Err(err).
				Msg("rpc: call failed")
			return resp, err
		}
	}
}
