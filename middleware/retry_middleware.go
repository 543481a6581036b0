package middleware

import (
	"context"
	"errors"
	"time"

	"github.com/juju/clock"
	"github.com/juju/retry"
	"github.com/rs/zerolog/log"

	"hmdriver/message"
)

// RetryPolicy bounds how often a failed call is repeated.
//
// Only remote exceptions are retried by default: the agent stays in sync after
// reporting one. A transport error leaves the stream position unknown, and
// repeating the call on the same connection would read a stale reply.
type RetryPolicy struct {
	Attempts  int
	Delay     time.Duration
	MaxDelay  time.Duration
	Retryable func(err error) bool
	Clock     clock.Clock
}

func DefaultRetryPolicy() RetryPolicy {
	return RetryPolicy{
		Attempts: 3,
		Delay:    500 * time.Millisecond,
		MaxDelay: 4 * time.Second,
	}
}

func IsRemote(err error) bool {
	return errors.Is(err, message.ErrRemote)
}

func RetryMiddleware(policy RetryPolicy) Middleware {
	if policy.Attempts < 1 {
		policy.Attempts = 1
	}
	if policy.Delay <= 0 {
		policy.Delay = DefaultRetryPolicy().Delay
	}
	if policy.Retryable == nil {
		policy.Retryable = IsRemote
	}
	if policy.Clock == nil {
		policy.Clock = clock.WallClock
	}
	return func(next HandlerFunc) HandlerFunc {
		return func(ctx context.Context, call *message.Call) (*message.Response, error) {
			var resp *message.Response
			err := retry.Call(retry.CallArgs{
				Func: func() error {
					var err error
					resp, err = next(ctx, call)
					return err
				},
				IsFatalError: func(err error) bool {
					return !policy.Retryable(err)
				},
				NotifyFunc: func(err error, attempt int) {
					log.Info().
						Str("api", call.Params.API).
						Int("attempt", attempt).
						Err(err).
						Msg("rpc: retrying call")
				},
				Attempts:    policy.Attempts,
				Delay:       policy.Delay,
				MaxDelay:    policy.MaxDelay,
				BackoffFunc: retry.DoubleDelay,
				Clock:       policy.Clock,
				Stop:        ctx.Done(),
			})
			return resp, retry.LastError(err)
		}
	}
}
