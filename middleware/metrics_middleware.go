package middleware

import (
	"context"
	"errors"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"hmdriver/message"
)

// Metrics counts agent calls by API and outcome and records their latency.
type Metrics struct {
	calls    *prometheus.CounterVec
	duration *prometheus.HistogramVec
}

// NewMetrics registers the collectors with reg. A nil reg leaves them
// unregistered, which is useful in tests.
func NewMetrics(reg prometheus.Registerer) (*Metrics, error) {
	m := &Metrics{
		calls: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "hmdriver",
			Subsystem: "rpc",
			Name:      "calls_total",
			Help:      "Agent calls by api and outcome.",
		}, []string{"method", "api", "outcome"}),
		duration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "hmdriver",
			Subsystem: "rpc",
			Name:      "call_duration_seconds",
			Help:      "Agent call latency, including transport.",
			Buckets:   prometheus.ExponentialBuckets(0.005, 2, 14),
		}, []string{"method", "api"}),
	}
	if reg != nil {
		for _, c := range []prometheus.Collector{m.calls, m.duration} {
			if err := reg.Register(c); err != nil {
				return nil, err
			}
		}
	}
	return m, nil
}

// Collectors exposes the underlying collectors.
func (m *Metrics) Collectors() []prometheus.Collector {
	return []prometheus.Collector{m.calls, m.duration}
}

func (m *Metrics) Middleware() Middleware {
	return func(next HandlerFunc) HandlerFunc {
		return func(ctx context.Context, call *message.Call) (*message.Response, error) {
			start := time.Now()
			resp, err := next(ctx, call)
			m.duration.WithLabelValues(call.Method, call.Params.API).Observe(time.Since(start).Seconds())
			m.calls.WithLabelValues(call.Method, call.Params.API, outcome(err)).Inc()
			return resp, err
		}
	}
}

func outcome(err error) string {
	switch {
	case err == nil:
		return "ok"
	case errors.Is(err, message.ErrRemote):
		return "remote_error"
	default:
		return "transport_error"
	}
}
