// Package ratelimit counts requests per caller in fixed windows kept in the
// shared store. A window starts with the caller's first request and ends when
// its counter key expires.
package ratelimit

import (
	"context"
	"log/slog"
	"math"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"golang.org/x/time/rate"

	"github.com/taut0logy/kothakoli/internal/store"
)

var decisionsTotal = promauto.NewCounterVec(
	prometheus.CounterOpts{
		Name: "rate_limit_decisions_total",
		Help: "Rate limit decisions by limiter and decision (allowed, rejected, fail_open)",
	},
	[]string{"limiter", "decision"},
)

// Decision is the outcome of one Check, always complete enough to be
// surfaced to the caller.
type Decision struct {
	Allowed      bool
	Limit        int
	Remaining    int
	ResetSeconds int
	// FailOpen is set when the store could not be consulted and the request
	// was allowed without counting.
	FailOpen bool
}

// Limiter is one named budget, such as "strict" at 20 per minute.
type Limiter struct {
	store    store.Store
	name     string
	limit    int
	window   time.Duration
	logger   *slog.Logger
	degraded rate.Sometimes
}

// New creates a Limiter. Counters of different limiters never mix.
func New(s store.Store, name string, limit int, window time.Duration, logger *slog.Logger) *Limiter {
	return &Limiter{
		store:    s,
		name:     name,
		limit:    limit,
		window:   window,
		logger:   logger,
		degraded: rate.Sometimes{First: 1, Interval: 30 * time.Second},
	}
}

// Name returns the limiter name.
func (l *Limiter) Name() string { return l.name }

// Check counts one request for identityKey. When the store is unreachable
// the request is allowed.
func (l *Limiter) Check(ctx context.Context, identityKey string) Decision {
	count, ttl, err := l.store.IncrWindow(ctx, "ratelimit:"+l.name+":"+identityKey, l.window)
	if err != nil {
		decisionsTotal.WithLabelValues(l.name, "fail_open").Inc()
		l.degraded.Do(func() {
			l.logger.WarnContext(ctx, "rate limiter failing open",
				slog.String("limiter", l.name),
				slog.String("error", err.Error()),
			)
		})
		return Decision{
			Allowed:      true,
			Limit:        l.limit,
			Remaining:    l.limit,
			ResetSeconds: ceilSeconds(l.window),
			FailOpen:     true,
		}
	}

	d := Decision{
		Limit:        l.limit,
		ResetSeconds: ceilSeconds(ttl),
	}
	if count > int64(l.limit) {
		decisionsTotal.WithLabelValues(l.name, "rejected").Inc()
		return d
	}

	decisionsTotal.WithLabelValues(l.name, "allowed").Inc()
	d.Allowed = true
	d.Remaining = l.limit - int(count)
	return d
}

func ceilSeconds(d time.Duration) int {
	if d <= 0 {
		return 0
	}
	return int(math.Ceil(d.Seconds()))
}
