package token

import (
	"context"
	"log/slog"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	cleanupRuns = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "token_cleanup_runs_total",
			Help: "Token cleanup sweeps by result",
		},
		[]string{"result"},
	)
	cleanupRemoved = promauto.NewCounter(prometheus.CounterOpts{
		Name: "token_cleanup_removed_total",
		Help: "Token records removed by cleanup sweeps",
	})
)

// Cleaner is the sweep the Sweeper runs.
type Cleaner interface {
	Cleanup(ctx context.Context) (int64, error)
}

// Sweeper runs Cleanup in the background: once at start, then every
// interval. A failed sweep is retried after retryDelay.
type Sweeper struct {
	cleaner    Cleaner
	interval   time.Duration
	retryDelay time.Duration
	logger     *slog.Logger
}

// NewSweeper creates a Sweeper.
func NewSweeper(c Cleaner, interval, retryDelay time.Duration, logger *slog.Logger) *Sweeper {
	return &Sweeper{
		cleaner:    c,
		interval:   interval,
		retryDelay: retryDelay,
		logger:     logger,
	}
}

// Run blocks until ctx is cancelled.
func (s *Sweeper) Run(ctx context.Context) {
	s.logger.Info("token cleanup started",
		slog.Duration("interval", s.interval),
		slog.Duration("retry_delay", s.retryDelay),
	)

	for {
		delay := s.sweep(ctx)

		timer := time.NewTimer(delay)
		select {
		case <-ctx.Done():
			timer.Stop()
			s.logger.Info("token cleanup stopped")
			return
		case <-timer.C:
		}
	}
}

// sweep runs one cleanup and returns how long to wait before the next one.
func (s *Sweeper) sweep(ctx context.Context) (next time.Duration) {
	defer func() {
		if r := recover(); r != nil {
			cleanupRuns.WithLabelValues("panic").Inc()
			s.logger.Error("token cleanup panicked", slog.Any("panic", r))
			next = s.retryDelay
		}
	}()

	n, err := s.cleaner.Cleanup(ctx)
	if err != nil {
		if ctx.Err() != nil {
			return s.retryDelay
		}
		cleanupRuns.WithLabelValues("error").Inc()
		s.logger.Error("token cleanup failed",
			slog.String("error", err.Error()),
			slog.Duration("retry_in", s.retryDelay),
		)
		return s.retryDelay
	}

	cleanupRuns.WithLabelValues("ok").Inc()
	cleanupRemoved.Add(float64(n))
	s.logger.Info("token cleanup finished", slog.Int64("removed", n))
	return s.interval
}
