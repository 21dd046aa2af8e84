package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/sony/gobreaker"
	"go.uber.org/zap"

	"flowsync/internal/flowchart"
)

type BreakerConfig struct {
	Name             string
	MaxRequests      uint32
	Interval         time.Duration
	Timeout          time.Duration
	FailureThreshold float64
	MinRequests      uint32
}

func DefaultBreakerConfig(name string) BreakerConfig {
	return BreakerConfig{
		Name:             name,
		MaxRequests:      3,
		Interval:         30 * time.Second,
		Timeout:          15 * time.Second,
		FailureThreshold: 0.6,
		MinRequests:      5,
	}
}

// Breaker stops hammering a failing backend. Not-found and stale results
// count as successes; only persistence failures trip the circuit.
type Breaker struct {
	next Store
	cb   *gobreaker.CircuitBreaker
}

func NewBreaker(next Store, cfg BreakerConfig, logger *zap.Logger) *Breaker {
	if logger == nil {
		logger = zap.NewNop()
	}
	cb := gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:        cfg.Name,
		MaxRequests: cfg.MaxRequests,
		Interval:    cfg.Interval,
		Timeout:     cfg.Timeout,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			if counts.Requests < cfg.MinRequests {
				return false
			}
			return float64(counts.TotalFailures)/float64(counts.Requests) >= cfg.FailureThreshold
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			logger.Warn("store circuit breaker state changed",
				zap.String("breaker", name),
				zap.String("from", from.String()),
				zap.String("to", to.String()))
		},
		IsSuccessful: func(err error) bool {
			return err == nil || !errors.Is(err, flowchart.ErrPersistence)
		},
	})
	return &Breaker{next: next, cb: cb}
}

func (b *Breaker) State() gobreaker.State {
	return b.cb.State()
}

func (b *Breaker) Create(ctx context.Context, doc flowchart.Document) (flowchart.Document, error) {
	return execute(b, func() (flowchart.Document, error) { return b.next.Create(ctx, doc) })
}

func (b *Breaker) Get(ctx context.Context, id string) (flowchart.Document, error) {
	return execute(b, func() (flowchart.Document, error) { return b.next.Get(ctx, id) })
}

func (b *Breaker) Update(ctx context.Context, doc flowchart.Document) error {
	_, err := execute(b, func() (struct{}, error) { return struct{}{}, b.next.Update(ctx, doc) })
	return err
}

func (b *Breaker) List(ctx context.Context, query string, limit int) ([]flowchart.Summary, error) {
	return execute(b, func() ([]flowchart.Summary, error) { return b.next.List(ctx, query, limit) })
}

// Ping bypasses the breaker so readiness reflects the backend itself.
func (b *Breaker) Ping(ctx context.Context) error {
	return b.next.Ping(ctx)
}

func (b *Breaker) Close() error {
	return b.next.Close()
}

func execute[T any](b *Breaker, fn func() (T, error)) (T, error) {
	var zero T
	out, err := b.cb.Execute(func() (interface{}, error) {
		value, err := fn()
		return value, err
	})
	switch {
	case errors.Is(err, gobreaker.ErrOpenState), errors.Is(err, gobreaker.ErrTooManyRequests):
		return zero, fmt.Errorf("%s: %w: %w", b.cb.Name(), flowchart.ErrPersistence, err)
	case err != nil:
		return zero, err
	}
	return out.(T), nil
}
