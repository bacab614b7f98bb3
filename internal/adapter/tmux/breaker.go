package tmux

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/sony/gobreaker/v2"

	"agentmux/internal/domain"
)

// BreakerSettings configures BreakerDeliverer.
type BreakerSettings struct {
	MaxFailures      uint32
	OpenTimeout      time.Duration
	HalfOpenRequests uint32
}

// BreakerDeliverer wraps a Deliverer with a circuit breaker. After
// MaxFailures consecutive delivery errors it fails fast with
// domain.ErrCircuitOpen until OpenTimeout has passed.
type BreakerDeliverer struct {
	inner   domain.Deliverer
	breaker *gobreaker.CircuitBreaker[struct{}]
}

// NewBreakerDeliverer wraps inner.
func NewBreakerDeliverer(inner domain.Deliverer, s BreakerSettings, logger *slog.Logger) *BreakerDeliverer {
	if s.MaxFailures == 0 {
		s.MaxFailures = 5
	}
	if s.OpenTimeout <= 0 {
		s.OpenTimeout = 30 * time.Second
	}
	if s.HalfOpenRequests == 0 {
		s.HalfOpenRequests = 1
	}
	maxFailures := s.MaxFailures

	cb := gobreaker.NewCircuitBreaker[struct{}](gobreaker.Settings{
		Name:        "tmux",
		MaxRequests: s.HalfOpenRequests,
		Timeout:     s.OpenTimeout,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= maxFailures
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			logger.Warn("circuit breaker state change",
				"breaker", name,
				"from", from.String(),
				"to", to.String(),
			)
		},
		// A canceled delivery says nothing about tmux health.
		IsSuccessful: func(err error) bool {
			return err == nil || errors.Is(err, context.Canceled)
		},
	})
	return &BreakerDeliverer{inner: inner, breaker: cb}
}

// Deliver implements domain.Deliverer.
func (b *BreakerDeliverer) Deliver(ctx context.Context, dest domain.Destination, text string, submitKeys []string) error {
	_, err := b.breaker.Execute(func() (struct{}, error) {
		return struct{}{}, b.inner.Deliver(ctx, dest, text, submitKeys)
	})
	if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
		return fmt.Errorf("deliver to %s: %w: %w", dest.Session, domain.ErrCircuitOpen, err)
	}
	return err
}

// State returns the breaker state for health reporting.
func (b *BreakerDeliverer) State() gobreaker.State {
	return b.breaker.State()
}

var _ domain.Deliverer = (*BreakerDeliverer)(nil)
