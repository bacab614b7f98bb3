package tmux

import (
	"context"
	"fmt"
	"log/slog"
	"strings"

	"golang.org/x/time/rate"

	"agentmux/internal/domain"
)

// Deliverer pastes text into a session through a named tmux buffer and
// then presses the submit keys. Bracketed paste keeps multi-line batches
// from being submitted line by line.
type Deliverer struct {
	runner  Runner
	limiter *rate.Limiter
	logger  *slog.Logger
}

// NewDeliverer creates a Deliverer. perSecond <= 0 disables throttling.
func NewDeliverer(runner Runner, perSecond float64, burst int, logger *slog.Logger) *Deliverer {
	d := &Deliverer{runner: runner, logger: logger}
	if perSecond > 0 {
		if burst < 1 {
			burst = 1
		}
		d.limiter = rate.NewLimiter(rate.Limit(perSecond), burst)
	}
	return d
}

// Deliver implements domain.Deliverer.
func (d *Deliverer) Deliver(ctx context.Context, dest domain.Destination, text string, submitKeys []string) error {
	if d.limiter != nil {
		if err := d.limiter.Wait(ctx); err != nil {
			return fmt.Errorf("paste throttle for %s: %w", dest.Session, err)
		}
	}

	target := "=" + dest.Session + ":"
	buffer := "agentmux-" + dest.AgentID

	if _, err := d.runner.Run(ctx, strings.NewReader(text), "load-buffer", "-b", buffer, "-"); err != nil {
		return d.fail("load-buffer", dest, err)
	}
	if _, err := d.runner.Run(ctx, nil, "paste-buffer", "-d", "-p", "-b", buffer, "-t", target); err != nil {
		return d.fail("paste-buffer", dest, err)
	}
	for _, key := range submitKeys {
		if _, err := d.runner.Run(ctx, nil, "send-keys", "-t", target, key); err != nil {
			return d.fail("send-keys", dest, err)
		}
	}

	d.logger.Debug("text delivered", "agent", dest.AgentID, "session", dest.Session,
		"bytes", len(text), "keys", len(submitKeys))
	return nil
}

func (d *Deliverer) fail(step string, dest domain.Destination, err error) error {
	return fmt.Errorf("%w: %s %s: %w", domain.ErrDeliveryFailed, step, dest.Session, err)
}

var _ domain.Deliverer = (*Deliverer)(nil)
