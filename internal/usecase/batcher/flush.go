package batcher

import (
	"context"
	"fmt"
	"strings"
	"time"

	"golang.org/x/sync/errgroup"

	"agentmux/internal/domain"
	"agentmux/internal/infra/tracer"
	"agentmux/internal/usecase/keyed"
)

// outcome is the result of delivering one batch.
type outcome struct {
	delivered bool
	count     int
	reason    string
	entries   []domain.MessageLogEntry
}

func (o outcome) enqueueResult() domain.EnqueueResult {
	if o.delivered {
		return domain.EnqueueResult{Status: domain.MessageDelivered}
	}
	return domain.EnqueueResult{Status: domain.MessageFailed, Error: o.reason}
}

func (o outcome) flushResult() domain.FlushResult {
	if o.delivered {
		return domain.FlushResult{Success: true, DeliveredCount: o.count}
	}
	return domain.FlushResult{DiscardedCount: o.count, Reason: o.reason}
}

// deliverBatch delivers bt under the agent's serializer link, records the
// outcome and, on failure, tells each sender once. Notices are enqueued
// after the link is released so a sender that is also the target does not
// wait on itself.
func (b *Batcher) deliverBatch(ctx context.Context, bt *batch) outcome {
	agentID := bt.agent.ID
	out, err := keyed.Do(b.deps.Serializer, agentID, func() (outcome, error) {
		return b.deliver(ctx, bt), nil
	})
	if err != nil {
		// deliver panicked; the messages are still queued in the log.
		out = b.settleFailed(bt, err.Error())
	}

	evType := domain.EventMessageDelivered
	if !out.delivered {
		evType = domain.EventMessageFailed
	}
	b.emit(ctx, domain.ActivityEvent{Type: evType, AgentID: agentID, Entries: out.entries})
	b.emitPools(ctx, agentID)

	if !out.delivered {
		b.notifySenders(ctx, bt, out.reason)
	}
	return out
}

func (b *Batcher) deliver(ctx context.Context, bt *batch) outcome {
	agentID := bt.agent.ID
	ctx, span := tracer.StartSpan(ctx, "batcher.deliver")
	defer span.End()
	span.SetAttributes(
		tracer.AgentAttr(agentID),
		tracer.IntAttr("batch.size", len(bt.messages)),
	)

	dest, err := b.deps.Resolver.ActiveDestination(ctx, agentID)
	if err != nil {
		tracer.RecordError(span, err)
		b.logger.Warn("resolve destination failed", "agent", agentID, "error", err)
		return b.settleFailed(bt, err.Error())
	}
	if dest == nil {
		tracer.RecordError(span, domain.ErrNoActiveSession)
		b.logger.Info("no active session, discarding batch", "agent", agentID, "count", len(bt.messages))
		return b.settleFailed(bt, domain.NoActiveSessionReason)
	}

	texts := make([]string, len(bt.messages))
	for i, m := range bt.messages {
		texts[i] = m.Text
	}
	text := strings.Join(texts, bt.config.Separator)
	keys := bt.messages[len(bt.messages)-1].SubmitKeys

	if err := b.deps.Deliverer.Deliver(ctx, *dest, text, keys); err != nil {
		tracer.RecordError(span, err)
		b.logger.Warn("delivery failed", "agent", agentID, "count", len(bt.messages), "error", err)
		return b.settleFailed(bt, err.Error())
	}

	now := b.deps.Clock.Now()
	batchID := newID(now)
	entries := b.log.settle(logIDs(bt), func(e *domain.MessageLogEntry) {
		e.Status = domain.MessageDelivered
		e.BatchID = batchID
		at := now
		e.DeliveredAt = &at
	})
	tracer.SetOK(span)
	b.logger.Debug("batch delivered", "agent", agentID, "count", len(bt.messages), "batch", batchID)
	return outcome{delivered: true, count: len(bt.messages), entries: entries}
}

func (b *Batcher) settleFailed(bt *batch, reason string) outcome {
	entries := b.log.settle(logIDs(bt), func(e *domain.MessageLogEntry) {
		e.Status = domain.MessageFailed
		e.Error = reason
	})
	return outcome{count: len(bt.messages), reason: reason, entries: entries}
}

func logIDs(bt *batch) []string {
	ids := make([]string, len(bt.messages))
	for i, m := range bt.messages {
		ids[i] = m.LogID
	}
	return ids
}

// notifySenders tells every distinct sender in bt that their message was
// not delivered. Failure notices themselves never produce another notice.
func (b *Batcher) notifySenders(ctx context.Context, bt *batch, reason string) {
	seen := make(map[string]bool)
	for _, m := range bt.messages {
		if m.SenderID == "" || m.Source == domain.SourceFailureNotice || seen[m.SenderID] {
			continue
		}
		seen[m.SenderID] = true
		b.notifySender(ctx, m.SenderID, bt.agent.Name, reason)
	}
}

func (b *Batcher) notifySender(ctx context.Context, senderID, agentName, reason string) {
	defer func() {
		if r := recover(); r != nil {
			b.logger.Error("failure notice panicked", "sender", senderID, "panic", r)
		}
	}()
	text := fmt.Sprintf("[agentmux] Your message to %s was not delivered: %s", agentName, reason)
	res := b.Enqueue(ctx, senderID, text, domain.EnqueueOptions{
		Source:    domain.SourceFailureNotice,
		Immediate: true,
	})
	if res.Status == domain.MessageFailed {
		b.logger.Debug("failure notice not delivered", "sender", senderID, "error", res.Error)
	}
}

// FlushAll flushes every open pool concurrently and returns the first
// failure, if any. Every pool is attempted regardless.
func (b *Batcher) FlushAll(ctx context.Context) error {
	b.mu.Lock()
	ids := make([]string, 0, len(b.pools))
	for id := range b.pools {
		ids = append(ids, id)
	}
	b.mu.Unlock()

	var g errgroup.Group
	for _, id := range ids {
		g.Go(func() error {
			res := b.FlushNow(ctx, id)
			if !res.Success {
				return domain.WrapOp("batcher.flush_all",
					fmt.Errorf("agent %s: %s: %w", id, res.Reason, domain.ErrDeliveryFailed))
			}
			return nil
		})
	}
	return g.Wait()
}

// Shutdown stops pooling and drains the open pools, waiting at most the
// configured grace period. Messages still queued when the grace period
// runs out are logged as lost. Later enqueues are delivered immediately.
func (b *Batcher) Shutdown(ctx context.Context) {
	if b.closed.Swap(true) {
		return
	}

	done := make(chan error, 1)
	go func() { done <- b.FlushAll(ctx) }()

	expired := make(chan struct{})
	grace := b.deps.Clock.AfterFunc(b.cfg.ShutdownGrace, func() { close(expired) })
	defer grace.Stop()

	select {
	case err := <-done:
		if err != nil {
			b.logger.Warn("batcher shutdown flush incomplete", "error", err)
		} else {
			b.logger.Info("batcher drained")
		}
		return
	case <-expired:
	case <-ctx.Done():
	}

	lost := b.log.queued()
	if len(lost) == 0 {
		return
	}
	b.logger.Warn("batcher shutdown grace expired, messages lost",
		"count", len(lost), "grace", b.cfg.ShutdownGrace.String())
	for _, e := range lost {
		b.logger.Warn("lost message",
			"agent", e.AgentID, "project", e.ProjectID, "id", e.ID,
			"queued_for", b.deps.Clock.Now().Sub(e.Timestamp).Round(time.Millisecond).String())
	}
}
