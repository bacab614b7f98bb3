package batcher

import (
	"fmt"
	"io"
	"log/slog"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"agentmux/internal/domain"
)

func newTestLog(maxEntries, maxBytes int) *messageLog {
	return newMessageLog(maxEntries, maxBytes, slog.New(slog.NewTextHandler(io.Discard, nil)))
}

func logEntry(id string, status domain.MessageStatus) domain.MessageLogEntry {
	return domain.MessageLogEntry{
		ID:        id,
		Timestamp: t0,
		AgentID:   "agent-1",
		AgentName: "one",
		Text:      "text " + id,
		Source:    domain.SourceManual,
		Status:    status,
	}
}

func ids(entries []domain.MessageLogEntry) []string {
	out := make([]string, len(entries))
	for i, e := range entries {
		out[i] = e.ID
	}
	return out
}

func TestMessageLogPrunesOldestSettledFirst(t *testing.T) {
	l := newTestLog(5, 0)

	l.add(logEntry("d1", domain.MessageDelivered))
	l.add(logEntry("q1", domain.MessageQueued))
	l.add(logEntry("d2", domain.MessageDelivered))
	l.add(logEntry("q2", domain.MessageQueued))
	l.add(logEntry("d3", domain.MessageDelivered))

	l.add(logEntry("n1", domain.MessageQueued))
	assert.Equal(t, []string{"n1", "d3", "q2", "d2", "q1"}, ids(l.query(domain.LogQuery{})))

	l.add(logEntry("n2", domain.MessageQueued))
	assert.Equal(t, []string{"n2", "n1", "d3", "q2", "q1"}, ids(l.query(domain.LogQuery{})))

	// Index was rebuilt: lookups and settles still hit the right entries.
	got, ok := l.get("q2")
	require.True(t, ok)
	assert.Equal(t, "text q2", got.Text)
	_, ok = l.get("d1")
	assert.False(t, ok)

	settled := l.settle([]string{"q1", "d1"}, func(e *domain.MessageLogEntry) {
		e.Status = domain.MessageDelivered
	})
	require.Len(t, settled, 1)
	assert.Equal(t, "q1", settled[0].ID)
}

func TestMessageLogKeepsQueuedWhenNothingEvictable(t *testing.T) {
	l := newTestLog(2, 0)

	l.add(logEntry("q1", domain.MessageQueued))
	l.add(logEntry("q2", domain.MessageQueued))
	l.add(logEntry("q3", domain.MessageQueued))

	assert.Len(t, l.query(domain.LogQuery{}), 3)
}

func TestMessageLogByteCeiling(t *testing.T) {
	l := newTestLog(0, 3*(entryOverhead+100))

	big := func(id string, status domain.MessageStatus) domain.MessageLogEntry {
		e := logEntry(id, status)
		e.AgentName = ""
		e.Text = strings.Repeat("x", 100)
		return e
	}
	l.add(big("d1", domain.MessageDelivered))
	l.add(big("d2", domain.MessageDelivered))
	l.add(big("d3", domain.MessageDelivered))
	assert.Equal(t, 3*(entryOverhead+100), l.stats().LogBytes)

	l.add(big("d4", domain.MessageDelivered))
	assert.Equal(t, []string{"d4", "d3", "d2"}, ids(l.query(domain.LogQuery{})))
	assert.Equal(t, 3*(entryOverhead+100), l.stats().LogBytes)
}

func TestMessageLogSettleTracksBytesAndNeverGoesBackward(t *testing.T) {
	l := newTestLog(0, 0)
	l.add(logEntry("q1", domain.MessageQueued))
	before := l.stats().LogBytes

	l.settle([]string{"q1"}, func(e *domain.MessageLogEntry) {
		e.Status = domain.MessageFailed
		e.Error = "boom"
	})
	assert.Equal(t, before+len("boom"), l.stats().LogBytes)

	// A second settle on a terminal entry is ignored.
	touched := l.settle([]string{"q1"}, func(e *domain.MessageLogEntry) {
		e.Status = domain.MessageDelivered
	})
	assert.Empty(t, touched)
	got, _ := l.get("q1")
	assert.Equal(t, domain.MessageFailed, got.Status)
}

func TestMessageLogQueryFiltersAndLimits(t *testing.T) {
	l := newTestLog(0, 0)
	for i := 0; i < 150; i++ {
		e := logEntry(fmt.Sprintf("e%03d", i), domain.MessageDelivered)
		e.Timestamp = t0.Add(time.Duration(i) * time.Second)
		if i%2 == 0 {
			e.AgentID = "agent-2"
			e.ProjectID = "p2"
		}
		if i%3 == 0 {
			e.Source = domain.SourceAutomation
		}
		l.add(e)
	}

	all := l.query(domain.LogQuery{})
	require.Len(t, all, defaultQueryLimit)
	assert.Equal(t, "e149", all[0].ID)

	assert.Len(t, l.query(domain.LogQuery{Limit: 5000}), 150)
	assert.Len(t, l.query(domain.LogQuery{Limit: 3}), 3)

	agent2 := l.query(domain.LogQuery{AgentID: "agent-2", Limit: 1000})
	assert.Len(t, agent2, 75)
	assert.Equal(t, "e148", agent2[0].ID)

	both := l.query(domain.LogQuery{ProjectID: "p2", Source: domain.SourceAutomation, Limit: 1000})
	assert.Len(t, both, 25)
	assert.Empty(t, l.query(domain.LogQuery{Status: domain.MessageFailed}))
}
