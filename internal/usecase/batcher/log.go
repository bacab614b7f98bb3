package batcher

import (
	"log/slog"
	"sync"

	"agentmux/internal/domain"
)

// entryOverhead approximates the bytes an entry costs beyond its strings.
const entryOverhead = 256

const (
	defaultQueryLimit = 100
	maxQueryLimit     = 1000
)

// messageLog is the bounded activity log. Entries are mutated in place as
// their status moves from queued to delivered or failed.
type messageLog struct {
	mu         sync.Mutex
	entries    []*domain.MessageLogEntry
	index      map[string]int
	bytes      int
	maxEntries int
	maxBytes   int
	logger     *slog.Logger
}

func newMessageLog(maxEntries, maxBytes int, logger *slog.Logger) *messageLog {
	return &messageLog{
		index:      make(map[string]int),
		maxEntries: maxEntries,
		maxBytes:   maxBytes,
		logger:     logger,
	}
}

func entrySize(e *domain.MessageLogEntry) int {
	return len(e.Text) + len(e.Error) + len(e.AgentName) + entryOverhead
}

// add appends e, evicting the oldest settled entries first if the log
// would go over either ceiling.
func (l *messageLog) add(e domain.MessageLogEntry) {
	l.mu.Lock()
	defer l.mu.Unlock()

	entry := &e
	size := entrySize(entry)
	l.pruneLocked(size)

	l.entries = append(l.entries, entry)
	l.index[entry.ID] = len(l.entries) - 1
	l.bytes += size
}

func (l *messageLog) overLocked(incoming int) bool {
	if l.maxEntries > 0 && len(l.entries)+1 > l.maxEntries {
		return true
	}
	return l.maxBytes > 0 && l.bytes+incoming > l.maxBytes
}

func (l *messageLog) pruneLocked(incoming int) {
	evicted := false
	for l.overLocked(incoming) {
		victim := -1
		for i, e := range l.entries {
			if e.Status != domain.MessageQueued {
				victim = i
				break
			}
		}
		if victim < 0 {
			l.logger.Warn("message log over capacity with only queued entries, keeping them",
				"entries", len(l.entries), "bytes", l.bytes)
			break
		}
		l.bytes -= entrySize(l.entries[victim])
		l.entries = append(l.entries[:victim], l.entries[victim+1:]...)
		evicted = true
	}
	if evicted {
		l.index = make(map[string]int, len(l.entries))
		for i, e := range l.entries {
			l.index[e.ID] = i
		}
	}
}

// settle moves the queued entries named by ids to a terminal status and
// returns copies of the entries it touched. Entries that were already
// settled or evicted are skipped.
func (l *messageLog) settle(ids []string, fn func(*domain.MessageLogEntry)) []domain.MessageLogEntry {
	l.mu.Lock()
	defer l.mu.Unlock()

	out := make([]domain.MessageLogEntry, 0, len(ids))
	for _, id := range ids {
		i, ok := l.index[id]
		if !ok {
			continue
		}
		e := l.entries[i]
		if e.Status != domain.MessageQueued {
			continue
		}
		l.bytes -= entrySize(e)
		fn(e)
		l.bytes += entrySize(e)
		out = append(out, *e)
	}
	return out
}

func (l *messageLog) get(id string) (domain.MessageLogEntry, bool) {
	l.mu.Lock()
	defer l.mu.Unlock()
	i, ok := l.index[id]
	if !ok {
		return domain.MessageLogEntry{}, false
	}
	return *l.entries[i], true
}

// query returns matching entries newest first.
func (l *messageLog) query(q domain.LogQuery) []domain.MessageLogEntry {
	limit := q.Limit
	if limit <= 0 {
		limit = defaultQueryLimit
	}
	if limit > maxQueryLimit {
		limit = maxQueryLimit
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	out := make([]domain.MessageLogEntry, 0, min(limit, len(l.entries)))
	for i := len(l.entries) - 1; i >= 0 && len(out) < limit; i-- {
		e := l.entries[i]
		if q.ProjectID != "" && e.ProjectID != q.ProjectID {
			continue
		}
		if q.AgentID != "" && e.AgentID != q.AgentID {
			continue
		}
		if q.Status != "" && e.Status != q.Status {
			continue
		}
		if q.Source != "" && e.Source != q.Source {
			continue
		}
		out = append(out, *e)
	}
	return out
}

func (l *messageLog) stats() domain.MessageStats {
	l.mu.Lock()
	defer l.mu.Unlock()

	s := domain.MessageStats{
		Total:    len(l.entries),
		LogBytes: l.bytes,
		BySource: make(map[string]int),
	}
	for _, e := range l.entries {
		switch e.Status {
		case domain.MessageQueued:
			s.Queued++
		case domain.MessageDelivered:
			s.Delivered++
		case domain.MessageFailed:
			s.Failed++
		}
		s.BySource[e.Source]++
	}
	return s
}

func (l *messageLog) queued() []domain.MessageLogEntry {
	l.mu.Lock()
	defer l.mu.Unlock()
	var out []domain.MessageLogEntry
	for _, e := range l.entries {
		if e.Status == domain.MessageQueued {
			out = append(out, *e)
		}
	}
	return out
}
