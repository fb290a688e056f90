// Package audit implements the append-only, bounded Audit Log described
// in spec §4.4: a ring of events indexed per work order, with filtered
// queries and a guarantee that failure events always carry non-empty
// details.
package audit

import (
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/fl-sean03/agentgate/internal/model"
)

const defaultMaxEvents = 10_000

// Log is the append-only audit log. Safe for concurrent use.
type Log struct {
	mu        sync.RWMutex
	maxEvents int
	events    []model.AuditEvent          // oldest first
	byWorkOrder map[string][]int          // workOrderId -> indices into events (logical, see note)

	// head is the logical index of events[0]; needed so indices in
	// byWorkOrder survive the ring eviction without an O(n) shift.
	head int
}

// New creates a Log bounded at maxEvents (0 uses the default of 10000).
func New(maxEvents int) *Log {
	if maxEvents <= 0 {
		maxEvents = defaultMaxEvents
	}
	return &Log{
		maxEvents:   maxEvents,
		byWorkOrder: make(map[string][]int),
	}
}

// Append records an event, evicting the oldest if the bound is crossed.
// If eventType is a failure event (EventFail, EventBuildFailed,
// EventVerifyFailedTerminal or EventSystemError), details must be
// non-empty; Append defends the
// invariant by substituting a placeholder rather than silently storing
// an empty object.
func (l *Log) Append(workOrderID, eventType string, details map[string]any) model.AuditEvent {
	if isFailureEvent(eventType) && len(details) == 0 {
		details = map[string]any{
			"message":        "failure event recorded without structured detail",
			"classification": string(model.CodeUnknown),
		}
	}

	ev := model.AuditEvent{
		ID:          uuid.NewString(),
		WorkOrderID: workOrderID,
		EventType:   eventType,
		Timestamp:   time.Now(),
		Details:     details,
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	l.events = append(l.events, ev)
	idx := l.head + len(l.events) - 1
	l.byWorkOrder[workOrderID] = append(l.byWorkOrder[workOrderID], idx)

	if len(l.events) > l.maxEvents {
		l.evictOldest()
	}

	return ev
}

func isFailureEvent(eventType string) bool {
	switch eventType {
	case model.EventFail, model.EventBuildFailed, model.EventVerifyFailedTerminal, model.EventSystemError:
		return true
	}
	return false
}

// evictOldest drops events[0] and fixes up the work-order index. Must be
// called with l.mu held.
func (l *Log) evictOldest() {
	oldest := l.events[0]
	l.events = l.events[1:]
	l.head++

	indices := l.byWorkOrder[oldest.WorkOrderID]
	for i, idx := range indices {
		if idx == l.head-1 {
			l.byWorkOrder[oldest.WorkOrderID] = append(indices[:i], indices[i+1:]...)
			break
		}
	}
	if len(l.byWorkOrder[oldest.WorkOrderID]) == 0 {
		delete(l.byWorkOrder, oldest.WorkOrderID)
	}
}

// resolve converts a logical index (as stored in byWorkOrder) to the
// current slice position, or (0, false) if it has been evicted.
func (l *Log) resolve(idx int) (int, bool) {
	pos := idx - l.head
	if pos < 0 || pos >= len(l.events) {
		return 0, false
	}
	return pos, true
}

// Filter narrows a query over the log.
type Filter struct {
	WorkOrderID string
	EventType   string
	Since       time.Time
	Until       time.Time
	Limit       int // tail: most recent N
}

// Query returns events matching filter, oldest first, honoring Limit as
// a tail cut (the most recent Limit matches).
func (l *Log) Query(f Filter) []model.AuditEvent {
	l.mu.RLock()
	defer l.mu.RUnlock()

	var source []model.AuditEvent
	if f.WorkOrderID != "" {
		indices := l.byWorkOrder[f.WorkOrderID]
		source = make([]model.AuditEvent, 0, len(indices))
		for _, idx := range indices {
			if pos, ok := l.resolve(idx); ok {
				source = append(source, l.events[pos])
			}
		}
	} else {
		source = append(source, l.events...)
	}

	var out []model.AuditEvent
	for _, ev := range source {
		if f.EventType != "" && ev.EventType != f.EventType {
			continue
		}
		if !f.Since.IsZero() && ev.Timestamp.Before(f.Since) {
			continue
		}
		if !f.Until.IsZero() && ev.Timestamp.After(f.Until) {
			continue
		}
		out = append(out, ev)
	}

	if f.Limit > 0 && len(out) > f.Limit {
		out = out[len(out)-f.Limit:]
	}
	return out
}

// GetWorkOrderTimeline returns events for one work order in insertion
// order.
func (l *Log) GetWorkOrderTimeline(workOrderID string) []model.AuditEvent {
	return l.Query(Filter{WorkOrderID: workOrderID})
}

// Clear empties the log entirely.
func (l *Log) Clear() {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.events = nil
	l.byWorkOrder = make(map[string][]int)
	l.head = 0
}
