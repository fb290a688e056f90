// Package stream implements the Event Buffer and Rate Limiter described
// in spec §4.5: a per-work-order ring buffer bounded globally by LRU
// eviction, and a priority token-bucket limiter that coalesces and
// paces outgoing stream events.
//
// The buffer's file-per-id-with-periodic-sweep shape is grounded on the
// teacher's pkg/context/checkpoint.go CheckpointManager (bounded,
// interval-driven persistence of per-id state); here it is generalized
// to an in-memory ring instead of on-disk checkpoints.
package stream

import (
	"sync"
	"time"

	"github.com/fl-sean03/agentgate/internal/model"
)

const (
	defaultMaxEventsPerWorkOrder = 1_000
	defaultMaxTotalEvents        = 10_000
	defaultRetention             = 60 * time.Minute
)

type workOrderRing struct {
	events     []model.StreamEvent
	lastAccess time.Time
}

// BufferConfig configures the Event Buffer.
type BufferConfig struct {
	MaxEventsPerWorkOrder int
	MaxTotalEvents        int
	RetentionMinutes      int
	CleanupInterval       time.Duration
}

// Buffer is the per-work-order ring buffer with a global LRU eviction
// cap and a background retention sweep.
type Buffer struct {
	cfg BufferConfig

	mu    sync.Mutex
	rings map[string]*workOrderRing
	total int

	stopCh chan struct{}
	wg     sync.WaitGroup
}

// NewBuffer creates a Buffer. Call Start to begin the retention sweeper.
func NewBuffer(cfg BufferConfig) *Buffer {
	if cfg.MaxEventsPerWorkOrder <= 0 {
		cfg.MaxEventsPerWorkOrder = defaultMaxEventsPerWorkOrder
	}
	if cfg.MaxTotalEvents <= 0 {
		cfg.MaxTotalEvents = defaultMaxTotalEvents
	}
	retention := defaultRetention
	if cfg.RetentionMinutes > 0 {
		retention = time.Duration(cfg.RetentionMinutes) * time.Minute
	}
	cfg.RetentionMinutes = int(retention / time.Minute)
	if cfg.CleanupInterval <= 0 {
		cfg.CleanupInterval = time.Minute
	}
	return &Buffer{
		cfg:    cfg,
		rings:  make(map[string]*workOrderRing),
		stopCh: make(chan struct{}),
	}
}

// Start begins the background retention sweep.
func (b *Buffer) Start() {
	b.wg.Add(1)
	go func() {
		defer b.wg.Done()
		ticker := time.NewTicker(b.cfg.CleanupInterval)
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				b.sweepRetention()
			case <-b.stopCh:
				return
			}
		}
	}()
}

// Stop halts the retention sweep.
func (b *Buffer) Stop() {
	close(b.stopCh)
	b.wg.Wait()
}

// Add appends an event for its WorkOrderID, enforcing the per-work-order
// ring bound and, on overflow, the global LRU eviction.
func (b *Buffer) Add(ev model.StreamEvent) {
	b.mu.Lock()
	defer b.mu.Unlock()

	ring, ok := b.rings[ev.WorkOrderID]
	if !ok {
		ring = &workOrderRing{}
		b.rings[ev.WorkOrderID] = ring
	}
	ring.events = append(ring.events, ev)
	ring.lastAccess = time.Now()
	b.total++

	if len(ring.events) > b.cfg.MaxEventsPerWorkOrder {
		drop := len(ring.events) - b.cfg.MaxEventsPerWorkOrder
		ring.events = ring.events[drop:]
		b.total -= drop
	}

	if b.total > b.cfg.MaxTotalEvents {
		b.evictLRU()
	}
}

// evictLRU drops roughly half the events from the least-recently-accessed
// ring; if it drains fully the ring is removed. Must be called with
// b.mu held.
func (b *Buffer) evictLRU() {
	var lruID string
	var lruTime time.Time
	first := true
	for id, ring := range b.rings {
		if first || ring.lastAccess.Before(lruTime) {
			lruID = id
			lruTime = ring.lastAccess
			first = false
		}
	}
	if lruID == "" {
		return
	}
	ring := b.rings[lruID]
	drop := (len(ring.events) + 1) / 2
	if drop <= 0 {
		drop = 1
	}
	if drop >= len(ring.events) {
		b.total -= len(ring.events)
		delete(b.rings, lruID)
		return
	}
	ring.events = ring.events[drop:]
	b.total -= drop
}

func (b *Buffer) sweepRetention() {
	cutoff := time.Now().Add(-time.Duration(b.cfg.RetentionMinutes) * time.Minute)
	b.mu.Lock()
	defer b.mu.Unlock()

	for id, ring := range b.rings {
		kept := ring.events[:0:0]
		for _, ev := range ring.events {
			if ev.Timestamp.After(cutoff) {
				kept = append(kept, ev)
			} else {
				b.total--
			}
		}
		if len(kept) == 0 {
			delete(b.rings, id)
			continue
		}
		ring.events = kept
	}
}

// Events returns all events for workOrderID, optionally filtered to
// those at or after since. Access refreshes the ring's LRU timestamp.
func (b *Buffer) Events(workOrderID string, since time.Time) []model.StreamEvent {
	b.mu.Lock()
	defer b.mu.Unlock()

	ring, ok := b.rings[workOrderID]
	if !ok {
		return nil
	}
	ring.lastAccess = time.Now()

	if since.IsZero() {
		out := make([]model.StreamEvent, len(ring.events))
		copy(out, ring.events)
		return out
	}
	var out []model.StreamEvent
	for _, ev := range ring.events {
		if !ev.Timestamp.Before(since) {
			out = append(out, ev)
		}
	}
	return out
}

// Latest returns the most recent n events for workOrderID.
func (b *Buffer) Latest(workOrderID string, n int) []model.StreamEvent {
	b.mu.Lock()
	defer b.mu.Unlock()

	ring, ok := b.rings[workOrderID]
	if !ok {
		return nil
	}
	ring.lastAccess = time.Now()

	if n <= 0 || n >= len(ring.events) {
		out := make([]model.StreamEvent, len(ring.events))
		copy(out, ring.events)
		return out
	}
	out := make([]model.StreamEvent, n)
	copy(out, ring.events[len(ring.events)-n:])
	return out
}

// Count returns the number of buffered events for workOrderID.
func (b *Buffer) Count(workOrderID string) int {
	b.mu.Lock()
	defer b.mu.Unlock()
	ring, ok := b.rings[workOrderID]
	if !ok {
		return 0
	}
	return len(ring.events)
}

// ClearByID removes all events for workOrderID.
func (b *Buffer) ClearByID(workOrderID string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if ring, ok := b.rings[workOrderID]; ok {
		b.total -= len(ring.events)
		delete(b.rings, workOrderID)
	}
}

// ClearOlderThan removes events older than cutoff across all work orders.
func (b *Buffer) ClearOlderThan(cutoff time.Time) {
	b.mu.Lock()
	defer b.mu.Unlock()
	for id, ring := range b.rings {
		kept := ring.events[:0:0]
		for _, ev := range ring.events {
			if ev.Timestamp.After(cutoff) {
				kept = append(kept, ev)
			} else {
				b.total--
			}
		}
		if len(kept) == 0 {
			delete(b.rings, id)
			continue
		}
		ring.events = kept
	}
}
