// Package resource implements the Resource Monitor: bounded execution
// slots plus host memory-pressure sampling, grounded on the teacher's
// pkg/context/checkpoint.go pattern of a small mutex-guarded in-memory
// manager paired with a periodic background goroutine, and wired to
// github.com/pbnjay/memory for the host memory sample since neither the
// teacher nor any other repo in the retrieval pack carries a memory
// sampling dependency of its own.
package resource

import (
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/pbnjay/memory"
)

// PressureLevel classifies current host memory pressure.
type PressureLevel string

const (
	PressureNone     PressureLevel = "none"
	PressureWarning  PressureLevel = "warning"
	PressureCritical PressureLevel = "critical"
)

// SlotHandle is an opaque capability binding a work order to a reserved
// execution slot. It must be released exactly once.
type SlotHandle struct {
	ID          string
	WorkOrderID string
	AcquiredAt  time.Time
}

// Config configures the Resource Monitor.
type Config struct {
	MaxConcurrentSlots int
	MemoryPerSlotMB    uint64
	PollInterval       time.Duration
}

// HealthReport is a point-in-time snapshot returned by GetHealthReport.
type HealthReport struct {
	TotalMemoryMB     uint64
	UsedMemoryMB      uint64
	AvailableMemoryMB uint64
	Pressure          PressureLevel
	ActiveSlots       int
	MaxSlots          int
	Healthy           bool
	SampledAt         time.Time
}

// Monitor tracks execution slots and host memory pressure.
type Monitor struct {
	cfg Config

	mu     sync.Mutex
	active map[string]SlotHandle

	lastSample HealthReport

	stopCh chan struct{}
	wg     sync.WaitGroup

	// memFunc is indirected so tests can fake host memory readings.
	memFunc func() (total, free uint64)

	log *slog.Logger
}

// New creates a Monitor. Call Start to begin the background sampler.
func New(cfg Config, log *slog.Logger) *Monitor {
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = 5 * time.Second
	}
	if log == nil {
		log = slog.Default()
	}
	return &Monitor{
		cfg:     cfg,
		active:  make(map[string]SlotHandle),
		stopCh:  make(chan struct{}),
		memFunc: func() (uint64, uint64) { return memory.TotalMemory(), memory.FreeMemory() },
		log:     log.With("component", "resource_monitor"),
	}
}

// Start begins the periodic memory sampler. Safe to call once.
func (m *Monitor) Start() {
	m.sample()
	m.wg.Add(1)
	go func() {
		defer m.wg.Done()
		ticker := time.NewTicker(m.cfg.PollInterval)
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				m.sample()
			case <-m.stopCh:
				return
			}
		}
	}()
}

// Stop halts the sampler and waits for it to exit.
func (m *Monitor) Stop() {
	close(m.stopCh)
	m.wg.Wait()
}

func (m *Monitor) sample() {
	total, free := m.memFunc()
	used := uint64(0)
	if total > free {
		used = total - free
	}

	totalMB := total / (1024 * 1024)
	usedMB := used / (1024 * 1024)
	freeMB := free / (1024 * 1024)

	pressure := PressureNone
	if totalMB > 0 {
		usedRatio := float64(usedMB) / float64(totalMB)
		switch {
		case usedRatio >= 0.95:
			pressure = PressureCritical
		case usedRatio >= 0.80:
			pressure = PressureWarning
		}
	}

	m.mu.Lock()
	m.lastSample = HealthReport{
		TotalMemoryMB:     totalMB,
		UsedMemoryMB:       usedMB,
		AvailableMemoryMB: freeMB,
		Pressure:          pressure,
		SampledAt:         time.Now(),
	}
	m.mu.Unlock()
}

// AcquireSlot reserves a slot for workOrderID. Returns nil, false if no
// slot is available: either the concurrency limit is reached or host
// memory is below MemoryPerSlotMB.
func (m *Monitor) AcquireSlot(workOrderID string) (*SlotHandle, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if len(m.active) >= m.cfg.MaxConcurrentSlots {
		return nil, false
	}
	if m.lastSample.AvailableMemoryMB < m.cfg.MemoryPerSlotMB {
		return nil, false
	}

	h := SlotHandle{
		ID:          uuid.NewString(),
		WorkOrderID: workOrderID,
		AcquiredAt:  time.Now(),
	}
	m.active[h.ID] = h
	return &h, true
}

// ReleaseSlot releases a previously acquired slot. Idempotent: releasing
// an unknown or already-released handle is a no-op.
func (m *Monitor) ReleaseSlot(h *SlotHandle) {
	if h == nil {
		return
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.active, h.ID)
}

// GetHealthReport returns a snapshot of current slot/memory state.
func (m *Monitor) GetHealthReport() HealthReport {
	m.mu.Lock()
	defer m.mu.Unlock()

	report := m.lastSample
	report.ActiveSlots = len(m.active)
	report.MaxSlots = m.cfg.MaxConcurrentSlots
	report.Healthy = report.Pressure != PressureCritical
	return report
}

// ActiveCount returns the number of issued, unreleased slots.
func (m *Monitor) ActiveCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.active)
}
