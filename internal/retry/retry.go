// Package retry implements the Retry Manager: it classifies errors (via
// internal/model.Classify) and schedules delayed, jittered re-enqueues
// for transient failures, grounded on the teacher's use of independent
// per-task timers (pkg/agent/llmagent's tool-approval timeout pattern)
// generalized here to exponential backoff with jitter.
package retry

import (
	"math/rand"
	"sync"
	"time"

	"github.com/fl-sean03/agentgate/internal/model"
)

// Policy configures retry backoff.
type Policy struct {
	MaxRetries        int
	BaseDelay         time.Duration
	MaxDelay          time.Duration
	BackoffMultiplier float64
	JitterFactor      float64
}

// DefaultPolicy returns the same retry values config.SetDefaults applies:
// 3 retries, 5s base delay doubling up to 5m, and 10% jitter.
func DefaultPolicy() Policy {
	return Policy{
		MaxRetries:        3,
		BaseDelay:         5 * time.Second,
		MaxDelay:          5 * time.Minute,
		BackoffMultiplier: 2,
		JitterFactor:      0.1,
	}
}

// Delay computes the backoff delay for the given zero-based attempt
// number, including jitter in [-JitterFactor, +JitterFactor].
func (p Policy) Delay(attempt int) time.Duration {
	base := float64(p.BaseDelay) * pow(p.BackoffMultiplier, attempt)
	if maxDelay := float64(p.MaxDelay); maxDelay > 0 && base > maxDelay {
		base = maxDelay
	}
	jitter := (rand.Float64()*2 - 1) * p.JitterFactor
	d := base * (1 + jitter)
	if d < 0 {
		d = 0
	}
	return time.Duration(d)
}

func pow(base float64, exp int) float64 {
	result := 1.0
	for i := 0; i < exp; i++ {
		result *= base
	}
	return result
}

// RetryFunc is invoked when a scheduled retry fires; it should deliver a
// retryDue event to the work order's state machine.
type RetryFunc func(workOrderID string)

// Manager schedules delayed retries and tracks per-work-order attempt
// counts against Policy.MaxRetries.
type Manager struct {
	policy Policy
	onDue  RetryFunc

	mu       sync.Mutex
	attempts map[string]int
	timers   map[string]*time.Timer
}

// New creates a Manager. onDue is called (on its own goroutine) when a
// scheduled retry's delay elapses.
func New(policy Policy, onDue RetryFunc) *Manager {
	return &Manager{
		policy:   policy,
		onDue:    onDue,
		attempts: make(map[string]int),
		timers:   make(map[string]*time.Timer),
	}
}

// Classify exposes model.Classify for callers that only have this
// package imported.
func Classify(exitCode int, message string) model.ErrorCode {
	return model.Classify(exitCode, message)
}

// ShouldRetry reports whether code is retryable and the work order is
// still under its retry budget; it does not mutate state.
func (m *Manager) ShouldRetry(workOrderID string, code model.ErrorCode) bool {
	if !code.IsRetryable() {
		return false
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.attempts[workOrderID] < m.policy.MaxRetries
}

// ScheduleRetry schedules a delayed retryDue callback for workOrderID,
// incrementing its attempt counter. Returns the computed delay.
func (m *Manager) ScheduleRetry(workOrderID string) time.Duration {
	m.mu.Lock()
	attempt := m.attempts[workOrderID]
	m.attempts[workOrderID] = attempt + 1
	delay := m.policy.Delay(attempt)

	if existing, ok := m.timers[workOrderID]; ok {
		existing.Stop()
	}
	m.timers[workOrderID] = time.AfterFunc(delay, func() {
		m.mu.Lock()
		delete(m.timers, workOrderID)
		m.mu.Unlock()
		if m.onDue != nil {
			m.onDue(workOrderID)
		}
	})
	m.mu.Unlock()

	return delay
}

// ResetAttempts clears the attempt counter for workOrderID, e.g. after a
// successful run.
func (m *Manager) ResetAttempts(workOrderID string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.attempts, workOrderID)
}

// Attempts returns the number of retries already scheduled for
// workOrderID.
func (m *Manager) Attempts(workOrderID string) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.attempts[workOrderID]
}

// CancelAll stops every pending retry timer.
func (m *Manager) CancelAll() {
	m.mu.Lock()
	defer m.mu.Unlock()
	for id, t := range m.timers {
		t.Stop()
		delete(m.timers, id)
	}
}
