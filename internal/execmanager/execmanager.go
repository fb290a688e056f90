// Package execmanager implements the Execution Manager: it owns sandbox
// lifecycle around one run's execution, guarantees the execution slot
// and sandbox are released exactly once regardless of success, failure,
// or cancellation, and treats cancellation as a distinct outcome rather
// than an error, grounded on the teacher's worker-lifecycle pattern in
// pkg/orchestrator/worker.go (acquire -> run -> always-release defer).
package execmanager

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/fl-sean03/agentgate/internal/driver"
	"github.com/fl-sean03/agentgate/internal/model"
	"github.com/fl-sean03/agentgate/internal/resource"
)

// ErrCanceled is returned by RunWithCancellation when ctx was canceled
// while work was in flight. Callers must treat this as a distinct, non-failing
// outcome: the run moves to CANCELED, not FAILED.
var ErrCanceled = errors.New("execmanager: execution canceled")

// Result pairs the sandbox of one execution with whether it was canceled.
type Result struct {
	Sandbox  *driver.Sandbox
	Canceled bool
}

// Manager wires a SandboxProvider and a Resource Monitor together so
// every execution acquires a slot and a sandbox, and releases both
// exactly once.
type Manager struct {
	sandboxes driver.SandboxProvider
	slots     *resource.Monitor

	// CleanupDelay holds the sandbox open for a grace period after
	// DestroySandbox is requested, so any still-running log tailer or
	// snapshot reader for the work order has a window to finish. Zero
	// disables the delay.
	CleanupDelay time.Duration
}

// New constructs a Manager.
func New(sandboxes driver.SandboxProvider, slots *resource.Monitor) *Manager {
	return &Manager{sandboxes: sandboxes, slots: slots}
}

// Acquire reserves an execution slot and creates a sandbox for
// workOrderID. Returns (nil, nil, false) when no slot is currently
// available (caller should requeue, not fail).
func (m *Manager) Acquire(ctx context.Context, workOrderID string, cfg driver.SandboxConfig) (*resource.SlotHandle, *driver.Sandbox, bool, error) {
	slot, ok := m.slots.AcquireSlot(workOrderID)
	if !ok {
		return nil, nil, false, nil
	}

	sb, err := m.sandboxes.CreateSandbox(ctx, cfg)
	if err != nil {
		m.slots.ReleaseSlot(slot)
		return nil, nil, false, fmt.Errorf("execmanager: create sandbox: %w", err)
	}
	return slot, sb, true, nil
}

// Release destroys the sandbox and frees the execution slot. It is safe
// to call at most once per Acquire; a nil slot or sandbox is a no-op for
// that half of the release. If CleanupDelay is set, destruction is
// deferred but the slot is released immediately so a new work order can
// be admitted without waiting on cleanup.
func (m *Manager) Release(ctx context.Context, slot *resource.SlotHandle, sb *driver.Sandbox) {
	m.slots.ReleaseSlot(slot)

	if sb == nil {
		return
	}
	if m.CleanupDelay <= 0 {
		_ = m.sandboxes.DestroySandbox(ctx, sb)
		return
	}
	go func() {
		time.Sleep(m.CleanupDelay)
		_ = m.sandboxes.DestroySandbox(context.Background(), sb)
	}()
}

// RunWithCancellation runs fn (the agent invocation for one iteration),
// distinguishing a context-cancellation outcome from a genuine failure.
// fn must itself respect ctx.
func RunWithCancellation(ctx context.Context, fn func(ctx context.Context) (driver.AgentRunResult, error)) (driver.AgentRunResult, error) {
	res, err := fn(ctx)
	if err != nil && ctx.Err() != nil {
		return res, ErrCanceled
	}
	return res, err
}

// ClassifyOutcome turns a raw AgentRunResult/error pair into the
// ErrorDetail the Phase Orchestrator records, applying §7 classification
// via model.Classify. Returns nil when the run succeeded.
func ClassifyOutcome(res driver.AgentRunResult, err error) *model.ErrorDetail {
	if errors.Is(err, ErrCanceled) {
		return model.NewErrorDetail(model.CodeCancelled, "execution canceled", nil, nil)
	}
	if err != nil {
		return model.NewErrorDetail(model.CodeSystemError, err.Error(), nil, nil)
	}
	if res.Success {
		return nil
	}
	code := model.Classify(res.ExitCode, res.Stderr)
	exitCode := res.ExitCode
	return model.NewErrorDetail(code, res.Stderr, &exitCode, map[string]any{"stdout": res.Stdout})
}
