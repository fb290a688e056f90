// Package scheduler implements the Concurrency Scheduler: an
// admission/dispatch loop that pulls pending work orders from the
// store, admits them against the Resource Monitor's available slots,
// staggers dispatch to avoid a thundering herd, and detects stale or
// stalled runs, grounded on the queue-plus-admission-control shape of
// other_examples/d922956a_itskum47-FluxForge's control_plane/scheduler
// package (Submit with mode/circuit-breaker admission checks, a
// dispatch loop polling a store for runnable work).
package scheduler

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/fl-sean03/agentgate/internal/audit"
	"github.com/fl-sean03/agentgate/internal/model"
	"github.com/fl-sean03/agentgate/internal/resource"
	"github.com/fl-sean03/agentgate/internal/store"
)

// Dispatcher is implemented by the Execution Engine: given an admitted
// work order it takes over running it to completion, asynchronously.
type Dispatcher interface {
	Dispatch(ctx context.Context, wo *model.WorkOrder)
}

// Canceler is implemented by the Execution Engine: it requests
// cooperative cancellation of an active run and reports whether one was
// found active to cancel.
type Canceler interface {
	Cancel(workOrderID string) bool
}

// Config configures the scheduler's loop timing.
type Config struct {
	PollInterval    time.Duration
	StaggerInterval time.Duration
	StaleAfter      time.Duration // a RUNNING run with no LastActivity update in this window is stale
	StaleCheckEvery time.Duration
	MaxRunningTime  time.Duration // a RUNNING run older than this is forcibly canceled regardless of activity
}

// Scheduler runs the admission/dispatch loop.
type Scheduler struct {
	cfg Config

	store      *store.Store
	slots      *resource.Monitor
	dispatcher Dispatcher
	canceler   Canceler
	auditLog   *audit.Log
	log        *slog.Logger

	// activity tracks LastActivity per run id for stale detection, and
	// started tracks when each run was first Touch-ed so maxRunningTime
	// can be enforced regardless of activity. Only ids passed to Touch
	// are tracked; the Execution Engine does not call Touch.
	mu       sync.Mutex
	activity map[string]time.Time
	started  map[string]time.Time

	stopCh chan struct{}
	wg     sync.WaitGroup
}

// New constructs a Scheduler.
func New(cfg Config, st *store.Store, slots *resource.Monitor, dispatcher Dispatcher, canceler Canceler, auditLog *audit.Log, log *slog.Logger) *Scheduler {
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = 2 * time.Second
	}
	if cfg.StaggerInterval <= 0 {
		cfg.StaggerInterval = 250 * time.Millisecond
	}
	if cfg.StaleAfter <= 0 {
		cfg.StaleAfter = 10 * time.Minute
	}
	if cfg.StaleCheckEvery <= 0 {
		cfg.StaleCheckEvery = time.Minute
	}
	if cfg.MaxRunningTime <= 0 {
		cfg.MaxRunningTime = 4 * time.Hour
	}
	if log == nil {
		log = slog.Default()
	}
	return &Scheduler{
		cfg:        cfg,
		store:      st,
		slots:      slots,
		dispatcher: dispatcher,
		canceler:   canceler,
		auditLog:   auditLog,
		log:        log.With("component", "scheduler"),
		activity:   make(map[string]time.Time),
		started:    make(map[string]time.Time),
		stopCh:     make(chan struct{}),
	}
}

// Touch records that runID made forward progress, resetting its stale
// timer. Stale handling passes this id to Canceler.Cancel and
// Store.Load, so it is the work order's id.
func (s *Scheduler) Touch(runID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	now := time.Now()
	if _, ok := s.started[runID]; !ok {
		s.started[runID] = now
	}
	s.activity[runID] = now
}

// Forget removes runID from stale tracking once it reaches a terminal
// state.
func (s *Scheduler) Forget(runID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.activity, runID)
	delete(s.started, runID)
}

// Start begins the admission loop and the stale-detection loop.
func (s *Scheduler) Start(ctx context.Context) {
	s.wg.Add(2)
	go s.dispatchLoop(ctx)
	go s.staleLoop(ctx)
}

// Stop requests both loops to exit and waits for them.
func (s *Scheduler) Stop() {
	close(s.stopCh)
	s.wg.Wait()
}

func (s *Scheduler) dispatchLoop(ctx context.Context) {
	defer s.wg.Done()
	ticker := time.NewTicker(s.cfg.PollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-s.stopCh:
			return
		case <-ticker.C:
			s.admitPending(ctx)
		}
	}
}

func (s *Scheduler) admitPending(ctx context.Context) {
	pending := model.StatusPending
	candidates, err := s.store.List(store.ListFilter{Status: &pending})
	if err != nil {
		s.log.Error("list pending work orders", "error", err)
		return
	}

	for i, wo := range candidates {
		select {
		case <-ctx.Done():
			return
		case <-s.stopCh:
			return
		default:
		}

		slot, ok := s.slots.AcquireSlot(wo.ID)
		if !ok {
			// No capacity left this tick; leave remaining candidates
			// pending for the next poll.
			return
		}
		// This is an admission probe: the real, held-for-the-run's-
		// lifetime slot is acquired by the Execution Manager inside
		// Dispatch. Release the probe immediately so capacity isn't
		// double-reserved.
		s.slots.ReleaseSlot(slot)

		s.auditLog.Append(wo.ID, model.EventClaim, map[string]any{"reason": "admitted by scheduler"})
		s.dispatcher.Dispatch(ctx, wo)

		if i < len(candidates)-1 {
			select {
			case <-time.After(s.cfg.StaggerInterval):
			case <-ctx.Done():
				return
			case <-s.stopCh:
				return
			}
		}
	}
}

func (s *Scheduler) staleLoop(ctx context.Context) {
	defer s.wg.Done()
	ticker := time.NewTicker(s.cfg.StaleCheckEvery)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-s.stopCh:
			return
		case <-ticker.C:
			s.detectStale()
		}
	}
}

// staleRun is one run flagged by detectStale, with enough context to
// report why.
type staleRun struct {
	runID   string
	idleFor time.Duration
	ranFor  time.Duration
	forced  bool // exceeded MaxRunningTime, independent of recent activity
}

func (s *Scheduler) detectStale() {
	now := time.Now()
	cutoff := now.Add(-s.cfg.StaleAfter)

	s.mu.Lock()
	var stale []staleRun
	for runID, last := range s.activity {
		ranFor := now.Sub(s.started[runID])
		switch {
		case s.cfg.MaxRunningTime > 0 && ranFor > s.cfg.MaxRunningTime:
			stale = append(stale, staleRun{runID: runID, idleFor: now.Sub(last), ranFor: ranFor, forced: true})
		case last.Before(cutoff):
			stale = append(stale, staleRun{runID: runID, idleFor: now.Sub(last), ranFor: ranFor})
		}
	}
	s.mu.Unlock()

	for _, r := range stale {
		s.handleStale(r)
	}
}

// handleStale implements spec §4.11 step 3 for one flagged run: it
// records detection, forcibly cancels the run (via the Engine if still
// active, or directly against the store if the Engine has no record of
// it), and records the outcome.
func (s *Scheduler) handleStale(r staleRun) {
	reason := fmt.Sprintf("stale: no activity for %s", r.idleFor.Round(time.Second))
	if r.forced {
		reason = fmt.Sprintf("exceeded max running time of %s", s.cfg.MaxRunningTime)
	}

	s.log.Warn("stale run detected", "run_id", r.runID, "forced", r.forced, "ran_for", r.ranFor)
	s.auditLog.Append(r.runID, model.EventStaleDetected, map[string]any{
		"idleSeconds": int(r.idleFor.Seconds()),
		"ranSeconds":  int(r.ranFor.Seconds()),
		"forced":      r.forced,
	})
	s.auditLog.Append(r.runID, model.EventDeadProcess, map[string]any{"reason": reason})

	canceledActive := s.canceler != nil && s.canceler.Cancel(r.runID)
	if !canceledActive {
		// The Engine has no active entry for this run (e.g. the process
		// restarted mid-run); force the persisted record to CANCELED
		// directly so it doesn't linger as RUNNING forever.
		if s.store != nil {
			if wo, err := s.store.Load(r.runID); err == nil && !wo.Status.IsTerminal() {
				completedAt := time.Now()
				wo.Status = model.StatusCanceled
				wo.CompletedAt = &completedAt
				wo.TerminalError = model.NewErrorDetail(model.CodeSystemError, reason, nil, nil)
				if err := s.store.Save(wo); err != nil {
					s.log.Error("save forced cancel", "run_id", r.runID, "error", err)
				}
			}
		}
	}
	s.auditLog.Append(r.runID, model.EventStaleCancelled, map[string]any{"reason": reason})

	s.Forget(r.runID)
	s.auditLog.Append(r.runID, model.EventStaleHandled, map[string]any{"reason": reason})
}
