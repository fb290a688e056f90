// Package engine implements the Execution Engine: the facade spec §4.12
// describes — Execute/Cancel/GetStatus/GetActiveCount — tying together
// the Execution Manager, Phase Orchestrator, Loop Strategy, Retry
// Manager, state machine, and audit log into one run's lifecycle,
// grounded on the teacher's server-facade shape in pkg/server/server.go
// (a thin struct wiring managers together behind a small public method
// set, one goroutine per long-running unit of work).
package engine

import (
	"context"
	"fmt"
	"log/slog"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/fl-sean03/agentgate/internal/audit"
	"github.com/fl-sean03/agentgate/internal/driver"
	"github.com/fl-sean03/agentgate/internal/execmanager"
	"github.com/fl-sean03/agentgate/internal/gate"
	"github.com/fl-sean03/agentgate/internal/loopstrategy"
	"github.com/fl-sean03/agentgate/internal/model"
	"github.com/fl-sean03/agentgate/internal/phase"
	"github.com/fl-sean03/agentgate/internal/resource"
	"github.com/fl-sean03/agentgate/internal/retry"
	"github.com/fl-sean03/agentgate/internal/statemachine"
	"github.com/fl-sean03/agentgate/internal/store"
	"github.com/fl-sean03/agentgate/internal/stream"
)

// ParseMaxWallClock parses spec §4's "2h"/"30m"/"90s"-style duration
// strings. An empty string means no wall-clock limit.
func ParseMaxWallClock(s string) (time.Duration, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return 0, nil
	}
	if d, err := time.ParseDuration(s); err == nil {
		return d, nil
	}
	// Fall back to a bare integer meaning seconds, matching the
	// "maxWallClockSeconds" field name used on disk.
	if n, err := strconv.Atoi(s); err == nil {
		return time.Duration(n) * time.Second, nil
	}
	return 0, fmt.Errorf("engine: invalid max wall clock %q", s)
}

// Deps bundles every collaborator the Engine needs to run one work
// order end to end.
type Deps struct {
	Store      *store.Store
	Slots      *resource.Monitor
	Sandboxes  driver.SandboxProvider
	Agents     driver.AgentDriver
	VCS        driver.VCS
	Verifier   driver.Verifier
	GateRunners map[model.GateCheckType]driver.GateRunner
	Audit      *audit.Log
	Buffer     *stream.Buffer
	RetryPolicy retry.Policy
	Log        *slog.Logger

	// NewStrategy builds the Loop Strategy for a work order; defaults to
	// loopstrategy.Fixed bounded by the work order's MaxIterations.
	NewStrategy func(wo *model.WorkOrder) loopstrategy.Strategy

	MaxConcurrentRuns int
}

// activeRun tracks the in-flight state for one work order's run so
// Cancel/GetStatus can reach it.
type activeRun struct {
	run    *model.Run
	cancel context.CancelFunc
	sm     *statemachine.Machine
}

// Engine is the Execution Engine facade.
type Engine struct {
	deps Deps

	gates *gate.Pipeline
	exec  *execmanager.Manager
	po    *phase.Orchestrator
	rm    *retry.Manager

	mu     sync.Mutex
	active map[string]*activeRun // workOrderID -> activeRun

	seq uint64
}

// New constructs an Engine from deps.
func New(deps Deps) *Engine {
	e := &Engine{
		deps:   deps,
		gates:  gate.New(deps.GateRunners, deps.Audit),
		exec:   execmanager.New(deps.Sandboxes, deps.Slots),
		po:     phase.New(),
		active: make(map[string]*activeRun),
	}
	e.rm = retry.New(deps.RetryPolicy, e.onRetryDue)
	return e
}

// GetActiveCount returns the number of work orders currently executing.
func (e *Engine) GetActiveCount() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return len(e.active)
}

// GetStatus returns the current RunState for a work order, if active.
func (e *Engine) GetStatus(workOrderID string) (model.RunState, bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	ar, ok := e.active[workOrderID]
	if !ok {
		return "", false
	}
	return ar.sm.State(), true
}

// Cancel requests cooperative cancellation of a work order's active run.
func (e *Engine) Cancel(workOrderID string) bool {
	e.mu.Lock()
	ar, ok := e.active[workOrderID]
	e.mu.Unlock()
	if !ok {
		return false
	}
	ar.cancel()
	return true
}

// Dispatch implements scheduler.Dispatcher: it runs a work order's
// lifecycle on its own goroutine so the scheduler's admission loop never
// blocks on run execution.
func (e *Engine) Dispatch(ctx context.Context, wo *model.WorkOrder) {
	go e.Execute(context.Background(), wo)
}

// Execute runs a work order to completion (or cancellation), persisting
// status and emitting audit/stream events throughout. It is safe to call
// directly (bypassing the scheduler) for tests or a synchronous CLI
// entry point.
func (e *Engine) Execute(ctx context.Context, wo *model.WorkOrder) {
	log := e.deps.Log
	if log == nil {
		log = slog.Default()
	}

	maxWall, err := ParseMaxWallClock(wo.MaxWallClock)
	if err != nil {
		maxWall = 0
	}
	runCtx := ctx
	var cancel context.CancelFunc
	if maxWall > 0 {
		runCtx, cancel = context.WithTimeout(ctx, maxWall)
	} else {
		runCtx, cancel = context.WithCancel(ctx)
	}
	defer cancel()

	sm := statemachine.New()
	run := &model.Run{
		ID:            uuid.NewString(),
		WorkOrderID:   wo.ID,
		State:         model.RunPending,
		MaxIterations: wo.MaxIterations,
		StartedAt:     time.Now(),
		LastActivity:  time.Now(),
		SessionID:     uuid.NewString(),
	}

	e.mu.Lock()
	e.active[wo.ID] = &activeRun{run: run, cancel: cancel, sm: sm}
	e.mu.Unlock()
	defer func() {
		e.mu.Lock()
		delete(e.active, wo.ID)
		e.mu.Unlock()
	}()

	if _, err := sm.Claim("admitted"); err != nil {
		log.Error("claim", "work_order_id", wo.ID, "error", err)
		return
	}
	wo.Status = model.StatusPreparing
	_ = e.deps.Store.Save(wo)
	e.emit(wo.ID, run.ID, model.StreamRunStarted, map[string]any{"runId": run.ID})

	slot, sb, ok, err := e.exec.Acquire(runCtx, wo.ID, driver.SandboxConfig{WorkOrderID: wo.ID, Workspace: wo.WorkspaceSource})
	if err != nil || !ok {
		e.failWorkOrder(wo, run, sm, model.ResultFailedError, model.NewErrorDetail(model.CodeSandboxCreationFailed, errString(err), nil, nil))
		return
	}
	defer e.exec.Release(context.Background(), slot, sb)
	e.deps.Audit.Append(wo.ID, model.EventWorkspaceAcquired, map[string]any{"sandboxId": sb.ID})

	if _, err := sm.Ready("workspace acquired", nil); err != nil {
		e.failWorkOrder(wo, run, sm, model.ResultFailedError, model.NewErrorDetail(model.CodeSystemError, err.Error(), nil, nil))
		return
	}
	wo.Status = model.StatusRunning
	wo.RunID = run.ID
	run.State = model.RunRunning
	_ = e.deps.Store.Save(wo)

	strategy := e.strategyFor(wo)
	strategy.Initialize(run)
	strategy.OnLoopStart(run)
	defer strategy.OnLoopEnd(run)

	gatePlan := wo.GatePlan
	if len(gatePlan) == 0 {
		gatePlan = defaultGatePlan()
	}

	var feedback string
	for {
		select {
		case <-runCtx.Done():
			if maxWall > 0 && runCtx.Err() == context.DeadlineExceeded {
				e.failWorkOrder(wo, run, sm, model.ResultFailedTimeout, model.NewErrorDetail(model.CodeTimeout, "Execution timeout exceeded", nil, nil))
			} else {
				e.cancelWorkOrder(wo, run, sm)
			}
			return
		default:
		}

		run.Iteration++
		strategy.OnIterationStart(run, run.Iteration)
		e.deps.Audit.Append(wo.ID, model.EventBuildStarted, map[string]any{"iteration": run.Iteration})

		outcome := e.po.RunIteration(runCtx, phase.Context{
			Agent:         e.deps.Agents,
			VCS:           e.deps.VCS,
			Verifier:      e.deps.Verifier,
			Gates:         e.gates,
			GatePlan:      gatePlan,
			WorkOrder:     wo,
			Run:           run,
			WorkspacePath: sb.Path,
		}, run.Iteration, feedback)

		run.Iterations = append(run.Iterations, outcome.Iteration)
		run.LastActivity = time.Now()
		e.emit(wo.ID, run.ID, model.StreamRunIteration, map[string]any{"iteration": run.Iteration})

		if outcome.FatalErr != nil {
			code := model.ErrorCode(outcome.FatalErr.Code)
			e.deps.Audit.Append(wo.ID, model.EventBuildFailed, map[string]any{"error": outcome.FatalErr})

			if e.rm.ShouldRetry(wo.ID, code) {
				if _, err := sm.Fail(outcome.FatalErr.Message, true, true, nil); err != nil {
					log.Error("fail transition", "error", err)
				}
				wo.Status = model.StatusWaitingRetry
				_ = e.deps.Store.Save(wo)
				e.rm.ScheduleRetry(wo.ID)
				return
			}

			e.failWorkOrder(wo, run, sm, model.ResultFailedError, outcome.FatalErr)
			return
		}

		if outcome.Iteration.VerificationPassed && outcome.Pipeline.Passed {
			e.deps.Audit.Append(wo.ID, model.EventVerifyPassed, map[string]any{"iteration": run.Iteration})
			e.completeWorkOrder(wo, run, sm, model.ResultPassed)
			return
		}

		strategy.OnIterationEnd(run, outcome.Iteration)
		if strategy.DetectLoop(run) {
			e.deps.Audit.Append(wo.ID, model.EventVerifyFailedTerminal, map[string]any{"reason": "loop stall detected"})
			e.failWorkOrder(wo, run, sm, model.ResultFailedVerification, model.NewErrorDetail(model.CodeAgentTaskFailure, "iteration loop stalled without converging", nil, nil))
			return
		}
		switch decision := strategy.ShouldContinue(run, outcome.Iteration); decision.Kind {
		case loopstrategy.DecisionStop:
			e.deps.Audit.Append(wo.ID, model.EventVerifyFailedTerminal, map[string]any{"reason": decision.Reason})
			e.failWorkOrder(wo, run, sm, model.ResultFailedVerification, model.NewErrorDetail(model.CodeAgentTaskFailure, "loop strategy stopped: "+decision.Reason, nil, nil))
			return
		case loopstrategy.DecisionPause:
			// No external resume mechanism exists yet; a pause is
			// handled as a terminal stop so a stuck run doesn't spin.
			e.deps.Audit.Append(wo.ID, model.EventVerifyFailedTerminal, map[string]any{"reason": "loop strategy requested pause"})
			e.failWorkOrder(wo, run, sm, model.ResultFailedVerification, model.NewErrorDetail(model.CodeAgentTaskFailure, "loop strategy requested pause, which is unsupported", nil, nil))
			return
		}

		e.deps.Audit.Append(wo.ID, model.EventVerifyFailedContinue, map[string]any{"iteration": run.Iteration})
		feedback = outcome.Pipeline.Feedback
	}
}

func (e *Engine) strategyFor(wo *model.WorkOrder) loopstrategy.Strategy {
	if e.deps.NewStrategy != nil {
		return e.deps.NewStrategy(wo)
	}
	return &loopstrategy.Fixed{MaxIterations: wo.MaxIterations}
}

// defaultGatePlan is used when a work order carries no explicit gate
// plan: it gates solely on the verification report already produced
// by the Phase Orchestrator's Verify step, so an iteration's pass/fail
// is never silently vacuous.
func defaultGatePlan() []model.Gate {
	return []model.Gate{
		{
			Name:      "verification",
			Check:     model.GateVerificationLevels,
			OnFailure: model.OnFailurePolicy{Action: model.FailureIterate},
		},
	}
}

func (e *Engine) onRetryDue(workOrderID string) {
	wo, err := e.deps.Store.Load(workOrderID)
	if err != nil {
		return
	}
	if wo.Status != model.StatusWaitingRetry {
		return
	}
	wo.Status = model.StatusPending
	_ = e.deps.Store.Save(wo)
	e.deps.Audit.Append(workOrderID, model.EventRetryDue, nil)
}

func (e *Engine) completeWorkOrder(wo *model.WorkOrder, run *model.Run, sm *statemachine.Machine, result model.RunResult) {
	if _, err := sm.Complete("verification passed"); err != nil {
		e.deps.Log.Error("complete transition", "error", err)
	}
	now := time.Now()
	run.State = model.RunCompleted
	run.CompletedAt = &now
	run.Result = &result

	wo.Status = model.StatusCompleted
	wo.CompletedAt = &now
	_ = e.deps.Store.Save(wo)
	e.deps.Audit.Append(wo.ID, model.EventComplete, map[string]any{"result": result})
	e.rm.ResetAttempts(wo.ID)
	e.emit(wo.ID, run.ID, model.StreamRunCompleted, map[string]any{"result": result})
}

func (e *Engine) failWorkOrder(wo *model.WorkOrder, run *model.Run, sm *statemachine.Machine, result model.RunResult, detail *model.ErrorDetail) {
	if _, err := sm.Fail(detail.Message, false, false, nil); err != nil {
		e.deps.Log.Error("fail transition", "error", err)
	}
	now := time.Now()
	run.State = model.RunFailed
	run.CompletedAt = &now
	run.Result = &result
	run.TerminalError = detail

	wo.Status = model.StatusFailed
	wo.CompletedAt = &now
	wo.TerminalError = detail
	_ = e.deps.Store.Save(wo)
	e.deps.Audit.Append(wo.ID, model.EventFail, map[string]any{"error": detail})
	e.emit(wo.ID, run.ID, model.StreamRunFailed, map[string]any{"error": detail})
}

func (e *Engine) cancelWorkOrder(wo *model.WorkOrder, run *model.Run, sm *statemachine.Machine) {
	if _, err := sm.Cancel("context canceled"); err != nil {
		e.deps.Log.Error("cancel transition", "error", err)
	}
	now := time.Now()
	run.State = model.RunCanceled
	run.CompletedAt = &now
	result := model.ResultCanceled
	run.Result = &result

	wo.Status = model.StatusCanceled
	wo.CompletedAt = &now
	_ = e.deps.Store.Save(wo)
	e.deps.Audit.Append(wo.ID, model.EventCancel, nil)
}

func (e *Engine) emit(workOrderID, runID string, t model.StreamEventType, data map[string]any) {
	e.mu.Lock()
	e.seq++
	seq := e.seq
	e.mu.Unlock()

	e.deps.Buffer.Add(model.StreamEvent{
		Type:        t,
		Timestamp:   time.Now(),
		WorkOrderID: workOrderID,
		RunID:       runID,
		Sequence:    seq,
		Data:        data,
		EnqueuedAt:  time.Now(),
		Priority:    model.DefaultPriority(t),
	})
}

func errString(err error) string {
	if err == nil {
		return "no execution slot available"
	}
	return err.Error()
}
