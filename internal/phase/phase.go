// Package phase implements the Phase Orchestrator: it runs one
// iteration's Build -> Snapshot -> Verify -> Feedback cycle and drives
// the per-iteration bookkeeping (timings, snapshot id, verification
// result) the Loop Strategy and Gate Pipeline consume, grounded on the
// teacher's step-by-step activity execution in workflow/executor.go
// (ordered phases, per-phase timing, and a continue/stop decision after
// each step).
package phase

import (
	"context"
	"fmt"
	"time"

	"github.com/fl-sean03/agentgate/internal/driver"
	"github.com/fl-sean03/agentgate/internal/gate"
	"github.com/fl-sean03/agentgate/internal/model"
)

// Context bundles what one iteration needs besides the prior
// iteration's feedback text (passed separately): the driver
// collaborators, the gate pipeline and plan, the work order, run and
// workspace path.
type Context struct {
	Agent      driver.AgentDriver
	VCS        driver.VCS
	Verifier   driver.Verifier
	Gates      *gate.Pipeline
	GatePlan   []model.Gate

	WorkOrder *model.WorkOrder
	Run       *model.Run

	WorkspacePath string
}

// Outcome is the result of running one iteration.
type Outcome struct {
	Iteration model.IterationData
	Pipeline  model.PipelineResult
	Snapshot  *model.Snapshot
	FatalErr  *model.ErrorDetail
}

// Orchestrator runs iterations against a Context.
type Orchestrator struct{}

// New constructs an Orchestrator.
func New() *Orchestrator {
	return &Orchestrator{}
}

// RunIteration executes Build -> Snapshot -> Verify -> Feedback once,
// feeding feedback from the previous iteration's gate pipeline (if any)
// back into the agent's prompt.
func (o *Orchestrator) RunIteration(ctx context.Context, pc Context, iterationIndex int, priorFeedback string) Outcome {
	iter := model.IterationData{Index: iterationIndex, StartedAt: time.Now()}

	before, err := pc.VCS.CaptureBeforeState(ctx, pc.WorkspacePath)
	if err != nil {
		iter.Error = model.NewErrorDetail(model.CodeWorkspaceError, err.Error(), nil, nil)
		iter.EndedAt = time.Now()
		iter.DurationMS = iter.EndedAt.Sub(iter.StartedAt).Milliseconds()
		return Outcome{Iteration: iter, FatalErr: iter.Error}
	}

	buildStart := time.Now()
	agentRes, agentErr := pc.Agent.Run(ctx, driver.AgentRunInput{
		WorkOrderID:   pc.WorkOrder.ID,
		TaskPrompt:    pc.WorkOrder.TaskPrompt,
		Feedback:      priorFeedback,
		SessionID:     pc.Run.SessionID,
		WorkspacePath: pc.WorkspacePath,
	})
	iter.Timings.BuildMS = time.Since(buildStart).Milliseconds()

	if agentErr != nil {
		detail := model.NewErrorDetail(model.CodeSystemError, agentErr.Error(), nil, nil)
		iter.Error = detail
		iter.EndedAt = time.Now()
		iter.DurationMS = iter.EndedAt.Sub(iter.StartedAt).Milliseconds()
		return Outcome{Iteration: iter, FatalErr: detail}
	}
	if !agentRes.Success {
		exitCode := agentRes.ExitCode
		code := model.Classify(exitCode, agentRes.Stderr)
		if code == model.CodeUnknown && exitCode == 0 {
			// §4.8.1: success=false with exit 0 and no retryable/crash
			// keyword match is an agent task failure, not an unknown one.
			code = model.CodeAgentTaskFailure
		}
		detail := model.NewErrorDetail(code, agentRes.Stderr, &exitCode, map[string]any{"stdout": agentRes.Stdout})
		iter.Error = detail
		iter.EndedAt = time.Now()
		iter.DurationMS = iter.EndedAt.Sub(iter.StartedAt).Milliseconds()
		return Outcome{Iteration: iter, FatalErr: detail}
	}

	snapStart := time.Now()
	snapshot, err := pc.VCS.Capture(ctx, pc.WorkspacePath, before, pc.WorkOrder.ID, iterationIndex)
	iter.Timings.SnapshotMS = time.Since(snapStart).Milliseconds()
	if err != nil {
		detail := model.NewErrorDetail(model.CodeSnapshotError, err.Error(), nil, nil)
		iter.Error = detail
		iter.EndedAt = time.Now()
		iter.DurationMS = iter.EndedAt.Sub(iter.StartedAt).Milliseconds()
		return Outcome{Iteration: iter, FatalErr: detail}
	}
	iter.SnapshotID = snapshot.ID
	iter.FilesChanged = snapshot.FilesChanged

	verifyStart := time.Now()
	report, err := pc.Verifier.Verify(ctx, snapshot, driver.GatePlan{Gates: pc.GatePlan})
	iter.Timings.VerifyMS = time.Since(verifyStart).Milliseconds()
	if err != nil {
		detail := model.NewErrorDetail(model.CodeSystemError, fmt.Sprintf("verification error: %v", err), nil, nil)
		iter.Error = detail
		iter.EndedAt = time.Now()
		iter.DurationMS = iter.EndedAt.Sub(iter.StartedAt).Milliseconds()
		return Outcome{Iteration: iter, FatalErr: detail, Snapshot: snapshot}
	}
	iter.VerificationPassed = report.AllPassed()
	iter.Progress = levelPassFraction(report)

	feedbackStart := time.Now()
	pipelineResult := pc.Gates.Run(ctx, pc.Run, snapshot, report, pc.GatePlan)
	iter.Timings.FeedbackMS = time.Since(feedbackStart).Milliseconds()
	if pipelineResult.Feedback != "" {
		iter.FeedbackGenerated = true
		iter.Feedback = pipelineResult.Feedback
	}

	iter.EndedAt = time.Now()
	iter.DurationMS = iter.EndedAt.Sub(iter.StartedAt).Milliseconds()

	return Outcome{Iteration: iter, Pipeline: pipelineResult, Snapshot: snapshot}
}

// levelPassFraction is the Loop Strategy's "measured progress" signal:
// the fraction of verification levels that passed this iteration. A
// report with no configured levels counts as full progress, since
// nothing is blocking completion.
func levelPassFraction(report *model.VerificationReport) float64 {
	if report == nil || len(report.Levels) == 0 {
		return 1
	}
	passed := 0
	for _, lvl := range report.Levels {
		if lvl.Passed {
			passed++
		}
	}
	return float64(passed) / float64(len(report.Levels))
}
