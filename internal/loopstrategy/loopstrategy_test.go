package loopstrategy

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/fl-sean03/agentgate/internal/model"
)

func TestFixed_ShouldContinue(t *testing.T) {
	run := &model.Run{MaxIterations: 10}
	f := &Fixed{MaxIterations: 3}

	run.Iteration = 2
	d := f.ShouldContinue(run, model.IterationData{FilesChanged: 1})
	assert.Equal(t, DecisionContinue, d.Kind)

	run.Iteration = 3
	d = f.ShouldContinue(run, model.IterationData{FilesChanged: 1})
	assert.Equal(t, DecisionStop, d.Kind)
	assert.Equal(t, "max_iterations", d.Reason)
}

func TestFixed_FallsBackToRunMaxIterationsWhenUnset(t *testing.T) {
	run := &model.Run{MaxIterations: 2}
	f := &Fixed{}

	run.Iteration = 1
	assert.Equal(t, DecisionContinue, f.ShouldContinue(run, model.IterationData{FilesChanged: 1}).Kind)
	run.Iteration = 2
	assert.Equal(t, DecisionStop, f.ShouldContinue(run, model.IterationData{FilesChanged: 1}).Kind)
}

func TestFixed_StopsOnVerificationPass(t *testing.T) {
	run := &model.Run{MaxIterations: 10, Iteration: 1}
	f := &Fixed{MaxIterations: 10}

	d := f.ShouldContinue(run, model.IterationData{VerificationPassed: true})
	assert.Equal(t, DecisionStop, d.Kind)
	assert.Equal(t, "verification_pass", d.Reason)
}

func TestFixed_StopsOnNoFilesChanged(t *testing.T) {
	run := &model.Run{MaxIterations: 10, Iteration: 1}
	f := &Fixed{MaxIterations: 10}

	d := f.ShouldContinue(run, model.IterationData{FilesChanged: 0})
	assert.Equal(t, DecisionStop, d.Kind)
	assert.Equal(t, "no_changes", d.Reason)
}

func TestFixed_StopsOnLoopDetection(t *testing.T) {
	run := &model.Run{MaxIterations: 10, Iteration: 2}
	run.Iterations = []model.IterationData{
		{Feedback: "lint: unused import"},
		{Feedback: "lint: unused import"},
	}
	f := &Fixed{MaxIterations: 10}

	d := f.ShouldContinue(run, model.IterationData{FilesChanged: 1, Feedback: "lint: unused import"})
	assert.Equal(t, DecisionStop, d.Kind)
	assert.Equal(t, "loop_detection", d.Reason)
}

func TestHybrid_ContinuesThroughBaseIterationsRegardlessOfProgress(t *testing.T) {
	run := &model.Run{Iteration: 1}
	h := &Hybrid{BaseIterations: 2, BonusIterations: 2, ProgressThreshold: 0.5}

	d := h.ShouldContinue(run, model.IterationData{Progress: 0})
	assert.Equal(t, DecisionContinue, d.Kind)
}

func TestHybrid_StopsWhenBonusProgressFallsBelowThreshold(t *testing.T) {
	run := &model.Run{Iteration: 2}
	h := &Hybrid{BaseIterations: 2, BonusIterations: 2, ProgressThreshold: 0.5}

	d := h.ShouldContinue(run, model.IterationData{Progress: 0.1})
	assert.Equal(t, DecisionStop, d.Kind)
	assert.Equal(t, "insufficient_progress", d.Reason)
}

func TestHybrid_ContinuesIntoBonusIterationsWhileProgressHolds(t *testing.T) {
	run := &model.Run{Iteration: 2}
	h := &Hybrid{BaseIterations: 2, BonusIterations: 2, ProgressThreshold: 0.5}

	d := h.ShouldContinue(run, model.IterationData{Progress: 0.75})
	assert.Equal(t, DecisionContinue, d.Kind)
}

func TestHybrid_StopsAtBasePlusBonusIterations(t *testing.T) {
	run := &model.Run{Iteration: 4}
	h := &Hybrid{BaseIterations: 2, BonusIterations: 2, ProgressThreshold: 0.5}

	d := h.ShouldContinue(run, model.IterationData{Progress: 0.9})
	assert.Equal(t, DecisionStop, d.Kind)
	assert.Equal(t, "max_iterations", d.Reason)
}

func TestHybrid_TracksProgressForGetProgress(t *testing.T) {
	run := &model.Run{Iteration: 1}
	h := &Hybrid{BaseIterations: 2, BonusIterations: 2, ProgressThreshold: 0.5}
	h.Initialize(run)

	h.OnIterationEnd(run, model.IterationData{Progress: 0.9})
	assert.True(t, h.GetProgress(run).Converging)

	h.OnIterationEnd(run, model.IterationData{Progress: 0.1})
	assert.False(t, h.GetProgress(run).Converging)
}

func TestRalphConvergence_StopsOnVerificationPass(t *testing.T) {
	run := &model.Run{MaxIterations: 10, Iteration: 1}
	r := &RalphConvergence{MaxIterations: 10}

	d := r.ShouldContinue(run, model.IterationData{VerificationPassed: true})
	assert.Equal(t, DecisionStop, d.Kind)
	assert.Equal(t, "verification_pass", d.Reason)
}

func TestRalphConvergence_DetectLoopOnConvergedFeedback(t *testing.T) {
	run := &model.Run{MaxIterations: 10, Iteration: 2}
	r := &RalphConvergence{MaxIterations: 10, WindowSize: 3, ConvergenceThreshold: 0.8, MinIterations: 2}

	run.Iterations = []model.IterationData{
		{Feedback: "lint: unused import"},
		{Feedback: "lint: unused import"},
	}
	assert.True(t, r.DetectLoop(run))

	run.Iterations[1].Feedback = "lint: completely different error about something else"
	assert.False(t, r.DetectLoop(run))
}

func TestRalphConvergence_DetectLoopRequiresMinIterations(t *testing.T) {
	run := &model.Run{MaxIterations: 10, Iteration: 1}
	r := &RalphConvergence{MaxIterations: 10, MinIterations: 2}

	run.Iterations = []model.IterationData{
		{Feedback: "stuck"},
		{Feedback: "stuck"},
	}
	assert.False(t, r.DetectLoop(run), "iteration count below MinIterations never reports convergence")
}

func TestRalphConvergence_ShouldContinueStopsOnDetectedLoop(t *testing.T) {
	run := &model.Run{MaxIterations: 10, Iteration: 3}
	run.Iterations = []model.IterationData{
		{Feedback: "stuck"},
		{Feedback: "stuck"},
	}
	r := &RalphConvergence{MaxIterations: 10, MinIterations: 2}

	d := r.ShouldContinue(run, model.IterationData{VerificationPassed: false})
	assert.Equal(t, DecisionStop, d.Kind)
	assert.Equal(t, "loop_detection", d.Reason)
}

func TestCustom_FallsBackToMaxIterationsBoundWhenHooksNil(t *testing.T) {
	run := &model.Run{MaxIterations: 5}
	c := &Custom{MaxIterations: 5}

	run.Iteration = 4
	assert.Equal(t, DecisionContinue, c.ShouldContinue(run, model.IterationData{}).Kind)
	run.Iteration = 5
	assert.Equal(t, DecisionStop, c.ShouldContinue(run, model.IterationData{}).Kind)
	assert.False(t, c.DetectLoop(run))
}

func TestCustom_UsesProvidedHooks(t *testing.T) {
	called := false
	c := &Custom{
		ShouldContinueFunc: func(run *model.Run, last model.IterationData) Decision {
			return Decision{Kind: DecisionPause, Reason: "awaiting_review"}
		},
		DetectLoopFunc:     func(run *model.Run) bool { return true },
		OnIterationEndFunc: func(run *model.Run, last model.IterationData) { called = true },
	}
	run := &model.Run{}

	d := c.ShouldContinue(run, model.IterationData{})
	assert.Equal(t, DecisionPause, d.Kind)
	assert.Equal(t, "awaiting_review", d.Reason)
	assert.True(t, c.DetectLoop(run))
	c.OnIterationEnd(run, model.IterationData{})
	assert.True(t, called)
}
