package gate

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fl-sean03/agentgate/internal/driver"
	"github.com/fl-sean03/agentgate/internal/model"
)

type fakeRunner struct {
	passed   bool
	feedback string
}

func (f fakeRunner) Evaluate(ctx context.Context, gc driver.GateRunnerContext, g model.Gate) (model.GateResult, string, error) {
	return model.GateResult{GateName: g.Name, Passed: f.passed}, f.feedback, nil
}

func TestPipeline_AllGatesPass(t *testing.T) {
	p := New(map[model.GateCheckType]driver.GateRunner{
		model.GateVerificationLevels: fakeRunner{passed: true},
		model.GateCustomCommand:      fakeRunner{passed: true},
	}, nil)
	gates := []model.Gate{
		{Name: "verify", Check: model.GateVerificationLevels},
		{Name: "custom", Check: model.GateCustomCommand},
	}

	result := p.Run(context.Background(), &model.Run{Iteration: 1}, nil, nil, gates)
	require.True(t, result.Passed)
	assert.Len(t, result.Results, 2)
	assert.Empty(t, result.StoppedAt)
}

func TestPipeline_StopsOnFailureStop(t *testing.T) {
	p := New(map[model.GateCheckType]driver.GateRunner{
		model.GateVerificationLevels: fakeRunner{passed: false, feedback: "tests failed"},
		model.GateCustomCommand:      fakeRunner{passed: true},
	}, nil)
	gates := []model.Gate{
		{Name: "verify", Check: model.GateVerificationLevels, OnFailure: model.OnFailurePolicy{Action: model.FailureStop}},
		{Name: "custom", Check: model.GateCustomCommand},
	}

	result := p.Run(context.Background(), &model.Run{Iteration: 1}, nil, nil, gates)
	assert.False(t, result.Passed)
	assert.Equal(t, "verify", result.StoppedAt)
	assert.Len(t, result.Results, 1, "the custom gate must never run after a stop")
	assert.Contains(t, result.Feedback, "tests failed")
	assert.Contains(t, result.Feedback, "## Gate Check Results")
}

func TestPipeline_FailureIterateContinuesAndAccumulatesFeedback(t *testing.T) {
	p := New(map[model.GateCheckType]driver.GateRunner{
		model.GateVerificationLevels: fakeRunner{passed: false, feedback: "lint errors"},
		model.GateCustomCommand:      fakeRunner{passed: false, feedback: "custom check failed"},
	}, nil)
	gates := []model.Gate{
		{Name: "verify", Check: model.GateVerificationLevels, OnFailure: model.OnFailurePolicy{Action: model.FailureIterate}},
		{Name: "custom", Check: model.GateCustomCommand, OnFailure: model.OnFailurePolicy{Action: model.FailureIterate}},
	}

	result := p.Run(context.Background(), &model.Run{Iteration: 1}, nil, nil, gates)
	assert.False(t, result.Passed)
	assert.Empty(t, result.StoppedAt)
	assert.Len(t, result.Results, 2)
	assert.Contains(t, result.Feedback, "lint errors")
	assert.Contains(t, result.Feedback, "custom check failed")
}

func TestPipeline_SkipRemainingOnSuccess(t *testing.T) {
	p := New(map[model.GateCheckType]driver.GateRunner{
		model.GateVerificationLevels: fakeRunner{passed: true},
		model.GateCustomCommand:      fakeRunner{passed: true},
	}, nil)
	gates := []model.Gate{
		{Name: "verify", Check: model.GateVerificationLevels, OnSuccess: &model.OnSuccessPolicy{Action: model.SuccessSkipRemaining}},
		{Name: "custom", Check: model.GateCustomCommand},
	}

	result := p.Run(context.Background(), &model.Run{Iteration: 1}, nil, nil, gates)
	assert.True(t, result.Passed)
	assert.Equal(t, "verify", result.StoppedAt)
	assert.Len(t, result.Results, 1)
}

func TestPipeline_ManualConditionSkipsGate(t *testing.T) {
	p := New(map[model.GateCheckType]driver.GateRunner{
		model.GateApproval: fakeRunner{passed: false},
	}, nil)
	gates := []model.Gate{
		{Name: "approve", Check: model.GateApproval, Condition: &model.GateCondition{Type: model.ConditionManual}},
	}

	result := p.Run(context.Background(), &model.Run{Iteration: 1}, nil, nil, gates)
	assert.True(t, result.Passed)
	require.Len(t, result.Results, 1)
	assert.True(t, result.Results[0].Skipped)
}

func TestPipeline_OnChangeConditionEvaluatesSkipIf(t *testing.T) {
	p := New(map[model.GateCheckType]driver.GateRunner{
		model.GateCustomCommand: fakeRunner{passed: true},
	}, nil)
	gates := []model.Gate{
		{
			Name:      "post-first-iteration-only",
			Check:     model.GateCustomCommand,
			Condition: &model.GateCondition{Type: model.ConditionOnChange, SkipIf: "iteration == 1"},
		},
	}

	result := p.Run(context.Background(), &model.Run{Iteration: 1}, nil, nil, gates)
	require.Len(t, result.Results, 1)
	assert.True(t, result.Results[0].Skipped, "iteration == 1 is true on the first iteration, so the gate is skipped")

	result = p.Run(context.Background(), &model.Run{Iteration: 2}, nil, nil, gates)
	require.Len(t, result.Results, 1)
	assert.False(t, result.Results[0].Skipped, "iteration == 1 is false on iteration 2, so the gate runs")
}

func TestPipeline_MissingRunnerFailsClosed(t *testing.T) {
	p := New(map[model.GateCheckType]driver.GateRunner{}, nil)
	gates := []model.Gate{{Name: "unregistered", Check: model.GateCIPoll}}

	result := p.Run(context.Background(), &model.Run{Iteration: 1}, nil, nil, gates)
	assert.False(t, result.Passed)
	assert.Equal(t, "unregistered", result.StoppedAt)
}
