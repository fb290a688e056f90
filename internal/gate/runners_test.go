package gate

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/fl-sean03/agentgate/internal/driver"
	"github.com/fl-sean03/agentgate/internal/model"
)

func TestVerificationLevelsRunner_PassesWhenReportAllPassed(t *testing.T) {
	r := VerificationLevelsRunner{}
	report := &model.VerificationReport{Passed: true, Levels: []model.LevelResult{{Level: model.LevelLint, Passed: true}}}

	gr, feedback, err := r.Evaluate(context.Background(), driver.GateRunnerContext{Report: report}, model.Gate{Name: "verify"})
	assert.NoError(t, err)
	assert.True(t, gr.Passed)
	assert.Empty(t, feedback)
}

func TestVerificationLevelsRunner_SurfacesFailedCheckMessages(t *testing.T) {
	r := VerificationLevelsRunner{}
	report := &model.VerificationReport{
		Passed: false,
		Levels: []model.LevelResult{
			{Level: model.LevelLint, Passed: false, Checks: []model.Check{{Name: "golangci-lint", Passed: false, Message: "unused import"}}},
			{Level: model.LevelTest, Passed: true, Checks: []model.Check{{Name: "go test", Passed: true}}},
		},
	}

	gr, feedback, err := r.Evaluate(context.Background(), driver.GateRunnerContext{Report: report}, model.Gate{Name: "verify"})
	assert.NoError(t, err)
	assert.False(t, gr.Passed)
	assert.Contains(t, feedback, "unused import")
}

func TestVerificationLevelsRunner_NoReportFails(t *testing.T) {
	r := VerificationLevelsRunner{}
	gr, _, err := r.Evaluate(context.Background(), driver.GateRunnerContext{}, model.Gate{Name: "verify"})
	assert.NoError(t, err)
	assert.False(t, gr.Passed)
}

func TestCustomCommandRunner_PassesOnZeroExit(t *testing.T) {
	r := CustomCommandRunner{}
	gr, feedback, err := r.Evaluate(context.Background(), driver.GateRunnerContext{}, model.Gate{Name: "custom", Command: "true"})
	assert.NoError(t, err)
	assert.True(t, gr.Passed)
	assert.Empty(t, feedback)
}

func TestCustomCommandRunner_FailsOnNonZeroExit(t *testing.T) {
	r := CustomCommandRunner{}
	gr, feedback, err := r.Evaluate(context.Background(), driver.GateRunnerContext{}, model.Gate{Name: "custom", Command: "exit 1"})
	assert.NoError(t, err)
	assert.False(t, gr.Passed)
	assert.NotEmpty(t, feedback)
}

func TestCustomCommandRunner_NoCommandConfigured(t *testing.T) {
	r := CustomCommandRunner{}
	gr, _, err := r.Evaluate(context.Background(), driver.GateRunnerContext{}, model.Gate{Name: "custom"})
	assert.NoError(t, err)
	assert.False(t, gr.Passed)
}

func TestApprovalRunner_PassesOnlyWhenApproved(t *testing.T) {
	r := ApprovalRunner{IsApproved: func(runID, gateName string) bool { return runID == "run-1" && gateName == "ship-it" }}
	run := &model.Run{ID: "run-1"}

	gr, _, err := r.Evaluate(context.Background(), driver.GateRunnerContext{Run: run}, model.Gate{Name: "ship-it"})
	assert.NoError(t, err)
	assert.True(t, gr.Passed)

	gr, _, err = r.Evaluate(context.Background(), driver.GateRunnerContext{Run: &model.Run{ID: "run-2"}}, model.Gate{Name: "ship-it"})
	assert.NoError(t, err)
	assert.False(t, gr.Passed)
}

func TestApprovalRunner_NeverAutoPassesWithoutCallback(t *testing.T) {
	r := ApprovalRunner{}
	gr, _, err := r.Evaluate(context.Background(), driver.GateRunnerContext{Run: &model.Run{ID: "run-1"}}, model.Gate{Name: "ship-it"})
	assert.NoError(t, err)
	assert.False(t, gr.Passed)
}

func TestCIPollRunner_NotConfigured(t *testing.T) {
	r := CIPollRunner{}
	gr, _, err := r.Evaluate(context.Background(), driver.GateRunnerContext{}, model.Gate{Name: "ci"})
	assert.NoError(t, err)
	assert.False(t, gr.Passed)
}

func TestCIPollRunner_StillRunningDoesNotPass(t *testing.T) {
	r := CIPollRunner{Poll: func(ctx context.Context, runID, gateName string) (bool, bool, error) { return false, false, nil }}
	gr, _, err := r.Evaluate(context.Background(), driver.GateRunnerContext{}, model.Gate{Name: "ci"})
	assert.NoError(t, err)
	assert.False(t, gr.Passed)
}

func TestCIPollRunner_DonePropagatesPassFlag(t *testing.T) {
	r := CIPollRunner{Poll: func(ctx context.Context, runID, gateName string) (bool, bool, error) { return true, true, nil }}
	gr, _, err := r.Evaluate(context.Background(), driver.GateRunnerContext{}, model.Gate{Name: "ci"})
	assert.NoError(t, err)
	assert.True(t, gr.Passed)
}
