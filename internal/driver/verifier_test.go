package driver

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fl-sean03/agentgate/internal/model"
)

func TestCommandVerifier_AllLevelsPass(t *testing.T) {
	v := &CommandVerifier{
		Commands: map[model.Level]string{
			model.LevelLint: "true",
			model.LevelTest: "true",
		},
	}
	report, err := v.Verify(context.Background(), &model.Snapshot{}, GatePlan{})
	require.NoError(t, err)
	assert.True(t, report.Passed)
	assert.Len(t, report.Levels, 2, "only configured levels are run")
}

func TestCommandVerifier_OneLevelFailsOverallReport(t *testing.T) {
	v := &CommandVerifier{
		Commands: map[model.Level]string{
			model.LevelLint: "true",
			model.LevelTest: "exit 1",
		},
	}
	report, err := v.Verify(context.Background(), &model.Snapshot{}, GatePlan{})
	require.NoError(t, err)
	assert.False(t, report.Passed)

	var testLevel *model.LevelResult
	for i := range report.Levels {
		if report.Levels[i].Level == model.LevelTest {
			testLevel = &report.Levels[i]
		}
	}
	require.NotNil(t, testLevel)
	assert.False(t, testLevel.Passed)
}

func TestCommandVerifier_SkipsUnconfiguredLevels(t *testing.T) {
	v := &CommandVerifier{Commands: map[model.Level]string{model.LevelTest: "true"}}
	report, err := v.Verify(context.Background(), &model.Snapshot{}, GatePlan{})
	require.NoError(t, err)
	require.Len(t, report.Levels, 1)
	assert.Equal(t, model.LevelTest, report.Levels[0].Level)
}

func TestCommandVerifier_CapturesCombinedOutput(t *testing.T) {
	v := &CommandVerifier{Commands: map[model.Level]string{model.LevelLint: "echo hello-from-lint"}}
	report, err := v.Verify(context.Background(), &model.Snapshot{}, GatePlan{})
	require.NoError(t, err)
	require.Len(t, report.Levels, 1)
	require.Len(t, report.Levels[0].Checks, 1)
	assert.Contains(t, report.Levels[0].Checks[0].Details, "hello-from-lint")
}
