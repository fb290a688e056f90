package driver

import (
	"bytes"
	"context"
	"os/exec"
	"time"

	"github.com/fl-sean03/agentgate/internal/model"
)

// CommandVerifier is the reference Verifier: it runs one shell command
// per verification level against the snapshot's workspace and records
// pass/fail plus captured output as a single Check per level, grounded
// on the teacher's subprocess-execution style in pkg/tool/commandtool
// (also the basis for SubprocessAgentDriver).
type CommandVerifier struct {
	// Commands maps a level to the shell command that satisfies it.
	// A level absent from the map is treated as passed-by-omission.
	Commands      map[model.Level]string
	WorkspacePath func(snapshot *model.Snapshot) string
}

// Verify implements Verifier.
func (v *CommandVerifier) Verify(ctx context.Context, snapshot *model.Snapshot, plan GatePlan) (*model.VerificationReport, error) {
	start := time.Now()
	report := &model.VerificationReport{SnapshotID: snapshot.ID, Passed: true}

	for _, level := range []model.Level{model.LevelContract, model.LevelLint, model.LevelTypecheck, model.LevelTest} {
		cmd, ok := v.Commands[level]
		if !ok {
			continue
		}

		levelStart := time.Now()
		check := v.runLevel(ctx, level, cmd, snapshot)
		result := model.LevelResult{
			Level:      level,
			Passed:     check.Passed,
			Checks:     []model.Check{check},
			DurationMS: time.Since(levelStart).Milliseconds(),
		}
		report.Levels = append(report.Levels, result)
		if !check.Passed {
			report.Passed = false
		}
	}

	report.TotalDurationMS = time.Since(start).Milliseconds()
	return report, nil
}

func (v *CommandVerifier) runLevel(ctx context.Context, level model.Level, command string, snapshot *model.Snapshot) model.Check {
	dir := ""
	if v.WorkspacePath != nil {
		dir = v.WorkspacePath(snapshot)
	}

	cmd := exec.CommandContext(ctx, "sh", "-c", command)
	cmd.Dir = dir
	var out bytes.Buffer
	cmd.Stdout = &out
	cmd.Stderr = &out

	err := cmd.Run()
	check := model.Check{Name: string(level), Details: out.String()}
	if err != nil {
		check.Passed = false
		check.Message = err.Error()
		return check
	}
	check.Passed = true
	return check
}
