package gate

import (
	"context"
	"fmt"
	"os/exec"
	"strings"

	"github.com/fl-sean03/agentgate/internal/driver"
	"github.com/fl-sean03/agentgate/internal/model"
)

// VerificationLevelsRunner evaluates the "verification-levels" check
// type by inspecting the run's already-computed VerificationReport.
type VerificationLevelsRunner struct{}

func (VerificationLevelsRunner) Evaluate(ctx context.Context, gc driver.GateRunnerContext, g model.Gate) (model.GateResult, string, error) {
	if gc.Report == nil {
		return model.GateResult{GateName: g.Name, Passed: false, Message: "no verification report available"}, "", nil
	}
	if gc.Report.AllPassed() {
		return model.GateResult{GateName: g.Name, Passed: true}, "", nil
	}

	var failed []string
	for _, lvl := range gc.Report.Levels {
		if lvl.Passed {
			continue
		}
		for _, c := range lvl.Checks {
			if !c.Passed {
				failed = append(failed, fmt.Sprintf("%s: %s", lvl.Level, c.Message))
			}
		}
	}
	feedback := strings.Join(failed, "\n")
	return model.GateResult{GateName: g.Name, Passed: false, Message: "one or more verification levels failed", Details: feedback}, feedback, nil
}

// CustomCommandRunner evaluates the "custom-command" check type by
// running Gate.Command in the snapshot's workspace, grounded on the
// same subprocess style as driver.CommandVerifier.
type CustomCommandRunner struct {
	WorkspacePath func(snapshot *model.Snapshot) string
}

func (r CustomCommandRunner) Evaluate(ctx context.Context, gc driver.GateRunnerContext, g model.Gate) (model.GateResult, string, error) {
	if g.Command == "" {
		return model.GateResult{GateName: g.Name, Passed: false, Message: "gate has no command configured"}, "", nil
	}

	dir := ""
	if r.WorkspacePath != nil && gc.Snapshot != nil {
		dir = r.WorkspacePath(gc.Snapshot)
	}

	cmd := exec.CommandContext(ctx, "sh", "-c", g.Command)
	cmd.Dir = dir
	out, err := cmd.CombinedOutput()
	if err != nil {
		return model.GateResult{GateName: g.Name, Passed: false, Message: err.Error(), Details: string(out)}, string(out), nil
	}
	return model.GateResult{GateName: g.Name, Passed: true, Details: string(out)}, "", nil
}

// ApprovalRunner evaluates the "approval" check type: it never passes
// on its own. It passes only when the IsApproved callback reports
// approval for the run and gate; with no callback or no run it reports
// "awaiting manual approval". The REST API has no approval endpoint.
type ApprovalRunner struct {
	// IsApproved reports whether a human has approved the named gate for
	// the given run.
	IsApproved func(runID, gateName string) bool
}

func (r ApprovalRunner) Evaluate(ctx context.Context, gc driver.GateRunnerContext, g model.Gate) (model.GateResult, string, error) {
	if r.IsApproved == nil || gc.Run == nil || !r.IsApproved(gc.Run.ID, g.Name) {
		return model.GateResult{GateName: g.Name, Passed: false, Message: "awaiting manual approval"}, "", nil
	}
	return model.GateResult{GateName: g.Name, Passed: true}, "", nil
}

// CIPollRunner is the seam for the "ci-poll" check type. Real CI-status
// polling against a forge API is out of scope (spec §1 out-of-scope
// collaborators). With no Poll callback it fails with "ci-poll not
// configured" instead of panicking; with one it reports the callback's
// result, failing with "CI check still running" while done is false.
type CIPollRunner struct {
	// Poll, when set, returns (passed, done). done=false means "keep
	// iterating/polling", matching a still-running CI check.
	Poll func(ctx context.Context, runID, gateName string) (passed bool, done bool, err error)
}

func (r CIPollRunner) Evaluate(ctx context.Context, gc driver.GateRunnerContext, g model.Gate) (model.GateResult, string, error) {
	if r.Poll == nil {
		return model.GateResult{GateName: g.Name, Passed: false, Message: "ci-poll not configured"}, "", nil
	}
	runID := ""
	if gc.Run != nil {
		runID = gc.Run.ID
	}
	passed, done, err := r.Poll(ctx, runID, g.Name)
	if err != nil {
		return model.GateResult{GateName: g.Name, Passed: false, Message: err.Error()}, "", nil
	}
	if !done {
		return model.GateResult{GateName: g.Name, Passed: false, Message: "CI check still running"}, "", nil
	}
	return model.GateResult{GateName: g.Name, Passed: passed}, "", nil
}
