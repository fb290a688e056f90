// Package gate implements the Gate Pipeline: ordered evaluation of a
// work order's configured gates against a run's latest
// VerificationReport, aggregating feedback for the next Build under a
// "## Gate Check Results" heading, grounded on the teacher's sequential
// step-execution style in workflow/executor.go.
package gate

import (
	"context"
	"fmt"
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/fl-sean03/agentgate/internal/audit"
	"github.com/fl-sean03/agentgate/internal/driver"
	"github.com/fl-sean03/agentgate/internal/model"
)

// Pipeline evaluates an ordered list of gates, one run at a time.
type Pipeline struct {
	runners  map[model.GateCheckType]driver.GateRunner
	auditLog *audit.Log
}

// New constructs a Pipeline from a runner set keyed by GateCheckType.
// auditLog may be nil; when set, an unrecognized skipIf expression is
// recorded as model.EventSkipIfUnknown against the run's work order.
func New(runners map[model.GateCheckType]driver.GateRunner, auditLog *audit.Log) *Pipeline {
	return &Pipeline{runners: runners, auditLog: auditLog}
}

// Run evaluates gates in order, short-circuiting on the first failure
// whose OnFailure.Action is not "iterate"-continuable, or on a gate
// whose OnSuccess.Action is "skip-remaining".
func (p *Pipeline) Run(ctx context.Context, run *model.Run, snapshot *model.Snapshot, report *model.VerificationReport, gates []model.Gate) model.PipelineResult {
	result := model.PipelineResult{Passed: true}
	var prior []model.GateResult

	for _, gate := range gates {
		if !p.shouldRun(gate, run, snapshot, prior) {
			prior = append(prior, model.GateResult{GateName: gate.Name, Skipped: true})
			result.Results = append(result.Results, prior[len(prior)-1])
			continue
		}

		runner, ok := p.runners[gate.Check]
		if !ok {
			gr := model.GateResult{GateName: gate.Name, Passed: false, Message: fmt.Sprintf("no runner registered for check type %q", gate.Check)}
			result.Results = append(result.Results, gr)
			result.Passed = false
			result.StoppedAt = gate.Name
			break
		}

		start := time.Now()
		gr, feedback, err := runner.Evaluate(ctx, driver.GateRunnerContext{
			GateName: gate.Name,
			Run:      run,
			Snapshot: snapshot,
			Report:   report,
			Prior:    prior,
		}, gate)
		gr.DurationMS = time.Since(start).Milliseconds()
		if err != nil {
			gr.Passed = false
			gr.Message = err.Error()
		}

		prior = append(prior, gr)
		result.Results = append(result.Results, gr)

		if !gr.Passed {
			result.Passed = false
			if feedback != "" {
				result.Feedback = appendFeedback(result.Feedback, gate.Name, feedback)
			}
			if gate.OnFailure.Action == model.FailureStop || gate.OnFailure.Action == model.FailureEscalate {
				result.StoppedAt = gate.Name
				break
			}
			// FailureIterate: record and continue evaluating remaining
			// gates so the next Build gets the fullest feedback.
			continue
		}

		if gate.OnSuccess != nil && gate.OnSuccess.Action == model.SuccessSkipRemaining {
			result.StoppedAt = gate.Name
			break
		}
	}

	return result
}

// shouldRun implements spec §4.10 step 1: manual gates never run on their
// own, on-change gates skip when nothing changed, and whatever condition
// remains still consults skipIf against prior gate results.
func (p *Pipeline) shouldRun(gate model.Gate, run *model.Run, snapshot *model.Snapshot, prior []model.GateResult) bool {
	cond := gate.Condition
	if cond == nil {
		return true
	}

	switch cond.Type {
	case model.ConditionManual:
		return false
	case model.ConditionOnChange:
		if snapshot != nil && snapshot.FilesChanged == 0 {
			return false
		}
	case model.ConditionAlways, "":
		// falls through to the skipIf check below
	default:
		return true
	}

	if cond.SkipIf == "" {
		return true
	}

	skip, recognized := evalSkipIf(cond.SkipIf, run, prior)
	if !recognized {
		p.logSkipIfUnknown(run, gate.Name, cond.SkipIf)
		return true
	}
	// skipIf evaluating true means skip the gate, i.e. do not run it.
	return !skip
}

func (p *Pipeline) logSkipIfUnknown(run *model.Run, gateName, expr string) {
	if p.auditLog == nil || run == nil {
		return
	}
	p.auditLog.Append(run.WorkOrderID, model.EventSkipIfUnknown, map[string]any{
		"gate":       gateName,
		"expression": expr,
	})
}

var iterationExpr = regexp.MustCompile(`^iteration\s*(<=|>=|==|<|>)\s*(\d+)$`)
var gatePassedExpr = regexp.MustCompile(`^gate\.([A-Za-z0-9_-]+)\.passed$`)

// evalSkipIf supports the tiny, total expression language spec §4.10
// names: "gate.<name>.passed" and "iteration <op> <int>" with
// op in {<,>,<=,>=,==}. The second return value reports whether expr was
// recognized; an unrecognized expression is treated as evaluating false
// (do not skip) by the caller, which also logs the occurrence.
func evalSkipIf(expr string, run *model.Run, prior []model.GateResult) (bool, bool) {
	expr = strings.TrimSpace(expr)

	if m := iterationExpr.FindStringSubmatch(expr); m != nil {
		n, err := strconv.Atoi(m[2])
		if err != nil {
			return false, false
		}
		iteration := 0
		if run != nil {
			iteration = run.Iteration
		}
		switch m[1] {
		case "<":
			return iteration < n, true
		case ">":
			return iteration > n, true
		case "<=":
			return iteration <= n, true
		case ">=":
			return iteration >= n, true
		case "==":
			return iteration == n, true
		}
		return false, false
	}

	if m := gatePassedExpr.FindStringSubmatch(expr); m != nil {
		name := m[1]
		for _, gr := range prior {
			if gr.GateName == name {
				return gr.Passed, true
			}
		}
		// Referenced gate hasn't run yet (or was skipped): nothing to
		// report as passed.
		return false, true
	}

	return false, false
}

func appendFeedback(existing, gateName, msg string) string {
	const header = "## Gate Check Results"
	entry := fmt.Sprintf("- **%s**: %s", gateName, msg)
	if existing == "" {
		return header + "\n" + entry
	}
	return existing + "\n" + entry
}
