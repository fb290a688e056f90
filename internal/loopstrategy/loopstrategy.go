// Package loopstrategy implements the Loop Strategy seam: pluggable
// policy for how many Build/Snapshot/Verify/Feedback iterations a run
// performs and when it stops, grounded on the teacher's pkg/reasoning
// strategy interface (Initialize/Plan/Observe/ShouldContinue-style
// lifecycle hooks driving an iterative reasoning loop).
package loopstrategy

import (
	"strings"

	"github.com/fl-sean03/agentgate/internal/model"
)

// DecisionKind is the variant of a Decision spec §4.9 names.
type DecisionKind int

const (
	DecisionContinue DecisionKind = iota
	DecisionStop
	DecisionPause
)

// Decision is what ShouldContinue returns: whether to keep iterating,
// stop (with the signal that triggered the stop), or pause.
type Decision struct {
	Kind   DecisionKind
	Reason string
}

// Progress is a strategy's self-reported view of how far along a run
// is, surfaced to the REST API's run-status endpoint.
type Progress struct {
	CurrentIteration int
	MaxIterations    int
	Converging       bool
	Note             string
}

// Strategy is the full capability set a Loop Strategy may implement.
// Every method receives the run so strategies can inspect iteration
// history recorded so far.
type Strategy interface {
	// Initialize is called once before the first iteration.
	Initialize(run *model.Run)
	// OnLoopStart is called immediately before the loop's first
	// iteration begins executing.
	OnLoopStart(run *model.Run)
	// OnIterationStart is called before each iteration's Build phase.
	OnIterationStart(run *model.Run, iteration int)
	// ShouldContinue decides, after an iteration completes, whether
	// another should run.
	ShouldContinue(run *model.Run, last model.IterationData) Decision
	// OnIterationEnd is called after the iteration's outcome is known,
	// before ShouldContinue; strategies update any rolling state here.
	OnIterationEnd(run *model.Run, last model.IterationData)
	// OnLoopEnd is called once the loop has stopped for any reason.
	OnLoopEnd(run *model.Run)
	// GetProgress reports current progress for status surfaces.
	GetProgress(run *model.Run) Progress
	// DetectLoop inspects iteration history for a repeating
	// non-productive pattern and reports whether the run should be
	// stopped early as stalled.
	DetectLoop(run *model.Run) bool
	// Reset clears any internal state a strategy accumulated, so the
	// same Strategy value can be reused across runs of the same work
	// order (e.g. after a retry resets iteration count).
	Reset()
}

func maxOf(configured, fallback int) int {
	if configured > 0 {
		return configured
	}
	return fallback
}

// identicalFeedbackStall is the simplest loop_detection signal spec
// §4.9 names for the fixed variant: the agent produced the same gate
// feedback on two consecutive iterations, meaning its last attempt made
// no difference worth re-prompting for.
func identicalFeedbackStall(run *model.Run) bool {
	n := len(run.Iterations)
	if n < 2 {
		return false
	}
	a := run.Iterations[n-1]
	b := run.Iterations[n-2]
	return a.Feedback != "" && a.Feedback == b.Feedback
}

// Fixed runs exactly MaxIterations iterations, or stops early the
// moment any of its completion signals trigger: verification passing,
// no files changed in the latest iteration, or a detected stall.
type Fixed struct {
	MaxIterations int
}

func (f *Fixed) Initialize(run *model.Run)                             {}
func (f *Fixed) OnLoopStart(run *model.Run)                             {}
func (f *Fixed) OnIterationStart(run *model.Run, iteration int)         {}
func (f *Fixed) OnIterationEnd(run *model.Run, last model.IterationData) {}
func (f *Fixed) OnLoopEnd(run *model.Run)                               {}
func (f *Fixed) Reset()                                                 {}

func (f *Fixed) maxIterations(run *model.Run) int {
	return maxOf(f.MaxIterations, run.MaxIterations)
}

func (f *Fixed) ShouldContinue(run *model.Run, last model.IterationData) Decision {
	if last.VerificationPassed {
		return Decision{Kind: DecisionStop, Reason: "verification_pass"}
	}
	if last.FilesChanged == 0 {
		return Decision{Kind: DecisionStop, Reason: "no_changes"}
	}
	if f.DetectLoop(run) {
		return Decision{Kind: DecisionStop, Reason: "loop_detection"}
	}
	if run.Iteration >= f.maxIterations(run) {
		return Decision{Kind: DecisionStop, Reason: "max_iterations"}
	}
	return Decision{Kind: DecisionContinue}
}

func (f *Fixed) GetProgress(run *model.Run) Progress {
	return Progress{CurrentIteration: run.Iteration, MaxIterations: f.maxIterations(run)}
}

func (f *Fixed) DetectLoop(run *model.Run) bool { return identicalFeedbackStall(run) }

// Hybrid runs BaseIterations unconditionally, then up to
// BonusIterations more as long as each iteration's measured progress
// (fraction of verification levels passing) stays at or above
// ProgressThreshold.
type Hybrid struct {
	BaseIterations    int
	BonusIterations   int
	ProgressThreshold float64

	lastProgress float64
}

func (h *Hybrid) Initialize(run *model.Run)                     { h.lastProgress = 1 }
func (h *Hybrid) OnLoopStart(run *model.Run)                     {}
func (h *Hybrid) OnIterationStart(run *model.Run, iteration int) {}
func (h *Hybrid) OnLoopEnd(run *model.Run)                       {}
func (h *Hybrid) Reset()                                         { h.lastProgress = 1 }

func (h *Hybrid) OnIterationEnd(run *model.Run, last model.IterationData) {
	h.lastProgress = last.Progress
}

func (h *Hybrid) base() int { return maxOf(h.BaseIterations, 2) }

func (h *Hybrid) bonus() int { return maxOf(h.BonusIterations, 2) }

func (h *Hybrid) threshold() float64 {
	if h.ProgressThreshold > 0 {
		return h.ProgressThreshold
	}
	return 0.1
}

func (h *Hybrid) ShouldContinue(run *model.Run, last model.IterationData) Decision {
	if last.VerificationPassed {
		return Decision{Kind: DecisionStop, Reason: "verification_pass"}
	}
	base, bonus := h.base(), h.bonus()
	if run.Iteration < base {
		return Decision{Kind: DecisionContinue}
	}
	if run.Iteration >= base+bonus {
		return Decision{Kind: DecisionStop, Reason: "max_iterations"}
	}
	if last.Progress < h.threshold() {
		return Decision{Kind: DecisionStop, Reason: "insufficient_progress"}
	}
	return Decision{Kind: DecisionContinue}
}

func (h *Hybrid) GetProgress(run *model.Run) Progress {
	return Progress{
		CurrentIteration: run.Iteration,
		MaxIterations:    h.base() + h.bonus(),
		Converging:       h.lastProgress >= h.threshold(),
	}
}

func (h *Hybrid) DetectLoop(run *model.Run) bool { return identicalFeedbackStall(run) }

// RalphConvergence implements the "ralph" loop variant named in spec
// §4: it keeps a rolling window of the last WindowSize iterations'
// gate feedback, and stops once every consecutive pair in that window
// is textually similar at or above ConvergenceThreshold (the agent has
// settled on an answer it keeps repeating) and the run has completed at
// least MinIterations.
type RalphConvergence struct {
	MaxIterations        int
	WindowSize           int
	ConvergenceThreshold float64
	MinIterations        int
}

func (r *RalphConvergence) Initialize(run *model.Run)                     {}
func (r *RalphConvergence) OnLoopStart(run *model.Run)                     {}
func (r *RalphConvergence) OnIterationStart(run *model.Run, iteration int) {}
func (r *RalphConvergence) OnLoopEnd(run *model.Run)                       {}
func (r *RalphConvergence) OnIterationEnd(run *model.Run, last model.IterationData) {}
func (r *RalphConvergence) Reset()                                        {}

func (r *RalphConvergence) windowSize() int { return maxOf(r.WindowSize, 3) }

func (r *RalphConvergence) convergenceThreshold() float64 {
	if r.ConvergenceThreshold > 0 {
		return r.ConvergenceThreshold
	}
	return 0.8
}

func (r *RalphConvergence) minIterations() int { return maxOf(r.MinIterations, 2) }

// window returns the feedback text of the most recent WindowSize
// iterations recorded on the run, oldest first.
func (r *RalphConvergence) window(run *model.Run) []string {
	n := len(run.Iterations)
	size := r.windowSize()
	if n > size {
		n = size
	}
	out := make([]string, 0, n)
	for i := len(run.Iterations) - n; i < len(run.Iterations); i++ {
		out = append(out, run.Iterations[i].Feedback)
	}
	return out
}

func (r *RalphConvergence) ShouldContinue(run *model.Run, last model.IterationData) Decision {
	if last.VerificationPassed {
		return Decision{Kind: DecisionStop, Reason: "verification_pass"}
	}
	max := maxOf(r.MaxIterations, run.MaxIterations)
	if run.Iteration >= max {
		return Decision{Kind: DecisionStop, Reason: "max_iterations"}
	}
	if r.DetectLoop(run) {
		return Decision{Kind: DecisionStop, Reason: "loop_detection"}
	}
	return Decision{Kind: DecisionContinue}
}

func (r *RalphConvergence) GetProgress(run *model.Run) Progress {
	max := maxOf(r.MaxIterations, run.MaxIterations)
	return Progress{CurrentIteration: run.Iteration, MaxIterations: max, Converging: r.convergenceSimilarity(run) >= r.convergenceThreshold()}
}

// DetectLoop reports whether the rolling feedback fingerprint has
// converged: every consecutive pair in the window is similar at or
// above ConvergenceThreshold, once at least MinIterations have run.
func (r *RalphConvergence) DetectLoop(run *model.Run) bool {
	if run.Iteration < r.minIterations() {
		return false
	}
	if len(r.window(run)) < 2 {
		return false
	}
	return r.convergenceSimilarity(run) >= r.convergenceThreshold()
}

// convergenceSimilarity returns the minimum pairwise similarity across
// the current feedback window, or 0 if the window holds fewer than two
// entries.
func (r *RalphConvergence) convergenceSimilarity(run *model.Run) float64 {
	window := r.window(run)
	if len(window) < 2 {
		return 0
	}
	min := 1.0
	for i := 1; i < len(window); i++ {
		sim := textSimilarity(window[i-1], window[i])
		if sim < min {
			min = sim
		}
	}
	return min
}

// textSimilarity is a Jaccard index over whitespace-tokenized text,
// deliberately simple since it only needs to tell "still repeating the
// same feedback" from "making different progress each time" apart.
func textSimilarity(a, b string) float64 {
	if a == "" && b == "" {
		return 1
	}
	if a == "" || b == "" {
		return 0
	}
	setA := tokenSet(a)
	setB := tokenSet(b)

	intersection := 0
	for tok := range setA {
		if setB[tok] {
			intersection++
		}
	}
	union := len(setA)
	for tok := range setB {
		if !setA[tok] {
			union++
		}
	}
	if union == 0 {
		return 1
	}
	return float64(intersection) / float64(union)
}

func tokenSet(s string) map[string]bool {
	fields := strings.Fields(strings.ToLower(s))
	set := make(map[string]bool, len(fields))
	for _, f := range fields {
		set[f] = true
	}
	return set
}

// Custom wraps caller-supplied hook functions so an embedder can compose
// a bespoke strategy without implementing every method from scratch. With
// ShouldContinueFunc nil it stops only on verification_pass or
// max_iterations (no no_changes or loop-detection stop, unlike Fixed);
// with DetectLoopFunc nil DetectLoop always reports false.
type Custom struct {
	MaxIterations      int
	ShouldContinueFunc func(run *model.Run, last model.IterationData) Decision
	DetectLoopFunc     func(run *model.Run) bool
	OnIterationEndFunc func(run *model.Run, last model.IterationData)
}

func (c *Custom) Initialize(run *model.Run)                     {}
func (c *Custom) OnLoopStart(run *model.Run)                     {}
func (c *Custom) OnIterationStart(run *model.Run, iteration int) {}
func (c *Custom) OnLoopEnd(run *model.Run)                       {}
func (c *Custom) Reset()                                         {}

func (c *Custom) OnIterationEnd(run *model.Run, last model.IterationData) {
	if c.OnIterationEndFunc != nil {
		c.OnIterationEndFunc(run, last)
	}
}

func (c *Custom) ShouldContinue(run *model.Run, last model.IterationData) Decision {
	if c.ShouldContinueFunc != nil {
		return c.ShouldContinueFunc(run, last)
	}
	if last.VerificationPassed {
		return Decision{Kind: DecisionStop, Reason: "verification_pass"}
	}
	if run.Iteration >= maxOf(c.MaxIterations, run.MaxIterations) {
		return Decision{Kind: DecisionStop, Reason: "max_iterations"}
	}
	return Decision{Kind: DecisionContinue}
}

func (c *Custom) GetProgress(run *model.Run) Progress {
	return Progress{CurrentIteration: run.Iteration, MaxIterations: maxOf(c.MaxIterations, run.MaxIterations)}
}

func (c *Custom) DetectLoop(run *model.Run) bool {
	if c.DetectLoopFunc != nil {
		return c.DetectLoopFunc(run)
	}
	return false
}
