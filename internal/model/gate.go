package model

// GateCheckType identifies which runner evaluates a gate.
type GateCheckType string

const (
	GateVerificationLevels GateCheckType = "verification-levels"
	GateCIPoll             GateCheckType = "ci-poll"
	GateCustomCommand      GateCheckType = "custom-command"
	GateApproval           GateCheckType = "approval"
	GateConvergence        GateCheckType = "convergence"
)

// GateFailureAction is what happens when a gate fails.
type GateFailureAction string

const (
	FailureIterate   GateFailureAction = "iterate"
	FailureStop      GateFailureAction = "stop"
	FailureEscalate  GateFailureAction = "escalate"
)

// GateSuccessAction is what happens when a gate passes.
type GateSuccessAction string

const (
	SuccessContinue      GateSuccessAction = "continue"
	SuccessSkipRemaining GateSuccessAction = "skip-remaining"
)

// GateConditionType selects when a gate is evaluated at all.
type GateConditionType string

const (
	ConditionAlways   GateConditionType = "always"
	ConditionOnChange GateConditionType = "on-change"
	ConditionManual   GateConditionType = "manual"
)

// OnFailurePolicy configures what happens when a gate's runner fails.
type OnFailurePolicy struct {
	Action      GateFailureAction `yaml:"action" json:"action"`
	MaxAttempts int               `yaml:"maxAttempts" json:"maxAttempts"`
	FeedbackMode string           `yaml:"feedbackMode,omitempty" json:"feedbackMode,omitempty"`
	BackoffMS   int64             `yaml:"backoffMs,omitempty" json:"backoffMs,omitempty"`
}

// OnSuccessPolicy configures what happens when a gate's runner passes.
type OnSuccessPolicy struct {
	Action GateSuccessAction `yaml:"action" json:"action"`
}

// GateCondition decides, per run, whether a gate is evaluated.
type GateCondition struct {
	Type   GateConditionType `yaml:"type" json:"type"`
	SkipIf string            `yaml:"skipIf,omitempty" json:"skipIf,omitempty"`
}

// Gate is one ordered checkpoint in the Gate Pipeline.
type Gate struct {
	Name      string          `yaml:"name" json:"name"`
	Check     GateCheckType   `yaml:"check" json:"check"`
	Command   string          `yaml:"command,omitempty" json:"command,omitempty"`
	OnFailure OnFailurePolicy `yaml:"onFailure" json:"onFailure"`
	OnSuccess *OnSuccessPolicy `yaml:"onSuccess,omitempty" json:"onSuccess,omitempty"`
	Condition *GateCondition   `yaml:"condition,omitempty" json:"condition,omitempty"`
}

// GateResult is the recorded outcome of evaluating one gate.
type GateResult struct {
	GateName   string `json:"gateName"`
	Passed     bool   `json:"passed"`
	Skipped    bool   `json:"skipped,omitempty"`
	Message    string `json:"message,omitempty"`
	Details    string `json:"details,omitempty"`
	DurationMS int64  `json:"durationMs"`
}

// PipelineResult is the aggregate outcome of running the Gate Pipeline
// once for a run/snapshot.
type PipelineResult struct {
	Passed     bool         `json:"passed"`
	Results    []GateResult `json:"results"`
	StoppedAt  string       `json:"stoppedAt,omitempty"`
	Feedback   string       `json:"feedback,omitempty"`
}
