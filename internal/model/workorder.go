// Package model holds the persistent and in-memory data types shared by
// every AgentGate component: work orders, runs, iterations, snapshots,
// verification reports, gates, slot handles, and audit/stream events.
package model

import "time"

// WorkOrderStatus is the lifecycle status of a persisted work order. It
// mirrors the run-level State machine states (see statemachine package)
// but is the value actually serialized to disk.
type WorkOrderStatus string

const (
	StatusPending      WorkOrderStatus = "pending"
	StatusPreparing    WorkOrderStatus = "preparing"
	StatusRunning      WorkOrderStatus = "running"
	StatusCompleted    WorkOrderStatus = "succeeded"
	StatusFailed       WorkOrderStatus = "failed"
	StatusWaitingRetry WorkOrderStatus = "waiting_retry"
	StatusCanceled     WorkOrderStatus = "canceled"
)

// IsTerminal reports whether status admits no further transitions.
func (s WorkOrderStatus) IsTerminal() bool {
	switch s {
	case StatusCompleted, StatusFailed, StatusCanceled:
		return true
	}
	return false
}

// WorkspaceSourceKind tags the variant of WorkspaceSource.
type WorkspaceSourceKind string

const (
	WorkspaceLocal      WorkspaceSourceKind = "local"
	WorkspaceGitHub     WorkspaceSourceKind = "github"
	WorkspaceGitHubNew  WorkspaceSourceKind = "github-new"
	WorkspaceFromScratchTemplate WorkspaceSourceKind = "template"
)

// WorkspaceSource is a tagged union over where the workspace comes from.
type WorkspaceSource struct {
	Kind WorkspaceSourceKind `json:"kind"`

	// Local variant.
	Path string `json:"path,omitempty"`

	// GitHub / GitHubNew variant.
	Owner    string `json:"owner,omitempty"`
	Repo     string `json:"repo,omitempty"`
	Ref      string `json:"ref,omitempty"`
	RepoName string `json:"repoName,omitempty"`
	Private  bool   `json:"private,omitempty"`
	Template string `json:"template,omitempty"`
}

// AgentType identifies which agent driver handles a work order.
type AgentType string

const (
	AgentClaudeCodeSubscription AgentType = "claude-code-subscription"
	AgentOpenAICodex            AgentType = "openai-codex"
	AgentOpenCode               AgentType = "opencode"
)

// WorkOrder is a persistent user request for AgentGate to change a
// workspace until the gate pipeline passes.
type WorkOrder struct {
	ID              string          `json:"id"`
	TaskPrompt      string          `json:"taskPrompt"`
	WorkspaceSource WorkspaceSource `json:"workspaceSource"`
	AgentType       AgentType       `json:"agentType"`
	MaxIterations   int             `json:"maxIterations"`
	MaxWallClock    string          `json:"maxWallClockSeconds"`

	// GatePlan is the ordered set of gates the run's iterations must
	// satisfy before a verification pass is accepted as done. A work
	// order submitted with no gate plan falls back to the verification
	// level results alone (see engine.defaultGatePlan).
	GatePlan []Gate `json:"gatePlan,omitempty"`

	Status    WorkOrderStatus `json:"status"`
	CreatedAt time.Time       `json:"createdAt"`

	ParentID string `json:"parentId,omitempty"`
	RootID   string `json:"rootId,omitempty"`
	Depth    int    `json:"depth,omitempty"`

	RunID        string     `json:"runId,omitempty"`
	CompletedAt  *time.Time `json:"completedAt,omitempty"`
	TerminalError *ErrorDetail `json:"error,omitempty"`
}

// ErrorDetail is the structured error carried by a terminal work order
// and by audit events describing a failure. It is never empty on a
// failure path.
type ErrorDetail struct {
	Code           string         `json:"code"`
	Message        string         `json:"message"`
	Classification string         `json:"classification,omitempty"`
	Stack          string         `json:"stack,omitempty"`
	ExitCode       *int           `json:"exitCode,omitempty"`
	Context        map[string]any `json:"context,omitempty"`
}

func (e *ErrorDetail) Error() string {
	if e == nil {
		return ""
	}
	return e.Message
}

// IsEmpty reports whether the detail carries no information — a state
// that must never reach the Audit Log on a failure event.
func (e *ErrorDetail) IsEmpty() bool {
	return e == nil || (e.Code == "" && e.Message == "")
}
