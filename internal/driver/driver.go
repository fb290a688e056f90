// Package driver defines the out-of-scope collaborator interfaces named
// by spec §1: AgentDriver, Snapshotter, VCS adapter, Verifier, and
// SandboxProvider. Each is a plain interface whose implementation is
// handed to its user directly (see engine.Deps); nothing resolves them
// through internal/registry by name. The "plain interfaces, no
// inheritance chains" shape follows the teacher's driver pattern
// (pkg/registry/registry.go, pkg/llms/registry.go).
package driver

import (
	"context"
	"time"

	"github.com/fl-sean03/agentgate/internal/model"
)

// AgentRunInput is what the Phase Orchestrator's Build phase passes to
// an AgentDriver.
type AgentRunInput struct {
	WorkOrderID   string
	TaskPrompt    string
	Feedback      string
	SessionID     string
	WorkspacePath string
	Timeout       time.Duration
}

// AgentRunResult is the raw outcome of one agent invocation.
type AgentRunResult struct {
	Success    bool
	ExitCode   int
	Stdout     string
	Stderr     string
	SessionID  string
	TokensUsed int
}

// AgentDriver runs the AI coding agent process and returns its result.
// Implementations MUST respect ctx cancellation to support the
// Execution Manager's cooperative cancellation model.
type AgentDriver interface {
	Run(ctx context.Context, in AgentRunInput) (AgentRunResult, error)
}

// SandboxConfig is passed to SandboxProvider.CreateSandbox.
type SandboxConfig struct {
	WorkOrderID string
	Workspace   model.WorkspaceSource
}

// Sandbox is an isolated environment handle returned by a
// SandboxProvider. Destroy must be idempotent.
type Sandbox struct {
	ID   string
	Path string
}

// SandboxProvider creates and destroys the isolated environment an agent
// runs in. Sandboxing policy itself is out of scope; this interface is
// the seam.
type SandboxProvider interface {
	CreateSandbox(ctx context.Context, cfg SandboxConfig) (*Sandbox, error)
	DestroySandbox(ctx context.Context, sb *Sandbox) error
}

// Snapshotter captures VCS state into a model.Snapshot after the agent
// has modified the workspace.
type Snapshotter struct {
	Capture func(ctx context.Context, workspacePath string, before model.BeforeState) (*model.Snapshot, error)
}

// VCS is the subset of version-control operations the orchestrator
// needs directly (outside of snapshot capture): reading before-state and
// branch/PR bookkeeping.
type VCS interface {
	CaptureBeforeState(ctx context.Context, workspacePath string) (model.BeforeState, error)
	Capture(ctx context.Context, workspacePath string, before model.BeforeState, workOrderID string, iteration int) (*model.Snapshot, error)
}

// GatePlan is the ordered set of gates the Verifier/Gate Pipeline
// evaluate for a run.
type GatePlan struct {
	Gates []model.Gate
}

// Verifier runs verification levels (L0-L3) against a snapshot and
// returns a report. Real L0-L3 execution is out of scope; this is the
// seam, and CommandVerifier is the reference implementation (one shell
// command per level).
type Verifier interface {
	Verify(ctx context.Context, snapshot *model.Snapshot, plan GatePlan) (*model.VerificationReport, error)
}

// GateRunnerContext is passed to a GateRunner.
type GateRunnerContext struct {
	GateName string
	Run      *model.Run
	Snapshot *model.Snapshot
	Report   *model.VerificationReport
	Prior    []model.GateResult
}

// GateRunner evaluates one gate and returns its result plus, on failure,
// feedback text to surface to the next Build.
type GateRunner interface {
	Evaluate(ctx context.Context, gc GateRunnerContext, gate model.Gate) (model.GateResult, string, error)
}
