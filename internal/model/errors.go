package model

import "strings"

// ErrorCode is the taxonomy of §7: every error AgentGate classifies
// carries one of these codes plus structured details.
type ErrorCode string

const (
	// Retryable (transient).
	CodeOOMKilled           ErrorCode = "OOM_KILLED"
	CodeTimeout             ErrorCode = "TIMEOUT"
	CodeNetworkError        ErrorCode = "NETWORK_ERROR"
	CodeSandboxCreationFailed ErrorCode = "SANDBOX_CREATION_FAILED"

	// Non-retryable.
	CodeInvalidWorkOrder ErrorCode = "INVALID_WORK_ORDER"
	CodeAgentFatalError  ErrorCode = "AGENT_FATAL_ERROR"
	CodeCancelled        ErrorCode = "CANCELLED"

	// Build-class.
	CodeAgentCrash       ErrorCode = "AGENT_CRASH"
	CodeAgentTimeout     ErrorCode = "AGENT_TIMEOUT"
	CodeAgentTaskFailure ErrorCode = "AGENT_TASK_FAILURE"

	// Verification-class.
	CodeTypecheckFailed ErrorCode = "TYPECHECK_FAILED"
	CodeLintFailed      ErrorCode = "LINT_FAILED"
	CodeTestFailed      ErrorCode = "TEST_FAILED"
	CodeBlackboxFailed  ErrorCode = "BLACKBOX_FAILED"
	CodeCIFailed        ErrorCode = "CI_FAILED"

	// Infrastructure.
	CodeWorkspaceError ErrorCode = "WORKSPACE_ERROR"
	CodeSnapshotError  ErrorCode = "SNAPSHOT_ERROR"
	CodeGitHubError    ErrorCode = "GITHUB_ERROR"
	CodeSystemError    ErrorCode = "SYSTEM_ERROR"
	CodeUnknown        ErrorCode = "UNKNOWN"
)

// retryable is the fixed set of codes the Retry Manager will act on.
var retryable = map[ErrorCode]bool{
	CodeOOMKilled:             true,
	CodeTimeout:               true,
	CodeNetworkError:          true,
	CodeSandboxCreationFailed: true,
}

// IsRetryable reports whether the Retry Manager should ever schedule a
// retry for this code.
func (c ErrorCode) IsRetryable() bool {
	return retryable[c]
}

// Classify inspects an exit code and message/stderr text and returns the
// ErrorCode from §7's taxonomy that best matches. It never returns an
// empty code; unmatched cases fall back to CodeUnknown.
func Classify(exitCode int, message string) ErrorCode {
	lower := strings.ToLower(message)

	if exitCode == 137 || exitCode == -1 || strings.Contains(lower, "out of memory") || strings.Contains(lower, "oom") {
		return CodeOOMKilled
	}
	if strings.Contains(lower, "timeout") || strings.Contains(lower, "timed out") {
		return CodeTimeout
	}
	if strings.Contains(lower, "econnrefused") || strings.Contains(lower, "enotfound") || strings.Contains(lower, "network") {
		return CodeNetworkError
	}
	if strings.Contains(lower, "sandbox") || strings.Contains(lower, "container") {
		return CodeSandboxCreationFailed
	}
	if exitCode != 0 {
		return CodeAgentCrash
	}
	return CodeUnknown
}

// NewErrorDetail builds a populated ErrorDetail, guaranteeing the
// invariant that a failure's details are never empty.
func NewErrorDetail(code ErrorCode, message string, exitCode *int, context map[string]any) *ErrorDetail {
	if message == "" {
		message = string(code)
	}
	return &ErrorDetail{
		Code:           string(code),
		Message:        message,
		Classification: string(code),
		ExitCode:       exitCode,
		Context:        context,
	}
}
