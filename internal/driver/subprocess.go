package driver

import (
	"bytes"
	"context"
	"os/exec"
	"strings"
	"time"

	"github.com/google/uuid"
)

// SubprocessAgentDriver is the default/dev AgentDriver: it runs a
// configured shell command in the work order's workspace and feeds the
// task prompt (plus any feedback) to it over stdin, grounded on the
// teacher's subprocess-execution style in pkg/tool/commandtool.
type SubprocessAgentDriver struct {
	// Command is the executable to invoke, e.g. "claude" or "codex".
	Command string
	// Args are passed verbatim after Command.
	Args []string
}

// Run implements AgentDriver.
func (d *SubprocessAgentDriver) Run(ctx context.Context, in AgentRunInput) (AgentRunResult, error) {
	timeout := in.Timeout
	if timeout <= 0 {
		timeout = 30 * time.Minute
	}
	runCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	cmd := exec.CommandContext(runCtx, d.Command, d.Args...)
	cmd.Dir = in.WorkspacePath

	prompt := in.TaskPrompt
	if in.Feedback != "" {
		prompt = prompt + "\n\n## Feedback from prior iteration\n" + in.Feedback
	}
	cmd.Stdin = strings.NewReader(prompt)

	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	err := cmd.Run()

	exitCode := 0
	if err != nil {
		if exitErr, ok := err.(*exec.ExitError); ok {
			exitCode = exitErr.ExitCode()
		} else if runCtx.Err() != nil {
			exitCode = -1
		} else {
			return AgentRunResult{}, err
		}
	}

	return AgentRunResult{
		Success:    exitCode == 0,
		ExitCode:   exitCode,
		Stdout:     stdout.String(),
		Stderr:     stderr.String(),
		SessionID:  uuid.NewString(),
		TokensUsed: 0,
	}, nil
}
