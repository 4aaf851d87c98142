package tools

import (
	"context"
	"fmt"
	"os/exec"
	"strings"
	"time"
)

const (
	shellTimeout   = 30 * time.Second
	maxShellOutput = 100 * 1024
)

// ShellTool runs a command under bash inside the sandbox policy.
type ShellTool struct {
	sandbox *Sandbox
}

func NewShellTool(sandbox *Sandbox) *ShellTool {
	return &ShellTool{sandbox: sandbox}
}

func (t *ShellTool) Name() string { return "shell" }

func (t *ShellTool) Description() string {
	return "Run a shell command in the agent workspace. Output is captured; long-running commands time out after 30 seconds."
}

func (t *ShellTool) Parameters() map[string]interface{} {
	return map[string]interface{}{
		"type": "object",
		"properties": map[string]interface{}{
			"command": map[string]interface{}{
				"type":        "string",
				"description": "The shell command to run",
			},
		},
		"required": []string{"command"},
	}
}

func (t *ShellTool) Metadata() Metadata {
	return Metadata{Destructive: true}
}

func (t *ShellTool) Execute(ctx context.Context, args map[string]interface{}) *Result {
	command, _ := args["command"].(string)
	command = strings.TrimSpace(command)
	if command == "" {
		return ErrorResult("Error: command is required")
	}

	// Background execution is not supported; normalize to foreground.
	command = strings.TrimSuffix(command, "&")
	command = strings.TrimSpace(command)
	command = strings.TrimPrefix(command, "nohup ")

	if reason := t.sandbox.CheckCommand(command); reason != "" {
		return ErrorResult("Error: " + reason)
	}

	ctx, cancel := context.WithTimeout(ctx, shellTimeout)
	defer cancel()

	cmd := exec.CommandContext(ctx, "bash", "-c", command)
	cmd.Dir = t.sandbox.Workspace

	out, err := cmd.CombinedOutput()
	output := string(out)
	if len(output) > maxShellOutput {
		output = output[:maxShellOutput] + "\n... (output truncated at 100KB)"
	}

	if ctx.Err() == context.DeadlineExceeded {
		return ErrorResult(fmt.Sprintf("Error: command timed out after %s\n%s", shellTimeout, output))
	}
	if err != nil {
		if output == "" {
			return ErrorResult(fmt.Sprintf("Error: %v", err))
		}
		return ErrorResult(fmt.Sprintf("Exit error: %v\n%s", err, output))
	}
	if output == "" {
		return NewResult("(no output)")
	}
	return NewResult(output)
}
