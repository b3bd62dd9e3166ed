package tools

import (
	"bytes"
	"context"
	"fmt"
	"os/exec"
	"time"
)

const (
	execDefaultTimeout = 60 * time.Second
	execMaxOutput      = 64 * 1024
)

// ExecTool runs shell commands in the workspace.
type ExecTool struct {
	workspace string
}

func NewExecTool(workspace string) *ExecTool {
	return &ExecTool{workspace: workspace}
}

func (t *ExecTool) Name() string { return "exec" }

func (t *ExecTool) Description() string {
	return "Run a shell command in the workspace and return its output."
}

func (t *ExecTool) Parameters() map[string]any {
	return map[string]any{
		"type": "object",
		"properties": map[string]any{
			"command": map[string]any{
				"type":        "string",
				"description": "Shell command to run",
			},
			"timeoutSeconds": map[string]any{
				"type":        "number",
				"description": "Kill the command after this many seconds (default 60)",
			},
		},
		"required": []string{"command"},
	}
}

func (t *ExecTool) Execute(ctx context.Context, args map[string]any) (*Result, error) {
	command, _ := args["command"].(string)
	if command == "" {
		return ErrorResult("command is required"), nil
	}

	timeout := execDefaultTimeout
	if secs, ok := args["timeoutSeconds"].(float64); ok && secs > 0 {
		timeout = time.Duration(secs * float64(time.Second))
	}
	execCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	cmd := exec.CommandContext(execCtx, "sh", "-c", command)
	cmd.Dir = t.workspace
	var buf bytes.Buffer
	cmd.Stdout = &buf
	cmd.Stderr = &buf

	err := cmd.Run()
	out := buf.String()
	if len(out) > execMaxOutput {
		out = out[:execMaxOutput] + "\n[output truncated]"
	}

	switch {
	case execCtx.Err() == context.DeadlineExceeded:
		return ErrorResult(fmt.Sprintf("command timed out after %s\n%s", timeout, out)), nil
	case err != nil:
		return ErrorResult(fmt.Sprintf("command failed: %v\n%s", err, out)), nil
	}
	return TextResult(out), nil
}
