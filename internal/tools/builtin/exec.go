package builtin

import (
	"bytes"
	"context"
	"encoding/json"
	"os/exec"
	"strings"

	"github.com/haasonsaas/claw/internal/tools"
	"github.com/haasonsaas/claw/internal/tools/policy"
)

const maxExecOutput = 100_000

// ExecTool runs shell commands in the workspace. The pipeline screens the
// command before it reaches Execute; the timeout comes from the pipeline's
// context.
type ExecTool struct {
	sandbox *policy.Sandbox
}

// NewExecTool creates the exec tool.
func NewExecTool(sandbox *policy.Sandbox) *ExecTool {
	return &ExecTool{sandbox: sandbox}
}

func (t *ExecTool) Name() string { return "exec" }

func (t *ExecTool) Description() string {
	return "Run a shell command in the workspace and return its output and exit code."
}

func (t *ExecTool) Schema() json.RawMessage {
	return json.RawMessage(`{
		"type": "object",
		"properties": {
			"command": {"type": "string", "description": "Shell command to run."},
			"cwd": {"type": "string", "description": "Working directory relative to the workspace."}
		},
		"required": ["command"]
	}`)
}

func (t *ExecTool) Execute(ctx context.Context, params json.RawMessage, _ *tools.Invocation) (*tools.Result, error) {
	var input struct {
		Command string `json:"command"`
		Cwd     string `json:"cwd"`
	}
	if err := json.Unmarshal(params, &input); err != nil {
		return tools.Errorf("invalid parameters: %v", err), nil
	}
	if strings.TrimSpace(input.Command) == "" {
		return tools.Errorf("command is required"), nil
	}

	dir := "."
	if input.Cwd != "" {
		dir = input.Cwd
	}
	cwd, err := t.sandbox.ResolvePath(dir)
	if err != nil {
		return tools.Errorf("%v", err), nil
	}

	cmd := exec.CommandContext(ctx, "sh", "-c", input.Command)
	cmd.Dir = cwd
	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	runErr := cmd.Run()
	exitCode := 0
	if runErr != nil {
		if exitErr, ok := runErr.(*exec.ExitError); ok {
			exitCode = exitErr.ExitCode()
		} else if ctx.Err() != nil {
			return tools.Errorf("command cancelled: %v", ctx.Err()), nil
		} else {
			return tools.Errorf("start command: %v", runErr), nil
		}
	}

	return tools.JSONResult(map[string]any{
		"exit_code": exitCode,
		"stdout":    truncate(stdout.String(), maxExecOutput),
		"stderr":    truncate(stderr.String(), maxExecOutput),
	}), nil
}

func truncate(s string, max int) string {
	if len(s) <= max {
		return s
	}
	return s[:max] + "\n[truncated]"
}
