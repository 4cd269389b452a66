package builtin

import (
	"context"
	"encoding/json"
	"strings"

	"github.com/haasonsaas/claw/internal/tools"
)

// Spawner launches a sub-agent run for a task and returns a JSON announce
// document (session, status, summary). The agent runtime implements this;
// the indirection keeps the tool package free of a runtime dependency.
type Spawner interface {
	Spawn(ctx context.Context, inv *tools.Invocation, task, label string) (string, error)
}

// SpawnTool delegates a task to a fresh sub-agent session.
type SpawnTool struct {
	spawner  Spawner
	maxDepth int
}

// NewSpawnTool creates the spawn tool. maxDepth bounds the spawn tree.
func NewSpawnTool(spawner Spawner, maxDepth int) *SpawnTool {
	if maxDepth <= 0 {
		maxDepth = 2
	}
	return &SpawnTool{spawner: spawner, maxDepth: maxDepth}
}

func (t *SpawnTool) Name() string { return "spawn" }

func (t *SpawnTool) Description() string {
	return "Delegate a task to a sub-agent running in its own session; returns the sub-agent's summary."
}

func (t *SpawnTool) Schema() json.RawMessage {
	return json.RawMessage(`{
		"type": "object",
		"properties": {
			"task": {"type": "string", "description": "Task for the sub-agent."},
			"label": {"type": "string", "description": "Short label for the sub-agent session."}
		},
		"required": ["task"]
	}`)
}

func (t *SpawnTool) Execute(ctx context.Context, params json.RawMessage, inv *tools.Invocation) (*tools.Result, error) {
	var input struct {
		Task  string `json:"task"`
		Label string `json:"label"`
	}
	if err := json.Unmarshal(params, &input); err != nil {
		return tools.Errorf("invalid parameters: %v", err), nil
	}
	if strings.TrimSpace(input.Task) == "" {
		return tools.Errorf("task is required"), nil
	}
	if inv.SpawnDepth >= t.maxDepth {
		return tools.Errorf("spawn depth limit reached (%d)", t.maxDepth), nil
	}

	announce, err := t.spawner.Spawn(ctx, inv, input.Task, input.Label)
	if err != nil {
		return tools.Errorf("sub-agent failed: %v", err), nil
	}
	return &tools.Result{Content: announce}, nil
}
