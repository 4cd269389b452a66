// Package tools defines the tool interface and the registry the agent
// exposes to the model.
package tools

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/haasonsaas/claw/pkg/models"
)

// Result is the outcome of one tool execution. IsError results are fed back
// to the model as failed tool_result blocks, not surfaced as run errors.
type Result struct {
	Content string
	IsError bool
}

// Errorf builds an error result.
func Errorf(format string, args ...any) *Result {
	msg := fmt.Sprintf(format, args...)
	payload, err := json.Marshal(map[string]string{"error": msg})
	if err != nil {
		return &Result{Content: msg, IsError: true}
	}
	return &Result{Content: string(payload), IsError: true}
}

// JSONResult encodes payload as an indented JSON result.
func JSONResult(payload any) *Result {
	encoded, err := json.MarshalIndent(payload, "", "  ")
	if err != nil {
		return Errorf("encode result: %v", err)
	}
	return &Result{Content: string(encoded)}
}

// Invocation carries the call context a tool may consult: which session is
// running, where the workspace is, and how deep in the spawn tree we are.
type Invocation struct {
	SessionKey models.SessionKey
	ChatType   models.ChatType
	Workspace  string
	SpawnDepth int
}

// Tool is one callable capability.
type Tool interface {
	Name() string
	Description() string
	Schema() json.RawMessage
	Execute(ctx context.Context, params json.RawMessage, inv *Invocation) (*Result, error)
}
