// Package builtin holds the tools shipped with the daemon.
package builtin

import (
	"context"
	"encoding/json"
	"time"

	"github.com/haasonsaas/claw/internal/tools"
)

// ClockTool reports the current time.
type ClockTool struct {
	now func() time.Time
}

// NewClockTool creates the clock tool.
func NewClockTool() *ClockTool {
	return &ClockTool{now: time.Now}
}

func (t *ClockTool) Name() string { return "clock" }

func (t *ClockTool) Description() string {
	return "Get the current date and time, optionally in a specific IANA timezone."
}

func (t *ClockTool) Schema() json.RawMessage {
	return json.RawMessage(`{
		"type": "object",
		"properties": {
			"timezone": {
				"type": "string",
				"description": "IANA timezone name (default: local)."
			}
		}
	}`)
}

func (t *ClockTool) Execute(_ context.Context, params json.RawMessage, _ *tools.Invocation) (*tools.Result, error) {
	var input struct {
		Timezone string `json:"timezone"`
	}
	if len(params) > 0 {
		if err := json.Unmarshal(params, &input); err != nil {
			return tools.Errorf("invalid parameters: %v", err), nil
		}
	}

	now := t.now()
	if input.Timezone != "" {
		loc, err := time.LoadLocation(input.Timezone)
		if err != nil {
			return tools.Errorf("unknown timezone %q", input.Timezone), nil
		}
		now = now.In(loc)
	}

	return tools.JSONResult(map[string]any{
		"iso":      now.Format(time.RFC3339),
		"unix":     now.Unix(),
		"timezone": now.Location().String(),
		"weekday":  now.Weekday().String(),
	}), nil
}
