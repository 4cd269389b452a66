package tools

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/haasonsaas/claw/internal/tools/policy"
	"github.com/haasonsaas/claw/pkg/models"
)

// Hook observes tool execution. Before may veto a call by returning an
// error; After sees the result and cannot change it.
type Hook interface {
	Before(ctx context.Context, name string, params json.RawMessage, inv *Invocation) error
	After(ctx context.Context, name string, result *Result, err error)
}

// Pipeline runs every tool call through the same gate sequence: existence,
// policy, schema, command screening, hooks, then execution under a timeout.
// A gate rejection becomes an IsError result the model can react to.
type Pipeline struct {
	registry *Registry
	policyFn func(inv *Invocation) policy.Policy
	sandbox  *policy.Sandbox
	timeout  time.Duration
	hooks    []Hook
	log      *slog.Logger
}

// NewPipeline wires the pipeline. policyFn resolves the effective policy
// for an invocation (base config plus chat-type overrides).
func NewPipeline(registry *Registry, sandbox *policy.Sandbox, timeout time.Duration, policyFn func(inv *Invocation) policy.Policy) *Pipeline {
	if timeout <= 0 {
		timeout = 60 * time.Second
	}
	return &Pipeline{
		registry: registry,
		policyFn: policyFn,
		sandbox:  sandbox,
		timeout:  timeout,
		log:      slog.With("component", "tools"),
	}
}

// AddHook appends a hook. Hooks run in registration order.
func (p *Pipeline) AddHook(h Hook) { p.hooks = append(p.hooks, h) }

// Sandbox exposes the pipeline's sandbox for tools that resolve paths.
func (p *Pipeline) Sandbox() *policy.Sandbox { return p.sandbox }

// Allowed lists the tool names the invocation's policy permits.
func (p *Pipeline) Allowed(inv *Invocation) []Tool {
	pol := p.policyFn(inv)
	var out []Tool
	for _, t := range p.registry.List() {
		if pol.Allows(t.Name()) {
			out = append(out, t)
		}
	}
	return out
}

// Execute runs one tool call through the gates. The returned error is only
// non-nil for infrastructure failures; tool and gate failures come back as
// IsError results.
func (p *Pipeline) Execute(ctx context.Context, name string, params json.RawMessage, inv *Invocation) (*Result, error) {
	tool, ok := p.registry.Get(name)
	if !ok {
		return Errorf("unknown tool %q", name), nil
	}

	pol := p.policyFn(inv)
	if !pol.Allows(name) {
		p.log.Warn("tool denied by policy", "tool", name, "session", inv.SessionKey.Hash())
		return Errorf("tool %q not permitted in this session", name), nil
	}

	if err := p.registry.Validate(name, params); err != nil {
		return Errorf("invalid parameters: %v", err), nil
	}

	if cmd := extractCommand(params); cmd != "" {
		if reason, ok := policy.ScreenCommand(cmd); !ok {
			p.log.Warn("tool call blocked", "tool", name, "reason", reason)
			return Errorf("command blocked: %s", reason), nil
		}
	}

	for _, h := range p.hooks {
		if err := h.Before(ctx, name, params, inv); err != nil {
			return Errorf("call rejected: %v", err), nil
		}
	}

	execCtx, cancel := context.WithTimeout(ctx, p.timeout)
	defer cancel()

	start := time.Now()
	result, err := tool.Execute(execCtx, params, inv)
	elapsed := time.Since(start)

	for _, h := range p.hooks {
		h.After(ctx, name, result, err)
	}

	if err != nil {
		p.log.Error("tool execution failed", "tool", name, "err", err, "elapsed", elapsed)
		if execCtx.Err() == context.DeadlineExceeded {
			return Errorf("tool %q timed out after %s", name, p.timeout), nil
		}
		return nil, fmt.Errorf("execute %s: %w", name, err)
	}
	if result == nil {
		result = &Result{}
	}
	p.log.Debug("tool executed", "tool", name, "elapsed", elapsed, "is_error", result.IsError)
	return result, nil
}

// extractCommand pulls a shell command out of tool params when present.
func extractCommand(params json.RawMessage) string {
	var probe struct {
		Command string `json:"command"`
	}
	if err := json.Unmarshal(params, &probe); err != nil {
		return ""
	}
	return probe.Command
}

// PolicyFromConfig builds a policy resolver closure from static settings.
func PolicyFromConfig(profile string, allow, deny []string, byChatType map[models.ChatType]policy.Policy) func(inv *Invocation) policy.Policy {
	base := policy.Policy{Profile: profile, Allow: allow, Deny: deny}
	return func(inv *Invocation) policy.Policy {
		if override, ok := byChatType[inv.ChatType]; ok {
			return base.Merge(override.Allow, override.Deny)
		}
		return base
	}
}
