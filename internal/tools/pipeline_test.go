package tools

import (
	"context"
	"encoding/json"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/haasonsaas/claw/internal/tools/policy"
	"github.com/haasonsaas/claw/pkg/models"
)

type fakeTool struct {
	name    string
	schema  string
	execute func(ctx context.Context, params json.RawMessage, inv *Invocation) (*Result, error)
}

func (t *fakeTool) Name() string            { return t.name }
func (t *fakeTool) Description() string     { return "test tool" }
func (t *fakeTool) Schema() json.RawMessage { return json.RawMessage(t.schema) }
func (t *fakeTool) Execute(ctx context.Context, params json.RawMessage, inv *Invocation) (*Result, error) {
	if t.execute != nil {
		return t.execute(ctx, params, inv)
	}
	return &Result{Content: "ok"}, nil
}

func echoSchema() string {
	return `{"type":"object","properties":{"msg":{"type":"string"}},"required":["msg"]}`
}

func newTestPipeline(t *testing.T, pol policy.Policy, toolset ...Tool) *Pipeline {
	t.Helper()
	reg := NewRegistry()
	for _, tool := range toolset {
		if err := reg.Register(tool); err != nil {
			t.Fatalf("register %s: %v", tool.Name(), err)
		}
	}
	sandbox := &policy.Sandbox{Root: t.TempDir()}
	return NewPipeline(reg, sandbox, time.Second, func(*Invocation) policy.Policy { return pol })
}

func TestPipelineExecutes(t *testing.T) {
	p := newTestPipeline(t, policy.Policy{Profile: policy.ProfileFull},
		&fakeTool{name: "echo", schema: echoSchema()})

	res, err := p.Execute(context.Background(), "echo", json.RawMessage(`{"msg":"hi"}`), &Invocation{})
	if err != nil {
		t.Fatalf("Execute: %v", err)
	}
	if res.IsError || res.Content != "ok" {
		t.Errorf("result = %+v", res)
	}
}

func TestPipelineRejectsUnknownTool(t *testing.T) {
	p := newTestPipeline(t, policy.Policy{Profile: policy.ProfileFull})
	res, err := p.Execute(context.Background(), "nope", nil, &Invocation{})
	if err != nil {
		t.Fatalf("Execute: %v", err)
	}
	if !res.IsError {
		t.Error("unknown tool did not produce an error result")
	}
}

func TestPipelineEnforcesPolicy(t *testing.T) {
	p := newTestPipeline(t, policy.Policy{Profile: policy.ProfileMinimal},
		&fakeTool{name: "echo", schema: echoSchema()})
	res, err := p.Execute(context.Background(), "echo", json.RawMessage(`{"msg":"hi"}`), &Invocation{})
	if err != nil {
		t.Fatalf("Execute: %v", err)
	}
	if !res.IsError || !strings.Contains(res.Content, "not permitted") {
		t.Errorf("result = %+v", res)
	}
}

func TestPipelineValidatesSchema(t *testing.T) {
	p := newTestPipeline(t, policy.Policy{Profile: policy.ProfileFull},
		&fakeTool{name: "echo", schema: echoSchema()})
	res, err := p.Execute(context.Background(), "echo", json.RawMessage(`{"msg":7}`), &Invocation{})
	if err != nil {
		t.Fatalf("Execute: %v", err)
	}
	if !res.IsError {
		t.Error("schema violation did not produce an error result")
	}
}

func TestPipelineScreensCommands(t *testing.T) {
	p := newTestPipeline(t, policy.Policy{Profile: policy.ProfileFull},
		&fakeTool{name: "run", schema: `{"type":"object","properties":{"command":{"type":"string"}},"required":["command"]}`})
	res, err := p.Execute(context.Background(), "run", json.RawMessage(`{"command":"rm -rf /"}`), &Invocation{})
	if err != nil {
		t.Fatalf("Execute: %v", err)
	}
	if !res.IsError || !strings.Contains(res.Content, "dangerous_pattern") {
		t.Errorf("result = %+v", res)
	}
}

type vetoHook struct {
	calls  int
	reject bool
}

func (h *vetoHook) Before(_ context.Context, _ string, _ json.RawMessage, _ *Invocation) error {
	h.calls++
	if h.reject {
		return errors.New("vetoed")
	}
	return nil
}
func (h *vetoHook) After(_ context.Context, _ string, _ *Result, _ error) {}

func TestPipelineHooksVeto(t *testing.T) {
	p := newTestPipeline(t, policy.Policy{Profile: policy.ProfileFull},
		&fakeTool{name: "echo", schema: echoSchema()})
	hook := &vetoHook{reject: true}
	p.AddHook(hook)

	res, err := p.Execute(context.Background(), "echo", json.RawMessage(`{"msg":"hi"}`), &Invocation{})
	if err != nil {
		t.Fatalf("Execute: %v", err)
	}
	if !res.IsError || hook.calls != 1 {
		t.Errorf("result = %+v, hook calls = %d", res, hook.calls)
	}
}

func TestPipelineTimesOut(t *testing.T) {
	reg := NewRegistry()
	slow := &fakeTool{name: "slow", schema: `{"type":"object"}`,
		execute: func(ctx context.Context, _ json.RawMessage, _ *Invocation) (*Result, error) {
			<-ctx.Done()
			return nil, ctx.Err()
		}}
	if err := reg.Register(slow); err != nil {
		t.Fatal(err)
	}
	p := NewPipeline(reg, &policy.Sandbox{Root: t.TempDir()}, 20*time.Millisecond,
		func(*Invocation) policy.Policy { return policy.Policy{Profile: policy.ProfileFull} })

	res, err := p.Execute(context.Background(), "slow", nil, &Invocation{})
	if err != nil {
		t.Fatalf("Execute: %v", err)
	}
	if !res.IsError || !strings.Contains(res.Content, "timed out") {
		t.Errorf("result = %+v", res)
	}
}

func TestAllowedFiltersByChatType(t *testing.T) {
	reg := NewRegistry()
	for _, name := range []string{"clock", "exec"} {
		if err := reg.Register(&fakeTool{name: name, schema: `{"type":"object"}`}); err != nil {
			t.Fatal(err)
		}
	}
	policyFn := PolicyFromConfig(policy.ProfileFull, nil, nil, map[models.ChatType]policy.Policy{
		models.ChatGroup: {Deny: []string{"exec"}},
	})
	p := NewPipeline(reg, &policy.Sandbox{Root: t.TempDir()}, time.Second, policyFn)

	direct := p.Allowed(&Invocation{ChatType: models.ChatDirect})
	if len(direct) != 2 {
		t.Errorf("direct chat sees %d tools", len(direct))
	}
	group := p.Allowed(&Invocation{ChatType: models.ChatGroup})
	if len(group) != 1 || group[0].Name() != "clock" {
		t.Errorf("group chat tools = %v", names(group))
	}
}

func names(ts []Tool) []string {
	var out []string
	for _, t := range ts {
		out = append(out, t.Name())
	}
	return out
}
