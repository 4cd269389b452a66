// Package agent runs the LLM tool loop: it turns an inbound message into a
// validated transcript batch plus a typed event stream, executing tool
// calls between model iterations.
package agent

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/haasonsaas/claw/internal/providers"
	"github.com/haasonsaas/claw/internal/sessions"
	"github.com/haasonsaas/claw/internal/tools"
	"github.com/haasonsaas/claw/pkg/models"
)

// ErrBusy is returned when a session already has a run in flight and send
// queuing is disabled.
var ErrBusy = errors.New("agent: session busy")

// Completer abstracts the provider resolver for the runtime.
type Completer interface {
	Complete(ctx context.Context, req *providers.CompletionRequest, fallbacks []string) (<-chan *providers.Chunk, string, error)
}

// Options is the runtime tuning snapshot, re-read per turn so config
// reloads apply to the next run.
type Options struct {
	Model            string
	FallbackChain    []string
	MaxIterations    int
	MaxTokens        int
	OverflowAttempts int
	Compaction       CompactionConfig

	QueueSends  bool
	LockTimeout time.Duration

	MaxSpawnDepth    int
	SpawnConcurrency int
}

// DefaultOptions mirrors the configuration defaults.
func DefaultOptions() Options {
	return Options{
		MaxIterations:    10,
		MaxTokens:        4096,
		OverflowAttempts: 3,
		Compaction:       DefaultCompactionConfig(),
		LockTimeout:      30 * time.Second,
		MaxSpawnDepth:    2,
		SpawnConcurrency: 2,
	}
}

// Runtime drives agent turns over the session store.
type Runtime struct {
	optsFn   func() Options
	store    *sessions.Store
	locker   *sessions.Locker
	pipeline *tools.Pipeline
	llm      Completer
	prompt   *PromptSource
	runs     *RunRegistry

	base     context.Context
	spawnSem chan struct{}
	log      *slog.Logger
}

// NewRuntime wires the runtime. base bounds the lifetime of all runs;
// cancelling it aborts everything.
func NewRuntime(base context.Context, store *sessions.Store, locker *sessions.Locker, pipeline *tools.Pipeline, llm Completer, prompt *PromptSource, optsFn func() Options) *Runtime {
	if base == nil {
		base = context.Background()
	}
	if optsFn == nil {
		optsFn = DefaultOptions
	}
	opts := optsFn()
	concurrency := opts.SpawnConcurrency
	if concurrency <= 0 {
		concurrency = 2
	}
	return &Runtime{
		optsFn:   optsFn,
		store:    store,
		locker:   locker,
		pipeline: pipeline,
		llm:      llm,
		prompt:   prompt,
		runs:     NewRunRegistry(),
		base:     base,
		spawnSem: make(chan struct{}, concurrency),
		log:      slog.With("component", "agent"),
	}
}

// Runs exposes the run registry for abort/status/wait.
func (r *Runtime) Runs() *RunRegistry { return r.runs }

// Submit starts a turn for the session identified by key. The returned Run
// is already registered; events flow to sink until the run finishes. When
// the session is busy and queuing is off, Submit fails with ErrBusy without
// touching the transcript.
func (r *Runtime) Submit(ctx context.Context, key models.SessionKey, text, channel string, sink EventSink) (*Run, error) {
	if sink == nil {
		sink = NopSink{}
	}
	opts := r.optsFn()
	hash := key.Hash()

	if _, _, err := r.store.GetOrCreate(key); err != nil {
		return nil, fmt.Errorf("open session: %w", err)
	}

	var release func()
	var err error
	if opts.QueueSends {
		release, err = r.locker.Acquire(ctx, hash, opts.LockTimeout)
		if errors.Is(err, sessions.ErrLockTimeout) {
			return nil, ErrBusy
		}
	} else {
		release, err = r.locker.TryAcquire(hash)
		if errors.Is(err, sessions.ErrLockHeld) {
			return nil, ErrBusy
		}
	}
	if err != nil {
		return nil, err
	}

	runCtx, cancel := context.WithCancel(r.base)
	run := r.runs.newRun(hash, cancel)
	go func() {
		defer release()
		defer cancel()
		r.runTurn(runCtx, run, key, text, channel, opts, sink)
	}()
	return run, nil
}

// runTurn executes the full tool loop for one inbound message.
func (r *Runtime) runTurn(ctx context.Context, run *Run, key models.SessionKey, text, channel string, opts Options, sink EventSink) {
	hash := key.Hash()
	log := r.log.With("session", hash, "run", run.ID)

	fail := func(kind, msg string) {
		// A cancellation leaves a marker on the transcript so the next turn
		// sees the conversation was cut short. Best effort; the run still
		// finishes when the append fails.
		if kind == models.ErrKindCancelled {
			data, _ := json.Marshal(map[string]string{"message": msg})
			if err := r.store.Append(hash, []models.TranscriptEntry{
				models.SystemEntry("cancelled", data, time.Now().UTC()),
			}, channel); err != nil {
				log.Warn("recording cancellation failed", "err", err)
			}
		}
		sink.Emit(ctx, models.AgentEvent{
			Type: models.EventError, Session: hash, RunID: run.ID,
			ErrKind: kind, Message: msg,
		})
		status := models.RunFailed
		if kind == models.ErrKindCancelled {
			status = models.RunCancelled
		}
		run.finish(status, "", kind, msg)
	}

	if err := r.store.Append(hash, []models.TranscriptEntry{models.UserEntry(text, time.Now().UTC())}, channel); err != nil {
		log.Error("persist user entry failed", "err", err)
		fail(models.ErrKindPersist, err.Error())
		return
	}

	entries, err := r.store.ReadTranscript(hash)
	if err != nil {
		fail(models.ErrKindPersist, err.Error())
		return
	}

	meta, err := r.store.Get(hash)
	if err != nil {
		fail(models.ErrKindInternal, err.Error())
		return
	}
	model := opts.Model
	if meta.ModelOverride != "" {
		model = meta.ModelOverride
	}
	thinkingBudget := thinkingBudgetFor(meta.ThinkingLevel)

	inv := &tools.Invocation{
		SessionKey: key,
		ChatType:   key.ChatType,
		Workspace:  r.pipeline.Sandbox().Root,
		SpawnDepth: meta.SpawnDepth,
	}
	toolDefs := r.toolDefs(inv)

	iterations := 0
	overflowStage := 0
	msgs := toProviderMessages(entries)

	for {
		if ctx.Err() != nil {
			fail(models.ErrKindCancelled, "run aborted")
			return
		}

		req := &providers.CompletionRequest{
			Model:          model,
			System:         r.systemPrompt(),
			Messages:       msgs,
			Tools:          toolDefs,
			MaxTokens:      opts.MaxTokens,
			ThinkingBudget: thinkingBudget,
		}

		chunks, servedBy, err := r.llm.Complete(ctx, req, opts.FallbackChain)
		if errors.Is(err, providers.ErrContextOverflow) {
			overflowStage++
			if overflowStage > opts.OverflowAttempts {
				fail(models.ErrKindContextOverflow, "transcript cannot be compacted below the context window")
				return
			}
			compacted, changed := CompactWith(entries, overflowStage, opts.Compaction,
				r.prefixSummarizer(ctx, model, opts))
			if changed {
				if err := r.store.ReplaceTranscript(hash, compacted); err != nil {
					fail(models.ErrKindPersist, err.Error())
					return
				}
				entries = compacted
				msgs = toProviderMessages(entries)
				log.Info("transcript compacted", "stage", overflowStage)
			}
			continue
		}
		if err != nil {
			if ctx.Err() != nil {
				fail(models.ErrKindCancelled, "run aborted")
				return
			}
			fail(models.ErrKindProvider, err.Error())
			return
		}
		iterations++

		turn, streamErr := r.consumeStream(ctx, chunks, hash, run.ID, servedBy, sink)
		if streamErr != nil {
			if ctx.Err() != nil {
				fail(models.ErrKindCancelled, "run aborted")
				return
			}
			fail(models.ErrKindProvider, streamErr.Error())
			return
		}
		log.Debug("model iteration complete", "model", servedBy,
			"stop", turn.stopReason, "tools", len(turn.toolCalls))

		assistant := models.TranscriptEntry{
			Kind:       models.EntryAssistant,
			Timestamp:  time.Now().UTC(),
			Thinking:   turn.thinking,
			StopReason: turn.stopReason,
			Usage:      &models.Usage{InputTokens: turn.inputTokens, OutputTokens: turn.outputTokens},
		}
		if turn.text != "" {
			assistant.Content = []models.ContentBlock{models.TextBlock(turn.text)}
		}

		if turn.stopReason != models.StopToolUse || len(turn.toolCalls) == 0 {
			if err := r.store.Append(hash, []models.TranscriptEntry{assistant}, channel); err != nil {
				fail(models.ErrKindPersist, err.Error())
				return
			}
			sink.Emit(ctx, models.AgentEvent{
				Type: models.EventBlockReply, Session: hash, RunID: run.ID,
				Text: turn.text, IsFinal: true,
			})
			run.finish(models.RunOK, turn.text, "", "")
			return
		}

		// Intermediate text before tool use is delivered but not final.
		if turn.text != "" {
			sink.Emit(ctx, models.AgentEvent{
				Type: models.EventBlockReply, Session: hash, RunID: run.ID,
				Text: turn.text,
			})
		}

		batch := []models.TranscriptEntry{assistant}
		for _, tc := range turn.toolCalls {
			batch = append(batch, models.TranscriptEntry{
				Kind:      models.EntryToolCall,
				Timestamp: time.Now().UTC(),
				Tool:      tc.Name,
				Params:    tc.Input,
				CallID:    tc.ID,
			})
		}
		if err := r.store.Append(hash, batch, channel); err != nil {
			fail(models.ErrKindPersist, err.Error())
			return
		}

		assistantMsg := providers.Message{Role: "assistant", Content: turn.text, ToolCalls: turn.toolCalls}
		resultsMsg := providers.Message{Role: "user"}

		for _, tc := range turn.toolCalls {
			sink.Emit(ctx, models.AgentEvent{
				Type: models.EventToolCall, Session: hash, RunID: run.ID,
				Tool: tc.Name, Params: tc.Input, CallID: tc.ID,
			})

			result, execErr := r.pipeline.Execute(ctx, tc.Name, tc.Input, inv)
			if execErr != nil {
				result = tools.Errorf("tool failed: %v", execErr)
			}

			if err := r.store.Append(hash, []models.TranscriptEntry{{
				Kind:      models.EntryToolResult,
				Timestamp: time.Now().UTC(),
				Tool:      tc.Name,
				CallID:    tc.ID,
				Output:    result.Content,
				IsError:   result.IsError,
			}}, channel); err != nil {
				fail(models.ErrKindPersist, err.Error())
				return
			}
			sink.Emit(ctx, models.AgentEvent{
				Type: models.EventToolResult, Session: hash, RunID: run.ID,
				Tool: tc.Name, CallID: tc.ID, Content: result.Content, IsError: result.IsError,
			})
			resultsMsg.ToolResults = append(resultsMsg.ToolResults, providers.ToolResult{
				CallID: tc.ID, Content: result.Content, IsError: result.IsError,
			})
		}

		msgs = append(msgs, assistantMsg, resultsMsg)
		entries, err = r.store.ReadTranscript(hash)
		if err != nil {
			fail(models.ErrKindPersist, err.Error())
			return
		}

		if iterations >= opts.MaxIterations {
			fail(models.ErrKindInternal, fmt.Sprintf("tool loop exceeded %d iterations", opts.MaxIterations))
			return
		}
	}
}

// turnResult collects one model iteration's output.
type turnResult struct {
	text         string
	thinking     string
	toolCalls    []providers.ToolCall
	stopReason   string
	inputTokens  int
	outputTokens int
}

func (r *Runtime) consumeStream(ctx context.Context, chunks <-chan *providers.Chunk, session, runID, model string, sink EventSink) (*turnResult, error) {
	turn := &turnResult{stopReason: models.StopEndTurn}
	for chunk := range chunks {
		switch {
		case chunk.Err != nil:
			return nil, chunk.Err
		case chunk.Text != "":
			turn.text += chunk.Text
			sink.Emit(ctx, models.AgentEvent{
				Type: models.EventPartialReply, Session: session, RunID: runID,
				Delta: chunk.Text,
			})
		case chunk.Thinking != "":
			turn.thinking += chunk.Thinking
			sink.Emit(ctx, models.AgentEvent{
				Type: models.EventReasoning, Session: session, RunID: runID,
				Reasoning: chunk.Thinking,
			})
		case chunk.ToolCall != nil:
			turn.toolCalls = append(turn.toolCalls, *chunk.ToolCall)
		case chunk.Done:
			turn.stopReason = chunk.StopReason
			turn.inputTokens = chunk.InputTokens
			turn.outputTokens = chunk.OutputTokens
			sink.Emit(ctx, models.AgentEvent{
				Type: models.EventUsage, Session: session, RunID: runID,
				Model: model, InputTokens: chunk.InputTokens, OutputTokens: chunk.OutputTokens,
			})
		}
	}
	if ctx.Err() != nil {
		return nil, ctx.Err()
	}
	return turn, nil
}

// prefixSummarizer condenses a dropped transcript prefix through the same
// provider chain the run uses, so the compacted marker carries a real
// summary. Failures degrade to the count-only marker.
func (r *Runtime) prefixSummarizer(ctx context.Context, model string, opts Options) Summarizer {
	return func(prefix []models.TranscriptEntry) (string, error) {
		msgs := append(toProviderMessages(prefix), providers.Message{
			Role:    "user",
			Content: "Summarize the conversation above in one short paragraph. Keep decisions, open tasks, and facts worth remembering.",
		})
		req := &providers.CompletionRequest{
			Model:     model,
			System:    "You condense chat history into a handoff note.",
			Messages:  msgs,
			MaxTokens: 512,
		}
		chunks, _, err := r.llm.Complete(ctx, req, opts.FallbackChain)
		if err != nil {
			return "", err
		}
		var b strings.Builder
		for chunk := range chunks {
			if chunk.Err != nil {
				return "", chunk.Err
			}
			b.WriteString(chunk.Text)
		}
		return strings.TrimSpace(b.String()), nil
	}
}

func (r *Runtime) systemPrompt() string {
	if r.prompt == nil {
		return ""
	}
	return r.prompt.Build()
}

func (r *Runtime) toolDefs(inv *tools.Invocation) []providers.ToolDef {
	var defs []providers.ToolDef
	for _, t := range r.pipeline.Allowed(inv) {
		defs = append(defs, providers.ToolDef{
			Name:        t.Name(),
			Description: t.Description(),
			Schema:      t.Schema(),
		})
	}
	return defs
}

// toProviderMessages flattens a transcript into provider-neutral history.
// System entries are dropped; tool calls fold into their assistant turn and
// tool results into the following user-side message.
func toProviderMessages(entries []models.TranscriptEntry) []providers.Message {
	var out []providers.Message
	var pendingResults []providers.ToolResult

	flushResults := func() {
		if len(pendingResults) > 0 {
			out = append(out, providers.Message{Role: "user", ToolResults: pendingResults})
			pendingResults = nil
		}
	}

	for _, e := range entries {
		switch e.Kind {
		case models.EntryUser:
			flushResults()
			out = append(out, providers.Message{Role: "user", Content: e.Text()})
		case models.EntryAssistant:
			flushResults()
			out = append(out, providers.Message{Role: "assistant", Content: e.Text()})
		case models.EntryToolCall:
			if len(out) > 0 && out[len(out)-1].Role == "assistant" {
				out[len(out)-1].ToolCalls = append(out[len(out)-1].ToolCalls, providers.ToolCall{
					ID: e.CallID, Name: e.Tool, Input: e.Params,
				})
			}
		case models.EntryToolResult:
			pendingResults = append(pendingResults, providers.ToolResult{
				CallID: e.CallID, Content: e.Output, IsError: e.IsError,
			})
		}
	}
	flushResults()
	return out
}

func thinkingBudgetFor(level models.ThinkingLevel) int {
	switch level {
	case models.ThinkingLow:
		return 2048
	case models.ThinkingMedium:
		return 8192
	case models.ThinkingHigh:
		return 32768
	default:
		return 0
	}
}

// Spawn runs a sub-agent in its own session and returns the announce
// payload. Implements the spawn tool's backend.
func (r *Runtime) Spawn(ctx context.Context, inv *tools.Invocation, task, label string) (string, error) {
	opts := r.optsFn()
	if inv.SpawnDepth >= opts.MaxSpawnDepth {
		return "", fmt.Errorf("spawn depth limit reached (%d)", opts.MaxSpawnDepth)
	}

	select {
	case r.spawnSem <- struct{}{}:
	case <-ctx.Done():
		return "", ctx.Err()
	}
	defer func() { <-r.spawnSem }()

	parentHash := inv.SessionKey.Hash()
	childKey := models.SessionKey{
		Channel:  "subagent",
		Account:  parentHash,
		ChatType: models.ChatDirect,
		Peer:     uuid.NewString(),
		Scope:    models.ScopeGlobal,
	}
	childHash := childKey.Hash()

	if _, _, err := r.store.GetOrCreate(childKey); err != nil {
		return "", fmt.Errorf("create sub-agent session: %w", err)
	}
	depth := inv.SpawnDepth + 1
	patch := models.MetaPatch{SpawnedBy: &parentHash, SpawnDepth: &depth}
	if label != "" {
		patch.Label = &label
	}
	if _, err := r.store.PatchMeta(childHash, patch); err != nil {
		return "", fmt.Errorf("mark sub-agent session: %w", err)
	}

	run, err := r.Submit(ctx, childKey, task, "subagent", NopSink{})
	if err != nil {
		return "", err
	}

	select {
	case <-run.Done():
	case <-ctx.Done():
		run.Abort()
		<-run.Done()
	}

	summary, errKind, errMsg := run.Result()
	status, _ := run.Status()
	announce := map[string]any{
		"session": childHash,
		"status":  string(status),
		"summary": summary,
	}
	if errKind != "" {
		announce["error"] = errKind + ": " + errMsg
	}
	payload, err := json.Marshal(announce)
	if err != nil {
		return "", err
	}

	// The parent transcript gets the announce too, so the outcome survives
	// even when the tool result is later truncated by compaction.
	if err := r.store.Append(parentHash, []models.TranscriptEntry{
		models.SystemEntry("subagent", payload, time.Now().UTC()),
	}, "subagent"); err != nil {
		r.log.Warn("recording sub-agent result failed", "session", parentHash, "err", err)
	}

	if status != models.RunOK {
		return string(payload), fmt.Errorf("sub-agent run %s: %s", status, errMsg)
	}
	return string(payload), nil
}
