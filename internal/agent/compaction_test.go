package agent

import (
	"encoding/json"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/haasonsaas/claw/pkg/models"
)

func exchange(at time.Time, q, a string) []models.TranscriptEntry {
	return []models.TranscriptEntry{
		models.UserEntry(q, at),
		{Kind: models.EntryAssistant, Timestamp: at,
			Content: []models.ContentBlock{models.TextBlock(a)}, StopReason: models.StopEndTurn},
	}
}

func TestCompactStageOneTruncatesOldToolResults(t *testing.T) {
	now := time.Now().UTC()
	big := strings.Repeat("x", 5000)
	entries := []models.TranscriptEntry{
		models.UserEntry("q1", now),
		{Kind: models.EntryAssistant, Timestamp: now, StopReason: models.StopToolUse},
		{Kind: models.EntryToolCall, Timestamp: now, Tool: "exec", CallID: "c1", Params: json.RawMessage(`{}`)},
		{Kind: models.EntryToolResult, Timestamp: now, Tool: "exec", CallID: "c1", Output: big},
		{Kind: models.EntryAssistant, Timestamp: now,
			Content: []models.ContentBlock{models.TextBlock("done")}, StopReason: models.StopEndTurn},
		models.UserEntry("q2", now),
		{Kind: models.EntryAssistant, Timestamp: now, StopReason: models.StopToolUse},
		{Kind: models.EntryToolCall, Timestamp: now, Tool: "exec", CallID: "c2", Params: json.RawMessage(`{}`)},
		{Kind: models.EntryToolResult, Timestamp: now, Tool: "exec", CallID: "c2", Output: big},
	}

	cfg := CompactionConfig{KeepRecentPairs: 4, ToolResultHead: 100, ToolResultTail: 50}
	out, changed := Compact(entries, 1, cfg)
	if !changed {
		t.Fatal("stage 1 reported no change")
	}
	if !strings.Contains(out[3].Output, "bytes truncated") {
		t.Errorf("old tool result not truncated: %d bytes", len(out[3].Output))
	}
	// Outputs in the current exchange stay intact.
	if out[8].Output != big {
		t.Error("current exchange tool result was truncated")
	}
	// The input slice must not be mutated.
	if entries[3].Output != big {
		t.Error("Compact mutated its input")
	}
	if err := models.ValidateTranscript(out); err != nil {
		t.Errorf("compacted transcript invalid: %v", err)
	}
}

func TestCompactStageTwoDropsOldExchanges(t *testing.T) {
	now := time.Now().UTC()
	var entries []models.TranscriptEntry
	for _, q := range []string{"q1", "q2", "q3", "q4"} {
		entries = append(entries, exchange(now, q, "a-"+q)...)
	}

	out, changed := Compact(entries, 2, CompactionConfig{KeepRecentPairs: 2})
	if !changed {
		t.Fatal("stage 2 reported no change")
	}
	if out[0].Kind != models.EntrySystem || out[0].SystemKind != "compacted" {
		t.Fatalf("first entry = %+v, want compacted marker", out[0])
	}
	var marker struct {
		DroppedEntries int `json:"dropped_entries"`
	}
	if err := json.Unmarshal(out[0].Data, &marker); err != nil || marker.DroppedEntries != 4 {
		t.Errorf("marker data = %s (err %v)", out[0].Data, err)
	}
	users := 0
	for _, e := range out {
		if e.Kind == models.EntryUser {
			users++
		}
	}
	if users != 2 {
		t.Errorf("kept %d user entries, want 2", users)
	}
}

func TestCompactStageTwoSummarizesDroppedPrefix(t *testing.T) {
	now := time.Now().UTC()
	var entries []models.TranscriptEntry
	for _, q := range []string{"q1", "q2", "q3"} {
		entries = append(entries, exchange(now, q, "a-"+q)...)
	}

	var sawPrefix int
	summarize := func(prefix []models.TranscriptEntry) (string, error) {
		sawPrefix = len(prefix)
		return "we covered q1 and q2", nil
	}
	out, changed := CompactWith(entries, 2, CompactionConfig{KeepRecentPairs: 1}, summarize)
	if !changed {
		t.Fatal("stage 2 reported no change")
	}
	if sawPrefix != 4 {
		t.Errorf("summarizer saw %d entries, want the 4 dropped ones", sawPrefix)
	}
	var marker struct {
		DroppedEntries int    `json:"dropped_entries"`
		Summary        string `json:"summary"`
	}
	if err := json.Unmarshal(out[0].Data, &marker); err != nil {
		t.Fatalf("marker data = %s: %v", out[0].Data, err)
	}
	if marker.Summary != "we covered q1 and q2" || marker.DroppedEntries != 4 {
		t.Errorf("marker = %+v", marker)
	}

	// A failing summarizer degrades to the count-only marker.
	failing := func([]models.TranscriptEntry) (string, error) {
		return "", errors.New("provider down")
	}
	out, _ = CompactWith(entries, 2, CompactionConfig{KeepRecentPairs: 1}, failing)
	if strings.Contains(string(out[0].Data), "summary") {
		t.Errorf("failed summarization still produced a summary: %s", out[0].Data)
	}
}

func TestCompactStageThreeKeepsCurrentExchange(t *testing.T) {
	now := time.Now().UTC()
	var entries []models.TranscriptEntry
	for _, q := range []string{"q1", "q2", "q3"} {
		entries = append(entries, exchange(now, q, "a-"+q)...)
	}

	out, changed := Compact(entries, 3, DefaultCompactionConfig())
	if !changed {
		t.Fatal("stage 3 reported no change")
	}
	users := 0
	for _, e := range out {
		if e.Kind == models.EntryUser {
			users++
		}
	}
	if users != 1 {
		t.Errorf("kept %d user entries, want 1", users)
	}
	if out[len(out)-2].Text() != "q3" {
		t.Errorf("kept the wrong exchange: %+v", out)
	}
}

func TestCompactNoChangeWhenNothingToDo(t *testing.T) {
	now := time.Now().UTC()
	entries := exchange(now, "q1", "a1")

	if _, changed := Compact(entries, 1, DefaultCompactionConfig()); changed {
		t.Error("stage 1 changed a transcript with no tool results")
	}
	if _, changed := Compact(entries, 2, DefaultCompactionConfig()); changed {
		t.Error("stage 2 changed a transcript within the keep window")
	}
}
