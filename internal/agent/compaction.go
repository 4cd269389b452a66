package agent

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/haasonsaas/claw/pkg/models"
)

// CompactionConfig tunes the staged transcript shrinking applied when a
// prompt overflows the model's context window.
type CompactionConfig struct {
	// KeepRecentPairs is how many trailing user exchanges stage 2 keeps.
	KeepRecentPairs int
	// ToolResultHead/Tail bound truncated tool outputs in stage 1.
	ToolResultHead int
	ToolResultTail int
}

// DefaultCompactionConfig returns the standard stage parameters.
func DefaultCompactionConfig() CompactionConfig {
	return CompactionConfig{KeepRecentPairs: 4, ToolResultHead: 2000, ToolResultTail: 500}
}

// Summarizer condenses a transcript prefix into prose for the compacted
// marker. A nil summarizer, or one that fails, falls back to recording only
// the dropped entry count.
type Summarizer func(prefix []models.TranscriptEntry) (string, error)

// Compact applies one compaction stage without summarization, used where no
// provider is in reach (forced compaction over the control plane).
func Compact(entries []models.TranscriptEntry, stage int, cfg CompactionConfig) ([]models.TranscriptEntry, bool) {
	return CompactWith(entries, stage, cfg, nil)
}

// CompactWith applies one compaction stage and reports whether anything
// changed. Stages escalate:
//
//	1: truncate old tool_result outputs to head+tail
//	2: summarize and drop all but the last KeepRecentPairs user exchanges
//	3: keep only the current exchange
//
// Stages 2 and 3 prepend a system "compacted" entry recording what was
// dropped so the transcript explains its own gap.
func CompactWith(entries []models.TranscriptEntry, stage int, cfg CompactionConfig, summarize Summarizer) ([]models.TranscriptEntry, bool) {
	switch stage {
	case 1:
		return truncateToolResults(entries, cfg)
	case 2:
		return dropOldExchanges(entries, cfg.KeepRecentPairs, summarize)
	default:
		return dropOldExchanges(entries, 1, summarize)
	}
}

func truncateToolResults(entries []models.TranscriptEntry, cfg CompactionConfig) ([]models.TranscriptEntry, bool) {
	// The current exchange keeps full outputs; only earlier ones shrink.
	lastUser := lastUserIndex(entries)

	limit := cfg.ToolResultHead + cfg.ToolResultTail
	if limit <= 0 {
		return entries, false
	}

	changed := false
	out := make([]models.TranscriptEntry, len(entries))
	copy(out, entries)
	for i := range out {
		if i >= lastUser {
			break
		}
		if out[i].Kind != models.EntryToolResult || len(out[i].Output) <= limit {
			continue
		}
		head := out[i].Output[:cfg.ToolResultHead]
		tail := out[i].Output[len(out[i].Output)-cfg.ToolResultTail:]
		out[i].Output = fmt.Sprintf("%s\n[... %d bytes truncated ...]\n%s",
			head, len(entries[i].Output)-limit, tail)
		changed = true
	}
	return out, changed
}

func dropOldExchanges(entries []models.TranscriptEntry, keep int, summarize Summarizer) ([]models.TranscriptEntry, bool) {
	if keep < 1 {
		keep = 1
	}
	// Exchange boundaries are user entries.
	var userIdx []int
	for i, e := range entries {
		if e.Kind == models.EntryUser {
			userIdx = append(userIdx, i)
		}
	}
	if len(userIdx) <= keep {
		return entries, false
	}

	cut := userIdx[len(userIdx)-keep]
	marker := map[string]any{"dropped_entries": cut}
	if summarize != nil {
		if summary, err := summarize(entries[:cut]); err == nil && summary != "" {
			marker["summary"] = summary
		}
	}
	data, _ := json.Marshal(marker)
	out := []models.TranscriptEntry{
		models.SystemEntry("compacted", data, time.Now().UTC()),
	}
	out = append(out, entries[cut:]...)
	return out, true
}

func lastUserIndex(entries []models.TranscriptEntry) int {
	for i := len(entries) - 1; i >= 0; i-- {
		if entries[i].Kind == models.EntryUser {
			return i
		}
	}
	return 0
}
