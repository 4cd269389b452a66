package channels

import (
	"strings"
	"testing"
)

func TestSplitShortTextUntouched(t *testing.T) {
	c := NewChunker(100)
	got := c.Split("short message")
	if len(got) != 1 || got[0] != "short message" {
		t.Errorf("Split = %v", got)
	}
	if got := c.Split(""); got != nil {
		t.Errorf("Split(\"\") = %v", got)
	}
}

func TestSplitPrefersParagraphBreaks(t *testing.T) {
	text := strings.Repeat("a", 40) + "\n\n" + strings.Repeat("b", 40)
	got := NewChunker(60).Split(text)
	if len(got) != 2 {
		t.Fatalf("got %d chunks: %v", len(got), got)
	}
	if !strings.HasPrefix(got[0], "aaa") || !strings.HasPrefix(got[1], "bbb") {
		t.Errorf("chunks = %v", got)
	}
}

func TestSplitRespectsLimit(t *testing.T) {
	text := strings.Repeat("word and more words here. ", 40)
	limit := 80
	for _, chunk := range NewChunker(limit).Split(text) {
		if len(chunk) > limit {
			t.Errorf("chunk of %d chars exceeds limit %d", len(chunk), limit)
		}
	}
}

func TestSplitHardBreaksUnbrokenText(t *testing.T) {
	text := strings.Repeat("x", 250)
	got := NewChunker(100).Split(text)
	if len(got) < 3 {
		t.Fatalf("got %d chunks: %v", len(got), got)
	}
	total := 0
	for _, chunk := range got {
		if len(chunk) > 100 {
			t.Errorf("chunk of %d chars exceeds limit", len(chunk))
		}
		total += len(chunk)
	}
	if total != 250 {
		t.Errorf("lost characters: total = %d", total)
	}
}

func TestSplitReopensCodeFence(t *testing.T) {
	var sb strings.Builder
	sb.WriteString("Here is the script:\n```bash\n")
	for i := 0; i < 20; i++ {
		sb.WriteString("echo line number something\n")
	}
	sb.WriteString("```\n")

	got := NewChunker(200).Split(sb.String())
	if len(got) < 2 {
		t.Fatalf("got %d chunks", len(got))
	}
	for i, chunk := range got {
		fences := strings.Count(chunk, "```")
		if fences%2 != 0 {
			t.Errorf("chunk %d has unbalanced fences:\n%s", i, chunk)
		}
	}
	if !strings.Contains(got[1], "```bash") {
		t.Errorf("second chunk does not reopen the fence:\n%s", got[1])
	}
}

func TestChunkerForUsesCapabilities(t *testing.T) {
	c := ChunkerFor(Capabilities{MaxMessageLength: 123})
	if c.MaxSize != 123 {
		t.Errorf("MaxSize = %d", c.MaxSize)
	}
	if c := ChunkerFor(Capabilities{}); c.MaxSize != 4000 {
		t.Errorf("default MaxSize = %d", c.MaxSize)
	}
}
