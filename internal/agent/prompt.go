package agent

import (
	"os"
	"path/filepath"
	"strings"
	"time"
)

// PromptSource assembles the system prompt for each turn: the configured
// preamble, identity documents from the workspace, active skill blocks, and
// the current time so the model is never stuck at its training cutoff.
type PromptSource struct {
	Preamble      string
	IdentityFiles []string
	Workspace     string

	// Skills returns prompt blocks to inject; nil when no skill manager
	// is wired.
	Skills func() []string

	now func() time.Time
}

const maxIdentityBytes = 32 * 1024

// Build renders the full system prompt.
func (p *PromptSource) Build() string {
	var sb strings.Builder

	if p.Preamble != "" {
		sb.WriteString(strings.TrimSpace(p.Preamble))
		sb.WriteString("\n\n")
	}

	for _, name := range p.IdentityFiles {
		raw, err := os.ReadFile(filepath.Join(p.Workspace, name))
		if err != nil {
			continue
		}
		if len(raw) > maxIdentityBytes {
			raw = raw[:maxIdentityBytes]
		}
		sb.WriteString("## ")
		sb.WriteString(name)
		sb.WriteString("\n")
		sb.WriteString(strings.TrimSpace(string(raw)))
		sb.WriteString("\n\n")
	}

	if p.Skills != nil {
		for _, block := range p.Skills() {
			block = strings.TrimSpace(block)
			if block == "" {
				continue
			}
			sb.WriteString(block)
			sb.WriteString("\n\n")
		}
	}

	now := time.Now
	if p.now != nil {
		now = p.now
	}
	sb.WriteString("Current time: ")
	sb.WriteString(now().Format("Monday, 2 January 2006 15:04 MST"))
	sb.WriteString("\n")

	return sb.String()
}
