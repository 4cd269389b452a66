package skills

import (
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"
)

// Manager holds the loaded skill set and serves the gateway's skills.*
// methods plus the agent's prompt blocks.
type Manager struct {
	root string
	log  *slog.Logger

	mu     sync.RWMutex
	skills []*Skill
}

// NewManager creates a manager over the given skills directory and loads
// it. A missing directory is an empty skill set, not an error.
func NewManager(root string) *Manager {
	m := &Manager{root: root, log: slog.With("component", "skills")}
	m.Reload()
	return m
}

// Reload rescans the directory, replacing the loaded set. Returns the
// number of skills loaded.
func (m *Manager) Reload() int {
	loaded, errs := Discover(m.root)
	for _, err := range errs {
		m.log.Warn("skipping skill", "err", err)
	}
	m.mu.Lock()
	m.skills = loaded
	m.mu.Unlock()
	m.log.Info("skills loaded", "count", len(loaded), "dir", m.root)
	return len(loaded)
}

// List returns the loaded skills sorted by name.
func (m *Manager) List() []*Skill {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]*Skill, len(m.skills))
	copy(out, m.skills)
	return out
}

// Get returns the named skill.
func (m *Manager) Get(name string) (*Skill, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	for _, s := range m.skills {
		if s.Name == name {
			return s, true
		}
	}
	return nil, false
}

// PromptBlocks renders the eligible skills for system prompt injection.
// This is the hook the agent's prompt source calls each turn.
func (m *Manager) PromptBlocks() []string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var blocks []string
	for _, s := range m.skills {
		if s.Eligible() {
			blocks = append(blocks, s.PromptBlock())
		}
	}
	return blocks
}

// Install writes a SKILL.md under the managed directory and reloads. The
// name becomes the skill's directory.
func (m *Manager) Install(name string, content []byte) error {
	name = strings.TrimSpace(name)
	if name == "" || strings.ContainsAny(name, "/\\") {
		return fmt.Errorf("invalid skill name %q", name)
	}
	if _, err := Parse(content, ""); err != nil {
		return fmt.Errorf("invalid skill document: %w", err)
	}

	dir := filepath.Join(m.root, name)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("create skill dir: %w", err)
	}
	if err := os.WriteFile(filepath.Join(dir, SkillFilename), content, 0o644); err != nil {
		return fmt.Errorf("write skill: %w", err)
	}
	m.Reload()
	return nil
}
