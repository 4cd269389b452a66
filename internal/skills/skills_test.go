package skills

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
)

const weatherSkill = `---
name: weather
description: Look up the forecast.
---
Use the exec tool with the 'forecast' command.
`

func writeSkill(t *testing.T, root, dir, content string) {
	t.Helper()
	path := filepath.Join(root, dir)
	if err := os.MkdirAll(path, 0o755); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(filepath.Join(path, SkillFilename), []byte(content), 0o644); err != nil {
		t.Fatal(err)
	}
}

func TestParse(t *testing.T) {
	s, err := Parse([]byte(weatherSkill), "/tmp/weather")
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}
	if s.Name != "weather" || s.Description != "Look up the forecast." {
		t.Errorf("skill = %+v", s)
	}
	if !strings.Contains(s.Content, "forecast") {
		t.Errorf("content = %q", s.Content)
	}
}

func TestParseErrors(t *testing.T) {
	cases := []struct {
		name string
		data string
	}{
		{"no frontmatter", "just markdown\n"},
		{"unclosed frontmatter", "---\nname: x\n"},
		{"missing name", "---\ndescription: d\n---\nbody\n"},
		{"missing description", "---\nname: x\n---\nbody\n"},
		{"bad yaml", "---\nname: [broken\n---\nbody\n"},
	}
	for _, tc := range cases {
		if _, err := Parse([]byte(tc.data), ""); err == nil {
			t.Errorf("%s: expected error", tc.name)
		}
	}
}

func TestDiscover(t *testing.T) {
	root := t.TempDir()
	writeSkill(t, root, "weather", weatherSkill)
	writeSkill(t, root, "broken", "no frontmatter here\n")
	writeSkill(t, root, "zeta", "---\nname: zeta\ndescription: Last.\n---\nbody\n")

	loaded, errs := Discover(root)
	if len(loaded) != 2 {
		t.Fatalf("loaded %d skills, want 2", len(loaded))
	}
	if loaded[0].Name != "weather" || loaded[1].Name != "zeta" {
		t.Errorf("order = %s, %s", loaded[0].Name, loaded[1].Name)
	}
	if len(errs) != 1 {
		t.Errorf("errs = %v", errs)
	}
}

func TestDiscoverMissingDir(t *testing.T) {
	loaded, errs := Discover(filepath.Join(t.TempDir(), "nope"))
	if loaded != nil || errs != nil {
		t.Errorf("got %v, %v", loaded, errs)
	}
}

func TestManagerPromptBlocks(t *testing.T) {
	root := t.TempDir()
	writeSkill(t, root, "weather", weatherSkill)
	writeSkill(t, root, "other-os", "---\nname: other-os\ndescription: Elsewhere.\nos: [plan9]\n---\nbody\n")

	m := NewManager(root)
	blocks := m.PromptBlocks()
	if len(blocks) != 1 || !strings.Contains(blocks[0], "## Skill: weather") {
		t.Errorf("blocks = %v", blocks)
	}
	if _, ok := m.Get("other-os"); !ok {
		t.Error("platform-gated skill should still be listed")
	}
}

func TestManagerInstallAndReload(t *testing.T) {
	m := NewManager(t.TempDir())
	if got := len(m.List()); got != 0 {
		t.Fatalf("initial skills = %d", got)
	}
	if err := m.Install("weather", []byte(weatherSkill)); err != nil {
		t.Fatalf("Install: %v", err)
	}
	if _, ok := m.Get("weather"); !ok {
		t.Error("installed skill not loaded")
	}

	if err := m.Install("../escape", []byte(weatherSkill)); err == nil {
		t.Error("path traversal name accepted")
	}
	if err := m.Install("bad", []byte("not a skill")); err == nil {
		t.Error("invalid document accepted")
	}
}
