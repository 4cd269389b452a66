// Package skills loads YAML-fronted SKILL.md capability files and turns the
// eligible ones into system prompt blocks.
package skills

import (
	"bufio"
	"bytes"
	"fmt"
	"os"
	"path/filepath"
	"runtime"
	"sort"
	"strings"

	"gopkg.in/yaml.v3"
)

// SkillFilename is the expected definition file inside a skill directory.
const SkillFilename = "SKILL.md"

const frontmatterDelim = "---"

// Skill is one parsed capability: YAML frontmatter plus a markdown body
// that gets injected into the system prompt.
type Skill struct {
	Name        string `json:"name" yaml:"name"`
	Description string `json:"description" yaml:"description"`
	Homepage    string `json:"homepage,omitempty" yaml:"homepage,omitempty"`

	// OS restricts the skill to the named platforms; empty means all.
	OS []string `json:"os,omitempty" yaml:"os,omitempty"`

	// Content is the markdown body.
	Content string `json:"-" yaml:"-"`
	// Path is the skill's directory on disk.
	Path string `json:"path" yaml:"-"`
}

// Eligible reports whether the skill applies on this platform.
func (s *Skill) Eligible() bool {
	if len(s.OS) == 0 {
		return true
	}
	for _, goos := range s.OS {
		if strings.EqualFold(goos, runtime.GOOS) {
			return true
		}
	}
	return false
}

// PromptBlock renders the skill as a system prompt section.
func (s *Skill) PromptBlock() string {
	var sb strings.Builder
	sb.WriteString("## Skill: ")
	sb.WriteString(s.Name)
	sb.WriteString("\n")
	if s.Description != "" {
		sb.WriteString(s.Description)
		sb.WriteString("\n\n")
	}
	sb.WriteString(s.Content)
	return strings.TrimSpace(sb.String())
}

// Parse reads a SKILL.md document: YAML frontmatter between --- markers,
// then the markdown body.
func Parse(data []byte, dir string) (*Skill, error) {
	front, body, err := splitFrontmatter(data)
	if err != nil {
		return nil, err
	}
	var s Skill
	if err := yaml.Unmarshal(front, &s); err != nil {
		return nil, fmt.Errorf("parse frontmatter: %w", err)
	}
	if s.Name == "" {
		return nil, fmt.Errorf("skill name is required")
	}
	if s.Description == "" {
		return nil, fmt.Errorf("skill description is required")
	}
	s.Content = strings.TrimSpace(string(body))
	s.Path = dir
	return &s, nil
}

func splitFrontmatter(data []byte) (front, body []byte, err error) {
	scanner := bufio.NewScanner(bytes.NewReader(data))
	scanner.Buffer(make([]byte, 64*1024), 1024*1024)

	if !scanner.Scan() || strings.TrimSpace(scanner.Text()) != frontmatterDelim {
		return nil, nil, fmt.Errorf("missing opening frontmatter delimiter")
	}

	var frontLines []string
	closed := false
	for scanner.Scan() {
		line := scanner.Text()
		if strings.TrimSpace(line) == frontmatterDelim {
			closed = true
			break
		}
		frontLines = append(frontLines, line)
	}
	if !closed {
		return nil, nil, fmt.Errorf("missing closing frontmatter delimiter")
	}

	var bodyLines []string
	for scanner.Scan() {
		bodyLines = append(bodyLines, scanner.Text())
	}
	if err := scanner.Err(); err != nil {
		return nil, nil, fmt.Errorf("read skill file: %w", err)
	}
	return []byte(strings.Join(frontLines, "\n")), []byte(strings.Join(bodyLines, "\n")), nil
}

// Discover walks root one level deep looking for <dir>/SKILL.md files.
// Unparseable skills are skipped, not fatal.
func Discover(root string) ([]*Skill, []error) {
	dirs, err := os.ReadDir(root)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, []error{fmt.Errorf("read skills dir: %w", err)}
	}

	var out []*Skill
	var errs []error
	for _, d := range dirs {
		if !d.IsDir() {
			continue
		}
		dir := filepath.Join(root, d.Name())
		data, err := os.ReadFile(filepath.Join(dir, SkillFilename))
		if err != nil {
			continue
		}
		skill, err := Parse(data, dir)
		if err != nil {
			errs = append(errs, fmt.Errorf("%s: %w", d.Name(), err))
			continue
		}
		out = append(out, skill)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out, errs
}
