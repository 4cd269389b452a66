package policy

import (
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"strings"
)

// Sandbox confines tool filesystem access to the workspace root and screens
// shell commands for destructive patterns.
type Sandbox struct {
	Root string
	// Off disables path confinement (sandbox_mode: "off"). Command
	// screening stays on either way.
	Off bool
}

// ResolvePath returns an absolute, cleaned path. In confined mode the path
// must stay under the workspace root after cleaning, so ../ escapes and
// absolute paths outside the root are rejected.
func (s *Sandbox) ResolvePath(path string) (string, error) {
	clean := strings.TrimSpace(path)
	if clean == "" {
		return "", fmt.Errorf("path is required")
	}

	root, err := filepath.Abs(s.Root)
	if err != nil {
		return "", fmt.Errorf("resolve workspace root: %w", err)
	}

	var target string
	if filepath.IsAbs(clean) {
		target = filepath.Clean(clean)
	} else {
		target = filepath.Join(root, clean)
	}
	target, err = filepath.Abs(target)
	if err != nil {
		return "", fmt.Errorf("resolve path: %w", err)
	}

	if s.Off {
		return target, nil
	}

	rel, err := filepath.Rel(root, target)
	if err != nil {
		return "", fmt.Errorf("resolve path: %w", err)
	}
	if rel == ".." || strings.HasPrefix(rel, ".."+string(os.PathSeparator)) {
		return "", fmt.Errorf("path escapes workspace: %s", path)
	}
	return target, nil
}

// dangerousPatterns match commands that destroy the host regardless of
// sandbox mode. Screening is best effort; the real defense is running the
// daemon unprivileged.
var dangerousPatterns = []*regexp.Regexp{
	// recursive deletes at or near the filesystem root
	regexp.MustCompile(`\brm\s+(-[-a-zA-Z]+\s+)*-[-a-zA-Z]*[rR][-a-zA-Z]*\s+(-[-a-zA-Z]+\s+)*(/|/\*|~|\$HOME)(\s|$)`),
	// raw disk rewrites
	regexp.MustCompile(`\bdd\b.*\bof=/dev/(sd|hd|nvme|vd|mmcblk)`),
	regexp.MustCompile(`\bmkfs(\.\w+)?\s`),
	regexp.MustCompile(`>\s*/dev/(sd|hd|nvme|vd|mmcblk)`),
	// power control
	regexp.MustCompile(`\b(shutdown|reboot|halt|poweroff)\b`),
	// classic fork bomb
	regexp.MustCompile(`:\(\)\s*\{\s*:\|:\s*&\s*\}\s*;`),
}

// ErrDangerousCommand is the stable reason string for screened commands.
const ErrDangerousCommand = "dangerous_pattern"

// ScreenCommand rejects commands matching a destructive pattern. Returns
// the reason identifier when blocked.
func ScreenCommand(command string) (string, bool) {
	for _, p := range dangerousPatterns {
		if p.MatchString(command) {
			return ErrDangerousCommand, false
		}
	}
	return "", true
}
