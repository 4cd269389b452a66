package policy

import (
	"path/filepath"
	"testing"
)

func TestResolvePathConfined(t *testing.T) {
	root := t.TempDir()
	s := &Sandbox{Root: root}

	got, err := s.ResolvePath("notes/today.md")
	if err != nil {
		t.Fatalf("ResolvePath: %v", err)
	}
	if got != filepath.Join(root, "notes", "today.md") {
		t.Errorf("resolved = %q", got)
	}

	escapes := []string{
		"../outside.txt",
		"a/../../outside.txt",
		"/etc/passwd",
	}
	for _, p := range escapes {
		if _, err := s.ResolvePath(p); err == nil {
			t.Errorf("escape %q accepted", p)
		}
	}
}

func TestResolvePathUnconfined(t *testing.T) {
	s := &Sandbox{Root: t.TempDir(), Off: true}
	if _, err := s.ResolvePath("/etc/hosts"); err != nil {
		t.Fatalf("unconfined absolute path rejected: %v", err)
	}
}

func TestScreenCommandBlocksDestructive(t *testing.T) {
	blocked := []string{
		"rm -rf /",
		"rm -rf /*",
		"rm -fr ~",
		"sudo rm -r --no-preserve-root /",
		"dd if=/dev/zero of=/dev/sda",
		"mkfs.ext4 /dev/sda1",
		"echo junk > /dev/nvme0n1",
		"shutdown -h now",
		"reboot",
		":(){ :|:& };:",
	}
	for _, cmd := range blocked {
		if reason, ok := ScreenCommand(cmd); ok {
			t.Errorf("command not blocked: %q", cmd)
		} else if reason != ErrDangerousCommand {
			t.Errorf("command %q: reason = %q", cmd, reason)
		}
	}
}

func TestScreenCommandAllowsNormal(t *testing.T) {
	allowed := []string{
		"ls -la",
		"rm -rf ./build",
		"rm notes.txt",
		"grep -r TODO .",
		"git status",
		"dd if=in.img of=out.img",
		"echo 'rm -rf /' is a string argument",
	}
	for _, cmd := range allowed {
		if _, ok := ScreenCommand(cmd); !ok {
			t.Errorf("benign command blocked: %q", cmd)
		}
	}
}
