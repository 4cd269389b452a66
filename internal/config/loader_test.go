package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func TestParseLayersOverDefaults(t *testing.T) {
	cfg, err := Parse([]byte(`{
		// comments are fine
		gateway: { port: 9000 },
		agent: { model: "claude-sonnet-4-5", max_iterations: 5 },
	}`))
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}
	if cfg.Gateway.Port != 9000 {
		t.Errorf("port = %d", cfg.Gateway.Port)
	}
	if cfg.Gateway.Host != "127.0.0.1" {
		t.Errorf("default host lost: %q", cfg.Gateway.Host)
	}
	if cfg.Agent.MaxIterations != 5 {
		t.Errorf("max_iterations = %d", cfg.Agent.MaxIterations)
	}
	if cfg.Agent.MaxTokens != 4096 {
		t.Errorf("default max_tokens lost: %d", cfg.Agent.MaxTokens)
	}
}

func TestParseInterpolatesSecrets(t *testing.T) {
	t.Setenv("CLAW_TEST_KEY", "sk-abc123")
	cfg, err := Parse([]byte(`{
		providers: { by_name: { anthropic: { profiles: [
			{ name: "default", api_key: "${CLAW_TEST_KEY}" },
		]}}},
	}`))
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}
	got := cfg.Providers.ByName["anthropic"].Profiles[0].APIKey
	if got != "sk-abc123" {
		t.Errorf("api_key = %q", got)
	}
}

func TestParseRejectsUnsetSecret(t *testing.T) {
	_, err := Parse([]byte(`{ gateway: { auth_token: "${CLAW_DOES_NOT_EXIST}" } }`))
	if err == nil {
		t.Fatal("unset secret reference accepted")
	}
	if !strings.Contains(err.Error(), "CLAW_DOES_NOT_EXIST") {
		t.Errorf("error does not name the variable: %v", err)
	}
}

func TestParseDurations(t *testing.T) {
	cfg, err := Parse([]byte(`{
		gateway: { hello_window: "30s" },
		tools: { exec_timeout: 5000 },
	}`))
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}
	if cfg.Gateway.HelloWindow.Std() != 30*time.Second {
		t.Errorf("hello_window = %v", cfg.Gateway.HelloWindow.Std())
	}
	if cfg.Tools.ExecTimeout.Std() != 5*time.Second {
		t.Errorf("exec_timeout = %v", cfg.Tools.ExecTimeout.Std())
	}
}

func TestParseValidation(t *testing.T) {
	cases := map[string]string{
		"bad port":    `{ gateway: { port: 99999 } }`,
		"bad scope":   `{ session: { scope: "per_galaxy" } }`,
		"bad sandbox": `{ tools: { sandbox_mode: "yolo" } }`,
	}
	for name, doc := range cases {
		if _, err := Parse([]byte(doc)); err == nil {
			t.Errorf("%s: accepted", name)
		}
	}
}

func TestLoadMissingFile(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "config.json"))
	if err == nil {
		t.Fatal("missing file accepted")
	}
}

func TestResolvePathEnvOverride(t *testing.T) {
	t.Setenv(EnvConfigPath, "/tmp/claw-alt.json")
	if got := ResolvePath("/state"); got != "/tmp/claw-alt.json" {
		t.Errorf("ResolvePath = %q", got)
	}
	os.Unsetenv(EnvConfigPath)
	if got := ResolvePath("/state"); got != filepath.Join("/state", "config.json") {
		t.Errorf("ResolvePath = %q", got)
	}
}

func TestWorkspaceEnvOverride(t *testing.T) {
	t.Setenv(EnvWorkspace, "/alt/workspace")
	cfg, err := Parse([]byte(`{ state_root: "/state" }`))
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}
	if cfg.Workspace != "/alt/workspace" {
		t.Errorf("workspace = %q", cfg.Workspace)
	}
	if cfg.Skills.Dir != filepath.Join("/state", "skills") {
		t.Errorf("skills dir = %q", cfg.Skills.Dir)
	}
}
