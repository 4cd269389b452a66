package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"strings"

	"github.com/yosuke-furukawa/json5/encoding/json5"
)

// Environment overrides honored by Load.
const (
	EnvConfigPath = "RUSTY_CLAW_CONFIG"
	EnvWorkspace  = "RUSTY_CLAW_WORKSPACE"
)

// ErrNotFound is returned when the config file does not exist. Callers may
// fall back to Default().
var ErrNotFound = errors.New("config file not found")

var secretRef = regexp.MustCompile(`\$\{([A-Za-z_][A-Za-z0-9_]*)\}`)

// DefaultStateRoot returns ~/.rusty_claw, or the current directory when the
// home directory cannot be resolved.
func DefaultStateRoot() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return ".rusty_claw"
	}
	return filepath.Join(home, ".rusty_claw")
}

// ResolvePath returns the config file path: RUSTY_CLAW_CONFIG when set,
// otherwise {state_root}/config.json.
func ResolvePath(stateRoot string) string {
	if p := os.Getenv(EnvConfigPath); p != "" {
		return p
	}
	return filepath.Join(stateRoot, "config.json")
}

// Load reads and parses the config file at path, layered over Default().
// ${NAME} references are substituted from the environment at load time; the
// resolved secrets are never written back to disk.
func Load(path string) (*Config, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("%w: %s", ErrNotFound, path)
		}
		return nil, fmt.Errorf("read config: %w", err)
	}
	return Parse(raw)
}

// Parse decodes a JSON5 config document layered over Default().
func Parse(raw []byte) (*Config, error) {
	expanded, err := interpolate(string(raw))
	if err != nil {
		return nil, err
	}
	cfg := Default()
	if err := json5.Unmarshal([]byte(expanded), cfg); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}
	if err := cfg.normalize(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// interpolate substitutes ${NAME} references from the environment. Every
// referenced variable must be set; a missing one is a load error rather than
// a silently empty secret.
func interpolate(doc string) (string, error) {
	var missing []string
	out := secretRef.ReplaceAllStringFunc(doc, func(ref string) string {
		name := ref[2 : len(ref)-1]
		val, ok := os.LookupEnv(name)
		if !ok {
			missing = append(missing, name)
			return ref
		}
		return val
	})
	if len(missing) > 0 {
		return "", fmt.Errorf("config references unset environment variables: %s", strings.Join(missing, ", "))
	}
	return out, nil
}

// normalize fills derived paths and applies environment overrides.
func (c *Config) normalize() error {
	if c.StateRoot == "" {
		c.StateRoot = DefaultStateRoot()
	}
	if ws := os.Getenv(EnvWorkspace); ws != "" {
		c.Workspace = ws
	}
	if c.Workspace == "" {
		c.Workspace = filepath.Join(c.StateRoot, "workspace")
	}
	if c.Skills.Dir == "" {
		c.Skills.Dir = filepath.Join(c.StateRoot, "skills")
	}
	if c.Gateway.Port <= 0 || c.Gateway.Port > 65535 {
		return fmt.Errorf("invalid gateway port %d", c.Gateway.Port)
	}
	switch c.Session.Scope {
	case "", "per_peer", "per_sender", "global":
	default:
		return fmt.Errorf("invalid session scope %q", c.Session.Scope)
	}
	switch c.Tools.SandboxMode {
	case "", "workspace", "off":
	default:
		return fmt.Errorf("invalid sandbox mode %q", c.Tools.SandboxMode)
	}
	for name, ch := range c.Channels {
		switch ch.Scope {
		case "", "per_peer", "per_sender", "global":
		default:
			return fmt.Errorf("channel %s: invalid scope %q", name, ch.Scope)
		}
	}
	return nil
}
