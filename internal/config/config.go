// Package config loads and holds the daemon configuration. Config values
// are immutable once loaded; reload installs a whole new snapshot (see
// Holder) rather than mutating in place.
package config

import (
	"time"
)

// Config is the root configuration object. It is treated as an immutable
// value after Load returns.
type Config struct {
	// StateRoot is the directory holding config.json, sessions.json,
	// transcripts/, skills/ and workspace/.
	StateRoot string `json:"state_root,omitempty"`
	// Workspace is the directory exposed to tools. Defaults to
	// {state_root}/workspace.
	Workspace string `json:"workspace,omitempty"`

	LogLevel string `json:"log_level,omitempty"` // debug, info, warn, error

	Gateway   GatewayConfig            `json:"gateway"`
	Session   SessionConfig            `json:"session"`
	Agent     AgentConfig              `json:"agent"`
	Providers ProvidersConfig          `json:"providers"`
	Tools     ToolsConfig              `json:"tools"`
	Channels  map[string]ChannelConfig `json:"channels,omitempty"`
	Cron      CronConfig               `json:"cron"`
	Skills    SkillsConfig             `json:"skills"`
	Talk      TalkConfig               `json:"talk"`
}

// GatewayConfig configures the WebSocket/HTTP control plane.
type GatewayConfig struct {
	Host string `json:"host,omitempty"`
	Port int    `json:"port,omitempty"`

	// AuthToken is the pre-shared token accepted in hello. Compared in
	// constant time.
	AuthToken string `json:"auth_token,omitempty"`
	// PasswordHash is a hex SHA-256 of the gateway password, accepted as an
	// alternative auth proof.
	PasswordHash string `json:"password_hash,omitempty"`
	// PairingSecret signs node-pairing tokens.
	PairingSecret string `json:"pairing_secret,omitempty"`

	// HelloWindow bounds how long a connection may stay unauthenticated.
	HelloWindow Duration `json:"hello_window,omitempty"`

	MaxFrameBytes int64 `json:"max_frame_bytes,omitempty"`
	SendQueueSize int   `json:"send_queue_size,omitempty"`

	RateLimit RateLimitConfig `json:"rate_limit"`

	// UIPrefix serves static UI assets when non-empty.
	UIPrefix string `json:"ui_prefix,omitempty"`
	UIDir    string `json:"ui_dir,omitempty"`

	// TrustedProxy reads the client IP from X-Forwarded-For.
	TrustedProxy bool `json:"trusted_proxy,omitempty"`
}

// RateLimitConfig configures the per-IP token buckets: one for req frames,
// one for new connections.
type RateLimitConfig struct {
	Enabled         bool     `json:"enabled"`
	RequestsPerSec  float64  `json:"requests_per_sec,omitempty"`
	RequestBurst    int      `json:"request_burst,omitempty"`
	ConnectsPerSec  float64  `json:"connects_per_sec,omitempty"`
	ConnectBurst    int      `json:"connect_burst,omitempty"`
	EntryTTL        Duration `json:"entry_ttl,omitempty"`
	SweeperInterval Duration `json:"sweeper_interval,omitempty"`
}

// SessionConfig configures routing and concurrency of sessions.
type SessionConfig struct {
	// Scope is the default sender-to-session mapping; channels may
	// override it via their own config.
	Scope string `json:"scope,omitempty"`
	// QueueSends queues a second send for a busy session behind the writer
	// lock instead of rejecting it with busy.
	QueueSends bool `json:"queue_sends,omitempty"`
	// LockTimeout bounds how long a queued send waits for the writer lock.
	LockTimeout Duration `json:"lock_timeout,omitempty"`
}

// AgentConfig configures the runtime loop.
type AgentConfig struct {
	Model          string   `json:"model,omitempty"`
	FallbackChain  []string `json:"fallback_chain,omitempty"`
	MaxIterations  int      `json:"max_iterations,omitempty"`
	MaxTokens      int      `json:"max_tokens,omitempty"`
	SystemPreamble string   `json:"system_preamble,omitempty"`
	// IdentityFiles are workspace-relative documents appended to the
	// system prompt.
	IdentityFiles []string `json:"identity_files,omitempty"`

	// Compaction
	KeepRecentPairs  int `json:"keep_recent_pairs,omitempty"`
	ToolResultHead   int `json:"tool_result_head,omitempty"`
	ToolResultTail   int `json:"tool_result_tail,omitempty"`
	OverflowAttempts int `json:"overflow_attempts,omitempty"`

	// Sub-agents
	MaxSpawnDepth    int `json:"max_spawn_depth,omitempty"`
	SpawnConcurrency int `json:"spawn_concurrency,omitempty"`
}

// AuthProfileConfig is one set of credentials for a provider. Profiles are
// tried in listed order.
type AuthProfileConfig struct {
	Name    string `json:"name"`
	APIKey  string `json:"api_key"`
	BaseURL string `json:"base_url,omitempty"`
}

// ProviderConfig binds a provider name to its auth profiles and model
// prefixes.
type ProviderConfig struct {
	Profiles []AuthProfileConfig `json:"profiles,omitempty"`
	// ModelPrefixes route model ids to this provider (e.g. "claude-").
	ModelPrefixes []string `json:"model_prefixes,omitempty"`
}

// FailoverConfig configures classification-driven rotation.
type FailoverConfig struct {
	RateLimitCooldown Duration `json:"rate_limit_cooldown,omitempty"`
	AuthCooldown      Duration `json:"auth_cooldown,omitempty"`
	TransientAttempts int      `json:"transient_attempts,omitempty"`
	TransientBackoff  Duration `json:"transient_backoff,omitempty"`
}

// ProvidersConfig maps provider names to their configs.
type ProvidersConfig struct {
	ByName   map[string]ProviderConfig `json:"by_name,omitempty"`
	Failover FailoverConfig            `json:"failover"`
}

// ToolsConfig configures the policy pipeline.
type ToolsConfig struct {
	Profile string   `json:"profile,omitempty"` // minimal, coding, messaging, full
	Allow   []string `json:"allow,omitempty"`
	Deny    []string `json:"deny,omitempty"`
	// ByChatType applies additional restrictions per chat type.
	ByChatType map[string]ToolPolicyConfig `json:"by_chat_type,omitempty"`

	// SandboxMode: "workspace" confines path args to the workspace root,
	// "off" allows any path.
	SandboxMode string   `json:"sandbox_mode,omitempty"`
	ExecTimeout Duration `json:"exec_timeout,omitempty"`
}

// ToolPolicyConfig is a per-chat-type allow/deny pair.
type ToolPolicyConfig struct {
	Allow []string `json:"allow,omitempty"`
	Deny  []string `json:"deny,omitempty"`
}

// ChannelConfig configures one channel adapter instance.
type ChannelConfig struct {
	Enabled  bool   `json:"enabled"`
	Token    string `json:"token,omitempty"`
	AppToken string `json:"app_token,omitempty"` // slack socket mode
	Account  string `json:"account,omitempty"`
	Scope    string `json:"scope,omitempty"` // overrides session.scope
	// AudioPolicy: "caption" downgrades audio to text, "drop" discards it.
	AudioPolicy string `json:"audio_policy,omitempty"`
}

// CronJobConfig is one scheduled message.
type CronJobConfig struct {
	Name     string `json:"name"`
	Schedule string `json:"schedule"` // cron expression
	Message  string `json:"message"`
	Channel  string `json:"channel,omitempty"`
	Peer     string `json:"peer,omitempty"`
}

// CronConfig holds scheduled messages.
type CronConfig struct {
	Jobs []CronJobConfig `json:"jobs,omitempty"`
}

// SkillsConfig configures YAML capability injections.
type SkillsConfig struct {
	Dir string `json:"dir,omitempty"` // defaults to {state_root}/skills
}

// TalkConfig configures voice sessions. The frame codec stays pluggable.
type TalkConfig struct {
	Enabled bool   `json:"enabled,omitempty"`
	Codec   string `json:"codec,omitempty"` // "opus" or "pcm16"
}

// Default returns the built-in configuration.
func Default() *Config {
	return &Config{
		LogLevel: "info",
		Gateway: GatewayConfig{
			Host:          "127.0.0.1",
			Port:          4180,
			HelloWindow:   Duration(10 * time.Second),
			MaxFrameBytes: 1 << 20,
			SendQueueSize: 128,
			RateLimit: RateLimitConfig{
				Enabled:         true,
				RequestsPerSec:  20,
				RequestBurst:    40,
				ConnectsPerSec:  2,
				ConnectBurst:    5,
				EntryTTL:        Duration(10 * time.Minute),
				SweeperInterval: Duration(time.Minute),
			},
		},
		Session: SessionConfig{
			Scope:       "per_peer",
			LockTimeout: Duration(30 * time.Second),
		},
		Agent: AgentConfig{
			MaxIterations:    10,
			MaxTokens:        4096,
			KeepRecentPairs:  4,
			ToolResultHead:   2000,
			ToolResultTail:   500,
			OverflowAttempts: 3,
			MaxSpawnDepth:    2,
			SpawnConcurrency: 2,
		},
		Providers: ProvidersConfig{
			Failover: FailoverConfig{
				RateLimitCooldown: Duration(time.Minute),
				AuthCooldown:      Duration(15 * time.Minute),
				TransientAttempts: 3,
				TransientBackoff:  Duration(500 * time.Millisecond),
			},
		},
		Tools: ToolsConfig{
			Profile:     "full",
			SandboxMode: "workspace",
			ExecTimeout: Duration(60 * time.Second),
		},
		Talk: TalkConfig{Codec: "opus"},
	}
}

// RestartRequired reports whether switching from old to next changes values
// that only take effect at process start. The reloader emits
// config.reload_required instead of applying such a change.
func RestartRequired(old, next *Config) bool {
	if old == nil || next == nil {
		return false
	}
	return old.Gateway.Host != next.Gateway.Host ||
		old.Gateway.Port != next.Gateway.Port ||
		old.StateRoot != next.StateRoot
}
