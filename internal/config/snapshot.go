package config

import (
	"log/slog"
	"sync/atomic"
)

// Holder publishes the active config snapshot. Readers call Current and get
// an immutable *Config; Reload swaps the whole pointer so a running agent
// turn keeps the snapshot it started with.
type Holder struct {
	current atomic.Pointer[Config]

	// onChange is invoked after a successful swap.
	onChange func(*Config)
	// onRestartRequired is invoked instead of swapping when the new config
	// changes process-start-only fields.
	onRestartRequired func(*Config)
}

// NewHolder seeds the holder with an initial snapshot.
func NewHolder(initial *Config) *Holder {
	h := &Holder{}
	h.current.Store(initial)
	return h
}

// OnChange registers the callback fired after each applied reload.
func (h *Holder) OnChange(fn func(*Config)) { h.onChange = fn }

// OnRestartRequired registers the callback fired when a reload is deferred.
func (h *Holder) OnRestartRequired(fn func(*Config)) { h.onRestartRequired = fn }

// Current returns the active snapshot. Never nil after NewHolder.
func (h *Holder) Current() *Config { return h.current.Load() }

// Reload installs next as the active snapshot unless it requires a restart,
// in which case the old snapshot stays active and onRestartRequired fires.
// Returns true when the swap happened.
func (h *Holder) Reload(next *Config) bool {
	old := h.current.Load()
	if RestartRequired(old, next) {
		slog.Warn("config change requires restart, keeping current snapshot",
			"component", "config")
		if h.onRestartRequired != nil {
			h.onRestartRequired(next)
		}
		return false
	}
	h.current.Store(next)
	slog.Info("config reloaded", "component", "config")
	if h.onChange != nil {
		h.onChange(next)
	}
	return true
}
