package providers

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync/atomic"
	"time"

	"github.com/haasonsaas/claw/internal/backoff"
)

// AuthProfile is one credential set for a provider. Cooldowns are stored as
// unix nanos so rotation never blocks on a lock.
type AuthProfile struct {
	Name  string
	Creds Credentials

	cooldownUntil atomic.Int64
}

// CoolingDown reports whether the profile is benched.
func (a *AuthProfile) CoolingDown() bool {
	return time.Now().UnixNano() < a.cooldownUntil.Load()
}

func (a *AuthProfile) benchFor(d time.Duration) {
	a.cooldownUntil.Store(time.Now().Add(d).UnixNano())
}

// FailoverPolicy tunes the resolver's reaction to classified errors.
type FailoverPolicy struct {
	RateLimitCooldown time.Duration
	AuthCooldown      time.Duration
	TransientAttempts int
	TransientBackoff  backoff.Policy
}

// DefaultFailoverPolicy matches the documented defaults: one minute for
// rate limits, fifteen for bad keys, three transient attempts.
func DefaultFailoverPolicy() FailoverPolicy {
	return FailoverPolicy{
		RateLimitCooldown: time.Minute,
		AuthCooldown:      15 * time.Minute,
		TransientAttempts: 3,
		TransientBackoff: backoff.Policy{
			Initial: 500 * time.Millisecond,
			Max:     5 * time.Second,
			Factor:  2,
			Jitter:  0.1,
		},
	}
}

type registration struct {
	provider Provider
	profiles []*AuthProfile
	prefixes []string
}

// Resolver routes a model id to a provider and healthy credentials, walking
// a fallback chain when a model cannot be served.
type Resolver struct {
	regs   map[string]*registration
	order  []string
	policy FailoverPolicy
	log    *slog.Logger
}

// NewResolver creates an empty resolver.
func NewResolver(policy FailoverPolicy) *Resolver {
	return &Resolver{
		regs:   make(map[string]*registration),
		policy: policy,
		log:    slog.With("component", "providers"),
	}
}

// Register adds a provider with its credential profiles and model id
// prefixes (e.g. "claude-" for anthropic).
func (r *Resolver) Register(p Provider, profiles []AuthProfile, prefixes []string) {
	reg := &registration{provider: p, prefixes: prefixes}
	for i := range profiles {
		prof := profiles[i]
		reg.profiles = append(reg.profiles, &prof)
	}
	r.regs[p.Name()] = reg
	r.order = append(r.order, p.Name())
}

// ProviderFor returns the provider serving the model id, by prefix match.
func (r *Resolver) ProviderFor(model string) (Provider, bool) {
	for _, name := range r.order {
		reg := r.regs[name]
		for _, prefix := range reg.prefixes {
			if strings.HasPrefix(model, prefix) {
				return reg.provider, true
			}
		}
	}
	return nil, false
}

// Models lists every model all registered providers can serve.
func (r *Resolver) Models() []ModelInfo {
	var out []ModelInfo
	for _, name := range r.order {
		out = append(out, r.regs[name].provider.Models()...)
	}
	return out
}

// ProfileStatus reports credential health for /health.
type ProfileStatus struct {
	Provider    string `json:"provider"`
	Profile     string `json:"profile"`
	CoolingDown bool   `json:"cooling_down"`
}

// Status reports all profiles and their cooldown state.
func (r *Resolver) Status() []ProfileStatus {
	var out []ProfileStatus
	for _, name := range r.order {
		for _, prof := range r.regs[name].profiles {
			out = append(out, ProfileStatus{
				Provider:    name,
				Profile:     prof.Name,
				CoolingDown: prof.CoolingDown(),
			})
		}
	}
	return out
}

// Complete streams a completion for the first servable model in the chain
// (req.Model first, then fallbacks). It rotates credentials on rate limit
// and auth errors, retries transient errors in place, and surfaces
// ErrContextOverflow untouched so the caller can compact. The model that
// actually served the request is returned alongside the stream.
func (r *Resolver) Complete(ctx context.Context, req *CompletionRequest, fallbacks []string) (<-chan *Chunk, string, error) {
	chain := append([]string{req.Model}, fallbacks...)
	var lastErr error

	for _, model := range chain {
		if model == "" {
			continue
		}
		reg := r.registrationFor(model)
		if reg == nil {
			r.log.Warn("no provider for model", "model", model)
			continue
		}

		attempt := *req
		attempt.Model = model
		chunks, err := r.completeWithProfiles(ctx, reg, &attempt)
		if err == nil {
			return chunks, model, nil
		}
		if errors.Is(err, ErrContextOverflow) {
			return nil, model, err
		}
		if ctx.Err() != nil {
			return nil, "", ctx.Err()
		}
		lastErr = err
		r.log.Warn("model unavailable, trying fallback",
			"model", model, "err", err)
	}

	if lastErr != nil {
		return nil, "", fmt.Errorf("%w: %v", ErrNoModelAvailable, lastErr)
	}
	return nil, "", ErrNoModelAvailable
}

func (r *Resolver) registrationFor(model string) *registration {
	for _, name := range r.order {
		reg := r.regs[name]
		for _, prefix := range reg.prefixes {
			if strings.HasPrefix(model, prefix) {
				return reg
			}
		}
	}
	return nil
}

// completeWithProfiles walks the provider's credential profiles in order,
// skipping benched ones.
func (r *Resolver) completeWithProfiles(ctx context.Context, reg *registration, req *CompletionRequest) (<-chan *Chunk, error) {
	var lastErr error
	tried := 0

	for _, prof := range reg.profiles {
		if prof.CoolingDown() {
			continue
		}
		tried++

		chunks, err := r.completeOnce(ctx, reg.provider, prof, req)
		if err == nil {
			return chunks, nil
		}
		lastErr = err

		switch Classify(err) {
		case ClassRateLimit:
			prof.benchFor(r.policy.RateLimitCooldown)
			r.log.Warn("profile rate limited", "provider", reg.provider.Name(),
				"profile", prof.Name, "cooldown", r.policy.RateLimitCooldown)
		case ClassAuth, ClassBilling:
			prof.benchFor(r.policy.AuthCooldown)
			r.log.Error("profile credentials rejected", "provider", reg.provider.Name(),
				"profile", prof.Name, "cooldown", r.policy.AuthCooldown)
		case ClassContextOverflow:
			return nil, ErrContextOverflow
		case ClassFatal:
			return nil, err
		case ClassTransient:
			// retries already happened inside completeOnce
		}
	}

	if tried == 0 {
		return nil, fmt.Errorf("all %s credentials cooling down", reg.provider.Name())
	}
	return nil, lastErr
}

// completeOnce calls the provider on one profile, retrying transient
// failures in place. The first chunk is inspected so connection-time errors
// that the SDK only reports on first read still trigger failover.
func (r *Resolver) completeOnce(ctx context.Context, p Provider, prof *AuthProfile, req *CompletionRequest) (<-chan *Chunk, error) {
	attempts := r.policy.TransientAttempts
	if attempts <= 0 {
		attempts = 1
	}

	var lastErr error
	for attempt := 1; attempt <= attempts; attempt++ {
		chunks, err := r.open(ctx, p, prof, req)
		if err == nil {
			return chunks, nil
		}
		if Classify(err) != ClassTransient {
			return nil, err
		}
		lastErr = err
		if attempt < attempts {
			if serr := r.policy.TransientBackoff.Sleep(ctx, attempt); serr != nil {
				return nil, serr
			}
		}
	}
	return nil, lastErr
}

func (r *Resolver) open(ctx context.Context, p Provider, prof *AuthProfile, req *CompletionRequest) (<-chan *Chunk, error) {
	chunks, err := p.Complete(ctx, prof.Creds, req)
	if err != nil {
		return nil, err
	}

	first, ok := <-chunks
	if !ok {
		return nil, errors.New("provider closed stream without output")
	}
	if first.Err != nil {
		return nil, first.Err
	}

	// Re-prepend the consumed chunk.
	out := make(chan *Chunk, 1)
	out <- first
	go func() {
		defer close(out)
		for c := range chunks {
			out <- c
		}
	}()
	return out, nil
}
