package providers

import (
	"context"
	"errors"
	"strings"
)

// Class buckets a provider failure by how the resolver should react.
type Class string

const (
	// ClassRateLimit puts the auth profile on a short cooldown.
	ClassRateLimit Class = "rate_limit"
	// ClassAuth puts the profile on a long cooldown; the key is bad.
	ClassAuth Class = "auth"
	// ClassBilling is treated like auth: quota or payment problems.
	ClassBilling Class = "billing"
	// ClassContextOverflow triggers transcript compaction, not rotation.
	ClassContextOverflow Class = "context_overflow"
	// ClassTransient is retried on the same profile with backoff.
	ClassTransient Class = "transient"
	// ClassFatal aborts: a malformed request will fail everywhere.
	ClassFatal Class = "fatal"
)

// Sentinel errors surfaced to the agent runtime.
var (
	ErrContextOverflow  = errors.New("prompt exceeds model context window")
	ErrNoModelAvailable = errors.New("no model available")
)

// Classify maps a provider error to a failover class. Provider SDKs do not
// share an error taxonomy, so this falls back to message inspection.
func Classify(err error) Class {
	if err == nil {
		return ClassTransient
	}
	if errors.Is(err, ErrContextOverflow) {
		return ClassContextOverflow
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return ClassTransient
	}

	msg := strings.ToLower(err.Error())
	switch {
	case contains(msg, "context length", "context window", "prompt is too long", "maximum context", "too many tokens"):
		return ClassContextOverflow
	case contains(msg, "rate limit", "rate_limit", "429", "too many requests", "overloaded"):
		return ClassRateLimit
	case contains(msg, "401", "403", "unauthorized", "invalid api key", "invalid x-api-key", "authentication", "permission"):
		return ClassAuth
	case contains(msg, "billing", "quota", "insufficient credit", "payment"):
		return ClassBilling
	case contains(msg, "400", "invalid request", "invalid_request", "malformed"):
		return ClassFatal
	case contains(msg, "timeout", "timed out", "connection refused", "connection reset", "500", "502", "503", "504", "server error", "internal error", "unavailable", "eof"):
		return ClassTransient
	default:
		return ClassTransient
	}
}

func contains(msg string, needles ...string) bool {
	for _, n := range needles {
		if strings.Contains(msg, n) {
			return true
		}
	}
	return false
}
