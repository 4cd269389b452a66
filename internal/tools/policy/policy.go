// Package policy decides which tools a session may call and screens the
// calls themselves (schema, sandbox, dangerous commands) before execution.
package policy

import (
	"sort"
	"strings"
)

// Profile names, from most to least restrictive.
const (
	ProfileMinimal   = "minimal"
	ProfileMessaging = "messaging"
	ProfileCoding    = "coding"
	ProfileFull      = "full"
)

// Groups expand to tool name lists in allow/deny entries, referenced as
// "group:name".
var Groups = map[string][]string{
	"fs":      {"read_file", "write_file"},
	"runtime": {"exec", "spawn"},
	"info":    {"clock"},
}

// profileAllows is the base allow list per profile. The full profile allows
// everything not denied and is handled specially.
var profileAllows = map[string][]string{
	ProfileMinimal:   {"clock"},
	ProfileMessaging: {"clock", "read_file"},
	ProfileCoding:    {"group:info", "group:fs", "exec"},
}

// Policy is the effective tool access policy for one invocation.
type Policy struct {
	Profile string
	Allow   []string
	Deny    []string
}

// expand resolves group references into a deduplicated tool list.
func expand(items []string) []string {
	var out []string
	seen := make(map[string]bool)
	add := func(name string) {
		name = strings.TrimSpace(name)
		if name != "" && !seen[name] {
			seen[name] = true
			out = append(out, name)
		}
	}
	for _, item := range items {
		if name, ok := strings.CutPrefix(strings.TrimSpace(item), "group:"); ok {
			for _, tool := range Groups[name] {
				add(tool)
			}
			continue
		}
		add(item)
	}
	return out
}

// Allows reports whether the policy permits calling the named tool. Deny
// always wins over allow; the full profile allows anything not denied.
func (p *Policy) Allows(tool string) bool {
	for _, d := range expand(p.Deny) {
		if d == tool {
			return false
		}
	}
	if p.Profile == ProfileFull || p.Profile == "" {
		return true
	}
	allowed := expand(profileAllows[p.Profile])
	allowed = append(allowed, expand(p.Allow)...)
	for _, a := range allowed {
		if a == tool {
			return true
		}
	}
	return false
}

// AllowedOf filters names down to those the policy permits, sorted.
func (p *Policy) AllowedOf(names []string) []string {
	var out []string
	for _, n := range names {
		if p.Allows(n) {
			out = append(out, n)
		}
	}
	sort.Strings(out)
	return out
}

// Merge layers a chat-type override onto the base policy. Override denies
// are appended; override allows extend the base allow list.
func (p Policy) Merge(allow, deny []string) Policy {
	merged := p
	merged.Allow = append(append([]string(nil), p.Allow...), allow...)
	merged.Deny = append(append([]string(nil), p.Deny...), deny...)
	return merged
}
