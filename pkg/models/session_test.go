package models

import (
	"strings"
	"testing"
)

func TestSessionKeyHashStable(t *testing.T) {
	key := SessionKey{Channel: "telegram", Account: "bot1", ChatType: ChatGroup, Peer: "-100123", Scope: ScopePerPeer}
	first := key.Hash()
	second := key.Hash()
	if first != second {
		t.Fatalf("hash not stable: %s vs %s", first, second)
	}
	if !strings.HasPrefix(first, "s_") {
		t.Fatalf("hash missing domain tag: %s", first)
	}
	if len(first) != 2+16 {
		t.Fatalf("unexpected hash length: %s", first)
	}
}

func TestSessionKeyHashDistinguishesTuple(t *testing.T) {
	base := SessionKey{Channel: "telegram", Account: "bot1", ChatType: ChatDirect, Peer: "42", Scope: ScopePerPeer}
	variants := []SessionKey{
		{Channel: "discord", Account: "bot1", ChatType: ChatDirect, Peer: "42", Scope: ScopePerPeer},
		{Channel: "telegram", Account: "bot2", ChatType: ChatDirect, Peer: "42", Scope: ScopePerPeer},
		{Channel: "telegram", Account: "bot1", ChatType: ChatGroup, Peer: "42", Scope: ScopePerPeer},
		{Channel: "telegram", Account: "bot1", ChatType: ChatDirect, Peer: "43", Scope: ScopePerPeer},
		{Channel: "telegram", Account: "bot1", ChatType: ChatDirect, Peer: "42", Scope: ScopeGlobal},
	}
	for _, v := range variants {
		if v.Hash() == base.Hash() {
			t.Errorf("hash collision between %s and %s", base, v)
		}
	}
}

func TestSessionKeyForScopes(t *testing.T) {
	msg := &InboundMessage{
		Channel:  "discord",
		Account:  "main",
		ChatType: ChatGroup,
		PeerID:   "guild/chan",
		SenderID: "user9",
	}

	perPeer := msg.SessionKeyFor(ScopePerPeer)
	if perPeer.Peer != "guild/chan" {
		t.Errorf("per_peer peer = %q", perPeer.Peer)
	}

	perSender := msg.SessionKeyFor(ScopePerSender)
	if perSender.Peer != "guild/chan/user9" {
		t.Errorf("per_sender peer = %q", perSender.Peer)
	}

	global := msg.SessionKeyFor(ScopeGlobal)
	if global.Peer != "" {
		t.Errorf("global peer = %q", global.Peer)
	}
	if global.Hash() == perPeer.Hash() {
		t.Error("global and per_peer keys must differ")
	}
}

func TestParseScope(t *testing.T) {
	cases := map[string]Scope{
		"per_sender": ScopePerSender,
		"GLOBAL":     ScopeGlobal,
		" per_peer ": ScopePerPeer,
		"":           ScopePerPeer,
		"bogus":      ScopePerPeer,
	}
	for input, want := range cases {
		if got := ParseScope(input); got != want {
			t.Errorf("ParseScope(%q) = %q, want %q", input, got, want)
		}
	}
}
