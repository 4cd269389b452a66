package sessions

import (
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/haasonsaas/claw/pkg/models"
)

func testKey(peer string) models.SessionKey {
	return models.SessionKey{
		Channel:  "telegram",
		Account:  "bot",
		ChatType: models.ChatDirect,
		Peer:     peer,
		Scope:    models.ScopePerPeer,
	}
}

func newTestStore(t *testing.T) *Store {
	t.Helper()
	s, err := NewStore(t.TempDir())
	if err != nil {
		t.Fatalf("NewStore: %v", err)
	}
	return s
}

func TestGetOrCreateIdempotent(t *testing.T) {
	s := newTestStore(t)
	key := testKey("42")

	first, created, err := s.GetOrCreate(key)
	if err != nil || !created {
		t.Fatalf("first GetOrCreate: created=%v err=%v", created, err)
	}
	second, created, err := s.GetOrCreate(key)
	if err != nil || created {
		t.Fatalf("second GetOrCreate: created=%v err=%v", created, err)
	}
	if first.Key.Hash() != second.Key.Hash() {
		t.Error("same key produced different sessions")
	}
}

func TestAppendAndReadBack(t *testing.T) {
	s := newTestStore(t)
	key := testKey("42")
	m, _, err := s.GetOrCreate(key)
	if err != nil {
		t.Fatal(err)
	}
	hash := m.Key.Hash()

	batch := []models.TranscriptEntry{
		models.UserEntry("hello", time.Now()),
		{Kind: models.EntryAssistant, StopReason: models.StopEndTurn,
			Content: []models.ContentBlock{models.TextBlock("hi")}},
	}
	if err := s.Append(hash, batch, "telegram"); err != nil {
		t.Fatalf("Append: %v", err)
	}

	got, err := s.ReadTranscript(hash)
	if err != nil {
		t.Fatalf("ReadTranscript: %v", err)
	}
	if len(got) != 2 {
		t.Fatalf("read %d entries", len(got))
	}
	if got[0].Kind != models.EntryUser || got[0].Text() != "hello" {
		t.Errorf("first entry = %+v", got[0])
	}
}

func TestAppendRejectsInvalidBatchWithoutWriting(t *testing.T) {
	s := newTestStore(t)
	m, _, _ := s.GetOrCreate(testKey("42"))
	hash := m.Key.Hash()

	good := []models.TranscriptEntry{
		{Kind: models.EntryToolCall, CallID: "c1"},
		{Kind: models.EntryToolResult, CallID: "c1"},
	}
	if err := s.Append(hash, good, ""); err != nil {
		t.Fatalf("Append: %v", err)
	}

	// Duplicate call id across batches must fail and leave the file alone.
	if err := s.Append(hash, []models.TranscriptEntry{
		{Kind: models.EntryToolCall, CallID: "c1"},
	}, ""); err == nil {
		t.Fatal("duplicate call_id across batches accepted")
	}

	got, err := s.ReadTranscript(hash)
	if err != nil {
		t.Fatal(err)
	}
	if len(got) != 2 {
		t.Fatalf("transcript has %d entries after rejected append", len(got))
	}
}

func TestReadTranscriptRepairsTruncatedTail(t *testing.T) {
	s := newTestStore(t)
	m, _, _ := s.GetOrCreate(testKey("42"))
	hash := m.Key.Hash()

	if err := s.Append(hash, []models.TranscriptEntry{
		models.UserEntry("one", time.Now()),
	}, ""); err != nil {
		t.Fatal(err)
	}

	// Simulate a crash mid-write: partial JSON on the last line.
	path := s.transcriptPath(hash)
	f, err := os.OpenFile(path, os.O_APPEND|os.O_WRONLY, 0o644)
	if err != nil {
		t.Fatal(err)
	}
	f.WriteString(`{"kind":"assistant","content":[{"ty`)
	f.Close()

	got, err := s.ReadTranscript(hash)
	if err != nil {
		t.Fatalf("ReadTranscript: %v", err)
	}
	if len(got) != 1 {
		t.Fatalf("read %d entries, want 1", len(got))
	}

	// The load rewrote the file without the dangling line.
	raw, err := os.ReadFile(path)
	if err != nil {
		t.Fatal(err)
	}
	if strings.Contains(string(raw), `[{"ty`) {
		t.Errorf("partial line survived repair: %q", raw)
	}
	if !strings.HasSuffix(string(raw), "\n") {
		t.Errorf("repaired file does not end at an entry boundary: %q", raw)
	}
}

func TestCrashTruncatedTailThenAppend(t *testing.T) {
	dir := t.TempDir()
	s, err := NewStore(dir)
	if err != nil {
		t.Fatal(err)
	}
	m, _, _ := s.GetOrCreate(testKey("42"))
	hash := m.Key.Hash()
	if err := s.Append(hash, []models.TranscriptEntry{
		models.UserEntry("first", time.Now()),
	}, ""); err != nil {
		t.Fatal(err)
	}

	path := s.transcriptPath(hash)
	f, err := os.OpenFile(path, os.O_APPEND|os.O_WRONLY, 0o644)
	if err != nil {
		t.Fatal(err)
	}
	f.WriteString(`{"kind":"assistant","content":[{"ty`)
	f.Close()

	// A fresh process appends without reading first. The fsynced entry must
	// not fuse onto the partial line and disappear.
	reopened, err := NewStore(dir)
	if err != nil {
		t.Fatalf("reopen: %v", err)
	}
	if err := reopened.Append(hash, []models.TranscriptEntry{
		models.UserEntry("second", time.Now()),
	}, ""); err != nil {
		t.Fatalf("Append after crash: %v", err)
	}

	got, err := reopened.ReadTranscript(hash)
	if err != nil {
		t.Fatalf("ReadTranscript: %v", err)
	}
	if len(got) != 2 || got[0].Text() != "first" || got[1].Text() != "second" {
		t.Fatalf("transcript after crash+append = %+v", got)
	}
}

func TestResetArchivesTranscript(t *testing.T) {
	s := newTestStore(t)
	m, _, _ := s.GetOrCreate(testKey("42"))
	hash := m.Key.Hash()

	s.Append(hash, []models.TranscriptEntry{models.UserEntry("hi", time.Now())}, "")
	if err := s.Reset(hash); err != nil {
		t.Fatalf("Reset: %v", err)
	}

	got, err := s.ReadTranscript(hash)
	if err != nil {
		t.Fatal(err)
	}
	if len(got) != 0 {
		t.Fatalf("transcript not empty after reset: %d entries", len(got))
	}
	meta, err := s.Get(hash)
	if err != nil {
		t.Fatal(err)
	}
	if meta.LastResetAt == nil {
		t.Error("LastResetAt not set")
	}

	matches, _ := filepath.Glob(s.transcriptPath(hash) + ".*.bak")
	if len(matches) != 1 {
		t.Errorf("archived transcript missing: %v", matches)
	}
}

func TestDeleteRemovesSession(t *testing.T) {
	s := newTestStore(t)
	m, _, _ := s.GetOrCreate(testKey("42"))
	hash := m.Key.Hash()
	s.Append(hash, []models.TranscriptEntry{models.UserEntry("hi", time.Now())}, "")

	if err := s.Delete(hash); err != nil {
		t.Fatalf("Delete: %v", err)
	}
	if _, err := s.Get(hash); !errors.Is(err, ErrNotFound) {
		t.Errorf("Get after delete: %v", err)
	}
	if _, err := os.Stat(s.transcriptPath(hash)); !os.IsNotExist(err) {
		t.Error("transcript file survived delete")
	}
}

func TestIndexSurvivesReopen(t *testing.T) {
	dir := t.TempDir()
	s, err := NewStore(dir)
	if err != nil {
		t.Fatal(err)
	}
	m, _, _ := s.GetOrCreate(testKey("42"))
	label := "ops"
	if _, err := s.PatchMeta(m.Key.Hash(), models.MetaPatch{Label: &label}); err != nil {
		t.Fatal(err)
	}

	reopened, err := NewStore(dir)
	if err != nil {
		t.Fatalf("reopen: %v", err)
	}
	got, err := reopened.Get(m.Key.Hash())
	if err != nil {
		t.Fatalf("Get after reopen: %v", err)
	}
	if got.Label != "ops" {
		t.Errorf("label = %q after reopen", got.Label)
	}
}

func TestOnUpdateFires(t *testing.T) {
	s := newTestStore(t)
	updates := make(chan models.SessionMeta, 8)
	s.OnUpdate(func(m models.SessionMeta) { updates <- m })

	m, _, _ := s.GetOrCreate(testKey("42"))
	select {
	case got := <-updates:
		if got.Key.Hash() != m.Key.Hash() {
			t.Errorf("update for wrong session: %s", got.Key)
		}
	case <-time.After(time.Second):
		t.Fatal("no update after create")
	}
}

func TestAppendNotifiesInOrder(t *testing.T) {
	s := newTestStore(t)
	m, _, _ := s.GetOrCreate(testKey("42"))
	hash := m.Key.Hash()

	var seen int
	s.OnUpdate(func(models.SessionMeta) { seen++ })

	// Notifications fire synchronously, so consecutive appends observe a
	// strictly increasing count with no goroutine races.
	for i := 1; i <= 3; i++ {
		if err := s.Append(hash, []models.TranscriptEntry{
			models.UserEntry("msg", time.Now()),
		}, ""); err != nil {
			t.Fatalf("Append %d: %v", i, err)
		}
		if seen != i {
			t.Fatalf("after append %d saw %d notifications", i, seen)
		}
	}
}

func TestReplaceTranscript(t *testing.T) {
	s := newTestStore(t)
	m, _, _ := s.GetOrCreate(testKey("42"))
	hash := m.Key.Hash()
	for i := 0; i < 3; i++ {
		s.Append(hash, []models.TranscriptEntry{models.UserEntry("msg", time.Now())}, "")
	}

	compacted := []models.TranscriptEntry{
		models.SystemEntry("compacted", nil, time.Now()),
		models.UserEntry("msg", time.Now()),
	}
	if err := s.ReplaceTranscript(hash, compacted); err != nil {
		t.Fatalf("ReplaceTranscript: %v", err)
	}
	got, _ := s.ReadTranscript(hash)
	if len(got) != 2 {
		t.Fatalf("transcript has %d entries after replace", len(got))
	}
	if got[0].Kind != models.EntrySystem {
		t.Errorf("first entry kind = %s", got[0].Kind)
	}
}
