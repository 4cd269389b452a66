// Package sessions persists session metadata and transcripts.
//
// Layout under the state root:
//
//	sessions.json            index of session metadata, keyed by hash
//	transcripts/{hash}.jsonl one JSON object per line, append-only
//
// The index is replaced atomically (write temp, rename). Transcript appends
// are flushed with fsync before the index is touched, so after a crash the
// transcript on disk is always a valid prefix of what was acknowledged, plus
// at most one truncated final line. Loading repairs the file in place by
// rewriting it up to the last whole entry, so appends never extend a
// dangling partial line.
package sessions

import (
	"bufio"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/haasonsaas/claw/pkg/models"
)

// ErrNotFound is returned for operations on unknown sessions.
var ErrNotFound = errors.New("session not found")

const indexFile = "sessions.json"

// Store is the filesystem-backed session store. Safe for concurrent use;
// writers serialize on an internal mutex, callers serialize whole turns via
// Locker.
type Store struct {
	mu   sync.Mutex
	root string

	index map[string]*models.SessionMeta

	// tails caches per-session validation state so appends do not reread
	// the transcript. Loaded lazily.
	tails map[string]*tailState

	onUpdate func(models.SessionMeta)

	log *slog.Logger
}

// tailState is the transcript suffix state needed to validate an append.
type tailState struct {
	seenCalls map[string]bool
	pending   []string
}

// NewStore opens or initializes the store under root.
func NewStore(root string) (*Store, error) {
	if err := os.MkdirAll(filepath.Join(root, "transcripts"), 0o755); err != nil {
		return nil, fmt.Errorf("create transcripts dir: %w", err)
	}
	s := &Store{
		root:  root,
		index: make(map[string]*models.SessionMeta),
		tails: make(map[string]*tailState),
		log:   slog.With("component", "sessions"),
	}
	if err := s.loadIndex(); err != nil {
		return nil, err
	}
	return s, nil
}

// OnUpdate registers a callback fired after any metadata change, outside the
// store lock. Used to emit session.updated.
func (s *Store) OnUpdate(fn func(models.SessionMeta)) { s.onUpdate = fn }

func (s *Store) loadIndex() error {
	raw, err := os.ReadFile(filepath.Join(s.root, indexFile))
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return fmt.Errorf("read session index: %w", err)
	}
	var metas []*models.SessionMeta
	if err := json.Unmarshal(raw, &metas); err != nil {
		return fmt.Errorf("parse session index: %w", err)
	}
	for _, m := range metas {
		s.index[m.Key.Hash()] = m
	}
	return nil
}

// saveIndexLocked writes the index atomically. Caller holds s.mu.
func (s *Store) saveIndexLocked() error {
	metas := make([]*models.SessionMeta, 0, len(s.index))
	for _, m := range s.index {
		metas = append(metas, m)
	}
	sort.Slice(metas, func(i, j int) bool {
		return metas[i].Key.String() < metas[j].Key.String()
	})
	raw, err := json.MarshalIndent(metas, "", "  ")
	if err != nil {
		return fmt.Errorf("encode session index: %w", err)
	}

	path := filepath.Join(s.root, indexFile)
	tmp, err := os.CreateTemp(s.root, indexFile+".tmp-*")
	if err != nil {
		return fmt.Errorf("create index temp file: %w", err)
	}
	defer os.Remove(tmp.Name())

	if _, err := tmp.Write(raw); err != nil {
		tmp.Close()
		return fmt.Errorf("write session index: %w", err)
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		return fmt.Errorf("sync session index: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("close session index: %w", err)
	}
	if err := os.Rename(tmp.Name(), path); err != nil {
		return fmt.Errorf("replace session index: %w", err)
	}
	return nil
}

func (s *Store) transcriptPath(hash string) string {
	return filepath.Join(s.root, "transcripts", hash+".jsonl")
}

// GetOrCreate returns the session for key, creating it on first use.
func (s *Store) GetOrCreate(key models.SessionKey) (*models.SessionMeta, bool, error) {
	hash := key.Hash()

	s.mu.Lock()
	if m, ok := s.index[hash]; ok {
		s.mu.Unlock()
		return m, false, nil
	}
	m := &models.SessionMeta{Key: key, LastUpdatedAt: time.Now().UTC()}
	s.index[hash] = m
	err := s.saveIndexLocked()
	if err != nil {
		delete(s.index, hash)
	}
	snap := *m
	s.mu.Unlock()

	if err != nil {
		return nil, false, err
	}
	s.notify(snap)
	return m, true, nil
}

// Get returns the session with the given hash.
func (s *Store) Get(hash string) (*models.SessionMeta, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	m, ok := s.index[hash]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, hash)
	}
	return m, nil
}

// List returns all sessions, most recently updated first.
func (s *Store) List() []models.SessionMeta {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]models.SessionMeta, 0, len(s.index))
	for _, m := range s.index {
		out = append(out, *m)
	}
	sort.Slice(out, func(i, j int) bool {
		return out[i].LastUpdatedAt.After(out[j].LastUpdatedAt)
	})
	return out
}

// Append validates the batch against the transcript tail and appends it,
// fsyncing before the index update. Nothing is written when validation
// fails.
func (s *Store) Append(hash string, entries []models.TranscriptEntry, channel string) error {
	if len(entries) == 0 {
		return nil
	}

	s.mu.Lock()
	snap, err := s.appendLocked(hash, entries, channel)
	s.mu.Unlock()

	if err != nil {
		return err
	}
	s.notify(snap)
	return nil
}

func (s *Store) appendLocked(hash string, entries []models.TranscriptEntry, channel string) (models.SessionMeta, error) {
	m, ok := s.index[hash]
	if !ok {
		return models.SessionMeta{}, fmt.Errorf("%w: %s", ErrNotFound, hash)
	}

	tail, err := s.tailLocked(hash)
	if err != nil {
		return models.SessionMeta{}, err
	}
	next, err := validateAgainstTail(tail, entries)
	if err != nil {
		return models.SessionMeta{}, err
	}

	var buf strings.Builder
	for i := range entries {
		if entries[i].Timestamp.IsZero() {
			entries[i].Timestamp = time.Now().UTC()
		}
		line, err := json.Marshal(entries[i])
		if err != nil {
			return models.SessionMeta{}, fmt.Errorf("encode transcript entry: %w", err)
		}
		buf.Write(line)
		buf.WriteByte('\n')
	}

	f, err := os.OpenFile(s.transcriptPath(hash), os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o644)
	if err != nil {
		return models.SessionMeta{}, fmt.Errorf("open transcript: %w", err)
	}
	if _, err := f.WriteString(buf.String()); err != nil {
		f.Close()
		return models.SessionMeta{}, fmt.Errorf("append transcript: %w", err)
	}
	if err := f.Sync(); err != nil {
		f.Close()
		return models.SessionMeta{}, fmt.Errorf("sync transcript: %w", err)
	}
	if err := f.Close(); err != nil {
		return models.SessionMeta{}, fmt.Errorf("close transcript: %w", err)
	}

	s.tails[hash] = next
	m.LastUpdatedAt = time.Now().UTC()
	if channel != "" {
		m.LastChannel = channel
	}
	if err := s.saveIndexLocked(); err != nil {
		return models.SessionMeta{}, err
	}
	return *m, nil
}

// tailLocked returns the cached validation tail, loading it from disk on
// first touch. Caller holds s.mu.
func (s *Store) tailLocked(hash string) (*tailState, error) {
	if t, ok := s.tails[hash]; ok {
		return t, nil
	}
	entries, err := s.readTranscript(hash)
	if err != nil {
		return nil, err
	}
	t := &tailState{seenCalls: make(map[string]bool)}
	for _, e := range entries {
		applyEntry(t, e)
	}
	s.tails[hash] = t
	return t, nil
}

func applyEntry(t *tailState, e models.TranscriptEntry) {
	switch e.Kind {
	case models.EntryToolCall:
		t.seenCalls[e.CallID] = true
		t.pending = append(t.pending, e.CallID)
	case models.EntryToolResult:
		if len(t.pending) > 0 && t.pending[0] == e.CallID {
			t.pending = t.pending[1:]
		}
	}
}

// validateAgainstTail checks the append invariants without mutating tail,
// returning the tail state after the batch.
func validateAgainstTail(tail *tailState, batch []models.TranscriptEntry) (*tailState, error) {
	next := &tailState{
		seenCalls: make(map[string]bool, len(tail.seenCalls)+len(batch)),
		pending:   append([]string(nil), tail.pending...),
	}
	for id := range tail.seenCalls {
		next.seenCalls[id] = true
	}
	for i, e := range batch {
		switch e.Kind {
		case models.EntryToolCall:
			if e.CallID == "" {
				return nil, fmt.Errorf("entry %d: tool_call without call_id", i)
			}
			if next.seenCalls[e.CallID] {
				return nil, fmt.Errorf("entry %d: duplicate call_id %q", i, e.CallID)
			}
		case models.EntryToolResult:
			if len(next.pending) == 0 {
				return nil, fmt.Errorf("entry %d: tool_result %q without pending call", i, e.CallID)
			}
			if next.pending[0] != e.CallID {
				return nil, fmt.Errorf("entry %d: tool_result %q out of order, expected %q", i, e.CallID, next.pending[0])
			}
		case models.EntryUser:
			if len(next.pending) > 0 {
				return nil, fmt.Errorf("entry %d: user entry while tool calls pending", i)
			}
		}
		applyEntry(next, e)
	}
	return next, nil
}

// ReadTranscript returns the full transcript for hash. A missing file is an
// empty transcript.
func (s *Store) ReadTranscript(hash string) ([]models.TranscriptEntry, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.index[hash]; !ok {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, hash)
	}
	return s.readTranscript(hash)
}

// readTranscript reads and repairs the jsonl file. A malformed final line is
// a crash artifact; a malformed interior line means one bad entry must not
// brick the session. Either way the file is rewritten without the bad
// lines, so a later O_APPEND never fuses a new entry onto a dangling
// partial line.
func (s *Store) readTranscript(hash string) ([]models.TranscriptEntry, error) {
	f, err := os.Open(s.transcriptPath(hash))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("open transcript: %w", err)
	}
	defer f.Close()

	var entries []models.TranscriptEntry
	var badLines []int
	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 0, 64*1024), 16*1024*1024)
	lineNo := 0
	for scanner.Scan() {
		lineNo++
		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}
		var e models.TranscriptEntry
		if err := json.Unmarshal([]byte(line), &e); err != nil {
			badLines = append(badLines, lineNo)
			continue
		}
		entries = append(entries, e)
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("read transcript: %w", err)
	}
	if len(badLines) > 0 {
		s.log.Warn("repairing transcript, dropping malformed lines",
			"session", hash, "lines", badLines)
		if err := s.writeTranscriptLocked(hash, entries); err != nil {
			return nil, fmt.Errorf("repair transcript: %w", err)
		}
	}
	return entries, nil
}

// writeTranscriptLocked atomically replaces the transcript file with the
// given entries (write temp, fsync, rename). Caller holds s.mu.
func (s *Store) writeTranscriptLocked(hash string, entries []models.TranscriptEntry) error {
	path := s.transcriptPath(hash)
	tmp, err := os.CreateTemp(filepath.Dir(path), hash+".tmp-*")
	if err != nil {
		return fmt.Errorf("create transcript temp file: %w", err)
	}
	defer os.Remove(tmp.Name())

	w := bufio.NewWriter(tmp)
	for _, e := range entries {
		line, err := json.Marshal(e)
		if err != nil {
			tmp.Close()
			return fmt.Errorf("encode transcript entry: %w", err)
		}
		w.Write(line)
		w.WriteByte('\n')
	}
	if err := w.Flush(); err != nil {
		tmp.Close()
		return fmt.Errorf("write transcript: %w", err)
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		return fmt.Errorf("sync transcript: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("close transcript: %w", err)
	}
	if err := os.Rename(tmp.Name(), path); err != nil {
		return fmt.Errorf("replace transcript: %w", err)
	}
	return nil
}

// PatchMeta applies a partial metadata update.
func (s *Store) PatchMeta(hash string, patch models.MetaPatch) (*models.SessionMeta, error) {
	s.mu.Lock()
	m, ok := s.index[hash]
	if !ok {
		s.mu.Unlock()
		return nil, fmt.Errorf("%w: %s", ErrNotFound, hash)
	}
	if patch.Label != nil {
		m.Label = *patch.Label
	}
	if patch.ModelOverride != nil {
		m.ModelOverride = *patch.ModelOverride
	}
	if patch.ThinkingLevel != nil {
		m.ThinkingLevel = *patch.ThinkingLevel
	}
	if patch.SpawnedBy != nil {
		m.SpawnedBy = *patch.SpawnedBy
	}
	if patch.SpawnDepth != nil {
		m.SpawnDepth = *patch.SpawnDepth
	}
	m.LastUpdatedAt = time.Now().UTC()
	err := s.saveIndexLocked()
	snap := *m
	s.mu.Unlock()

	if err != nil {
		return nil, err
	}
	s.notify(snap)
	return m, nil
}

// Reset archives the transcript and starts the session fresh. Metadata and
// the session key survive.
func (s *Store) Reset(hash string) error {
	s.mu.Lock()
	m, ok := s.index[hash]
	if !ok {
		s.mu.Unlock()
		return fmt.Errorf("%w: %s", ErrNotFound, hash)
	}

	path := s.transcriptPath(hash)
	if _, err := os.Stat(path); err == nil {
		archived := fmt.Sprintf("%s.%d.bak", path, time.Now().Unix())
		if err := os.Rename(path, archived); err != nil {
			s.mu.Unlock()
			return fmt.Errorf("archive transcript: %w", err)
		}
	}
	delete(s.tails, hash)
	now := time.Now().UTC()
	m.LastResetAt = &now
	m.LastUpdatedAt = now
	err := s.saveIndexLocked()
	snap := *m
	s.mu.Unlock()

	if err != nil {
		return err
	}
	s.notify(snap)
	return nil
}

// Delete removes the session and its transcript.
func (s *Store) Delete(hash string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.index[hash]; !ok {
		return fmt.Errorf("%w: %s", ErrNotFound, hash)
	}
	if err := os.Remove(s.transcriptPath(hash)); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("remove transcript: %w", err)
	}
	delete(s.index, hash)
	delete(s.tails, hash)
	return s.saveIndexLocked()
}

// ReplaceTranscript atomically rewrites the transcript, used by compaction.
func (s *Store) ReplaceTranscript(hash string, entries []models.TranscriptEntry) error {
	if err := models.ValidateTranscript(entries); err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	m, ok := s.index[hash]
	if !ok {
		return fmt.Errorf("%w: %s", ErrNotFound, hash)
	}

	if err := s.writeTranscriptLocked(hash, entries); err != nil {
		return err
	}

	delete(s.tails, hash)
	m.LastUpdatedAt = time.Now().UTC()
	return s.saveIndexLocked()
}

func (s *Store) notify(m models.SessionMeta) {
	if s.onUpdate == nil {
		return
	}
	s.onUpdate(m)
}
