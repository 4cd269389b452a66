package agent

import (
	"context"
	"sync"

	"github.com/google/uuid"

	"github.com/haasonsaas/claw/pkg/models"
)

// Run tracks one in-flight or recently finished agent turn.
type Run struct {
	ID          string
	SessionHash string

	cancel context.CancelFunc
	done   chan struct{}

	mu        sync.Mutex
	status    models.RunStatus
	errKind   string
	errMsg    string
	finalText string
	finished  bool
}

// Done is closed when the run reaches a terminal state.
func (r *Run) Done() <-chan struct{} { return r.done }

// Abort cancels the run's context. The turn loop observes the cancellation
// and finishes with RunCancelled.
func (r *Run) Abort() { r.cancel() }

// Status returns the current status; RunOK with finished=false means still
// running.
func (r *Run) Status() (models.RunStatus, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.status, r.finished
}

// Result returns the final reply text and error detail after Done.
func (r *Run) Result() (text, errKind, errMsg string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.finalText, r.errKind, r.errMsg
}

func (r *Run) finish(status models.RunStatus, finalText, errKind, errMsg string) {
	r.mu.Lock()
	if r.finished {
		r.mu.Unlock()
		return
	}
	r.status = status
	r.finalText = finalText
	r.errKind = errKind
	r.errMsg = errMsg
	r.finished = true
	r.mu.Unlock()
	close(r.done)
}

// RunRegistry indexes active runs by id and by session so abort and status
// can find them. A finished run stays queryable until the next run for the
// same session replaces it.
type RunRegistry struct {
	mu        sync.Mutex
	byID      map[string]*Run
	bySession map[string]*Run
}

// NewRunRegistry creates an empty registry.
func NewRunRegistry() *RunRegistry {
	return &RunRegistry{
		byID:      make(map[string]*Run),
		bySession: make(map[string]*Run),
	}
}

func (rr *RunRegistry) newRun(sessionHash string, cancel context.CancelFunc) *Run {
	run := &Run{
		ID:          "run_" + uuid.NewString(),
		SessionHash: sessionHash,
		cancel:      cancel,
		done:        make(chan struct{}),
		status:      models.RunOK,
	}
	rr.mu.Lock()
	if old, ok := rr.bySession[sessionHash]; ok {
		delete(rr.byID, old.ID)
	}
	rr.byID[run.ID] = run
	rr.bySession[sessionHash] = run
	rr.mu.Unlock()
	return run
}

func (rr *RunRegistry) remove(run *Run) {
	rr.mu.Lock()
	delete(rr.byID, run.ID)
	if rr.bySession[run.SessionHash] == run {
		delete(rr.bySession, run.SessionHash)
	}
	rr.mu.Unlock()
}

// Get returns the run with the given id.
func (rr *RunRegistry) Get(id string) (*Run, bool) {
	rr.mu.Lock()
	defer rr.mu.Unlock()
	run, ok := rr.byID[id]
	return run, ok
}

// ForSession returns the active run for a session, if any.
func (rr *RunRegistry) ForSession(sessionHash string) (*Run, bool) {
	rr.mu.Lock()
	defer rr.mu.Unlock()
	run, ok := rr.bySession[sessionHash]
	return run, ok
}

// Abort cancels the active run for a session. Returns false when nothing
// was running.
func (rr *RunRegistry) Abort(sessionHash string) bool {
	run, ok := rr.ForSession(sessionHash)
	if !ok {
		return false
	}
	if _, finished := run.Status(); finished {
		return false
	}
	run.Abort()
	return true
}

// Active reports the number of unfinished runs.
func (rr *RunRegistry) Active() int {
	rr.mu.Lock()
	defer rr.mu.Unlock()
	n := 0
	for _, run := range rr.byID {
		if _, finished := run.Status(); !finished {
			n++
		}
	}
	return n
}
