package mcp

import "sync"

// SessionRegistry maps run IDs to MCP session IDs so run lifecycle events
// can be pushed back to the client that launched the run. A reverse index
// per session lets a disconnect drop every run it was watching at once.
type SessionRegistry struct {
	mu     sync.RWMutex
	byRun  map[string]string              // runID → sessionID
	bySess map[string]map[string]struct{} // sessionID → runIDs
}

// NewSessionRegistry creates a new empty SessionRegistry.
func NewSessionRegistry() *SessionRegistry {
	return &SessionRegistry{
		byRun:  make(map[string]string),
		bySess: make(map[string]map[string]struct{}),
	}
}

// Register associates a run ID with a session ID, replacing any previous
// session for that run.
func (r *SessionRegistry) Register(runID, sessionID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.unlink(runID)
	r.byRun[runID] = sessionID
	runs, ok := r.bySess[sessionID]
	if !ok {
		runs = make(map[string]struct{})
		r.bySess[sessionID] = runs
	}
	runs[runID] = struct{}{}
}

// SessionFor returns the session ID that launched the given run, if any.
func (r *SessionRegistry) SessionFor(runID string) (string, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	sid, ok := r.byRun[runID]
	return sid, ok
}

// Forget drops the mapping for a finished run.
func (r *SessionRegistry) Forget(runID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.unlink(runID)
}

// RemoveSession drops every run mapped to a disconnected session and
// returns the run IDs that lost their watcher.
func (r *SessionRegistry) RemoveSession(sessionID string) []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	runs := r.bySess[sessionID]
	if len(runs) == 0 {
		delete(r.bySess, sessionID)
		return nil
	}
	dropped := make([]string, 0, len(runs))
	for runID := range runs {
		delete(r.byRun, runID)
		dropped = append(dropped, runID)
	}
	delete(r.bySess, sessionID)
	return dropped
}

// unlink removes a run from both indexes. Caller holds the write lock.
func (r *SessionRegistry) unlink(runID string) {
	sid, ok := r.byRun[runID]
	if !ok {
		return
	}
	delete(r.byRun, runID)
	if runs := r.bySess[sid]; runs != nil {
		delete(runs, runID)
		if len(runs) == 0 {
			delete(r.bySess, sid)
		}
	}
}
