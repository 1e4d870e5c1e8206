package mcp

import (
	"slices"
	"sync"
)

// SessionRegistry remembers which MCP session each agent last called from,
// so escalation notices reach the agent that started or watches a run.
type SessionRegistry struct {
	mu       sync.RWMutex
	sessions map[string]string // agent ID -> session ID
}

// NewSessionRegistry creates an empty registry.
func NewSessionRegistry() *SessionRegistry {
	return &SessionRegistry{sessions: make(map[string]string)}
}

// Register binds agentID to sessionID, replacing an older session.
func (r *SessionRegistry) Register(agentID, sessionID string) {
	if agentID == "" || sessionID == "" {
		return
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	r.sessions[agentID] = sessionID
}

// SessionFor returns the session bound to agentID.
func (r *SessionRegistry) SessionFor(agentID string) (string, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	sid, ok := r.sessions[agentID]
	return sid, ok
}

// Agents lists agents with a session, sorted.
func (r *SessionRegistry) Agents() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]string, 0, len(r.sessions))
	for a := range r.sessions {
		out = append(out, a)
	}
	slices.Sort(out)
	return out
}

// Remove forgets every agent bound to sessionID.
func (r *SessionRegistry) Remove(sessionID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for aid, sid := range r.sessions {
		if sid == sessionID {
			delete(r.sessions, aid)
		}
	}
}
