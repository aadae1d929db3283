package tool

import (
	"fmt"
	"sync"
)

// PluginStore holds plugin sessions suspended on elicitation. A session
// is parked here when its tool call emits an elicit_request and is
// looked up again on a later HTTP request carrying the response. The
// suspension spans independent requests, so the store is process-wide.
type PluginStore struct {
	mu       sync.Mutex
	sessions map[string]*parked
}

type parked struct {
	session  PluginSession
	callID   string
	toolName string
}

// NewPluginStore creates an empty plugin session store.
func NewPluginStore() *PluginStore {
	return &PluginStore{sessions: make(map[string]*parked)}
}

// Park stores a suspended session under its id.
func (s *PluginStore) Park(session PluginSession, callID, toolName string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.sessions[session.ID()] = &parked{session: session, callID: callID, toolName: toolName}
}

// Take removes and returns the session with the given id along with the
// call it belongs to.
func (s *PluginStore) Take(id string) (PluginSession, string, string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	p, ok := s.sessions[id]
	if !ok {
		return nil, "", "", fmt.Errorf("plugin session not found: %s", id)
	}
	delete(s.sessions, id)
	return p.session, p.callID, p.toolName, nil
}

// Abort cancels and removes a suspended session. Unknown ids are a
// no-op: the session may have been resumed or evicted concurrently.
func (s *PluginStore) Abort(id, reason string) (callID, toolName string, found bool) {
	s.mu.Lock()
	p, ok := s.sessions[id]
	if ok {
		delete(s.sessions, id)
	}
	s.mu.Unlock()

	if !ok {
		return "", "", false
	}
	p.session.Cancel(reason)
	return p.callID, p.toolName, true
}

// Len returns the number of parked sessions.
func (s *PluginStore) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.sessions)
}
