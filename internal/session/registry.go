package session

import (
	"sync"
	"time"

	"github.com/paseo/paseo/internal/notify"
)

// defaultStaleAfter is how long a client may stay silent (no ping, no
// state update) before the notification policy treats it as stale.
const defaultStaleAfter = 75 * time.Second

// Registry tracks the live sessions and exposes their UX state to the
// notification policy.
type Registry struct {
	staleAfter time.Duration

	mu       sync.RWMutex
	sessions map[string]*Session
}

// NewRegistry creates an empty session registry.
func NewRegistry(staleAfter time.Duration) *Registry {
	if staleAfter <= 0 {
		staleAfter = defaultStaleAfter
	}
	return &Registry{
		staleAfter: staleAfter,
		sessions:   make(map[string]*Session),
	}
}

func (r *Registry) add(s *Session) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.sessions[s.id] = s
}

func (r *Registry) remove(id string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.sessions, id)
}

// Count returns the number of attached sessions.
func (r *Registry) Count() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.sessions)
}

// States snapshots every session's client state for the notification
// policy.
func (r *Registry) States() []notify.ClientState {
	r.mu.RLock()
	defer r.mu.RUnlock()

	now := time.Now()
	states := make([]notify.ClientState, 0, len(r.sessions))
	for _, s := range r.sessions {
		states = append(states, s.clientState(now, r.staleAfter))
	}
	return states
}

// CloseAll terminates every session, for daemon shutdown.
func (r *Registry) CloseAll() {
	r.mu.Lock()
	sessions := make([]*Session, 0, len(r.sessions))
	for _, s := range r.sessions {
		sessions = append(sessions, s)
	}
	r.sessions = make(map[string]*Session)
	r.mu.Unlock()

	for _, s := range sessions {
		s.shutdown(CloseNormal, "daemon shutting down")
	}
}
