package session

import (
	"sort"
	"sync"
	"time"
)

const endedHistory = 100

// Registry is the concurrent store of live remote-control sessions keyed by
// session id. It is the single source of truth for who is paired with whom.
type Registry struct {
	mu       sync.RWMutex
	sessions map[string]*Session

	ended *RingBuffer[Ended]
}

// NewRegistry creates an empty session registry.
func NewRegistry() *Registry {
	return &Registry{
		sessions: make(map[string]*Session),
		ended:    NewRingBuffer[Ended](endedHistory),
	}
}

// Put stores s under id, replacing any existing entry.
func (r *Registry) Put(id string, s *Session) {
	r.mu.Lock()
	r.sessions[id] = s
	r.mu.Unlock()
}

// GetOrCreate returns the session stored under id, calling factory to create
// it when absent. Concurrent first-touch callers all receive the same
// instance; created is true only for the caller whose factory result was
// stored.
func (r *Registry) GetOrCreate(id string, factory func() *Session) (s *Session, created bool) {
	r.mu.RLock()
	s, ok := r.sessions[id]
	r.mu.RUnlock()
	if ok {
		return s, false
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if s, ok := r.sessions[id]; ok {
		return s, false
	}
	s = factory()
	r.sessions[id] = s
	return s, true
}

// Get returns the session stored under id.
func (r *Registry) Get(id string) (*Session, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	s, ok := r.sessions[id]
	return s, ok
}

// Remove deletes the entry for id. Removing a missing id is a no-op.
func (r *Registry) Remove(id string) {
	r.mu.Lock()
	s, ok := r.sessions[id]
	delete(r.sessions, id)
	r.mu.Unlock()
	if ok {
		r.retire(s)
	}
}

// RemoveIf deletes the entry for id only if it still points at s, so an
// owner of a replaced session cannot evict its successor.
func (r *Registry) RemoveIf(id string, s *Session) bool {
	r.mu.Lock()
	cur, ok := r.sessions[id]
	if !ok || cur != s {
		r.mu.Unlock()
		return false
	}
	delete(r.sessions, id)
	r.mu.Unlock()

	r.retire(s)
	return true
}

func (r *Registry) retire(s *Session) {
	r.ended.Write(Ended{Info: s.Info(), EndedAt: time.Now().UTC()})
}

// Ended returns the most recently removed sessions, oldest first.
func (r *Registry) Ended() []Ended {
	return r.ended.ReadAll()
}

// CountWhere returns how many sessions satisfy pred.
func (r *Registry) CountWhere(pred func(*Session) bool) int {
	r.mu.RLock()
	defer r.mu.RUnlock()

	n := 0
	for _, s := range r.sessions {
		if pred(s) {
			n++
		}
	}
	return n
}

// List returns a snapshot of all sessions ordered by creation time.
func (r *Registry) List() []*Session {
	r.mu.RLock()
	result := make([]*Session, 0, len(r.sessions))
	for _, s := range r.sessions {
		result = append(result, s)
	}
	r.mu.RUnlock()

	sort.Slice(result, func(i, j int) bool {
		return result[i].CreatedAt().Before(result[j].CreatedAt())
	})
	return result
}

// Len returns the number of registered sessions.
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.sessions)
}
