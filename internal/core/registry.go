package core

import "sync"

// AdmissionPolicy holds the session caps. Orphaned sessions count
// toward both caps; otherwise resumption capacity would be unbounded.
type AdmissionPolicy struct {
	MaxTotal         int
	MaxPerCredential int
}

// Registry is the in-memory map of live and orphaned sessions, with a
// secondary index by credential digest. A single mutex serialises
// membership operations; per-session state is guarded by the session's
// own mutex.
type Registry struct {
	mu       sync.Mutex
	sessions map[string]*Session
	byDigest map[string]map[string]struct{}
}

// NewRegistry returns an empty Registry.
func NewRegistry() *Registry {
	return &Registry{
		sessions: make(map[string]*Session),
		byDigest: make(map[string]map[string]struct{}),
	}
}

// Admit inserts the session if neither cap would be exceeded. The
// count and insert are a single critical section so concurrent
// acceptors cannot race past the caps.
func (r *Registry) Admit(s *Session, policy AdmissionPolicy) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if policy.MaxTotal > 0 && len(r.sessions) >= policy.MaxTotal {
		return &ErrAdmissionDenied{Reason: ReasonGlobalCap, Limit: policy.MaxTotal}
	}
	if policy.MaxPerCredential > 0 && len(r.byDigest[s.Digest]) >= policy.MaxPerCredential {
		return &ErrAdmissionDenied{Reason: ReasonPerCredentialCap, Limit: policy.MaxPerCredential}
	}

	r.insertLocked(s)
	return nil
}

func (r *Registry) insertLocked(s *Session) {
	r.sessions[s.ID] = s
	set, ok := r.byDigest[s.Digest]
	if !ok {
		set = make(map[string]struct{})
		r.byDigest[s.Digest] = set
	}
	set[s.ID] = struct{}{}
}

// Get returns the session with the given id.
func (r *Registry) Get(id string) (*Session, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	s, ok := r.sessions[id]
	return s, ok
}

// Remove deletes the session and its digest index entry.
func (r *Registry) Remove(id string) {
	r.mu.Lock()
	defer r.mu.Unlock()

	s, ok := r.sessions[id]
	if !ok {
		return
	}
	delete(r.sessions, id)
	if set, ok := r.byDigest[s.Digest]; ok {
		delete(set, id)
		if len(set) == 0 {
			delete(r.byDigest, s.Digest)
		}
	}
}

// Count returns the number of registered sessions.
func (r *Registry) Count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.sessions)
}

// CountByDigest returns the number of sessions for one credential
// digest, orphaned included.
func (r *Registry) CountByDigest(digest string) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.byDigest[digest])
}

// All returns a snapshot of the registered sessions.
func (r *Registry) All() []*Session {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]*Session, 0, len(r.sessions))
	for _, s := range r.sessions {
		out = append(out, s)
	}
	return out
}
