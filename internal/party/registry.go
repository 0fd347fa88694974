package party

import "time"

// Registry is the in-memory store of active sessions keyed by code. It is
// deliberately unlocked: the engine's dispatch goroutine is its only caller.
// It is built once at process start and injected wherever it is needed.
type Registry struct {
	sessions   map[string]*Session
	codeLength int
}

func NewRegistry(codeLength int) *Registry {
	if codeLength < MinCodeLength || codeLength > MaxCodeLength {
		codeLength = DefaultCodeLength
	}
	return &Registry{
		sessions:   make(map[string]*Session),
		codeLength: codeLength,
	}
}

// Create allocates a session under a fresh code. Collisions are retried a
// fixed number of times; past that the duplicate odds are negligible and the
// loop keeps the last candidate.
func (r *Registry) Create(plexServerID string, now time.Time) *Session {
	code := randomCode(r.codeLength)
	for i := 0; i < codeRetries; i++ {
		if _, taken := r.sessions[code]; !taken {
			break
		}
		code = randomCode(r.codeLength)
	}
	s := newSession(code, plexServerID, now)
	r.sessions[code] = s
	return s
}

// Get returns the session for code, or nil.
func (r *Registry) Get(code string) *Session {
	return r.sessions[code]
}

func (r *Registry) Delete(code string) {
	delete(r.sessions, code)
}

// Range calls fn for each session until fn returns false. Used by the TTL
// sweep; fn must not add or delete sessions while iterating.
func (r *Registry) Range(fn func(*Session) bool) {
	for _, s := range r.sessions {
		if !fn(s) {
			return
		}
	}
}

func (r *Registry) Len() int {
	return len(r.sessions)
}
