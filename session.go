package auth

import (
	"sync"
)

// SessionState is the process-wide record of the current principal and
// whether the first identity notification has been seen.
type SessionState struct {
	Principal *Principal `json:"principal,omitempty"`
	Settled   bool       `json:"settled"`
}

// Authenticated reports whether the state is settled with a principal.
func (s SessionState) Authenticated() bool {
	return s.Settled && s.Principal != nil
}

func (s SessionState) clone() SessionState {
	return SessionState{Principal: s.Principal.Clone(), Settled: s.Settled}
}

// SessionStore holds SessionState. It has a single writer (the
// Synchronizer) and any number of observers. Observers receive copies, in
// mutation order, and must not call Subscribe from inside a callback.
type SessionStore struct {
	mu        sync.RWMutex
	state     SessionState
	observers []*observer
	nextID    uint64

	// notifyMu serializes deliveries so no observer sees states out of order.
	notifyMu sync.Mutex

	settledOnce sync.Once
	settledCh   chan struct{}
}

type observer struct {
	id uint64
	fn func(SessionState)
}

// NewSessionStore returns an unsettled store with no principal.
func NewSessionStore() *SessionStore {
	return &SessionStore{
		settledCh: make(chan struct{}),
	}
}

// Snapshot returns a copy of the current state.
func (s *SessionStore) Snapshot() SessionState {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.state.clone()
}

// Settled is closed once the store has received its first notification.
func (s *SessionStore) Settled() <-chan struct{} {
	return s.settledCh
}

// Subscribe registers fn, calls it with the current state and then again
// after every change. The returned function removes the observer; it is safe
// to call more than once.
func (s *SessionStore) Subscribe(fn func(SessionState)) func() {
	if fn == nil {
		return func() {}
	}

	s.notifyMu.Lock()
	s.mu.Lock()
	s.nextID++
	obs := &observer{id: s.nextID, fn: fn}
	s.observers = append(s.observers, obs)
	current := s.state.clone()
	s.mu.Unlock()

	fn(current)
	s.notifyMu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() {
			s.mu.Lock()
			defer s.mu.Unlock()
			for i, o := range s.observers {
				if o.id == obs.id {
					s.observers = append(s.observers[:i:i], s.observers[i+1:]...)
					return
				}
			}
		})
	}
}

// publish sets the principal and settles the store in one mutation.
// Settled never reverts once set.
func (s *SessionStore) publish(p *Principal) SessionState {
	s.notifyMu.Lock()
	defer s.notifyMu.Unlock()

	s.mu.Lock()
	s.state.Principal = p.Clone()
	s.state.Settled = true
	next := s.state.clone()
	observers := make([]*observer, len(s.observers))
	copy(observers, s.observers)
	s.mu.Unlock()

	s.settledOnce.Do(func() { close(s.settledCh) })

	for _, o := range observers {
		o.fn(next.clone())
	}
	return next
}
