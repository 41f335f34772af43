package auth

// Publish exposes the store writer to external tests.
func (s *SessionStore) Publish(p *Principal) SessionState {
	return s.publish(p)
}
