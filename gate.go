package auth

// GateDecision is the outcome of evaluating a SessionState at the
// authorization boundary.
type GateDecision int

const (
	// GatePending means identity has not settled; nothing is decided yet.
	GatePending GateDecision = iota
	// GateLoginRequired means identity settled with no principal.
	GateLoginRequired
	// GateGranted means identity settled with a principal.
	GateGranted
)

func (d GateDecision) String() string {
	switch d {
	case GatePending:
		return "pending"
	case GateLoginRequired:
		return "login_required"
	case GateGranted:
		return "granted"
	default:
		return "unknown"
	}
}

// Evaluate maps a session state to exactly one decision.
func Evaluate(state SessionState) GateDecision {
	switch {
	case !state.Settled:
		return GatePending
	case state.Principal == nil:
		return GateLoginRequired
	default:
		return GateGranted
	}
}

// Gate renders one of three branches for a session state. Protected content
// is only ever produced for a settled state with a principal.
type Gate[T any] struct {
	Pending   func() T
	Login     func() T
	Protected func(Principal) T
}

// Render returns the branch matching Evaluate(state). A nil branch yields
// the zero value of T.
func (g Gate[T]) Render(state SessionState) T {
	var zero T
	switch Evaluate(state) {
	case GatePending:
		if g.Pending != nil {
			return g.Pending()
		}
	case GateLoginRequired:
		if g.Login != nil {
			return g.Login()
		}
	case GateGranted:
		if g.Protected != nil {
			return g.Protected(*state.Principal.Clone())
		}
	}
	return zero
}

// Watch renders the current state immediately and again on every change of
// store. The returned function stops watching.
func (g Gate[T]) Watch(store *SessionStore, fn func(T)) func() {
	if store == nil || fn == nil {
		return func() {}
	}
	return store.Subscribe(func(state SessionState) {
		fn(g.Render(state))
	})
}
