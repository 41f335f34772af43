// Package auth provides the session and authorization core used by the
// Projeto Metanoia site and admin dashboard.
//
// Identity:
//   - IdentityAdapter wraps a hosted IdentityService (see the identitytoolkit
//     package) and normalizes sign-in, sign-up, password reset and sign-out.
//     Operations the user explicitly requested return typed errors; sign-out
//     and federated sign-in failures are logged only.
//
// Session:
//   - SessionStore holds the process-wide SessionState (current Principal plus
//     the settled flag). It has a single writer, the Synchronizer, and any
//     number of observers registered with Subscribe.
//   - Synchronizer consumes the identity stream in arrival order, publishes
//     every notification to the store and reconciles the Profile Record of
//     each authenticated principal in the background.
//
// Profiles:
//   - ProfileUpserter creates a ProfileRecord on first sight (default role,
//     active status) and afterwards only refreshes display name, avatar and
//     last login. Role and creation time are never written after creation;
//     role changes belong to an out-of-band admin process.
//
// Authorization:
//   - Evaluate maps a SessionState to one of three GateDecision values and
//     Gate renders the matching branch. RequireRole adds the role check for
//     admin-only screens.
package auth
