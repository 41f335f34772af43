// Package identitytoolkit implements auth.IdentityService on top of the hosted
// identity toolkit REST API. It keeps the signed-in user and tokens, persists
// the refresh token between runs and refreshes the ID token before it expires.
package identitytoolkit
