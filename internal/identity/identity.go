// Package identity resolves who a request belongs to.
//
// Two identities coexist here: the durable anonymous token (token.go) and the
// session identity owned by the external auth provider, which this package
// only ever reads. The session identity is deliberately tri-state -- a
// request the gateway cannot attribute yet must read as unknown, never as a
// definite signed-out, or the transition watcher would fire on noise.
package identity

import (
	"context"
	"net/http"
	"strings"
)

// State is the tri-state session identity.
type State int

const (
	// StateUnknown means the auth state could not be resolved for this
	// request (unverifiable bearer, or session cookie with no bearer to
	// extract a principal from). Unknown readings never drive transitions.
	StateUnknown State = iota

	// StateAnonymous means the request definitively carries no session.
	StateAnonymous

	// StateAuthenticated means a verified principal is attached.
	StateAuthenticated
)

func (s State) String() string {
	switch s {
	case StateAnonymous:
		return "anonymous"
	case StateAuthenticated:
		return "authenticated"
	default:
		return "unknown"
	}
}

// Identity is one resolved reading of a request's session state.
// Principal and Bearer are only set when State is StateAuthenticated.
type Identity struct {
	State     State
	Principal string // subject claim of the verified session token
	Bearer    string // raw bearer, forwarded to the backend as the credential
}

// Verifier checks a raw bearer token and returns the principal it belongs to.
// Satisfied by *OIDCVerifier -- defined here (at consumer) per Go convention.
type Verifier interface {
	Verify(ctx context.Context, rawToken string) (subject string, err error)
}

// Resolver turns an incoming request into an Identity.
type Resolver struct {
	Verifier Verifier

	// SessionCookieName is the auth provider's session cookie. Its presence
	// alone proves nothing (the gate also only checks presence); it matters
	// here to keep cookie-only requests out of the anonymous bucket.
	SessionCookieName string
}

// Resolve classifies the request.
//   - verified bearer            -> authenticated(subject)
//   - bearer that fails to verify -> unknown (transient or forged; either way
//     not a definite reading)
//   - session cookie, no bearer  -> unknown (a session exists but no
//     principal can be attributed on this request)
//   - neither                     -> anonymous
func (res *Resolver) Resolve(ctx context.Context, r *http.Request) Identity {
	if raw := bearerToken(r); raw != "" {
		subject, err := res.Verifier.Verify(ctx, raw)
		if err != nil {
			return Identity{State: StateUnknown}
		}
		return Identity{State: StateAuthenticated, Principal: subject, Bearer: raw}
	}

	if res.hasSessionCookie(r) {
		return Identity{State: StateUnknown}
	}

	return Identity{State: StateAnonymous}
}

// hasSessionCookie checks the configured cookie name and its __Secure- variant,
// matching how the auth provider names it over HTTPS.
func (res *Resolver) hasSessionCookie(r *http.Request) bool {
	if res.SessionCookieName == "" {
		return false
	}
	if _, err := r.Cookie(res.SessionCookieName); err == nil {
		return true
	}
	if _, err := r.Cookie("__Secure-" + res.SessionCookieName); err == nil {
		return true
	}
	return false
}

// bearerToken extracts the token from an "Authorization: Bearer x" header.
// Returns "" for any other scheme or a missing header.
func bearerToken(r *http.Request) string {
	h := r.Header.Get("Authorization")
	if h == "" {
		return ""
	}
	const prefix = "Bearer "
	if !strings.HasPrefix(h, prefix) {
		return ""
	}
	return strings.TrimSpace(h[len(prefix):])
}

// contextKey is unexported to prevent collisions with other packages using the
// same context.
type contextKey string

const identityKey contextKey = "identity"

// WithIdentity returns a context carrying the resolved identity.
func WithIdentity(ctx context.Context, id Identity) context.Context {
	return context.WithValue(ctx, identityKey, id)
}

// FromContext retrieves the identity resolved by the Identify middleware.
// Returns a zero Identity (StateUnknown) and false if it hasn't run.
func FromContext(ctx context.Context) (Identity, bool) {
	id, ok := ctx.Value(identityKey).(Identity)
	return id, ok
}
