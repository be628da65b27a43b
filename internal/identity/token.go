// token.go -- Anonymous token issuance and cookie management.
//
// One opaque token per browser profile, minted lazily on first need and
// carried in a long-lived cookie. The cookie is the durable copy; the
// profile store record is server-side bookkeeping around it.
package identity

import (
	"context"
	"net/http"
	"time"

	"github.com/gofrs/uuid/v5"
	"github.com/swftly/edge/internal/store"
)

// TokenCookieName is the cookie carrying the anonymous token.
const TokenCookieName = "swftly_anon"

// tokenMaxAge matches the profile TTL in the store. One year.
const tokenMaxAge = 365 * 24 * time.Hour

// ProfileStore defines the profile persistence operations the issuer needs.
// Satisfied by *store.RedisProfileStore and *store.MemoryProfileStore --
// defined here (at consumer) per Go convention.
type ProfileStore interface {
	// SaveProfile writes the full profile record.
	SaveProfile(ctx context.Context, p store.Profile) error

	// TouchProfile updates last_seen, creating the record if missing.
	TouchProfile(ctx context.Context, token string, now time.Time) error
}

// TokenIssuer mints and returns anonymous tokens.
type TokenIssuer struct {
	Store  ProfileStore
	Secure bool // Secure flag on the cookie; false only for local development
}

// TokenFromRequest reads the anonymous token cookie without minting one.
// Returns "" if the cookie is absent or holds something that is not a UUID.
func TokenFromRequest(r *http.Request) string {
	c, err := r.Cookie(TokenCookieName)
	if err != nil || c.Value == "" {
		return ""
	}
	if _, err := uuid.FromString(c.Value); err != nil {
		return ""
	}
	return c.Value
}

// GetOrCreate returns the request's anonymous token, minting and persisting a
// fresh one when no valid cookie is present. Calling it twice for the same
// browser profile returns the identical value -- the token is never
// regenerated while the cookie survives, since regeneration would orphan the
// links created against it.
//
// A profile-store failure does not block issuance: the cookie still persists
// the token client-side. The degradation is logged by the caller's store
// (memory fallback) or surfaced through /health, never hidden.
func (ti *TokenIssuer) GetOrCreate(w http.ResponseWriter, r *http.Request) (token string, created bool, err error) {
	if existing := TokenFromRequest(r); existing != "" {
		return existing, false, nil
	}

	id, err := uuid.NewV4()
	if err != nil {
		return "", false, err
	}
	token = id.String()

	http.SetCookie(w, &http.Cookie{
		Name:     TokenCookieName,
		Value:    token,
		Path:     "/",
		HttpOnly: true,
		Secure:   ti.Secure,
		SameSite: http.SameSiteLaxMode,
		MaxAge:   int(tokenMaxAge.Seconds()),
	})

	now := time.Now()
	storeErr := ti.Store.SaveProfile(r.Context(), store.Profile{
		Token:     token,
		CreatedAt: now,
		LastSeen:  now,
	})

	// Token issuance succeeded either way; the profile write failure travels
	// up as a non-fatal error for the caller to log.
	return token, true, storeErr
}
