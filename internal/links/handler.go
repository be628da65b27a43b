// handler.go -- HTTP handlers for the /api/urls endpoints.
package links

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/swftly/edge/internal/backend"
	"github.com/swftly/edge/internal/identity"
	"github.com/swftly/edge/internal/quota"
	"github.com/swftly/edge/internal/store"
)

// Backend defines the shortener backend calls the link handlers need.
// Satisfied by *backend.Client — defined here (at consumer) per Go convention.
type Backend interface {
	// CreateLink shortens longURL on behalf of the credential's owner.
	CreateLink(ctx context.Context, cred backend.Credential, longURL string, tags []string) (*backend.CreateResult, error)

	// ListAnonymousLinks fetches the authoritative link list for an anonymous token.
	ListAnonymousLinks(ctx context.Context, anonToken string) ([]backend.Link, error)

	// ListAuthenticatedLinks fetches the link list for a signed-in user.
	ListAuthenticatedLinks(ctx context.Context, bearer string) ([]backend.Link, error)

	// DeleteLink removes one link by short code.
	DeleteLink(ctx context.Context, cred backend.Credential, shortCode string) error
}

// RateLimiter checks and records rate limit state for a given key and policy.
// Satisfied by *store.RedisRateLimiter and *store.MemoryRateLimiter.
type RateLimiter interface {
	// Allow checks whether the action is within policy, records the attempt.
	// Returns nil if allowed; non-nil error if locked out or threshold exceeded.
	Allow(ctx context.Context, key string, policy store.RateLimit) error
}

// Auditor records audit events. Satisfied by *store.AuditStore and
// *store.NoopAuditStore.
type Auditor interface {
	Record(ctx context.Context, e store.AuditEntry) error
	CheckHealth(ctx context.Context) error
}

// ProfileStore defines the profile operations the handlers and the health
// check need. Satisfied by *store.RedisProfileStore and *store.MemoryProfileStore.
type ProfileStore interface {
	// TouchProfile updates last_seen, creating the record if missing.
	TouchProfile(ctx context.Context, token string, now time.Time) error

	CheckHealth(ctx context.Context) error
}

// Observer feeds identity readings to the session-transition watcher.
// Satisfied by *watcher.Registry.
type Observer interface {
	// Observe records one reading for the token. Returns true when this
	// reading triggered a migration attempt.
	Observe(token string, id identity.Identity) bool
}

// CreatePolicy is the rate limit applied per anonymous token on link creates.
// Applied before any backend work — rejected requests never leave the gateway.
var CreatePolicy = store.RateLimit{
	MaxAttempts: 30,
	Window:      1 * time.Minute,
	LockoutTTL:  5 * time.Minute,
}

// LinkHandler holds dependencies for the /api/urls handlers and middleware.
type LinkHandler struct {
	BC Backend
	TK *identity.TokenIssuer
	ID *identity.Resolver
	WR Observer
	RL RateLimiter
	AU Auditor
	PS ProfileStore
}

// Identify resolves the request's session identity, feeds the reading to the
// transition watcher, and stashes the identity in context for the handlers.
// Runs on every /api/urls request — the watcher depends on seeing reads as
// well as writes, or a user who signs in and only looks at their dashboard
// would never trigger the migration.
func (h *LinkHandler) Identify(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		id := h.ID.Resolve(r.Context(), r)

		if token := identity.TokenFromRequest(r); token != "" {
			if h.WR.Observe(token, id) {
				logInfo(r, "anonymous-to-authenticated transition observed", "principal", id.Principal)
			}
			if err := h.PS.TouchProfile(r.Context(), token, time.Now()); err != nil {
				logWarn(r, "failed to touch profile", "error", err)
			}
		}

		next.ServeHTTP(w, r.WithContext(identity.WithIdentity(r.Context(), id)))
	})
}

// maxURLLength caps the long URL. Backends typically store TEXT but 2048 is
// the practical browser ceiling; anything longer is junk or abuse.
const maxURLLength = 2048

// maxTags caps how many tags one link may carry.
const maxTags = 5

// Shorten handles POST /api/urls/shorten — creates a short link.
// Authenticated callers create against their account; everyone else creates
// against their anonymous token, minted here on first use, subject to the
// five-link quota. Returns 201 with the short URL, 400 for invalid input,
// 403 when the quota is spent, 429 when rate limited, 502 when the backend
// is unreachable.
func (h *LinkHandler) Shorten(w http.ResponseWriter, r *http.Request) {
	var shortenInput struct {
		URL  string   `json:"url"`
		Tags []string `json:"tags"`
	}

	if err := json.NewDecoder(r.Body).Decode(&shortenInput); err != nil {
		logWarn(r, "failed to decode shorten input", "error", err)
		BadRequest(w, r, "error decoding request body")
		return
	}

	longURL, msg := normalizeURL(shortenInput.URL)
	if msg != "" {
		BadRequest(w, r, msg)
		return
	}

	id, _ := identity.FromContext(r.Context())
	if id.State == identity.StateAuthenticated {
		h.shortenAuthenticated(w, r, id, longURL, normalizeTags(shortenInput.Tags))
		return
	}
	h.shortenAnonymous(w, r, longURL)
}

// shortenAuthenticated creates the link against the caller's account.
// No quota — accounts are unlimited.
func (h *LinkHandler) shortenAuthenticated(w http.ResponseWriter, r *http.Request, id identity.Identity, longURL string, tags []string) {
	result, err := h.BC.CreateLink(r.Context(), backend.Credential{Bearer: id.Bearer}, longURL, tags)
	if err != nil {
		if errors.Is(err, backend.ErrUnauthorized) {
			Unauthorized(w, r, "session no longer valid")
			return
		}
		BadGateway(w, r, err)
		return
	}

	h.recordAudit(r.Context(), r, store.AuditEntry{
		Principal: &id.Principal,
		Action:    "link_created",
	})
	logInfo(r, "link created", "principal", id.Principal)
	writeJSON(w, http.StatusCreated, struct {
		Data string `json:"data"`
	}{result.ShortURL})
}

// shortenAnonymous creates the link against the caller's anonymous token,
// checking the quota first. The list fetch is the authoritative count; the
// backend's own 403 is the final word when the two race.
func (h *LinkHandler) shortenAnonymous(w http.ResponseWriter, r *http.Request, longURL string) {
	token, created, err := h.TK.GetOrCreate(w, r)
	if err != nil {
		if token == "" {
			InternalServerError(w, r, err)
			return
		}
		// Profile write failed but the cookie carries the token; degraded, not fatal.
		logWarn(r, "failed to persist anonymous profile", "error", err)
	}
	if created {
		h.recordAudit(r.Context(), r, store.AuditEntry{Token: &token, Action: "profile_created"})
		logInfo(r, "anonymous profile created")
	}

	if err := h.RL.Allow(r.Context(), "create:anon:"+token, CreatePolicy); err != nil {
		if errors.Is(err, store.ErrRateLimitExceeded) {
			logInfo(r, "anonymous create rate limited")
			TooManyRequests(w)
			return
		}
		InternalServerError(w, r, err)
		return
	}

	links, err := h.BC.ListAnonymousLinks(r.Context(), token)
	if err != nil {
		BadGateway(w, r, err)
		return
	}

	remaining := quota.Remaining(len(links))
	if remaining == 0 {
		h.recordAudit(r.Context(), r, store.AuditEntry{Token: &token, Action: "quota_rejected"})
		logInfo(r, "anonymous create rejected", "reason", "quota_exhausted")
		Forbidden(w, "anonymous link limit reached, sign in to create more")
		return
	}

	result, err := h.BC.CreateLink(r.Context(), backend.Credential{AnonToken: token}, longURL, nil)
	if err != nil {
		if errors.Is(err, backend.ErrQuotaExceeded) {
			// Lost the race against another request on the same token.
			h.recordAudit(r.Context(), r, store.AuditEntry{Token: &token, Action: "quota_rejected"})
			Forbidden(w, "anonymous link limit reached, sign in to create more")
			return
		}
		if errors.Is(err, backend.ErrUnauthorized) {
			Unauthorized(w, r, "anonymous token rejected")
			return
		}
		BadGateway(w, r, err)
		return
	}

	// Local estimate; the backend's figure supersedes it when present.
	remaining--
	if result.Remaining != nil {
		remaining = *result.Remaining
	}

	h.recordAudit(r.Context(), r, store.AuditEntry{Token: &token, Action: "link_created"})
	logInfo(r, "anonymous link created", "remaining", remaining)
	writeJSON(w, http.StatusCreated, struct {
		Data      string `json:"data"`
		Remaining int    `json:"remaining"`
	}{result.ShortURL, remaining})
}

// List handles GET /api/urls — returns the caller's links.
// Anonymous responses include the remaining quota so clients never have to
// derive it themselves. A read never mints a token: a visitor who has created
// nothing gets an empty list and a full quota, and stays cookieless.
func (h *LinkHandler) List(w http.ResponseWriter, r *http.Request) {
	id, _ := identity.FromContext(r.Context())

	if id.State == identity.StateAuthenticated {
		links, err := h.BC.ListAuthenticatedLinks(r.Context(), id.Bearer)
		if err != nil {
			if errors.Is(err, backend.ErrUnauthorized) {
				Unauthorized(w, r, "session no longer valid")
				return
			}
			BadGateway(w, r, err)
			return
		}
		writeJSON(w, http.StatusOK, struct {
			Data []backend.Link `json:"data"`
		}{emptyIfNil(links)})
		return
	}

	token := identity.TokenFromRequest(r)
	if token == "" {
		writeJSON(w, http.StatusOK, struct {
			Data      []backend.Link `json:"data"`
			Remaining int            `json:"remaining"`
		}{[]backend.Link{}, quota.Limit})
		return
	}

	links, err := h.BC.ListAnonymousLinks(r.Context(), token)
	if err != nil {
		if errors.Is(err, backend.ErrUnauthorized) {
			Unauthorized(w, r, "anonymous token rejected")
			return
		}
		BadGateway(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, struct {
		Data      []backend.Link `json:"data"`
		Remaining int            `json:"remaining"`
	}{emptyIfNil(links), quota.Remaining(len(links))})
}

// Delete handles DELETE /api/urls/{code} — removes one of the caller's links.
// The backend enforces ownership; the gateway only supplies the credential.
func (h *LinkHandler) Delete(w http.ResponseWriter, r *http.Request) {
	code := chi.URLParam(r, "code")
	if code == "" {
		BadRequest(w, r, "short code required")
		return
	}

	id, _ := identity.FromContext(r.Context())
	cred := backend.Credential{}
	var auditEntry store.AuditEntry
	if id.State == identity.StateAuthenticated {
		cred.Bearer = id.Bearer
		auditEntry.Principal = &id.Principal
	} else {
		token := identity.TokenFromRequest(r)
		if token == "" {
			Unauthorized(w, r, "no credential")
			return
		}
		cred.AnonToken = token
		auditEntry.Token = &token
	}

	if err := h.BC.DeleteLink(r.Context(), cred, code); err != nil {
		if errors.Is(err, backend.ErrUnauthorized) {
			Unauthorized(w, r, "credential rejected")
			return
		}
		var se *backend.StatusError
		if errors.As(err, &se) && se.Code == http.StatusNotFound {
			w.Header().Set("Content-Type", "application/json")
			w.WriteHeader(http.StatusNotFound)
			w.Write([]byte(`{"message":"link not found"}`))
			return
		}
		BadGateway(w, r, err)
		return
	}

	auditEntry.Action = "link_deleted"
	h.recordAudit(r.Context(), r, auditEntry)
	logInfo(r, "link deleted", "short_code", code)
	OK(w, "link deleted")
}

// CheckHealth handles GET /health — reports per-dependency status.
// A degraded profile store (in-memory fallback) and a disabled audit ledger
// are reported but do not fail the check; only real errors return 503.
func (h *LinkHandler) CheckHealth(w http.ResponseWriter, r *http.Request) {
	profileStatus := "ok"
	auditStatus := "ok"

	if err := h.PS.CheckHealth(r.Context()); err != nil {
		if errors.Is(err, store.ErrStoreDegraded) {
			profileStatus = "degraded"
		} else {
			logError(r, "profile store health check failed", "error", err)
			profileStatus = "error"
		}
	}
	if err := h.AU.CheckHealth(r.Context()); err != nil {
		if errors.Is(err, store.ErrAuditDisabled) {
			auditStatus = "disabled"
		} else {
			logError(r, "audit store health check failed", "error", err)
			auditStatus = "error"
		}
	}

	w.Header().Set("Content-Type", "application/json")
	if profileStatus == "error" || auditStatus == "error" {
		w.WriteHeader(http.StatusServiceUnavailable)
	} else {
		w.WriteHeader(http.StatusOK)
	}
	json.NewEncoder(w).Encode(struct {
		Profiles string `json:"profiles"`
		Audit    string `json:"audit"`
	}{profileStatus, auditStatus})
}

// recordAudit writes one audit event, non-fatal on failure.
func (h *LinkHandler) recordAudit(ctx context.Context, r *http.Request, e store.AuditEntry) {
	if err := h.AU.Record(ctx, e); err != nil && !errors.Is(err, store.ErrAuditDisabled) {
		logWarn(r, "failed to record audit event", "action", e.Action, "error", err)
	}
}

// normalizeURL validates raw input and returns the canonical form sent to the
// backend. Scheme-less input defaults to https, matching what users paste.
// Returns ("", message) on invalid input.
func normalizeURL(raw string) (string, string) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return "", "url required"
	}
	if len(raw) > maxURLLength {
		return "", "url too long"
	}
	if !strings.Contains(raw, "://") {
		raw = "https://" + raw
	}

	u, err := url.Parse(raw)
	if err != nil {
		return "", "invalid url"
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return "", "only http and https urls can be shortened"
	}
	if u.Host == "" {
		return "", "url must include a host"
	}
	return u.String(), ""
}

// normalizeTags lowercases, trims, and caps the tag list. Empty entries drop out.
func normalizeTags(in []string) []string {
	var out []string
	for _, t := range in {
		t = strings.ToLower(strings.TrimSpace(t))
		if t == "" {
			continue
		}
		out = append(out, t)
		if len(out) == maxTags {
			break
		}
	}
	return out
}

// emptyIfNil keeps list responses as [] instead of null for callers.
func emptyIfNil(links []backend.Link) []backend.Link {
	if links == nil {
		return []backend.Link{}
	}
	return links
}
