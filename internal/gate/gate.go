// Package gate decides, per inbound path, whether a request is publicly
// reachable, requires a session, or is a short code to be proxied to the
// backend resolver.
//
// Classification is a pure function of the path; the session-cookie signal
// only decides how a Protected path is handled. The gate performs no network
// calls of its own -- the passthrough proxy hands the request to the backend
// byte-for-byte and the redirect carries no query state.
package gate

import (
	"log/slog"
	"net/http"
	"net/http/httputil"
	"net/url"
	"path"
	"regexp"
	"strings"
)

// Classification of one inbound path.
type Classification int

const (
	// Public paths are always admitted: the auth provider's namespace, the
	// landing page, sign-in/sign-up, assets, and the gateway's own API
	// (which enforces credentials per endpoint).
	Public Classification = iota

	// Protected paths require a session; without one the gate redirects to
	// the sign-in entry point.
	Protected

	// Passthrough paths are single-segment short codes, forwarded unmodified
	// to the backend resolver.
	Passthrough
)

func (c Classification) String() string {
	switch c {
	case Public:
		return "public"
	case Protected:
		return "protected"
	case Passthrough:
		return "passthrough"
	}
	return "unknown"
}

// signInPath is where Protected paths without a session are sent.
const signInPath = "/sign-in"

// shortCodeRe is the single-segment token grammar for short codes.
var shortCodeRe = regexp.MustCompile(`^/[A-Za-z0-9_-]+$`)

// reservedSegments are single-segment paths that are application routes, not
// short codes. Evaluated only after the namespace and public checks.
var reservedSegments = map[string]bool{
	"sign-in":   true,
	"sign-up":   true,
	"dashboard": true,
	"api":       true,
	"health":    true,
}

// assetExtensions mirrors the static-file exclusion list: anything with one of
// these suffixes is never gated.
var assetExtensions = map[string]bool{
	".css": true, ".js": true, ".map": true, ".json": true,
	".png": true, ".jpg": true, ".jpeg": true, ".gif": true, ".webp": true,
	".svg": true, ".ico": true, ".ttf": true, ".woff": true, ".woff2": true,
	".txt": true, ".webmanifest": true, ".html": true,
}

// Classify applies the decision order, first match wins:
//  1. the auth provider's callback namespace is always public
//  2. the root page and the sign-in/sign-up prefixes are public
//  3. static assets and the gateway's own namespaces (/api, /health) are
//     admitted; API endpoints check their own credentials
//  4. a single path segment matching the short-code grammar, minus the
//     reserved application routes, is a passthrough -- this must come before
//     the protected fallback, since a short code is syntactically just an
//     arbitrary path
//  5. everything else requires a session
func Classify(p string) Classification {
	if strings.HasPrefix(p, "/api/auth") {
		return Public
	}

	if p == "/" || strings.HasPrefix(p, "/sign-in") || strings.HasPrefix(p, "/sign-up") {
		return Public
	}

	if isAsset(p) || p == "/health" || strings.HasPrefix(p, "/api/") || strings.HasPrefix(p, "/assets/") || strings.HasPrefix(p, "/static/") {
		return Public
	}

	if shortCodeRe.MatchString(p) && !reservedSegments[p[1:]] {
		return Passthrough
	}

	return Protected
}

func isAsset(p string) bool {
	return assetExtensions[strings.ToLower(path.Ext(p))]
}

// Gate is the route-admission middleware.
type Gate struct {
	// SessionCookieName is checked for presence only; validating the session
	// is the protected handler's job, admission just needs the signal.
	SessionCookieName string

	proxy *httputil.ReverseProxy
}

// New builds a gate that proxies passthrough paths to the backend resolver at
// backendURL.
func New(backendURL *url.URL, sessionCookieName string) *Gate {
	proxy := httputil.NewSingleHostReverseProxy(backendURL)
	proxy.ErrorHandler = func(w http.ResponseWriter, r *http.Request, err error) {
		slog.Error("short link passthrough failed", "path", r.URL.Path, "error", err)
		w.WriteHeader(http.StatusBadGateway)
	}
	return &Gate{SessionCookieName: sessionCookieName, proxy: proxy}
}

// Middleware admits, redirects, or proxies each request before any handler runs.
func (g *Gate) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch Classify(r.URL.Path) {
		case Passthrough:
			// The gate does not resolve short codes; the backend does.
			g.proxy.ServeHTTP(w, r)
			return
		case Protected:
			if !g.hasSessionCookie(r) {
				// Redirect to the bare sign-in path -- no query state is
				// carried over.
				http.Redirect(w, r, signInPath, http.StatusTemporaryRedirect)
				return
			}
		}
		next.ServeHTTP(w, r)
	})
}

// hasSessionCookie checks the configured cookie name and its __Secure- variant.
func (g *Gate) hasSessionCookie(r *http.Request) bool {
	if g.SessionCookieName == "" {
		return false
	}
	if _, err := r.Cookie(g.SessionCookieName); err == nil {
		return true
	}
	if _, err := r.Cookie("__Secure-" + g.SessionCookieName); err == nil {
		return true
	}
	return false
}
