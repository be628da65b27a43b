// gate_test.go

// Unit tests for route classification and the admission middleware.
package gate

import (
	"net/http"
	"net/http/httptest"
	"net/url"
	"testing"
)

// --- Classify ---

func TestClassify(t *testing.T) {
	tests := []struct {
		path string
		want Classification
	}{
		// Auth provider namespace is always public.
		{"/api/auth/callback/google", Public},
		{"/api/auth/session", Public},

		// Root and sign-in/sign-up prefixes.
		{"/", Public},
		{"/sign-in", Public},
		{"/sign-in/reset", Public},
		{"/sign-up", Public},
		{"/sign-up/verify", Public},

		// Gateway namespaces and assets.
		{"/health", Public},
		{"/api/urls", Public},
		{"/api/urls/shorten", Public},
		{"/assets/logo.svg", Public},
		{"/static/app.js", Public},
		{"/favicon.ico", Public},
		{"/fonts/inter.woff2", Public},

		// Short-code grammar, minus reserved segments.
		{"/abc123", Passthrough},
		{"/a", Passthrough},
		{"/AbC-12_9", Passthrough},
		{"/dashboard2", Passthrough},

		// Reserved single segments are application routes, not short codes.
		{"/dashboard", Protected},
		{"/api", Protected},

		// Everything else requires a session.
		{"/settings/profile", Protected},
		{"/abc123/extra", Protected},
		{"/abc.123", Protected}, // dot breaks the token grammar, not an asset ext
	}

	for _, tt := range tests {
		t.Run(tt.path, func(t *testing.T) {
			if got := Classify(tt.path); got != tt.want {
				t.Errorf("Classify(%q): expected %v, got %v", tt.path, tt.want, got)
			}
		})
	}
}

// --- Middleware ---

func mustParse(t *testing.T, raw string) *url.URL {
	t.Helper()
	u, err := url.Parse(raw)
	if err != nil {
		t.Fatalf("parsing %q: %v", raw, err)
	}
	return u
}

func TestMiddleware(t *testing.T) {
	const cookieName = "better-auth.session_token"

	next := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		w.Write([]byte("app"))
	})

	t.Run("protected path without session redirects to sign-in", func(t *testing.T) {
		g := New(mustParse(t, "http://backend.invalid"), cookieName)
		w := httptest.NewRecorder()
		r := httptest.NewRequest(http.MethodGet, "/dashboard?next=/secret&token=x", nil)

		g.Middleware(next).ServeHTTP(w, r)

		if w.Code != http.StatusTemporaryRedirect {
			t.Fatalf("status: expected 307, got %d", w.Code)
		}
		if loc := w.Header().Get("Location"); loc != "/sign-in" {
			t.Errorf("Location: expected /sign-in with no query state, got %q", loc)
		}
	})

	t.Run("protected path with session cookie is admitted", func(t *testing.T) {
		g := New(mustParse(t, "http://backend.invalid"), cookieName)
		w := httptest.NewRecorder()
		r := httptest.NewRequest(http.MethodGet, "/dashboard", nil)
		r.AddCookie(&http.Cookie{Name: cookieName, Value: "opaque"})

		g.Middleware(next).ServeHTTP(w, r)

		if w.Code != http.StatusOK {
			t.Fatalf("status: expected 200, got %d", w.Code)
		}
	})

	t.Run("secure-prefixed session cookie also admits", func(t *testing.T) {
		g := New(mustParse(t, "http://backend.invalid"), cookieName)
		w := httptest.NewRecorder()
		r := httptest.NewRequest(http.MethodGet, "/dashboard", nil)
		r.AddCookie(&http.Cookie{Name: "__Secure-" + cookieName, Value: "opaque"})

		g.Middleware(next).ServeHTTP(w, r)

		if w.Code != http.StatusOK {
			t.Fatalf("status: expected 200, got %d", w.Code)
		}
	})

	t.Run("public path without session is admitted", func(t *testing.T) {
		g := New(mustParse(t, "http://backend.invalid"), cookieName)
		w := httptest.NewRecorder()
		r := httptest.NewRequest(http.MethodGet, "/sign-in", nil)

		g.Middleware(next).ServeHTTP(w, r)

		if w.Code != http.StatusOK {
			t.Fatalf("status: expected 200, got %d", w.Code)
		}
	})

	t.Run("short code is proxied to the resolver with path unmodified", func(t *testing.T) {
		var gotPath string
		resolver := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			gotPath = r.URL.Path
			http.Redirect(w, r, "https://example.com/long", http.StatusFound)
		}))
		defer resolver.Close()

		g := New(mustParse(t, resolver.URL), cookieName)
		w := httptest.NewRecorder()
		r := httptest.NewRequest(http.MethodGet, "/abc123", nil)

		g.Middleware(next).ServeHTTP(w, r)

		if gotPath != "/abc123" {
			t.Errorf("resolver path: expected /abc123, got %q", gotPath)
		}
		if w.Code != http.StatusFound {
			t.Errorf("status: expected resolver's 302, got %d", w.Code)
		}
		if loc := w.Header().Get("Location"); loc != "https://example.com/long" {
			t.Errorf("Location: expected the resolver's redirect, got %q", loc)
		}
	})

	t.Run("short codes proxy regardless of session cookie", func(t *testing.T) {
		hit := false
		resolver := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			hit = true
		}))
		defer resolver.Close()

		g := New(mustParse(t, resolver.URL), cookieName)
		w := httptest.NewRecorder()
		r := httptest.NewRequest(http.MethodGet, "/abc123", nil)
		r.AddCookie(&http.Cookie{Name: cookieName, Value: "opaque"})

		g.Middleware(next).ServeHTTP(w, r)

		if !hit {
			t.Error("expected the resolver to be hit")
		}
	})

	t.Run("unreachable resolver returns 502", func(t *testing.T) {
		g := New(mustParse(t, "http://127.0.0.1:1"), cookieName)
		w := httptest.NewRecorder()
		r := httptest.NewRequest(http.MethodGet, "/abc123", nil)

		g.Middleware(next).ServeHTTP(w, r)

		if w.Code != http.StatusBadGateway {
			t.Fatalf("status: expected 502, got %d", w.Code)
		}
	})
}
