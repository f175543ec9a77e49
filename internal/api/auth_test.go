package api

import (
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/mattjoyce/motionhost/internal/auth"
)

func TestAuthMiddlewareStoresPrincipal(t *testing.T) {
	t.Parallel()

	ts := newTestServer(t)
	var got auth.Principal
	h := ts.srv.authMiddleware(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		got, _ = auth.PrincipalFromContext(r.Context())
	}))

	req := httptest.NewRequest(http.MethodGet, "http://example.test", nil)
	req.Header.Set("Authorization", "Bearer job-token")
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
	if !auth.HasAnyScope(got, auth.ScopeJobRead) {
		t.Fatalf("job:rw should imply job:ro, scopes %v", got.Scopes)
	}
	if auth.HasAnyScope(got, auth.ScopeCodeWrite) {
		t.Fatalf("job:rw must not grant code:rw")
	}
}

func TestAuthMiddlewareRejectsMalformedHeader(t *testing.T) {
	t.Parallel()

	ts := newTestServer(t)
	h := ts.srv.authMiddleware(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		t.Fatal("handler must not run")
	}))

	for _, header := range []string{"", "Basic abc", "Bearer   "} {
		req := httptest.NewRequest(http.MethodGet, "http://example.test", nil)
		if header != "" {
			req.Header.Set("Authorization", header)
		}
		rec := httptest.NewRecorder()
		h.ServeHTTP(rec, req)
		if rec.Code != http.StatusUnauthorized {
			t.Fatalf("header %q: expected 401, got %d", header, rec.Code)
		}
	}
}
