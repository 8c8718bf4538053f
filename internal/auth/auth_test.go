package auth

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"
)

type fakeVerifier map[string]*Claims

func (f fakeVerifier) Verify(_ context.Context, raw string) (*Claims, error) {
	if c, ok := f[raw]; ok {
		return c, nil
	}
	return nil, ErrInvalidToken
}

func TestMiddleware(t *testing.T) {
	verifier := fakeVerifier{
		"good":    {Subject: "alice", Roles: []string{"taskgraph-user"}},
		"expired": {Subject: "bob", Roles: []string{"taskgraph-user"}, Expiry: time.Now().Add(-time.Minute)},
		"norole":  {Subject: "carol"},
	}
	m := NewMiddleware(verifier, &MiddlewareConfig{
		Enabled:       true,
		RequiredRoles: []string{"taskgraph-user", "admin"},
	}, nil)

	var seen *Claims
	h := m.Handler(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		seen = GetClaims(r.Context())
		w.WriteHeader(http.StatusNoContent)
	}))

	tests := []struct {
		name   string
		path   string
		header string
		want   int
	}{
		{"public path", "/healthz", "", http.StatusNoContent},
		{"missing header", "/api/v1/runs", "", http.StatusUnauthorized},
		{"wrong scheme", "/api/v1/runs", "Basic abc", http.StatusUnauthorized},
		{"unknown token", "/api/v1/runs", "Bearer nope", http.StatusUnauthorized},
		{"expired", "/api/v1/runs", "Bearer expired", http.StatusUnauthorized},
		{"missing role", "/api/v1/runs", "Bearer norole", http.StatusForbidden},
		{"valid", "/api/v1/runs", "bearer good", http.StatusNoContent},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			seen = nil
			req := httptest.NewRequest(http.MethodGet, tt.path, nil)
			if tt.header != "" {
				req.Header.Set("Authorization", tt.header)
			}
			rec := httptest.NewRecorder()
			h.ServeHTTP(rec, req)

			if rec.Code != tt.want {
				t.Fatalf("status = %d, want %d", rec.Code, tt.want)
			}
			if tt.name == "valid" && (seen == nil || seen.Subject != "alice") {
				t.Errorf("claims not propagated: %+v", seen)
			}
			if rec.Code == http.StatusUnauthorized && rec.Header().Get("WWW-Authenticate") == "" {
				t.Error("missing WWW-Authenticate header")
			}
		})
	}
}

func TestMiddlewareDisabled(t *testing.T) {
	m := NewMiddleware(nil, &MiddlewareConfig{Enabled: true}, nil)
	h := m.Handler(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))

	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/api/v1/runs", nil))
	if rec.Code != http.StatusOK {
		t.Errorf("status = %d", rec.Code)
	}
}

func TestPerIPRateLimiter(t *testing.T) {
	rl := NewPerIPRateLimiter(1, 2)
	h := rl.Handler(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))

	send := func(remote, xff string) int {
		req := httptest.NewRequest(http.MethodGet, "/api/v1/runs", nil)
		req.RemoteAddr = remote
		if xff != "" {
			req.Header.Set("X-Forwarded-For", xff)
		}
		rec := httptest.NewRecorder()
		h.ServeHTTP(rec, req)
		return rec.Code
	}

	for i := 0; i < 2; i++ {
		if code := send("10.0.0.1:1234", ""); code != http.StatusOK {
			t.Fatalf("request %d: status %d", i, code)
		}
	}
	if code := send("10.0.0.1:5678", ""); code != http.StatusTooManyRequests {
		t.Errorf("burst exceeded: status %d", code)
	}
	if code := send("10.0.0.2:1234", ""); code != http.StatusOK {
		t.Errorf("other client limited: status %d", code)
	}
	if code := send("10.0.0.1:1234", "192.168.1.9, 10.0.0.1"); code != http.StatusOK {
		t.Errorf("forwarded client limited: status %d", code)
	}

	if n := rl.evict(time.Now().Add(time.Hour)); n != 3 {
		t.Errorf("evicted %d clients, want 3", n)
	}
}

func TestBearerToken(t *testing.T) {
	if tok, ok := bearerToken("Bearer abc"); !ok || tok != "abc" {
		t.Errorf("got %q, %v", tok, ok)
	}
	for _, h := range []string{"abc", "Bearer ", "Token abc"} {
		if _, ok := bearerToken(h); ok {
			t.Errorf("%q should be rejected", h)
		}
	}
}

func TestClaims(t *testing.T) {
	c := &Claims{Roles: []string{"admin"}, Groups: []string{"ops"}}
	if !c.HasRole("admin") || c.HasRole("user") || !c.HasGroup("ops") {
		t.Error("role/group lookup wrong")
	}
	if c.IsExpired() {
		t.Error("zero expiry should not be expired")
	}
}
