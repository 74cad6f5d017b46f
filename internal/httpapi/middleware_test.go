package httpapi

import (
	"net/http"
	"net/http/httptest"
	"testing"

	"caseflow.io/internal/audit"
)

func TestExtractBearerToken(t *testing.T) {
	cases := []struct {
		header string
		want   string
		ok     bool
	}{
		{"Bearer abc123", "abc123", true},
		{"bearer abc123", "abc123", true},
		{"Bearer   abc123  ", "abc123", true},
		{"", "", false},
		{"Bearer ", "", false},
		{"Basic abc123", "", false},
		{"abc123", "", false},
	}
	for _, tc := range cases {
		got, err := extractBearerToken(tc.header)
		if tc.ok && (err != nil || got != tc.want) {
			t.Errorf("%q: got %q, %v", tc.header, got, err)
		}
		if !tc.ok && err == nil {
			t.Errorf("%q: expected error", tc.header)
		}
	}
}

func TestRequestIDMiddleware(t *testing.T) {
	var seen string
	h := RequestID(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		seen = audit.RequestIDFromContext(r.Context())
	}))

	req := httptest.NewRequest(http.MethodGet, "/", nil)
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	if seen == "" {
		t.Fatal("request id missing from context")
	}
	if rec.Header().Get(requestIDHeader) != seen {
		t.Fatal("request id not echoed in response header")
	}

	// A caller-supplied id is preserved.
	req = httptest.NewRequest(http.MethodGet, "/", nil)
	req.Header.Set(requestIDHeader, "caller-id-1")
	rec = httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	if seen != "caller-id-1" {
		t.Fatalf("caller id dropped, got %q", seen)
	}
}

func TestRateLimit(t *testing.T) {
	h := RateLimit(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	}), 2, 1)

	var last int
	for i := 0; i < 3; i++ {
		req := httptest.NewRequest(http.MethodGet, "/", nil)
		req.RemoteAddr = "10.0.0.9:1234"
		rec := httptest.NewRecorder()
		h.ServeHTTP(rec, req)
		last = rec.Code
	}
	if last != http.StatusTooManyRequests {
		t.Fatalf("third burst request: %d, want 429", last)
	}

	// A different client has its own bucket.
	req := httptest.NewRequest(http.MethodGet, "/", nil)
	req.RemoteAddr = "10.0.0.10:1234"
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	if rec.Code != http.StatusOK {
		t.Fatalf("fresh client: %d, want 200", rec.Code)
	}
}

func TestClientIP(t *testing.T) {
	req := httptest.NewRequest(http.MethodGet, "/", nil)
	req.RemoteAddr = "192.0.2.1:5000"
	if ip := clientIP(req); ip != "192.0.2.1" {
		t.Fatalf("remote addr: %q", ip)
	}
	req.Header.Set("X-Forwarded-For", "203.0.113.7, 10.0.0.1")
	if ip := clientIP(req); ip != "203.0.113.7" {
		t.Fatalf("xff: %q", ip)
	}
}
