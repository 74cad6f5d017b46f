package obs

import "testing"

func TestCanonicalPath(t *testing.T) {
	cases := map[string]string{
		"":                              "/",
		"/metrics":                      "/metrics",
		"/v1/auth/login":                "/v1/auth/login",
		"/v1/auth/sessions":             "/v1/auth/sessions",
		"/v1/auth/sessions/rt-abc":      "/v1/auth/sessions/:id",
		"/v1/accounts/acc-1/switch":     "/v1/accounts/:id/switch",
		"/v1/auth/refresh?device=cli":   "/v1/auth/refresh",
		"/v1/auth/sessions/rt-abc/more": "/v1/auth/sessions/rt-abc/more",
	}
	for input, expected := range cases {
		if got := CanonicalPath(input); got != expected {
			t.Fatalf("CanonicalPath(%q)=%q, want %q", input, got, expected)
		}
	}
}
