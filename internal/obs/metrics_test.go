package obs

import "testing"

func TestCanonicalPath(t *testing.T) {
	cases := map[string]string{
		"":                             "/",
		"/metrics":                     "/metrics",
		"/healthz":                     "/healthz",
		"/v1/info":                     "/v1/info",
		"/v1/pair/start":               "/v1/pair/start",
		"/v1/pair/finish":              "/v1/pair/finish",
		"/v1/sync/push":                "/v1/sync/push",
		"/v1/sync/pull?groupId=g1":     "/v1/sync/pull",
		"/v1/sync/stream":              "/v1/sync/stream",
		"/favicon.ico":                 "other",
		"/v1/accounts/abc":             "other",
	}
	for input, expected := range cases {
		if got := CanonicalPath(input); got != expected {
			t.Fatalf("CanonicalPath(%q)=%q, want %q", input, got, expected)
		}
	}
}
