package obs

import "testing"

func TestCanonicalPath(t *testing.T) {
	cases := map[string]string{
		"":                       "/",
		"/":                      "/",
		"/metrics":               "/metrics",
		"/v1/checkins":           "/v1/checkins",
		"/v1/checkins/":          "/v1/checkins",
		"/v1/tokens?debug=1":     "/v1/tokens",
		"/v1/stream?category=ok": "/v1/stream",
	}
	for input, expected := range cases {
		if got := CanonicalPath(input); got != expected {
			t.Fatalf("CanonicalPath(%q)=%q, want %q", input, got, expected)
		}
	}
}
