package obs

import "testing"

func TestCanonicalPath(t *testing.T) {
	cases := map[string]string{
		"":                                    "/",
		"/metrics":                            "/metrics",
		"/v1/studies/abc":                     "/v1/studies/:id",
		"/v1/studies/abc/enrollments":         "/v1/studies/:id/enrollments",
		"/v1/studies/abc/enrollments/u1":      "/v1/studies/:id/enrollments/:id",
		"/v1/participants/search":             "/v1/participants/search",
		"/v1/participants/self":               "/v1/participants/self",
		"/v1/participants/u123":               "/v1/participants/:id",
		"/v1/externalids?idFilter=x":          "/v1/externalids",
		"/v1/externalids/ext-a":               "/v1/externalids/:id",
		"/v1/studies/abc/participants/search": "/v1/studies/:id/participants/search",
	}
	for input, expected := range cases {
		if got := CanonicalPath(input); got != expected {
			t.Fatalf("CanonicalPath(%q)=%q, want %q", input, got, expected)
		}
	}
}
