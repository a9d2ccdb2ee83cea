package obs

import "testing"

func TestCanonicalPath(t *testing.T) {
	cases := map[string]string{
		"":                                   "/",
		"/metrics":                           "/metrics",
		"/v1/modules/billing":                "/v1/modules/:code",
		"/v1/modules/billing/actions":        "/v1/modules/:code/actions",
		"/v1/roles/treasurer":                "/v1/roles/:code",
		"/v1/roles/treasurer/grants/billing": "/v1/roles/:code/grants/:sub",
		"/v1/users/u1/scopes/maule":          "/v1/users/:code/scopes/:sub",
		"/v1/access/check":                   "/v1/access/check",
		"/v1/audit?limit=10":                 "/v1/audit",
	}
	for input, expected := range cases {
		if got := CanonicalPath(input); got != expected {
			t.Fatalf("CanonicalPath(%q)=%q, want %q", input, got, expected)
		}
	}
}
