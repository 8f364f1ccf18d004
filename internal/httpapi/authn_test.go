package httpapi

import "testing"

func TestExtractBearerToken(t *testing.T) {
	cases := []struct {
		name    string
		header  string
		want    string
		wantErr bool
	}{
		{"plain", "Bearer abc123", "abc123", false},
		{"case insensitive scheme", "bearer abc123", "abc123", false},
		{"padded", "  Bearer   abc123  ", "abc123", false},
		{"empty", "", "", true},
		{"wrong scheme", "Basic abc123", "", true},
		{"scheme only", "Bearer ", "", true},
	}
	for _, tc := range cases {
		got, err := extractBearerToken(tc.header)
		if tc.wantErr {
			if err == nil {
				t.Errorf("%s: expected error", tc.name)
			}
			continue
		}
		if err != nil || got != tc.want {
			t.Errorf("%s: got %q, %v; want %q", tc.name, got, err, tc.want)
		}
	}
}

func TestIsPublicPath(t *testing.T) {
	for _, path := range []string{"/healthz", "/readyz", "/metrics", "/v1/info", "/v1/auth/login", "/v1/auth/refresh", "/v1/auth/logout"} {
		if !isPublicPath(path) {
			t.Errorf("%s should be public", path)
		}
	}
	for _, path := range []string{"/v1/finance/fees", "/v1/rbac/roles", "/v1/platform/tenants", "/v1/audit/events"} {
		if isPublicPath(path) {
			t.Errorf("%s should require authentication", path)
		}
	}
}
