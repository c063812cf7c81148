package obs

import (
	"bytes"
	"encoding/json"
	"testing"
)

func TestCanonicalPath(t *testing.T) {
	cases := map[string]string{
		"":                                  "/",
		"/metrics":                          "/metrics",
		"/v1/auth/otp/start":                "/v1/auth/otp/start",
		"/v1/admin/roles/01HZX/permissions": "/v1/admin/roles/:id/permissions",
		"/v1/admin/users/01HZX/roles":       "/v1/admin/users/:id/roles",
		"/v1/admin/users/01HZX/roles/01HZY": "/v1/admin/users/:id/roles/:role",
		"/v1/admin/sessions/abc/revoke?force=true": "/v1/admin/sessions/:id/revoke",
		"/v1/admin/me/permissions":                 "/v1/admin/me/permissions",
	}
	for input, expected := range cases {
		if got := CanonicalPath(input); got != expected {
			t.Fatalf("CanonicalPath(%q)=%q, want %q", input, got, expected)
		}
	}
}

func TestMaskTail(t *testing.T) {
	if got := MaskTail("123456", 2); got != "****56" {
		t.Fatalf("MaskTail = %q", got)
	}
	if got := MaskTail("12", 4); got != "**" {
		t.Fatalf("MaskTail short = %q", got)
	}
}

func TestConfigureEmitsJSON(t *testing.T) {
	var buf bytes.Buffer
	restore := SetOutputForTests(&buf)
	defer restore()

	logger := Logger()
	logger.Info().Str("component", "test").Msg("hello")

	var entry map[string]any
	if err := json.Unmarshal(buf.Bytes(), &entry); err != nil {
		t.Fatalf("log not JSON: %v", err)
	}
	if entry["service"] != ServiceName || entry["message"] != "hello" {
		t.Fatalf("unexpected entry: %v", entry)
	}
}
