package audit

import (
	"bytes"
	"context"
	"encoding/json"
	"testing"

	"medportal.org/internal/auth"
	"medportal.org/internal/obs"
)

func TestLogEvent(t *testing.T) {
	var buf bytes.Buffer
	restore := obs.SetOutputForTests(&buf)
	defer restore()

	ctx := context.Background()
	ctx = WithRequestID(ctx, "req-123")
	ctx = auth.ContextWithPrincipal(ctx, auth.Principal{UserID: "user-42", UserType: auth.UserTypeAdmin})

	if err := LogEvent(ctx, "session.revoked", map[string]any{"session_id": "abc"}); err != nil {
		t.Fatalf("LogEvent failed: %v", err)
	}

	line := buf.Bytes()
	if len(line) == 0 {
		t.Fatal("expected log output")
	}

	var entry map[string]any
	if err := json.Unmarshal(line, &entry); err != nil {
		t.Fatalf("log not valid JSON: %v", err)
	}
	if entry["type"] != "audit" {
		t.Fatalf("unexpected type: %v", entry["type"])
	}
	if entry["event"] != "session.revoked" {
		t.Fatalf("unexpected event: %v", entry["event"])
	}
	if entry["request_id"] != "req-123" {
		t.Fatalf("unexpected request id: %v", entry["request_id"])
	}
	if entry["user_id"] != "user-42" || entry["user_type"] != "admin" {
		t.Fatalf("unexpected principal: %v/%v", entry["user_id"], entry["user_type"])
	}
	fields, ok := entry["fields"].(map[string]any)
	if !ok || fields["session_id"] != "abc" {
		t.Fatalf("fields missing or incorrect: %v", entry["fields"])
	}
}

func TestLogEventRequiresName(t *testing.T) {
	if err := LogEvent(context.Background(), "  ", nil); err == nil {
		t.Fatal("expected error for empty event")
	}
}
