package audit

import (
	"context"
	"errors"
	"strings"

	"medportal.org/internal/auth"
	"medportal.org/internal/obs"
)

type ctxKey string

const requestIDKey ctxKey = "audit_request_id"

// WithRequestID attaches the request identifier to the context for audit logging.
func WithRequestID(ctx context.Context, requestID string) context.Context {
	requestID = strings.TrimSpace(requestID)
	if requestID == "" {
		return ctx
	}
	return context.WithValue(ctx, requestIDKey, requestID)
}

// RequestIDFromContext returns the request id attached by WithRequestID.
func RequestIDFromContext(ctx context.Context) string {
	if ctx == nil {
		return ""
	}
	if v, ok := ctx.Value(requestIDKey).(string); ok {
		return v
	}
	return ""
}

// LogEvent writes an audit entry enriched with the request id and the
// authenticated principal. Field values must not contain secrets.
func LogEvent(ctx context.Context, event string, fields map[string]any) error {
	event = strings.TrimSpace(event)
	if event == "" {
		return errors.New("event name is required")
	}
	logger := obs.Logger()
	entry := logger.Info().Str("type", "audit").Str("event", event)
	if rid := RequestIDFromContext(ctx); rid != "" {
		entry = entry.Str("request_id", rid)
	}
	if p, ok := auth.PrincipalFromContext(ctx); ok {
		entry = entry.Str("user_id", p.UserID).Str("user_type", string(p.UserType))
	}
	copyFields := make(map[string]any, len(fields))
	for k, v := range fields {
		copyFields[k] = v
	}
	entry.Interface("fields", copyFields).Send()
	return nil
}
