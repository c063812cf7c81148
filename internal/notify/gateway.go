// Package notify delivers one-time codes and reset links over SMS and email.
// Delivery is fire-and-log: callers learn which channels failed, but a failed
// send never undoes the record it was announcing.
package notify

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"medportal.org/internal/obs"
)

// Channel identifies a delivery medium.
type Channel string

const (
	ChannelSMS   Channel = "sms"
	ChannelEmail Channel = "email"
)

// ParseChannel normalises a channel name.
func ParseChannel(s string) (Channel, bool) {
	switch Channel(strings.ToLower(strings.TrimSpace(s))) {
	case ChannelSMS:
		return ChannelSMS, true
	case ChannelEmail:
		return ChannelEmail, true
	}
	return "", false
}

// Gateway is the outbound notification provider.
type Gateway interface {
	SendEmail(ctx context.Context, to, subject, body string) error
	SendSMS(ctx context.Context, number, message string) error
}

// HTTPGateway posts messages to a provider relay exposing /email and /sms.
type HTTPGateway struct {
	baseURL string
	apiKey  string
	client  *http.Client
}

// NewHTTPGateway builds a gateway with the given per-request timeout.
func NewHTTPGateway(baseURL, apiKey string, timeout time.Duration) *HTTPGateway {
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	return &HTTPGateway{
		baseURL: strings.TrimRight(baseURL, "/"),
		apiKey:  apiKey,
		client:  &http.Client{Timeout: timeout},
	}
}

type emailPayload struct {
	To      string `json:"to"`
	Subject string `json:"subject"`
	Body    string `json:"body"`
}

type smsPayload struct {
	To      string `json:"to"`
	Message string `json:"message"`
}

func (g *HTTPGateway) SendEmail(ctx context.Context, to, subject, body string) error {
	return g.post(ctx, "/email", emailPayload{To: to, Subject: subject, Body: body})
}

func (g *HTTPGateway) SendSMS(ctx context.Context, number, message string) error {
	return g.post(ctx, "/sms", smsPayload{To: number, Message: message})
}

func (g *HTTPGateway) post(ctx context.Context, path string, payload any) error {
	body, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("encode payload: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, g.baseURL+path, bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	if g.apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+g.apiKey)
	}
	resp, err := g.client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 4096))
	if resp.StatusCode/100 != 2 {
		return fmt.Errorf("notification gateway %s returned %d", path, resp.StatusCode)
	}
	return nil
}

// LogGateway only logs. Used when no relay is configured. Message bodies
// carry secrets, so only lengths are logged unless revealBodies is set, which
// the server allows in development only.
type LogGateway struct {
	log          zerolog.Logger
	revealBodies bool
}

func NewLogGateway(log zerolog.Logger, revealBodies bool) *LogGateway {
	return &LogGateway{log: log.With().Str("component", "notify-log").Logger(), revealBodies: revealBodies}
}

func (g *LogGateway) SendEmail(_ context.Context, to, subject, body string) error {
	ev := g.log.Info().Str("to", MaskEmail(to)).Str("subject", subject).Int("body_len", len(body))
	if g.revealBodies {
		ev = ev.Str("body", body)
	}
	ev.Msg("email suppressed")
	return nil
}

func (g *LogGateway) SendSMS(_ context.Context, number, message string) error {
	ev := g.log.Info().Str("to", MaskPhone(number)).Int("body_len", len(message))
	if g.revealBodies {
		ev = ev.Str("body", message)
	}
	ev.Msg("sms suppressed")
	return nil
}

// MaskPhone keeps the last four digits.
func MaskPhone(number string) string {
	digits := strings.Map(func(r rune) rune {
		if r >= '0' && r <= '9' {
			return r
		}
		return -1
	}, number)
	if digits == "" {
		return ""
	}
	return obs.MaskTail(digits, 4)
}

// MaskEmail keeps the first rune of the local part and the full domain.
func MaskEmail(email string) string {
	email = strings.TrimSpace(email)
	at := strings.LastIndexByte(email, '@')
	if at <= 0 {
		return obs.MaskTail(email, 0)
	}
	local := []rune(email[:at])
	masked := string(local[0]) + strings.Repeat("*", max(len(local)-1, 3))
	return masked + email[at:]
}
