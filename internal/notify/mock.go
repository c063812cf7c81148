package notify

import (
	"context"
	"errors"
	"sync"
)

// Sent records one call made to a RecordingGateway.
type Sent struct {
	Channel Channel
	To      string
	Subject string
	Body    string
}

// RecordingGateway is an in-process Gateway for tests and local runs.
type RecordingGateway struct {
	mu        sync.Mutex
	sent      []Sent
	FailEmail bool
	FailSMS   bool
}

func (g *RecordingGateway) SendEmail(_ context.Context, to, subject, body string) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.FailEmail {
		return errors.New("email provider unavailable")
	}
	g.sent = append(g.sent, Sent{Channel: ChannelEmail, To: to, Subject: subject, Body: body})
	return nil
}

func (g *RecordingGateway) SendSMS(_ context.Context, number, message string) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.FailSMS {
		return errors.New("sms provider unavailable")
	}
	g.sent = append(g.sent, Sent{Channel: ChannelSMS, To: number, Body: message})
	return nil
}

// Sent returns a copy of successful sends.
func (g *RecordingGateway) Sent() []Sent {
	g.mu.Lock()
	defer g.mu.Unlock()
	out := make([]Sent, len(g.sent))
	copy(out, g.sent)
	return out
}
