package notify

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"medportal.org/internal/obs"
)

// ErrDelivery matches every *DeliveryError.
var ErrDelivery = errors.New("notification delivery failed")

// DeliveryError reports the channels that could not be reached.
type DeliveryError struct {
	Failures map[Channel]error
}

func (e *DeliveryError) Error() string {
	errs := make([]error, 0, len(e.Failures))
	for ch, err := range e.Failures {
		errs = append(errs, fmt.Errorf("%s: %w", ch, err))
	}
	return fmt.Sprintf("%s: %v", ErrDelivery, errors.Join(errs...))
}

func (e *DeliveryError) Is(target error) bool { return target == ErrDelivery }

// Message is one notification addressed to any subset of channels.
type Message struct {
	Channels []Channel
	Phone    string
	Email    string
	Subject  string
	Body     string
}

// Report describes the outcome of a Deliver call.
type Report struct {
	Delivered []Channel
	Failed    []Channel
	Err       *DeliveryError
}

// Destinations returns masked addresses for every channel that was attempted.
func (m Message) Destinations() []string {
	var out []string
	for _, ch := range m.Channels {
		switch ch {
		case ChannelSMS:
			out = append(out, MaskPhone(m.Phone))
		case ChannelEmail:
			out = append(out, MaskEmail(m.Email))
		}
	}
	return out
}

// Dispatcher sends a message on each requested channel concurrently, each
// under its own timeout.
type Dispatcher struct {
	gw      Gateway
	timeout time.Duration
	log     zerolog.Logger
}

func NewDispatcher(gw Gateway, timeout time.Duration, log zerolog.Logger) *Dispatcher {
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	return &Dispatcher{gw: gw, timeout: timeout, log: log.With().Str("component", "notify").Logger()}
}

// Deliver never returns an error: failures are logged and reported.
func (d *Dispatcher) Deliver(ctx context.Context, msg Message) Report {
	type result struct {
		ch  Channel
		err error
	}
	results := make(chan result, len(msg.Channels))
	var wg sync.WaitGroup
	for _, ch := range msg.Channels {
		wg.Add(1)
		go func(ch Channel) {
			defer wg.Done()
			// Detached from request cancellation so a client hang-up does not abort a send in progress.
			cctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), d.timeout)
			defer cancel()
			results <- result{ch: ch, err: d.send(cctx, ch, msg)}
		}(ch)
	}
	wg.Wait()
	close(results)

	var rep Report
	failures := map[Channel]error{}
	for r := range results {
		if r.err != nil {
			failures[r.ch] = r.err
			rep.Failed = append(rep.Failed, r.ch)
			obs.NotificationFailures.WithLabelValues(string(r.ch)).Inc()
			continue
		}
		rep.Delivered = append(rep.Delivered, r.ch)
	}
	if len(failures) > 0 {
		rep.Err = &DeliveryError{Failures: failures}
		d.log.Warn().Err(rep.Err).Strs("destinations", msg.Destinations()).Msg("notification degraded")
	}
	return rep
}

func (d *Dispatcher) send(ctx context.Context, ch Channel, msg Message) error {
	switch ch {
	case ChannelSMS:
		if msg.Phone == "" {
			return errors.New("no phone on record")
		}
		return d.gw.SendSMS(ctx, msg.Phone, msg.Body)
	case ChannelEmail:
		if msg.Email == "" {
			return errors.New("no email on record")
		}
		return d.gw.SendEmail(ctx, msg.Email, msg.Subject, msg.Body)
	default:
		return fmt.Errorf("unsupported channel %q", ch)
	}
}
