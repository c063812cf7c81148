package auth

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"medportal.org/internal/ids"
	"medportal.org/internal/notify"
	"medportal.org/internal/obs"
)

// Deliverer sends a notification and reports per-channel outcome.
type Deliverer interface {
	Deliver(ctx context.Context, msg notify.Message) notify.Report
}

// OTPConfig holds the OTP limits.
type OTPConfig struct {
	Lifetime    time.Duration
	CodeLength  int
	MaxAttempts int
	MaxResends  int
	// ResendExtendsExpiry restarts the lifetime on every resend.
	ResendExtendsExpiry bool
	// ResendResetsAttempts zeroes the attempt counter on every resend.
	ResendResetsAttempts bool
}

// DefaultOTPConfig mirrors the configuration defaults.
func DefaultOTPConfig() OTPConfig {
	return OTPConfig{
		Lifetime:            5 * time.Minute,
		CodeLength:          6,
		MaxAttempts:         5,
		MaxResends:          3,
		ResendExtendsExpiry: true,
	}
}

// OTPAck is returned by Start and Resend. It never carries the code.
type OTPAck struct {
	ChallengeID      string           `json:"challenge_id"`
	ExpiresAt        time.Time        `json:"expires_at"`
	Destinations     []string         `json:"destinations"`
	FailedChannels   []notify.Channel `json:"failed_channels,omitempty"`
	ResendsRemaining int              `json:"resends_remaining"`
}

// Degraded reports whether at least one channel failed.
func (a OTPAck) Degraded() bool { return len(a.FailedChannels) > 0 }

// OTPEngine runs the patient one-time-passcode state machine:
//
//	pending -> verified | expired | failed | superseded
//
// Every transition out of pending is a conditional store update, so
// concurrent callers cannot both win.
type OTPEngine struct {
	store    ChallengeStore
	patients PatientDirectory
	notifier Deliverer
	cfg      OTPConfig
	now      func() time.Time
	log      zerolog.Logger
}

// OTPOption configures an OTPEngine.
type OTPOption func(*OTPEngine)

// WithOTPClock overrides the time source.
func WithOTPClock(fn func() time.Time) OTPOption {
	return func(e *OTPEngine) {
		if fn != nil {
			e.now = fn
		}
	}
}

// WithOTPLogger sets the engine logger.
func WithOTPLogger(l zerolog.Logger) OTPOption {
	return func(e *OTPEngine) { e.log = l }
}

func NewOTPEngine(store ChallengeStore, patients PatientDirectory, notifier Deliverer, cfg OTPConfig, opts ...OTPOption) (*OTPEngine, error) {
	if store == nil || patients == nil || notifier == nil {
		return nil, fmt.Errorf("%w: otp engine requires store, patient directory and notifier", ErrConfiguration)
	}
	if cfg.Lifetime <= 0 || cfg.CodeLength <= 0 || cfg.MaxAttempts <= 0 || cfg.MaxResends < 0 {
		return nil, fmt.Errorf("%w: invalid otp limits %+v", ErrConfiguration, cfg)
	}
	e := &OTPEngine{
		store:    store,
		patients: patients,
		notifier: notifier,
		cfg:      cfg,
		now:      time.Now,
		log:      obs.Logger(),
	}
	for _, opt := range opts {
		opt(e)
	}
	e.log = e.log.With().Str("component", "otp").Logger()
	return e, nil
}

// Start opens a new challenge for the patient the subject resolves to,
// superseding any pending one whichever identifier form opened it,
// and sends the code on the requested channels (all known channels when none
// are given). A delivery failure is logged and reported in the ack; the
// challenge stays valid for a later Resend.
func (e *OTPEngine) Start(ctx context.Context, subject Subject, channels []notify.Channel) (OTPAck, error) {
	subject, err := subject.Normalize()
	if err != nil {
		return OTPAck{}, err
	}
	contact, err := e.resolve(ctx, subject)
	if err != nil {
		return OTPAck{}, err
	}
	channels, err = selectChannels(contact, channels)
	if err != nil {
		return OTPAck{}, err
	}
	code, err := generateNumericCode(e.cfg.CodeLength)
	if err != nil {
		return OTPAck{}, fmt.Errorf("generate code: %w", err)
	}

	now := e.now().UTC()
	ch := &OTPChallenge{
		ID:         ids.NewAt(now),
		SubjectKey: contact.ChallengeKey(),
		Code:       code,
		Channels:   channels,
		CreatedAt:  now,
		ExpiresAt:  now.Add(e.cfg.Lifetime),
		Status:     ChallengePending,
		UpdatedAt:  now,
	}
	superseded, err := e.store.CreatePending(ctx, ch)
	if errors.Is(err, ErrConflict) {
		// A concurrent Start won the pending slot; supersede it in turn.
		superseded, err = e.store.CreatePending(ctx, ch)
	}
	if err != nil {
		return OTPAck{}, fmt.Errorf("persist challenge: %w", err)
	}
	obs.OTPChallenges.WithLabelValues("started").Inc()
	e.log.Info().
		Str("challenge_id", ch.ID).
		Str("subject", obs.MaskTail(ch.SubjectKey, 4)).
		Int64("superseded", superseded).
		Time("expires_at", ch.ExpiresAt).
		Msg("otp challenge started")

	return e.dispatch(ctx, ch, contact), nil
}

// Resend re-sends the code of the pending challenge without regenerating it.
func (e *OTPEngine) Resend(ctx context.Context, subject Subject) (OTPAck, error) {
	subject, err := subject.Normalize()
	if err != nil {
		return OTPAck{}, err
	}
	contact, err := e.resolve(ctx, subject)
	if err != nil {
		return OTPAck{}, err
	}

	ch, err := e.store.Latest(ctx, contact.ChallengeKey())
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			return OTPAck{}, fmt.Errorf("%w: no pending challenge", ErrNotFound)
		}
		return OTPAck{}, err
	}
	now := e.now().UTC()
	if err := e.checkResendable(ctx, ch, now); err != nil {
		return OTPAck{}, err
	}

	var expiresAt *time.Time
	if e.cfg.ResendExtendsExpiry {
		t := now.Add(e.cfg.Lifetime)
		expiresAt = &t
	}
	updated, err := e.store.RecordResend(ctx, ch.ID, e.cfg.MaxResends, expiresAt, e.cfg.ResendResetsAttempts, now)
	if errors.Is(err, ErrConflict) {
		// Lost a race; report whatever state the challenge is in now.
		if latest, lerr := e.store.Latest(ctx, contact.ChallengeKey()); lerr == nil && latest.ID == ch.ID {
			if cerr := e.checkResendable(ctx, latest, now); cerr != nil {
				return OTPAck{}, cerr
			}
		}
		return OTPAck{}, fmt.Errorf("%w: no pending challenge", ErrNotFound)
	}
	if err != nil {
		return OTPAck{}, fmt.Errorf("record resend: %w", err)
	}
	obs.OTPChallenges.WithLabelValues("resent").Inc()
	e.log.Info().Str("challenge_id", updated.ID).Int("resends", updated.Resends).Msg("otp challenge resent")

	return e.dispatch(ctx, updated, contact), nil
}

func (e *OTPEngine) checkResendable(ctx context.Context, ch *OTPChallenge, now time.Time) error {
	if ch.Status.Terminal() {
		return fmt.Errorf("%w: no pending challenge", ErrNotFound)
	}
	if ch.ExpiredAt(now) {
		e.expire(ctx, ch, now)
		return fmt.Errorf("%w: challenge expired", ErrNotFound)
	}
	if ch.Resends >= e.cfg.MaxResends {
		return fmt.Errorf("%w: limit of %d reached", ErrTooManyResends, e.cfg.MaxResends)
	}
	return nil
}

// Verify checks code against the subject's current challenge. On success the
// challenge is verified and returned; the caller issues the session.
func (e *OTPEngine) Verify(ctx context.Context, subject Subject, code string) (*OTPChallenge, error) {
	subject, err := subject.Normalize()
	if err != nil {
		return nil, err
	}
	code = strings.TrimSpace(code)
	if !isDigits(code) {
		return nil, fmt.Errorf("%w: code must be numeric", ErrValidation)
	}

	contact, err := e.patients.FindPatient(ctx, subject)
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			return nil, ErrExpiredOrNotFound
		}
		return nil, err
	}
	ch, err := e.store.Latest(ctx, contact.ChallengeKey())
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			return nil, ErrExpiredOrNotFound
		}
		return nil, err
	}
	switch ch.Status {
	case ChallengePending:
	case ChallengeFailed:
		return nil, fmt.Errorf("%w: challenge locked", ErrTooManyAttempts)
	default:
		return nil, ErrExpiredOrNotFound
	}
	now := e.now().UTC()
	if ch.ExpiredAt(now) {
		e.expire(ctx, ch, now)
		return nil, ErrExpiredOrNotFound
	}

	updated, err := e.store.RecordAttempt(ctx, ch.ID, now)
	if err != nil {
		return nil, err
	}
	if updated.Attempts > e.cfg.MaxAttempts {
		e.fail(ctx, updated, now)
		return nil, fmt.Errorf("%w: limit of %d reached", ErrTooManyAttempts, e.cfg.MaxAttempts)
	}
	if !constantTimeEqual(updated.Code, code) {
		if updated.Attempts >= e.cfg.MaxAttempts {
			e.fail(ctx, updated, now)
			return nil, fmt.Errorf("%w: limit of %d reached", ErrTooManyAttempts, e.cfg.MaxAttempts)
		}
		obs.OTPChallenges.WithLabelValues("invalid_code").Inc()
		return nil, fmt.Errorf("%w: %d attempts remaining", ErrInvalidCode, e.cfg.MaxAttempts-updated.Attempts)
	}

	ok, err := e.store.Transition(ctx, updated.ID, ChallengePending, ChallengeVerified, now)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, ErrExpiredOrNotFound
	}
	updated.Status = ChallengeVerified
	updated.UpdatedAt = now
	obs.OTPChallenges.WithLabelValues("verified").Inc()
	e.log.Info().Str("challenge_id", updated.ID).Int("attempts", updated.Attempts).Msg("otp challenge verified")
	return updated, nil
}

func (e *OTPEngine) resolve(ctx context.Context, subject Subject) (*PatientContact, error) {
	contact, err := e.patients.FindPatient(ctx, subject)
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			return nil, fmt.Errorf("%w: subject has no registered contact", ErrValidation)
		}
		return nil, err
	}
	if len(contact.Channels()) == 0 {
		return nil, fmt.Errorf("%w: subject has no registered contact", ErrValidation)
	}
	return contact, nil
}

func (e *OTPEngine) dispatch(ctx context.Context, ch *OTPChallenge, contact *PatientContact) OTPAck {
	minutes := int(ch.ExpiresAt.Sub(e.now().UTC()).Round(time.Minute) / time.Minute)
	msg := notify.Message{
		Channels: ch.Channels,
		Phone:    contact.Phone,
		Email:    contact.Email,
		Subject:  "Your patient portal verification code",
		Body:     fmt.Sprintf("Your patient portal verification code is %s. It expires in %d minutes.", ch.Code, max(minutes, 1)),
	}
	rep := e.notifier.Deliver(ctx, msg)
	if rep.Err != nil {
		obs.OTPChallenges.WithLabelValues("delivery_degraded").Inc()
		e.log.Warn().Err(rep.Err).Str("challenge_id", ch.ID).Msg("otp delivery degraded")
	}
	return OTPAck{
		ChallengeID:      ch.ID,
		ExpiresAt:        ch.ExpiresAt,
		Destinations:     msg.Destinations(),
		FailedChannels:   rep.Failed,
		ResendsRemaining: max(e.cfg.MaxResends-ch.Resends, 0),
	}
}

func (e *OTPEngine) expire(ctx context.Context, ch *OTPChallenge, now time.Time) {
	if _, err := e.store.Transition(ctx, ch.ID, ChallengePending, ChallengeExpired, now); err != nil {
		e.log.Error().Err(err).Str("challenge_id", ch.ID).Msg("mark challenge expired")
		return
	}
	obs.OTPChallenges.WithLabelValues("expired").Inc()
}

func (e *OTPEngine) fail(ctx context.Context, ch *OTPChallenge, now time.Time) {
	if _, err := e.store.Transition(ctx, ch.ID, ChallengePending, ChallengeFailed, now); err != nil {
		e.log.Error().Err(err).Str("challenge_id", ch.ID).Msg("mark challenge failed")
		return
	}
	obs.OTPChallenges.WithLabelValues("failed").Inc()
	e.log.Warn().Str("challenge_id", ch.ID).Int("attempts", ch.Attempts).Msg("otp challenge locked after too many attempts")
}

func selectChannels(contact *PatientContact, requested []notify.Channel) ([]notify.Channel, error) {
	available := contact.Channels()
	if len(requested) == 0 {
		return available, nil
	}
	var out []notify.Channel
	for _, want := range requested {
		for _, have := range available {
			if want == have && !containsChannel(out, want) {
				out = append(out, want)
			}
		}
	}
	if len(out) == 0 {
		return nil, fmt.Errorf("%w: none of the requested channels is registered", ErrValidation)
	}
	return out, nil
}

func containsChannel(list []notify.Channel, ch notify.Channel) bool {
	for _, c := range list {
		if c == ch {
			return true
		}
	}
	return false
}

func isDigits(s string) bool {
	if s == "" {
		return false
	}
	for _, r := range s {
		if r < '0' || r > '9' {
			return false
		}
	}
	return true
}
