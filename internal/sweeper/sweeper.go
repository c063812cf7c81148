// Package sweeper deletes expired OTP challenges, stale sessions and spent
// reset tokens once a day.
package sweeper

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"medportal.org/internal/obs"
)

// Store is the storage surface the sweeper deletes from.
type Store interface {
	DeleteExpiredBefore(ctx context.Context, cutoff time.Time) (int64, error)
	CountChallenges(ctx context.Context) (int64, error)
	DeleteStaleSessions(ctx context.Context, cutoff, now time.Time) (int64, error)
	CountSessions(ctx context.Context) (int64, error)
	DeleteStaleResetTokens(ctx context.Context, cutoff time.Time) (int64, error)
}

// Config controls retention windows and scheduling.
type Config struct {
	// OTPRetention is measured from a challenge's expiry.
	OTPRetention time.Duration
	// SessionRetention is measured from revocation, else expiry.
	SessionRetention time.Duration
	// ResetRetention defaults to SessionRetention.
	ResetRetention time.Duration
	RunHour        int
	RetryInterval  time.Duration
	Location       *time.Location
}

// Result summarizes one pass.
type Result struct {
	RanAt               time.Time `json:"ran_at"`
	ChallengesDeleted   int64     `json:"challenges_deleted"`
	SessionsDeleted     int64     `json:"sessions_deleted"`
	ResetTokensDeleted  int64     `json:"reset_tokens_deleted"`
	ChallengesRemaining int64     `json:"challenges_remaining"`
	SessionsRemaining   int64     `json:"sessions_remaining"`
}

type Sweeper struct {
	store Store
	cfg   Config
	now   func() time.Time
	wait  func(ctx context.Context, d time.Duration) bool
	log   zerolog.Logger

	runMu sync.Mutex
	mu    sync.RWMutex
	last  *Result
}

type Option func(*Sweeper)

// WithClock overrides the time source.
func WithClock(fn func() time.Time) Option {
	return func(s *Sweeper) {
		if fn != nil {
			s.now = fn
		}
	}
}

// WithWait replaces the timer used between runs. The function reports false
// when ctx ended before d elapsed.
func WithWait(fn func(ctx context.Context, d time.Duration) bool) Option {
	return func(s *Sweeper) {
		if fn != nil {
			s.wait = fn
		}
	}
}

func WithLogger(l zerolog.Logger) Option {
	return func(s *Sweeper) { s.log = l }
}

func New(store Store, cfg Config, opts ...Option) (*Sweeper, error) {
	if store == nil {
		return nil, errors.New("sweeper: store is required")
	}
	if cfg.OTPRetention <= 0 || cfg.SessionRetention <= 0 {
		return nil, fmt.Errorf("sweeper: retention windows must be positive (otp=%s session=%s)", cfg.OTPRetention, cfg.SessionRetention)
	}
	if cfg.RunHour < 0 || cfg.RunHour > 23 {
		return nil, fmt.Errorf("sweeper: run hour %d out of range", cfg.RunHour)
	}
	if cfg.RetryInterval <= 0 {
		cfg.RetryInterval = time.Hour
	}
	if cfg.ResetRetention <= 0 {
		cfg.ResetRetention = cfg.SessionRetention
	}
	if cfg.Location == nil {
		cfg.Location = time.Local
	}
	s := &Sweeper{
		store: store,
		cfg:   cfg,
		now:   time.Now,
		wait:  sleepCtx,
		log:   obs.Logger(),
	}
	for _, opt := range opts {
		opt(s)
	}
	s.log = s.log.With().Str("component", "retention-sweeper").Logger()
	return s, nil
}

// NextRun returns the first time strictly after now whose clock hour is hour.
func NextRun(now time.Time, hour int, loc *time.Location) time.Time {
	local := now.In(loc)
	next := time.Date(local.Year(), local.Month(), local.Day(), hour, 0, 0, 0, loc)
	if !next.After(local) {
		next = next.AddDate(0, 0, 1)
	}
	return next
}

// Run waits for the configured hour, then sweeps once a day until ctx is
// cancelled. A failed pass is retried after RetryInterval.
func (s *Sweeper) Run(ctx context.Context) {
	now := s.now()
	delay := NextRun(now, s.cfg.RunHour, s.cfg.Location).Sub(now)
	s.log.Info().Dur("initial_delay", delay).Int("run_hour", s.cfg.RunHour).Msg("retention sweeper scheduled")
	for {
		if !s.wait(ctx, delay) {
			s.log.Info().Msg("retention sweeper stopped")
			return
		}
		if _, err := s.RunOnce(ctx); err != nil {
			if ctx.Err() != nil {
				s.log.Info().Msg("retention sweeper stopped mid-run")
				return
			}
			s.log.Error().Err(err).Dur("retry_in", s.cfg.RetryInterval).Msg("retention sweep failed")
			delay = s.cfg.RetryInterval
			continue
		}
		now = s.now()
		delay = NextRun(now, s.cfg.RunHour, s.cfg.Location).Sub(now)
	}
}

// RunOnce performs one pass. Each delete is its own statement; a failure in
// one does not skip the others.
func (s *Sweeper) RunOnce(ctx context.Context) (Result, error) {
	s.runMu.Lock()
	defer s.runMu.Unlock()

	now := s.now().UTC()
	res := Result{RanAt: now}
	var errs []error

	n, err := s.store.DeleteExpiredBefore(ctx, now.Add(-s.cfg.OTPRetention))
	if err != nil {
		errs = append(errs, fmt.Errorf("delete challenges: %w", err))
	}
	res.ChallengesDeleted = n

	if ctx.Err() == nil {
		n, err = s.store.DeleteStaleSessions(ctx, now.Add(-s.cfg.SessionRetention), now)
		if err != nil {
			errs = append(errs, fmt.Errorf("delete sessions: %w", err))
		}
		res.SessionsDeleted = n
	}

	if ctx.Err() == nil {
		n, err = s.store.DeleteStaleResetTokens(ctx, now.Add(-s.cfg.ResetRetention))
		if err != nil {
			errs = append(errs, fmt.Errorf("delete reset tokens: %w", err))
		}
		res.ResetTokensDeleted = n
	}

	obs.RetentionDeleted.WithLabelValues("otp_challenge").Add(float64(res.ChallengesDeleted))
	obs.RetentionDeleted.WithLabelValues("session").Add(float64(res.SessionsDeleted))
	obs.RetentionDeleted.WithLabelValues("password_reset_token").Add(float64(res.ResetTokensDeleted))

	if err := ctx.Err(); err != nil {
		errs = append(errs, err)
	}
	if len(errs) > 0 {
		return res, errors.Join(errs...)
	}

	if res.ChallengesRemaining, err = s.store.CountChallenges(ctx); err != nil {
		return res, fmt.Errorf("count challenges: %w", err)
	}
	if res.SessionsRemaining, err = s.store.CountSessions(ctx); err != nil {
		return res, fmt.Errorf("count sessions: %w", err)
	}

	s.mu.Lock()
	cp := res
	s.last = &cp
	s.mu.Unlock()

	s.log.Info().
		Int64("challenges_deleted", res.ChallengesDeleted).
		Int64("sessions_deleted", res.SessionsDeleted).
		Int64("reset_tokens_deleted", res.ResetTokensDeleted).
		Int64("challenges_remaining", res.ChallengesRemaining).
		Int64("sessions_remaining", res.SessionsRemaining).
		Msg("retention sweep completed")
	return res, nil
}

// LastResult returns the most recent successful pass.
func (s *Sweeper) LastResult() (Result, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.last == nil {
		return Result{}, false
	}
	return *s.last, true
}

func sleepCtx(ctx context.Context, d time.Duration) bool {
	if d <= 0 {
		return ctx.Err() == nil
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-t.C:
		return true
	}
}
