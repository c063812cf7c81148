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

const resetAckMessage = "If the account exists, recovery instructions have been sent."

// SessionRevoker ends every session of a user.
type SessionRevoker interface {
	RevokeAllForUser(ctx context.Context, userID string) (int64, error)
}

// ResetAck has the same shape whether or not the identifier matched.
type ResetAck struct {
	Accepted     bool     `json:"accepted"`
	Message      string   `json:"message"`
	Destinations []string `json:"destinations"`
}

// ResetConfig configures the credential reset engine.
type ResetConfig struct {
	TokenTTL time.Duration
	// LinkBase is prefixed to the token in the delivered message.
	LinkBase string
}

// ResetEngine runs admin password recovery by emailed single-use token.
type ResetEngine struct {
	users    AdminUserStore
	tokens   ResetTokenStore
	sessions SessionRevoker
	notifier Deliverer
	cfg      ResetConfig
	now      func() time.Time
	log      zerolog.Logger
}

// ResetOption configures a ResetEngine.
type ResetOption func(*ResetEngine)

// WithResetClock overrides the time source.
func WithResetClock(fn func() time.Time) ResetOption {
	return func(e *ResetEngine) {
		if fn != nil {
			e.now = fn
		}
	}
}

// WithResetLogger sets the engine logger.
func WithResetLogger(l zerolog.Logger) ResetOption {
	return func(e *ResetEngine) { e.log = l }
}

func NewResetEngine(users AdminUserStore, tokens ResetTokenStore, sessions SessionRevoker, notifier Deliverer, cfg ResetConfig, opts ...ResetOption) (*ResetEngine, error) {
	if users == nil || tokens == nil || notifier == nil {
		return nil, fmt.Errorf("%w: reset engine requires user store, token store and notifier", ErrConfiguration)
	}
	if cfg.TokenTTL <= 0 {
		return nil, fmt.Errorf("%w: reset token lifetime must be positive", ErrConfiguration)
	}
	e := &ResetEngine{
		users:    users,
		tokens:   tokens,
		sessions: sessions,
		notifier: notifier,
		cfg:      cfg,
		now:      time.Now,
		log:      obs.Logger(),
	}
	for _, opt := range opts {
		opt(e)
	}
	e.log = e.log.With().Str("component", "reset").Logger()
	return e, nil
}

// RequestReset issues a token for the account matching identifier and sends
// it by SMS and email, whichever the account has. Unknown or disabled
// accounts get the same acknowledgement.
func (e *ResetEngine) RequestReset(ctx context.Context, identifier string) (ResetAck, error) {
	identifier = strings.TrimSpace(identifier)
	if identifier == "" {
		return ResetAck{}, fmt.Errorf("%w: username or email is required", ErrValidation)
	}
	ack := ResetAck{Accepted: true, Message: resetAckMessage, Destinations: []string{}}

	user, err := e.users.FindAdminByIdentifier(ctx, identifier)
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			e.log.Info().Str("identifier", obs.MaskTail(identifier, 3)).Msg("reset requested for unknown account")
			return ack, nil
		}
		return ResetAck{}, err
	}
	channels := user.Channels()
	if user.Status != UserStatusActive || len(channels) == 0 {
		e.log.Info().Str("user_id", user.ID).Msg("reset requested for account that cannot receive it")
		return ack, nil
	}

	token, err := generateOpaqueToken()
	if err != nil {
		return ResetAck{}, fmt.Errorf("generate reset token: %w", err)
	}
	now := e.now().UTC()
	rec := &PasswordResetToken{
		ID:        ids.NewAt(now),
		UserID:    user.ID,
		TokenHash: hashToken(token),
		CreatedAt: now,
		ExpiresAt: now.Add(e.cfg.TokenTTL),
	}
	replaced, err := e.tokens.IssueResetToken(ctx, rec)
	if err != nil {
		return ResetAck{}, fmt.Errorf("persist reset token: %w", err)
	}

	msg := notify.Message{
		Channels: channels,
		Phone:    user.Phone,
		Email:    user.Email,
		Subject:  "Password recovery",
		Body: fmt.Sprintf("Use this link to choose a new password: %s%s\nIt expires in %d minutes.",
			e.cfg.LinkBase, token, int(e.cfg.TokenTTL/time.Minute)),
	}
	rep := e.notifier.Deliver(ctx, msg)
	if rep.Err != nil {
		e.log.Warn().Err(rep.Err).Str("user_id", user.ID).Msg("reset token delivery degraded")
	}
	e.log.Info().Str("user_id", user.ID).Int64("replaced", replaced).Time("expires_at", rec.ExpiresAt).Msg("reset token issued")
	ack.Destinations = msg.Destinations()
	return ack, nil
}

// ResetPassword redeems a token and sets the new password. All sessions of
// the user are revoked afterwards.
func (e *ResetEngine) ResetPassword(ctx context.Context, token, newPassword string) error {
	token = strings.TrimSpace(token)
	if token == "" {
		return ErrExpiredOrNotFound
	}
	rec, err := e.tokens.FindResetToken(ctx, hashToken(token))
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			return ErrExpiredOrNotFound
		}
		return err
	}
	now := e.now().UTC()
	if !rec.Usable(now) {
		return ErrExpiredOrNotFound
	}
	if err := ValidatePasswordPolicy(newPassword); err != nil {
		return err
	}
	hash, err := HashPassword(newPassword)
	if err != nil {
		return err
	}
	if err := e.tokens.CompleteReset(ctx, rec.ID, rec.UserID, hash, now); err != nil {
		return err
	}
	e.log.Info().Str("user_id", rec.UserID).Msg("password reset completed")
	e.revokeSessions(ctx, rec.UserID)
	return nil
}

// InvalidateUserTokens consumes every outstanding token of the user.
func (e *ResetEngine) InvalidateUserTokens(ctx context.Context, userID string) (int64, error) {
	userID = strings.TrimSpace(userID)
	if userID == "" {
		return 0, fmt.Errorf("%w: user id is required", ErrValidation)
	}
	n, err := e.tokens.InvalidateResetTokens(ctx, userID, e.now().UTC())
	if err != nil {
		return 0, err
	}
	e.log.Info().Str("user_id", userID).Int64("invalidated", n).Msg("reset tokens invalidated")
	return n, nil
}

// ChangePassword replaces the password of a signed-in admin, drops any
// outstanding reset tokens and revokes every session of the account.
func (e *ResetEngine) ChangePassword(ctx context.Context, userID, current, next string) error {
	user, err := e.users.FindAdmin(ctx, strings.TrimSpace(userID))
	if err != nil {
		return err
	}
	if err := VerifyPassword(user.PasswordHash, current); err != nil {
		return err
	}
	if err := ValidatePasswordPolicy(next); err != nil {
		return err
	}
	hash, err := HashPassword(next)
	if err != nil {
		return err
	}
	dropped, err := e.tokens.ReplacePassword(ctx, user.ID, hash, e.now().UTC())
	if err != nil {
		return err
	}
	e.log.Info().Str("user_id", user.ID).Int64("reset_tokens_dropped", dropped).Msg("password changed")
	e.revokeSessions(ctx, user.ID)
	return nil
}

func (e *ResetEngine) revokeSessions(ctx context.Context, userID string) {
	if e.sessions == nil {
		return
	}
	if _, err := e.sessions.RevokeAllForUser(ctx, userID); err != nil {
		e.log.Error().Err(err).Str("user_id", userID).Msg("revoke sessions after reset")
	}
}
