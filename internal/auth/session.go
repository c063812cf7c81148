package auth

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"medportal.org/internal/obs"
)

// MinSecretLength is the floor for the HS256 signing secret in bytes.
const MinSecretLength = 32

const clockSkew = 5 * time.Second

// SessionClaims are the claims carried by every portal token.
type SessionClaims struct {
	UserType  UserType `json:"user_type"`
	Name      string   `json:"name,omitempty"`
	Roles     []string `json:"roles,omitempty"`
	HistoryID string   `json:"history_id,omitempty"`
	jwt.RegisteredClaims
}

// IssuedToken is a signed token plus the session it is bound to.
type IssuedToken struct {
	Token     string    `json:"token"`
	TokenType string    `json:"token_type"`
	ExpiresAt time.Time `json:"expires_at"`
	UserType  UserType  `json:"user_type"`
	SessionID string    `json:"-"`
}

// SessionConfig configures a SessionManager.
type SessionConfig struct {
	Secret string
	// MinSecretLength may raise the floor; values below MinSecretLength are ignored.
	MinSecretLength int
	Issuer          string
	Audience        string
	PatientTTL      time.Duration
	AdminTTL        time.Duration
}

// SessionManager issues HS256 tokens backed by a session record and checks
// both on every request.
type SessionManager struct {
	store    SessionStore
	secret   []byte
	issuer   string
	audience string
	ttl      map[UserType]time.Duration
	now      func() time.Time
	log      zerolog.Logger
}

// SessionOption configures SessionManager behavior.
type SessionOption func(*SessionManager) error

// WithSessionClock overrides the time source.
func WithSessionClock(fn func() time.Time) SessionOption {
	return func(m *SessionManager) error {
		if fn != nil {
			m.now = fn
		}
		return nil
	}
}

// WithSessionLogger sets the manager logger.
func WithSessionLogger(l zerolog.Logger) SessionOption {
	return func(m *SessionManager) error {
		m.log = l
		return nil
	}
}

// NewSessionManager fails with ErrConfiguration when the secret is shorter
// than the configured minimum.
func NewSessionManager(store SessionStore, cfg SessionConfig, opts ...SessionOption) (*SessionManager, error) {
	if store == nil {
		return nil, fmt.Errorf("%w: session store is required", ErrConfiguration)
	}
	minLen := max(cfg.MinSecretLength, MinSecretLength)
	secret := strings.TrimSpace(cfg.Secret)
	if len(secret) < minLen {
		return nil, fmt.Errorf("%w: signing secret must be at least %d bytes", ErrConfiguration, minLen)
	}
	if cfg.PatientTTL <= 0 || cfg.AdminTTL <= 0 {
		return nil, fmt.Errorf("%w: token lifetimes must be positive", ErrConfiguration)
	}
	m := &SessionManager{
		store:    store,
		secret:   []byte(secret),
		issuer:   strings.TrimSpace(cfg.Issuer),
		audience: strings.TrimSpace(cfg.Audience),
		ttl: map[UserType]time.Duration{
			UserTypePatient: cfg.PatientTTL,
			UserTypeAdmin:   cfg.AdminTTL,
		},
		now: time.Now,
		log: obs.Logger(),
	}
	for _, opt := range opts {
		if err := opt(m); err != nil {
			return nil, err
		}
	}
	m.log = m.log.With().Str("component", "session").Logger()
	return m, nil
}

// IssuePatientSession signs a patient token after a verified OTP.
func (m *SessionManager) IssuePatientSession(ctx context.Context, p *PatientContact) (IssuedToken, error) {
	if p == nil || strings.TrimSpace(p.UserID) == "" {
		return IssuedToken{}, fmt.Errorf("%w: patient id is required", ErrValidation)
	}
	return m.issue(ctx, UserTypePatient, p.UserID, SessionClaims{
		Name:      strings.TrimSpace(p.FullName),
		HistoryID: strings.TrimSpace(p.HistoryID),
	})
}

// IssueAdminSession signs an admin token carrying the role names.
func (m *SessionManager) IssueAdminSession(ctx context.Context, u *AdminUser, roles []Role) (IssuedToken, error) {
	if u == nil || strings.TrimSpace(u.ID) == "" {
		return IssuedToken{}, fmt.Errorf("%w: admin id is required", ErrValidation)
	}
	names := make([]string, 0, len(roles))
	for _, r := range roles {
		names = append(names, r.Name)
	}
	name := u.DisplayName
	if name == "" {
		name = u.Username
	}
	return m.issue(ctx, UserTypeAdmin, u.ID, SessionClaims{
		Name:  name,
		Roles: dedupeRoles(names),
	})
}

func (m *SessionManager) issue(ctx context.Context, userType UserType, userID string, claims SessionClaims) (IssuedToken, error) {
	// Numeric dates have second precision; keep the record in step with the token.
	now := m.now().UTC().Truncate(time.Second)
	exp := now.Add(m.ttl[userType])
	sess := &Session{
		ID:        uuid.NewString(),
		UserID:    userID,
		UserType:  userType,
		IssuedAt:  now,
		ExpiresAt: exp,
		Active:    true,
	}
	claims.UserType = userType
	claims.RegisteredClaims = jwt.RegisteredClaims{
		ID:        sess.ID,
		Subject:   userID,
		Issuer:    m.issuer,
		IssuedAt:  jwt.NewNumericDate(now),
		ExpiresAt: jwt.NewNumericDate(exp),
	}
	if m.audience != "" {
		claims.Audience = jwt.ClaimStrings{m.audience}
	}

	signed, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(m.secret)
	if err != nil {
		return IssuedToken{}, fmt.Errorf("sign token: %w", err)
	}
	if err := m.store.CreateSession(ctx, sess); err != nil {
		return IssuedToken{}, fmt.Errorf("persist session: %w", err)
	}
	obs.SessionsIssued.WithLabelValues(string(userType)).Inc()
	m.log.Info().Str("session_id", sess.ID).Str("user_type", string(userType)).Time("expires_at", exp).Msg("session issued")
	return IssuedToken{
		Token:     signed,
		TokenType: "Bearer",
		ExpiresAt: exp,
		UserType:  userType,
		SessionID: sess.ID,
	}, nil
}

// Validate verifies the token signature and claims, then requires the backing
// session to be active, unrevoked and unexpired.
func (m *SessionManager) Validate(ctx context.Context, token string) (*SessionClaims, error) {
	token = strings.TrimSpace(token)
	if token == "" {
		return nil, ErrInvalidToken
	}
	opts := []jwt.ParserOption{
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithExpirationRequired(),
		jwt.WithIssuedAt(),
		jwt.WithLeeway(clockSkew),
		jwt.WithTimeFunc(m.now),
	}
	if m.issuer != "" {
		opts = append(opts, jwt.WithIssuer(m.issuer))
	}
	if m.audience != "" {
		opts = append(opts, jwt.WithAudience(m.audience))
	}

	claims := &SessionClaims{}
	_, err := jwt.ParseWithClaims(token, claims, func(*jwt.Token) (any, error) {
		return m.secret, nil
	}, opts...)
	if err != nil {
		if errors.Is(err, jwt.ErrTokenExpired) {
			return nil, ErrRevokedOrExpired
		}
		return nil, ErrInvalidToken
	}
	if err := validateClaims(claims); err != nil {
		return nil, ErrInvalidToken
	}

	sess, err := m.store.FindSession(ctx, claims.ID)
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			return nil, ErrRevokedOrExpired
		}
		return nil, err
	}
	if sess.UserID != claims.Subject || sess.UserType != claims.UserType {
		return nil, ErrInvalidToken
	}
	if !sess.Honorable(m.now()) {
		return nil, ErrRevokedOrExpired
	}
	return claims, nil
}

func validateClaims(claims *SessionClaims) error {
	if strings.TrimSpace(claims.Subject) == "" {
		return errors.New("subject missing")
	}
	if strings.TrimSpace(claims.ID) == "" {
		return errors.New("token id missing")
	}
	if claims.UserType != UserTypePatient && claims.UserType != UserTypeAdmin {
		return fmt.Errorf("unexpected user type: %q", claims.UserType)
	}
	if claims.IssuedAt == nil {
		return errors.New("issued-at missing")
	}
	if claims.ExpiresAt.Time.Before(claims.IssuedAt.Time) {
		return errors.New("token expiry precedes issued-at")
	}
	return nil
}

// Revoke deactivates a session. Revoking twice is not an error.
func (m *SessionManager) Revoke(ctx context.Context, sessionID string) error {
	sessionID = strings.TrimSpace(sessionID)
	if sessionID == "" {
		return fmt.Errorf("%w: session id is required", ErrValidation)
	}
	if err := m.store.RevokeSession(ctx, sessionID, m.now().UTC()); err != nil {
		return err
	}
	m.log.Info().Str("session_id", sessionID).Msg("session revoked")
	return nil
}

// RevokeAllForUser deactivates every live session of the user.
func (m *SessionManager) RevokeAllForUser(ctx context.Context, userID string) (int64, error) {
	userID = strings.TrimSpace(userID)
	if userID == "" {
		return 0, fmt.Errorf("%w: user id is required", ErrValidation)
	}
	n, err := m.store.RevokeUserSessions(ctx, userID, m.now().UTC())
	if err != nil {
		return 0, err
	}
	if n > 0 {
		m.log.Info().Str("user_id", userID).Int64("revoked", n).Msg("user sessions revoked")
	}
	return n, nil
}

func dedupeRoles(roles []string) []string {
	if len(roles) == 0 {
		return nil
	}
	seen := make(map[string]struct{}, len(roles))
	var normalized []string
	for _, role := range roles {
		role = strings.TrimSpace(role)
		if role == "" {
			continue
		}
		if _, ok := seen[role]; ok {
			continue
		}
		seen[role] = struct{}{}
		normalized = append(normalized, role)
	}
	return normalized
}
