package auth

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"

	"github.com/rs/zerolog"

	"medportal.org/internal/notify"
	"medportal.org/internal/obs"
)

// Service ties the engines together into the portal sign-in flows.
type Service struct {
	otp      *OTPEngine
	sessions *SessionManager
	patients PatientDirectory
	admins   AdminUserStore
	roles    PermissionStore
	log      zerolog.Logger

	dummyOnce sync.Once
	dummyHash string
}

// ServiceDeps are the collaborators of a Service.
type ServiceDeps struct {
	OTP      *OTPEngine
	Sessions *SessionManager
	Patients PatientDirectory
	Admins   AdminUserStore
	Roles    PermissionStore
}

func NewService(deps ServiceDeps) (*Service, error) {
	if deps.OTP == nil || deps.Sessions == nil || deps.Patients == nil || deps.Admins == nil || deps.Roles == nil {
		return nil, fmt.Errorf("%w: incomplete service dependencies", ErrConfiguration)
	}
	return &Service{
		otp:      deps.OTP,
		sessions: deps.Sessions,
		patients: deps.Patients,
		admins:   deps.Admins,
		roles:    deps.Roles,
		log:      obs.Logger().With().Str("component", "portal").Logger(),
	}, nil
}

// StartPatientLogin sends a one-time code to the patient.
func (s *Service) StartPatientLogin(ctx context.Context, subject Subject, channels []notify.Channel) (OTPAck, error) {
	return s.otp.Start(ctx, subject, channels)
}

// ResendPatientCode re-sends the pending code.
func (s *Service) ResendPatientCode(ctx context.Context, subject Subject) (OTPAck, error) {
	return s.otp.Resend(ctx, subject)
}

// VerifyPatientLogin checks the code and opens a patient session.
func (s *Service) VerifyPatientLogin(ctx context.Context, subject Subject, code string) (IssuedToken, error) {
	subject, err := subject.Normalize()
	if err != nil {
		return IssuedToken{}, err
	}
	if _, err := s.otp.Verify(ctx, subject, code); err != nil {
		return IssuedToken{}, err
	}
	contact, err := s.patients.FindPatient(ctx, subject)
	if err != nil {
		return IssuedToken{}, fmt.Errorf("resolve verified patient: %w", err)
	}
	return s.sessions.IssuePatientSession(ctx, contact)
}

// AdminLogin authenticates by username or email and password. Unknown,
// disabled and wrong-password accounts are indistinguishable.
func (s *Service) AdminLogin(ctx context.Context, identifier, password string) (IssuedToken, Principal, error) {
	identifier = strings.TrimSpace(identifier)
	if identifier == "" || password == "" {
		return IssuedToken{}, Principal{}, fmt.Errorf("%w: identifier and password are required", ErrValidation)
	}
	user, err := s.admins.FindAdminByIdentifier(ctx, identifier)
	if err != nil {
		if !errors.Is(err, ErrNotFound) {
			return IssuedToken{}, Principal{}, err
		}
		// Burn the same hashing cost as a real check.
		_ = VerifyPassword(s.fakeHash(), password)
		return IssuedToken{}, Principal{}, ErrInvalidCredential
	}
	if err := VerifyPassword(user.PasswordHash, password); err != nil {
		return IssuedToken{}, Principal{}, ErrInvalidCredential
	}
	if user.Status != UserStatusActive {
		return IssuedToken{}, Principal{}, ErrInvalidCredential
	}
	roles, err := s.roles.RolesForUser(ctx, user.ID)
	if err != nil {
		return IssuedToken{}, Principal{}, err
	}
	tok, err := s.sessions.IssueAdminSession(ctx, user, roles)
	if err != nil {
		return IssuedToken{}, Principal{}, err
	}
	claims, err := s.sessions.Validate(ctx, tok.Token)
	if err != nil {
		return IssuedToken{}, Principal{}, err
	}
	return tok, PrincipalFromClaims(claims), nil
}

// Authenticate validates a bearer token and returns its principal.
func (s *Service) Authenticate(ctx context.Context, token string) (Principal, error) {
	claims, err := s.sessions.Validate(ctx, token)
	if err != nil {
		return Principal{}, err
	}
	return PrincipalFromClaims(claims), nil
}

// Logout revokes the caller's own session.
func (s *Service) Logout(ctx context.Context, p Principal) error {
	if p.SessionID == "" {
		return ErrUnauthenticated
	}
	return s.sessions.Revoke(ctx, p.SessionID)
}

// RevokeSession revokes any session by id.
func (s *Service) RevokeSession(ctx context.Context, sessionID string) error {
	return s.sessions.Revoke(ctx, sessionID)
}

func (s *Service) fakeHash() string {
	s.dummyOnce.Do(func() {
		h, err := HashPassword("not-a-real-password-0")
		if err != nil {
			s.log.Error().Err(err).Msg("prepare dummy hash")
			return
		}
		s.dummyHash = h
	})
	return s.dummyHash
}
