package auth_test

import (
	"context"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"medportal.org/internal/auth"
	"medportal.org/internal/notify"
)

type portalFixture struct {
	*otpFixture
	sessions *auth.SessionManager
	portal   *auth.Service
}

func newPortalFixture(t *testing.T) *portalFixture {
	t.Helper()
	f := newOTPFixture(t, auth.DefaultOTPConfig())
	sessions := newSessionManager(t, f.store, f.clock)
	svc, err := auth.NewService(auth.ServiceDeps{
		OTP:      f.engine,
		Sessions: sessions,
		Patients: f.store,
		Admins:   f.store,
		Roles:    f.store,
	})
	require.NoError(t, err)
	return &portalFixture{otpFixture: f, sessions: sessions, portal: svc}
}

func TestPatientLoginFlow(t *testing.T) {
	f := newPortalFixture(t)
	ctx := context.Background()

	_, err := f.portal.StartPatientLogin(ctx, patientSubject, []notify.Channel{notify.ChannelSMS})
	require.NoError(t, err)
	tok, err := f.portal.VerifyPatientLogin(ctx, patientSubject, f.lastCode(t))
	require.NoError(t, err)
	assert.Equal(t, auth.UserTypePatient, tok.UserType)

	p, err := f.portal.Authenticate(ctx, tok.Token)
	require.NoError(t, err)
	assert.Equal(t, "patient-1", p.UserID)
	assert.Equal(t, "HC-77", p.HistoryID)
	assert.Equal(t, "Ana Rojas", p.Name)

	require.NoError(t, f.portal.Logout(ctx, p))
	_, err = f.portal.Authenticate(ctx, tok.Token)
	assert.ErrorIs(t, err, auth.ErrRevokedOrExpired)
}

func TestPatientLoginWrongCodeIssuesNoSession(t *testing.T) {
	f := newPortalFixture(t)
	ctx := context.Background()
	_, err := f.portal.StartPatientLogin(ctx, patientSubject, nil)
	require.NoError(t, err)

	_, err = f.portal.VerifyPatientLogin(ctx, patientSubject, wrongCode(f.lastCode(t)))
	assert.ErrorIs(t, err, auth.ErrInvalidCode)
	n, err := f.store.CountSessions(ctx)
	require.NoError(t, err)
	assert.Zero(t, n)
}

func TestAdminLogin(t *testing.T) {
	f := newPortalFixture(t)
	ctx := context.Background()
	hash, err := auth.HashPassword(adminPassword)
	require.NoError(t, err)
	require.NoError(t, f.store.CreateAdmin(ctx, &auth.AdminUser{ID: "admin-1", Username: "jdoe", Email: "jdoe@clinic.test", PasswordHash: hash}))
	require.NoError(t, f.store.CreateAdmin(ctx, &auth.AdminUser{ID: "admin-2", Username: "off", Email: "off@clinic.test", PasswordHash: hash, Status: auth.UserStatusDisabled}))
	role, err := f.store.CreateRole(ctx, "Administrator", "")
	require.NoError(t, err)
	require.NoError(t, f.store.AssignRole(ctx, "admin-1", role.ID))

	tok, p, err := f.portal.AdminLogin(ctx, "JDOE@clinic.test", adminPassword)
	require.NoError(t, err)
	assert.Equal(t, auth.UserTypeAdmin, tok.UserType)
	assert.Equal(t, "admin-1", p.UserID)
	assert.Equal(t, []string{"Administrator"}, p.Roles)
	assert.Equal(t, f.clock.Now().Add(8*time.Hour), tok.ExpiresAt)

	for _, tc := range []struct{ id, pw string }{
		{"jdoe", "wrong-password"},
		{"ghost", adminPassword},
		{"off", adminPassword},
	} {
		_, _, err := f.portal.AdminLogin(ctx, tc.id, tc.pw)
		assert.ErrorIs(t, err, auth.ErrInvalidCredential, tc.id)
	}
	_, _, err = f.portal.AdminLogin(ctx, "", "")
	assert.ErrorIs(t, err, auth.ErrValidation)
}

func TestNewServiceRequiresDependencies(t *testing.T) {
	_, err := auth.NewService(auth.ServiceDeps{})
	assert.ErrorIs(t, err, auth.ErrConfiguration)

	_, err = auth.NewOTPEngine(nil, nil, notify.NewDispatcher(&notify.RecordingGateway{}, 0, zerolog.Nop()), auth.DefaultOTPConfig())
	assert.ErrorIs(t, err, auth.ErrConfiguration)
}
