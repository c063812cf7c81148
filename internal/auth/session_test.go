package auth_test

import (
	"context"
	"strings"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"medportal.org/internal/auth"
	"medportal.org/internal/store/memory"
)

func TestNewSessionManagerRejectsWeakSecret(t *testing.T) {
	st := memory.New()
	_, err := auth.NewSessionManager(st, auth.SessionConfig{Secret: "short", PatientTTL: time.Minute, AdminTTL: time.Minute})
	assert.ErrorIs(t, err, auth.ErrConfiguration)

	_, err = auth.NewSessionManager(st, auth.SessionConfig{
		Secret:          strings.Repeat("x", 40),
		MinSecretLength: 64,
		PatientTTL:      time.Minute,
		AdminTTL:        time.Minute,
	})
	assert.ErrorIs(t, err, auth.ErrConfiguration, "configured minimum above the floor is enforced")

	_, err = auth.NewSessionManager(st, auth.SessionConfig{Secret: testSecret, PatientTTL: 0, AdminTTL: time.Minute})
	assert.ErrorIs(t, err, auth.ErrConfiguration)
}

func TestIssueAndValidatePatientSession(t *testing.T) {
	st := memory.New()
	clk := newClock()
	m := newSessionManager(t, st, clk)
	ctx := context.Background()

	tok, err := m.IssuePatientSession(ctx, &auth.PatientContact{UserID: "patient-1", FullName: "Ana Rojas", HistoryID: "HC-77"})
	require.NoError(t, err)
	assert.Equal(t, "Bearer", tok.TokenType)
	assert.Equal(t, auth.UserTypePatient, tok.UserType)
	assert.Equal(t, clk.Now().Add(30*time.Minute), tok.ExpiresAt)

	claims, err := m.Validate(ctx, tok.Token)
	require.NoError(t, err)
	assert.Equal(t, "patient-1", claims.Subject)
	assert.Equal(t, auth.UserTypePatient, claims.UserType)
	assert.Equal(t, "HC-77", claims.HistoryID)
	assert.Equal(t, tok.SessionID, claims.ID)

	sess, err := st.FindSession(ctx, tok.SessionID)
	require.NoError(t, err)
	assert.True(t, sess.Active)
	assert.Equal(t, tok.ExpiresAt, sess.ExpiresAt)
}

func TestAdminSessionCarriesRoles(t *testing.T) {
	m := newSessionManager(t, memory.New(), newClock())
	ctx := context.Background()
	tok, err := m.IssueAdminSession(ctx, &auth.AdminUser{ID: "admin-1", Username: "root"},
		[]auth.Role{{ID: "r1", Name: "Administrator"}, {ID: "r2", Name: "Auditor"}, {ID: "r1", Name: "Administrator"}})
	require.NoError(t, err)
	assert.Equal(t, clockStart().Add(8*time.Hour), tok.ExpiresAt)

	claims, err := m.Validate(ctx, tok.Token)
	require.NoError(t, err)
	assert.Equal(t, auth.UserTypeAdmin, claims.UserType)
	assert.ElementsMatch(t, []string{"Administrator", "Auditor"}, claims.Roles)
	assert.Equal(t, "root", claims.Name)
}

func TestValidateExpiredSession(t *testing.T) {
	clk := newClock()
	m := newSessionManager(t, memory.New(), clk)
	ctx := context.Background()
	tok, err := m.IssuePatientSession(ctx, &auth.PatientContact{UserID: "patient-1"})
	require.NoError(t, err)

	clk.Advance(31 * time.Minute)
	_, err = m.Validate(ctx, tok.Token)
	assert.ErrorIs(t, err, auth.ErrRevokedOrExpired)
}

func TestValidateRevokedSession(t *testing.T) {
	m := newSessionManager(t, memory.New(), newClock())
	ctx := context.Background()
	tok, err := m.IssuePatientSession(ctx, &auth.PatientContact{UserID: "patient-1"})
	require.NoError(t, err)

	require.NoError(t, m.Revoke(ctx, tok.SessionID))
	require.NoError(t, m.Revoke(ctx, tok.SessionID), "revoking twice is not an error")

	_, err = m.Validate(ctx, tok.Token)
	assert.ErrorIs(t, err, auth.ErrRevokedOrExpired)

	err = m.Revoke(ctx, "missing")
	assert.ErrorIs(t, err, auth.ErrNotFound)
}

func TestRevokeAllForUser(t *testing.T) {
	m := newSessionManager(t, memory.New(), newClock())
	ctx := context.Background()
	a, err := m.IssuePatientSession(ctx, &auth.PatientContact{UserID: "patient-1"})
	require.NoError(t, err)
	b, err := m.IssuePatientSession(ctx, &auth.PatientContact{UserID: "patient-1"})
	require.NoError(t, err)
	other, err := m.IssuePatientSession(ctx, &auth.PatientContact{UserID: "patient-2"})
	require.NoError(t, err)

	n, err := m.RevokeAllForUser(ctx, "patient-1")
	require.NoError(t, err)
	assert.Equal(t, int64(2), n)

	for _, tok := range []auth.IssuedToken{a, b} {
		_, err := m.Validate(ctx, tok.Token)
		assert.ErrorIs(t, err, auth.ErrRevokedOrExpired)
	}
	_, err = m.Validate(ctx, other.Token)
	assert.NoError(t, err)
}

func TestValidateRejectsTamperedTokens(t *testing.T) {
	st := memory.New()
	clk := newClock()
	m := newSessionManager(t, st, clk)
	ctx := context.Background()
	tok, err := m.IssuePatientSession(ctx, &auth.PatientContact{UserID: "patient-1"})
	require.NoError(t, err)

	parts := strings.Split(tok.Token, ".")
	require.Len(t, parts, 3)
	sig := []byte(parts[2])
	if sig[0] == 'A' {
		sig[0] = 'B'
	} else {
		sig[0] = 'A'
	}
	tampered := parts[0] + "." + parts[1] + "." + string(sig)
	_, err = m.Validate(ctx, tampered)
	assert.ErrorIs(t, err, auth.ErrInvalidToken)

	_, err = m.Validate(ctx, "not-a-jwt")
	assert.ErrorIs(t, err, auth.ErrInvalidToken)
	_, err = m.Validate(ctx, "")
	assert.ErrorIs(t, err, auth.ErrInvalidToken)

	// Signed with another key.
	other, err := auth.NewSessionManager(st, auth.SessionConfig{
		Secret:     strings.Repeat("k", 48),
		Issuer:     "portal-auth",
		Audience:   "patient-portal",
		PatientTTL: time.Minute,
		AdminTTL:   time.Minute,
	}, auth.WithSessionClock(clk.Now))
	require.NoError(t, err)
	foreign, err := other.IssuePatientSession(ctx, &auth.PatientContact{UserID: "patient-1"})
	require.NoError(t, err)
	_, err = m.Validate(ctx, foreign.Token)
	assert.ErrorIs(t, err, auth.ErrInvalidToken)
}

func TestValidateRejectsWrongAlgorithmAndUnknownSession(t *testing.T) {
	clk := newClock()
	m := newSessionManager(t, memory.New(), clk)
	ctx := context.Background()
	now := clk.Now()

	claims := auth.SessionClaims{
		UserType: auth.UserTypeAdmin,
		RegisteredClaims: jwt.RegisteredClaims{
			ID:        "forged",
			Subject:   "admin-1",
			Issuer:    "portal-auth",
			Audience:  jwt.ClaimStrings{"patient-portal"},
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(time.Hour)),
		},
	}
	none, err := jwt.NewWithClaims(jwt.SigningMethodNone, claims).SignedString(jwt.UnsafeAllowNoneSignatureType)
	require.NoError(t, err)
	_, err = m.Validate(ctx, none)
	assert.ErrorIs(t, err, auth.ErrInvalidToken)

	hs384, err := jwt.NewWithClaims(jwt.SigningMethodHS384, claims).SignedString([]byte(testSecret))
	require.NoError(t, err)
	_, err = m.Validate(ctx, hs384)
	assert.ErrorIs(t, err, auth.ErrInvalidToken)

	// Correctly signed, but no session record backs it.
	valid, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString([]byte(testSecret))
	require.NoError(t, err)
	_, err = m.Validate(ctx, valid)
	assert.ErrorIs(t, err, auth.ErrRevokedOrExpired)
}
