package auth_test

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"medportal.org/internal/auth"
)

type stubChecker struct {
	grants map[string]bool
	calls  int
}

func (s *stubChecker) UserHasPermission(_ context.Context, _, perm string) (bool, error) {
	s.calls++
	return s.grants[perm], nil
}

func TestAuthorizeOrdering(t *testing.T) {
	checker := &stubChecker{grants: map[string]bool{auth.PermRolesRead: true}}
	az := auth.NewAuthorizer(checker)
	ctx := context.Background()
	admin := &auth.Principal{UserID: "admin-1", UserType: auth.UserTypeAdmin}
	patient := &auth.Principal{UserID: "patient-1", UserType: auth.UserTypePatient}
	adminOnly := func(perm string) auth.Policy {
		return auth.Policy{UserType: auth.UserTypeAdmin, Permission: perm}
	}

	assert.ErrorIs(t, az.Authorize(ctx, nil, adminOnly(auth.PermRolesRead)), auth.ErrUnauthenticated)
	assert.ErrorIs(t, az.Authorize(ctx, &auth.Principal{}, auth.Policy{}), auth.ErrUnauthenticated)

	assert.ErrorIs(t, az.Authorize(ctx, patient, adminOnly(auth.PermRolesRead)), auth.ErrUserTypeMismatch)
	assert.Zero(t, checker.calls, "type gate runs before any permission lookup")

	assert.NoError(t, az.Authorize(ctx, admin, adminOnly(auth.PermRolesRead)))
	assert.ErrorIs(t, az.Authorize(ctx, admin, adminOnly(auth.PermRolesUpdate)), auth.ErrPermissionDenied)
	assert.Equal(t, 2, checker.calls)

	assert.NoError(t, az.Authorize(ctx, patient, auth.Policy{}))
	assert.NoError(t, az.Authorize(ctx, patient, auth.Policy{UserType: auth.UserTypePatient}))
}

func TestPrincipalFromClaims(t *testing.T) {
	m := newSessionManager(t, newMemoryStore(), newClock())
	tok, err := m.IssuePatientSession(context.Background(), &auth.PatientContact{UserID: "patient-1", FullName: "Ana", HistoryID: "HC-1"})
	require.NoError(t, err)
	claims, err := m.Validate(context.Background(), tok.Token)
	require.NoError(t, err)

	p := auth.PrincipalFromClaims(claims)
	assert.Equal(t, "patient-1", p.UserID)
	assert.Equal(t, auth.UserTypePatient, p.UserType)
	assert.Equal(t, tok.SessionID, p.SessionID)
	assert.Equal(t, tok.ExpiresAt, p.ExpiresAt)

	ctx := auth.ContextWithPrincipal(context.Background(), p)
	id, ok := auth.UserIDFromContext(ctx)
	assert.True(t, ok)
	assert.Equal(t, "patient-1", id)
	_, ok = auth.PrincipalFromContext(context.Background())
	assert.False(t, ok)
}
