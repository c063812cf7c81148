package auth

import (
	"context"
	"fmt"
	"strings"
	"time"
)

// Principal is the authenticated caller behind a request.
type Principal struct {
	UserID    string
	UserType  UserType
	Name      string
	Roles     []string
	HistoryID string
	SessionID string
	ExpiresAt time.Time
}

// PrincipalFromClaims builds a principal from validated token claims.
func PrincipalFromClaims(c *SessionClaims) Principal {
	p := Principal{
		UserID:    c.Subject,
		UserType:  c.UserType,
		Name:      c.Name,
		Roles:     append([]string(nil), c.Roles...),
		HistoryID: c.HistoryID,
		SessionID: c.ID,
	}
	if c.ExpiresAt != nil {
		p.ExpiresAt = c.ExpiresAt.Time
	}
	return p
}

// Policy is what an endpoint requires of its caller. An empty Permission
// only checks the user type.
type Policy struct {
	UserType   UserType
	Permission string
}

// PermissionChecker answers permission lookups, normally a PermissionCache.
type PermissionChecker interface {
	UserHasPermission(ctx context.Context, userID, perm string) (bool, error)
}

// Authorizer gates operations on user type and then on permission.
type Authorizer struct {
	perms PermissionChecker
}

func NewAuthorizer(perms PermissionChecker) *Authorizer {
	return &Authorizer{perms: perms}
}

// Authorize fails with ErrUnauthenticated, ErrUserTypeMismatch or
// ErrPermissionDenied. The user type is checked before any permission lookup.
func (a *Authorizer) Authorize(ctx context.Context, p *Principal, pol Policy) error {
	if p == nil || strings.TrimSpace(p.UserID) == "" {
		return ErrUnauthenticated
	}
	if pol.UserType != "" && p.UserType != pol.UserType {
		return fmt.Errorf("%w: %s session cannot access %s endpoints", ErrUserTypeMismatch, p.UserType, pol.UserType)
	}
	if pol.Permission == "" {
		return nil
	}
	if a.perms == nil {
		return fmt.Errorf("%w: no permission resolver configured", ErrConfiguration)
	}
	ok, err := a.perms.UserHasPermission(ctx, p.UserID, pol.Permission)
	if err != nil {
		return err
	}
	if !ok {
		return fmt.Errorf("%w: %s", ErrPermissionDenied, pol.Permission)
	}
	return nil
}
