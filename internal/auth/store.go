package auth

import (
	"context"
	"time"
)

// ChallengeStore persists OTP challenges. Every mutating method is a single
// atomic unit so concurrent verifies cannot under-count attempts.
type ChallengeStore interface {
	// CreatePending marks any pending challenge for the subject superseded and
	// inserts ch, atomically. It returns how many challenges were superseded.
	CreatePending(ctx context.Context, ch *OTPChallenge) (int64, error)
	// Latest returns the most recent challenge for the subject that was not
	// superseded, or ErrNotFound.
	Latest(ctx context.Context, subjectKey string) (*OTPChallenge, error)
	// RecordAttempt increments the attempt counter of a pending, unexpired
	// challenge and returns the updated row, or ErrExpiredOrNotFound.
	RecordAttempt(ctx context.Context, id string, now time.Time) (*OTPChallenge, error)
	// RecordResend increments the resend counter while it is below maxResends.
	// A nil expiresAt keeps the current expiry. Returns ErrConflict when the
	// conditions no longer hold.
	RecordResend(ctx context.Context, id string, maxResends int, expiresAt *time.Time, resetAttempts bool, now time.Time) (*OTPChallenge, error)
	// Transition moves a challenge from one status to another. It reports
	// false when the challenge was not in the from status.
	Transition(ctx context.Context, id string, from, to ChallengeStatus, now time.Time) (bool, error)
	DeleteExpiredBefore(ctx context.Context, cutoff time.Time) (int64, error)
	CountChallenges(ctx context.Context) (int64, error)
}

// SessionStore persists issued sessions.
type SessionStore interface {
	CreateSession(ctx context.Context, s *Session) error
	FindSession(ctx context.Context, id string) (*Session, error)
	// RevokeSession is idempotent; revoked_at keeps its first value.
	RevokeSession(ctx context.Context, id string, at time.Time) error
	RevokeUserSessions(ctx context.Context, userID string, at time.Time) (int64, error)
	// DeleteStaleSessions removes sessions that are inactive, revoked or
	// expired and whose end (revoked_at, else expires_at) is before cutoff.
	DeleteStaleSessions(ctx context.Context, cutoff, now time.Time) (int64, error)
	CountSessions(ctx context.Context) (int64, error)
}

// ResetTokenStore persists password reset tokens.
type ResetTokenStore interface {
	// IssueResetToken consumes every active token of the user and inserts tok.
	IssueResetToken(ctx context.Context, tok *PasswordResetToken) (int64, error)
	FindResetToken(ctx context.Context, tokenHash string) (*PasswordResetToken, error)
	// CompleteReset consumes the token, stores the new password hash and
	// consumes sibling tokens in one transaction. ErrExpiredOrNotFound when
	// the token is no longer usable.
	CompleteReset(ctx context.Context, tokenID, userID, passwordHash string, now time.Time) error
	InvalidateResetTokens(ctx context.Context, userID string, now time.Time) (int64, error)
	// ReplacePassword sets the hash and consumes outstanding tokens in one
	// transaction, returning the number of tokens consumed.
	ReplacePassword(ctx context.Context, userID, passwordHash string, now time.Time) (int64, error)
	DeleteStaleResetTokens(ctx context.Context, cutoff time.Time) (int64, error)
}

// AdminUserStore reads and updates administrative accounts.
type AdminUserStore interface {
	FindAdmin(ctx context.Context, id string) (*AdminUser, error)
	// FindAdminByIdentifier matches username or email, case-insensitively.
	FindAdminByIdentifier(ctx context.Context, identifier string) (*AdminUser, error)
	CreateAdmin(ctx context.Context, u *AdminUser) error
}

// PatientDirectory resolves OTP subjects to contact details.
type PatientDirectory interface {
	FindPatient(ctx context.Context, subject Subject) (*PatientContact, error)
}

// PermissionStore is the relational read surface for role and permission
// assignments.
type PermissionStore interface {
	RolesForUser(ctx context.Context, userID string) ([]Role, error)
	PermissionsForRole(ctx context.Context, roleID string) ([]string, error)
}

// RoleAdminStore mutates role assignments and role permissions.
type RoleAdminStore interface {
	CreateRole(ctx context.Context, name, description string) (Role, error)
	ListRoles(ctx context.Context) ([]Role, error)
	ListPermissions(ctx context.Context) ([]Permission, error)
	AssignRole(ctx context.Context, userID, roleID string) error
	RemoveRole(ctx context.Context, userID, roleID string) error
	SetRolePermissions(ctx context.Context, roleID string, permissions []string) error
	EnsurePermissions(ctx context.Context, perms []Permission) error
}
