package pg

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"medportal.org/internal/auth"
)

func (s *Store) CreateSession(ctx context.Context, sess *auth.Session) error {
	if s.db == nil {
		return errNoDB
	}
	_, err := s.db.ExecContext(ctx, `
		insert into sessions (id, user_id, user_type, issued_at, expires_at, active, revoked_at)
		values ($1, $2, $3, $4, $5, $6, $7)
	`, sess.ID, sess.UserID, string(sess.UserType), sess.IssuedAt, sess.ExpiresAt, sess.Active, nullTime(sess.RevokedAt))
	if isPgCode(err, pgErrUniqueViolation) {
		return auth.ErrConflict
	}
	return err
}

func (s *Store) FindSession(ctx context.Context, id string) (*auth.Session, error) {
	if s.db == nil {
		return nil, errNoDB
	}
	var (
		sess     auth.Session
		userType string
		revoked  sql.NullTime
	)
	err := s.db.QueryRowContext(ctx, `
		select id, user_id, user_type, issued_at, expires_at, active, revoked_at
		from sessions
		where id = $1
	`, id).Scan(&sess.ID, &sess.UserID, &userType, &sess.IssuedAt, &sess.ExpiresAt, &sess.Active, &revoked)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, auth.ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	sess.UserType = auth.UserType(userType)
	sess.RevokedAt = timePtr(revoked)
	return &sess, nil
}

func (s *Store) RevokeSession(ctx context.Context, id string, at time.Time) error {
	if s.db == nil {
		return errNoDB
	}
	res, err := s.db.ExecContext(ctx, `
		update sessions
		set active = false, revoked_at = coalesce(revoked_at, $2)
		where id = $1
	`, id, at)
	if err != nil {
		return err
	}
	n, err := affected(res)
	if err != nil {
		return err
	}
	if n == 0 {
		return auth.ErrNotFound
	}
	return nil
}

func (s *Store) RevokeUserSessions(ctx context.Context, userID string, at time.Time) (int64, error) {
	if s.db == nil {
		return 0, errNoDB
	}
	res, err := s.db.ExecContext(ctx, `
		update sessions
		set active = false, revoked_at = $2
		where user_id = $1 and active and revoked_at is null
	`, userID, at)
	if err != nil {
		return 0, err
	}
	return affected(res)
}

func (s *Store) DeleteStaleSessions(ctx context.Context, cutoff, now time.Time) (int64, error) {
	if s.db == nil {
		return 0, errNoDB
	}
	res, err := s.db.ExecContext(ctx, `
		delete from sessions
		where (not active or revoked_at is not null or expires_at <= $2)
		  and coalesce(revoked_at, expires_at) < $1
	`, cutoff, now)
	if err != nil {
		return 0, err
	}
	return affected(res)
}

func (s *Store) CountSessions(ctx context.Context) (int64, error) {
	if s.db == nil {
		return 0, errNoDB
	}
	var n int64
	err := s.db.QueryRowContext(ctx, `select count(*) from sessions`).Scan(&n)
	return n, err
}
