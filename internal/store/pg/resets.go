package pg

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"medportal.org/internal/auth"
)

func (s *Store) IssueResetToken(ctx context.Context, tok *auth.PasswordResetToken) (int64, error) {
	if s.db == nil {
		return 0, errNoDB
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, err
	}
	defer func() { _ = tx.Rollback() }()

	res, err := tx.ExecContext(ctx, `
		update password_reset_tokens
		set consumed_at = $2
		where user_id = $1 and consumed_at is null
	`, tok.UserID, tok.CreatedAt)
	if err != nil {
		return 0, err
	}
	replaced, err := affected(res)
	if err != nil {
		return 0, err
	}
	if _, err := tx.ExecContext(ctx, `
		insert into password_reset_tokens (id, user_id, token_hash, created_at, expires_at)
		values ($1, $2, $3, $4, $5)
	`, tok.ID, tok.UserID, tok.TokenHash, tok.CreatedAt, tok.ExpiresAt); err != nil {
		switch {
		case isPgCode(err, pgErrUniqueViolation):
			return 0, auth.ErrConflict
		case isPgCode(err, pgErrForeignKeyViolation):
			return 0, auth.ErrNotFound
		}
		return 0, err
	}
	return replaced, tx.Commit()
}

func (s *Store) FindResetToken(ctx context.Context, tokenHash string) (*auth.PasswordResetToken, error) {
	if s.db == nil {
		return nil, errNoDB
	}
	var (
		tok      auth.PasswordResetToken
		consumed sql.NullTime
	)
	err := s.db.QueryRowContext(ctx, `
		select id, user_id, token_hash, created_at, expires_at, consumed_at
		from password_reset_tokens
		where token_hash = $1
	`, tokenHash).Scan(&tok.ID, &tok.UserID, &tok.TokenHash, &tok.CreatedAt, &tok.ExpiresAt, &consumed)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, auth.ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	tok.ConsumedAt = timePtr(consumed)
	return &tok, nil
}

// CompleteReset consumes the token with a conditional update, so two
// concurrent redemptions cannot both succeed.
func (s *Store) CompleteReset(ctx context.Context, tokenID, userID, passwordHash string, now time.Time) error {
	if s.db == nil {
		return errNoDB
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()

	res, err := tx.ExecContext(ctx, `
		update password_reset_tokens
		set consumed_at = $3
		where id = $1 and user_id = $2 and consumed_at is null and expires_at > $3
	`, tokenID, userID, now)
	if err != nil {
		return err
	}
	if n, err := affected(res); err != nil {
		return err
	} else if n == 0 {
		return auth.ErrExpiredOrNotFound
	}

	res, err = tx.ExecContext(ctx, `
		update admin_users set password_hash = $2, updated_at = $3 where id = $1
	`, userID, passwordHash, now)
	if err != nil {
		return err
	}
	if n, err := affected(res); err != nil {
		return err
	} else if n == 0 {
		return auth.ErrNotFound
	}

	if _, err := tx.ExecContext(ctx, `
		update password_reset_tokens
		set consumed_at = $2
		where user_id = $1 and consumed_at is null
	`, userID, now); err != nil {
		return err
	}
	return tx.Commit()
}

func (s *Store) InvalidateResetTokens(ctx context.Context, userID string, now time.Time) (int64, error) {
	if s.db == nil {
		return 0, errNoDB
	}
	res, err := s.db.ExecContext(ctx, `
		update password_reset_tokens
		set consumed_at = $2
		where user_id = $1 and consumed_at is null
	`, userID, now)
	if err != nil {
		return 0, err
	}
	return affected(res)
}

func (s *Store) ReplacePassword(ctx context.Context, userID, passwordHash string, now time.Time) (int64, error) {
	if s.db == nil {
		return 0, errNoDB
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, err
	}
	defer func() { _ = tx.Rollback() }()

	res, err := tx.ExecContext(ctx, `
		update admin_users set password_hash = $2, updated_at = $3 where id = $1
	`, userID, passwordHash, now)
	if err != nil {
		return 0, err
	}
	if n, err := affected(res); err != nil {
		return 0, err
	} else if n == 0 {
		return 0, auth.ErrNotFound
	}

	res, err = tx.ExecContext(ctx, `
		update password_reset_tokens
		set consumed_at = $2
		where user_id = $1 and consumed_at is null
	`, userID, now)
	if err != nil {
		return 0, err
	}
	dropped, err := affected(res)
	if err != nil {
		return 0, err
	}
	return dropped, tx.Commit()
}

func (s *Store) DeleteStaleResetTokens(ctx context.Context, cutoff time.Time) (int64, error) {
	if s.db == nil {
		return 0, errNoDB
	}
	res, err := s.db.ExecContext(ctx, `
		delete from password_reset_tokens
		where expires_at < $1 or consumed_at < $1
	`, cutoff)
	if err != nil {
		return 0, err
	}
	return affected(res)
}
