package pg

import (
	"context"
	"database/sql"
	"errors"
	"strings"
	"time"

	"medportal.org/internal/auth"
	"medportal.org/internal/notify"
)

const challengeColumns = `id, subject_key, code, channels, created_at, expires_at, attempts, resends, status, updated_at`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanChallenge(row rowScanner) (*auth.OTPChallenge, error) {
	var (
		ch       auth.OTPChallenge
		channels string
		status   string
	)
	if err := row.Scan(&ch.ID, &ch.SubjectKey, &ch.Code, &channels, &ch.CreatedAt, &ch.ExpiresAt,
		&ch.Attempts, &ch.Resends, &status, &ch.UpdatedAt); err != nil {
		return nil, err
	}
	ch.Status = auth.ChallengeStatus(status)
	for _, c := range strings.Split(channels, ",") {
		if parsed, ok := notify.ParseChannel(c); ok {
			ch.Channels = append(ch.Channels, parsed)
		}
	}
	return &ch, nil
}

// CreatePending supersedes the subject's pending challenge and inserts ch in
// one transaction. The partial unique index on pending rows turns a lost race
// into auth.ErrConflict.
func (s *Store) CreatePending(ctx context.Context, ch *auth.OTPChallenge) (int64, error) {
	if s.db == nil {
		return 0, errNoDB
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, err
	}
	defer func() { _ = tx.Rollback() }()

	res, err := tx.ExecContext(ctx, `
		update otp_challenges
		set status = 'superseded', updated_at = $2
		where subject_key = $1 and status = 'pending'
	`, ch.SubjectKey, ch.CreatedAt)
	if err != nil {
		return 0, err
	}
	superseded, err := affected(res)
	if err != nil {
		return 0, err
	}
	if _, err := tx.ExecContext(ctx, `
		insert into otp_challenges (`+challengeColumns+`)
		values ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
	`, ch.ID, ch.SubjectKey, ch.Code, joinChannels(ch.Channels), ch.CreatedAt, ch.ExpiresAt,
		ch.Attempts, ch.Resends, string(ch.Status), ch.UpdatedAt); err != nil {
		if isPgCode(err, pgErrUniqueViolation) {
			return 0, auth.ErrConflict
		}
		return 0, err
	}
	if err := tx.Commit(); err != nil {
		if isPgCode(err, pgErrUniqueViolation) {
			return 0, auth.ErrConflict
		}
		return 0, err
	}
	return superseded, nil
}

func (s *Store) Latest(ctx context.Context, subjectKey string) (*auth.OTPChallenge, error) {
	if s.db == nil {
		return nil, errNoDB
	}
	ch, err := scanChallenge(s.db.QueryRowContext(ctx, `
		select `+challengeColumns+`
		from otp_challenges
		where subject_key = $1 and status <> 'superseded'
		order by created_at desc, id desc
		limit 1
	`, subjectKey))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, auth.ErrNotFound
	}
	return ch, err
}

func (s *Store) RecordAttempt(ctx context.Context, id string, now time.Time) (*auth.OTPChallenge, error) {
	if s.db == nil {
		return nil, errNoDB
	}
	ch, err := scanChallenge(s.db.QueryRowContext(ctx, `
		update otp_challenges
		set attempts = attempts + 1, updated_at = $2
		where id = $1 and status = 'pending' and expires_at > $2
		returning `+challengeColumns,
		id, now))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, auth.ErrExpiredOrNotFound
	}
	return ch, err
}

func (s *Store) RecordResend(ctx context.Context, id string, maxResends int, expiresAt *time.Time, resetAttempts bool, now time.Time) (*auth.OTPChallenge, error) {
	if s.db == nil {
		return nil, errNoDB
	}
	ch, err := scanChallenge(s.db.QueryRowContext(ctx, `
		update otp_challenges
		set resends = resends + 1,
			expires_at = coalesce($3::timestamptz, expires_at),
			attempts = case when $4::boolean then 0 else attempts end,
			updated_at = $5
		where id = $1 and status = 'pending' and resends < $2 and expires_at > $5
		returning `+challengeColumns,
		id, maxResends, nullTime(expiresAt), resetAttempts, now))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, auth.ErrConflict
	}
	return ch, err
}

func (s *Store) Transition(ctx context.Context, id string, from, to auth.ChallengeStatus, now time.Time) (bool, error) {
	if s.db == nil {
		return false, errNoDB
	}
	res, err := s.db.ExecContext(ctx, `
		update otp_challenges
		set status = $3, updated_at = $4
		where id = $1 and status = $2
	`, id, string(from), string(to), now)
	if err != nil {
		return false, err
	}
	n, err := affected(res)
	return n == 1, err
}

func (s *Store) DeleteExpiredBefore(ctx context.Context, cutoff time.Time) (int64, error) {
	if s.db == nil {
		return 0, errNoDB
	}
	res, err := s.db.ExecContext(ctx, `delete from otp_challenges where expires_at < $1`, cutoff)
	if err != nil {
		return 0, err
	}
	return affected(res)
}

func (s *Store) CountChallenges(ctx context.Context) (int64, error) {
	if s.db == nil {
		return 0, errNoDB
	}
	var n int64
	err := s.db.QueryRowContext(ctx, `select count(*) from otp_challenges`).Scan(&n)
	return n, err
}
