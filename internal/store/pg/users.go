package pg

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"

	"medportal.org/internal/auth"
	"medportal.org/internal/ids"
)

const adminColumns = `id, username, email, phone, display_name, password_hash, status, created_at, updated_at`

func scanAdmin(row rowScanner) (*auth.AdminUser, error) {
	var u auth.AdminUser
	err := row.Scan(&u.ID, &u.Username, &u.Email, &u.Phone, &u.DisplayName, &u.PasswordHash, &u.Status, &u.CreatedAt, &u.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, auth.ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return &u, nil
}

func (s *Store) CreateAdmin(ctx context.Context, u *auth.AdminUser) error {
	if s.db == nil {
		return errNoDB
	}
	if u.ID == "" {
		u.ID = ids.New()
	}
	if u.Status == "" {
		u.Status = auth.UserStatusActive
	}
	err := s.db.QueryRowContext(ctx, `
		insert into admin_users (id, username, email, phone, display_name, password_hash, status)
		values ($1, $2, $3, $4, $5, $6, $7)
		returning created_at, updated_at
	`, u.ID, u.Username, strings.ToLower(u.Email), u.Phone, u.DisplayName, u.PasswordHash, u.Status).Scan(&u.CreatedAt, &u.UpdatedAt)
	if isPgCode(err, pgErrUniqueViolation) {
		return fmt.Errorf("%w: username or email already registered", auth.ErrConflict)
	}
	return err
}

func (s *Store) FindAdmin(ctx context.Context, id string) (*auth.AdminUser, error) {
	if s.db == nil {
		return nil, errNoDB
	}
	return scanAdmin(s.db.QueryRowContext(ctx, `select `+adminColumns+` from admin_users where id = $1`, id))
}

func (s *Store) FindAdminByIdentifier(ctx context.Context, identifier string) (*auth.AdminUser, error) {
	if s.db == nil {
		return nil, errNoDB
	}
	return scanAdmin(s.db.QueryRowContext(ctx, `
		select `+adminColumns+`
		from admin_users
		where lower(username) = lower($1) or lower(email) = lower($1)
		limit 1
	`, identifier))
}

func (s *Store) FindPatient(ctx context.Context, subject auth.Subject) (*auth.PatientContact, error) {
	if s.db == nil {
		return nil, errNoDB
	}
	const cols = `id, document_type, document_number, full_name, phone, email, history_id`
	var row *sql.Row
	if subject.UserID != "" {
		row = s.db.QueryRowContext(ctx, `select `+cols+` from patients where id = $1`, subject.UserID)
	} else {
		row = s.db.QueryRowContext(ctx, `
			select `+cols+`
			from patients
			where document_type = upper($1) and document_number = $2
		`, subject.DocumentType, subject.DocumentNumber)
	}
	var p auth.PatientContact
	err := row.Scan(&p.UserID, &p.DocumentType, &p.DocumentNumber, &p.FullName, &p.Phone, &p.Email, &p.HistoryID)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, auth.ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return &p, nil
}
