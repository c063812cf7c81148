package pg

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"medportal.org/internal/auth"
	"medportal.org/internal/ids"
)

func (s *Store) RolesForUser(ctx context.Context, userID string) ([]auth.Role, error) {
	if s.db == nil {
		return nil, errNoDB
	}
	rows, err := s.db.QueryContext(ctx, `
		select r.id, r.name, r.description, r.created_at
		from user_roles ur
		join roles r on r.id = ur.role_id
		where ur.user_id = $1
		order by r.name
	`, userID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var roles []auth.Role
	for rows.Next() {
		var r auth.Role
		if err := rows.Scan(&r.ID, &r.Name, &r.Description, &r.CreatedAt); err != nil {
			return nil, err
		}
		roles = append(roles, r)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return roles, nil
}

func (s *Store) PermissionsForRole(ctx context.Context, roleID string) ([]string, error) {
	if s.db == nil {
		return nil, errNoDB
	}
	rows, err := s.db.QueryContext(ctx, `
		select p.name
		from role_permissions rp
		join permissions p on p.id = rp.permission_id
		where rp.role_id = $1
		order by p.name
	`, roleID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var perms []string
	for rows.Next() {
		var name string
		if err := rows.Scan(&name); err != nil {
			return nil, err
		}
		perms = append(perms, name)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return perms, nil
}

func (s *Store) CreateRole(ctx context.Context, name, description string) (auth.Role, error) {
	if s.db == nil {
		return auth.Role{}, errNoDB
	}
	var role auth.Role
	err := s.db.QueryRowContext(ctx, `
		insert into roles (id, name, description)
		values ($1, $2, $3)
		returning id, name, description, created_at
	`, ids.New(), name, description).Scan(&role.ID, &role.Name, &role.Description, &role.CreatedAt)
	if err != nil {
		if isPgCode(err, pgErrUniqueViolation) {
			return auth.Role{}, fmt.Errorf("%w: role %s exists", auth.ErrConflict, name)
		}
		return auth.Role{}, err
	}
	return role, nil
}

func (s *Store) ListRoles(ctx context.Context) ([]auth.Role, error) {
	if s.db == nil {
		return nil, errNoDB
	}
	rows, err := s.db.QueryContext(ctx, `select id, name, description, created_at from roles order by name`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var roles []auth.Role
	for rows.Next() {
		var r auth.Role
		if err := rows.Scan(&r.ID, &r.Name, &r.Description, &r.CreatedAt); err != nil {
			return nil, err
		}
		roles = append(roles, r)
	}
	return roles, rows.Err()
}

func (s *Store) ListPermissions(ctx context.Context) ([]auth.Permission, error) {
	if s.db == nil {
		return nil, errNoDB
	}
	rows, err := s.db.QueryContext(ctx, `select id, name, description, created_at from permissions order by name`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var perms []auth.Permission
	for rows.Next() {
		var p auth.Permission
		if err := rows.Scan(&p.ID, &p.Name, &p.Description, &p.CreatedAt); err != nil {
			return nil, err
		}
		perms = append(perms, p)
	}
	return perms, rows.Err()
}

// AssignRole is idempotent; unknown users or roles yield auth.ErrNotFound.
func (s *Store) AssignRole(ctx context.Context, userID, roleID string) error {
	if s.db == nil {
		return errNoDB
	}
	_, err := s.db.ExecContext(ctx, `
		insert into user_roles (user_id, role_id)
		values ($1, $2)
		on conflict (user_id, role_id) do nothing
	`, userID, roleID)
	if isPgCode(err, pgErrForeignKeyViolation) {
		return fmt.Errorf("%w: user or role", auth.ErrNotFound)
	}
	return err
}

func (s *Store) RemoveRole(ctx context.Context, userID, roleID string) error {
	if s.db == nil {
		return errNoDB
	}
	res, err := s.db.ExecContext(ctx, `
		delete from user_roles
		where user_id = $1 and role_id = $2
	`, userID, roleID)
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

func (s *Store) SetRolePermissions(ctx context.Context, roleID string, permissions []string) error {
	if s.db == nil {
		return errNoDB
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()

	var exists int
	if err := tx.QueryRowContext(ctx, `select 1 from roles where id = $1`, roleID).Scan(&exists); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return auth.ErrNotFound
		}
		return err
	}
	if _, err := tx.ExecContext(ctx, `delete from role_permissions where role_id = $1`, roleID); err != nil {
		return err
	}
	for _, name := range permissions {
		var permID string
		err := tx.QueryRowContext(ctx, `select id from permissions where name = $1`, name).Scan(&permID)
		if err != nil {
			if errors.Is(err, sql.ErrNoRows) {
				return fmt.Errorf("%w: permission %s not found", auth.ErrNotFound, name)
			}
			return err
		}
		if _, err := tx.ExecContext(ctx, `
			insert into role_permissions (role_id, permission_id)
			values ($1, $2)
		`, roleID, permID); err != nil {
			return err
		}
	}
	return tx.Commit()
}

func (s *Store) EnsurePermissions(ctx context.Context, perms []auth.Permission) error {
	if s.db == nil {
		return errNoDB
	}
	for _, p := range perms {
		id := p.ID
		if id == "" {
			id = ids.New()
		}
		if _, err := s.db.ExecContext(ctx, `
			insert into permissions (id, name, description)
			values ($1, $2, $3)
			on conflict (name) do update set description = excluded.description
		`, id, p.Name, p.Description); err != nil {
			return err
		}
	}
	return nil
}
