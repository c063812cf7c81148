package migrate

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"io/fs"
	"path"
	"sort"
	"strings"
	"time"
)

const (
	defaultMigrationsTable = "schema_migrations"
	defaultSeedsTable      = "schema_seeds"
)

// Manager executes SQL migrations and seed files read from a file system,
// normally the embedded migrations package. Every file runs in its own
// transaction together with its bookkeeping row.
type Manager struct {
	db              *sql.DB
	fsys            fs.FS
	migrationsDir   string
	seedsDir        string
	migrationsTable string
	seedsTable      string
	now             func() time.Time
}

// Option configures Manager.
type Option func(*Manager)

// WithMigrationsTable overrides the default migrations bookkeeping table.
func WithMigrationsTable(name string) Option {
	return func(m *Manager) {
		if name != "" {
			m.migrationsTable = name
		}
	}
}

// WithSeedsTable overrides the default seeds bookkeeping table.
func WithSeedsTable(name string) Option {
	return func(m *Manager) {
		if name != "" {
			m.seedsTable = name
		}
	}
}

// NewManager constructs a Manager. Directories are paths inside fsys; an
// empty seedsDir disables seeding.
func NewManager(db *sql.DB, fsys fs.FS, migrationsDir, seedsDir string, opts ...Option) *Manager {
	m := &Manager{
		db:              db,
		fsys:            fsys,
		migrationsDir:   migrationsDir,
		seedsDir:        seedsDir,
		migrationsTable: defaultMigrationsTable,
		seedsTable:      defaultSeedsTable,
		now:             time.Now,
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// Up applies all pending migrations.
func (m *Manager) Up(ctx context.Context) error {
	return m.applyPending(ctx, m.migrationsDir, ".up.sql", m.migrationsTable, "migration")
}

// Seed applies pending seed files.
func (m *Manager) Seed(ctx context.Context) error {
	return m.applyPending(ctx, m.seedsDir, ".sql", m.seedsTable, "seed")
}

// Down rolls back the most recent applied migration.
func (m *Manager) Down(ctx context.Context) error {
	done, err := m.Status(ctx)
	if err != nil {
		return err
	}
	if len(done) == 0 {
		return errors.New("no migrations applied")
	}
	last := done[len(done)-1]
	downPath := path.Join(m.migrationsDir, strings.TrimSuffix(last, ".up.sql")+".down.sql")
	if _, err := fs.Stat(m.fsys, downPath); err != nil {
		return fmt.Errorf("missing down migration for %s", last)
	}
	unrecord := fmt.Sprintf(`delete from %s where name = $1`, m.migrationsTable)
	if err := m.run(ctx, downPath, unrecord, last); err != nil {
		return fmt.Errorf("rollback migration %s: %w", last, err)
	}
	return nil
}

// Status returns applied migrations, oldest first.
func (m *Manager) Status(ctx context.Context) ([]string, error) {
	if err := m.ensureTables(ctx); err != nil {
		return nil, err
	}
	return m.applied(ctx, m.migrationsTable)
}

func (m *Manager) applyPending(ctx context.Context, dir, suffix, table, kind string) error {
	if err := m.ensureTables(ctx); err != nil {
		return err
	}
	done, err := m.applied(ctx, table)
	if err != nil {
		return err
	}
	seen := make(map[string]bool, len(done))
	for _, name := range done {
		seen[name] = true
	}
	files, err := collectSQL(m.fsys, dir, suffix)
	if err != nil {
		return err
	}
	record := fmt.Sprintf(`insert into %s (name, applied_at) values ($1, $2)`, table)
	for _, f := range files {
		if seen[f.Base] {
			continue
		}
		if err := m.run(ctx, f.Path, record, f.Base, m.now().UTC()); err != nil {
			return fmt.Errorf("apply %s %s: %w", kind, f.Base, err)
		}
	}
	return nil
}

func (m *Manager) ensureTables(ctx context.Context) error {
	for _, table := range []string{m.migrationsTable, m.seedsTable} {
		ddl := fmt.Sprintf(`create table if not exists %s (
			name text primary key,
			applied_at timestamptz not null default now()
		)`, table)
		if _, err := m.db.ExecContext(ctx, ddl); err != nil {
			return fmt.Errorf("create %s: %w", table, err)
		}
	}
	return nil
}

// run executes the statements of file and the bookkeeping statement in one
// transaction.
func (m *Manager) run(ctx context.Context, file, bookkeeping string, args ...any) error {
	body, err := fs.ReadFile(m.fsys, file)
	if err != nil {
		return err
	}
	tx, err := m.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()
	for _, stmt := range splitStatements(string(body)) {
		if strings.TrimSpace(stmt) == "" {
			continue
		}
		if _, err := tx.ExecContext(ctx, stmt); err != nil {
			return err
		}
	}
	if _, err := tx.ExecContext(ctx, bookkeeping, args...); err != nil {
		return fmt.Errorf("record history: %w", err)
	}
	return tx.Commit()
}

func (m *Manager) applied(ctx context.Context, table string) ([]string, error) {
	rows, err := m.db.QueryContext(ctx, fmt.Sprintf(`select name from %s order by applied_at, name`, table))
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var names []string
	for rows.Next() {
		var name string
		if err := rows.Scan(&name); err != nil {
			return nil, err
		}
		names = append(names, name)
	}
	return names, rows.Err()
}

type sqlFile struct {
	Base string
	Path string
}

// collectSQL lists the files of dir ending in suffix, sorted by name. A
// missing directory yields nothing.
func collectSQL(fsys fs.FS, dir, suffix string) ([]sqlFile, error) {
	if fsys == nil || dir == "" {
		return nil, nil
	}
	entries, err := fs.ReadDir(fsys, dir)
	if errors.Is(err, fs.ErrNotExist) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	var files []sqlFile
	for _, e := range entries {
		if e.IsDir() || !strings.HasSuffix(e.Name(), suffix) {
			continue
		}
		files = append(files, sqlFile{Base: e.Name(), Path: path.Join(dir, e.Name())})
	}
	sort.Slice(files, func(i, j int) bool { return files[i].Base < files[j].Base })
	return files, nil
}

// splitStatements splits SQL on semicolons outside single-quoted literals.
func splitStatements(sql string) []string {
	var (
		stmts    []string
		current  strings.Builder
		inString bool
	)
	for _, r := range sql {
		current.WriteRune(r)
		switch {
		case r == '\'':
			inString = !inString
		case r == ';' && !inString:
			stmts = append(stmts, current.String())
			current.Reset()
		}
	}
	if strings.TrimSpace(current.String()) != "" {
		stmts = append(stmts, current.String())
	}
	return stmts
}
