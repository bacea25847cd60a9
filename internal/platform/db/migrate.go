package db

import (
	"context"
	"fmt"
	"io/fs"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
)

// Migration represents a single database migration loaded from a SQL file.
type Migration struct {
	Version int
	Name    string
	SQL     string
}

// MigrationStatus represents the status of a migration (applied or pending).
type MigrationStatus struct {
	Version   int
	Name      string
	Applied   bool
	AppliedAt *time.Time
}

type migratorDB interface {
	Exec(ctx context.Context, sql string, args ...interface{}) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...interface{}) (pgx.Rows, error)
	Begin(ctx context.Context) (pgx.Tx, error)
}

// Migrator applies NNN_name.sql files from a filesystem in version order,
// tracking applied versions in the schema_migrations table.
type Migrator struct {
	db    migratorDB
	files fs.FS
}

// NewMigrator creates a Migrator reading .sql files from the root of files.
// Pass os.DirFS(dir) for an on-disk directory or an embedded filesystem.
func NewMigrator(db migratorDB, files fs.FS) *Migrator {
	return &Migrator{db: db, files: files}
}

func (m *Migrator) ensureTable(ctx context.Context) error {
	_, err := m.db.Exec(ctx, `CREATE TABLE IF NOT EXISTS schema_migrations (
    version INTEGER PRIMARY KEY,
    name VARCHAR(255) NOT NULL,
    applied_at TIMESTAMPTZ DEFAULT NOW()
)`)
	if err != nil {
		return fmt.Errorf("create schema_migrations table: %w", err)
	}
	return nil
}

// LoadMigrations parses the version from each filename prefix
// ("001_core.sql" -> 1) and returns the files sorted by version. Files
// without a numeric prefix are skipped; duplicate versions are an error.
func (m *Migrator) LoadMigrations() ([]Migration, error) {
	entries, err := fs.ReadDir(m.files, ".")
	if err != nil {
		return nil, fmt.Errorf("read migrations: %w", err)
	}

	seen := make(map[int]string)
	var migrations []Migration
	for _, entry := range entries {
		name := entry.Name()
		if entry.IsDir() || !strings.HasSuffix(name, ".sql") {
			continue
		}

		parts := strings.SplitN(name, "_", 2)
		if len(parts) < 2 {
			continue
		}
		version, err := strconv.Atoi(parts[0])
		if err != nil {
			continue
		}
		if prev, dup := seen[version]; dup {
			return nil, fmt.Errorf("duplicate migration version %d: %s and %s", version, prev, name)
		}
		seen[version] = name

		content, err := fs.ReadFile(m.files, name)
		if err != nil {
			return nil, fmt.Errorf("read migration file %s: %w", name, err)
		}

		migrations = append(migrations, Migration{
			Version: version,
			Name:    name,
			SQL:     string(content),
		})
	}

	sort.Slice(migrations, func(i, j int) bool {
		return migrations[i].Version < migrations[j].Version
	})

	return migrations, nil
}

func (m *Migrator) applied(ctx context.Context) (map[int]time.Time, error) {
	rows, err := m.db.Query(ctx, `SELECT version, applied_at FROM schema_migrations`)
	if err != nil {
		return nil, fmt.Errorf("query applied versions: %w", err)
	}
	defer rows.Close()

	applied := make(map[int]time.Time)
	for rows.Next() {
		var v int
		var at time.Time
		if err := rows.Scan(&v, &at); err != nil {
			return nil, fmt.Errorf("scan migration version: %w", err)
		}
		applied[v] = at
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate applied versions: %w", err)
	}
	return applied, nil
}

// Up applies all pending migrations. Each migration runs in its own
// transaction. Returns the count of applied migrations.
func (m *Migrator) Up(ctx context.Context) (int, error) {
	if err := m.ensureTable(ctx); err != nil {
		return 0, err
	}

	migrations, err := m.LoadMigrations()
	if err != nil {
		return 0, err
	}

	applied, err := m.applied(ctx)
	if err != nil {
		return 0, err
	}

	count := 0
	for _, mig := range migrations {
		if _, ok := applied[mig.Version]; ok {
			continue
		}
		if err := m.apply(ctx, mig); err != nil {
			return count, fmt.Errorf("apply migration %d (%s): %w", mig.Version, mig.Name, err)
		}
		count++
	}
	return count, nil
}

func (m *Migrator) apply(ctx context.Context, mig Migration) error {
	tx, err := m.db.Begin(ctx)
	if err != nil {
		return fmt.Errorf("begin transaction: %w", err)
	}
	defer tx.Rollback(ctx) //nolint:errcheck

	if _, err := tx.Exec(ctx, mig.SQL); err != nil {
		return fmt.Errorf("execute SQL: %w", err)
	}
	if _, err := tx.Exec(ctx,
		"INSERT INTO schema_migrations (version, name) VALUES ($1, $2)",
		mig.Version, mig.Name,
	); err != nil {
		return fmt.Errorf("record migration: %w", err)
	}
	return tx.Commit(ctx)
}

// Status reports every known migration and whether it has been applied.
func (m *Migrator) Status(ctx context.Context) ([]MigrationStatus, error) {
	if err := m.ensureTable(ctx); err != nil {
		return nil, err
	}

	migrations, err := m.LoadMigrations()
	if err != nil {
		return nil, err
	}

	applied, err := m.applied(ctx)
	if err != nil {
		return nil, err
	}

	statuses := make([]MigrationStatus, 0, len(migrations))
	for _, mig := range migrations {
		status := MigrationStatus{Version: mig.Version, Name: mig.Name}
		if at, ok := applied[mig.Version]; ok {
			status.Applied = true
			status.AppliedAt = &at
		}
		statuses = append(statuses, status)
	}
	return statuses, nil
}
