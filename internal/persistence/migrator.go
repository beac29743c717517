package persistence

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/rs/zerolog"
)

// migrationLockKey is the pg advisory lock held while a migration runs.
// Replicas starting together with AUTO_MIGRATE serialize on it.
const migrationLockKey int64 = 0x706f6f6c6d6967 // "poolmig"

// Migrator runs SQL migration files in order.
// Files follow golang-migrate naming: {version}_{name}.up.sql / .down.sql
type Migrator struct {
	db            *sql.DB
	migrationsDir string
	log           zerolog.Logger
}

// MigrationStatus is one migration file and whether it has been applied
type MigrationStatus struct {
	Version  string
	Filename string
	Applied  bool
}

func NewMigrator(db *sql.DB, migrationsDir string, log zerolog.Logger) *Migrator {
	return &Migrator{db: db, migrationsDir: migrationsDir, log: log}
}

// Up applies every pending up-migration, one transaction per file. The
// applied check runs under the lock, so a file another replica applied
// in the meantime is skipped.
func (m *Migrator) Up(ctx context.Context) error {
	if err := m.ensureMigrationTable(ctx); err != nil {
		return fmt.Errorf("ensure migration table: %w", err)
	}
	files, err := m.listMigrationFiles(".up.sql")
	if err != nil {
		return fmt.Errorf("list migrations: %w", err)
	}

	applied := 0
	for _, f := range files {
		version := extractVersion(f)
		ran, err := m.inLockedTx(ctx, func(tx *sql.Tx) (bool, error) {
			var exists bool
			if err := tx.QueryRowContext(ctx,
				`SELECT EXISTS (SELECT 1 FROM public.schema_migrations WHERE version = $1)`, version,
			).Scan(&exists); err != nil {
				return false, fmt.Errorf("check %s: %w", f, err)
			}
			if exists {
				return false, nil
			}
			if err := m.execFile(ctx, tx, f); err != nil {
				return false, err
			}
			if _, err := tx.ExecContext(ctx,
				`INSERT INTO public.schema_migrations (version, filename) VALUES ($1, $2)`, version, f,
			); err != nil {
				return false, fmt.Errorf("record migration %s: %w", f, err)
			}
			return true, nil
		})
		if err != nil {
			return err
		}
		if ran {
			applied++
			m.log.Info().Str("file", f).Msg("applied migration")
		}
	}

	m.log.Info().Int("applied", applied).Int("total", len(files)).Msg("migrations up to date")
	return nil
}

// Status lists every up-migration in order with its applied flag
func (m *Migrator) Status(ctx context.Context) ([]MigrationStatus, error) {
	if err := m.ensureMigrationTable(ctx); err != nil {
		return nil, err
	}
	applied, err := m.getAppliedVersions(ctx)
	if err != nil {
		return nil, err
	}
	files, err := m.listMigrationFiles(".up.sql")
	if err != nil {
		return nil, err
	}

	out := make([]MigrationStatus, 0, len(files))
	for _, f := range files {
		v := extractVersion(f)
		out = append(out, MigrationStatus{Version: v, Filename: f, Applied: applied[v]})
	}
	return out, nil
}

// Down rolls back the most recently applied migration.
func (m *Migrator) Down(ctx context.Context) error {
	if err := m.ensureMigrationTable(ctx); err != nil {
		return err
	}

	var downFile string
	ran, err := m.inLockedTx(ctx, func(tx *sql.Tx) (bool, error) {
		var version, filename string
		err := tx.QueryRowContext(ctx,
			`SELECT version, filename FROM public.schema_migrations ORDER BY version DESC LIMIT 1`,
		).Scan(&version, &filename)
		if errors.Is(err, sql.ErrNoRows) {
			return false, nil
		}
		if err != nil {
			return false, fmt.Errorf("get latest migration: %w", err)
		}

		downFile = strings.Replace(filename, ".up.sql", ".down.sql", 1)
		if err := m.execFile(ctx, tx, downFile); err != nil {
			return false, err
		}
		if _, err := tx.ExecContext(ctx,
			`DELETE FROM public.schema_migrations WHERE version = $1`, version,
		); err != nil {
			return false, fmt.Errorf("remove migration record %s: %w", version, err)
		}
		return true, nil
	})
	if err != nil {
		return err
	}
	if !ran {
		m.log.Info().Msg("no migrations to roll back")
		return nil
	}
	m.log.Info().Str("file", downFile).Msg("rolled back migration")
	return nil
}

// inLockedTx runs fn in a transaction holding the migration lock. The
// transaction commits only when fn returns true.
func (m *Migrator) inLockedTx(ctx context.Context, fn func(tx *sql.Tx) (bool, error)) (bool, error) {
	tx, err := m.db.BeginTx(ctx, nil)
	if err != nil {
		return false, fmt.Errorf("begin migration tx: %w", err)
	}
	if _, err := tx.ExecContext(ctx, `SELECT pg_advisory_xact_lock($1)`, migrationLockKey); err != nil {
		tx.Rollback()
		return false, fmt.Errorf("acquire migration lock: %w", err)
	}

	ran, err := fn(tx)
	if err != nil || !ran {
		tx.Rollback()
		return false, err
	}
	if err := tx.Commit(); err != nil {
		return false, fmt.Errorf("commit migration: %w", err)
	}
	return true, nil
}

func (m *Migrator) execFile(ctx context.Context, tx *sql.Tx, name string) error {
	content, err := os.ReadFile(filepath.Join(m.migrationsDir, name))
	if err != nil {
		return fmt.Errorf("read migration %s: %w", name, err)
	}
	if _, err := tx.ExecContext(ctx, string(content)); err != nil {
		return fmt.Errorf("exec migration %s: %w", name, err)
	}
	return nil
}

func (m *Migrator) ensureMigrationTable(ctx context.Context) error {
	_, err := m.db.ExecContext(ctx, `
		CREATE TABLE IF NOT EXISTS public.schema_migrations (
			version    TEXT PRIMARY KEY,
			filename   TEXT NOT NULL,
			applied_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
		)
	`)
	return err
}

func (m *Migrator) getAppliedVersions(ctx context.Context) (map[string]bool, error) {
	rows, err := m.db.QueryContext(ctx, `SELECT version FROM public.schema_migrations`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	applied := make(map[string]bool)
	for rows.Next() {
		var v string
		if err := rows.Scan(&v); err != nil {
			return nil, err
		}
		applied[v] = true
	}
	return applied, rows.Err()
}

func (m *Migrator) listMigrationFiles(suffix string) ([]string, error) {
	entries, err := os.ReadDir(m.migrationsDir)
	if err != nil {
		return nil, err
	}

	var files []string
	for _, e := range entries {
		if !e.IsDir() && strings.HasSuffix(e.Name(), suffix) {
			files = append(files, e.Name())
		}
	}

	sort.Strings(files)
	return files, nil
}

// extractVersion returns the numeric prefix of a migration filename,
// e.g. "000001" for "000001_event_log.up.sql".
func extractVersion(filename string) string {
	version, _, _ := strings.Cut(filename, "_")
	return version
}
