package store

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"regexp"
	"sort"
	"strings"
)

// migrationLock keys the advisory lock that keeps two servers starting at
// once from applying the same migration.
const migrationLock = 7_311_204

var migrationName = regexp.MustCompile(`^(\d+)_(.+)\.(up|down)\.sql$`)

// Migration is one numbered schema change with its rollback.
type Migration struct {
	Version string
	Name    string
	Up      string
	Down    string
}

// ID is what schema_migrations records for the migration.
func (m Migration) ID() string {
	return m.Version + "_" + m.Name + ".up.sql"
}

// LoadMigrations reads NNNN_name.up.sql / .down.sql pairs from dir, ordered by
// version. An up file without its down file is an error.
func LoadMigrations(dir string) ([]Migration, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, fmt.Errorf("read migrations dir: %w", err)
	}
	byVersion := make(map[string]*Migration)
	for _, entry := range entries {
		if entry.IsDir() {
			continue
		}
		match := migrationName.FindStringSubmatch(entry.Name())
		if match == nil {
			continue
		}
		contents, err := os.ReadFile(filepath.Join(dir, entry.Name()))
		if err != nil {
			return nil, fmt.Errorf("read migration %s: %w", entry.Name(), err)
		}
		m, ok := byVersion[match[1]]
		if !ok {
			m = &Migration{Version: match[1], Name: match[2]}
			byVersion[match[1]] = m
		}
		if m.Name != match[2] {
			return nil, fmt.Errorf("migration %s has two names: %s and %s", match[1], m.Name, match[2])
		}
		if match[3] == "up" {
			m.Up = string(contents)
		} else {
			m.Down = string(contents)
		}
	}

	out := make([]Migration, 0, len(byVersion))
	for _, m := range byVersion {
		if strings.TrimSpace(m.Up) == "" {
			return nil, fmt.Errorf("migration %s_%s has no up file", m.Version, m.Name)
		}
		if strings.TrimSpace(m.Down) == "" {
			return nil, fmt.Errorf("migration %s_%s has no down file", m.Version, m.Name)
		}
		out = append(out, *m)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Version < out[j].Version })
	return out, nil
}

// ApplyMigrations runs every migration in dir that schema_migrations does not
// list yet, each in its own transaction.
func ApplyMigrations(ctx context.Context, db *sql.DB, migrationsDir string) error {
	migrations, err := LoadMigrations(migrationsDir)
	if err != nil {
		return err
	}
	if err := ensureMigrationsTable(ctx, db); err != nil {
		return err
	}
	for _, m := range migrations {
		applied, err := migrateOne(ctx, db, m.ID(), func(tx *sql.Tx, done bool) (bool, error) {
			if done {
				return false, nil
			}
			if _, err := tx.ExecContext(ctx, m.Up); err != nil {
				return false, fmt.Errorf("execute migration %s: %w", m.ID(), err)
			}
			if _, err := tx.ExecContext(ctx, `INSERT INTO schema_migrations(version) VALUES($1)`, m.ID()); err != nil {
				return false, fmt.Errorf("record migration %s: %w", m.ID(), err)
			}
			return true, nil
		})
		if err != nil {
			return err
		}
		if applied {
			slog.Info("migration applied", "version", m.ID())
		}
	}
	return nil
}

// RollbackMigrations undoes applied migrations newest first until steps of
// them have run. steps <= 0 rolls back everything.
func RollbackMigrations(ctx context.Context, db *sql.DB, migrationsDir string, steps int) error {
	migrations, err := LoadMigrations(migrationsDir)
	if err != nil {
		return err
	}
	if err := ensureMigrationsTable(ctx, db); err != nil {
		return err
	}
	undone := 0
	for i := len(migrations) - 1; i >= 0; i-- {
		if steps > 0 && undone >= steps {
			break
		}
		m := migrations[i]
		rolled, err := migrateOne(ctx, db, m.ID(), func(tx *sql.Tx, done bool) (bool, error) {
			if !done {
				return false, nil
			}
			if _, err := tx.ExecContext(ctx, m.Down); err != nil {
				return false, fmt.Errorf("roll back migration %s: %w", m.ID(), err)
			}
			if _, err := tx.ExecContext(ctx, `DELETE FROM schema_migrations WHERE version=$1`, m.ID()); err != nil {
				return false, fmt.Errorf("unrecord migration %s: %w", m.ID(), err)
			}
			return true, nil
		})
		if err != nil {
			return err
		}
		if rolled {
			undone++
			slog.Info("migration rolled back", "version", m.ID())
		}
	}
	return nil
}

// migrateOne runs fn in a transaction holding the migration lock. fn learns
// whether id is already recorded and reports whether it changed anything.
func migrateOne(ctx context.Context, db *sql.DB, id string, fn func(tx *sql.Tx, done bool) (bool, error)) (bool, error) {
	tx, err := db.BeginTx(ctx, nil)
	if err != nil {
		return false, fmt.Errorf("begin migration tx %s: %w", id, err)
	}
	defer func() { _ = tx.Rollback() }()

	if _, err := tx.ExecContext(ctx, `SELECT pg_advisory_xact_lock($1)`, migrationLock); err != nil {
		return false, fmt.Errorf("lock migrations: %w", err)
	}
	var done bool
	if err := tx.QueryRowContext(ctx, `SELECT EXISTS(SELECT 1 FROM schema_migrations WHERE version=$1)`, id).Scan(&done); err != nil {
		return false, fmt.Errorf("check migration %s: %w", id, err)
	}
	changed, err := fn(tx, done)
	if err != nil || !changed {
		return false, err
	}
	if err := tx.Commit(); err != nil {
		return false, fmt.Errorf("commit migration %s: %w", id, err)
	}
	return true, nil
}

func ensureMigrationsTable(ctx context.Context, db *sql.DB) error {
	_, err := db.ExecContext(ctx, `
		CREATE TABLE IF NOT EXISTS schema_migrations (
			version TEXT PRIMARY KEY,
			applied_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
		)
	`)
	if err != nil {
		return fmt.Errorf("ensure schema_migrations: %w", err)
	}
	return nil
}
