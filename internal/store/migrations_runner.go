package store

import (
	"context"
	"fmt"
	"io/fs"
	"log"
	"sort"
	"strings"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"

	"github.com/jw6ventures/calsync/internal/migrations"
)

// PgxPool is the slice of pgxpool.Pool the migration runner needs, narrowed
// so tests can drive it with a mock.
type PgxPool interface {
	Exec(ctx context.Context, sql string, arguments ...any) (pgconn.CommandTag, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
	BeginTx(ctx context.Context, txOptions pgx.TxOptions) (pgx.Tx, error)
}

type execer interface {
	Exec(ctx context.Context, sql string, arguments ...any) (pgconn.CommandTag, error)
}

// ApplyMigrations brings the schema up to date from the embedded SQL files.
// A database that has tables but no schema_migrations table predates version
// tracking; it is assumed to carry the initial schema already, so only the
// migrations after the first get applied there.
func ApplyMigrations(ctx context.Context, pool PgxPool) error {
	versions, err := migrationFiles()
	if err != nil || len(versions) == 0 {
		return err
	}

	tracked, err := trackingTableExists(ctx, pool)
	if err != nil {
		return err
	}
	if !tracked {
		if err := bootstrapTracking(ctx, pool, versions[0]); err != nil {
			return err
		}
	}

	for _, version := range versions {
		done, err := versionApplied(ctx, pool, version)
		if err != nil {
			return err
		}
		if done {
			continue
		}
		log.Printf("[INFO] applying migration %s", version)
		if err := runMigration(ctx, pool, version); err != nil {
			return err
		}
	}
	return nil
}

func migrationFiles() ([]string, error) {
	entries, err := fs.ReadDir(migrations.Files, ".")
	if err != nil {
		return nil, fmt.Errorf("list migrations: %w", err)
	}
	var versions []string
	for _, e := range entries {
		if !e.IsDir() && strings.HasSuffix(e.Name(), ".sql") {
			versions = append(versions, e.Name())
		}
	}
	sort.Strings(versions)
	return versions, nil
}

func trackingTableExists(ctx context.Context, pool PgxPool) (bool, error) {
	const q = `SELECT EXISTS (
        SELECT 1 FROM information_schema.tables
        WHERE table_schema='public' AND table_name='schema_migrations'
)`
	var exists bool
	if err := pool.QueryRow(ctx, q).Scan(&exists); err != nil {
		return false, fmt.Errorf("check migration table: %w", err)
	}
	return exists, nil
}

// bootstrapTracking creates schema_migrations and, when the database already
// holds tables, records the first migration as applied so its CREATE
// statements are never replayed.
func bootstrapTracking(ctx context.Context, pool PgxPool, first string) error {
	const countQ = `SELECT COUNT(*) FROM information_schema.tables
WHERE table_schema NOT IN ('pg_catalog', 'information_schema')`
	var tables int
	if err := pool.QueryRow(ctx, countQ).Scan(&tables); err != nil {
		return fmt.Errorf("count tables: %w", err)
	}

	const createQ = `CREATE TABLE IF NOT EXISTS schema_migrations (
        version TEXT PRIMARY KEY,
        applied_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
)`
	if _, err := pool.Exec(ctx, createQ); err != nil {
		return fmt.Errorf("create schema_migrations: %w", err)
	}

	if tables > 0 {
		return markApplied(ctx, pool, first)
	}
	return nil
}

func versionApplied(ctx context.Context, pool PgxPool, version string) (bool, error) {
	const q = `SELECT EXISTS (SELECT 1 FROM schema_migrations WHERE version=$1)`
	var exists bool
	if err := pool.QueryRow(ctx, q, version).Scan(&exists); err != nil {
		return false, fmt.Errorf("check migration %s: %w", version, err)
	}
	return exists, nil
}

// runMigration executes one migration file and records it, both inside a
// single transaction.
func runMigration(ctx context.Context, pool PgxPool, version string) error {
	sql, err := migrations.Files.ReadFile(version)
	if err != nil {
		return fmt.Errorf("read migration %s: %w", version, err)
	}

	tx, err := pool.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return fmt.Errorf("begin migration %s: %w", version, err)
	}
	if _, err := tx.Exec(ctx, string(sql)); err != nil {
		_ = tx.Rollback(ctx)
		return fmt.Errorf("apply migration %s: %w", version, err)
	}
	if err := markApplied(ctx, tx, version); err != nil {
		_ = tx.Rollback(ctx)
		return err
	}
	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("commit migration %s: %w", version, err)
	}
	return nil
}

func markApplied(ctx context.Context, db execer, version string) error {
	const q = `INSERT INTO schema_migrations (version) VALUES ($1) ON CONFLICT (version) DO NOTHING`
	if _, err := db.Exec(ctx, q, version); err != nil {
		return fmt.Errorf("record migration %s: %w", version, err)
	}
	return nil
}
