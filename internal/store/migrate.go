package store

import (
	"context"
	"database/sql"
	"embed"
	"fmt"
	"io/fs"
	"path"
	"sort"
	"strings"
)

//go:embed migrations
var migrationFiles embed.FS

// ApplyMigrations runs every pending .up.sql file for the dialect, each in
// its own transaction, and records it in schema_migrations.
func ApplyMigrations(ctx context.Context, db *sql.DB, dialect Dialect) error {
	if err := ensureMigrationsTable(ctx, db); err != nil {
		return err
	}

	files, err := migrationNames(dialect, ".up.sql")
	if err != nil {
		return err
	}

	for _, name := range files {
		if migrated, err := isMigrated(ctx, db, dialect, name); err != nil {
			return err
		} else if migrated {
			continue
		}

		contents, err := fs.ReadFile(migrationFiles, path.Join(dialect.migration, name))
		if err != nil {
			return fmt.Errorf("read migration %s: %w", name, err)
		}

		tx, err := db.BeginTx(ctx, nil)
		if err != nil {
			return fmt.Errorf("begin migration tx %s: %w", name, err)
		}

		if _, err := tx.ExecContext(ctx, string(contents)); err != nil {
			_ = tx.Rollback()
			return fmt.Errorf("execute migration %s: %w", name, err)
		}

		if _, err := tx.ExecContext(ctx, dialect.rebind(`INSERT INTO schema_migrations(version) VALUES(?)`), name); err != nil {
			_ = tx.Rollback()
			return fmt.Errorf("record migration %s: %w", name, err)
		}

		if err := tx.Commit(); err != nil {
			return fmt.Errorf("commit migration %s: %w", name, err)
		}
	}

	return nil
}

// RevertMigrations undoes the most recent steps applied migrations using
// their .down.sql counterparts. It returns the reverted versions.
func RevertMigrations(ctx context.Context, db *sql.DB, dialect Dialect, steps int) ([]string, error) {
	if err := ensureMigrationsTable(ctx, db); err != nil {
		return nil, err
	}

	applied, err := migrationNames(dialect, ".up.sql")
	if err != nil {
		return nil, err
	}
	sort.Sort(sort.Reverse(sort.StringSlice(applied)))

	var reverted []string
	for _, name := range applied {
		if steps > 0 && len(reverted) >= steps {
			break
		}
		migrated, err := isMigrated(ctx, db, dialect, name)
		if err != nil {
			return reverted, err
		}
		if !migrated {
			continue
		}

		downName := strings.TrimSuffix(name, ".up.sql") + ".down.sql"
		contents, err := fs.ReadFile(migrationFiles, path.Join(dialect.migration, downName))
		if err != nil {
			return reverted, fmt.Errorf("read migration %s: %w", downName, err)
		}

		tx, err := db.BeginTx(ctx, nil)
		if err != nil {
			return reverted, fmt.Errorf("begin migration tx %s: %w", downName, err)
		}
		if _, err := tx.ExecContext(ctx, string(contents)); err != nil {
			_ = tx.Rollback()
			return reverted, fmt.Errorf("execute migration %s: %w", downName, err)
		}
		if _, err := tx.ExecContext(ctx, dialect.rebind(`DELETE FROM schema_migrations WHERE version = ?`), name); err != nil {
			_ = tx.Rollback()
			return reverted, fmt.Errorf("unrecord migration %s: %w", name, err)
		}
		if err := tx.Commit(); err != nil {
			return reverted, fmt.Errorf("commit migration %s: %w", downName, err)
		}
		reverted = append(reverted, name)
	}
	return reverted, nil
}

func migrationNames(dialect Dialect, suffix string) ([]string, error) {
	entries, err := fs.ReadDir(migrationFiles, dialect.migration)
	if err != nil {
		return nil, fmt.Errorf("read migrations dir: %w", err)
	}

	var files []string
	for _, entry := range entries {
		if entry.IsDir() {
			continue
		}
		if name := entry.Name(); strings.HasSuffix(name, suffix) {
			files = append(files, name)
		}
	}
	sort.Strings(files)
	return files, nil
}

func ensureMigrationsTable(ctx context.Context, db *sql.DB) error {
	_, err := db.ExecContext(ctx, `
		CREATE TABLE IF NOT EXISTS schema_migrations (
			version TEXT PRIMARY KEY,
			applied_at TIMESTAMP NOT NULL DEFAULT CURRENT_TIMESTAMP
		)
	`)
	if err != nil {
		return fmt.Errorf("ensure schema_migrations: %w", err)
	}
	return nil
}

func isMigrated(ctx context.Context, db *sql.DB, dialect Dialect, version string) (bool, error) {
	var count int
	err := db.QueryRowContext(ctx, dialect.rebind(`SELECT COUNT(*) FROM schema_migrations WHERE version = ?`), version).Scan(&count)
	if err != nil {
		return false, fmt.Errorf("check migration %s: %w", version, err)
	}
	return count > 0, nil
}
