package store

import (
	"context"
	"database/sql"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func openSQLite(t *testing.T) *sql.DB {
	t.Helper()
	ctx := context.Background()
	db, err := Open(ctx, SQLite, filepath.Join(t.TempDir(), "flowsync.db"))
	if err != nil {
		t.Fatalf("open sqlite: %v", err)
	}
	t.Cleanup(func() { _ = db.Close() })
	if err := ApplyMigrations(ctx, db, SQLite); err != nil {
		t.Fatalf("apply migrations: %v", err)
	}
	return db
}

func TestSQLStoreSQLite(t *testing.T) {
	runStoreContract(t, func(t *testing.T) Store {
		return NewSQLStore(openSQLite(t), SQLite)
	})
}

func TestSQLStorePostgres(t *testing.T) {
	dsn := strings.TrimSpace(os.Getenv("FLOWSYNC_TEST_DATABASE_URL"))
	if dsn == "" {
		t.Skip("FLOWSYNC_TEST_DATABASE_URL is not set")
	}

	runStoreContract(t, func(t *testing.T) Store {
		ctx, cancel := context.WithTimeout(context.Background(), time.Minute)
		defer cancel()
		db, err := Open(ctx, Postgres, dsn)
		if err != nil {
			t.Fatalf("open postgres: %v", err)
		}
		t.Cleanup(func() { _ = db.Close() })
		if _, err := db.ExecContext(ctx, `DROP SCHEMA IF EXISTS public CASCADE; CREATE SCHEMA public;`); err != nil {
			t.Fatalf("reset schema: %v", err)
		}
		if err := ApplyMigrations(ctx, db, Postgres); err != nil {
			t.Fatalf("apply migrations: %v", err)
		}
		return NewSQLStore(db, Postgres)
	})
}

func TestMigrationsRoundTripSQLite(t *testing.T) {
	ctx := context.Background()
	db := openSQLite(t)

	reverted, err := RevertMigrations(ctx, db, SQLite, 0)
	if err != nil {
		t.Fatalf("revert: %v", err)
	}
	if len(reverted) == 0 {
		t.Fatal("expected migrations to be reverted")
	}
	var tables int
	if err := db.QueryRowContext(ctx, `SELECT COUNT(*) FROM sqlite_master WHERE type='table' AND name='flowcharts'`).Scan(&tables); err != nil {
		t.Fatalf("inspect schema: %v", err)
	}
	if tables != 0 {
		t.Fatal("flowcharts table survived the down migrations")
	}

	if err := ApplyMigrations(ctx, db, SQLite); err != nil {
		t.Fatalf("re-apply migrations: %v", err)
	}
	// second pass is a no-op
	if err := ApplyMigrations(ctx, db, SQLite); err != nil {
		t.Fatalf("idempotent apply: %v", err)
	}
}

func TestMigrationsHaveMatchingUpAndDownFiles(t *testing.T) {
	for _, dialect := range []Dialect{Postgres, SQLite} {
		ups, err := migrationNames(dialect, ".up.sql")
		if err != nil {
			t.Fatalf("%s: %v", dialect.Name, err)
		}
		downs, err := migrationNames(dialect, ".down.sql")
		if err != nil {
			t.Fatalf("%s: %v", dialect.Name, err)
		}
		if len(ups) == 0 {
			t.Fatalf("%s: no migrations discovered", dialect.Name)
		}
		if len(ups) != len(downs) {
			t.Fatalf("%s: %d up files vs %d down files", dialect.Name, len(ups), len(downs))
		}
		for idx, up := range ups {
			if want := strings.TrimSuffix(up, ".up.sql") + ".down.sql"; downs[idx] != want {
				t.Fatalf("%s: expected %s, found %s", dialect.Name, want, downs[idx])
			}
		}
	}
}

func TestRebind(t *testing.T) {
	got := Postgres.rebind(`SELECT 1 WHERE a = ? AND b <= ?`)
	if got != `SELECT 1 WHERE a = $1 AND b <= $2` {
		t.Fatalf("unexpected rebind %q", got)
	}
	if SQLite.rebind(`a = ?`) != `a = ?` {
		t.Fatal("sqlite queries must keep ? placeholders")
	}
}
