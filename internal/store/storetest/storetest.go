// Package storetest opens migrated SQLite databases for tests.
package storetest

import (
	"context"
	"path/filepath"
	"testing"

	"doreen/api/internal/store"
)

// Open returns a fresh database in t.TempDir with all migrations applied.
func Open(t testing.TB) *store.DB {
	t.Helper()
	ctx := context.Background()
	dsn := "file:" + filepath.Join(t.TempDir(), "doreen.db") + "?_busy_timeout=5000&_journal_mode=WAL"
	db, err := store.Open(ctx, "sqlite3", dsn)
	if err != nil {
		t.Fatalf("open sqlite: %v", err)
	}
	t.Cleanup(func() { _ = db.Close() })

	migrations, err := store.Migrations(db.Dialect(), "")
	if err != nil {
		t.Fatalf("load migrations: %v", err)
	}
	if err := store.ApplyMigrations(ctx, db, migrations); err != nil {
		t.Fatalf("apply migrations: %v", err)
	}
	return db
}

// MustExec runs a statement and fails the test on error.
func MustExec(t testing.TB, db *store.DB, query string, args ...any) {
	t.Helper()
	if _, err := db.Exec(context.Background(), query, args...); err != nil {
		t.Fatalf("exec %q: %v", query, err)
	}
}
