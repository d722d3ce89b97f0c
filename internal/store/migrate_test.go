package store_test

import (
	"context"
	"testing"

	"doreen/api/internal/store"
	"doreen/api/internal/store/storetest"
)

func TestApplyMigrationsIsIdempotent(t *testing.T) {
	db := storetest.Open(t)
	ctx := context.Background()

	migrations, err := store.Migrations(db.Dialect(), "")
	if err != nil {
		t.Fatalf("Migrations() error = %v", err)
	}
	if err := store.ApplyMigrations(ctx, db, migrations); err != nil {
		t.Fatalf("second ApplyMigrations() error = %v", err)
	}

	n, err := db.Count(ctx, `SELECT COUNT(*) FROM user_groups WHERE gid IN (?, ?, ?)`, 1, 2, 3)
	if err != nil {
		t.Fatalf("count reserved groups: %v", err)
	}
	if n != 3 {
		t.Fatalf("reserved groups = %d, want 3", n)
	}
}

func TestInsertIDAndTransactions(t *testing.T) {
	db := storetest.Open(t)
	ctx := context.Background()

	var aclID int64
	err := db.WithTx(ctx, func(tx *store.Tx) error {
		id, err := store.InsertID(ctx, tx, `INSERT INTO acls (name) VALUES (?)`, "aid", "Public")
		aclID = id
		return err
	})
	if err != nil {
		t.Fatalf("WithTx() error = %v", err)
	}
	if aclID <= 0 {
		t.Fatalf("InsertID() = %d, want positive id", aclID)
	}

	var name string
	if err := db.QueryRow(ctx, `SELECT name FROM acls WHERE aid = ?`, aclID).Scan(&name); err != nil {
		t.Fatalf("read acl: %v", err)
	}
	if name != "Public" {
		t.Fatalf("acl name = %q, want Public", name)
	}
}
