package storetest

import (
	"context"
	"testing"

	"doreen/api/internal/schema"
	"doreen/api/internal/store"
)

// CoreSchema seeds the built-in fields and types and returns the registry.
func CoreSchema(t testing.TB, db *store.DB) *schema.Registry {
	t.Helper()
	reg := schema.Core()
	if err := schema.Seed(context.Background(), db, reg); err != nil {
		t.Fatalf("seed core schema: %v", err)
	}
	return reg
}

// ACLs creates empty ACLs with the given ids.
func ACLs(t testing.TB, db *store.DB, ids ...int64) {
	t.Helper()
	for _, id := range ids {
		MustExec(t, db, `INSERT INTO acls (aid, name) VALUES (?, ?)`, id, "acl")
	}
}

// Grant adds an ACL entry.
func Grant(t testing.TB, db *store.DB, aid, gid int64, perm int) {
	t.Helper()
	MustExec(t, db, `INSERT INTO acl_entries (aid, gid, permissions) VALUES (?, ?, ?)`, aid, gid, perm)
}

// User creates a user in the given groups.
func User(t testing.TB, db *store.DB, uid int64, login string, groups ...int64) {
	t.Helper()
	MustExec(t, db, `INSERT INTO users (uid, login, longname) VALUES (?, ?, ?)`, uid, login, login)
	for _, gid := range groups {
		MustExec(t, db, `INSERT INTO join_users_groups (uid, gid) VALUES (?, ?)`, uid, gid)
	}
}

// Group creates a user group.
func Group(t testing.TB, db *store.DB, gid int64, name string) {
	t.Helper()
	MustExec(t, db, `INSERT INTO user_groups (gid, gname) VALUES (?, ?)`, gid, name)
}

type Ticket struct {
	ID       int64
	TypeID   int64
	ACL      int64
	Template bool
	Created  int64
	// Values are keyed by field id; slices insert one row per element.
	Values map[schema.FieldID]any
}

// InsertTicket writes the ticket row and its values into the tables the
// registry assigns to each field.
func InsertTicket(t testing.TB, db *store.DB, reg *schema.Registry, tk Ticket) {
	t.Helper()
	template := 0
	if tk.Template {
		template = 1
	}
	created := tk.Created
	if created == 0 {
		created = 1_700_000_000 + tk.ID
	}
	MustExec(t, db, `
		INSERT INTO tickets (i, type_id, aid, is_template, created_dt, lastmod_dt, created_uid, lastmod_uid)
		VALUES (?, ?, ?, ?, ?, ?, 1, 1)
	`, tk.ID, tk.TypeID, tk.ACL, template, created, created)

	for fid, v := range tk.Values {
		f, ok := reg.Field(fid)
		if !ok {
			t.Fatalf("ticket %d: unknown field %d", tk.ID, fid)
		}
		for _, item := range spread(v) {
			switch f.Table {
			case schema.TableParents:
				MustExec(t, db, `INSERT INTO ticket_parents (i, parent_id) VALUES (?, ?)`, tk.ID, item)
			case schema.TableBinaries:
				MustExec(t, db, `
					INSERT INTO ticket_binaries (i, filename, mime, size, object_key, created_dt, uploaded_uid)
					VALUES (?, ?, 'application/octet-stream', 1, ?, ?, 1)
				`, tk.ID, item, item, created)
			default:
				MustExec(t, db, `INSERT INTO `+f.Table+` (i, field_id, value) VALUES (?, ?, ?)`,
					tk.ID, int(reg.Canonical(fid)), item)
			}
		}
	}
}

func spread(v any) []any {
	switch x := v.(type) {
	case []string:
		out := make([]any, 0, len(x))
		for _, s := range x {
			out = append(out, s)
		}
		return out
	case []int64:
		out := make([]any, 0, len(x))
		for _, n := range x {
			out = append(out, n)
		}
		return out
	default:
		return []any{v}
	}
}
