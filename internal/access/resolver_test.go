package access_test

import (
	"context"
	"errors"
	"testing"

	"github.com/google/go-cmp/cmp"

	"doreen/api/internal/access"
	"doreen/api/internal/apperr"
	"doreen/api/internal/store"
	"doreen/api/internal/store/storetest"
)

// seed creates four users and four ACLs:
//
//	acl 10 "Public":   All users read, Guests read
//	acl 11 "Team":     group 20 read|update
//	acl 12 "Private":  group 21 read
//	acl 13 "Members":  All users read|create
func seed(t *testing.T) *store.DB {
	t.Helper()
	db := storetest.Open(t)
	storetest.MustExec(t, db, `INSERT INTO users (uid, login) VALUES (1, 'admin'), (2, 'alice'), (3, 'bob'), (4, 'gone')`)
	storetest.MustExec(t, db, `UPDATE users SET fl_user = ? WHERE uid = 4`, access.UserDisabled)
	storetest.MustExec(t, db, `INSERT INTO user_groups (gid, gname) VALUES (20, 'Team'), (21, 'Private')`)
	storetest.MustExec(t, db, `INSERT INTO join_users_groups (uid, gid) VALUES (1, 2), (2, 20), (3, 21), (4, 20)`)
	storetest.MustExec(t, db, `INSERT INTO acls (aid, name) VALUES (10, 'Public'), (11, 'Team'), (12, 'Private'), (13, 'Members')`)
	storetest.MustExec(t, db, `INSERT INTO acl_entries (aid, gid, permissions) VALUES
		(10, 1, ?), (10, 3, ?), (11, 20, ?), (12, 21, ?), (13, 1, ?)`,
		int(access.PermRead), int(access.PermRead), int(access.PermRead|access.PermUpdate), int(access.PermRead),
		int(access.PermRead|access.PermCreate))
	return db
}

func TestPrincipalResolution(t *testing.T) {
	db := seed(t)
	resolver := access.NewResolver(access.NewSQLStore(db))
	ctx := context.Background()

	cases := []struct {
		name    string
		uid     access.UserID
		groups  []access.GroupID
		isAdmin bool
		isGuest bool
	}{
		{name: "admin", uid: 1, groups: []access.GroupID{1, 2}, isAdmin: true},
		{name: "member", uid: 2, groups: []access.GroupID{1, 20}},
		{name: "unknown user degrades to guest", uid: 99, groups: []access.GroupID{1, 3}, isGuest: true},
		{name: "disabled user degrades to guest", uid: 4, groups: []access.GroupID{1, 3}, isGuest: true},
		{name: "guest", uid: access.GuestUID, groups: []access.GroupID{1, 3}, isGuest: true},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			p, err := resolver.Principal(ctx, tc.uid)
			if err != nil {
				t.Fatalf("Principal(%d) error = %v", tc.uid, err)
			}
			if diff := cmp.Diff(tc.groups, p.Groups); diff != "" {
				t.Fatalf("groups mismatch (-want +got):\n%s", diff)
			}
			if p.IsAdmin != tc.isAdmin || p.IsGuest != tc.isGuest {
				t.Fatalf("IsAdmin=%v IsGuest=%v, want %v %v", p.IsAdmin, p.IsGuest, tc.isAdmin, tc.isGuest)
			}
		})
	}
}

func TestResolveACLs(t *testing.T) {
	db := seed(t)
	resolver := access.NewResolver(access.NewSQLStore(db))
	ctx := context.Background()

	cases := []struct {
		name string
		uid  access.UserID
		perm access.Permission
		want access.ACLSet
	}{
		{name: "admin sees all", uid: 1, perm: access.PermDelete, want: access.ACLSet{All: true}},
		{name: "alice read", uid: 2, perm: access.PermRead, want: access.ACLSet{IDs: []access.ACLID{10, 11, 13}}},
		{name: "alice update", uid: 2, perm: access.PermUpdate, want: access.ACLSet{IDs: []access.ACLID{11}}},
		{name: "bob read", uid: 3, perm: access.PermRead, want: access.ACLSet{IDs: []access.ACLID{10, 12, 13}}},
		{name: "bob delete", uid: 3, perm: access.PermDelete, want: access.ACLSet{IDs: []access.ACLID{}}},
		{name: "guest read", uid: 0, perm: access.PermRead, want: access.ACLSet{IDs: []access.ACLID{10, 13}}},
		{name: "guest inherits all users grants", uid: 0, perm: access.PermCreate, want: access.ACLSet{IDs: []access.ACLID{13}}},
		{name: "guest update", uid: 0, perm: access.PermUpdate, want: access.ACLSet{IDs: []access.ACLID{}}},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			p, err := resolver.Principal(ctx, tc.uid)
			if err != nil {
				t.Fatalf("Principal() error = %v", err)
			}
			got, err := resolver.ResolveACLs(ctx, p, tc.perm)
			if err != nil {
				t.Fatalf("ResolveACLs() error = %v", err)
			}
			if diff := cmp.Diff(tc.want, got); diff != "" {
				t.Fatalf("ResolveACLs() mismatch (-want +got):\n%s", diff)
			}
		})
	}
}

func TestAssertAccess(t *testing.T) {
	db := seed(t)
	resolver := access.NewResolver(access.NewSQLStore(db))
	ctx := context.Background()

	alice, _ := resolver.Principal(ctx, 2)
	if err := resolver.AssertAccess(ctx, alice, 11, access.PermUpdate); err != nil {
		t.Fatalf("AssertAccess(team, update) error = %v", err)
	}
	err := resolver.AssertAccess(ctx, alice, 12, access.PermRead)
	if !errors.Is(err, apperr.ErrNotAuthorized) {
		t.Fatalf("AssertAccess(private, read) error = %v, want ErrNotAuthorized", err)
	}
	err = resolver.AssertAccess(ctx, alice, 999, access.PermRead)
	if !errors.Is(err, apperr.ErrNotAuthorized) {
		t.Fatalf("AssertAccess(missing acl) error = %v, want ErrNotAuthorized", err)
	}
}

type countingStore struct {
	access.Store
	aclCalls int
}

func (c *countingStore) ACLsGranting(ctx context.Context, groups []access.GroupID, perm access.Permission) ([]access.ACLID, error) {
	c.aclCalls++
	return c.Store.ACLsGranting(ctx, groups, perm)
}

func (c *countingStore) ACL(ctx context.Context, aid access.ACLID) (access.ACL, error) {
	c.aclCalls++
	return c.Store.ACL(ctx, aid)
}

func TestAdminFastPathSkipsACLTables(t *testing.T) {
	db := seed(t)
	counting := &countingStore{Store: access.NewSQLStore(db)}
	resolver := access.NewResolver(counting)
	ctx := context.Background()

	admin, err := resolver.Principal(ctx, 1)
	if err != nil {
		t.Fatalf("Principal() error = %v", err)
	}
	if _, err := resolver.ResolveACLs(ctx, admin, access.PermRead); err != nil {
		t.Fatalf("ResolveACLs() error = %v", err)
	}
	if err := resolver.AssertAccess(ctx, admin, 12, access.PermDelete); err != nil {
		t.Fatalf("AssertAccess() error = %v", err)
	}
	if counting.aclCalls != 0 {
		t.Fatalf("ACL tables consulted %d times for an administrator", counting.aclCalls)
	}
}

func TestPermissionNames(t *testing.T) {
	if got := (access.PermRead | access.PermUpdate).String(); got != "read|update" {
		t.Fatalf("String() = %q", got)
	}
	perm, err := access.ParsePermission(" Mail ")
	if err != nil || perm != access.PermMail {
		t.Fatalf("ParsePermission(Mail) = %v, %v", perm, err)
	}
	if _, err := access.ParsePermission("own"); err == nil {
		t.Fatal("expected error for unknown permission")
	}
}
