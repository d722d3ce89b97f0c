package access

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"slices"

	"doreen/api/internal/apperr"
	"doreen/api/internal/store"
)

// Store is the data the resolver needs.
type Store interface {
	User(ctx context.Context, uid UserID) (User, error)
	UserGroups(ctx context.Context, uid UserID) ([]GroupID, error)
	ACLsGranting(ctx context.Context, groups []GroupID, perm Permission) ([]ACLID, error)
	ACL(ctx context.Context, aid ACLID) (ACL, error)
}

type Resolver struct {
	store Store
}

func NewResolver(s Store) *Resolver {
	return &Resolver{store: s}
}

// Principal loads a user's identity and groups. Unknown and disabled users,
// and uid 0, degrade to the guest principal instead of failing.
func (r *Resolver) Principal(ctx context.Context, uid UserID) (Principal, error) {
	if uid == GuestUID {
		return Guest(), nil
	}
	user, err := r.store.User(ctx, uid)
	if errors.Is(err, apperr.ErrNotFound) {
		return Guest(), nil
	}
	if err != nil {
		return Principal{}, apperr.Store("access", fmt.Errorf("load user %d: %w", uid, err))
	}
	if user.Disabled() {
		return Guest(), nil
	}

	groups, err := r.store.UserGroups(ctx, uid)
	if err != nil {
		return Principal{}, apperr.Store("access", fmt.Errorf("load groups of user %d: %w", uid, err))
	}
	if !slices.Contains(groups, GroupAllUsers) {
		groups = append(groups, GroupAllUsers)
	}
	slices.Sort(groups)

	return Principal{
		User:    user,
		Groups:  groups,
		IsAdmin: slices.Contains(groups, GroupAdmins),
	}, nil
}

// ResolveACLs returns every ACL for which one of the principal's groups
// carries perm.
func (r *Resolver) ResolveACLs(ctx context.Context, p Principal, perm Permission) (ACLSet, error) {
	if p.IsAdmin {
		return ACLSet{All: true}, nil
	}
	if len(p.Groups) == 0 {
		return ACLSet{}, nil
	}
	ids, err := r.store.ACLsGranting(ctx, p.Groups, perm)
	if err != nil {
		return ACLSet{}, apperr.Store("access", fmt.Errorf("resolve %s acls: %w", perm, err))
	}
	return ACLSet{IDs: ids}, nil
}

// AssertAccess fails with ErrNotAuthorized when the principal lacks perm on
// the given ACL.
func (r *Resolver) AssertAccess(ctx context.Context, p Principal, aid ACLID, perm Permission) error {
	if p.IsAdmin {
		return nil
	}
	acl, err := r.store.ACL(ctx, aid)
	if errors.Is(err, apperr.ErrNotFound) {
		return apperr.NotAuthorized("acl %d does not exist", aid)
	}
	if err != nil {
		return apperr.Store("access", fmt.Errorf("load acl %d: %w", aid, err))
	}
	if !acl.Grants(p.Groups, perm) {
		return apperr.NotAuthorized("%s denied on acl %d for user %d", perm, aid, p.User.ID)
	}
	return nil
}

// SQLStore reads users, groups and ACLs from the relational store.
type SQLStore struct {
	db *store.DB
}

func NewSQLStore(db *store.DB) *SQLStore {
	return &SQLStore{db: db}
}

func (s *SQLStore) User(ctx context.Context, uid UserID) (User, error) {
	var user User
	err := s.db.QueryRow(ctx, `
		SELECT uid, login, longname, email, fl_user
		FROM users
		WHERE uid = ?
	`, uid).Scan(&user.ID, &user.Login, &user.Longname, &user.Email, &user.Flags)
	if errors.Is(err, sql.ErrNoRows) {
		return User{}, apperr.NotFound("user %d", uid)
	}
	if err != nil {
		return User{}, fmt.Errorf("read user: %w", err)
	}
	return user, nil
}

func (s *SQLStore) UserGroups(ctx context.Context, uid UserID) ([]GroupID, error) {
	rows, err := s.db.Query(ctx, `SELECT gid FROM join_users_groups WHERE uid = ? ORDER BY gid`, uid)
	if err != nil {
		return nil, fmt.Errorf("list groups: %w", err)
	}
	defer rows.Close()

	groups := make([]GroupID, 0)
	for rows.Next() {
		var gid GroupID
		if err := rows.Scan(&gid); err != nil {
			return nil, fmt.Errorf("scan group: %w", err)
		}
		groups = append(groups, gid)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate groups: %w", err)
	}
	return groups, nil
}

func (s *SQLStore) ACLsGranting(ctx context.Context, groups []GroupID, perm Permission) ([]ACLID, error) {
	if len(groups) == 0 {
		return nil, nil
	}
	args := make([]any, 0, len(groups)+1)
	for _, gid := range groups {
		args = append(args, gid)
	}
	args = append(args, int(perm))

	rows, err := s.db.Query(ctx, `
		SELECT DISTINCT aid
		FROM acl_entries
		WHERE gid IN (`+store.Placeholders(len(groups))+`)
			AND (permissions & ?) <> 0
		ORDER BY aid
	`, args...)
	if err != nil {
		return nil, fmt.Errorf("list acls: %w", err)
	}
	defer rows.Close()

	ids := make([]ACLID, 0)
	for rows.Next() {
		var aid ACLID
		if err := rows.Scan(&aid); err != nil {
			return nil, fmt.Errorf("scan acl: %w", err)
		}
		ids = append(ids, aid)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate acls: %w", err)
	}
	return ids, nil
}

func (s *SQLStore) ACL(ctx context.Context, aid ACLID) (ACL, error) {
	acl := ACL{ID: aid, Entries: map[GroupID]Permission{}}
	err := s.db.QueryRow(ctx, `SELECT name FROM acls WHERE aid = ?`, aid).Scan(&acl.Name)
	if errors.Is(err, sql.ErrNoRows) {
		return ACL{}, apperr.NotFound("acl %d", aid)
	}
	if err != nil {
		return ACL{}, fmt.Errorf("read acl: %w", err)
	}

	rows, err := s.db.Query(ctx, `SELECT gid, permissions FROM acl_entries WHERE aid = ?`, aid)
	if err != nil {
		return ACL{}, fmt.Errorf("list acl entries: %w", err)
	}
	defer rows.Close()
	for rows.Next() {
		var (
			gid  GroupID
			perm Permission
		)
		if err := rows.Scan(&gid, &perm); err != nil {
			return ACL{}, fmt.Errorf("scan acl entry: %w", err)
		}
		acl.Entries[gid] = perm
	}
	if err := rows.Err(); err != nil {
		return ACL{}, fmt.Errorf("iterate acl entries: %w", err)
	}
	return acl, nil
}
