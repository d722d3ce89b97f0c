// Package access resolves which ACLs a user may act upon.
//
// Every ticket references exactly one ACL; an ACL maps group ids to a
// permission bitmask. A user is allowed an action on a ticket when one of
// the user's groups carries the matching bit in the ticket's ACL.
// Administrators pass every check without consulting ACL tables.
package access

import (
	"fmt"
	"slices"
	"strings"
)

type Permission int

const (
	PermCreate Permission = 0x01
	PermRead   Permission = 0x02
	PermUpdate Permission = 0x04
	PermDelete Permission = 0x08
	PermMail   Permission = 0x10

	PermAll = PermCreate | PermRead | PermUpdate | PermDelete | PermMail
)

type (
	GroupID int64
	ACLID   int64
	UserID  int64
)

// Reserved groups created by the core migration.
const (
	GroupAllUsers GroupID = 1
	GroupAdmins   GroupID = 2
	GroupGuests   GroupID = 3
)

// GuestUID is the pseudo-user every unauthenticated request resolves to.
const GuestUID UserID = 0

// User flags stored in users.fl_user.
const (
	UserDisabled        = 0x01
	UserNoLogin         = 0x02
	UserWantsTicketMail = 0x04
)

var permissionNames = []struct {
	perm Permission
	name string
}{
	{PermCreate, "create"},
	{PermRead, "read"},
	{PermUpdate, "update"},
	{PermDelete, "delete"},
	{PermMail, "mail"},
}

func (p Permission) Has(bit Permission) bool {
	return bit != 0 && p&bit == bit
}

func (p Permission) String() string {
	var names []string
	for _, item := range permissionNames {
		if p&item.perm != 0 {
			names = append(names, item.name)
		}
	}
	if len(names) == 0 {
		return "none"
	}
	return strings.Join(names, "|")
}

// ParsePermission accepts a single permission name such as "read".
func ParsePermission(name string) (Permission, error) {
	normalized := strings.ToLower(strings.TrimSpace(name))
	for _, item := range permissionNames {
		if item.name == normalized {
			return item.perm, nil
		}
	}
	return 0, fmt.Errorf("unknown permission %q", name)
}

type User struct {
	ID       UserID
	Login    string
	Longname string
	Email    string
	Flags    int
}

func (u User) Disabled() bool { return u.Flags&UserDisabled != 0 }

// Principal is a user together with the groups used for access checks.
type Principal struct {
	User    User
	Groups  []GroupID
	IsAdmin bool
	IsGuest bool
}

// Guest returns the pseudo-principal for requests without a user. It holds
// whatever All users and Guests are granted.
func Guest() Principal {
	return Principal{
		User:    User{ID: GuestUID, Login: "guest", Longname: "Guest"},
		Groups:  []GroupID{GroupAllUsers, GroupGuests},
		IsGuest: true,
	}
}

func (p Principal) InGroup(gid GroupID) bool {
	return slices.Contains(p.Groups, gid)
}

// ACLSet is the outcome of a permission resolution. All means every ACL
// qualifies and no access constraint is needed.
type ACLSet struct {
	All bool
	IDs []ACLID
}

func (s ACLSet) Empty() bool {
	return !s.All && len(s.IDs) == 0
}

func (s ACLSet) Contains(id ACLID) bool {
	return s.All || slices.Contains(s.IDs, id)
}

// ACL is a group to permission mapping.
type ACL struct {
	ID      ACLID
	Name    string
	Entries map[GroupID]Permission
}

// Grants reports whether any of groups carries perm in the ACL.
func (a ACL) Grants(groups []GroupID, perm Permission) bool {
	for _, gid := range groups {
		if a.Entries[gid].Has(perm) {
			return true
		}
	}
	return false
}
