package authpw

import (
	"context"
	"database/sql"
	"errors"
	"testing"

	"golang.org/x/crypto/bcrypt"

	"doreen/api/internal/access"
	"doreen/api/internal/store/storetest"
)

// mockUserStore is a mock implementation of UserStore for testing
type mockUserStore struct {
	users map[string]Credentials
}

func newMockUserStore() *mockUserStore {
	return &mockUserStore{users: make(map[string]Credentials)}
}

func (m *mockUserStore) UserByLogin(_ context.Context, login string) (Credentials, error) {
	c, ok := m.users[login]
	if !ok {
		return Credentials{}, sql.ErrNoRows
	}
	return c, nil
}

func (m *mockUserStore) UpdatePasswordHash(_ context.Context, uid access.UserID, hash string) error {
	for login, c := range m.users {
		if c.User.ID == uid {
			c.PasswordHash = hash
			m.users[login] = c
			return nil
		}
	}
	return sql.ErrNoRows
}

func newTestService(t *testing.T) (*Service, *mockUserStore) {
	t.Helper()
	st := newMockUserStore()
	svc := NewService(st)
	svc.cost = bcrypt.MinCost
	add := func(uid access.UserID, login string, flags int) {
		hash, err := svc.HashPassword("correct horse")
		if err != nil {
			t.Fatalf("HashPassword() error = %v", err)
		}
		st.users[login] = Credentials{User: access.User{ID: uid, Login: login, Flags: flags}, PasswordHash: hash}
	}
	add(1, "alice", 0)
	add(2, "mallory", access.UserDisabled)
	add(3, "robot", access.UserNoLogin)
	st.users["nopass"] = Credentials{User: access.User{ID: 4, Login: "nopass"}}
	return svc, st
}

func TestSignIn(t *testing.T) {
	svc, _ := newTestService(t)
	cases := []struct {
		name     string
		login    string
		password string
		want     error
	}{
		{name: "valid", login: "alice", password: "correct horse"},
		{name: "surrounding spaces in login", login: " alice ", password: "correct horse"},
		{name: "wrong password", login: "alice", password: "battery staple", want: ErrInvalidCredentials},
		{name: "unknown login", login: "bob", password: "correct horse", want: ErrInvalidCredentials},
		{name: "empty", want: ErrInvalidCredentials},
		{name: "disabled", login: "mallory", password: "correct horse", want: ErrLoginDisabled},
		{name: "no login flag", login: "robot", password: "correct horse", want: ErrLoginDisabled},
		{name: "no password set", login: "nopass", password: "anything at all", want: ErrInvalidCredentials},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			user, err := svc.SignIn(context.Background(), tc.login, tc.password)
			if !errors.Is(err, tc.want) {
				t.Fatalf("SignIn() error = %v, want %v", err, tc.want)
			}
			if tc.want == nil && user.ID != 1 {
				t.Fatalf("SignIn() user = %+v, want alice", user)
			}
		})
	}
}

func TestSetPassword(t *testing.T) {
	svc, _ := newTestService(t)
	ctx := context.Background()
	if err := svc.SetPassword(ctx, 1, "short"); !errors.Is(err, ErrWeakPassword) {
		t.Fatalf("SetPassword(short) error = %v, want ErrWeakPassword", err)
	}
	if err := svc.SetPassword(ctx, 1, "a much better one"); err != nil {
		t.Fatalf("SetPassword() error = %v", err)
	}
	if _, err := svc.SignIn(ctx, "alice", "correct horse"); !errors.Is(err, ErrInvalidCredentials) {
		t.Fatalf("old password still accepted: %v", err)
	}
	if _, err := svc.SignIn(ctx, "alice", "a much better one"); err != nil {
		t.Fatalf("SignIn() with new password error = %v", err)
	}
}

func TestSQLUserStore(t *testing.T) {
	db := storetest.Open(t)
	storetest.User(t, db, 7, "carol")
	svc := NewService(NewSQLUserStore(db))
	svc.cost = bcrypt.MinCost
	ctx := context.Background()

	if _, err := svc.SignIn(ctx, "carol", "whatever12"); !errors.Is(err, ErrInvalidCredentials) {
		t.Fatalf("SignIn() before password set error = %v, want ErrInvalidCredentials", err)
	}
	if err := svc.SetPassword(ctx, 7, "whatever12"); err != nil {
		t.Fatalf("SetPassword() error = %v", err)
	}
	user, err := svc.SignIn(ctx, "carol", "whatever12")
	if err != nil || user.ID != 7 || user.Login != "carol" {
		t.Fatalf("SignIn() = %+v, %v; want carol", user, err)
	}
	if err := svc.SetPassword(ctx, 99, "whatever12"); err == nil {
		t.Fatal("SetPassword() for unknown user should fail")
	}
}
