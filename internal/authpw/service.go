// Package authpw provides login/password authentication against the users
// table.
package authpw

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"

	"golang.org/x/crypto/bcrypt"

	"doreen/api/internal/access"
	"doreen/api/internal/store"
)

var (
	// ErrInvalidCredentials covers unknown logins and wrong passwords alike.
	ErrInvalidCredentials = errors.New("invalid login or password")
	ErrLoginDisabled      = errors.New("account may not log in")
	ErrWeakPassword       = errors.New("password must be at least 8 characters")
)

// Credentials is a user together with its stored password hash.
type Credentials struct {
	User         access.User
	PasswordHash string
}

// UserStore defines the storage interface for auth
type UserStore interface {
	UserByLogin(ctx context.Context, login string) (Credentials, error)
	UpdatePasswordHash(ctx context.Context, uid access.UserID, hash string) error
}

// Service provides login/password authentication
type Service struct {
	store UserStore
	cost  int
}

func NewService(store UserStore) *Service {
	return &Service{store: store, cost: bcrypt.DefaultCost}
}

// SignIn authenticates a user. Disabled and no-login accounts are rejected
// even with the right password.
func (s *Service) SignIn(ctx context.Context, login, password string) (access.User, error) {
	login = strings.TrimSpace(login)
	if login == "" || password == "" {
		return access.User{}, ErrInvalidCredentials
	}

	creds, err := s.store.UserByLogin(ctx, login)
	if errors.Is(err, sql.ErrNoRows) {
		return access.User{}, ErrInvalidCredentials
	}
	if err != nil {
		return access.User{}, fmt.Errorf("look up user: %w", err)
	}
	if creds.PasswordHash == "" {
		return access.User{}, ErrInvalidCredentials
	}
	if err := bcrypt.CompareHashAndPassword([]byte(creds.PasswordHash), []byte(password)); err != nil {
		return access.User{}, ErrInvalidCredentials
	}
	if creds.User.Flags&(access.UserDisabled|access.UserNoLogin) != 0 {
		return access.User{}, ErrLoginDisabled
	}
	return creds.User, nil
}

// SetPassword stores a new bcrypt hash for uid.
func (s *Service) SetPassword(ctx context.Context, uid access.UserID, password string) error {
	hash, err := s.HashPassword(password)
	if err != nil {
		return err
	}
	if err := s.store.UpdatePasswordHash(ctx, uid, hash); err != nil {
		return fmt.Errorf("update password: %w", err)
	}
	return nil
}

func (s *Service) HashPassword(password string) (string, error) {
	if len(password) < 8 {
		return "", ErrWeakPassword
	}
	hash, err := bcrypt.GenerateFromPassword([]byte(password), s.cost)
	if err != nil {
		return "", fmt.Errorf("hash password: %w", err)
	}
	return string(hash), nil
}

// SQLUserStore reads credentials from the users table.
type SQLUserStore struct {
	db *store.DB
}

func NewSQLUserStore(db *store.DB) *SQLUserStore {
	return &SQLUserStore{db: db}
}

func (s *SQLUserStore) UserByLogin(ctx context.Context, login string) (Credentials, error) {
	var c Credentials
	err := s.db.QueryRow(ctx, `
		SELECT uid, login, longname, email, fl_user, password_hash
		FROM users
		WHERE login = ?
	`, login).Scan(&c.User.ID, &c.User.Login, &c.User.Longname, &c.User.Email, &c.User.Flags, &c.PasswordHash)
	if err != nil {
		return Credentials{}, err
	}
	return c, nil
}

func (s *SQLUserStore) UpdatePasswordHash(ctx context.Context, uid access.UserID, hash string) error {
	res, err := s.db.Exec(ctx, `UPDATE users SET password_hash = ? WHERE uid = ?`, hash, int64(uid))
	if err != nil {
		return err
	}
	if n, err := res.RowsAffected(); err == nil && n == 0 {
		return sql.ErrNoRows
	}
	return nil
}
