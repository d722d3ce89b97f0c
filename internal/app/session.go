package app

import (
	"context"
	"errors"
	"time"

	"doreen/api/internal/access"
	"doreen/api/internal/auth"
	"doreen/api/internal/session"
	"doreen/api/internal/util"
)

type Session struct {
	Token        string
	RefreshToken string
	UserID       access.UserID
	UserName     string
	JTI          string
	ExpiresAt    time.Time
}

func (s *Service) Login(ctx context.Context, login, password string) (Session, error) {
	user, err := s.passwords.SignIn(ctx, login, password)
	if err != nil {
		return Session{}, err
	}
	return s.issueSession(ctx, user)
}

// Refresh swaps a refresh token for a new session. Each refresh token is
// good for one use.
func (s *Service) Refresh(ctx context.Context, refreshToken string) (Session, error) {
	tokenHash := auth.HashToken(refreshToken)
	uid, err := s.sessions.LookupRefreshSession(ctx, tokenHash)
	if err != nil {
		return Session{}, err
	}
	if err := s.sessions.RevokeRefreshSession(ctx, tokenHash); err != nil {
		return Session{}, err
	}
	p, err := s.access.Principal(ctx, uid)
	if err != nil {
		return Session{}, err
	}
	// Disabled and deleted users resolve to the guest.
	if p.IsGuest {
		return Session{}, session.ErrNotFound
	}
	return s.issueSession(ctx, p.User)
}

func (s *Service) issueSession(ctx context.Context, user access.User) (Session, error) {
	now := time.Now()
	expiresAt := now.Add(s.cfg.AccessTTL)
	jti := util.NewID("jti")
	name := user.Longname
	if name == "" {
		name = user.Login
	}

	token, err := auth.IssueToken([]byte(s.cfg.JWTSecret), user.ID, name, jti, expiresAt)
	if err != nil {
		return Session{}, err
	}

	refresh := util.NewID("rft") + util.NewID("")
	refreshExpires := now.Add(s.cfg.RefreshTTL)
	if err := s.sessions.SaveRefreshSession(ctx, auth.HashToken(refresh), user.ID, refreshExpires); err != nil {
		return Session{}, err
	}

	return Session{
		Token:        token,
		RefreshToken: refresh,
		UserID:       user.ID,
		UserName:     name,
		JTI:          jti,
		ExpiresAt:    expiresAt,
	}, nil
}

func (s *Service) SessionFromToken(ctx context.Context, token string) (Session, error) {
	claims, err := auth.ParseToken([]byte(s.cfg.JWTSecret), token)
	if err != nil {
		return Session{}, err
	}
	revoked, err := s.sessions.IsAccessTokenRevoked(ctx, claims.ID)
	if err != nil {
		return Session{}, err
	}
	if revoked {
		return Session{}, auth.ErrInvalidToken
	}
	uid, err := claims.UserID()
	if err != nil {
		return Session{}, err
	}
	return Session{
		Token:     token,
		UserID:    uid,
		UserName:  claims.Name,
		JTI:       claims.ID,
		ExpiresAt: claims.ExpiresAt.Time,
	}, nil
}

// Logout revokes whichever of the access and refresh tokens were presented.
// Both revocations are attempted even when the first fails.
func (s *Service) Logout(ctx context.Context, sess Session, refreshToken string) error {
	var errs []error
	if sess.JTI != "" {
		if err := s.sessions.RevokeAccessToken(ctx, sess.JTI, sess.ExpiresAt); err != nil {
			errs = append(errs, err)
		}
	}
	if refreshToken != "" {
		if err := s.sessions.RevokeRefreshSession(ctx, auth.HashToken(refreshToken)); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}
