package app

import (
	"context"
	"strings"
	"time"

	"civicpulse/api/internal/auth"
	"civicpulse/api/internal/rbac"
	"civicpulse/api/internal/store"
	"civicpulse/api/internal/util"
)

type Session struct {
	Token     string
	Principal Principal
	JTI       string
	ExpiresAt time.Time
}

// IssueSession stores the user's profile and mints an access token for it.
// Credential checks happen upstream of this service.
func (s *Service) IssueSession(ctx context.Context, user store.User) (Session, error) {
	user.DisplayName = strings.TrimSpace(user.DisplayName)
	if user.ID == "" || user.DisplayName == "" {
		return Session{}, validationError("user id and display name are required")
	}
	user.Role = string(rbac.Normalize(user.Role))
	if err := s.store.UpsertUser(ctx, user); err != nil {
		return Session{}, err
	}

	jti := util.NewID("")
	expiresAt := s.clock().Add(s.cfg.AccessTTL)
	token, err := auth.IssueToken([]byte(s.cfg.JWTSecret), user.ID, user.DisplayName, user.Role, jti, expiresAt)
	if err != nil {
		return Session{}, err
	}
	return Session{
		Token:     token,
		Principal: Principal{ID: user.ID, Name: user.DisplayName, Role: rbac.Role(user.Role)},
		JTI:       jti,
		ExpiresAt: expiresAt,
	}, nil
}

func (s *Service) SessionFromToken(ctx context.Context, token string) (Session, error) {
	claims, err := auth.ParseToken([]byte(s.cfg.JWTSecret), token)
	if err != nil {
		return Session{}, err
	}
	if s.revocations != nil {
		revoked, err := s.revocations.IsAccessTokenRevoked(ctx, claims.ID)
		if err != nil {
			return Session{}, err
		}
		if revoked {
			return Session{}, auth.ErrInvalidToken
		}
	}
	return Session{
		Token:     token,
		Principal: Principal{ID: claims.Subject, Name: claims.Name, Role: rbac.Normalize(claims.Role)},
		JTI:       claims.ID,
		ExpiresAt: claims.ExpiresAt.Time,
	}, nil
}

func (s *Service) Logout(ctx context.Context, session Session) error {
	if s.revocations == nil || session.JTI == "" {
		return nil
	}
	return s.revocations.RevokeAccessToken(ctx, session.JTI, session.ExpiresAt)
}
