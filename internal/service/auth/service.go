package auth

import (
	"context"
	"errors"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/warrenhq/warren/internal/domain"
	"github.com/warrenhq/warren/internal/repository"
	"github.com/warrenhq/warren/pkg/config"
	"github.com/warrenhq/warren/pkg/crypto"
	jwtpkg "github.com/warrenhq/warren/pkg/jwt"
)

// ErrInvalidCredentials covers both unknown accounts and wrong passwords so
// callers cannot distinguish the two.
var ErrInvalidCredentials = errors.New("invalid credentials")

// ErrAccountDisabled rejects logins on deactivated accounts.
var ErrAccountDisabled = errors.New("account disabled")

// Service handles authentication workflows.
type Service struct {
	users  repository.UserRepository
	logger *slog.Logger
	cfg    config.APIConfig
	now    func() time.Time
}

// New constructs a Service.
func New(users repository.UserRepository, logger *slog.Logger, cfg config.APIConfig) Service {
	return Service{users: users, logger: logger, cfg: cfg, now: time.Now}
}

// Token is an issued access token plus its lifetime.
type Token struct {
	AccessToken string
	ExpiresIn   time.Duration
}

// Login authenticates by email and password and returns a signed token.
// Disabled accounts are rejected after the password check so the error does
// not leak whether the password was right.
func (s Service) Login(ctx context.Context, email, password string) (*domain.User, Token, error) {
	user, err := s.users.GetUserByEmail(ctx, strings.ToLower(strings.TrimSpace(email)))
	if err != nil {
		if errors.Is(err, repository.ErrNotFound) {
			return nil, Token{}, ErrInvalidCredentials
		}
		return nil, Token{}, err
	}
	if err := crypto.ComparePassword(user.PasswordHash, password); err != nil {
		return nil, Token{}, ErrInvalidCredentials
	}
	if !user.IsActive {
		return nil, Token{}, ErrAccountDisabled
	}
	token, err := s.issueToken(user)
	if err != nil {
		return nil, Token{}, err
	}
	if err := s.users.RecordLogin(ctx, user.ID, s.now().UTC()); err != nil {
		s.logger.Warn("failed to record login time", "user_id", user.ID, "error", err)
	}
	s.logger.Info("user logged in", "user_id", user.ID)
	return user, token, nil
}

// Authorize validates a bearer token and returns the associated user and
// claims. Tokens for accounts deactivated since issuance are rejected.
func (s Service) Authorize(ctx context.Context, token string) (*domain.User, *jwtpkg.Claims, error) {
	trimmed := strings.TrimSpace(token)
	if trimmed == "" {
		return nil, nil, errors.New("token required")
	}
	claims, err := jwtpkg.Parse(trimmed, s.cfg.JWTSecret)
	if err != nil {
		return nil, nil, err
	}
	user, err := s.users.GetUserByID(ctx, claims.UserID)
	if err != nil {
		return nil, nil, err
	}
	if !user.IsActive {
		return nil, nil, ErrAccountDisabled
	}
	return user, claims, nil
}

// AuthorizeTunnelToken identifies a reporting client by its per-user tunnel
// token. Used by the metric ingest endpoint, which frpc-side reporters call
// without a browser session.
func (s Service) AuthorizeTunnelToken(ctx context.Context, token string) (*domain.User, error) {
	trimmed := strings.TrimSpace(token)
	if trimmed == "" {
		return nil, ErrInvalidCredentials
	}
	user, err := s.users.GetUserByTunnelToken(ctx, trimmed)
	if err != nil {
		if errors.Is(err, repository.ErrNotFound) {
			return nil, ErrInvalidCredentials
		}
		return nil, err
	}
	if !user.IsActive {
		return nil, ErrAccountDisabled
	}
	return user, nil
}

// EnsureAdmin guarantees at least one admin account exists, creating one from
// configured credentials on first boot.
func (s Service) EnsureAdmin(ctx context.Context) error {
	count, err := s.users.CountAdmins(ctx)
	if err != nil {
		return err
	}
	if count > 0 {
		return nil
	}

	email := s.cfg.AdminEmail
	password := s.cfg.AdminPassword
	if email == "" || password == "" {
		return errors.New("no admin account exists and ADMIN_EMAIL/ADMIN_PASSWORD are unset")
	}
	hash, err := crypto.HashPassword(password)
	if err != nil {
		return err
	}
	tunnelToken := s.cfg.AdminTunnelToken
	if tunnelToken == "" {
		tunnelToken, err = crypto.RandomHex(32)
		if err != nil {
			return err
		}
	}
	admin := &domain.User{
		ID:           uuid.NewString(),
		Email:        strings.ToLower(email),
		PasswordHash: hash,
		TunnelToken:  tunnelToken,
		IsAdmin:      true,
		IsActive:     true,
		MaxTunnels:   100,
		CreatedAt:    s.now().UTC(),
	}
	if err := s.users.CreateUser(ctx, admin); err != nil {
		if errors.Is(err, repository.ErrConflict) {
			return nil
		}
		return err
	}
	s.logger.Info("admin account bootstrapped", "email", admin.Email)
	return nil
}

func (s Service) issueToken(user *domain.User) (Token, error) {
	access, err := jwtpkg.GenerateToken(user.ID, user.IsAdmin, s.cfg.JWTSecret, s.cfg.AccessTokenTTL)
	if err != nil {
		return Token{}, err
	}
	return Token{AccessToken: access, ExpiresIn: s.cfg.AccessTokenTTL}, nil
}
