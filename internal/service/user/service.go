package user

import (
	"context"
	"errors"
	"log/slog"
	"net/mail"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/warrenhq/warren/internal/domain"
	"github.com/warrenhq/warren/internal/repository"
	"github.com/warrenhq/warren/pkg/crypto"
)

var (
	// ErrInvalidEmail rejects malformed addresses on account creation.
	ErrInvalidEmail = errors.New("invalid email address")
	// ErrWeakPassword enforces the minimum password length.
	ErrWeakPassword = errors.New("password must be at least 8 characters")
	// ErrAdminImmutable protects admin accounts from deactivation/deletion.
	ErrAdminImmutable = errors.New("admin accounts cannot be modified this way")
)

const defaultMaxTunnels = 5

// Service covers the admin-facing account operations.
type Service struct {
	users  repository.UserRepository
	logger *slog.Logger
	now    func() time.Time
}

// New constructs a Service.
func New(users repository.UserRepository, logger *slog.Logger) Service {
	return Service{users: users, logger: logger, now: time.Now}
}

// Create registers an account with a fresh random tunnel token. A duplicate
// email surfaces as repository.ErrConflict.
func (s Service) Create(ctx context.Context, email, password string, maxTunnels int) (*domain.User, error) {
	email = strings.ToLower(strings.TrimSpace(email))
	if _, err := mail.ParseAddress(email); err != nil {
		return nil, ErrInvalidEmail
	}
	if len(password) < 8 {
		return nil, ErrWeakPassword
	}
	if maxTunnels <= 0 {
		maxTunnels = defaultMaxTunnels
	}

	hash, err := crypto.HashPassword(password)
	if err != nil {
		return nil, err
	}
	token, err := crypto.RandomHex(32)
	if err != nil {
		return nil, err
	}
	user := &domain.User{
		ID:           uuid.NewString(),
		Email:        email,
		PasswordHash: hash,
		TunnelToken:  token,
		IsActive:     true,
		MaxTunnels:   maxTunnels,
		CreatedAt:    s.now().UTC(),
	}
	if err := s.users.CreateUser(ctx, user); err != nil {
		return nil, err
	}
	s.logger.Info("user created", "user_id", user.ID, "email", user.Email)
	return user, nil
}

// List returns every account with active tunnel counts.
func (s Service) List(ctx context.Context) ([]domain.UserSummary, error) {
	return s.users.ListUsers(ctx)
}

// Get fetches one account.
func (s Service) Get(ctx context.Context, id string) (*domain.User, error) {
	return s.users.GetUserByID(ctx, id)
}

// Update patches is_active and/or max_tunnels. Deactivating an admin is
// refused.
func (s Service) Update(ctx context.Context, id string, isActive *bool, maxTunnels *int) error {
	target, err := s.users.GetUserByID(ctx, id)
	if err != nil {
		return err
	}
	if target.IsAdmin && isActive != nil && !*isActive {
		return ErrAdminImmutable
	}
	if maxTunnels != nil && *maxTunnels < 0 {
		return repository.ErrInvalidArgument
	}
	return s.users.UpdateUser(ctx, id, isActive, maxTunnels)
}

// Delete removes a non-admin account; owned tunnels cascade in the store.
// Metric history keyed by tunnel name is deliberately retained.
func (s Service) Delete(ctx context.Context, id string) error {
	target, err := s.users.GetUserByID(ctx, id)
	if err != nil {
		return err
	}
	if target.IsAdmin {
		return ErrAdminImmutable
	}
	if err := s.users.DeleteUser(ctx, id); err != nil {
		return err
	}
	s.logger.Info("user deleted", "user_id", id, "email", target.Email)
	return nil
}

// RegenerateTunnelToken replaces an account's tunnel token, invalidating
// every reporting client configured with the old one.
func (s Service) RegenerateTunnelToken(ctx context.Context, id string) (string, error) {
	token, err := crypto.RandomHex(32)
	if err != nil {
		return "", err
	}
	if err := s.users.UpdateUserTunnelToken(ctx, id, token); err != nil {
		return "", err
	}
	s.logger.Info("tunnel token regenerated", "user_id", id)
	return token, nil
}
