package sshkey

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"
	"golang.org/x/crypto/ssh"

	"github.com/warrenhq/warren/internal/domain"
	"github.com/warrenhq/warren/internal/repository"
)

// ErrInvalidKey rejects unparseable public key material.
var ErrInvalidKey = errors.New("invalid public key")

// ErrNotOwner rejects operations on keys the caller does not own.
var ErrNotOwner = errors.New("ssh key not owned by caller")

// Service manages registered SSH public keys.
type Service struct {
	keys   repository.SSHKeyRepository
	logger *slog.Logger
	now    func() time.Time
}

// New constructs a Service.
func New(keys repository.SSHKeyRepository, logger *slog.Logger) Service {
	return Service{keys: keys, logger: logger, now: time.Now}
}

// Add parses and registers a public key under the given owner. The stored
// key is re-marshalled into canonical authorized_keys form; a duplicate
// fingerprint anywhere in the system surfaces as repository.ErrConflict.
func (s Service) Add(ctx context.Context, userID, name, publicKey string) (*domain.SSHKey, error) {
	parsed, comment, _, _, err := ssh.ParseAuthorizedKey([]byte(strings.TrimSpace(publicKey)))
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidKey, err)
	}
	canonical := strings.TrimSpace(string(ssh.MarshalAuthorizedKey(parsed)))
	if name == "" {
		name = comment
	}
	if name == "" {
		name = parsed.Type()
	}

	key := &domain.SSHKey{
		ID:          uuid.NewString(),
		UserID:      userID,
		Name:        name,
		PublicKey:   canonical,
		Fingerprint: ssh.FingerprintSHA256(parsed),
		CreatedAt:   s.now().UTC(),
	}
	if err := s.keys.CreateSSHKey(ctx, key); err != nil {
		return nil, err
	}
	s.logger.Info("ssh key registered", "key_id", key.ID, "fingerprint", key.Fingerprint)
	return key, nil
}

// List returns the caller's keys.
func (s Service) List(ctx context.Context, userID string) ([]domain.SSHKey, error) {
	return s.keys.ListSSHKeysByUser(ctx, userID)
}

// Delete removes a key after an ownership check.
func (s Service) Delete(ctx context.Context, userID, keyID string) error {
	key, err := s.keys.GetSSHKeyByID(ctx, keyID)
	if err != nil {
		return err
	}
	if key.UserID != userID {
		return ErrNotOwner
	}
	return s.keys.DeleteSSHKey(ctx, keyID)
}
