package tunnel

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"regexp"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/warrenhq/warren/internal/domain"
	"github.com/warrenhq/warren/internal/repository"
	"github.com/warrenhq/warren/pkg/config"
)

var (
	// ErrQuotaExceeded rejects creation past the account's tunnel limit.
	ErrQuotaExceeded = errors.New("tunnel quota exceeded")
	// ErrNotOwner rejects operations on tunnels the caller does not own.
	ErrNotOwner = errors.New("tunnel not owned by caller")
)

// ValidationError describes a rejected tunnel definition.
type ValidationError struct {
	Field   string
	Message string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("%s: %s", e.Field, e.Message)
}

var nameRE = regexp.MustCompile(`^[a-z0-9]([a-z0-9-]{0,61}[a-z0-9])?$`)

// CreateInput is a requested tunnel definition.
type CreateInput struct {
	Name       string
	Type       string
	LocalPort  int
	LocalHost  string
	Subdomain  string
	RemotePort *int
}

// Service manages the tunnel registry.
type Service struct {
	tunnels repository.TunnelRepository
	users   repository.UserRepository
	logger  *slog.Logger
	cfg     config.APIConfig
	now     func() time.Time
}

// New constructs a Service.
func New(tunnels repository.TunnelRepository, users repository.UserRepository, logger *slog.Logger, cfg config.APIConfig) Service {
	return Service{tunnels: tunnels, users: users, logger: logger, cfg: cfg, now: time.Now}
}

// Create validates and registers a tunnel under the given owner. Per-user
// name uniqueness is enforced by the store and surfaces as ErrConflict.
func (s Service) Create(ctx context.Context, userID string, in CreateInput) (*domain.Tunnel, error) {
	if err := s.validate(&in); err != nil {
		return nil, err
	}

	user, err := s.users.GetUserByID(ctx, userID)
	if err != nil {
		return nil, err
	}
	count, err := s.tunnels.CountTunnelsByUser(ctx, userID)
	if err != nil {
		return nil, err
	}
	if count >= user.MaxTunnels {
		return nil, ErrQuotaExceeded
	}

	tunnel := &domain.Tunnel{
		ID:         uuid.NewString(),
		UserID:     userID,
		Name:       in.Name,
		Type:       in.Type,
		LocalPort:  in.LocalPort,
		LocalHost:  in.LocalHost,
		RemotePort: in.RemotePort,
		CreatedAt:  s.now().UTC(),
	}
	if in.Subdomain != "" {
		sub := in.Subdomain
		tunnel.Subdomain = &sub
	}
	if err := s.tunnels.CreateTunnel(ctx, tunnel); err != nil {
		return nil, err
	}
	s.logger.Info("tunnel created", "tunnel_id", tunnel.ID, "name", tunnel.Name, "type", tunnel.Type)
	return tunnel, nil
}

// Get fetches a tunnel, enforcing ownership unless the caller is an admin.
func (s Service) Get(ctx context.Context, callerID string, isAdmin bool, tunnelID string) (*domain.Tunnel, error) {
	tunnel, err := s.tunnels.GetTunnelByID(ctx, tunnelID)
	if err != nil {
		return nil, err
	}
	if !isAdmin && tunnel.UserID != callerID {
		return nil, ErrNotOwner
	}
	return tunnel, nil
}

// ListForUser lists the caller's tunnels.
func (s Service) ListForUser(ctx context.Context, userID string) ([]domain.Tunnel, error) {
	return s.tunnels.ListTunnelsByUser(ctx, userID)
}

// ListAll lists every tunnel. Admin only; the router enforces that.
func (s Service) ListAll(ctx context.Context) ([]domain.Tunnel, error) {
	return s.tunnels.ListTunnels(ctx)
}

// SetStatus flips a tunnel's active flag, stamping last_connected_at on
// activation.
func (s Service) SetStatus(ctx context.Context, callerID string, isAdmin bool, tunnelID string, isActive bool) error {
	if _, err := s.Get(ctx, callerID, isAdmin, tunnelID); err != nil {
		return err
	}
	var connectedAt *time.Time
	if isActive {
		now := s.now().UTC()
		connectedAt = &now
	}
	return s.tunnels.UpdateTunnelStatus(ctx, tunnelID, isActive, connectedAt)
}

// Delete removes a tunnel.
func (s Service) Delete(ctx context.Context, callerID string, isAdmin bool, tunnelID string) error {
	tunnel, err := s.Get(ctx, callerID, isAdmin, tunnelID)
	if err != nil {
		return err
	}
	if err := s.tunnels.DeleteTunnel(ctx, tunnelID); err != nil {
		return err
	}
	s.logger.Info("tunnel deleted", "tunnel_id", tunnelID, "name", tunnel.Name)
	return nil
}

// PublicURL renders the address a tunnel is reachable at, or "" for types
// without a stable public endpoint configuration.
func (s Service) PublicURL(tunnel *domain.Tunnel) string {
	switch tunnel.Type {
	case domain.TunnelTypeHTTP, domain.TunnelTypeHTTPS:
		if tunnel.Subdomain == nil {
			return ""
		}
		scheme := "http"
		if tunnel.Type == domain.TunnelTypeHTTPS {
			scheme = "https"
		}
		return fmt.Sprintf("%s://%s.%s", scheme, *tunnel.Subdomain, s.cfg.ServerDomain)
	case domain.TunnelTypeTCP:
		if tunnel.RemotePort == nil {
			return ""
		}
		return fmt.Sprintf("tcp://%s:%d", s.cfg.ServerDomain, *tunnel.RemotePort)
	case domain.TunnelTypeSSH:
		if tunnel.RemotePort == nil {
			return ""
		}
		return fmt.Sprintf("ssh -p %d user@%s", *tunnel.RemotePort, s.cfg.ServerDomain)
	}
	return ""
}

// ClientConfig renders the frpc ini section for a tunnel, together with the
// common [common] block. SSH tunnels ride plain tcp proxies.
func (s Service) ClientConfig(tunnel *domain.Tunnel, tunnelToken string) string {
	var b strings.Builder
	fmt.Fprintf(&b, "[common]\n")
	fmt.Fprintf(&b, "server_addr = %s\n", s.cfg.ServerDomain)
	fmt.Fprintf(&b, "server_port = %d\n", s.cfg.FrpsBindPort)
	fmt.Fprintf(&b, "token = %s\n\n", tunnelToken)

	fmt.Fprintf(&b, "[%s]\n", tunnel.Name)
	proxyType := tunnel.Type
	if tunnel.Type == domain.TunnelTypeSSH {
		proxyType = domain.TunnelTypeTCP
	}
	fmt.Fprintf(&b, "type = %s\n", proxyType)
	fmt.Fprintf(&b, "local_ip = %s\n", tunnel.LocalHost)
	fmt.Fprintf(&b, "local_port = %d\n", tunnel.LocalPort)
	switch tunnel.Type {
	case domain.TunnelTypeHTTP, domain.TunnelTypeHTTPS:
		if tunnel.Subdomain != nil {
			fmt.Fprintf(&b, "subdomain = %s\n", *tunnel.Subdomain)
		}
	case domain.TunnelTypeTCP, domain.TunnelTypeSSH:
		if tunnel.RemotePort != nil {
			fmt.Fprintf(&b, "remote_port = %d\n", *tunnel.RemotePort)
		}
	}
	return b.String()
}

func (s Service) validate(in *CreateInput) error {
	in.Name = strings.ToLower(strings.TrimSpace(in.Name))
	if !nameRE.MatchString(in.Name) {
		return &ValidationError{Field: "name", Message: "must be lowercase alphanumeric with hyphens, 1-63 chars"}
	}
	switch in.Type {
	case domain.TunnelTypeHTTP, domain.TunnelTypeHTTPS, domain.TunnelTypeTCP, domain.TunnelTypeSSH:
	default:
		return &ValidationError{Field: "type", Message: "must be one of http, https, tcp, ssh"}
	}
	if in.LocalPort < 1 || in.LocalPort > 65535 {
		return &ValidationError{Field: "local_port", Message: "must be between 1 and 65535"}
	}
	if in.LocalHost == "" {
		in.LocalHost = "127.0.0.1"
	}

	switch in.Type {
	case domain.TunnelTypeHTTP, domain.TunnelTypeHTTPS:
		in.Subdomain = strings.ToLower(strings.TrimSpace(in.Subdomain))
		if in.Subdomain == "" {
			return &ValidationError{Field: "subdomain", Message: "required for http and https tunnels"}
		}
		if !nameRE.MatchString(in.Subdomain) {
			return &ValidationError{Field: "subdomain", Message: "must be lowercase alphanumeric with hyphens"}
		}
	case domain.TunnelTypeTCP, domain.TunnelTypeSSH:
		if in.RemotePort == nil {
			return &ValidationError{Field: "remote_port", Message: "required for tcp and ssh tunnels"}
		}
		if *in.RemotePort < 1024 || *in.RemotePort > 65535 {
			return &ValidationError{Field: "remote_port", Message: "must be between 1024 and 65535"}
		}
	}
	return nil
}
