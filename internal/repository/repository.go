package repository

import (
	"context"
	"time"

	"github.com/warrenhq/warren/internal/domain"
)

// UserRepository persists dashboard accounts.
type UserRepository interface {
	CreateUser(ctx context.Context, user *domain.User) error
	GetUserByEmail(ctx context.Context, email string) (*domain.User, error)
	GetUserByID(ctx context.Context, id string) (*domain.User, error)
	GetUserByTunnelToken(ctx context.Context, token string) (*domain.User, error)
	ListUsers(ctx context.Context) ([]domain.UserSummary, error)
	UpdateUser(ctx context.Context, id string, isActive *bool, maxTunnels *int) error
	UpdateUserTunnelToken(ctx context.Context, id, token string) error
	RecordLogin(ctx context.Context, id string, at time.Time) error
	DeleteUser(ctx context.Context, id string) error
	CountAdmins(ctx context.Context) (int, error)
}

// TunnelRepository manages the tunnel registry.
type TunnelRepository interface {
	CreateTunnel(ctx context.Context, tunnel *domain.Tunnel) error
	GetTunnelByID(ctx context.Context, id string) (*domain.Tunnel, error)
	ListTunnelsByUser(ctx context.Context, userID string) ([]domain.Tunnel, error)
	ListTunnels(ctx context.Context) ([]domain.Tunnel, error)
	CountTunnelsByUser(ctx context.Context, userID string) (int, error)
	UpdateTunnelStatus(ctx context.Context, id string, isActive bool, connectedAt *time.Time) error
	DeleteTunnel(ctx context.Context, id string) error

	// TunnelRefsByName maps every registry name onto its identity, used to
	// reconcile poll results against the registry in one lookup.
	TunnelRefsByName(ctx context.Context) (map[string]domain.TunnelRef, error)
	// TunnelRefsByUser maps an owner's current tunnel names onto identities,
	// evaluated once per reported batch.
	TunnelRefsByUser(ctx context.Context, userID string) (map[string]domain.TunnelRef, error)
}

// SSHKeyRepository stores registered public keys.
type SSHKeyRepository interface {
	CreateSSHKey(ctx context.Context, key *domain.SSHKey) error
	ListSSHKeysByUser(ctx context.Context, userID string) ([]domain.SSHKey, error)
	GetSSHKeyByID(ctx context.Context, id string) (*domain.SSHKey, error)
	DeleteSSHKey(ctx context.Context, id string) error
}

// ActivityRepository appends and reads the audit log.
type ActivityRepository interface {
	InsertActivity(ctx context.Context, entry *domain.ActivityLog) error
	ListActivity(ctx context.Context, limit int) ([]domain.ActivityLog, error)
	ServerStats(ctx context.Context, recentLimit int) (*domain.ServerStats, error)
}

// MetricRepository is the append-only event store for both metric streams
// plus the windowed read path the aggregation engine is built on.
type MetricRepository interface {
	InsertTunnelMetric(ctx context.Context, metric *domain.TunnelMetric) error
	InsertRequestMetric(ctx context.Context, metric *domain.RequestMetric) error

	ListRequestMetrics(ctx context.Context, filter domain.RequestMetricFilter) (*domain.RequestMetricPage, error)
	// RequestWindowStats aggregates matching rows at or after since; an empty
	// tunnelName matches all tunnels.
	RequestWindowStats(ctx context.Context, tunnelName string, since time.Time) (*domain.RequestWindowStats, error)
	// ResponseTimes returns non-null latencies sorted ascending for
	// nearest-rank percentile computation.
	ResponseTimes(ctx context.Context, tunnelName string, since time.Time) ([]float64, error)
	CountRequestsSince(ctx context.Context, tunnelName string, since time.Time) (int, error)
	CountSlowRequestsSince(ctx context.Context, since time.Time, thresholdMS float64) (int, error)
	LastRequestAt(ctx context.Context, tunnelName string) (*time.Time, error)
	// KnownTunnelNames is the union of names seen in request metrics and
	// names currently in the registry.
	KnownTunnelNames(ctx context.Context) ([]string, error)

	LatestTunnelMetric(ctx context.Context, tunnelID string) (*domain.TunnelMetric, error)
	MaxTrafficSince(ctx context.Context, tunnelID string, since time.Time) (in int64, out int64, err error)
	ListTunnelSnapshots(ctx context.Context) ([]domain.TunnelSnapshot, error)

	DeleteMetricsBefore(ctx context.Context, cutoff time.Time) (int64, error)
}
