package postgres

import (
	"context"
	"errors"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/warrenhq/warren/internal/domain"
	"github.com/warrenhq/warren/internal/repository"
)

// Repository implements persistence interfaces on PostgreSQL.
type Repository struct {
	pool *pgxpool.Pool
}

// New constructs a Repository.
func New(pool *pgxpool.Pool) *Repository {
	return &Repository{pool: pool}
}

// ensure Repository satisfies interfaces.
var (
	_ repository.UserRepository     = (*Repository)(nil)
	_ repository.TunnelRepository   = (*Repository)(nil)
	_ repository.SSHKeyRepository   = (*Repository)(nil)
	_ repository.ActivityRepository = (*Repository)(nil)
	_ repository.MetricRepository   = (*Repository)(nil)
)

func translateError(err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, pgx.ErrNoRows) {
		return repository.ErrNotFound
	}
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		switch pgErr.Code {
		case "23505":
			return repository.ErrConflict
		case "23503":
			return repository.ErrNotFound
		case "23514", "22P02":
			return repository.ErrInvalidArgument
		}
	}
	return err
}

// CreateUser inserts a dashboard account.
func (r *Repository) CreateUser(ctx context.Context, user *domain.User) error {
	const query = `INSERT INTO users (id, email, password_hash, tunnel_token, is_admin, is_active, max_tunnels, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)`
	_, err := r.pool.Exec(ctx, query,
		user.ID, user.Email, user.PasswordHash, user.TunnelToken,
		user.IsAdmin, user.IsActive, user.MaxTunnels, user.CreatedAt)
	return translateError(err)
}

const userColumns = `id, email, password_hash, tunnel_token, is_admin, is_active, max_tunnels, created_at, last_login_at`

func scanUser(row pgx.Row) (*domain.User, error) {
	var u domain.User
	if err := row.Scan(&u.ID, &u.Email, &u.PasswordHash, &u.TunnelToken,
		&u.IsAdmin, &u.IsActive, &u.MaxTunnels, &u.CreatedAt, &u.LastLoginAt); err != nil {
		return nil, translateError(err)
	}
	return &u, nil
}

// GetUserByEmail fetches a user by email.
func (r *Repository) GetUserByEmail(ctx context.Context, email string) (*domain.User, error) {
	return scanUser(r.pool.QueryRow(ctx, `SELECT `+userColumns+` FROM users WHERE email = $1`, email))
}

// GetUserByID retrieves a user by identifier.
func (r *Repository) GetUserByID(ctx context.Context, id string) (*domain.User, error) {
	return scanUser(r.pool.QueryRow(ctx, `SELECT `+userColumns+` FROM users WHERE id = $1`, id))
}

// GetUserByTunnelToken resolves the owner of a per-user tunnel token.
func (r *Repository) GetUserByTunnelToken(ctx context.Context, token string) (*domain.User, error) {
	return scanUser(r.pool.QueryRow(ctx, `SELECT `+userColumns+` FROM users WHERE tunnel_token = $1`, token))
}

// ListUsers returns every account with its currently active tunnel count.
func (r *Repository) ListUsers(ctx context.Context) ([]domain.UserSummary, error) {
	const query = `SELECT u.id, u.email, u.password_hash, u.tunnel_token, u.is_admin, u.is_active,
			u.max_tunnels, u.created_at, u.last_login_at,
			COUNT(t.id) FILTER (WHERE t.is_active) AS active_tunnels
		FROM users u
		LEFT JOIN tunnels t ON t.user_id = u.id
		GROUP BY u.id
		ORDER BY u.created_at DESC`
	rows, err := r.pool.Query(ctx, query)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	users := make([]domain.UserSummary, 0)
	for rows.Next() {
		var u domain.UserSummary
		if err := rows.Scan(&u.ID, &u.Email, &u.PasswordHash, &u.TunnelToken, &u.IsAdmin, &u.IsActive,
			&u.MaxTunnels, &u.CreatedAt, &u.LastLoginAt, &u.ActiveTunnels); err != nil {
			return nil, err
		}
		users = append(users, u)
	}
	return users, rows.Err()
}

// UpdateUser applies partial updates to is_active and max_tunnels.
func (r *Repository) UpdateUser(ctx context.Context, id string, isActive *bool, maxTunnels *int) error {
	const query = `UPDATE users SET
			is_active = COALESCE($2, is_active),
			max_tunnels = COALESCE($3, max_tunnels)
		WHERE id = $1`
	tag, err := r.pool.Exec(ctx, query, id, isActive, maxTunnels)
	if err != nil {
		return translateError(err)
	}
	if tag.RowsAffected() == 0 {
		return repository.ErrNotFound
	}
	return nil
}

// UpdateUserTunnelToken replaces a user's tunnel token.
func (r *Repository) UpdateUserTunnelToken(ctx context.Context, id, token string) error {
	tag, err := r.pool.Exec(ctx, `UPDATE users SET tunnel_token = $2 WHERE id = $1`, id, token)
	if err != nil {
		return translateError(err)
	}
	if tag.RowsAffected() == 0 {
		return repository.ErrNotFound
	}
	return nil
}

// RecordLogin stamps the last successful login.
func (r *Repository) RecordLogin(ctx context.Context, id string, at time.Time) error {
	_, err := r.pool.Exec(ctx, `UPDATE users SET last_login_at = $2 WHERE id = $1`, id, at)
	return translateError(err)
}

// DeleteUser removes a non-admin account and its tunnels.
func (r *Repository) DeleteUser(ctx context.Context, id string) error {
	if _, err := r.pool.Exec(ctx, `DELETE FROM tunnels WHERE user_id = $1`, id); err != nil {
		return translateError(err)
	}
	tag, err := r.pool.Exec(ctx, `DELETE FROM users WHERE id = $1 AND NOT is_admin`, id)
	if err != nil {
		return translateError(err)
	}
	if tag.RowsAffected() == 0 {
		return repository.ErrNotFound
	}
	return nil
}

// CountAdmins counts admin accounts, used by the startup bootstrap.
func (r *Repository) CountAdmins(ctx context.Context) (int, error) {
	var count int
	err := r.pool.QueryRow(ctx, `SELECT COUNT(1) FROM users WHERE is_admin`).Scan(&count)
	return count, err
}

// CreateTunnel inserts a registry entry.
func (r *Repository) CreateTunnel(ctx context.Context, tunnel *domain.Tunnel) error {
	const query = `INSERT INTO tunnels (id, user_id, name, type, local_port, local_host, subdomain, remote_port, is_active, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)`
	_, err := r.pool.Exec(ctx, query,
		tunnel.ID, tunnel.UserID, tunnel.Name, tunnel.Type, tunnel.LocalPort,
		tunnel.LocalHost, tunnel.Subdomain, tunnel.RemotePort, tunnel.IsActive, tunnel.CreatedAt)
	return translateError(err)
}

const tunnelColumns = `id, user_id, name, type, local_port, local_host, subdomain, remote_port, is_active, created_at, last_connected_at`

func scanTunnel(row pgx.Row) (*domain.Tunnel, error) {
	var t domain.Tunnel
	if err := row.Scan(&t.ID, &t.UserID, &t.Name, &t.Type, &t.LocalPort, &t.LocalHost,
		&t.Subdomain, &t.RemotePort, &t.IsActive, &t.CreatedAt, &t.LastConnectedAt); err != nil {
		return nil, translateError(err)
	}
	return &t, nil
}

// GetTunnelByID returns one registry entry.
func (r *Repository) GetTunnelByID(ctx context.Context, id string) (*domain.Tunnel, error) {
	return scanTunnel(r.pool.QueryRow(ctx, `SELECT `+tunnelColumns+` FROM tunnels WHERE id = $1`, id))
}

func (r *Repository) listTunnels(ctx context.Context, query string, args ...any) ([]domain.Tunnel, error) {
	rows, err := r.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	tunnels := make([]domain.Tunnel, 0)
	for rows.Next() {
		var t domain.Tunnel
		if err := rows.Scan(&t.ID, &t.UserID, &t.Name, &t.Type, &t.LocalPort, &t.LocalHost,
			&t.Subdomain, &t.RemotePort, &t.IsActive, &t.CreatedAt, &t.LastConnectedAt); err != nil {
			return nil, err
		}
		tunnels = append(tunnels, t)
	}
	return tunnels, rows.Err()
}

// ListTunnelsByUser returns one owner's tunnels, newest first.
func (r *Repository) ListTunnelsByUser(ctx context.Context, userID string) ([]domain.Tunnel, error) {
	return r.listTunnels(ctx, `SELECT `+tunnelColumns+` FROM tunnels WHERE user_id = $1 ORDER BY created_at DESC`, userID)
}

// ListTunnels returns the whole registry, newest first.
func (r *Repository) ListTunnels(ctx context.Context) ([]domain.Tunnel, error) {
	return r.listTunnels(ctx, `SELECT ` + tunnelColumns + ` FROM tunnels ORDER BY created_at DESC`)
}

// CountTunnelsByUser counts an owner's registry entries for quota checks.
func (r *Repository) CountTunnelsByUser(ctx context.Context, userID string) (int, error) {
	var count int
	err := r.pool.QueryRow(ctx, `SELECT COUNT(1) FROM tunnels WHERE user_id = $1`, userID).Scan(&count)
	return count, err
}

// UpdateTunnelStatus flips the client-reported connection state.
func (r *Repository) UpdateTunnelStatus(ctx context.Context, id string, isActive bool, connectedAt *time.Time) error {
	const query = `UPDATE tunnels SET is_active = $2, last_connected_at = COALESCE($3, last_connected_at) WHERE id = $1`
	tag, err := r.pool.Exec(ctx, query, id, isActive, connectedAt)
	if err != nil {
		return translateError(err)
	}
	if tag.RowsAffected() == 0 {
		return repository.ErrNotFound
	}
	return nil
}

// DeleteTunnel removes a registry entry.
func (r *Repository) DeleteTunnel(ctx context.Context, id string) error {
	tag, err := r.pool.Exec(ctx, `DELETE FROM tunnels WHERE id = $1`, id)
	if err != nil {
		return translateError(err)
	}
	if tag.RowsAffected() == 0 {
		return repository.ErrNotFound
	}
	return nil
}

func (r *Repository) tunnelRefs(ctx context.Context, query string, args ...any) (map[string]domain.TunnelRef, error) {
	rows, err := r.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	refs := make(map[string]domain.TunnelRef)
	for rows.Next() {
		var ref domain.TunnelRef
		if err := rows.Scan(&ref.ID, &ref.Name, &ref.Type); err != nil {
			return nil, err
		}
		refs[ref.Name] = ref
	}
	return refs, rows.Err()
}

// TunnelRefsByName maps every registry name onto its identity.
func (r *Repository) TunnelRefsByName(ctx context.Context) (map[string]domain.TunnelRef, error) {
	return r.tunnelRefs(ctx, `SELECT id, name, type FROM tunnels`)
}

// TunnelRefsByUser maps an owner's tunnel names onto identities.
func (r *Repository) TunnelRefsByUser(ctx context.Context, userID string) (map[string]domain.TunnelRef, error) {
	return r.tunnelRefs(ctx, `SELECT id, name, type FROM tunnels WHERE user_id = $1`, userID)
}

// CreateSSHKey stores a registered public key.
func (r *Repository) CreateSSHKey(ctx context.Context, key *domain.SSHKey) error {
	const query = `INSERT INTO ssh_keys (id, user_id, name, public_key, fingerprint, created_at)
		VALUES ($1, $2, $3, $4, $5, $6)`
	_, err := r.pool.Exec(ctx, query, key.ID, key.UserID, key.Name, key.PublicKey, key.Fingerprint, key.CreatedAt)
	return translateError(err)
}

// ListSSHKeysByUser returns a user's keys, newest first.
func (r *Repository) ListSSHKeysByUser(ctx context.Context, userID string) ([]domain.SSHKey, error) {
	const query = `SELECT id, user_id, name, public_key, fingerprint, created_at
		FROM ssh_keys WHERE user_id = $1 ORDER BY created_at DESC`
	rows, err := r.pool.Query(ctx, query, userID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	keys := make([]domain.SSHKey, 0)
	for rows.Next() {
		var k domain.SSHKey
		if err := rows.Scan(&k.ID, &k.UserID, &k.Name, &k.PublicKey, &k.Fingerprint, &k.CreatedAt); err != nil {
			return nil, err
		}
		keys = append(keys, k)
	}
	return keys, rows.Err()
}

// GetSSHKeyByID returns one key.
func (r *Repository) GetSSHKeyByID(ctx context.Context, id string) (*domain.SSHKey, error) {
	const query = `SELECT id, user_id, name, public_key, fingerprint, created_at FROM ssh_keys WHERE id = $1`
	var k domain.SSHKey
	if err := r.pool.QueryRow(ctx, query, id).Scan(&k.ID, &k.UserID, &k.Name, &k.PublicKey, &k.Fingerprint, &k.CreatedAt); err != nil {
		return nil, translateError(err)
	}
	return &k, nil
}

// DeleteSSHKey removes one key.
func (r *Repository) DeleteSSHKey(ctx context.Context, id string) error {
	tag, err := r.pool.Exec(ctx, `DELETE FROM ssh_keys WHERE id = $1`, id)
	if err != nil {
		return translateError(err)
	}
	if tag.RowsAffected() == 0 {
		return repository.ErrNotFound
	}
	return nil
}

// InsertActivity appends an audit log entry.
func (r *Repository) InsertActivity(ctx context.Context, entry *domain.ActivityLog) error {
	const query = `INSERT INTO activity_logs (user_id, action, details, ip_address, created_at)
		VALUES ($1, $2, $3, $4, $5) RETURNING id`
	return translateError(r.pool.QueryRow(ctx, query,
		entry.UserID, entry.Action, entry.Details, entry.IPAddress, entry.CreatedAt).Scan(&entry.ID))
}

// ListActivity returns recent audit entries with resolved user emails.
func (r *Repository) ListActivity(ctx context.Context, limit int) ([]domain.ActivityLog, error) {
	if limit <= 0 {
		limit = 50
	}
	const query = `SELECT a.id, a.user_id, COALESCE(u.email, ''), a.action, a.details, a.ip_address, a.created_at
		FROM activity_logs a
		LEFT JOIN users u ON u.id = a.user_id
		ORDER BY a.created_at DESC
		LIMIT $1`
	rows, err := r.pool.Query(ctx, query, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	entries := make([]domain.ActivityLog, 0)
	for rows.Next() {
		var e domain.ActivityLog
		if err := rows.Scan(&e.ID, &e.UserID, &e.UserEmail, &e.Action, &e.Details, &e.IPAddress, &e.CreatedAt); err != nil {
			return nil, err
		}
		entries = append(entries, e)
	}
	return entries, rows.Err()
}

// ServerStats assembles the admin counters block.
func (r *Repository) ServerStats(ctx context.Context, recentLimit int) (*domain.ServerStats, error) {
	const query = `SELECT
		(SELECT COUNT(1) FROM users WHERE NOT is_admin),
		(SELECT COUNT(1) FROM users WHERE NOT is_admin AND is_active),
		(SELECT COUNT(1) FROM tunnels),
		(SELECT COUNT(1) FROM tunnels WHERE is_active)`
	stats := &domain.ServerStats{}
	if err := r.pool.QueryRow(ctx, query).Scan(
		&stats.TotalUsers, &stats.ActiveUsers, &stats.TotalTunnels, &stats.ActiveTunnels); err != nil {
		return nil, err
	}
	recent, err := r.ListActivity(ctx, recentLimit)
	if err != nil {
		return nil, err
	}
	stats.RecentActivity = recent
	return stats, nil
}
