package postgres

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"

	"github.com/warrenhq/warren/internal/domain"
)

// InsertTunnelMetric persists one poll-derived traffic snapshot.
func (r *Repository) InsertTunnelMetric(ctx context.Context, metric *domain.TunnelMetric) error {
	if metric == nil {
		return fmt.Errorf("tunnel metric required")
	}
	status := strings.TrimSpace(metric.Status)
	if status == "" {
		status = "offline"
	}
	metric.Status = status
	collected := metric.CollectedAt
	if collected.IsZero() {
		collected = time.Now().UTC()
	}
	const query = `INSERT INTO tunnel_metrics
		(tunnel_id, tunnel_name, traffic_in, traffic_out, current_connections, status, collected_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7) RETURNING id`
	err := r.pool.QueryRow(ctx, query,
		metric.TunnelID, metric.TunnelName, metric.TrafficIn, metric.TrafficOut,
		metric.CurrentConnections, metric.Status, collected).Scan(&metric.ID)
	if err != nil {
		return translateError(err)
	}
	metric.CollectedAt = collected
	return nil
}

// InsertRequestMetric persists one client-reported request observation.
func (r *Repository) InsertRequestMetric(ctx context.Context, metric *domain.RequestMetric) error {
	if metric == nil {
		return fmt.Errorf("request metric required")
	}
	ts := metric.Timestamp
	if ts.IsZero() {
		ts = time.Now().UTC()
	}
	const query = `INSERT INTO request_metrics
		(tunnel_id, tunnel_name, request_path, request_method, status_code,
		 response_time_ms, bytes_sent, bytes_received, client_ip, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10) RETURNING id`
	err := r.pool.QueryRow(ctx, query,
		metric.TunnelID, metric.TunnelName, metric.RequestPath, metric.RequestMethod,
		metric.StatusCode, metric.ResponseTimeMS, metric.BytesSent, metric.BytesReceived,
		metric.ClientIP, ts).Scan(&metric.ID)
	if err != nil {
		return translateError(err)
	}
	metric.Timestamp = ts
	return nil
}

// requestFilterSQL builds the WHERE clause shared by the paginated query and
// its count. Absent filter fields impose no predicate.
func requestFilterSQL(filter domain.RequestMetricFilter) (string, []any) {
	clauses := make([]string, 0, 6)
	args := make([]any, 0, 6)
	add := func(clause string, value any) {
		args = append(args, value)
		clauses = append(clauses, fmt.Sprintf(clause, len(args)))
	}
	if filter.TunnelID != "" {
		add("tunnel_id = $%d", filter.TunnelID)
	}
	if filter.TunnelName != "" {
		add("tunnel_name = $%d", filter.TunnelName)
	}
	if filter.MinResponseMS != nil {
		add("response_time_ms >= $%d", *filter.MinResponseMS)
	}
	if filter.MaxResponseMS != nil {
		add("response_time_ms <= $%d", *filter.MaxResponseMS)
	}
	if filter.StatusCode != nil {
		add("status_code = $%d", *filter.StatusCode)
	}
	if filter.RequestMethod != "" {
		add("request_method = $%d", strings.ToUpper(filter.RequestMethod))
	}
	if len(clauses) == 0 {
		return "TRUE", args
	}
	return strings.Join(clauses, " AND "), args
}

const requestMetricColumns = `id, tunnel_id, tunnel_name, request_path, request_method,
	status_code, response_time_ms, bytes_sent, bytes_received, client_ip, created_at`

func scanRequestMetrics(rows pgx.Rows) ([]domain.RequestMetric, error) {
	metrics := make([]domain.RequestMetric, 0)
	for rows.Next() {
		var (
			m       domain.RequestMetric
			status  sql.NullInt32
			latency sql.NullFloat64
		)
		if err := rows.Scan(&m.ID, &m.TunnelID, &m.TunnelName, &m.RequestPath, &m.RequestMethod,
			&status, &latency, &m.BytesSent, &m.BytesReceived, &m.ClientIP, &m.Timestamp); err != nil {
			return nil, err
		}
		if status.Valid {
			code := int(status.Int32)
			m.StatusCode = &code
		}
		if latency.Valid {
			value := latency.Float64
			m.ResponseTimeMS = &value
		}
		metrics = append(metrics, m)
	}
	return metrics, rows.Err()
}

// ListRequestMetrics answers the filtered, paginated raw query. The limit is
// clamped to [1, 1000]; the total reflects the filter, not the page.
func (r *Repository) ListRequestMetrics(ctx context.Context, filter domain.RequestMetricFilter) (*domain.RequestMetricPage, error) {
	limit := filter.Limit
	if limit < 1 {
		limit = 1
	}
	if limit > 1000 {
		limit = 1000
	}
	offset := filter.Offset
	if offset < 0 {
		offset = 0
	}

	where, args := requestFilterSQL(filter)

	var total int
	if err := r.pool.QueryRow(ctx,
		`SELECT COUNT(1) FROM request_metrics WHERE `+where, args...).Scan(&total); err != nil {
		return nil, err
	}

	query := fmt.Sprintf(`SELECT %s FROM request_metrics WHERE %s
		ORDER BY created_at DESC, id DESC
		LIMIT $%d OFFSET $%d`, requestMetricColumns, where, len(args)+1, len(args)+2)
	rows, err := r.pool.Query(ctx, query, append(args, limit, offset)...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	metrics, err := scanRequestMetrics(rows)
	if err != nil {
		return nil, err
	}
	return &domain.RequestMetricPage{Metrics: metrics, Total: total, Limit: limit, Offset: offset}, nil
}

// RequestWindowStats aggregates matching rows at or after since in one scan.
// Null latencies are excluded from the latency aggregates but still counted;
// null status codes land in no class bucket.
func (r *Repository) RequestWindowStats(ctx context.Context, tunnelName string, since time.Time) (*domain.RequestWindowStats, error) {
	const query = `SELECT
			COUNT(1),
			COALESCE(AVG(response_time_ms), 0),
			COALESCE(MIN(response_time_ms), 0),
			COALESCE(MAX(response_time_ms), 0),
			COALESCE(SUM(bytes_sent), 0),
			COALESCE(SUM(bytes_received), 0),
			COUNT(1) FILTER (WHERE status_code BETWEEN 200 AND 299),
			COUNT(1) FILTER (WHERE status_code BETWEEN 300 AND 399),
			COUNT(1) FILTER (WHERE status_code BETWEEN 400 AND 499),
			COUNT(1) FILTER (WHERE status_code >= 500),
			COUNT(1) FILTER (WHERE status_code >= 400),
			MAX(created_at)
		FROM request_metrics
		WHERE created_at >= $1 AND ($2 = '' OR tunnel_name = $2)`
	var (
		stats domain.RequestWindowStats
		last  sql.NullTime
	)
	if err := r.pool.QueryRow(ctx, query, since, tunnelName).Scan(
		&stats.TotalRequests, &stats.AvgResponseMS, &stats.MinResponseMS, &stats.MaxResponseMS,
		&stats.TotalBytesIn, &stats.TotalBytesOut,
		&stats.StatusClasses.S2xx, &stats.StatusClasses.S3xx,
		&stats.StatusClasses.S4xx, &stats.StatusClasses.S5xx,
		&stats.ErrorCount, &last); err != nil {
		return nil, err
	}
	if last.Valid {
		at := last.Time
		stats.LastRequestAt = &at
	}
	return &stats, nil
}

// ResponseTimes returns non-null latencies sorted ascending.
func (r *Repository) ResponseTimes(ctx context.Context, tunnelName string, since time.Time) ([]float64, error) {
	const query = `SELECT response_time_ms FROM request_metrics
		WHERE created_at >= $1 AND ($2 = '' OR tunnel_name = $2) AND response_time_ms IS NOT NULL
		ORDER BY response_time_ms`
	rows, err := r.pool.Query(ctx, query, since, tunnelName)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	values := make([]float64, 0)
	for rows.Next() {
		var v float64
		if err := rows.Scan(&v); err != nil {
			return nil, err
		}
		values = append(values, v)
	}
	return values, rows.Err()
}

// CountRequestsSince counts matching rows at or after since.
func (r *Repository) CountRequestsSince(ctx context.Context, tunnelName string, since time.Time) (int, error) {
	const query = `SELECT COUNT(1) FROM request_metrics
		WHERE created_at >= $1 AND ($2 = '' OR tunnel_name = $2)`
	var count int
	err := r.pool.QueryRow(ctx, query, since, tunnelName).Scan(&count)
	return count, err
}

// CountSlowRequestsSince counts rows at or above the latency threshold.
func (r *Repository) CountSlowRequestsSince(ctx context.Context, since time.Time, thresholdMS float64) (int, error) {
	const query = `SELECT COUNT(1) FROM request_metrics
		WHERE created_at >= $1 AND response_time_ms >= $2`
	var count int
	err := r.pool.QueryRow(ctx, query, since, thresholdMS).Scan(&count)
	return count, err
}

// LastRequestAt returns the most recent event timestamp for a tunnel over the
// whole retained history, or nil when none exists.
func (r *Repository) LastRequestAt(ctx context.Context, tunnelName string) (*time.Time, error) {
	const query = `SELECT MAX(created_at) FROM request_metrics WHERE tunnel_name = $1`
	var last sql.NullTime
	if err := r.pool.QueryRow(ctx, query, tunnelName).Scan(&last); err != nil {
		return nil, err
	}
	if !last.Valid {
		return nil, nil
	}
	at := last.Time
	return &at, nil
}

// KnownTunnelNames is the union of names seen in request metrics and names
// currently registered, so never-reporting tunnels still roll up.
func (r *Repository) KnownTunnelNames(ctx context.Context) ([]string, error) {
	const query = `SELECT DISTINCT tunnel_name FROM request_metrics
		UNION
		SELECT name FROM tunnels`
	rows, err := r.pool.Query(ctx, query)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	names := make([]string, 0)
	for rows.Next() {
		var name string
		if err := rows.Scan(&name); err != nil {
			return nil, err
		}
		names = append(names, name)
	}
	return names, rows.Err()
}

// LatestTunnelMetric returns the most recent poll snapshot for a tunnel.
func (r *Repository) LatestTunnelMetric(ctx context.Context, tunnelID string) (*domain.TunnelMetric, error) {
	const query = `SELECT id, tunnel_id, tunnel_name, traffic_in, traffic_out, current_connections, status, collected_at
		FROM tunnel_metrics
		WHERE tunnel_id = $1
		ORDER BY collected_at DESC, id DESC
		LIMIT 1`
	var m domain.TunnelMetric
	if err := r.pool.QueryRow(ctx, query, tunnelID).Scan(&m.ID, &m.TunnelID, &m.TunnelName,
		&m.TrafficIn, &m.TrafficOut, &m.CurrentConnections, &m.Status, &m.CollectedAt); err != nil {
		return nil, translateError(err)
	}
	return &m, nil
}

// MaxTrafficSince returns the peak daily counters seen inside the window.
// The counters are frps per-day totals, so MAX approximates the window total
// only within a single day.
func (r *Repository) MaxTrafficSince(ctx context.Context, tunnelID string, since time.Time) (int64, int64, error) {
	const query = `SELECT COALESCE(MAX(traffic_in), 0), COALESCE(MAX(traffic_out), 0)
		FROM tunnel_metrics
		WHERE tunnel_id = $1 AND collected_at >= $2`
	var in, out int64
	err := r.pool.QueryRow(ctx, query, tunnelID, since).Scan(&in, &out)
	return in, out, err
}

// ListTunnelSnapshots joins every registry entry with its latest snapshot.
func (r *Repository) ListTunnelSnapshots(ctx context.Context) ([]domain.TunnelSnapshot, error) {
	const query = `SELECT t.id, t.name, t.type, t.subdomain, t.is_active,
			COALESCE(m.traffic_in, 0), COALESCE(m.traffic_out, 0),
			COALESCE(m.current_connections, 0), COALESCE(m.status, 'unknown'), m.collected_at
		FROM tunnels t
		LEFT JOIN LATERAL (
			SELECT traffic_in, traffic_out, current_connections, status, collected_at
			FROM tunnel_metrics
			WHERE tunnel_id = t.id
			ORDER BY collected_at DESC, id DESC
			LIMIT 1
		) m ON TRUE
		ORDER BY t.name`
	rows, err := r.pool.Query(ctx, query)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	snapshots := make([]domain.TunnelSnapshot, 0)
	for rows.Next() {
		var (
			s    domain.TunnelSnapshot
			last sql.NullTime
		)
		if err := rows.Scan(&s.TunnelID, &s.TunnelName, &s.TunnelType, &s.Subdomain, &s.IsActive,
			&s.TrafficIn, &s.TrafficOut, &s.CurrentConnections, &s.Status, &last); err != nil {
			return nil, err
		}
		if last.Valid {
			at := last.Time
			s.LastCollectedAt = &at
		}
		snapshots = append(snapshots, s)
	}
	return snapshots, rows.Err()
}

// DeleteMetricsBefore purges rows strictly older than the cutoff from both
// metric streams and reports the combined count.
func (r *Repository) DeleteMetricsBefore(ctx context.Context, cutoff time.Time) (int64, error) {
	snapshotTag, err := r.pool.Exec(ctx, `DELETE FROM tunnel_metrics WHERE collected_at < $1`, cutoff)
	if err != nil {
		return 0, err
	}
	requestTag, err := r.pool.Exec(ctx, `DELETE FROM request_metrics WHERE created_at < $1`, cutoff)
	if err != nil {
		return snapshotTag.RowsAffected(), err
	}
	return snapshotTag.RowsAffected() + requestTag.RowsAffected(), nil
}
