package metrics

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"sort"
	"strings"
	"time"

	"github.com/warrenhq/warren/internal/domain"
	"github.com/warrenhq/warren/internal/frps"
	"github.com/warrenhq/warren/internal/repository"
	"github.com/warrenhq/warren/internal/ws"
)

const (
	// slowThresholdMS is the fixed latency bound used by the overview and
	// the slow-request convenience query.
	slowThresholdMS = 1000.0
	// activityWindow is the recency bound separating active from idle.
	activityWindow = 5 * time.Minute

	statusActive  = "active"
	statusIdle    = "idle"
	statusUnknown = "unknown"
)

// RelayClient is the slice of the frps dashboard client this service needs.
type RelayClient interface {
	ServerInfo(ctx context.Context) (*frps.ServerInfo, error)
	AllProxyStats(ctx context.Context) map[string][]frps.ProxyStats
	ProxyTraffic(ctx context.Context, name string) (*frps.ProxyTraffic, error)
}

// RequestReport is one client-submitted request observation. Missing fields
// take storage defaults; the tunnel name decides whether the row is accepted.
type RequestReport struct {
	TunnelName     string     `json:"tunnel_name"`
	RequestPath    string     `json:"request_path"`
	RequestMethod  string     `json:"request_method"`
	StatusCode     *int       `json:"status_code"`
	ResponseTimeMS *float64   `json:"response_time_ms"`
	BytesSent      int64      `json:"bytes_sent"`
	BytesReceived  int64      `json:"bytes_received"`
	ClientIP       string     `json:"client_ip"`
	Timestamp      *time.Time `json:"timestamp"`
}

// Overview combines live relay state with 24-hour request statistics.
type Overview struct {
	FrpsAvailable     bool
	FrpsInfo          *frps.ServerInfo
	Requests24h       int
	AvgResponseTimeMS float64
	SlowRequests24h   int
}

// Service owns both metric producers (relay poll, client batches) and the
// windowed read path over the shared event store.
type Service struct {
	repo    repository.MetricRepository
	tunnels repository.TunnelRepository
	relay   RelayClient
	hub     *ws.Hub
	logger  *slog.Logger
	now     func() time.Time
}

// New constructs the metrics service.
func New(repo repository.MetricRepository, tunnels repository.TunnelRepository, relay RelayClient, hub *ws.Hub, logger *slog.Logger) *Service {
	if logger != nil {
		logger = logger.With("component", "metrics")
	}
	return &Service{
		repo:    repo,
		tunnels: tunnels,
		relay:   relay,
		hub:     hub,
		logger:  logger,
		now:     time.Now,
	}
}

// Collect polls the relay once and stores one snapshot per proxy that matches
// a registered tunnel. Unmatched proxies belong to other relay clients and
// are skipped silently. Reports whether at least one row was written.
func (s *Service) Collect(ctx context.Context) bool {
	stats := s.relay.AllProxyStats(ctx)
	if len(stats) == 0 {
		if s.logger != nil {
			s.logger.Debug("no proxy stats available from relay")
		}
		return false
	}

	refs, err := s.tunnels.TunnelRefsByName(ctx)
	if err != nil {
		if s.logger != nil {
			s.logger.Warn("tunnel registry lookup failed", "error", err)
		}
		return false
	}

	collected := 0
	now := s.now().UTC()
	for _, proxies := range stats {
		for _, proxy := range proxies {
			ref, ok := refs[proxy.Name]
			if !ok {
				continue
			}
			status := proxy.Status
			if status == "" {
				status = "offline"
			}
			metric := &domain.TunnelMetric{
				TunnelID:           ref.ID,
				TunnelName:         ref.Name,
				TrafficIn:          proxy.TodayTrafficIn,
				TrafficOut:         proxy.TodayTrafficOut,
				CurrentConnections: proxy.CurConns,
				Status:             status,
				CollectedAt:        now,
			}
			if err := s.repo.InsertTunnelMetric(ctx, metric); err != nil {
				if s.logger != nil {
					s.logger.Warn("failed to store tunnel metric", "tunnel", ref.Name, "error", err)
				}
				continue
			}
			collected++
		}
	}
	if s.logger != nil {
		s.logger.Debug("collected tunnel metrics", "count", collected)
	}
	return collected > 0
}

// StoreBatch persists a batch of request reports on behalf of one submitter.
// Ownership is resolved once against the submitter's current tunnel set;
// items naming tunnels outside that set are dropped without failing the
// batch. Returns the number of rows actually stored.
func (s *Service) StoreBatch(ctx context.Context, userID string, reports []RequestReport) (int, error) {
	owned, err := s.tunnels.TunnelRefsByUser(ctx, userID)
	if err != nil {
		return 0, err
	}

	stored := 0
	for _, report := range reports {
		ref, ok := owned[report.TunnelName]
		if !ok {
			if s.logger != nil {
				s.logger.Warn("metric report for unknown tunnel dropped",
					"user_id", userID, "tunnel", report.TunnelName)
			}
			continue
		}
		timestamp := s.now().UTC()
		if report.Timestamp != nil && !report.Timestamp.IsZero() {
			timestamp = report.Timestamp.UTC()
		}
		metric := &domain.RequestMetric{
			TunnelID:       ref.ID,
			TunnelName:     ref.Name,
			RequestPath:    report.RequestPath,
			RequestMethod:  report.RequestMethod,
			StatusCode:     report.StatusCode,
			ResponseTimeMS: report.ResponseTimeMS,
			BytesSent:      report.BytesSent,
			BytesReceived:  report.BytesReceived,
			ClientIP:       report.ClientIP,
			Timestamp:      timestamp,
		}
		if err := s.repo.InsertRequestMetric(ctx, metric); err != nil {
			if s.logger != nil {
				s.logger.Warn("failed to store request metric", "tunnel", ref.Name, "error", err)
			}
			continue
		}
		stored++
		s.broadcast(metric)
	}
	return stored, nil
}

// RequestPage answers the filtered, paginated raw query.
func (s *Service) RequestPage(ctx context.Context, filter domain.RequestMetricFilter) (*domain.RequestMetricPage, error) {
	filter.RequestMethod = strings.ToUpper(strings.TrimSpace(filter.RequestMethod))
	return s.repo.ListRequestMetrics(ctx, filter)
}

// SlowRequests lists requests at or above the latency threshold, slowest
// window first (ordering is still most-recent-first like the raw query).
func (s *Service) SlowRequests(ctx context.Context, thresholdMS float64, limit int) ([]domain.RequestMetric, error) {
	if thresholdMS <= 0 {
		thresholdMS = slowThresholdMS
	}
	if limit <= 0 {
		limit = 50
	}
	page, err := s.repo.ListRequestMetrics(ctx, domain.RequestMetricFilter{
		MinResponseMS: &thresholdMS,
		Limit:         limit,
	})
	if err != nil {
		return nil, err
	}
	return page.Metrics, nil
}

// Summary computes windowed aggregate statistics for one tunnel or all.
// Unrecognized periods fall back to one hour; an empty window yields zeros.
func (s *Service) Summary(ctx context.Context, tunnelName, period string) (*domain.MetricsSummary, error) {
	hours := periodHours(period)
	since := s.now().Add(-time.Duration(hours) * time.Hour)

	stats, err := s.repo.RequestWindowStats(ctx, tunnelName, since)
	if err != nil {
		return nil, err
	}
	times, err := s.repo.ResponseTimes(ctx, tunnelName, since)
	if err != nil {
		return nil, err
	}

	summary := &domain.MetricsSummary{
		TunnelName:        tunnelName,
		Period:            period,
		TotalRequests:     stats.TotalRequests,
		AvgResponseTimeMS: round2(stats.AvgResponseMS),
		P50ResponseTimeMS: nearestRank(times, 50),
		P95ResponseTimeMS: nearestRank(times, 95),
		P99ResponseTimeMS: nearestRank(times, 99),
		MinResponseTimeMS: stats.MinResponseMS,
		MaxResponseTimeMS: stats.MaxResponseMS,
		TotalBytesIn:      stats.TotalBytesIn,
		TotalBytesOut:     stats.TotalBytesOut,
		StatusCodes:       stats.StatusClasses,
	}
	if stats.TotalRequests > 0 {
		errorCount := stats.StatusClasses.S4xx + stats.StatusClasses.S5xx
		summary.ErrorRate = round4(float64(errorCount) / float64(stats.TotalRequests))
		summary.RequestsPerMinute = round2(float64(stats.TotalRequests) / float64(hours*60))
	}
	return summary, nil
}

// TunnelRollups computes the 1-hour per-tunnel rollup across the union of
// names seen in request events and names currently registered, so a freshly
// created tunnel appears with zero aggregates and unknown status.
func (s *Service) TunnelRollups(ctx context.Context) ([]domain.TunnelRequestStats, error) {
	names, err := s.repo.KnownTunnelNames(ctx)
	if err != nil {
		return nil, err
	}

	now := s.now()
	sinceHour := now.Add(-time.Hour)
	sinceActive := now.Add(-activityWindow)

	results := make([]domain.TunnelRequestStats, 0, len(names))
	for _, name := range names {
		stats, err := s.repo.RequestWindowStats(ctx, name, sinceHour)
		if err != nil {
			return nil, err
		}
		times, err := s.repo.ResponseTimes(ctx, name, sinceHour)
		if err != nil {
			return nil, err
		}
		recent, err := s.repo.CountRequestsSince(ctx, name, sinceActive)
		if err != nil {
			return nil, err
		}
		last, err := s.repo.LastRequestAt(ctx, name)
		if err != nil {
			return nil, err
		}

		entry := domain.TunnelRequestStats{
			TunnelName:        name,
			TotalRequests1h:   stats.TotalRequests,
			AvgResponseTime1h: round2(stats.AvgResponseMS),
			P95ResponseTime1h: nearestRank(times, 95),
			TotalBytesIn1h:    stats.TotalBytesIn,
			TotalBytesOut1h:   stats.TotalBytesOut,
			LastRequestAt:     last,
		}
		if stats.TotalRequests > 0 {
			entry.ErrorRate1h = round4(float64(stats.ErrorCount) / float64(stats.TotalRequests))
		}
		switch {
		case recent > 0:
			entry.Status = statusActive
		case last != nil:
			entry.Status = statusIdle
		default:
			entry.Status = statusUnknown
		}
		results = append(results, entry)
	}

	sort.SliceStable(results, func(i, j int) bool {
		if results[i].TotalRequests1h != results[j].TotalRequests1h {
			return results[i].TotalRequests1h > results[j].TotalRequests1h
		}
		return results[i].TunnelName < results[j].TunnelName
	})
	return results, nil
}

// TunnelStats answers the single-tunnel extended-window query from poll
// snapshots. Traffic totals use MAX over the relay's daily counters, which
// misstates windows spanning multiple days; kept for dashboard compatibility.
func (s *Service) TunnelStats(ctx context.Context, tunnelID string, hours int) (*domain.TunnelTrafficStats, error) {
	if hours <= 0 {
		hours = 24
	}
	latest, err := s.repo.LatestTunnelMetric(ctx, tunnelID)
	if err != nil {
		if errors.Is(err, repository.ErrNotFound) {
			return &domain.TunnelTrafficStats{
				TunnelID:      tunnelID,
				CurrentStatus: statusUnknown,
			}, nil
		}
		return nil, err
	}

	since := s.now().Add(-time.Duration(hours) * time.Hour)
	in, out, err := s.repo.MaxTrafficSince(ctx, tunnelID, since)
	if err != nil {
		return nil, err
	}
	at := latest.CollectedAt
	return &domain.TunnelTrafficStats{
		TunnelID:           tunnelID,
		TunnelName:         latest.TunnelName,
		CurrentStatus:      latest.Status,
		CurrentConnections: latest.CurrentConnections,
		TrafficInTotal:     in,
		TrafficOutTotal:    out,
		LatestMetricAt:     &at,
	}, nil
}

// TrafficHistory returns the relay's 7-day traffic series for one tunnel.
func (s *Service) TrafficHistory(ctx context.Context, tunnelID string) (*frps.ProxyTraffic, error) {
	tun, err := s.tunnels.GetTunnelByID(ctx, tunnelID)
	if err != nil {
		return nil, err
	}
	return s.relay.ProxyTraffic(ctx, tun.Name)
}

// Snapshots lists every registered tunnel with its latest poll snapshot.
func (s *Service) Snapshots(ctx context.Context) ([]domain.TunnelSnapshot, error) {
	return s.repo.ListTunnelSnapshots(ctx)
}

// Overview combines live relay reachability with 24-hour request stats.
// A down relay degrades to FrpsAvailable=false, never to an error.
func (s *Service) Overview(ctx context.Context) (*Overview, error) {
	overview := &Overview{}
	if info, err := s.relay.ServerInfo(ctx); err == nil {
		overview.FrpsAvailable = true
		overview.FrpsInfo = info
	}

	since := s.now().Add(-24 * time.Hour)
	stats, err := s.repo.RequestWindowStats(ctx, "", since)
	if err != nil {
		return nil, err
	}
	slow, err := s.repo.CountSlowRequestsSince(ctx, since, slowThresholdMS)
	if err != nil {
		return nil, err
	}
	overview.Requests24h = stats.TotalRequests
	overview.AvgResponseTimeMS = round2(stats.AvgResponseMS)
	overview.SlowRequests24h = slow
	return overview, nil
}

// Cleanup purges metric rows older than the given number of days from both
// streams and reports the combined count. Running it twice is idempotent.
func (s *Service) Cleanup(ctx context.Context, days int) (int64, error) {
	if days <= 0 {
		days = 7
	}
	cutoff := s.now().AddDate(0, 0, -days)
	deleted, err := s.repo.DeleteMetricsBefore(ctx, cutoff)
	if err != nil {
		return deleted, err
	}
	if deleted > 0 && s.logger != nil {
		s.logger.Info("purged old metric rows", "count", deleted, "cutoff", cutoff)
	}
	return deleted, nil
}

func (s *Service) broadcast(metric *domain.RequestMetric) {
	if s.hub == nil {
		return
	}
	payload, err := json.Marshal(map[string]any{
		"tunnel_id":        metric.TunnelID,
		"tunnel_name":      metric.TunnelName,
		"request_path":     metric.RequestPath,
		"request_method":   metric.RequestMethod,
		"status_code":      metric.StatusCode,
		"response_time_ms": metric.ResponseTimeMS,
		"bytes_sent":       metric.BytesSent,
		"bytes_received":   metric.BytesReceived,
		"timestamp":        metric.Timestamp.UTC().Format(time.RFC3339Nano),
	})
	if err != nil {
		if s.logger != nil {
			s.logger.Warn("failed to marshal request metric", "error", err)
		}
		return
	}
	s.hub.Broadcast(metric.TunnelName, payload)
}
