package metrics

import (
	"context"
	"errors"
	"log/slog"
	"sort"
	"sync"
	"testing"
	"time"

	"github.com/warrenhq/warren/internal/domain"
	"github.com/warrenhq/warren/internal/frps"
	"github.com/warrenhq/warren/internal/repository"
)

type stubMetricRepo struct {
	mu             sync.Mutex
	tunnelMetrics  []domain.TunnelMetric
	requestMetrics []domain.RequestMetric
	registryNames  map[string]struct{}
	nextID         int64
}

func (s *stubMetricRepo) InsertTunnelMetric(_ context.Context, metric *domain.TunnelMetric) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.nextID++
	metric.ID = s.nextID
	s.tunnelMetrics = append(s.tunnelMetrics, *metric)
	return nil
}

func (s *stubMetricRepo) InsertRequestMetric(_ context.Context, metric *domain.RequestMetric) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.nextID++
	metric.ID = s.nextID
	s.requestMetrics = append(s.requestMetrics, *metric)
	return nil
}

func (s *stubMetricRepo) matches(m *domain.RequestMetric, filter domain.RequestMetricFilter) bool {
	if filter.TunnelID != "" && m.TunnelID != filter.TunnelID {
		return false
	}
	if filter.TunnelName != "" && m.TunnelName != filter.TunnelName {
		return false
	}
	if filter.RequestMethod != "" && m.RequestMethod != filter.RequestMethod {
		return false
	}
	if filter.StatusCode != nil && (m.StatusCode == nil || *m.StatusCode != *filter.StatusCode) {
		return false
	}
	if filter.MinResponseMS != nil && (m.ResponseTimeMS == nil || *m.ResponseTimeMS < *filter.MinResponseMS) {
		return false
	}
	if filter.MaxResponseMS != nil && (m.ResponseTimeMS == nil || *m.ResponseTimeMS > *filter.MaxResponseMS) {
		return false
	}
	return true
}

func (s *stubMetricRepo) ListRequestMetrics(_ context.Context, filter domain.RequestMetricFilter) (*domain.RequestMetricPage, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if filter.Limit < 1 {
		filter.Limit = 1
	}
	if filter.Limit > 1000 {
		filter.Limit = 1000
	}
	if filter.Offset < 0 {
		filter.Offset = 0
	}
	var matched []domain.RequestMetric
	for i := range s.requestMetrics {
		if s.matches(&s.requestMetrics[i], filter) {
			matched = append(matched, s.requestMetrics[i])
		}
	}
	sort.SliceStable(matched, func(i, j int) bool {
		return matched[i].Timestamp.After(matched[j].Timestamp)
	})
	total := len(matched)
	if filter.Offset < len(matched) {
		matched = matched[filter.Offset:]
	} else {
		matched = nil
	}
	if len(matched) > filter.Limit {
		matched = matched[:filter.Limit]
	}
	return &domain.RequestMetricPage{
		Metrics: matched,
		Total:   total,
		Limit:   filter.Limit,
		Offset:  filter.Offset,
	}, nil
}

func (s *stubMetricRepo) RequestWindowStats(_ context.Context, tunnelName string, since time.Time) (*domain.RequestWindowStats, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	stats := &domain.RequestWindowStats{}
	var latencySum float64
	var latencyCount int
	for i := range s.requestMetrics {
		m := &s.requestMetrics[i]
		if tunnelName != "" && m.TunnelName != tunnelName {
			continue
		}
		if m.Timestamp.Before(since) {
			continue
		}
		stats.TotalRequests++
		stats.TotalBytesIn += m.BytesSent
		stats.TotalBytesOut += m.BytesReceived
		if m.ResponseTimeMS != nil {
			latencySum += *m.ResponseTimeMS
			latencyCount++
			if stats.MinResponseMS == 0 || *m.ResponseTimeMS < stats.MinResponseMS {
				stats.MinResponseMS = *m.ResponseTimeMS
			}
			if *m.ResponseTimeMS > stats.MaxResponseMS {
				stats.MaxResponseMS = *m.ResponseTimeMS
			}
		}
		if m.StatusCode != nil {
			code := *m.StatusCode
			switch {
			case code >= 200 && code < 300:
				stats.StatusClasses.S2xx++
			case code >= 300 && code < 400:
				stats.StatusClasses.S3xx++
			case code >= 400 && code < 500:
				stats.StatusClasses.S4xx++
			case code >= 500:
				stats.StatusClasses.S5xx++
			}
			if code >= 400 {
				stats.ErrorCount++
			}
		}
		ts := m.Timestamp
		if stats.LastRequestAt == nil || ts.After(*stats.LastRequestAt) {
			stats.LastRequestAt = &ts
		}
	}
	if latencyCount > 0 {
		stats.AvgResponseMS = latencySum / float64(latencyCount)
	}
	return stats, nil
}

func (s *stubMetricRepo) ResponseTimes(_ context.Context, tunnelName string, since time.Time) ([]float64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var times []float64
	for i := range s.requestMetrics {
		m := &s.requestMetrics[i]
		if tunnelName != "" && m.TunnelName != tunnelName {
			continue
		}
		if m.Timestamp.Before(since) || m.ResponseTimeMS == nil {
			continue
		}
		times = append(times, *m.ResponseTimeMS)
	}
	sort.Float64s(times)
	return times, nil
}

func (s *stubMetricRepo) CountRequestsSince(_ context.Context, tunnelName string, since time.Time) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	count := 0
	for i := range s.requestMetrics {
		m := &s.requestMetrics[i]
		if tunnelName != "" && m.TunnelName != tunnelName {
			continue
		}
		if !m.Timestamp.Before(since) {
			count++
		}
	}
	return count, nil
}

func (s *stubMetricRepo) CountSlowRequestsSince(_ context.Context, since time.Time, thresholdMS float64) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	count := 0
	for i := range s.requestMetrics {
		m := &s.requestMetrics[i]
		if m.Timestamp.Before(since) || m.ResponseTimeMS == nil {
			continue
		}
		if *m.ResponseTimeMS >= thresholdMS {
			count++
		}
	}
	return count, nil
}

func (s *stubMetricRepo) LastRequestAt(_ context.Context, tunnelName string) (*time.Time, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var last *time.Time
	for i := range s.requestMetrics {
		m := &s.requestMetrics[i]
		if tunnelName != "" && m.TunnelName != tunnelName {
			continue
		}
		ts := m.Timestamp
		if last == nil || ts.After(*last) {
			last = &ts
		}
	}
	return last, nil
}

func (s *stubMetricRepo) KnownTunnelNames(_ context.Context) ([]string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	seen := make(map[string]struct{})
	for i := range s.requestMetrics {
		seen[s.requestMetrics[i].TunnelName] = struct{}{}
	}
	for name := range s.registryNames {
		seen[name] = struct{}{}
	}
	names := make([]string, 0, len(seen))
	for name := range seen {
		names = append(names, name)
	}
	sort.Strings(names)
	return names, nil
}

func (s *stubMetricRepo) LatestTunnelMetric(_ context.Context, tunnelID string) (*domain.TunnelMetric, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var latest *domain.TunnelMetric
	for i := range s.tunnelMetrics {
		m := s.tunnelMetrics[i]
		if m.TunnelID != tunnelID {
			continue
		}
		if latest == nil || m.CollectedAt.After(latest.CollectedAt) {
			copied := m
			latest = &copied
		}
	}
	if latest == nil {
		return nil, repository.ErrNotFound
	}
	return latest, nil
}

func (s *stubMetricRepo) MaxTrafficSince(_ context.Context, tunnelID string, since time.Time) (int64, int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var in, out int64
	for i := range s.tunnelMetrics {
		m := &s.tunnelMetrics[i]
		if m.TunnelID != tunnelID || m.CollectedAt.Before(since) {
			continue
		}
		if m.TrafficIn > in {
			in = m.TrafficIn
		}
		if m.TrafficOut > out {
			out = m.TrafficOut
		}
	}
	return in, out, nil
}

func (s *stubMetricRepo) ListTunnelSnapshots(_ context.Context) ([]domain.TunnelSnapshot, error) {
	return nil, nil
}

func (s *stubMetricRepo) DeleteMetricsBefore(_ context.Context, cutoff time.Time) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var deleted int64
	var keptTM []domain.TunnelMetric
	for _, m := range s.tunnelMetrics {
		if m.CollectedAt.Before(cutoff) {
			deleted++
			continue
		}
		keptTM = append(keptTM, m)
	}
	s.tunnelMetrics = keptTM
	var keptRM []domain.RequestMetric
	for _, m := range s.requestMetrics {
		if m.Timestamp.Before(cutoff) {
			deleted++
			continue
		}
		keptRM = append(keptRM, m)
	}
	s.requestMetrics = keptRM
	return deleted, nil
}

// registryNames lets tests feed the registry side of the rollup name union.
type registrySet = map[string]struct{}

type stubTunnelRepo struct {
	mu     sync.Mutex
	byID   map[string]domain.Tunnel
	byName map[string]domain.TunnelRef
	byUser map[string]map[string]domain.TunnelRef
}

func (s *stubTunnelRepo) CreateTunnel(context.Context, *domain.Tunnel) error { return nil }
func (s *stubTunnelRepo) GetTunnelByID(_ context.Context, id string) (*domain.Tunnel, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if tun, ok := s.byID[id]; ok {
		return &tun, nil
	}
	return nil, repository.ErrNotFound
}
func (s *stubTunnelRepo) ListTunnelsByUser(context.Context, string) ([]domain.Tunnel, error) {
	return nil, nil
}
func (s *stubTunnelRepo) ListTunnels(context.Context) ([]domain.Tunnel, error) { return nil, nil }
func (s *stubTunnelRepo) CountTunnelsByUser(context.Context, string) (int, error) {
	return 0, nil
}
func (s *stubTunnelRepo) UpdateTunnelStatus(context.Context, string, bool, *time.Time) error {
	return nil
}
func (s *stubTunnelRepo) DeleteTunnel(context.Context, string) error { return nil }

func (s *stubTunnelRepo) TunnelRefsByName(context.Context) (map[string]domain.TunnelRef, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.byName, nil
}

func (s *stubTunnelRepo) TunnelRefsByUser(_ context.Context, userID string) (map[string]domain.TunnelRef, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.byUser[userID], nil
}

type stubRelay struct {
	info    *frps.ServerInfo
	infoErr error
	stats   map[string][]frps.ProxyStats
}

func (s *stubRelay) ServerInfo(context.Context) (*frps.ServerInfo, error) {
	return s.info, s.infoErr
}

func (s *stubRelay) AllProxyStats(context.Context) map[string][]frps.ProxyStats {
	return s.stats
}

func (s *stubRelay) ProxyTraffic(_ context.Context, name string) (*frps.ProxyTraffic, error) {
	return &frps.ProxyTraffic{Name: name}, nil
}

func testService(repo *stubMetricRepo, tunnels *stubTunnelRepo, relay *stubRelay, now time.Time) *Service {
	svc := New(repo, tunnels, relay, nil, slog.New(slog.DiscardHandler))
	svc.now = func() time.Time { return now }
	return svc
}

func ptrInt(v int) *int              { return &v }
func ptrFloat(v float64) *float64    { return &v }
func ptrTime(v time.Time) *time.Time { return &v }

func seedRequest(repo *stubMetricRepo, name string, status int, latency float64, at time.Time) {
	_ = repo.InsertRequestMetric(context.Background(), &domain.RequestMetric{
		TunnelID:       "tid-" + name,
		TunnelName:     name,
		RequestPath:    "/",
		RequestMethod:  "GET",
		StatusCode:     ptrInt(status),
		ResponseTimeMS: ptrFloat(latency),
		BytesSent:      100,
		BytesReceived:  50,
		Timestamp:      at,
	})
}

func TestSummaryThreeEvents(t *testing.T) {
	now := time.Date(2026, time.March, 10, 12, 0, 0, 0, time.UTC)
	repo := &stubMetricRepo{}
	seedRequest(repo, "web", 200, 100, now.Add(-10*time.Minute))
	seedRequest(repo, "web", 404, 200, now.Add(-20*time.Minute))
	seedRequest(repo, "web", 500, 300, now.Add(-30*time.Minute))

	svc := testService(repo, &stubTunnelRepo{}, &stubRelay{}, now)
	summary, err := svc.Summary(context.Background(), "web", "1h")
	if err != nil {
		t.Fatalf("summary failed: %v", err)
	}
	if summary.TotalRequests != 3 {
		t.Fatalf("expected 3 requests, got %d", summary.TotalRequests)
	}
	if summary.AvgResponseTimeMS != 200 {
		t.Fatalf("expected avg 200, got %f", summary.AvgResponseTimeMS)
	}
	if summary.P50ResponseTimeMS != 200 {
		t.Fatalf("expected p50 200, got %f", summary.P50ResponseTimeMS)
	}
	if summary.P95ResponseTimeMS != 300 {
		t.Fatalf("expected p95 300, got %f", summary.P95ResponseTimeMS)
	}
	if summary.MinResponseTimeMS != 100 || summary.MaxResponseTimeMS != 300 {
		t.Fatalf("unexpected min/max %f/%f", summary.MinResponseTimeMS, summary.MaxResponseTimeMS)
	}
	if summary.ErrorRate != 0.6667 {
		t.Fatalf("expected error rate 0.6667, got %f", summary.ErrorRate)
	}
	if summary.RequestsPerMinute != 0.05 {
		t.Fatalf("expected 0.05 rpm, got %f", summary.RequestsPerMinute)
	}
	if summary.StatusCodes.S2xx != 1 || summary.StatusCodes.S4xx != 1 || summary.StatusCodes.S5xx != 1 {
		t.Fatalf("unexpected status classes %+v", summary.StatusCodes)
	}
	if summary.Period != "1h" {
		t.Fatalf("expected period echoed, got %q", summary.Period)
	}
}

func TestSummaryServerErrorBuckets(t *testing.T) {
	now := time.Date(2026, time.March, 10, 12, 0, 0, 0, time.UTC)
	repo := &stubMetricRepo{}
	seedRequest(repo, "web", 200, 100, now.Add(-10*time.Minute))
	seedRequest(repo, "web", 200, 200, now.Add(-20*time.Minute))
	seedRequest(repo, "web", 500, 300, now.Add(-30*time.Minute))

	svc := testService(repo, &stubTunnelRepo{}, &stubRelay{}, now)
	summary, err := svc.Summary(context.Background(), "web", "1h")
	if err != nil {
		t.Fatalf("summary failed: %v", err)
	}
	if summary.TotalRequests != 3 {
		t.Fatalf("expected 3 requests, got %d", summary.TotalRequests)
	}
	if summary.AvgResponseTimeMS != 200 {
		t.Fatalf("expected avg 200, got %f", summary.AvgResponseTimeMS)
	}
	if summary.P50ResponseTimeMS != 200 {
		t.Fatalf("expected p50 200, got %f", summary.P50ResponseTimeMS)
	}
	if summary.P50ResponseTimeMS > summary.P95ResponseTimeMS || summary.P95ResponseTimeMS > summary.P99ResponseTimeMS {
		t.Fatalf("percentiles out of order p50=%f p95=%f p99=%f",
			summary.P50ResponseTimeMS, summary.P95ResponseTimeMS, summary.P99ResponseTimeMS)
	}
	if summary.StatusCodes.S2xx != 2 || summary.StatusCodes.S5xx != 1 {
		t.Fatalf("unexpected status classes %+v", summary.StatusCodes)
	}
	if summary.ErrorRate != 0.3333 {
		t.Fatalf("expected error rate 0.3333, got %f", summary.ErrorRate)
	}
}

func TestSummaryEmptyWindow(t *testing.T) {
	now := time.Date(2026, time.March, 10, 12, 0, 0, 0, time.UTC)
	svc := testService(&stubMetricRepo{}, &stubTunnelRepo{}, &stubRelay{}, now)
	summary, err := svc.Summary(context.Background(), "", "24h")
	if err != nil {
		t.Fatalf("summary failed: %v", err)
	}
	if summary.TotalRequests != 0 || summary.ErrorRate != 0 || summary.RequestsPerMinute != 0 {
		t.Fatalf("expected zero summary, got %+v", summary)
	}
	if summary.P50ResponseTimeMS != 0 || summary.P99ResponseTimeMS != 0 {
		t.Fatalf("expected zero percentiles")
	}
}

func TestStoreBatchFiltersOwnership(t *testing.T) {
	now := time.Date(2026, time.March, 10, 12, 0, 0, 0, time.UTC)
	repo := &stubMetricRepo{}
	tunnels := &stubTunnelRepo{
		byUser: map[string]map[string]domain.TunnelRef{
			"alice": {
				"web": {ID: "t1", Name: "web", Type: "http"},
				"api": {ID: "t2", Name: "api", Type: "http"},
			},
		},
	}
	svc := testService(repo, tunnels, &stubRelay{}, now)

	reports := []RequestReport{
		{TunnelName: "web", RequestPath: "/a", StatusCode: ptrInt(200)},
		{TunnelName: "other-users-tunnel", RequestPath: "/b"},
		{TunnelName: "api", RequestPath: "/c", Timestamp: ptrTime(now.Add(-time.Minute))},
	}
	stored, err := svc.StoreBatch(context.Background(), "alice", reports)
	if err != nil {
		t.Fatalf("store batch failed: %v", err)
	}
	if stored != 2 {
		t.Fatalf("expected 2 stored, got %d", stored)
	}
	if len(repo.requestMetrics) != 2 {
		t.Fatalf("expected 2 rows, got %d", len(repo.requestMetrics))
	}
	if repo.requestMetrics[0].Timestamp != now {
		t.Fatalf("expected missing timestamp to default to now")
	}
	if repo.requestMetrics[1].Timestamp != now.Add(-time.Minute) {
		t.Fatalf("expected provided timestamp preserved")
	}
	if repo.requestMetrics[0].TunnelID != "t1" {
		t.Fatalf("expected tunnel id resolved from registry")
	}
}

func TestStoreBatchEmpty(t *testing.T) {
	now := time.Date(2026, time.March, 10, 12, 0, 0, 0, time.UTC)
	repo := &stubMetricRepo{}
	tunnels := &stubTunnelRepo{byUser: map[string]map[string]domain.TunnelRef{"alice": {}}}
	svc := testService(repo, tunnels, &stubRelay{}, now)

	stored, err := svc.StoreBatch(context.Background(), "alice", nil)
	if err != nil {
		t.Fatalf("store batch failed: %v", err)
	}
	if stored != 0 || len(repo.requestMetrics) != 0 {
		t.Fatalf("expected empty batch to store nothing")
	}
}

func TestCollectMatchesRegistry(t *testing.T) {
	now := time.Date(2026, time.March, 10, 12, 0, 0, 0, time.UTC)
	repo := &stubMetricRepo{}
	tunnels := &stubTunnelRepo{
		byName: map[string]domain.TunnelRef{
			"web": {ID: "t1", Name: "web", Type: "http"},
		},
	}
	relay := &stubRelay{
		stats: map[string][]frps.ProxyStats{
			"http": {
				{Name: "web", TodayTrafficIn: 1000, TodayTrafficOut: 2000, CurConns: 3, Status: "online"},
				{Name: "unregistered", TodayTrafficIn: 50},
			},
		},
	}
	svc := testService(repo, tunnels, relay, now)

	if !svc.Collect(context.Background()) {
		t.Fatalf("expected collect to report stored rows")
	}
	if len(repo.tunnelMetrics) != 1 {
		t.Fatalf("expected 1 snapshot, got %d", len(repo.tunnelMetrics))
	}
	m := repo.tunnelMetrics[0]
	if m.TunnelID != "t1" || m.TrafficIn != 1000 || m.TrafficOut != 2000 || m.CurrentConnections != 3 {
		t.Fatalf("unexpected snapshot %+v", m)
	}
	if m.Status != "online" {
		t.Fatalf("expected status preserved, got %q", m.Status)
	}
}

func TestCollectNoData(t *testing.T) {
	now := time.Date(2026, time.March, 10, 12, 0, 0, 0, time.UTC)
	svc := testService(&stubMetricRepo{}, &stubTunnelRepo{}, &stubRelay{}, now)
	if svc.Collect(context.Background()) {
		t.Fatalf("expected collect to report nothing stored")
	}
}

func TestCollectDefaultsStatusOffline(t *testing.T) {
	now := time.Date(2026, time.March, 10, 12, 0, 0, 0, time.UTC)
	repo := &stubMetricRepo{}
	tunnels := &stubTunnelRepo{
		byName: map[string]domain.TunnelRef{"web": {ID: "t1", Name: "web"}},
	}
	relay := &stubRelay{
		stats: map[string][]frps.ProxyStats{"http": {{Name: "web"}}},
	}
	svc := testService(repo, tunnels, relay, now)
	svc.Collect(context.Background())
	if repo.tunnelMetrics[0].Status != "offline" {
		t.Fatalf("expected empty status to default to offline, got %q", repo.tunnelMetrics[0].Status)
	}
}

func TestTunnelRollupsStatusInference(t *testing.T) {
	now := time.Date(2026, time.March, 10, 12, 0, 0, 0, time.UTC)
	repo := &stubMetricRepo{}
	// active: event 2 minutes ago; idle: event 3 hours ago; unknown comes
	// from the registry side with no events at all.
	seedRequest(repo, "active-tunnel", 200, 10, now.Add(-2*time.Minute))
	seedRequest(repo, "idle-tunnel", 200, 10, now.Add(-3*time.Hour))
	repo.registryNames = registrySet{"fresh-tunnel": {}}

	svc := testService(repo, &stubTunnelRepo{}, &stubRelay{}, now)
	rollups, err := svc.TunnelRollups(context.Background())
	if err != nil {
		t.Fatalf("rollups failed: %v", err)
	}
	if len(rollups) != 3 {
		t.Fatalf("expected 3 rollups, got %d", len(rollups))
	}
	byName := make(map[string]domain.TunnelRequestStats)
	for _, r := range rollups {
		byName[r.TunnelName] = r
	}
	if byName["active-tunnel"].Status != "active" {
		t.Fatalf("expected active, got %q", byName["active-tunnel"].Status)
	}
	if byName["idle-tunnel"].Status != "idle" {
		t.Fatalf("expected idle, got %q", byName["idle-tunnel"].Status)
	}
	if byName["fresh-tunnel"].Status != "unknown" {
		t.Fatalf("expected unknown, got %q", byName["fresh-tunnel"].Status)
	}
	if byName["fresh-tunnel"].TotalRequests1h != 0 {
		t.Fatalf("expected zero aggregates for fresh tunnel")
	}
	// idle tunnel's event is outside the 1h window but still sets last seen
	if byName["idle-tunnel"].TotalRequests1h != 0 {
		t.Fatalf("expected idle tunnel 1h total 0")
	}
	if byName["idle-tunnel"].LastRequestAt == nil {
		t.Fatalf("expected idle tunnel to keep last request timestamp")
	}
}

func TestTunnelRollupsSortedByTotalDesc(t *testing.T) {
	now := time.Date(2026, time.March, 10, 12, 0, 0, 0, time.UTC)
	repo := &stubMetricRepo{}
	seedRequest(repo, "quiet", 200, 10, now.Add(-time.Minute))
	for i := 0; i < 3; i++ {
		seedRequest(repo, "busy", 200, 10, now.Add(-time.Duration(i+1)*time.Minute))
	}
	svc := testService(repo, &stubTunnelRepo{}, &stubRelay{}, now)
	rollups, err := svc.TunnelRollups(context.Background())
	if err != nil {
		t.Fatalf("rollups failed: %v", err)
	}
	if rollups[0].TunnelName != "busy" || rollups[1].TunnelName != "quiet" {
		t.Fatalf("unexpected order: %s, %s", rollups[0].TunnelName, rollups[1].TunnelName)
	}
}

func TestOverviewDegradedRelay(t *testing.T) {
	now := time.Date(2026, time.March, 10, 12, 0, 0, 0, time.UTC)
	repo := &stubMetricRepo{}
	seedRequest(repo, "web", 200, 1500, now.Add(-time.Hour))
	seedRequest(repo, "web", 200, 100, now.Add(-2*time.Hour))
	relay := &stubRelay{infoErr: context.DeadlineExceeded}

	svc := testService(repo, &stubTunnelRepo{}, relay, now)
	overview, err := svc.Overview(context.Background())
	if err != nil {
		t.Fatalf("overview failed: %v", err)
	}
	if overview.FrpsAvailable {
		t.Fatalf("expected relay marked unavailable")
	}
	if overview.Requests24h != 2 {
		t.Fatalf("expected 2 requests, got %d", overview.Requests24h)
	}
	if overview.SlowRequests24h != 1 {
		t.Fatalf("expected 1 slow request, got %d", overview.SlowRequests24h)
	}
	if overview.AvgResponseTimeMS != 800 {
		t.Fatalf("expected avg 800, got %f", overview.AvgResponseTimeMS)
	}
}

func TestTunnelStatsUsesMaxTraffic(t *testing.T) {
	now := time.Date(2026, time.March, 10, 12, 0, 0, 0, time.UTC)
	repo := &stubMetricRepo{}
	for i, in := range []int64{100, 900, 400} {
		_ = repo.InsertTunnelMetric(context.Background(), &domain.TunnelMetric{
			TunnelID:    "t1",
			TunnelName:  "web",
			TrafficIn:   in,
			TrafficOut:  in * 2,
			Status:      "online",
			CollectedAt: now.Add(-time.Duration(i) * time.Hour),
		})
	}
	svc := testService(repo, &stubTunnelRepo{}, &stubRelay{}, now)
	stats, err := svc.TunnelStats(context.Background(), "t1", 24)
	if err != nil {
		t.Fatalf("tunnel stats failed: %v", err)
	}
	if stats.TrafficInTotal != 900 || stats.TrafficOutTotal != 1800 {
		t.Fatalf("expected max counters 900/1800, got %d/%d", stats.TrafficInTotal, stats.TrafficOutTotal)
	}
	if stats.CurrentStatus != "online" {
		t.Fatalf("expected latest status, got %q", stats.CurrentStatus)
	}
}

func TestTunnelStatsNoSnapshots(t *testing.T) {
	now := time.Date(2026, time.March, 10, 12, 0, 0, 0, time.UTC)
	svc := testService(&stubMetricRepo{}, &stubTunnelRepo{}, &stubRelay{}, now)
	stats, err := svc.TunnelStats(context.Background(), "missing", 24)
	if err != nil {
		t.Fatalf("expected soft fallback, got %v", err)
	}
	if stats.CurrentStatus != "unknown" {
		t.Fatalf("expected unknown status, got %q", stats.CurrentStatus)
	}
}

func TestCleanupIdempotent(t *testing.T) {
	now := time.Date(2026, time.March, 10, 12, 0, 0, 0, time.UTC)
	repo := &stubMetricRepo{}
	seedRequest(repo, "web", 200, 10, now.AddDate(0, 0, -10))
	seedRequest(repo, "web", 200, 10, now.Add(-time.Hour))
	_ = repo.InsertTunnelMetric(context.Background(), &domain.TunnelMetric{
		TunnelID: "t1", TunnelName: "web", CollectedAt: now.AddDate(0, 0, -8),
	})

	svc := testService(repo, &stubTunnelRepo{}, &stubRelay{}, now)
	deleted, err := svc.Cleanup(context.Background(), 7)
	if err != nil {
		t.Fatalf("cleanup failed: %v", err)
	}
	if deleted != 2 {
		t.Fatalf("expected 2 rows deleted, got %d", deleted)
	}
	again, err := svc.Cleanup(context.Background(), 7)
	if err != nil {
		t.Fatalf("second cleanup failed: %v", err)
	}
	if again != 0 {
		t.Fatalf("expected second sweep to delete nothing, got %d", again)
	}
	if len(repo.requestMetrics) != 1 {
		t.Fatalf("expected recent row retained")
	}
}

func TestSlowRequestsDefaults(t *testing.T) {
	now := time.Date(2026, time.March, 10, 12, 0, 0, 0, time.UTC)
	repo := &stubMetricRepo{}
	seedRequest(repo, "web", 200, 2500, now.Add(-time.Minute))
	seedRequest(repo, "web", 200, 10, now.Add(-time.Minute))

	svc := testService(repo, &stubTunnelRepo{}, &stubRelay{}, now)
	slow, err := svc.SlowRequests(context.Background(), 0, 0)
	if err != nil {
		t.Fatalf("slow requests failed: %v", err)
	}
	if len(slow) != 1 || *slow[0].ResponseTimeMS != 2500 {
		t.Fatalf("expected only the slow row, got %d", len(slow))
	}
}

func TestRequestPageClampsLimitAndOffset(t *testing.T) {
	now := time.Date(2026, time.March, 10, 12, 0, 0, 0, time.UTC)
	repo := &stubMetricRepo{}
	for i := 0; i < 3; i++ {
		seedRequest(repo, "web", 200, 10, now.Add(-time.Duration(i)*time.Minute))
	}
	svc := testService(repo, &stubTunnelRepo{}, &stubRelay{}, now)

	page, err := svc.RequestPage(context.Background(), domain.RequestMetricFilter{Limit: 0, Offset: -5})
	if err != nil {
		t.Fatalf("request page failed: %v", err)
	}
	if page.Limit != 1 || page.Offset != 0 {
		t.Fatalf("expected clamped limit=1 offset=0, got limit=%d offset=%d", page.Limit, page.Offset)
	}
	if len(page.Metrics) != 1 || page.Total != 3 {
		t.Fatalf("expected 1 of 3 rows, got %d of %d", len(page.Metrics), page.Total)
	}

	page, err = svc.RequestPage(context.Background(), domain.RequestMetricFilter{Limit: 5000})
	if err != nil {
		t.Fatalf("request page failed: %v", err)
	}
	if page.Limit != 1000 {
		t.Fatalf("expected limit clamped to 1000, got %d", page.Limit)
	}
	if len(page.Metrics) != 3 {
		t.Fatalf("expected all rows, got %d", len(page.Metrics))
	}
}

func TestRequestPageUppercasesMethod(t *testing.T) {
	now := time.Date(2026, time.March, 10, 12, 0, 0, 0, time.UTC)
	repo := &stubMetricRepo{}
	_ = repo.InsertRequestMetric(context.Background(), &domain.RequestMetric{
		TunnelName:    "web",
		RequestMethod: "POST",
		Timestamp:     now.Add(-time.Minute),
	})
	svc := testService(repo, &stubTunnelRepo{}, &stubRelay{}, now)

	page, err := svc.RequestPage(context.Background(), domain.RequestMetricFilter{RequestMethod: " post ", Limit: 10})
	if err != nil {
		t.Fatalf("request page failed: %v", err)
	}
	if len(page.Metrics) != 1 {
		t.Fatalf("expected method filter to match case-insensitively, got %d rows", len(page.Metrics))
	}
}

func TestTrafficHistory(t *testing.T) {
	now := time.Date(2026, time.March, 10, 12, 0, 0, 0, time.UTC)
	tunnels := &stubTunnelRepo{byID: map[string]domain.Tunnel{
		"t1": {ID: "t1", Name: "web", Type: domain.TunnelTypeHTTP},
	}}
	svc := testService(&stubMetricRepo{}, tunnels, &stubRelay{}, now)

	traffic, err := svc.TrafficHistory(context.Background(), "t1")
	if err != nil {
		t.Fatalf("traffic history failed: %v", err)
	}
	if traffic.Name != "web" {
		t.Fatalf("expected relay queried by tunnel name, got %q", traffic.Name)
	}
	if _, err := svc.TrafficHistory(context.Background(), "missing"); !errors.Is(err, repository.ErrNotFound) {
		t.Fatalf("expected not found for unknown tunnel, got %v", err)
	}
}
