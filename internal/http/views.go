package httpx

import (
	"context"
	"net/http"
	"strconv"
	"time"

	"github.com/warrenhq/warren/internal/domain"
)

// userView renders an account for API responses. The tunnel token is only
// included for the account owner or on creation.
func userView(u *domain.User, includeToken bool) map[string]any {
	view := map[string]any{
		"id":          u.ID,
		"email":       u.Email,
		"is_admin":    u.IsAdmin,
		"is_active":   u.IsActive,
		"max_tunnels": u.MaxTunnels,
		"created_at":  u.CreatedAt.UTC().Format(time.RFC3339Nano),
	}
	if includeToken {
		view["tunnel_token"] = u.TunnelToken
	}
	if u.LastLoginAt != nil {
		view["last_login_at"] = u.LastLoginAt.UTC().Format(time.RFC3339Nano)
	} else {
		view["last_login_at"] = nil
	}
	return view
}

type tunnelListEntry = map[string]any

func (r *Router) tunnelView(t *domain.Tunnel) map[string]any {
	view := map[string]any{
		"id":         t.ID,
		"user_id":    t.UserID,
		"name":       t.Name,
		"type":       t.Type,
		"local_port": t.LocalPort,
		"local_host": t.LocalHost,
		"is_active":  t.IsActive,
		"created_at": t.CreatedAt.UTC().Format(time.RFC3339Nano),
		"public_url": r.tunnels.PublicURL(t),
	}
	if t.Subdomain != nil {
		view["subdomain"] = *t.Subdomain
	} else {
		view["subdomain"] = nil
	}
	if t.RemotePort != nil {
		view["remote_port"] = *t.RemotePort
	} else {
		view["remote_port"] = nil
	}
	if t.LastConnectedAt != nil {
		view["last_connected_at"] = t.LastConnectedAt.UTC().Format(time.RFC3339Nano)
	} else {
		view["last_connected_at"] = nil
	}
	return view
}

// listTunnelViews lists tunnels as response maps; an empty userID lists all.
func (r *Router) listTunnelViews(ctx context.Context, userID string) ([]tunnelListEntry, error) {
	var (
		tunnels []domain.Tunnel
		err     error
	)
	if userID == "" {
		tunnels, err = r.tunnels.ListAll(ctx)
	} else {
		tunnels, err = r.tunnels.ListForUser(ctx, userID)
	}
	if err != nil {
		return nil, err
	}
	out := make([]tunnelListEntry, 0, len(tunnels))
	for i := range tunnels {
		out = append(out, r.tunnelView(&tunnels[i]))
	}
	return out, nil
}

func sshKeyView(k *domain.SSHKey) map[string]any {
	return map[string]any{
		"id":          k.ID,
		"name":        k.Name,
		"public_key":  k.PublicKey,
		"fingerprint": k.Fingerprint,
		"created_at":  k.CreatedAt.UTC().Format(time.RFC3339Nano),
	}
}

func activityView(a *domain.ActivityLog) map[string]any {
	view := map[string]any{
		"id":         a.ID,
		"user_email": a.UserEmail,
		"action":     a.Action,
		"details":    a.Details,
		"ip_address": a.IPAddress,
		"created_at": a.CreatedAt.UTC().Format(time.RFC3339Nano),
	}
	if a.UserID != nil {
		view["user_id"] = *a.UserID
	} else {
		view["user_id"] = nil
	}
	return view
}

func requestMetricView(m *domain.RequestMetric) map[string]any {
	view := map[string]any{
		"id":             m.ID,
		"tunnel_id":      m.TunnelID,
		"tunnel_name":    m.TunnelName,
		"request_path":   m.RequestPath,
		"request_method": m.RequestMethod,
		"bytes_sent":     m.BytesSent,
		"bytes_received": m.BytesReceived,
		"client_ip":      m.ClientIP,
		"timestamp":      m.Timestamp.UTC().Format(time.RFC3339Nano),
	}
	if m.StatusCode != nil {
		view["status_code"] = *m.StatusCode
	} else {
		view["status_code"] = nil
	}
	if m.ResponseTimeMS != nil {
		view["response_time_ms"] = *m.ResponseTimeMS
	} else {
		view["response_time_ms"] = nil
	}
	return view
}

func requestPageView(page *domain.RequestMetricPage) map[string]any {
	items := make([]map[string]any, 0, len(page.Metrics))
	for i := range page.Metrics {
		items = append(items, requestMetricView(&page.Metrics[i]))
	}
	return map[string]any{
		"requests": items,
		"total":    page.Total,
		"limit":    page.Limit,
		"offset":   page.Offset,
	}
}

func summaryView(s *domain.MetricsSummary) map[string]any {
	return map[string]any{
		"tunnel_name":          s.TunnelName,
		"period":               s.Period,
		"total_requests":       s.TotalRequests,
		"avg_response_time_ms": s.AvgResponseTimeMS,
		"p50_response_time_ms": s.P50ResponseTimeMS,
		"p95_response_time_ms": s.P95ResponseTimeMS,
		"p99_response_time_ms": s.P99ResponseTimeMS,
		"min_response_time_ms": s.MinResponseTimeMS,
		"max_response_time_ms": s.MaxResponseTimeMS,
		"total_bytes_in":       s.TotalBytesIn,
		"total_bytes_out":      s.TotalBytesOut,
		"requests_per_minute":  s.RequestsPerMinute,
		"error_rate":           s.ErrorRate,
		"status_codes": map[string]int{
			"2xx": s.StatusCodes.S2xx,
			"3xx": s.StatusCodes.S3xx,
			"4xx": s.StatusCodes.S4xx,
			"5xx": s.StatusCodes.S5xx,
		},
	}
}

// requestFilterFromQuery maps list-endpoint query parameters onto the
// repository filter. Unparseable numbers are treated as absent.
func requestFilterFromQuery(req *http.Request) domain.RequestMetricFilter {
	query := req.URL.Query()
	filter := domain.RequestMetricFilter{
		TunnelID:      query.Get("tunnel_id"),
		TunnelName:    query.Get("tunnel_name"),
		RequestMethod: query.Get("method"),
		Limit:         100,
	}
	if raw := query.Get("status_code"); raw != "" {
		if code, err := strconv.Atoi(raw); err == nil {
			filter.StatusCode = &code
		}
	}
	if raw := query.Get("min_response_ms"); raw != "" {
		if v, err := strconv.ParseFloat(raw, 64); err == nil {
			filter.MinResponseMS = &v
		}
	}
	if raw := query.Get("max_response_ms"); raw != "" {
		if v, err := strconv.ParseFloat(raw, 64); err == nil {
			filter.MaxResponseMS = &v
		}
	}
	if raw := query.Get("limit"); raw != "" {
		if v, err := strconv.Atoi(raw); err == nil {
			filter.Limit = v
		}
	}
	if raw := query.Get("offset"); raw != "" {
		if v, err := strconv.Atoi(raw); err == nil {
			filter.Offset = v
		}
	}
	return filter
}
