package httpx

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"net"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	"log/slog"

	"github.com/gorilla/websocket"
	"github.com/prometheus/client_golang/prometheus"

	"github.com/warrenhq/warren/internal/repository"
	"github.com/warrenhq/warren/internal/service/auth"
	"github.com/warrenhq/warren/internal/service/metrics"
	"github.com/warrenhq/warren/internal/service/sshkey"
	"github.com/warrenhq/warren/internal/service/tunnel"
	"github.com/warrenhq/warren/internal/service/user"
	"github.com/warrenhq/warren/internal/ws"

	activitysvc "github.com/warrenhq/warren/internal/service/activity"
)

// Router wires HTTP endpoints to services.
type Router struct {
	mux      *http.ServeMux
	logger   *slog.Logger
	auth     auth.Service
	users    user.Service
	tunnels  tunnel.Service
	sshkeys  sshkey.Service
	activity activitysvc.Service
	metrics  *metrics.Service
	hub      *ws.Hub
	upgrader websocket.Upgrader
	limiter  RateLimiter
	dbHealth func(context.Context) error

	metricsOnce        sync.Once
	metricsInitialized bool
	requestTotal       *prometheus.CounterVec
	requestLatency     *prometheus.HistogramVec
	rateLimitHits      *prometheus.CounterVec
}

const (
	rateWindowDefault  = time.Minute
	rateWindowRealtime = 30 * time.Second
	rateLimitLogin     = 12
	rateLimitRead      = 240
	rateLimitWrite     = 60
	rateLimitReport    = 600
	rateLimitStream    = 30
	healthCheckTimeout = 2 * time.Second
	sseHeartbeat       = 25 * time.Second
)

// NewRouter assembles routes with dependencies.
func NewRouter(logger *slog.Logger, authSvc auth.Service, userSvc user.Service, tunnelSvc tunnel.Service, keySvc sshkey.Service, activitySvc activitysvc.Service, metricSvc *metrics.Service, hub *ws.Hub, limiter RateLimiter, dbHealth func(context.Context) error) *Router {
	r := &Router{
		mux:      http.NewServeMux(),
		logger:   logger,
		auth:     authSvc,
		users:    userSvc,
		tunnels:  tunnelSvc,
		sshkeys:  keySvc,
		activity: activitySvc,
		metrics:  metricSvc,
		hub:      hub,
		upgrader: websocket.Upgrader{
			CheckOrigin: func(r *http.Request) bool { return true },
		},
		limiter:  limiter,
		dbHealth: dbHealth,
	}
	if r.limiter == nil {
		r.limiter = NewMemoryRateLimiter()
	}
	r.initMetrics()
	r.register()
	return r
}

// ServeHTTP delegates to underlying mux.
func (r *Router) ServeHTTP(w http.ResponseWriter, req *http.Request) {
	r.mux.ServeHTTP(w, req)
}

// Close releases background resources.
func (r *Router) Close() {
	if r.limiter != nil {
		r.limiter.Close()
	}
}

func (r *Router) register() {
	r.mux.HandleFunc("/healthz", r.audit(r.handleHealthz))
	r.mux.HandleFunc("/auth/login", r.audit(r.withRateLimit("auth_login", rateLimitLogin, rateWindowDefault, rateLimitKeyIP, r.handleLogin)))
	r.mux.HandleFunc("/auth/me", r.audit(r.handlerAuthRate("auth_me", rateLimitRead, rateWindowDefault, r.handleMe)))
	r.mux.HandleFunc("/users", r.audit(r.handlerAdminRate("users", rateLimitWrite, rateWindowDefault, r.handleUsers)))
	r.mux.HandleFunc("/users/", r.audit(r.handlerAdminRate("users", rateLimitWrite, rateWindowDefault, r.handleUserSubroutes)))
	r.mux.HandleFunc("/tunnels", r.audit(r.handlerAuthRate("tunnels", rateLimitWrite, rateWindowDefault, r.handleTunnels)))
	r.mux.HandleFunc("/tunnels/", r.audit(r.handlerAuthRate("tunnels", rateLimitWrite, rateWindowDefault, r.handleTunnelSubroutes)))
	r.mux.HandleFunc("/ssh-keys", r.audit(r.handlerAuthRate("ssh_keys", rateLimitWrite, rateWindowDefault, r.handleSSHKeys)))
	r.mux.HandleFunc("/ssh-keys/", r.audit(r.handlerAuthRate("ssh_keys", rateLimitWrite, rateWindowDefault, r.handleSSHKeySubroutes)))
	r.mux.HandleFunc("/stats", r.audit(r.handlerAdminRate("stats", rateLimitRead, rateWindowDefault, r.handleServerStats)))
	r.mux.HandleFunc("/activity", r.audit(r.handlerAdminRate("activity", rateLimitRead, rateWindowDefault, r.handleActivity)))
	r.mux.HandleFunc("/metrics/report", r.audit(r.withRateLimit("metrics_report", rateLimitReport, rateWindowDefault, rateLimitKeyIP, r.handleMetricsReport)))
	r.mux.HandleFunc("/metrics/requests", r.audit(r.handlerAuthRate("metrics_requests", rateLimitRead, rateWindowDefault, r.handleMetricsRequests)))
	r.mux.HandleFunc("/metrics/summary", r.audit(r.handlerAuthRate("metrics_summary", rateLimitRead, rateWindowDefault, r.handleMetricsSummary)))
	r.mux.HandleFunc("/metrics/tunnels", r.audit(r.handlerAuthRate("metrics_tunnels", rateLimitRead, rateWindowDefault, r.handleMetricsTunnels)))
	r.mux.HandleFunc("/metrics/tunnels/", r.audit(r.handlerAuthRate("metrics_tunnels", rateLimitRead, rateWindowDefault, r.handleMetricsTunnelSubroutes)))
	r.mux.HandleFunc("/metrics/slow", r.audit(r.handlerAuthRate("metrics_slow", rateLimitRead, rateWindowDefault, r.handleMetricsSlow)))
	r.mux.HandleFunc("/metrics/snapshots", r.audit(r.handlerAuthRate("metrics_snapshots", rateLimitRead, rateWindowDefault, r.handleMetricsSnapshots)))
	r.mux.HandleFunc("/metrics/overview", r.audit(r.handlerAdminRate("metrics_overview", rateLimitRead, rateWindowDefault, r.handleMetricsOverview)))
	r.mux.HandleFunc("/admin/requests", r.audit(r.handlerAdminRate("admin_requests", rateLimitRead, rateWindowDefault, r.handleAdminRequests)))
	r.mux.HandleFunc("/ws/metrics", r.audit(r.handlerAuthRate("ws_metrics", rateLimitStream, rateWindowRealtime, r.handleMetricsWS)))
	r.mux.HandleFunc("/sse/metrics", r.audit(r.handlerAuthRate("sse_metrics", rateLimitStream, rateWindowRealtime, r.handleMetricsSSE)))
}

func (r *Router) handleLogin(w http.ResponseWriter, req *http.Request) {
	if req.Method != http.MethodPost {
		r.methodNotAllowed(w)
		return
	}
	var payload struct {
		Email    string `json:"email"`
		Password string `json:"password"`
	}
	if err := json.NewDecoder(req.Body).Decode(&payload); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}
	usr, token, err := r.auth.Login(req.Context(), payload.Email, payload.Password)
	if err != nil {
		r.activity.Record(req.Context(), "", "login_failed", payload.Email, clientIP(req))
		writeError(w, http.StatusUnauthorized, "invalid credentials")
		return
	}
	r.activity.Record(req.Context(), usr.ID, "login", "", clientIP(req))
	writeJSON(w, http.StatusOK, map[string]any{
		"access_token": token.AccessToken,
		"token_type":   "bearer",
		"expires_in":   int(token.ExpiresIn.Seconds()),
		"user":         userView(usr, false),
	})
}

func (r *Router) handleMe(w http.ResponseWriter, req *http.Request) {
	if req.Method != http.MethodGet {
		r.methodNotAllowed(w)
		return
	}
	info, ok := authInfoFromContext(req.Context())
	if !ok {
		writeError(w, http.StatusInternalServerError, "authorization context missing")
		return
	}
	usr, err := r.users.Get(req.Context(), info.UserID)
	if err != nil {
		r.serviceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, userView(usr, true))
}

func (r *Router) handleUsers(w http.ResponseWriter, req *http.Request) {
	switch req.Method {
	case http.MethodGet:
		summaries, err := r.users.List(req.Context())
		if err != nil {
			r.serviceError(w, err)
			return
		}
		out := make([]map[string]any, 0, len(summaries))
		for i := range summaries {
			view := userView(&summaries[i].User, false)
			view["active_tunnels"] = summaries[i].ActiveTunnels
			out = append(out, view)
		}
		writeJSON(w, http.StatusOK, out)
	case http.MethodPost:
		var payload struct {
			Email      string `json:"email"`
			Password   string `json:"password"`
			MaxTunnels int    `json:"max_tunnels"`
		}
		if err := json.NewDecoder(req.Body).Decode(&payload); err != nil {
			writeError(w, http.StatusBadRequest, "invalid JSON body")
			return
		}
		usr, err := r.users.Create(req.Context(), payload.Email, payload.Password, payload.MaxTunnels)
		if err != nil {
			r.serviceError(w, err)
			return
		}
		r.recordActorActivity(req, "user_created", usr.Email)
		writeJSON(w, http.StatusCreated, userView(usr, true))
	default:
		r.methodNotAllowed(w)
	}
}

func (r *Router) handleUserSubroutes(w http.ResponseWriter, req *http.Request) {
	parts := pathParts(req.URL.Path, "/users/")
	if len(parts) == 0 || parts[0] == "" {
		r.notFound(w)
		return
	}
	userID := parts[0]
	if len(parts) == 2 && parts[1] == "token" {
		if req.Method != http.MethodPost {
			r.methodNotAllowed(w)
			return
		}
		token, err := r.users.RegenerateTunnelToken(req.Context(), userID)
		if err != nil {
			r.serviceError(w, err)
			return
		}
		r.recordActorActivity(req, "tunnel_token_regenerated", userID)
		writeJSON(w, http.StatusOK, map[string]string{"tunnel_token": token})
		return
	}
	if len(parts) != 1 {
		r.notFound(w)
		return
	}
	switch req.Method {
	case http.MethodGet:
		usr, err := r.users.Get(req.Context(), userID)
		if err != nil {
			r.serviceError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, userView(usr, false))
	case http.MethodPatch:
		var payload struct {
			IsActive   *bool `json:"is_active"`
			MaxTunnels *int  `json:"max_tunnels"`
		}
		if err := json.NewDecoder(req.Body).Decode(&payload); err != nil {
			writeError(w, http.StatusBadRequest, "invalid JSON body")
			return
		}
		if err := r.users.Update(req.Context(), userID, payload.IsActive, payload.MaxTunnels); err != nil {
			r.serviceError(w, err)
			return
		}
		r.recordActorActivity(req, "user_updated", userID)
		writeJSON(w, http.StatusOK, map[string]string{"status": "updated"})
	case http.MethodDelete:
		if err := r.users.Delete(req.Context(), userID); err != nil {
			r.serviceError(w, err)
			return
		}
		r.recordActorActivity(req, "user_deleted", userID)
		writeJSON(w, http.StatusOK, map[string]string{"status": "deleted"})
	default:
		r.methodNotAllowed(w)
	}
}

func (r *Router) handleTunnels(w http.ResponseWriter, req *http.Request) {
	info, ok := authInfoFromContext(req.Context())
	if !ok {
		writeError(w, http.StatusInternalServerError, "authorization context missing")
		return
	}
	switch req.Method {
	case http.MethodGet:
		var err error
		var tunnels []tunnelListEntry
		if info.IsAdmin && req.URL.Query().Get("all") == "true" {
			tunnels, err = r.listTunnelViews(req.Context(), "")
		} else {
			tunnels, err = r.listTunnelViews(req.Context(), info.UserID)
		}
		if err != nil {
			r.serviceError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, tunnels)
	case http.MethodPost:
		var payload struct {
			Name       string `json:"name"`
			Type       string `json:"type"`
			LocalPort  int    `json:"local_port"`
			LocalHost  string `json:"local_host"`
			Subdomain  string `json:"subdomain"`
			RemotePort *int   `json:"remote_port"`
		}
		if err := json.NewDecoder(req.Body).Decode(&payload); err != nil {
			writeError(w, http.StatusBadRequest, "invalid JSON body")
			return
		}
		created, err := r.tunnels.Create(req.Context(), info.UserID, tunnel.CreateInput{
			Name:       payload.Name,
			Type:       payload.Type,
			LocalPort:  payload.LocalPort,
			LocalHost:  payload.LocalHost,
			Subdomain:  payload.Subdomain,
			RemotePort: payload.RemotePort,
		})
		if err != nil {
			r.serviceError(w, err)
			return
		}
		r.recordActorActivity(req, "tunnel_created", created.Name)
		writeJSON(w, http.StatusCreated, r.tunnelView(created))
	default:
		r.methodNotAllowed(w)
	}
}

func (r *Router) handleTunnelSubroutes(w http.ResponseWriter, req *http.Request) {
	info, ok := authInfoFromContext(req.Context())
	if !ok {
		writeError(w, http.StatusInternalServerError, "authorization context missing")
		return
	}
	parts := pathParts(req.URL.Path, "/tunnels/")
	if len(parts) == 0 || parts[0] == "" {
		r.notFound(w)
		return
	}
	tunnelID := parts[0]

	if len(parts) == 2 {
		switch parts[1] {
		case "config":
			r.handleTunnelConfig(w, req, info, tunnelID)
			return
		case "status":
			r.handleTunnelStatus(w, req, info, tunnelID)
			return
		case "stats":
			r.handleTunnelStats(w, req, info, tunnelID)
			return
		}
		r.notFound(w)
		return
	}
	if len(parts) != 1 {
		r.notFound(w)
		return
	}
	switch req.Method {
	case http.MethodGet:
		tun, err := r.tunnels.Get(req.Context(), info.UserID, info.IsAdmin, tunnelID)
		if err != nil {
			r.serviceError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, r.tunnelView(tun))
	case http.MethodDelete:
		if err := r.tunnels.Delete(req.Context(), info.UserID, info.IsAdmin, tunnelID); err != nil {
			r.serviceError(w, err)
			return
		}
		r.recordActorActivity(req, "tunnel_deleted", tunnelID)
		writeJSON(w, http.StatusOK, map[string]string{"status": "deleted"})
	default:
		r.methodNotAllowed(w)
	}
}

func (r *Router) handleTunnelConfig(w http.ResponseWriter, req *http.Request, info authInfo, tunnelID string) {
	if req.Method != http.MethodGet {
		r.methodNotAllowed(w)
		return
	}
	tun, err := r.tunnels.Get(req.Context(), info.UserID, info.IsAdmin, tunnelID)
	if err != nil {
		r.serviceError(w, err)
		return
	}
	owner, err := r.users.Get(req.Context(), tun.UserID)
	if err != nil {
		r.serviceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"config":     r.tunnels.ClientConfig(tun, owner.TunnelToken),
		"public_url": r.tunnels.PublicURL(tun),
	})
}

func (r *Router) handleTunnelStatus(w http.ResponseWriter, req *http.Request, info authInfo, tunnelID string) {
	if req.Method != http.MethodPost {
		r.methodNotAllowed(w)
		return
	}
	var payload struct {
		IsActive bool `json:"is_active"`
	}
	if err := json.NewDecoder(req.Body).Decode(&payload); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}
	if err := r.tunnels.SetStatus(req.Context(), info.UserID, info.IsAdmin, tunnelID, payload.IsActive); err != nil {
		r.serviceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "updated"})
}

func (r *Router) handleTunnelStats(w http.ResponseWriter, req *http.Request, info authInfo, tunnelID string) {
	if req.Method != http.MethodGet {
		r.methodNotAllowed(w)
		return
	}
	if _, err := r.tunnels.Get(req.Context(), info.UserID, info.IsAdmin, tunnelID); err != nil {
		r.serviceError(w, err)
		return
	}
	hours, _ := strconv.Atoi(req.URL.Query().Get("hours"))
	stats, err := r.metrics.TunnelStats(req.Context(), tunnelID, hours)
	if err != nil {
		r.serviceError(w, err)
		return
	}
	payload := map[string]any{
		"tunnel_id":           stats.TunnelID,
		"tunnel_name":         stats.TunnelName,
		"current_status":      stats.CurrentStatus,
		"current_connections": stats.CurrentConnections,
		"traffic_in_total":    stats.TrafficInTotal,
		"traffic_out_total":   stats.TrafficOutTotal,
	}
	if stats.LatestMetricAt != nil {
		payload["latest_metric_at"] = stats.LatestMetricAt.UTC().Format(time.RFC3339Nano)
	}
	writeJSON(w, http.StatusOK, payload)
}

func (r *Router) handleSSHKeys(w http.ResponseWriter, req *http.Request) {
	info, ok := authInfoFromContext(req.Context())
	if !ok {
		writeError(w, http.StatusInternalServerError, "authorization context missing")
		return
	}
	switch req.Method {
	case http.MethodGet:
		keys, err := r.sshkeys.List(req.Context(), info.UserID)
		if err != nil {
			r.serviceError(w, err)
			return
		}
		out := make([]map[string]any, 0, len(keys))
		for i := range keys {
			out = append(out, sshKeyView(&keys[i]))
		}
		writeJSON(w, http.StatusOK, out)
	case http.MethodPost:
		var payload struct {
			Name      string `json:"name"`
			PublicKey string `json:"public_key"`
		}
		if err := json.NewDecoder(req.Body).Decode(&payload); err != nil {
			writeError(w, http.StatusBadRequest, "invalid JSON body")
			return
		}
		key, err := r.sshkeys.Add(req.Context(), info.UserID, payload.Name, payload.PublicKey)
		if err != nil {
			r.serviceError(w, err)
			return
		}
		r.recordActorActivity(req, "ssh_key_added", key.Fingerprint)
		writeJSON(w, http.StatusCreated, sshKeyView(key))
	default:
		r.methodNotAllowed(w)
	}
}

func (r *Router) handleSSHKeySubroutes(w http.ResponseWriter, req *http.Request) {
	info, ok := authInfoFromContext(req.Context())
	if !ok {
		writeError(w, http.StatusInternalServerError, "authorization context missing")
		return
	}
	parts := pathParts(req.URL.Path, "/ssh-keys/")
	if len(parts) != 1 || parts[0] == "" {
		r.notFound(w)
		return
	}
	if req.Method != http.MethodDelete {
		r.methodNotAllowed(w)
		return
	}
	if err := r.sshkeys.Delete(req.Context(), info.UserID, parts[0]); err != nil {
		r.serviceError(w, err)
		return
	}
	r.recordActorActivity(req, "ssh_key_deleted", parts[0])
	writeJSON(w, http.StatusOK, map[string]string{"status": "deleted"})
}

func (r *Router) handleServerStats(w http.ResponseWriter, req *http.Request) {
	if req.Method != http.MethodGet {
		r.methodNotAllowed(w)
		return
	}
	stats, err := r.activity.ServerStats(req.Context())
	if err != nil {
		r.serviceError(w, err)
		return
	}
	recent := make([]map[string]any, 0, len(stats.RecentActivity))
	for i := range stats.RecentActivity {
		recent = append(recent, activityView(&stats.RecentActivity[i]))
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"total_users":     stats.TotalUsers,
		"active_users":    stats.ActiveUsers,
		"total_tunnels":   stats.TotalTunnels,
		"active_tunnels":  stats.ActiveTunnels,
		"recent_activity": recent,
	})
}

func (r *Router) handleActivity(w http.ResponseWriter, req *http.Request) {
	if req.Method != http.MethodGet {
		r.methodNotAllowed(w)
		return
	}
	limit, _ := strconv.Atoi(req.URL.Query().Get("limit"))
	entries, err := r.activity.Recent(req.Context(), limit)
	if err != nil {
		r.serviceError(w, err)
		return
	}
	out := make([]map[string]any, 0, len(entries))
	for i := range entries {
		out = append(out, activityView(&entries[i]))
	}
	writeJSON(w, http.StatusOK, out)
}

// handleMetricsReport ingests a client-submitted batch. Reporters identify
// themselves with the per-user tunnel token, not a browser session.
func (r *Router) handleMetricsReport(w http.ResponseWriter, req *http.Request) {
	if req.Method != http.MethodPost {
		r.methodNotAllowed(w)
		return
	}
	usr, err := r.auth.AuthorizeTunnelToken(req.Context(), req.Header.Get("X-Tunnel-Token"))
	if err != nil {
		writeError(w, http.StatusUnauthorized, "invalid tunnel token")
		return
	}
	var payload struct {
		Metrics []metrics.RequestReport `json:"metrics"`
	}
	if err := json.NewDecoder(req.Body).Decode(&payload); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}
	stored, err := r.metrics.StoreBatch(req.Context(), usr.ID, payload.Metrics)
	if err != nil {
		r.serviceError(w, err)
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]any{
		"received": len(payload.Metrics),
		"stored":   stored,
	})
}

func (r *Router) handleMetricsRequests(w http.ResponseWriter, req *http.Request) {
	if req.Method != http.MethodGet {
		r.methodNotAllowed(w)
		return
	}
	page, err := r.metrics.RequestPage(req.Context(), requestFilterFromQuery(req))
	if err != nil {
		r.serviceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, requestPageView(page))
}

func (r *Router) handleMetricsSummary(w http.ResponseWriter, req *http.Request) {
	if req.Method != http.MethodGet {
		r.methodNotAllowed(w)
		return
	}
	query := req.URL.Query()
	summary, err := r.metrics.Summary(req.Context(), query.Get("tunnel_name"), query.Get("period"))
	if err != nil {
		r.serviceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, summaryView(summary))
}

func (r *Router) handleMetricsTunnels(w http.ResponseWriter, req *http.Request) {
	if req.Method != http.MethodGet {
		r.methodNotAllowed(w)
		return
	}
	rollups, err := r.metrics.TunnelRollups(req.Context())
	if err != nil {
		r.serviceError(w, err)
		return
	}
	out := make([]map[string]any, 0, len(rollups))
	for i := range rollups {
		entry := map[string]any{
			"tunnel_name":          rollups[i].TunnelName,
			"total_requests_1h":    rollups[i].TotalRequests1h,
			"avg_response_time_1h": rollups[i].AvgResponseTime1h,
			"p95_response_time_1h": rollups[i].P95ResponseTime1h,
			"total_bytes_in_1h":    rollups[i].TotalBytesIn1h,
			"total_bytes_out_1h":   rollups[i].TotalBytesOut1h,
			"error_rate_1h":        rollups[i].ErrorRate1h,
			"status":               rollups[i].Status,
		}
		if rollups[i].LastRequestAt != nil {
			entry["last_request_at"] = rollups[i].LastRequestAt.UTC().Format(time.RFC3339Nano)
		} else {
			entry["last_request_at"] = nil
		}
		out = append(out, entry)
	}
	writeJSON(w, http.StatusOK, map[string]any{"tunnels": out})
}

func (r *Router) handleMetricsTunnelSubroutes(w http.ResponseWriter, req *http.Request) {
	info, ok := authInfoFromContext(req.Context())
	if !ok {
		writeError(w, http.StatusInternalServerError, "authorization context missing")
		return
	}
	parts := pathParts(req.URL.Path, "/metrics/tunnels/")
	if len(parts) != 2 {
		r.notFound(w)
		return
	}
	switch parts[1] {
	case "stats":
		r.handleTunnelStats(w, req, info, parts[0])
	case "traffic":
		r.handleTunnelTraffic(w, req, info, parts[0])
	default:
		r.notFound(w)
	}
}

func (r *Router) handleTunnelTraffic(w http.ResponseWriter, req *http.Request, info authInfo, tunnelID string) {
	if req.Method != http.MethodGet {
		r.methodNotAllowed(w)
		return
	}
	if _, err := r.tunnels.Get(req.Context(), info.UserID, info.IsAdmin, tunnelID); err != nil {
		r.serviceError(w, err)
		return
	}
	traffic, err := r.metrics.TrafficHistory(req.Context(), tunnelID)
	if err != nil {
		writeError(w, http.StatusBadGateway, "relay traffic history unavailable")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"name":        traffic.Name,
		"traffic_in":  traffic.TrafficIn,
		"traffic_out": traffic.TrafficOut,
	})
}

func (r *Router) handleMetricsSlow(w http.ResponseWriter, req *http.Request) {
	if req.Method != http.MethodGet {
		r.methodNotAllowed(w)
		return
	}
	query := req.URL.Query()
	threshold, _ := strconv.ParseFloat(query.Get("threshold_ms"), 64)
	limit, _ := strconv.Atoi(query.Get("limit"))
	slow, err := r.metrics.SlowRequests(req.Context(), threshold, limit)
	if err != nil {
		r.serviceError(w, err)
		return
	}
	out := make([]map[string]any, 0, len(slow))
	for i := range slow {
		out = append(out, requestMetricView(&slow[i]))
	}
	writeJSON(w, http.StatusOK, map[string]any{"requests": out})
}

func (r *Router) handleMetricsSnapshots(w http.ResponseWriter, req *http.Request) {
	if req.Method != http.MethodGet {
		r.methodNotAllowed(w)
		return
	}
	snapshots, err := r.metrics.Snapshots(req.Context())
	if err != nil {
		r.serviceError(w, err)
		return
	}
	out := make([]map[string]any, 0, len(snapshots))
	for _, snap := range snapshots {
		entry := map[string]any{
			"tunnel_id":           snap.TunnelID,
			"tunnel_name":         snap.TunnelName,
			"tunnel_type":         snap.TunnelType,
			"subdomain":           snap.Subdomain,
			"is_active":           snap.IsActive,
			"traffic_in":          snap.TrafficIn,
			"traffic_out":         snap.TrafficOut,
			"current_connections": snap.CurrentConnections,
			"status":              snap.Status,
		}
		if snap.LastCollectedAt != nil {
			entry["last_collected_at"] = snap.LastCollectedAt.UTC().Format(time.RFC3339Nano)
		} else {
			entry["last_collected_at"] = nil
		}
		out = append(out, entry)
	}
	writeJSON(w, http.StatusOK, map[string]any{"tunnels": out})
}

func (r *Router) handleMetricsOverview(w http.ResponseWriter, req *http.Request) {
	if req.Method != http.MethodGet {
		r.methodNotAllowed(w)
		return
	}
	overview, err := r.metrics.Overview(req.Context())
	if err != nil {
		r.serviceError(w, err)
		return
	}
	payload := map[string]any{
		"frps_available":       overview.FrpsAvailable,
		"requests_24h":         overview.Requests24h,
		"avg_response_time_ms": overview.AvgResponseTimeMS,
		"slow_requests_24h":    overview.SlowRequests24h,
	}
	if overview.FrpsInfo != nil {
		payload["frps"] = map[string]any{
			"version":           overview.FrpsInfo.Version,
			"bind_port":         overview.FrpsInfo.BindPort,
			"total_traffic_in":  overview.FrpsInfo.TotalTrafficIn,
			"total_traffic_out": overview.FrpsInfo.TotalTrafficOut,
			"current_conns":     overview.FrpsInfo.CurConns,
			"client_counts":     overview.FrpsInfo.ClientCounts,
			"proxy_type_counts": overview.FrpsInfo.ProxyTypeCounts,
		}
	}
	writeJSON(w, http.StatusOK, payload)
}

// handleAdminRequests keeps the dashboard's original endpoint shape: the raw
// request list wrapped in a "requests" envelope, without pagination totals.
func (r *Router) handleAdminRequests(w http.ResponseWriter, req *http.Request) {
	if req.Method != http.MethodGet {
		r.methodNotAllowed(w)
		return
	}
	page, err := r.metrics.RequestPage(req.Context(), requestFilterFromQuery(req))
	if err != nil {
		r.serviceError(w, err)
		return
	}
	out := make([]map[string]any, 0, len(page.Metrics))
	for i := range page.Metrics {
		out = append(out, requestMetricView(&page.Metrics[i]))
	}
	writeJSON(w, http.StatusOK, map[string]any{"requests": out})
}

func (r *Router) handleMetricsWS(w http.ResponseWriter, req *http.Request) {
	if _, ok := authInfoFromContext(req.Context()); !ok {
		writeError(w, http.StatusInternalServerError, "authorization context missing")
		return
	}
	tunnelName := req.URL.Query().Get("tunnel_name")
	conn, err := r.upgrader.Upgrade(w, req, nil)
	if err != nil {
		r.logger.Error("websocket upgrade failed", "error", err)
		return
	}
	client := ws.NewClient(conn, r.logger)
	r.hub.Register(tunnelName, client)
	go func() {
		defer func() {
			r.hub.Unregister(tunnelName, client)
			client.Close()
		}()
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				break
			}
		}
	}()
}

func (r *Router) handleMetricsSSE(w http.ResponseWriter, req *http.Request) {
	if req.Method != http.MethodGet {
		r.methodNotAllowed(w)
		return
	}
	flusher, ok := w.(http.Flusher)
	if !ok {
		writeError(w, http.StatusInternalServerError, "streaming not supported")
		return
	}
	tunnelName := req.URL.Query().Get("tunnel_name")

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	flusher.Flush()

	client := ws.NewSSEClient(w, flusher, r.logger)
	r.hub.Register(tunnelName, client)
	defer func() {
		r.hub.Unregister(tunnelName, client)
		client.Close()
	}()

	heartbeat := time.NewTicker(sseHeartbeat)
	defer heartbeat.Stop()
	for {
		select {
		case <-req.Context().Done():
			return
		case <-heartbeat.C:
			if err := client.Heartbeat(); err != nil {
				return
			}
		}
	}
}

func (r *Router) handleHealthz(w http.ResponseWriter, req *http.Request) {
	if req.Method != http.MethodGet {
		r.methodNotAllowed(w)
		return
	}
	components := make(map[string]any)
	status := "ok"
	if r.dbHealth != nil {
		ctx, cancel := context.WithTimeout(req.Context(), healthCheckTimeout)
		defer cancel()
		if err := r.dbHealth(ctx); err != nil {
			status = "degraded"
			components["database"] = map[string]any{
				"status": "down",
				"error":  err.Error(),
			}
		} else {
			components["database"] = map[string]any{"status": "up"}
		}
	}
	payload := map[string]any{
		"status":     status,
		"components": components,
		"timestamp":  time.Now().UTC().Format(time.RFC3339Nano),
	}
	code := http.StatusOK
	if status != "ok" {
		code = http.StatusServiceUnavailable
	}
	writeJSON(w, code, payload)
}

func (r *Router) audit(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, req *http.Request) {
		recorder := &statusRecorder{ResponseWriter: w}
		start := time.Now()
		next(recorder, req)

		status := recorder.status
		if status == 0 {
			status = http.StatusOK
		}
		ctx := recorder.ctx
		if ctx == nil {
			ctx = req.Context()
		}
		duration := time.Since(start)
		actor := "anonymous"
		fields := []any{
			"method", req.Method,
			"path", req.URL.Path,
			"status", status,
			"bytes", recorder.bytes,
			"duration_ms", duration.Milliseconds(),
		}
		if ip := clientIP(req); ip != "" {
			fields = append(fields, "ip", ip)
		}
		if reqID := strings.TrimSpace(req.Header.Get("X-Request-ID")); reqID != "" {
			fields = append(fields, "request_id", reqID)
		}
		if info, ok := authInfoFromContext(ctx); ok {
			actor = "user"
			if info.IsAdmin {
				actor = "admin"
			}
			fields = append(fields, "user_id", info.UserID)
		} else if req.URL.Path == "/metrics/report" {
			actor = "reporter"
		}
		fields = append(fields, "actor", actor)

		r.recordRequestMetrics(req.Method, req.URL.Path, status, duration)

		switch {
		case status >= http.StatusInternalServerError:
			r.logger.Error("http_request", fields...)
		case status >= http.StatusBadRequest:
			r.logger.Warn("http_request", fields...)
		default:
			r.logger.Info("http_request", fields...)
		}
	}
}

// serviceError maps service and repository errors onto HTTP statuses.
func (r *Router) serviceError(w http.ResponseWriter, err error) {
	var validation *tunnel.ValidationError
	switch {
	case errors.Is(err, repository.ErrNotFound):
		writeError(w, http.StatusNotFound, "not found")
	case errors.Is(err, repository.ErrConflict):
		writeError(w, http.StatusConflict, "already exists")
	case errors.Is(err, repository.ErrInvalidArgument),
		errors.Is(err, user.ErrInvalidEmail),
		errors.Is(err, user.ErrWeakPassword),
		errors.Is(err, sshkey.ErrInvalidKey):
		writeError(w, http.StatusBadRequest, err.Error())
	case errors.As(err, &validation):
		writeError(w, http.StatusBadRequest, validation.Error())
	case errors.Is(err, tunnel.ErrQuotaExceeded):
		writeError(w, http.StatusForbidden, err.Error())
	case errors.Is(err, tunnel.ErrNotOwner), errors.Is(err, sshkey.ErrNotOwner),
		errors.Is(err, user.ErrAdminImmutable):
		writeError(w, http.StatusForbidden, err.Error())
	default:
		r.logger.Error("request failed", "error", err)
		writeError(w, http.StatusInternalServerError, "internal error")
	}
}

func (r *Router) recordActorActivity(req *http.Request, action, details string) {
	info, ok := authInfoFromContext(req.Context())
	userID := ""
	if ok {
		userID = info.UserID
	}
	r.activity.Record(req.Context(), userID, action, details, clientIP(req))
}

type statusRecorder struct {
	http.ResponseWriter
	status int
	bytes  int
	ctx    context.Context
}

func (sr *statusRecorder) WriteHeader(code int) {
	sr.status = code
	sr.ResponseWriter.WriteHeader(code)
}

func (sr *statusRecorder) Write(b []byte) (int, error) {
	if sr.status == 0 {
		sr.status = http.StatusOK
	}
	n, err := sr.ResponseWriter.Write(b)
	sr.bytes += n
	return n, err
}

func (sr *statusRecorder) SetContext(ctx context.Context) {
	sr.ctx = ctx
}

func (sr *statusRecorder) Flush() {
	if f, ok := sr.ResponseWriter.(http.Flusher); ok {
		f.Flush()
	}
}

func (sr *statusRecorder) Hijack() (net.Conn, *bufio.ReadWriter, error) {
	if h, ok := sr.ResponseWriter.(http.Hijacker); ok {
		return h.Hijack()
	}
	return nil, nil, errors.New("hijacker not supported")
}

func (sr *statusRecorder) Push(target string, opts *http.PushOptions) error {
	if p, ok := sr.ResponseWriter.(http.Pusher); ok {
		return p.Push(target, opts)
	}
	return http.ErrNotSupported
}

func clientIP(req *http.Request) string {
	if forwarded := strings.TrimSpace(req.Header.Get("X-Forwarded-For")); forwarded != "" {
		parts := strings.Split(forwarded, ",")
		if len(parts) > 0 {
			ip := strings.TrimSpace(parts[0])
			if ip != "" {
				return ip
			}
		}
	}
	host, _, err := net.SplitHostPort(strings.TrimSpace(req.RemoteAddr))
	if err != nil {
		return strings.TrimSpace(req.RemoteAddr)
	}
	return host
}

func (r *Router) applyRateHeaders(w http.ResponseWriter, limit int, decision rateDecision) {
	if limit <= 0 {
		return
	}
	remaining := limit - decision.count
	if remaining < 0 {
		remaining = 0
	}
	headers := w.Header()
	headers.Set("X-RateLimit-Limit", strconv.Itoa(limit))
	headers.Set("X-RateLimit-Remaining", strconv.Itoa(remaining))
	if !decision.windowEnd.IsZero() {
		headers.Set("X-RateLimit-Reset", strconv.FormatInt(decision.windowEnd.Unix(), 10))
	}
}

func (r *Router) methodNotAllowed(w http.ResponseWriter) {
	writeError(w, http.StatusMethodNotAllowed, "method not allowed")
}

func (r *Router) notFound(w http.ResponseWriter) {
	writeError(w, http.StatusNotFound, "not found")
}

func pathParts(path, prefix string) []string {
	trimmed := strings.TrimPrefix(path, prefix)
	trimmed = strings.Trim(trimmed, "/")
	if trimmed == "" {
		return nil
	}
	return strings.Split(trimmed, "/")
}
