// Package frps queries the frp server dashboard API for proxy statistics.
// Every failure here is soft: the relay being down must never take the
// control plane with it, so callers get an error (or empty data) and move on.
package frps

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"sync"
	"time"
)

const (
	defaultTimeout       = 5 * time.Second
	availabilityCacheTTL = 30 * time.Second
)

// PolledProxyTypes are the transport types the collector reconciles.
var PolledProxyTypes = []string{"http", "https", "tcp"}

// ServerInfo mirrors the frps /api/serverinfo payload.
type ServerInfo struct {
	Version         string         `json:"version"`
	BindPort        int            `json:"bindPort"`
	VhostHTTPPort   int            `json:"vhostHTTPPort"`
	VhostHTTPSPort  int            `json:"vhostHTTPSPort"`
	TotalTrafficIn  int64          `json:"totalTrafficIn"`
	TotalTrafficOut int64          `json:"totalTrafficOut"`
	CurConns        int            `json:"curConns"`
	ClientCounts    int            `json:"clientCounts"`
	ProxyTypeCounts map[string]int `json:"proxyTypeCount"`
}

// ProxyStats is one proxy record from /api/proxy/{type}.
type ProxyStats struct {
	Name            string `json:"name"`
	TodayTrafficIn  int64  `json:"todayTrafficIn"`
	TodayTrafficOut int64  `json:"todayTrafficOut"`
	CurConns        int    `json:"curConns"`
	Status          string `json:"status"`
	LastStartTime   string `json:"lastStartTime"`
	LastCloseTime   string `json:"lastCloseTime"`
}

// ProxyTraffic is the 7-day traffic history from /api/traffic/{name}.
type ProxyTraffic struct {
	Name       string  `json:"name"`
	TrafficIn  []int64 `json:"trafficIn"`
	TrafficOut []int64 `json:"trafficOut"`
}

// Client talks to the frps dashboard with basic-auth credentials. It keeps a
// short-lived reachability cache so overview queries do not hammer a relay
// that is known to be down; Invalidate drops the cached state.
type Client struct {
	baseURL    string
	username   string
	password   string
	logger     *slog.Logger
	httpClient *http.Client

	mu        sync.Mutex
	available bool
	checkedAt time.Time
	cacheTTL  time.Duration
	now       func() time.Time
}

// NewClient constructs a dashboard client.
func NewClient(baseURL, username, password string, timeout time.Duration, logger *slog.Logger) *Client {
	if timeout <= 0 {
		timeout = defaultTimeout
	}
	if logger != nil {
		logger = logger.With("component", "frps")
	}
	return &Client{
		baseURL:  strings.TrimRight(baseURL, "/"),
		username: username,
		password: password,
		logger:   logger,
		httpClient: &http.Client{
			Timeout: timeout,
		},
		cacheTTL: availabilityCacheTTL,
		now:      time.Now,
	}
}

func (c *Client) get(ctx context.Context, endpoint string, out any) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+endpoint, nil)
	if err != nil {
		return err
	}
	if c.username != "" {
		req.SetBasicAuth(c.username, c.password)
	}
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("frps request %s: %w", endpoint, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		io.Copy(io.Discard, resp.Body)
		return fmt.Errorf("frps request %s: unexpected status %d", endpoint, resp.StatusCode)
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("frps decode %s: %w", endpoint, err)
	}
	return nil
}

// ServerInfo fetches server-wide counters, or an error when unreachable.
func (c *Client) ServerInfo(ctx context.Context) (*ServerInfo, error) {
	var info ServerInfo
	if err := c.get(ctx, "/api/serverinfo", &info); err != nil {
		c.setAvailable(false)
		return nil, err
	}
	c.setAvailable(true)
	return &info, nil
}

// ProxiesByType fetches all proxies of one transport type.
func (c *Client) ProxiesByType(ctx context.Context, proxyType string) ([]ProxyStats, error) {
	var payload struct {
		Proxies []ProxyStats `json:"proxies"`
	}
	if err := c.get(ctx, "/api/proxy/"+proxyType, &payload); err != nil {
		return nil, err
	}
	return payload.Proxies, nil
}

// ProxyTraffic fetches the 7-day history for one proxy.
func (c *Client) ProxyTraffic(ctx context.Context, name string) (*ProxyTraffic, error) {
	var traffic ProxyTraffic
	if err := c.get(ctx, "/api/traffic/"+name, &traffic); err != nil {
		return nil, err
	}
	return &traffic, nil
}

// AllProxyStats gathers proxies for every polled transport type. Per-type
// failures are logged and skipped so one bad endpoint does not blank the
// whole poll; an unreachable relay simply yields an empty map.
func (c *Client) AllProxyStats(ctx context.Context) map[string][]ProxyStats {
	result := make(map[string][]ProxyStats)
	for _, proxyType := range PolledProxyTypes {
		proxies, err := c.ProxiesByType(ctx, proxyType)
		if err != nil {
			if c.logger != nil {
				c.logger.Debug("proxy stats unavailable", "type", proxyType, "error", err)
			}
			continue
		}
		if len(proxies) > 0 {
			result[proxyType] = proxies
		}
	}
	return result
}

// Available reports relay reachability, serving a cached answer while fresh.
func (c *Client) Available(ctx context.Context) bool {
	c.mu.Lock()
	if !c.checkedAt.IsZero() && c.now().Sub(c.checkedAt) < c.cacheTTL {
		available := c.available
		c.mu.Unlock()
		return available
	}
	c.mu.Unlock()

	_, err := c.ServerInfo(ctx)
	return err == nil
}

// Invalidate drops the cached reachability state so the next Available call
// probes the relay again.
func (c *Client) Invalidate() {
	c.mu.Lock()
	c.checkedAt = time.Time{}
	c.mu.Unlock()
}

func (c *Client) setAvailable(available bool) {
	c.mu.Lock()
	c.available = available
	c.checkedAt = c.now()
	c.mu.Unlock()
}
