package dns

import (
	"bytes"
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

const netlifyAPIBase = "https://api.netlify.com/api/v1"

// ipServices are tried in order until one yields a plausible address.
var ipServices = []string{
	"https://api.ipify.org",
	"https://ifconfig.me/ip",
	"https://icanhazip.com",
}

// Record is one Netlify DNS record.
type Record struct {
	ID       string `json:"id"`
	Hostname string `json:"hostname"`
	Type     string `json:"type"`
	Value    string `json:"value"`
	TTL      int    `json:"ttl"`
}

// Client manages DNS records in one Netlify zone. Zone listings are cached
// until Invalidate or a mutation; every operation is soft in the sense that
// the caller decides whether a DNS failure matters.
type Client struct {
	token      string
	zoneID     string
	ttl        int
	baseURL    string
	ipServices []string
	http       *http.Client
	logger     *slog.Logger

	mu      sync.Mutex
	records []Record
	cached  bool
}

// NewClient builds a client for one DNS zone. A zero ttl uses Netlify's
// zone default.
func NewClient(token, zoneID string, ttl int, logger *slog.Logger) *Client {
	if logger != nil {
		logger = logger.With("component", "dns")
	}
	return &Client{
		token:      token,
		zoneID:     zoneID,
		ttl:        ttl,
		baseURL:    netlifyAPIBase,
		ipServices: ipServices,
		http:       &http.Client{Timeout: 15 * time.Second},
		logger:     logger,
	}
}

// Enabled reports whether the client has credentials to act with.
func (c *Client) Enabled() bool {
	return c != nil && c.token != "" && c.zoneID != ""
}

// PublicIP detects this host's public address by querying fallback services
// in order.
func (c *Client) PublicIP(ctx context.Context) (string, error) {
	var lastErr error
	for _, service := range c.ipServices {
		req, err := http.NewRequestWithContext(ctx, http.MethodGet, service, nil)
		if err != nil {
			lastErr = err
			continue
		}
		resp, err := c.http.Do(req)
		if err != nil {
			lastErr = err
			continue
		}
		body, err := io.ReadAll(io.LimitReader(resp.Body, 64))
		resp.Body.Close()
		if err != nil || resp.StatusCode != http.StatusOK {
			lastErr = fmt.Errorf("%s returned status %d", service, resp.StatusCode)
			continue
		}
		ip := strings.TrimSpace(string(body))
		if ip != "" {
			return ip, nil
		}
	}
	return "", fmt.Errorf("public ip detection failed: %w", lastErr)
}

// Records lists the zone's records, from cache when warm.
func (c *Client) Records(ctx context.Context) ([]Record, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.cached {
		return c.records, nil
	}
	var records []Record
	if err := c.do(ctx, http.MethodGet, fmt.Sprintf("/dns_zones/%s/dns_records", c.zoneID), nil, &records); err != nil {
		return nil, err
	}
	c.records = records
	c.cached = true
	return records, nil
}

// Find returns the first record matching hostname and type, or nil.
func (c *Client) Find(ctx context.Context, hostname, recordType string) (*Record, error) {
	records, err := c.Records(ctx)
	if err != nil {
		return nil, err
	}
	for i := range records {
		if records[i].Hostname == hostname && records[i].Type == recordType {
			return &records[i], nil
		}
	}
	return nil, nil
}

// Create adds a record and drops the cache.
func (c *Client) Create(ctx context.Context, hostname, recordType, value string) (*Record, error) {
	payload := map[string]any{
		"hostname": hostname,
		"type":     recordType,
		"value":    value,
	}
	if c.ttl > 0 {
		payload["ttl"] = c.ttl
	}
	var record Record
	if err := c.do(ctx, http.MethodPost, fmt.Sprintf("/dns_zones/%s/dns_records", c.zoneID), payload, &record); err != nil {
		return nil, err
	}
	c.Invalidate()
	return &record, nil
}

// Delete removes a record by ID and drops the cache.
func (c *Client) Delete(ctx context.Context, recordID string) error {
	if err := c.do(ctx, http.MethodDelete, fmt.Sprintf("/dns_zones/%s/dns_records/%s", c.zoneID, recordID), nil, nil); err != nil {
		return err
	}
	c.Invalidate()
	return nil
}

// Ensure makes hostname point at value, replacing a stale record if one
// exists and doing nothing when it already matches.
func (c *Client) Ensure(ctx context.Context, hostname, recordType, value string) error {
	existing, err := c.Find(ctx, hostname, recordType)
	if err != nil {
		return err
	}
	if existing != nil {
		if existing.Value == value {
			return nil
		}
		if err := c.Delete(ctx, existing.ID); err != nil {
			return err
		}
	}
	_, err = c.Create(ctx, hostname, recordType, value)
	return err
}

// SyncDomain points the apex and wildcard records of domain at this host's
// public address. Failures are logged, never fatal; tunnels work without
// DNS automation.
func (c *Client) SyncDomain(ctx context.Context, domain string) {
	if !c.Enabled() {
		return
	}
	ip, err := c.PublicIP(ctx)
	if err != nil {
		if c.logger != nil {
			c.logger.Warn("dns sync skipped", "error", err)
		}
		return
	}
	for _, hostname := range []string{domain, "*." + domain} {
		if err := c.Ensure(ctx, hostname, "A", ip); err != nil {
			if c.logger != nil {
				c.logger.Warn("dns record sync failed", "hostname", hostname, "error", err)
			}
			continue
		}
		if c.logger != nil {
			c.logger.Info("dns record in sync", "hostname", hostname, "ip", ip)
		}
	}
}

// Invalidate drops the cached zone listing.
func (c *Client) Invalidate() {
	c.mu.Lock()
	c.cached = false
	c.records = nil
	c.mu.Unlock()
}

func (c *Client) do(ctx context.Context, method, path string, payload, out any) error {
	var body io.Reader
	if payload != nil {
		raw, err := json.Marshal(payload)
		if err != nil {
			return err
		}
		body = bytes.NewReader(raw)
	}
	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, body)
	if err != nil {
		return err
	}
	req.Header.Set("Authorization", "Bearer "+c.token)
	if payload != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return fmt.Errorf("netlify %s %s returned status %d", method, path, resp.StatusCode)
	}
	if out == nil {
		return nil
	}
	return json.NewDecoder(resp.Body).Decode(out)
}
