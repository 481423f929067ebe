package frps

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"
)

func newTestServer(t *testing.T, handler http.HandlerFunc) *httptest.Server {
	t.Helper()
	server := httptest.NewServer(handler)
	t.Cleanup(server.Close)
	return server
}

func TestServerInfo(t *testing.T) {
	server := newTestServer(t, func(w http.ResponseWriter, req *http.Request) {
		if req.URL.Path != "/api/serverinfo" {
			t.Fatalf("unexpected path %s", req.URL.Path)
		}
		user, pass, ok := req.BasicAuth()
		if !ok || user != "admin" || pass != "secret" {
			t.Fatalf("expected basic auth credentials")
		}
		json.NewEncoder(w).Encode(map[string]any{
			"version":         "0.61.0",
			"bindPort":        7000,
			"totalTrafficIn":  12345,
			"totalTrafficOut": 54321,
			"curConns":        7,
			"clientCounts":    2,
		})
	})

	client := NewClient(server.URL, "admin", "secret", time.Second, nil)
	info, err := client.ServerInfo(context.Background())
	if err != nil {
		t.Fatalf("server info failed: %v", err)
	}
	if info.Version != "0.61.0" || info.BindPort != 7000 {
		t.Fatalf("unexpected info %+v", info)
	}
	if info.TotalTrafficIn != 12345 || info.CurConns != 7 {
		t.Fatalf("unexpected counters %+v", info)
	}
}

func TestServerInfoUnreachable(t *testing.T) {
	client := NewClient("http://127.0.0.1:1", "", "", 200*time.Millisecond, nil)
	if _, err := client.ServerInfo(context.Background()); err == nil {
		t.Fatalf("expected error for unreachable relay")
	}
}

func TestProxiesByType(t *testing.T) {
	server := newTestServer(t, func(w http.ResponseWriter, req *http.Request) {
		if req.URL.Path != "/api/proxy/http" {
			t.Fatalf("unexpected path %s", req.URL.Path)
		}
		json.NewEncoder(w).Encode(map[string]any{
			"proxies": []map[string]any{
				{"name": "web", "todayTrafficIn": 100, "todayTrafficOut": 200, "curConns": 1, "status": "online"},
			},
		})
	})

	client := NewClient(server.URL, "", "", time.Second, nil)
	proxies, err := client.ProxiesByType(context.Background(), "http")
	if err != nil {
		t.Fatalf("proxies failed: %v", err)
	}
	if len(proxies) != 1 || proxies[0].Name != "web" || proxies[0].TodayTrafficIn != 100 {
		t.Fatalf("unexpected proxies %+v", proxies)
	}
}

func TestAllProxyStatsSkipsFailingTypes(t *testing.T) {
	server := newTestServer(t, func(w http.ResponseWriter, req *http.Request) {
		switch req.URL.Path {
		case "/api/proxy/http":
			json.NewEncoder(w).Encode(map[string]any{
				"proxies": []map[string]any{{"name": "web", "status": "online"}},
			})
		case "/api/proxy/https":
			w.WriteHeader(http.StatusInternalServerError)
		case "/api/proxy/tcp":
			json.NewEncoder(w).Encode(map[string]any{"proxies": []map[string]any{}})
		default:
			t.Fatalf("unexpected path %s", req.URL.Path)
		}
	})

	client := NewClient(server.URL, "", "", time.Second, nil)
	stats := client.AllProxyStats(context.Background())
	if len(stats) != 1 {
		t.Fatalf("expected only http entry, got %d", len(stats))
	}
	if stats["http"][0].Name != "web" {
		t.Fatalf("unexpected stats %+v", stats)
	}
}

func TestAvailableCachesResult(t *testing.T) {
	calls := 0
	server := newTestServer(t, func(w http.ResponseWriter, req *http.Request) {
		calls++
		json.NewEncoder(w).Encode(map[string]any{"version": "0.61.0"})
	})

	now := time.Date(2026, time.March, 10, 12, 0, 0, 0, time.UTC)
	client := NewClient(server.URL, "", "", time.Second, nil)
	client.now = func() time.Time { return now }

	if !client.Available(context.Background()) {
		t.Fatalf("expected relay available")
	}
	if !client.Available(context.Background()) {
		t.Fatalf("expected cached availability")
	}
	if calls != 1 {
		t.Fatalf("expected a single probe, got %d", calls)
	}

	// past the cache TTL the relay is probed again
	now = now.Add(time.Minute)
	client.Available(context.Background())
	if calls != 2 {
		t.Fatalf("expected reprobe after TTL, got %d calls", calls)
	}
}

func TestInvalidateDropsCache(t *testing.T) {
	calls := 0
	server := newTestServer(t, func(w http.ResponseWriter, req *http.Request) {
		calls++
		json.NewEncoder(w).Encode(map[string]any{"version": "0.61.0"})
	})

	client := NewClient(server.URL, "", "", time.Second, nil)
	client.Available(context.Background())
	client.Invalidate()
	client.Available(context.Background())
	if calls != 2 {
		t.Fatalf("expected probe after invalidation, got %d calls", calls)
	}
}

func TestNonOKStatusIsError(t *testing.T) {
	server := newTestServer(t, func(w http.ResponseWriter, req *http.Request) {
		w.WriteHeader(http.StatusUnauthorized)
	})
	client := NewClient(server.URL, "", "", time.Second, nil)
	if _, err := client.ServerInfo(context.Background()); err == nil {
		t.Fatalf("expected error for 401 response")
	}
}
