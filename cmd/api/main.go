package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/warrenhq/warren/internal/app/migrate"
	"github.com/warrenhq/warren/internal/dns"
	"github.com/warrenhq/warren/internal/frps"
	httpx "github.com/warrenhq/warren/internal/http"
	"github.com/warrenhq/warren/internal/repository/postgres"
	"github.com/warrenhq/warren/internal/service/activity"
	"github.com/warrenhq/warren/internal/service/auth"
	"github.com/warrenhq/warren/internal/service/metrics"
	"github.com/warrenhq/warren/internal/service/sshkey"
	"github.com/warrenhq/warren/internal/service/tunnel"
	"github.com/warrenhq/warren/internal/service/user"
	"github.com/warrenhq/warren/internal/ws"
	"github.com/warrenhq/warren/pkg/config"
	"github.com/warrenhq/warren/pkg/logger"
)

func main() {
	cfg := config.LoadAPIConfig()
	log := logger.New("api", logger.ParseLevel(cfg.LogLevel))

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	pool, err := pgxpool.New(ctx, cfg.DatabaseURL)
	if err != nil {
		log.Error("failed to connect to database", "error", err)
		os.Exit(1)
	}

	runner, err := migrate.New(pool, cfg.DatabaseURL, cfg.MigrationsDir, log)
	if err != nil {
		log.Error("failed to configure migrations", "error", err)
		os.Exit(1)
	}
	defer runner.Close()
	if err := runner.Ping(ctx); err != nil {
		log.Error("database ping failed", "error", err)
		os.Exit(1)
	}
	if err := runner.Ensure(ctx); err != nil {
		log.Error("migrations failed", "error", err)
		os.Exit(1)
	}

	repo := postgres.New(pool)
	hub := ws.NewHub()

	relay := frps.NewClient(cfg.FrpsDashboardAddr, cfg.FrpsDashboardUser, cfg.FrpsDashboardPass, cfg.FrpsRequestTimeout, log)

	authSvc := auth.New(repo, log, cfg)
	userSvc := user.New(repo, log)
	tunnelSvc := tunnel.New(repo, repo, log, cfg)
	keySvc := sshkey.New(repo, log)
	activitySvc := activity.New(repo, log)
	metricSvc := metrics.New(repo, repo, relay, hub, log)

	if err := authSvc.EnsureAdmin(ctx); err != nil {
		log.Error("admin bootstrap failed", "error", err)
		os.Exit(1)
	}

	collector := metrics.NewCollector(metricSvc, cfg.CollectInterval, cfg.PurgeInterval, cfg.MetricRetentionDays, log)
	go collector.Run(ctx)

	dnsClient := dns.NewClient(cfg.NetlifyAPIToken, cfg.NetlifyDNSZoneID, cfg.DNSRecordTTL, log)
	if dnsClient.Enabled() {
		go dnsClient.SyncDomain(ctx, cfg.ServerDomain)
	}

	limiter := httpx.NewMemoryRateLimiter()
	if addr := strings.TrimSpace(cfg.RateLimitRedisAddr); addr != "" {
		redisLimiter, err := httpx.NewRedisRateLimiter(addr, cfg.RateLimitRedisPass, cfg.RateLimitRedisDB, log)
		if err != nil {
			log.Warn("redis rate limiter unavailable", "error", err)
		} else {
			limiter = redisLimiter
		}
	}

	router := httpx.NewRouter(log, authSvc, userSvc, tunnelSvc, keySvc, activitySvc, metricSvc, hub, limiter, pool.Ping)
	defer router.Close()

	srv := &http.Server{
		Addr:              cfg.Addr,
		Handler:           router,
		ReadHeaderTimeout: 5 * time.Second,
	}

	errorCh := make(chan error, 1)
	go func() {
		log.Info("api server starting", "addr", cfg.Addr)
		errorCh <- srv.ListenAndServe()
	}()

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			log.Error("graceful shutdown failed", "error", err)
		}
		log.Info("api server stopped")
	case err := <-errorCh:
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Error("server error", "error", err)
			os.Exit(1)
		}
	}
}
