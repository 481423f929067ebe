package config

import "time"

// APIConfig holds runtime configuration for the control-plane API service.
type APIConfig struct {
	Environment         string
	Addr                string
	LogLevel            string
	DatabaseURL         string
	MigrationsDir       string
	JWTSecret           string
	AccessTokenTTL      time.Duration
	AdminEmail          string
	AdminPassword       string
	AdminTunnelToken    string
	ServerDomain        string
	FrpsBindPort        int
	FrpsDashboardAddr   string
	FrpsDashboardUser   string
	FrpsDashboardPass   string
	FrpsRequestTimeout  time.Duration
	CollectInterval     time.Duration
	PurgeInterval       time.Duration
	MetricRetentionDays int
	NetlifyAPIToken     string
	NetlifyDNSZoneID    string
	DNSRecordTTL        int
	RateLimitRedisAddr  string
	RateLimitRedisPass  string
	RateLimitRedisDB    int
}

// LoadAPIConfig constructs an APIConfig from environment variables.
func LoadAPIConfig() APIConfig {
	return APIConfig{
		Environment:         GetString("APP_ENV", "development"),
		Addr:                GetString("API_ADDR", ":8000"),
		LogLevel:            GetString("LOG_LEVEL", "info"),
		DatabaseURL:         GetString("DATABASE_URL", "postgres://warren:warren@db:5432/warren?sslmode=disable"),
		MigrationsDir:       GetString("DB_MIGRATIONS_DIR", "./db/migrations"),
		JWTSecret:           GetString("JWT_SECRET", "supersecuresecret"),
		AccessTokenTTL:      time.Duration(GetInt("ACCESS_TOKEN_TTL_MIN", 30)) * time.Minute,
		AdminEmail:          GetString("ADMIN_EMAIL", "admin@localhost"),
		AdminPassword:       GetString("ADMIN_PASSWORD", ""),
		AdminTunnelToken:    GetString("ADMIN_TOKEN", ""),
		ServerDomain:        GetString("SERVER_DOMAIN", "localhost"),
		FrpsBindPort:        GetInt("FRPS_BIND_PORT", 7000),
		FrpsDashboardAddr:   GetString("FRPS_DASHBOARD_ADDR", "http://127.0.0.1:7500"),
		FrpsDashboardUser:   GetString("FRPS_DASHBOARD_USER", "admin"),
		FrpsDashboardPass:   GetString("FRPS_DASHBOARD_PASS", ""),
		FrpsRequestTimeout:  time.Duration(GetInt("FRPS_REQUEST_TIMEOUT_SECONDS", 5)) * time.Second,
		CollectInterval:     time.Duration(GetInt("METRICS_COLLECT_SECONDS", 60)) * time.Second,
		PurgeInterval:       time.Duration(GetInt("METRICS_PURGE_HOURS", 24)) * time.Hour,
		MetricRetentionDays: GetInt("METRICS_RETENTION_DAYS", 7),
		NetlifyAPIToken:     GetString("NETLIFY_API_TOKEN", ""),
		NetlifyDNSZoneID:    GetString("NETLIFY_DNS_ZONE_ID", ""),
		DNSRecordTTL:        GetInt("DNS_RECORD_TTL_SECONDS", 300),
		RateLimitRedisAddr:  GetString("RATE_LIMIT_REDIS_ADDR", ""),
		RateLimitRedisPass:  GetString("RATE_LIMIT_REDIS_PASSWORD", ""),
		RateLimitRedisDB:    GetInt("RATE_LIMIT_REDIS_DB", 0),
	}
}
