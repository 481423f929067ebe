package domain

import "time"

// TunnelMetric is one poll-derived traffic snapshot for a tunnel. Rows are
// append-only; the traffic counters are frps daily totals, not deltas.
type TunnelMetric struct {
	ID                 int64
	TunnelID           string
	TunnelName         string
	TrafficIn          int64
	TrafficOut         int64
	CurrentConnections int
	Status             string
	CollectedAt        time.Time
}

// RequestMetric is one client-observed request passing through a tunnel.
// StatusCode and ResponseTimeMS are nil when the reporting client could not
// observe them; nil latency rows stay in counts but never in latency stats.
type RequestMetric struct {
	ID             int64
	TunnelID       string
	TunnelName     string
	RequestPath    string
	RequestMethod  string
	StatusCode     *int
	ResponseTimeMS *float64
	BytesSent      int64
	BytesReceived  int64
	ClientIP       string
	Timestamp      time.Time
}

// RequestMetricFilter narrows raw request queries. Zero values impose no
// filter; latency bounds are inclusive.
type RequestMetricFilter struct {
	TunnelID       string
	TunnelName     string
	MinResponseMS  *float64
	MaxResponseMS  *float64
	StatusCode     *int
	RequestMethod  string
	Limit          int
	Offset         int
}

// RequestMetricPage is a raw query result slice plus the filtered total.
type RequestMetricPage struct {
	Metrics []RequestMetric
	Total   int
	Limit   int
	Offset  int
}

// StatusClassCounts buckets requests by status code class. Rows with a nil
// status code land in no bucket.
type StatusClassCounts struct {
	S2xx int
	S3xx int
	S4xx int
	S5xx int
}

// RequestWindowStats is the single-scan aggregate over a time window.
type RequestWindowStats struct {
	TotalRequests  int
	AvgResponseMS  float64
	MinResponseMS  float64
	MaxResponseMS  float64
	TotalBytesIn   int64
	TotalBytesOut  int64
	StatusClasses  StatusClassCounts
	ErrorCount     int
	LastRequestAt  *time.Time
}

// MetricsSummary is the windowed summary answer for one tunnel or all.
type MetricsSummary struct {
	TunnelName        string
	Period            string
	TotalRequests     int
	AvgResponseTimeMS float64
	P50ResponseTimeMS float64
	P95ResponseTimeMS float64
	P99ResponseTimeMS float64
	MinResponseTimeMS float64
	MaxResponseTimeMS float64
	TotalBytesIn      int64
	TotalBytesOut     int64
	StatusCodes       StatusClassCounts
	RequestsPerMinute float64
	ErrorRate         float64
}

// TunnelRequestStats is one row of the all-tunnels 1-hour rollup.
type TunnelRequestStats struct {
	TunnelName        string
	TotalRequests1h   int
	AvgResponseTime1h float64
	P95ResponseTime1h float64
	TotalBytesIn1h    int64
	TotalBytesOut1h   int64
	ErrorRate1h       float64
	LastRequestAt     *time.Time
	Status            string
}

// TunnelTrafficStats is the single-tunnel extended-window answer built from
// poll snapshots.
type TunnelTrafficStats struct {
	TunnelID           string
	TunnelName         string
	CurrentStatus      string
	CurrentConnections int
	TrafficInTotal     int64
	TrafficOutTotal    int64
	LatestMetricAt     *time.Time
}

// TunnelSnapshot is the latest poll snapshot joined with registry fields.
type TunnelSnapshot struct {
	TunnelID           string
	TunnelName         string
	TunnelType         string
	Subdomain          *string
	IsActive           bool
	TrafficIn          int64
	TrafficOut         int64
	CurrentConnections int
	Status             string
	LastCollectedAt    *time.Time
}
