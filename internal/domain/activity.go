package domain

import "time"

// ActivityLog records a single audited user action.
type ActivityLog struct {
	ID        int64
	UserID    *string
	UserEmail string
	Action    string
	Details   string
	IPAddress string
	CreatedAt time.Time
}

// ServerStats is the admin dashboard counters block.
type ServerStats struct {
	TotalUsers     int
	ActiveUsers    int
	TotalTunnels   int
	ActiveTunnels  int
	RecentActivity []ActivityLog
}
