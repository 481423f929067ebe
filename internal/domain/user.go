package domain

import "time"

// User is a dashboard account that owns tunnels.
type User struct {
	ID           string
	Email        string
	PasswordHash []byte
	TunnelToken  string
	IsAdmin      bool
	IsActive     bool
	MaxTunnels   int
	CreatedAt    time.Time
	LastLoginAt  *time.Time
}

// UserSummary is the admin listing shape including live tunnel counts.
type UserSummary struct {
	User
	ActiveTunnels int
}
