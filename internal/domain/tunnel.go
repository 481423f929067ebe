package domain

import "time"

// Tunnel types accepted by the registry. SSH tunnels ride on frp's tcp
// transport but keep their own type for URL and config rendering.
const (
	TunnelTypeHTTP  = "http"
	TunnelTypeHTTPS = "https"
	TunnelTypeTCP   = "tcp"
	TunnelTypeSSH   = "ssh"
)

// Tunnel is a registered forwarding rule owned by a user.
type Tunnel struct {
	ID              string
	UserID          string
	Name            string
	Type            string
	LocalPort       int
	LocalHost       string
	Subdomain       *string
	RemotePort      *int
	IsActive        bool
	CreatedAt       time.Time
	LastConnectedAt *time.Time
}

// TunnelRef is the minimal identity pair used when tagging metric rows.
type TunnelRef struct {
	ID   string
	Name string
	Type string
}
