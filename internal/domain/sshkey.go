package domain

import "time"

// SSHKey is a public key registered for SSH tunnel access.
type SSHKey struct {
	ID          string
	UserID      string
	Name        string
	PublicKey   string
	Fingerprint string
	CreatedAt   time.Time
}
