package domain

import "time"

// AuditLog represents a safety-relevant action.
type AuditLog struct {
	ID        string
	UserID    string
	Action    string
	Resource  string
	Metadata  string
	CreatedAt time.Time
}
