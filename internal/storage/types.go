package storage

import (
	"errors"
	"time"
)

var (
	ErrDisabled = errors.New("storage disabled")
	ErrNotFound = errors.New("storage: entry not found")
)

// Config configures storage.
//
// If Driver is empty or "none", storage is disabled.
type Config struct {
	Driver      string
	Path        string        // file/sqlite: filesystem path; redis: redis:// URL
	BusyTimeout time.Duration // sqlite only; 0 means default
	KeyPrefix   string        // redis only; default "jobsagent:"
}

// Entry is one failed (endpoint, batch) delivery awaiting re-send.
// Payload is the JSON-encoded batch; storage never interprets it.
type Entry struct {
	ID        string    `json:"id"`
	Endpoint  string    `json:"endpoint"`
	Payload   []byte    `json:"payload"`
	Attempts  int       `json:"attempts"`
	LastError string    `json:"last_error,omitempty"`
	FailedAt  time.Time `json:"failed_at"`
	UpdatedAt time.Time `json:"updated_at"`
}
