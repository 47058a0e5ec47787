package storage

import (
	"errors"
	"time"
)

var ErrDisabled = errors.New("storage disabled")

// Config configures storage.
//
// Driver values:
//   - "file": dependency-free JSON Lines file
//   - "sqlite": SQLite database file (optional build tag)
//
// If Driver is empty or "none", storage is disabled.
type Config struct {
	Driver      string
	Path        string
	BusyTimeout time.Duration // sqlite only; 0 means default
}

// AuditEntry records one operator command. Keep it compact and schema-stable.
type AuditEntry struct {
	At     time.Time `json:"at"`
	Action string    `json:"action"` // spawn, stop, stop_all, chain
	Origin string    `json:"origin"` // http, trigger:<name>, chain
	LoopID string    `json:"loop_id,omitempty"`
	Effect string    `json:"effect,omitempty"`
	Args   string    `json:"args,omitempty"`
	OK     bool      `json:"ok"`
	Error  string    `json:"error,omitempty"`
}
