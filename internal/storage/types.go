package storage

import (
	"errors"
	"time"
)

var ErrDisabled = errors.New("storage disabled")

// Config configures storage.
//
// Driver values:
//   - "file": dependency-free file backend (jsonl + snapshot)
//   - "sqlite": SQLite database file (optional build tag)
//
// If Driver is empty or "none", storage is disabled.
type Config struct {
	Driver      string
	Path        string
	BusyTimeout time.Duration // sqlite only; 0 means default
}

// ActionRecord is one settled send action, appended to the persistent
// action log. Keep it compact and schema-stable.
type ActionRecord struct {
	At          time.Time
	Request     string
	Target      string
	Status      string
	Attempts    int
	ScheduledAt time.Time
	Error       string
	TookMS      int64
}
