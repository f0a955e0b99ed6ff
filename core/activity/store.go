// Package activity keeps an append-only history of executed switch commands.
package activity

import (
	"context"
	"fmt"
	"time"

	"github.com/kilianp07/switchyard/core/model"
)

// Record captures one switch command accepted by the transport.
type Record struct {
	Timestamp    time.Time    `json:"timestamp"`
	ControllerID string       `json:"controller_id"`
	SwitchID     string       `json:"switch_id"`
	State        bool         `json:"state"`
	BatchID      string       `json:"batch_id"`
	CommandID    string       `json:"command_id"`
	Sequence     uint64       `json:"sequence"`
	Source       model.Source `json:"source"`
}

// Query filters records. Zero fields match everything.
type Query struct {
	Start        time.Time
	End          time.Time
	ControllerID string
	SwitchID     string
	Limit        int
}

func (q Query) match(r Record) bool {
	if !q.Start.IsZero() && r.Timestamp.Before(q.Start) {
		return false
	}
	if !q.End.IsZero() && r.Timestamp.After(q.End) {
		return false
	}
	if q.ControllerID != "" && r.ControllerID != q.ControllerID {
		return false
	}
	if q.SwitchID != "" && r.SwitchID != q.SwitchID {
		return false
	}
	return true
}

// Store persists Records and supports querying.
type Store interface {
	Append(ctx context.Context, rec Record) error
	Query(ctx context.Context, q Query) ([]Record, error)
	Close() error
}

// Config selects the backend.
type Config struct {
	// Backend is "sqlite", "jsonl" or empty to disable the log.
	Backend    string `json:"backend"`
	Path       string `json:"path"`
	MaxSizeMB  int    `json:"max_size_mb"`
	MaxBackups int    `json:"max_backups"`
	MaxAgeDays int    `json:"max_age_days"`
}

// NewStore opens the configured backend. It returns nil when the log is
// disabled.
func NewStore(cfg Config) (Store, error) {
	switch cfg.Backend {
	case "":
		return nil, nil
	case "sqlite":
		return NewSQLiteStore(cfg.Path)
	case "jsonl":
		size := cfg.MaxSizeMB
		if size <= 0 {
			size = 10
		}
		return NewRotatingJSONLStore(cfg.Path, size, cfg.MaxBackups, cfg.MaxAgeDays)
	default:
		return nil, fmt.Errorf("activity: unknown backend %q", cfg.Backend)
	}
}
