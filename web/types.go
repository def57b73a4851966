package web

import (
	"encoding/json"
	"time"
)

// SnapshotRow represents one introspection pass for the web API
type SnapshotRow struct {
	ID        int64     `json:"id"`
	Timestamp time.Time `json:"timestamp"`
	Domain    string    `json:"domain"`
	Visited   int       `json:"visited"`
	Decoded   int       `json:"decoded"`
	Skipped   int       `json:"skipped"`
	Partial   bool      `json:"partial"`
	Corrupted bool      `json:"corrupted"`
}

// ProcessRow represents a decoded guest process for the web API
type ProcessRow struct {
	ID         int64     `json:"id"`
	SnapshotID int64     `json:"snapshotId"`
	Seq        int       `json:"seq"`
	PID        uint32    `json:"pid"`
	Name       string    `json:"name"`
	EProcess   string    `json:"eprocess"`
	Timestamp  time.Time `json:"timestamp"`
	Domain     string    `json:"domain"`
}

// ScanRow represents a thread pointer scan result for the web API
type ScanRow struct {
	ID         int64           `json:"id"`
	SnapshotID int64           `json:"snapshotId"`
	PID        uint32          `json:"pid"`
	Name       string          `json:"name"`
	EProcess   string          `json:"eprocess"`
	Matches    int             `json:"matches"`
	Samples    json.RawMessage `json:"samples"`
}
