package database

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"

	_ "github.com/mattn/go-sqlite3"

	"github.com/mhmdreda99/VMI-SecurityDemo/guest"
)

// DB handles database operations
type DB struct {
	Db *sql.DB
}

// SnapshotMeta describes one completed enumeration pass against a guest.
type SnapshotMeta struct {
	Timestamp time.Time
	Domain    string
	Visited   int
	Decoded   int
	Skipped   int
	Partial   bool
	Corrupted bool
}

// NewDB creates a new database connection
func NewDB(dataDir string) (*DB, error) {
	if err := os.MkdirAll(dataDir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create data directory: %v", err)
	}

	dbPath := filepath.Join(dataDir, "introspection.db")
	db, err := sql.Open("sqlite3", dbPath)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %v", err)
	}

	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to enable WAL mode: %v", err)
	}

	if err := initSnapshotSchema(db); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to initialize snapshot schema: %v", err)
	}

	if err := initProcessSchema(db); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to initialize process schema: %v", err)
	}

	if err := initScanSchema(db); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to initialize scan schema: %v", err)
	}

	if err := initSigmaSchema(db); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to initialize sigma schema: %v", err)
	}

	return &DB{Db: db}, nil
}

func initSnapshotSchema(db *sql.DB) error {
	schema := `
	CREATE TABLE IF NOT EXISTS snapshots (
		id        INTEGER PRIMARY KEY AUTOINCREMENT,
		timestamp DATETIME NOT NULL,
		domain    TEXT NOT NULL,
		visited   INTEGER NOT NULL,
		decoded   INTEGER NOT NULL,
		skipped   INTEGER NOT NULL,
		partial   BOOLEAN NOT NULL DEFAULT 0,
		corrupted BOOLEAN NOT NULL DEFAULT 0
	);`

	if _, err := db.Exec(schema); err != nil {
		return fmt.Errorf("failed to create snapshots table: %v", err)
	}

	indexes := []string{
		"CREATE INDEX IF NOT EXISTS idx_snap_domain ON snapshots(domain);",
		"CREATE INDEX IF NOT EXISTS idx_snap_timestamp ON snapshots(timestamp);",
	}

	for _, idx := range indexes {
		if _, err := db.Exec(idx); err != nil {
			return fmt.Errorf("failed to create index: %v", err)
		}
	}

	return nil
}

func initProcessSchema(db *sql.DB) error {
	schema := `
	CREATE TABLE IF NOT EXISTS guest_processes (
		id          INTEGER PRIMARY KEY AUTOINCREMENT,
		snapshot_id INTEGER NOT NULL,
		seq         INTEGER NOT NULL,   -- position in traversal order
		pid         INTEGER NOT NULL,
		name        TEXT NOT NULL,
		eprocess    TEXT NOT NULL       -- node base address, hex
	);`

	if _, err := db.Exec(schema); err != nil {
		return fmt.Errorf("failed to create guest_processes table: %v", err)
	}

	indexes := []string{
		"CREATE INDEX IF NOT EXISTS idx_proc_snapshot ON guest_processes(snapshot_id);",
		"CREATE INDEX IF NOT EXISTS idx_proc_pid ON guest_processes(pid);",
		"CREATE INDEX IF NOT EXISTS idx_proc_name ON guest_processes(name);",
	}

	for _, idx := range indexes {
		if _, err := db.Exec(idx); err != nil {
			return fmt.Errorf("failed to create index: %v", err)
		}
	}

	return nil
}

func initScanSchema(db *sql.DB) error {
	schema := `
	CREATE TABLE IF NOT EXISTS pointer_scans (
		id          INTEGER PRIMARY KEY AUTOINCREMENT,
		snapshot_id INTEGER NOT NULL,
		pid         INTEGER NOT NULL,
		name        TEXT NOT NULL,
		eprocess    TEXT NOT NULL,
		matches     INTEGER NOT NULL,
		samples     TEXT                -- JSON array of offset/value pairs
	);`

	if _, err := db.Exec(schema); err != nil {
		return fmt.Errorf("failed to create pointer_scans table: %v", err)
	}

	indexes := []string{
		"CREATE INDEX IF NOT EXISTS idx_scan_snapshot ON pointer_scans(snapshot_id);",
		"CREATE INDEX IF NOT EXISTS idx_scan_pid ON pointer_scans(pid);",
	}

	for _, idx := range indexes {
		if _, err := db.Exec(idx); err != nil {
			return fmt.Errorf("failed to create index: %v", err)
		}
	}

	return nil
}

func initSigmaSchema(db *sql.DB) error {
	schema := `
    CREATE TABLE IF NOT EXISTS detector_state (
        id INTEGER PRIMARY KEY,
        event_type TEXT NOT NULL,
        last_id INTEGER NOT NULL,
        last_processed_time DATETIME NOT NULL,
        rule_count INTEGER DEFAULT 0,
        match_count INTEGER DEFAULT 0,
        updated_at DATETIME NOT NULL,
        UNIQUE(event_type)
    );

    CREATE TABLE IF NOT EXISTS sigma_matches (
        id INTEGER PRIMARY KEY AUTOINCREMENT,
        event_id INTEGER NOT NULL,
        event_type TEXT NOT NULL,
        rule_id TEXT NOT NULL,
        rule_name TEXT NOT NULL,
        process_id INTEGER,
        process_name TEXT,
        eprocess TEXT,
        domain TEXT,
        timestamp DATETIME NOT NULL,
        severity TEXT NOT NULL,
        status TEXT DEFAULT 'new' NOT NULL,
        match_details TEXT,
        event_data TEXT,
        created_at DATETIME NOT NULL
    );

    CREATE INDEX IF NOT EXISTS idx_sigma_matches_rule_id ON sigma_matches(rule_id);
    CREATE INDEX IF NOT EXISTS idx_sigma_matches_timestamp ON sigma_matches(timestamp);
    CREATE INDEX IF NOT EXISTS idx_sigma_matches_status ON sigma_matches(status);
    CREATE INDEX IF NOT EXISTS idx_sigma_matches_event_id ON sigma_matches(event_id);`

	_, err := db.Exec(schema)
	if err != nil {
		return fmt.Errorf("failed to create Sigma tables: %v", err)
	}

	return nil
}

// InsertSnapshot records a completed pass and returns its row id for the
// per-process and per-scan rows to reference.
func (db *DB) InsertSnapshot(meta *SnapshotMeta) (int64, error) {
	query := `
        INSERT INTO snapshots (
            timestamp, domain, visited, decoded, skipped, partial, corrupted
        ) VALUES (?, ?, ?, ?, ?, ?, ?)`

	result, err := db.Db.Exec(query,
		meta.Timestamp,
		meta.Domain,
		meta.Visited,
		meta.Decoded,
		meta.Skipped,
		meta.Partial,
		meta.Corrupted,
	)
	if err != nil {
		return 0, fmt.Errorf("failed to insert snapshot: %v", err)
	}
	return result.LastInsertId()
}

// InsertGuestProcesses stores one pass's records in a single transaction,
// keyed to their snapshot and kept in traversal order.
func (db *DB) InsertGuestProcesses(snapshotID int64, records []guest.ProcessRecord) error {
	tx, err := db.Db.Begin()
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %v", err)
	}

	stmt, err := tx.Prepare(`
        INSERT INTO guest_processes (
            snapshot_id, seq, pid, name, eprocess
        ) VALUES (?, ?, ?, ?, ?)`)
	if err != nil {
		tx.Rollback()
		return fmt.Errorf("failed to prepare process insert: %v", err)
	}
	defer stmt.Close()

	for i, rec := range records {
		if _, err := stmt.Exec(snapshotID, i, rec.PID, rec.Name, rec.Addr.String()); err != nil {
			tx.Rollback()
			return fmt.Errorf("failed to insert process record: %v", err)
		}
	}

	return tx.Commit()
}

// InsertPointerScans stores one scan pass's results. Samples are small and
// ride along as JSON.
func (db *DB) InsertPointerScans(snapshotID int64, results []guest.ScanResult) error {
	tx, err := db.Db.Begin()
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %v", err)
	}

	stmt, err := tx.Prepare(`
        INSERT INTO pointer_scans (
            snapshot_id, pid, name, eprocess, matches, samples
        ) VALUES (?, ?, ?, ?, ?, ?)`)
	if err != nil {
		tx.Rollback()
		return fmt.Errorf("failed to prepare scan insert: %v", err)
	}
	defer stmt.Close()

	for _, res := range results {
		samplesJSON, err := json.Marshal(res.Samples)
		if err != nil {
			tx.Rollback()
			return fmt.Errorf("failed to marshal scan samples: %v", err)
		}
		if _, err := stmt.Exec(snapshotID, res.PID, res.Name, res.Base.String(),
			res.Matches, string(samplesJSON)); err != nil {
			tx.Rollback()
			return fmt.Errorf("failed to insert scan result: %v", err)
		}
	}

	return tx.Commit()
}

// SnapshotCount reports how many passes have been recorded.
func (db *DB) SnapshotCount() (int, error) {
	var count int
	err := db.Db.QueryRow("SELECT COUNT(*) FROM snapshots").Scan(&count)
	return count, err
}

// Close closes the database connection
func (db *DB) Close() error {
	return db.Db.Close()
}
