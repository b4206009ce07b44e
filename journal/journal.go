// Package journal keeps a sqlite record of every scan run and the event
// records it produced.
package journal

import (
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	_ "modernc.org/sqlite"

	"github.com/aps-velociprobe/golaborate/flyscan"
)

// ErrNotFound is generated when a run does not exist
var ErrNotFound = errors.New("run not found")

// RunStatus is the outcome of a run
type RunStatus string

const (
	RunStatusRunning   RunStatus = "running"
	RunStatusCompleted RunStatus = "completed"
	RunStatusFailed    RunStatus = "failed"
	RunStatusAborted   RunStatus = "aborted"
)

// Run is one scan
type Run struct {
	ID           int64            `json:"id"`
	Kind         string           `json:"kind"`
	ScanNum      int              `json:"scanNum"`
	Params       json.RawMessage  `json:"params"`
	Status       RunStatus        `json:"status"`
	StartedAt    time.Time        `json:"startedAt"`
	CompletedAt  *time.Time       `json:"completedAt,omitempty"`
	ErrorMessage *string          `json:"errorMessage,omitempty"`
	Records      []flyscan.Record `json:"records,omitempty"`
}

// DB is the journal database
type DB struct {
	*sql.DB
}

// Open opens or creates the journal at path and migrates it
func Open(path string) (*DB, error) {
	sdb, err := sql.Open("sqlite", path+"?_pragma=foreign_keys(1)&_pragma=busy_timeout(5000)")
	if err != nil {
		return nil, fmt.Errorf("failed to open journal %s: %w", path, err)
	}
	// one writer; sqlite serializes them anyway
	sdb.SetMaxOpenConns(1)
	db := &DB{DB: sdb}
	if err := db.Migrate(); err != nil {
		sdb.Close()
		return nil, err
	}
	return db, nil
}

// CreateRun starts a run; params are stored as JSON
func (db *DB) CreateRun(kind string, scanNum int, params interface{}) (*Run, error) {
	p, err := json.Marshal(params)
	if err != nil {
		return nil, fmt.Errorf("failed to encode params: %w", err)
	}
	result, err := db.Exec(`
		INSERT INTO runs (kind, scan_num, params, status, started_at)
		VALUES (?, ?, ?, ?, ?)`,
		kind, scanNum, string(p), RunStatusRunning, time.Now(),
	)
	if err != nil {
		return nil, err
	}
	id, err := result.LastInsertId()
	if err != nil {
		return nil, err
	}
	return db.getRun(id)
}

// FinishRun sets the outcome of a run
func (db *DB) FinishRun(id int64, status RunStatus, errorMsg *string) error {
	result, err := db.Exec(`
		UPDATE runs SET status = ?, completed_at = ?, error_message = ?
		WHERE id = ?`,
		status, time.Now(), errorMsg, id,
	)
	if err != nil {
		return err
	}
	if n, _ := result.RowsAffected(); n == 0 {
		return fmt.Errorf("%w: %d", ErrNotFound, id)
	}
	return nil
}

// AddRecords appends records to a run, numbering them after any already stored
func (db *DB) AddRecords(runID int64, recs []flyscan.Record) error {
	tx, err := db.Begin()
	if err != nil {
		return err
	}
	var seq int
	if err := tx.QueryRow("SELECT COALESCE(MAX(seq), 0) FROM records WHERE run_id = ?", runID).Scan(&seq); err != nil {
		tx.Rollback()
		return err
	}
	for _, r := range recs {
		seq++
		data, err := json.Marshal(r.Data)
		if err != nil {
			tx.Rollback()
			return fmt.Errorf("failed to encode record %d: %w", seq, err)
		}
		ts, err := json.Marshal(r.Timestamps)
		if err != nil {
			tx.Rollback()
			return fmt.Errorf("failed to encode record %d: %w", seq, err)
		}
		if _, err := tx.Exec(`
			INSERT INTO records (run_id, seq, time, data, timestamps)
			VALUES (?, ?, ?, ?, ?)`,
			runID, seq, r.Time, string(data), string(ts)); err != nil {
			tx.Rollback()
			return fmt.Errorf("failed to store record %d of run %d: %w", seq, runID, err)
		}
	}
	return tx.Commit()
}

const runColumns = `id, kind, scan_num, params, status, started_at, completed_at, error_message`

// GetRun retrieves a run and its records
func (db *DB) GetRun(id int64) (*Run, error) {
	r, err := db.getRun(id)
	if err != nil {
		return nil, err
	}
	r.Records, err = db.records(id)
	return r, err
}

func (db *DB) getRun(id int64) (*Run, error) {
	r, err := scanRun(db.QueryRow(`SELECT `+runColumns+` FROM runs WHERE id = ?`, id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%w: %d", ErrNotFound, id)
	}
	return r, err
}

// ListRuns returns runs, newest first, without their records
func (db *DB) ListRuns(limit, offset int) ([]*Run, error) {
	rows, err := db.Query(`SELECT `+runColumns+` FROM runs ORDER BY id DESC LIMIT ? OFFSET ?`, limit, offset)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var runs []*Run
	for rows.Next() {
		r, err := scanRun(rows)
		if err != nil {
			return nil, err
		}
		runs = append(runs, r)
	}
	return runs, rows.Err()
}

// NextScanNum returns one more than the highest scan number of kind
func (db *DB) NextScanNum(kind string) (int, error) {
	var n int
	err := db.QueryRow("SELECT COALESCE(MAX(scan_num), 0) FROM runs WHERE kind = ?", kind).Scan(&n)
	return n + 1, err
}

func (db *DB) records(runID int64) ([]flyscan.Record, error) {
	rows, err := db.Query(`SELECT time, data, timestamps FROM records WHERE run_id = ? ORDER BY seq`, runID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var recs []flyscan.Record
	for rows.Next() {
		var r flyscan.Record
		var data, ts string
		if err := rows.Scan(&r.Time, &data, &ts); err != nil {
			return nil, err
		}
		if err := json.Unmarshal([]byte(data), &r.Data); err != nil {
			return nil, err
		}
		if err := json.Unmarshal([]byte(ts), &r.Timestamps); err != nil {
			return nil, err
		}
		recs = append(recs, r)
	}
	return recs, rows.Err()
}

// scanner is satisfied by *sql.Row and *sql.Rows
type scanner interface {
	Scan(dest ...interface{}) error
}

func scanRun(s scanner) (*Run, error) {
	var r Run
	var params string
	var completedAt sql.NullTime
	var errorMsg sql.NullString

	err := s.Scan(&r.ID, &r.Kind, &r.ScanNum, &params, &r.Status, &r.StartedAt, &completedAt, &errorMsg)
	if err != nil {
		return nil, err
	}
	r.Params = json.RawMessage(params)
	if completedAt.Valid {
		r.CompletedAt = &completedAt.Time
	}
	if errorMsg.Valid {
		r.ErrorMessage = &errorMsg.String
	}
	return &r, nil
}
