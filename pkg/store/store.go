// Package store records test runs in a SQLite database. Rows are only ever
// inserted; a run's outcome is a row of its own rather than an update.
package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	_ "modernc.org/sqlite"

	"github.com/OpenTraceLab/OpenTraceFixture/pkg/workflow"
)

var schema = []string{`
CREATE TABLE IF NOT EXISTS runs (
	id INTEGER PRIMARY KEY AUTOINCREMENT,
	serial TEXT NOT NULL,
	board TEXT NOT NULL,
	tester INTEGER NOT NULL,
	started_at TEXT NOT NULL
)`,
	`CREATE INDEX IF NOT EXISTS runs_serial ON runs (serial)`,
	`
CREATE TABLE IF NOT EXISTS steps (
	run_id INTEGER NOT NULL REFERENCES runs (id),
	idx INTEGER NOT NULL,
	step_id TEXT NOT NULL,
	name TEXT NOT NULL,
	status TEXT NOT NULL,
	message TEXT NOT NULL,
	duration_ms INTEGER NOT NULL,
	recorded_at TEXT NOT NULL
)`,
	`
CREATE TABLE IF NOT EXISTS discoveries (
	run_id INTEGER NOT NULL REFERENCES runs (id),
	serial TEXT NOT NULL,
	ram_mib INTEGER NOT NULL,
	public_key TEXT NOT NULL,
	firmware_version TEXT NOT NULL,
	recorded_at TEXT NOT NULL
)`,
	`CREATE INDEX IF NOT EXISTS discoveries_serial ON discoveries (serial)`,
	`
CREATE TABLE IF NOT EXISTS run_results (
	run_id INTEGER NOT NULL REFERENCES runs (id),
	state TEXT NOT NULL,
	passed INTEGER NOT NULL,
	transient INTEGER NOT NULL,
	needs_rerun INTEGER NOT NULL,
	error TEXT NOT NULL,
	finished_at TEXT NOT NULL
)`,
}

// Store is an open run database.
type Store struct {
	db *sql.DB
}

// Open opens or creates the database at path.
func Open(path string) (*Store, error) {
	if dir := filepath.Dir(path); dir != "" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("create database directory: %w", err)
		}
	}
	db, err := openDB(path)
	if err != nil {
		return nil, fmt.Errorf("open run database: %w", err)
	}
	for _, stmt := range schema {
		if _, err := db.Exec(stmt); err != nil {
			_ = db.Close()
			return nil, fmt.Errorf("initialize run database schema: %w", err)
		}
	}
	return &Store{db: db}, nil
}

// openDB opens a SQLite database in WAL mode with a busy timeout.
func openDB(path string) (*sql.DB, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, err
	}
	if _, err := db.Exec(`PRAGMA journal_mode = WAL`); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("set journal mode: %w", err)
	}
	if _, err := db.Exec(`PRAGMA busy_timeout = 5000`); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("set busy timeout: %w", err)
	}
	return db, nil
}

func (s *Store) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

// Begin records the start of a run and returns a sink bound to it.
func (s *Store) Begin(ctx context.Context, serial workflow.SerialNumber, board string, tester int) (*Run, error) {
	res, err := s.db.ExecContext(ctx,
		`INSERT INTO runs (serial, board, tester, started_at) VALUES (?, ?, ?, ?)`,
		serial.String(), board, tester, now(),
	)
	if err != nil {
		return nil, fmt.Errorf("record run start: %w", err)
	}
	id, err := res.LastInsertId()
	if err != nil {
		return nil, fmt.Errorf("record run start: %w", err)
	}
	return &Run{store: s, id: id, serial: serial}, nil
}

// OTPRecord is what an earlier run learnt while programming OTP.
type OTPRecord struct {
	RAMSize   int
	PublicKey string
}

// LookupOTP returns the most recent OTP discovery for serial. The bool is
// false if the board was never programmed.
func (s *Store) LookupOTP(ctx context.Context, serial workflow.SerialNumber) (OTPRecord, bool, error) {
	var rec OTPRecord
	err := s.db.QueryRowContext(ctx,
		`SELECT ram_mib, public_key FROM discoveries
		 WHERE serial = ? AND public_key != ''
		 ORDER BY rowid DESC LIMIT 1`,
		serial.String(),
	).Scan(&rec.RAMSize, &rec.PublicKey)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return OTPRecord{}, false, nil
		}
		return OTPRecord{}, false, fmt.Errorf("lookup otp record: %w", err)
	}
	return rec, true, nil
}

// RunSummary is one finished run of a board.
type RunSummary struct {
	ID        int64
	Board     string
	StartedAt time.Time
	State     string
	Passed    bool
	Error     string
}

// History lists the runs of serial, newest first. Runs that never finished
// have an empty State.
func (s *Store) History(ctx context.Context, serial workflow.SerialNumber) ([]RunSummary, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT r.id, r.board, r.started_at, COALESCE(x.state, ''), COALESCE(x.passed, 0), COALESCE(x.error, '')
		 FROM runs r LEFT JOIN run_results x ON x.run_id = r.id
		 WHERE r.serial = ? ORDER BY r.id DESC`,
		serial.String(),
	)
	if err != nil {
		return nil, fmt.Errorf("query run history: %w", err)
	}
	defer rows.Close()

	var out []RunSummary
	for rows.Next() {
		var (
			r       RunSummary
			started string
			passed  int
		)
		if err := rows.Scan(&r.ID, &r.Board, &started, &r.State, &passed, &r.Error); err != nil {
			return nil, fmt.Errorf("scan run history: %w", err)
		}
		r.StartedAt, _ = time.Parse(time.RFC3339Nano, started)
		r.Passed = passed != 0
		out = append(out, r)
	}
	return out, rows.Err()
}

// Run records the events of one workflow run.
type Run struct {
	store  *Store
	id     int64
	serial workflow.SerialNumber
}

var _ workflow.Sink = (*Run)(nil)

// ID returns the run's row id.
func (r *Run) ID() int64 { return r.id }

func (r *Run) StepFinished(ctx context.Context, rec workflow.StepRecord) error {
	_, err := r.store.db.ExecContext(ctx,
		`INSERT INTO steps (run_id, idx, step_id, name, status, message, duration_ms, recorded_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		r.id, rec.Index, rec.ID, rec.Name, rec.Status.String(), rec.Message, rec.Duration.Milliseconds(), now(),
	)
	if err != nil {
		return fmt.Errorf("record step %s: %w", rec.ID, err)
	}
	return nil
}

func (r *Run) Discovered(ctx context.Context, d workflow.Discovery) error {
	_, err := r.store.db.ExecContext(ctx,
		`INSERT INTO discoveries (run_id, serial, ram_mib, public_key, firmware_version, recorded_at)
		 VALUES (?, ?, ?, ?, ?, ?)`,
		r.id, r.serial.String(), d.RAMSize, d.PublicKey, d.FirmwareVersion, now(),
	)
	if err != nil {
		return fmt.Errorf("record discovery: %w", err)
	}
	return nil
}

func (r *Run) RunFinished(ctx context.Context, res workflow.Result) error {
	msg := ""
	if res.Err != nil {
		msg = res.Err.Error()
	}
	_, err := r.store.db.ExecContext(ctx,
		`INSERT INTO run_results (run_id, state, passed, transient, needs_rerun, error, finished_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?)`,
		r.id, res.State.String(), boolToInt(res.Passed()), boolToInt(res.Transient), boolToInt(res.NeedsRerun), msg, now(),
	)
	if err != nil {
		return fmt.Errorf("record run result: %w", err)
	}
	return nil
}

func now() string {
	return time.Now().UTC().Format(time.RFC3339Nano)
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
