package journal

import (
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	_ "github.com/mattn/go-sqlite3"
)

// SQLiteJournal stores entries in a cycles table so outcomes can be queried after the fact.
type SQLiteJournal struct {
	db *sql.DB
}

// OpenSQLite opens (or creates) the journal database at dbPath.
func OpenSQLite(dbPath string) (*SQLiteJournal, error) {
	if strings.TrimSpace(dbPath) == "" {
		return nil, fmt.Errorf("db path is required")
	}
	if err := os.MkdirAll(filepath.Dir(dbPath), 0o755); err != nil {
		return nil, fmt.Errorf("create db dir: %w", err)
	}

	db, err := sql.Open("sqlite3", dbPath)
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}

	pragmas := []string{
		"PRAGMA journal_mode=WAL;",
		"PRAGMA busy_timeout=3000;",
		"PRAGMA synchronous=FULL;",
	}
	for _, p := range pragmas {
		if _, err := db.Exec(p); err != nil {
			_ = db.Close()
			return nil, fmt.Errorf("set pragma %s: %w", p, err)
		}
	}
	if err := initSchema(db); err != nil {
		_ = db.Close()
		return nil, err
	}
	return &SQLiteJournal{db: db}, nil
}

func initSchema(db *sql.DB) error {
	schema := `
CREATE TABLE IF NOT EXISTS cycles (
    id INTEGER PRIMARY KEY AUTOINCREMENT,
    cycle INTEGER NOT NULL,
    recorded_at TEXT NOT NULL,
    instrument TEXT NOT NULL,
    phase TEXT NOT NULL,
    outcome TEXT NOT NULL,
    direction TEXT,
    strength REAL,
    momentum REAL,
    approved INTEGER NOT NULL DEFAULT 0,
    side TEXT,
    quantity REAL,
    reason TEXT,
    idempotency_key TEXT,
    order_status TEXT,
    filled_quantity REAL,
    filled_price REAL,
    error TEXT
);

CREATE INDEX IF NOT EXISTS idx_cycles_instrument_time ON cycles(instrument, recorded_at);
CREATE INDEX IF NOT EXISTS idx_cycles_key ON cycles(idempotency_key);
`
	if _, err := db.Exec(schema); err != nil {
		return fmt.Errorf("init schema: %w", err)
	}
	return nil
}

// Record inserts one entry.
func (j *SQLiteJournal) Record(e Entry) error {
	_, err := j.db.Exec(`
INSERT INTO cycles (cycle, recorded_at, instrument, phase, outcome, direction, strength, momentum,
    approved, side, quantity, reason, idempotency_key, order_status, filled_quantity, filled_price, error)
VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		e.Cycle, e.Time.UTC().Format(time.RFC3339Nano), e.Instrument, e.Phase, e.Outcome, e.Direction,
		e.Strength, e.Momentum, e.Approved, e.Side, e.Quantity, e.Reason, e.IdempotencyKey, e.OrderStatus,
		e.FilledQuantity, e.FilledPrice, e.Error,
	)
	if err != nil {
		return fmt.Errorf("insert cycle: %w", err)
	}
	return nil
}

// Recent returns up to limit entries for instrument, newest first.
func (j *SQLiteJournal) Recent(instrument string, limit int) ([]Entry, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := j.db.Query(`
SELECT cycle, recorded_at, instrument, phase, outcome, direction, strength, momentum, approved, side,
    quantity, reason, idempotency_key, order_status, filled_quantity, filled_price, error
FROM cycles WHERE instrument = ? ORDER BY id DESC LIMIT ?`, instrument, limit)
	if err != nil {
		return nil, fmt.Errorf("query cycles: %w", err)
	}
	defer rows.Close()

	var out []Entry
	for rows.Next() {
		var (
			e  Entry
			ts string
		)
		if err := rows.Scan(&e.Cycle, &ts, &e.Instrument, &e.Phase, &e.Outcome, &e.Direction, &e.Strength,
			&e.Momentum, &e.Approved, &e.Side, &e.Quantity, &e.Reason, &e.IdempotencyKey, &e.OrderStatus,
			&e.FilledQuantity, &e.FilledPrice, &e.Error); err != nil {
			return nil, fmt.Errorf("scan cycle: %w", err)
		}
		if parsed, err := time.Parse(time.RFC3339Nano, ts); err == nil {
			e.Time = parsed
		}
		out = append(out, e)
	}
	return out, rows.Err()
}

// Close releases the database handle.
func (j *SQLiteJournal) Close() error {
	if j == nil || j.db == nil {
		return nil
	}
	return j.db.Close()
}
