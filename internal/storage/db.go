package storage

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	_ "github.com/mattn/go-sqlite3"
)

// TimestampLayout is the ISO-8601 local layout rows are stored with. It is
// fixed-width, so lexical order in SQLite matches chronological order.
const TimestampLayout = "2006-01-02T15:04:05.000000"

const schema = `
CREATE TABLE IF NOT EXISTS HistoricalMetrics (
	id INTEGER PRIMARY KEY AUTOINCREMENT,
	timestamp TEXT NOT NULL,
	cpuUsage REAL,
	memoryUsed REAL,
	memoryTotal REAL,
	memoryAvailable REAL
);
CREATE INDEX IF NOT EXISTS idx_historical_ts ON HistoricalMetrics(timestamp);
`

// Record is one persisted row of the historical series.
type Record struct {
	ID              int64   `json:"id"`
	Timestamp       string  `json:"timestamp"`
	CPUUsage        float64 `json:"cpu_usage"`
	MemoryUsed      float64 `json:"memory_used"`
	MemoryTotal     float64 `json:"memory_total"`
	MemoryAvailable float64 `json:"memory_available"`
}

// Time parses the record's timestamp in the local zone.
func (r Record) Time() (time.Time, error) {
	return ParseTimestamp(r.Timestamp)
}

// FormatTimestamp renders t in the stored layout, in the local zone.
func FormatTimestamp(t time.Time) string {
	return t.In(time.Local).Format(TimestampLayout)
}

// ParseTimestamp parses a stored timestamp. Any fractional-second precision
// is accepted, including none.
func ParseTimestamp(s string) (time.Time, error) {
	return time.ParseInLocation("2006-01-02T15:04:05", s, time.Local)
}

// DB wraps the SQLite database holding the historical series. The monitor
// loop is its only writer; readers may query concurrently.
type DB struct {
	db  *sql.DB
	now func() time.Time
}

// Open opens or creates the SQLite database at the given path and ensures the
// schema exists.
func Open(path string) (*DB, error) {
	db, err := sql.Open("sqlite3", path+"?_journal_mode=WAL&_busy_timeout=5000")
	if err != nil {
		return nil, fmt.Errorf("open db: %w", err)
	}
	d := &DB{db: db, now: time.Now}
	if err := d.InitSchema(); err != nil {
		db.Close()
		return nil, err
	}
	return d, nil
}

// InitSchema creates the table and index if they do not exist. It is safe to
// call on every startup.
func (d *DB) InitSchema() error {
	if _, err := d.db.Exec(schema); err != nil {
		return fmt.Errorf("init schema: %w", err)
	}
	return nil
}

// Close closes the database.
func (d *DB) Close() error {
	return d.db.Close()
}

// Append stores one sample and returns its row id.
func (d *DB) Append(ctx context.Context, cpuUsage, memUsed, memTotal, memAvailable float64, ts time.Time) (int64, error) {
	res, err := d.db.ExecContext(ctx,
		"INSERT INTO HistoricalMetrics (timestamp, cpuUsage, memoryUsed, memoryTotal, memoryAvailable) VALUES (?, ?, ?, ?, ?)",
		FormatTimestamp(ts), cpuUsage, memUsed, memTotal, memAvailable,
	)
	if err != nil {
		return 0, fmt.Errorf("insert metrics: %w", err)
	}
	return res.LastInsertId()
}

// QueryWindow returns rows stamped within window of now, oldest first. A
// non-positive window returns every row. An empty window yields an empty,
// non-nil slice.
func (d *DB) QueryWindow(ctx context.Context, window time.Duration) ([]Record, error) {
	from := ""
	if window > 0 {
		from = FormatTimestamp(d.now().Add(-window))
	}
	rows, err := d.db.QueryContext(ctx,
		"SELECT id, timestamp, cpuUsage, memoryUsed, memoryTotal, memoryAvailable FROM HistoricalMetrics WHERE timestamp >= ? ORDER BY timestamp, id",
		from,
	)
	if err != nil {
		return nil, fmt.Errorf("query metrics: %w", err)
	}
	defer rows.Close()

	records := []Record{}
	for rows.Next() {
		var r Record
		var cpu, used, total, avail sql.NullFloat64
		if err := rows.Scan(&r.ID, &r.Timestamp, &cpu, &used, &total, &avail); err != nil {
			return nil, fmt.Errorf("scan metrics: %w", err)
		}
		r.CPUUsage, r.MemoryUsed, r.MemoryTotal, r.MemoryAvailable = cpu.Float64, used.Float64, total.Float64, avail.Float64
		records = append(records, r)
	}
	return records, rows.Err()
}
