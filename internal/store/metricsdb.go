// metricsdb.go persists the RESOLVE subset of journal events into a SQLite
// database (WAL mode) for efficient dashboard queries. The journal remains
// the source of truth; the DB is a queryable projection.
package store

import (
	"database/sql"
	"fmt"

	_ "modernc.org/sqlite"
)

const metricsSchema = `
CREATE TABLE IF NOT EXISTS resolves (
	id           INTEGER PRIMARY KEY AUTOINCREMENT,
	ts           TEXT NOT NULL,
	event        TEXT NOT NULL,
	condition_id TEXT NOT NULL,
	asset        TEXT,
	side         TEXT,
	duration     INTEGER,
	score        INTEGER,
	entry_price  REAL,
	pnl          REAL,
	credit       REAL,
	result       TEXT,
	round_key    TEXT,
	open_price_source TEXT,
	chainlink_age_s   REAL
);
CREATE INDEX IF NOT EXISTS idx_resolves_ts ON resolves(ts);
CREATE INDEX IF NOT EXISTS idx_resolves_cid ON resolves(condition_id);
CREATE INDEX IF NOT EXISTS idx_resolves_event ON resolves(event);
`

// MetricsDB wraps the SQLite projection.
type MetricsDB struct {
	db *sql.DB
}

// OpenMetricsDB opens (creating if needed) the metrics database in WAL mode.
func OpenMetricsDB(path string) (*MetricsDB, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open metrics db: %w", err)
	}
	if _, err := db.Exec("PRAGMA journal_mode=WAL;"); err != nil {
		db.Close()
		return nil, fmt.Errorf("enable wal: %w", err)
	}
	if _, err := db.Exec(metricsSchema); err != nil {
		db.Close()
		return nil, fmt.Errorf("create schema: %w", err)
	}
	return &MetricsDB{db: db}, nil
}

// InsertResolve stores one RESOLVE (or RESOLVE-BACKFILL) row.
func (m *MetricsDB) InsertResolve(ev JournalEvent) error {
	_, err := m.db.Exec(`
		INSERT INTO resolves
		(ts, event, condition_id, asset, side, duration, score, entry_price,
		 pnl, credit, result, round_key, open_price_source, chainlink_age_s)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		ev.Ts.UTC().Format("2006-01-02T15:04:05.000Z"),
		ev.Event, ev.CID, ev.Asset, ev.Side, ev.Duration, ev.Score,
		ev.EntryPrice, ev.PnL, ev.Credit, ev.Result, ev.RoundKey,
		ev.OpenPriceSrc, ev.OracleAgeS,
	)
	if err != nil {
		return fmt.Errorf("insert resolve: %w", err)
	}
	return nil
}

// ResolveCount returns the number of stored resolve rows (used by tests and
// health reporting).
func (m *MetricsDB) ResolveCount() (int, error) {
	var n int
	err := m.db.QueryRow(`SELECT COUNT(*) FROM resolves`).Scan(&n)
	return n, err
}

// Close closes the database.
func (m *MetricsDB) Close() error {
	return m.db.Close()
}
