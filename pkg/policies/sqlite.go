package policies

import (
	"database/sql"
	"fmt"

	_ "github.com/mattn/go-sqlite3"
)

const trafficSchema = `
CREATE TABLE IF NOT EXISTS traffic_events (
	id        INTEGER PRIMARY KEY AUTOINCREMENT,
	recorded  TIMESTAMP NOT NULL,
	conn_id   TEXT NOT NULL,
	conn_seq  INTEGER NOT NULL,
	kind      TEXT NOT NULL,
	detail    TEXT NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_traffic_events_conn ON traffic_events(conn_id);
`

// SQLiteSink stores traffic events in a SQLite database so captures can
// be queried after the fact.
type SQLiteSink struct {
	db     *sql.DB
	insert *sql.Stmt
}

// NewSQLiteSink opens (creating if needed) the database at path and
// prepares the event table.
func NewSQLiteSink(path string) (*SQLiteSink, error) {
	db, err := sql.Open("sqlite3", path)
	if err != nil {
		return nil, fmt.Errorf("open traffic db %s: %w", path, err)
	}
	// The sqlite3 driver serializes writes per connection.
	db.SetMaxOpenConns(1)
	if _, err := db.Exec(trafficSchema); err != nil {
		db.Close()
		return nil, fmt.Errorf("create traffic schema: %w", err)
	}
	insert, err := db.Prepare(
		"INSERT INTO traffic_events (recorded, conn_id, conn_seq, kind, detail) VALUES (?, ?, ?, ?, ?)")
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("prepare traffic insert: %w", err)
	}
	return &SQLiteSink{db: db, insert: insert}, nil
}

// Record inserts one event row.
func (s *SQLiteSink) Record(e Event) error {
	_, err := s.insert.Exec(e.Time, e.ConnID, e.ConnSeq, e.Kind, e.Detail)
	return err
}

// EventsFor returns the recorded kinds for one connection in insertion
// order.
func (s *SQLiteSink) EventsFor(connID string) ([]string, error) {
	rows, err := s.db.Query(
		"SELECT kind FROM traffic_events WHERE conn_id = ? ORDER BY id", connID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var kinds []string
	for rows.Next() {
		var kind string
		if err := rows.Scan(&kind); err != nil {
			return nil, err
		}
		kinds = append(kinds, kind)
	}
	return kinds, rows.Err()
}

// Close releases the prepared statement and the database.
func (s *SQLiteSink) Close() error {
	s.insert.Close()
	return s.db.Close()
}
