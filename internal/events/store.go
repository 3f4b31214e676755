package events

import (
	"database/sql"
	"encoding/json"
	"fmt"
)

// SQLiteStore persists events for replay/crash-recovery, adapted from
// the teacher's SQLiteStore (events/store.go) to be keyed by stream
// instead of by subscriber target.
type SQLiteStore struct {
	db *sql.DB
}

// NewSQLiteStore creates the events table and returns a ready store.
func NewSQLiteStore(db *sql.DB) (*SQLiteStore, error) {
	store := &SQLiteStore{db: db}
	if err := store.initSchema(); err != nil {
		return nil, fmt.Errorf("events: init schema: %w", err)
	}
	return store, nil
}

func (s *SQLiteStore) initSchema() error {
	schema := `
	CREATE TABLE IF NOT EXISTS events (
		id TEXT PRIMARY KEY,
		stream TEXT NOT NULL,
		seq INTEGER NOT NULL,
		type TEXT NOT NULL,
		source TEXT NOT NULL,
		priority INTEGER NOT NULL,
		payload TEXT NOT NULL,
		correlation_id TEXT,
		causation_id TEXT,
		created_at TIMESTAMP NOT NULL
	);
	CREATE INDEX IF NOT EXISTS idx_events_stream_seq ON events(stream, seq);
	CREATE INDEX IF NOT EXISTS idx_events_type ON events(type);
	`
	_, err := s.db.Exec(schema)
	return err
}

// Save persists an event.
func (s *SQLiteStore) Save(event *Event) error {
	payloadJSON, err := json.Marshal(event.Payload)
	if err != nil {
		return fmt.Errorf("marshal payload: %w", err)
	}

	_, err = s.db.Exec(`
		INSERT INTO events (id, stream, seq, type, source, priority, payload, correlation_id, causation_id, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		event.ID, event.Stream, event.Seq, event.Type, event.Source, event.Priority,
		string(payloadJSON), event.CorrelationID, event.CausationID, event.CreatedAt,
	)
	return err
}

// Load returns every event persisted for streamName, ordered by seq.
func (s *SQLiteStore) Load(streamName string) ([]*Event, error) {
	rows, err := s.db.Query(`
		SELECT id, stream, seq, type, source, priority, payload, correlation_id, causation_id, created_at
		FROM events WHERE stream = ? ORDER BY seq ASC`, streamName)
	if err != nil {
		return nil, fmt.Errorf("query events: %w", err)
	}
	defer rows.Close()

	var out []*Event
	for rows.Next() {
		var e Event
		var payloadJSON string
		var corrID, causeID sql.NullString
		if err := rows.Scan(&e.ID, &e.Stream, &e.Seq, &e.Type, &e.Source, &e.Priority, &payloadJSON, &corrID, &causeID, &e.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan event: %w", err)
		}
		if err := json.Unmarshal([]byte(payloadJSON), &e.Payload); err != nil {
			return nil, fmt.Errorf("unmarshal payload: %w", err)
		}
		e.CorrelationID = corrID.String
		e.CausationID = causeID.String
		out = append(out, &e)
	}
	return out, rows.Err()
}
