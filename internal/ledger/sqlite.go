// Package ledger stores earnings and payout notifications from the platform
// verbatim in a local SQLite database.
package ledger

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"

	_ "modernc.org/sqlite"

	"github.com/orbanhq/orban-agent/internal/protocol"
	"github.com/orbanhq/orban-agent/pkg/debug"
)

// Event is one earnings-related message as received.
type Event struct {
	MessageID  string
	Kind       protocol.MessageType
	ReceivedAt time.Time
	Payload    json.RawMessage
}

// EventFromEnvelope copies the fields the ledger keeps.
func EventFromEnvelope(env protocol.Envelope, receivedAt time.Time) Event {
	return Event{
		MessageID:  env.MessageID,
		Kind:       env.Type,
		ReceivedAt: receivedAt.UTC(),
		Payload:    env.Payload,
	}
}

// Ledger is the earnings sink.
type Ledger interface {
	Record(ctx context.Context, ev Event) error
	List(ctx context.Context, limit int) ([]Event, error)
	Close() error
}

// SQLiteLedger implements Ledger on modernc.org/sqlite.
type SQLiteLedger struct {
	db *sql.DB
}

// NewSQLiteLedger opens or creates the ledger at path. Parent directories
// are created if needed.
func NewSQLiteLedger(path string) (*SQLiteLedger, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0700); err != nil {
		return nil, fmt.Errorf("creating ledger directory: %w", err)
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("opening ledger %s: %w", path, err)
	}

	ctx := context.Background()
	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("ping ledger %s: %w", path, err)
	}
	if _, err := db.ExecContext(ctx, "PRAGMA journal_mode=WAL"); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("enabling WAL mode: %w", err)
	}
	if _, err := db.ExecContext(ctx, "PRAGMA busy_timeout=5000"); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("setting busy_timeout: %w", err)
	}

	l := &SQLiteLedger{db: db}
	if err := l.createSchema(ctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("creating ledger schema: %w", err)
	}

	debug.Info("Earnings ledger opened at %s", path)
	return l, nil
}

func (l *SQLiteLedger) createSchema(ctx context.Context) error {
	const schema = `
		CREATE TABLE IF NOT EXISTS earnings_events (
			message_id  TEXT PRIMARY KEY,
			kind        TEXT NOT NULL,
			received_at INTEGER NOT NULL,
			payload     TEXT NOT NULL
		);

		CREATE INDEX IF NOT EXISTS idx_earnings_received
			ON earnings_events(received_at);
	`
	_, err := l.db.ExecContext(ctx, schema)
	return err
}

// Record stores ev. A message id already present is ignored.
func (l *SQLiteLedger) Record(ctx context.Context, ev Event) error {
	if ev.MessageID == "" {
		return fmt.Errorf("earnings event without message id")
	}
	payload := string(ev.Payload)
	if payload == "" {
		payload = "null"
	}
	res, err := l.db.ExecContext(ctx,
		`INSERT OR IGNORE INTO earnings_events (message_id, kind, received_at, payload) VALUES (?, ?, ?, ?)`,
		ev.MessageID, string(ev.Kind), ev.ReceivedAt.UnixMilli(), payload)
	if err != nil {
		return fmt.Errorf("recording %s %s: %w", ev.Kind, ev.MessageID, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		debug.Debug("Earnings event %s already recorded", ev.MessageID)
	}
	return nil
}

// List returns the newest events first. limit <= 0 returns everything.
func (l *SQLiteLedger) List(ctx context.Context, limit int) ([]Event, error) {
	query := `SELECT message_id, kind, received_at, payload FROM earnings_events ORDER BY received_at DESC, message_id`
	args := []interface{}{}
	if limit > 0 {
		query += ` LIMIT ?`
		args = append(args, limit)
	}

	rows, err := l.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("listing earnings: %w", err)
	}
	defer rows.Close()

	var events []Event
	for rows.Next() {
		var (
			ev      Event
			kind    string
			ms      int64
			payload string
		)
		if err := rows.Scan(&ev.MessageID, &kind, &ms, &payload); err != nil {
			return nil, fmt.Errorf("scanning earnings row: %w", err)
		}
		ev.Kind = protocol.MessageType(kind)
		ev.ReceivedAt = time.UnixMilli(ms).UTC()
		ev.Payload = json.RawMessage(payload)
		events = append(events, ev)
	}
	return events, rows.Err()
}

// Close closes the database.
func (l *SQLiteLedger) Close() error {
	return l.db.Close()
}
