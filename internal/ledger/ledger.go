// Package ledger persists settlement outcomes reported back by the venue.
// Fills and reverts are append-only rows keyed by (maker, nonce); the agent
// never updates or deletes them.
package ledger

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	_ "modernc.org/sqlite"
)

type EventKind string

const (
	EventFill   EventKind = "fill"
	EventRevert EventKind = "revert"
)

// Event is one settlement outcome. AmountIn/AmountOut are base-unit decimal
// strings; Reason is set for reverts only. RecordedAt is RFC3339 UTC.
type Event struct {
	ID         int64     `json:"id"`
	Kind       EventKind `json:"kind"`
	Maker      string    `json:"maker"`
	Nonce      int64     `json:"nonce"`
	TokenIn    string    `json:"tokenIn"`
	TokenOut   string    `json:"tokenOut"`
	AmountIn   string    `json:"amountIn"`
	AmountOut  string    `json:"amountOut"`
	TxHash     string    `json:"txHash,omitempty"`
	Reason     string    `json:"reason,omitempty"`
	RecordedAt string    `json:"recordedAt"`
}

type Ledger struct {
	db *sql.DB
}

// Open opens (creating if needed) the ledger database at path and applies
// the schema.
func Open(path string) (*Ledger, error) {
	dsn := path + "?_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)&_pragma=foreign_keys(ON)"
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open ledger db: %w", err)
	}
	db.SetMaxOpenConns(1)

	if err := migrate(db); err != nil {
		db.Close()
		return nil, err
	}
	return &Ledger{db: db}, nil
}

func migrate(db *sql.DB) error {
	const schema = `
CREATE TABLE IF NOT EXISTS settlement_events (
	id          INTEGER PRIMARY KEY AUTOINCREMENT,
	kind        TEXT NOT NULL CHECK (kind IN ('fill', 'revert')),
	maker       TEXT NOT NULL,
	nonce       INTEGER NOT NULL,
	token_in    TEXT NOT NULL,
	token_out   TEXT NOT NULL,
	amount_in   TEXT NOT NULL,
	amount_out  TEXT NOT NULL,
	tx_hash     TEXT NOT NULL DEFAULT '',
	reason      TEXT NOT NULL DEFAULT '',
	recorded_at TEXT NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_settlement_maker_nonce ON settlement_events (maker, nonce);
`
	if _, err := db.Exec(schema); err != nil {
		return fmt.Errorf("migrate ledger schema: %w", err)
	}
	return nil
}

func (l *Ledger) Close() error {
	return l.db.Close()
}

// RecordFill appends a fill row.
func (l *Ledger) RecordFill(ctx context.Context, ev Event) error {
	ev.Kind = EventFill
	return l.record(ctx, ev)
}

// RecordRevert appends a revert row. The reason field is required.
func (l *Ledger) RecordRevert(ctx context.Context, ev Event) error {
	if ev.Reason == "" {
		return fmt.Errorf("revert for maker %s nonce %d missing reason", ev.Maker, ev.Nonce)
	}
	ev.Kind = EventRevert
	return l.record(ctx, ev)
}

func (l *Ledger) record(ctx context.Context, ev Event) error {
	if ev.RecordedAt == "" {
		ev.RecordedAt = time.Now().UTC().Format(time.RFC3339)
	}
	const q = `
INSERT INTO settlement_events (kind, maker, nonce, token_in, token_out, amount_in, amount_out, tx_hash, reason, recorded_at)
VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`
	_, err := l.db.ExecContext(ctx, q,
		string(ev.Kind), ev.Maker, ev.Nonce,
		ev.TokenIn, ev.TokenOut, ev.AmountIn, ev.AmountOut,
		ev.TxHash, ev.Reason, ev.RecordedAt)
	if err != nil {
		return fmt.Errorf("record %s for maker %s nonce %d: %w", ev.Kind, ev.Maker, ev.Nonce, err)
	}
	return nil
}

// Events returns the maker's settlement history, newest first, capped at
// limit rows. An empty maker returns events across all makers.
func (l *Ledger) Events(ctx context.Context, maker string, limit int) ([]Event, error) {
	if limit <= 0 {
		limit = 100
	}
	q := `
SELECT id, kind, maker, nonce, token_in, token_out, amount_in, amount_out, tx_hash, reason, recorded_at
FROM settlement_events`
	args := []any{}
	if maker != "" {
		q += ` WHERE maker = ?`
		args = append(args, maker)
	}
	q += ` ORDER BY id DESC LIMIT ?`
	args = append(args, limit)

	rows, err := l.db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, fmt.Errorf("query settlement events: %w", err)
	}
	defer rows.Close()

	var events []Event
	for rows.Next() {
		var ev Event
		var kind string
		if err := rows.Scan(&ev.ID, &kind, &ev.Maker, &ev.Nonce,
			&ev.TokenIn, &ev.TokenOut, &ev.AmountIn, &ev.AmountOut,
			&ev.TxHash, &ev.Reason, &ev.RecordedAt); err != nil {
			return nil, fmt.Errorf("scan settlement event: %w", err)
		}
		ev.Kind = EventKind(kind)
		events = append(events, ev)
	}
	return events, rows.Err()
}
