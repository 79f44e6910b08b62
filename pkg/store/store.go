// Package store persists tasks, worker runs, instructions, and the event
// feed in SQLite. It is the relay's source of truth. Every mutation an
// observer can care about appends a row to the events table in the same
// transaction, so the feed never shows a state the tables did not reach.
package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"strings"
	"time"
)

// Store manages the buildd tables in SQLite.
type Store struct {
	db      *sql.DB
	nowFunc func() time.Time
}

// New creates a Store backed by the given SQLite database. The schema must
// already be applied; Open does both.
func New(db *sql.DB) *Store {
	return &Store{db: db, nowFunc: time.Now}
}

// rowScanner is satisfied by *sql.Row and *sql.Rows.
type rowScanner interface {
	Scan(dest ...any) error
}

// querier is satisfied by *sql.DB and *sql.Tx.
type querier interface {
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

// listToJSON converts a string slice to a JSON array string.
func listToJSON(list []string) string {
	if len(list) == 0 {
		return "[]"
	}
	b, err := json.Marshal(list)
	if err != nil {
		return "[]"
	}
	return string(b)
}

// listFromJSON parses a JSON array string into a string slice.
func listFromJSON(s string) []string {
	if s == "" || s == "[]" {
		return nil
	}
	var list []string
	if err := json.Unmarshal([]byte(s), &list); err != nil {
		return nil
	}
	return list
}

// payloadJSON marshals an event payload, falling back to empty on failure.
func payloadJSON(v any) string {
	b, err := json.Marshal(v)
	if err != nil {
		return ""
	}
	return string(b)
}

// placeholders returns n comma-separated SQL placeholders.
func placeholders(n int) string {
	return strings.TrimSuffix(strings.Repeat("?, ", n), ", ")
}
