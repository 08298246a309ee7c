package models

import (
	"time"

	json "github.com/goccy/go-json"
)

type EventKind string

const (
	EventInsert EventKind = "insert"
	EventUpdate EventKind = "update"
	EventDelete EventKind = "delete"
)

func (k EventKind) Valid() bool {
	return k == EventInsert || k == EventUpdate || k == EventDelete
}

// Event is a single change pushed by the backend for one row of a table.
// Record holds the full row for inserts and the full or partial row for
// updates; deletes only need ID.
type Event struct {
	Kind       EventKind       `json:"type"`
	Table      string          `json:"table"`
	ID         string          `json:"id"`
	Record     json.RawMessage `json:"record,omitempty"`
	ReceivedAt time.Time       `json:"-"`
}
