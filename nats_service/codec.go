package nats_service

import (
	"errors"
	"fmt"
	"strings"
	"time"

	json "github.com/goccy/go-json"
	"github.com/refillhub/refill-sync/models"
	"github.com/refillhub/refill-sync/syncerr"
	"github.com/refillhub/refill-sync/transport"
)

const (
	opFetch  = "fetch"
	opInsert = "insert"
	opUpdate = "update"
	opDelete = "delete"
)

// Reply codes set by the backend next to the error text.
const (
	codeConflict = "conflict"
	codeInvalid  = "invalid"
	codeNotFound = "not_found"
)

type request struct {
	Filter *transport.Filter  `json:"filter,omitempty"`
	Match  []transport.Filter `json:"match,omitempty"`
	Order  *transport.Order   `json:"order,omitempty"`
	Limit  int                `json:"limit,omitempty"`
	Offset int                `json:"offset,omitempty"`
	Record any                `json:"record,omitempty"`
	Patch  any                `json:"patch,omitempty"`
	ID     string             `json:"id,omitempty"`
}

type reply struct {
	Records []json.RawMessage `json:"records"`
	Error   string            `json:"error,omitempty"`
	Code    string            `json:"code,omitempty"`
	ID      string            `json:"id,omitempty"`
}

// requestSubject is <prefix>.<table>.<op>, e.g. refill.orders.update.
func requestSubject(prefix, table, op string) string {
	return fmt.Sprintf("%s.%s.%s", prefix, table, op)
}

// changeSubject is where the backend publishes row changes of one owner,
// e.g. refill.messages.changes.u1.
func changeSubject(prefix, table, owner string) string {
	return fmt.Sprintf("%s.%s.changes.%s", prefix, table, owner)
}

func changeSubjects(prefix, table string, f transport.Filter) []string {
	if len(f.Values) == 0 {
		return []string{changeSubject(prefix, table, "*")}
	}
	out := make([]string, 0, len(f.Values))
	for _, v := range f.Values {
		out = append(out, changeSubject(prefix, table, sanitizeToken(v)))
	}
	return out
}

func streamSubjects(prefix string) string {
	return prefix + ".*.changes.>"
}

// sanitizeToken keeps an id usable as a single subject token.
func sanitizeToken(s string) string {
	return strings.Map(func(r rune) rune {
		switch r {
		case '.', '*', '>', ' ', '\t', '\r', '\n':
			return '_'
		}
		return r
	}, s)
}

func decodeReply(table string, data []byte) ([]json.RawMessage, error) {
	var r reply
	if err := json.Unmarshal(data, &r); err != nil {
		return nil, fmt.Errorf("failed to decode reply from %s: %w", table, err)
	}
	if r.Error == "" && r.Code == "" {
		return r.Records, nil
	}

	reason := r.Error
	if reason == "" {
		reason = r.Code
	}
	switch r.Code {
	case codeConflict:
		return nil, &syncerr.ConflictError{Table: table, ID: r.ID, Reason: reason}
	case codeInvalid:
		return nil, syncerr.Invalid("", reason)
	case codeNotFound:
		return nil, fmt.Errorf("%s %s: %w", table, r.ID, syncerr.ErrNotFound)
	default:
		return nil, errors.New(reason)
	}
}

// DecodeEvent parses one change published on a table's change subject.
// Events that cannot be applied as-is are rejected here so they never reach
// a collection.
func DecodeEvent(table string, data []byte) (models.Event, error) {
	var ev models.Event
	if err := json.Unmarshal(data, &ev); err != nil {
		return ev, fmt.Errorf("invalid change payload: %w", err)
	}
	if !ev.Kind.Valid() {
		return ev, fmt.Errorf("unknown change type %q", ev.Kind)
	}
	if ev.Table == "" {
		ev.Table = table
	}
	if ev.Table != table {
		return ev, fmt.Errorf("change for table %q on %q channel", ev.Table, table)
	}
	if ev.Kind != models.EventDelete && len(ev.Record) == 0 {
		return ev, fmt.Errorf("%s change without record", ev.Kind)
	}
	if ev.ID == "" && len(ev.Record) > 0 {
		var probe struct {
			ID string `json:"id"`
		}
		if err := json.Unmarshal(ev.Record, &probe); err != nil {
			return ev, fmt.Errorf("invalid record: %w", err)
		}
		ev.ID = probe.ID
	}
	if ev.ID == "" {
		return ev, errors.New("change without id")
	}
	ev.ReceivedAt = time.Now()
	return ev, nil
}
