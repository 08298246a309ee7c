// Package transport describes the managed publish/subscribe backend the sync
// engine talks to. nats_service implements it over NATS; transporttest
// implements it in memory for tests.
package transport

import (
	"context"

	json "github.com/goccy/go-json"
	"github.com/refillhub/refill-sync/models"
)

// Status is a channel connection status reported through Subscribe.
type Status string

const (
	StatusSubscribing  Status = "subscribing"
	StatusSubscribed   Status = "subscribed"
	StatusChannelError Status = "channel_error"
	StatusTimedOut     Status = "timed_out"
	StatusClosed       Status = "closed"
)

// Fault reports whether the status means the channel is no longer usable.
func (s Status) Fault() bool {
	return s == StatusChannelError || s == StatusTimedOut || s == StatusClosed
}

// Op is a filter comparison.
type Op string

const (
	OpEq Op = "eq"
	OpIn Op = "in"
)

// Filter restricts rows by one column, e.g. user_id eq "u1".
type Filter struct {
	Column string   `json:"column"`
	Op     Op       `json:"op"`
	Values []string `json:"values"`
}

func Eq(column, value string) Filter {
	return Filter{Column: column, Op: OpEq, Values: []string{value}}
}

func In(column string, values ...string) Filter {
	return Filter{Column: column, Op: OpIn, Values: values}
}

// Value returns the single value of an eq filter.
func (f Filter) Value() string {
	if len(f.Values) == 0 {
		return ""
	}
	return f.Values[0]
}

// Order sorts a fetched page.
type Order struct {
	Column    string `json:"column"`
	Ascending bool   `json:"ascending"`
}

// StatusFunc receives connection status changes for a channel.
type StatusFunc func(status Status, err error)

// EventHandler receives change events delivered on a channel.
type EventHandler func(models.Event)

// Channel is a push subscription scoped to a table and a filter.
type Channel interface {
	On(kind models.EventKind, handler EventHandler) Channel
	Subscribe(status StatusFunc)
	Unsubscribe()
}

// Opener opens channels. The supervisor only needs this much.
type Opener interface {
	OpenChannel(table string, filter Filter) Channel
}

// Transport is the request/response and push surface of the backend. Records
// travel as raw JSON; decoding is left to the collection that owns the table.
type Transport interface {
	Opener
	FetchPage(ctx context.Context, table string, filter Filter, order Order, limit, offset int) ([]json.RawMessage, error)
	Insert(ctx context.Context, table string, record any) (json.RawMessage, error)
	// Update applies patch to every row matching all filters and returns the
	// updated rows. Zero rows is not an error.
	Update(ctx context.Context, table string, match []Filter, patch any) ([]json.RawMessage, error)
	Delete(ctx context.Context, table string, id string) error
}
