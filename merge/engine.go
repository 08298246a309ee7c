// Package merge holds the in-memory table behind a synchronized collection.
//
// An Engine folds three sources into one ordered, deduplicated list: pages
// returned by fetches (Seed), change events pushed by the backend (Apply) and
// optimistic local writes (ApplyOptimistic / MutateOptimistic, later settled
// with Reconcile or Rollback). Entries are keyed by server id, so a second
// event for the same id always mutates and never appends.
//
// An Engine does no locking. Its owner serializes every call.
package merge

import (
	"errors"
	"fmt"
	"sort"
	"time"

	json "github.com/goccy/go-json"
	"github.com/google/uuid"
	"github.com/refillhub/refill-sync/logger"
	"github.com/refillhub/refill-sync/metrics"
	"github.com/refillhub/refill-sync/models"
	"github.com/rs/zerolog"
)

// ErrMalformed is returned for events that cannot be applied. The table is
// left untouched.
var ErrMalformed = errors.New("malformed event")

// Record is what the engine needs from an entity.
type Record interface {
	Key() string
	Created() time.Time
	Revision() time.Time
	Valid() error
}

type Direction int

const (
	Ascending Direction = iota
	Descending
)

// Source says where a replacement value came from.
type Source int

const (
	SourceSeed Source = iota
	SourceInsert
	SourceUpdate
	SourceReconcile
)

// Token identifies one optimistic write until it is reconciled or rolled
// back.
type Token string

type Options[T Record] struct {
	Table string
	Order Direction

	// Carry runs whenever an existing entry is replaced. It can copy
	// local-only fields across or refuse regressions of monotonic fields.
	Carry func(prev, next T, src Source) T

	// Observer is told about every change: prev is nil for additions and
	// next is nil for removals. Clear and Seed do not notify removals.
	Observer func(prev, next *T)

	// CreatedField is the column Created reads. Patches never move it once
	// set, so an entry keeps its place in the order. Defaults to created_at.
	CreatedField string

	BufferTTL   time.Duration
	BufferLimit int
	Now         func() time.Time
}

type entry[T Record] struct {
	value   T
	seq     uint64
	pending int
	remote  uint64 // bumped on every server-originated change
}

type write[T Record] struct {
	key       string
	surrogate bool
	prev      T
	remote    uint64
}

type bufferedPatch struct {
	patch json.RawMessage
	at    time.Time
}

type Engine[T Record] struct {
	opts     Options[T]
	entries  map[string]*entry[T]
	writes   map[Token]*write[T]
	buffered map[string][]bufferedPatch
	nbuf     int
	seq      uint64
	log      zerolog.Logger
}

func New[T Record](opts Options[T]) *Engine[T] {
	if opts.Now == nil {
		opts.Now = time.Now
	}
	if opts.BufferTTL <= 0 {
		opts.BufferTTL = 30 * time.Second
	}
	if opts.BufferLimit <= 0 {
		opts.BufferLimit = 512
	}
	if opts.CreatedField == "" {
		opts.CreatedField = "created_at"
	}
	return &Engine[T]{
		opts:     opts,
		entries:  map[string]*entry[T]{},
		writes:   map[Token]*write[T]{},
		buffered: map[string][]bufferedPatch{},
		log:      logger.For("merge").With().Str("table", opts.Table).Logger(),
	}
}

// Seed loads fetched records. Entries with an optimistic write in flight keep
// their local value, and rows older than what a push already delivered are
// skipped; everything else is overwritten. Seed never removes.
func (e *Engine[T]) Seed(records []T) int {
	applied := 0
	for _, rec := range records {
		if err := rec.Valid(); err != nil {
			e.drop("seed", rec.Key(), err)
			continue
		}
		id := rec.Key()
		if cur, ok := e.entries[id]; ok {
			if cur.pending > 0 || !newer(cur.value, rec) {
				continue
			}
			e.replace(cur, rec, SourceSeed)
		} else {
			e.add(id, rec, 0)
		}
		applied++
	}
	return applied
}

// Apply is the single entry point for pushed change events.
func (e *Engine[T]) Apply(ev models.Event) error {
	if err := e.apply(ev); err != nil {
		return err
	}
	metrics.EventsApplied.WithLabelValues(e.opts.Table, string(ev.Kind)).Inc()
	return nil
}

func (e *Engine[T]) apply(ev models.Event) error {
	if ev.Table != "" && ev.Table != e.opts.Table {
		return e.drop(string(ev.Kind), ev.ID, fmt.Errorf("event for table %q", ev.Table))
	}
	switch ev.Kind {
	case models.EventInsert:
		var rec T
		if err := json.Unmarshal(ev.Record, &rec); err != nil {
			return e.drop("insert", ev.ID, err)
		}
		return e.ApplyInsert(rec)
	case models.EventUpdate:
		return e.ApplyUpdate(EventKey(ev), ev.Record)
	case models.EventDelete:
		id := EventKey(ev)
		if id == "" {
			return e.drop("delete", "", errors.New("missing id"))
		}
		e.Remove(id)
		return nil
	default:
		return e.drop(string(ev.Kind), ev.ID, errors.New("unknown event kind"))
	}
}

// ApplyInsert adds rec, or treats it as an update when the id is already
// present so duplicate deliveries stay idempotent.
func (e *Engine[T]) ApplyInsert(rec T) error {
	if err := rec.Valid(); err != nil {
		return e.drop("insert", rec.Key(), err)
	}
	e.pruneBuffer()

	id := rec.Key()
	if cur, ok := e.entries[id]; ok {
		if !newer(cur.value, rec) {
			e.log.Debug().Str("id", id).Msg("Ignoring stale duplicate insert")
			return nil
		}
		cur.remote++
		e.replace(cur, rec, SourceInsert)
		return nil
	}
	e.add(id, rec, 0).remote++
	return nil
}

// ApplyUpdate merges patch (a full or partial JSON row) onto the entry with
// the given id. Updates for ids not seen yet are buffered until the insert
// arrives, or dropped once they outlive the buffer TTL.
func (e *Engine[T]) ApplyUpdate(id string, patch json.RawMessage) error {
	if id == "" {
		return e.drop("update", "", errors.New("missing id"))
	}
	var probe map[string]json.RawMessage
	if err := json.Unmarshal(patch, &probe); err != nil || probe == nil {
		return e.drop("update", id, fmt.Errorf("patch is not an object: %v", err))
	}
	e.pruneBuffer()

	cur, ok := e.entries[id]
	if !ok {
		e.bufferPatch(id, patch)
		return nil
	}
	next, err := e.patch(cur.value, patch)
	if err != nil {
		return e.drop("update", id, err)
	}
	if next.Key() != id {
		return e.drop("update", id, fmt.Errorf("patch changes id to %q", next.Key()))
	}
	if !newer(cur.value, next) {
		e.log.Debug().Str("id", id).Msg("Ignoring stale update")
		return nil
	}
	cur.remote++
	e.replace(cur, next, SourceUpdate)
	return nil
}

// ApplyOptimistic adds a local surrogate that has no server id yet.
func (e *Engine[T]) ApplyOptimistic(local T) Token {
	tok := Token("local-" + uuid.NewString())
	e.add(string(tok), local, 0)
	e.writes[tok] = &write[T]{key: string(tok), surrogate: true}
	return tok
}

// MutateOptimistic applies fn to an existing entry ahead of the server. The
// previous value is kept for Rollback.
func (e *Engine[T]) MutateOptimistic(id string, fn func(T) T) (Token, bool) {
	cur, ok := e.entries[id]
	if !ok {
		return "", false
	}
	prev := cur.value
	next := fn(prev)
	cur.value = next
	cur.pending++
	tok := Token("local-" + uuid.NewString())
	e.writes[tok] = &write[T]{key: id, prev: prev, remote: cur.remote}
	e.notify(&prev, &next)
	return tok, true
}

// Reconcile settles an optimistic write with the entity the server
// confirmed. A surrogate is replaced by the confirmed entity in place; if a
// pushed insert for the same id got there first, the two collapse into one
// entry.
func (e *Engine[T]) Reconcile(tok Token, confirmed T) error {
	w, ok := e.writes[tok]
	if !ok {
		return fmt.Errorf("unknown token %s", tok)
	}
	delete(e.writes, tok)

	if err := confirmed.Valid(); err != nil {
		e.rollback(w)
		return e.drop("reconcile", confirmed.Key(), err)
	}
	id := confirmed.Key()

	if !w.surrogate {
		cur, ok := e.entries[w.key]
		if !ok {
			return nil
		}
		cur.pending--
		if newer(cur.value, confirmed) {
			cur.remote++
			e.replace(cur, confirmed, SourceReconcile)
		}
		return nil
	}

	sur, ok := e.entries[w.key]
	if !ok {
		return nil
	}
	delete(e.entries, w.key)

	if cur, ok := e.entries[id]; ok {
		e.notify(&sur.value, nil)
		if sur.seq < cur.seq {
			cur.seq = sur.seq
		}
		best := cur.value
		if newer(cur.value, confirmed) {
			best = confirmed
		}
		e.replace(cur, e.carry(sur.value, best, SourceReconcile), SourceReconcile)
		return nil
	}

	next := e.carry(sur.value, confirmed, SourceReconcile)
	ent := &entry[T]{value: next, seq: sur.seq, remote: 1}
	e.entries[id] = ent
	e.notify(&sur.value, &next)
	e.drainBuffer(id)
	return nil
}

// Settle finishes an optimistic mutation that the server accepted without
// returning the row. The local value stays.
func (e *Engine[T]) Settle(tok Token) {
	w, ok := e.writes[tok]
	if !ok {
		return
	}
	delete(e.writes, tok)
	if cur, ok := e.entries[w.key]; ok && !w.surrogate {
		cur.pending--
	}
}

// Rollback undoes an optimistic write and returns the value that was shown
// locally, so callers can hand the user's input back. A mutation whose entry
// has since been changed by the server is not reverted.
func (e *Engine[T]) Rollback(tok Token) (T, bool) {
	w, ok := e.writes[tok]
	if !ok {
		var zero T
		return zero, false
	}
	delete(e.writes, tok)
	return e.rollback(w)
}

func (e *Engine[T]) rollback(w *write[T]) (T, bool) {
	var zero T
	cur, ok := e.entries[w.key]
	if !ok {
		return zero, false
	}
	local := cur.value
	if w.surrogate {
		delete(e.entries, w.key)
		e.notify(&local, nil)
		return local, true
	}
	cur.pending--
	if cur.remote == w.remote {
		prev := w.prev
		cur.value = prev
		e.notify(&local, &prev)
	}
	return local, true
}

// Remove deletes an entry and any updates buffered for it.
func (e *Engine[T]) Remove(id string) bool {
	if n := len(e.buffered[id]); n > 0 {
		e.nbuf -= n
		delete(e.buffered, id)
	}
	cur, ok := e.entries[id]
	if !ok {
		return false
	}
	delete(e.entries, id)
	e.notify(&cur.value, nil)
	return true
}

// Clear empties the table, drops buffered updates and forgets pending
// writes.
func (e *Engine[T]) Clear() {
	e.entries = map[string]*entry[T]{}
	e.writes = map[Token]*write[T]{}
	e.buffered = map[string][]bufferedPatch{}
	e.nbuf = 0
}

func (e *Engine[T]) Get(id string) (T, bool) {
	cur, ok := e.entries[id]
	if !ok {
		var zero T
		return zero, false
	}
	return cur.value, true
}

// HasPending reports whether id has an optimistic write in flight.
func (e *Engine[T]) HasPending(id string) bool {
	cur, ok := e.entries[id]
	return ok && cur.pending > 0
}

func (e *Engine[T]) Len() int { return len(e.entries) }

// Buffered returns the number of updates waiting for their insert.
func (e *Engine[T]) Buffered() int { return e.nbuf }

// Snapshot returns the ordered entries. The slice is a copy.
func (e *Engine[T]) Snapshot() []T {
	ents := make([]*entry[T], 0, len(e.entries))
	for _, ent := range e.entries {
		ents = append(ents, ent)
	}
	desc := e.opts.Order == Descending
	sort.Slice(ents, func(i, j int) bool {
		a, b := ents[i].value.Created(), ents[j].value.Created()
		if !a.Equal(b) {
			if desc {
				return a.After(b)
			}
			return a.Before(b)
		}
		return ents[i].seq < ents[j].seq
	})
	out := make([]T, len(ents))
	for i, ent := range ents {
		out[i] = ent.value
	}
	return out
}

// Each calls fn for every entry in no particular order.
func (e *Engine[T]) Each(fn func(T)) {
	for _, ent := range e.entries {
		fn(ent.value)
	}
}

func (e *Engine[T]) add(key string, v T, seq uint64) *entry[T] {
	if seq == 0 {
		e.seq++
		seq = e.seq
	}
	ent := &entry[T]{value: v, seq: seq}
	e.entries[key] = ent
	e.notify(nil, &v)
	e.drainBuffer(key)
	return ent
}

func (e *Engine[T]) replace(cur *entry[T], next T, src Source) {
	prev := cur.value
	next = e.carry(prev, next, src)
	cur.value = next
	e.notify(&prev, &next)
}

func (e *Engine[T]) carry(prev, next T, src Source) T {
	if e.opts.Carry == nil {
		return next
	}
	return e.opts.Carry(prev, next, src)
}

func (e *Engine[T]) notify(prev, next *T) {
	if e.opts.Observer != nil {
		e.opts.Observer(prev, next)
	}
}

func (e *Engine[T]) patch(cur T, patch json.RawMessage) (T, error) {
	if !cur.Created().IsZero() {
		var fields map[string]json.RawMessage
		if err := json.Unmarshal(patch, &fields); err != nil {
			return cur, err
		}
		if _, ok := fields[e.opts.CreatedField]; ok {
			delete(fields, e.opts.CreatedField)
			b, err := json.Marshal(fields)
			if err != nil {
				return cur, err
			}
			patch = b
		}
	}
	next := cur
	if err := json.Unmarshal(patch, &next); err != nil {
		return cur, err
	}
	if err := next.Valid(); err != nil {
		return cur, err
	}
	return next, nil
}

func (e *Engine[T]) bufferPatch(id string, patch json.RawMessage) {
	for e.nbuf >= e.opts.BufferLimit {
		e.evictOldest()
	}
	e.buffered[id] = append(e.buffered[id], bufferedPatch{patch: patch, at: e.opts.Now()})
	e.nbuf++
	metrics.UpdatesBuffered.WithLabelValues(e.opts.Table).Inc()
	e.log.Debug().Str("id", id).Int("buffered", e.nbuf).Msg("Buffered update for unseen id")
}

func (e *Engine[T]) drainBuffer(id string) {
	patches := e.buffered[id]
	if len(patches) == 0 {
		return
	}
	delete(e.buffered, id)
	e.nbuf -= len(patches)
	for _, p := range patches {
		if err := e.ApplyUpdate(id, p.patch); err != nil {
			e.log.Warn().Err(err).Str("id", id).Msg("Buffered update could not be applied")
		}
	}
}

func (e *Engine[T]) pruneBuffer() {
	if e.nbuf == 0 {
		return
	}
	cutoff := e.opts.Now().Add(-e.opts.BufferTTL)
	for id, patches := range e.buffered {
		kept := patches[:0]
		for _, p := range patches {
			if p.at.After(cutoff) {
				kept = append(kept, p)
			}
		}
		if dropped := len(patches) - len(kept); dropped > 0 {
			e.nbuf -= dropped
			metrics.EventsDropped.WithLabelValues(e.opts.Table, "orphaned").Add(float64(dropped))
			e.log.Warn().Str("id", id).Int("dropped", dropped).Msg("Discarding orphaned updates")
		}
		if len(kept) == 0 {
			delete(e.buffered, id)
		} else {
			e.buffered[id] = kept
		}
	}
}

func (e *Engine[T]) evictOldest() {
	var (
		oldestID string
		oldestAt time.Time
	)
	for id, patches := range e.buffered {
		if len(patches) == 0 {
			continue
		}
		if oldestID == "" || patches[0].at.Before(oldestAt) {
			oldestID, oldestAt = id, patches[0].at
		}
	}
	if oldestID == "" {
		e.nbuf = 0
		return
	}
	rest := e.buffered[oldestID][1:]
	if len(rest) == 0 {
		delete(e.buffered, oldestID)
	} else {
		e.buffered[oldestID] = rest
	}
	e.nbuf--
	metrics.EventsDropped.WithLabelValues(e.opts.Table, "buffer_full").Inc()
}

func (e *Engine[T]) drop(op, id string, err error) error {
	metrics.EventsDropped.WithLabelValues(e.opts.Table, "malformed").Inc()
	e.log.Warn().Err(err).Str("op", op).Str("id", id).Msg("Dropping malformed event")
	return fmt.Errorf("%w: %s %s: %v", ErrMalformed, op, id, err)
}

// newer reports whether next may replace prev. Records without a revision
// always may.
func newer[T Record](prev, next T) bool {
	pr, nr := prev.Revision(), next.Revision()
	if pr.IsZero() || nr.IsZero() {
		return true
	}
	return !nr.Before(pr)
}

// EventKey returns the id of the row ev is about, read from the record when
// the event does not name it.
func EventKey(ev models.Event) string {
	if ev.ID != "" {
		return ev.ID
	}
	var v struct {
		ID string `json:"id"`
	}
	if err := json.Unmarshal(ev.Record, &v); err != nil {
		return ""
	}
	return v.ID
}
