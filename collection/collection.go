// Package collection is the shared core of the synchronized collections. A
// Collection wires a transport, a merge engine and a supervisor together for
// one table and one owner at a time, and runs writes through the
// optimistic-then-authoritative pipeline.
package collection

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	json "github.com/goccy/go-json"
	"github.com/refillhub/refill-sync/diagnostics"
	"github.com/refillhub/refill-sync/logger"
	"github.com/refillhub/refill-sync/merge"
	"github.com/refillhub/refill-sync/metrics"
	"github.com/refillhub/refill-sync/models"
	"github.com/refillhub/refill-sync/supervisor"
	"github.com/refillhub/refill-sync/syncerr"
	"github.com/refillhub/refill-sync/transport"
	"github.com/rs/zerolog"
)

type Settings struct {
	Table       string
	OwnerColumn string
	OrderColumn string
	Order       merge.Direction

	PageSize       int
	RequestTimeout time.Duration
	BufferTTL      time.Duration
	BufferLimit    int

	Supervisor supervisor.Settings
}

// Hooks let a typed manager observe the table. They run with the collection
// lock held and must not call back into the collection.
type Hooks[T merge.Record] struct {
	Carry func(prev, next T, src merge.Source) T
	// Observer sees every single-entry change.
	Observer func(prev, next *T)
	// Resync runs after bulk changes (seed, clear) with the full table.
	Resync func(all []T)
	// Failed runs once when the subscription gives up.
	Failed func(err error)
}

type Collection[T merge.Record] struct {
	tr       transport.Transport
	settings Settings
	hooks    Hooks[T]
	diag     *diagnostics.Recorder
	log      zerolog.Logger

	writeMu sync.Mutex

	mu        sync.Mutex
	engine    *merge.Engine[T]
	sup       *supervisor.Supervisor
	owner     string
	running   bool
	epoch     uint64
	ctx       context.Context
	cancel    context.CancelFunc
	loaded    int
	exhausted bool
	loading   int
	lastErr   error
	watchers  map[chan struct{}]struct{}
}

func New[T merge.Record](tr transport.Transport, settings Settings, hooks Hooks[T], diag *diagnostics.Recorder) *Collection[T] {
	if settings.OwnerColumn == "" {
		settings.OwnerColumn = "user_id"
	}
	if settings.OrderColumn == "" {
		settings.OrderColumn = "created_at"
	}
	if settings.PageSize <= 0 {
		settings.PageSize = 50
	}
	if settings.RequestTimeout <= 0 {
		settings.RequestTimeout = 10 * time.Second
	}
	settings.Supervisor.Table = settings.Table
	settings.Supervisor.OwnerColumn = settings.OwnerColumn

	return &Collection[T]{
		tr:       tr,
		settings: settings,
		hooks:    hooks,
		diag:     diag,
		log:      logger.For("collection").With().Str("table", settings.Table).Logger(),
		engine: merge.New(merge.Options[T]{
			Table:        settings.Table,
			Order:        settings.Order,
			Carry:        hooks.Carry,
			Observer:     hooks.Observer,
			CreatedField: settings.OrderColumn,
			BufferTTL:    settings.BufferTTL,
			BufferLimit:  settings.BufferLimit,
		}),
		watchers: map[chan struct{}]struct{}{},
	}
}

func (c *Collection[T]) Table() string { return c.settings.Table }

// Start loads the first page for owner and opens its live channel. Starting
// for the owner already running is a no-op; starting for another owner tears
// the previous one down first, so rows of two owners never mix.
//
// A failed first fetch is returned but leaves the collection running: the
// refetch that follows the subscription repairs it.
func (c *Collection[T]) Start(ctx context.Context, owner string) error {
	if owner == "" {
		return syncerr.Invalid("owner", "required")
	}

	c.mu.Lock()
	if c.running && c.owner == owner {
		c.mu.Unlock()
		return nil
	}
	old := c.stopLocked()
	c.running = true
	c.owner = owner
	c.epoch++
	ep := c.epoch
	c.ctx, c.cancel = context.WithCancel(context.Background())
	sup := supervisor.New(c.tr, c.settings.Supervisor, supervisor.Handlers{
		OnEvent:      func(ev models.Event) { c.onEvent(ep, ev) },
		OnSubscribed: func(resubscribed bool) { c.onSubscribed(ep, resubscribed) },
		OnFailed:     func(err error) { c.onFailed(ep, err) },
	}, c.diag)
	c.sup = sup
	c.mu.Unlock()

	if old != nil {
		old.Stop()
	}
	c.notify()

	c.log.Info().Str("owner", owner).Msg("Starting collection")
	_, err := c.fetch(ctx, ep, 0, "start")

	c.mu.Lock()
	defer c.mu.Unlock()
	if ep != c.epoch {
		return syncerr.ErrStopped
	}
	sup.Start(owner)
	return err
}

// Stop closes the channel, cancels in-flight fetches and clears the table.
func (c *Collection[T]) Stop() {
	c.mu.Lock()
	sup := c.stopLocked()
	c.mu.Unlock()

	if sup != nil {
		sup.Stop()
		c.notify()
	}
}

func (c *Collection[T]) stopLocked() *supervisor.Supervisor {
	if !c.running {
		return nil
	}
	c.log.Info().Str("owner", c.owner).Msg("Stopping collection")
	c.running = false
	c.epoch++
	c.cancel()
	c.engine.Clear()
	c.owner = ""
	c.loaded = 0
	c.exhausted = false
	c.lastErr = nil
	if c.hooks.Resync != nil {
		c.hooks.Resync(nil)
	}
	sup := c.sup
	c.sup = nil
	return sup
}

// Refresh refetches every loaded row and reseeds the table.
func (c *Collection[T]) Refresh(ctx context.Context) error {
	c.mu.Lock()
	if !c.running {
		c.mu.Unlock()
		return syncerr.ErrStopped
	}
	ep := c.epoch
	c.mu.Unlock()

	_, err := c.fetch(ctx, ep, 0, "refresh")
	return err
}

// LoadMore fetches the next page. It returns the number of rows received,
// zero once the server has no more.
func (c *Collection[T]) LoadMore(ctx context.Context) (int, error) {
	c.mu.Lock()
	if !c.running {
		c.mu.Unlock()
		return 0, syncerr.ErrStopped
	}
	if c.exhausted {
		c.mu.Unlock()
		return 0, nil
	}
	ep, offset := c.epoch, c.loaded
	c.mu.Unlock()

	return c.fetch(ctx, ep, offset, "load_more")
}

// fetch pulls rows from offset and seeds them. At offset zero it re-reads
// everything loaded so far in one request.
func (c *Collection[T]) fetch(ctx context.Context, ep uint64, offset int, reason string) (int, error) {
	c.mu.Lock()
	if ep != c.epoch {
		c.mu.Unlock()
		return 0, syncerr.ErrStopped
	}
	limit := c.settings.PageSize
	if offset == 0 && c.loaded > limit {
		limit = c.loaded
	}
	owner := c.owner
	runCtx := c.ctx
	c.loading++
	c.mu.Unlock()
	c.notify()
	defer c.idle()

	ctx, cancel := c.bound(ctx, runCtx)
	defer cancel()

	metrics.Refetches.WithLabelValues(c.settings.Table, reason).Inc()
	order := transport.Order{Column: c.settings.OrderColumn, Ascending: c.settings.Order == merge.Ascending}
	raws, err := c.tr.FetchPage(ctx, c.settings.Table, transport.Eq(c.settings.OwnerColumn, owner), order, limit, offset)
	if err != nil {
		if ep != c.Epoch() {
			return 0, syncerr.ErrStopped
		}
		c.log.Warn().Err(err).Str("reason", reason).Msg("Fetch failed")
		return 0, c.wrap("fetch", err)
	}
	recs := c.decode(raws)

	c.mu.Lock()
	defer c.mu.Unlock()
	if ep != c.epoch {
		return 0, syncerr.ErrStopped
	}
	c.engine.Seed(recs)
	if offset+len(raws) > c.loaded {
		c.loaded = offset + len(raws)
	}
	c.exhausted = len(raws) < limit
	c.resyncLocked()
	c.log.Debug().Str("reason", reason).Int("rows", len(raws)).Int("offset", offset).Msg("Seeded from fetch")
	return len(raws), nil
}

// shiftLocked keeps the paging offset in line with the server when a row
// appears or disappears outside a fetch. A new row only moves the offset when
// it sorts ahead of the unloaded rows: always for newest-first tables, and
// for oldest-first tables once every older row is loaded.
func (c *Collection[T]) shiftLocked(had, has bool) {
	switch {
	case had && !has:
		if c.loaded > 0 {
			c.loaded--
		}
	case !had && has:
		if c.settings.Order == merge.Descending || c.exhausted {
			c.loaded++
		}
	}
}

func (c *Collection[T]) decode(raws []json.RawMessage) []T {
	out := make([]T, 0, len(raws))
	for _, raw := range raws {
		var rec T
		if err := json.Unmarshal(raw, &rec); err != nil {
			metrics.EventsDropped.WithLabelValues(c.settings.Table, "malformed").Inc()
			c.log.Warn().Err(err).Msg("Skipping undecodable row")
			continue
		}
		out = append(out, rec)
	}
	return out
}

func (c *Collection[T]) onEvent(ep uint64, ev models.Event) {
	c.mu.Lock()
	if ep != c.epoch {
		c.mu.Unlock()
		return
	}
	id := merge.EventKey(ev)
	_, had := c.engine.Get(id)
	err := c.engine.Apply(ev)
	if err == nil {
		_, has := c.engine.Get(id)
		c.shiftLocked(had, has)
	}
	c.mu.Unlock()
	if err == nil {
		c.notify()
	}
}

func (c *Collection[T]) onSubscribed(ep uint64, resubscribed bool) {
	reason := "subscribed"
	if resubscribed {
		reason = "resubscribed"
	}
	go func() {
		if _, err := c.fetch(context.Background(), ep, 0, reason); err != nil && !errors.Is(err, syncerr.ErrStopped) {
			c.log.Warn().Err(err).Msg("Refetch after subscribe failed")
		}
	}()
}

func (c *Collection[T]) onFailed(ep uint64, err error) {
	c.mu.Lock()
	if ep != c.epoch {
		c.mu.Unlock()
		return
	}
	c.lastErr = err
	if c.hooks.Failed != nil {
		c.hooks.Failed(err)
	}
	c.mu.Unlock()
	c.notify()
}

// Retry restarts a subscription that gave up.
func (c *Collection[T]) Retry() bool {
	c.mu.Lock()
	sup := c.sup
	c.lastErr = nil
	c.mu.Unlock()
	if sup == nil {
		return false
	}
	return sup.Retry()
}

// Insert shows local at once and replaces it with the row the server
// returns. On failure the local value is handed back with the error, also
// when the server acknowledges with a row that cannot be decoded or is
// missing required fields.
func (c *Collection[T]) Insert(ctx context.Context, local T, record any) (T, error) {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()

	c.mu.Lock()
	if !c.running {
		c.mu.Unlock()
		return local, syncerr.ErrStopped
	}
	ep := c.epoch
	runCtx := c.ctx
	tok := c.engine.ApplyOptimistic(local)
	c.loading++
	c.mu.Unlock()
	c.notify()
	defer c.idle()

	ctx, cancel := c.bound(ctx, runCtx)
	defer cancel()
	raw, err := c.tr.Insert(ctx, c.settings.Table, record)

	c.mu.Lock()
	if ep != c.epoch {
		c.mu.Unlock()
		return local, syncerr.ErrStopped
	}
	if err != nil {
		c.engine.Rollback(tok)
		c.mu.Unlock()
		c.notify()
		return local, c.writeFailed("insert", err)
	}
	var confirmed T
	if derr := json.Unmarshal(raw, &confirmed); derr != nil {
		c.engine.Rollback(tok)
		c.mu.Unlock()
		c.notify()
		return local, c.writeFailed("insert", fmt.Errorf("undecodable acknowledgement: %w", derr))
	}
	_, had := c.engine.Get(confirmed.Key())
	// An invalid row rolls the surrogate back inside Reconcile.
	if rerr := c.engine.Reconcile(tok, confirmed); rerr != nil {
		c.mu.Unlock()
		c.notify()
		return local, c.writeFailed("insert", rerr)
	}
	if got, ok := c.engine.Get(confirmed.Key()); ok {
		confirmed = got
		c.shiftLocked(had, true)
	}
	c.mu.Unlock()
	c.notify()

	metrics.WritesTotal.WithLabelValues(c.settings.Table, "insert", "ok").Inc()
	return confirmed, nil
}

// Send performs the authoritative half of a mutation. It returns the rows
// the server changed.
type Send func(ctx context.Context) ([]json.RawMessage, error)

// Mutate applies fn to the entries with the given ids ahead of the server,
// then runs send. Confirmed rows replace the local values; on failure every
// entry is rolled back. Ids that are not in the table are skipped; if none
// is present the result is syncerr.ErrNotFound and send is not called.
func (c *Collection[T]) Mutate(ctx context.Context, op string, ids []string, fn func(T) T, send Send) ([]T, error) {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()

	c.mu.Lock()
	if !c.running {
		c.mu.Unlock()
		return nil, syncerr.ErrStopped
	}
	ep := c.epoch
	runCtx := c.ctx
	toks := make(map[string]merge.Token, len(ids))
	for _, id := range ids {
		if tok, ok := c.engine.MutateOptimistic(id, fn); ok {
			toks[id] = tok
		}
	}
	if len(toks) == 0 {
		c.mu.Unlock()
		return nil, syncerr.ErrNotFound
	}
	c.loading++
	c.mu.Unlock()
	c.notify()
	defer c.idle()

	ctx, cancel := c.bound(ctx, runCtx)
	defer cancel()
	raws, err := send(ctx)

	c.mu.Lock()
	if ep != c.epoch {
		c.mu.Unlock()
		return nil, syncerr.ErrStopped
	}
	if err != nil {
		for _, tok := range toks {
			c.engine.Rollback(tok)
		}
		c.mu.Unlock()
		c.notify()
		return nil, c.writeFailed(op, err)
	}

	out := make([]T, 0, len(raws))
	for _, rec := range c.decode(raws) {
		tok, ok := toks[rec.Key()]
		if !ok {
			continue
		}
		delete(toks, rec.Key())
		if rerr := c.engine.Reconcile(tok, rec); rerr != nil {
			c.log.Warn().Err(rerr).Str("op", op).Msg("Could not reconcile confirmed row")
			continue
		}
		if got, ok := c.engine.Get(rec.Key()); ok {
			out = append(out, got)
		}
	}
	for _, tok := range toks {
		c.engine.Settle(tok)
	}
	c.mu.Unlock()
	c.notify()

	metrics.WritesTotal.WithLabelValues(c.settings.Table, op, "ok").Inc()
	return out, nil
}

// Resync runs the Resync hook over the current table.
func (c *Collection[T]) Resync() {
	c.mu.Lock()
	c.resyncLocked()
	c.mu.Unlock()
}

func (c *Collection[T]) resyncLocked() {
	if c.hooks.Resync != nil {
		c.hooks.Resync(c.engine.Snapshot())
	}
}

// View runs fn with the current ordered table under the collection lock.
func (c *Collection[T]) View(fn func(all []T)) {
	c.mu.Lock()
	defer c.mu.Unlock()
	fn(c.engine.Snapshot())
}

// List returns the ordered table. The slice belongs to the caller.
func (c *Collection[T]) List() []T {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.engine.Snapshot()
}

func (c *Collection[T]) Get(id string) (T, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.engine.Get(id)
}

// IsLoading reports whether a fetch or a write is in flight.
func (c *Collection[T]) IsLoading() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.loading > 0
}

func (c *Collection[T]) Running() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.running
}

func (c *Collection[T]) Owner() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.owner
}

func (c *Collection[T]) Epoch() uint64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.epoch
}

// Err returns the subscription fault reported after retries ran out, if any.
func (c *Collection[T]) Err() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.lastErr
}

// State returns the supervisor state, Idle when stopped.
func (c *Collection[T]) State() supervisor.State {
	c.mu.Lock()
	sup := c.sup
	c.mu.Unlock()
	if sup == nil {
		return supervisor.Idle
	}
	return sup.State()
}

// Watch returns a channel that receives a value after the table or the
// loading state changes. Notifications coalesce; a slow reader sees one
// pending signal, never a backlog. Call the returned func to stop watching.
func (c *Collection[T]) Watch() (<-chan struct{}, func()) {
	ch := make(chan struct{}, 1)
	c.mu.Lock()
	c.watchers[ch] = struct{}{}
	c.mu.Unlock()
	return ch, func() {
		c.mu.Lock()
		delete(c.watchers, ch)
		c.mu.Unlock()
	}
}

func (c *Collection[T]) notify() {
	c.mu.Lock()
	defer c.mu.Unlock()
	for ch := range c.watchers {
		select {
		case ch <- struct{}{}:
		default:
		}
	}
}

// bound limits ctx by the request timeout and by the lifetime of the
// current run.
func (c *Collection[T]) bound(ctx context.Context, run context.Context) (context.Context, context.CancelFunc) {
	ctx, cancel := context.WithTimeout(ctx, c.settings.RequestTimeout)
	if run == nil {
		return ctx, cancel
	}
	stop := context.AfterFunc(run, cancel)
	return ctx, func() {
		stop()
		cancel()
	}
}

func (c *Collection[T]) writeFailed(op string, err error) error {
	outcome := "error"
	if syncerr.IsConflict(err) {
		outcome = "conflict"
	}
	metrics.WritesTotal.WithLabelValues(c.settings.Table, op, outcome).Inc()
	c.log.Warn().Err(err).Str("op", op).Msg("Write rolled back")
	return c.wrap(op, err)
}

// idle ends one in-flight request counted in loading.
func (c *Collection[T]) idle() {
	c.mu.Lock()
	c.loading--
	c.mu.Unlock()
	c.notify()
}

// wrap turns a raw transport failure into a TransportError. Typed errors
// pass through unchanged.
func (c *Collection[T]) wrap(op string, err error) error {
	if syncerr.IsConflict(err) || syncerr.IsValidation(err) || syncerr.IsTransport(err) {
		return err
	}
	return &syncerr.TransportError{Op: op, Table: c.settings.Table, Err: err}
}
