// Package transporttest provides an in-memory backend implementing
// transport.Transport, with hooks to script channel statuses, drop or inject
// events and fail requests.
package transporttest

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	json "github.com/goccy/go-json"
	"github.com/refillhub/refill-sync/models"
	"github.com/refillhub/refill-sync/transport"
)

type row = map[string]any

// Fake is a single-process stand-in for the hosted backend.
type Fake struct {
	mu       sync.Mutex
	tables   map[string]map[string]row
	channels []*Channel
	seq      int
	clock    time.Time

	// AutoSubscribe makes Subscribe report subscribing then subscribed.
	AutoSubscribe bool
	// PublishWrites makes client writes fan out as change events.
	PublishWrites bool

	FetchErr  error
	WriteErr  error
	OnFetch   func(table string, offset int)
	BeforeAck func(op string) error

	opened  int
	fetches int
	writes  int
}

func New() *Fake {
	return &Fake{
		tables:        map[string]map[string]row{},
		AutoSubscribe: true,
		PublishWrites: true,
		clock:         time.Date(2024, 5, 1, 8, 0, 0, 0, time.UTC),
	}
}

// Now returns a monotonically advancing fake clock, one second per call.
func (f *Fake) Now() time.Time {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.tick()
}

func (f *Fake) tick() time.Time {
	f.clock = f.clock.Add(time.Second)
	return f.clock
}

// Put stores a row server-side without publishing anything, as if the change
// happened while nobody was listening.
func (f *Fake) Put(table string, record any) string {
	r := mustRow(record)
	f.mu.Lock()
	defer f.mu.Unlock()
	id := f.stamp(r)
	f.table(table)[id] = r
	return id
}

// PutAndPublish stores a row and emits an insert event for it.
func (f *Fake) PutAndPublish(table string, record any) string {
	id := f.Put(table, record)
	f.Emit(f.Event(table, models.EventInsert, id))
	return id
}

// Row returns a copy of a stored row.
func (f *Fake) Row(table, id string) (map[string]any, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	r, ok := f.table(table)[id]
	if !ok {
		return nil, false
	}
	return copyRow(r), true
}

func (f *Fake) Fetches() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.fetches
}

func (f *Fake) Writes() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.writes
}

func (f *Fake) Opened() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.opened
}

// Live returns the channels for table that are currently subscribed and not
// torn down.
func (f *Fake) Live(table string) []*Channel {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []*Channel
	for _, ch := range f.channels {
		if ch.table == table && ch.isLive() {
			out = append(out, ch)
		}
	}
	return out
}

// Fail reports status on every live channel of table.
func (f *Fake) Fail(table string, status transport.Status) {
	for _, ch := range f.Live(table) {
		ch.Report(status, fmt.Errorf("fake %s", status))
	}
}

// Emit delivers ev to every live channel whose filter matches the row.
func (f *Fake) Emit(ev models.Event) {
	f.mu.Lock()
	var targets []*Channel
	var r row
	if ev.Record != nil {
		_ = json.Unmarshal(ev.Record, &r)
	}
	for _, ch := range f.channels {
		if ch.table != ev.Table || !ch.isLive() {
			continue
		}
		if r != nil && !matches(r, ch.filter) {
			continue
		}
		targets = append(targets, ch)
	}
	f.mu.Unlock()

	for _, ch := range targets {
		ch.deliver(ev)
	}
}

func (f *Fake) OpenChannel(table string, filter transport.Filter) transport.Channel {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.opened++
	ch := &Channel{fake: f, table: table, filter: filter, handlers: map[models.EventKind][]transport.EventHandler{}}
	f.channels = append(f.channels, ch)
	return ch
}

func (f *Fake) FetchPage(ctx context.Context, table string, filter transport.Filter, order transport.Order, limit, offset int) ([]json.RawMessage, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	f.mu.Lock()
	f.fetches++
	hook := f.OnFetch
	if f.FetchErr != nil {
		err := f.FetchErr
		f.mu.Unlock()
		return nil, err
	}
	var rows []row
	for _, r := range f.table(table) {
		if matches(r, filter) {
			rows = append(rows, copyRow(r))
		}
	}
	f.mu.Unlock()

	if hook != nil {
		hook(table, offset)
	}

	sort.SliceStable(rows, func(i, j int) bool {
		c := compare(rows[i][order.Column], rows[j][order.Column])
		if c == 0 {
			c = compare(rows[i]["id"], rows[j]["id"])
		}
		if order.Ascending {
			return c < 0
		}
		return c > 0
	})

	if offset > len(rows) {
		offset = len(rows)
	}
	rows = rows[offset:]
	if limit > 0 && limit < len(rows) {
		rows = rows[:limit]
	}

	out := make([]json.RawMessage, 0, len(rows))
	for _, r := range rows {
		b, err := json.Marshal(r)
		if err != nil {
			return nil, err
		}
		out = append(out, b)
	}
	return out, nil
}

func (f *Fake) Insert(ctx context.Context, table string, record any) (json.RawMessage, error) {
	if err := f.beforeWrite(ctx, "insert"); err != nil {
		return nil, err
	}
	r := mustRow(record)
	f.mu.Lock()
	id := f.stamp(r)
	f.table(table)[id] = r
	b, _ := json.Marshal(r)
	publish := f.PublishWrites
	ev := f.event(table, models.EventInsert, id)
	f.mu.Unlock()

	if publish {
		f.Emit(ev)
	}
	if err := f.ack("insert"); err != nil {
		return nil, err
	}
	return b, nil
}

func (f *Fake) Update(ctx context.Context, table string, match []transport.Filter, patch any) ([]json.RawMessage, error) {
	if err := f.beforeWrite(ctx, "update"); err != nil {
		return nil, err
	}
	p := mustRow(patch)
	f.mu.Lock()
	var out []json.RawMessage
	var events []models.Event
	ids := make([]string, 0)
	for id := range f.table(table) {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	for _, id := range ids {
		r := f.table(table)[id]
		if !matchesAll(r, match) {
			continue
		}
		for k, v := range p {
			r[k] = v
		}
		r["updated_at"] = f.tick().Format(time.RFC3339Nano)
		b, _ := json.Marshal(r)
		out = append(out, b)
		events = append(events, models.Event{Kind: models.EventUpdate, Table: table, ID: id, Record: b})
	}
	publish := f.PublishWrites
	f.mu.Unlock()

	if publish {
		for _, ev := range events {
			f.Emit(ev)
		}
	}
	if err := f.ack("update"); err != nil {
		return nil, err
	}
	return out, nil
}

func (f *Fake) Delete(ctx context.Context, table string, id string) error {
	if err := f.beforeWrite(ctx, "delete"); err != nil {
		return err
	}
	f.mu.Lock()
	delete(f.table(table), id)
	publish := f.PublishWrites
	f.mu.Unlock()
	if publish {
		f.Emit(models.Event{Kind: models.EventDelete, Table: table, ID: id})
	}
	return f.ack("delete")
}

// Event builds the event a backend would publish for the stored row.
func (f *Fake) Event(table string, kind models.EventKind, id string) models.Event {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.event(table, kind, id)
}

func (f *Fake) event(table string, kind models.EventKind, id string) models.Event {
	ev := models.Event{Kind: kind, Table: table, ID: id}
	if r, ok := f.table(table)[id]; ok {
		ev.Record, _ = json.Marshal(r)
	}
	return ev
}

func (f *Fake) beforeWrite(ctx context.Context, op string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	f.writes++
	return f.WriteErr
}

func (f *Fake) ack(op string) error {
	f.mu.Lock()
	hook := f.BeforeAck
	f.mu.Unlock()
	if hook != nil {
		return hook(op)
	}
	return nil
}

func (f *Fake) table(name string) map[string]row {
	t, ok := f.tables[name]
	if !ok {
		t = map[string]row{}
		f.tables[name] = t
	}
	return t
}

// stamp fills id and timestamps the way the backend does on insert.
func (f *Fake) stamp(r row) string {
	id, _ := r["id"].(string)
	if id == "" {
		f.seq++
		id = fmt.Sprintf("srv-%d", f.seq)
		r["id"] = id
	}
	now := f.tick().Format(time.RFC3339Nano)
	if ts, _ := r["created_at"].(string); ts == "" || ts == (time.Time{}).Format(time.RFC3339Nano) {
		r["created_at"] = now
	}
	r["updated_at"] = now
	return id
}

// Channel is a fake push subscription.
type Channel struct {
	fake   *Fake
	table  string
	filter transport.Filter

	mu           sync.Mutex
	handlers     map[models.EventKind][]transport.EventHandler
	status       transport.StatusFunc
	subscribed   bool
	unsubscribed bool
}

func (c *Channel) Table() string            { return c.table }
func (c *Channel) Filter() transport.Filter { return c.filter }

func (c *Channel) On(kind models.EventKind, handler transport.EventHandler) transport.Channel {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.handlers[kind] = append(c.handlers[kind], handler)
	return c
}

func (c *Channel) Subscribe(status transport.StatusFunc) {
	c.fake.mu.Lock()
	auto := c.fake.AutoSubscribe
	c.fake.mu.Unlock()

	c.mu.Lock()
	c.status = status
	c.mu.Unlock()

	c.Report(transport.StatusSubscribing, nil)
	if auto {
		c.Report(transport.StatusSubscribed, nil)
	}
}

func (c *Channel) Unsubscribe() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.unsubscribed = true
	c.subscribed = false
}

// Report pushes a status to the subscriber unless the channel was torn down.
func (c *Channel) Report(status transport.Status, err error) {
	c.mu.Lock()
	if c.unsubscribed || c.status == nil {
		c.mu.Unlock()
		return
	}
	switch {
	case status == transport.StatusSubscribed:
		c.subscribed = true
	case status.Fault():
		c.subscribed = false
	}
	fn := c.status
	c.mu.Unlock()
	fn(status, err)
}

func (c *Channel) Unsubscribed() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.unsubscribed
}

func (c *Channel) isLive() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.subscribed && !c.unsubscribed
}

func (c *Channel) deliver(ev models.Event) {
	c.mu.Lock()
	if !c.subscribed || c.unsubscribed {
		c.mu.Unlock()
		return
	}
	hs := append([]transport.EventHandler(nil), c.handlers[ev.Kind]...)
	c.mu.Unlock()
	for _, h := range hs {
		h(ev)
	}
}

func mustRow(v any) row {
	b, err := json.Marshal(v)
	if err != nil {
		panic(err)
	}
	var r row
	if err := json.Unmarshal(b, &r); err != nil {
		panic(err)
	}
	return r
}

func copyRow(r row) row {
	out := make(row, len(r))
	for k, v := range r {
		out[k] = v
	}
	return out
}

func matches(r row, f transport.Filter) bool {
	if f.Column == "" {
		return true
	}
	got := fmt.Sprint(r[f.Column])
	for _, v := range f.Values {
		if got == v {
			return true
		}
	}
	return false
}

func matchesAll(r row, fs []transport.Filter) bool {
	for _, f := range fs {
		if !matches(r, f) {
			return false
		}
	}
	return true
}

func compare(a, b any) int {
	as, bs := fmt.Sprint(a), fmt.Sprint(b)
	at, aerr := time.Parse(time.RFC3339Nano, as)
	bt, berr := time.Parse(time.RFC3339Nano, bs)
	if aerr == nil && berr == nil {
		return at.Compare(bt)
	}
	switch {
	case as < bs:
		return -1
	case as > bs:
		return 1
	}
	return 0
}
