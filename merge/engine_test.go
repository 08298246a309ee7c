package merge

import (
	"testing"
	"time"

	json "github.com/goccy/go-json"
	"github.com/refillhub/refill-sync/models"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var t0 = time.Date(2024, 5, 1, 9, 0, 0, 0, time.UTC)

func at(sec int) time.Time { return t0.Add(time.Duration(sec) * time.Second) }

func msg(id string, sec int, read bool) models.Message {
	return models.Message{
		ID:         id,
		UserID:     "u1",
		Content:    "hello " + id,
		SenderType: models.SenderStaff,
		IsRead:     read,
		CreatedAt:  at(sec),
	}
}

func raw(t *testing.T, v any) json.RawMessage {
	t.Helper()
	b, err := json.Marshal(v)
	require.NoError(t, err)
	return b
}

func insertEvent(t *testing.T, m models.Message) models.Event {
	return models.Event{Kind: models.EventInsert, Table: "messages", ID: m.ID, Record: raw(t, m)}
}

func newEngine(opts ...func(*Options[models.Message])) *Engine[models.Message] {
	o := Options[models.Message]{Table: "messages", Order: Ascending}
	for _, fn := range opts {
		fn(&o)
	}
	return New(o)
}

func ids(list []models.Message) []string {
	out := make([]string, len(list))
	for i, m := range list {
		out[i] = m.ID
	}
	return out
}

func TestDuplicateInsertIsIdempotent(t *testing.T) {
	e := newEngine()
	ev := insertEvent(t, msg("m1", 0, false))

	require.NoError(t, e.Apply(ev))
	require.NoError(t, e.Apply(ev))

	snap := e.Snapshot()
	require.Len(t, snap, 1)
	assert.Equal(t, "m1", snap[0].ID)
}

func TestUpdateBeforeInsertIsBuffered(t *testing.T) {
	inOrder := newEngine()
	outOfOrder := newEngine()

	ins := insertEvent(t, msg("m1", 0, false))
	upd := models.Event{Kind: models.EventUpdate, Table: "messages", ID: "m1", Record: json.RawMessage(`{"is_read":true}`)}

	require.NoError(t, inOrder.Apply(ins))
	require.NoError(t, inOrder.Apply(upd))

	require.NoError(t, outOfOrder.Apply(upd))
	assert.Equal(t, 0, outOfOrder.Len())
	assert.Equal(t, 1, outOfOrder.Buffered())
	require.NoError(t, outOfOrder.Apply(ins))

	assert.Equal(t, inOrder.Snapshot(), outOfOrder.Snapshot())
	assert.True(t, outOfOrder.Snapshot()[0].IsRead)
	assert.Zero(t, outOfOrder.Buffered())
}

func TestBufferedUpdatesExpire(t *testing.T) {
	now := t0
	e := newEngine(func(o *Options[models.Message]) {
		o.BufferTTL = time.Minute
		o.Now = func() time.Time { return now }
	})

	require.NoError(t, e.ApplyUpdate("m1", json.RawMessage(`{"is_read":true}`)))
	assert.Equal(t, 1, e.Buffered())

	now = now.Add(2 * time.Minute)
	require.NoError(t, e.ApplyInsert(msg("m1", 0, false)))

	assert.Zero(t, e.Buffered())
	got, ok := e.Get("m1")
	require.True(t, ok)
	assert.False(t, got.IsRead, "expired update must not be applied")
}

func TestBufferIsBounded(t *testing.T) {
	e := newEngine(func(o *Options[models.Message]) { o.BufferLimit = 2 })

	require.NoError(t, e.ApplyUpdate("a", json.RawMessage(`{"content":"a"}`)))
	require.NoError(t, e.ApplyUpdate("b", json.RawMessage(`{"content":"b"}`)))
	require.NoError(t, e.ApplyUpdate("c", json.RawMessage(`{"content":"c"}`)))

	assert.Equal(t, 2, e.Buffered())
}

func TestOptimisticReconcileConfirmationFirst(t *testing.T) {
	e := newEngine()
	local := msg("", 5, true)
	local.SenderType = models.SenderUser
	local.ClientKey = "ck-1"

	tok := e.ApplyOptimistic(local)
	require.Len(t, e.Snapshot(), 1)

	confirmed := local
	confirmed.ID = "m9"
	confirmed.ClientKey = ""
	require.NoError(t, e.Reconcile(tok, confirmed))

	// the same row arriving later over the channel
	require.NoError(t, e.Apply(insertEvent(t, confirmed)))

	snap := e.Snapshot()
	require.Len(t, snap, 1)
	assert.Equal(t, "m9", snap[0].ID)
}

func TestOptimisticReconcilePushFirst(t *testing.T) {
	e := newEngine()
	require.NoError(t, e.ApplyInsert(msg("m0", 0, true)))

	local := msg("", 5, true)
	local.SenderType = models.SenderUser
	tok := e.ApplyOptimistic(local)

	confirmed := local
	confirmed.ID = "m9"
	require.NoError(t, e.Apply(insertEvent(t, confirmed)))
	require.NoError(t, e.Reconcile(tok, confirmed))

	assert.Equal(t, []string{"m0", "m9"}, ids(e.Snapshot()))
}

func TestReconcileKeepsListPosition(t *testing.T) {
	e := newEngine()
	require.NoError(t, e.ApplyInsert(msg("a", 10, true)))

	local := msg("", 10, true)
	tok := e.ApplyOptimistic(local)
	require.NoError(t, e.ApplyInsert(msg("c", 10, true)))

	confirmed := local
	confirmed.ID = "b"
	require.NoError(t, e.Reconcile(tok, confirmed))

	assert.Equal(t, []string{"a", "b", "c"}, ids(e.Snapshot()))
}

func TestRollbackSurrogate(t *testing.T) {
	e := newEngine()
	local := msg("", 1, true)
	local.Content = "draft text"
	tok := e.ApplyOptimistic(local)

	got, ok := e.Rollback(tok)
	require.True(t, ok)
	assert.Equal(t, "draft text", got.Content)
	assert.Zero(t, e.Len())

	_, ok = e.Rollback(tok)
	assert.False(t, ok)
}

func TestRollbackMutation(t *testing.T) {
	e := newEngine()
	require.NoError(t, e.ApplyInsert(msg("m1", 0, false)))

	tok, ok := e.MutateOptimistic("m1", func(m models.Message) models.Message {
		m.IsRead = true
		return m
	})
	require.True(t, ok)
	assert.True(t, e.HasPending("m1"))

	e.Rollback(tok)
	got, _ := e.Get("m1")
	assert.False(t, got.IsRead)
	assert.False(t, e.HasPending("m1"))
}

func TestRollbackKeepsServerChange(t *testing.T) {
	e := newEngine()
	require.NoError(t, e.ApplyInsert(msg("m1", 0, false)))

	tok, _ := e.MutateOptimistic("m1", func(m models.Message) models.Message {
		m.Content = "local edit"
		return m
	})
	require.NoError(t, e.ApplyUpdate("m1", json.RawMessage(`{"content":"server edit"}`)))
	e.Rollback(tok)

	got, _ := e.Get("m1")
	assert.Equal(t, "server edit", got.Content)
}

func TestSeedSkipsPendingEntries(t *testing.T) {
	e := newEngine()
	e.Seed([]models.Message{msg("m1", 0, false), msg("m2", 1, false)})

	_, ok := e.MutateOptimistic("m1", func(m models.Message) models.Message {
		m.IsRead = true
		return m
	})
	require.True(t, ok)

	e.Seed([]models.Message{msg("m1", 0, false), msg("m2", 1, true)})

	m1, _ := e.Get("m1")
	m2, _ := e.Get("m2")
	assert.True(t, m1.IsRead, "pending local write wins over the fetch")
	assert.True(t, m2.IsRead, "fetch overwrites entries without pending writes")
}

func TestSeedNeverRemoves(t *testing.T) {
	e := newEngine()
	e.Seed([]models.Message{msg("m1", 0, false), msg("m2", 1, false)})
	e.Seed([]models.Message{msg("m2", 1, false)})
	assert.Equal(t, 2, e.Len())
}

func TestStaleRevisionIgnored(t *testing.T) {
	e := newEngine()
	fresh := msg("m1", 0, true)
	fresh.UpdatedAt = at(20)
	require.NoError(t, e.ApplyInsert(fresh))

	stale := msg("m1", 0, false)
	stale.UpdatedAt = at(10)
	require.NoError(t, e.ApplyInsert(stale))
	e.Seed([]models.Message{stale})

	got, _ := e.Get("m1")
	assert.True(t, got.IsRead)
}

func TestUpdateKeepsCreatedAt(t *testing.T) {
	e := newEngine()
	require.NoError(t, e.ApplyInsert(msg("m1", 0, false)))
	require.NoError(t, e.ApplyInsert(msg("m2", 10, false)))

	patch := raw(t, map[string]any{"is_read": true, "created_at": at(30)})
	require.NoError(t, e.ApplyUpdate("m1", patch))

	got, _ := e.Get("m1")
	assert.True(t, got.IsRead)
	assert.True(t, got.CreatedAt.Equal(at(0)))
	assert.Equal(t, []string{"m1", "m2"}, ids(e.Snapshot()))
}

func TestEventKeyFallsBackToRecord(t *testing.T) {
	assert.Equal(t, "m1", EventKey(models.Event{ID: "m1", Record: json.RawMessage(`{"id":"m2"}`)}))
	assert.Equal(t, "m2", EventKey(models.Event{Record: json.RawMessage(`{"id":"m2"}`)}))
	assert.Empty(t, EventKey(models.Event{Record: json.RawMessage(`not json`)}))
}

func TestCarryRunsOnReplace(t *testing.T) {
	e := newEngine(func(o *Options[models.Message]) {
		o.Carry = func(prev, next models.Message, src Source) models.Message {
			if next.ClientKey == "" {
				next.ClientKey = prev.ClientKey
			}
			if src == SourceInsert && prev.IsRead {
				next.IsRead = true
			}
			return next
		}
	})
	local := msg("", 0, false)
	local.ClientKey = "ck"
	tok := e.ApplyOptimistic(local)
	confirmed := msg("m1", 0, true)
	require.NoError(t, e.Reconcile(tok, confirmed))

	require.NoError(t, e.Apply(insertEvent(t, msg("m1", 0, false))))

	got, _ := e.Get("m1")
	assert.Equal(t, "ck", got.ClientKey)
	assert.True(t, got.IsRead)
}

func TestMalformedEventsAreDropped(t *testing.T) {
	e := newEngine()
	require.NoError(t, e.ApplyInsert(msg("m1", 0, false)))

	bad := []models.Event{
		{Kind: models.EventInsert, Table: "messages", Record: json.RawMessage(`{"id":`)},
		{Kind: models.EventInsert, Table: "messages", Record: json.RawMessage(`{"id":"m2"}`)},
		{Kind: models.EventUpdate, Table: "messages", ID: "m1", Record: json.RawMessage(`"nope"`)},
		{Kind: models.EventUpdate, Table: "messages", ID: "m1", Record: json.RawMessage(`{"sender_type":"robot"}`)},
		{Kind: models.EventUpdate, Table: "messages", Record: json.RawMessage(`{}`)},
		{Kind: models.EventDelete, Table: "messages"},
		{Kind: "upsert", Table: "messages", ID: "m1"},
		{Kind: models.EventInsert, Table: "orders", Record: raw(t, msg("m3", 0, false))},
	}
	for _, ev := range bad {
		assert.ErrorIs(t, e.Apply(ev), ErrMalformed)
	}

	snap := e.Snapshot()
	require.Len(t, snap, 1)
	assert.Equal(t, msg("m1", 0, false), snap[0])
}

func TestDeleteEvent(t *testing.T) {
	e := newEngine()
	require.NoError(t, e.ApplyInsert(msg("m1", 0, false)))
	require.NoError(t, e.ApplyUpdate("m2", json.RawMessage(`{"is_read":true}`)))

	require.NoError(t, e.Apply(models.Event{Kind: models.EventDelete, Table: "messages", ID: "m1"}))
	require.NoError(t, e.Apply(models.Event{Kind: models.EventDelete, Table: "messages", ID: "m2"}))

	assert.Zero(t, e.Len())
	assert.Zero(t, e.Buffered())
}

func TestSnapshotOrdering(t *testing.T) {
	asc := newEngine()
	desc := newEngine(func(o *Options[models.Message]) { o.Order = Descending })

	for _, e := range []*Engine[models.Message]{asc, desc} {
		require.NoError(t, e.ApplyInsert(msg("b", 2, false)))
		require.NoError(t, e.ApplyInsert(msg("a", 1, false)))
		require.NoError(t, e.ApplyInsert(msg("tie2", 3, false)))
		require.NoError(t, e.ApplyInsert(msg("tie1", 3, false)))
	}

	assert.Equal(t, []string{"a", "b", "tie2", "tie1"}, ids(asc.Snapshot()))
	assert.Equal(t, []string{"tie2", "tie1", "b", "a"}, ids(desc.Snapshot()))
}

func TestSnapshotIsACopy(t *testing.T) {
	e := newEngine()
	require.NoError(t, e.ApplyInsert(msg("m1", 0, false)))

	snap := e.Snapshot()
	snap[0].Content = "mutated"

	got, _ := e.Get("m1")
	assert.Equal(t, "hello m1", got.Content)
}

func TestObserverSeesTransitions(t *testing.T) {
	var adds, removes, changes int
	e := newEngine(func(o *Options[models.Message]) {
		o.Observer = func(prev, next *models.Message) {
			switch {
			case prev == nil:
				adds++
			case next == nil:
				removes++
			default:
				changes++
			}
		}
	})

	require.NoError(t, e.ApplyInsert(msg("m1", 0, false)))
	require.NoError(t, e.ApplyUpdate("m1", json.RawMessage(`{"is_read":true}`)))
	e.Remove("m1")

	assert.Equal(t, 1, adds)
	assert.Equal(t, 1, changes)
	assert.Equal(t, 1, removes)
}
