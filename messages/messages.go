// Package messages is the synchronized support chat of the signed-in
// customer, with its unread counter.
package messages

import (
	"context"
	"strings"
	"time"
	"unicode/utf8"

	json "github.com/goccy/go-json"
	"github.com/google/uuid"
	"github.com/refillhub/refill-sync/collection"
	"github.com/refillhub/refill-sync/counter"
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

const (
	Table = "messages"

	// MaxContentLength is counted in runes.
	MaxContentLength = 2000
)

type Manager struct {
	tr     transport.Transport
	coll   *collection.Collection[models.Message]
	unread *counter.Reconciler[models.Message]
	now    func() time.Time
	log    zerolog.Logger
}

func New(tr transport.Transport, settings collection.Settings, diag *diagnostics.Recorder) *Manager {
	settings.Table = Table
	settings.Order = merge.Ascending

	m := &Manager{
		tr:     tr,
		unread: counter.New(models.Message.UnreadFromStaff),
		now:    time.Now,
		log:    logger.For("messages"),
	}
	m.coll = collection.New(tr, settings, collection.Hooks[models.Message]{
		Carry: carry,
		Observer: func(prev, next *models.Message) {
			m.unread.Observe(prev, next)
			metrics.UnreadMessages.Set(float64(m.unread.Count()))
		},
		Resync: func(all []models.Message) {
			metrics.UnreadMessages.Set(float64(m.unread.Recompute(all)))
		},
		Failed: func(err error) {
			m.log.Error().Err(err).Msg("Chat subscription gave up")
		},
	}, diag)
	return m
}

// carry keeps the local rendering key across replacements and refuses to
// let a re-delivered insert or a fetched row flip a read message back to
// unread. Only an update event may do that.
func carry(prev, next models.Message, src merge.Source) models.Message {
	if next.ClientKey == "" {
		next.ClientKey = prev.ClientKey
	}
	if next.UpdatedAt.IsZero() {
		next.UpdatedAt = prev.UpdatedAt
	}
	if prev.IsRead && !next.IsRead && (src == merge.SourceInsert || src == merge.SourceSeed) {
		next.IsRead = true
	}
	return next
}

// Start syncs the chat of identity. Guests have no chat: the manager stays
// stopped and nothing is fetched or subscribed.
func (m *Manager) Start(ctx context.Context, identity models.Identity) error {
	if identity.IsZero() || identity.IsGuest() {
		m.coll.Stop()
		return nil
	}
	return m.coll.Start(ctx, identity.ID)
}

func (m *Manager) Stop() { m.coll.Stop() }

// Send posts content as the signed-in customer. On failure the unsent
// message is returned along with the error so the draft can be restored.
func (m *Manager) Send(ctx context.Context, content string) (models.Message, error) {
	owner := m.coll.Owner()
	if owner == "" {
		return models.Message{Content: content}, &syncerr.ValidationError{Field: "identity", Reason: "sign in to chat", Err: syncerr.ErrGuest}
	}
	text := strings.TrimSpace(content)
	if text == "" {
		return models.Message{Content: content}, syncerr.Invalid("content", "empty")
	}
	if n := utf8.RuneCountInString(text); n > MaxContentLength {
		return models.Message{Content: content}, syncerr.Invalid("content", "longer than 2000 characters")
	}

	local := models.Message{
		UserID:     owner,
		Content:    text,
		SenderType: models.SenderUser,
		IsRead:     true,
		CreatedAt:  m.now().UTC(),
		ClientKey:  uuid.NewString(),
	}
	record := map[string]any{
		"user_id":     owner,
		"content":     text,
		"sender_type": models.SenderUser,
		"is_read":     true,
	}
	return m.coll.Insert(ctx, local, record)
}

// MarkRead marks one message read. Already-read messages cost nothing.
func (m *Manager) MarkRead(ctx context.Context, id string) error {
	if !m.coll.Running() {
		return syncerr.ErrStopped
	}
	msg, ok := m.coll.Get(id)
	if !ok {
		return syncerr.ErrNotFound
	}
	if msg.IsRead {
		return nil
	}
	_, err := m.coll.Mutate(ctx, "mark_read", []string{id}, markRead, func(ctx context.Context) ([]json.RawMessage, error) {
		return m.tr.Update(ctx, Table, []transport.Filter{transport.Eq("id", id)}, map[string]any{"is_read": true})
	})
	return err
}

// MarkAllRead marks every unread staff message read in one write and then
// recounts from the table.
func (m *Manager) MarkAllRead(ctx context.Context) error {
	owner := m.coll.Owner()
	if owner == "" {
		return syncerr.ErrStopped
	}
	var ids []string
	m.coll.View(func(all []models.Message) {
		for _, msg := range all {
			if msg.UnreadFromStaff() {
				ids = append(ids, msg.ID)
			}
		}
	})
	defer m.coll.Resync()
	if len(ids) == 0 {
		return nil
	}

	match := []transport.Filter{
		transport.Eq("user_id", owner),
		transport.Eq("sender_type", string(models.SenderStaff)),
		transport.Eq("is_read", "false"),
	}
	_, err := m.coll.Mutate(ctx, "mark_all_read", ids, markRead, func(ctx context.Context) ([]json.RawMessage, error) {
		return m.tr.Update(ctx, Table, match, map[string]any{"is_read": true})
	})
	return err
}

func markRead(msg models.Message) models.Message {
	msg.IsRead = true
	return msg
}

// UnreadCount is the number of staff messages the customer has not read.
func (m *Manager) UnreadCount() int { return m.unread.Count() }

// VerifyUnread checks the incremental unread count against the table and
// recounts on drift. It returns the count in effect afterwards.
func (m *Manager) VerifyUnread() (int, bool) {
	var (
		count int
		ok    bool
	)
	m.coll.View(func(all []models.Message) {
		var exact int
		count, exact, ok = m.unread.Verify(all)
		if !ok {
			m.log.Warn().Int("counted", count).Int("exact", exact).Msg("Unread count drifted, recomputing")
			count = m.unread.Recompute(all)
			metrics.UnreadMessages.Set(float64(count))
		}
	})
	return count, ok
}

func (m *Manager) List() []models.Message { return m.coll.List() }

func (m *Manager) Get(id string) (models.Message, bool) { return m.coll.Get(id) }

func (m *Manager) IsLoading() bool { return m.coll.IsLoading() }

func (m *Manager) Refresh(ctx context.Context) error { return m.coll.Refresh(ctx) }

func (m *Manager) LoadMore(ctx context.Context) (int, error) { return m.coll.LoadMore(ctx) }

func (m *Manager) Watch() (<-chan struct{}, func()) { return m.coll.Watch() }

func (m *Manager) State() supervisor.State { return m.coll.State() }

func (m *Manager) Err() error { return m.coll.Err() }

func (m *Manager) Retry() bool { return m.coll.Retry() }

func (m *Manager) Running() bool { return m.coll.Running() }
