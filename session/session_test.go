package session

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/refillhub/refill-sync/auth"
	"github.com/refillhub/refill-sync/backoff"
	"github.com/refillhub/refill-sync/collection"
	"github.com/refillhub/refill-sync/messages"
	"github.com/refillhub/refill-sync/models"
	"github.com/refillhub/refill-sync/orders"
	"github.com/refillhub/refill-sync/supervisor"
	"github.com/refillhub/refill-sync/transport/transporttest"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const (
	wait = time.Second
	tick = 2 * time.Millisecond
)

var (
	alice = models.Identity{ID: "alice", Kind: models.Authenticated}
	bob   = models.Identity{ID: "bob", Kind: models.Authenticated}
)

func seeded() *transporttest.Fake {
	fake := transporttest.New()
	for _, owner := range []string{"alice", "bob"} {
		fake.Put(messages.Table, map[string]any{"user_id": owner, "content": "hi " + owner, "sender_type": "staff", "is_read": false})
		fake.Put(orders.Table, map[string]any{
			"user_id": owner, "status": "pending", "cylinder_size": "9kg", "quantity": 1,
			"delivery_address": "somewhere", "payment_method": "cash",
		})
	}
	return fake
}

func newBinder(t *testing.T, fake *transporttest.Fake) *Binder {
	t.Helper()
	return newBinderDebounce(t, fake, 5*time.Millisecond)
}

func newBinderDebounce(t *testing.T, fake *transporttest.Fake, debounce time.Duration) *Binder {
	t.Helper()
	b := NewBinder(fake, collection.Settings{
		RequestTimeout: time.Second,
		Supervisor: supervisor.Settings{
			Debounce: debounce,
			Backoff:  backoff.Policy{Base: 5 * time.Millisecond, Cap: 20 * time.Millisecond, MaxAttempts: 5},
		},
	}, nil)
	t.Cleanup(b.SignOut)
	return b
}

func TestSignInStartsCollections(t *testing.T) {
	fake := seeded()
	b := newBinder(t, fake)
	require.Equal(t, LoggedOut, b.State())
	require.Nil(t, b.Session())

	require.NoError(t, b.SignIn(context.Background(), alice))
	assert.Equal(t, LoggedIn, b.State())

	sess := b.Session()
	require.NotNil(t, sess)
	assert.Equal(t, alice, sess.Identity)
	require.Len(t, sess.Messages.List(), 1)
	assert.Equal(t, "hi alice", sess.Messages.List()[0].Content)
	assert.Equal(t, 1, sess.Messages.UnreadCount())
	assert.Len(t, sess.Orders.List(), 1)

	require.Eventually(t, func() bool { return len(fake.Live(messages.Table)) == 1 && len(fake.Live(orders.Table)) == 1 }, wait, tick)
}

func TestGuestSkipsChat(t *testing.T) {
	fake := transporttest.New()
	b := newBinder(t, fake)
	guest := models.Identity{ID: "guest-1", Kind: models.Guest}

	require.NoError(t, b.SignIn(context.Background(), guest))
	sess := b.Session()
	require.NotNil(t, sess)
	assert.False(t, sess.Messages.Running())
	assert.True(t, sess.Orders.Running())

	require.Eventually(t, func() bool { return len(fake.Live(orders.Table)) == 1 }, wait, tick)
	assert.Empty(t, fake.Live(messages.Table))
}

func TestSwitchTearsDownBeforeLoading(t *testing.T) {
	fake := seeded()
	// No subscription ever settles, so every fetch seen below belongs to the
	// switch.
	b := newBinderDebounce(t, fake, time.Minute)
	require.NoError(t, b.SignIn(context.Background(), alice))
	old := b.Session()

	var (
		mu    sync.Mutex
		dirty []string
	)
	fake.OnFetch = func(table string, _ int) {
		mu.Lock()
		defer mu.Unlock()
		if len(old.Messages.List()) > 0 || len(old.Orders.List()) > 0 || old.Messages.Running() || old.Orders.Running() {
			dirty = append(dirty, table)
		}
	}

	require.NoError(t, b.SignIn(context.Background(), bob))
	mu.Lock()
	assert.Empty(t, dirty)
	mu.Unlock()

	sess := b.Session()
	require.NotNil(t, sess)
	assert.NotSame(t, old, sess)
	for _, m := range sess.Messages.List() {
		assert.Equal(t, "bob", m.UserID)
	}
	for _, o := range sess.Orders.List() {
		assert.Equal(t, "bob", o.UserID)
	}
}

func TestTokenRefreshKeepsSession(t *testing.T) {
	fake := seeded()
	b := newBinder(t, fake)
	require.NoError(t, b.SignIn(context.Background(), alice))
	require.Eventually(t, func() bool { return len(fake.Live(messages.Table)) == 1 }, wait, tick)
	sess := b.Session()
	opened := fake.Opened()

	require.NoError(t, b.Handle(context.Background(), auth.Change{Kind: auth.TokenRefreshed, Identity: alice, Previous: alice}))
	require.NoError(t, b.SignIn(context.Background(), alice))

	assert.Same(t, sess, b.Session())
	assert.Equal(t, opened, fake.Opened())
	assert.True(t, sess.Messages.Running())
}

func TestSignOutClearsEverything(t *testing.T) {
	fake := seeded()
	b := newBinder(t, fake)
	require.NoError(t, b.SignIn(context.Background(), alice))
	require.Eventually(t, func() bool { return len(fake.Live(messages.Table)) == 1 }, wait, tick)
	sess := b.Session()

	b.SignOut()
	b.SignOut()

	assert.Equal(t, LoggedOut, b.State())
	assert.Nil(t, b.Session())
	assert.True(t, b.Identity().IsZero())
	assert.Empty(t, sess.Messages.List())
	assert.Empty(t, sess.Orders.List())
	assert.Zero(t, sess.Messages.UnreadCount())
	assert.Empty(t, fake.Live(messages.Table))
	assert.Empty(t, fake.Live(orders.Table))
}

func TestBindFollowsProvider(t *testing.T) {
	fake := seeded()
	b := newBinder(t, fake)
	provider := auth.NewLocal(time.Minute)
	_, err := provider.SignIn("alice")
	require.NoError(t, err)

	updates, stop := b.Watch()
	defer stop()

	unbind, err := b.Bind(context.Background(), provider)
	require.NoError(t, err)
	defer unbind()
	assert.Equal(t, alice, b.Identity())
	select {
	case <-updates:
	default:
		t.Fatal("no state change signalled")
	}

	_, err = provider.RefreshToken()
	require.NoError(t, err)
	assert.Equal(t, alice, b.Identity())

	_, err = provider.SignIn("bob")
	require.NoError(t, err)
	assert.Equal(t, bob, b.Identity())

	provider.SignOut()
	assert.Equal(t, LoggedOut, b.State())
}
