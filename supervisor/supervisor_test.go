package supervisor

import (
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/refillhub/refill-sync/backoff"
	"github.com/refillhub/refill-sync/diagnostics"
	"github.com/refillhub/refill-sync/models"
	"github.com/refillhub/refill-sync/syncerr"
	"github.com/refillhub/refill-sync/transport"
	"github.com/refillhub/refill-sync/transport/transporttest"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const (
	wait = time.Second
	tick = 2 * time.Millisecond
)

type recorder struct {
	mu         sync.Mutex
	subscribed []bool
	failures   []error
	events     []models.Event
}

func (r *recorder) handlers() Handlers {
	return Handlers{
		OnEvent: func(ev models.Event) {
			r.mu.Lock()
			r.events = append(r.events, ev)
			r.mu.Unlock()
		},
		OnSubscribed: func(resub bool) {
			r.mu.Lock()
			r.subscribed = append(r.subscribed, resub)
			r.mu.Unlock()
		},
		OnFailed: func(err error) {
			r.mu.Lock()
			r.failures = append(r.failures, err)
			r.mu.Unlock()
		},
	}
}

func (r *recorder) subs() []bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]bool(nil), r.subscribed...)
}

func (r *recorder) fails() []error {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]error(nil), r.failures...)
}

func settings() Settings {
	return Settings{
		Table:       "messages",
		OwnerColumn: "user_id",
		Debounce:    20 * time.Millisecond,
		Backoff:     backoff.Policy{Base: 10 * time.Millisecond, Cap: 40 * time.Millisecond, MaxAttempts: 3},
	}
}

func TestStartIsDebounced(t *testing.T) {
	fake := transporttest.New()
	rec := &recorder{}
	s := New(fake, settings(), rec.handlers(), nil)
	defer s.Stop()

	for i := 0; i < 10; i++ {
		s.Start("u1")
	}

	require.Eventually(t, func() bool { return s.State() == Subscribed }, wait, tick)
	time.Sleep(40 * time.Millisecond)
	assert.Equal(t, 1, fake.Opened())
	assert.Equal(t, []bool{false}, rec.subs())
	assert.Equal(t, "u1", s.Owner())
}

func TestStartSameOwnerIsNoop(t *testing.T) {
	fake := transporttest.New()
	s := New(fake, settings(), Handlers{}, nil)
	defer s.Stop()

	s.StartNow("u1")
	s.StartNow("u1")
	assert.Equal(t, 1, fake.Opened())
	assert.Equal(t, Subscribed, s.State())
}

func TestStartOtherOwnerReplacesChannel(t *testing.T) {
	fake := transporttest.New()
	s := New(fake, settings(), Handlers{}, nil)
	defer s.Stop()

	s.StartNow("u1")
	first := fake.Live("messages")
	require.Len(t, first, 1)

	s.StartNow("u2")
	assert.True(t, first[0].Unsubscribed())
	live := fake.Live("messages")
	require.Len(t, live, 1)
	assert.Equal(t, "u2", live[0].Filter().Value())
}

func TestFaultReconnectsAndRefetches(t *testing.T) {
	for _, status := range []transport.Status{transport.StatusChannelError, transport.StatusTimedOut, transport.StatusClosed} {
		t.Run(string(status), func(t *testing.T) {
			fake := transporttest.New()
			rec := &recorder{}
			diag := diagnostics.NewRecorder(10)
			s := New(fake, settings(), rec.handlers(), diag)
			defer s.Stop()

			s.StartNow("u1")
			fake.Fail("messages", status)
			assert.True(t, s.State().Reconnecting())

			require.Eventually(t, func() bool { return s.State() == Subscribed }, wait, tick)
			assert.Equal(t, []bool{false, true}, rec.subs())
			assert.Equal(t, 2, fake.Opened())
			assert.Len(t, fake.Live("messages"), 1)

			stats := diag.Snapshot()
			require.Len(t, stats, 1)
			assert.Equal(t, 1, stats[0].Reconnects)
		})
	}
}

func TestAttemptsResetAfterSubscribed(t *testing.T) {
	fake := transporttest.New()
	rec := &recorder{}
	st := settings()
	st.Backoff.MaxAttempts = 1
	s := New(fake, st, rec.handlers(), nil)
	defer s.Stop()

	s.StartNow("u1")
	for i := 0; i < 3; i++ {
		fake.Fail("messages", transport.StatusChannelError)
		require.Eventually(t, func() bool { return s.State() == Subscribed }, wait, tick)
	}
	assert.Empty(t, rec.fails())
}

func TestRetryBudgetExhausted(t *testing.T) {
	fake := transporttest.New()
	fake.AutoSubscribe = false
	rec := &recorder{}
	st := settings()
	st.SubscribeTimeout = 15 * time.Millisecond
	st.Backoff.MaxAttempts = 2
	s := New(fake, st, rec.handlers(), nil)
	defer s.Stop()

	s.StartNow("u1")

	require.Eventually(t, func() bool { return s.State() == Failed }, wait, tick)
	time.Sleep(60 * time.Millisecond)
	assert.Equal(t, 3, fake.Opened(), "first attempt plus two reconnects")

	fails := rec.fails()
	require.Len(t, fails, 1)
	assert.True(t, syncerr.IsSubscriptionFault(fails[0]))

	fake.AutoSubscribe = true
	require.True(t, s.Retry())
	assert.Equal(t, Subscribed, s.State())
	assert.False(t, s.Retry())
}

func TestStopCancelsReconnect(t *testing.T) {
	fake := transporttest.New()
	st := settings()
	st.Backoff.Base = 30 * time.Millisecond
	s := New(fake, st, Handlers{}, nil)

	s.StartNow("u1")
	fake.Fail("messages", transport.StatusChannelError)
	s.Stop()
	s.Stop()

	time.Sleep(80 * time.Millisecond)
	assert.Equal(t, 1, fake.Opened())
	assert.Equal(t, Idle, s.State())
	assert.Empty(t, fake.Live("messages"))
}

func TestStopCancelsPendingStart(t *testing.T) {
	fake := transporttest.New()
	s := New(fake, settings(), Handlers{}, nil)

	s.Start("u1")
	s.Stop()

	time.Sleep(50 * time.Millisecond)
	assert.Zero(t, fake.Opened())
}

func TestEventsForwarded(t *testing.T) {
	fake := transporttest.New()
	rec := &recorder{}
	s := New(fake, settings(), rec.handlers(), nil)
	defer s.Stop()

	s.StartNow("u1")
	fake.PutAndPublish("messages", map[string]any{"user_id": "u1", "content": "hi"})
	fake.PutAndPublish("messages", map[string]any{"user_id": "u2", "content": "not for u1"})

	rec.mu.Lock()
	defer rec.mu.Unlock()
	require.Len(t, rec.events, 1)
	assert.Equal(t, models.EventInsert, rec.events[0].Kind)
}

func TestOldChannelEventsIgnored(t *testing.T) {
	fake := transporttest.New()
	var count atomic.Int32
	s := New(fake, settings(), Handlers{OnEvent: func(models.Event) { count.Add(1) }}, nil)
	defer s.Stop()

	s.StartNow("u1")
	s.Stop()
	fake.PutAndPublish("messages", map[string]any{"user_id": "u1"})
	assert.Zero(t, count.Load())
}
