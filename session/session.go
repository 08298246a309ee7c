// Package session binds the sync engine to the signed-in identity. A
// SyncSession owns the collection managers of one identity; the Binder
// builds one on sign-in and disposes of it on sign-out.
package session

import (
	"context"
	"sync"

	"github.com/refillhub/refill-sync/auth"
	"github.com/refillhub/refill-sync/collection"
	"github.com/refillhub/refill-sync/diagnostics"
	"github.com/refillhub/refill-sync/logger"
	"github.com/refillhub/refill-sync/messages"
	"github.com/refillhub/refill-sync/models"
	"github.com/refillhub/refill-sync/orders"
	"github.com/refillhub/refill-sync/transport"
	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"
)

type State int

const (
	LoggedOut State = iota
	LoggingIn
	LoggedIn
	LoggingOut
)

func (s State) String() string {
	switch s {
	case LoggedOut:
		return "logged_out"
	case LoggingIn:
		return "logging_in"
	case LoggedIn:
		return "logged_in"
	case LoggingOut:
		return "logging_out"
	default:
		return "unknown"
	}
}

// SyncSession is the set of synchronized collections of one identity.
type SyncSession struct {
	Identity models.Identity
	Messages *messages.Manager
	Orders   *orders.Manager
}

func NewSyncSession(tr transport.Transport, settings collection.Settings, diag *diagnostics.Recorder, id models.Identity) *SyncSession {
	return &SyncSession{
		Identity: id,
		Messages: messages.New(tr, settings, diag),
		Orders:   orders.New(tr, settings, diag),
	}
}

// Start loads and subscribes every collection the identity may see. The
// managers start concurrently; a failed first fetch is reported but the
// managers keep running and repair on subscription.
func (s *SyncSession) Start(ctx context.Context) error {
	var g errgroup.Group
	g.Go(func() error { return s.Messages.Start(ctx, s.Identity) })
	g.Go(func() error { return s.Orders.Start(ctx, s.Identity) })
	return g.Wait()
}

// Close stops every supervisor and clears every table.
func (s *SyncSession) Close() {
	s.Messages.Stop()
	s.Orders.Stop()
}

type Binder struct {
	tr       transport.Transport
	settings collection.Settings
	diag     *diagnostics.Recorder
	log      zerolog.Logger

	// transition serializes sign-in and sign-out.
	transition sync.Mutex

	mu       sync.Mutex
	state    State
	current  *SyncSession
	watchers map[chan struct{}]struct{}
}

func NewBinder(tr transport.Transport, settings collection.Settings, diag *diagnostics.Recorder) *Binder {
	return &Binder{
		tr:       tr,
		settings: settings,
		diag:     diag,
		log:      logger.For("session"),
		watchers: map[chan struct{}]struct{}{},
	}
}

// Bind follows provider from now on, starting with its current identity.
// The returned func detaches the binder again.
func (b *Binder) Bind(ctx context.Context, provider auth.Provider) (func(), error) {
	unsubscribe := provider.OnIdentityChange(func(c auth.Change) {
		if err := b.Handle(ctx, c); err != nil {
			b.log.Warn().Err(err).Str("change", string(c.Kind)).Msg("Identity change applied with errors")
		}
	})
	if id := provider.Current(); !id.IsZero() {
		if err := b.SignIn(ctx, id); err != nil {
			return unsubscribe, err
		}
	}
	return unsubscribe, nil
}

// Handle applies one identity change. Token refreshes for the identity
// already signed in leave the session alone.
func (b *Binder) Handle(ctx context.Context, c auth.Change) error {
	switch c.Kind {
	case auth.SignedIn:
		return b.SignIn(ctx, c.Identity)
	case auth.SignedOut:
		b.SignOut()
		return nil
	case auth.TokenRefreshed:
		if c.Identity == b.Identity() {
			b.log.Debug().Str("user", c.Identity.ID).Msg("Token refreshed, keeping session")
			return nil
		}
		return b.SignIn(ctx, c.Identity)
	default:
		return nil
	}
}

// SignIn switches the engine to id. Any previous session is torn down
// completely before the new one loads anything.
func (b *Binder) SignIn(ctx context.Context, id models.Identity) error {
	if id.IsZero() {
		b.SignOut()
		return nil
	}

	b.transition.Lock()
	defer b.transition.Unlock()

	b.mu.Lock()
	if b.state == LoggedIn && b.current != nil && b.current.Identity == id {
		b.mu.Unlock()
		return nil
	}
	b.mu.Unlock()

	b.teardown()

	sess := NewSyncSession(b.tr, b.settings, b.diag, id)
	b.setState(LoggingIn, nil)
	b.log.Info().Str("user", id.ID).Str("kind", string(id.Kind)).Msg("Starting sync session")
	err := sess.Start(ctx)
	b.setState(LoggedIn, sess)
	return err
}

// SignOut disposes of the current session. It is safe to call when signed
// out.
func (b *Binder) SignOut() {
	b.transition.Lock()
	defer b.transition.Unlock()
	b.teardown()
}

// teardown must run with the transition lock held.
func (b *Binder) teardown() {
	b.mu.Lock()
	sess := b.current
	b.mu.Unlock()
	if sess == nil {
		return
	}

	b.setState(LoggingOut, sess)
	sess.Close()
	b.setState(LoggedOut, nil)
	b.log.Info().Str("user", sess.Identity.ID).Msg("Sync session closed")
}

func (b *Binder) setState(s State, sess *SyncSession) {
	b.mu.Lock()
	b.state = s
	b.current = sess
	for ch := range b.watchers {
		select {
		case ch <- struct{}{}:
		default:
		}
	}
	b.mu.Unlock()
}

func (b *Binder) State() State {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.state
}

func (b *Binder) Identity() models.Identity {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.current == nil {
		return models.Identity{}
	}
	return b.current.Identity
}

// Session returns the live session, nil unless signed in.
func (b *Binder) Session() *SyncSession {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.state != LoggedIn {
		return nil
	}
	return b.current
}

// Watch signals every state change of the binder. See
// collection.Collection.Watch for the delivery rules.
func (b *Binder) Watch() (<-chan struct{}, func()) {
	ch := make(chan struct{}, 1)
	b.mu.Lock()
	b.watchers[ch] = struct{}{}
	b.mu.Unlock()
	return ch, func() {
		b.mu.Lock()
		delete(b.watchers, ch)
		b.mu.Unlock()
	}
}
