// Package auth is the identity collaborator of the sync engine. Provider is
// what the session binder listens to; Local is an in-process provider driven
// by the HTTP surface.
package auth

import (
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/refillhub/refill-sync/logger"
	"github.com/refillhub/refill-sync/models"
	"github.com/refillhub/refill-sync/syncerr"
	"github.com/rs/zerolog"
)

type ChangeKind string

const (
	SignedIn       ChangeKind = "signed_in"
	SignedOut      ChangeKind = "signed_out"
	TokenRefreshed ChangeKind = "token_refreshed"
)

type Change struct {
	Kind     ChangeKind
	Identity models.Identity
	Previous models.Identity
}

type Provider interface {
	Current() models.Identity
	// OnIdentityChange registers fn for every change. The returned func
	// removes it.
	OnIdentityChange(fn func(Change)) func()
}

// Session is the credential handed to the UI after signing in.
type Session struct {
	Identity  models.Identity `json:"identity"`
	Token     string          `json:"token"`
	ExpiresAt time.Time       `json:"expires_at"`
}

const DefaultTokenTTL = time.Hour

type Local struct {
	ttl time.Duration
	now func() time.Time
	log zerolog.Logger

	// emit serializes delivery so listeners see changes in order.
	emit sync.Mutex

	mu        sync.Mutex
	session   Session
	listeners map[uint64]func(Change)
	nextID    uint64
}

func NewLocal(ttl time.Duration) *Local {
	if ttl <= 0 {
		ttl = DefaultTokenTTL
	}
	return &Local{
		ttl:       ttl,
		now:       time.Now,
		log:       logger.For("auth"),
		listeners: map[uint64]func(Change){},
	}
}

func (l *Local) Current() models.Identity {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.session.Identity
}

// Session returns the current credential, zero when signed out.
func (l *Local) Session() Session {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.session
}

func (l *Local) OnIdentityChange(fn func(Change)) func() {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.nextID++
	id := l.nextID
	l.listeners[id] = fn
	return func() {
		l.mu.Lock()
		delete(l.listeners, id)
		l.mu.Unlock()
	}
}

// SignIn starts an authenticated session for userID. Signing in again as
// the same user only refreshes the token.
func (l *Local) SignIn(userID string) (Session, error) {
	userID = strings.TrimSpace(userID)
	if userID == "" {
		return Session{}, syncerr.Invalid("user_id", "required")
	}
	return l.begin(models.Identity{ID: userID, Kind: models.Authenticated}), nil
}

// SignInGuest starts a guest session with a fresh guest id.
func (l *Local) SignInGuest() Session {
	return l.begin(models.Identity{ID: "guest-" + uuid.NewString(), Kind: models.Guest})
}

// Resume restores a known identity, e.g. a guest id kept from an earlier
// run.
func (l *Local) Resume(id models.Identity) (Session, error) {
	id.ID = strings.TrimSpace(id.ID)
	if id.ID == "" {
		return Session{}, syncerr.Invalid("id", "required")
	}
	if id.Kind != models.Guest {
		id.Kind = models.Authenticated
	}
	return l.begin(id), nil
}

func (l *Local) begin(id models.Identity) Session {
	l.emit.Lock()
	defer l.emit.Unlock()

	l.mu.Lock()
	prev := l.session.Identity
	l.session = l.issue(id)
	s := l.session
	l.mu.Unlock()

	kind := SignedIn
	if prev == id {
		kind = TokenRefreshed
	}
	l.log.Info().Str("user", id.ID).Str("kind", string(id.Kind)).Str("change", string(kind)).Msg("Identity change")
	l.deliver(Change{Kind: kind, Identity: id, Previous: prev})
	return s
}

// SignOut ends the session. Signing out while signed out does nothing.
func (l *Local) SignOut() {
	l.emit.Lock()
	defer l.emit.Unlock()

	l.mu.Lock()
	prev := l.session.Identity
	l.session = Session{}
	l.mu.Unlock()
	if prev.IsZero() {
		return
	}

	l.log.Info().Str("user", prev.ID).Msg("Signed out")
	l.deliver(Change{Kind: SignedOut, Previous: prev})
}

// RefreshToken issues a new token for the current identity.
func (l *Local) RefreshToken() (Session, error) {
	l.emit.Lock()
	defer l.emit.Unlock()

	l.mu.Lock()
	if l.session.Identity.IsZero() {
		l.mu.Unlock()
		return Session{}, syncerr.Invalid("session", "not signed in")
	}
	id := l.session.Identity
	l.session = l.issue(id)
	s := l.session
	l.mu.Unlock()

	l.deliver(Change{Kind: TokenRefreshed, Identity: id, Previous: id})
	return s, nil
}

func (l *Local) issue(id models.Identity) Session {
	return Session{Identity: id, Token: uuid.NewString(), ExpiresAt: l.now().Add(l.ttl)}
}

func (l *Local) deliver(c Change) {
	l.mu.Lock()
	fns := make([]func(Change), 0, len(l.listeners))
	for _, fn := range l.listeners {
		fns = append(fns, fn)
	}
	l.mu.Unlock()

	for _, fn := range fns {
		fn(c)
	}
}
