// Package supervisor owns the lifecycle of one push subscription: it opens
// the channel for a (table, owner) pair, reconnects with backoff after
// faults, and gives up after a bounded number of attempts.
//
//	Idle → Subscribing → Subscribed
//	Subscribing → Error
//	Subscribed → Error | Closed | TimedOut
//	Error | Closed | TimedOut → Subscribing   (after backoff)
//	                          → Failed        (retry budget exhausted)
//
// Failed is terminal until Retry or Start is called.
package supervisor

import (
	"errors"
	"sync"
	"time"

	"github.com/refillhub/refill-sync/backoff"
	"github.com/refillhub/refill-sync/debounce"
	"github.com/refillhub/refill-sync/diagnostics"
	"github.com/refillhub/refill-sync/logger"
	"github.com/refillhub/refill-sync/metrics"
	"github.com/refillhub/refill-sync/models"
	"github.com/refillhub/refill-sync/syncerr"
	"github.com/refillhub/refill-sync/transport"
	"github.com/rs/zerolog"
)

type State int

const (
	Idle State = iota
	Subscribing
	Subscribed
	Errored
	Closed
	TimedOut
	Failed
)

func (s State) String() string {
	switch s {
	case Idle:
		return "idle"
	case Subscribing:
		return "subscribing"
	case Subscribed:
		return "subscribed"
	case Errored:
		return "error"
	case Closed:
		return "closed"
	case TimedOut:
		return "timed_out"
	case Failed:
		return "failed"
	default:
		return "unknown"
	}
}

// Reconnecting reports whether the supervisor is between a fault and the
// next successful subscription.
func (s State) Reconnecting() bool {
	return s == Errored || s == Closed || s == TimedOut
}

var errSubscribeTimeout = errors.New("subscription not confirmed in time")

type Settings struct {
	Table            string
	OwnerColumn      string
	Debounce         time.Duration
	SubscribeTimeout time.Duration
	Backoff          backoff.Policy
}

func DefaultSettings(table string) Settings {
	return Settings{
		Table:            table,
		OwnerColumn:      "user_id",
		Debounce:         300 * time.Millisecond,
		SubscribeTimeout: 15 * time.Second,
		Backoff:          backoff.Default(),
	}
}

type Handlers struct {
	// OnEvent receives every change pushed on the live channel.
	OnEvent func(models.Event)
	// OnSubscribed runs after every successful (re)subscription. resubscribed
	// is false for the first one after Start.
	OnSubscribed func(resubscribed bool)
	// OnFailed runs once when the retry budget is exhausted.
	OnFailed func(err error)
}

type Supervisor struct {
	opener   transport.Opener
	settings Settings
	handlers Handlers
	diag     *diagnostics.Recorder
	debounce *debounce.Debouncer
	log      zerolog.Logger

	mu             sync.Mutex
	state          State
	owner          string
	channel        transport.Channel
	gen            uint64
	run            uint64 // bumped by Stop
	attempt        int
	retry          *time.Timer
	watchdog       *time.Timer
	everSubscribed bool
}

func New(opener transport.Opener, settings Settings, handlers Handlers, diag *diagnostics.Recorder) *Supervisor {
	if settings.OwnerColumn == "" {
		settings.OwnerColumn = "user_id"
	}
	return &Supervisor{
		opener:   opener,
		settings: settings,
		handlers: handlers,
		diag:     diag,
		debounce: debounce.New(settings.Debounce),
		log:      logger.For("supervisor").With().Str("table", settings.Table).Logger(),
	}
}

func (s *Supervisor) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

func (s *Supervisor) Owner() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.owner
}

// Start asks for a live channel for owner. Calls arriving within the
// debounce window collapse into one; a channel that is already live or
// being established for the same owner is left alone.
func (s *Supervisor) Start(owner string) {
	s.mu.Lock()
	run := s.run
	s.mu.Unlock()
	s.debounce.Trigger(func() { s.establish(owner, run) })
}

// StartNow is Start without the debounce.
func (s *Supervisor) StartNow(owner string) {
	s.debounce.Cancel()
	s.mu.Lock()
	run := s.run
	s.mu.Unlock()
	s.establish(owner, run)
}

// Stop tears down the channel and cancels pending starts and reconnects. It
// is safe to call any number of times.
func (s *Supervisor) Stop() {
	s.debounce.Cancel()

	s.mu.Lock()
	s.run++
	ch := s.detachLocked()
	s.owner = ""
	s.attempt = 0
	s.everSubscribed = false
	s.setStateLocked(Idle, nil)
	s.mu.Unlock()

	if ch != nil {
		ch.Unsubscribe()
	}
}

// Retry restarts a supervisor that gave up. It reports whether a new attempt
// was made.
func (s *Supervisor) Retry() bool {
	s.mu.Lock()
	if s.state != Failed || s.owner == "" {
		s.mu.Unlock()
		return false
	}
	s.attempt = 0
	ch, gen := s.openLocked()
	s.mu.Unlock()

	s.subscribe(ch, gen)
	return true
}

// establish is a no-op when Stop ran after the start it belongs to.
func (s *Supervisor) establish(owner string, run uint64) {
	s.mu.Lock()
	if run != s.run {
		s.mu.Unlock()
		return
	}
	if s.owner == owner && (s.state == Subscribing || s.state == Subscribed) {
		s.mu.Unlock()
		return
	}
	old := s.detachLocked()
	s.owner = owner
	s.attempt = 0
	s.everSubscribed = false
	ch, gen := s.openLocked()
	s.mu.Unlock()

	if old != nil {
		old.Unsubscribe()
	}
	s.subscribe(ch, gen)
}

// detachLocked invalidates the current channel generation and returns the
// channel for the caller to unsubscribe outside the lock.
func (s *Supervisor) detachLocked() transport.Channel {
	s.gen++
	s.stopTimersLocked()
	ch := s.channel
	s.channel = nil
	return ch
}

func (s *Supervisor) stopTimersLocked() {
	if s.retry != nil {
		s.retry.Stop()
		s.retry = nil
	}
	if s.watchdog != nil {
		s.watchdog.Stop()
		s.watchdog = nil
	}
}

func (s *Supervisor) openLocked() (transport.Channel, uint64) {
	s.gen++
	gen := s.gen

	ch := s.opener.OpenChannel(s.settings.Table, transport.Eq(s.settings.OwnerColumn, s.owner))
	for _, kind := range []models.EventKind{models.EventInsert, models.EventUpdate, models.EventDelete} {
		ch.On(kind, func(ev models.Event) { s.onEvent(gen, ev) })
	}
	s.channel = ch
	s.setStateLocked(Subscribing, nil)

	if s.settings.SubscribeTimeout > 0 {
		s.watchdog = time.AfterFunc(s.settings.SubscribeTimeout, func() { s.onWatchdog(gen) })
	}
	return ch, gen
}

func (s *Supervisor) subscribe(ch transport.Channel, gen uint64) {
	ch.Subscribe(func(status transport.Status, err error) {
		s.onStatus(gen, status, err)
	})
}

func (s *Supervisor) onEvent(gen uint64, ev models.Event) {
	s.mu.Lock()
	live := gen == s.gen
	s.mu.Unlock()
	if !live || s.handlers.OnEvent == nil {
		return
	}
	s.handlers.OnEvent(ev)
}

func (s *Supervisor) onWatchdog(gen uint64) {
	s.mu.Lock()
	if gen != s.gen || s.state != Subscribing {
		s.mu.Unlock()
		return
	}
	s.faultLocked(transport.StatusTimedOut, errSubscribeTimeout)
}

func (s *Supervisor) onStatus(gen uint64, status transport.Status, err error) {
	s.mu.Lock()
	if gen != s.gen {
		s.mu.Unlock()
		return
	}

	switch {
	case status == transport.StatusSubscribing:
		s.setStateLocked(Subscribing, nil)
		s.mu.Unlock()

	case status == transport.StatusSubscribed:
		if s.watchdog != nil {
			s.watchdog.Stop()
			s.watchdog = nil
		}
		resubscribed := s.everSubscribed
		s.everSubscribed = true
		s.attempt = 0
		s.setStateLocked(Subscribed, nil)
		s.mu.Unlock()

		if s.handlers.OnSubscribed != nil {
			s.handlers.OnSubscribed(resubscribed)
		}

	case status.Fault():
		if err == nil {
			err = errors.New(string(status))
		}
		s.faultLocked(status, err)

	default:
		s.mu.Unlock()
		s.log.Warn().Str("status", string(status)).Msg("Ignoring unknown channel status")
	}
}

// faultLocked releases the lock before returning.
func (s *Supervisor) faultLocked(status transport.Status, err error) {
	ch := s.detachLocked()
	owner := s.owner

	if s.settings.Backoff.Exhausted(s.attempt) {
		attempts := s.attempt
		s.setStateLocked(Failed, err)
		s.mu.Unlock()

		if ch != nil {
			ch.Unsubscribe()
		}
		metrics.SubscriptionFailures.WithLabelValues(s.settings.Table).Inc()
		s.log.Error().Err(err).Str("owner", owner).Int("attempts", attempts).Msg("Giving up on subscription")
		if s.handlers.OnFailed != nil {
			s.handlers.OnFailed(&syncerr.SubscriptionFault{Table: s.settings.Table, Owner: owner, Attempts: attempts, Err: err})
		}
		return
	}

	next := Errored
	switch status {
	case transport.StatusClosed:
		next = Closed
	case transport.StatusTimedOut:
		next = TimedOut
	}

	delay := s.settings.Backoff.Delay(s.attempt)
	s.attempt++
	s.setStateLocked(next, err)
	gen := s.gen
	s.retry = time.AfterFunc(delay, func() { s.reconnect(gen) })
	attempt := s.attempt
	s.mu.Unlock()

	if ch != nil {
		ch.Unsubscribe()
	}
	metrics.ReconnectsScheduled.WithLabelValues(s.settings.Table).Inc()
	s.log.Warn().Err(err).Str("owner", owner).Int("attempt", attempt).Dur("delay", delay).Msg("Channel fault, reconnect scheduled")
}

func (s *Supervisor) reconnect(gen uint64) {
	s.mu.Lock()
	if gen != s.gen || s.owner == "" {
		s.mu.Unlock()
		return
	}
	s.retry = nil
	ch, g := s.openLocked()
	s.mu.Unlock()

	s.diag.Reconnect(s.settings.Table)
	s.subscribe(ch, g)
}

func (s *Supervisor) setStateLocked(next State, err error) {
	prev := s.state
	s.state = next
	metrics.SupervisorState.WithLabelValues(s.settings.Table).Set(float64(next))
	if prev == next && err == nil {
		return
	}
	s.diag.Transition(s.settings.Table, s.owner, prev.String(), next.String(), err)
	s.log.Debug().Str("from", prev.String()).Str("to", next.String()).Str("owner", s.owner).Msg("State change")
}
