// Package debounce collapses bursts of calls into one call made after a quiet
// period.
package debounce

import (
	"sync"
	"time"
)

// Debouncer runs the most recently triggered function once no new trigger
// has arrived for the configured wait.
type Debouncer struct {
	wait time.Duration

	mu    sync.Mutex
	timer *time.Timer
	fn    func()
	gen   uint64
}

func New(wait time.Duration) *Debouncer {
	return &Debouncer{wait: wait}
}

// Trigger schedules fn, replacing any call that has not fired yet. A zero
// wait still runs fn asynchronously.
func (d *Debouncer) Trigger(fn func()) {
	d.mu.Lock()
	defer d.mu.Unlock()

	d.gen++
	gen := d.gen
	d.fn = fn
	if d.timer != nil {
		d.timer.Stop()
	}
	d.timer = time.AfterFunc(d.wait, func() { d.fire(gen) })
}

func (d *Debouncer) fire(gen uint64) {
	d.mu.Lock()
	if gen != d.gen || d.fn == nil {
		d.mu.Unlock()
		return
	}
	fn := d.fn
	d.fn = nil
	d.timer = nil
	d.mu.Unlock()

	fn()
}

// Cancel drops the pending call, if any. It reports whether one was pending.
func (d *Debouncer) Cancel() bool {
	d.mu.Lock()
	defer d.mu.Unlock()

	d.gen++
	pending := d.fn != nil
	d.fn = nil
	if d.timer != nil {
		d.timer.Stop()
		d.timer = nil
	}
	return pending
}

// Flush runs the pending call immediately on the caller's goroutine.
func (d *Debouncer) Flush() bool {
	d.mu.Lock()
	fn := d.fn
	d.gen++
	d.fn = nil
	if d.timer != nil {
		d.timer.Stop()
		d.timer = nil
	}
	d.mu.Unlock()

	if fn == nil {
		return false
	}
	fn()
	return true
}

func (d *Debouncer) Pending() bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.fn != nil
}
