// Package presence tracks which identities are online or typing and
// announces every status change through a Notifier.
package presence

import (
	"errors"
	"sync"
	"time"
)

// Status is an identity's visibility state.
type Status string

const (
	StatusOnline  Status = "online"
	StatusTyping  Status = "typing"
	StatusOffline Status = "offline"
)

// DefaultTypingTimeout is how long a typing indicator lasts without renewal.
const DefaultTypingTimeout = 3 * time.Second

// ErrUnknownIdentity is returned when an identity has no presence record.
var ErrUnknownIdentity = errors.New("presence: unknown identity")

// Update describes a single status transition.
type Update struct {
	Identity string
	Status   Status
	At       time.Time
}

// Entry is one identity's state in a snapshot.
type Entry struct {
	Status       Status
	LastActivity time.Time
}

// Notifier receives every status transition. It is called with the tracker
// lock held, so implementations must not call back into the Tracker.
type Notifier interface {
	NotifyPresence(Update)
}

// NotifierFunc adapts a function to the Notifier interface.
type NotifierFunc func(Update)

// NotifyPresence calls f(u).
func (f NotifierFunc) NotifyPresence(u Update) {
	f(u)
}

type record struct {
	status       Status
	lastActivity time.Time
	reset        *time.Timer
	// gen identifies the currently scheduled reset; a timer whose gen no
	// longer matches was superseded and must not apply its effect.
	gen uint64
}

// Tracker is the process-wide presence registry.
type Tracker struct {
	mu      sync.Mutex
	records map[string]*record
	timeout time.Duration
	notify  Notifier
	now     func() time.Time
	seq     uint64
}

// Option configures a Tracker.
type Option func(*Tracker)

// WithClock overrides the time source used for lastActivity stamps.
func WithClock(now func() time.Time) Option {
	return func(t *Tracker) {
		t.now = now
	}
}

// New creates a Tracker whose typing indicators reset after timeout.
func New(timeout time.Duration, notify Notifier, opts ...Option) *Tracker {
	if timeout <= 0 {
		timeout = DefaultTypingTimeout
	}
	if notify == nil {
		notify = NotifierFunc(func(Update) {})
	}
	t := &Tracker{
		records: make(map[string]*record),
		timeout: timeout,
		notify:  notify,
		now:     time.Now,
	}
	for _, opt := range opts {
		opt(t)
	}
	return t
}

// Init marks identity online. An existing record is re-initialized and any
// pending typing reset is cancelled.
func (t *Tracker) Init(identity string) {
	t.mu.Lock()
	defer t.mu.Unlock()

	if rec, ok := t.records[identity]; ok {
		t.cancelReset(rec)
	}
	t.records[identity] = &record{
		status:       StatusOnline,
		lastActivity: t.now(),
	}
}

// SetTyping moves identity between online and typing. A typing indicator
// schedules an automatic return to online after the tracker timeout; a newer
// call always supersedes the previous schedule.
//
// Clearing the indicator for an unknown identity is a no-op, since it happens
// legitimately while a connection is being torn down.
func (t *Tracker) SetTyping(identity string, typing bool) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	rec, ok := t.records[identity]
	if !ok {
		if typing {
			return ErrUnknownIdentity
		}
		return nil
	}

	t.cancelReset(rec)
	prev := rec.status
	rec.lastActivity = t.now()

	if typing {
		rec.status = StatusTyping
		t.seq++
		gen := t.seq
		rec.gen = gen
		rec.reset = time.AfterFunc(t.timeout, func() {
			t.expire(identity, gen)
		})
	} else {
		rec.status = StatusOnline
	}

	if rec.status != prev {
		t.notify.NotifyPresence(Update{Identity: identity, Status: rec.status, At: rec.lastActivity})
	}
	return nil
}

// expire is the body of a scheduled typing reset.
func (t *Tracker) expire(identity string, gen uint64) {
	t.mu.Lock()
	defer t.mu.Unlock()

	rec, ok := t.records[identity]
	if !ok || rec.gen != gen || rec.status != StatusTyping {
		return
	}
	rec.reset = nil
	rec.gen = 0
	rec.status = StatusOnline
	rec.lastActivity = t.now()
	t.notify.NotifyPresence(Update{Identity: identity, Status: StatusOnline, At: rec.lastActivity})
}

// cancelReset stops any outstanding reset. Must be called with t.mu held;
// clearing gen makes a timer that already fired and is waiting on the lock
// return without effect.
func (t *Tracker) cancelReset(rec *record) {
	if rec.reset != nil {
		rec.reset.Stop()
		rec.reset = nil
	}
	rec.gen = 0
}

// Remove deletes identity from the registry and announces it offline. It
// reports whether a record existed.
func (t *Tracker) Remove(identity string) bool {
	t.mu.Lock()
	defer t.mu.Unlock()

	rec, ok := t.records[identity]
	if !ok {
		return false
	}
	t.cancelReset(rec)
	delete(t.records, identity)
	t.notify.NotifyPresence(Update{Identity: identity, Status: StatusOffline, At: t.now()})
	return true
}

// Get returns identity's current entry.
func (t *Tracker) Get(identity string) (Entry, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()

	rec, ok := t.records[identity]
	if !ok {
		return Entry{Status: StatusOffline}, false
	}
	return Entry{Status: rec.status, LastActivity: rec.lastActivity}, true
}

// Snapshot returns a point-in-time copy of every record.
func (t *Tracker) Snapshot() map[string]Entry {
	t.mu.Lock()
	defer t.mu.Unlock()

	out := make(map[string]Entry, len(t.records))
	for identity, rec := range t.records {
		out[identity] = Entry{Status: rec.status, LastActivity: rec.lastActivity}
	}
	return out
}

// Len returns the number of tracked identities.
func (t *Tracker) Len() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.records)
}

// Close cancels every pending typing reset. Records are kept.
func (t *Tracker) Close() {
	t.mu.Lock()
	defer t.mu.Unlock()

	for _, rec := range t.records {
		t.cancelReset(rec)
	}
}
