package presence

import (
	"errors"
	"reflect"
	"sync"
	"testing"
	"time"
)

const testTimeout = 40 * time.Millisecond

type recorder struct {
	mu      sync.Mutex
	updates []Update
}

func (r *recorder) NotifyPresence(u Update) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.updates = append(r.updates, u)
}

func (r *recorder) statuses(identity string) []Status {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []Status
	for _, u := range r.updates {
		if u.Identity == identity {
			out = append(out, u.Status)
		}
	}
	return out
}

func newTestTracker() (*Tracker, *recorder) {
	rec := &recorder{}
	return New(testTimeout, rec), rec
}

func TestInit(t *testing.T) {
	tr, rec := newTestTracker()
	tr.Init("alice")

	entry, ok := tr.Get("alice")
	if !ok {
		t.Fatal("expected alice to be tracked")
	}
	if entry.Status != StatusOnline {
		t.Errorf("expected online, got %s", entry.Status)
	}
	if entry.LastActivity.IsZero() {
		t.Error("expected lastActivity to be stamped")
	}
	if got := rec.statuses("alice"); len(got) != 0 {
		t.Errorf("init should not broadcast, got %v", got)
	}
}

// TestTypingDebounce verifies a lone typing indicator returns to online on
// its own and announces that exactly once.
func TestTypingDebounce(t *testing.T) {
	tr, rec := newTestTracker()
	tr.Init("alice")

	if err := tr.SetTyping("alice", true); err != nil {
		t.Fatalf("SetTyping: %v", err)
	}
	if entry, _ := tr.Get("alice"); entry.Status != StatusTyping {
		t.Fatalf("expected typing, got %s", entry.Status)
	}

	time.Sleep(3 * testTimeout)

	if entry, _ := tr.Get("alice"); entry.Status != StatusOnline {
		t.Fatalf("expected automatic reset to online, got %s", entry.Status)
	}
	want := []Status{StatusTyping, StatusOnline}
	if got := rec.statuses("alice"); !reflect.DeepEqual(got, want) {
		t.Errorf("expected %v, got %v", want, got)
	}
}

// TestTypingRestart verifies a renewed indicator supersedes the earlier
// schedule so only one reset ever fires.
func TestTypingRestart(t *testing.T) {
	const timeout = 300 * time.Millisecond
	rec := &recorder{}
	tr := New(timeout, rec)
	tr.Init("alice")

	_ = tr.SetTyping("alice", true)
	time.Sleep(timeout / 2)
	_ = tr.SetTyping("alice", true)

	// Midway between the first deadline (timeout) and the renewed one
	// (timeout*3/2).
	time.Sleep(timeout * 3 / 4)
	if entry, _ := tr.Get("alice"); entry.Status != StatusTyping {
		t.Fatalf("first reset fired independently; status %s", entry.Status)
	}

	time.Sleep(timeout)
	want := []Status{StatusTyping, StatusOnline}
	if got := rec.statuses("alice"); !reflect.DeepEqual(got, want) {
		t.Errorf("expected exactly one typing and one reset, got %v", got)
	}
}

func TestTypingStopCancelsReset(t *testing.T) {
	tr, rec := newTestTracker()
	tr.Init("alice")

	_ = tr.SetTyping("alice", true)
	_ = tr.SetTyping("alice", false)
	time.Sleep(2 * testTimeout)

	want := []Status{StatusTyping, StatusOnline}
	if got := rec.statuses("alice"); !reflect.DeepEqual(got, want) {
		t.Errorf("expected %v, got %v", want, got)
	}
}

func TestSetTypingUnknownIdentity(t *testing.T) {
	tr, rec := newTestTracker()

	if err := tr.SetTyping("ghost", false); err != nil {
		t.Errorf("clearing typing for unknown identity should be a no-op, got %v", err)
	}
	if err := tr.SetTyping("ghost", true); !errors.Is(err, ErrUnknownIdentity) {
		t.Errorf("expected ErrUnknownIdentity, got %v", err)
	}
	if got := rec.statuses("ghost"); len(got) != 0 {
		t.Errorf("unknown identity must not broadcast, got %v", got)
	}
	if tr.Len() != 0 {
		t.Error("unknown identity must not create a record")
	}
}

func TestRemoveCancelsReset(t *testing.T) {
	tr, rec := newTestTracker()
	tr.Init("alice")
	_ = tr.SetTyping("alice", true)

	if !tr.Remove("alice") {
		t.Fatal("expected Remove to report an existing record")
	}
	time.Sleep(2 * testTimeout)

	if _, ok := tr.Get("alice"); ok {
		t.Error("removed identity must not be tracked")
	}
	want := []Status{StatusTyping, StatusOffline}
	if got := rec.statuses("alice"); !reflect.DeepEqual(got, want) {
		t.Errorf("expected %v, got %v", want, got)
	}
	if tr.Remove("alice") {
		t.Error("second Remove should report no record")
	}
}

// TestReinitAfterRemove ensures a timer from a previous record cannot touch a
// fresh record for the same identity.
func TestReinitAfterRemove(t *testing.T) {
	tr, rec := newTestTracker()
	tr.Init("alice")
	_ = tr.SetTyping("alice", true)
	tr.Remove("alice")
	tr.Init("alice")
	_ = tr.SetTyping("alice", true)

	time.Sleep(testTimeout / 2)
	tr.Init("alice")
	time.Sleep(2 * testTimeout)

	if entry, _ := tr.Get("alice"); entry.Status != StatusOnline {
		t.Errorf("expected online, got %s", entry.Status)
	}
	want := []Status{StatusTyping, StatusOffline, StatusTyping}
	if got := rec.statuses("alice"); !reflect.DeepEqual(got, want) {
		t.Errorf("expected %v, got %v", want, got)
	}
}

func TestSnapshotIdempotent(t *testing.T) {
	fixed := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	tr := New(testTimeout, nil, WithClock(func() time.Time { return fixed }))
	tr.Init("alice")
	tr.Init("bob")
	_ = tr.SetTyping("bob", true)
	defer tr.Close()

	first := tr.Snapshot()
	second := tr.Snapshot()
	if !reflect.DeepEqual(first, second) {
		t.Errorf("snapshots differ: %v vs %v", first, second)
	}
	want := map[string]Entry{
		"alice": {Status: StatusOnline, LastActivity: fixed},
		"bob":   {Status: StatusTyping, LastActivity: fixed},
	}
	if !reflect.DeepEqual(first, want) {
		t.Errorf("expected %v, got %v", want, first)
	}

	first["carol"] = Entry{Status: StatusOnline}
	if _, ok := tr.Get("carol"); ok {
		t.Error("snapshot must be a copy")
	}
}

func TestConcurrentTransitions(t *testing.T) {
	tr, _ := newTestTracker()
	defer tr.Close()

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			id := []string{"alice", "bob"}[i%2]
			for j := 0; j < 50; j++ {
				tr.Init(id)
				_ = tr.SetTyping(id, j%2 == 0)
				_ = tr.Snapshot()
				if j%10 == 0 {
					tr.Remove(id)
				}
			}
		}(i)
	}
	wg.Wait()
}
