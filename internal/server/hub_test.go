package server

import (
	"context"
	"reflect"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
)

func TestNewHub(t *testing.T) {
	hub, _ := newTestHub(t)

	if hub.clients == nil {
		t.Error("Hub clients map is nil")
	}
	if hub.register == nil || hub.unregister == nil {
		t.Error("Hub channels are nil")
	}
	if hub.Count() != 0 {
		t.Errorf("Expected empty hub, got %d clients", hub.Count())
	}
}

func TestHubBroadcastReachesEveryClient(t *testing.T) {
	hub, _ := newTestHub(t)
	clients := []*Client{
		newTestClient(t, hub, nil, nil),
		newTestClient(t, hub, nil, nil),
		newTestClient(t, hub, nil, nil),
	}

	if n := hub.Broadcast([]byte(`{"type":"notification"}`)); n != len(clients) {
		t.Errorf("Expected delivery to %d clients, got %d", len(clients), n)
	}
	for i, c := range clients {
		if got := len(drain(t, c)); got != 1 {
			t.Errorf("client %d: expected 1 frame, got %d", i, got)
		}
	}
	if got := testutil.ToFloat64(hub.metrics.Deliveries); got != 3 {
		t.Errorf("Expected 3 deliveries counted, got %v", got)
	}
}

func TestHubDeliverMatch(t *testing.T) {
	hub, _ := newTestHub(t)
	alice := newTestClient(t, hub, nil, nil)
	alice.join("alice")
	bob := newTestClient(t, hub, nil, nil)
	bob.join("bob")

	n := hub.Deliver([]byte(`{}`), func(c *Client) bool { return c.Identity() == "bob" })
	if n != 1 {
		t.Fatalf("Expected 1 delivery, got %d", n)
	}
	if len(drain(t, alice)) != 0 {
		t.Error("alice must not receive bob's frame")
	}
	if len(drain(t, bob)) != 1 {
		t.Error("bob should receive the frame")
	}
}

func TestHubDropsSlowClient(t *testing.T) {
	hub, _ := newTestHub(t)
	cfg := NewConfig()
	cfg.SendBuffer = 1
	slow := newTestClient(t, hub, nil, cfg)
	fast := newTestClient(t, hub, nil, nil)

	hub.Broadcast([]byte(`1`))
	n := hub.Broadcast([]byte(`2`))

	if n != 1 {
		t.Errorf("Expected second broadcast to reach only the fast client, got %d", n)
	}
	if hub.Count() != 1 {
		t.Errorf("Expected slow client to be removed, %d clients left", hub.Count())
	}
	if got := testutil.ToFloat64(hub.metrics.DroppedClients); got != 1 {
		t.Errorf("Expected 1 dropped client, got %v", got)
	}

	// The buffered frame is still readable, then the channel is closed.
	<-slow.send
	if _, ok := <-slow.send; ok {
		t.Error("Expected slow client's send channel to be closed")
	}
	if len(drain(t, fast)) != 2 {
		t.Error("fast client should have both frames")
	}
}

func TestHubSendToUnregisteredClient(t *testing.T) {
	hub, _ := newTestHub(t)
	c := NewClient(nil, hub, nopDispatcher{}, "test", nil)

	if hub.SendTo(c, []byte(`{}`)) {
		t.Error("SendTo must fail for a client that is not registered")
	}
}

func TestHubIdentities(t *testing.T) {
	hub, _ := newTestHub(t)
	for _, name := range []string{"carol", "alice", "", "bob", "alice"} {
		c := newTestClient(t, hub, nil, nil)
		if name != "" {
			c.join(name)
		}
	}

	want := []string{"alice", "bob", "carol"}
	if got := hub.Identities(); !reflect.DeepEqual(got, want) {
		t.Errorf("Identities() = %v, want %v", got, want)
	}
}

func TestHubHasIdentity(t *testing.T) {
	hub, _ := newTestHub(t)
	first := newTestClient(t, hub, nil, nil)
	first.join("alice")

	if hub.HasIdentity("alice", first) {
		t.Error("HasIdentity must ignore the excepted client")
	}

	second := newTestClient(t, hub, nil, nil)
	second.join("alice")
	if !hub.HasIdentity("alice", first) {
		t.Error("Expected a second connection to hold alice")
	}
}

func TestHubRunUnregisterCallsLeaveOnce(t *testing.T) {
	hub, _ := newTestHub(t)

	var mu sync.Mutex
	left := 0
	done := make(chan struct{}, 2)
	hub.OnLeave(func(*Client) {
		mu.Lock()
		left++
		mu.Unlock()
		done <- struct{}{}
	})

	go hub.Run()
	t.Cleanup(func() { _ = hub.Shutdown(time.Second) })

	c := NewClient(nil, hub, nopDispatcher{}, "test", nil)
	if !hub.Register(c) {
		t.Fatal("Register failed on a running hub")
	}
	hub.Unregister(c)
	hub.Unregister(c)

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("leave handler was not called")
	}
	time.Sleep(20 * time.Millisecond)

	mu.Lock()
	defer mu.Unlock()
	if left != 1 {
		t.Errorf("Expected leave handler to run once, ran %d times", left)
	}
	if hub.Count() != 0 {
		t.Errorf("Expected empty hub, got %d", hub.Count())
	}
	if got := testutil.ToFloat64(hub.metrics.ActiveConnections); got != 0 {
		t.Errorf("Expected 0 active connections, got %v", got)
	}
}

func TestHubRegisterAfterShutdown(t *testing.T) {
	hub, _ := newTestHub(t)
	go hub.Run()

	if err := hub.Shutdown(time.Second); err != nil {
		t.Fatalf("Shutdown: %v", err)
	}

	c := NewClient(nil, hub, nopDispatcher{}, "test", nil)
	if hub.Register(c) {
		t.Error("Register must fail after shutdown")
	}
	// Must not block.
	hub.Unregister(c)
}

func TestHubGoStopsOnShutdown(t *testing.T) {
	hub, _ := newTestHub(t)
	go hub.Run()

	stopped := make(chan struct{})
	hub.Go(func(ctx context.Context) {
		<-ctx.Done()
		close(stopped)
	})

	if err := hub.Shutdown(time.Second); err != nil {
		t.Fatalf("Shutdown: %v", err)
	}
	select {
	case <-stopped:
	default:
		t.Error("background goroutine still running after Shutdown")
	}
}

func TestConcurrentHubOperations(t *testing.T) {
	hub, _ := newTestHub(t)
	go hub.Run()
	t.Cleanup(func() { _ = hub.Shutdown(time.Second) })

	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			c := NewClient(nil, hub, nopDispatcher{}, "test", nil)
			hub.Register(c)
			hub.Broadcast([]byte(`{}`))
			_ = hub.Identities()
			hub.Unregister(c)
		}()
	}
	wg.Wait()
}
