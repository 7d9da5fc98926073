package server

import (
	"context"
	"testing"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/sirupsen/logrus"

	"github.com/Tyrowin/nexus-chat/internal/metrics"
	"github.com/Tyrowin/nexus-chat/internal/protocol"
)

type panicDispatcher struct{}

func (panicDispatcher) Dispatch(context.Context, *Client, protocol.Envelope) {
	panic("boom")
}

type recordingDispatcher struct {
	got []protocol.Envelope
}

func (d *recordingDispatcher) Dispatch(_ context.Context, _ *Client, env protocol.Envelope) {
	d.got = append(d.got, env)
}

func TestNewClient(t *testing.T) {
	hub, _ := newTestHub(t)
	cfg := NewConfig()
	cfg.SendBuffer = 8

	c := NewClient(nil, hub, nopDispatcher{}, "192.0.2.7:5000", cfg)

	if c.ID() == "" {
		t.Error("client id must be set")
	}
	if cap(c.send) != 8 {
		t.Errorf("Expected send buffer 8, got %d", cap(c.send))
	}
	if c.Authenticated() || c.Identity() != "" {
		t.Error("a new client starts unauthenticated without identity")
	}
	if !c.alive.Load() {
		t.Error("a new client starts alive")
	}
	if c.Addr() != "192.0.2.7:5000" {
		t.Errorf("unexpected addr %q", c.Addr())
	}

	other := NewClient(nil, hub, nopDispatcher{}, "192.0.2.7:5001", cfg)
	if other.ID() == c.ID() {
		t.Error("client ids must be unique")
	}
}

func TestClientName(t *testing.T) {
	hub, _ := newTestHub(t)
	c := NewClient(nil, hub, nopDispatcher{}, "test", nil)

	if c.Name() != "" {
		t.Errorf("expected empty name, got %q", c.Name())
	}
	c.setAccount("erin")
	if c.Name() != "erin" || !c.Authenticated() {
		t.Errorf("expected account name after login, got %q", c.Name())
	}
	if prev := c.join("erin-mobile"); prev != "" {
		t.Errorf("expected no previous identity, got %q", prev)
	}
	if c.Name() != "erin-mobile" {
		t.Errorf("identity takes precedence, got %q", c.Name())
	}
}

func TestProcessFrameMalformed(t *testing.T) {
	hub, _ := newTestHub(t)
	d := &recordingDispatcher{}
	c := newTestClient(t, hub, d, nil)

	for _, raw := range []string{`not json`, `{"username":"x"}`, `{"type":42}`, `[]`} {
		c.processFrame(context.Background(), []byte(raw))
	}

	errs := ofType(drain(t, c), "error")
	if len(errs) != 4 {
		t.Fatalf("Expected 4 error frames, got %d", len(errs))
	}
	for _, e := range errs {
		if e["error"] != "Invalid message format." {
			t.Errorf("unexpected error text %q", e["error"])
		}
	}
	if len(d.got) != 0 {
		t.Errorf("malformed frames must not reach the dispatcher, got %v", d.got)
	}
	if got := testutil.ToFloat64(hub.metrics.Rejections.WithLabelValues(metrics.ReasonMalformed)); got != 4 {
		t.Errorf("Expected 4 malformed rejections, got %v", got)
	}
}

func TestProcessFrameDispatchesInOrder(t *testing.T) {
	hub, _ := newTestHub(t)
	d := &recordingDispatcher{}
	c := newTestClient(t, hub, d, nil)

	c.processFrame(context.Background(), []byte(`{"type":"join","username":"a"}`))
	c.processFrame(context.Background(), []byte(`{"type":"typing","isTyping":true}`))

	if len(d.got) != 2 || d.got[0].Kind() != protocol.KindJoin || d.got[1].Kind() != protocol.KindTyping {
		t.Errorf("unexpected dispatch order %v", d.got)
	}
}

func TestProcessFrameRecoversFromPanic(t *testing.T) {
	hub, hook := newTestHub(t)
	c := newTestClient(t, hub, panicDispatcher{}, nil)

	c.processFrame(context.Background(), []byte(`{"type":"join","username":"a"}`))

	expectError(t, drain(t, c), "Invalid message format.")

	found := false
	for _, entry := range hook.AllEntries() {
		if entry.Level == logrus.ErrorLevel && entry.Data["panic"] == "boom" {
			found = true
		}
	}
	if !found {
		t.Error("expected the recovered panic to be logged")
	}
}

func TestIsExpectedCloseError(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want bool
	}{
		{"nil", nil, true},
		{"closed conn", errString("read tcp: use of closed network connection"), true},
		{"close sent", errString("websocket: close sent"), true},
		{"broken pipe", errString("write: broken pipe"), true},
		{"other", errString("unexpected EOF"), false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := isExpectedCloseError(tt.err); got != tt.want {
				t.Errorf("isExpectedCloseError(%v) = %v, want %v", tt.err, got, tt.want)
			}
		})
	}
}

type errString string

func (e errString) Error() string { return string(e) }
