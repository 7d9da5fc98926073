package server

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	logtest "github.com/sirupsen/logrus/hooks/test"

	"github.com/Tyrowin/nexus-chat/internal/metrics"
	"github.com/Tyrowin/nexus-chat/internal/protocol"
)

type nopDispatcher struct{}

func (nopDispatcher) Dispatch(context.Context, *Client, protocol.Envelope) {}

func newTestHub(t *testing.T) (*Hub, *logtest.Hook) {
	t.Helper()
	logger, hook := logtest.NewNullLogger()
	return NewHub(logger, metrics.New(nil)), hook
}

// newTestClient registers a connection-less client; frames queued for it
// stay in its send channel.
func newTestClient(t *testing.T, h *Hub, d Dispatcher, cfg *Config) *Client {
	t.Helper()
	if d == nil {
		d = nopDispatcher{}
	}
	c := NewClient(nil, h, d, "192.0.2.1:40000", cfg)
	h.add(c)
	return c
}

// drain decodes every frame currently queued for c.
func drain(t *testing.T, c *Client) []map[string]any {
	t.Helper()
	var out []map[string]any
	for {
		select {
		case raw, ok := <-c.send:
			if !ok {
				return out
			}
			out = append(out, decodeFrame(t, raw))
		default:
			return out
		}
	}
}

// waitFrame blocks until a frame of type typ is queued for c.
func waitFrame(t *testing.T, c *Client, typ string, timeout time.Duration) map[string]any {
	t.Helper()
	deadline := time.After(timeout)
	for {
		select {
		case raw, ok := <-c.send:
			if !ok {
				t.Fatalf("send channel closed while waiting for %q", typ)
			}
			msg := decodeFrame(t, raw)
			if msg["type"] == typ {
				return msg
			}
		case <-deadline:
			t.Fatalf("timed out waiting for %q frame", typ)
		}
	}
}

func decodeFrame(t *testing.T, raw []byte) map[string]any {
	t.Helper()
	var msg map[string]any
	if err := json.Unmarshal(raw, &msg); err != nil {
		t.Fatalf("frame is not a JSON object: %v (%q)", err, raw)
	}
	return msg
}

func ofType(msgs []map[string]any, typ string) []map[string]any {
	var out []map[string]any
	for _, m := range msgs {
		if m["type"] == typ {
			out = append(out, m)
		}
	}
	return out
}
