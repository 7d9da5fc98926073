package server

import (
	"strings"

	"github.com/Tyrowin/nexus-chat/internal/presence"
	"github.com/Tyrowin/nexus-chat/internal/protocol"
)

// presenceBroadcaster publishes every presence transition to all clients.
// The tracker calls it under its own lock, and Broadcast takes the hub's read
// lock and, when it drops slow clients, the write lock. The hub must never
// call into the tracker while holding either.
type presenceBroadcaster struct {
	hub *Hub
}

func (b presenceBroadcaster) NotifyPresence(u presence.Update) {
	payload, err := protocol.Encode(protocol.NewPresenceUpdate(u.Identity, string(u.Status), u.At))
	if err != nil {
		b.hub.log.WithError(err).Error("Error encoding presence update")
		return
	}
	b.hub.Broadcast(payload)
}

// isExpectedCloseError checks if an error is expected during connection closure.
func isExpectedCloseError(err error) bool {
	if err == nil {
		return true
	}
	errStr := err.Error()
	return strings.Contains(errStr, "use of closed network connection") ||
		strings.Contains(errStr, "websocket: close sent") ||
		strings.Contains(errStr, "broken pipe")
}
