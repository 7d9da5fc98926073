package server

import (
	"context"
	"errors"
	"io"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/sirupsen/logrus"

	"github.com/Tyrowin/nexus-chat/internal/metrics"
	"github.com/Tyrowin/nexus-chat/internal/protocol"
	"github.com/Tyrowin/nexus-chat/internal/ratelimit"
)

const writeWait = 10 * time.Second

// Dispatcher handles decoded envelopes for a client. Dispatch is called from
// the client's read pump, one envelope at a time.
type Dispatcher interface {
	Dispatch(ctx context.Context, c *Client, env protocol.Envelope)
}

// Client represents a WebSocket client connection in the chat system.
// It manages the connection state, message sending channel, hub reference,
// and the session state of the user behind it.
type Client struct {
	id             string
	conn           *websocket.Conn
	send           chan []byte
	hub            *Hub
	dispatcher     Dispatcher
	addr           string
	closed         bool // guarded by hub.mutex
	maxMessageSize int64
	heartbeat      HeartbeatConfig
	alive          atomic.Bool
	limiter        *ratelimit.Limiter
	log            logrus.FieldLogger
	metrics        *metrics.Metrics
	leaveOnce      sync.Once

	mu            sync.RWMutex
	identity      string
	account       string
	authenticated bool
}

// NewClient creates a new Client instance with the provided WebSocket connection,
// hub reference, and client address. The client's send channel is buffered
// to handle message queuing.
func NewClient(conn *websocket.Conn, hub *Hub, d Dispatcher, addr string, cfg *Config) *Client {
	if cfg == nil {
		cfg = NewConfig()
	}
	if conn != nil {
		conn.SetReadLimit(cfg.MaxMessageSize)
	}

	id := uuid.NewString()
	c := &Client{
		id:             id,
		conn:           conn,
		send:           make(chan []byte, cfg.SendBuffer),
		hub:            hub,
		dispatcher:     d,
		addr:           addr,
		maxMessageSize: cfg.MaxMessageSize,
		heartbeat:      cfg.Heartbeat,
		limiter: ratelimit.New(ratelimit.Config{
			Window:       cfg.RateLimit.Window,
			MaxPerWindow: cfg.RateLimit.MaxPerWindow,
			PenaltyUnit:  cfg.RateLimit.PenaltyUnit,
			DecayAfter:   cfg.RateLimit.DecayAfter,
		}),
		log:     hub.log.WithFields(logrus.Fields{"client_id": id, "addr": addr}),
		metrics: hub.metrics,
	}
	c.alive.Store(true)
	return c
}

// ID returns the connection's unique id.
func (c *Client) ID() string { return c.id }

// Addr returns the remote address the connection came from.
func (c *Client) Addr() string { return c.addr }

// GetSendChan returns the client's send channel for reading outgoing messages.
// This channel is read-only from the caller's perspective.
func (c *Client) GetSendChan() <-chan []byte {
	return c.send
}

// Identity returns the joined username, or "" before join.
func (c *Client) Identity() string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.identity
}

// Account returns the username verified by login or registration.
func (c *Client) Account() string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.account
}

// Authenticated reports whether the connection may send chat traffic.
func (c *Client) Authenticated() bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.authenticated
}

// Name is the sender name stamped on outbound envelopes: the identity if
// joined, else the logged-in account.
func (c *Client) Name() string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if c.identity != "" {
		return c.identity
	}
	return c.account
}

func (c *Client) setAccount(username string) {
	c.mu.Lock()
	c.account = username
	c.authenticated = true
	c.mu.Unlock()
}

// join sets the identity and returns the previous one.
func (c *Client) join(identity string) string {
	c.mu.Lock()
	prev := c.identity
	c.identity = identity
	c.authenticated = true
	c.mu.Unlock()
	return prev
}

func (c *Client) logger() logrus.FieldLogger {
	if name := c.Name(); name != "" {
		return c.log.WithField("user", name)
	}
	return c.log
}

// sendEnvelope encodes v and queues it for this client only.
func (c *Client) sendEnvelope(v any) bool {
	payload, err := protocol.Encode(v)
	if err != nil {
		c.logger().WithError(err).Error("Error encoding outbound envelope")
		return false
	}
	return c.hub.SendTo(c, payload)
}

// readDeadline is how long a silent connection survives: one heartbeat
// interval plus the grace period.
func (c *Client) readDeadline() time.Time {
	return time.Now().Add(c.heartbeat.Interval + c.heartbeat.Grace)
}

// setupReadConnection configures read deadlines and pong handler for the WebSocket connection
func (c *Client) setupReadConnection() {
	if err := c.conn.SetReadDeadline(c.readDeadline()); err != nil {
		c.log.WithError(err).Warn("Error setting initial read deadline")
	}
	c.conn.SetPongHandler(func(string) error {
		c.alive.Store(true)
		if err := c.conn.SetReadDeadline(c.readDeadline()); err != nil {
			c.log.WithError(err).Warn("Error setting read deadline in pong handler")
		}
		return nil
	})
}

// logReadError logs a read failure at a level matching how expected it is.
func (c *Client) logReadError(err error) {
	if errors.Is(err, websocket.ErrReadLimit) {
		c.logger().WithField("limit", c.maxMessageSize).Warn("Message exceeded maximum size")
		return
	}

	if websocket.IsCloseError(err,
		websocket.CloseNormalClosure,
		websocket.CloseGoingAway,
		websocket.CloseAbnormalClosure) {
		c.logger().WithError(err).Info("Client disconnected")
		return
	}

	if errors.Is(err, io.EOF) || isExpectedCloseError(err) {
		c.logger().WithError(err).Info("Client connection closed")
		return
	}

	var netErr interface{ Timeout() bool }
	if errors.As(err, &netErr) && netErr.Timeout() {
		c.logger().Info("Client read deadline expired")
		return
	}

	if websocket.IsUnexpectedCloseError(err,
		websocket.CloseGoingAway,
		websocket.CloseAbnormalClosure,
		websocket.CloseMessageTooBig) {
		c.logger().WithError(err).Warn("Unexpected WebSocket error")
		return
	}

	c.logger().WithError(err).Warn("WebSocket read error")
}

// processFrame decodes one raw frame and hands it to the dispatcher. A panic
// while handling the frame is reported to the client and the connection
// stays open.
func (c *Client) processFrame(ctx context.Context, raw []byte) {
	env, err := protocol.Decode(raw)
	if err != nil {
		c.metrics.Reject(metrics.ReasonMalformed)
		c.logger().WithError(err).Debug("Discarding malformed frame")
		c.sendEnvelope(protocol.NewError(msgInvalidFormat))
		return
	}

	defer func() {
		if r := recover(); r != nil {
			c.logger().WithFields(logrus.Fields{
				"panic": r,
				"type":  env.Kind(),
			}).Error("Recovered from panic while handling frame")
			c.sendEnvelope(protocol.NewError(msgInvalidFormat))
		}
	}()

	c.dispatcher.Dispatch(ctx, c, env)
}

func (c *Client) readPump() {
	ctx, cancel := context.WithCancel(c.hub.ctx)
	defer func() {
		cancel()
		c.hub.Unregister(c)
		c.closeConnection()
	}()

	c.setupReadConnection()

	for {
		_, rawMessage, err := c.conn.ReadMessage()
		if err != nil {
			c.logReadError(err)
			return
		}

		c.processFrame(ctx, rawMessage)
	}
}

func (c *Client) writePump() {
	ticker := time.NewTicker(c.heartbeat.Interval)
	defer func() {
		ticker.Stop()
		c.closeConnection()
	}()

	for c.processWriteEvent(ticker) {
	}
}

// processWriteEvent waits for the next write event and returns false when the
// pump should stop processing.
func (c *Client) processWriteEvent(ticker *time.Ticker) bool {
	select {
	case message, ok := <-c.send:
		return c.handleMessage(message, ok)
	case <-ticker.C:
		return c.handleHeartbeat()
	}
}

// closeConnection safely closes the WebSocket connection with proper error handling
func (c *Client) closeConnection() {
	if err := c.conn.Close(); err != nil {
		if !isExpectedCloseError(err) {
			c.log.WithError(err).Warn("Error closing connection")
		}
	}
}

// handleMessage processes outgoing messages and returns false if the connection should be closed
func (c *Client) handleMessage(message []byte, ok bool) bool {
	if err := c.conn.SetWriteDeadline(time.Now().Add(writeWait)); err != nil {
		c.log.WithError(err).Warn("Error setting write deadline")
		return false
	}

	if !ok {
		return c.writeCloseMessage()
	}

	return c.writeTextMessage(message)
}

// writeCloseMessage sends a close message to the client
func (c *Client) writeCloseMessage() bool {
	if err := c.conn.WriteMessage(websocket.CloseMessage, []byte{}); err != nil {
		if !isExpectedCloseError(err) {
			c.log.WithError(err).Warn("Error writing close message")
		}
	}
	return false
}

// writeTextMessage writes one envelope as one text frame.
func (c *Client) writeTextMessage(message []byte) bool {
	if err := c.conn.WriteMessage(websocket.TextMessage, message); err != nil {
		if !isExpectedCloseError(err) {
			c.log.WithError(err).Warn("Error writing message")
		}
		return false
	}
	return true
}

// handleHeartbeat closes the connection if no pong arrived since the last
// ping, otherwise it clears the liveness flag and sends a new ping.
func (c *Client) handleHeartbeat() bool {
	if !c.alive.Swap(false) {
		c.metrics.HeartbeatTimeouts.Inc()
		c.logger().Info("Closing connection after missed heartbeat")
		return false
	}

	if err := c.conn.SetWriteDeadline(time.Now().Add(writeWait)); err != nil {
		c.log.WithError(err).Warn("Error setting write deadline for ping")
		return false
	}
	if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
		c.log.WithError(err).Warn("Error writing ping message")
		return false
	}
	return true
}
