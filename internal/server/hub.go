package server

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/Tyrowin/nexus-chat/internal/metrics"
)

// Hub manages all WebSocket client connections and handles message delivery.
// It maintains client registration/unregistration and ensures thread-safe operations
// through mutex protection.
type Hub struct {
	clients    map[*Client]bool
	register   chan *Client
	unregister chan *Client
	mutex      sync.RWMutex
	wg         sync.WaitGroup
	ctx        context.Context
	cancel     context.CancelFunc
	done       chan struct{}

	// onLeave runs on the Run goroutine once per client after it is gone.
	onLeave func(*Client)

	log     logrus.FieldLogger
	metrics *metrics.Metrics
}

// NewHub creates and initializes a new Hub instance with all necessary channels
// and client map. The returned Hub is ready to manage WebSocket connections.
func NewHub(log logrus.FieldLogger, m *metrics.Metrics) *Hub {
	if log == nil {
		log = logrus.StandardLogger()
	}
	if m == nil {
		m = metrics.New(nil)
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Hub{
		clients:    make(map[*Client]bool),
		register:   make(chan *Client),
		unregister: make(chan *Client),
		ctx:        ctx,
		cancel:     cancel,
		done:       make(chan struct{}),
		log:        log.WithField("component", "hub"),
		metrics:    m,
	}
}

// OnLeave installs the handler run after a client has left. It must be set
// before Run is started.
func (h *Hub) OnLeave(fn func(*Client)) {
	h.onLeave = fn
}

// Register hands a client to the Run loop. It returns false once the hub is
// shutting down.
func (h *Hub) Register(c *Client) bool {
	select {
	case h.register <- c:
		return true
	case <-h.ctx.Done():
		return false
	}
}

// Unregister asks the Run loop to drop a client.
func (h *Hub) Unregister(c *Client) {
	select {
	case h.unregister <- c:
	case <-h.ctx.Done():
	}
}

func (h *Hub) safeSend(client *Client, message []byte) bool {
	defer func() {
		if r := recover(); r != nil {
			h.log.WithField("panic", r).Error("Recovered from panic in safeSend")
		}
	}()

	// The read lock keeps the channel from being closed mid-send.
	h.mutex.RLock()
	defer h.mutex.RUnlock()

	_, exists := h.clients[client]
	if !exists || client.closed {
		return false
	}

	select {
	case client.send <- message:
		return true
	default:
		return false
	}
}

// Run starts the hub's main event loop, handling client registration and
// unregistration. This method should be called in a separate goroutine
// as it runs until Shutdown.
func (h *Hub) Run() {
	defer close(h.done)

	for {
		select {
		case <-h.ctx.Done():
			h.shutdownClients()
			return

		case client := <-h.register:
			if client == nil {
				h.log.Warn("Received nil client registration; skipping")
				continue
			}

			clientCount := h.add(client)
			client.log.WithField("clients", clientCount).Info("Client registered")

			if client.conn == nil {
				continue
			}
			h.wg.Add(2)
			go func() {
				defer h.wg.Done()
				client.writePump()
			}()
			go func() {
				defer h.wg.Done()
				client.readPump()
			}()

		case client := <-h.unregister:
			if client == nil {
				continue
			}
			h.remove(client)
			h.leave(client)
		}
	}
}

func (h *Hub) add(client *Client) int {
	h.mutex.Lock()
	client.closed = false
	h.clients[client] = true
	clientCount := len(h.clients)
	h.mutex.Unlock()

	h.metrics.ActiveConnections.Inc()
	return clientCount
}

// remove deletes client and closes its send channel. It reports whether the
// client was still registered.
func (h *Hub) remove(client *Client) bool {
	h.mutex.Lock()
	if _, ok := h.clients[client]; !ok {
		h.mutex.Unlock()
		return false
	}
	delete(h.clients, client)
	client.closed = true
	clientCount := len(h.clients)
	h.mutex.Unlock()

	// Close the channel after releasing the lock
	close(client.send)
	h.metrics.ActiveConnections.Dec()
	client.log.WithField("clients", clientCount).Info("Client unregistered")
	return true
}

func (h *Hub) leave(client *Client) {
	client.leaveOnce.Do(func() {
		if h.onLeave != nil {
			h.onLeave(client)
		}
	})
}

// Broadcast queues payload for every live client, the sender included.
// It returns the number of clients the payload was queued for.
func (h *Hub) Broadcast(payload []byte) int {
	return h.Deliver(payload, nil)
}

// Deliver queues payload for every live client accepted by match; a nil
// match accepts all. Clients whose buffer is full are dropped.
func (h *Hub) Deliver(payload []byte, match func(*Client) bool) int {
	clients := h.getClientSnapshot()

	var clientsToRemove []*Client
	delivered := 0
	for _, client := range clients {
		if match != nil && !match(client) {
			continue
		}
		if h.safeSend(client, payload) {
			delivered++
		} else {
			clientsToRemove = append(clientsToRemove, client)
		}
	}

	h.removeFailedClients(clientsToRemove)
	h.metrics.Deliveries.Add(float64(delivered))
	return delivered
}

// SendTo queues payload for a single client.
func (h *Hub) SendTo(client *Client, payload []byte) bool {
	if h.safeSend(client, payload) {
		h.metrics.Deliveries.Inc()
		return true
	}
	h.removeFailedClients([]*Client{client})
	return false
}

// getClientSnapshot returns a thread-safe snapshot of all current clients
func (h *Hub) getClientSnapshot() []*Client {
	h.mutex.RLock()
	defer h.mutex.RUnlock()

	clients := make([]*Client, 0, len(h.clients))
	for client := range h.clients {
		clients = append(clients, client)
	}
	return clients
}

// Clients returns a snapshot of the registered clients.
func (h *Hub) Clients() []*Client {
	return h.getClientSnapshot()
}

// Count returns the number of registered clients.
func (h *Hub) Count() int {
	h.mutex.RLock()
	defer h.mutex.RUnlock()
	return len(h.clients)
}

// Identities returns the sorted, de-duplicated identities of joined clients.
func (h *Hub) Identities() []string {
	seen := make(map[string]struct{})
	users := make([]string, 0)
	for _, client := range h.getClientSnapshot() {
		id := client.Identity()
		if id == "" {
			continue
		}
		if _, dup := seen[id]; dup {
			continue
		}
		seen[id] = struct{}{}
		users = append(users, id)
	}
	sort.Strings(users)
	return users
}

// HasIdentity reports whether a live client other than except holds identity.
func (h *Hub) HasIdentity(identity string, except *Client) bool {
	for _, client := range h.getClientSnapshot() {
		if client != except && client.Identity() == identity {
			return true
		}
	}
	return false
}

// removeFailedClients removes clients that failed to receive messages and
// closes their channels. The write pump then closes the connection and the
// read pump unregisters, which runs the leave handler.
func (h *Hub) removeFailedClients(clientsToRemove []*Client) {
	if len(clientsToRemove) == 0 {
		return
	}

	h.mutex.Lock()
	var channelsToClose []chan []byte
	for _, client := range clientsToRemove {
		if _, exists := h.clients[client]; exists {
			delete(h.clients, client)
			client.closed = true
			channelsToClose = append(channelsToClose, client.send)
			client.log.Warn("Client removed due to full send buffer")
		}
	}
	h.mutex.Unlock()

	// Close channels after releasing the lock
	for _, ch := range channelsToClose {
		close(ch)
		h.metrics.ActiveConnections.Dec()
		h.metrics.DroppedClients.Inc()
	}
}

// shutdownClients gracefully closes all active client connections
func (h *Hub) shutdownClients() {
	h.log.Info("Shutting down all client connections...")

	clients := h.getClientSnapshot()

	for _, client := range clients {
		if client.conn != nil {
			if err := client.conn.Close(); err != nil {
				if !isExpectedCloseError(err) {
					client.log.WithError(err).Warn("Error closing client connection")
				}
			}
		}
	}

	h.log.WithField("closed", len(clients)).Info("Closed client connections")
}

// Go runs fn on a goroutine tracked by Shutdown. fn receives the hub's
// context, which is cancelled when shutdown begins.
func (h *Hub) Go(fn func(ctx context.Context)) {
	h.wg.Add(1)
	go func() {
		defer h.wg.Done()
		fn(h.ctx)
	}()
}

// Shutdown initiates graceful shutdown of the hub and waits for all goroutines to complete.
// It returns after all client connections are closed and goroutines have finished,
// or when the timeout is reached.
func (h *Hub) Shutdown(timeout time.Duration) error {
	h.log.Info("Initiating hub shutdown...")

	h.cancel()
	<-h.done

	done := make(chan struct{})
	go func() {
		h.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		h.log.Info("Hub shutdown completed successfully")
		return nil
	case <-time.After(timeout):
		h.log.Warn("Hub shutdown timeout reached, some goroutines may still be running")
		return context.DeadlineExceeded
	}
}
