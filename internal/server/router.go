package server

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/Tyrowin/nexus-chat/internal/auth"
	"github.com/Tyrowin/nexus-chat/internal/metrics"
	"github.com/Tyrowin/nexus-chat/internal/presence"
	"github.com/Tyrowin/nexus-chat/internal/protocol"
	"github.com/Tyrowin/nexus-chat/internal/transform"
)

const tracerName = "github.com/Tyrowin/nexus-chat/internal/server"

// Texts of the error and auth replies sent to clients.
const (
	msgInvalidFormat       = "Invalid message format."
	msgUnknownType         = "Unknown message type."
	msgCredentialsRequired = "Username and password required."
	msgUsernameRequired    = "Username required."
	msgLoginBeforeJoin     = "You must log in as this user before joining."
	msgJoinBeforeTyping    = "Join the chat before sending typing status."
	msgAuthUnavailable     = "Authentication service unavailable."
	msgUserNotFound        = "User not found. Please check your username or create a new account."
	msgInvalidPassword     = "Invalid password."
	msgUserExists          = "Username already exists."

	reasonUserNotFound    = "user_not_found"
	reasonInvalidPassword = "invalid_password"
)

var gateMessages = map[protocol.Kind]string{
	protocol.KindMessage: "You must be logged in to send messages.",
	protocol.KindFile:    "You must be logged in to send files.",
	protocol.KindTyping:  "You must be logged in to send typing status.",
}

var (
	errNotAuthenticated = errors.New("router: not authenticated")
	errRateLimited      = errors.New("router: rate limited")
	errUsernameRequired = errors.New("router: username required")
)

// Router applies the authentication and rate-limit gates to decoded
// envelopes and delivers the result through the hub.
type Router struct {
	hub          *Hub
	presence     *presence.Tracker
	auth         *auth.Service
	transform    transform.Transform
	requireLogin bool
	authTimeout  time.Duration
	metrics      *metrics.Metrics
	log          logrus.FieldLogger
	tracer       trace.Tracer

	// claims serializes identity joins against releases.
	// Lock order: claims, then the tracker, then the hub.
	claims sync.Mutex

	// now is the rate limiter's clock.
	now func() time.Time
}

// NewRouter builds a Router. A nil auth service answers every login and
// registration as unavailable; a nil transform leaves payloads untouched.
func NewRouter(hub *Hub, tracker *presence.Tracker, svc *auth.Service, tr transform.Transform, cfg *Config) *Router {
	if tr == nil {
		tr = transform.Passthrough{}
	}
	if cfg == nil {
		cfg = NewConfig()
	}
	return &Router{
		hub:          hub,
		presence:     tracker,
		auth:         svc,
		transform:    tr,
		requireLogin: cfg.Auth.RequireLogin,
		authTimeout:  cfg.Auth.Timeout,
		metrics:      hub.metrics,
		log:          hub.log.WithField("component", "router"),
		tracer:       otel.Tracer(tracerName),
		now:          time.Now,
	}
}

// Dispatch routes one envelope from c. Rejections are answered on c and
// recorded on the span; they never close the connection.
func (r *Router) Dispatch(ctx context.Context, c *Client, env protocol.Envelope) {
	kind := env.Kind()
	label := string(kind)
	if _, unknown := env.(protocol.Unknown); unknown {
		label = "unknown"
	}

	ctx, span := r.tracer.Start(ctx, "nexus.dispatch",
		trace.WithSpanKind(trace.SpanKindServer),
		trace.WithAttributes(
			attribute.String("nexus.envelope.type", label),
			attribute.String("nexus.client_id", c.ID()),
		),
	)
	defer span.End()

	r.metrics.Envelopes.WithLabelValues(label).Inc()

	if err := r.route(ctx, c, env); err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		c.logger().WithError(err).WithField("type", label).Debug("Envelope rejected")
		return
	}
	span.SetStatus(codes.Ok, "")
}

func (r *Router) route(ctx context.Context, c *Client, env protocol.Envelope) error {
	if protocol.RequiresAuth(env.Kind()) && !c.Authenticated() {
		r.metrics.Reject(metrics.ReasonUnauthenticated)
		c.sendEnvelope(protocol.NewError(gateMessages[env.Kind()]))
		return errNotAuthenticated
	}

	switch e := env.(type) {
	case protocol.Login:
		return r.handleLogin(ctx, c, e)
	case protocol.Registration:
		return r.handleRegistration(ctx, c, e)
	case protocol.Join:
		return r.handleJoin(c, e)
	case protocol.Message:
		return r.handleMessage(c, e)
	case protocol.File:
		return r.handleFile(c, e)
	case protocol.Typing:
		return r.handleTyping(c, e)
	case protocol.Unknown:
		r.metrics.Reject(metrics.ReasonUnknownType)
		c.sendEnvelope(protocol.NewError(msgUnknownType))
		return e.Err()
	default:
		r.metrics.Reject(metrics.ReasonUnknownType)
		c.sendEnvelope(protocol.NewError(msgUnknownType))
		return fmt.Errorf("%w: %T", protocol.ErrUnknownType, env)
	}
}

func (r *Router) handleLogin(ctx context.Context, c *Client, e protocol.Login) error {
	if r.auth == nil {
		c.sendEnvelope(protocol.NewAuthFailure(protocol.KindLogin, "", msgAuthUnavailable))
		return auth.ErrUnavailable
	}

	ctx, cancel := context.WithTimeout(ctx, r.authTimeout)
	defer cancel()

	username := strings.TrimSpace(e.Username)
	err := r.auth.Login(ctx, username, e.Password)
	switch {
	case err == nil:
		c.setAccount(username)
		c.logger().Info("User logged in")
		c.sendEnvelope(protocol.NewAuthSuccess(protocol.KindLogin))
	case errors.Is(err, auth.ErrMissingCredentials):
		r.metrics.Reject(metrics.ReasonInvalid)
		c.sendEnvelope(protocol.NewError(msgCredentialsRequired))
	case errors.Is(err, auth.ErrUnknownUser):
		c.sendEnvelope(protocol.NewAuthFailure(protocol.KindLogin, reasonUserNotFound, msgUserNotFound))
	case errors.Is(err, auth.ErrInvalidPassword):
		c.sendEnvelope(protocol.NewAuthFailure(protocol.KindLogin, reasonInvalidPassword, msgInvalidPassword))
	default:
		c.logger().WithError(err).Error("Login failed")
		c.sendEnvelope(protocol.NewAuthFailure(protocol.KindLogin, "", msgAuthUnavailable))
	}
	return err
}

func (r *Router) handleRegistration(ctx context.Context, c *Client, e protocol.Registration) error {
	if r.auth == nil {
		c.sendEnvelope(protocol.NewAuthFailure(protocol.KindRegistration, "", msgAuthUnavailable))
		return auth.ErrUnavailable
	}

	ctx, cancel := context.WithTimeout(ctx, r.authTimeout)
	defer cancel()

	username := strings.TrimSpace(e.Username)
	err := r.auth.Register(ctx, username, e.Password)

	var policy *auth.PolicyError
	switch {
	case err == nil:
		c.setAccount(username)
		c.logger().Info("User registered")
		c.sendEnvelope(protocol.NewAuthSuccess(protocol.KindRegistration))
	case errors.Is(err, auth.ErrMissingCredentials):
		c.sendEnvelope(protocol.NewAuthFailure(protocol.KindRegistration, "", msgCredentialsRequired))
	case errors.As(err, &policy):
		c.sendEnvelope(protocol.NewAuthFailure(protocol.KindRegistration, "", policy.Reason))
	case errors.Is(err, auth.ErrUserExists):
		c.sendEnvelope(protocol.NewAuthFailure(protocol.KindRegistration, "", msgUserExists))
	default:
		c.logger().WithError(err).Error("Registration failed")
		c.sendEnvelope(protocol.NewAuthFailure(protocol.KindRegistration, "", msgAuthUnavailable))
	}
	return err
}

func (r *Router) handleJoin(c *Client, e protocol.Join) error {
	name := strings.TrimSpace(e.Username)
	if name == "" {
		r.metrics.Reject(metrics.ReasonInvalid)
		c.sendEnvelope(protocol.NewError(msgUsernameRequired))
		return errUsernameRequired
	}

	if r.requireLogin && (!c.Authenticated() || c.Account() != name) {
		r.metrics.Reject(metrics.ReasonUnauthenticated)
		c.sendEnvelope(protocol.NewError(msgLoginBeforeJoin))
		return errNotAuthenticated
	}

	r.claims.Lock()
	if prev := c.join(name); prev != "" && prev != name {
		r.releaseLocked(c, prev)
	}
	r.presence.Init(name)
	r.claims.Unlock()
	c.logger().Info("User joined")

	r.notify(name, name+" joined the chat.")

	users := make(map[string]protocol.PresenceEntry)
	for id, entry := range r.presence.Snapshot() {
		users[id] = protocol.PresenceEntry{
			Status:       string(entry.Status),
			LastActivity: entry.LastActivity.UnixMilli(),
		}
	}
	c.sendEnvelope(protocol.NewPresenceList(users))
	return nil
}

func (r *Router) handleMessage(c *Client, e protocol.Message) error {
	if err := r.allow(c); err != nil {
		return err
	}

	body, err := r.transform.Seal(e.Message)
	if err != nil {
		c.sendEnvelope(protocol.NewError(msgInvalidFormat))
		return fmt.Errorf("seal message: %w", err)
	}

	sender := c.Name()
	receiver := receiverOrAll(e.Receiver)
	payload, err := protocol.Encode(protocol.NewChatMessage(sender, receiver, body))
	if err != nil {
		return fmt.Errorf("encode message: %w", err)
	}
	r.deliver(c, receiver, payload)
	return nil
}

func (r *Router) handleFile(c *Client, e protocol.File) error {
	if err := r.allow(c); err != nil {
		return err
	}

	data, err := r.transform.Seal(e.Data)
	if err != nil {
		c.sendEnvelope(protocol.NewError(msgInvalidFormat))
		return fmt.Errorf("seal file: %w", err)
	}

	sender := c.Name()
	receiver := receiverOrAll(e.Receiver)
	payload, err := protocol.Encode(protocol.NewFileMessage(sender, receiver, e.Filename, e.Filetype, data))
	if err != nil {
		return fmt.Errorf("encode file: %w", err)
	}
	r.deliver(c, receiver, payload)
	return nil
}

func (r *Router) handleTyping(c *Client, e protocol.Typing) error {
	err := r.presence.SetTyping(c.Identity(), e.IsTyping)
	if errors.Is(err, presence.ErrUnknownIdentity) {
		r.metrics.Reject(metrics.ReasonInvalid)
		c.sendEnvelope(protocol.NewError(msgJoinBeforeTyping))
	}
	return err
}

// allow runs the rate-limit gate for c and answers a rejection.
func (r *Router) allow(c *Client) error {
	res := c.limiter.Allow(r.now())
	if res.Allowed {
		return nil
	}

	r.metrics.Reject(metrics.ReasonRateLimited)
	if !res.LockedOut {
		r.metrics.Lockouts.Inc()
		c.logger().WithFields(logrus.Fields{
			"violations":  res.Violations,
			"retry_after": res.RetryAfter,
		}).Warn("Rate limit exceeded")
	}
	c.sendEnvelope(protocol.NewRateLimited(res.Message(), res.RetryAfterSeconds()))
	return errRateLimited
}

// deliver sends payload to everyone for AllRecipients, otherwise to the
// receiver's connections and the sender's own. A receiver that is not
// connected gets nothing.
func (r *Router) deliver(sender *Client, receiver string, payload []byte) int {
	if receiver == protocol.AllRecipients {
		return r.hub.Broadcast(payload)
	}

	from := sender.Name()
	return r.hub.Deliver(payload, func(c *Client) bool {
		if c == sender {
			return true
		}
		name := c.Name()
		return name != "" && (name == receiver || name == from)
	})
}

func receiverOrAll(receiver string) string {
	if receiver == "" {
		return protocol.AllRecipients
	}
	return receiver
}

// notify broadcasts a join or leave notification with the current user list.
func (r *Router) notify(username, text string) {
	sealed, err := r.transform.Seal(text)
	if err != nil {
		r.log.WithError(err).Error("Error sealing notification")
		return
	}
	payload, err := protocol.Encode(protocol.NewNotification(username, r.hub.Identities(), sealed))
	if err != nil {
		r.log.WithError(err).Error("Error encoding notification")
		return
	}
	r.hub.Broadcast(payload)
}

// release drops identity from presence and announces the leave, unless
// another live connection still holds it.
func (r *Router) release(c *Client, identity string) {
	r.claims.Lock()
	defer r.claims.Unlock()
	r.releaseLocked(c, identity)
}

// releaseLocked removes identity unless another connection still holds it.
// Callers hold r.claims.
func (r *Router) releaseLocked(c *Client, identity string) {
	if r.hub.HasIdentity(identity, c) {
		return
	}
	r.presence.Remove(identity)
	r.notify(identity, identity+" left the chat.")
}

// Leave is the hub's leave handler.
func (r *Router) Leave(c *Client) {
	identity := c.Identity()
	if identity == "" {
		return
	}
	r.release(c, identity)
	c.logger().Info("User left")
}
