package server

import (
	"errors"
	"net/http"
	"time"

	"github.com/gorilla/websocket"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/sirupsen/logrus"
	"go.opentelemetry.io/otel/trace"

	"github.com/Tyrowin/nexus-chat/internal/auth"
	"github.com/Tyrowin/nexus-chat/internal/metrics"
	"github.com/Tyrowin/nexus-chat/internal/presence"
	"github.com/Tyrowin/nexus-chat/internal/transform"
)

// Options carries the collaborators of a Server. Every field is optional.
type Options struct {
	Logger logrus.FieldLogger
	// Registry receives the server's collectors and backs /metrics. A nil
	// Registry gets a fresh one with the Go and process collectors.
	Registry *prometheus.Registry
	// Auth verifies logins and registrations. Without it both are answered
	// as unavailable.
	Auth      *auth.Service
	Transform transform.Transform
	// TracerProvider backs the dispatch spans. Nil uses the global provider.
	TracerProvider trace.TracerProvider
	Version        string
}

// Server wires the hub, router, presence tracker and HTTP surface together.
type Server struct {
	cfg       *Config
	log       logrus.FieldLogger
	hub       *Hub
	presence  *presence.Tracker
	router    *Router
	sweeper   *decaySweeper
	connLimit *connLimiter
	origins   *originPolicy
	upgrader  websocket.Upgrader
	gatherer  prometheus.Gatherer
	version   string
	http      *http.Server
}

// New builds a Server from cfg. Call Start before serving requests.
func New(cfg *Config, opts Options) *Server {
	if cfg == nil {
		cfg = NewConfig()
	}
	sanitized := sanitizeConfig(*cfg)
	cfg = &sanitized

	log := opts.Logger
	if log == nil {
		log = logrus.StandardLogger()
	}

	reg := opts.Registry
	if reg == nil {
		reg = prometheus.NewRegistry()
		reg.MustRegister(
			collectors.NewGoCollector(),
			collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		)
	}
	m := metrics.New(reg)

	hub := NewHub(log, m)
	tracker := presence.New(cfg.Presence.TypingTimeout, presenceBroadcaster{hub: hub})
	router := NewRouter(hub, tracker, opts.Auth, opts.Transform, cfg)
	if opts.TracerProvider != nil {
		router.tracer = opts.TracerProvider.Tracer(tracerName)
	}
	hub.OnLeave(router.Leave)

	s := &Server{
		cfg:       cfg,
		log:       log,
		hub:       hub,
		presence:  tracker,
		router:    router,
		sweeper:   newDecaySweeper(hub, cfg.RateLimit.SweepInterval),
		connLimit: newConnLimiter(cfg.Connections.PerIPRate, cfg.Connections.PerIPBurst, log.WithField("component", "connlimit")),
		origins:   newOriginPolicy(cfg.AllowedOrigins, log.WithField("component", "origin")),
		gatherer:  reg,
		version:   opts.Version,
	}
	s.upgrader = s.newUpgrader()
	s.http = CreateServer(cfg.Port, s.Routes())
	return s
}

// Hub returns the server's hub.
func (s *Server) Hub() *Hub {
	return s.hub
}

// Config returns the sanitized configuration in use.
func (s *Server) Config() *Config {
	return s.cfg
}

// Start runs the hub event loop and the background sweepers.
func (s *Server) Start() {
	go s.hub.Run()
	s.hub.Go(s.sweeper.run)
	s.hub.Go(s.connLimit.run)
	s.log.Info("Hub started and ready to manage WebSocket connections")
}

// ListenAndServe serves the routes on the configured port until Shutdown.
// It returns nil after a graceful shutdown.
func (s *Server) ListenAndServe() error {
	if err := StartServer(s.http, s.log); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

// Shutdown stops accepting connections, closes every client and waits up to
// timeout for their goroutines.
func (s *Server) Shutdown(timeout time.Duration) error {
	var errs []error
	if err := ShutdownServer(s.http, timeout, s.log); err != nil {
		errs = append(errs, err)
	}
	if err := s.hub.Shutdown(timeout); err != nil {
		errs = append(errs, err)
	}
	s.presence.Close()
	return errors.Join(errs...)
}
