package api

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/nerrad567/homegate/internal/audit"
	"github.com/nerrad567/homegate/internal/dispatch"
	"github.com/nerrad567/homegate/internal/infrastructure/config"
	"github.com/nerrad567/homegate/internal/infrastructure/logging"
	"github.com/nerrad567/homegate/internal/metrics"
	"github.com/nerrad567/homegate/internal/registry"
	"github.com/nerrad567/homegate/internal/transport"
)

// gracefulShutdownTimeout is the maximum time to wait for in-flight requests
// to complete during shutdown.
const gracefulShutdownTimeout = 10 * time.Second

// RegistrationObserver is told about every successful registration made
// through the API.
type RegistrationObserver interface {
	ActionnerRegistered(a registry.Actionner)
	DeviceRegistered(o registry.Object)
}

// HealthCheck probes one dependency for GET /api/v1/health.
type HealthCheck func(ctx context.Context) error

// Deps holds the dependencies required by the API server.
type Deps struct {
	Config     config.APIConfig
	WS         config.WebSocketConfig
	Security   config.SecurityConfig
	Logger     *logging.Logger
	Registry   *registry.Registry
	Dispatcher *dispatch.Dispatcher

	// Optional.
	Pool      *transport.Pool
	Journal   *audit.Journal
	Metrics   *metrics.Metrics
	Hub       *Hub // If set, the server uses this hub instead of creating its own
	Observers []RegistrationObserver
	Checks    map[string]HealthCheck

	// WarmOnRegister dials a new actionner as soon as it is registered.
	WarmOnRegister bool
	// OnExhausted is called when a registration fails because an id
	// sequence ran out. The daemon shuts down on it.
	OnExhausted func(error)
	Version     string
}

// Server is the HTTP API server.
//
// It manages the HTTP listener, routes, middleware, and WebSocket hub.
// The server is created with New() and started with Start().
type Server struct {
	cfg        config.APIConfig
	wsCfg      config.WebSocketConfig
	secCfg     config.SecurityConfig
	logger     *logging.Logger
	registry   *registry.Registry
	dispatcher *dispatch.Dispatcher
	pool       *transport.Pool
	journal    *audit.Journal
	metrics    *metrics.Metrics
	observers  []RegistrationObserver
	checks     map[string]HealthCheck
	warm       bool
	exhausted  func(error)
	version    string
	started    time.Time

	hub         *Hub
	externalHub bool
	limiters    *clientLimiters

	server   *http.Server
	listener net.Listener
	cancel   context.CancelFunc
	bg       sync.WaitGroup
}

// New creates a new API server with the given dependencies.
// The server is not started until Start() is called.
func New(deps Deps) (*Server, error) {
	if deps.Logger == nil {
		return nil, fmt.Errorf("logger is required")
	}
	if deps.Registry == nil {
		return nil, fmt.Errorf("registry is required")
	}
	if deps.Dispatcher == nil {
		return nil, fmt.Errorf("dispatcher is required")
	}
	if deps.Security.AuthEnabled && deps.Security.JWT.Secret == "" {
		return nil, fmt.Errorf("jwt secret is required when auth is enabled")
	}

	s := &Server{
		cfg:        deps.Config,
		wsCfg:      deps.WS,
		secCfg:     deps.Security,
		logger:     deps.Logger,
		registry:   deps.Registry,
		dispatcher: deps.Dispatcher,
		pool:       deps.Pool,
		journal:    deps.Journal,
		metrics:    deps.Metrics,
		observers:  deps.Observers,
		checks:     deps.Checks,
		warm:       deps.WarmOnRegister,
		exhausted:  deps.OnExhausted,
		version:    deps.Version,
		started:    time.Now(),
	}
	if deps.Hub != nil {
		s.hub = deps.Hub
		s.externalHub = true
	} else {
		s.hub = NewHub(s.wsCfg, s.logger)
	}
	if s.secCfg.RateLimit.Enabled {
		s.limiters = newClientLimiters(s.secCfg.RateLimit.RequestsPerMinute, s.secCfg.RateLimit.Burst)
	}
	return s, nil
}

// Hub returns the WebSocket hub the server broadcasts through.
func (s *Server) Hub() *Hub { return s.hub }

// Start binds the listener and serves in the background. Binding errors
// (port in use, bad address) are returned synchronously.
func (s *Server) Start(ctx context.Context) error {
	var srvCtx context.Context
	srvCtx, s.cancel = context.WithCancel(ctx)

	if !s.externalHub {
		s.goBackground(func() { s.hub.Run(srvCtx) })
	}
	if s.limiters != nil {
		s.goBackground(func() { s.limiters.cleanLoop(srvCtx) })
	}

	s.server = &http.Server{
		Addr:              fmt.Sprintf("%s:%d", s.cfg.Host, s.cfg.Port),
		Handler:           s.buildRouter(),
		ReadTimeout:       time.Duration(s.cfg.Timeouts.Read) * time.Second,
		ReadHeaderTimeout: time.Duration(s.cfg.Timeouts.Read) * time.Second,
		WriteTimeout:      time.Duration(s.cfg.Timeouts.Write) * time.Second,
		IdleTimeout:       time.Duration(s.cfg.Timeouts.Idle) * time.Second,
	}

	ln, err := net.Listen("tcp", s.server.Addr)
	if err != nil {
		s.cancel()
		return fmt.Errorf("listening on %s: %w", s.server.Addr, err)
	}
	s.listener = ln

	go func() {
		var err error
		if s.cfg.TLS.Enabled {
			s.logger.Info("API server starting with TLS",
				"address", ln.Addr().String(),
				"cert", s.cfg.TLS.CertFile,
			)
			err = s.server.ServeTLS(ln, s.cfg.TLS.CertFile, s.cfg.TLS.KeyFile)
		} else {
			s.logger.Info("API server starting", "address", ln.Addr().String())
			err = s.server.Serve(ln)
		}
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.logger.Error("API server error", "error", err)
		}
	}()

	return nil
}

func (s *Server) goBackground(fn func()) {
	s.bg.Add(1)
	go func() {
		defer s.bg.Done()
		fn()
	}()
}

// Addr returns the bound listener address, or "" before Start.
func (s *Server) Addr() string {
	if s.listener == nil {
		return ""
	}
	return s.listener.Addr().String()
}

// Close gracefully shuts down the API server.
//
// It waits up to 10 seconds for in-flight requests to complete,
// then forcefully closes remaining connections.
func (s *Server) Close() error {
	if s.server == nil {
		return nil
	}

	if s.cancel != nil {
		s.cancel()
	}

	ctx, cancel := context.WithTimeout(context.Background(), gracefulShutdownTimeout)
	defer cancel()

	s.logger.Info("API server shutting down")
	err := s.server.Shutdown(ctx)
	s.bg.Wait()
	if err != nil {
		return fmt.Errorf("shutting down API server: %w", err)
	}
	return nil
}

// HealthCheck verifies the API server is running.
func (s *Server) HealthCheck(ctx context.Context) error {
	select {
	case <-ctx.Done():
		return fmt.Errorf("api health check: %w", ctx.Err())
	default:
	}

	if s.server == nil {
		return fmt.Errorf("api server not started")
	}
	return nil
}
