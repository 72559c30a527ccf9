// Package relay pairs requester and agent websocket clients and forwards
// envelopes between them.
package relay

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/postalsys/relaybridge/internal/auth"
	"github.com/postalsys/relaybridge/internal/logging"
	"github.com/postalsys/relaybridge/internal/metrics"
	"github.com/postalsys/relaybridge/internal/pairing"
	"github.com/postalsys/relaybridge/internal/session"
	"github.com/postalsys/relaybridge/internal/transport"
)

// Config configures a relay Server.
type Config struct {
	Address   string
	Path      string
	TLSConfig *tls.Config
	PlainText bool

	ReadLimit    int64
	WriteTimeout time.Duration

	// Validator checks client tokens. Required.
	Validator *auth.Validator

	// DefaultRole applies to clients that declare no role.
	DefaultRole session.Role

	Logger  *slog.Logger
	Metrics *metrics.Metrics
}

// Stats is a summary of the relay's state.
type Stats struct {
	Requesters  int   `json:"requesters"`
	Agents      int   `json:"agents"`
	Pairings    int   `json:"pairings"`
	Connections int64 `json:"connections"`
}

// Server owns the session registry and wires the transport listener to
// the lifecycle handler.
type Server struct {
	cfg      Config
	logger   *slog.Logger
	registry *session.Registry
	policy   *pairing.Policy
	router   *Router
	handler  *Handler
	listener *transport.Listener

	startTime time.Time
	running   atomic.Bool
	stopOnce  sync.Once
	stopErr   error
}

// New creates a relay server. It does not start listening.
func New(cfg Config) (*Server, error) {
	if cfg.Validator == nil {
		return nil, errors.New("relay: validator required")
	}
	if cfg.Metrics == nil {
		cfg.Metrics = metrics.Unregistered()
	}
	if cfg.DefaultRole == 0 {
		cfg.DefaultRole = session.RoleRequester
	}

	logger := logging.Component(cfg.Logger, "relay")
	registry := session.NewRegistry()
	policy := pairing.New(registry, cfg.Logger, cfg.Metrics)
	router := NewRouter(registry, cfg.Logger, cfg.Metrics)
	handler := NewHandler(cfg.Validator, policy, router, cfg.DefaultRole, cfg.Logger, cfg.Metrics)

	listener, err := transport.NewListener(transport.ListenerConfig{
		Address:      cfg.Address,
		Path:         cfg.Path,
		TLSConfig:    cfg.TLSConfig,
		PlainText:    cfg.PlainText,
		ReadLimit:    cfg.ReadLimit,
		WriteTimeout: cfg.WriteTimeout,
		Logger:       cfg.Logger,
		OnError: func(err error) {
			logger.Error("listener failed", logging.KeyError, err)
		},
	}, handler.ServeConn)
	if err != nil {
		return nil, fmt.Errorf("create listener: %w", err)
	}

	logger.Warn("clients without a declared role will be treated as "+cfg.DefaultRole.String(),
		"setting", "pairing.default_role")

	return &Server{
		cfg:       cfg,
		logger:    logger,
		registry:  registry,
		policy:    policy,
		router:    router,
		handler:   handler,
		listener:  listener,
		startTime: time.Now(),
	}, nil
}

// Start begins accepting connections.
func (s *Server) Start() error {
	if s.running.Swap(true) {
		return errors.New("relay already running")
	}
	if err := s.listener.Start(); err != nil {
		s.running.Store(false)
		return err
	}
	return nil
}

// Stop closes every connection with "going away" and stops the listener.
// It is safe to call more than once.
func (s *Server) Stop(ctx context.Context) error {
	s.stopOnce.Do(func() {
		s.logger.Info("stopping relay", "sessions", len(s.registry.Snapshot()))
		s.stopErr = s.listener.Stop(ctx)
		s.running.Store(false)
	})
	return s.stopErr
}

// Handler returns the websocket endpoint as an http.Handler, for mounting
// in another server.
func (s *Server) Handler() http.Handler {
	return s.listener
}

// Addr returns the bound listener address, or nil before Start.
func (s *Server) Addr() net.Addr {
	return s.listener.Addr()
}

// Registry returns the session registry.
func (s *Server) Registry() *session.Registry {
	return s.registry
}

// IsRunning reports whether Start succeeded and Stop has not been called.
func (s *Server) IsRunning() bool {
	return s.running.Load()
}

// Uptime returns the time since the server was created.
func (s *Server) Uptime() time.Duration {
	return time.Since(s.startTime)
}

// Stats returns current session and pairing counts.
func (s *Server) Stats() Stats {
	return Stats{
		Requesters:  s.registry.ActiveCount(session.RoleRequester),
		Agents:      s.registry.ActiveCount(session.RoleAgent),
		Pairings:    s.registry.PairingCount(),
		Connections: s.listener.ConnectionCount(),
	}
}

// Sessions returns a snapshot of every registered session.
func (s *Server) Sessions() []session.Info {
	return s.registry.Snapshot()
}

// Pairings returns the current pairing table.
func (s *Server) Pairings() []session.Pairing {
	return s.registry.Pairings()
}
