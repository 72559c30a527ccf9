// Package control provides a Unix socket control interface for a running
// relay.
package control

import (
	"context"
	"encoding/json"
	"net"
	"net/http"
	"os"
	"sync/atomic"
	"time"

	"github.com/postalsys/relaybridge/internal/session"
)

// RelayInfo provides relay state for the control interface.
type RelayInfo interface {
	// IsRunning returns true if the relay is accepting connections.
	IsRunning() bool

	// Uptime returns how long the relay has been up.
	Uptime() time.Duration

	// Sessions returns every registered session.
	Sessions() []session.Info

	// Pairings returns the pairing table.
	Pairings() []session.Pairing
}

// StatusResponse is the response for the status endpoint.
type StatusResponse struct {
	Running       bool   `json:"running"`
	Uptime        string `json:"uptime"`
	UptimeSeconds int64  `json:"uptime_seconds"`
	Requesters    int    `json:"requesters"`
	Agents        int    `json:"agents"`
	Waiting       int    `json:"waiting"`
	Pairings      int    `json:"pairings"`
}

// SessionsResponse is the response for the sessions endpoint.
type SessionsResponse struct {
	Sessions []session.Info    `json:"sessions"`
	Pairings []session.Pairing `json:"pairings"`
}

// ServerConfig contains control server configuration.
type ServerConfig struct {
	// SocketPath is the path to the Unix socket file.
	SocketPath string

	// ReadTimeout for HTTP reads.
	ReadTimeout time.Duration

	// WriteTimeout for HTTP writes.
	WriteTimeout time.Duration
}

// DefaultServerConfig returns sensible defaults.
func DefaultServerConfig() ServerConfig {
	return ServerConfig{
		SocketPath:   "./relaybridge.sock",
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 10 * time.Second,
	}
}

// Server is a Unix socket HTTP server for control commands.
type Server struct {
	cfg      ServerConfig
	relay    RelayInfo
	server   *http.Server
	listener net.Listener
	running  atomic.Bool
}

// NewServer creates a new control server.
func NewServer(cfg ServerConfig, relay RelayInfo) *Server {
	s := &Server{
		cfg:   cfg,
		relay: relay,
	}

	mux := http.NewServeMux()
	mux.HandleFunc("/status", s.handleStatus)
	mux.HandleFunc("/sessions", s.handleSessions)

	s.server = &http.Server{
		Handler:      mux,
		ReadTimeout:  cfg.ReadTimeout,
		WriteTimeout: cfg.WriteTimeout,
	}

	return s
}

// Start starts the control server.
func (s *Server) Start() error {
	// A stale socket from a crashed process blocks Listen.
	if err := os.Remove(s.cfg.SocketPath); err != nil && !os.IsNotExist(err) {
		return err
	}

	ln, err := net.Listen("unix", s.cfg.SocketPath)
	if err != nil {
		return err
	}
	s.listener = ln
	s.running.Store(true)

	go s.server.Serve(ln)

	return nil
}

// Stop stops the control server and removes the socket file.
func (s *Server) Stop() error {
	if !s.running.Swap(false) {
		return nil
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := s.server.Shutdown(ctx); err != nil {
		return err
	}

	if err := os.Remove(s.cfg.SocketPath); err != nil && !os.IsNotExist(err) {
		return err
	}

	return nil
}

// IsRunning returns true if the server is running.
func (s *Server) IsRunning() bool {
	return s.running.Load()
}

// SocketPath returns the socket path.
func (s *Server) SocketPath() string {
	return s.cfg.SocketPath
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}

	uptime := s.relay.Uptime()
	response := StatusResponse{
		Running:       s.relay.IsRunning(),
		Uptime:        uptime.Round(time.Second).String(),
		UptimeSeconds: int64(uptime.Seconds()),
		Pairings:      len(s.relay.Pairings()),
	}
	for _, info := range s.relay.Sessions() {
		if !info.Active {
			continue
		}
		switch info.Role {
		case session.RoleRequester.String():
			response.Requesters++
		case session.RoleAgent.String():
			response.Agents++
		}
		if info.PairedWith == "" {
			response.Waiting++
		}
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(response)
}

func (s *Server) handleSessions(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}

	response := SessionsResponse{
		Sessions: s.relay.Sessions(),
		Pairings: s.relay.Pairings(),
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(response)
}
