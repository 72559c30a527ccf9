package transport

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

	"github.com/postalsys/relaybridge/internal/logging"
	"nhooyr.io/websocket"
)

// ConnHandler serves one accepted connection. It must block until the
// connection is finished; the connection is closed when it returns.
type ConnHandler func(ctx context.Context, conn Conn)

// ListenerConfig configures a websocket Listener.
type ListenerConfig struct {
	// Address to listen on, e.g. "0.0.0.0:8443".
	Address string

	// Path for the websocket upgrade (default "/relay").
	Path string

	// TLSConfig for TLS termination (nil requires PlainText).
	TLSConfig *tls.Config

	// PlainText allows serving without TLS behind a reverse proxy.
	PlainText bool

	ReadLimit    int64
	WriteTimeout time.Duration

	// OnError is called when the HTTP server fails after starting.
	OnError func(err error)

	Logger *slog.Logger
}

// Listener accepts websocket connections and hands each to a ConnHandler.
// It also implements http.Handler so it can be mounted in a test server.
type Listener struct {
	cfg     ListenerConfig
	handler ConnHandler
	logger  *slog.Logger
	server  *http.Server
	addr    net.Addr

	tracker *connTracker

	// baseCtx outlives individual HTTP requests and is cancelled on Stop.
	baseCtx    context.Context
	baseCancel context.CancelFunc

	running atomic.Bool
	closing atomic.Bool
	wg      sync.WaitGroup
}

// NewListener creates a listener.
func NewListener(cfg ListenerConfig, handler ConnHandler) (*Listener, error) {
	if handler == nil {
		return nil, errors.New("connection handler required")
	}
	if cfg.TLSConfig == nil && !cfg.PlainText {
		return nil, fmt.Errorf("TLS config required (use PlainText: true for reverse proxy mode)")
	}
	if cfg.Path == "" {
		cfg.Path = DefaultPath
	}

	ctx, cancel := context.WithCancel(context.Background())
	return &Listener{
		cfg:        cfg,
		handler:    handler,
		logger:     logging.Component(cfg.Logger, "transport"),
		tracker:    newConnTracker(),
		baseCtx:    ctx,
		baseCancel: cancel,
	}, nil
}

// Start binds the address and serves in the background.
func (l *Listener) Start() error {
	if l.running.Load() {
		return fmt.Errorf("listener already running")
	}

	mux := http.NewServeMux()
	mux.Handle(l.cfg.Path, l)

	l.server = &http.Server{
		Addr:              l.cfg.Address,
		Handler:           mux,
		TLSConfig:         l.cfg.TLSConfig,
		ReadHeaderTimeout: 10 * time.Second,
	}

	ln, err := net.Listen("tcp", l.cfg.Address)
	if err != nil {
		return fmt.Errorf("listen: %w", err)
	}

	l.addr = ln.Addr()
	l.running.Store(true)

	l.wg.Add(1)
	go func() {
		defer l.wg.Done()

		var serveErr error
		if l.cfg.TLSConfig != nil {
			serveErr = l.server.ServeTLS(ln, "", "")
		} else {
			serveErr = l.server.Serve(ln)
		}

		if serveErr != nil && !errors.Is(serveErr, http.ErrServerClosed) {
			if l.cfg.OnError != nil {
				l.cfg.OnError(serveErr)
			}
		}
	}()

	l.logger.Info("websocket listener started",
		logging.KeyAddress, l.addr.String(),
		"path", l.cfg.Path,
		"tls", l.cfg.TLSConfig != nil)
	return nil
}

// Stop closes every live connection with "going away" and shuts the
// HTTP server down within ctx.
func (l *Listener) Stop(ctx context.Context) error {
	if l.closing.Swap(true) {
		return nil
	}

	l.tracker.closeAll(CloseGoingAway, "server shutting down")
	l.baseCancel()

	var err error
	if l.running.Swap(false) && l.server != nil {
		err = l.server.Shutdown(ctx)
		l.wg.Wait()
	}
	return err
}

// Addr returns the bound address, or nil before Start.
func (l *Listener) Addr() net.Addr {
	return l.addr
}

// ConnectionCount returns the number of live connections.
func (l *Listener) ConnectionCount() int64 {
	return l.tracker.count()
}

// ServeHTTP upgrades the request and runs the ConnHandler until the
// connection ends.
func (l *Listener) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if l.closing.Load() {
		http.Error(w, "server closed", http.StatusServiceUnavailable)
		return
	}

	ws, err := websocket.Accept(w, r, &websocket.AcceptOptions{
		InsecureSkipVerify: true,
	})
	if err != nil {
		l.logger.Debug("websocket accept failed",
			logging.KeyRemoteAddr, r.RemoteAddr,
			logging.KeyError, err)
		return
	}

	conn := newWSConn(ws, r, l.cfg.ReadLimit, l.cfg.WriteTimeout)
	l.tracker.add(conn)
	defer func() {
		l.tracker.remove(conn)
		conn.Close(CloseNormal, "")
	}()

	l.handler(l.baseCtx, conn)
}
