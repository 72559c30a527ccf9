// Package peer maintains an endpoint's connection to the relay.
//
// A Link dials the relay with its role in the query and its token as a
// bearer credential, keeps the connection alive with pings, answers the
// relay's pings, and redials with exponential backoff whenever the
// connection drops.
package peer

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"sync"
	"sync/atomic"
	"time"

	"github.com/postalsys/relaybridge/internal/logging"
	"github.com/postalsys/relaybridge/internal/protocol"
	"github.com/postalsys/relaybridge/internal/recovery"
	"github.com/postalsys/relaybridge/internal/transport"
)

// Role query values understood by the relay.
const (
	RoleRequester = "A"
	RoleAgent     = "B"
)

// pongTimeoutPings is how many ping intervals may pass without a Pong
// before the connection is considered dead.
const pongTimeoutPings = 3

// ErrNotConnected is returned by Send while no relay connection is up.
var ErrNotConnected = errors.New("not connected to relay")

// HandlerFunc receives every non-keepalive envelope from the relay. It runs on
// the read loop and must not block.
type HandlerFunc func(ctx context.Context, env *protocol.Envelope)

// LinkConfig configures a Link.
type LinkConfig struct {
	// RelayURL is the relay endpoint (ws, wss, http or https). When the
	// URL has no path, transport.DefaultPath is used.
	RelayURL string

	// Role is RoleRequester or RoleAgent.
	Role string

	Token     string
	UserAgent string
	TLSConfig *tls.Config

	DialTimeout  time.Duration
	PingInterval time.Duration
	ReadLimit    int64

	Reconnect ReconnectConfig
	Logger    *slog.Logger

	// OnConnect runs after each successful dial. reconnect is false for the
	// first connection.
	OnConnect func(reconnect bool)

	// OnDisconnect runs after a connection is lost.
	OnDisconnect func(err error)
}

// Link is a self-healing connection to the relay.
type Link struct {
	cfg     LinkConfig
	url     string
	handler HandlerFunc
	logger  *slog.Logger

	mu   sync.RWMutex
	conn transport.Conn

	connects atomic.Int64
	lastPong atomic.Int64
}

// NewLink validates the configuration and builds the dial URL.
func NewLink(cfg LinkConfig, handler HandlerFunc) (*Link, error) {
	if handler == nil {
		return nil, errors.New("handler is required")
	}
	if cfg.Role != RoleRequester && cfg.Role != RoleAgent {
		return nil, fmt.Errorf("invalid role %q", cfg.Role)
	}
	if cfg.Token == "" {
		return nil, errors.New("token is required")
	}

	u, err := url.Parse(cfg.RelayURL)
	if err != nil {
		return nil, fmt.Errorf("invalid relay URL: %w", err)
	}
	switch u.Scheme {
	case "ws", "wss", "http", "https":
	default:
		return nil, fmt.Errorf("unsupported relay URL scheme %q", u.Scheme)
	}
	if u.Host == "" {
		return nil, errors.New("relay URL has no host")
	}
	if u.Path == "" || u.Path == "/" {
		u.Path = transport.DefaultPath
	}
	q := u.Query()
	q.Set("type", cfg.Role)
	u.RawQuery = q.Encode()

	if cfg.DialTimeout <= 0 {
		cfg.DialTimeout = 10 * time.Second
	}
	if cfg.Logger == nil {
		cfg.Logger = logging.NopLogger()
	}

	return &Link{
		cfg:     cfg,
		url:     u.String(),
		handler: handler,
		logger:  cfg.Logger,
	}, nil
}

// Run keeps the link connected until ctx is cancelled. It returns nil on
// cancellation and an error only when the reconnect budget is exhausted.
func (l *Link) Run(ctx context.Context) error {
	backoff := NewBackoff(l.cfg.Reconnect)

	for {
		err := l.serve(ctx, backoff)
		if ctx.Err() != nil {
			return nil
		}

		delay, ok := backoff.Next()
		if !ok {
			return fmt.Errorf("giving up after %d attempts: %w", backoff.Attempts(), err)
		}
		l.logger.Warn("relay connection lost, reconnecting",
			logging.KeyError, err,
			logging.KeyAttempt, backoff.Attempts(),
			logging.KeyDuration, delay)

		select {
		case <-ctx.Done():
			return nil
		case <-time.After(delay):
		}
	}
}

// serve dials once and reads until the connection ends.
func (l *Link) serve(ctx context.Context, backoff *Backoff) error {
	header := http.Header{}
	header.Set("Authorization", "Bearer "+l.cfg.Token)
	if l.cfg.UserAgent != "" {
		header.Set("User-Agent", l.cfg.UserAgent)
	}

	conn, err := transport.Dial(ctx, l.url, transport.DialOptions{
		Header:    header,
		TLSConfig: l.cfg.TLSConfig,
		Timeout:   l.cfg.DialTimeout,
		ReadLimit: l.cfg.ReadLimit,
	})
	if err != nil {
		return err
	}
	backoff.Reset()

	l.setConn(conn)
	n := l.connects.Add(1)
	l.logger.Info("connected to relay", logging.KeyConnID, conn.ID(), logging.KeyRole, l.cfg.Role)
	if l.cfg.OnConnect != nil {
		l.cfg.OnConnect(n > 1)
	}

	connCtx, cancel := context.WithCancel(ctx)
	var wg sync.WaitGroup
	if l.cfg.PingInterval > 0 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			l.pingLoop(connCtx, conn, time.Now())
		}()
	}

	err = l.readLoop(connCtx, conn)

	cancel()
	wg.Wait()
	l.setConn(nil)
	conn.Close(transport.CloseNormal, "client closing")

	if ctx.Err() == nil && l.cfg.OnDisconnect != nil {
		l.cfg.OnDisconnect(err)
	}
	return err
}

func (l *Link) readLoop(ctx context.Context, conn transport.Conn) error {
	for {
		raw, err := conn.Receive(ctx)
		if err != nil {
			return err
		}

		env, err := protocol.Parse(raw)
		if err != nil {
			if !errors.Is(err, protocol.ErrEmptyMessage) {
				l.logger.Debug("ignoring unparseable message", logging.KeyError, err)
			}
			continue
		}

		switch env.Type {
		case protocol.TypePing:
			if err := l.sendOn(ctx, conn, protocol.NewPong()); err != nil {
				l.logger.Debug("failed to answer ping", logging.KeyError, err)
			}
		case protocol.TypePong:
			l.lastPong.Store(time.Now().UnixNano())
		default:
			recovery.Guard(l.logger, "envelope handler", func() {
				l.handler(ctx, env)
			})
		}
	}
}

// pingLoop pings the relay every PingInterval and closes conn once the
// relay has not answered for pongTimeoutPings intervals.
func (l *Link) pingLoop(ctx context.Context, conn transport.Conn, connectedAt time.Time) {
	ticker := time.NewTicker(l.cfg.PingInterval)
	defer ticker.Stop()

	timeout := pongTimeoutPings * l.cfg.PingInterval
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			last := l.LastPong()
			if last.Before(connectedAt) {
				last = connectedAt
			}
			if silent := time.Since(last); silent > timeout {
				l.logger.Warn("relay stopped answering pings, dropping connection",
					logging.KeyConnID, conn.ID(),
					logging.KeyDuration, silent)
				conn.Close(transport.CloseGoingAway, "ping timeout")
				return
			}
			if err := l.sendOn(ctx, conn, protocol.NewPing()); err != nil {
				l.logger.Debug("ping failed", logging.KeyError, err)
			}
		}
	}
}

// Send writes an envelope on the current connection.
func (l *Link) Send(ctx context.Context, env *protocol.Envelope) error {
	l.mu.RLock()
	conn := l.conn
	l.mu.RUnlock()

	if conn == nil || !conn.IsOpen() {
		return ErrNotConnected
	}
	return l.sendOn(ctx, conn, env)
}

func (l *Link) sendOn(ctx context.Context, conn transport.Conn, env *protocol.Envelope) error {
	text, err := env.Marshal()
	if err != nil {
		return err
	}
	return conn.Send(ctx, text)
}

func (l *Link) setConn(conn transport.Conn) {
	l.mu.Lock()
	l.conn = conn
	l.mu.Unlock()
}

// IsConnected reports whether a relay connection is currently open.
func (l *Link) IsConnected() bool {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.conn != nil && l.conn.IsOpen()
}

// LastPong returns when the relay last answered a ping, or the zero time.
func (l *Link) LastPong() time.Time {
	ns := l.lastPong.Load()
	if ns == 0 {
		return time.Time{}
	}
	return time.Unix(0, ns)
}

// URL returns the dial URL. The token is not part of it.
func (l *Link) URL() string {
	return l.url
}
