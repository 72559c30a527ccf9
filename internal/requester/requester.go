// Package requester implements Client A: a local HTTP proxy that forwards
// each request through the relay to the paired agent and waits for the
// matching response.
package requester

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/postalsys/relaybridge/internal/logging"
	"github.com/postalsys/relaybridge/internal/metrics"
	"github.com/postalsys/relaybridge/internal/peer"
	"github.com/postalsys/relaybridge/internal/protocol"
)

// Defaults.
const (
	DefaultListen          = "127.0.0.1:8088"
	DefaultResponseTimeout = 30 * time.Second
	DefaultMaxBodySize     = 10 << 20
)

// TargetHeader names the upstream base URL for clients that cannot send
// absolute-form proxy requests.
const TargetHeader = "X-Relay-Target"

// Proxy outcomes recorded in metrics.
const (
	OutcomeOK           = "ok"
	OutcomeUnavailable  = "unavailable"
	OutcomeTimeout      = "timeout"
	OutcomeDisconnected = "disconnected"
	OutcomeRejected     = "rejected"
	OutcomeCanceled     = "canceled"
)

var errRelayLost = errors.New("relay connection lost")

// hopHeaders are not forwarded in either direction.
var hopHeaders = map[string]bool{
	"Connection":          true,
	"Proxy-Connection":    true,
	"Proxy-Authorization": true,
	"Keep-Alive":          true,
	"Te":                  true,
	"Trailer":             true,
	"Transfer-Encoding":   true,
	"Upgrade":             true,
	"Content-Length":      true,
	TargetHeader:          true,
}

// Config configures a Proxy.
type Config struct {
	RelayURL  string
	Token     string
	TLSConfig *tls.Config

	Listen          string
	ResponseTimeout time.Duration
	MaxBodySize     int64

	PingInterval time.Duration
	Reconnect    peer.ReconnectConfig

	Logger  *slog.Logger
	Metrics *metrics.Metrics
}

// result is delivered to a waiting HTTP handler.
type result struct {
	env *protocol.Envelope
	err error
}

// Proxy is the requester's local HTTP proxy.
type Proxy struct {
	cfg     Config
	link    *peer.Link
	logger  *slog.Logger
	metrics *metrics.Metrics

	mu      sync.Mutex
	pending map[string]chan result

	server   *http.Server
	listener net.Listener
	running  atomic.Bool
	cancel   context.CancelFunc
	linkDone chan struct{}
	stopOnce sync.Once
}

// New creates a proxy. Nothing is bound or dialled until Start.
func New(cfg Config) (*Proxy, error) {
	if cfg.Listen == "" {
		cfg.Listen = DefaultListen
	}
	if cfg.ResponseTimeout <= 0 {
		cfg.ResponseTimeout = DefaultResponseTimeout
	}
	if cfg.MaxBodySize <= 0 {
		cfg.MaxBodySize = DefaultMaxBodySize
	}
	if cfg.Logger == nil {
		cfg.Logger = logging.NopLogger()
	}
	if cfg.Metrics == nil {
		cfg.Metrics = metrics.Unregistered()
	}

	p := &Proxy{
		cfg:      cfg,
		logger:   logging.Component(cfg.Logger, "requester"),
		metrics:  cfg.Metrics,
		pending:  make(map[string]chan result),
		linkDone: make(chan struct{}),
	}

	link, err := peer.NewLink(peer.LinkConfig{
		RelayURL:     cfg.RelayURL,
		Role:         peer.RoleRequester,
		Token:        cfg.Token,
		TLSConfig:    cfg.TLSConfig,
		PingInterval: cfg.PingInterval,
		Reconnect:    cfg.Reconnect,
		Logger:       p.logger,
		OnConnect: func(reconnect bool) {
			if reconnect {
				p.metrics.RecordReconnect("requester")
			}
		},
		OnDisconnect: func(error) { p.failPending(errRelayLost) },
	}, p.handleEnvelope)
	if err != nil {
		return nil, fmt.Errorf("relay link: %w", err)
	}
	p.link = link

	p.server = &http.Server{
		Handler:           p,
		ReadHeaderTimeout: 10 * time.Second,
	}

	return p, nil
}

// Start binds the local listener and connects to the relay in the
// background.
func (p *Proxy) Start() error {
	if p.running.Load() {
		return errors.New("proxy already running")
	}

	ln, err := net.Listen("tcp", p.cfg.Listen)
	if err != nil {
		return fmt.Errorf("listen %s: %w", p.cfg.Listen, err)
	}
	p.listener = ln
	p.running.Store(true)

	go func() {
		if err := p.server.Serve(ln); err != nil && err != http.ErrServerClosed {
			p.logger.Error("proxy server error", logging.KeyError, err)
		}
	}()

	ctx, cancel := context.WithCancel(context.Background())
	p.cancel = cancel
	go func() {
		defer close(p.linkDone)
		if err := p.link.Run(ctx); err != nil {
			p.logger.Error("relay link exited", logging.KeyError, err)
		}
	}()

	p.logger.Info("requester proxy started",
		logging.KeyAddress, ln.Addr().String(),
		logging.KeyURL, p.link.URL())
	return nil
}

// Stop closes the listener, fails pending requests and disconnects.
func (p *Proxy) Stop(ctx context.Context) error {
	var err error
	p.stopOnce.Do(func() {
		p.running.Store(false)
		if p.listener != nil {
			err = p.server.Shutdown(ctx)
		}
		if p.cancel != nil {
			p.cancel()
			<-p.linkDone
		}
		p.failPending(errRelayLost)
	})
	return err
}

// Addr returns the bound proxy address, or nil before Start.
func (p *Proxy) Addr() net.Addr {
	if p.listener == nil {
		return nil
	}
	return p.listener.Addr()
}

// IsRunning returns true between Start and Stop.
func (p *Proxy) IsRunning() bool {
	return p.running.Load()
}

// IsConnected returns true while the relay connection is open.
func (p *Proxy) IsConnected() bool {
	return p.link.IsConnected()
}

// Pending returns the number of requests awaiting a response.
func (p *Proxy) Pending() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.pending)
}

// ServeHTTP forwards one proxied request through the relay.
func (p *Proxy) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	start := time.Now()

	if r.Method == http.MethodConnect {
		p.finish(OutcomeRejected, start)
		http.Error(w, "CONNECT tunneling is not supported", http.StatusNotImplemented)
		return
	}

	target, ok := targetURL(r)
	if !ok {
		p.finish(OutcomeRejected, start)
		http.Error(w, "request must use an absolute URL or set "+TargetHeader, http.StatusBadRequest)
		return
	}

	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, p.cfg.MaxBodySize))
	if err != nil {
		p.finish(OutcomeRejected, start)
		http.Error(w, "request body too large", http.StatusRequestEntityTooLarge)
		return
	}

	id := protocol.NewCorrelationID()
	req := protocol.NewRequest(id, r.Method, target, flattenHeaders(r.Header), string(body))

	ch := p.register(id)
	defer p.unregister(id)

	if err := p.link.Send(r.Context(), req); err != nil {
		p.finish(OutcomeDisconnected, start)
		http.Error(w, "relay not connected", http.StatusBadGateway)
		return
	}

	timer := time.NewTimer(p.cfg.ResponseTimeout)
	defer timer.Stop()

	select {
	case res := <-ch:
		if res.err != nil {
			p.finish(OutcomeDisconnected, start)
			http.Error(w, res.err.Error(), http.StatusBadGateway)
			return
		}
		p.writeResponse(w, res.env, start)
	case <-timer.C:
		p.finish(OutcomeTimeout, start)
		p.logger.Warn("response timeout",
			logging.KeyCorrelationID, id,
			logging.KeyURL, target,
			logging.KeyDuration, p.cfg.ResponseTimeout)
		http.Error(w, "no response from agent", http.StatusGatewayTimeout)
	case <-r.Context().Done():
		p.finish(OutcomeCanceled, start)
	}
}

func (p *Proxy) writeResponse(w http.ResponseWriter, env *protocol.Envelope, start time.Time) {
	status := env.Status()
	if status < 100 || status > 999 {
		status = http.StatusBadGateway
	}

	outcome := OutcomeOK
	if status == protocol.StatusAgentUnavailable && env.Error != "" {
		outcome = OutcomeUnavailable
	}
	p.finish(outcome, start)

	for name, value := range env.Headers {
		if hopHeaders[http.CanonicalHeaderKey(name)] {
			continue
		}
		w.Header().Set(name, value)
	}

	body := env.Body
	if body == "" && env.Error != "" {
		w.Header().Set("Content-Type", "text/plain; charset=utf-8")
		body = env.Error + "\n"
	}

	w.WriteHeader(status)
	io.WriteString(w, body)
}

func (p *Proxy) finish(outcome string, start time.Time) {
	p.metrics.RecordProxyRequest(outcome, time.Since(start).Seconds())
}

func (p *Proxy) handleEnvelope(_ context.Context, env *protocol.Envelope) {
	if env.Type != protocol.TypeResponse {
		p.logger.Debug("ignoring envelope", logging.KeyMessageType, env.Type)
		return
	}

	p.mu.Lock()
	ch, ok := p.pending[env.CorrelationID]
	if ok {
		delete(p.pending, env.CorrelationID)
	}
	p.mu.Unlock()

	if !ok {
		p.logger.Debug("response for unknown request", logging.KeyCorrelationID, env.CorrelationID)
		return
	}
	ch <- result{env: env}
}

func (p *Proxy) register(id string) chan result {
	ch := make(chan result, 1)
	p.mu.Lock()
	p.pending[id] = ch
	p.mu.Unlock()
	return ch
}

func (p *Proxy) unregister(id string) {
	p.mu.Lock()
	delete(p.pending, id)
	p.mu.Unlock()
}

// failPending wakes every waiting request with err.
func (p *Proxy) failPending(err error) {
	p.mu.Lock()
	pending := p.pending
	p.pending = make(map[string]chan result)
	p.mu.Unlock()

	for _, ch := range pending {
		ch <- result{err: err}
	}
}

// targetURL resolves the upstream URL of a proxied request.
func targetURL(r *http.Request) (string, bool) {
	if r.URL.IsAbs() {
		return r.URL.String(), true
	}
	base := r.Header.Get(TargetHeader)
	if base == "" {
		return "", false
	}
	if !strings.HasPrefix(base, "http://") && !strings.HasPrefix(base, "https://") {
		return "", false
	}
	return strings.TrimRight(base, "/") + r.URL.RequestURI(), true
}

func flattenHeaders(h http.Header) map[string]string {
	out := make(map[string]string, len(h))
	for name, values := range h {
		if hopHeaders[name] {
			continue
		}
		out[name] = strings.Join(values, ", ")
	}
	return out
}
