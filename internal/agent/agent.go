// Package agent implements Client B: the endpoint inside the private
// network that executes HTTP requests arriving through the relay.
package agent

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/time/rate"

	"github.com/postalsys/relaybridge/internal/logging"
	"github.com/postalsys/relaybridge/internal/metrics"
	"github.com/postalsys/relaybridge/internal/peer"
	"github.com/postalsys/relaybridge/internal/protocol"
	"github.com/postalsys/relaybridge/internal/recovery"
)

// UserAgent identifies agent connections to the relay.
const UserAgent = "RelayBridge-Agent/1.0"

// Config configures an Agent.
type Config struct {
	RelayURL  string
	Token     string
	TLSConfig *tls.Config

	PingInterval time.Duration
	Reconnect    peer.ReconnectConfig

	// MaxRequestsPerSecond limits request execution. Zero means unlimited.
	MaxRequestsPerSecond float64
	Burst                int

	Executor ExecutorConfig

	Logger  *slog.Logger
	Metrics *metrics.Metrics
}

// Agent holds a relay link and executes the requests it receives.
type Agent struct {
	cfg      Config
	link     *peer.Link
	executor *Executor
	limiter  *rate.Limiter
	logger   *slog.Logger
	metrics  *metrics.Metrics

	inflight sync.WaitGroup
	handled  atomic.Int64

	running  atomic.Bool
	cancel   context.CancelFunc
	done     chan struct{}
	stopOnce sync.Once
}

// New creates an agent. It does not connect until Start or Run.
func New(cfg Config) (*Agent, error) {
	if cfg.Logger == nil {
		cfg.Logger = logging.NopLogger()
	}
	if cfg.Metrics == nil {
		cfg.Metrics = metrics.Unregistered()
	}

	a := &Agent{
		cfg:      cfg,
		executor: NewExecutor(cfg.Executor),
		limiter:  rate.NewLimiter(rate.Inf, 0),
		logger:   logging.Component(cfg.Logger, "agent"),
		metrics:  cfg.Metrics,
		done:     make(chan struct{}),
	}
	if cfg.MaxRequestsPerSecond > 0 {
		burst := cfg.Burst
		if burst <= 0 {
			burst = 1
		}
		a.limiter = rate.NewLimiter(rate.Limit(cfg.MaxRequestsPerSecond), burst)
	}

	link, err := peer.NewLink(peer.LinkConfig{
		RelayURL:     cfg.RelayURL,
		Role:         peer.RoleAgent,
		Token:        cfg.Token,
		UserAgent:    UserAgent,
		TLSConfig:    cfg.TLSConfig,
		PingInterval: cfg.PingInterval,
		Reconnect:    cfg.Reconnect,
		Logger:       a.logger,
		OnConnect: func(reconnect bool) {
			if reconnect {
				a.metrics.RecordReconnect("agent")
			}
		},
	}, a.handleEnvelope)
	if err != nil {
		return nil, fmt.Errorf("relay link: %w", err)
	}
	a.link = link

	return a, nil
}

// Run connects to the relay and serves requests until ctx is cancelled or
// reconnection gives up. In-flight requests are drained before it returns.
func (a *Agent) Run(ctx context.Context) error {
	if !a.running.CompareAndSwap(false, true) {
		return errors.New("agent already running")
	}
	defer a.running.Store(false)

	a.logger.Info("starting agent", logging.KeyURL, a.link.URL())
	err := a.link.Run(ctx)
	a.inflight.Wait()
	a.logger.Info("agent stopped", logging.KeyCount, a.handled.Load())
	return err
}

// Start runs the agent in the background.
func (a *Agent) Start() error {
	if a.running.Load() {
		return errors.New("agent already running")
	}

	ctx, cancel := context.WithCancel(context.Background())
	a.cancel = cancel

	go func() {
		defer close(a.done)
		if err := a.Run(ctx); err != nil {
			a.logger.Error("agent exited", logging.KeyError, err)
		}
	}()
	return nil
}

// Stop stops an agent started with Start and waits for in-flight requests.
func (a *Agent) Stop() error {
	a.stopOnce.Do(func() {
		if a.cancel != nil {
			a.cancel()
			<-a.done
		}
	})
	return nil
}

// StopWithContext stops the agent, giving up when ctx expires.
func (a *Agent) StopWithContext(ctx context.Context) error {
	done := make(chan error, 1)
	go func() {
		done <- a.Stop()
	}()

	select {
	case err := <-done:
		return err
	case <-ctx.Done():
		return ctx.Err()
	}
}

// IsRunning returns true if the agent is running.
func (a *Agent) IsRunning() bool {
	return a.running.Load()
}

// IsConnected returns true while the relay connection is open.
func (a *Agent) IsConnected() bool {
	return a.link.IsConnected()
}

// Handled returns the number of requests answered.
func (a *Agent) Handled() int64 {
	return a.handled.Load()
}

func (a *Agent) handleEnvelope(ctx context.Context, env *protocol.Envelope) {
	if env.Type != protocol.TypeRequest {
		a.logger.Debug("ignoring envelope", logging.KeyMessageType, env.Type)
		return
	}

	a.inflight.Add(1)
	go func() {
		defer a.inflight.Done()
		defer recovery.RecoverWithLog(a.logger, "agent request")
		a.serveRequest(ctx, env)
	}()
}

func (a *Agent) serveRequest(ctx context.Context, req *protocol.Envelope) {
	if err := a.limiter.Wait(ctx); err != nil {
		return
	}

	start := time.Now()
	resp := a.executor.Execute(ctx, req)
	elapsed := time.Since(start)

	a.metrics.RecordAgentRequest(resp.Status(), elapsed.Seconds())
	a.logger.Debug("request executed",
		logging.KeyCorrelationID, req.CorrelationID,
		logging.KeyMethod, req.Method,
		logging.KeyURL, req.URL,
		logging.KeyStatusCode, resp.Status(),
		logging.KeyDuration, elapsed)

	if err := a.link.Send(ctx, resp); err != nil {
		a.logger.Warn("failed to send response",
			logging.KeyCorrelationID, req.CorrelationID,
			logging.KeyError, err)
		return
	}
	a.handled.Add(1)
}
