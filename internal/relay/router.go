package relay

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/postalsys/relaybridge/internal/logging"
	"github.com/postalsys/relaybridge/internal/metrics"
	"github.com/postalsys/relaybridge/internal/pairing"
	"github.com/postalsys/relaybridge/internal/protocol"
	"github.com/postalsys/relaybridge/internal/session"
	"github.com/postalsys/relaybridge/internal/transport"
)

// Reasons carried by a failed SendResult.
const (
	ReasonNoPeer     = "no peer"
	ReasonPeerClosed = "peer closed"
	ReasonEncode     = "encode failed"
	ReasonClosed     = "connection closed"
	ReasonTransport  = "transport error"
)

// SendResult is the outcome of delivering one envelope.
type SendResult struct {
	Sent   bool
	Reason string
}

func sent() SendResult { return SendResult{Sent: true} }

func failed(reason string) SendResult { return SendResult{Reason: reason} }

// Router forwards envelopes between paired sessions. It never blocks on
// a reply: each call sends at most two messages and returns.
type Router struct {
	registry *session.Registry
	logger   *slog.Logger
	metrics  *metrics.Metrics
}

// NewRouter creates a router over registry.
func NewRouter(registry *session.Registry, logger *slog.Logger, m *metrics.Metrics) *Router {
	if m == nil {
		m = metrics.Unregistered()
	}
	return &Router{
		registry: registry,
		logger:   logging.Component(logger, "router"),
		metrics:  m,
	}
}

// RouteRequest forwards a Request from a requester to its paired agent.
// When there is no live agent, or the send fails, the requester receives
// a 503 Response carrying the request's correlation id instead.
func (r *Router) RouteRequest(ctx context.Context, requester *session.Session, env *protocol.Envelope) SendResult {
	agent := r.registry.PairedAgentFor(requester.ID())
	if agent == nil {
		r.logger.Debug("no agent paired with requester",
			logging.KeyConnID, requester.ID(),
			logging.KeyError, pairing.ErrNoPeer)
		r.replyUnavailable(ctx, requester, env.CorrelationID)
		return failed(ReasonNoPeer)
	}
	if !agent.IsActive() {
		r.replyUnavailable(ctx, requester, env.CorrelationID)
		return failed(ReasonPeerClosed)
	}

	if env.CorrelationID == "" {
		env = env.WithCorrelationID(protocol.NewCorrelationID())
	}

	res := r.send(ctx, agent, env)
	if !res.Sent {
		r.logger.Warn("failed to forward request to agent",
			logging.KeyConnID, requester.ID(),
			logging.KeyPeerID, agent.ID(),
			logging.KeyCorrelationID, env.CorrelationID,
			"reason", res.Reason)
		r.replyUnavailable(ctx, requester, env.CorrelationID)
		return res
	}

	r.logger.Debug("request forwarded",
		logging.KeyConnID, requester.ID(),
		logging.KeyPeerID, agent.ID(),
		logging.KeyCorrelationID, env.CorrelationID,
		logging.KeyMethod, env.Method,
		logging.KeyURL, env.URL)
	return res
}

// RouteResponse forwards a Response from an agent to its paired requester.
// Responses with nowhere to go are dropped.
func (r *Router) RouteResponse(ctx context.Context, agent *session.Session, env *protocol.Envelope) SendResult {
	requester := r.registry.PairedRequesterFor(agent.ID())
	if requester == nil || !requester.IsActive() {
		reason := ReasonNoPeer
		if requester != nil {
			reason = ReasonPeerClosed
		}
		r.metrics.RecordDropped("no_requester")
		r.logger.Warn("dropping response, no requester paired",
			logging.KeyConnID, agent.ID(),
			logging.KeyCorrelationID, env.CorrelationID)
		return failed(reason)
	}

	res := r.send(ctx, requester, env)
	if !res.Sent {
		r.logger.Warn("failed to forward response to requester",
			logging.KeyConnID, agent.ID(),
			logging.KeyPeerID, requester.ID(),
			logging.KeyCorrelationID, env.CorrelationID,
			"reason", res.Reason)
		return res
	}

	r.logger.Debug("response forwarded",
		logging.KeyConnID, agent.ID(),
		logging.KeyPeerID, requester.ID(),
		logging.KeyCorrelationID, env.CorrelationID,
		logging.KeyStatusCode, env.Status())
	return res
}

// RoutePing answers a Ping on the connection it arrived on.
func (r *Router) RoutePing(ctx context.Context, s *session.Session) SendResult {
	return r.send(ctx, s, protocol.NewPong())
}

func (r *Router) replyUnavailable(ctx context.Context, requester *session.Session, correlationID string) {
	resp := protocol.NewErrorResponse(correlationID, protocol.StatusAgentUnavailable, protocol.ErrorNoAgent)
	r.metrics.RecordErrorResponse()
	if res := r.send(ctx, requester, resp); !res.Sent {
		r.logger.Debug("could not deliver error response",
			logging.KeyConnID, requester.ID(),
			"reason", res.Reason)
	}
}

func (r *Router) send(ctx context.Context, to *session.Session, env *protocol.Envelope) SendResult {
	text, err := env.Marshal()
	if err != nil {
		return failed(ReasonEncode)
	}

	start := time.Now()
	if err := to.Conn.Send(ctx, text); err != nil {
		r.metrics.RecordSendFailure(to.Role.String())
		if errors.Is(err, transport.ErrClosed) {
			return failed(ReasonClosed)
		}
		return failed(ReasonTransport + ": " + err.Error())
	}
	r.metrics.RecordRouted(env.Type.String(), time.Since(start).Seconds())
	return sent()
}
