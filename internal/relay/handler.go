package relay

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"

	"github.com/postalsys/relaybridge/internal/auth"
	"github.com/postalsys/relaybridge/internal/logging"
	"github.com/postalsys/relaybridge/internal/metrics"
	"github.com/postalsys/relaybridge/internal/pairing"
	"github.com/postalsys/relaybridge/internal/protocol"
	"github.com/postalsys/relaybridge/internal/recovery"
	"github.com/postalsys/relaybridge/internal/session"
	"github.com/postalsys/relaybridge/internal/transport"
)

// ConnState is the lifecycle state of one connection.
type ConnState int

// Connection states, in the order a connection passes through them.
const (
	StateConnecting ConnState = iota
	StateAdmitted
	StateActive
	StateClosed
)

func (s ConnState) String() string {
	switch s {
	case StateConnecting:
		return "connecting"
	case StateAdmitted:
		return "admitted"
	case StateActive:
		return "active"
	case StateClosed:
		return "closed"
	default:
		return fmt.Sprintf("ConnState(%d)", int(s))
	}
}

// Close reasons sent to clients.
const (
	reasonInvalidToken = "invalid token"
	reasonAdmitFailed  = "admission failed"
)

// envelopeRouter is the subset of Router the handler dispatches to.
type envelopeRouter interface {
	RouteRequest(ctx context.Context, requester *session.Session, env *protocol.Envelope) SendResult
	RouteResponse(ctx context.Context, agent *session.Session, env *protocol.Envelope) SendResult
	RoutePing(ctx context.Context, s *session.Session) SendResult
}

// Handler runs the lifecycle of each relay connection: role
// identification, authentication, admission, the read loop and release.
type Handler struct {
	validator   *auth.Validator
	policy      *pairing.Policy
	router      envelopeRouter
	defaultRole session.Role
	logger      *slog.Logger
	metrics     *metrics.Metrics
}

// NewHandler creates a connection handler.
func NewHandler(validator *auth.Validator, policy *pairing.Policy, router envelopeRouter,
	defaultRole session.Role, logger *slog.Logger, m *metrics.Metrics) *Handler {
	if m == nil {
		m = metrics.Unregistered()
	}
	if defaultRole == 0 {
		defaultRole = session.RoleRequester
	}
	return &Handler{
		validator:   validator,
		policy:      policy,
		router:      router,
		defaultRole: defaultRole,
		logger:      logging.Component(logger, "handler"),
		metrics:     m,
	}
}

// ServeConn handles conn until it closes. It satisfies transport.ConnHandler.
func (h *Handler) ServeConn(ctx context.Context, conn transport.Conn) {
	log := h.logger.With(
		logging.KeyConnID, conn.ID(),
		logging.KeyRemoteAddr, conn.RemoteAddr())
	defer recovery.RecoverWithLog(log, "connection handler")

	state := StateConnecting
	log.Debug("connection opened", logging.KeyState, state.String())

	role, defaulted := h.identifyRole(conn)
	if defaulted {
		log.Warn("client did not declare a role, using default",
			logging.KeyRole, role.String())
	}
	log = log.With(logging.KeyRole, role.String())

	token, _ := auth.TokenFrom(conn.RawQuery(), conn.Header("Authorization"))
	if !h.validator.Validate(token) {
		h.metrics.RecordAuthFailure()
		conn.Close(transport.ClosePolicyViolation, reasonInvalidToken)
		log.Warn("rejected connection with invalid token",
			logging.KeyState, StateClosed.String())
		return
	}

	s := session.New(conn, role, token)
	state = h.transition(log, state, StateAdmitted)

	peer, err := h.policy.Admit(s)
	if err != nil {
		conn.Close(transport.CloseInternalError, reasonAdmitFailed)
		log.Error("admission failed", logging.KeyError, err)
		return
	}
	h.metrics.RecordSessionOpen(role.String())

	var releaseOnce sync.Once
	release := func() {
		releaseOnce.Do(func() {
			h.policy.Release(s.ID())
			h.metrics.RecordSessionClose(role.String())
		})
	}
	defer func() {
		release()
		h.transition(log, StateActive, StateClosed)
	}()

	state = h.transition(log, state, StateActive)
	if peer != nil {
		log.Info("session paired", logging.KeyPeerID, peer.ID())
	}

	for {
		raw, err := conn.Receive(ctx)
		if err != nil {
			log.Info("connection closed",
				"close_code", int(transport.CloseStatus(err)),
				logging.KeyError, err)
			return
		}

		if recovery.Guard(log, "message handler", func() { h.handleMessage(ctx, s, raw) }) {
			h.metrics.RecordPanic()
		}
	}
}

// handleMessage dispatches one inbound frame. Anything that is not a valid
// envelope for the sender's role is dropped.
func (h *Handler) handleMessage(ctx context.Context, s *session.Session, raw string) {
	env, err := protocol.Parse(raw)
	if err != nil {
		if errors.Is(err, protocol.ErrEmptyMessage) {
			return
		}
		h.metrics.RecordDropped("malformed")
		h.logger.Debug("dropping malformed message",
			logging.KeyConnID, s.ID(),
			logging.KeyError, err)
		return
	}
	if !env.Type.Known() {
		h.metrics.RecordDropped("unknown_type")
		h.logger.Debug("ignoring unknown envelope type",
			logging.KeyConnID, s.ID(),
			logging.KeyMessageType, env.Type.String())
		return
	}
	h.metrics.RecordReceived(s.Role.String(), env.Type.String())

	switch {
	case env.Type == protocol.TypePing:
		h.router.RoutePing(ctx, s)
	case env.Type == protocol.TypeRequest && s.Role == session.RoleRequester:
		h.router.RouteRequest(ctx, s, env)
	case env.Type == protocol.TypeResponse && s.Role == session.RoleAgent:
		h.router.RouteResponse(ctx, s, env)
	case env.Type == protocol.TypePong:
	default:
		h.metrics.RecordDropped("unexpected")
		h.logger.Debug("ignoring envelope",
			logging.KeyConnID, s.ID(),
			logging.KeyRole, s.Role.String(),
			logging.KeyMessageType, env.Type.String())
	}
}

// identifyRole reads the role from the "type" query parameter, then from a
// User-Agent mentioning "Agent", and otherwise falls back to the default.
func (h *Handler) identifyRole(conn transport.Conn) (role session.Role, defaulted bool) {
	if t := conn.Query().Get("type"); t != "" {
		if r, err := session.ParseRole(t); err == nil {
			return r, false
		}
	}
	if strings.Contains(conn.Header("User-Agent"), "Agent") {
		return session.RoleAgent, false
	}
	return h.defaultRole, true
}

func (h *Handler) transition(log *slog.Logger, from, to ConnState) ConnState {
	log.Debug("connection state changed",
		"from", from.String(),
		logging.KeyState, to.String())
	return to
}
