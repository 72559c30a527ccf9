// Package pairing decides which requester and agent sessions are paired.
//
// Both roles are admitted unconditionally. A new session is paired with the
// longest-waiting unpaired session of the opposite role, if there is one,
// and otherwise waits. When a paired session leaves, its orphaned peer is
// immediately offered to the next waiting session of the opposite role.
package pairing

import (
	"errors"
	"log/slog"

	"github.com/postalsys/relaybridge/internal/logging"
	"github.com/postalsys/relaybridge/internal/session"
)

// ErrNoPeer is the routing fault reported while a session has no peer.
var ErrNoPeer = errors.New("no peer available")

// Observer receives pairing changes. Metrics implement it.
type Observer interface {
	Paired(requesterID, agentID string)
	Unpaired(requesterID, agentID string)
}

// Policy applies the pairing strategy to a registry.
type Policy struct {
	registry *session.Registry
	logger   *slog.Logger
	observer Observer
}

// New creates a policy over registry. observer may be nil.
func New(registry *session.Registry, logger *slog.Logger, observer Observer) *Policy {
	return &Policy{
		registry: registry,
		logger:   logging.Component(logger, "pairing"),
		observer: observer,
	}
}

// Admit registers s and pairs it with a waiting session of the opposite
// role in the same registry transaction. It returns the new peer, or nil
// when s has to wait.
func (p *Policy) Admit(s *session.Session) (peer *session.Session, err error) {
	err = p.registry.Update(func(tx *session.Txn) error {
		tx.Register(s)
		peer = tx.FindUnpaired(s.Role.Opposite())
		if peer != nil {
			requesterID, agentID := orient(s, peer)
			tx.Pair(requesterID, agentID)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	if peer == nil {
		p.logger.Info("session waiting for peer",
			logging.KeyConnID, s.ID(),
			logging.KeyRole, s.Role.String())
		return nil, nil
	}

	p.notifyPaired(s, peer)
	return peer, nil
}

// Release removes the session with id. If it had a live peer, the peer is
// returned as orphan and, when another session of the opposite role is
// waiting, paired with it; that session is returned as repaired.
func (p *Policy) Release(id string) (orphan, repaired *session.Session) {
	var (
		removed     bool
		leavingRole session.Role
	)
	p.registry.Update(func(tx *session.Txn) error {
		leaving := tx.Lookup(id)
		if leaving == nil {
			return nil
		}
		leavingRole = leaving.Role
		orphan = tx.PeerOf(id)
		removed = tx.Remove(id)

		if orphan == nil || !orphan.IsActive() {
			return nil
		}
		repaired = tx.FindUnpaired(orphan.Role.Opposite())
		if repaired != nil {
			requesterID, agentID := orient(orphan, repaired)
			tx.Pair(requesterID, agentID)
		}
		return nil
	})

	if !removed {
		return nil, nil
	}

	if orphan != nil {
		requesterID, agentID := id, orphan.ID()
		if leavingRole == session.RoleAgent {
			requesterID, agentID = agentID, requesterID
		}
		if p.observer != nil {
			p.observer.Unpaired(requesterID, agentID)
		}
		p.logger.Info("peer disconnected",
			logging.KeyConnID, orphan.ID(),
			logging.KeyPeerID, id)
	}
	if repaired != nil {
		p.notifyPaired(orphan, repaired)
	}
	return orphan, repaired
}

func (p *Policy) notifyPaired(a, b *session.Session) {
	requesterID, agentID := orient(a, b)
	if p.observer != nil {
		p.observer.Paired(requesterID, agentID)
	}
	p.logger.Info("sessions paired",
		"requester_id", requesterID,
		"agent_id", agentID)
}

// orient returns the requester and agent ids of a and b in that order.
// A nil session contributes an empty id.
func orient(a, b *session.Session) (requesterID, agentID string) {
	for _, s := range []*session.Session{a, b} {
		if s == nil {
			continue
		}
		if s.Role == session.RoleRequester {
			requesterID = s.ID()
		} else {
			agentID = s.ID()
		}
	}
	return requesterID, agentID
}
