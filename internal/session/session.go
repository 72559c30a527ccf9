// Package session tracks connected relay clients and the pairings between
// requesters and agents.
package session

import (
	"fmt"
	"strings"
	"time"

	"github.com/postalsys/relaybridge/internal/transport"
)

// Role is the side a client plays in a pairing.
type Role int

const (
	// RoleRequester is Client A, the outward-facing proxy that sends Requests.
	RoleRequester Role = iota + 1
	// RoleAgent is Client B, which executes Requests and sends Responses.
	RoleAgent
)

// String returns the config/log name of the role.
func (r Role) String() string {
	switch r {
	case RoleRequester:
		return "requester"
	case RoleAgent:
		return "agent"
	default:
		return fmt.Sprintf("Role(%d)", int(r))
	}
}

// Opposite returns the role a session of r pairs with.
func (r Role) Opposite() Role {
	if r == RoleAgent {
		return RoleRequester
	}
	return RoleAgent
}

// ParseRole parses a role name. Accepted spellings are the config names
// and the wire identifiers A, CLIENT_A, B and CLIENT_B.
func ParseRole(s string) (Role, error) {
	switch strings.ToUpper(strings.TrimSpace(s)) {
	case "A", "CLIENT_A", "REQUESTER":
		return RoleRequester, nil
	case "B", "CLIENT_B", "AGENT":
		return RoleAgent, nil
	}
	return 0, fmt.Errorf("unknown role %q", s)
}

// Session is one authenticated connection. The fields are fixed at
// creation; liveness comes from the connection.
type Session struct {
	Conn        transport.Conn
	Role        Role
	Token       string
	ConnectedAt time.Time
}

// New creates a session for conn.
func New(conn transport.Conn, role Role, token string) *Session {
	return &Session{
		Conn:        conn,
		Role:        role,
		Token:       token,
		ConnectedAt: time.Now(),
	}
}

// ID returns the connection id, which identifies the session.
func (s *Session) ID() string {
	return s.Conn.ID()
}

// IsActive reports whether the underlying connection is open.
func (s *Session) IsActive() bool {
	return s.Conn != nil && s.Conn.IsOpen()
}
