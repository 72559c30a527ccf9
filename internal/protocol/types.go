// Package protocol defines the JSON envelope exchanged between requesters,
// agents and the relay.
package protocol

import (
	"encoding/json"
	"strings"
)

// Type identifies the kind of envelope.
type Type string

// Envelope types.
const (
	TypeRequest  Type = "Request"
	TypeResponse Type = "Response"
	TypePing     Type = "Ping"
	TypePong     Type = "Pong"
)

var knownTypes = []Type{TypeRequest, TypeResponse, TypePing, TypePong}

// Known reports whether t is one of the four envelope types.
func (t Type) Known() bool {
	for _, k := range knownTypes {
		if t == k {
			return true
		}
	}
	return false
}

// String returns the wire name.
func (t Type) String() string {
	return string(t)
}

// UnmarshalJSON accepts any casing of the known names, so the upper-case
// names older clients send ("REQUEST", "PONG") map onto the same constants.
// Unknown names are kept verbatim and ignored by the router.
func (t *Type) UnmarshalJSON(b []byte) error {
	var s string
	if err := json.Unmarshal(b, &s); err != nil {
		return err
	}
	*t = ParseType(s)
	return nil
}

// ParseType normalizes a wire type name.
func ParseType(s string) Type {
	s = strings.TrimSpace(s)
	for _, k := range knownTypes {
		if strings.EqualFold(s, string(k)) {
			return k
		}
	}
	return Type(s)
}

// Relay-generated status codes.
const (
	StatusAgentUnavailable = 503
	StatusForbidden        = 403
	StatusRequestFailed    = 500
)

// ErrorNoAgent is the error text of the Response the relay synthesizes when
// a Request cannot reach an agent.
const ErrorNoAgent = "no agent available"
