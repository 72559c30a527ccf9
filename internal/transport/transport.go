// Package transport adapts websocket connections to the text-message
// connection the relay and its clients work with.
package transport

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"time"
)

// Default limits applied when a config leaves them unset.
const (
	DefaultPath         = "/relay"
	DefaultReadLimit    = 1 << 20 // 1 MiB per message
	DefaultWriteTimeout = 10 * time.Second
)

// ErrClosed is returned when sending on a connection that is already closed.
var ErrClosed = errors.New("connection closed")

// CloseCode is a websocket close status code.
type CloseCode int

// Close codes used by the relay.
const (
	CloseNormal          CloseCode = 1000
	CloseGoingAway       CloseCode = 1001
	ClosePolicyViolation CloseCode = 1008
	CloseInternalError   CloseCode = 1011
)

// Conn is a full-duplex text message connection.
//
// Receive must only be called from one goroutine. Send and Close may be
// called from any goroutine.
type Conn interface {
	// ID is unique for the lifetime of the process.
	ID() string

	// Receive blocks for the next text message.
	Receive(ctx context.Context) (string, error)

	// Send writes one text message. Errors are *SendError.
	Send(ctx context.Context, text string) error

	// Close closes the connection with the given status. Repeated calls are no-ops.
	Close(code CloseCode, reason string) error

	// IsOpen reports whether the connection has not been closed by either side.
	IsOpen() bool

	// Query returns the parsed query of the upgrade request.
	Query() url.Values

	// RawQuery returns the unparsed query of the upgrade request.
	RawQuery() string

	// Header returns a header of the upgrade request.
	Header(name string) string

	// RemoteAddr returns the peer's network address, if known.
	RemoteAddr() string
}

// SendError describes a failed Send.
type SendError struct {
	ConnID string
	Err    error
}

func (e *SendError) Error() string {
	return fmt.Sprintf("send to %s: %v", e.ConnID, e.Err)
}

func (e *SendError) Unwrap() error {
	return e.Err
}
