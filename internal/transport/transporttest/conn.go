// Package transporttest provides an in-memory transport.Conn for tests.
package transporttest

import (
	"context"
	"errors"
	"net/http"
	"net/url"
	"sync"

	"github.com/google/uuid"
	"github.com/postalsys/relaybridge/internal/transport"
)

// Conn is a scripted connection. Messages pushed with Push are returned by
// Receive; messages passed to Send are recorded.
type Conn struct {
	id       string
	rawQuery string
	header   http.Header
	inbox    chan string

	mu          sync.Mutex
	sent        []string
	closed      bool
	closeCode   transport.CloseCode
	closeReason string
	failSend    error
	done        chan struct{}
}

// New returns an open connection whose upgrade request carried rawQuery.
func New(rawQuery string) *Conn {
	return &Conn{
		id:       uuid.NewString(),
		rawQuery: rawQuery,
		header:   http.Header{},
		inbox:    make(chan string, 64),
		done:     make(chan struct{}),
	}
}

// WithID overrides the generated id.
func (c *Conn) WithID(id string) *Conn {
	c.id = id
	return c
}

// SetHeader sets an upgrade request header.
func (c *Conn) SetHeader(name, value string) {
	c.header.Set(name, value)
}

// Push queues a message for Receive.
func (c *Conn) Push(msg string) {
	c.inbox <- msg
}

// FailSends makes every later Send fail with err.
func (c *Conn) FailSends(err error) {
	c.mu.Lock()
	c.failSend = err
	c.mu.Unlock()
}

// Sent returns a copy of every message sent so far.
func (c *Conn) Sent() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]string(nil), c.sent...)
}

// CloseStatus returns the code and reason of the first Close call.
func (c *Conn) CloseStatus() (transport.CloseCode, string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closeCode, c.closeReason
}

func (c *Conn) ID() string { return c.id }

func (c *Conn) Receive(ctx context.Context) (string, error) {
	select {
	case msg := <-c.inbox:
		return msg, nil
	case <-c.done:
		return "", transport.ErrClosed
	case <-ctx.Done():
		return "", ctx.Err()
	}
}

func (c *Conn) Send(ctx context.Context, text string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return &transport.SendError{ConnID: c.id, Err: transport.ErrClosed}
	}
	if c.failSend != nil {
		return &transport.SendError{ConnID: c.id, Err: c.failSend}
	}
	c.sent = append(c.sent, text)
	return nil
}

func (c *Conn) Close(code transport.CloseCode, reason string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return nil
	}
	c.closed = true
	c.closeCode = code
	c.closeReason = reason
	close(c.done)
	return nil
}

func (c *Conn) IsOpen() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return !c.closed
}

func (c *Conn) Query() url.Values {
	q, _ := url.ParseQuery(c.rawQuery)
	return q
}

func (c *Conn) RawQuery() string { return c.rawQuery }

func (c *Conn) Header(name string) string { return c.header.Get(name) }

func (c *Conn) RemoteAddr() string { return "pipe" }

// ErrInjected is a convenient error for FailSends.
var ErrInjected = errors.New("injected send failure")

var _ transport.Conn = (*Conn)(nil)
