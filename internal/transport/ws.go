package transport

import (
	"context"
	"crypto/tls"
	"fmt"
	"net/http"
	"net/url"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"nhooyr.io/websocket"
)

// wsConn implements Conn over a nhooyr websocket.
type wsConn struct {
	id           string
	conn         *websocket.Conn
	writeTimeout time.Duration

	query      url.Values
	rawQuery   string
	header     http.Header
	remoteAddr string

	// writeMu keeps frames from concurrent senders in order.
	writeMu sync.Mutex
	closed  atomic.Bool
}

func newWSConn(conn *websocket.Conn, r *http.Request, readLimit int64, writeTimeout time.Duration) *wsConn {
	if readLimit <= 0 {
		readLimit = DefaultReadLimit
	}
	if writeTimeout <= 0 {
		writeTimeout = DefaultWriteTimeout
	}
	conn.SetReadLimit(readLimit)

	c := &wsConn{
		id:           uuid.NewString(),
		conn:         conn,
		writeTimeout: writeTimeout,
		header:       http.Header{},
		query:        url.Values{},
	}
	if r != nil {
		c.header = r.Header.Clone()
		c.rawQuery = r.URL.RawQuery
		c.query = r.URL.Query()
		c.remoteAddr = r.RemoteAddr
	}
	return c
}

func (c *wsConn) ID() string { return c.id }

func (c *wsConn) Receive(ctx context.Context) (string, error) {
	_, data, err := c.conn.Read(ctx)
	if err != nil {
		c.closed.Store(true)
		return "", err
	}
	return string(data), nil
}

func (c *wsConn) Send(ctx context.Context, text string) error {
	if c.closed.Load() {
		return &SendError{ConnID: c.id, Err: ErrClosed}
	}

	c.writeMu.Lock()
	defer c.writeMu.Unlock()

	ctx, cancel := context.WithTimeout(ctx, c.writeTimeout)
	defer cancel()

	if err := c.conn.Write(ctx, websocket.MessageText, []byte(text)); err != nil {
		// nhooyr closes the connection after a failed write.
		c.closed.Store(true)
		return &SendError{ConnID: c.id, Err: err}
	}
	return nil
}

func (c *wsConn) Close(code CloseCode, reason string) error {
	if c.closed.Swap(true) {
		return nil
	}
	return c.conn.Close(websocket.StatusCode(code), reason)
}

func (c *wsConn) IsOpen() bool { return !c.closed.Load() }

func (c *wsConn) Query() url.Values { return c.query }

func (c *wsConn) RawQuery() string { return c.rawQuery }

func (c *wsConn) Header(name string) string { return c.header.Get(name) }

func (c *wsConn) RemoteAddr() string { return c.remoteAddr }

// CloseStatus returns the close code carried by a Receive error, or -1.
func CloseStatus(err error) CloseCode {
	return CloseCode(websocket.CloseStatus(err))
}

// DialOptions configures Dial.
type DialOptions struct {
	// Header is sent with the upgrade request.
	Header http.Header

	// TLSConfig is used for wss:// URLs. Nil uses the system defaults.
	TLSConfig *tls.Config

	// Timeout bounds the handshake. Zero means no timeout beyond ctx.
	Timeout time.Duration

	ReadLimit    int64
	WriteTimeout time.Duration
}

// Dial connects to a relay websocket endpoint.
func Dial(ctx context.Context, rawURL string, opts DialOptions) (Conn, error) {
	u, err := url.Parse(rawURL)
	if err != nil {
		return nil, fmt.Errorf("invalid relay URL: %w", err)
	}
	switch u.Scheme {
	case "ws", "wss":
	case "http":
		u.Scheme = "ws"
	case "https":
		u.Scheme = "wss"
	default:
		return nil, fmt.Errorf("unsupported URL scheme %q", u.Scheme)
	}

	if opts.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, opts.Timeout)
		defer cancel()
	}

	dialOpts := &websocket.DialOptions{HTTPHeader: opts.Header}
	if opts.TLSConfig != nil {
		dialOpts.HTTPClient = &http.Client{
			Transport: &http.Transport{TLSClientConfig: opts.TLSConfig},
		}
	}

	conn, resp, err := websocket.Dial(ctx, u.String(), dialOpts)
	if err != nil {
		if resp != nil {
			return nil, fmt.Errorf("websocket dial failed (HTTP %d): %w", resp.StatusCode, err)
		}
		return nil, fmt.Errorf("websocket dial failed: %w", err)
	}

	c := newWSConn(conn, nil, opts.ReadLimit, opts.WriteTimeout)
	c.rawQuery = u.RawQuery
	c.query = u.Query()
	c.remoteAddr = u.Host
	return c, nil
}
