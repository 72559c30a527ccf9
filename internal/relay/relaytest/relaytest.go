// Package relaytest runs an in-process relay for client tests.
package relaytest

import (
	"context"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/postalsys/relaybridge/internal/auth"
	"github.com/postalsys/relaybridge/internal/logging"
	"github.com/postalsys/relaybridge/internal/relay"
	"github.com/postalsys/relaybridge/internal/session"
	"github.com/postalsys/relaybridge/internal/transport"
)

// Secret is the shared secret accepted by relays from Start.
const Secret = "relaytest-secret"

// Relay is a running relay behind an httptest server.
type Relay struct {
	Server *relay.Server
	HTTP   *httptest.Server
}

// Start runs a plaintext relay that is stopped when the test ends.
func Start(t testing.TB) *Relay {
	t.Helper()

	v, err := auth.New(Secret, "")
	if err != nil {
		t.Fatalf("auth.New() error = %v", err)
	}
	srv, err := relay.New(relay.Config{
		PlainText: true,
		Validator: v,
		Logger:    logging.NopLogger(),
	})
	if err != nil {
		t.Fatalf("relay.New() error = %v", err)
	}

	hs := httptest.NewServer(srv.Handler())
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		srv.Stop(ctx)
		hs.Close()
	})

	return &Relay{Server: srv, HTTP: hs}
}

// URL returns the websocket URL of the relay endpoint.
func (r *Relay) URL() string {
	return "ws" + strings.TrimPrefix(r.HTTP.URL, "http") + transport.DefaultPath
}

// WaitPaired blocks until the relay holds n pairings.
func (r *Relay) WaitPaired(t testing.TB, n int) {
	t.Helper()
	WaitFor(t, "pairing", func() bool { return r.Server.Registry().PairingCount() == n })
}

// WaitSessions blocks until the relay holds n active sessions of role.
func (r *Relay) WaitSessions(t testing.TB, role session.Role, n int) {
	t.Helper()
	WaitFor(t, role.String()+" sessions", func() bool { return r.Server.Registry().ActiveCount(role) == n })
}

// WaitFor polls cond for up to five seconds.
func WaitFor(t testing.TB, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}
