package peer

import (
	"context"
	"net/http/httptest"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/postalsys/relaybridge/internal/logging"
	"github.com/postalsys/relaybridge/internal/protocol"
	"github.com/postalsys/relaybridge/internal/relay/relaytest"
	"github.com/postalsys/relaybridge/internal/transport"
)

func noopHandler(context.Context, *protocol.Envelope) {}

func fastReconnect() ReconnectConfig {
	return ReconnectConfig{
		InitialDelay: 10 * time.Millisecond,
		MaxDelay:     50 * time.Millisecond,
		Multiplier:   2.0,
	}
}

func TestNewLink_Validation(t *testing.T) {
	tests := []struct {
		name    string
		cfg     LinkConfig
		handler HandlerFunc
		wantErr string
	}{
		{"nil handler", LinkConfig{RelayURL: "ws://h", Role: RoleAgent, Token: "t"}, nil, "handler"},
		{"bad role", LinkConfig{RelayURL: "ws://h", Role: "C", Token: "t"}, noopHandler, "role"},
		{"no token", LinkConfig{RelayURL: "ws://h", Role: RoleAgent}, noopHandler, "token"},
		{"bad scheme", LinkConfig{RelayURL: "ftp://h", Role: RoleAgent, Token: "t"}, noopHandler, "scheme"},
		{"no host", LinkConfig{RelayURL: "ws://", Role: RoleAgent, Token: "t"}, noopHandler, "host"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := NewLink(tt.cfg, tt.handler)
			if err == nil || !strings.Contains(err.Error(), tt.wantErr) {
				t.Errorf("NewLink() error = %v, want containing %q", err, tt.wantErr)
			}
		})
	}
}

func TestNewLink_URL(t *testing.T) {
	tests := []struct {
		relayURL string
		wantURL  string
	}{
		{"http://relay.example.com:8080", "http://relay.example.com:8080/relay?type=B"},
		{"wss://relay.example.com/custom", "wss://relay.example.com/custom?type=B"},
		{"ws://relay.example.com/?x=1", "ws://relay.example.com/relay?type=B&x=1"},
	}

	for _, tt := range tests {
		l, err := NewLink(LinkConfig{RelayURL: tt.relayURL, Role: RoleAgent, Token: "abc&d"}, noopHandler)
		if err != nil {
			t.Fatalf("NewLink(%s) error = %v", tt.relayURL, err)
		}
		if l.URL() != tt.wantURL {
			t.Errorf("URL() = %s, want %s", l.URL(), tt.wantURL)
		}
		if strings.Contains(l.URL(), "abc") {
			t.Errorf("URL() leaks token: %s", l.URL())
		}
	}
}

func TestLink_RequestResponseThroughRelay(t *testing.T) {
	r := relaytest.Start(t)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	var agent *Link
	agent, err := NewLink(LinkConfig{
		RelayURL: r.URL(),
		Role:     RoleAgent,
		Token:    relaytest.Secret,
		Logger:   logging.NopLogger(),
	}, func(ctx context.Context, env *protocol.Envelope) {
		if env.Type != protocol.TypeRequest {
			return
		}
		agent.Send(ctx, protocol.NewResponse(env.CorrelationID, 200, nil, "pong:"+env.URL))
	})
	if err != nil {
		t.Fatal(err)
	}

	responses := make(chan *protocol.Envelope, 1)
	requester, err := NewLink(LinkConfig{
		RelayURL: r.URL(),
		Role:     RoleRequester,
		Token:    relaytest.Secret,
		Logger:   logging.NopLogger(),
	}, func(_ context.Context, env *protocol.Envelope) {
		responses <- env
	})
	if err != nil {
		t.Fatal(err)
	}

	go agent.Run(ctx)
	go requester.Run(ctx)
	r.WaitPaired(t, 1)
	relaytest.WaitFor(t, "requester link", requester.IsConnected)

	req := protocol.NewRequest("corr-1", "GET", "http://internal/x", nil, "")
	if err := requester.Send(ctx, req); err != nil {
		t.Fatalf("Send() error = %v", err)
	}

	select {
	case resp := <-responses:
		if resp.CorrelationID != "corr-1" || resp.Status() != 200 || resp.Body != "pong:http://internal/x" {
			t.Errorf("unexpected response: %+v", resp)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("no response")
	}
}

func TestLink_PingGetsPong(t *testing.T) {
	r := relaytest.Start(t)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	l, err := NewLink(LinkConfig{
		RelayURL:     r.URL(),
		Role:         RoleAgent,
		Token:        relaytest.Secret,
		PingInterval: 20 * time.Millisecond,
	}, noopHandler)
	if err != nil {
		t.Fatal(err)
	}

	go l.Run(ctx)
	relaytest.WaitFor(t, "pong", func() bool { return !l.LastPong().IsZero() })
}

func TestLink_SendsTokenAsBearer(t *testing.T) {
	const token = "a+b%2Fc&d"

	type upgrade struct {
		rawQuery, authorization string
	}
	seen := make(chan upgrade, 1)
	ln, err := transport.NewListener(transport.ListenerConfig{PlainText: true}, func(ctx context.Context, c transport.Conn) {
		seen <- upgrade{c.RawQuery(), c.Header("Authorization")}
		<-ctx.Done()
	})
	if err != nil {
		t.Fatal(err)
	}
	hs := httptest.NewServer(ln)
	defer hs.Close()
	defer ln.Stop(context.Background())

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	l, err := NewLink(LinkConfig{RelayURL: hs.URL, Role: RoleAgent, Token: token}, noopHandler)
	if err != nil {
		t.Fatal(err)
	}
	go l.Run(ctx)

	select {
	case got := <-seen:
		if got.rawQuery != "type=B" {
			t.Errorf("query = %q, want %q", got.rawQuery, "type=B")
		}
		if got.authorization != "Bearer "+token {
			t.Errorf("Authorization = %q, want %q", got.authorization, "Bearer "+token)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("relay never saw the upgrade")
	}
}

func TestLink_DropsRelayThatStopsAnsweringPings(t *testing.T) {
	var accepted atomic.Int32
	ln, err := transport.NewListener(transport.ListenerConfig{PlainText: true}, func(ctx context.Context, c transport.Conn) {
		accepted.Add(1)
		for {
			if _, err := c.Receive(ctx); err != nil {
				return
			}
		}
	})
	if err != nil {
		t.Fatal(err)
	}
	hs := httptest.NewServer(ln)
	defer hs.Close()
	defer ln.Stop(context.Background())

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	l, err := NewLink(LinkConfig{
		RelayURL:     hs.URL,
		Role:         RoleRequester,
		Token:        "t",
		PingInterval: 20 * time.Millisecond,
		Reconnect:    fastReconnect(),
	}, noopHandler)
	if err != nil {
		t.Fatal(err)
	}
	go l.Run(ctx)

	relaytest.WaitFor(t, "redial after ping timeout", func() bool { return l.connects.Load() >= 2 })
	if !l.LastPong().IsZero() {
		t.Errorf("LastPong() = %v, want zero", l.LastPong())
	}
}

func TestLink_SendWhileDisconnected(t *testing.T) {
	l, err := NewLink(LinkConfig{RelayURL: "ws://127.0.0.1:1", Role: RoleAgent, Token: "t"}, noopHandler)
	if err != nil {
		t.Fatal(err)
	}
	if err := l.Send(context.Background(), protocol.NewPing()); err != ErrNotConnected {
		t.Errorf("Send() error = %v, want ErrNotConnected", err)
	}
	if l.IsConnected() {
		t.Error("IsConnected() = true before Run")
	}
}

func TestLink_ReconnectsAfterDrop(t *testing.T) {
	var accepted atomic.Int32
	ln, err := transport.NewListener(transport.ListenerConfig{PlainText: true}, func(ctx context.Context, c transport.Conn) {
		if accepted.Add(1) == 1 {
			c.Close(transport.CloseGoingAway, "bye")
			return
		}
		<-ctx.Done()
	})
	if err != nil {
		t.Fatal(err)
	}
	hs := httptest.NewServer(ln)
	defer hs.Close()

	var mu sync.Mutex
	var reconnects []bool
	var disconnects atomic.Int32

	ctx, cancel := context.WithCancel(context.Background())
	l, err := NewLink(LinkConfig{
		RelayURL:  hs.URL,
		Role:      RoleRequester,
		Token:     "t",
		Reconnect: fastReconnect(),
		OnConnect: func(reconnect bool) {
			mu.Lock()
			reconnects = append(reconnects, reconnect)
			mu.Unlock()
		},
		OnDisconnect: func(error) { disconnects.Add(1) },
	}, noopHandler)
	if err != nil {
		t.Fatal(err)
	}

	done := make(chan error, 1)
	go func() { done <- l.Run(ctx) }()

	relaytest.WaitFor(t, "second connection", func() bool { return l.connects.Load() >= 2 })

	cancel()
	ln.Stop(context.Background())
	select {
	case err := <-done:
		if err != nil {
			t.Errorf("Run() after cancel = %v, want nil", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("Run did not return after cancel")
	}

	mu.Lock()
	defer mu.Unlock()
	if len(reconnects) < 2 || reconnects[0] || !reconnects[1] {
		t.Errorf("OnConnect flags = %v, want [false true ...]", reconnects)
	}
	if disconnects.Load() < 1 {
		t.Error("OnDisconnect not called after drop")
	}
}

func TestLink_GivesUpAfterMaxAttempts(t *testing.T) {
	hs := httptest.NewServer(nil)
	addr := hs.URL
	hs.Close()

	cfg := fastReconnect()
	cfg.MaxAttempts = 2
	l, err := NewLink(LinkConfig{
		RelayURL:    addr,
		Role:        RoleAgent,
		Token:       "t",
		DialTimeout: time.Second,
		Reconnect:   cfg,
	}, noopHandler)
	if err != nil {
		t.Fatal(err)
	}

	done := make(chan error, 1)
	go func() { done <- l.Run(context.Background()) }()

	select {
	case err := <-done:
		if err == nil || !strings.Contains(err.Error(), "giving up after 2 attempts") {
			t.Errorf("Run() error = %v", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("Run did not give up")
	}
}
