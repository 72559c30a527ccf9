package relay

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/postalsys/relaybridge/internal/auth"
	"github.com/postalsys/relaybridge/internal/logging"
	"github.com/postalsys/relaybridge/internal/protocol"
	"github.com/postalsys/relaybridge/internal/session"
	"github.com/postalsys/relaybridge/internal/transport"
)

type testRelay struct {
	server *Server
	http   *httptest.Server
}

func startTestRelay(t *testing.T) *testRelay {
	t.Helper()
	v, err := auth.New(testSecret, "")
	if err != nil {
		t.Fatalf("auth.New() error = %v", err)
	}
	srv, err := New(Config{
		PlainText: true,
		Validator: v,
		Logger:    logging.NopLogger(),
	})
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}
	hs := httptest.NewServer(srv.Handler())
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		srv.Stop(ctx)
		hs.Close()
	})
	return &testRelay{server: srv, http: hs}
}

func (r *testRelay) dial(t *testing.T, query string, header http.Header) transport.Conn {
	t.Helper()
	url := "ws" + strings.TrimPrefix(r.http.URL, "http") + transport.DefaultPath + "?" + query
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	c, err := transport.Dial(ctx, url, transport.DialOptions{Header: header})
	if err != nil {
		t.Fatalf("Dial(%s) error = %v", query, err)
	}
	t.Cleanup(func() { c.Close(transport.CloseNormal, "") })
	return c
}

func (r *testRelay) connectAgent(t *testing.T) transport.Conn {
	t.Helper()
	before := r.server.Registry().ActiveCount(session.RoleAgent)
	c := r.dial(t, "type=B&token="+testSecret, nil)
	waitFor(t, "agent registration", func() bool {
		return r.server.Registry().ActiveCount(session.RoleAgent) == before+1
	})
	return c
}

func (r *testRelay) connectRequester(t *testing.T) transport.Conn {
	t.Helper()
	before := r.server.Registry().ActiveCount(session.RoleRequester)
	c := r.dial(t, "type=A&token="+testSecret, nil)
	waitFor(t, "requester registration", func() bool {
		return r.server.Registry().ActiveCount(session.RoleRequester) == before+1
	})
	return c
}

func receive(t *testing.T, c transport.Conn) *protocol.Envelope {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	raw, err := c.Receive(ctx)
	if err != nil {
		t.Fatalf("Receive() error = %v", err)
	}
	return mustParse(t, raw)
}

func send(t *testing.T, c transport.Conn, raw string) {
	t.Helper()
	if err := c.Send(context.Background(), raw); err != nil {
		t.Fatalf("Send() error = %v", err)
	}
}

func TestRelay_AgentFirstThenRequesterPairs(t *testing.T) {
	r := startTestRelay(t)
	r.connectAgent(t)
	r.connectRequester(t)

	waitFor(t, "pairing", func() bool { return r.server.Registry().PairingCount() == 1 })

	pairings := r.server.Pairings()
	reqInfo, agentInfo := sessionsByRole(r.server.Sessions())
	if pairings[0].RequesterID != reqInfo.ID || pairings[0].AgentID != agentInfo.ID {
		t.Errorf("pairing = %+v, want %s -> %s", pairings[0], reqInfo.ID, agentInfo.ID)
	}

	stats := r.server.Stats()
	if stats.Requesters != 1 || stats.Agents != 1 || stats.Pairings != 1 {
		t.Errorf("Stats() = %+v", stats)
	}
}

func TestRelay_RequestWithoutAgentGets503(t *testing.T) {
	r := startTestRelay(t)
	req := r.connectRequester(t)

	send(t, req, `{"type":"Request","method":"GET","url":"/x"}`)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	raw, err := req.Receive(ctx)
	if err != nil {
		t.Fatalf("Receive() error = %v", err)
	}
	if !strings.Contains(raw, `"correlationId":""`) {
		t.Errorf("frame %s lacks an empty correlationId", raw)
	}

	resp := mustParse(t, raw)
	if resp.Type != protocol.TypeResponse {
		t.Fatalf("Type = %q, want Response", resp.Type)
	}
	if resp.Status() != 503 || resp.Error != "no agent available" || resp.CorrelationID != "" {
		t.Errorf("response = %+v", resp)
	}
}

func TestRelay_RequestGetsCorrelationID(t *testing.T) {
	r := startTestRelay(t)
	agent := r.connectAgent(t)
	req := r.connectRequester(t)

	send(t, req, `{"type":"Request","method":"GET","url":"/x","correlationId":""}`)

	got := receive(t, agent)
	if got.Type != protocol.TypeRequest || got.Method != "GET" || got.URL != "/x" {
		t.Errorf("agent received %+v", got)
	}
	if got.CorrelationID == "" {
		t.Error("agent received empty correlation id")
	}
}

func TestRelay_ResponseDeliveredOnce(t *testing.T) {
	r := startTestRelay(t)
	agent := r.connectAgent(t)
	req := r.connectRequester(t)

	send(t, req, `{"type":"Request","method":"GET","url":"/x"}`)
	fwd := receive(t, agent)

	send(t, agent, `{"type":"Response","correlationId":"`+fwd.CorrelationID+`","statusCode":200,"body":"hello"}`)
	resp := receive(t, req)
	if resp.Status() != 200 || resp.Body != "hello" || resp.CorrelationID != fwd.CorrelationID {
		t.Errorf("requester received %+v", resp)
	}

	// Nothing else should be queued: a ping's pong must be the next message.
	send(t, req, `{"type":"Ping"}`)
	if next := receive(t, req); next.Type != protocol.TypePong {
		t.Errorf("next message = %+v, want Pong", next)
	}
}

func TestRelay_PingAnsweredOnSameConnection(t *testing.T) {
	r := startTestRelay(t)
	agent := r.connectAgent(t)
	req := r.connectRequester(t)

	send(t, agent, `{"type":"Ping"}`)
	if got := receive(t, agent); got.Type != protocol.TypePong {
		t.Errorf("agent received %+v, want Pong", got)
	}

	send(t, req, `{"type":"PING"}`)
	if got := receive(t, req); got.Type != protocol.TypePong {
		t.Errorf("requester received %+v, want Pong", got)
	}

	// The agent's next message is the request, not a stray pong.
	send(t, req, `{"type":"Request","url":"/after-ping"}`)
	if got := receive(t, agent); got.Type != protocol.TypeRequest || got.URL != "/after-ping" {
		t.Errorf("agent received %+v, want the request", got)
	}
}

func TestRelay_RequesterDisconnectClearsPairing(t *testing.T) {
	r := startTestRelay(t)
	r.connectAgent(t)
	req := r.connectRequester(t)
	waitFor(t, "pairing", func() bool { return r.server.Registry().PairingCount() == 1 })

	reqInfo, agentInfo := sessionsByRole(r.server.Sessions())

	req.Close(transport.CloseNormal, "bye")
	waitFor(t, "release", func() bool { return r.server.Registry().Lookup(reqInfo.ID) == nil })

	reg := r.server.Registry()
	if reg.PairedAgentFor(reqInfo.ID) != nil {
		t.Error("PairedAgentFor(requester) not nil after disconnect")
	}
	if reg.PairedRequesterFor(agentInfo.ID) != nil {
		t.Error("agent still paired after requester disconnect")
	}
	if reg.PairingCount() != 0 {
		t.Errorf("PairingCount() = %d, want 0", reg.PairingCount())
	}
}

func TestRelay_OrphanedAgentRepairsWithWaitingRequester(t *testing.T) {
	r := startTestRelay(t)
	agent := r.connectAgent(t)
	first := r.connectRequester(t)
	second := r.connectRequester(t)
	waitFor(t, "pairing", func() bool { return r.server.Registry().PairingCount() == 1 })

	// The waiting requester has no agent yet.
	send(t, second, `{"type":"Request","correlationId":"w1"}`)
	if resp := receive(t, second); resp.Status() != 503 || resp.CorrelationID != "w1" {
		t.Errorf("waiting requester received %+v", resp)
	}

	first.Close(transport.CloseNormal, "")
	waitFor(t, "re-pairing", func() bool {
		return r.server.Registry().ActiveCount(session.RoleRequester) == 1 &&
			r.server.Registry().PairingCount() == 1
	})

	send(t, second, `{"type":"Request","correlationId":"w2"}`)
	if got := receive(t, agent); got.CorrelationID != "w2" {
		t.Errorf("agent received %+v, want w2", got)
	}
}

func TestRelay_InvalidTokenRejected(t *testing.T) {
	r := startTestRelay(t)
	c := r.dial(t, "type=A&token=wrong", nil)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	_, err := c.Receive(ctx)
	if err == nil {
		t.Fatal("expected connection to be closed")
	}
	if code := transport.CloseStatus(err); code != transport.ClosePolicyViolation {
		t.Errorf("close code = %d, want %d", code, transport.ClosePolicyViolation)
	}
	if len(r.server.Sessions()) != 0 {
		t.Error("rejected client registered")
	}
}

func TestRelay_BearerHeaderAndUserAgentRole(t *testing.T) {
	r := startTestRelay(t)
	header := http.Header{}
	header.Set("Authorization", "Bearer "+testSecret)
	header.Set("User-Agent", "RelayAgent/2.0")
	r.dial(t, "", header)

	waitFor(t, "agent via user agent", func() bool {
		return r.server.Registry().ActiveCount(session.RoleAgent) == 1
	})
}

func TestRelay_StopClosesWithGoingAway(t *testing.T) {
	r := startTestRelay(t)
	req := r.connectRequester(t)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	errCh := make(chan error, 1)
	go func() {
		_, err := req.Receive(ctx)
		errCh <- err
	}()

	if err := r.server.Stop(ctx); err != nil {
		t.Fatalf("Stop() error = %v", err)
	}

	select {
	case err := <-errCh:
		if code := transport.CloseStatus(err); code != transport.CloseGoingAway {
			t.Errorf("close code = %d, want %d", code, transport.CloseGoingAway)
		}
	case <-ctx.Done():
		t.Fatal("client not closed on Stop")
	}

	waitFor(t, "registry drain", func() bool { return len(r.server.Sessions()) == 0 })
}

func TestNew_RequiresValidator(t *testing.T) {
	if _, err := New(Config{PlainText: true}); err == nil {
		t.Error("New() without validator succeeded")
	}
}

func sessionsByRole(infos []session.Info) (requester, agent session.Info) {
	for _, info := range infos {
		switch info.Role {
		case session.RoleRequester.String():
			requester = info
		case session.RoleAgent.String():
			agent = info
		}
	}
	return requester, agent
}
