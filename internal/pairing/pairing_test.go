package pairing

import (
	"sync"
	"testing"

	"github.com/postalsys/relaybridge/internal/logging"
	"github.com/postalsys/relaybridge/internal/session"
	"github.com/postalsys/relaybridge/internal/transport"
	"github.com/postalsys/relaybridge/internal/transport/transporttest"
)

type recordingObserver struct {
	mu       sync.Mutex
	paired   [][2]string
	unpaired [][2]string
}

func (o *recordingObserver) Paired(req, agent string) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.paired = append(o.paired, [2]string{req, agent})
}

func (o *recordingObserver) Unpaired(req, agent string) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.unpaired = append(o.unpaired, [2]string{req, agent})
}

func newPolicy() (*Policy, *session.Registry, *recordingObserver) {
	reg := session.NewRegistry()
	obs := &recordingObserver{}
	return New(reg, logging.NopLogger(), obs), reg, obs
}

func newSession(id string, role session.Role) *session.Session {
	return session.New(transporttest.New("").WithID(id), role, "tok")
}

func TestAdmit_RequesterFirstWaits(t *testing.T) {
	p, reg, obs := newPolicy()

	peer, err := p.Admit(newSession("a", session.RoleRequester))
	if err != nil {
		t.Fatalf("Admit() error = %v", err)
	}
	if peer != nil {
		t.Errorf("Admit() peer = %s, want nil", peer.ID())
	}
	if reg.Get(session.RoleRequester, "a") == nil {
		t.Error("requester not registered")
	}

	peer, _ = p.Admit(newSession("b", session.RoleAgent))
	if peer == nil || peer.ID() != "a" {
		t.Fatalf("Admit(agent) peer = %v, want a", peer)
	}
	if got := reg.PairedAgentFor("a"); got == nil || got.ID() != "b" {
		t.Errorf("PairedAgentFor(a) = %v, want b", got)
	}
	if len(obs.paired) != 1 || obs.paired[0] != [2]string{"a", "b"} {
		t.Errorf("observer paired = %v", obs.paired)
	}
}

func TestAdmit_AgentFirstWaits(t *testing.T) {
	p, reg, _ := newPolicy()

	if peer, _ := p.Admit(newSession("b", session.RoleAgent)); peer != nil {
		t.Fatalf("agent paired with %s before any requester", peer.ID())
	}
	peer, _ := p.Admit(newSession("a", session.RoleRequester))
	if peer == nil || peer.ID() != "b" {
		t.Fatalf("Admit(requester) peer = %v, want b", peer)
	}
	if reg.PairingCount() != 1 {
		t.Errorf("PairingCount() = %d, want 1", reg.PairingCount())
	}
}

func TestAdmit_SecondRequesterWaits(t *testing.T) {
	p, reg, _ := newPolicy()
	p.Admit(newSession("b", session.RoleAgent))
	p.Admit(newSession("a1", session.RoleRequester))

	peer, _ := p.Admit(newSession("a2", session.RoleRequester))
	if peer != nil {
		t.Errorf("a2 paired with %s, want wait", peer.ID())
	}
	if reg.PairedAgentFor("a2") != nil {
		t.Error("a2 has a pairing")
	}
	if got := reg.PairedRequesterFor("b"); got == nil || got.ID() != "a1" {
		t.Errorf("agent b paired with %v, want a1", got)
	}
}

func TestAdmit_SkipsClosedWaiters(t *testing.T) {
	p, _, _ := newPolicy()
	stale := newSession("b-stale", session.RoleAgent)
	p.Admit(stale)
	stale.Conn.Close(transport.CloseNormal, "")

	if peer, _ := p.Admit(newSession("a", session.RoleRequester)); peer != nil {
		t.Errorf("paired with closed session %s", peer.ID())
	}
}

func TestRelease_RepairsOrphan(t *testing.T) {
	p, reg, obs := newPolicy()
	p.Admit(newSession("a1", session.RoleRequester))
	p.Admit(newSession("b", session.RoleAgent))
	p.Admit(newSession("a2", session.RoleRequester)) // waits

	orphan, repaired := p.Release("a1")
	if orphan == nil || orphan.ID() != "b" {
		t.Fatalf("orphan = %v, want b", orphan)
	}
	if repaired == nil || repaired.ID() != "a2" {
		t.Fatalf("repaired = %v, want a2", repaired)
	}
	if got := reg.PairedRequesterFor("b"); got == nil || got.ID() != "a2" {
		t.Errorf("PairedRequesterFor(b) = %v, want a2", got)
	}
	if reg.Lookup("a1") != nil {
		t.Error("released session still registered")
	}
	if len(obs.unpaired) != 1 || obs.unpaired[0] != [2]string{"a1", "b"} {
		t.Errorf("observer unpaired = %v", obs.unpaired)
	}
	if len(obs.paired) != 2 || obs.paired[1] != [2]string{"a2", "b"} {
		t.Errorf("observer paired = %v", obs.paired)
	}
}

func TestRelease_AgentLeavesRequesterWaits(t *testing.T) {
	p, reg, obs := newPolicy()
	p.Admit(newSession("a", session.RoleRequester))
	p.Admit(newSession("b", session.RoleAgent))

	orphan, repaired := p.Release("b")
	if orphan == nil || orphan.ID() != "a" {
		t.Fatalf("orphan = %v, want a", orphan)
	}
	if repaired != nil {
		t.Errorf("repaired = %s, want nil", repaired.ID())
	}
	if reg.PairedAgentFor("a") != nil {
		t.Error("requester still paired")
	}
	if obs.unpaired[0] != [2]string{"a", "b"} {
		t.Errorf("observer unpaired = %v", obs.unpaired)
	}

	// A new agent picks up the waiting requester.
	peer, _ := p.Admit(newSession("b2", session.RoleAgent))
	if peer == nil || peer.ID() != "a" {
		t.Errorf("new agent paired with %v, want a", peer)
	}
}

func TestRelease_Idempotent(t *testing.T) {
	p, _, obs := newPolicy()
	p.Admit(newSession("a", session.RoleRequester))
	p.Admit(newSession("b", session.RoleAgent))

	p.Release("a")
	orphan, repaired := p.Release("a")
	if orphan != nil || repaired != nil {
		t.Errorf("second Release() = (%v, %v), want (nil, nil)", orphan, repaired)
	}
	if len(obs.unpaired) != 1 {
		t.Errorf("unpaired notified %d times, want 1", len(obs.unpaired))
	}
}

func TestRelease_UnpairedSession(t *testing.T) {
	p, reg, _ := newPolicy()
	p.Admit(newSession("a", session.RoleRequester))

	orphan, repaired := p.Release("a")
	if orphan != nil || repaired != nil {
		t.Errorf("Release() = (%v, %v), want (nil, nil)", orphan, repaired)
	}
	if reg.ActiveCount(session.RoleRequester) != 0 {
		t.Error("session still counted")
	}
}
