package session

import (
	"sort"
	"sync"
	"time"
)

// Pairing is one requester/agent association.
type Pairing struct {
	RequesterID string `json:"requester_id"`
	AgentID     string `json:"agent_id"`
}

// Info is a point-in-time view of a session for status surfaces.
type Info struct {
	ID          string    `json:"id"`
	Role        string    `json:"role"`
	ConnectedAt time.Time `json:"connected_at"`
	RemoteAddr  string    `json:"remote_addr,omitempty"`
	Active      bool      `json:"active"`
	PairedWith  string    `json:"paired_with,omitempty"`
}

// Registry holds every live session and the pairing table.
//
// One lock covers both role maps, the forward table and the reverse
// index, so every method observes them consistently:
//   - an id is in at most one role map
//   - forward and reverse entries mirror each other exactly
//   - every id in the pairing table is present in its role map
type Registry struct {
	mu         sync.RWMutex
	requesters map[string]*Session
	agents     map[string]*Session
	forward    map[string]string // requester id -> agent id
	reverse    map[string]string // agent id -> requester id
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{
		requesters: make(map[string]*Session),
		agents:     make(map[string]*Session),
		forward:    make(map[string]string),
		reverse:    make(map[string]string),
	}
}

// Txn is a view of the registry inside Update. It must not escape the
// callback.
type Txn struct {
	r *Registry
}

// Update runs fn with the registry write-locked, so a multi-step change
// such as scan-then-pair is atomic.
func (r *Registry) Update(fn func(tx *Txn) error) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	return fn(&Txn{r: r})
}

// Register adds s under its role, replacing any session with the same id.
func (r *Registry) Register(s *Session) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.register(s)
}

// Remove deletes the session and every pairing that mentions it. It
// returns false when the id was unknown.
func (r *Registry) Remove(id string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.remove(id)
}

// Pair records requesterID <-> agentID, replacing earlier pairings of
// either side. Unknown ids are ignored and Pair returns false.
func (r *Registry) Pair(requesterID, agentID string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.pair(requesterID, agentID)
}

// Get returns the session with id under role, or nil.
func (r *Registry) Get(role Role, id string) *Session {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.roleMap(role)[id]
}

// Lookup returns the session with id under either role, or nil.
func (r *Registry) Lookup(id string) *Session {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.lookup(id)
}

// PairedAgentFor returns the agent paired with requesterID, or nil.
func (r *Registry) PairedAgentFor(requesterID string) *Session {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if agentID, ok := r.forward[requesterID]; ok {
		return r.agents[agentID]
	}
	return nil
}

// PairedRequesterFor returns the requester paired with agentID, or nil.
func (r *Registry) PairedRequesterFor(agentID string) *Session {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if requesterID, ok := r.reverse[agentID]; ok {
		return r.requesters[requesterID]
	}
	return nil
}

// PeerOf returns the session paired with id, whatever its role, or nil.
func (r *Registry) PeerOf(id string) *Session {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.peerOf(id)
}

// FindUnpairedAgent returns an open agent that is not paired, or nil.
func (r *Registry) FindUnpairedAgent() *Session {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.findUnpaired(RoleAgent)
}

// FindUnpairedRequester returns an open requester that is not paired, or nil.
func (r *Registry) FindUnpairedRequester() *Session {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.findUnpaired(RoleRequester)
}

// ActiveCount returns the number of open sessions of role.
func (r *Registry) ActiveCount(role Role) int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	n := 0
	for _, s := range r.roleMap(role) {
		if s.IsActive() {
			n++
		}
	}
	return n
}

// PairingCount returns the number of pairings.
func (r *Registry) PairingCount() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.forward)
}

// Pairings returns the pairing table sorted by requester id.
func (r *Registry) Pairings() []Pairing {
	r.mu.RLock()
	out := make([]Pairing, 0, len(r.forward))
	for req, agent := range r.forward {
		out = append(out, Pairing{RequesterID: req, AgentID: agent})
	}
	r.mu.RUnlock()

	sort.Slice(out, func(i, j int) bool { return out[i].RequesterID < out[j].RequesterID })
	return out
}

// Snapshot returns every registered session, oldest first.
func (r *Registry) Snapshot() []Info {
	r.mu.RLock()
	out := make([]Info, 0, len(r.requesters)+len(r.agents))
	for _, m := range []map[string]*Session{r.requesters, r.agents} {
		for id, s := range m {
			info := Info{
				ID:          id,
				Role:        s.Role.String(),
				ConnectedAt: s.ConnectedAt,
				Active:      s.IsActive(),
			}
			if s.Conn != nil {
				info.RemoteAddr = s.Conn.RemoteAddr()
			}
			if peer := r.peerOf(id); peer != nil {
				info.PairedWith = peer.ID()
			}
			out = append(out, info)
		}
	}
	r.mu.RUnlock()

	sort.Slice(out, func(i, j int) bool {
		if out[i].ConnectedAt.Equal(out[j].ConnectedAt) {
			return out[i].ID < out[j].ID
		}
		return out[i].ConnectedAt.Before(out[j].ConnectedAt)
	})
	return out
}

// Txn methods mirror the Registry methods without locking.

// Register adds s under its role.
func (tx *Txn) Register(s *Session) { tx.r.register(s) }

// Remove deletes id and its pairings.
func (tx *Txn) Remove(id string) bool { return tx.r.remove(id) }

// Pair records requesterID <-> agentID.
func (tx *Txn) Pair(requesterID, agentID string) bool { return tx.r.pair(requesterID, agentID) }

// Lookup returns the session with id, or nil.
func (tx *Txn) Lookup(id string) *Session { return tx.r.lookup(id) }

// PeerOf returns the session paired with id, or nil.
func (tx *Txn) PeerOf(id string) *Session { return tx.r.peerOf(id) }

// FindUnpaired returns an open unpaired session of role, or nil.
func (tx *Txn) FindUnpaired(role Role) *Session { return tx.r.findUnpaired(role) }

func (r *Registry) roleMap(role Role) map[string]*Session {
	if role == RoleAgent {
		return r.agents
	}
	return r.requesters
}

func (r *Registry) register(s *Session) {
	id := s.ID()
	other := r.roleMap(s.Role.Opposite())
	if _, ok := other[id]; ok {
		r.remove(id)
	}
	r.roleMap(s.Role)[id] = s
}

func (r *Registry) remove(id string) bool {
	_, isReq := r.requesters[id]
	_, isAgent := r.agents[id]
	if !isReq && !isAgent {
		return false
	}

	delete(r.requesters, id)
	delete(r.agents, id)
	r.unpair(id)
	return true
}

// unpair drops every pairing where id is key or value in either index.
func (r *Registry) unpair(id string) {
	if agentID, ok := r.forward[id]; ok {
		delete(r.forward, id)
		delete(r.reverse, agentID)
	}
	if requesterID, ok := r.reverse[id]; ok {
		delete(r.reverse, id)
		delete(r.forward, requesterID)
	}
}

func (r *Registry) pair(requesterID, agentID string) bool {
	if _, ok := r.requesters[requesterID]; !ok {
		return false
	}
	if _, ok := r.agents[agentID]; !ok {
		return false
	}
	r.unpair(requesterID)
	r.unpair(agentID)
	r.forward[requesterID] = agentID
	r.reverse[agentID] = requesterID
	return true
}

func (r *Registry) lookup(id string) *Session {
	if s, ok := r.requesters[id]; ok {
		return s
	}
	return r.agents[id]
}

func (r *Registry) peerOf(id string) *Session {
	if agentID, ok := r.forward[id]; ok {
		return r.agents[agentID]
	}
	if requesterID, ok := r.reverse[id]; ok {
		return r.requesters[requesterID]
	}
	return nil
}

// findUnpaired returns the longest-waiting open session of role that has
// no pairing.
func (r *Registry) findUnpaired(role Role) *Session {
	var best *Session
	for id, s := range r.roleMap(role) {
		if !s.IsActive() {
			continue
		}
		if _, ok := r.forward[id]; ok {
			continue
		}
		if _, ok := r.reverse[id]; ok {
			continue
		}
		if best == nil || s.ConnectedAt.Before(best.ConnectedAt) ||
			(s.ConnectedAt.Equal(best.ConnectedAt) && id < best.ID()) {
			best = s
		}
	}
	return best
}
