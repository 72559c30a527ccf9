package transport

import (
	"sync"
	"sync/atomic"
)

// connTracker records live connections so they can be closed on shutdown.
type connTracker struct {
	mu          sync.Mutex
	connections map[Conn]struct{}
	connCount   atomic.Int64
}

func newConnTracker() *connTracker {
	return &connTracker{
		connections: make(map[Conn]struct{}),
	}
}

func (t *connTracker) add(conn Conn) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.connections[conn] = struct{}{}
	t.connCount.Add(1)
}

// remove is safe to call more than once for the same connection.
func (t *connTracker) remove(conn Conn) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if _, exists := t.connections[conn]; exists {
		delete(t.connections, conn)
		t.connCount.Add(-1)
	}
}

func (t *connTracker) count() int64 {
	return t.connCount.Load()
}

// closeAll closes every tracked connection with the given status and
// forgets them.
func (t *connTracker) closeAll(code CloseCode, reason string) {
	t.mu.Lock()
	conns := make([]Conn, 0, len(t.connections))
	for conn := range t.connections {
		conns = append(conns, conn)
	}
	t.connections = make(map[Conn]struct{})
	t.connCount.Store(0)
	t.mu.Unlock()

	// Close outside the lock: each close waits for the peer's close frame.
	var wg sync.WaitGroup
	for _, conn := range conns {
		wg.Add(1)
		go func(c Conn) {
			defer wg.Done()
			c.Close(code, reason)
		}(conn)
	}
	wg.Wait()
}
