package session

import (
	"net/netip"
	"slices"
	"sync"
	"time"
)

// Table holds the sessions of a server, keyed by the peer's source address.
//
// Table is safe for concurrent use.
type Table struct {
	mu       sync.RWMutex
	sessions map[netip.AddrPort]*Session
}

// NewTable returns an empty table.
func NewTable() *Table {
	return &Table{
		sessions: make(map[netip.AddrPort]*Session),
	}
}

// Len returns the number of sessions.
func (t *Table) Len() int {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return len(t.sessions)
}

// Get returns the session of the peer at addr.
func (t *Table) Get(addr netip.AddrPort) (*Session, bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	s, ok := t.sessions[addr]
	return s, ok
}

// Accept finds or creates the session of the peer at addr and accepts a packet of
// length n on it, as one step with respect to [Table.Evict]. An evicted session is
// never revived: traffic after eviction always gets a new session.
//
// activated reports whether the session just became active.
func (t *Table) Accept(now time.Time, addr netip.AddrPort, n int) (s *Session, created, activated bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	s, ok := t.sessions[addr]
	if !ok {
		s = New(now, addr)
		t.sessions[addr] = s
		created = true
	}
	return s, created, s.Accept(now, addr, n)
}

// Remove removes and returns the session of the peer at addr.
func (t *Table) Remove(addr netip.AddrPort) (*Session, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	s, ok := t.sessions[addr]
	if ok {
		delete(t.sessions, addr)
	}
	return s, ok
}

// Sessions returns the sessions in the table, ordered by remote address.
func (t *Table) Sessions() []*Session {
	t.mu.RLock()
	keys := make([]netip.AddrPort, 0, len(t.sessions))
	for addr := range t.sessions {
		keys = append(keys, addr)
	}
	t.mu.RUnlock()

	slices.SortFunc(keys, netip.AddrPort.Compare)

	sessions := make([]*Session, 0, len(keys))
	t.mu.RLock()
	for _, addr := range keys {
		if s, ok := t.sessions[addr]; ok {
			sessions = append(sessions, s)
		}
	}
	t.mu.RUnlock()
	return sessions
}

// Evict removes and returns every session that timed out at now.
// Sessions already in [StateTimedOut] are removed too.
func (t *Table) Evict(now time.Time, timeout time.Duration) []*Session {
	var evicted []*Session

	t.mu.Lock()
	defer t.mu.Unlock()

	for addr, s := range t.sessions {
		s.CheckTimeout(now, timeout)
		if s.State() == StateTimedOut {
			delete(t.sessions, addr)
			evicted = append(evicted, s)
		}
	}
	return evicted
}

// Snapshot returns snapshots of all sessions, ordered by remote address.
func (t *Table) Snapshot() []Snapshot {
	sessions := t.Sessions()
	snapshots := make([]Snapshot, len(sessions))
	for i, s := range sessions {
		snapshots[i] = s.Snapshot()
	}
	return snapshots
}
