package session

import (
	"testing"
	"time"
)

func TestTableEvict(t *testing.T) {
	const timeout = 120 * time.Second

	table := NewTable()
	stale, created, _ := table.Accept(testStart, testAddr, 0)
	if !created {
		t.Fatal("Accept did not create a session")
	}

	table.Accept(testStart.Add(timeout/2), testAddr2, 0)

	if s, created, _ := table.Accept(testStart, testAddr, 0); created || s != stale {
		t.Error("Accept created a duplicate session")
	}

	if evicted := table.Evict(testStart.Add(timeout), timeout); len(evicted) != 0 {
		t.Fatalf("evicted %d sessions at exactly the timeout", len(evicted))
	}

	evicted := table.Evict(testStart.Add(timeout+time.Nanosecond), timeout)
	if len(evicted) != 1 || evicted[0] != stale {
		t.Fatalf("Evict = %v, want only the stale session", evicted)
	}
	if _, ok := table.Get(testAddr); ok {
		t.Error("evicted session still in table")
	}
	if table.Len() != 1 {
		t.Errorf("table.Len() = %d, want 1", table.Len())
	}

	s, created, _ := table.Accept(testStart.Add(timeout), testAddr, 0)
	if !created || s == stale {
		t.Fatal("traffic from an evicted address did not create a new session")
	}
	if state := s.State(); state != StateActive {
		t.Errorf("new session state = %v, want %v", state, StateActive)
	}
}

func TestTableAcceptAfterEvict(t *testing.T) {
	const timeout = 120 * time.Second

	table := NewTable()
	s, created, activated := table.Accept(testStart, testAddr, 64)
	if !created || !activated {
		t.Fatalf("first Accept: created = %v, activated = %v, want true, true", created, activated)
	}

	now := testStart.Add(timeout + time.Nanosecond)
	evicted := table.Evict(now, timeout)
	if len(evicted) != 1 || evicted[0] != s {
		t.Fatalf("Evict = %v, want the stale session", evicted)
	}

	fresh, created, activated := table.Accept(now, testAddr, 64)
	if !created || fresh == s {
		t.Fatal("Accept revived an evicted session")
	}
	if !activated {
		t.Error("Accept on a new session did not report activation")
	}
	if got, _ := table.Get(testAddr); got != fresh {
		t.Error("table does not hold the new session")
	}
	if state := s.State(); state != StateTimedOut {
		t.Errorf("evicted session state = %v, want %v", state, StateTimedOut)
	}

	if evicted := table.Evict(now, timeout); len(evicted) != 0 {
		t.Errorf("Evict removed %d sessions right after Accept", len(evicted))
	}
	if _, created, activated := table.Accept(now.Add(time.Second), testAddr, 64); created || activated {
		t.Errorf("repeated Accept: created = %v, activated = %v, want false, false", created, activated)
	}
}

func TestTableEvictDisconnected(t *testing.T) {
	table := NewTable()
	s, _, _ := table.Accept(testStart, testAddr, 0)
	s.Disconnect(testStart)

	if evicted := table.Evict(testStart, time.Hour); len(evicted) != 1 {
		t.Errorf("Evict removed %d sessions, want 1", len(evicted))
	}
}

func TestTableSnapshotOrdered(t *testing.T) {
	table := NewTable()
	table.Accept(testStart, testAddr2, 0)
	table.Accept(testStart, testAddr, 0)

	snaps := table.Snapshot()
	if len(snaps) != 2 {
		t.Fatalf("len(snaps) = %d, want 2", len(snaps))
	}
	if snaps[0].RemoteAddress != testAddr || snaps[1].RemoteAddress != testAddr2 {
		t.Errorf("snapshots not ordered: %v, %v", snaps[0].RemoteAddress, snaps[1].RemoteAddress)
	}

	if _, ok := table.Remove(testAddr); !ok {
		t.Error("Remove did not find the session")
	}
	if _, ok := table.Remove(testAddr); ok {
		t.Error("Remove found an already removed session")
	}
}
