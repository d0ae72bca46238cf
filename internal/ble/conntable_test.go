package ble

import (
	"testing"
	"time"
)

type countingConn struct {
	fired int
}

func (c *countingConn) fireDisconnect() { c.fired++ }

func newTestConnTable(now *time.Time) *connTable {
	t := newConnTable()
	t.now = func() time.Time { return *now }
	return t
}

func TestConnTableRoutesDisconnect(t *testing.T) {
	now := time.Date(2026, 10, 1, 12, 0, 0, 0, time.UTC)
	table := newTestConnTable(&now)
	conn := &countingConn{}
	table.add("AA", conn)

	now = now.Add(staleDisconnectWindow)
	table.lost("AA")
	table.lost("AA")
	if conn.fired != 1 {
		t.Errorf("fired = %d, want 1", conn.fired)
	}
}

func TestConnTableRemoveKeepsNewerConnection(t *testing.T) {
	now := time.Date(2026, 10, 1, 12, 0, 0, 0, time.UTC)
	table := newTestConnTable(&now)
	old, current := &countingConn{}, &countingConn{}
	table.add("AA", old)
	table.add("AA", current)

	// Tearing down the old session must not unregister the new one.
	table.remove("AA", old)
	now = now.Add(staleDisconnectWindow)
	table.lost("AA")

	if old.fired != 0 {
		t.Errorf("old connection fired %d times", old.fired)
	}
	if current.fired != 1 {
		t.Errorf("current connection fired %d times, want 1", current.fired)
	}
}

func TestConnTableIgnoresLateEventForPreviousSession(t *testing.T) {
	now := time.Date(2026, 10, 1, 12, 0, 0, 0, time.UTC)
	table := newTestConnTable(&now)
	old := &countingConn{}
	table.add("AA", old)
	table.remove("AA", old)

	now = now.Add(time.Second)
	current := &countingConn{}
	table.add("AA", current)

	// The previous session's disconnect event arrives after the reconnect.
	now = now.Add(100 * time.Millisecond)
	table.lost("AA")
	if current.fired != 0 {
		t.Fatalf("late event fired the new connection %d times", current.fired)
	}

	// A later drop is still routed.
	now = now.Add(staleDisconnectWindow)
	table.lost("AA")
	if current.fired != 1 {
		t.Errorf("current connection fired %d times, want 1", current.fired)
	}
}

func TestConnTableUnknownAddress(t *testing.T) {
	table := newConnTable()
	table.lost("BB")
	table.remove("BB", &countingConn{})
}
