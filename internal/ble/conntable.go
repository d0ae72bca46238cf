package ble

import (
	"log/slog"
	"sync"
	"time"
)

// staleDisconnectWindow is how long a freshly registered connection ignores
// adapter disconnect events. The stack delivers them asynchronously, so an
// event for the previous session on the same address can arrive after the
// reconnect. A real drop inside the window still fails the next GATT call.
const staleDisconnectWindow = 2 * time.Second

type disconnectNotifier interface {
	fireDisconnect()
}

type connEntry struct {
	conn  disconnectNotifier
	added time.Time
}

// connTable routes adapter-level disconnect events to the live connection
// for each address.
type connTable struct {
	mu    sync.Mutex
	conns map[string]connEntry
	now   func() time.Time
}

func newConnTable() *connTable {
	return &connTable{
		conns: make(map[string]connEntry),
		now:   time.Now,
	}
}

// add registers conn as the live connection for id, replacing any other.
func (t *connTable) add(id string, conn disconnectNotifier) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.conns[id] = connEntry{conn: conn, added: t.now()}
}

// remove drops id only while it still points at conn.
func (t *connTable) remove(id string, conn disconnectNotifier) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if e, ok := t.conns[id]; ok && e.conn == conn {
		delete(t.conns, id)
	}
}

// lost handles a disconnect event for id.
func (t *connTable) lost(id string) {
	t.mu.Lock()
	e, ok := t.conns[id]
	if !ok {
		t.mu.Unlock()
		return
	}
	if age := t.now().Sub(e.added); age < staleDisconnectWindow {
		t.mu.Unlock()
		slog.Debug("[BLE] ignoring disconnect event for new connection", "mac", id, "age", age)
		return
	}
	delete(t.conns, id)
	t.mu.Unlock()

	e.conn.fireDisconnect()
}
