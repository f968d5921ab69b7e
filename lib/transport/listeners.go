package transport

import (
	"sync"

	"github.com/meshroute/meshroute/lib/identity"
)

// ListenerTable is the listener registry embedded by transports. Emit
// methods call listeners outside the table lock, in registration order.
type ListenerTable struct {
	mu     sync.RWMutex
	nextID ListenerID
	ids    []ListenerID
	byID   map[ListenerID]Listener
}

func (t *ListenerTable) Add(l Listener) ListenerID {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.byID == nil {
		t.byID = make(map[ListenerID]Listener)
	}
	t.nextID++
	id := t.nextID
	t.byID[id] = l
	t.ids = append(t.ids, id)
	return id
}

func (t *ListenerTable) Remove(id ListenerID) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if _, ok := t.byID[id]; !ok {
		return
	}
	delete(t.byID, id)
	for i, v := range t.ids {
		if v == id {
			t.ids = append(t.ids[:i], t.ids[i+1:]...)
			break
		}
	}
}

func (t *ListenerTable) Len() int {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return len(t.ids)
}

func (t *ListenerTable) snapshot() []Listener {
	t.mu.RLock()
	defer t.mu.RUnlock()
	out := make([]Listener, 0, len(t.ids))
	for _, id := range t.ids {
		out = append(out, t.byID[id])
	}
	return out
}

func (t *ListenerTable) EmitMessage(msg Message) {
	for _, l := range t.snapshot() {
		l.OnMessageReceived(msg)
	}
}

func (t *ListenerTable) EmitConnected(addr identity.PeerAddress) {
	for _, l := range t.snapshot() {
		l.OnPeerConnected(addr)
	}
}

func (t *ListenerTable) EmitDisconnected(addr identity.PeerAddress) {
	for _, l := range t.snapshot() {
		l.OnPeerDisconnected(addr)
	}
}

func (t *ListenerTable) EmitPeerList(addrs []identity.PeerAddress) {
	for _, l := range t.snapshot() {
		l.OnPeerListUpdated(addrs)
	}
}

// EmitHandshake delivers to listeners that implement HandshakeListener.
func (t *ListenerTable) EmitHandshake(from identity.PeerAddress, payload []byte) {
	for _, l := range t.snapshot() {
		if hl, ok := l.(HandshakeListener); ok {
			hl.OnHandshake(from, payload)
		}
	}
}
