// Package memmesh simulates a short-range radio mesh in process. A Hub holds
// nodes and the radio links between them; each Node is a transport.Transport
// for one device. Links are single hop: a node reaches exactly the nodes it
// is linked to.
package memmesh

import (
	"sync"

	"github.com/meshroute/meshroute/lib/identity"
	"github.com/meshroute/meshroute/lib/transport"
	"github.com/meshroute/meshroute/lib/util/logger"
	"github.com/samber/oops"
)

// Hub is the shared radio medium.
type Hub struct {
	mu    sync.Mutex
	links map[*Node]map[*Node]struct{}
}

func NewHub() *Hub {
	return &Hub{links: make(map[*Node]map[*Node]struct{})}
}

// NewNode creates a node with a random address. It must be started before
// it sends or receives.
func (h *Hub) NewNode(id transport.ID, nickname string) (*Node, error) {
	addr, err := identity.NewPeerAddress()
	if err != nil {
		return nil, oops.In("memmesh").Wrap(err)
	}
	n := &Node{
		hub:       h,
		id:        id,
		nickname:  nickname,
		addr:      addr,
		locations: make(map[string]struct{}),
	}
	h.mu.Lock()
	h.links[n] = make(map[*Node]struct{})
	h.mu.Unlock()
	log.WithFields(logger.Fields{
		"at":       "(Hub) NewNode",
		"address":  addr.String(),
		"nickname": nickname,
	}).Debug("node created")
	return n, nil
}

// Link puts a and b in radio range of each other.
func (h *Hub) Link(a, b *Node) {
	if a == b {
		return
	}
	h.mu.Lock()
	h.links[a][b] = struct{}{}
	h.links[b][a] = struct{}{}
	h.mu.Unlock()

	a.peerAppeared(b.Address())
	b.peerAppeared(a.Address())
	h.publishSnapshots(a, b)
}

// Unlink takes a and b out of range.
func (h *Hub) Unlink(a, b *Node) {
	h.mu.Lock()
	_, linked := h.links[a][b]
	delete(h.links[a], b)
	delete(h.links[b], a)
	h.mu.Unlock()
	if !linked {
		return
	}

	a.peerVanished(b.Address())
	b.peerVanished(a.Address())
	h.publishSnapshots(a, b)
}

// neighbors returns the started nodes linked to n.
func (h *Hub) neighbors(n *Node) []*Node {
	h.mu.Lock()
	defer h.mu.Unlock()
	out := make([]*Node, 0, len(h.links[n]))
	for nb := range h.links[n] {
		if nb.running() {
			out = append(out, nb)
		}
	}
	return out
}

func (h *Hub) publishSnapshots(nodes ...*Node) {
	for _, n := range nodes {
		n.publishSnapshot()
	}
}

func (h *Hub) remove(n *Node) []*Node {
	h.mu.Lock()
	defer h.mu.Unlock()
	out := make([]*Node, 0, len(h.links[n]))
	for nb := range h.links[n] {
		delete(h.links[nb], n)
		out = append(out, nb)
	}
	delete(h.links, n)
	return out
}
