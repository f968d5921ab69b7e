package memmesh

import (
	"bytes"
	"context"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/meshroute/meshroute/lib/identity"
	"github.com/meshroute/meshroute/lib/transport"
	"github.com/meshroute/meshroute/lib/util/logger"
	"github.com/samber/oops"
)

const inboxSize = 256

// Node is one device's radio. Every inbound event runs on the node's own
// goroutine, so listeners see events in arrival order.
type Node struct {
	transport.ListenerTable

	hub      *Hub
	id       transport.ID
	nickname string

	mu        sync.Mutex
	addr      identity.PeerAddress
	started   bool
	closed    bool
	sendErr   error
	locations map[string]struct{}
	inbox     chan func()
	done      chan struct{}
	stopped   chan struct{}
	snapshots chan []transport.PeerSnapshot
}

var (
	_ transport.Transport        = (*Node)(nil)
	_ transport.HandshakeCarrier = (*Node)(nil)
	_ transport.LocationCapable  = (*Node)(nil)
)

func (n *Node) ID() transport.ID { return n.id }

func (n *Node) Name() string { return "memmesh(" + n.nickname + ")" }

// Address is the node's current routable address.
func (n *Node) Address() identity.PeerAddress {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.addr
}

func (n *Node) Nickname() string { return n.nickname }

// FailSends makes every subsequent send return err. nil restores sending.
func (n *Node) FailSends(err error) {
	n.mu.Lock()
	n.sendErr = err
	n.mu.Unlock()
}

func (n *Node) running() bool {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.started && !n.closed
}

// Start brings the radio up and announces it to linked nodes. The node is
// closed when ctx is done.
func (n *Node) Start(ctx context.Context) error {
	n.mu.Lock()
	if n.closed {
		n.mu.Unlock()
		return transport.ErrClosed
	}
	if n.started {
		n.mu.Unlock()
		return nil
	}
	n.started = true
	n.inbox = make(chan func(), inboxSize)
	n.done = make(chan struct{})
	n.stopped = make(chan struct{})
	n.snapshots = make(chan []transport.PeerSnapshot, 1)
	go n.loop(n.inbox, n.done, n.stopped)
	addr := n.addr
	n.mu.Unlock()

	go func() {
		select {
		case <-ctx.Done():
			n.Close()
		case <-n.done:
		}
	}()

	neighbors := n.hub.neighbors(n)
	for _, nb := range neighbors {
		nb.peerAppeared(addr)
		n.peerAppeared(nb.Address())
	}
	n.hub.publishSnapshots(append(neighbors, n)...)

	log.WithFields(logger.Fields{
		"at":        "(Node) Start",
		"address":   addr.String(),
		"neighbors": len(neighbors),
	}).Debug("node started")
	return nil
}

func (n *Node) loop(inbox chan func(), done, stopped chan struct{}) {
	defer close(stopped)
	for {
		select {
		case fn := <-inbox:
			fn()
		case <-done:
			return
		}
	}
}

// Close takes the radio down. Linked nodes see the peer disconnect.
func (n *Node) Close() error {
	n.mu.Lock()
	if n.closed {
		n.mu.Unlock()
		return nil
	}
	n.closed = true
	started := n.started
	addr := n.addr
	n.mu.Unlock()

	neighbors := n.hub.remove(n)
	for _, nb := range neighbors {
		nb.peerVanished(addr)
	}
	n.hub.publishSnapshots(neighbors...)

	if started {
		close(n.done)
		<-n.stopped
		// a down node has no peers; readers see the close, not a stale list
		select {
		case <-n.snapshots:
		default:
		}
		close(n.snapshots)
	}
	log.WithFields(logger.Fields{
		"at":      "(Node) Close",
		"address": addr.String(),
	}).Debug("node closed")
	return nil
}

// enqueue schedules fn on the node's goroutine. Events for a node that is
// down are dropped, like radio frames nobody hears.
func (n *Node) enqueue(ctx context.Context, fn func()) error {
	n.mu.Lock()
	if !n.started || n.closed {
		n.mu.Unlock()
		return nil
	}
	inbox, done := n.inbox, n.done
	n.mu.Unlock()

	select {
	case inbox <- fn:
		return nil
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (n *Node) peerAppeared(addr identity.PeerAddress) {
	_ = n.enqueue(context.Background(), func() { n.EmitConnected(addr) })
}

func (n *Node) peerVanished(addr identity.PeerAddress) {
	_ = n.enqueue(context.Background(), func() { n.EmitDisconnected(addr) })
}

func (n *Node) currentSnapshot() []transport.PeerSnapshot {
	now := time.Now()
	neighbors := n.hub.neighbors(n)
	out := make([]transport.PeerSnapshot, 0, len(neighbors))
	for _, nb := range neighbors {
		out = append(out, transport.PeerSnapshot{
			Address:    nb.Address(),
			Nickname:   nb.nickname,
			Connected:  true,
			Metadata:   map[string]string{"hops": "1"},
			Transport:  n.id,
			ObservedAt: now,
		})
	}
	sort.Slice(out, func(i, j int) bool {
		return bytes.Compare(out[i].Address[:], out[j].Address[:]) < 0
	})
	return out
}

// publishSnapshot emits the peer list and replaces any unread snapshot.
func (n *Node) publishSnapshot() {
	_ = n.enqueue(context.Background(), func() {
		snap := n.currentSnapshot()
		addrs := make([]identity.PeerAddress, 0, len(snap))
		for _, s := range snap {
			addrs = append(addrs, s.Address)
		}
		n.EmitPeerList(addrs)

		// only the loop goroutine writes, so drain-then-send cannot block
		select {
		case <-n.snapshots:
		default:
		}
		n.snapshots <- snap
	})
}

// PeerSnapshots returns the snapshot channel of the current run. It is
// closed by Close.
func (n *Node) PeerSnapshots() <-chan []transport.PeerSnapshot {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.snapshots
}

func (n *Node) AddListener(l transport.Listener) transport.ListenerID { return n.Add(l) }

func (n *Node) RemoveListener(id transport.ListenerID) { n.Remove(id) }

// RotateAddress switches to a fresh random address. Neighbors see the old
// address disconnect and the new one connect.
func (n *Node) RotateAddress() (identity.PeerAddress, error) {
	fresh, err := identity.NewPeerAddress()
	if err != nil {
		return identity.PeerAddress{}, oops.In("memmesh").Wrap(err)
	}
	n.mu.Lock()
	old := n.addr
	n.addr = fresh
	n.mu.Unlock()

	neighbors := n.hub.neighbors(n)
	for _, nb := range neighbors {
		nb.peerVanished(old)
		nb.peerAppeared(fresh)
	}
	n.hub.publishSnapshots(neighbors...)
	log.WithFields(logger.Fields{
		"at":  "(Node) RotateAddress",
		"old": old.String(),
		"new": fresh.String(),
	}).Debug("address rotated")
	return fresh, nil
}

func (n *Node) sendState() (identity.PeerAddress, error) {
	n.mu.Lock()
	defer n.mu.Unlock()
	if n.closed {
		return identity.PeerAddress{}, transport.ErrClosed
	}
	if !n.started {
		return identity.PeerAddress{}, transport.ErrNotStarted
	}
	return n.addr, n.sendErr
}

func (n *Node) SendMessage(ctx context.Context, content string, mentions []string) error {
	from, err := n.sendState()
	if err != nil {
		return err
	}
	msgID := uuid.NewString()
	for _, nb := range n.hub.neighbors(n) {
		msg := transport.Message{
			ID:             msgID,
			Transport:      nb.id,
			From:           from,
			SenderNickname: n.nickname,
			Content:        content,
			Mentions:       append([]string(nil), mentions...),
			Timestamp:      time.Now(),
		}
		if err := nb.enqueue(ctx, func() { nb.EmitMessage(msg) }); err != nil {
			return oops.In("memmesh").Wrap(err)
		}
	}
	return nil
}

func (n *Node) neighborAt(addr identity.PeerAddress) *Node {
	for _, nb := range n.hub.neighbors(n) {
		if nb.Address() == addr {
			return nb
		}
	}
	return nil
}

func (n *Node) IsPeerReachable(addr identity.PeerAddress) bool {
	if !n.running() {
		return false
	}
	return n.neighborAt(addr) != nil
}

func (n *Node) SendPrivateMessage(ctx context.Context, content string, to identity.PeerAddress, recipientNickname, messageID string) error {
	from, err := n.sendState()
	if err != nil {
		return err
	}
	nb := n.neighborAt(to)
	if nb == nil {
		return oops.In("memmesh").With("address", to.String()).Wrap(transport.ErrPeerUnreachable)
	}
	if messageID == "" {
		messageID = uuid.NewString()
	}
	msg := transport.Message{
		ID:             messageID,
		Transport:      nb.id,
		From:           from,
		SenderNickname: n.nickname,
		Content:        content,
		Private:        true,
		Timestamp:      time.Now(),
	}
	return nb.enqueue(ctx, func() { nb.EmitMessage(msg) })
}

// SendHandshake delivers an opaque handshake payload to one neighbor.
func (n *Node) SendHandshake(ctx context.Context, to identity.PeerAddress, payload []byte) error {
	from, err := n.sendState()
	if err != nil {
		return err
	}
	nb := n.neighborAt(to)
	if nb == nil {
		return oops.In("memmesh").With("address", to.String()).Wrap(transport.ErrPeerUnreachable)
	}
	payload = bytes.Clone(payload)
	return nb.enqueue(ctx, func() { nb.EmitHandshake(from, payload) })
}

func (n *Node) JoinLocation(_ context.Context, geohash string) error {
	n.mu.Lock()
	n.locations[geohash] = struct{}{}
	n.mu.Unlock()
	return nil
}

func (n *Node) LeaveLocation(_ context.Context, geohash string) error {
	n.mu.Lock()
	delete(n.locations, geohash)
	n.mu.Unlock()
	return nil
}

func (n *Node) joined(geohash string) bool {
	n.mu.Lock()
	defer n.mu.Unlock()
	_, ok := n.locations[geohash]
	return ok
}

// SendLocationMessage reaches neighbors that joined geohash.
func (n *Node) SendLocationMessage(ctx context.Context, geohash, content string, mentions []string) error {
	from, err := n.sendState()
	if err != nil {
		return err
	}
	msgID := uuid.NewString()
	for _, nb := range n.hub.neighbors(n) {
		if !nb.joined(geohash) {
			continue
		}
		msg := transport.Message{
			ID:             msgID,
			Transport:      nb.id,
			From:           from,
			SenderNickname: n.nickname,
			Content:        content,
			Mentions:       append([]string(nil), mentions...),
			Geohash:        geohash,
			Timestamp:      time.Now(),
		}
		if err := nb.enqueue(ctx, func() { nb.EmitMessage(msg) }); err != nil {
			return oops.In("memmesh").Wrap(err)
		}
	}
	return nil
}
