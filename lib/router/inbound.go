package router

import (
	"context"

	"github.com/meshroute/meshroute/lib/identity"
	"github.com/meshroute/meshroute/lib/transport"
	"github.com/meshroute/meshroute/lib/util/logger"
)

// event is one item of the shared inbound queue.
type event interface {
	isEvent()
}

type messageEvent struct {
	transport transport.ID
	msg       transport.Message
}

type connectEvent struct {
	transport transport.ID
	addr      identity.PeerAddress
}

type disconnectEvent struct {
	transport transport.ID
	addr      identity.PeerAddress
}

type peerListEvent struct {
	transport transport.ID
	addrs     []identity.PeerAddress
}

type snapshotEvent struct {
	transport transport.ID
	snapshots []transport.PeerSnapshot
}

type handshakeEvent struct {
	transport transport.ID
	from      identity.PeerAddress
	payload   []byte
}

func (messageEvent) isEvent()    {}
func (connectEvent) isEvent()    {}
func (disconnectEvent) isEvent() {}
func (peerListEvent) isEvent()   {}
func (snapshotEvent) isEvent()   {}
func (handshakeEvent) isEvent()  {}

// inbound is the listener the router registers on each transport.
type inbound struct {
	r  *Router
	id transport.ID
}

var (
	_ transport.Listener          = (*inbound)(nil)
	_ transport.HandshakeListener = (*inbound)(nil)
)

func (in *inbound) OnMessageReceived(msg transport.Message) {
	if msg.Transport == "" {
		msg.Transport = in.id
	}
	in.r.push(messageEvent{transport: in.id, msg: msg})
}

func (in *inbound) OnPeerConnected(addr identity.PeerAddress) {
	in.r.push(connectEvent{transport: in.id, addr: addr})
}

func (in *inbound) OnPeerDisconnected(addr identity.PeerAddress) {
	in.r.push(disconnectEvent{transport: in.id, addr: addr})
}

func (in *inbound) OnPeerListUpdated(addrs []identity.PeerAddress) {
	in.r.push(peerListEvent{transport: in.id, addrs: append([]identity.PeerAddress(nil), addrs...)})
}

func (in *inbound) OnHandshake(from identity.PeerAddress, payload []byte) {
	in.r.push(handshakeEvent{transport: in.id, from: from, payload: append([]byte(nil), payload...)})
}

// push enqueues ev, blocking the producing transport while the queue is
// full. Events are dropped once the router is closed.
func (r *Router) push(ev event) {
	select {
	case r.events <- ev:
	case <-r.done:
	}
}

// dispatch is the only consumer of the inbound queue.
func (r *Router) dispatch(ctx context.Context, dispatched chan struct{}) {
	defer close(dispatched)
	for {
		select {
		case ev := <-r.events:
			r.handle(ctx, ev)
		case <-ctx.Done():
			return
		}
	}
}

func (r *Router) handle(ctx context.Context, ev event) {
	switch ev := ev.(type) {
	case messageEvent:
		r.handleMessage(ctx, ev.msg)
	case connectEvent:
		r.ids.ObservePeerAddress(ev.addr, ev.transport)
		r.currentObserver().OnPeerConnected(ev.transport, ev.addr)
	case disconnectEvent:
		if err := r.ids.CancelHandshake(ev.addr, ev.transport); err != nil {
			log.WithFields(logger.Fields{
				"at":        "(Router) handle",
				"reason":    "cancel_handshake_failed",
				"transport": string(ev.transport),
				"address":   ev.addr.String(),
				"error":     err.Error(),
			}).Debug("no session to cancel")
		}
		r.dir.MarkDisconnected(ev.transport, ev.addr)
		r.currentObserver().OnPeerDisconnected(ev.transport, ev.addr)
		r.notifyPeers()
	case peerListEvent:
		for _, addr := range ev.addrs {
			r.ids.ObservePeerAddress(addr, ev.transport)
		}
		r.notifyPeers()
	case snapshotEvent:
		if _, ok := r.TransportMuxer.Get(ev.transport); !ok {
			return
		}
		for _, snap := range ev.snapshots {
			r.ids.NoteNickname(snap.Address, snap.Nickname)
		}
		r.dir.Update(ev.transport, ev.snapshots)
		r.notifyPeers()
	case handshakeEvent:
		r.handleHandshake(ctx, ev)
	default:
		panic("unreachable")
	}
}

func (r *Router) notifyPeers() {
	r.currentObserver().OnPeersChanged(r.dir.CurrentSnapshots())
}

// handleMessage resolves the sender and hands the message to the observer.
// Messages from blocked fingerprints are dropped.
func (r *Router) handleMessage(ctx context.Context, msg transport.Message) {
	in := InboundMessage{Message: msg}
	r.ids.NoteNickname(msg.From, msg.SenderNickname)
	fp, ok := r.ids.Fingerprint(msg.From)
	if !ok {
		in.DisplayName = msg.SenderNickname
		if in.DisplayName == "" {
			in.DisplayName = r.ids.DisplayName(ctx, msg.From)
		}
		r.currentObserver().OnMessage(in)
		return
	}

	in.Fingerprint = fp
	if _, err := r.ids.ResolveSocialIdentity(ctx, fp, msg.SenderNickname); err != nil {
		log.WithFields(logger.Fields{
			"at":          "(Router) handleMessage",
			"reason":      "resolve_failed",
			"fingerprint": fp.Short(),
			"error":       err.Error(),
		}).Warn("could not resolve sender")
	}
	if r.ids.IsBlocked(ctx, fp) {
		log.WithFields(logger.Fields{
			"at":          "(Router) handleMessage",
			"reason":      "sender_blocked",
			"fingerprint": fp.Short(),
			"transport":   string(msg.Transport),
		}).Debug("dropping message from blocked sender")
		return
	}
	in.DisplayName = r.ids.DisplayName(ctx, fp)
	r.currentObserver().OnMessage(in)
}

func (r *Router) handleHandshake(ctx context.Context, ev handshakeEvent) {
	h := r.currentHandshaker()
	if h == nil {
		log.WithFields(logger.Fields{
			"at":      "(Router) handleHandshake",
			"reason":  "no_handler",
			"address": ev.from.String(),
		}).Debug("dropping handshake payload")
		return
	}
	t, ok := r.TransportMuxer.Get(ev.transport)
	if !ok {
		return
	}
	carrier, ok := t.(transport.HandshakeCarrier)
	if !ok {
		log.WithFields(logger.Fields{
			"at":        "(Router) handleHandshake",
			"reason":    "no_carrier",
			"transport": string(ev.transport),
		}).Warn("handshake payload on a transport that cannot reply")
		return
	}
	r.ids.ObservePeerAddress(ev.from, ev.transport)
	h.HandleHandshake(ctx, carrier, ev.from, ev.payload)
}
