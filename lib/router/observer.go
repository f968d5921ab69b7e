package router

import (
	"context"

	"github.com/meshroute/meshroute/lib/directory"
	"github.com/meshroute/meshroute/lib/identity"
	"github.com/meshroute/meshroute/lib/transport"
)

// InboundMessage is a received message after sender resolution.
type InboundMessage struct {
	transport.Message
	// DisplayName is the petname, the claimed nickname or a short form of
	// the sender, in that order of preference.
	DisplayName string
	// Fingerprint is empty while the sender has not completed a handshake.
	Fingerprint identity.Fingerprint
}

// Verified reports whether the sender is known by fingerprint.
func (m InboundMessage) Verified() bool { return m.Fingerprint != "" }

// Observer receives the normalised inbound stream. All callbacks run on
// the router's dispatcher goroutine, one at a time.
type Observer interface {
	OnMessage(msg InboundMessage)
	OnPeerConnected(t transport.ID, addr identity.PeerAddress)
	OnPeerDisconnected(t transport.ID, addr identity.PeerAddress)
	// OnPeersChanged is called with the merged directory view after any
	// snapshot or peer list update.
	OnPeersChanged(peers []directory.Peer)
}

// NopObserver ignores everything. Embed it to implement only some callbacks.
type NopObserver struct{}

func (NopObserver) OnMessage(InboundMessage)                              {}
func (NopObserver) OnPeerConnected(transport.ID, identity.PeerAddress)    {}
func (NopObserver) OnPeerDisconnected(transport.ID, identity.PeerAddress) {}
func (NopObserver) OnPeersChanged([]directory.Peer)                       {}

// HandshakeHandler consumes handshake payloads. carrier is the transport
// the payload arrived on and must be used for the reply.
type HandshakeHandler interface {
	HandleHandshake(ctx context.Context, carrier transport.HandshakeCarrier, from identity.PeerAddress, payload []byte)
}
