package transport

import (
	"context"
	"time"

	"github.com/meshroute/meshroute/lib/identity"
)

// ID names a transport instance, e.g. "mesh" or "relay".
type ID = identity.TransportID

// ListenerID is returned by AddListener and used to remove the listener.
type ListenerID uint64

// Message is one inbound chat message as delivered by a transport.
type Message struct {
	ID             string
	Transport      ID
	From           identity.PeerAddress
	SenderNickname string
	Content        string
	Mentions       []string
	// Private is set for messages addressed to this device only.
	Private bool
	// Geohash is set for messages sent on a location channel.
	Geohash   string
	Timestamp time.Time
}

// PeerSnapshot is one transport's current view of one peer.
type PeerSnapshot struct {
	Address    identity.PeerAddress
	Nickname   string
	Connected  bool
	Metadata   map[string]string
	Transport  ID
	ObservedAt time.Time
}

// Listener receives transport events. Callbacks run on the transport's own
// goroutine and must not block for long.
type Listener interface {
	OnMessageReceived(msg Message)
	OnPeerConnected(addr identity.PeerAddress)
	OnPeerDisconnected(addr identity.PeerAddress)
	OnPeerListUpdated(addrs []identity.PeerAddress)
}

// Transport is the capability every concrete transport provides.
type Transport interface {
	ID() ID
	Name() string

	// SendMessage broadcasts to every peer the transport can reach.
	SendMessage(ctx context.Context, content string, mentions []string) error
	SendPrivateMessage(ctx context.Context, content string, to identity.PeerAddress, recipientNickname, messageID string) error
	IsPeerReachable(addr identity.PeerAddress) bool

	// PeerSnapshots returns the channel of full peer-list snapshots for the
	// current connect cycle. A new channel is handed out after each Start.
	PeerSnapshots() <-chan []PeerSnapshot

	AddListener(l Listener) ListenerID
	RemoveListener(id ListenerID)

	Start(ctx context.Context) error
	Close() error
}

// HandshakeCarrier is implemented by transports that can carry opaque
// handshake payloads to a single peer.
type HandshakeCarrier interface {
	SendHandshake(ctx context.Context, to identity.PeerAddress, payload []byte) error
}

// HandshakeListener is the optional listener extension for handshake
// payloads. Transports check for it with a type assertion.
type HandshakeListener interface {
	OnHandshake(from identity.PeerAddress, payload []byte)
}

// LocationCapable is implemented by transports that can scope a message to
// a geohash channel.
type LocationCapable interface {
	JoinLocation(ctx context.Context, geohash string) error
	LeaveLocation(ctx context.Context, geohash string) error
	SendLocationMessage(ctx context.Context, geohash, content string, mentions []string) error
}
