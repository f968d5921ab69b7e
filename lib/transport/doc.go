// Package transport defines the capability every concrete chat transport
// provides and the muxer that fans sends out over several of them.
//
// # Transports
//
// A Transport sends broadcast and private messages, answers reachability
// questions for a PeerAddress and publishes full peer-list snapshots on a
// channel that is renewed for every connect cycle. Inbound events are
// delivered to registered Listeners; transports embed a ListenerTable
// instead of holding a delegate back-pointer.
//
// Optional capabilities are discovered by type assertion:
//   - HandshakeCarrier / HandshakeListener carry opaque handshake payloads
//   - LocationCapable scopes messages to a geohash channel
//
// Implementations live in subpackages:
//   - memmesh: in-process radio mesh simulation
//   - mqttrelay: store-and-forward relay over MQTT
//
// # Muxer
//
// TransportMuxer keeps transports in registration order. Broadcast goes to
// every transport; SendPrivate only to those reporting the peer reachable
// and fails with ErrPeerUnreachable when there are none. Failures are
// collected per transport into a *SendError and never abort the fan-out.
package transport
