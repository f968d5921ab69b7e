// Package identity keeps three layers of peer identity apart:
//
//   - EphemeralIdentity: a rotating PeerAddress and its handshake session.
//     Held in memory only and destroyed on rotation or idle timeout.
//   - CryptographicIdentity: the static public key a handshake proved,
//     named by its Fingerprint (hex SHA-256). Persisted.
//   - SocialIdentity: the user's local relationship with a fingerprint
//     (petname, trust, favorite, blocked, notes). Persisted, never
//     deleted automatically.
//
// A Store binds addresses to fingerprints through the per-address
// handshake state machine. Because user data hangs off the fingerprint,
// address rotation never resets a favorite or a petname.
//
// Persistence goes through a kv.Store under the keys "crypto/<fp>" and
// "social/<fp>".
package identity
