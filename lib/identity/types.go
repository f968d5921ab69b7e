package identity

import (
	"crypto/rand"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/samber/oops"
)

// TransportID names one concrete transport instance, e.g. "mesh" or "relay".
type TransportID string

// PeerAddress is a short-lived routable address. It rotates for privacy and
// carries no identity guarantee.
type PeerAddress [8]byte

// NewPeerAddress returns a random address.
func NewPeerAddress() (PeerAddress, error) {
	var a PeerAddress
	if _, err := rand.Read(a[:]); err != nil {
		return PeerAddress{}, oops.In("identity").Wrapf(err, "generate peer address")
	}
	return a, nil
}

// ParsePeerAddress parses the 16 hex character form produced by String.
func ParsePeerAddress(s string) (PeerAddress, error) {
	var a PeerAddress
	raw, err := hex.DecodeString(strings.TrimSpace(s))
	if err != nil || len(raw) != len(a) {
		return PeerAddress{}, oops.In("identity").With("address", s).Wrapf(ErrInvalidAddress, "expected %d hex bytes", len(a))
	}
	copy(a[:], raw)
	return a, nil
}

func (a PeerAddress) String() string { return hex.EncodeToString(a[:]) }

// Short is the first 8 hex characters, used as a last-resort display name.
func (a PeerAddress) Short() string { return a.String()[:8] }

func (a PeerAddress) IsZero() bool { return a == PeerAddress{} }

func (a PeerAddress) MarshalText() ([]byte, error) { return []byte(a.String()), nil }

func (a *PeerAddress) UnmarshalText(b []byte) error {
	p, err := ParsePeerAddress(string(b))
	if err != nil {
		return err
	}
	*a = p
	return nil
}

// Fingerprint is the lowercase hex SHA-256 of a static public key.
type Fingerprint string

// FingerprintOf derives the fingerprint of a public key.
func FingerprintOf(publicKey []byte) Fingerprint {
	sum := sha256.Sum256(publicKey)
	return Fingerprint(hex.EncodeToString(sum[:]))
}

// ParseFingerprint validates and normalises a fingerprint string.
func ParseFingerprint(s string) (Fingerprint, error) {
	s = strings.ToLower(strings.TrimSpace(s))
	if len(s) != sha256.Size*2 {
		return "", oops.In("identity").With("fingerprint", s).Wrapf(ErrInvalidFingerprint, "expected %d hex characters", sha256.Size*2)
	}
	if _, err := hex.DecodeString(s); err != nil {
		return "", oops.In("identity").With("fingerprint", s).Wrapf(ErrInvalidFingerprint, "not hex")
	}
	return Fingerprint(s), nil
}

func (f Fingerprint) String() string { return string(f) }

func (f Fingerprint) Short() string {
	if len(f) < 8 {
		return string(f)
	}
	return string(f[:8])
}

// PeerRef is either a Fingerprint or a PeerAddress.
type PeerRef interface {
	isPeerRef()
}

func (Fingerprint) isPeerRef() {}
func (PeerAddress) isPeerRef() {}

// TrustLevel is ordered: Unknown < Casual < Trusted < Verified.
type TrustLevel int

const (
	TrustUnknown TrustLevel = iota
	TrustCasual
	TrustTrusted
	TrustVerified
)

var trustNames = [...]string{
	TrustUnknown:  "unknown",
	TrustCasual:   "casual",
	TrustTrusted:  "trusted",
	TrustVerified: "verified",
}

func (t TrustLevel) String() string {
	if t < TrustUnknown || t > TrustVerified {
		return fmt.Sprintf("TrustLevel(%d)", int(t))
	}
	return trustNames[t]
}

// ParseTrustLevel parses a trust level name.
func ParseTrustLevel(s string) (TrustLevel, error) {
	s = strings.ToLower(strings.TrimSpace(s))
	for i, name := range trustNames {
		if name == s {
			return TrustLevel(i), nil
		}
	}
	return 0, oops.In("identity").With("trust", s).Wrapf(ErrInvalidTrustLevel, "unknown trust level")
}

func (t TrustLevel) MarshalText() ([]byte, error) {
	if t < TrustUnknown || t > TrustVerified {
		return nil, oops.In("identity").With("trust", int(t)).Wrapf(ErrInvalidTrustLevel, "marshal")
	}
	return []byte(t.String()), nil
}

func (t *TrustLevel) UnmarshalText(b []byte) error {
	v, err := ParseTrustLevel(string(b))
	if err != nil {
		return err
	}
	*t = v
	return nil
}

// EphemeralIdentity is a snapshot of one observed address and its session.
type EphemeralIdentity struct {
	Address      PeerAddress
	SessionStart time.Time
	State        HandshakeState
	// Transports the address has been seen on, sorted.
	Transports []TransportID
	// Fingerprint is set once the address is linked to a cryptographic identity.
	Fingerprint Fingerprint
	// Nickname is the last nickname the address announced, unverified.
	Nickname string
}

// CryptographicIdentity is the stable identity proven by a handshake. It is
// immutable except for LastHandshake.
type CryptographicIdentity struct {
	Fingerprint   Fingerprint `json:"fingerprint"`
	PublicKey     []byte      `json:"public_key"`
	SigningKey    []byte      `json:"signing_key,omitempty"`
	FirstSeen     time.Time   `json:"first_seen"`
	LastHandshake time.Time   `json:"last_handshake"`
}

// SocialIdentity is the local, user-curated relationship with a fingerprint.
type SocialIdentity struct {
	Fingerprint     Fingerprint `json:"fingerprint"`
	LocalPetname    string      `json:"local_petname,omitempty"`
	ClaimedNickname string      `json:"claimed_nickname,omitempty"`
	Trust           TrustLevel  `json:"trust"`
	IsFavorite      bool        `json:"is_favorite"`
	IsBlocked       bool        `json:"is_blocked"`
	Notes           string      `json:"notes,omitempty"`
}

func sortedTransports(set map[TransportID]struct{}) []TransportID {
	out := make([]TransportID, 0, len(set))
	for t := range set {
		out = append(out, t)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}
