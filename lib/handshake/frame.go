package handshake

import (
	"crypto/ed25519"
	"encoding/json"

	"github.com/samber/oops"
)

const frameVersion = 1

// frame layout: version, message number (1..3), Noise message.
func encodeFrame(n int, body []byte) []byte {
	out := make([]byte, 0, 2+len(body))
	out = append(out, frameVersion, byte(n))
	return append(out, body...)
}

func decodeFrame(payload []byte) (int, []byte, error) {
	if len(payload) < 3 {
		return 0, nil, oops.In("handshake").With("length", len(payload)).Wrap(ErrMalformedFrame)
	}
	if payload[0] != frameVersion {
		return 0, nil, oops.In("handshake").With("version", int(payload[0])).Wrap(ErrMalformedFrame)
	}
	n := int(payload[1])
	if n < 1 || n > 3 {
		return 0, nil, oops.In("handshake").With("message", n).Wrap(ErrMalformedFrame)
	}
	return n, payload[2:], nil
}

// peerInfo travels encrypted inside XX messages 2 and 3.
type peerInfo struct {
	Nickname   string `json:"nick,omitempty"`
	SigningKey []byte `json:"sig_key"`
	// Signature is the signing key's signature over the sender's static key.
	Signature []byte `json:"sig"`
}

func newPeerInfo(keys Keys, nickname string) ([]byte, error) {
	info := peerInfo{
		Nickname:   nickname,
		SigningKey: keys.SigningPublic(),
		Signature:  ed25519.Sign(keys.Signing, keys.Static.Public),
	}
	b, err := json.Marshal(info)
	if err != nil {
		return nil, oops.In("handshake").Wrap(err)
	}
	return b, nil
}

// parsePeerInfo decodes the payload and checks it against the static key
// the Noise handshake authenticated.
func parsePeerInfo(b, peerStatic []byte) (peerInfo, error) {
	var info peerInfo
	if err := json.Unmarshal(b, &info); err != nil {
		return peerInfo{}, oops.In("handshake").Wrapf(ErrUnexpectedMessage, "decode peer info: %v", err)
	}
	if len(info.SigningKey) != ed25519.PublicKeySize || !ed25519.Verify(info.SigningKey, peerStatic, info.Signature) {
		return peerInfo{}, oops.In("handshake").Wrap(ErrBadSignature)
	}
	return info, nil
}
