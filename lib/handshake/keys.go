package handshake

import (
	"context"
	"crypto/ed25519"
	"crypto/rand"
	"encoding/json"
	"errors"

	"github.com/flynn/noise"
	"github.com/meshroute/meshroute/lib/identity"
	"github.com/meshroute/meshroute/lib/kv"
	"github.com/meshroute/meshroute/lib/util/logger"
	"github.com/samber/oops"
)

// LocalKeysKey is the kv key the device keys are stored under.
const LocalKeysKey = "local/keys"

// Keys is the long-term key material of this device.
type Keys struct {
	Static  noise.DHKey
	Signing ed25519.PrivateKey
}

type storedKeys struct {
	StaticPrivate []byte `json:"static_private"`
	StaticPublic  []byte `json:"static_public"`
	SigningSeed   []byte `json:"signing_seed"`
}

// GenerateKeys creates fresh static and signing keys.
func GenerateKeys() (Keys, error) {
	static, err := noise.DH25519.GenerateKeypair(rand.Reader)
	if err != nil {
		return Keys{}, oops.In("handshake").Wrapf(err, "generate static key")
	}
	_, signing, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		return Keys{}, oops.In("handshake").Wrapf(err, "generate signing key")
	}
	return Keys{Static: static, Signing: signing}, nil
}

// Fingerprint is the fingerprint peers will record for this device.
func (k Keys) Fingerprint() identity.Fingerprint {
	return identity.FingerprintOf(k.Static.Public)
}

// SigningPublic returns the public half of the signing key.
func (k Keys) SigningPublic() ed25519.PublicKey {
	return k.Signing.Public().(ed25519.PublicKey)
}

// LoadOrCreateKeys reads the device keys from store, generating and saving
// them on first use.
func LoadOrCreateKeys(ctx context.Context, store kv.Store) (Keys, error) {
	raw, err := store.Get(ctx, LocalKeysKey)
	switch {
	case err == nil:
		var sk storedKeys
		if err := json.Unmarshal(raw, &sk); err != nil {
			return Keys{}, oops.In("handshake").Wrapf(err, "decode device keys")
		}
		if len(sk.SigningSeed) != ed25519.SeedSize || len(sk.StaticPublic) != noise.DH25519.DHLen() {
			return Keys{}, oops.In("handshake").Errorf("stored device keys are corrupt")
		}
		return Keys{
			Static:  noise.DHKey{Private: sk.StaticPrivate, Public: sk.StaticPublic},
			Signing: ed25519.NewKeyFromSeed(sk.SigningSeed),
		}, nil
	case errors.Is(err, kv.ErrNotFound):
	default:
		return Keys{}, oops.In("handshake").Wrapf(err, "load device keys")
	}

	keys, err := GenerateKeys()
	if err != nil {
		return Keys{}, err
	}
	raw, err = json.Marshal(storedKeys{
		StaticPrivate: keys.Static.Private,
		StaticPublic:  keys.Static.Public,
		SigningSeed:   keys.Signing.Seed(),
	})
	if err != nil {
		return Keys{}, oops.In("handshake").Wrap(err)
	}
	if err := store.Put(ctx, LocalKeysKey, raw); err != nil {
		return Keys{}, oops.In("handshake").Wrapf(err, "save device keys")
	}
	log.WithFields(logger.Fields{
		"at":          "LoadOrCreateKeys",
		"reason":      "first_run",
		"fingerprint": keys.Fingerprint().Short(),
	}).Info("generated device keys")
	return keys, nil
}
