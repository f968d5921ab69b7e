package identity

import (
	"context"
	"encoding/json"
	"errors"

	"github.com/meshroute/meshroute/lib/kv"
	"github.com/samber/oops"
)

// Persistence keys. Values are JSON.
const (
	cryptoKeyPrefix = "crypto/"
	socialKeyPrefix = "social/"
)

func cryptoKey(fp Fingerprint) string { return cryptoKeyPrefix + string(fp) }
func socialKey(fp Fingerprint) string { return socialKeyPrefix + string(fp) }

func isUnknown(err error) bool { return errors.Is(err, ErrUnknownFingerprint) }

// cryptoFor returns the cached or persisted record for fp, or
// ErrUnknownFingerprint.
func (s *Store) cryptoFor(ctx context.Context, fp Fingerprint) (*cryptoRecord, error) {
	s.mu.RLock()
	cr := s.crypto[fp]
	s.mu.RUnlock()
	if cr != nil {
		return cr, nil
	}

	raw, err := s.kv.Get(ctx, cryptoKey(fp))
	if errors.Is(err, kv.ErrNotFound) {
		return nil, ErrUnknownFingerprint
	}
	if err != nil {
		return nil, oops.In("identity").With("fingerprint", fp.Short()).Wrapf(err, "load cryptographic identity")
	}
	var data CryptographicIdentity
	if err := json.Unmarshal(raw, &data); err != nil {
		return nil, oops.In("identity").With("fingerprint", fp.Short()).Wrapf(err, "decode cryptographic identity")
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if cr := s.crypto[fp]; cr != nil {
		return cr, nil
	}
	cr = &cryptoRecord{data: data}
	s.crypto[fp] = cr
	return cr, nil
}

// persistCrypto writes the latest state of cr. persistMu orders writers so
// the last write carries the newest state.
func (s *Store) persistCrypto(ctx context.Context, cr *cryptoRecord) error {
	cr.persistMu.Lock()
	defer cr.persistMu.Unlock()
	s.mu.RLock()
	data := cr.data
	s.mu.RUnlock()
	raw, err := json.Marshal(data)
	if err != nil {
		return err
	}
	if err := s.kv.Put(ctx, cryptoKey(data.Fingerprint), raw); err != nil {
		return oops.In("identity").With("fingerprint", data.Fingerprint.Short()).Wrapf(err, "persist cryptographic identity")
	}
	return nil
}

// socialFor returns the cached or persisted record for fp. With create set
// a missing record becomes a fresh unknown-trust one; otherwise it is
// ErrUnknownFingerprint.
func (s *Store) socialFor(ctx context.Context, fp Fingerprint, create bool) (*socialRecord, bool, error) {
	s.mu.RLock()
	sr := s.social[fp]
	s.mu.RUnlock()
	if sr != nil {
		return sr, false, nil
	}

	data := SocialIdentity{Fingerprint: fp, Trust: TrustUnknown}
	fresh := false
	raw, err := s.kv.Get(ctx, socialKey(fp))
	switch {
	case err == nil:
		if err := json.Unmarshal(raw, &data); err != nil {
			return nil, false, oops.In("identity").With("fingerprint", fp.Short()).Wrapf(err, "decode social identity")
		}
		data.Fingerprint = fp
	case errors.Is(err, kv.ErrNotFound):
		if !create {
			return nil, false, ErrUnknownFingerprint
		}
		fresh = true
	default:
		return nil, false, oops.In("identity").With("fingerprint", fp.Short()).Wrapf(err, "load social identity")
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if sr := s.social[fp]; sr != nil {
		return sr, false, nil
	}
	sr = &socialRecord{data: data}
	s.social[fp] = sr
	return sr, fresh, nil
}

func (s *Store) persistSocial(ctx context.Context, sr *socialRecord) error {
	sr.persistMu.Lock()
	defer sr.persistMu.Unlock()
	sr.mu.Lock()
	data := sr.data
	sr.mu.Unlock()
	raw, err := json.Marshal(data)
	if err != nil {
		return err
	}
	if err := s.kv.Put(ctx, socialKey(data.Fingerprint), raw); err != nil {
		return oops.In("identity").With("fingerprint", data.Fingerprint.Short()).Wrapf(err, "persist social identity")
	}
	return nil
}
