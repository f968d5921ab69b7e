package identity

import (
	"bytes"
	"context"
	"sort"
	"strings"

	"github.com/meshroute/meshroute/lib/util/logger"
	"github.com/samber/oops"
)

// ResolveSocialIdentity returns the social identity for fp, loading it from
// persistence or creating a fresh unknown-trust record. Only
// ClaimedNickname is refreshed, and only when claimedNickname is non-empty;
// user-set fields are never touched.
func (s *Store) ResolveSocialIdentity(ctx context.Context, fp Fingerprint, claimedNickname string) (SocialIdentity, error) {
	sr, fresh, err := s.socialFor(ctx, fp, true)
	if err != nil {
		return SocialIdentity{Fingerprint: fp}, err
	}

	sr.mu.Lock()
	changed := fresh
	if claimedNickname != "" && sr.data.ClaimedNickname != claimedNickname {
		sr.data.ClaimedNickname = claimedNickname
		changed = true
	}
	out := sr.data
	sr.mu.Unlock()

	if changed {
		if err := s.persistSocial(ctx, sr); err != nil {
			log.WithFields(logger.Fields{
				"at":          "(Store) ResolveSocialIdentity",
				"fingerprint": fp.Short(),
				"reason":      "persist_failed",
			}).WithError(err).Warn("social identity not persisted")
		}
	}
	return out, nil
}

// SocialIdentity returns the stored social identity for fp or
// ErrUnknownFingerprint.
func (s *Store) SocialIdentity(ctx context.Context, fp Fingerprint) (SocialIdentity, error) {
	sr, _, err := s.socialFor(ctx, fp, false)
	if err != nil {
		return SocialIdentity{}, err
	}
	sr.mu.Lock()
	defer sr.mu.Unlock()
	return sr.data, nil
}

// CryptographicIdentity returns the identity proven for fp or
// ErrUnknownFingerprint.
func (s *Store) CryptographicIdentity(ctx context.Context, fp Fingerprint) (CryptographicIdentity, error) {
	cr, err := s.cryptoFor(ctx, fp)
	if err != nil {
		return CryptographicIdentity{}, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := cr.data
	out.PublicKey = bytes.Clone(out.PublicKey)
	out.SigningKey = bytes.Clone(out.SigningKey)
	return out, nil
}

func (s *Store) updateSocial(ctx context.Context, fp Fingerprint, op string, fn func(*SocialIdentity)) (SocialIdentity, error) {
	sr, _, err := s.socialFor(ctx, fp, true)
	if err != nil {
		return SocialIdentity{}, err
	}
	sr.mu.Lock()
	fn(&sr.data)
	out := sr.data
	sr.mu.Unlock()

	if err := s.persistSocial(ctx, sr); err != nil {
		return out, oops.In("identity").With("op", op).Wrap(err)
	}
	log.WithFields(logger.Fields{
		"at":          "(Store) " + op,
		"fingerprint": fp.Short(),
	}).Debug("social identity updated")
	return out, nil
}

// SetPetname sets the local name for fp. An empty name clears it.
func (s *Store) SetPetname(ctx context.Context, fp Fingerprint, petname string) (SocialIdentity, error) {
	petname = strings.TrimSpace(petname)
	return s.updateSocial(ctx, fp, "SetPetname", func(si *SocialIdentity) { si.LocalPetname = petname })
}

func (s *Store) SetTrust(ctx context.Context, fp Fingerprint, trust TrustLevel) (SocialIdentity, error) {
	if trust < TrustUnknown || trust > TrustVerified {
		return SocialIdentity{}, oops.In("identity").With("trust", int(trust)).Wrap(ErrInvalidTrustLevel)
	}
	return s.updateSocial(ctx, fp, "SetTrust", func(si *SocialIdentity) { si.Trust = trust })
}

func (s *Store) SetFavorite(ctx context.Context, fp Fingerprint, favorite bool) (SocialIdentity, error) {
	return s.updateSocial(ctx, fp, "SetFavorite", func(si *SocialIdentity) { si.IsFavorite = favorite })
}

func (s *Store) SetBlocked(ctx context.Context, fp Fingerprint, blocked bool) (SocialIdentity, error) {
	return s.updateSocial(ctx, fp, "SetBlocked", func(si *SocialIdentity) { si.IsBlocked = blocked })
}

func (s *Store) SetNotes(ctx context.Context, fp Fingerprint, notes string) (SocialIdentity, error) {
	return s.updateSocial(ctx, fp, "SetNotes", func(si *SocialIdentity) { si.Notes = notes })
}

// Socials returns every social identity known in memory or persistence,
// ordered by fingerprint.
func (s *Store) Socials(ctx context.Context) ([]SocialIdentity, error) {
	keys, err := s.kv.Keys(ctx, socialKeyPrefix)
	if err != nil {
		return nil, oops.In("identity").Wrapf(err, "list social identities")
	}
	seen := make(map[Fingerprint]struct{}, len(keys))
	fps := make([]Fingerprint, 0, len(keys))
	for _, k := range keys {
		fp := Fingerprint(strings.TrimPrefix(k, socialKeyPrefix))
		seen[fp] = struct{}{}
		fps = append(fps, fp)
	}
	s.mu.RLock()
	for fp := range s.social {
		if _, ok := seen[fp]; !ok {
			fps = append(fps, fp)
		}
	}
	s.mu.RUnlock()
	sort.Slice(fps, func(i, j int) bool { return fps[i] < fps[j] })

	out := make([]SocialIdentity, 0, len(fps))
	for _, fp := range fps {
		si, err := s.SocialIdentity(ctx, fp)
		if isUnknown(err) {
			continue
		}
		if err != nil {
			return nil, err
		}
		out = append(out, si)
	}
	return out, nil
}

// Favorites returns the social identities marked favorite.
func (s *Store) Favorites(ctx context.Context) ([]SocialIdentity, error) {
	all, err := s.Socials(ctx)
	if err != nil {
		return nil, err
	}
	out := all[:0]
	for _, si := range all {
		if si.IsFavorite {
			out = append(out, si)
		}
	}
	return out, nil
}

// IsBlocked reports whether fp is blocked. Unknown fingerprints are not.
func (s *Store) IsBlocked(ctx context.Context, fp Fingerprint) bool {
	si, err := s.SocialIdentity(ctx, fp)
	return err == nil && si.IsBlocked
}

// DisplayName picks the local petname, else the claimed nickname, else the
// short form. An address linked to a fingerprint is named through it; an
// unlinked address falls back to the nickname it announced.
func (s *Store) DisplayName(ctx context.Context, ref PeerRef) string {
	var (
		fp      Fingerprint
		claimed string
	)
	switch r := ref.(type) {
	case Fingerprint:
		fp = r
	case PeerAddress:
		if eph, ok := s.Ephemeral(r); ok {
			claimed = eph.Nickname
		}
		linked, ok := s.Fingerprint(r)
		if !ok {
			if claimed != "" {
				return claimed
			}
			return r.Short()
		}
		fp = linked
	default:
		panic("unreachable")
	}

	si, err := s.SocialIdentity(ctx, fp)
	if err == nil {
		switch {
		case si.LocalPetname != "":
			return si.LocalPetname
		case si.ClaimedNickname != "":
			return si.ClaimedNickname
		}
	}
	if claimed != "" {
		return claimed
	}
	return fp.Short()
}
