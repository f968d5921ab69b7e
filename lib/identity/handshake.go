package identity

import (
	"bytes"
	"context"
	"sort"

	"github.com/meshroute/meshroute/lib/util/logger"
	"github.com/samber/oops"
)

// BeginHandshake moves addr to Initiated. It is allowed from None, Failed
// and Completed (a re-handshake). While a handshake is active it returns
// ErrHandshakeAlreadyInProgress and leaves the state unchanged.
func (s *Store) BeginHandshake(addr PeerAddress) error {
	rec, err := s.lockRecord(addr)
	if err != nil {
		return oops.In("identity").With("address", addr.String()).Wrap(err)
	}
	defer rec.mu.Unlock()

	switch rec.state.(type) {
	case HandshakeInitiated, HandshakeInProgress:
		return ErrHandshakeAlreadyInProgress
	case HandshakeNone, HandshakeFailed, HandshakeCompleted:
		rec.state = HandshakeInitiated{}
	default:
		panic("unreachable")
	}
	log.WithFields(logger.Fields{
		"at":      "(Store) BeginHandshake",
		"address": addr.String(),
	}).Debug("handshake initiated")
	return nil
}

// AdvanceHandshake applies step to addr's handshake and returns the new
// state. Completing creates or refreshes the cryptographic identity, links
// addr to its fingerprint and retires any other address that was linked to
// the same fingerprint on one of addr's transports.
func (s *Store) AdvanceHandshake(ctx context.Context, addr PeerAddress, step HandshakeStep) (HandshakeState, error) {
	switch st := step.(type) {
	case StepProgress:
		return s.progress(addr)
	case StepComplete:
		return s.complete(ctx, addr, st)
	default:
		panic("unreachable")
	}
}

func (s *Store) progress(addr PeerAddress) (HandshakeState, error) {
	rec, err := s.lockRecord(addr)
	if err != nil {
		return nil, oops.In("identity").With("address", addr.String()).Wrap(err)
	}
	defer rec.mu.Unlock()

	switch cur := rec.state.(type) {
	case HandshakeInitiated:
		rec.state = HandshakeInProgress{}
		return rec.state, nil
	case HandshakeFailed:
		return cur, &HandshakeFailedError{Reason: cur.Reason}
	case HandshakeNone, HandshakeInProgress, HandshakeCompleted:
		return cur, oops.In("identity").With("address", addr.String(), "state", cur.String()).Wrapf(ErrInvalidTransition, "progress")
	default:
		panic("unreachable")
	}
}

func (s *Store) complete(ctx context.Context, addr PeerAddress, step StepComplete) (HandshakeState, error) {
	if len(step.PublicKey) == 0 {
		return nil, ErrEmptyPublicKey
	}
	fp := FingerprintOf(step.PublicKey)

	// Load any persisted identity before taking locks.
	cr, err := s.cryptoFor(ctx, fp)
	if err != nil && !isUnknown(err) {
		log.WithFields(logger.Fields{
			"at":          "(Store) AdvanceHandshake",
			"fingerprint": fp.Short(),
			"reason":      "load_failed",
		}).WithError(err).Warn("could not load cryptographic identity, treating as new")
	}

	rec, err := s.lockRecord(addr)
	if err != nil {
		return nil, oops.In("identity").With("address", addr.String()).Wrap(err)
	}
	switch cur := rec.state.(type) {
	case HandshakeInProgress:
	case HandshakeFailed:
		rec.mu.Unlock()
		return cur, &HandshakeFailedError{Reason: cur.Reason}
	case HandshakeNone, HandshakeInitiated, HandshakeCompleted:
		rec.mu.Unlock()
		return cur, oops.In("identity").With("address", addr.String(), "state", cur.String()).Wrapf(ErrInvalidTransition, "complete")
	default:
		panic("unreachable")
	}

	now := s.now()
	rec.state = HandshakeCompleted{Fingerprint: fp}
	transports := make(map[TransportID]struct{}, len(rec.transports))
	for t := range rec.transports {
		transports[t] = struct{}{}
	}

	s.mu.Lock()
	if cr == nil {
		cr = s.crypto[fp]
	}
	if cr == nil {
		cr = &cryptoRecord{data: CryptographicIdentity{
			Fingerprint: fp,
			PublicKey:   bytes.Clone(step.PublicKey),
			SigningKey:  bytes.Clone(step.SigningKey),
			FirstSeen:   now,
		}}
		s.crypto[fp] = cr
	} else if len(cr.data.SigningKey) == 0 && len(step.SigningKey) > 0 {
		cr.data.SigningKey = bytes.Clone(step.SigningKey)
	}
	cr.data.LastHandshake = now

	if old, ok := s.addrFP[addr]; ok && old != fp {
		delete(s.fpAddrs[old], addr)
	}
	s.addrFP[addr] = fp
	if s.fpAddrs[fp] == nil {
		s.fpAddrs[fp] = make(map[PeerAddress]struct{})
	}
	var others []PeerAddress
	for other := range s.fpAddrs[fp] {
		if other != addr {
			others = append(others, other)
		}
	}
	s.fpAddrs[fp][addr] = struct{}{}
	s.mu.Unlock()
	state := rec.state
	rec.mu.Unlock()

	log.WithFields(logger.Fields{
		"at":          "(Store) AdvanceHandshake",
		"address":     addr.String(),
		"fingerprint": fp.Short(),
	}).Debug("handshake completed")

	s.retireRotated(addr, others, transports)

	if err := s.persistCrypto(ctx, cr); err != nil {
		log.WithFields(logger.Fields{
			"at":          "(Store) AdvanceHandshake",
			"fingerprint": fp.Short(),
			"reason":      "persist_failed",
		}).WithError(err).Warn("cryptographic identity not persisted")
	}
	return state, nil
}

// retireRotated retires addresses of the same fingerprint that share a
// transport with addr: the peer rotated its address on that transport.
func (s *Store) retireRotated(addr PeerAddress, others []PeerAddress, transports map[TransportID]struct{}) {
	sortAddresses(others)
	for _, other := range others {
		rec := s.peekRecord(other)
		if rec == nil {
			s.unlink(other)
			continue
		}
		rec.mu.Lock()
		shared := false
		for t := range rec.transports {
			if _, ok := transports[t]; ok {
				shared = true
				break
			}
		}
		rec.mu.Unlock()
		if !shared {
			continue
		}
		log.WithFields(logger.Fields{
			"at":     "(Store) retireRotated",
			"old":    other.String(),
			"new":    addr.String(),
			"reason": "address_rotated",
		}).Debug("retiring rotated address")
		s.RetireAddress(other)
	}
}

// FailHandshake moves a non-terminal handshake (None, Initiated or
// InProgress) to Failed. Failing a Completed or Failed handshake returns
// ErrInvalidTransition.
func (s *Store) FailHandshake(addr PeerAddress, reason string) error {
	rec, err := s.lockRecord(addr)
	if err != nil {
		return oops.In("identity").With("address", addr.String()).Wrap(err)
	}
	defer rec.mu.Unlock()

	switch cur := rec.state.(type) {
	case HandshakeNone, HandshakeInitiated, HandshakeInProgress:
		rec.state = HandshakeFailed{Reason: reason}
	case HandshakeCompleted, HandshakeFailed:
		return oops.In("identity").With("address", addr.String(), "state", cur.String()).Wrapf(ErrInvalidTransition, "fail")
	default:
		panic("unreachable")
	}
	log.WithFields(logger.Fields{
		"at":      "(Store) FailHandshake",
		"address": addr.String(),
		"reason":  reason,
	}).Debug("handshake failed")
	return nil
}

func sortAddresses(a []PeerAddress) {
	sort.Slice(a, func(i, j int) bool { return bytes.Compare(a[i][:], a[j][:]) < 0 })
}
