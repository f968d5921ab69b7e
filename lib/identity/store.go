package identity

import (
	"context"
	"sync"
	"time"

	"github.com/jellydator/ttlcache/v3"
	"github.com/meshroute/meshroute/lib/kv"
	"github.com/meshroute/meshroute/lib/util/logger"
)

// DefaultSessionTTL is how long an ephemeral identity survives without
// being observed.
const DefaultSessionTTL = 30 * time.Minute

// Options configures a Store.
type Options struct {
	// SessionTTL is the idle timeout of ephemeral identities.
	SessionTTL time.Duration
	// Now overrides the clock, mostly for tests.
	Now func() time.Time
}

// ephemeralRecord is the mutable state behind an EphemeralIdentity.
type ephemeralRecord struct {
	mu           sync.Mutex
	addr         PeerAddress
	sessionStart time.Time
	state        HandshakeState
	transports   map[TransportID]struct{}
	nickname     string
	retired      bool
}

func (r *ephemeralRecord) snapshotLocked(fp Fingerprint) EphemeralIdentity {
	return EphemeralIdentity{
		Address:      r.addr,
		SessionStart: r.sessionStart,
		State:        r.state,
		Transports:   sortedTransports(r.transports),
		Fingerprint:  fp,
		Nickname:     r.nickname,
	}
}

type cryptoRecord struct {
	persistMu sync.Mutex
	data      CryptographicIdentity // guarded by Store.mu
}

type socialRecord struct {
	mu        sync.Mutex
	persistMu sync.Mutex
	data      SocialIdentity
}

// Store owns the three identity layers and the handshake state machine of
// every observed address.
//
// Lock order: an ephemeral record's mu before Store.mu. The session cache
// is never called while either is held, and persistence I/O happens with
// only a persistMu held.
type Store struct {
	kv  kv.Store
	now func() time.Time

	sessions *ttlcache.Cache[PeerAddress, *ephemeralRecord]

	mu        sync.RWMutex
	addrFP    map[PeerAddress]Fingerprint
	fpAddrs   map[Fingerprint]map[PeerAddress]struct{}
	crypto    map[Fingerprint]*cryptoRecord
	social    map[Fingerprint]*socialRecord
	closeOnce sync.Once
}

// NewStore creates a Store persisting through store. Call Close to stop the
// session expiry loop.
func NewStore(store kv.Store, opts Options) *Store {
	if opts.SessionTTL <= 0 {
		opts.SessionTTL = DefaultSessionTTL
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	s := &Store{
		kv:      store,
		now:     opts.Now,
		addrFP:  make(map[PeerAddress]Fingerprint),
		fpAddrs: make(map[Fingerprint]map[PeerAddress]struct{}),
		crypto:  make(map[Fingerprint]*cryptoRecord),
		social:  make(map[Fingerprint]*socialRecord),
	}
	s.sessions = ttlcache.New[PeerAddress, *ephemeralRecord](
		ttlcache.WithTTL[PeerAddress, *ephemeralRecord](opts.SessionTTL),
	)
	s.sessions.OnEviction(func(_ context.Context, reason ttlcache.EvictionReason, item *ttlcache.Item[PeerAddress, *ephemeralRecord]) {
		if reason == ttlcache.EvictionReasonDeleted {
			// RetireAddress already did the work
			return
		}
		log.WithFields(logger.Fields{
			"at":      "(Store) evict",
			"address": item.Key().String(),
			"reason":  "session_expired",
		}).Debug("ephemeral identity idled out")
		s.retire(item.Value())
	})
	go s.sessions.Start()

	log.WithFields(logger.Fields{
		"at":          "NewStore",
		"session_ttl": opts.SessionTTL.String(),
	}).Debug("identity store created")
	return s
}

// Close stops the session expiry loop. Persisted data is untouched.
func (s *Store) Close() {
	s.closeOnce.Do(s.sessions.Stop)
}

// ExpireSessions evicts every session past its idle timeout now instead of
// waiting for the background loop.
func (s *Store) ExpireSessions() {
	s.sessions.DeleteExpired()
}

func (s *Store) record(addr PeerAddress) *ephemeralRecord {
	item := s.sessions.Get(addr)
	if item == nil {
		return nil
	}
	return item.Value()
}

func (s *Store) peekRecord(addr PeerAddress) *ephemeralRecord {
	item := s.sessions.Get(addr, ttlcache.WithDisableTouchOnHit[PeerAddress, *ephemeralRecord]())
	if item == nil {
		return nil
	}
	return item.Value()
}

// lockRecord returns the live record for addr with its mutex held.
func (s *Store) lockRecord(addr PeerAddress) (*ephemeralRecord, error) {
	rec := s.record(addr)
	if rec == nil {
		return nil, ErrUnknownAddress
	}
	rec.mu.Lock()
	if rec.retired {
		rec.mu.Unlock()
		return nil, ErrUnknownAddress
	}
	return rec, nil
}

// ObservePeerAddress returns the ephemeral identity for addr, creating it
// with HandshakeState None on first sight, and records the transport it was
// seen on. Observing also refreshes the session's idle timer.
func (s *Store) ObservePeerAddress(addr PeerAddress, transport TransportID) EphemeralIdentity {
	for {
		rec := s.record(addr)
		if rec == nil {
			fresh := &ephemeralRecord{
				addr:         addr,
				sessionStart: s.now(),
				state:        HandshakeNone{},
				transports:   make(map[TransportID]struct{}),
			}
			item, found := s.sessions.GetOrSet(addr, fresh)
			rec = item.Value()
			if !found {
				log.WithFields(logger.Fields{
					"at":        "(Store) ObservePeerAddress",
					"address":   addr.String(),
					"transport": string(transport),
				}).Debug("new ephemeral identity")
			}
		}

		rec.mu.Lock()
		if rec.retired {
			// lost a race with retirement
			rec.mu.Unlock()
			if s.peekRecord(addr) == rec {
				s.sessions.Delete(addr)
			}
			continue
		}
		if transport != "" {
			rec.transports[transport] = struct{}{}
		}
		s.mu.RLock()
		fp := s.addrFP[addr]
		s.mu.RUnlock()
		snap := rec.snapshotLocked(fp)
		rec.mu.Unlock()
		return snap
	}
}

// Ephemeral returns the current ephemeral identity for addr without
// refreshing its idle timer.
func (s *Store) Ephemeral(addr PeerAddress) (EphemeralIdentity, bool) {
	rec := s.peekRecord(addr)
	if rec == nil {
		return EphemeralIdentity{}, false
	}
	rec.mu.Lock()
	defer rec.mu.Unlock()
	if rec.retired {
		return EphemeralIdentity{}, false
	}
	s.mu.RLock()
	fp := s.addrFP[addr]
	s.mu.RUnlock()
	return rec.snapshotLocked(fp), true
}

// NoteNickname records the nickname addr announced, as reported by a
// transport. Empty nicknames and unknown addresses are ignored.
func (s *Store) NoteNickname(addr PeerAddress, nickname string) {
	if nickname == "" {
		return
	}
	rec := s.peekRecord(addr)
	if rec == nil {
		return
	}
	rec.mu.Lock()
	if !rec.retired {
		rec.nickname = nickname
	}
	rec.mu.Unlock()
}

// Fingerprint returns the fingerprint addr is linked to, if any.
func (s *Store) Fingerprint(addr PeerAddress) (Fingerprint, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	fp, ok := s.addrFP[addr]
	return fp, ok
}

// Addresses returns every address currently linked to fp, sorted.
func (s *Store) Addresses(fp Fingerprint) []PeerAddress {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]PeerAddress, 0, len(s.fpAddrs[fp]))
	for a := range s.fpAddrs[fp] {
		out = append(out, a)
	}
	sortAddresses(out)
	return out
}

// CancelHandshake handles a transport reporting addr disconnected. An
// active handshake fails with ReasonPeerLost and the transport is dropped
// from the address's set.
func (s *Store) CancelHandshake(addr PeerAddress, transport TransportID) error {
	rec, err := s.lockRecord(addr)
	if err != nil {
		return err
	}
	defer rec.mu.Unlock()
	delete(rec.transports, transport)
	if IsActive(rec.state) {
		rec.state = HandshakeFailed{Reason: ReasonPeerLost}
		log.WithFields(logger.Fields{
			"at":        "(Store) CancelHandshake",
			"address":   addr.String(),
			"transport": string(transport),
			"reason":    "peer_disconnected",
		}).Debug("handshake cancelled")
	}
	return nil
}

// RetireAddress handles addr rotating out. An active handshake fails with
// ReasonPeerLost, then the ephemeral identity and its fingerprint link are
// destroyed. The cryptographic and social identities are kept.
func (s *Store) RetireAddress(addr PeerAddress) {
	rec := s.peekRecord(addr)
	if rec != nil {
		s.retire(rec)
		s.sessions.Delete(addr)
	} else {
		s.unlink(addr)
	}
}

func (s *Store) retire(rec *ephemeralRecord) {
	rec.mu.Lock()
	if rec.retired {
		rec.mu.Unlock()
		return
	}
	rec.retired = true
	if IsActive(rec.state) {
		rec.state = HandshakeFailed{Reason: ReasonPeerLost}
		log.WithFields(logger.Fields{
			"at":      "(Store) retire",
			"address": rec.addr.String(),
			"reason":  "address_retired",
		}).Debug("handshake cancelled")
	}
	rec.mu.Unlock()
	s.unlink(rec.addr)
}

func (s *Store) unlink(addr PeerAddress) {
	s.mu.Lock()
	defer s.mu.Unlock()
	fp, ok := s.addrFP[addr]
	if !ok {
		return
	}
	delete(s.addrFP, addr)
	if set := s.fpAddrs[fp]; set != nil {
		delete(set, addr)
		if len(set) == 0 {
			delete(s.fpAddrs, fp)
		}
	}
}
