package handshake

import (
	"bytes"
	"context"
	"errors"
	"sync"
	"time"

	"github.com/flynn/noise"
	"github.com/meshroute/meshroute/lib/identity"
	"github.com/meshroute/meshroute/lib/transport"
	"github.com/meshroute/meshroute/lib/util/logger"
	"github.com/samber/oops"
)

const DefaultTimeout = 30 * time.Second

var (
	cipherSuite = noise.NewCipherSuite(noise.DH25519, noise.CipherChaChaPoly, noise.HashSHA256)
	prologue    = []byte("meshroute/1")
)

// Result reports the end of a handshake with one address. Err is nil and
// Fingerprint set on success.
type Result struct {
	Address     identity.PeerAddress
	Fingerprint identity.Fingerprint
	Err         error
}

// Options configures a Driver.
type Options struct {
	// Nickname is announced to peers inside the handshake.
	Nickname string
	// Timeout fails a handshake that has not completed in time. It is
	// enforced by Sweep.
	Timeout time.Duration
	Now     func() time.Time
}

// session is the Noise state held for one address until the handshake ends.
type session struct {
	hs        *noise.HandshakeState
	initiator bool
	// next is the message number this side expects to receive.
	next    int
	started time.Time
}

// Driver runs Noise XX handshakes for the local device. It implements the
// router's handshake handler.
type Driver struct {
	ids      *identity.Store
	keys     Keys
	nickname string
	timeout  time.Duration
	now      func() time.Time

	mu       sync.Mutex
	sessions map[identity.PeerAddress]*session
	// won remembers handshakes completed as initiator, so a crossing
	// message 1 from the peer that lost the tie-break is not taken as a
	// new handshake.
	won      map[identity.PeerAddress]wonInit
	onResult func(Result)
}

type wonInit struct {
	ephemeral []byte
	at        time.Time
}

// NewDriver creates a driver that records handshake progress in ids.
func NewDriver(ids *identity.Store, keys Keys, opts Options) *Driver {
	if opts.Timeout <= 0 {
		opts.Timeout = DefaultTimeout
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	return &Driver{
		ids:      ids,
		keys:     keys,
		nickname: opts.Nickname,
		timeout:  opts.Timeout,
		now:      opts.Now,
		sessions: make(map[identity.PeerAddress]*session),
		won:      make(map[identity.PeerAddress]wonInit),
	}
}

// OnResult registers fn to be called, outside any driver lock, whenever a
// handshake completes or fails.
func (d *Driver) OnResult(fn func(Result)) {
	d.mu.Lock()
	d.onResult = fn
	d.mu.Unlock()
}

// Fingerprint is the local device's fingerprint.
func (d *Driver) Fingerprint() identity.Fingerprint { return d.keys.Fingerprint() }

// Pending reports how many handshakes hold Noise state.
func (d *Driver) Pending() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.sessions)
}

func (d *Driver) newState(initiator bool) (*noise.HandshakeState, error) {
	hs, err := noise.NewHandshakeState(noise.Config{
		CipherSuite:   cipherSuite,
		Pattern:       noise.HandshakeXX,
		Initiator:     initiator,
		Prologue:      prologue,
		StaticKeypair: d.keys.Static,
	})
	if err != nil {
		return nil, oops.In("handshake").Wrap(err)
	}
	return hs, nil
}

// Initiate starts a handshake with addr over carrier. It fails with
// identity.ErrHandshakeAlreadyInProgress while one is active.
func (d *Driver) Initiate(ctx context.Context, carrier transport.HandshakeCarrier, addr identity.PeerAddress) error {
	if err := d.ids.BeginHandshake(addr); err != nil {
		return err
	}
	hs, err := d.newState(true)
	if err != nil {
		d.fail(addr, ReasonBadMessage, err)
		return err
	}
	msg1, _, _, err := hs.WriteMessage(nil, nil)
	if err != nil {
		d.fail(addr, ReasonBadMessage, err)
		return oops.In("handshake").Wrap(err)
	}

	d.mu.Lock()
	d.sessions[addr] = &session{hs: hs, initiator: true, next: 2, started: d.now()}
	d.mu.Unlock()

	log.WithFields(logger.Fields{
		"at":      "(Driver) Initiate",
		"address": addr.String(),
	}).Debug("sending handshake message 1")
	if err := carrier.SendHandshake(ctx, addr, encodeFrame(1, msg1)); err != nil {
		d.fail(addr, ReasonSendFailed, err)
		return oops.In("handshake").With("address", addr.String()).Wrap(err)
	}
	return nil
}

// HandleHandshake consumes one inbound payload. Errors end the handshake
// and are logged.
func (d *Driver) HandleHandshake(ctx context.Context, carrier transport.HandshakeCarrier, from identity.PeerAddress, payload []byte) {
	if err := d.Handle(ctx, carrier, from, payload); err != nil {
		log.WithFields(logger.Fields{
			"at":      "(Driver) HandleHandshake",
			"reason":  "handshake_message_rejected",
			"address": from.String(),
			"error":   err.Error(),
		}).Warn("handshake message rejected")
	}
}

// Handle is HandleHandshake with the error returned.
func (d *Driver) Handle(ctx context.Context, carrier transport.HandshakeCarrier, from identity.PeerAddress, payload []byte) error {
	n, body, err := decodeFrame(payload)
	if err != nil {
		return err
	}
	switch n {
	case 1:
		return d.respond(ctx, carrier, from, body)
	case 2:
		return d.finishInitiator(ctx, carrier, from, body)
	case 3:
		return d.finishResponder(ctx, from, body)
	default:
		panic("unreachable")
	}
}

// respond handles message 1. Two devices initiating at once is settled by
// comparing ephemeral keys: the lower key stays initiator.
func (d *Driver) respond(ctx context.Context, carrier transport.HandshakeCarrier, from identity.PeerAddress, body []byte) error {
	if d.ignoreCrossing(from, body) {
		log.WithFields(logger.Fields{
			"at":      "(Driver) respond",
			"reason":  "simultaneous_initiation",
			"address": from.String(),
		}).Debug("keeping initiator role")
		return nil
	}

	if err := d.ids.BeginHandshake(from); errors.Is(err, identity.ErrHandshakeAlreadyInProgress) {
		// the peer started over; whatever we had is stale
		d.ids.FailHandshake(from, ReasonRestarted)
		if err := d.ids.BeginHandshake(from); err != nil {
			return err
		}
	} else if err != nil {
		return err
	}

	hs, err := d.newState(false)
	if err != nil {
		d.fail(from, ReasonBadMessage, err)
		return err
	}
	if _, _, _, err := hs.ReadMessage(nil, body); err != nil {
		d.fail(from, ReasonBadMessage, err)
		return oops.In("handshake").Wrapf(ErrUnexpectedMessage, "message 1: %v", err)
	}
	info, err := newPeerInfo(d.keys, d.nickname)
	if err != nil {
		d.fail(from, ReasonBadMessage, err)
		return err
	}
	msg2, _, _, err := hs.WriteMessage(nil, info)
	if err != nil {
		d.fail(from, ReasonBadMessage, err)
		return oops.In("handshake").Wrap(err)
	}
	if _, err := d.ids.AdvanceHandshake(ctx, from, identity.StepProgress{}); err != nil {
		d.fail(from, ReasonBadMessage, err)
		return err
	}

	d.mu.Lock()
	d.sessions[from] = &session{hs: hs, next: 3, started: d.now()}
	d.mu.Unlock()

	if err := carrier.SendHandshake(ctx, from, encodeFrame(2, msg2)); err != nil {
		d.fail(from, ReasonSendFailed, err)
		return oops.In("handshake").With("address", from.String()).Wrap(err)
	}
	return nil
}

// ignoreCrossing reports whether a message 1 from addr crossed our own
// message 1 and loses the tie-break. A session of ours that does
// not win is dropped.
func (d *Driver) ignoreCrossing(addr identity.PeerAddress, msg1 []byte) bool {
	dhLen := noise.DH25519.DHLen()
	if len(msg1) < dhLen {
		return false
	}
	theirs := msg1[:dhLen]
	d.mu.Lock()
	defer d.mu.Unlock()
	if s, ok := d.sessions[addr]; ok {
		if s.initiator && s.next == 2 && bytes.Compare(s.hs.LocalEphemeral().Public, theirs) < 0 {
			return true
		}
		delete(d.sessions, addr)
		return false
	}
	if w, ok := d.won[addr]; ok && d.now().Sub(w.at) <= d.timeout {
		return bytes.Compare(w.ephemeral, theirs) < 0
	}
	return false
}

// take removes and returns the session for addr if it expects message n.
func (d *Driver) take(addr identity.PeerAddress, n int, initiator bool) (*session, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	s, ok := d.sessions[addr]
	if !ok || s.next != n || s.initiator != initiator {
		return nil, oops.In("handshake").With("address", addr.String()).With("message", n).Wrap(ErrUnexpectedMessage)
	}
	delete(d.sessions, addr)
	return s, nil
}

// finishInitiator handles message 2 and answers with message 3.
func (d *Driver) finishInitiator(ctx context.Context, carrier transport.HandshakeCarrier, from identity.PeerAddress, body []byte) error {
	s, err := d.take(from, 2, true)
	if err != nil {
		return err
	}
	payload, _, _, err := s.hs.ReadMessage(nil, body)
	if err != nil {
		d.fail(from, ReasonBadMessage, err)
		return oops.In("handshake").Wrapf(ErrUnexpectedMessage, "message 2: %v", err)
	}
	remote, err := parsePeerInfo(payload, s.hs.PeerStatic())
	if err != nil {
		d.fail(from, ReasonBadMessage, err)
		return err
	}
	if _, err := d.ids.AdvanceHandshake(ctx, from, identity.StepProgress{}); err != nil {
		d.fail(from, ReasonBadMessage, err)
		return err
	}
	info, err := newPeerInfo(d.keys, d.nickname)
	if err != nil {
		d.fail(from, ReasonBadMessage, err)
		return err
	}
	msg3, _, _, err := s.hs.WriteMessage(nil, info)
	if err != nil {
		d.fail(from, ReasonBadMessage, err)
		return oops.In("handshake").Wrap(err)
	}
	if err := carrier.SendHandshake(ctx, from, encodeFrame(3, msg3)); err != nil {
		d.fail(from, ReasonSendFailed, err)
		return oops.In("handshake").With("address", from.String()).Wrap(err)
	}
	d.mu.Lock()
	d.won[from] = wonInit{ephemeral: s.hs.LocalEphemeral().Public, at: d.now()}
	d.mu.Unlock()
	return d.complete(ctx, from, s.hs.PeerStatic(), remote)
}

// finishResponder handles message 3.
func (d *Driver) finishResponder(ctx context.Context, from identity.PeerAddress, body []byte) error {
	s, err := d.take(from, 3, false)
	if err != nil {
		return err
	}
	payload, _, _, err := s.hs.ReadMessage(nil, body)
	if err != nil {
		d.fail(from, ReasonBadMessage, err)
		return oops.In("handshake").Wrapf(ErrUnexpectedMessage, "message 3: %v", err)
	}
	remote, err := parsePeerInfo(payload, s.hs.PeerStatic())
	if err != nil {
		d.fail(from, ReasonBadMessage, err)
		return err
	}
	return d.complete(ctx, from, s.hs.PeerStatic(), remote)
}

func (d *Driver) complete(ctx context.Context, addr identity.PeerAddress, static []byte, remote peerInfo) error {
	st, err := d.ids.AdvanceHandshake(ctx, addr, identity.StepComplete{
		PublicKey:  static,
		SigningKey: remote.SigningKey,
	})
	if err != nil {
		d.fail(addr, ReasonBadMessage, err)
		return err
	}
	done, ok := st.(identity.HandshakeCompleted)
	if !ok {
		err := oops.In("handshake").With("state", st).Wrap(identity.ErrInvalidTransition)
		d.report(Result{Address: addr, Err: err})
		return err
	}
	if _, err := d.ids.ResolveSocialIdentity(ctx, done.Fingerprint, remote.Nickname); err != nil {
		log.WithFields(logger.Fields{
			"at":          "(Driver) complete",
			"reason":      "resolve_failed",
			"fingerprint": done.Fingerprint.Short(),
			"error":       err.Error(),
		}).Warn("could not record peer nickname")
	}
	log.WithFields(logger.Fields{
		"at":          "(Driver) complete",
		"address":     addr.String(),
		"fingerprint": done.Fingerprint.Short(),
	}).Info("handshake completed")
	d.report(Result{Address: addr, Fingerprint: done.Fingerprint})
	return nil
}

// fail drops the Noise state and moves the identity to Failed. A state
// that is no longer active is left alone.
func (d *Driver) fail(addr identity.PeerAddress, reason string, cause error) {
	d.mu.Lock()
	delete(d.sessions, addr)
	d.mu.Unlock()

	if err := d.ids.FailHandshake(addr, reason); err != nil {
		log.WithFields(logger.Fields{
			"at":      "(Driver) fail",
			"reason":  "not_failable",
			"address": addr.String(),
			"error":   err.Error(),
		}).Debug("handshake already ended")
	}
	log.WithFields(logger.Fields{
		"at":      "(Driver) fail",
		"reason":  reason,
		"address": addr.String(),
		"error":   cause.Error(),
	}).Warn("handshake failed")
	d.report(Result{Address: addr, Err: &identity.HandshakeFailedError{Reason: reason}})
}

func (d *Driver) report(r Result) {
	d.mu.Lock()
	fn := d.onResult
	d.mu.Unlock()
	if fn != nil {
		fn(r)
	}
}

// Sweep fails handshakes older than the timeout and returns how many. It
// also drops Noise state for addresses the identity store no longer
// considers active, e.g. after a disconnect, and reports those as failed.
func (d *Driver) Sweep() int {
	now := d.now()
	var expired []identity.PeerAddress
	d.mu.Lock()
	for addr, s := range d.sessions {
		if now.Sub(s.started) > d.timeout {
			expired = append(expired, addr)
		}
	}
	for addr, w := range d.won {
		if now.Sub(w.at) > d.timeout {
			delete(d.won, addr)
		}
	}
	d.mu.Unlock()

	type staleSession struct {
		s      *session
		reason string
	}
	stale := make(map[identity.PeerAddress]staleSession)
	for addr, sess := range d.snapshotSessions() {
		eph, ok := d.ids.Ephemeral(addr)
		switch {
		case !ok:
			stale[addr] = staleSession{sess, identity.ReasonPeerLost}
		case !identity.IsActive(eph.State):
			reason := identity.ReasonPeerLost
			if f, failed := eph.State.(identity.HandshakeFailed); failed && f.Reason != "" {
				reason = f.Reason
			}
			stale[addr] = staleSession{sess, reason}
		}
	}
	for _, addr := range expired {
		d.fail(addr, ReasonTimeout, oops.In("handshake").Errorf("no answer within %s", d.timeout))
		delete(stale, addr)
	}
	for addr, st := range stale {
		d.mu.Lock()
		held := d.sessions[addr] == st.s
		if held {
			delete(d.sessions, addr)
		}
		d.mu.Unlock()
		if !held {
			continue
		}
		log.WithFields(logger.Fields{
			"at":      "(Driver) Sweep",
			"reason":  "session_ended_elsewhere",
			"address": addr.String(),
			"state":   st.reason,
		}).Debug("dropping handshake state")
		d.report(Result{Address: addr, Err: &identity.HandshakeFailedError{Reason: st.reason}})
	}
	return len(expired)
}

func (d *Driver) snapshotSessions() map[identity.PeerAddress]*session {
	d.mu.Lock()
	defer d.mu.Unlock()
	out := make(map[identity.PeerAddress]*session, len(d.sessions))
	for addr, s := range d.sessions {
		out[addr] = s
	}
	return out
}
