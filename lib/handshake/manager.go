package handshake

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/meshroute/meshroute/lib/identity"
	"github.com/meshroute/meshroute/lib/transport"
	"github.com/meshroute/meshroute/lib/util/logger"
	"github.com/samber/oops"
)

const (
	DefaultMaxAttempts  = 3
	DefaultRetryBackoff = 5 * time.Second
)

// LazyState is the Manager's view of one peer.
type LazyState interface {
	String() string
	isLazyState()
}

// LazyNone means no handshake was ever requested.
type LazyNone struct{}

// LazyQueued means a handshake is wanted but has not been sent.
type LazyQueued struct{}

// LazyHandshaking means message 1 is out.
type LazyHandshaking struct{}

// LazyEstablished means the peer is authenticated.
type LazyEstablished struct {
	Fingerprint identity.Fingerprint
}

// LazyFailed means the last attempt failed.
type LazyFailed struct {
	Err      error
	Attempts int
}

func (LazyNone) isLazyState()        {}
func (LazyQueued) isLazyState()      {}
func (LazyHandshaking) isLazyState() {}
func (LazyEstablished) isLazyState() {}
func (LazyFailed) isLazyState()      {}

func (LazyNone) String() string        { return "none" }
func (LazyQueued) String() string      { return "queued" }
func (LazyHandshaking) String() string { return "handshaking" }
func (LazyEstablished) String() string { return "established" }
func (LazyFailed) String() string      { return "failed" }

// Network is what the Manager needs from the router.
type Network interface {
	SendPrivate(ctx context.Context, content string, to identity.PeerAddress, recipientNickname, messageID string) error
	CarrierFor(addr identity.PeerAddress) (transport.HandshakeCarrier, bool)
}

// ManagerOptions bounds retries.
type ManagerOptions struct {
	MaxAttempts  int
	RetryBackoff time.Duration
	Now          func() time.Time
}

type pendingMessage struct {
	content           string
	recipientNickname string
	messageID         string
}

type lazyPeer struct {
	state       LazyState
	attempts    int
	lastAttempt time.Time
	queue       []pendingMessage
}

// Manager starts handshakes on demand and holds private messages until
// the recipient is authenticated.
type Manager struct {
	driver  *Driver
	net     Network
	max     int
	backoff time.Duration
	now     func() time.Time

	mu    sync.Mutex
	peers map[identity.PeerAddress]*lazyPeer
}

// NewManager wires a manager to driver results.
func NewManager(driver *Driver, net Network, opts ManagerOptions) *Manager {
	if opts.MaxAttempts <= 0 {
		opts.MaxAttempts = DefaultMaxAttempts
	}
	if opts.RetryBackoff < 0 {
		opts.RetryBackoff = 0
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	m := &Manager{
		driver:  driver,
		net:     net,
		max:     opts.MaxAttempts,
		backoff: opts.RetryBackoff,
		now:     opts.Now,
		peers:   make(map[identity.PeerAddress]*lazyPeer),
	}
	driver.OnResult(m.onResult)
	return m
}

func (m *Manager) peer(addr identity.PeerAddress) *lazyPeer {
	p, ok := m.peers[addr]
	if !ok {
		p = &lazyPeer{state: LazyNone{}}
		m.peers[addr] = p
	}
	return p
}

// State returns the lazy handshake state of addr.
func (m *Manager) State(addr identity.PeerAddress) LazyState {
	m.mu.Lock()
	defer m.mu.Unlock()
	if p, ok := m.peers[addr]; ok {
		return p.state
	}
	return LazyNone{}
}

// Queued returns how many messages wait for addr.
func (m *Manager) Queued(addr identity.PeerAddress) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	if p, ok := m.peers[addr]; ok {
		return len(p.queue)
	}
	return 0
}

// Request asks for a handshake with addr. It is a no-op while one is
// queued, running or established.
func (m *Manager) Request(ctx context.Context, addr identity.PeerAddress) error {
	m.mu.Lock()
	p := m.peer(addr)
	switch p.state.(type) {
	case LazyQueued, LazyHandshaking, LazyEstablished:
		m.mu.Unlock()
		return nil
	case LazyFailed:
		if p.attempts >= m.max {
			m.mu.Unlock()
			return oops.In("handshake").With("address", addr.String()).With("attempts", p.attempts).Wrap(ErrTooManyAttempts)
		}
	case LazyNone:
	default:
		panic("unreachable")
	}
	p.state = LazyQueued{}
	m.mu.Unlock()
	return m.attempt(ctx, addr)
}

// attempt moves a queued peer to Handshaking. Without a carrier the peer
// stays queued for the next Tick.
func (m *Manager) attempt(ctx context.Context, addr identity.PeerAddress) error {
	carrier, ok := m.net.CarrierFor(addr)
	if !ok {
		log.WithFields(logger.Fields{
			"at":      "(Manager) attempt",
			"reason":  "no_carrier",
			"address": addr.String(),
		}).Debug("handshake stays queued")
		return oops.In("handshake").With("address", addr.String()).Wrap(ErrNoCarrier)
	}

	m.mu.Lock()
	p := m.peer(addr)
	if _, queued := p.state.(LazyQueued); !queued {
		m.mu.Unlock()
		return nil
	}
	p.state = LazyHandshaking{}
	p.attempts++
	p.lastAttempt = m.now()
	m.mu.Unlock()

	err := m.driver.Initiate(ctx, carrier, addr)
	if errors.Is(err, identity.ErrHandshakeAlreadyInProgress) {
		// the peer is handshaking with us; its result settles the state
		return nil
	}
	if err != nil {
		m.mu.Lock()
		// a failure reported by the driver may already have moved the state
		if _, running := p.state.(LazyHandshaking); running {
			m.failLocked(addr, p, err)
		}
		m.mu.Unlock()
		return err
	}
	return nil
}

// failLocked records a failed attempt. Once the retry budget is spent the
// queued messages can never be sent and are dropped.
func (m *Manager) failLocked(addr identity.PeerAddress, p *lazyPeer, err error) {
	p.state = LazyFailed{Err: err, Attempts: p.attempts}
	if p.attempts < m.max || len(p.queue) == 0 {
		return
	}
	log.WithFields(logger.Fields{
		"at":       "(Manager) failLocked",
		"reason":   "too_many_attempts",
		"address":  addr.String(),
		"attempts": p.attempts,
		"dropped":  len(p.queue),
	}).Warn("giving up on peer, dropping queued messages")
	p.queue = nil
}

func (m *Manager) exhaustedLocked(p *lazyPeer) bool {
	_, failed := p.state.(LazyFailed)
	return failed && p.attempts >= m.max
}

// SendPrivate sends immediately to an authenticated peer. Otherwise the
// message is queued and a handshake requested; it is sent once the peer is
// established. A peer that used up handshake.max_attempts rejects the
// message with ErrTooManyAttempts.
func (m *Manager) SendPrivate(ctx context.Context, content string, to identity.PeerAddress, recipientNickname, messageID string) error {
	m.mu.Lock()
	p := m.peer(to)
	if _, ok := p.state.(LazyEstablished); ok {
		m.mu.Unlock()
		return m.net.SendPrivate(ctx, content, to, recipientNickname, messageID)
	}
	if m.exhaustedLocked(p) {
		attempts := p.attempts
		m.mu.Unlock()
		return oops.In("handshake").With("address", to.String()).With("attempts", attempts).Wrap(ErrTooManyAttempts)
	}
	p.queue = append(p.queue, pendingMessage{content: content, recipientNickname: recipientNickname, messageID: messageID})
	m.mu.Unlock()

	if err := m.Request(ctx, to); err != nil {
		log.WithFields(logger.Fields{
			"at":      "(Manager) SendPrivate",
			"reason":  "handshake_not_started",
			"address": to.String(),
			"error":   err.Error(),
		}).Debug("message queued")
	}

	// the attempt just made may have spent the last retry
	m.mu.Lock()
	defer m.mu.Unlock()
	if p := m.peer(to); m.exhaustedLocked(p) {
		return oops.In("handshake").With("address", to.String()).With("attempts", p.attempts).Wrap(ErrTooManyAttempts)
	}
	return nil
}

// Forget drops state and queued messages for addr, e.g. after rotation.
func (m *Manager) Forget(addr identity.PeerAddress) {
	m.mu.Lock()
	p, ok := m.peers[addr]
	delete(m.peers, addr)
	m.mu.Unlock()
	if ok && len(p.queue) > 0 {
		log.WithFields(logger.Fields{
			"at":      "(Manager) Forget",
			"reason":  "peer_forgotten",
			"address": addr.String(),
			"dropped": len(p.queue),
		}).Warn("dropping queued messages")
	}
}

// Len reports how many peers the manager tracks.
func (m *Manager) Len() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.peers)
}

func (m *Manager) onResult(r Result) {
	m.mu.Lock()
	p := m.peer(r.Address)
	if r.Err != nil {
		m.failLocked(r.Address, p, r.Err)
		m.mu.Unlock()
		return
	}
	p.state = LazyEstablished{Fingerprint: r.Fingerprint}
	p.attempts = 0
	queue := p.queue
	p.queue = nil
	m.mu.Unlock()

	if len(queue) > 0 {
		go m.flush(r.Address, queue)
	}
}

// flush runs on its own goroutine because results are reported from the
// router's dispatcher.
func (m *Manager) flush(addr identity.PeerAddress, queue []pendingMessage) {
	ctx := context.Background()
	for i, msg := range queue {
		if err := m.net.SendPrivate(ctx, msg.content, addr, msg.recipientNickname, msg.messageID); err != nil {
			log.WithFields(logger.Fields{
				"at":         "(Manager) flush",
				"reason":     "send_failed",
				"address":    addr.String(),
				"message_id": msg.messageID,
				"error":      err.Error(),
			}).Warn("queued message not delivered, requeueing")
			m.mu.Lock()
			p := m.peer(addr)
			p.queue = append(append([]pendingMessage(nil), queue[i:]...), p.queue...)
			m.mu.Unlock()
			return
		}
	}
}

// Tick fails timed out handshakes, forgets addresses the identity store
// has retired or expired, and retries peers that still have queued
// messages once their backoff has passed.
func (m *Manager) Tick(ctx context.Context) {
	m.driver.Sweep()
	now := m.now()

	var gone []identity.PeerAddress
	m.mu.Lock()
	for addr := range m.peers {
		gone = append(gone, addr)
	}
	m.mu.Unlock()
	for _, addr := range gone {
		if _, ok := m.driver.ids.Ephemeral(addr); !ok {
			m.Forget(addr)
		}
	}

	var retry []identity.PeerAddress
	m.mu.Lock()
	for addr, p := range m.peers {
		switch p.state.(type) {
		case LazyQueued:
			retry = append(retry, addr)
		case LazyFailed:
			if len(p.queue) > 0 && p.attempts < m.max && now.Sub(p.lastAttempt) >= m.backoff {
				p.state = LazyQueued{}
				retry = append(retry, addr)
			}
		}
	}
	m.mu.Unlock()

	for _, addr := range retry {
		m.attempt(ctx, addr)
	}
}

// Run calls Tick every interval until ctx is done.
func (m *Manager) Run(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			m.Tick(ctx)
		case <-ctx.Done():
			return
		}
	}
}
