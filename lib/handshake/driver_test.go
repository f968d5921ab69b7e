package handshake

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/meshroute/meshroute/lib/identity"
	"github.com/meshroute/meshroute/lib/kv"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// directCarrier hands payloads straight to the peer's driver on the
// calling goroutine.
type directCarrier struct {
	self   identity.PeerAddress
	target *Driver
	back   *directCarrier

	mu      sync.Mutex
	fail    error
	drop    bool
	sent    [][]byte
	lastErr error
}

func (c *directCarrier) SendHandshake(ctx context.Context, _ identity.PeerAddress, payload []byte) error {
	c.mu.Lock()
	if c.fail != nil {
		err := c.fail
		c.mu.Unlock()
		return err
	}
	c.sent = append(c.sent, payload)
	drop := c.drop
	c.mu.Unlock()
	if drop {
		return nil
	}
	err := c.target.Handle(ctx, c.back, c.self, payload)
	c.mu.Lock()
	c.lastErr = err
	c.mu.Unlock()
	return nil
}

type device struct {
	ids     *identity.Store
	keys    Keys
	driver  *Driver
	addr    identity.PeerAddress
	results []Result
	mu      sync.Mutex
}

func (d *device) recorded() []Result {
	d.mu.Lock()
	defer d.mu.Unlock()
	return append([]Result(nil), d.results...)
}

func newDevice(t *testing.T, nickname string, opts Options) *device {
	t.Helper()
	keys, err := GenerateKeys()
	require.NoError(t, err)
	addr, err := identity.NewPeerAddress()
	require.NoError(t, err)
	ids := identity.NewStore(kv.NewMemory(), identity.Options{})
	t.Cleanup(ids.Close)
	opts.Nickname = nickname
	d := &device{ids: ids, keys: keys, addr: addr}
	d.driver = NewDriver(ids, keys, opts)
	d.driver.OnResult(func(r Result) {
		d.mu.Lock()
		d.results = append(d.results, r)
		d.mu.Unlock()
	})
	return d
}

// connect makes a and b see each other and returns the carrier a uses to
// reach b, and the one b uses to reach a.
func connect(a, b *device) (*directCarrier, *directCarrier) {
	a.ids.ObservePeerAddress(b.addr, "mesh")
	b.ids.ObservePeerAddress(a.addr, "mesh")
	ab := &directCarrier{self: a.addr, target: b.driver}
	ba := &directCarrier{self: b.addr, target: a.driver}
	ab.back, ba.back = ba, ab
	return ab, ba
}

func stateOf(t *testing.T, d *device, addr identity.PeerAddress) identity.HandshakeState {
	t.Helper()
	eph, ok := d.ids.Ephemeral(addr)
	require.True(t, ok)
	return eph.State
}

func TestXXHandshakeCompletesOnBothSides(t *testing.T) {
	ctx := context.Background()
	alice := newDevice(t, "alice", Options{})
	bob := newDevice(t, "bob", Options{})
	ab, _ := connect(alice, bob)

	require.NoError(t, alice.driver.Initiate(ctx, ab, bob.addr))

	assert.Equal(t, identity.HandshakeCompleted{Fingerprint: bob.keys.Fingerprint()}, stateOf(t, alice, bob.addr))
	assert.Equal(t, identity.HandshakeCompleted{Fingerprint: alice.keys.Fingerprint()}, stateOf(t, bob, alice.addr))
	assert.Zero(t, alice.driver.Pending())
	assert.Zero(t, bob.driver.Pending())

	social, err := alice.ids.SocialIdentity(ctx, bob.keys.Fingerprint())
	require.NoError(t, err)
	assert.Equal(t, "bob", social.ClaimedNickname)

	crypto, err := bob.ids.CryptographicIdentity(ctx, alice.keys.Fingerprint())
	require.NoError(t, err)
	assert.Equal(t, []byte(alice.keys.SigningPublic()), crypto.SigningKey)

	require.Len(t, alice.recorded(), 1)
	assert.NoError(t, alice.recorded()[0].Err)
	assert.Equal(t, bob.keys.Fingerprint(), alice.recorded()[0].Fingerprint)
	require.Len(t, bob.recorded(), 1)
	assert.Equal(t, alice.keys.Fingerprint(), bob.recorded()[0].Fingerprint)
}

func TestStatesFollowMessages(t *testing.T) {
	ctx := context.Background()
	alice := newDevice(t, "alice", Options{})
	bob := newDevice(t, "bob", Options{})
	ab, ba := connect(alice, bob)
	ab.drop = true
	ba.drop = true

	require.NoError(t, alice.driver.Initiate(ctx, ab, bob.addr))
	assert.Equal(t, identity.HandshakeInitiated{}, stateOf(t, alice, bob.addr))
	require.Len(t, ab.sent, 1)

	require.NoError(t, bob.driver.Handle(ctx, ba, alice.addr, ab.sent[0]))
	assert.Equal(t, identity.HandshakeInProgress{}, stateOf(t, bob, alice.addr))
	require.Len(t, ba.sent, 1)

	require.NoError(t, alice.driver.Handle(ctx, ab, bob.addr, ba.sent[0]))
	assert.IsType(t, identity.HandshakeCompleted{}, stateOf(t, alice, bob.addr))
	assert.Equal(t, identity.HandshakeInProgress{}, stateOf(t, bob, alice.addr))
	require.Len(t, ab.sent, 2)

	require.NoError(t, bob.driver.Handle(ctx, ba, alice.addr, ab.sent[1]))
	assert.IsType(t, identity.HandshakeCompleted{}, stateOf(t, bob, alice.addr))

	// a replayed message 3 has no session to land in
	err := bob.driver.Handle(ctx, ba, alice.addr, ab.sent[1])
	assert.ErrorIs(t, err, ErrUnexpectedMessage)
}

func TestSecondInitiateWhileActive(t *testing.T) {
	ctx := context.Background()
	alice := newDevice(t, "alice", Options{})
	bob := newDevice(t, "bob", Options{})
	ab, _ := connect(alice, bob)
	ab.drop = true

	require.NoError(t, alice.driver.Initiate(ctx, ab, bob.addr))
	err := alice.driver.Initiate(ctx, ab, bob.addr)
	assert.ErrorIs(t, err, identity.ErrHandshakeAlreadyInProgress)
	assert.Len(t, ab.sent, 1)
	assert.Equal(t, identity.HandshakeInitiated{}, stateOf(t, alice, bob.addr))
}

func TestSimultaneousInitiation(t *testing.T) {
	ctx := context.Background()
	alice := newDevice(t, "alice", Options{})
	bob := newDevice(t, "bob", Options{})
	ab, ba := connect(alice, bob)
	ab.drop = true
	ba.drop = true

	require.NoError(t, alice.driver.Initiate(ctx, ab, bob.addr))
	require.NoError(t, bob.driver.Initiate(ctx, ba, alice.addr))

	ab.drop = false
	ba.drop = false
	aliceMsg1, bobMsg1 := ab.sent[0], ba.sent[0]
	require.NoError(t, bob.driver.Handle(ctx, ba, alice.addr, aliceMsg1))
	require.NoError(t, alice.driver.Handle(ctx, ab, bob.addr, bobMsg1))

	assert.Equal(t, identity.HandshakeCompleted{Fingerprint: bob.keys.Fingerprint()}, stateOf(t, alice, bob.addr))
	assert.Equal(t, identity.HandshakeCompleted{Fingerprint: alice.keys.Fingerprint()}, stateOf(t, bob, alice.addr))
	assert.Zero(t, alice.driver.Pending())
	assert.Zero(t, bob.driver.Pending())
}

func TestSendFailureFailsHandshake(t *testing.T) {
	ctx := context.Background()
	alice := newDevice(t, "alice", Options{})
	bob := newDevice(t, "bob", Options{})
	ab, _ := connect(alice, bob)
	ab.fail = errors.New("radio down")

	err := alice.driver.Initiate(ctx, ab, bob.addr)
	require.Error(t, err)
	assert.Equal(t, identity.HandshakeFailed{Reason: ReasonSendFailed}, stateOf(t, alice, bob.addr))
	require.Len(t, alice.recorded(), 1)
	var failed *identity.HandshakeFailedError
	assert.ErrorAs(t, alice.recorded()[0].Err, &failed)
	assert.Zero(t, alice.driver.Pending())
}

func TestSweepFailsStalledHandshakes(t *testing.T) {
	ctx := context.Background()
	now := time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)
	clock := func() time.Time { return now }
	alice := newDevice(t, "alice", Options{Timeout: time.Minute, Now: clock})
	bob := newDevice(t, "bob", Options{})
	ab, _ := connect(alice, bob)
	ab.drop = true

	require.NoError(t, alice.driver.Initiate(ctx, ab, bob.addr))
	assert.Zero(t, alice.driver.Sweep())

	now = now.Add(2 * time.Minute)
	assert.Equal(t, 1, alice.driver.Sweep())
	assert.Equal(t, identity.HandshakeFailed{Reason: ReasonTimeout}, stateOf(t, alice, bob.addr))
	assert.Zero(t, alice.driver.Pending())
}

func TestSweepDropsCancelledSessions(t *testing.T) {
	ctx := context.Background()
	alice := newDevice(t, "alice", Options{})
	bob := newDevice(t, "bob", Options{})
	ab, _ := connect(alice, bob)
	ab.drop = true

	require.NoError(t, alice.driver.Initiate(ctx, ab, bob.addr))
	require.NoError(t, alice.ids.CancelHandshake(bob.addr, "mesh"))
	assert.Zero(t, alice.driver.Sweep())
	assert.Zero(t, alice.driver.Pending())

	// the cancellation is reported like any other failure
	results := alice.recorded()
	require.Len(t, results, 1)
	assert.Equal(t, bob.addr, results[0].Address)
	var failed *identity.HandshakeFailedError
	require.ErrorAs(t, results[0].Err, &failed)
	assert.Equal(t, identity.ReasonPeerLost, failed.Reason)

	// nothing left to report on the next sweep
	alice.driver.Sweep()
	assert.Len(t, alice.recorded(), 1)
}

func TestMalformedPayloads(t *testing.T) {
	ctx := context.Background()
	alice := newDevice(t, "alice", Options{})
	bob := newDevice(t, "bob", Options{})
	ab, _ := connect(alice, bob)

	for _, p := range [][]byte{nil, {1}, {2, 1, 0}, {1, 9, 0}} {
		assert.ErrorIs(t, bob.driver.Handle(ctx, ab.back, alice.addr, p), ErrMalformedFrame, "payload %v", p)
	}
	err := alice.driver.Handle(ctx, ab, bob.addr, encodeFrame(2, []byte("no session")))
	assert.ErrorIs(t, err, ErrUnexpectedMessage)

	// garbage message 1 fails the responder side
	err = bob.driver.Handle(ctx, ab.back, alice.addr, encodeFrame(1, []byte("short")))
	assert.ErrorIs(t, err, ErrUnexpectedMessage)
	assert.Equal(t, identity.HandshakeFailed{Reason: ReasonBadMessage}, stateOf(t, bob, alice.addr))
}

func TestPeerInfoMustSignStaticKey(t *testing.T) {
	keys, err := GenerateKeys()
	require.NoError(t, err)
	other, err := GenerateKeys()
	require.NoError(t, err)

	raw, err := newPeerInfo(keys, "mallory")
	require.NoError(t, err)
	info, err := parsePeerInfo(raw, keys.Static.Public)
	require.NoError(t, err)
	assert.Equal(t, "mallory", info.Nickname)

	_, err = parsePeerInfo(raw, other.Static.Public)
	assert.ErrorIs(t, err, ErrBadSignature)

	_, err = parsePeerInfo([]byte("{"), keys.Static.Public)
	assert.ErrorIs(t, err, ErrUnexpectedMessage)
}

func TestLoadOrCreateKeysIsStable(t *testing.T) {
	ctx := context.Background()
	store := kv.NewMemory()
	first, err := LoadOrCreateKeys(ctx, store)
	require.NoError(t, err)
	second, err := LoadOrCreateKeys(ctx, store)
	require.NoError(t, err)
	assert.Equal(t, first.Fingerprint(), second.Fingerprint())
	assert.Equal(t, first.SigningPublic(), second.SigningPublic())

	require.NoError(t, store.Put(ctx, LocalKeysKey, []byte(`{"signing_seed":"AAAA"}`)))
	_, err = LoadOrCreateKeys(ctx, store)
	assert.Error(t, err)
}
