package router

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/meshroute/meshroute/lib/directory"
	"github.com/meshroute/meshroute/lib/geohash"
	"github.com/meshroute/meshroute/lib/identity"
	"github.com/meshroute/meshroute/lib/kv"
	"github.com/meshroute/meshroute/lib/transport"
	"github.com/meshroute/meshroute/lib/transport/memmesh"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const (
	waitFor = 2 * time.Second
	tick    = 5 * time.Millisecond
)

// countingTransport records sends and never produces inbound events.
type countingTransport struct {
	transport.ListenerTable
	id        transport.ID
	reachable map[identity.PeerAddress]bool
	failWith  error

	mu       sync.Mutex
	messages int
	private  int
	snaps    chan []transport.PeerSnapshot
}

func newCounting(id transport.ID, reachable ...identity.PeerAddress) *countingTransport {
	c := &countingTransport{id: id, reachable: make(map[identity.PeerAddress]bool)}
	for _, a := range reachable {
		c.reachable[a] = true
	}
	return c
}

func (c *countingTransport) ID() transport.ID { return c.id }
func (c *countingTransport) Name() string     { return "counting(" + string(c.id) + ")" }

func (c *countingTransport) SendMessage(context.Context, string, []string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.messages++
	return c.failWith
}

func (c *countingTransport) SendPrivateMessage(context.Context, string, identity.PeerAddress, string, string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.private++
	return c.failWith
}

func (c *countingTransport) IsPeerReachable(addr identity.PeerAddress) bool { return c.reachable[addr] }

func (c *countingTransport) PeerSnapshots() <-chan []transport.PeerSnapshot {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.snaps
}

func (c *countingTransport) AddListener(l transport.Listener) transport.ListenerID { return c.Add(l) }
func (c *countingTransport) RemoveListener(id transport.ListenerID)              { c.Remove(id) }

func (c *countingTransport) Start(context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.snaps = make(chan []transport.PeerSnapshot)
	return nil
}

func (c *countingTransport) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.snaps != nil {
		close(c.snaps)
		c.snaps = nil
	}
	return nil
}

func (c *countingTransport) counts() (int, int) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.messages, c.private
}

type recordingObserver struct {
	mu           sync.Mutex
	messages     []InboundMessage
	connected    []identity.PeerAddress
	disconnected []identity.PeerAddress
	peers        []directory.Peer
}

func (o *recordingObserver) OnMessage(msg InboundMessage) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.messages = append(o.messages, msg)
}

func (o *recordingObserver) OnPeerConnected(_ transport.ID, addr identity.PeerAddress) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.connected = append(o.connected, addr)
}

func (o *recordingObserver) OnPeerDisconnected(_ transport.ID, addr identity.PeerAddress) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.disconnected = append(o.disconnected, addr)
}

func (o *recordingObserver) OnPeersChanged(peers []directory.Peer) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.peers = peers
}

func (o *recordingObserver) received() []InboundMessage {
	o.mu.Lock()
	defer o.mu.Unlock()
	return append([]InboundMessage(nil), o.messages...)
}

func (o *recordingObserver) sawConnected(addr identity.PeerAddress) bool {
	o.mu.Lock()
	defer o.mu.Unlock()
	for _, a := range o.connected {
		if a == addr {
			return true
		}
	}
	return false
}

func (o *recordingObserver) sawDisconnected(addr identity.PeerAddress) bool {
	o.mu.Lock()
	defer o.mu.Unlock()
	for _, a := range o.disconnected {
		if a == addr {
			return true
		}
	}
	return false
}

func newTestRouter(t *testing.T) (*Router, *identity.Store) {
	t.Helper()
	ids := identity.NewStore(kv.NewMemory(), identity.Options{})
	r := New(ids, Options{InboundBuffer: 16, SendTimeout: time.Second})
	t.Cleanup(func() {
		r.Close()
		ids.Close()
	})
	return r, ids
}

type meshFixture struct {
	r     *Router
	ids   *identity.Store
	obs   *recordingObserver
	hub   *memmesh.Hub
	alice *memmesh.Node
	bob   *memmesh.Node
}

// meshPair returns a started router owning alice's node, and bob's node,
// which is linked to alice but not attached to any router.
func meshPair(t *testing.T) *meshFixture {
	t.Helper()
	r, ids := newTestRouter(t)
	f := &meshFixture{r: r, ids: ids, obs: &recordingObserver{}, hub: memmesh.NewHub()}
	r.SetObserver(f.obs)

	var err error
	f.alice, err = f.hub.NewNode("mesh", "alice")
	require.NoError(t, err)
	f.bob = f.join(t, "bob")

	require.NoError(t, r.Register(f.alice))
	require.NoError(t, r.Start(context.Background()))
	require.Eventually(t, func() bool { return f.obs.sawConnected(f.bob.Address()) }, waitFor, tick)
	return f
}

// join starts a node linked to alice.
func (f *meshFixture) join(t *testing.T, nickname string) *memmesh.Node {
	t.Helper()
	n, err := f.hub.NewNode("mesh", nickname)
	require.NoError(t, err)
	t.Cleanup(func() { n.Close() })
	f.hub.Link(f.alice, n)
	require.NoError(t, n.Start(context.Background()))
	return n
}

func TestSendPrivateToUnreachablePeerSendsNothing(t *testing.T) {
	r, _ := newTestRouter(t)
	a := newCounting("a")
	b := newCounting("b")
	require.NoError(t, r.Register(a))
	require.NoError(t, r.Register(b))

	err := r.SendPrivate(context.Background(), "hi", identity.PeerAddress{0xde, 0xad, 0xbe, 0xef}, "eve", NewMessageID())
	assert.ErrorIs(t, err, ErrPeerUnreachable)
	for _, c := range []*countingTransport{a, b} {
		_, private := c.counts()
		assert.Zero(t, private)
	}
}

func TestSendPrivateUsesEveryReachableTransport(t *testing.T) {
	r, _ := newTestRouter(t)
	to := identity.PeerAddress{1, 2, 3, 4, 5, 6, 7, 8}
	a := newCounting("a", to)
	b := newCounting("b", to)
	c := newCounting("c")
	for _, tr := range []*countingTransport{a, b, c} {
		require.NoError(t, r.Register(tr))
	}

	require.NoError(t, r.SendPrivate(context.Background(), "hi", to, "bob", ""))
	_, pa := a.counts()
	_, pb := b.counts()
	_, pc := c.counts()
	assert.Equal(t, []int{1, 1, 0}, []int{pa, pb, pc})
}

func TestBroadcastCollectsFailuresWithoutAborting(t *testing.T) {
	r, _ := newTestRouter(t)
	radioDown := errors.New("radio down")
	ok := newCounting("ok")
	bad := newCounting("bad")
	bad.failWith = radioDown
	require.NoError(t, r.Register(bad))
	require.NoError(t, r.Register(ok))

	err := r.Broadcast(context.Background(), "hello", nil)
	require.Error(t, err)
	var sendErr *SendError
	require.ErrorAs(t, err, &sendErr)
	assert.Len(t, sendErr.Failures, 1)
	assert.ErrorIs(t, sendErr.Failures["bad"], radioDown)
	assert.ErrorIs(t, err, radioDown)

	sent, _ := ok.counts()
	assert.Equal(t, 1, sent)
}

func TestBroadcastWithoutTransports(t *testing.T) {
	r, _ := newTestRouter(t)
	assert.ErrorIs(t, r.Broadcast(context.Background(), "x", nil), ErrNoTransportAvailable)
}

func TestInboundMessagesKeepTransportOrder(t *testing.T) {
	f := meshPair(t)

	for _, m := range []string{"one", "two", "three"} {
		require.NoError(t, f.bob.SendMessage(context.Background(), m, nil))
	}
	require.Eventually(t, func() bool { return len(f.obs.received()) == 3 }, waitFor, tick)

	got := f.obs.received()
	assert.Equal(t, "one", got[0].Content)
	assert.Equal(t, "two", got[1].Content)
	assert.Equal(t, "three", got[2].Content)
	assert.Equal(t, "bob", got[0].DisplayName)
	assert.False(t, got[0].Verified())
	assert.Equal(t, transport.ID("mesh"), got[0].Transport)

	eph, ok := f.ids.Ephemeral(f.bob.Address())
	require.True(t, ok)
	assert.Equal(t, []identity.TransportID{"mesh"}, eph.Transports)

	require.Eventually(t, func() bool {
		_, ok := f.r.Directory().PeerFor(f.bob.Address())
		return ok
	}, waitFor, tick)
	assert.NotEmpty(t, f.r.Peers())
}

func TestUnverifiedAddressIsNamedFromSnapshot(t *testing.T) {
	f := meshPair(t)
	addr := f.bob.Address()
	require.Eventually(t, func() bool {
		return f.ids.DisplayName(context.Background(), addr) == "bob"
	}, waitFor, tick)
	_, linked := f.ids.Fingerprint(addr)
	assert.False(t, linked)
}

func TestBlockedSenderIsDropped(t *testing.T) {
	ctx := context.Background()
	f := meshPair(t)
	carol := f.join(t, "carol")

	addr := f.bob.Address()
	require.NoError(t, f.ids.BeginHandshake(addr))
	_, err := f.ids.AdvanceHandshake(ctx, addr, identity.StepProgress{})
	require.NoError(t, err)
	st, err := f.ids.AdvanceHandshake(ctx, addr, identity.StepComplete{PublicKey: []byte("bob-static-key")})
	require.NoError(t, err)
	fp := st.(identity.HandshakeCompleted).Fingerprint

	_, err = f.ids.SetBlocked(ctx, fp, true)
	require.NoError(t, err)

	// both messages land in alice's inbox in this order, so once carol's
	// message is observed bob's has been handled
	require.NoError(t, f.bob.SendMessage(ctx, "spam", nil))
	require.NoError(t, carol.SendMessage(ctx, "from carol", nil))
	require.Eventually(t, func() bool { return len(f.obs.received()) == 1 }, waitFor, tick)
	assert.Equal(t, "from carol", f.obs.received()[0].Content)

	_, err = f.ids.SetBlocked(ctx, fp, false)
	require.NoError(t, err)
	_, err = f.ids.SetPetname(ctx, fp, "Bobby")
	require.NoError(t, err)
	require.NoError(t, f.bob.SendMessage(ctx, "hello", nil))

	require.Eventually(t, func() bool { return len(f.obs.received()) == 2 }, waitFor, tick)
	got := f.obs.received()[1]
	assert.Equal(t, "hello", got.Content)
	assert.Equal(t, fp, got.Fingerprint)
	assert.Equal(t, "Bobby", got.DisplayName)

	social, err := f.ids.SocialIdentity(ctx, fp)
	require.NoError(t, err)
	assert.Equal(t, "bob", social.ClaimedNickname)
}

func TestDisconnectCancelsActiveHandshake(t *testing.T) {
	f := meshPair(t)
	addr := f.bob.Address()
	require.NoError(t, f.ids.BeginHandshake(addr))

	require.NoError(t, f.bob.Close())
	require.Eventually(t, func() bool { return f.obs.sawDisconnected(addr) }, waitFor, tick)

	eph, ok := f.ids.Ephemeral(addr)
	require.True(t, ok)
	assert.Equal(t, identity.HandshakeFailed{Reason: identity.ReasonPeerLost}, eph.State)
	assert.Empty(t, eph.Transports)

	require.Eventually(t, func() bool {
		p, ok := f.r.Directory().PeerFor(addr)
		return !ok || !f.r.Directory().IsReachable(p.Key)
	}, waitFor, tick)
}

func TestSendChannelRoutesByChannelKind(t *testing.T) {
	ctx := context.Background()
	r, _ := newTestRouter(t)
	obs := &recordingObserver{}

	hub := memmesh.NewHub()
	alice, err := hub.NewNode("mesh", "alice")
	require.NoError(t, err)
	bob, err := hub.NewNode("mesh", "bob")
	require.NoError(t, err)
	hub.Link(alice, bob)
	t.Cleanup(func() { bob.Close() })

	bobRouter, _ := newTestRouter(t)
	bobRouter.SetObserver(obs)
	require.NoError(t, bobRouter.Register(bob))
	require.NoError(t, r.Register(alice))
	require.NoError(t, r.Start(ctx))
	require.NoError(t, bobRouter.Start(ctx))

	city, err := geohash.ChannelFor(52.52, 13.405, geohash.City)
	require.NoError(t, err)
	loc := geohash.LocationChannel(city)

	// bob has not joined yet
	require.NoError(t, r.SendChannel(ctx, loc, "early", nil))
	require.NoError(t, bobRouter.JoinChannel(ctx, loc))
	require.NoError(t, r.SendChannel(ctx, loc, "local", nil))
	require.NoError(t, r.SendChannel(ctx, geohash.MeshChannel(), "global", nil))

	require.Eventually(t, func() bool { return len(obs.received()) == 2 }, waitFor, tick)
	got := obs.received()
	assert.Equal(t, "local", got[0].Content)
	assert.Equal(t, city.Geohash, got[0].Geohash)
	assert.Equal(t, "global", got[1].Content)
	assert.Empty(t, got[1].Geohash)

	assert.NoError(t, bobRouter.LeaveChannel(ctx, loc))
	assert.NoError(t, bobRouter.JoinChannel(ctx, geohash.MeshChannel()))
}

func TestSendChannelWithoutLocationTransport(t *testing.T) {
	r, _ := newTestRouter(t)
	require.NoError(t, r.Register(newCounting("plain")))
	ch, err := geohash.ParseChannelID("geo:u33dc0")
	require.NoError(t, err)
	assert.ErrorIs(t, r.SendChannel(context.Background(), ch, "x", nil), ErrLocationUnsupported)
}

type handshakeRecorder struct {
	mu       sync.Mutex
	from     []identity.PeerAddress
	payloads [][]byte
}

func (h *handshakeRecorder) HandleHandshake(ctx context.Context, carrier transport.HandshakeCarrier, from identity.PeerAddress, payload []byte) {
	h.mu.Lock()
	h.from = append(h.from, from)
	h.payloads = append(h.payloads, payload)
	h.mu.Unlock()
	carrier.SendHandshake(ctx, from, []byte("reply"))
}

func (h *handshakeRecorder) count() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.payloads)
}

func TestHandshakePayloadsReachHandler(t *testing.T) {
	f := meshPair(t)
	h := &handshakeRecorder{}
	f.r.SetHandshakeHandler(h)

	require.NoError(t, f.bob.SendHandshake(context.Background(), f.alice.Address(), []byte("hello")))
	require.Eventually(t, func() bool { return h.count() == 1 }, waitFor, tick)
	h.mu.Lock()
	defer h.mu.Unlock()
	assert.Equal(t, []byte("hello"), h.payloads[0])
	assert.Equal(t, f.bob.Address(), h.from[0])
}

func TestLifecycle(t *testing.T) {
	r, _ := newTestRouter(t)
	a := newCounting("a")
	require.NoError(t, r.Register(a))
	assert.ErrorIs(t, r.Register(newCounting("a")), transport.ErrDuplicateTransport)

	require.NoError(t, r.Start(context.Background()))
	assert.ErrorIs(t, r.Start(context.Background()), ErrAlreadyStarted)

	// registered on a running router: started right away
	late := newCounting("late")
	require.NoError(t, r.Register(late))
	assert.NotNil(t, late.PeerSnapshots())

	require.NoError(t, r.Unregister("late"))
	assert.Nil(t, late.PeerSnapshots())
	assert.Len(t, r.Transports(), 1)

	require.NoError(t, r.Close())
	require.NoError(t, r.Close())
	assert.ErrorIs(t, r.Register(newCounting("b")), ErrClosed)
	assert.ErrorIs(t, r.Start(context.Background()), ErrClosed)
}

func TestContextCancelClosesRouter(t *testing.T) {
	r, _ := newTestRouter(t)
	a := newCounting("a")
	require.NoError(t, r.Register(a))
	ctx, cancel := context.WithCancel(context.Background())
	require.NoError(t, r.Start(ctx))
	cancel()
	require.Eventually(t, func() bool { return a.PeerSnapshots() == nil }, waitFor, tick)
}

// floodingTransport starts with more snapshot batches buffered than the
// router's inbound queue holds.
type floodingTransport struct {
	*countingTransport
	batches int
}

func (f *floodingTransport) Start(context.Context) error {
	snaps := make(chan []transport.PeerSnapshot, f.batches)
	for i := 0; i < f.batches; i++ {
		snaps <- nil
	}
	f.mu.Lock()
	f.snaps = snaps
	f.mu.Unlock()
	return nil
}

func TestCloseWithFullQueueAfterCancel(t *testing.T) {
	ids := identity.NewStore(kv.NewMemory(), identity.Options{})
	t.Cleanup(ids.Close)
	r := New(ids, Options{InboundBuffer: 1})
	require.NoError(t, r.Register(&floodingTransport{countingTransport: newCounting("flood"), batches: 64}))

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	require.NoError(t, r.Start(ctx))
	require.NoError(t, r.Close())

	watchers := make(chan struct{})
	go func() {
		r.watchers.Wait()
		close(watchers)
	}()
	select {
	case <-watchers:
	case <-time.After(waitFor):
		t.Fatal("snapshot watcher stuck after close")
	}
	select {
	case <-r.dispatched:
	case <-time.After(waitFor):
		t.Fatal("dispatcher still running after close")
	}
}

func TestNewMessageIDIsUnique(t *testing.T) {
	seen := make(map[string]bool)
	for i := 0; i < 100; i++ {
		id := NewMessageID()
		assert.False(t, seen[id])
		seen[id] = true
	}
}
