package mqttrelay

import (
	"context"
	"net"
	"sync"
	"testing"
	"time"

	"github.com/meshroute/meshroute/lib/identity"
	"github.com/meshroute/meshroute/lib/relaybroker"
	"github.com/meshroute/meshroute/lib/transport"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type inbox struct {
	mu         sync.Mutex
	messages   []transport.Message
	connected  []identity.PeerAddress
	handshakes int
}

func (i *inbox) OnMessageReceived(msg transport.Message) {
	i.mu.Lock()
	defer i.mu.Unlock()
	i.messages = append(i.messages, msg)
}

func (i *inbox) OnPeerConnected(addr identity.PeerAddress) {
	i.mu.Lock()
	defer i.mu.Unlock()
	i.connected = append(i.connected, addr)
}

func (i *inbox) OnPeerDisconnected(identity.PeerAddress)  {}
func (i *inbox) OnPeerListUpdated([]identity.PeerAddress) {}

func (i *inbox) OnHandshake(identity.PeerAddress, []byte) {
	i.mu.Lock()
	defer i.mu.Unlock()
	i.handshakes++
}

func (i *inbox) count() int {
	i.mu.Lock()
	defer i.mu.Unlock()
	return len(i.messages)
}

func freeAddr(t *testing.T) string {
	t.Helper()
	l, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	addr := l.Addr().String()
	require.NoError(t, l.Close())
	return addr
}

func startBroker(t *testing.T) string {
	t.Helper()
	addr := freeAddr(t)
	b, err := relaybroker.New(relaybroker.Options{Listen: addr, TopicRoot: "meshroute"})
	require.NoError(t, err)
	require.NoError(t, b.Serve())
	t.Cleanup(func() { b.Close() })
	return "tcp://" + addr
}

func startRelay(t *testing.T, url, nick string) (*Relay, *inbox) {
	t.Helper()
	r, err := New("relay", Options{BrokerURL: url, Nickname: nick, ClientID: "test-" + nick, PublishRate: 1000, Burst: 100})
	require.NoError(t, err)
	in := &inbox{}
	r.AddListener(in)
	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(func() {
		cancel()
		r.Close()
	})
	require.NoError(t, r.Start(ctx))
	return r, in
}

func (r *Relay) isClosed() bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.closed
}

func TestRelayLivesUntilStartContextEnds(t *testing.T) {
	if testing.Short() {
		t.Skip("starts an embedded broker")
	}
	url := startBroker(t)
	r, err := New("relay", Options{BrokerURL: url, Nickname: "carol", ConnectTimeout: time.Second})
	require.NoError(t, err)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	require.NoError(t, r.Start(ctx))
	t.Cleanup(func() { r.Close() })

	// outliving the connect timeout does not close the relay
	time.Sleep(1500 * time.Millisecond)
	assert.False(t, r.isClosed())
	require.NoError(t, r.SendMessage(context.Background(), "still here", nil))

	cancel()
	require.Eventually(t, r.isClosed, 5*time.Second, 20*time.Millisecond)
}

func TestRelayEndToEnd(t *testing.T) {
	if testing.Short() {
		t.Skip("starts an embedded broker")
	}
	url := startBroker(t)
	alice, _ := startRelay(t, url, "alice")
	bob, bobInbox := startRelay(t, url, "bob")
	ctx := context.Background()

	require.Eventually(t, func() bool {
		return alice.IsPeerReachable(bob.Address()) && bob.IsPeerReachable(alice.Address())
	}, 5*time.Second, 20*time.Millisecond)

	require.NoError(t, alice.SendMessage(ctx, "hello all", nil))
	require.NoError(t, alice.SendPrivateMessage(ctx, "hello bob", bob.Address(), "bob", "pm-1"))
	require.NoError(t, alice.SendHandshake(ctx, bob.Address(), []byte("noise")))

	require.Eventually(t, func() bool { return bobInbox.count() == 2 }, 5*time.Second, 20*time.Millisecond)
	bobInbox.mu.Lock()
	var private transport.Message
	for _, m := range bobInbox.messages {
		if m.Private {
			private = m
		}
	}
	bobInbox.mu.Unlock()
	assert.Equal(t, "hello bob", private.Content)
	assert.Equal(t, "pm-1", private.ID)
	assert.Equal(t, alice.Address(), private.From)
	assert.Equal(t, "alice", private.SenderNickname)

	assert.Eventually(t, func() bool {
		bobInbox.mu.Lock()
		defer bobInbox.mu.Unlock()
		return bobInbox.handshakes == 1
	}, 5*time.Second, 20*time.Millisecond)

	require.NoError(t, bob.JoinLocation(ctx, "u33dc0"))
	require.NoError(t, alice.SendLocationMessage(ctx, "u33dc0", "nearby", nil))
	require.Eventually(t, func() bool { return bobInbox.count() == 3 }, 5*time.Second, 20*time.Millisecond)

	old := alice.Address()
	fresh, err := alice.RotateAddress(ctx)
	require.NoError(t, err)
	assert.Eventually(t, func() bool {
		return bob.IsPeerReachable(fresh) && !bob.IsPeerReachable(old)
	}, 5*time.Second, 20*time.Millisecond)
}

func TestSendBeforeStart(t *testing.T) {
	r, err := New("relay", Options{BrokerURL: "tcp://127.0.0.1:1"})
	require.NoError(t, err)
	assert.ErrorIs(t, r.SendMessage(context.Background(), "x", nil), transport.ErrNotStarted)
	require.NoError(t, r.Close())
	assert.ErrorIs(t, r.Start(context.Background()), transport.ErrClosed)
}
