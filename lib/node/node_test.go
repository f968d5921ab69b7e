package node

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/meshroute/meshroute/lib/config"
	"github.com/meshroute/meshroute/lib/geohash"
	"github.com/meshroute/meshroute/lib/handshake"
	"github.com/meshroute/meshroute/lib/router"
	"github.com/meshroute/meshroute/lib/transport/memmesh"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type inbox struct {
	router.NopObserver
	mu   sync.Mutex
	msgs []router.InboundMessage
}

func (i *inbox) OnMessage(m router.InboundMessage) {
	i.mu.Lock()
	defer i.mu.Unlock()
	i.msgs = append(i.msgs, m)
}

func (i *inbox) received() []router.InboundMessage {
	i.mu.Lock()
	defer i.mu.Unlock()
	return append([]router.InboundMessage(nil), i.msgs...)
}

func memoryConfig(nickname string) config.ConfigDefaults {
	cfg := config.Defaults()
	cfg.Mesh.Nickname = nickname
	cfg.Storage.Backend = "memory"
	cfg.Handshake.SweepInterval = 20 * time.Millisecond
	return cfg
}

func startNode(t *testing.T, cfg config.ConfigDefaults, radio *memmesh.Node) (*Node, *inbox) {
	t.Helper()
	n, err := New(context.Background(), cfg, radio)
	require.NoError(t, err)
	box := &inbox{}
	n.SetObserver(box)
	require.NoError(t, n.Start(context.Background()))
	t.Cleanup(func() { n.Close() })
	return n, box
}

func TestPrivateMessageAfterLazyHandshake(t *testing.T) {
	hub := memmesh.NewHub()
	aRadio, err := hub.NewNode("mesh", "alice")
	require.NoError(t, err)
	bRadio, err := hub.NewNode("mesh", "bob")
	require.NoError(t, err)
	hub.Link(aRadio, bRadio)

	alice, _ := startNode(t, memoryConfig("alice"), aRadio)
	bob, bobInbox := startNode(t, memoryConfig("bob"), bRadio)

	require.Eventually(t, func() bool {
		_, ok := alice.Identities().Ephemeral(bRadio.Address())
		return ok
	}, 2*time.Second, 5*time.Millisecond)

	_, err = alice.SendPrivate(context.Background(), "hi bob", bRadio.Address(), "bob")
	require.NoError(t, err)

	require.Eventually(t, func() bool { return len(bobInbox.received()) == 1 }, 2*time.Second, 5*time.Millisecond)
	msg := bobInbox.received()[0]
	assert.Equal(t, "hi bob", msg.Content)
	assert.Equal(t, alice.Fingerprint(), msg.Fingerprint)
	assert.Equal(t, handshake.LazyEstablished{Fingerprint: bob.Fingerprint()}, alice.Manager().State(bRadio.Address()))

	// the verified peer shows up once in the directory, keyed by fingerprint
	assert.Eventually(t, func() bool {
		for _, p := range alice.Router().Peers() {
			if p.Key.Fingerprint == bob.Fingerprint() {
				return true
			}
		}
		return false
	}, 2*time.Second, 5*time.Millisecond)
}

func TestConfiguredChannelsAreJoined(t *testing.T) {
	hub := memmesh.NewHub()
	aRadio, err := hub.NewNode("mesh", "alice")
	require.NoError(t, err)
	bRadio, err := hub.NewNode("mesh", "bob")
	require.NoError(t, err)
	hub.Link(aRadio, bRadio)

	cfg := memoryConfig("bob")
	cfg.Mesh.Channels = []string{"u4pruy"}
	alice, _ := startNode(t, memoryConfig("alice"), aRadio)
	_, bobInbox := startNode(t, cfg, bRadio)

	ch, err := geohash.ParseChannelID("geo:u4pruy")
	require.NoError(t, err)
	require.NoError(t, alice.Router().SendChannel(context.Background(), ch, "anyone near?", nil))

	require.Eventually(t, func() bool { return len(bobInbox.received()) == 1 }, 2*time.Second, 5*time.Millisecond)
	assert.Equal(t, "u4pruy", bobInbox.received()[0].Geohash)
}

func TestKeysSurviveRestart(t *testing.T) {
	ctx := context.Background()
	cfg := config.Defaults()
	cfg.Storage.Backend = "file"
	cfg.Storage.Dir = t.TempDir()

	first, err := New(ctx, cfg)
	require.NoError(t, err)
	fp := first.Fingerprint()
	require.NoError(t, first.Close())

	second, err := New(ctx, cfg)
	require.NoError(t, err)
	defer second.Close()
	assert.Equal(t, fp, second.Fingerprint())
}

func TestNewRejectsInvalidConfig(t *testing.T) {
	cfg := memoryConfig("")
	_, err := New(context.Background(), cfg)
	assert.Error(t, err)

	cfg = memoryConfig("alice")
	cfg.Mesh.Channels = []string{"not-a-geohash"}
	n, err := New(context.Background(), cfg)
	require.NoError(t, err)
	defer n.Close()
	assert.Error(t, n.Start(context.Background()))
}

func TestLifecycle(t *testing.T) {
	n, err := New(context.Background(), memoryConfig("alice"))
	require.NoError(t, err)
	require.NoError(t, n.Start(context.Background()))
	assert.ErrorIs(t, n.Start(context.Background()), router.ErrAlreadyStarted)
	require.NoError(t, n.Close())
	assert.NoError(t, n.Close())
	assert.ErrorIs(t, n.Start(context.Background()), router.ErrClosed)
}
