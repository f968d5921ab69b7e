package transport

import (
	"context"
	"errors"
	"sync"
	"testing"

	"github.com/meshroute/meshroute/lib/identity"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// mockTransport implements Transport for testing
type mockTransport struct {
	ListenerTable
	id        ID
	sendErr   error
	reachable map[identity.PeerAddress]bool

	mu        sync.Mutex
	broadcast []string
	private   []string
	location  []string
}

func newMock(id ID) *mockTransport {
	return &mockTransport{id: id, reachable: make(map[identity.PeerAddress]bool)}
}

func (m *mockTransport) ID() ID       { return m.id }
func (m *mockTransport) Name() string { return "Mock " + string(m.id) }

func (m *mockTransport) SendMessage(_ context.Context, content string, _ []string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.broadcast = append(m.broadcast, content)
	return m.sendErr
}

func (m *mockTransport) SendPrivateMessage(_ context.Context, content string, _ identity.PeerAddress, _, _ string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.private = append(m.private, content)
	return m.sendErr
}

func (m *mockTransport) IsPeerReachable(addr identity.PeerAddress) bool { return m.reachable[addr] }
func (m *mockTransport) PeerSnapshots() <-chan []PeerSnapshot         { return nil }
func (m *mockTransport) AddListener(l Listener) ListenerID             { return m.Add(l) }
func (m *mockTransport) RemoveListener(id ListenerID)                  { m.Remove(id) }
func (m *mockTransport) Start(context.Context) error                   { return nil }
func (m *mockTransport) Close() error                                  { return m.sendErr }

type locationMock struct {
	*mockTransport
}

func (l locationMock) JoinLocation(context.Context, string) error  { return nil }
func (l locationMock) LeaveLocation(context.Context, string) error { return nil }
func (l locationMock) SendLocationMessage(_ context.Context, geohash, content string, _ []string) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.location = append(l.location, geohash+":"+content)
	return nil
}

var peer = identity.PeerAddress{0, 0, 0, 0, 0xde, 0xad, 0xbe, 0xef}

func TestBroadcastReachesEveryTransport(t *testing.T) {
	a, b := newMock("a"), newMock("b")
	tmux := Mux(a, b)

	require.NoError(t, tmux.Broadcast(context.Background(), "hi", nil))
	assert.Equal(t, []string{"hi"}, a.broadcast)
	assert.Equal(t, []string{"hi"}, b.broadcast)
}

func TestBroadcastCollectsPartialFailure(t *testing.T) {
	boom := errors.New("radio off")
	a, b, c := newMock("a"), newMock("b"), newMock("c")
	b.sendErr = boom
	tmux := Mux(a, b, c)

	err := tmux.Broadcast(context.Background(), "hi", nil)
	var se *SendError
	require.ErrorAs(t, err, &se)
	assert.Len(t, se.Failures, 1)
	assert.ErrorIs(t, err, boom)
	assert.Equal(t, []string{"hi"}, a.broadcast, "failure on b must not abort a")
	assert.Equal(t, []string{"hi"}, c.broadcast, "failure on b must not abort c")
}

func TestBroadcastWithoutTransports(t *testing.T) {
	assert.ErrorIs(t, Mux().Broadcast(context.Background(), "x", nil), ErrNoTransportAvailable)
}

func TestSendPrivateUnreachableSendsNothing(t *testing.T) {
	a, b := newMock("a"), newMock("b")
	tmux := Mux(a, b)

	err := tmux.SendPrivate(context.Background(), "psst", peer, "bob", "m1")
	assert.ErrorIs(t, err, ErrPeerUnreachable)
	assert.Empty(t, a.private)
	assert.Empty(t, b.private)
}

func TestSendPrivateUsesEveryReachableTransport(t *testing.T) {
	a, b, c := newMock("a"), newMock("b"), newMock("c")
	a.reachable[peer] = true
	c.reachable[peer] = true
	tmux := Mux(a, b, c)

	require.NoError(t, tmux.SendPrivate(context.Background(), "psst", peer, "bob", "m1"))
	assert.Equal(t, []string{"psst"}, a.private)
	assert.Empty(t, b.private)
	assert.Equal(t, []string{"psst"}, c.private)
}

func TestSendLocationOnlyUsesCapableTransports(t *testing.T) {
	plain := newMock("mesh")
	loc := locationMock{newMock("relay")}
	tmux := Mux(plain, loc)

	require.NoError(t, tmux.SendLocation(context.Background(), "u33dc0", "hello", nil))
	assert.Equal(t, []string{"u33dc0:hello"}, loc.location)
	assert.Empty(t, plain.broadcast)

	assert.ErrorIs(t, Mux(plain).SendLocation(context.Background(), "u33dc0", "x", nil), ErrLocationUnsupported)
}

func TestRegisterRejectsDuplicateID(t *testing.T) {
	tmux := Mux(newMock("a"))
	assert.ErrorIs(t, tmux.Register(newMock("a")), ErrDuplicateTransport)

	removed, err := tmux.Unregister("a")
	require.NoError(t, err)
	assert.Equal(t, ID("a"), removed.ID())
	_, err = tmux.Unregister("a")
	assert.ErrorIs(t, err, ErrUnknownTransport)
}

func TestCloseContinuesPastFailures(t *testing.T) {
	a, b := newMock("a"), newMock("b")
	a.sendErr = errors.New("stuck")
	assert.Error(t, Mux(a, b).Close())
	assert.Equal(t, "Muxed Transport: Mock a, Mock b", Mux(a, b).Name())
}

type recordingListener struct {
	mu     sync.Mutex
	events []string
}

func (r *recordingListener) add(e string) {
	r.mu.Lock()
	r.events = append(r.events, e)
	r.mu.Unlock()
}

func (r *recordingListener) OnMessageReceived(msg Message)             { r.add("msg:" + msg.Content) }
func (r *recordingListener) OnPeerConnected(identity.PeerAddress)      { r.add("connected") }
func (r *recordingListener) OnPeerDisconnected(identity.PeerAddress)   { r.add("disconnected") }
func (r *recordingListener) OnPeerListUpdated([]identity.PeerAddress)  { r.add("list") }
func (r *recordingListener) OnHandshake(identity.PeerAddress, []byte)  { r.add("handshake") }

func TestListenerTable(t *testing.T) {
	var table ListenerTable
	first, second := &recordingListener{}, &recordingListener{}
	id1 := table.Add(first)
	table.Add(second)
	assert.Equal(t, 2, table.Len())

	table.EmitConnected(peer)
	table.EmitMessage(Message{Content: "a"})
	table.EmitHandshake(peer, []byte{1})
	table.Remove(id1)
	table.EmitPeerList(nil)
	table.EmitDisconnected(peer)

	assert.Equal(t, []string{"connected", "msg:a", "handshake"}, first.events)
	assert.Equal(t, []string{"connected", "msg:a", "handshake", "list", "disconnected"}, second.events)
}
