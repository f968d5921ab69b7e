package directory

import (
	"sync"
	"testing"
	"time"

	"github.com/meshroute/meshroute/lib/identity"
	"github.com/meshroute/meshroute/lib/transport"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type mapResolver struct {
	mu sync.Mutex
	m  map[identity.PeerAddress]identity.Fingerprint
}

func (r *mapResolver) Fingerprint(addr identity.PeerAddress) (identity.Fingerprint, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	fp, ok := r.m[addr]
	return fp, ok
}

func (r *mapResolver) set(addr identity.PeerAddress, fp identity.Fingerprint) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.m[addr] = fp
}

var (
	deadbeef = identity.PeerAddress{0, 0, 0, 0, 0xde, 0xad, 0xbe, 0xef}
	other    = identity.PeerAddress{1, 1, 1, 1, 1, 1, 1, 1}
	t0       = time.Date(2024, 5, 1, 10, 0, 0, 0, time.UTC)
)

func snap(addr identity.PeerAddress, nick string, connected bool, at time.Time) transport.PeerSnapshot {
	return transport.PeerSnapshot{Address: addr, Nickname: nick, Connected: connected, ObservedAt: at}
}

func TestUnverifiedPeersStayPerTransport(t *testing.T) {
	res := &mapResolver{m: map[identity.PeerAddress]identity.Fingerprint{}}
	d := New(res)

	d.Update("A", []transport.PeerSnapshot{snap(deadbeef, "eve", true, t0)})
	d.Update("B", []transport.PeerSnapshot{snap(deadbeef, "eve", true, t0.Add(time.Second))})

	peers := d.CurrentSnapshots()
	require.Len(t, peers, 2)
	assert.Equal(t, AddressKey("A", deadbeef), peers[0].Key)
	assert.Equal(t, AddressKey("B", deadbeef), peers[1].Key)
	assert.False(t, peers[0].Key.Verified())
}

func TestHandshakeMergesAcrossTransports(t *testing.T) {
	res := &mapResolver{m: map[identity.PeerAddress]identity.Fingerprint{}}
	d := New(res)
	d.Update("A", []transport.PeerSnapshot{snap(deadbeef, "eve", true, t0)})
	d.Update("B", []transport.PeerSnapshot{snap(deadbeef, "eve", true, t0)})

	fp := identity.FingerprintOf([]byte("eve-key"))
	res.set(deadbeef, fp)

	peers := d.CurrentSnapshots()
	require.Len(t, peers, 1)
	p := peers[0]
	assert.Equal(t, FingerprintKey(fp), p.Key)
	assert.Equal(t, []transport.ID{"A", "B"}, p.Transports())
	assert.True(t, d.IsReachable(p.Key))

	// still reachable while either transport reports it connected
	d.Update("A", []transport.PeerSnapshot{snap(deadbeef, "eve", false, t0)})
	assert.True(t, d.IsReachable(p.Key))
	d.MarkDisconnected("B", deadbeef)
	assert.False(t, d.IsReachable(p.Key))

	d.Remove("A")
	d.Remove("B")
	assert.Equal(t, 0, d.Len())
	assert.False(t, d.IsReachable(p.Key))
}

func TestOrderingByFirstSeenThenKey(t *testing.T) {
	d := New(nil)
	d.Update("A", []transport.PeerSnapshot{
		snap(other, "late", true, t0.Add(time.Minute)),
		snap(deadbeef, "early", true, t0),
	})
	d.Update("B", []transport.PeerSnapshot{snap(deadbeef, "tie", true, t0)})

	first := d.CurrentSnapshots()
	require.Len(t, first, 3)
	assert.Equal(t, "early", first[0].Nickname)
	assert.Equal(t, "tie", first[1].Nickname)
	assert.Equal(t, "late", first[2].Nickname)

	// a later batch keeps first-seen for peers that stayed
	d.Update("A", []transport.PeerSnapshot{
		snap(deadbeef, "early", true, t0.Add(time.Hour)),
		snap(other, "late", true, t0.Add(time.Hour)),
	})
	again := d.CurrentSnapshots()
	for i := range first {
		assert.Equal(t, first[i].Key, again[i].Key)
		assert.Equal(t, first[i].FirstSeen, again[i].FirstSeen)
	}
}

func TestPeerDroppedFromBatchForgetsFirstSeen(t *testing.T) {
	d := New(nil)
	d.Update("A", []transport.PeerSnapshot{snap(deadbeef, "x", true, t0)})
	d.Update("A", nil)
	_, ok := d.Lookup(AddressKey("A", deadbeef))
	assert.False(t, ok)

	d.Update("A", []transport.PeerSnapshot{snap(deadbeef, "x", true, t0.Add(time.Hour))})
	p, ok := d.Lookup(AddressKey("A", deadbeef))
	require.True(t, ok)
	assert.Equal(t, t0.Add(time.Hour), p.FirstSeen)
}

func TestPeerFor(t *testing.T) {
	res := &mapResolver{m: map[identity.PeerAddress]identity.Fingerprint{}}
	d := New(res)
	d.Update("A", []transport.PeerSnapshot{snap(deadbeef, "eve", true, t0)})

	p, ok := d.PeerFor(deadbeef)
	require.True(t, ok)
	assert.Equal(t, AddressKey("A", deadbeef), p.Key)
	assert.Equal(t, []identity.PeerAddress{deadbeef}, p.Addresses())

	_, ok = d.PeerFor(other)
	assert.False(t, ok)
}

func TestNicknameFromNewestSnapshot(t *testing.T) {
	res := &mapResolver{m: map[identity.PeerAddress]identity.Fingerprint{}}
	fp := identity.FingerprintOf([]byte("k"))
	res.set(deadbeef, fp)
	res.set(other, fp)
	d := New(res)
	d.Update("A", []transport.PeerSnapshot{snap(deadbeef, "old-nick", true, t0)})
	d.Update("B", []transport.PeerSnapshot{snap(other, "new-nick", true, t0.Add(time.Minute))})

	p, ok := d.Lookup(FingerprintKey(fp))
	require.True(t, ok)
	assert.Equal(t, "new-nick", p.Nickname)
	assert.Len(t, p.Snapshots, 2)
	assert.Equal(t, t0, p.FirstSeen)
}

func TestKeyString(t *testing.T) {
	assert.Equal(t, "addr:A/00000000deadbeef", AddressKey("A", deadbeef).String())
	assert.Equal(t, "fp:abc", FingerprintKey("abc").String())
}
