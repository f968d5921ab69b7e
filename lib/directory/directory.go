// Package directory merges the per-transport peer snapshots into logical
// peers. Snapshots whose addresses resolve to the same fingerprint are one
// peer; anything unresolved stays scoped to its (transport, address) pair,
// so an unauthenticated device seen on two transports is two peers.
package directory

import (
	"bytes"
	"sort"
	"sync"
	"time"

	"github.com/meshroute/meshroute/lib/identity"
	"github.com/meshroute/meshroute/lib/transport"
	"github.com/meshroute/meshroute/lib/util/logger"
)

// Resolver maps an address to the fingerprint a handshake proved for it.
type Resolver interface {
	Fingerprint(addr identity.PeerAddress) (identity.Fingerprint, bool)
}

// PeerKey identifies a logical peer: the fingerprint when known, else the
// transport and address.
type PeerKey struct {
	Fingerprint identity.Fingerprint
	Transport   transport.ID
	Address     identity.PeerAddress
}

// FingerprintKey is the key of a verified peer.
func FingerprintKey(fp identity.Fingerprint) PeerKey { return PeerKey{Fingerprint: fp} }

// AddressKey is the key of an unverified peer.
func AddressKey(t transport.ID, addr identity.PeerAddress) PeerKey {
	return PeerKey{Transport: t, Address: addr}
}

func (k PeerKey) Verified() bool { return k.Fingerprint != "" }

func (k PeerKey) String() string {
	if k.Verified() {
		return "fp:" + string(k.Fingerprint)
	}
	return "addr:" + string(k.Transport) + "/" + k.Address.String()
}

// Peer is one merged logical peer.
type Peer struct {
	Key       PeerKey
	Nickname  string
	Connected bool
	FirstSeen time.Time
	// Snapshots are the underlying per-transport views, ordered by
	// transport then address.
	Snapshots []transport.PeerSnapshot
}

// Transports lists the transports currently reporting the peer connected.
func (p Peer) Transports() []transport.ID {
	seen := make(map[transport.ID]struct{})
	var out []transport.ID
	for _, s := range p.Snapshots {
		if _, dup := seen[s.Transport]; s.Connected && !dup {
			seen[s.Transport] = struct{}{}
			out = append(out, s.Transport)
		}
	}
	return out
}

// Addresses lists the addresses behind the peer.
func (p Peer) Addresses() []identity.PeerAddress {
	out := make([]identity.PeerAddress, 0, len(p.Snapshots))
	for _, s := range p.Snapshots {
		out = append(out, s.Address)
	}
	return out
}

type viewKey struct {
	transport transport.ID
	addr      identity.PeerAddress
}

// Directory holds the latest snapshot batch of every transport.
type Directory struct {
	resolver Resolver
	now      func() time.Time

	mu        sync.RWMutex
	views     map[transport.ID]map[identity.PeerAddress]transport.PeerSnapshot
	firstSeen map[viewKey]time.Time
}

// New creates a directory merging through resolver.
func New(resolver Resolver) *Directory {
	return &Directory{
		resolver:  resolver,
		now:       time.Now,
		views:     make(map[transport.ID]map[identity.PeerAddress]transport.PeerSnapshot),
		firstSeen: make(map[viewKey]time.Time),
	}
}

// Update replaces the view of transportID with snapshots.
func (d *Directory) Update(transportID transport.ID, snapshots []transport.PeerSnapshot) {
	view := make(map[identity.PeerAddress]transport.PeerSnapshot, len(snapshots))
	for _, s := range snapshots {
		s.Transport = transportID
		view[s.Address] = s
	}

	d.mu.Lock()
	defer d.mu.Unlock()
	for addr := range d.views[transportID] {
		if _, ok := view[addr]; !ok {
			delete(d.firstSeen, viewKey{transportID, addr})
		}
	}
	for addr, s := range view {
		k := viewKey{transportID, addr}
		if _, ok := d.firstSeen[k]; !ok {
			at := s.ObservedAt
			if at.IsZero() {
				at = d.now()
			}
			d.firstSeen[k] = at
		}
	}
	d.views[transportID] = view

	log.WithFields(logger.Fields{
		"at":        "(Directory) Update",
		"transport": string(transportID),
		"peers":     len(view),
	}).Debug("transport view replaced")
}

// MarkDisconnected flips one snapshot to disconnected without waiting for
// the transport's next batch.
func (d *Directory) MarkDisconnected(transportID transport.ID, addr identity.PeerAddress) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if s, ok := d.views[transportID][addr]; ok {
		s.Connected = false
		d.views[transportID][addr] = s
	}
}

// Remove drops everything transportID reported.
func (d *Directory) Remove(transportID transport.ID) {
	d.mu.Lock()
	defer d.mu.Unlock()
	for addr := range d.views[transportID] {
		delete(d.firstSeen, viewKey{transportID, addr})
	}
	delete(d.views, transportID)
}

func (d *Directory) keyFor(s transport.PeerSnapshot) PeerKey {
	if d.resolver != nil {
		if fp, ok := d.resolver.Fingerprint(s.Address); ok {
			return FingerprintKey(fp)
		}
	}
	return AddressKey(s.Transport, s.Address)
}

// merge builds the logical peers. Caller holds d.mu.
func (d *Directory) merge() map[PeerKey]*Peer {
	peers := make(map[PeerKey]*Peer)
	newest := make(map[PeerKey]time.Time)
	for tid, view := range d.views {
		for addr, s := range view {
			key := d.keyFor(s)
			p := peers[key]
			if p == nil {
				p = &Peer{Key: key}
				peers[key] = p
			}
			seen := d.firstSeen[viewKey{tid, addr}]
			if p.FirstSeen.IsZero() || seen.Before(p.FirstSeen) {
				p.FirstSeen = seen
			}
			if s.Connected {
				p.Connected = true
			}
			if s.Nickname != "" && !s.ObservedAt.Before(newest[key]) {
				p.Nickname = s.Nickname
				newest[key] = s.ObservedAt
			}
			p.Snapshots = append(p.Snapshots, s)
		}
	}
	for _, p := range peers {
		sort.Slice(p.Snapshots, func(i, j int) bool {
			a, b := p.Snapshots[i], p.Snapshots[j]
			if a.Transport != b.Transport {
				return a.Transport < b.Transport
			}
			return bytes.Compare(a.Address[:], b.Address[:]) < 0
		})
	}
	return peers
}

// CurrentSnapshots returns every logical peer ordered by first-seen time,
// ties broken by key.
func (d *Directory) CurrentSnapshots() []Peer {
	d.mu.RLock()
	merged := d.merge()
	d.mu.RUnlock()

	out := make([]Peer, 0, len(merged))
	for _, p := range merged {
		out = append(out, *p)
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].FirstSeen.Equal(out[j].FirstSeen) {
			return out[i].FirstSeen.Before(out[j].FirstSeen)
		}
		return out[i].Key.String() < out[j].Key.String()
	})
	return out
}

// Lookup returns the logical peer with key.
func (d *Directory) Lookup(key PeerKey) (Peer, bool) {
	d.mu.RLock()
	merged := d.merge()
	d.mu.RUnlock()
	p, ok := merged[key]
	if !ok {
		return Peer{}, false
	}
	return *p, true
}

// IsReachable reports whether at least one transport reports the peer
// connected.
func (d *Directory) IsReachable(key PeerKey) bool {
	p, ok := d.Lookup(key)
	return ok && p.Connected
}

// PeerFor returns the logical peer an address belongs to. When the address
// is unverified on several transports the earliest-seen peer wins.
func (d *Directory) PeerFor(addr identity.PeerAddress) (Peer, bool) {
	for _, p := range d.CurrentSnapshots() {
		for _, s := range p.Snapshots {
			if s.Address == addr {
				return p, true
			}
		}
	}
	return Peer{}, false
}

// Len is the number of logical peers.
func (d *Directory) Len() int {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return len(d.merge())
}
