// Package mqttrelay is a store-and-forward relay transport over MQTT. Each
// device publishes a retained presence record under its current address and
// receives private traffic on its own inbox topic.
package mqttrelay

import (
	"bytes"
	"context"
	"sort"
	"strings"
	"sync"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"
	"github.com/google/uuid"
	"github.com/meshroute/meshroute/lib/identity"
	"github.com/meshroute/meshroute/lib/transport"
	"github.com/meshroute/meshroute/lib/util/logger"
	"github.com/samber/oops"
	"golang.org/x/time/rate"
)

const (
	qosBroadcast = 0
	qosPrivate   = 1
)

// Options configures a Relay.
type Options struct {
	BrokerURL string
	ClientID  string
	TopicRoot string
	Nickname  string
	// Address is the starting address; zero picks a random one.
	Address        identity.PeerAddress
	PublishRate    float64
	Burst          int
	ConnectTimeout time.Duration
}

type peerInfo struct {
	nickname string
	seen     time.Time
}

// Relay implements transport.Transport over an MQTT broker.
type Relay struct {
	transport.ListenerTable

	id       transport.ID
	opts     Options
	topics   topics
	limiter  *rate.Limiter
	nickname string

	mu        sync.RWMutex
	client    mqtt.Client
	addr      identity.PeerAddress
	peers     map[identity.PeerAddress]peerInfo
	locations map[string]struct{}
	snapshots chan []transport.PeerSnapshot
	closed    bool

	snapMu sync.Mutex
}

var (
	_ transport.Transport        = (*Relay)(nil)
	_ transport.HandshakeCarrier = (*Relay)(nil)
	_ transport.LocationCapable  = (*Relay)(nil)
)

// New creates a relay transport. Start connects it.
func New(id transport.ID, opts Options) (*Relay, error) {
	if opts.BrokerURL == "" {
		return nil, oops.In("mqttrelay").Errorf("broker url required")
	}
	if opts.TopicRoot = strings.Trim(opts.TopicRoot, "/"); opts.TopicRoot == "" {
		opts.TopicRoot = "meshroute"
	}
	if opts.PublishRate <= 0 {
		opts.PublishRate = 10
	}
	if opts.Burst <= 0 {
		opts.Burst = 20
	}
	if opts.ConnectTimeout <= 0 {
		opts.ConnectTimeout = 10 * time.Second
	}
	if opts.ClientID == "" {
		opts.ClientID = "meshroute-" + uuid.NewString()[:8]
	}
	addr := opts.Address
	if addr.IsZero() {
		var err error
		if addr, err = identity.NewPeerAddress(); err != nil {
			return nil, err
		}
	}
	return &Relay{
		id:        id,
		opts:      opts,
		topics:    topics{root: opts.TopicRoot},
		limiter:   rate.NewLimiter(rate.Limit(opts.PublishRate), opts.Burst),
		nickname:  opts.Nickname,
		addr:      addr,
		peers:     make(map[identity.PeerAddress]peerInfo),
		locations: make(map[string]struct{}),
	}, nil
}

func (r *Relay) ID() transport.ID { return r.id }

func (r *Relay) Name() string { return "mqtt-relay(" + r.opts.BrokerURL + ")" }

func (r *Relay) Address() identity.PeerAddress {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.addr
}

// Start connects to the broker, announces presence and subscribes. A new
// snapshot channel is created for the connection. ctx is the relay's
// lifetime: the relay closes when it ends. Connecting is bounded by
// ConnectTimeout.
func (r *Relay) Start(ctx context.Context) error {
	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return transport.ErrClosed
	}
	if r.client != nil {
		r.mu.Unlock()
		return nil
	}
	addr := r.addr
	r.snapshots = make(chan []transport.PeerSnapshot, 1)
	r.mu.Unlock()

	offline, err := r.presenceEnvelope(addr, false)
	if err != nil {
		return err
	}
	opts := mqtt.NewClientOptions().
		AddBroker(r.opts.BrokerURL).
		SetClientID(r.opts.ClientID).
		SetCleanSession(true).
		SetAutoReconnect(true).
		SetOrderMatters(true).
		SetConnectTimeout(r.opts.ConnectTimeout).
		SetOnConnectHandler(r.onConnect).
		SetConnectionLostHandler(r.onConnectionLost)
	opts.SetBinaryWill(r.topics.presence(addr), offline, qosPrivate, true)

	connectCtx, cancel := context.WithTimeout(ctx, r.opts.ConnectTimeout)
	defer cancel()

	client := mqtt.NewClient(opts)
	if err := waitToken(connectCtx, client.Connect()); err != nil {
		return oops.In("mqttrelay").With("broker", r.opts.BrokerURL).Wrapf(err, "connect")
	}

	r.mu.Lock()
	r.client = client
	r.mu.Unlock()

	// onConnect may have fired before client was stored
	if err := r.subscribeAll(connectCtx, client); err != nil {
		client.Disconnect(250)
		return err
	}
	if err := r.announce(connectCtx, addr, true); err != nil {
		client.Disconnect(250)
		return err
	}

	go func() {
		<-ctx.Done()
		r.Close()
	}()

	log.WithFields(logger.Fields{
		"at":      "(Relay) Start",
		"broker":  r.opts.BrokerURL,
		"address": addr.String(),
	}).Debug("relay connected")
	return nil
}

func (r *Relay) onConnect(c mqtt.Client) {
	r.mu.RLock()
	known := r.client != nil
	r.mu.RUnlock()
	if !known {
		return
	}
	// reconnect: subscriptions are gone with the clean session
	ctx, cancel := context.WithTimeout(context.Background(), r.opts.ConnectTimeout)
	defer cancel()
	if err := r.subscribeAll(ctx, c); err != nil {
		log.WithFields(logger.Fields{
			"at":     "(Relay) onConnect",
			"reason": "resubscribe_failed",
		}).WithError(err).Warn("relay resubscribe failed")
		return
	}
	if err := r.announce(ctx, r.Address(), true); err != nil {
		log.WithFields(logger.Fields{
			"at":     "(Relay) onConnect",
			"reason": "announce_failed",
		}).WithError(err).Warn("relay presence not announced")
	}
}

func (r *Relay) onConnectionLost(_ mqtt.Client, err error) {
	log.WithFields(logger.Fields{
		"at":     "(Relay) onConnectionLost",
		"reason": "connection_lost",
	}).WithError(err).Warn("relay connection lost, reconnecting")

	r.mu.Lock()
	lost := make([]identity.PeerAddress, 0, len(r.peers))
	for a := range r.peers {
		lost = append(lost, a)
	}
	r.peers = make(map[identity.PeerAddress]peerInfo)
	r.mu.Unlock()
	for _, a := range lost {
		r.EmitDisconnected(a)
	}
	r.publishSnapshot()
}

func (r *Relay) subscribeAll(ctx context.Context, c mqtt.Client) error {
	addr := r.Address()
	filters := map[string]byte{
		r.topics.broadcast():     qosBroadcast,
		r.topics.presenceAll():   qosPrivate,
		r.topics.inbox(addr):     qosPrivate,
		r.topics.handshake(addr): qosPrivate,
	}
	r.mu.RLock()
	for g := range r.locations {
		filters[r.topics.geo(g)] = qosBroadcast
	}
	r.mu.RUnlock()
	if err := waitToken(ctx, c.SubscribeMultiple(filters, r.handle)); err != nil {
		return oops.In("mqttrelay").Wrapf(err, "subscribe")
	}
	return nil
}

func (r *Relay) currentClient() (mqtt.Client, identity.PeerAddress, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if r.closed {
		return nil, identity.PeerAddress{}, transport.ErrClosed
	}
	if r.client == nil {
		return nil, identity.PeerAddress{}, transport.ErrNotStarted
	}
	return r.client, r.addr, nil
}

func (r *Relay) publish(ctx context.Context, topic string, qos byte, retained bool, env envelope) error {
	client, _, err := r.currentClient()
	if err != nil {
		return err
	}
	payload, err := env.encode()
	if err != nil {
		return oops.In("mqttrelay").Wrapf(err, "encode envelope")
	}
	if err := r.limiter.Wait(ctx); err != nil {
		return oops.In("mqttrelay").With("topic", topic).Wrapf(err, "rate limit")
	}
	if err := waitToken(ctx, client.Publish(topic, qos, retained, payload)); err != nil {
		return oops.In("mqttrelay").With("topic", topic).Wrapf(err, "publish")
	}
	return nil
}

func (r *Relay) presenceEnvelope(addr identity.PeerAddress, online bool) ([]byte, error) {
	return envelope{
		Kind:      KindPresence,
		From:      addr,
		Nickname:  r.nickname,
		Online:    online,
		Timestamp: time.Now(),
	}.encode()
}

func (r *Relay) announce(ctx context.Context, addr identity.PeerAddress, online bool) error {
	return r.publish(ctx, r.topics.presence(addr), qosPrivate, true, envelope{
		Kind:      KindPresence,
		From:      addr,
		Nickname:  r.nickname,
		Online:    online,
		Timestamp: time.Now(),
	})
}

func (r *Relay) SendMessage(ctx context.Context, content string, mentions []string) error {
	_, from, err := r.currentClient()
	if err != nil {
		return err
	}
	return r.publish(ctx, r.topics.broadcast(), qosBroadcast, false, envelope{
		Kind:      KindMessage,
		ID:        uuid.NewString(),
		From:      from,
		Nickname:  r.nickname,
		Content:   content,
		Mentions:  mentions,
		Timestamp: time.Now(),
	})
}

func (r *Relay) SendPrivateMessage(ctx context.Context, content string, to identity.PeerAddress, recipientNickname, messageID string) error {
	_, from, err := r.currentClient()
	if err != nil {
		return err
	}
	if !r.IsPeerReachable(to) {
		return oops.In("mqttrelay").With("address", to.String()).Wrap(transport.ErrPeerUnreachable)
	}
	if messageID == "" {
		messageID = uuid.NewString()
	}
	return r.publish(ctx, r.topics.inbox(to), qosPrivate, false, envelope{
		Kind:       KindPrivate,
		ID:         messageID,
		From:       from,
		Nickname:   r.nickname,
		Content:    content,
		ToNickname: recipientNickname,
		Timestamp:  time.Now(),
	})
}

func (r *Relay) SendHandshake(ctx context.Context, to identity.PeerAddress, payload []byte) error {
	_, from, err := r.currentClient()
	if err != nil {
		return err
	}
	return r.publish(ctx, r.topics.handshake(to), qosPrivate, false, envelope{
		Kind:      KindHandshake,
		From:      from,
		Payload:   payload,
		Timestamp: time.Now(),
	})
}

// IsPeerReachable reports whether addr has announced itself online.
func (r *Relay) IsPeerReachable(addr identity.PeerAddress) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if r.client == nil || r.closed {
		return false
	}
	_, ok := r.peers[addr]
	return ok
}

func (r *Relay) JoinLocation(ctx context.Context, geohash string) error {
	r.mu.Lock()
	r.locations[geohash] = struct{}{}
	client := r.client
	r.mu.Unlock()
	if client == nil {
		return nil
	}
	if err := waitToken(ctx, client.Subscribe(r.topics.geo(geohash), qosBroadcast, r.handle)); err != nil {
		return oops.In("mqttrelay").With("geohash", geohash).Wrapf(err, "join location")
	}
	return nil
}

func (r *Relay) LeaveLocation(ctx context.Context, geohash string) error {
	r.mu.Lock()
	delete(r.locations, geohash)
	client := r.client
	r.mu.Unlock()
	if client == nil {
		return nil
	}
	if err := waitToken(ctx, client.Unsubscribe(r.topics.geo(geohash))); err != nil {
		return oops.In("mqttrelay").With("geohash", geohash).Wrapf(err, "leave location")
	}
	return nil
}

func (r *Relay) SendLocationMessage(ctx context.Context, geohash, content string, mentions []string) error {
	_, from, err := r.currentClient()
	if err != nil {
		return err
	}
	return r.publish(ctx, r.topics.geo(geohash), qosBroadcast, false, envelope{
		Kind:      KindLocation,
		ID:        uuid.NewString(),
		From:      from,
		Nickname:  r.nickname,
		Content:   content,
		Mentions:  mentions,
		Geohash:   geohash,
		Timestamp: time.Now(),
	})
}

// RotateAddress moves to a fresh address: the old presence record is
// cleared, the old inbox dropped and the new one announced.
func (r *Relay) RotateAddress(ctx context.Context) (identity.PeerAddress, error) {
	client, old, err := r.currentClient()
	if err != nil {
		return identity.PeerAddress{}, err
	}
	fresh, err := identity.NewPeerAddress()
	if err != nil {
		return identity.PeerAddress{}, err
	}

	// an empty retained payload deletes the retained presence
	if err := waitToken(ctx, client.Publish(r.topics.presence(old), qosPrivate, true, []byte{})); err != nil {
		return identity.PeerAddress{}, oops.In("mqttrelay").Wrapf(err, "clear presence")
	}
	if err := waitToken(ctx, client.Unsubscribe(r.topics.inbox(old), r.topics.handshake(old))); err != nil {
		return identity.PeerAddress{}, oops.In("mqttrelay").Wrapf(err, "drop old inbox")
	}

	r.mu.Lock()
	r.addr = fresh
	r.mu.Unlock()

	if err := r.subscribeAll(ctx, client); err != nil {
		return fresh, err
	}
	if err := r.announce(ctx, fresh, true); err != nil {
		return fresh, err
	}
	log.WithFields(logger.Fields{
		"at":  "(Relay) RotateAddress",
		"old": old.String(),
		"new": fresh.String(),
	}).Debug("relay address rotated")
	return fresh, nil
}

// handle runs on paho's ordered callback goroutine.
func (r *Relay) handle(_ mqtt.Client, m mqtt.Message) {
	branch, leaf, err := r.topics.route(m.Topic())
	if err != nil {
		return
	}
	if branch == "presence" {
		r.handlePresence(leaf, m.Payload())
		return
	}

	env, err := decodeEnvelope(m.Payload())
	if err != nil {
		log.WithFields(logger.Fields{
			"at":     "(Relay) handle",
			"topic":  m.Topic(),
			"reason": "bad_envelope",
		}).WithError(err).Debug("dropping relay payload")
		return
	}
	self := r.Address()
	if env.From == self {
		return
	}
	r.touch(env.From, env.Nickname)

	switch env.Kind {
	case KindHandshake:
		r.EmitHandshake(env.From, env.Payload)
	case KindMessage, KindPrivate, KindLocation:
		r.EmitMessage(transport.Message{
			ID:             env.ID,
			Transport:      r.id,
			From:           env.From,
			SenderNickname: env.Nickname,
			Content:        env.Content,
			Mentions:       env.Mentions,
			Private:        env.Kind == KindPrivate,
			Geohash:        env.Geohash,
			Timestamp:      env.Timestamp,
		})
	case KindPresence:
	default:
		log.WithFields(logger.Fields{
			"at":     "(Relay) handle",
			"kind":   string(env.Kind),
			"reason": "unknown_kind",
		}).Debug("dropping relay payload")
	}
}

func (r *Relay) touch(addr identity.PeerAddress, nickname string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if p, ok := r.peers[addr]; ok {
		p.seen = time.Now()
		if nickname != "" {
			p.nickname = nickname
		}
		r.peers[addr] = p
	}
}

func (r *Relay) handlePresence(leaf string, payload []byte) {
	addr, err := identity.ParsePeerAddress(leaf)
	if err != nil || addr == r.Address() {
		return
	}
	online := false
	nickname := ""
	if len(payload) > 0 {
		env, err := decodeEnvelope(payload)
		if err != nil {
			return
		}
		online, nickname = env.Online, env.Nickname
	}

	r.mu.Lock()
	_, known := r.peers[addr]
	if online {
		r.peers[addr] = peerInfo{nickname: nickname, seen: time.Now()}
	} else {
		delete(r.peers, addr)
	}
	r.mu.Unlock()

	switch {
	case online && !known:
		r.EmitConnected(addr)
	case !online && known:
		r.EmitDisconnected(addr)
	default:
		return
	}
	r.publishSnapshot()
}

func (r *Relay) snapshot() []transport.PeerSnapshot {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]transport.PeerSnapshot, 0, len(r.peers))
	for a, p := range r.peers {
		out = append(out, transport.PeerSnapshot{
			Address:    a,
			Nickname:   p.nickname,
			Connected:  true,
			Metadata:   map[string]string{"via": "relay"},
			Transport:  r.id,
			ObservedAt: p.seen,
		})
	}
	sort.Slice(out, func(i, j int) bool { return bytes.Compare(out[i].Address[:], out[j].Address[:]) < 0 })
	return out
}

func (r *Relay) publishSnapshot() {
	snap := r.snapshot()
	addrs := make([]identity.PeerAddress, 0, len(snap))
	for _, s := range snap {
		addrs = append(addrs, s.Address)
	}
	r.EmitPeerList(addrs)

	r.snapMu.Lock()
	defer r.snapMu.Unlock()
	r.mu.RLock()
	ch, closed := r.snapshots, r.closed
	r.mu.RUnlock()
	if ch == nil || closed {
		return
	}
	select {
	case <-ch:
	default:
	}
	ch <- snap
}

func (r *Relay) PeerSnapshots() <-chan []transport.PeerSnapshot {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.snapshots
}

func (r *Relay) AddListener(l transport.Listener) transport.ListenerID { return r.Add(l) }

func (r *Relay) RemoveListener(id transport.ListenerID) { r.Remove(id) }

// Close clears the presence record and disconnects.
func (r *Relay) Close() error {
	r.snapMu.Lock()
	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		r.snapMu.Unlock()
		return nil
	}
	r.closed = true
	client, addr := r.client, r.addr
	if r.snapshots != nil {
		close(r.snapshots)
	}
	r.mu.Unlock()
	r.snapMu.Unlock()

	if client != nil && client.IsConnected() {
		tok := client.Publish(r.topics.presence(addr), qosPrivate, true, []byte{})
		tok.WaitTimeout(time.Second)
		client.Disconnect(250)
	}
	log.WithFields(logger.Fields{
		"at":      "(Relay) Close",
		"address": addr.String(),
	}).Debug("relay closed")
	return nil
}

// waitToken blocks until tok completes or ctx is done.
func waitToken(ctx context.Context, tok mqtt.Token) error {
	select {
	case <-tok.Done():
		return tok.Error()
	case <-ctx.Done():
		return ctx.Err()
	}
}
