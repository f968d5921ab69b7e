// Package node assembles a running meshroute device from configuration:
// persistence, the identity store, device keys, the router with its
// transports, and the Noise handshake driver and lazy manager.
package node

import (
	"context"
	"errors"
	"sync"

	"github.com/meshroute/meshroute/lib/config"
	"github.com/meshroute/meshroute/lib/geohash"
	"github.com/meshroute/meshroute/lib/handshake"
	"github.com/meshroute/meshroute/lib/identity"
	"github.com/meshroute/meshroute/lib/kv"
	"github.com/meshroute/meshroute/lib/router"
	"github.com/meshroute/meshroute/lib/transport"
	"github.com/meshroute/meshroute/lib/transport/mqttrelay"
	"github.com/meshroute/meshroute/lib/util/logger"
	"github.com/samber/oops"
)

// RelayTransportID is the transport id of the MQTT relay.
const RelayTransportID transport.ID = "relay"

// Node owns every long-lived component of a device.
type Node struct {
	cfg     config.ConfigDefaults
	store   kv.Store
	ids     *identity.Store
	keys    handshake.Keys
	router  *router.Router
	driver  *handshake.Driver
	manager *handshake.Manager

	mu      sync.Mutex
	cancel  context.CancelFunc
	workers sync.WaitGroup
	closed  bool
}

// StoreOptions maps the storage section onto kv.Options.
func StoreOptions(cfg config.ConfigDefaults) kv.Options {
	return kv.Options{
		Backend:       cfg.Storage.Backend,
		Dir:           cfg.Storage.Dir,
		Passphrase:    cfg.Identity.Passphrase(),
		EtcdEndpoints: cfg.Storage.EtcdEndpoints,
		EtcdPrefix:    cfg.Storage.EtcdPrefix,
		EtcdTimeout:   cfg.Storage.EtcdDialTimeout,
		PostgresDSN:   cfg.Storage.PostgresDSN,
	}
}

// New opens storage and wires the components. Transports in extra are
// registered alongside the configured relay.
func New(ctx context.Context, cfg config.ConfigDefaults, extra ...transport.Transport) (*Node, error) {
	if err := config.Validate(cfg); err != nil {
		return nil, err
	}
	store, err := kv.Open(ctx, StoreOptions(cfg))
	if err != nil {
		return nil, oops.In("node").With("backend", cfg.Storage.Backend).Wrapf(err, "open storage")
	}
	keys, err := handshake.LoadOrCreateKeys(ctx, store)
	if err != nil {
		store.Close()
		return nil, err
	}

	ids := identity.NewStore(store, identity.Options{SessionTTL: cfg.Identity.SessionTTL})
	r := router.New(ids, router.Options{
		InboundBuffer: cfg.Router.InboundBuffer,
		SendTimeout:   cfg.Router.SendTimeout,
	})
	driver := handshake.NewDriver(ids, keys, handshake.Options{
		Nickname: cfg.Mesh.Nickname,
		Timeout:  cfg.Handshake.Timeout,
	})
	manager := handshake.NewManager(driver, r, handshake.ManagerOptions{
		MaxAttempts:  cfg.Handshake.MaxAttempts,
		RetryBackoff: cfg.Handshake.RetryBackoff,
	})
	r.SetHandshakeHandler(driver)

	n := &Node{
		cfg:     cfg,
		store:   store,
		ids:     ids,
		keys:    keys,
		router:  r,
		driver:  driver,
		manager: manager,
	}

	transports := extra
	if cfg.Relay.Enabled {
		relay, err := mqttrelay.New(RelayTransportID, mqttrelay.Options{
			BrokerURL:      cfg.Relay.BrokerURL,
			ClientID:       cfg.Relay.ClientID,
			TopicRoot:      cfg.Relay.TopicRoot,
			Nickname:       cfg.Mesh.Nickname,
			PublishRate:    cfg.Relay.PublishRate,
			Burst:          cfg.Relay.Burst,
			ConnectTimeout: cfg.Relay.ConnectTimeout,
		})
		if err != nil {
			n.Close()
			return nil, err
		}
		transports = append([]transport.Transport{relay}, extra...)
	}
	for _, t := range transports {
		if err := r.Register(t); err != nil {
			n.Close()
			return nil, err
		}
	}

	log.WithFields(logger.Fields{
		"at":          "node.New",
		"fingerprint": keys.Fingerprint().Short(),
		"transports":  len(transports),
		"backend":     cfg.Storage.Backend,
	}).Debug("node assembled")
	return n, nil
}

func (n *Node) Router() *router.Router            { return n.router }
func (n *Node) Manager() *handshake.Manager       { return n.manager }
func (n *Node) Identities() *identity.Store       { return n.ids }
func (n *Node) Fingerprint() identity.Fingerprint { return n.keys.Fingerprint() }
func (n *Node) Config() config.ConfigDefaults     { return n.cfg }
func (n *Node) SetObserver(o router.Observer)     { n.router.SetObserver(o) }

// Channels returns the configured location channels.
func (n *Node) Channels() ([]geohash.ChannelID, error) {
	return parseChannels(n.cfg.Mesh.Channels)
}

func parseChannels(names []string) ([]geohash.ChannelID, error) {
	out := make([]geohash.ChannelID, 0, len(names))
	for _, name := range names {
		ch, err := geohash.ParseChannelID("geo:" + name)
		if err != nil {
			return nil, err
		}
		out = append(out, ch)
	}
	return out, nil
}

// Start starts the transports, joins the configured location channels and
// runs the handshake manager until Close or ctx ends. An error from a
// single transport is returned but leaves the node running.
func (n *Node) Start(ctx context.Context) error {
	channels, err := n.Channels()
	if err != nil {
		return err
	}

	n.mu.Lock()
	if n.closed {
		n.mu.Unlock()
		return router.ErrClosed
	}
	if n.cancel != nil {
		n.mu.Unlock()
		return router.ErrAlreadyStarted
	}
	runCtx, cancel := context.WithCancel(ctx)
	n.cancel = cancel
	n.mu.Unlock()

	// a transport that fails to start does not stop the others
	errs := []error{n.router.Start(runCtx)}
	for _, ch := range channels {
		errs = append(errs, n.router.JoinChannel(runCtx, ch))
	}

	n.workers.Add(1)
	go func() {
		defer n.workers.Done()
		n.manager.Run(runCtx, n.cfg.Handshake.SweepInterval)
	}()
	err = errors.Join(errs...)
	if err != nil {
		log.WithFields(logger.Fields{
			"at":     "(Node) Start",
			"reason": "partial_start",
			"error":  err.Error(),
		}).Warn("node started with errors")
	}
	return err
}

// SendPrivate queues content for addr behind a handshake when the peer
// is not yet authenticated.
func (n *Node) SendPrivate(ctx context.Context, content string, to identity.PeerAddress, recipientNickname string) (string, error) {
	id := router.NewMessageID()
	return id, n.manager.SendPrivate(ctx, content, to, recipientNickname, id)
}

// Close stops the manager and router and releases storage. It is
// idempotent.
func (n *Node) Close() error {
	n.mu.Lock()
	if n.closed {
		n.mu.Unlock()
		return nil
	}
	n.closed = true
	cancel := n.cancel
	n.mu.Unlock()

	if cancel != nil {
		cancel()
	}
	n.workers.Wait()
	err := n.router.Close()
	n.ids.Close()
	return errors.Join(err, n.store.Close())
}
