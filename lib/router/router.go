package router

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/meshroute/meshroute/lib/directory"
	"github.com/meshroute/meshroute/lib/identity"
	"github.com/meshroute/meshroute/lib/transport"
	"github.com/meshroute/meshroute/lib/util/logger"
	"github.com/samber/oops"
)

const (
	DefaultInboundBuffer = 1024
	DefaultSendTimeout   = 10 * time.Second
)

// Options tunes a Router.
type Options struct {
	// InboundBuffer is the capacity of the shared inbound queue. A full
	// queue blocks the producing transport.
	InboundBuffer int
	// SendTimeout bounds every outbound fan-out. Zero disables it.
	SendTimeout time.Duration
}

func DefaultOptions() Options {
	return Options{
		InboundBuffer: DefaultInboundBuffer,
		SendTimeout:   DefaultSendTimeout,
	}
}

// Router multiplexes transports for one local device.
type Router struct {
	*transport.TransportMuxer

	ids  *identity.Store
	dir  *directory.Directory
	opts Options

	events chan event
	done   chan struct{}

	obsMu      sync.RWMutex
	observer   Observer
	handshaker HandshakeHandler

	mu         sync.Mutex
	listeners  map[transport.ID]transport.ListenerID
	running    bool
	closed     bool
	ctx        context.Context
	cancel     context.CancelFunc
	watchers   sync.WaitGroup
	dispatched chan struct{}
}

// New creates a router backed by ids. Transports are added with Register.
func New(ids *identity.Store, opts Options) *Router {
	if opts.InboundBuffer <= 0 {
		opts.InboundBuffer = DefaultInboundBuffer
	}
	log.WithFields(logger.Fields{
		"at":             "New",
		"inbound_buffer": opts.InboundBuffer,
		"send_timeout":   opts.SendTimeout.String(),
	}).Debug("creating router")
	return &Router{
		TransportMuxer: transport.Mux(),
		ids:            ids,
		dir:            directory.New(ids),
		opts:           opts,
		events:         make(chan event, opts.InboundBuffer),
		done:           make(chan struct{}),
		observer:       NopObserver{},
		listeners:      make(map[transport.ID]transport.ListenerID),
	}
}

// Identities returns the identity store the router resolves senders with.
func (r *Router) Identities() *identity.Store { return r.ids }

// Directory returns the merged peer directory.
func (r *Router) Directory() *directory.Directory { return r.dir }

// SetObserver replaces the observer. nil restores a no-op observer.
func (r *Router) SetObserver(o Observer) {
	if o == nil {
		o = NopObserver{}
	}
	r.obsMu.Lock()
	r.observer = o
	r.obsMu.Unlock()
}

// SetHandshakeHandler installs the consumer of handshake payloads. Without
// one, payloads are dropped.
func (r *Router) SetHandshakeHandler(h HandshakeHandler) {
	r.obsMu.Lock()
	r.handshaker = h
	r.obsMu.Unlock()
}

func (r *Router) currentObserver() Observer {
	r.obsMu.RLock()
	defer r.obsMu.RUnlock()
	return r.observer
}

func (r *Router) currentHandshaker() HandshakeHandler {
	r.obsMu.RLock()
	defer r.obsMu.RUnlock()
	return r.handshaker
}

// Register adds t and subscribes to its events. On a running router the
// transport is started immediately.
func (r *Router) Register(t transport.Transport) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed {
		return ErrClosed
	}
	if err := r.TransportMuxer.Register(t); err != nil {
		return err
	}
	r.listeners[t.ID()] = t.AddListener(&inbound{r: r, id: t.ID()})
	if !r.running {
		return nil
	}
	if err := r.startTransport(r.ctx, t); err != nil {
		t.RemoveListener(r.listeners[t.ID()])
		delete(r.listeners, t.ID())
		r.TransportMuxer.Unregister(t.ID())
		return err
	}
	return nil
}

// Unregister detaches and closes the transport with id. Its peers leave
// the directory.
func (r *Router) Unregister(id transport.ID) error {
	r.mu.Lock()
	t, err := r.TransportMuxer.Unregister(id)
	if err != nil {
		r.mu.Unlock()
		return err
	}
	if lid, ok := r.listeners[id]; ok {
		t.RemoveListener(lid)
		delete(r.listeners, id)
	}
	r.mu.Unlock()

	r.dir.Remove(id)
	log.WithFields(logger.Fields{
		"at":        "(Router) Unregister",
		"transport": string(id),
	}).Debug("transport unregistered")
	r.notifyPeers()
	return t.Close()
}

// Start starts the dispatcher and every registered transport. A transport
// that fails to start is reported in the returned error; the others keep
// running. The router stops when ctx is done.
func (r *Router) Start(ctx context.Context) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed {
		return ErrClosed
	}
	if r.running {
		return ErrAlreadyStarted
	}
	r.running = true
	r.ctx, r.cancel = context.WithCancel(ctx)
	r.dispatched = make(chan struct{})
	go r.dispatch(r.ctx, r.dispatched)
	go func(ctx context.Context) {
		<-ctx.Done()
		r.Close()
	}(r.ctx)

	var errs []error
	for _, t := range r.TransportMuxer.Transports() {
		if err := r.startTransport(r.ctx, t); err != nil {
			errs = append(errs, err)
		}
	}
	log.WithFields(logger.Fields{
		"at":         "(Router) Start",
		"transports": len(r.TransportMuxer.Transports()),
		"failed":     len(errs),
	}).Info("router started")
	return errors.Join(errs...)
}

// startTransport is called with r.mu held.
func (r *Router) startTransport(ctx context.Context, t transport.Transport) error {
	if err := t.Start(ctx); err != nil {
		log.WithFields(logger.Fields{
			"at":        "(Router) startTransport",
			"reason":    "transport_start_failed",
			"transport": string(t.ID()),
			"error":     err.Error(),
		}).Warn("transport failed to start")
		return oops.In("router").With("transport", string(t.ID())).Wrap(err)
	}
	snaps := t.PeerSnapshots()
	if snaps == nil {
		return nil
	}
	r.watchers.Add(1)
	go r.watchSnapshots(t.ID(), snaps)
	return nil
}

// watchSnapshots forwards one connect cycle's snapshots into the inbound
// queue. It ends when the transport closes the channel.
func (r *Router) watchSnapshots(id transport.ID, snaps <-chan []transport.PeerSnapshot) {
	defer r.watchers.Done()
	for batch := range snaps {
		r.push(snapshotEvent{transport: id, snapshots: batch})
	}
	log.WithFields(logger.Fields{
		"at":        "(Router) watchSnapshots",
		"transport": string(id),
	}).Debug("snapshot stream ended")
}

// Close stops the dispatcher and closes every transport. It is safe to call
// more than once.
func (r *Router) Close() error {
	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return nil
	}
	r.closed = true
	running := r.running
	cancel := r.cancel
	dispatched := r.dispatched
	r.mu.Unlock()

	// pending pushes give up once done is closed, even when the
	// dispatcher already stopped with a full queue
	close(r.done)
	err := r.TransportMuxer.Close()
	if running {
		// transports closing their snapshot channels ends the watchers
		r.watchers.Wait()
		cancel()
		<-dispatched
	}
	log.WithFields(logger.Fields{
		"at":     "(Router) Close",
		"reason": "shutdown_requested",
	}).Info("router closed")
	return err
}

// Peers returns the merged directory view.
func (r *Router) Peers() []directory.Peer {
	return r.dir.CurrentSnapshots()
}

// NewMessageID returns a fresh message ID for SendPrivate.
func NewMessageID() string {
	return uuid.NewString()
}
