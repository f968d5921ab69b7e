package transport

import (
	"context"
	"errors"
	"strings"
	"sync"

	"github.com/meshroute/meshroute/lib/identity"
	"github.com/meshroute/meshroute/lib/util/logger"
	"github.com/samber/oops"
)

// TransportMuxer fans sends out over a set of transports. Registration
// order is kept and used for every fan-out.
type TransportMuxer struct {
	mu    sync.RWMutex
	trans []Transport
}

// Mux creates a muxer over t.
func Mux(t ...Transport) *TransportMuxer {
	log.WithFields(logger.Fields{
		"at":              "Mux",
		"reason":          "initialization",
		"transport_count": len(t),
	}).Debug("creating new TransportMuxer")
	tmux := new(TransportMuxer)
	for _, tr := range t {
		if err := tmux.Register(tr); err != nil {
			log.WithFields(logger.Fields{
				"at":        "Mux",
				"reason":    "duplicate_transport",
				"transport": string(tr.ID()),
			}).Warn("skipping transport")
		}
	}
	return tmux
}

// Register adds t. IDs must be unique.
func (tmux *TransportMuxer) Register(t Transport) error {
	tmux.mu.Lock()
	defer tmux.mu.Unlock()
	for _, existing := range tmux.trans {
		if existing.ID() == t.ID() {
			return oops.In("transport").With("transport", string(t.ID())).Wrap(ErrDuplicateTransport)
		}
	}
	tmux.trans = append(tmux.trans, t)
	log.WithFields(logger.Fields{
		"at":        "(TransportMuxer) Register",
		"transport": string(t.ID()),
		"name":      t.Name(),
	}).Debug("transport registered")
	return nil
}

// Unregister removes and returns the transport with id. It is not closed.
func (tmux *TransportMuxer) Unregister(id ID) (Transport, error) {
	tmux.mu.Lock()
	defer tmux.mu.Unlock()
	for i, t := range tmux.trans {
		if t.ID() == id {
			tmux.trans = append(tmux.trans[:i:i], tmux.trans[i+1:]...)
			return t, nil
		}
	}
	return nil, oops.In("transport").With("transport", string(id)).Wrap(ErrUnknownTransport)
}

// Get returns the transport with id.
func (tmux *TransportMuxer) Get(id ID) (Transport, bool) {
	tmux.mu.RLock()
	defer tmux.mu.RUnlock()
	for _, t := range tmux.trans {
		if t.ID() == id {
			return t, true
		}
	}
	return nil, false
}

// Transports returns the registered transports in registration order.
func (tmux *TransportMuxer) Transports() []Transport {
	tmux.mu.RLock()
	defer tmux.mu.RUnlock()
	return append([]Transport(nil), tmux.trans...)
}

// Broadcast sends on every transport regardless of reachability. A failing
// transport does not stop the others; failures come back as *SendError.
func (tmux *TransportMuxer) Broadcast(ctx context.Context, content string, mentions []string) error {
	trans := tmux.Transports()
	if len(trans) == 0 {
		return ErrNoTransportAvailable
	}
	return fanOut(ctx, "broadcast", trans, func(ctx context.Context, t Transport) error {
		return t.SendMessage(ctx, content, mentions)
	})
}

// Reachable returns the transports that report addr reachable.
func (tmux *TransportMuxer) Reachable(addr identity.PeerAddress) []Transport {
	var out []Transport
	for _, t := range tmux.Transports() {
		if t.IsPeerReachable(addr) {
			out = append(out, t)
		}
	}
	return out
}

// SendPrivate sends on every transport reporting to reachable. With none
// it returns ErrPeerUnreachable without sending. Several reachable
// transports all get the message; deduplication is the receiver's job.
func (tmux *TransportMuxer) SendPrivate(ctx context.Context, content string, to identity.PeerAddress, recipientNickname, messageID string) error {
	reachable := tmux.Reachable(to)
	if len(reachable) == 0 {
		log.WithFields(logger.Fields{
			"at":      "(TransportMuxer) SendPrivate",
			"reason":  "peer_unreachable",
			"address": to.String(),
		}).Debug("no transport reaches peer")
		return oops.In("transport").With("address", to.String()).Wrap(ErrPeerUnreachable)
	}
	return fanOut(ctx, "private send", reachable, func(ctx context.Context, t Transport) error {
		return t.SendPrivateMessage(ctx, content, to, recipientNickname, messageID)
	})
}

// SendLocation sends on every transport implementing LocationCapable.
func (tmux *TransportMuxer) SendLocation(ctx context.Context, geohash, content string, mentions []string) error {
	var capable []Transport
	for _, t := range tmux.Transports() {
		if _, ok := t.(LocationCapable); ok {
			capable = append(capable, t)
		}
	}
	if len(capable) == 0 {
		return oops.In("transport").With("geohash", geohash).Wrap(ErrLocationUnsupported)
	}
	return fanOut(ctx, "location send", capable, func(ctx context.Context, t Transport) error {
		return t.(LocationCapable).SendLocationMessage(ctx, geohash, content, mentions)
	})
}

// fanOut runs send on every transport concurrently and gathers failures.
func fanOut(ctx context.Context, op string, trans []Transport, send func(context.Context, Transport) error) error {
	errs := make([]error, len(trans))
	var wg sync.WaitGroup
	for i, t := range trans {
		wg.Add(1)
		go func(i int, t Transport) {
			defer wg.Done()
			errs[i] = send(ctx, t)
		}(i, t)
	}
	wg.Wait()

	var failed *SendError
	for i, err := range errs {
		if err == nil {
			continue
		}
		if failed == nil {
			failed = &SendError{Op: op, Failures: make(map[ID]error)}
		}
		failed.Failures[trans[i].ID()] = err
		log.WithFields(logger.Fields{
			"at":        "(TransportMuxer) " + op,
			"reason":    "transport_send_failed",
			"transport": string(trans[i].ID()),
			"error":     err.Error(),
		}).Warn("send failed on transport, continuing with others")
	}
	if failed == nil {
		return nil
	}
	return failed
}

// Close closes every transport, continuing past failures.
func (tmux *TransportMuxer) Close() error {
	trans := tmux.Transports()
	log.WithFields(logger.Fields{
		"at":              "(TransportMuxer) Close",
		"reason":          "shutdown_requested",
		"transport_count": len(trans),
	}).Debug("closing all transports")
	var errs []error
	for _, t := range trans {
		if err := t.Close(); err != nil {
			log.WithFields(logger.Fields{
				"at":        "(TransportMuxer) Close",
				"reason":    "transport_close_failed",
				"transport": string(t.ID()),
				"error":     err.Error(),
			}).Warn("error closing transport")
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// Name lists the muxed transports.
func (tmux *TransportMuxer) Name() string {
	trans := tmux.Transports()
	names := make([]string, 0, len(trans))
	for _, t := range trans {
		names = append(names, t.Name())
	}
	return "Muxed Transport: " + strings.Join(names, ", ")
}
