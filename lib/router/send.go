package router

import (
	"context"
	"errors"

	"github.com/meshroute/meshroute/lib/geohash"
	"github.com/meshroute/meshroute/lib/identity"
	"github.com/meshroute/meshroute/lib/transport"
	"github.com/meshroute/meshroute/lib/util/logger"
	"github.com/samber/oops"
)

func (r *Router) sendContext(ctx context.Context) (context.Context, context.CancelFunc) {
	if r.opts.SendTimeout <= 0 {
		return context.WithCancel(ctx)
	}
	return context.WithTimeout(ctx, r.opts.SendTimeout)
}

// Broadcast sends content on every registered transport. Failures are
// returned as *SendError after all transports were tried.
func (r *Router) Broadcast(ctx context.Context, content string, mentions []string) error {
	ctx, cancel := r.sendContext(ctx)
	defer cancel()
	log.WithFields(logger.Fields{
		"at":       "(Router) Broadcast",
		"mentions": len(mentions),
	}).Debug("broadcasting message")
	return r.TransportMuxer.Broadcast(ctx, content, mentions)
}

// SendPrivate sends content to one peer on every transport that reaches
// it. With no such transport it returns ErrPeerUnreachable and sends
// nothing.
func (r *Router) SendPrivate(ctx context.Context, content string, to identity.PeerAddress, recipientNickname, messageID string) error {
	ctx, cancel := r.sendContext(ctx)
	defer cancel()
	if messageID == "" {
		messageID = NewMessageID()
	}
	err := r.TransportMuxer.SendPrivate(ctx, content, to, recipientNickname, messageID)
	if err != nil {
		log.WithFields(logger.Fields{
			"at":         "(Router) SendPrivate",
			"reason":     "send_failed",
			"address":    to.String(),
			"message_id": messageID,
			"error":      err.Error(),
		}).Warn("private send failed")
	}
	return err
}

// SendChannel sends on a chat channel. The mesh channel is a broadcast; a
// location channel goes to the transports that support location scoping.
func (r *Router) SendChannel(ctx context.Context, channel geohash.ChannelID, content string, mentions []string) error {
	switch ch := channel.(type) {
	case geohash.MeshChannelID:
		return r.Broadcast(ctx, content, mentions)
	case geohash.LocationChannelID:
		ctx, cancel := r.sendContext(ctx)
		defer cancel()
		return r.TransportMuxer.SendLocation(ctx, ch.Channel.Geohash, content, mentions)
	case nil:
		return oops.In("router").Wrapf(geohash.ErrInvalidChannel, "nil channel")
	default:
		panic("unreachable")
	}
}

// JoinChannel subscribes every location capable transport to a location
// channel. Joining the mesh channel is a no-op.
func (r *Router) JoinChannel(ctx context.Context, channel geohash.ChannelID) error {
	return r.eachLocation(ctx, channel, func(ctx context.Context, lc transport.LocationCapable, hash string) error {
		return lc.JoinLocation(ctx, hash)
	})
}

// LeaveChannel undoes JoinChannel.
func (r *Router) LeaveChannel(ctx context.Context, channel geohash.ChannelID) error {
	return r.eachLocation(ctx, channel, func(ctx context.Context, lc transport.LocationCapable, hash string) error {
		return lc.LeaveLocation(ctx, hash)
	})
}

func (r *Router) eachLocation(ctx context.Context, channel geohash.ChannelID, fn func(context.Context, transport.LocationCapable, string) error) error {
	loc, ok := channel.(geohash.LocationChannelID)
	if !ok {
		return nil
	}
	var errs []error
	for _, t := range r.TransportMuxer.Transports() {
		lc, ok := t.(transport.LocationCapable)
		if !ok {
			continue
		}
		if err := fn(ctx, lc, loc.Channel.Geohash); err != nil {
			errs = append(errs, oops.In("router").With("transport", string(t.ID())).Wrap(err))
		}
	}
	return errors.Join(errs...)
}

// CarrierFor returns the first registered transport that reaches addr and
// can carry handshake payloads.
func (r *Router) CarrierFor(addr identity.PeerAddress) (transport.HandshakeCarrier, bool) {
	for _, t := range r.TransportMuxer.Reachable(addr) {
		if c, ok := t.(transport.HandshakeCarrier); ok {
			return c, true
		}
	}
	return nil, false
}
