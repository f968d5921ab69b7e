package router

import (
	"errors"

	"github.com/meshroute/meshroute/lib/transport"
)

var (
	// ErrPeerUnreachable is returned by SendPrivate when no registered
	// transport reports the recipient reachable. Nothing was sent.
	ErrPeerUnreachable = transport.ErrPeerUnreachable
	// ErrNoTransportAvailable is returned by sends when nothing is registered.
	ErrNoTransportAvailable = transport.ErrNoTransportAvailable
	// ErrLocationUnsupported is returned by SendChannel for a location
	// channel when no transport can carry it.
	ErrLocationUnsupported = transport.ErrLocationUnsupported

	ErrAlreadyStarted = errors.New("router already started")
	ErrClosed         = errors.New("router closed")
)

// SendError collects the per-transport failures of one send.
type SendError = transport.SendError
