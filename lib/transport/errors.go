package transport

import (
	"errors"
	"fmt"
	"sort"
	"strings"
)

var (
	// ErrNoTransportAvailable is returned when nothing is registered.
	ErrNoTransportAvailable = errors.New("no transports available")
	// ErrPeerUnreachable is returned by a private send when no transport
	// reports the peer reachable. Nothing was sent.
	ErrPeerUnreachable = errors.New("peer unreachable")
	// ErrLocationUnsupported is returned when no transport can carry a
	// location channel message.
	ErrLocationUnsupported = errors.New("no transport supports location channels")

	ErrDuplicateTransport = errors.New("transport already registered")
	ErrUnknownTransport   = errors.New("unknown transport")
	ErrClosed             = errors.New("transport closed")
	ErrNotStarted         = errors.New("transport not started")
)

// SendError collects per-transport failures of one fan-out. Transports not
// listed succeeded.
type SendError struct {
	Op       string
	Failures map[ID]error
}

func (e *SendError) Error() string {
	ids := e.failedIDs()
	parts := make([]string, 0, len(ids))
	for _, id := range ids {
		parts = append(parts, fmt.Sprintf("%s: %v", id, e.Failures[id]))
	}
	return fmt.Sprintf("%s failed on %d transport(s): %s", e.Op, len(ids), strings.Join(parts, "; "))
}

// Unwrap exposes every underlying failure to errors.Is and errors.As.
func (e *SendError) Unwrap() []error {
	ids := e.failedIDs()
	out := make([]error, 0, len(ids))
	for _, id := range ids {
		out = append(out, e.Failures[id])
	}
	return out
}

func (e *SendError) failedIDs() []ID {
	ids := make([]ID, 0, len(e.Failures))
	for id := range e.Failures {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	return ids
}
