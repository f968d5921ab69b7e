package identity

import (
	"errors"
	"fmt"
)

var (
	// ErrHandshakeAlreadyInProgress is returned by BeginHandshake while the
	// address is Initiated or InProgress. The state is left unchanged.
	ErrHandshakeAlreadyInProgress = errors.New("handshake already in progress")

	// ErrInvalidTransition is returned when a step does not apply to the
	// current handshake state.
	ErrInvalidTransition = errors.New("invalid handshake transition")

	// ErrUnknownFingerprint is a lookup miss. Resolve paths turn it into a
	// fresh unknown-trust record instead of returning it.
	ErrUnknownFingerprint = errors.New("unknown fingerprint")

	ErrUnknownAddress     = errors.New("unknown peer address")
	ErrInvalidAddress     = errors.New("invalid peer address")
	ErrInvalidFingerprint = errors.New("invalid fingerprint")
	ErrInvalidTrustLevel  = errors.New("invalid trust level")
	ErrEmptyPublicKey     = errors.New("empty public key")
)

// ReasonPeerLost is the failure reason recorded when an address rotates out,
// its transport disconnects, or its session idles out mid-handshake.
const ReasonPeerLost = "peer lost"

// HandshakeFailedError reports a handshake that ended in Failed.
type HandshakeFailedError struct {
	Reason string
}

func (e *HandshakeFailedError) Error() string {
	return fmt.Sprintf("handshake failed: %s", e.Reason)
}
