package handshake

import "errors"

var (
	// ErrMalformedFrame is returned for a handshake payload that is too short
	// or carries an unknown version or message number.
	ErrMalformedFrame = errors.New("malformed handshake frame")
	// ErrUnexpectedMessage is returned for a message that does not fit the
	// session the driver holds for the peer.
	ErrUnexpectedMessage = errors.New("unexpected handshake message")
	// ErrBadSignature is returned when the peer's signing key does not sign
	// its static key.
	ErrBadSignature = errors.New("peer identity signature invalid")
	// ErrTooManyAttempts is returned by Manager.Request after
	// handshake.max_attempts failures.
	ErrTooManyAttempts = errors.New("too many handshake attempts")
	// ErrNoCarrier is returned when no transport that reaches the peer can
	// carry handshake payloads.
	ErrNoCarrier = errors.New("no handshake carrier for peer")
)

// Failure reasons recorded on the identity store.
const (
	ReasonSendFailed = "send failed"
	ReasonBadMessage = "bad handshake message"
	ReasonTimeout    = "timeout"
	ReasonRestarted  = "restarted by peer"
)
