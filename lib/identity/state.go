package identity

// HandshakeState is the per-address handshake progress:
//
//	None -> Initiated -> InProgress -> Completed(fingerprint)
//	  \________\____________\-------> Failed(reason)
//
// Failed and Completed may start over at Initiated. Nothing returns to None.
type HandshakeState interface {
	String() string
	isHandshakeState()
}

type (
	HandshakeNone       struct{}
	HandshakeInitiated  struct{}
	HandshakeInProgress struct{}
	HandshakeCompleted  struct{ Fingerprint Fingerprint }
	HandshakeFailed     struct{ Reason string }
)

func (HandshakeNone) isHandshakeState()       {}
func (HandshakeInitiated) isHandshakeState()  {}
func (HandshakeInProgress) isHandshakeState() {}
func (HandshakeCompleted) isHandshakeState()  {}
func (HandshakeFailed) isHandshakeState()     {}

func (HandshakeNone) String() string       { return "none" }
func (HandshakeInitiated) String() string  { return "initiated" }
func (HandshakeInProgress) String() string { return "in_progress" }
func (s HandshakeCompleted) String() string {
	return "completed(" + s.Fingerprint.Short() + ")"
}
func (s HandshakeFailed) String() string { return "failed(" + s.Reason + ")" }

// IsActive reports whether a handshake is Initiated or InProgress.
func IsActive(s HandshakeState) bool {
	switch s.(type) {
	case HandshakeInitiated, HandshakeInProgress:
		return true
	case HandshakeNone, HandshakeCompleted, HandshakeFailed:
		return false
	default:
		panic("unreachable")
	}
}

// HandshakeStep is an input to AdvanceHandshake.
type HandshakeStep interface {
	isHandshakeStep()
}

// StepProgress moves Initiated to InProgress.
type StepProgress struct{}

// StepComplete moves InProgress to Completed with the peer's proven keys.
type StepComplete struct {
	PublicKey  []byte
	SigningKey []byte
}

func (StepProgress) isHandshakeStep() {}
func (StepComplete) isHandshakeStep() {}
