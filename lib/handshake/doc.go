// Package handshake authenticates peers with the Noise XX pattern
// (Noise_XX_25519_ChaChaPoly_SHA256) and drives the identity store through
// the handshake state machine.
//
// The three XX messages map onto the identity states:
//
//	initiator                          responder
//	Begin -> Initiated    --- msg 1 -->  Begin -> Initiated
//	                                     Advance(progress) -> InProgress
//	Advance(progress)     <-- msg 2 ---
//	Advance(complete)     --- msg 3 -->  Advance(complete)
//
// Messages 2 and 3 carry the sender's ed25519 signing key and nickname.
// The signing key must sign the sender's Noise static key, which is the
// key the fingerprint is derived from.
//
// Manager adds lazy handshakes on top of the Driver: private messages to
// a peer are queued until a handshake with it completes.
package handshake
