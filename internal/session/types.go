// Package session implements the pairwise Signal-style session: the X3DH
// handshake and the Double Ratchet that follows it (SPEC_FULL.md §4.3).
//
// A Session is a plain value type with no reference to a store: every
// function here takes the state it needs as an explicit argument and
// updates the *Session it is given in place. The owning store (internal/keys) is the
// only thing that holds a *Session long-term, matching the "Session and
// SenderKeyRecord are owned exclusively by KeysState" invariant in
// SPEC_FULL.md §3.
package session

import "github.com/jaydenbeard/relaysession/internal/primitives"

// MaxReceivingChains bounds the number of receiving chains kept per
// session (most-recently-created first).
const MaxReceivingChains = 5

// MaxSkippedPerChain and MaxSkippedTotal bound the skipped-message-key
// store, per chain and across all chains of a session respectively.
const (
	MaxSkippedPerChain = 2000
	MaxSkippedTotal    = 2000
)

// State names the coarse position in the handshake state machine
// (SPEC_FULL.md §4.3 diagram). It is informational — the actual invariants
// live in which of Sending/PendingPreKey is populated.
type State int

const (
	StateNone State = iota
	StateInitializedAsResponder
	StatePendingInitiator
	StateEstablished
)

// SendingChain is the sender side of the symmetric ratchet, paired with the
// local half of the current DH ratchet key.
type SendingChain struct {
	ChainKey        [32]byte
	Counter         uint32
	OwnRatchetPriv  [32]byte
	OwnRatchetPub   [32]byte
	TheirRatchetPub [32]byte
	PreviousCounter uint32
}

// ReceivingChain is one receiver side of the symmetric ratchet, keyed by
// the peer ratchet public key that produced it.
type ReceivingChain struct {
	TheirRatchetPub [32]byte
	ChainKey        [32]byte
	Counter         uint32
	SkippedKeys     map[uint32][32]byte
}

// PendingPreKey records the X3DH material an initiator used, cleared on
// the first successful receive from the responder.
type PendingPreKey struct {
	PreKeyID       *uint32
	SignedPreKeyID uint32
	BaseKey        [32]byte
}

// Session is the per-address pairwise Signal session (SPEC_FULL.md §3).
type Session struct {
	State State

	RootKey [32]byte

	Sending         *SendingChain
	ReceivingChains []*ReceivingChain
	PendingPreKey   *PendingPreKey

	RegistrationID uint32

	// Identity public keys of both ends, carried for the Whisper message
	// MAC associated data (SPEC_FULL.md §4.3).
	OwnIdentityPub   [32]byte
	TheirIdentityPub [32]byte
}

// totalSkipped sums the skipped-key counts across every receiving chain.
func (s *Session) totalSkipped() int {
	n := 0
	for _, c := range s.ReceivingChains {
		n += len(c.SkippedKeys)
	}
	return n
}

// evictOldestChain drops the least-recently-created receiving chain,
// enforcing the hard cap on total skipped keys (SPEC_FULL.md §3).
func (s *Session) evictOldestChain() {
	if len(s.ReceivingChains) == 0 {
		return
	}
	s.ReceivingChains = s.ReceivingChains[:len(s.ReceivingChains)-1]
}

// pushReceivingChain prepends a new receiving chain (most-recently-created
// first) and trims to MaxReceivingChains.
func (s *Session) pushReceivingChain(c *ReceivingChain) {
	s.ReceivingChains = append([]*ReceivingChain{c}, s.ReceivingChains...)
	if len(s.ReceivingChains) > MaxReceivingChains {
		s.ReceivingChains = s.ReceivingChains[:MaxReceivingChains]
	}
}

// zeroKeyPair overwrites transient key material once it has served its
// single purpose.
func zeroKeyPair(kp *primitives.KeyPair) {
	primitives.Zero(kp.Private[:])
}
