// Package pairing implements the companion-device bootstrap state machine
// (SPEC_FULL.md §4.6): Unpaired -> AdvertisementSent -> IdentityProvided ->
// Paired, driven by well-defined inbound frames.
package pairing

import (
	"crypto/ed25519"
	"fmt"

	"github.com/jaydenbeard/relaysession/internal/protoerr"
)

// State is the FSM's current position.
type State int

const (
	StateUnpaired State = iota
	StateAdvertisementSent
	StateIdentityProvided
	StatePaired
)

func (s State) String() string {
	switch s {
	case StateUnpaired:
		return "Unpaired"
	case StateAdvertisementSent:
		return "AdvertisementSent"
	case StateIdentityProvided:
		return "IdentityProvided"
	case StatePaired:
		return "Paired"
	default:
		return "Unknown"
	}
}

// Advertisement is the primary device's initial broadcast: its ephemeral
// public key and the ref code the companion scans (e.g. from a QR code).
type Advertisement struct {
	RefCode       string
	EphemeralPub  [32]byte
	PrimaryPubKey ed25519.PublicKey
}

// CompanionIdentity is what the companion presents back, signed by the
// primary device once it approves the pairing.
type CompanionIdentity struct {
	CompanionJID     string
	CompanionPubKey  [32]byte
	PrimarySignature []byte // over CompanionPubKey, by PrimaryPubKey
}

// FSM tracks one in-progress pairing attempt.
type FSM struct {
	State State

	advertisement     *Advertisement
	companionIdentity *CompanionIdentity
}

// New starts a fresh FSM in StateUnpaired.
func New() *FSM {
	return &FSM{State: StateUnpaired}
}

// SendAdvertisement transitions Unpaired -> AdvertisementSent.
func (f *FSM) SendAdvertisement(adv Advertisement) error {
	if f.State != StateUnpaired {
		return fmt.Errorf("pairing: send advertisement: %w", invalidTransition(f.State, StateAdvertisementSent))
	}
	f.advertisement = &adv
	f.State = StateAdvertisementSent
	return nil
}

// ReceiveCompanionIdentity transitions AdvertisementSent -> IdentityProvided,
// verifying the companion's signature was produced by the primary device's
// advertised key over the companion's public key.
func (f *FSM) ReceiveCompanionIdentity(identity CompanionIdentity) error {
	if f.State != StateAdvertisementSent {
		return fmt.Errorf("pairing: receive identity: %w", invalidTransition(f.State, StateIdentityProvided))
	}
	if !ed25519.Verify(f.advertisement.PrimaryPubKey, identity.CompanionPubKey[:], identity.PrimarySignature) {
		return protoerr.ErrPairingRejected
	}
	f.companionIdentity = &identity
	f.State = StateIdentityProvided
	return nil
}

// Complete transitions IdentityProvided -> Paired. The caller is
// responsible for persisting the companion identity and jid into
// KeysState (SPEC_FULL.md §4.6).
func (f *FSM) Complete() (CompanionIdentity, error) {
	if f.State != StateIdentityProvided {
		return CompanionIdentity{}, fmt.Errorf("pairing: complete: %w", invalidTransition(f.State, StatePaired))
	}
	f.State = StatePaired
	return *f.companionIdentity, nil
}

func invalidTransition(from, to State) error {
	return fmt.Errorf("invalid transition from %s to %s", from, to)
}
