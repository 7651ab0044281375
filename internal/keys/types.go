// Package keys owns the long-lived key material store ("keys state"): the
// identity, signed pre-key and one-time pre-key material, per-peer pairwise
// sessions, per-group sender-key records, trusted identities, app-state hash
// states, and the monotonic AEAD counters. See SPEC_FULL.md §3–§4.2.
package keys

import (
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/jaydenbeard/relaysession/internal/primitives"
)

// SignedKeyPair is a KeyPair identified by a rolling 24-bit id and signed by
// the owning identity key over its public component.
type SignedKeyPair struct {
	ID        uint32
	KeyPair   primitives.KeyPair
	Signature [64]byte
}

// PreKey is a one-time KeyPair, generated in batches and consumed at most
// once by an incoming pkmsg.
type PreKey struct {
	ID      uint32
	KeyPair primitives.KeyPair
}

// IdentityKey is the long-lived X25519 key pair plus its Ed25519 signing
// view, one per device lifetime.
type IdentityKey struct {
	KeyPair primitives.KeyPair
	Signing primitives.SigningKeyPair
}

// SessionAddress identifies a peer device. Equality is structural, so it
// can be used directly as a map key; MarshalText/UnmarshalText let it also
// serve as a JSON object key when persisted (SPEC_FULL.md §3.1).
type SessionAddress struct {
	UserID   string
	DeviceID uint8
}

// MarshalText renders the address as "userID.deviceID".
func (a SessionAddress) MarshalText() ([]byte, error) {
	return []byte(a.UserID + "." + strconv.FormatUint(uint64(a.DeviceID), 10)), nil
}

// UnmarshalText parses the "userID.deviceID" form MarshalText produces.
func (a *SessionAddress) UnmarshalText(text []byte) error {
	s := string(text)
	idx := strings.LastIndex(s, ".")
	if idx < 0 {
		return fmt.Errorf("keys: malformed session address %q", s)
	}
	device, err := strconv.ParseUint(s[idx+1:], 10, 8)
	if err != nil {
		return fmt.Errorf("keys: malformed session address %q: %w", s, err)
	}
	a.UserID = s[:idx]
	a.DeviceID = uint8(device)
	return nil
}

// SenderKeyName identifies a group sender-key state.
type SenderKeyName struct {
	GroupID string
	Sender  SessionAddress
}

// MarshalText renders the name as "groupID|userID.deviceID".
func (n SenderKeyName) MarshalText() ([]byte, error) {
	senderText, err := n.Sender.MarshalText()
	if err != nil {
		return nil, err
	}
	return []byte(n.GroupID + "|" + string(senderText)), nil
}

// UnmarshalText parses the "groupID|userID.deviceID" form MarshalText
// produces.
func (n *SenderKeyName) UnmarshalText(text []byte) error {
	s := string(text)
	idx := strings.LastIndex(s, "|")
	if idx < 0 {
		return fmt.Errorf("keys: malformed sender key name %q", s)
	}
	n.GroupID = s[:idx]
	return n.Sender.UnmarshalText([]byte(s[idx+1:]))
}

// AppStateSyncKey is immutable once inserted.
type AppStateSyncKey struct {
	KeyID       []byte
	KeyData     [32]byte
	Fingerprint []byte
	Timestamp   time.Time
}
