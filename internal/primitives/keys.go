// Package primitives implements the constant-time cryptographic building
// blocks the rest of the session layer is built from: X25519 key agreement,
// XEdDSA signing, HKDF/HMAC key derivation, and AES-CBC/GCM framing.
//
// Nothing in this package retains plaintext key material longer than it has
// to — callers are expected to zero byte slices they own once a derived key
// has been consumed exactly once (see the "no key reuse" property in
// SPEC_FULL.md §8).
package primitives

import (
	"crypto/rand"
	"fmt"
	"io"

	"golang.org/x/crypto/curve25519"
)

const KeySize = 32

// KeyPair is an X25519 private scalar and its derived public point.
// Invariant: Public == basepoint · Private.
type KeyPair struct {
	Private [KeySize]byte
	Public  [KeySize]byte
}

// GenerateKeyPair produces a fresh, clamped X25519 key pair.
func GenerateKeyPair() (KeyPair, error) {
	var kp KeyPair
	if _, err := io.ReadFull(rand.Reader, kp.Private[:]); err != nil {
		return KeyPair{}, fmt.Errorf("primitives: generate key pair: %w", err)
	}
	clamp(&kp.Private)

	pub, err := curve25519.X25519(kp.Private[:], curve25519.Basepoint)
	if err != nil {
		return KeyPair{}, fmt.Errorf("primitives: derive public key: %w", err)
	}
	copy(kp.Public[:], pub)
	return kp, nil
}

// clamp applies the Curve25519 scalar-clamping rule in place.
func clamp(priv *[KeySize]byte) {
	priv[0] &= 248
	priv[31] &= 127
	priv[31] |= 64
}

// Agree performs X25519(priv, pub) and returns the 32-byte shared point.
func Agree(priv [KeySize]byte, pub [KeySize]byte) ([KeySize]byte, error) {
	var out [KeySize]byte
	shared, err := curve25519.X25519(priv[:], pub[:])
	if err != nil {
		return out, fmt.Errorf("primitives: x25519 agree: %w", err)
	}
	copy(out[:], shared)
	return out, nil
}

// RandBytes returns n cryptographically random bytes.
func RandBytes(n int) ([]byte, error) {
	b := make([]byte, n)
	if _, err := io.ReadFull(rand.Reader, b); err != nil {
		return nil, fmt.Errorf("primitives: rand bytes: %w", err)
	}
	return b, nil
}

// Zero overwrites b with zeroes. Best-effort defense in depth; the Go
// compiler is free to elide this for dead stores, but every call site that
// matters also drops its last reference to the slice immediately after.
func Zero(b []byte) {
	for i := range b {
		b[i] = 0
	}
}
