// Package transport implements the outermost AEAD layer: every frame that
// leaves or enters a device is additionally sealed under a per-device
// symmetric key with a nonce derived from KeysState's monotonic write/read
// counters, which must never repeat (SPEC_FULL.md §6, §4.2 bump_write_counter
// / bump_read_counter contract).
package transport

import (
	"fmt"

	"github.com/jaydenbeard/relaysession/internal/primitives"
)

// CounterSource is the subset of internal/keys.State's contract the
// transport layer needs: monotonic, never-reused nonce counters.
type CounterSource interface {
	BumpWriteCounter() (uint64, error)
	BumpReadCounter() (uint64, error)
}

// EncryptOutbound seals plaintext under key using the next write counter as
// a little-endian 12-byte AES-GCM nonce. A CounterOverflow from counters is
// fatal — the caller must treat it as session-terminating, never retry with
// a wrapped counter.
func EncryptOutbound(counters CounterSource, key [32]byte, aad, plaintext []byte) ([]byte, uint64, error) {
	counter, err := counters.BumpWriteCounter()
	if err != nil {
		return nil, 0, fmt.Errorf("transport: encrypt outbound: %w", err)
	}
	nonce := primitives.NonceFromCounter(counter)
	ct, err := primitives.AESGCMEncrypt(key[:], nonce, aad, plaintext)
	if err != nil {
		return nil, 0, fmt.Errorf("transport: encrypt outbound: %w", err)
	}
	return ct, counter, nil
}

// DecryptInbound opens ciphertext under key using the next read counter as
// nonce. A mismatch between the frame's claimed counter and the locally
// expected one is the caller's responsibility to detect before calling
// this (SPEC_FULL.md §5: "a dropped or duplicated counter must cause
// session termination, never silent reuse").
func DecryptInbound(counters CounterSource, key [32]byte, aad, ciphertext []byte) ([]byte, uint64, error) {
	counter, err := counters.BumpReadCounter()
	if err != nil {
		return nil, 0, fmt.Errorf("transport: decrypt inbound: %w", err)
	}
	nonce := primitives.NonceFromCounter(counter)
	pt, err := primitives.AESGCMDecrypt(key[:], nonce, aad, ciphertext)
	if err != nil {
		return nil, 0, fmt.Errorf("transport: decrypt inbound: %w", err)
	}
	return pt, counter, nil
}
