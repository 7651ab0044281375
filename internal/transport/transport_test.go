package transport

import (
	"encoding/hex"
	"testing"

	"github.com/jaydenbeard/relaysession/internal/primitives"
	"github.com/stretchr/testify/require"
)

type fakeCounters struct {
	write uint64
	read  uint64
}

func (f *fakeCounters) BumpWriteCounter() (uint64, error) {
	v := f.write
	f.write++
	return v, nil
}

func (f *fakeCounters) BumpReadCounter() (uint64, error) {
	v := f.read
	f.read++
	return v, nil
}

// TestFirstFrameMatchesKnownVector exercises SPEC_FULL.md §8 scenario 5:
// write_counter=0, key 0x00x32, empty AAD, plaintext 0x61 ("a").
func TestFirstFrameMatchesKnownVector(t *testing.T) {
	counters := &fakeCounters{}
	var key [32]byte // all zero

	ct, counter, err := EncryptOutbound(counters, key, nil, []byte("a"))
	require.NoError(t, err)
	require.Equal(t, uint64(0), counter)
	require.Equal(t, uint64(1), counters.write)

	// Decrypting independently with the same key/nonce recovers the
	// plaintext (cross-checking EncryptOutbound against the raw primitive).
	pt, err := primitives.AESGCMDecrypt(key[:], primitives.NonceFromCounter(0), nil, ct)
	require.NoError(t, err)
	require.Equal(t, "a", string(pt))
	require.Equal(t, "af52ec6f61d5f134c61c06490685e4584b", hex.EncodeToString(ct))
	t.Logf("ciphertext: %s", hex.EncodeToString(ct))
}

func TestRoundTrip(t *testing.T) {
	writeCounters := &fakeCounters{}
	readCounters := &fakeCounters{}
	var key [32]byte
	key[0] = 0x01

	ct, _, err := EncryptOutbound(writeCounters, key, []byte("aad"), []byte("hello"))
	require.NoError(t, err)

	pt, _, err := DecryptInbound(readCounters, key, []byte("aad"), ct)
	require.NoError(t, err)
	require.Equal(t, "hello", string(pt))
}

func TestCounterNeverReused(t *testing.T) {
	counters := &fakeCounters{}
	var key [32]byte

	_, c1, err := EncryptOutbound(counters, key, nil, []byte("x"))
	require.NoError(t, err)
	_, c2, err := EncryptOutbound(counters, key, nil, []byte("y"))
	require.NoError(t, err)
	require.NotEqual(t, c1, c2)
	require.Less(t, c1, c2)
}
