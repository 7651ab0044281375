package group

import (
	"testing"

	"github.com/jaydenbeard/relaysession/internal/protoerr"
	"github.com/stretchr/testify/require"
)

// TestSenderKeyExcessiveGapRejected proves the catch-up loop is bounded: an
// iteration far beyond MaxMessageKeys is rejected before any chain
// derivation runs, and the receiving state is left untouched.
func TestSenderKeyExcessiveGapRejected(t *testing.T) {
	_, dist, err := CreateSenderKey(1)
	require.NoError(t, err)

	rec := &Record{}
	ReceiveDistribution(rec, dist)
	state := rec.States[0]

	counterBefore := state.Counter
	chainKeyBefore := state.ChainKey

	_, _, err = resolveMessageKey(state, state.Counter+MaxMessageKeys+1)
	require.ErrorIs(t, err, protoerr.ErrTooManySkipped)

	require.Equal(t, counterBefore, state.Counter)
	require.Equal(t, chainKeyBefore, state.ChainKey)
	require.Empty(t, state.MessageKeys)
}

// TestSenderKeyForgedSignatureDoesNotMutateState proves Decrypt checks the
// Ed25519 signature before touching the receiving state at all: a message
// with a tampered signature must be rejected with the chain counter, chain
// key, and message-key cache completely unchanged, even though its
// iteration would otherwise trigger catch-up derivation.
func TestSenderKeyForgedSignatureDoesNotMutateState(t *testing.T) {
	senderState, dist, err := CreateSenderKey(1)
	require.NoError(t, err)

	rec := &Record{}
	ReceiveDistribution(rec, dist)
	state := rec.States[0]

	counterBefore := state.Counter
	chainKeyBefore := state.ChainKey

	// Skip ahead so the forged message's iteration, if ever processed,
	// would require real catch-up derivation rather than a single step.
	_, err = Encrypt(senderState, []byte("one"))
	require.NoError(t, err)
	_, err = Encrypt(senderState, []byte("two"))
	require.NoError(t, err)
	msg, err := Encrypt(senderState, []byte("three"))
	require.NoError(t, err)

	forged := msg
	forged.Signature[0] ^= 0xFF

	_, err = Decrypt(rec, forged)
	require.ErrorIs(t, err, protoerr.ErrInvalidSignature)

	require.Equal(t, counterBefore, state.Counter, "counter must not advance on a forged signature")
	require.Equal(t, chainKeyBefore, state.ChainKey, "chain key must not advance on a forged signature")
	require.Empty(t, state.MessageKeys, "no catch-up derivation should occur before signature verification")

	// The legitimate message still decrypts afterwards.
	pt, err := Decrypt(rec, msg)
	require.NoError(t, err)
	require.Equal(t, "three", string(pt))
}
