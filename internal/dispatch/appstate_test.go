package dispatch

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/jaydenbeard/relaysession/internal/appstate"
	"github.com/jaydenbeard/relaysession/internal/keys"
	"github.com/jaydenbeard/relaysession/internal/primitives"
	"github.com/jaydenbeard/relaysession/internal/protoerr"
	"github.com/stretchr/testify/require"
)

func mutationFor(t *testing.T, ek appstate.ExpandedKeys, op appstate.Operation, index, plaintext []byte) appstate.Mutation {
	t.Helper()
	indexMAC := primitives.HMACSHA256(ek.IndexKey[:], index)
	iv, err := primitives.RandBytes(16)
	require.NoError(t, err)
	ct, err := primitives.AESCBCEncryptWithIV(ek.ValueEncryptionKey[:], iv, plaintext)
	require.NoError(t, err)
	macInput := append([]byte{byte(op)}, indexMAC...)
	macInput = append(macInput, iv...)
	macInput = append(macInput, ct...)
	valueMAC := primitives.HMACSHA256(ek.ValueMacKey[:], macInput)

	m := appstate.Mutation{Operation: op, ActionIndex: index, EncryptedValue: append(iv, ct...)}
	copy(m.IndexMAC[:], indexMAC)
	copy(m.ValueMAC[:], valueMAC)
	return m
}

func signedPatch(t *testing.T, ek appstate.ExpandedKeys, keyID []byte, version uint64, collection string, mutations []appstate.Mutation) appstate.Patch {
	t.Helper()
	working := &appstate.LTHashState{}
	valueMACs := make([][]byte, 0, len(mutations))
	for _, m := range mutations {
		working.Add(m.ValueMAC[:])
		valueMACs = append(valueMACs, append([]byte{}, m.ValueMAC[:]...))
	}

	patchMACInput := make([]byte, 0, 32*len(valueMACs)+8)
	for _, v := range valueMACs {
		patchMACInput = append(patchMACInput, v...)
	}
	var versionLE [8]byte
	for i := 0; i < 8; i++ {
		versionLE[i] = byte(version >> (8 * i))
	}
	patchMACInput = append(patchMACInput, versionLE[:]...)

	patch := appstate.Patch{Version: version, Collection: collection, KeyID: keyID, Mutations: mutations}
	copy(patch.PatchMAC[:], primitives.HMACSHA256(ek.PatchMacKey[:], patchMACInput))

	snapshotMACInput := append(append([]byte{}, working.Hash[:]...), versionLE[:]...)
	snapshotMACInput = append(snapshotMACInput, []byte(collection)...)
	copy(patch.SnapshotMAC[:], primitives.HMACSHA256(ek.SnapshotMacKey[:], snapshotMACInput))
	return patch
}

func TestProcessInboundAppStatePatchBuffersThenReplaysOnKeyArrival(t *testing.T) {
	ctx := context.Background()
	device, err := keys.NewRandom(1)
	require.NoError(t, err)

	keyID := []byte("app-state-key-1")
	var keyData [32]byte
	copy(keyData[:], []byte("dispatch-test-app-state-key-da32"))
	ek, err := appstate.ExpandKeys(keyData)
	require.NoError(t, err)

	m := mutationFor(t, ek, appstate.OpSet, []byte("contact:alice"), []byte(`{"muted":false}`))
	patch := signedPatch(t, ek, keyID, 1, "regular_high", []appstate.Mutation{m})

	dlq := appstate.NewMemoryDLQ()

	_, err = ProcessInboundAppStatePatch(ctx, device, dlq, "regular_high", patch)
	require.Error(t, err)
	var missing *protoerr.MissingKeyError
	require.True(t, errors.As(err, &missing))
	require.Equal(t, keyID, missing.KeyID)

	device.PutAppStateKey(keys.AppStateSyncKey{KeyID: keyID, KeyData: keyData, Timestamp: time.Now()})

	applied, skipped, err := ProcessAppStateKeyArrived(ctx, device, dlq, keyID)
	require.NoError(t, err)
	require.Empty(t, skipped)
	require.Len(t, applied, 1)
	require.JSONEq(t, `{"muted":false}`, string(applied[0]))

	hashState, ok := device.FindHashState("regular_high")
	require.True(t, ok)
	require.Equal(t, uint64(1), hashState.Version)
}

func TestProcessInboundAppStatePatchAppliesImmediatelyWhenKeyKnown(t *testing.T) {
	ctx := context.Background()
	device, err := keys.NewRandom(1)
	require.NoError(t, err)

	keyID := []byte("app-state-key-2")
	var keyData [32]byte
	copy(keyData[:], []byte("dispatch-test-app-state-key-da64"))
	ek, err := appstate.ExpandKeys(keyData)
	require.NoError(t, err)
	device.PutAppStateKey(keys.AppStateSyncKey{KeyID: keyID, KeyData: keyData, Timestamp: time.Now()})

	m := mutationFor(t, ek, appstate.OpSet, []byte("contact:bob"), []byte(`{"muted":true}`))
	patch := signedPatch(t, ek, keyID, 1, "regular_high", []appstate.Mutation{m})

	dlq := appstate.NewMemoryDLQ()
	actions, err := ProcessInboundAppStatePatch(ctx, device, dlq, "regular_high", patch)
	require.NoError(t, err)
	require.Len(t, actions, 1)
	require.JSONEq(t, `{"muted":true}`, string(actions[0]))
}
