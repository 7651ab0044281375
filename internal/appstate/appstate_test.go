package appstate

import (
	"context"
	"testing"

	"github.com/jaydenbeard/relaysession/internal/primitives"
	"github.com/stretchr/testify/require"
)

func buildMutation(t *testing.T, keys ExpandedKeys, op Operation, index, plaintext []byte) Mutation {
	t.Helper()

	indexMAC := primitives.HMACSHA256(keys.IndexKey[:], index)

	iv, err := primitives.RandBytes(16)
	require.NoError(t, err)
	ct, err := primitives.AESCBCEncryptWithIV(keys.ValueEncryptionKey[:], iv, plaintext)
	require.NoError(t, err)

	macInput := append([]byte{byte(op)}, indexMAC...)
	macInput = append(macInput, iv...)
	macInput = append(macInput, ct...)
	valueMAC := primitives.HMACSHA256(keys.ValueMacKey[:], macInput)

	m := Mutation{Operation: op, ActionIndex: index, EncryptedValue: append(iv, ct...)}
	copy(m.IndexMAC[:], indexMAC)
	copy(m.ValueMAC[:], valueMAC)
	return m
}

func TestLTHashAddRemoveIsIdentity(t *testing.T) {
	state := &LTHashState{}
	mac := []byte("0123456789abcdef0123456789abcdef")
	state.Add(mac)
	state.Remove(mac)
	require.Equal(t, [PointSize]byte{}, state.Hash)
}

func TestLTHashOrderIndependent(t *testing.T) {
	a := &LTHashState{}
	b := &LTHashState{}
	mac1 := []byte("aaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaa")
	mac2 := []byte("bbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbb")

	a.Add(mac1)
	a.Add(mac2)

	b.Add(mac2)
	b.Add(mac1)

	require.Equal(t, a.Hash, b.Hash)
}

func TestApplyPatchRoundTrip(t *testing.T) {
	var keyData [32]byte
	copy(keyData[:], []byte("test-app-state-key-data-32-bytes"))
	keys, err := ExpandKeys(keyData)
	require.NoError(t, err)

	state := &LTHashState{}
	indexMap := make(IndexValueMap)

	m1 := buildMutation(t, keys, OpSet, []byte("contact:alice"), []byte(`{"muted":false}`))

	patch := Patch{Version: 1, Collection: "regular_high", Mutations: []Mutation{m1}}

	// Compute expected LTHash contribution and MACs the same way ApplyPatch
	// would, to build patch_mac/snapshot_mac ourselves for the test fixture.
	expected := state.Clone()
	expected.Add(m1.ValueMAC[:])

	patchMACInput := append([]byte{}, m1.ValueMAC[:]...)
	var versionLE [8]byte
	versionLE[0] = 1
	patchMACInput = append(patchMACInput, versionLE[:]...)
	copy(patch.PatchMAC[:], primitives.HMACSHA256(keys.PatchMacKey[:], patchMACInput))

	snapshotMACInput := append(append([]byte{}, expected.Hash[:]...), versionLE[:]...)
	snapshotMACInput = append(snapshotMACInput, []byte(patch.Collection)...)
	copy(patch.SnapshotMAC[:], primitives.HMACSHA256(keys.SnapshotMacKey[:], snapshotMACInput))

	actions, err := ApplyPatch(state, indexMap, keys, patch)
	require.NoError(t, err)
	require.Len(t, actions, 1)
	require.JSONEq(t, `{"muted":false}`, string(actions[0]))
	require.Equal(t, expected.Hash, state.Hash)
	require.Equal(t, uint64(1), state.Version)
}

func TestApplyPatchRejectsBadPatchMAC(t *testing.T) {
	var keyData [32]byte
	copy(keyData[:], []byte("test-app-state-key-data-32-bytes"))
	keys, err := ExpandKeys(keyData)
	require.NoError(t, err)

	state := &LTHashState{}
	indexMap := make(IndexValueMap)
	m1 := buildMutation(t, keys, OpSet, []byte("contact:alice"), []byte("hi"))
	patch := Patch{Version: 1, Collection: "regular_high", Mutations: []Mutation{m1}}
	// PatchMAC left zeroed — wrong.

	before := *state
	_, err = ApplyPatch(state, indexMap, keys, patch)
	require.Error(t, err)
	require.Equal(t, before, *state) // no partial mutation on failure
}

func TestVersionContinuityGap(t *testing.T) {
	state := &LTHashState{Version: 5}
	err := CheckVersionContinuity(state, "regular_high", 9)
	require.Error(t, err)
}

func TestMemoryDLQBufferAndDrain(t *testing.T) {
	ctx := context.Background()
	q := NewMemoryDLQ()
	keyID := []byte("missing-key")

	require.NoError(t, q.Buffer(ctx, keyID, BufferedPatch{Collection: "regular_high", Patch: Patch{Version: 1}}))
	require.NoError(t, q.Buffer(ctx, keyID, BufferedPatch{Collection: "regular_high", Patch: Patch{Version: 2}}))

	drained, err := q.Drain(ctx, keyID)
	require.NoError(t, err)
	require.Len(t, drained, 2)
	require.Equal(t, uint64(1), drained[0].Patch.Version)

	drainedAgain, err := q.Drain(ctx, keyID)
	require.NoError(t, err)
	require.Empty(t, drainedAgain)
}
