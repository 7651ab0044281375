package appstate

import (
	"encoding/binary"

	"github.com/jaydenbeard/relaysession/internal/primitives"
	"github.com/jaydenbeard/relaysession/internal/protoerr"
)

// ApplyPatch verifies and applies every mutation in patch against a clone
// of state and indexMap, only committing the clone back into the originals
// once both patch_mac and snapshot_mac check out — partial patch
// application is forbidden (SPEC_FULL.md §4.5). Returns the decrypted
// action payload for each mutation, in order.
func ApplyPatch(state *LTHashState, indexMap IndexValueMap, keys ExpandedKeys, patch Patch) ([][]byte, error) {
	working := state.Clone()
	workingIndex := make(IndexValueMap, len(indexMap))
	for k, v := range indexMap {
		workingIndex[k] = v
	}

	actions := make([][]byte, 0, len(patch.Mutations))
	valueMACs := make([][]byte, 0, len(patch.Mutations))

	for _, m := range patch.Mutations {
		action, err := verifyMutation(keys, m)
		if err != nil {
			return nil, err
		}
		actions = append(actions, action)
		valueMACs = append(valueMACs, append([]byte{}, m.ValueMAC[:]...))

		if old, ok := workingIndex[m.IndexMAC]; ok {
			working.Remove(old[:])
		}
		switch m.Operation {
		case OpSet:
			working.Add(m.ValueMAC[:])
			workingIndex[m.IndexMAC] = m.ValueMAC
		case OpRemove:
			delete(workingIndex, m.IndexMAC)
		}
	}

	patchMACInput := make([]byte, 0, 32*len(valueMACs)+8)
	for _, v := range valueMACs {
		patchMACInput = append(patchMACInput, v...)
	}
	var versionLE [8]byte
	binary.LittleEndian.PutUint64(versionLE[:], patch.Version)
	patchMACInput = append(patchMACInput, versionLE[:]...)

	expectedPatchMAC := primitives.HMACSHA256(keys.PatchMacKey[:], patchMACInput)
	if !primitives.ConstantTimeEqual(expectedPatchMAC, patch.PatchMAC[:]) {
		return nil, protoerr.ErrMacMismatch
	}

	snapshotMACInput := make([]byte, 0, PointSize+8+len(patch.Collection))
	snapshotMACInput = append(snapshotMACInput, working.Hash[:]...)
	snapshotMACInput = append(snapshotMACInput, versionLE[:]...)
	snapshotMACInput = append(snapshotMACInput, []byte(patch.Collection)...)

	expectedSnapshotMAC := primitives.HMACSHA256(keys.SnapshotMacKey[:], snapshotMACInput)
	if !primitives.ConstantTimeEqual(expectedSnapshotMAC, patch.SnapshotMAC[:]) {
		return nil, protoerr.ErrMacMismatch
	}

	working.Version = patch.Version
	*state = *working
	for k, v := range workingIndex {
		indexMap[k] = v
	}
	for k := range indexMap {
		if _, ok := workingIndex[k]; !ok {
			delete(indexMap, k)
		}
	}

	return actions, nil
}

// CheckVersionContinuity verifies that a patch's version directly follows
// the collection's currently-recorded version, returning a VersionGapError
// (which callers typically resolve by requesting a full snapshot) if not.
func CheckVersionContinuity(state *LTHashState, collection string, patchVersion uint64) error {
	if patchVersion != state.Version+1 {
		return &protoerr.VersionGapError{
			Collection:      collection,
			CurrentVersion:  state.Version,
			ExpectedVersion: state.Version + 1,
		}
	}
	return nil
}
