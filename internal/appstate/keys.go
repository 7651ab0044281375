package appstate

import (
	"fmt"

	"github.com/jaydenbeard/relaysession/internal/primitives"
)

const mutationKeysInfo = "WhatsApp Mutation Keys"

// ExpandedKeys is the five-key material derived from a single 32-byte
// AppStateSyncKey.KeyData (SPEC_FULL.md §4.5 key expansion table).
type ExpandedKeys struct {
	IndexKey           [32]byte
	ValueEncryptionKey [32]byte
	ValueMacKey        [32]byte
	SnapshotMacKey     [32]byte
	PatchMacKey        [32]byte
}

// ExpandKeys derives the five mutation keys from a 32-byte app-state key.
func ExpandKeys(keyData [32]byte) (ExpandedKeys, error) {
	out, err := primitives.HKDF(keyData[:], nil, []byte(mutationKeysInfo), 160)
	if err != nil {
		return ExpandedKeys{}, fmt.Errorf("appstate: expand keys: %w", err)
	}
	var k ExpandedKeys
	copy(k.IndexKey[:], out[0:32])
	copy(k.ValueEncryptionKey[:], out[32:64])
	copy(k.ValueMacKey[:], out[64:96])
	copy(k.SnapshotMacKey[:], out[96:128])
	copy(k.PatchMacKey[:], out[128:160])
	return k, nil
}
