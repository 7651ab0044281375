package appstate

import (
	"encoding/hex"
	"encoding/json"
	"fmt"

	"github.com/jaydenbeard/relaysession/internal/primitives"
	"github.com/jaydenbeard/relaysession/internal/protoerr"
)

// Operation is a mutation's kind: add an index/value pair, or remove one.
type Operation int

const (
	OpSet Operation = iota
	OpRemove
)

// Mutation is one entry in a patch (SPEC_FULL.md §4.5).
type Mutation struct {
	Operation      Operation
	ActionIndex    []byte // the pre-MAC index payload (e.g. serialized action index)
	IndexMAC       [32]byte
	ValueMAC       [32]byte
	EncryptedValue []byte // iv (first 16 bytes) || ciphertext
}

// Patch is an ordered batch of mutations bringing a collection from
// Version-1 to Version.
type Patch struct {
	Version      uint64
	Collection   string
	KeyID        []byte // app_state_key this patch's MACs were computed under
	Mutations    []Mutation
	SnapshotMAC  [32]byte
	PatchMAC     [32]byte
	ExternalBlob []byte // optional external_blob_reference, opaque to this package
}

// verifyMutation checks index_mac and value_mac and returns the decrypted
// action payload.
func verifyMutation(keys ExpandedKeys, m Mutation) ([]byte, error) {
	expectedIndexMAC := primitives.HMACSHA256(keys.IndexKey[:], m.ActionIndex)
	if !primitives.ConstantTimeEqual(expectedIndexMAC, m.IndexMAC[:]) {
		return nil, protoerr.ErrMacMismatch
	}

	if len(m.EncryptedValue) < 16 {
		return nil, protoerr.ErrBadPadding
	}
	iv, ct := m.EncryptedValue[:16], m.EncryptedValue[16:]

	macInput := make([]byte, 0, 1+32+16+len(ct))
	macInput = append(macInput, byte(m.Operation))
	macInput = append(macInput, m.IndexMAC[:]...)
	macInput = append(macInput, iv...)
	macInput = append(macInput, ct...)
	expectedValueMAC := primitives.HMACSHA256(keys.ValueMacKey[:], macInput)
	if !primitives.ConstantTimeEqual(expectedValueMAC, m.ValueMAC[:]) {
		return nil, protoerr.ErrMacMismatch
	}

	return primitives.AESCBCDecryptWithIV(keys.ValueEncryptionKey[:], iv, ct)
}

// IndexValueMap tracks, for each collection, which value MAC currently
// backs each index MAC — needed to subtract the old value from the LTHash
// accumulator when an index is replaced or removed.
type IndexValueMap map[[32]byte][32]byte

// MarshalJSON hex-encodes the [32]byte keys, since raw byte arrays cannot
// be object keys in JSON.
func (m IndexValueMap) MarshalJSON() ([]byte, error) {
	out := make(map[string][32]byte, len(m))
	for k, v := range m {
		out[hex.EncodeToString(k[:])] = v
	}
	return json.Marshal(out)
}

// UnmarshalJSON is the inverse of MarshalJSON.
func (m *IndexValueMap) UnmarshalJSON(data []byte) error {
	var in map[string][32]byte
	if err := json.Unmarshal(data, &in); err != nil {
		return err
	}
	out := make(IndexValueMap, len(in))
	for k, v := range in {
		raw, err := hex.DecodeString(k)
		if err != nil {
			return fmt.Errorf("appstate: decode index value map key: %w", err)
		}
		if len(raw) != 32 {
			return fmt.Errorf("appstate: index value map key has wrong length %d", len(raw))
		}
		var key [32]byte
		copy(key[:], raw)
		out[key] = v
	}
	*m = out
	return nil
}
