package keys

import (
	"context"
	"crypto/rand"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/jaydenbeard/relaysession/internal/appstate"
	"github.com/jaydenbeard/relaysession/internal/group"
	"github.com/jaydenbeard/relaysession/internal/primitives"
	"github.com/jaydenbeard/relaysession/internal/session"
	"golang.org/x/crypto/argon2"
	"golang.org/x/crypto/chacha20poly1305"
)

// diskSchemaVersion guards against loading a blob written by an
// incompatible future layout (SPEC_FULL.md §3.1).
const diskSchemaVersion = 1

// argon2 tuning for deriving the at-rest sealing key from the keystore
// passphrase (SPEC_FULL.md §3.1). These match
// the OWASP-recommended floor for argon2id, not the interactive-login
// profile: an at-rest keystore unseal happens once per process start.
const (
	argon2Time    = 3
	argon2Memory  = 64 * 1024 // KiB
	argon2Threads = 4
	argon2SaltLen = 16
)

func deriveSealingKey(passphrase string, salt []byte) []byte {
	return argon2.IDKey([]byte(passphrase), salt, argon2Time, argon2Memory, argon2Threads, chacha20poly1305.KeySize)
}

// stateSnapshot mirrors State's fields (minus its mutex, which must never
// be copied) for JSON persistence.
type stateSnapshot struct {
	ID uint32

	CompanionKeyPair    primitives.KeyPair
	EphemeralKeyPair    primitives.KeyPair
	IdentityKeyPair     IdentityKey
	SignedPreKey        SignedKeyPair
	CompanionAdvKeyPair primitives.KeyPair

	PreKeys           []PreKey
	NextPreKeyID      uint32
	SenderKeys        map[SenderKeyName]*group.Record
	Sessions          map[SessionAddress]*session.Session
	TrustedIdentities map[SessionAddress][32]byte
	HashStates        map[string]*appstate.LTHashState
	HashIndexes       map[string]appstate.IndexValueMap
	AppStateKeys      []AppStateSyncKey

	WriteCounter uint64
	ReadCounter  uint64
}

// diskKeysState is the sealed-at-rest envelope: everything but the salt and
// nonce is opaque ciphertext, so a blob read off disk or out of a Store
// reveals nothing about the device's key material without the keystore
// passphrase.
type diskKeysState struct {
	SchemaVersion int    `json:"schema_version"`
	Salt          []byte `json:"salt"`
	Nonce         []byte `json:"nonce"`
	Sealed        []byte `json:"sealed"`
}

func (s *State) snapshot() stateSnapshot {
	return stateSnapshot{
		ID:                  s.ID,
		CompanionKeyPair:    s.CompanionKeyPair,
		EphemeralKeyPair:    s.EphemeralKeyPair,
		IdentityKeyPair:     s.IdentityKeyPair,
		SignedPreKey:        s.SignedPreKey,
		CompanionAdvKeyPair: s.CompanionAdvKeyPair,
		PreKeys:             s.PreKeys,
		NextPreKeyID:        s.NextPreKeyID,
		SenderKeys:          s.SenderKeys,
		Sessions:            s.Sessions,
		TrustedIdentities:   s.TrustedIdentities,
		HashStates:          s.HashStates,
		HashIndexes:         s.HashIndexes,
		AppStateKeys:        s.AppStateKeys,
		WriteCounter:        s.WriteCounter,
		ReadCounter:         s.ReadCounter,
	}
}

func stateFromSnapshot(snap stateSnapshot) *State {
	if snap.HashIndexes == nil {
		snap.HashIndexes = make(map[string]appstate.IndexValueMap)
	}
	return &State{
		ID:                  snap.ID,
		CompanionKeyPair:    snap.CompanionKeyPair,
		EphemeralKeyPair:    snap.EphemeralKeyPair,
		IdentityKeyPair:     snap.IdentityKeyPair,
		SignedPreKey:        snap.SignedPreKey,
		CompanionAdvKeyPair: snap.CompanionAdvKeyPair,
		PreKeys:             snap.PreKeys,
		NextPreKeyID:        snap.NextPreKeyID,
		SenderKeys:          snap.SenderKeys,
		Sessions:            snap.Sessions,
		TrustedIdentities:   snap.TrustedIdentities,
		HashStates:          snap.HashStates,
		HashIndexes:         snap.HashIndexes,
		AppStateKeys:        snap.AppStateKeys,
		WriteCounter:        snap.WriteCounter,
		ReadCounter:         snap.ReadCounter,
	}
}

// Save atomically serializes the full state to store under name
// "keys/{id}", sealed under a key derived from passphrase via argon2id
// (SPEC_FULL.md §3.1, §4.2): the store and any backup of it sees only
// ciphertext, never key material.
func (s *State) Save(ctx context.Context, store Store, passphrase string) error {
	s.mu.RLock()
	plaintext, err := json.Marshal(s.snapshot())
	s.mu.RUnlock()
	if err != nil {
		return fmt.Errorf("keys: save: %w", err)
	}

	salt := make([]byte, argon2SaltLen)
	if _, err := rand.Read(salt); err != nil {
		return fmt.Errorf("keys: save: generate salt: %w", err)
	}
	aead, err := chacha20poly1305.New(deriveSealingKey(passphrase, salt))
	if err != nil {
		return fmt.Errorf("keys: save: %w", err)
	}
	nonce := make([]byte, chacha20poly1305.NonceSize)
	if _, err := rand.Read(nonce); err != nil {
		return fmt.Errorf("keys: save: generate nonce: %w", err)
	}
	sealed := aead.Seal(nil, nonce, plaintext, nil)
	primitives.Zero(plaintext)

	blob, err := json.Marshal(diskKeysState{
		SchemaVersion: diskSchemaVersion,
		Salt:          salt,
		Nonce:         nonce,
		Sealed:        sealed,
	})
	if err != nil {
		return fmt.Errorf("keys: save: %w", err)
	}
	if err := store.Save(ctx, s.ID, blob); err != nil {
		return fmt.Errorf("keys: save: %w", err)
	}
	return nil
}

// Load reads id from store and unseals it with passphrase; a missing id
// allocates fresh material via NewRandom rather than erroring (SPEC_FULL.md
// §4.2). A wrong passphrase fails AEAD authentication rather than silently
// returning garbage state.
func Load(ctx context.Context, store Store, id uint32, passphrase string) (*State, error) {
	blob, err := store.Load(ctx, id)
	if errors.Is(err, ErrNotFound) {
		return NewRandom(id)
	}
	if err != nil {
		return nil, fmt.Errorf("keys: load: %w", err)
	}

	var disk diskKeysState
	if err := json.Unmarshal(blob, &disk); err != nil {
		return nil, fmt.Errorf("keys: load: %w", err)
	}
	if disk.SchemaVersion != diskSchemaVersion {
		return nil, fmt.Errorf("keys: load: unsupported schema version %d", disk.SchemaVersion)
	}

	aead, err := chacha20poly1305.New(deriveSealingKey(passphrase, disk.Salt))
	if err != nil {
		return nil, fmt.Errorf("keys: load: %w", err)
	}
	plaintext, err := aead.Open(nil, disk.Nonce, disk.Sealed, nil)
	if err != nil {
		return nil, fmt.Errorf("keys: load: unseal (wrong passphrase or corrupt blob): %w", err)
	}
	defer primitives.Zero(plaintext)

	var snap stateSnapshot
	if err := json.Unmarshal(plaintext, &snap); err != nil {
		return nil, fmt.Errorf("keys: load: %w", err)
	}

	return stateFromSnapshot(snap), nil
}
