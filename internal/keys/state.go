package keys

import (
	"fmt"
	"sync"

	"github.com/jaydenbeard/relaysession/internal/appstate"
	"github.com/jaydenbeard/relaysession/internal/group"
	"github.com/jaydenbeard/relaysession/internal/primitives"
	"github.com/jaydenbeard/relaysession/internal/protoerr"
	"github.com/jaydenbeard/relaysession/internal/session"
)

// PreKeyBatchSize is how many one-time pre-keys NewRandom generates up
// front.
const PreKeyBatchSize = 30

// State is the long-lived key material store for one device: identity,
// signed pre-key and pre-key material, per-peer pairwise sessions, per-group
// sender-key records, trusted identities, app-state hash states, and the
// monotonic AEAD counters (SPEC_FULL.md §3). All mutation goes through its
// methods, which take the embedded lock — callers needing to serialize a
// read-modify-write sequence across multiple calls must hold mu themselves
// (SPEC_FULL.md §5 single-writer, multiple-reader).
type State struct {
	mu sync.RWMutex

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

// NewRandom allocates all long-lived material for a fresh device identity:
// identity key pair, first signed pre-key, and an initial pre-key batch.
func NewRandom(id uint32) (*State, error) {
	identityKP, err := primitives.GenerateKeyPair()
	if err != nil {
		return nil, fmt.Errorf("keys: new_random: %w", err)
	}
	signing := primitives.DeriveSigningKeyPair(identityKP.Private)

	companionKP, err := primitives.GenerateKeyPair()
	if err != nil {
		return nil, fmt.Errorf("keys: new_random: %w", err)
	}
	ephemeralKP, err := primitives.GenerateKeyPair()
	if err != nil {
		return nil, fmt.Errorf("keys: new_random: %w", err)
	}
	advKP, err := primitives.GenerateKeyPair()
	if err != nil {
		return nil, fmt.Errorf("keys: new_random: %w", err)
	}

	spkKP, err := primitives.GenerateKeyPair()
	if err != nil {
		return nil, fmt.Errorf("keys: new_random: %w", err)
	}
	spkSig := primitives.XEdDSASign(signing, spkKP.Public[:], nil)

	s := &State{
		ID:                  id,
		CompanionKeyPair:    companionKP,
		EphemeralKeyPair:    ephemeralKP,
		IdentityKeyPair:     IdentityKey{KeyPair: identityKP, Signing: signing},
		SignedPreKey:        SignedKeyPair{ID: id, KeyPair: spkKP, Signature: spkSig},
		CompanionAdvKeyPair: advKP,
		SenderKeys:          make(map[SenderKeyName]*group.Record),
		Sessions:            make(map[SessionAddress]*session.Session),
		TrustedIdentities:   make(map[SessionAddress][32]byte),
		HashStates:          make(map[string]*appstate.LTHashState),
		HashIndexes:         make(map[string]appstate.IndexValueMap),
	}
	if err := s.generatePreKeys(PreKeyBatchSize); err != nil {
		return nil, err
	}
	return s, nil
}

// generatePreKeys appends count new one-time pre-keys with strictly
// increasing ids, invariant: the set of pre-key ids is unique and
// non-decreasing upon generation (SPEC_FULL.md §4.2).
func (s *State) generatePreKeys(count int) error {
	for i := 0; i < count; i++ {
		kp, err := primitives.GenerateKeyPair()
		if err != nil {
			return fmt.Errorf("keys: generate pre-keys: %w", err)
		}
		s.PreKeys = append(s.PreKeys, PreKey{ID: s.NextPreKeyID, KeyPair: kp})
		s.NextPreKeyID++
	}
	return nil
}

// GeneratePreKeys tops up the one-time pre-key pool under lock.
func (s *State) GeneratePreKeys(count int) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.generatePreKeys(count)
}

// FindSession is a pure lookup; absence is an expected outcome (ok == false),
// not an error.
func (s *State) FindSession(addr SessionAddress) (*session.Session, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	sess, ok := s.Sessions[addr]
	return sess, ok
}

// PutSession stores or replaces the session for addr.
func (s *State) PutSession(addr SessionAddress, sess *session.Session) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.Sessions[addr] = sess
}

// FindSenderKey is a pure lookup over group sender-key records.
func (s *State) FindSenderKey(name SenderKeyName) (*group.Record, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	rec, ok := s.SenderKeys[name]
	return rec, ok
}

// PutSenderKey stores or replaces the sender-key record for name.
func (s *State) PutSenderKey(name SenderKeyName, rec *group.Record) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.SenderKeys[name] = rec
}

// FindPreKey is a pure lookup that does not consume the pre-key.
func (s *State) FindPreKey(id uint32) (PreKey, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	for _, pk := range s.PreKeys {
		if pk.ID == id {
			return pk, true
		}
	}
	return PreKey{}, false
}

// FindSignedPreKeyByID fails with IDMismatch when id does not equal the
// device's single current signed pre-key id.
func (s *State) FindSignedPreKeyByID(id uint32) (SignedKeyPair, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if id != s.SignedPreKey.ID {
		return SignedKeyPair{}, protoerr.ErrIDMismatch
	}
	return s.SignedPreKey, nil
}

// FindAppStateKey is a pure lookup by key id.
func (s *State) FindAppStateKey(keyID []byte) (AppStateSyncKey, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	for _, k := range s.AppStateKeys {
		if string(k.KeyID) == string(keyID) {
			return k, true
		}
	}
	return AppStateSyncKey{}, false
}

// PutAppStateKey appends a new immutable app-state sync key.
func (s *State) PutAppStateKey(k AppStateSyncKey) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.AppStateKeys = append(s.AppStateKeys, k)
}

// FindHashState is a pure lookup of the LTHash accumulator for a named
// app-state collection.
func (s *State) FindHashState(name string) (*appstate.LTHashState, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	st, ok := s.HashStates[name]
	return st, ok
}

// PutHashState stores the LTHash accumulator for a named app-state
// collection.
func (s *State) PutHashState(name string, st *appstate.LTHashState) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.HashStates[name] = st
}

// FindHashIndex is a pure lookup of the index->value MAC map an LTHash
// collection needs alongside its accumulator to apply further patches.
func (s *State) FindHashIndex(name string) (appstate.IndexValueMap, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	idx, ok := s.HashIndexes[name]
	return idx, ok
}

// PutHashIndex stores the index->value MAC map for a named app-state
// collection.
func (s *State) PutHashIndex(name string, idx appstate.IndexValueMap) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.HashIndexes[name] = idx
}

// TrustIdentity records the pinned identity public key for addr on
// trust-on-first-use. Re-trusting the same key is a no-op; trusting a
// different key for an already-pinned address is the caller's
// responsibility to gate (SPEC_FULL.md §4.3 TOFU discussion).
func (s *State) TrustIdentity(addr SessionAddress, identityPub [32]byte) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.TrustedIdentities[addr] = identityPub
}

// IsTrusted reports whether identityPub matches the pinned identity for
// addr, or true if no identity has been pinned yet (first contact).
func (s *State) IsTrusted(addr SessionAddress, identityPub [32]byte) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	pinned, ok := s.TrustedIdentities[addr]
	if !ok {
		return true
	}
	return pinned == identityPub
}

// ConsumePreKey removes and returns the named one-time pre-key. A repeat
// consume of the same id fails with PreKeyNotFound.
func (s *State) ConsumePreKey(id uint32) (PreKey, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for i, pk := range s.PreKeys {
		if pk.ID == id {
			s.PreKeys = append(s.PreKeys[:i], s.PreKeys[i+1:]...)
			return pk, nil
		}
	}
	return PreKey{}, protoerr.ErrPreKeyNotFound
}

// BumpWriteCounter returns the next monotonic write counter value used as a
// transport AEAD nonce. Overflow is fatal: the caller must treat the
// returned error as session-terminating, never silently wrap.
func (s *State) BumpWriteCounter() (uint64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.WriteCounter == ^uint64(0) {
		return 0, protoerr.ErrCounterOverflow
	}
	s.WriteCounter++
	return s.WriteCounter - 1, nil
}

// BumpReadCounter returns the next monotonic read counter value.
func (s *State) BumpReadCounter() (uint64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.ReadCounter == ^uint64(0) {
		return 0, protoerr.ErrCounterOverflow
	}
	s.ReadCounter++
	return s.ReadCounter - 1, nil
}
