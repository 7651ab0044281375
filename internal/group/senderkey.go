// Package group implements the group Sender-Key ratchet (SPEC_FULL.md
// §4.4): a symmetric chain keyed per (group, sender), bootstrapped by a
// distribution message sent once over each recipient's pairwise session.
package group

import (
	"crypto/ed25519"
	"fmt"

	"github.com/jaydenbeard/relaysession/internal/primitives"
	"github.com/jaydenbeard/relaysession/internal/protoerr"
)

// MaxStates bounds how many SenderKeyState entries a SenderKeyRecord keeps
// (most-recently-created first).
const MaxStates = 5

// MaxMessageKeys bounds the skipped/catch-up message key map per state.
const MaxMessageKeys = 2000

const groupMessageInfo = "WhisperGroup"

// SenderKeyState is one generation of a sender's group chain.
type SenderKeyState struct {
	KeyID          uint32
	ChainKey       [32]byte
	Counter        uint32
	SigningPublic  ed25519.PublicKey
	SigningPrivate ed25519.PrivateKey // only populated for states this device created
	MessageKeys    map[uint32][32]byte
}

// Record is the bounded list of SenderKeyState generations kept per
// (group, sender) — SPEC_FULL.md §3 SenderKeyRecord.
type Record struct {
	States []*SenderKeyState
}

// DistributionMessage is broadcast once per new sender-key generation, over
// each recipient's pairwise session.
type DistributionMessage struct {
	KeyID         uint32
	Iteration     uint32
	ChainKey      [32]byte
	SigningPublic ed25519.PublicKey
}

// CreateSenderKey generates a new sender-key state for a device that is
// about to start sending to a group: a random chain key and a fresh Ed25519
// signing key pair used to authenticate every message in this generation.
func CreateSenderKey(keyID uint32) (*SenderKeyState, DistributionMessage, error) {
	chainKeyBytes, err := primitives.RandBytes(32)
	if err != nil {
		return nil, DistributionMessage{}, fmt.Errorf("group: create sender key: %w", err)
	}
	var chainKey [32]byte
	copy(chainKey[:], chainKeyBytes)

	pub, priv, err := ed25519.GenerateKey(nil)
	if err != nil {
		return nil, DistributionMessage{}, fmt.Errorf("group: create sender key: %w", err)
	}

	state := &SenderKeyState{
		KeyID:          keyID,
		ChainKey:       chainKey,
		SigningPublic:  pub,
		SigningPrivate: priv,
		MessageKeys:    make(map[uint32][32]byte),
	}
	dist := DistributionMessage{
		KeyID:         keyID,
		Iteration:     0,
		ChainKey:      chainKey,
		SigningPublic: pub,
	}
	return state, dist, nil
}

// ReceiveDistribution stores a peer's sender-key distribution message,
// prepending it to rec (most-recently-created first, capped at MaxStates).
func ReceiveDistribution(rec *Record, dist DistributionMessage) {
	state := &SenderKeyState{
		KeyID:         dist.KeyID,
		ChainKey:      dist.ChainKey,
		Counter:       dist.Iteration,
		SigningPublic: dist.SigningPublic,
		MessageKeys:   make(map[uint32][32]byte),
	}
	rec.States = append([]*SenderKeyState{state}, rec.States...)
	if len(rec.States) > MaxStates {
		rec.States = rec.States[:MaxStates]
	}
}

// groupMessageKeyMaterial is the cipher key and IV split out of a single
// group chain step.
type groupMessageKeyMaterial struct {
	iv        [16]byte
	cipherKey [32]byte
}

func expandGroupMessageKey(messageKey [32]byte) (groupMessageKeyMaterial, error) {
	out, err := primitives.HKDF(messageKey[:], nil, []byte(groupMessageInfo), 48)
	if err != nil {
		return groupMessageKeyMaterial{}, fmt.Errorf("group: expand message key: %w", err)
	}
	var m groupMessageKeyMaterial
	copy(m.iv[:], out[0:16])
	copy(m.cipherKey[:], out[16:48])
	return m, nil
}

func advanceGroupChain(chainKey [32]byte) (next [32]byte, messageKey [32]byte) {
	copy(messageKey[:], primitives.HMACSHA256(chainKey[:], []byte{0x01}))
	copy(next[:], primitives.HMACSHA256(chainKey[:], []byte{0x02}))
	return
}

// Message is the decoded wire form of a group ciphertext (the signature
// covers keyID||iteration||ciphertext).
type Message struct {
	KeyID      uint32
	Iteration  uint32
	Ciphertext []byte
	Signature  [64]byte
}

func (m Message) signedBody() []byte {
	body := make([]byte, 0, 8+len(m.Ciphertext))
	body = appendUvarint(body, uint64(m.KeyID))
	body = appendUvarint(body, uint64(m.Iteration))
	body = append(body, m.Ciphertext...)
	return body
}

// Encrypt advances the sender's own chain by one step and produces a signed
// group message.
func Encrypt(state *SenderKeyState, plaintext []byte) (Message, error) {
	if state.SigningPrivate == nil {
		return Message{}, fmt.Errorf("group: state %d has no signing key, cannot send", state.KeyID)
	}

	next, messageKey := advanceGroupChain(state.ChainKey)
	mat, err := expandGroupMessageKey(messageKey)
	if err != nil {
		return Message{}, err
	}
	primitives.Zero(messageKey[:])

	ct, err := primitives.AESCBCEncryptWithIV(mat.cipherKey[:], mat.iv[:], plaintext)
	if err != nil {
		return Message{}, err
	}

	msg := Message{KeyID: state.KeyID, Iteration: state.Counter, Ciphertext: ct}
	copy(msg.Signature[:], ed25519.Sign(state.SigningPrivate, msg.signedBody()))

	state.ChainKey = next
	state.Counter++
	return msg, nil
}

// Decrypt selects the matching SenderKeyState by KeyID, verifies the
// signature, and decrypts, catching up skipped iterations the same way the
// pairwise ratchet does (bounded map, evict oldest on overflow).
func Decrypt(rec *Record, msg Message) ([]byte, error) {
	state := findState(rec, msg.KeyID)
	if state == nil {
		return nil, protoerr.ErrInvalidKeyID
	}
	if !ed25519.Verify(state.SigningPublic, msg.signedBody(), msg.Signature[:]) {
		return nil, protoerr.ErrInvalidSignature
	}

	messageKey, fromCache, err := resolveMessageKey(state, msg.Iteration)
	if err != nil {
		return nil, err
	}

	mat, err := expandGroupMessageKey(messageKey)
	if err != nil {
		return nil, err
	}
	primitives.Zero(messageKey[:])

	pt, err := primitives.AESCBCDecryptWithIV(mat.cipherKey[:], mat.iv[:], msg.Ciphertext)
	if err != nil {
		return nil, err
	}

	if fromCache {
		delete(state.MessageKeys, msg.Iteration)
	} else {
		state.Counter = msg.Iteration + 1
	}
	return pt, nil
}

func findState(rec *Record, keyID uint32) *SenderKeyState {
	for _, s := range rec.States {
		if s.KeyID == keyID {
			return s
		}
	}
	return nil
}

func resolveMessageKey(state *SenderKeyState, iteration uint32) (key [32]byte, fromCache bool, err error) {
	if iteration < state.Counter {
		k, ok := state.MessageKeys[iteration]
		if !ok {
			return [32]byte{}, false, protoerr.ErrDuplicateMessage
		}
		return k, true, nil
	}

	// Bounded by MaxMessageKeys: the signature above already authenticated
	// msg, but a gap this large still isn't a legitimate catch-up, and
	// deriving towards an unbounded iteration is unbounded HMAC work.
	if iteration-state.Counter > MaxMessageKeys {
		return [32]byte{}, false, protoerr.ErrTooManySkipped
	}

	for state.Counter < iteration {
		next, skipped := advanceGroupChain(state.ChainKey)
		if len(state.MessageKeys) >= MaxMessageKeys {
			oldest, first := uint32(0), true
			for it := range state.MessageKeys {
				if first || it < oldest {
					oldest, first = it, false
				}
			}
			delete(state.MessageKeys, oldest)
		}
		state.MessageKeys[state.Counter] = skipped
		state.ChainKey = next
		state.Counter++
	}

	next, messageKey := advanceGroupChain(state.ChainKey)
	state.ChainKey = next
	return messageKey, false, nil
}

func appendUvarint(buf []byte, v uint64) []byte {
	var tmp [10]byte
	n := 0
	for v >= 0x80 {
		tmp[n] = byte(v) | 0x80
		v >>= 7
		n++
	}
	tmp[n] = byte(v)
	n++
	return append(buf, tmp[:n]...)
}
