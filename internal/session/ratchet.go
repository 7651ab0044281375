package session

import (
	"fmt"

	"github.com/jaydenbeard/relaysession/internal/primitives"
	"github.com/jaydenbeard/relaysession/internal/protoerr"
)

const messageKeysInfo = "WhisperMessageKeys"

// messageKeyMaterial is the AES key, MAC key and IV split out of a single
// chain step (SPEC_FULL.md §4.3).
type messageKeyMaterial struct {
	aesKey [32]byte
	macKey [32]byte
	iv     [16]byte
}

// advanceChain derives the next chain key and this step's message key from
// the current chain key: chain' = HMAC(chain, 0x02), message = HMAC(chain, 0x01).
func advanceChain(chainKey [32]byte) (nextChainKey [32]byte, messageKey [32]byte) {
	copy(nextChainKey[:], primitives.HMACSHA256(chainKey[:], []byte{0x02}))
	copy(messageKey[:], primitives.HMACSHA256(chainKey[:], []byte{0x01}))
	return
}

func expandMessageKey(messageKey [32]byte) (messageKeyMaterial, error) {
	out, err := primitives.HKDF(messageKey[:], nil, []byte(messageKeysInfo), 80)
	if err != nil {
		return messageKeyMaterial{}, fmt.Errorf("session: expand message key: %w", err)
	}
	var m messageKeyMaterial
	copy(m.aesKey[:], out[0:32])
	copy(m.macKey[:], out[32:64])
	copy(m.iv[:], out[64:80])
	return m, nil
}

// frameMAC computes the truncated 8-byte HMAC over (sender, receiver, body)
// used to authenticate a whisper message frame.
func frameMAC(macKey [32]byte, senderIdentity, receiverIdentity [32]byte, body []byte) []byte {
	msg := make([]byte, 0, 64+len(body))
	msg = append(msg, senderIdentity[:]...)
	msg = append(msg, receiverIdentity[:]...)
	msg = append(msg, body...)
	full := primitives.HMACSHA256(macKey[:], msg)
	return full[:MacSize]
}

// dhRatchetStep derives a new (root, chain) pair from the current root key
// and a fresh DH output (SPEC_FULL.md §4.3).
func dhRatchetStep(root [32]byte, dh [32]byte) ([32]byte, [32]byte, error) {
	out, err := primitives.HKDF(append(append([]byte{}, root[:]...), dh[:]...), nil, []byte(ratchetInfo), 64)
	if err != nil {
		return [32]byte{}, [32]byte{}, fmt.Errorf("session: dh ratchet: %w", err)
	}
	var newRoot, newChain [32]byte
	copy(newRoot[:], out[:32])
	copy(newChain[:], out[32:])
	return newRoot, newChain, nil
}

// Encrypt advances the sending chain by one step and produces a wire
// frame. A session with no sending chain yet (a responder that has not
// replied) first bootstraps one against its latest receiving chain.
func Encrypt(s *Session, plaintext []byte) ([]byte, error) {
	if s.Sending == nil {
		if err := s.bootstrapSendingChain(); err != nil {
			return nil, err
		}
	}

	nextChainKey, messageKey := advanceChain(s.Sending.ChainKey)
	mat, err := expandMessageKey(messageKey)
	if err != nil {
		return nil, err
	}
	primitives.Zero(messageKey[:])

	ct, err := primitives.AESCBCEncryptWithIV(mat.aesKey[:], mat.iv[:], plaintext)
	if err != nil {
		return nil, err
	}

	frame := MessageFrame{
		RatchetPub:      s.Sending.OwnRatchetPub,
		Counter:         s.Sending.Counter,
		PreviousCounter: s.Sending.PreviousCounter,
		Ciphertext:      ct,
	}
	mac := frameMAC(mat.macKey, s.OwnIdentityPub, s.TheirIdentityPub, frame.EncodeBody())

	s.Sending.ChainKey = nextChainKey
	s.Sending.Counter++
	s.State = StateEstablished

	return frame.Encode(mac), nil
}

// Decrypt processes an inbound whisper message frame against the session,
// performing a DH ratchet step if the frame carries an unseen ratchet
// public key, and catching up any skipped message keys along the way.
func Decrypt(s *Session, raw []byte) (pt []byte, err error) {
	frame, body, mac, err := DecodeMessageFrame(raw)
	if err != nil {
		return nil, err
	}

	chain := s.findReceivingChain(frame.RatchetPub)
	if chain == nil {
		// The DH ratchet step below runs before the frame is authenticated;
		// restore the pre-ratchet session if anything after it fails.
		saved := *s
		defer func() {
			if err != nil {
				*s = saved
			}
		}()
		if err := s.ratchetToNewChain(frame.RatchetPub); err != nil {
			return nil, err
		}
		chain = s.findReceivingChain(frame.RatchetPub)
	}

	messageKey, plan, err := s.resolveMessageKey(chain, frame.Counter)
	if err != nil {
		return nil, err
	}

	mat, err := expandMessageKey(messageKey)
	if err != nil {
		return nil, err
	}
	primitives.Zero(messageKey[:])

	expectedMAC := frameMAC(mat.macKey, s.TheirIdentityPub, s.OwnIdentityPub, body)
	if !primitives.ConstantTimeEqual(expectedMAC, mac) {
		return nil, protoerr.ErrMacMismatch
	}

	pt, err = primitives.AESCBCDecryptWithIV(mat.aesKey[:], mat.iv[:], frame.Ciphertext)
	if err != nil {
		return nil, err
	}

	// Only now, with the frame authenticated and decrypted, fold the catch-up
	// plan back into the chain: a forged or corrupt frame must never advance
	// the ratchet or evict a legitimate skipped key (SPEC_FULL.md §7, §5).
	s.commitCatchUp(chain, plan)
	s.State = StateEstablished
	return pt, nil
}

// bootstrapSendingChain performs the responder's first DH ratchet step: it
// has a receiving chain from CompleteX3DHAsResponder but no sending chain
// until it needs to reply, at which point it generates its own ratchet key
// pair and derives a sending chain against the peer's latest known ratchet
// public key.
func (s *Session) bootstrapSendingChain() error {
	if len(s.ReceivingChains) == 0 {
		return protoerr.ErrNoValidSessions
	}
	theirRatchetPub := s.ReceivingChains[0].TheirRatchetPub

	own, err := primitives.GenerateKeyPair()
	if err != nil {
		return err
	}
	dh, err := primitives.Agree(own.Private, theirRatchetPub)
	if err != nil {
		return err
	}
	newRoot, chainKey, err := dhRatchetStep(s.RootKey, dh)
	if err != nil {
		return err
	}

	s.RootKey = newRoot
	s.Sending = &SendingChain{
		ChainKey:        chainKey,
		OwnRatchetPriv:  own.Private,
		OwnRatchetPub:   own.Public,
		TheirRatchetPub: theirRatchetPub,
	}
	return nil
}

func (s *Session) findReceivingChain(ratchetPub [32]byte) *ReceivingChain {
	for _, c := range s.ReceivingChains {
		if c.TheirRatchetPub == ratchetPub {
			return c
		}
	}
	return nil
}

// skippedEntry is one message key derived while catching a chain up to a
// later counter, pending commit.
type skippedEntry struct {
	counter uint32
	key     [32]byte
}

// catchUpPlan is the result of resolveMessageKey: everything needed to fold
// a successful decrypt back into chain, computed without touching chain
// itself so a frame that later fails authentication leaves it untouched.
type catchUpPlan struct {
	fromSkipped    bool
	skippedCounter uint32 // valid when fromSkipped: entry to remove from chain.SkippedKeys
	derived        []skippedEntry
	finalChainKey  [32]byte
	finalCounter   uint32
}

// resolveMessageKey returns the message key for counter on chain and a plan
// describing how to advance chain if the caller goes on to authenticate and
// decrypt successfully. It never mutates chain. A gap larger than
// MaxSkippedPerChain is rejected outright — deriving towards an
// attacker-controlled counter without a bound turns a single forged frame
// into unbounded HMAC derivation before any authentication has happened
// (SPEC_FULL.md §4.3, §7).
func (s *Session) resolveMessageKey(chain *ReceivingChain, counter uint32) (key [32]byte, plan catchUpPlan, err error) {
	if counter < chain.Counter {
		k, ok := chain.SkippedKeys[counter]
		if !ok {
			return [32]byte{}, catchUpPlan{}, protoerr.ErrDuplicateMessage
		}
		return k, catchUpPlan{fromSkipped: true, skippedCounter: counter}, nil
	}

	if counter-chain.Counter > MaxSkippedPerChain {
		return [32]byte{}, catchUpPlan{}, protoerr.ErrTooManySkipped
	}

	ck := chain.ChainKey
	cnt := chain.Counter
	var derived []skippedEntry
	for cnt < counter {
		nextChainKey, skippedKey := advanceChain(ck)
		derived = append(derived, skippedEntry{counter: cnt, key: skippedKey})
		ck = nextChainKey
		cnt++
	}

	nextChainKey, messageKey := advanceChain(ck)
	return messageKey, catchUpPlan{derived: derived, finalChainKey: nextChainKey, finalCounter: cnt + 1}, nil
}

// commitCatchUp folds a plan produced by resolveMessageKey back into chain,
// called only once the frame it was derived for has been authenticated.
func (s *Session) commitCatchUp(chain *ReceivingChain, plan catchUpPlan) {
	if plan.fromSkipped {
		delete(chain.SkippedKeys, plan.skippedCounter)
		return
	}
	for _, e := range plan.derived {
		s.stashSkipped(chain, e.counter, e.key)
	}
	chain.ChainKey = plan.finalChainKey
	chain.Counter = plan.finalCounter
}

// stashSkipped records a derived-but-unused message key, enforcing the
// per-chain cap by evicting that chain's oldest skipped key and the total
// cap by evicting the oldest chain first.
func (s *Session) stashSkipped(chain *ReceivingChain, counter uint32, key [32]byte) {
	if len(chain.SkippedKeys) >= MaxSkippedPerChain {
		oldest, first := uint32(0), true
		for c := range chain.SkippedKeys {
			if first || c < oldest {
				oldest, first = c, false
			}
		}
		delete(chain.SkippedKeys, oldest)
	}
	for s.totalSkipped() >= MaxSkippedTotal && len(s.ReceivingChains) > 1 {
		s.evictOldestChain()
	}
	chain.SkippedKeys[counter] = key
}

// ratchetToNewChain performs the DH-ratchet step triggered by receiving an
// unseen ratchet public key: archive the current receiving chain, derive a
// new receiving chain from the peer's new key, then derive a fresh sending
// chain from a freshly generated own ratchet key pair.
func (s *Session) ratchetToNewChain(theirNewRatchetPub [32]byte) error {
	if s.Sending == nil {
		return protoerr.ErrNoValidSessions
	}

	dhRecv, err := primitives.Agree(s.Sending.OwnRatchetPriv, theirNewRatchetPub)
	if err != nil {
		return err
	}
	rootAfterRecv, recvChainKey, err := dhRatchetStep(s.RootKey, dhRecv)
	if err != nil {
		return err
	}

	newOwn, err := primitives.GenerateKeyPair()
	if err != nil {
		return err
	}
	dhSend, err := primitives.Agree(newOwn.Private, theirNewRatchetPub)
	if err != nil {
		return err
	}
	rootAfterSend, sendChainKey, err := dhRatchetStep(rootAfterRecv, dhSend)
	if err != nil {
		return err
	}

	s.pushReceivingChain(&ReceivingChain{
		TheirRatchetPub: theirNewRatchetPub,
		ChainKey:        recvChainKey,
		SkippedKeys:     make(map[uint32][32]byte),
	})

	previousCounter := uint32(0)
	if s.Sending != nil {
		previousCounter = s.Sending.Counter
	}

	s.RootKey = rootAfterSend
	s.Sending = &SendingChain{
		ChainKey:        sendChainKey,
		OwnRatchetPriv:  newOwn.Private,
		OwnRatchetPub:   newOwn.Public,
		TheirRatchetPub: theirNewRatchetPub,
		PreviousCounter: previousCounter,
	}
	s.PendingPreKey = nil
	return nil
}
