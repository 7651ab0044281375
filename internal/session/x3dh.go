package session

import (
	"crypto/ed25519"
	"fmt"

	"github.com/jaydenbeard/relaysession/internal/primitives"
	"github.com/jaydenbeard/relaysession/internal/protoerr"
)

// PreKeyBundle is the peer material an initiator fetches before the first
// message of a conversation (SPEC_FULL.md §4.3, X3DH initiator step).
type PreKeyBundle struct {
	IdentityPub        [32]byte
	IdentitySigningPub ed25519.PublicKey // the peer's Ed25519 signing view
	SignedPreKeyPub    [32]byte
	SignedPreKeyID     uint32
	SignedPreKeySig    [64]byte
	OneTimePreKeyPub   *[32]byte
	OneTimePreKeyID    *uint32
}

const (
	x3dhInfo    = "WhisperText"
	ratchetInfo = "WhisperRatchet"
)

// InitiateX3DH runs the X3DH initiator flow: verify the bundle's signed
// pre-key signature, perform the (up to) four Diffie-Hellmans, derive the
// initial root/chain keys, and record the pending-pre-key material that
// will be cleared on the first successful receive.
func InitiateX3DH(ourIdentity primitives.KeyPair, ourIdentityPub [32]byte, bundle PreKeyBundle) (*Session, [32]byte, error) {
	if !primitives.XEdDSAVerify(bundle.IdentitySigningPub, bundle.SignedPreKeyPub[:], nil, bundle.SignedPreKeySig) {
		return nil, [32]byte{}, protoerr.ErrInvalidSignature
	}

	ephemeral, err := primitives.GenerateKeyPair()
	if err != nil {
		return nil, [32]byte{}, fmt.Errorf("session: x3dh: generate ephemeral: %w", err)
	}

	dh1, err := primitives.Agree(ourIdentity.Private, bundle.SignedPreKeyPub)
	if err != nil {
		return nil, [32]byte{}, err
	}
	dh2, err := primitives.Agree(ephemeral.Private, bundle.IdentityPub)
	if err != nil {
		return nil, [32]byte{}, err
	}
	dh3, err := primitives.Agree(ephemeral.Private, bundle.SignedPreKeyPub)
	if err != nil {
		return nil, [32]byte{}, err
	}

	master := append(append(append([]byte{}, dh1[:]...), dh2[:]...), dh3[:]...)
	if bundle.OneTimePreKeyPub != nil {
		dh4, err := primitives.Agree(ephemeral.Private, *bundle.OneTimePreKeyPub)
		if err != nil {
			return nil, [32]byte{}, err
		}
		master = append(master, dh4[:]...)
	}

	root, chain, err := deriveRootAndChain(master)
	if err != nil {
		return nil, [32]byte{}, err
	}

	s := &Session{
		State:            StatePendingInitiator,
		RootKey:          root,
		OwnIdentityPub:   ourIdentityPub,
		TheirIdentityPub: bundle.IdentityPub,
		Sending: &SendingChain{
			ChainKey:       chain,
			OwnRatchetPriv: ephemeral.Private,
			OwnRatchetPub:  ephemeral.Public,
		},
		PendingPreKey: &PendingPreKey{
			PreKeyID:       bundle.OneTimePreKeyID,
			SignedPreKeyID: bundle.SignedPreKeyID,
			BaseKey:        ephemeral.Public,
		},
	}

	zeroKeyPair(&ephemeral)
	return s, ephemeral.Public, nil
}

// ResponderX3DHInput carries everything extracted from an inbound pkmsg
// plus the responder's own long-lived material.
type ResponderX3DHInput struct {
	TheirIdentityPub [32]byte
	TheirEphemeral   [32]byte
	OneTimePreKey    *primitives.KeyPair // nil if the message carried no OPK id
	SignedPreKey     primitives.KeyPair
	OurIdentity      primitives.KeyPair
	OurIdentityPub   [32]byte
}

// CompleteX3DHAsResponder mirrors InitiateX3DH's four Diffie-Hellmans using
// the responder's private halves and derives the same root/chain keys.
func CompleteX3DHAsResponder(in ResponderX3DHInput) (*Session, error) {
	dh1, err := primitives.Agree(in.SignedPreKey.Private, in.TheirIdentityPub)
	if err != nil {
		return nil, err
	}
	dh2, err := primitives.Agree(in.OurIdentity.Private, in.TheirEphemeral)
	if err != nil {
		return nil, err
	}
	dh3, err := primitives.Agree(in.SignedPreKey.Private, in.TheirEphemeral)
	if err != nil {
		return nil, err
	}

	master := append(append(append([]byte{}, dh1[:]...), dh2[:]...), dh3[:]...)
	if in.OneTimePreKey != nil {
		dh4, err := primitives.Agree(in.OneTimePreKey.Private, in.TheirEphemeral)
		if err != nil {
			return nil, err
		}
		master = append(master, dh4[:]...)
	}

	root, chain, err := deriveRootAndChain(master)
	if err != nil {
		return nil, err
	}

	return &Session{
		State:            StateInitializedAsResponder,
		RootKey:          root,
		OwnIdentityPub:   in.OurIdentityPub,
		TheirIdentityPub: in.TheirIdentityPub,
		ReceivingChains: []*ReceivingChain{{
			TheirRatchetPub: in.TheirEphemeral,
			ChainKey:        chain,
			SkippedKeys:     make(map[uint32][32]byte),
		}},
	}, nil
}

func deriveRootAndChain(master []byte) ([32]byte, [32]byte, error) {
	prefix := make([]byte, 32)
	for i := range prefix {
		prefix[i] = 0xFF
	}
	ikm := append(prefix, master...)
	salt := make([]byte, 32)

	out, err := primitives.HKDF(ikm, salt, []byte(x3dhInfo), 64)
	if err != nil {
		return [32]byte{}, [32]byte{}, fmt.Errorf("session: x3dh derive: %w", err)
	}
	var root, chain [32]byte
	copy(root[:], out[:32])
	copy(chain[:], out[32:])
	return root, chain, nil
}
