package session

import (
	"fmt"

	"github.com/jaydenbeard/relaysession/internal/primitives"
)

// BuildInitialMessage runs X3DH as the initiator and encrypts plaintext as
// the first pkmsg of the conversation.
func BuildInitialMessage(ourIdentity primitives.KeyPair, ourIdentityPub [32]byte, registrationID uint32, bundle PreKeyBundle, plaintext []byte) ([]byte, *Session, error) {
	s, ephemeralPub, err := InitiateX3DH(ourIdentity, ourIdentityPub, bundle)
	if err != nil {
		return nil, nil, err
	}

	whisperMsg, err := Encrypt(s, plaintext)
	if err != nil {
		return nil, nil, err
	}

	frame := PreKeyMessageFrame{
		RegistrationID: registrationID,
		PreKeyID:       bundle.OneTimePreKeyID,
		SignedPreKeyID: bundle.SignedPreKeyID,
		BaseKeyPub:     ephemeralPub,
		IdentityPub:    ourIdentityPub,
		WhisperMessage: whisperMsg,
	}
	return frame.Encode(), s, nil
}

// ProcessPreKeyMessage decodes a pkmsg, completes X3DH as the responder
// against the caller's signed pre-key (and one-time pre-key, if the
// message names one the caller still holds), and decrypts the embedded
// whisper message. The caller is responsible for consuming the named
// one-time pre-key id exactly once (SPEC_FULL.md §4.2) and for the
// trust-on-first-use check on the returned session's TheirIdentityPub
// (SPEC_FULL.md §4.3) before persisting the session.
func ProcessPreKeyMessage(raw []byte, ourIdentity primitives.KeyPair, ourIdentityPub [32]byte, signedPreKey primitives.KeyPair, oneTimePreKey *primitives.KeyPair) (*Session, []byte, error) {
	frame, err := DecodePreKeyMessageFrame(raw)
	if err != nil {
		return nil, nil, fmt.Errorf("session: decode pkmsg: %w", err)
	}

	s, err := CompleteX3DHAsResponder(ResponderX3DHInput{
		TheirIdentityPub: frame.IdentityPub,
		TheirEphemeral:   frame.BaseKeyPub,
		OneTimePreKey:    oneTimePreKey,
		SignedPreKey:     signedPreKey,
		OurIdentity:      ourIdentity,
		OurIdentityPub:   ourIdentityPub,
	})
	if err != nil {
		return nil, nil, err
	}

	plaintext, err := Decrypt(s, frame.WhisperMessage)
	if err != nil {
		return nil, nil, err
	}
	return s, plaintext, nil
}
