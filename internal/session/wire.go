package session

import (
	"encoding/binary"
	"fmt"

	"github.com/jaydenbeard/relaysession/internal/protoerr"
)

// RatchetHeaderVersion is the version byte every wire frame in this
// package leads with (SPEC_FULL.md §6 Configuration recognized).
const RatchetHeaderVersion byte = 0x33

// MacSize is the truncated HMAC length appended to whisper message frames.
const MacSize = 8

// MessageFrame is the on-wire "whisper message": a ratchet public key, the
// symmetric-ratchet counters, and the AES-CBC ciphertext, varint-encoded
// per SPEC_FULL.md §6.
type MessageFrame struct {
	RatchetPub      [32]byte
	Counter         uint32
	PreviousCounter uint32
	Ciphertext      []byte
}

// EncodeBody serializes the frame body (no version byte, no MAC) so the
// MAC can be computed over exactly these bytes.
func (f MessageFrame) EncodeBody() []byte {
	buf := make([]byte, 0, 32+binary.MaxVarintLen32*2+len(f.Ciphertext)+binary.MaxVarintLen64)
	buf = append(buf, f.RatchetPub[:]...)
	buf = appendUvarint(buf, uint64(f.Counter))
	buf = appendUvarint(buf, uint64(f.PreviousCounter))
	buf = appendUvarint(buf, uint64(len(f.Ciphertext)))
	buf = append(buf, f.Ciphertext...)
	return buf
}

// Encode produces the full wire frame: version_byte || body || mac.
func (f MessageFrame) Encode(mac8 []byte) []byte {
	body := f.EncodeBody()
	out := make([]byte, 0, 1+len(body)+MacSize)
	out = append(out, RatchetHeaderVersion)
	out = append(out, body...)
	out = append(out, mac8...)
	return out
}

// DecodeMessageFrame parses a wire frame produced by Encode, returning the
// frame, its body (for MAC verification), and the trailing MAC.
func DecodeMessageFrame(raw []byte) (MessageFrame, []byte, []byte, error) {
	if len(raw) < 1+32+MacSize {
		return MessageFrame{}, nil, nil, fmt.Errorf("session: frame too short")
	}
	if raw[0] != RatchetHeaderVersion {
		return MessageFrame{}, nil, nil, protoerr.ErrLegacyMessage
	}
	body := raw[1 : len(raw)-MacSize]
	mac := raw[len(raw)-MacSize:]

	rest := body
	var f MessageFrame
	if len(rest) < 32 {
		return MessageFrame{}, nil, nil, fmt.Errorf("session: truncated ratchet key")
	}
	copy(f.RatchetPub[:], rest[:32])
	rest = rest[32:]

	counter, n, err := readUvarint(rest)
	if err != nil {
		return MessageFrame{}, nil, nil, err
	}
	f.Counter = uint32(counter)
	rest = rest[n:]

	prevCounter, n, err := readUvarint(rest)
	if err != nil {
		return MessageFrame{}, nil, nil, err
	}
	f.PreviousCounter = uint32(prevCounter)
	rest = rest[n:]

	ctLen, n, err := readUvarint(rest)
	if err != nil {
		return MessageFrame{}, nil, nil, err
	}
	rest = rest[n:]
	if uint64(len(rest)) < ctLen {
		return MessageFrame{}, nil, nil, fmt.Errorf("session: truncated ciphertext")
	}
	f.Ciphertext = append([]byte{}, rest[:ctLen]...)

	return f, body, mac, nil
}

// PreKeyMessageFrame is the on-wire "pre-key whisper message" an initiator
// sends for the first message of a conversation.
type PreKeyMessageFrame struct {
	RegistrationID uint32
	PreKeyID       *uint32
	SignedPreKeyID uint32
	BaseKeyPub     [32]byte
	IdentityPub    [32]byte
	WhisperMessage []byte // the embedded MessageFrame.Encode() output
}

func (f PreKeyMessageFrame) Encode() []byte {
	buf := []byte{RatchetHeaderVersion}
	buf = appendUvarint(buf, uint64(f.RegistrationID))
	if f.PreKeyID != nil {
		buf = appendUvarint(buf, 1)
		buf = appendUvarint(buf, uint64(*f.PreKeyID))
	} else {
		buf = appendUvarint(buf, 0)
	}
	buf = appendUvarint(buf, uint64(f.SignedPreKeyID))
	buf = append(buf, f.BaseKeyPub[:]...)
	buf = append(buf, f.IdentityPub[:]...)
	buf = appendUvarint(buf, uint64(len(f.WhisperMessage)))
	buf = append(buf, f.WhisperMessage...)
	return buf
}

func DecodePreKeyMessageFrame(raw []byte) (PreKeyMessageFrame, error) {
	if len(raw) < 1 {
		return PreKeyMessageFrame{}, fmt.Errorf("session: empty pkmsg")
	}
	if raw[0] != RatchetHeaderVersion {
		return PreKeyMessageFrame{}, protoerr.ErrLegacyMessage
	}
	rest := raw[1:]
	var f PreKeyMessageFrame

	regID, n, err := readUvarint(rest)
	if err != nil {
		return f, err
	}
	f.RegistrationID = uint32(regID)
	rest = rest[n:]

	hasOPK, n, err := readUvarint(rest)
	if err != nil {
		return f, err
	}
	rest = rest[n:]
	if hasOPK == 1 {
		opk, n, err := readUvarint(rest)
		if err != nil {
			return f, err
		}
		id := uint32(opk)
		f.PreKeyID = &id
		rest = rest[n:]
	}

	spkID, n, err := readUvarint(rest)
	if err != nil {
		return f, err
	}
	f.SignedPreKeyID = uint32(spkID)
	rest = rest[n:]

	if len(rest) < 64 {
		return f, fmt.Errorf("session: truncated pkmsg keys")
	}
	copy(f.BaseKeyPub[:], rest[:32])
	copy(f.IdentityPub[:], rest[32:64])
	rest = rest[64:]

	msgLen, n, err := readUvarint(rest)
	if err != nil {
		return f, err
	}
	rest = rest[n:]
	if uint64(len(rest)) < msgLen {
		return f, fmt.Errorf("session: truncated embedded whisper message")
	}
	f.WhisperMessage = append([]byte{}, rest[:msgLen]...)
	return f, nil
}

func appendUvarint(buf []byte, v uint64) []byte {
	var tmp [binary.MaxVarintLen64]byte
	n := binary.PutUvarint(tmp[:], v)
	return append(buf, tmp[:n]...)
}

func readUvarint(b []byte) (uint64, int, error) {
	v, n := binary.Uvarint(b)
	if n <= 0 {
		return 0, 0, fmt.Errorf("session: malformed varint")
	}
	return v, n, nil
}
