package primitives

import (
	"crypto/hmac"
	"crypto/sha256"
	"fmt"
	"io"

	"golang.org/x/crypto/hkdf"
)

// HKDF derives length bytes from ikm, salt and info using HKDF-SHA256.
func HKDF(ikm, salt, info []byte, length int) ([]byte, error) {
	r := hkdf.New(sha256.New, ikm, salt, info)
	out := make([]byte, length)
	if _, err := io.ReadFull(r, out); err != nil {
		return nil, fmt.Errorf("primitives: hkdf: %w", err)
	}
	return out, nil
}

// HMACSHA256 returns the full 32-byte HMAC-SHA256 tag over msg keyed by key.
func HMACSHA256(key, msg []byte) []byte {
	h := hmac.New(sha256.New, key)
	h.Write(msg)
	return h.Sum(nil)
}

// ConstantTimeEqual reports whether a and b are byte-equal, without
// branching on their contents.
func ConstantTimeEqual(a, b []byte) bool {
	return hmac.Equal(a, b)
}
