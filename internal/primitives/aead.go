package primitives

import (
	"bytes"
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"fmt"
	"io"

	"github.com/jaydenbeard/relaysession/internal/protoerr"
)

// AESCBCEncrypt pads pt with PKCS7, generates a random IV, and returns
// iv || ciphertext.
func AESCBCEncrypt(key, pt []byte) ([]byte, error) {
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, fmt.Errorf("primitives: aes-cbc: %w", err)
	}

	padded := pkcs7Pad(pt, block.BlockSize())
	out := make([]byte, block.BlockSize()+len(padded))
	iv := out[:block.BlockSize()]
	if _, err := io.ReadFull(rand.Reader, iv); err != nil {
		return nil, fmt.Errorf("primitives: aes-cbc iv: %w", err)
	}

	cipher.NewCBCEncrypter(block, iv).CryptBlocks(out[block.BlockSize():], padded)
	return out, nil
}

// AESCBCDecrypt expects iv || ciphertext (as produced by AESCBCEncrypt) and
// returns the unpadded plaintext.
func AESCBCDecrypt(key, ivAndCT []byte) ([]byte, error) {
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, fmt.Errorf("primitives: aes-cbc: %w", err)
	}
	bs := block.BlockSize()
	if len(ivAndCT) < bs || (len(ivAndCT)-bs)%bs != 0 {
		return nil, protoerr.ErrBadPadding
	}
	iv, ct := ivAndCT[:bs], ivAndCT[bs:]

	out := make([]byte, len(ct))
	cipher.NewCBCDecrypter(block, iv).CryptBlocks(out, ct)

	return pkcs7Unpad(out, bs)
}

func pkcs7Pad(data []byte, blockSize int) []byte {
	padLen := blockSize - len(data)%blockSize
	pad := bytes.Repeat([]byte{byte(padLen)}, padLen)
	return append(append([]byte{}, data...), pad...)
}

func pkcs7Unpad(data []byte, blockSize int) ([]byte, error) {
	n := len(data)
	if n == 0 || n%blockSize != 0 {
		return nil, protoerr.ErrBadPadding
	}
	padLen := int(data[n-1])
	if padLen == 0 || padLen > blockSize || padLen > n {
		return nil, protoerr.ErrBadPadding
	}
	for _, b := range data[n-padLen:] {
		if int(b) != padLen {
			return nil, protoerr.ErrBadPadding
		}
	}
	return data[:n-padLen], nil
}

// AESCBCEncryptWithIV pads pt with PKCS7 and encrypts it under the given
// caller-supplied IV, returning ciphertext only (no IV prefix). Used where
// the IV is itself derived from a KDF rather than sampled fresh, as in the
// Double Ratchet and group message key schedules.
func AESCBCEncryptWithIV(key, iv, pt []byte) ([]byte, error) {
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, fmt.Errorf("primitives: aes-cbc: %w", err)
	}
	padded := pkcs7Pad(pt, block.BlockSize())
	out := make([]byte, len(padded))
	cipher.NewCBCEncrypter(block, iv).CryptBlocks(out, padded)
	return out, nil
}

// AESCBCDecryptWithIV is the inverse of AESCBCEncryptWithIV.
func AESCBCDecryptWithIV(key, iv, ct []byte) ([]byte, error) {
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, fmt.Errorf("primitives: aes-cbc: %w", err)
	}
	bs := block.BlockSize()
	if len(ct) == 0 || len(ct)%bs != 0 {
		return nil, protoerr.ErrBadPadding
	}
	out := make([]byte, len(ct))
	cipher.NewCBCDecrypter(block, iv).CryptBlocks(out, ct)
	return pkcs7Unpad(out, bs)
}

// AESGCMEncrypt seals pt under key with the given 96-bit nonce and
// associated data, returning ciphertext||tag.
func AESGCMEncrypt(key, nonce, ad, pt []byte) ([]byte, error) {
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, fmt.Errorf("primitives: aes-gcm: %w", err)
	}
	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return nil, fmt.Errorf("primitives: aes-gcm: %w", err)
	}
	if len(nonce) != gcm.NonceSize() {
		return nil, fmt.Errorf("primitives: aes-gcm: nonce must be %d bytes", gcm.NonceSize())
	}
	return gcm.Seal(nil, nonce, pt, ad), nil
}

// AESGCMDecrypt opens ciphertext||tag under key with the given nonce and
// associated data.
func AESGCMDecrypt(key, nonce, ad, ct []byte) ([]byte, error) {
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, fmt.Errorf("primitives: aes-gcm: %w", err)
	}
	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return nil, fmt.Errorf("primitives: aes-gcm: %w", err)
	}
	pt, err := gcm.Open(nil, nonce, ct, ad)
	if err != nil {
		return nil, fmt.Errorf("primitives: aes-gcm open: %w", protoerr.ErrMacMismatch)
	}
	return pt, nil
}

// NonceFromCounter encodes counter as 12 little-endian bytes, the nonce
// layout the transport AEAD contract (SPEC_FULL.md §6) requires.
func NonceFromCounter(counter uint64) []byte {
	nonce := make([]byte, 12)
	for i := 0; i < 8; i++ {
		nonce[i] = byte(counter >> (8 * i))
	}
	return nonce
}
