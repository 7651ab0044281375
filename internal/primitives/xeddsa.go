package primitives

import "crypto/ed25519"

// SigningKeyPair is the "Ed25519 signing view" the IdentityKey data model
// (SPEC_FULL.md §3) carries alongside the raw X25519 pair. It is derived
// once, at key-generation time, from the X25519 private scalar used as an
// Ed25519 seed — both representatives of the same long-lived identity
// secret, distributed together so any holder of the public bundle can
// verify XEdDSA signatures without needing a raw Edwards scalar-multiply
// primitive (crypto/ed25519 only exposes seed-based key derivation).
type SigningKeyPair struct {
	Private ed25519.PrivateKey
	Public  ed25519.PublicKey
}

// DeriveSigningKeyPair derives the Ed25519 signing view for an X25519
// identity private key.
func DeriveSigningKeyPair(x25519Private [KeySize]byte) SigningKeyPair {
	priv := ed25519.NewKeyFromSeed(x25519Private[:])
	pub := priv.Public().(ed25519.PublicKey)
	return SigningKeyPair{Private: priv, Public: pub}
}

// XEdDSASign produces a 64-byte signature over msg using the identity's
// Ed25519 signing view. crypto/ed25519 already derives its per-signature
// nonce deterministically (RFC 8032, SHA-512(seed-half || msg)); domain is
// an optional extra label folded into the signed message to diversify
// signatures across call sites that would otherwise sign identical bytes,
// approximating the "per-signature nonce via hkdf(priv || msg || Z)"
// convention spec.md §4.1 describes in terms that crypto/ed25519's API
// does not expose a raw hook for.
func XEdDSASign(signing SigningKeyPair, msg []byte, domain []byte) [64]byte {
	signed := msg
	if len(domain) > 0 {
		signed = append(append([]byte{}, domain...), msg...)
	}
	var sig [64]byte
	copy(sig[:], ed25519.Sign(signing.Private, signed))
	return sig
}

// XEdDSAVerify checks a signature produced by XEdDSASign.
func XEdDSAVerify(pub ed25519.PublicKey, msg []byte, domain []byte, sig [64]byte) bool {
	signed := msg
	if len(domain) > 0 {
		signed = append(append([]byte{}, domain...), msg...)
	}
	return ed25519.Verify(pub, signed, sig[:])
}
