// Package appstate implements app-state mutation-patch integrity: an
// LTHash homomorphic accumulator per collection, HMAC-verified mutations
// and patches, and a dead-letter queue for patches that arrive before the
// app-state key they're encrypted under (SPEC_FULL.md §4.5, §4.5.1).
package appstate

// PointSize is the width, in bytes, of an LTHash "point" — a 32-byte MAC
// mapped onto 64 unsigned 16-bit limbs that the accumulator adds
// componentwise modulo 2^16.
const PointSize = 128

// LTHashState is the running homomorphic accumulator for one app-state
// collection (e.g. "regular_high"): a 128-byte point that additions and
// removals update in place, plus the patch version it currently reflects.
type LTHashState struct {
	Hash    [PointSize]byte
	Version uint64
}

// macToPoint maps a 32-byte MAC onto a 128-byte point by repeating it across
// the point's width — the subset-sum representation spec.md §4.5 describes,
// with each of the point's 64 uint16 limbs sourced from the MAC's 32 bytes
// taken two at a time, wrapping.
func macToPoint(mac []byte) [PointSize]byte {
	var point [PointSize]byte
	for i := 0; i < PointSize; i++ {
		point[i] = mac[i%len(mac)]
	}
	return point
}

// addPoint adds b into a componentwise, as unsigned 16-bit limbs modulo
// 2^16 (i.e. ordinary byte-pair addition with wraparound carry confined to
// each 2-byte limb).
func addPoint(a *[PointSize]byte, b [PointSize]byte) {
	for i := 0; i < PointSize; i += 2 {
		sum := uint16(a[i]) | uint16(a[i+1])<<8
		sum += uint16(b[i]) | uint16(b[i+1])<<8
		a[i] = byte(sum)
		a[i+1] = byte(sum >> 8)
	}
}

// subPoint subtracts b from a componentwise modulo 2^16 — the LTHash
// accumulator is a group under limb-wise addition, so removing a mutation's
// old value MAC from the hash is the inverse operation: the same limb
// arithmetic with two's-complement subtraction.
func subPoint(a *[PointSize]byte, b [PointSize]byte) {
	for i := 0; i < PointSize; i += 2 {
		diff := uint16(a[i]) | uint16(a[i+1])<<8
		diff -= uint16(b[i]) | uint16(b[i+1])<<8
		a[i] = byte(diff)
		a[i+1] = byte(diff >> 8)
	}
}

// Add folds a value MAC into the accumulator (a SET mutation with no prior
// value at this index, or the "new" half of a replace).
func (s *LTHashState) Add(valueMAC []byte) {
	addPoint(&s.Hash, macToPoint(valueMAC))
}

// Remove folds a value MAC out of the accumulator (a REMOVE mutation, or
// the "old" half of a replace).
func (s *LTHashState) Remove(valueMAC []byte) {
	subPoint(&s.Hash, macToPoint(valueMAC))
}

// Clone returns a deep copy, used to stage mutations so a patch can be
// rolled back in full on verify failure (SPEC_FULL.md §4.5 "partial patch
// application is forbidden").
func (s *LTHashState) Clone() *LTHashState {
	clone := *s
	return &clone
}
