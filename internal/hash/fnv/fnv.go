// Package fnv implements seeded 32-bit FNV-1a accumulation used for post
// fingerprints. Unlike hash/fnv in the standard library, each fold continues
// from a caller-held state so several fields can be chained in a fixed order.
package fnv

const (
	// OffsetBasis is the FNV-1a 32-bit offset basis.
	OffsetBasis uint32 = 2166136261
	prime       uint32 = 16777619
)

// FoldString folds s into the running hash.
func FoldString(h uint32, s string) uint32 {
	for i := 0; i < len(s); i++ {
		h = (h ^ uint32(s[i])) * prime
	}
	return h
}

// FoldUint64 folds the eight bytes of v, little-endian, into the running hash.
func FoldUint64(h uint32, v uint64) uint32 {
	for i := 0; i < 8; i++ {
		h = (h ^ uint32(byte(v>>(8*i)))) * prime
	}
	return h
}

// FoldBool folds a single flag byte into the running hash.
func FoldBool(h uint32, b bool) uint32 {
	var v uint32
	if b {
		v = 1
	}
	return (h ^ v) * prime
}
