// Package base36 renders binary digests as base36 strings for use as
// content-addressed filename stems.
package base36

import "math/big"

// Encode converts the digest to its base36 representation, lowercase digits
// 0-9a-z. The digest is interpreted as a big-endian unsigned integer, so
// leading zero bytes do not lengthen the result; that is fine for filename
// stems because decoding is never required.
func Encode(digest []byte) string {
	var n big.Int
	n.SetBytes(digest)
	return n.Text(36)
}
