package fnv

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestFoldString_MatchesKnownVectors(t *testing.T) {
	t.Parallel()

	// Standard FNV-1a 32-bit test vectors.
	require.Equal(t, uint32(0x811c9dc5), FoldString(OffsetBasis, ""))
	require.Equal(t, uint32(0xe40c292c), FoldString(OffsetBasis, "a"))
	require.Equal(t, uint32(0xbf9cf968), FoldString(OffsetBasis, "foobar"))
}

func TestFold_OrderDependent(t *testing.T) {
	t.Parallel()

	ab := FoldString(FoldString(OffsetBasis, "a"), "b")
	ba := FoldString(FoldString(OffsetBasis, "b"), "a")
	require.NotEqual(t, ab, ba)

	// Chaining two folds equals folding the concatenation.
	require.Equal(t, FoldString(OffsetBasis, "ab"), ab)
}

func TestFoldUint64_Deterministic(t *testing.T) {
	t.Parallel()

	require.Equal(t, FoldUint64(OffsetBasis, 42), FoldUint64(OffsetBasis, 42))
	require.NotEqual(t, FoldUint64(OffsetBasis, 42), FoldUint64(OffsetBasis, 43))
}

func TestFoldBool_DistinguishesFlags(t *testing.T) {
	t.Parallel()

	require.NotEqual(t, FoldBool(OffsetBasis, true), FoldBool(OffsetBasis, false))
}
