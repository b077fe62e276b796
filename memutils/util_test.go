package memutils_test

import (
	"testing"

	"github.com/cockroachdb/errors"
	"github.com/quallocator/arsenal/memutils"
	"github.com/stretchr/testify/require"
)

func TestAlignUp(t *testing.T) {
	require.Equal(t, 0, memutils.AlignUp(0, 8))
	require.Equal(t, 8, memutils.AlignUp(1, 8))
	require.Equal(t, 16, memutils.AlignUp(13, 8))
	require.Equal(t, 56, memutils.AlignUp(52, 8))
	require.Equal(t, 64, memutils.AlignUp(64, 8))
	require.Equal(t, 17, memutils.AlignUp(17, 1))
	require.Equal(t, 4096, memutils.AlignUp(33, 4096))
}

func TestAlignUpIdempotent(t *testing.T) {
	for _, alignment := range []uint{1, 2, 4, 8, 16, 4096} {
		for size := 0; size < 5000; size++ {
			aligned := memutils.AlignUp(size, alignment)
			require.GreaterOrEqual(t, aligned, size)
			require.Less(t, aligned-size, int(alignment))
			require.Zero(t, aligned%int(alignment))
			require.Equal(t, aligned, memutils.AlignUp(aligned, alignment))
		}
	}
}

func TestAlignOf(t *testing.T) {
	require.Equal(t, uint(1), memutils.AlignOf[byte]())
	require.Equal(t, uint(4), memutils.AlignOf[rune]())
	require.Equal(t, uint(8), memutils.AlignOf[uint64]())
	require.Equal(t, uint(8), memutils.AlignOf[struct {
		a byte
		b int64
	}]())
}

func TestAlignSize(t *testing.T) {
	size, err := memutils.AlignSize(52, 0)
	require.NoError(t, err)
	require.Equal(t, 56, size)

	// Small alignments are raised to the default so headers stay aligned
	size, err = memutils.AlignSize(13, memutils.AlignOf[byte]())
	require.NoError(t, err)
	require.Equal(t, 16, size)

	size, err = memutils.AlignSize(0, 4)
	require.NoError(t, err)
	require.Equal(t, 0, size)

	_, err = memutils.AlignSize(-1, 0)
	require.True(t, errors.Is(err, memutils.ErrInvalidSize))

	_, err = memutils.AlignSize(8, 3)
	require.True(t, errors.Is(err, memutils.ErrInvalidAlignment))

	_, err = memutils.AlignSize(8, 16)
	require.True(t, errors.Is(err, memutils.ErrInvalidAlignment))
}

func TestCheckPow2(t *testing.T) {
	require.NoError(t, memutils.CheckPow2(1, "value"))
	require.NoError(t, memutils.CheckPow2(uint(4096), "value"))

	err := memutils.CheckPow2(12, "value")
	require.Error(t, err)
	require.True(t, errors.Is(err, memutils.PowerOfTwoError))
	require.Contains(t, err.Error(), "value is 12")

	require.Error(t, memutils.CheckPow2(0, "value"))
}
