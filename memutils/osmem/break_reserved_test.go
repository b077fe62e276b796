//go:build linux || darwin

package osmem_test

import (
	"testing"
	"unsafe"

	"github.com/cockroachdb/errors"
	"github.com/quallocator/arsenal/memutils/osmem"
	"github.com/stretchr/testify/require"
)

func TestReservedBreakCommitsPages(t *testing.T) {
	pageSize := osmem.PageSize()

	brk, err := osmem.NewReservedBreak(4*pageSize + 1)
	require.NoError(t, err)
	defer func() { require.NoError(t, brk.Release()) }()

	require.Equal(t, 5*pageSize, brk.Capacity())
	require.Zero(t, brk.Committed())

	base := brk.Current()
	require.Equal(t, brk.Base(), base)

	prev, err := brk.Adjust(100)
	require.NoError(t, err)
	require.Equal(t, 0, offsetOf(base, prev))
	require.Equal(t, pageSize, brk.Committed())

	data := unsafe.Slice((*byte)(base), 100)
	for i := range data {
		data[i] = byte(i)
	}

	prev, err = brk.Adjust(pageSize)
	require.NoError(t, err)
	require.Equal(t, 100, offsetOf(base, prev))
	require.Equal(t, 2*pageSize, brk.Committed())
	require.Equal(t, byte(99), data[99])

	// Falling back into the first page releases the second one
	_, err = brk.Adjust(-pageSize)
	require.NoError(t, err)
	require.Equal(t, 100, offsetOf(base, brk.Current()))
	require.Equal(t, pageSize, brk.Committed())
	require.Equal(t, byte(42), data[42])

	_, err = brk.Adjust(-100)
	require.NoError(t, err)
	require.Equal(t, 0, offsetOf(base, brk.Current()))
	require.Zero(t, brk.Committed())
}

func TestReservedBreakLimits(t *testing.T) {
	pageSize := osmem.PageSize()

	brk, err := osmem.NewReservedBreak(pageSize)
	require.NoError(t, err)

	_, err = brk.Adjust(pageSize + 1)
	require.True(t, errors.Is(err, osmem.ErrBreakExhausted))
	require.Zero(t, brk.Committed())

	_, err = brk.Adjust(-1)
	require.True(t, errors.Is(err, osmem.ErrBreakUnderflow))

	_, err = brk.Adjust(pageSize)
	require.NoError(t, err)

	require.NoError(t, brk.Release())
	require.NoError(t, brk.Release())
	require.Nil(t, brk.Base())
	require.Nil(t, brk.Current())

	_, err = brk.Adjust(8)
	require.True(t, errors.Is(err, osmem.ErrBreakExhausted))
}

func TestNewSystemBreak(t *testing.T) {
	brk, err := osmem.NewSystemBreak(1 << 20)
	require.NoError(t, err)

	reserved, ok := brk.(*osmem.ReservedBreak)
	require.True(t, ok)
	require.Equal(t, 1<<20, reserved.Capacity())
	require.NoError(t, reserved.Release())

	_, err = osmem.NewSystemBreak(-1)
	require.Error(t, err)
}
