package bump_test

import (
	"math/rand"
	"sync"
	"testing"
	"unsafe"

	"github.com/cockroachdb/errors"
	"github.com/quallocator/arsenal/bump"
	"github.com/quallocator/arsenal/memutils"
	"github.com/quallocator/arsenal/memutils/metadata"
	"github.com/quallocator/arsenal/memutils/osmem"
	"github.com/quallocator/arsenal/memutils/osmem/mocks"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/mock/gomock"
)

func TestAllocateBreakRefused(t *testing.T) {
	ctrl := gomock.NewController(t)
	brk := mocks.NewMockBreak(ctrl)

	backing := make([]uint64, 4)
	top := unsafe.Pointer(&backing[0])
	refused := errors.New("refused")

	brk.EXPECT().Current().Return(top)
	brk.EXPECT().Adjust(metadata.HeaderSize + blockSize(64)).Return(unsafe.Pointer(nil), refused)

	allocator, err := bump.New(nil, bump.CreateOptions{Break: brk})
	require.NoError(t, err)

	_, err = allocator.Allocate(64)
	require.True(t, errors.Is(err, memutils.ErrOutOfMemory))
	require.True(t, errors.Is(err, refused))
	require.Nil(t, allocator.Base())
	require.NoError(t, allocator.Validate())

	var stats memutils.Statistics
	allocator.AddStatistics(&stats)
	require.Zero(t, stats.BlockCount)
}

func TestAllocateBreakMovedDuringGrowth(t *testing.T) {
	ctrl := gomock.NewController(t)
	brk := mocks.NewMockBreak(ctrl)

	backing := make([]uint64, 64)
	top := unsafe.Pointer(&backing[0])
	moved := unsafe.Add(top, 16)
	delta := metadata.HeaderSize + blockSize(64)

	gomock.InOrder(
		brk.EXPECT().Current().Return(top),
		brk.EXPECT().Adjust(delta).Return(moved, nil),
		brk.EXPECT().Adjust(-delta).Return(unsafe.Add(moved, delta), nil),
	)

	allocator, err := bump.New(nil, bump.CreateOptions{Break: brk})
	require.NoError(t, err)

	_, err = allocator.Allocate(64)
	require.True(t, errors.Is(err, memutils.ErrCorruption))
	require.Nil(t, allocator.Base())
	require.NoError(t, allocator.Validate())
}

func TestAllocateBreakLoweredBelowArena(t *testing.T) {
	allocator, brk := newTestAllocator(t, 0)
	base := brk.Base()

	a, err := allocator.Allocate(64)
	require.NoError(t, err)
	b, err := allocator.Allocate(64)
	require.NoError(t, err)
	afterA := metadata.HeaderSize + blockSize(64)

	// Someone else takes the bytes of the last block away
	_, err = brk.Adjust(-(metadata.HeaderSize + blockSize(64)))
	require.NoError(t, err)

	_, err = allocator.Allocate(256)
	require.True(t, errors.Is(err, memutils.ErrCorruption))
	require.Equal(t, afterA, offsetOf(base, allocator.Break()))
	require.NoError(t, allocator.Validate())

	_, err = brk.Adjust(metadata.HeaderSize + blockSize(64))
	require.NoError(t, err)
	require.NoError(t, allocator.Deallocate(b))
	require.NoError(t, allocator.Deallocate(a))
	require.Equal(t, base, allocator.Break())
	require.NoError(t, allocator.Destroy())
}

func TestFreeBreakShrinkRefused(t *testing.T) {
	ctrl := gomock.NewController(t)
	brk := mocks.NewMockBreak(ctrl)
	backing := osmem.NewSliceBreak(4096)

	brk.EXPECT().Current().DoAndReturn(backing.Current).AnyTimes()
	brk.EXPECT().Adjust(gomock.Any()).DoAndReturn(func(delta int) (unsafe.Pointer, error) {
		if delta < 0 {
			return nil, osmem.ErrBreakUnderflow
		}
		return backing.Adjust(delta)
	}).AnyTimes()

	allocator, err := bump.New(nil, bump.CreateOptions{Break: brk})
	require.NoError(t, err)

	a, err := allocator.Allocate(64)
	require.NoError(t, err)
	top := allocator.Break()

	// The tail stays in the arena as a free block
	require.NoError(t, allocator.Deallocate(a))
	require.Equal(t, top, allocator.Break())
	require.Equal(t, backing.Base(), allocator.Base())
	require.NoError(t, allocator.Validate())

	var stats memutils.DetailedStatistics
	stats.Clear()
	allocator.AddDetailedStatistics(&stats)
	require.Equal(t, 1, stats.BlockCount)
	require.Zero(t, stats.AllocationCount)
	require.Equal(t, 1, stats.UnusedRangeCount)

	b, err := allocator.Allocate(64)
	require.NoError(t, err)
	require.Equal(t, a.Pointer(), b.Pointer())
	require.Equal(t, top, allocator.Break())
	require.NoError(t, allocator.Deallocate(b))
}

func TestFreeTailBelowForeignBreak(t *testing.T) {
	allocator, brk := newTestAllocator(t, 0)

	a, err := allocator.Allocate(64)
	require.NoError(t, err)

	// Someone else raises the break above the arena
	_, err = brk.Adjust(128)
	require.NoError(t, err)
	top := allocator.Break()

	require.NoError(t, allocator.Deallocate(a))
	require.Equal(t, top, allocator.Break())
	require.NotNil(t, allocator.Base())
	require.NoError(t, allocator.Validate())

	// The next block goes above the foreign bytes
	b, err := allocator.Allocate(256)
	require.NoError(t, err)
	require.Equal(t, uintptr(top)+uintptr(metadata.HeaderSize), uintptr(b.Pointer()))
	require.NoError(t, allocator.Validate())
	require.NoError(t, allocator.Deallocate(b))
	require.Equal(t, top, allocator.Break())
}

func TestConcurrentAllocateFree(t *testing.T) {
	allocator, err := bump.New(nil, bump.CreateOptions{
		Break: osmem.NewSliceBreak(1 << 22),
	})
	require.NoError(t, err)

	const workers = 8
	const rounds = 200

	var wg sync.WaitGroup
	for worker := 0; worker < workers; worker++ {
		wg.Add(1)
		go func(seed int64) {
			defer wg.Done()

			random := rand.New(rand.NewSource(seed))
			var held []bump.Allocation

			for round := 0; round < rounds; round++ {
				if len(held) > 0 && random.Intn(3) == 0 {
					index := random.Intn(len(held))
					alloc := held[index]
					held[index] = held[len(held)-1]
					held = held[:len(held)-1]

					for _, b := range alloc.Bytes() {
						if !assert.Equal(t, byte(seed), b) {
							break
						}
					}
					assert.NoError(t, allocator.Deallocate(alloc))
					continue
				}

				alloc, err := allocator.Allocate(1 + random.Intn(512))
				if !assert.NoError(t, err) {
					return
				}

				data := alloc.Bytes()
				for i := range data {
					data[i] = byte(seed)
				}
				held = append(held, alloc)
			}

			for _, alloc := range held {
				assert.NoError(t, allocator.Deallocate(alloc))
			}
		}(int64(worker + 1))
	}
	wg.Wait()

	require.NoError(t, allocator.Validate())

	var stats memutils.Statistics
	allocator.AddStatistics(&stats)
	require.Zero(t, stats.AllocationCount)
	require.NoError(t, allocator.Destroy())
	require.Nil(t, allocator.Base())
}
