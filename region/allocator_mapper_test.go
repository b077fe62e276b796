package region_test

import (
	"math/rand"
	"sync"
	"testing"
	"unsafe"

	"github.com/cockroachdb/errors"
	"github.com/quallocator/arsenal/memutils"
	"github.com/quallocator/arsenal/memutils/metadata"
	"github.com/quallocator/arsenal/memutils/osmem/mocks"
	"github.com/quallocator/arsenal/region"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/mock/gomock"
)

func alignedBytes(size int) []byte {
	words := make([]uint64, (size+7)/8)
	return unsafe.Slice((*byte)(unsafe.Pointer(&words[0])), size)
}

func TestAllocateRollsBackRegionThatCannotHoldSection(t *testing.T) {
	ctrl := gomock.NewController(t)
	mapper := mocks.NewMockMapper(ctrl)
	mapper.EXPECT().PageSize().Return(testPageSize).AnyTimes()

	// Room for the region header but not for the section
	short := alignedBytes(region.RegionHeaderSize + metadata.HeaderSize)
	mapper.EXPECT().Map(testPageSize).Return(short, nil)
	mapper.EXPECT().Unmap(short).Return(nil)

	allocator, err := region.New(nil, region.CreateOptions{Mapper: mapper})
	require.NoError(t, err)

	_, err = allocator.Allocate(64)
	require.True(t, errors.Is(err, memutils.ErrOutOfMemory))
	require.Zero(t, allocator.RegionCount())
	require.NoError(t, allocator.Validate())

	var stats memutils.Statistics
	allocator.AddStatistics(&stats)
	require.Zero(t, stats.BlockCount)
}

func TestAllocateRollsBackTruncatedMapping(t *testing.T) {
	ctrl := gomock.NewController(t)
	mapper := mocks.NewMockMapper(ctrl)
	mapper.EXPECT().PageSize().Return(testPageSize).AnyTimes()

	truncated := alignedBytes(16)
	mapper.EXPECT().Map(gomock.Any()).Return(truncated, nil)
	mapper.EXPECT().Unmap(truncated).Return(errors.New("unmap refused"))

	allocator, err := region.New(nil, region.CreateOptions{Mapper: mapper})
	require.NoError(t, err)

	_, err = allocator.Allocate(64)
	require.True(t, errors.Is(err, memutils.ErrOutOfMemory))
	require.Zero(t, allocator.RegionCount())
	require.NoError(t, allocator.Validate())
}

func TestAllocateRollbackKeepsExistingRegions(t *testing.T) {
	ctrl := gomock.NewController(t)
	mapper := mocks.NewMockMapper(ctrl)
	mapper.EXPECT().PageSize().Return(testPageSize).AnyTimes()

	first := alignedBytes(testPageSize)
	short := alignedBytes(region.RegionHeaderSize)
	gomock.InOrder(
		mapper.EXPECT().Map(testPageSize).Return(first, nil),
		mapper.EXPECT().Map(2*testPageSize).Return(short, nil),
		mapper.EXPECT().Unmap(short).Return(nil),
		mapper.EXPECT().Unmap(first).Return(nil),
	)

	allocator, err := region.New(nil, region.CreateOptions{Mapper: mapper})
	require.NoError(t, err)

	a, err := allocator.Allocate(64)
	require.NoError(t, err)

	// Larger than the available room of the first region
	_, err = allocator.Allocate(testPageSize)
	require.True(t, errors.Is(err, memutils.ErrOutOfMemory))
	require.Equal(t, 1, allocator.RegionCount())
	require.NoError(t, allocator.Validate())

	require.NoError(t, allocator.Deallocate(a))
	require.Zero(t, allocator.RegionCount())
}

func TestFreeKeepsRegionWhenUnmapFails(t *testing.T) {
	ctrl := gomock.NewController(t)
	mapper := mocks.NewMockMapper(ctrl)
	mapper.EXPECT().PageSize().Return(testPageSize).AnyTimes()

	mapping := alignedBytes(testPageSize)
	mapper.EXPECT().Map(testPageSize).Return(mapping, nil)
	gomock.InOrder(
		mapper.EXPECT().Unmap(mapping).Return(errors.New("unmap refused")),
		mapper.EXPECT().Unmap(mapping).Return(nil),
	)

	allocator, err := region.New(nil, region.CreateOptions{Mapper: mapper})
	require.NoError(t, err)

	a, err := allocator.Allocate(64)
	require.NoError(t, err)

	require.NoError(t, allocator.Deallocate(a))
	require.Equal(t, 1, allocator.RegionCount())
	require.NoError(t, allocator.Validate())

	// The region is still linked and serves the next request
	b, err := allocator.Allocate(64)
	require.NoError(t, err)
	require.Equal(t, a.Pointer(), b.Pointer())

	require.NoError(t, allocator.Deallocate(b))
	require.Zero(t, allocator.RegionCount())
}

func TestConcurrentAllocateFree(t *testing.T) {
	allocator, mapper := newTestAllocator(t, 0)

	const workers = 8
	const rounds = 300

	var wg sync.WaitGroup
	for worker := 0; worker < workers; worker++ {
		wg.Add(1)
		go func(seed int64) {
			defer wg.Done()

			random := rand.New(rand.NewSource(seed))
			var held []region.Allocation

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

				size := 1 + random.Intn(256)
				if random.Intn(20) == 0 {
					size = testPageSize + random.Intn(testPageSize)
				}

				alloc, err := allocator.Allocate(size)
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
	require.Zero(t, allocator.RegionCount())
	require.Zero(t, mapper.Live())
	require.NoError(t, allocator.Destroy())
}
