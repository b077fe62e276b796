// Package bump implements a first-fit allocator over a single contiguous arena that grows and shrinks
// by moving a program break. Every block is preceded by a metadata.ChunkHeader. A block freed at the
// top of the arena is returned to the operating system by lowering the break; other free blocks are
// reused by later allocations and merged with their free neighbours when a search needs more room.
package bump

import (
	"context"
	"fmt"
	"math"
	"unsafe"

	cerrors "github.com/cockroachdb/errors"
	"github.com/dolthub/swiss"
	"github.com/launchdarkly/go-jsonstream/v3/jwriter"
	"github.com/quallocator/arsenal/internal/utils"
	"github.com/quallocator/arsenal/memutils"
	"github.com/quallocator/arsenal/memutils/metadata"
	"github.com/quallocator/arsenal/memutils/osmem"
	"golang.org/x/exp/slog"
)

type liveBlock struct {
	offset int64
	size   int
}

// Allocator hands out blocks of a single arena that starts at the break as it was on the first
// allocation. It is safe for concurrent use unless created with CreateExternallySynchronized.
type Allocator struct {
	logger *slog.Logger
	flags  CreateFlags
	mutex  utils.OptionalRWMutex

	brk     osmem.Break
	release func() error

	// arena is nil while no block exists
	arena  unsafe.Pointer
	pad    int
	anchor metadata.ListAnchor
	chunks metadata.ChunkList

	live *swiss.Map[uintptr, liveBlock]
}

// Allocate reserves size bytes aligned to memutils.DefaultAlignment
func (a *Allocator) Allocate(size int) (Allocation, error) {
	return a.AllocateAligned(size, memutils.DefaultAlignment)
}

// AllocateAligned reserves size bytes aligned to alignment, which must be a power of two no larger
// than memutils.MaxAlignment. An alignment of 0 selects memutils.DefaultAlignment.
//
// The first free block large enough is reused. If there is none, the break is raised by the block
// size plus one header and the block is appended to the arena. If the break cannot be raised, an error
// wrapping memutils.ErrOutOfMemory is returned and the allocator is left unchanged.
func (a *Allocator) AllocateAligned(size int, alignment uint) (Allocation, error) {
	if size < 0 || size > math.MaxInt-memutils.DebugMargin-metadata.HeaderSize {
		return Allocation{}, cerrors.Wrapf(memutils.ErrInvalidSize, "size is %d", size)
	}

	blockSize, err := memutils.AlignSize(size+memutils.DebugMargin, alignment)
	if err != nil {
		return Allocation{}, err
	}
	if blockSize > math.MaxInt-metadata.HeaderSize-int(memutils.DefaultAlignment) {
		return Allocation{}, cerrors.Wrapf(memutils.ErrInvalidSize, "size is %d", size)
	}

	a.mutex.Lock()
	defer a.mutex.Unlock()

	offset, found := metadata.NoLink, false
	if a.arena != nil {
		offset, found = a.chunks.FindFree(blockSize)
	}

	if !found {
		offset, err = a.grow(blockSize)
		if err != nil {
			return Allocation{}, err
		}
	}

	data := a.chunks.Data(offset)
	memutils.WriteMagicValue(data, size)
	a.live.Put(uintptr(data), liveBlock{offset: offset, size: size})
	memutils.DebugValidate(&a.chunks)

	return Allocation{
		data:   data,
		size:   size,
		offset: offset,
	}, nil
}

func (a *Allocator) grow(blockSize int) (int64, error) {
	delta := metadata.HeaderSize + blockSize

	top := a.brk.Current()
	pad := memutils.AlignUp(int(uintptr(top)), memutils.DefaultAlignment) - int(uintptr(top))

	prev, err := a.brk.Adjust(pad + delta)
	if err != nil {
		return metadata.NoLink, cerrors.Wrapf(cerrors.Mark(err, memutils.ErrOutOfMemory), "failed to grow the arena by %d bytes", pad+delta)
	}
	if prev != top {
		a.undoGrowth(pad + delta)
		return metadata.NoLink, cerrors.Wrapf(memutils.ErrCorruption, "the break moved from %p to %p while the arena was growing", top, prev)
	}

	start := unsafe.Add(prev, pad)

	if a.arena == nil {
		a.arena = start
		a.pad = pad
		a.anchor.Reset()
		a.chunks = metadata.NewChunkList(start, delta, &a.anchor, a.flags&CreateDisableCoalescing == 0)
		a.chunks.Append(0, blockSize)

		a.logger.LogAttrs(context.Background(), slog.LevelDebug, "arena created",
			slog.String("base", fmt.Sprintf("%p", start)),
			slog.Int("bytes", delta),
		)
		return 0, nil
	}

	if uintptr(start) < uintptr(a.arena) {
		a.undoGrowth(pad + delta)
		return metadata.NoLink, cerrors.Wrapf(memutils.ErrCorruption, "the break at %p is below the arena at %p", start, a.arena)
	}

	offset := int64(uintptr(start) - uintptr(a.arena))
	if end := a.chunks.TailEnd(); end != metadata.NoLink && offset < end {
		a.undoGrowth(pad + delta)
		return metadata.NoLink, cerrors.Wrapf(memutils.ErrCorruption, "the break at %p is below the end of the arena's last block at offset %d", start, end)
	}
	a.chunks.SetLimit(int(offset) + delta)
	a.chunks.Append(offset, blockSize)

	a.logger.LogAttrs(context.Background(), slog.LevelDebug, "arena grown",
		slog.Int64("offset", offset),
		slog.Int("bytes", delta),
	)
	return offset, nil
}

// undoGrowth lowers the break again after a growth that could not be recorded in the arena
func (a *Allocator) undoGrowth(bytes int) {
	_, err := a.brk.Adjust(-bytes)
	if err != nil {
		a.logger.LogAttrs(context.Background(), slog.LevelError, "failed to return an unrecorded growth of the break",
			slog.Int("bytes", bytes),
			slog.Any("error", err),
		)
	}
}

// Deallocate frees an allocation made by this allocator. An error wrapping
// memutils.ErrUnknownAllocation is returned if the allocation is not live, including when it was
// already freed.
func (a *Allocator) Deallocate(alloc Allocation) error {
	if alloc.IsNull() {
		return cerrors.Wrap(memutils.ErrUnknownAllocation, "cannot free a null allocation")
	}

	a.mutex.Lock()
	defer a.mutex.Unlock()

	return a.free(uintptr(alloc.data), alloc.offset)
}

// Free frees the allocation whose first byte is ptr
func (a *Allocator) Free(ptr unsafe.Pointer) error {
	a.mutex.Lock()
	defer a.mutex.Unlock()

	return a.free(uintptr(ptr), metadata.NoLink)
}

func (a *Allocator) free(address uintptr, expectedOffset int64) error {
	block, ok := a.live.Get(address)
	if !ok || (expectedOffset != metadata.NoLink && expectedOffset != block.offset) {
		return cerrors.Wrapf(memutils.ErrUnknownAllocation, "no live allocation at %#x", address)
	}

	if !memutils.ValidateMagicValue(a.chunks.Data(block.offset), block.size) {
		return cerrors.Wrapf(memutils.ErrCorruption, "the bytes following the allocation at %#x were overwritten", address)
	}

	err := a.chunks.Release(block.offset)
	if err != nil {
		return err
	}
	a.live.Delete(address)

	a.trimTail(block.offset)
	if a.arena != nil {
		memutils.DebugValidate(&a.chunks)
	}
	return nil
}

// trimTail returns free blocks at the top of the arena to the operating system. The block that was
// just freed is always eligible; further blocks only with CreateReleaseTrailingFree. Nothing is
// returned unless the tail ends exactly at the break, so memory above the arena is never released.
func (a *Allocator) trimTail(freed int64) {
	for a.arena != nil && a.chunks.TailIsFree() {
		tail := a.chunks.Tail()
		if tail != freed && a.flags&CreateReleaseTrailingFree == 0 {
			return
		}

		end := a.chunks.End(tail)
		if uintptr(a.brk.Current()) != uintptr(a.arena)+uintptr(end) {
			a.logger.LogAttrs(context.Background(), slog.LevelDebug, "the break is no longer at the end of the arena, keeping the free tail",
				slog.Int64("offset", tail),
			)
			return
		}

		offset, size := a.chunks.PopTail()
		delta := metadata.HeaderSize + size
		if a.chunks.IsEmpty() {
			delta += a.pad
		}

		_, err := a.brk.Adjust(-delta)
		if err != nil {
			a.chunks.Unpop(offset, size)
			a.logger.LogAttrs(context.Background(), slog.LevelError, "failed to shrink the arena",
				slog.Int("bytes", delta),
				slog.Any("error", err),
			)
			return
		}

		if a.chunks.IsEmpty() {
			a.logger.LogAttrs(context.Background(), slog.LevelDebug, "arena released",
				slog.String("base", fmt.Sprintf("%p", a.arena)),
			)
			a.arena = nil
			a.pad = 0
			a.chunks = metadata.ChunkList{}
			return
		}

		a.chunks.SetLimit(int(offset))
		a.logger.LogAttrs(context.Background(), slog.LevelDebug, "arena shrunk",
			slog.Int64("offset", offset),
			slog.Int("bytes", delta),
		)
	}
}

// Break returns the current position of the break the arena grows through
func (a *Allocator) Break() unsafe.Pointer {
	return a.brk.Current()
}

// Base returns the first byte of the arena, or nil while the arena holds no block
func (a *Allocator) Base() unsafe.Pointer {
	a.mutex.RLock()
	defer a.mutex.RUnlock()

	return a.arena
}

// Validate performs consistency checks on the arena and on the record of live allocations
func (a *Allocator) Validate() error {
	a.mutex.RLock()
	defer a.mutex.RUnlock()

	if a.arena == nil {
		if !a.anchor.IsEmpty() {
			return cerrors.New("the arena is released, but its block list is not empty")
		}
		if a.live.Count() > 0 {
			return cerrors.Newf("the arena is released, but %d allocations are live", a.live.Count())
		}
		return nil
	}

	err := a.chunks.Validate()
	if err != nil {
		return err
	}

	if a.chunks.IsEmpty() {
		return cerrors.New("the arena exists, but holds no block")
	}
	if a.chunks.Head() != 0 {
		return cerrors.Newf("the first block is at offset %d instead of the base of the arena", a.chunks.Head())
	}

	taken := a.chunks.Count() - a.chunks.FreeCount()
	if taken != a.live.Count() {
		return cerrors.Newf("the arena holds %d taken blocks, but %d allocations are live", taken, a.live.Count())
	}

	a.live.Iter(func(address uintptr, block liveBlock) (stop bool) {
		header, lookupErr := a.chunks.Lookup(block.offset)
		switch {
		case lookupErr != nil:
			err = lookupErr
		case header.IsFree():
			err = cerrors.Newf("the allocation at %#x refers to the free block at offset %d", address, block.offset)
		case uintptr(a.chunks.Data(block.offset)) != address:
			err = cerrors.Newf("the allocation at %#x refers to the block at offset %d, whose data is elsewhere", address, block.offset)
		case int64(block.size) > header.Size:
			err = cerrors.Newf("the allocation at %#x is %d bytes, but its block only holds %d", address, block.size, header.Size)
		}
		return err != nil
	})

	return err
}

// AddStatistics counts the arena as one block and sums its allocations into stats
func (a *Allocator) AddStatistics(stats *memutils.Statistics) {
	a.mutex.RLock()
	defer a.mutex.RUnlock()

	if a.arena != nil {
		a.chunks.AddStatistics(stats)
	}
}

// AddDetailedStatistics counts the arena as one block and sums its allocations and free blocks into
// stats
func (a *Allocator) AddDetailedStatistics(stats *memutils.DetailedStatistics) {
	a.mutex.RLock()
	defer a.mutex.RUnlock()

	if a.arena != nil {
		a.chunks.AddDetailedStatistics(stats, 0)
	}
}

// PrintDetailedMap writes a json object describing the break and every block of the arena
func (a *Allocator) PrintDetailedMap(writer *jwriter.Writer) {
	a.mutex.RLock()
	defer a.mutex.RUnlock()

	objState := writer.Object()
	defer objState.End()

	objState.Name("Flags").String(a.flags.String())
	objState.Name("Break").String(fmt.Sprintf("%p", a.brk.Current()))

	if a.arena == nil {
		objState.Name("Arena").Null()
		return
	}

	arenaObj := objState.Name("Arena").Object()
	arenaObj.Name("Base").String(fmt.Sprintf("%p", a.arena))
	a.chunks.PrintDetailedMap(&arenaObj)
	arenaObj.End()
}

// BuildStatsString returns a json document with the allocator's detailed statistics and, when
// detailedMap is true, its detailed map
func (a *Allocator) BuildStatsString(detailedMap bool) string {
	var stats memutils.DetailedStatistics
	stats.Clear()
	a.AddDetailedStatistics(&stats)

	writer := jwriter.NewWriter()
	objState := writer.Object()

	totalObj := objState.Name("Total").Object()
	stats.PrintJson(&totalObj)
	totalObj.End()

	if detailedMap {
		a.PrintDetailedMap(objState.Name("DetailedMap"))
	}

	objState.End()
	return string(writer.Bytes())
}

// Destroy returns the arena to the operating system and releases the break if the allocator reserved
// it. It fails, logging every allocation, while allocations are still live. The allocator must not be
// used afterwards.
func (a *Allocator) Destroy() error {
	a.mutex.Lock()
	defer a.mutex.Unlock()

	if a.live.Count() > 0 {
		a.live.Iter(func(address uintptr, block liveBlock) (stop bool) {
			a.logger.LogAttrs(context.Background(), slog.LevelError, "[UNRELEASED MEMORY] unfreed allocation",
				slog.String("address", fmt.Sprintf("%#x", address)),
				slog.Int64("offset", block.offset),
				slog.Int("size", block.size),
			)
			return false
		})

		return cerrors.Newf("%d allocations were not freed before the destruction of this allocator", a.live.Count())
	}

	if a.arena != nil {
		size := a.chunks.Limit()
		if uintptr(a.brk.Current()) != uintptr(a.arena)+uintptr(size) {
			a.logger.LogAttrs(context.Background(), slog.LevelDebug, "the break is no longer at the end of the arena, leaving it in place",
				slog.String("base", fmt.Sprintf("%p", a.arena)),
			)
		} else {
			_, err := a.brk.Adjust(-(size + a.pad))
			if err != nil {
				return cerrors.Wrapf(err, "failed to return the %d bytes of the arena", size+a.pad)
			}
		}

		a.arena = nil
		a.pad = 0
		a.anchor.Reset()
		a.chunks = metadata.ChunkList{}
	}

	if a.release != nil {
		release := a.release
		a.release = nil
		return release()
	}

	return nil
}
