// Package region implements an allocator that maps independent page-aligned regions from the
// operating system and carves each one into sections. Regions form a doubly-linked list searched
// first-fit; each region keeps its own list of sections, every section preceded by a
// metadata.ChunkHeader. A region whose sections are all freed is unmapped.
package region

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

type liveSection struct {
	region uint64
	offset int64
	size   int
}

// Allocator hands out sections of mapped regions. It is safe for concurrent use unless created with
// CreateExternallySynchronized.
type Allocator struct {
	logger        *slog.Logger
	flags         CreateFlags
	mutex         utils.OptionalRWMutex
	mapper        osmem.Mapper
	minRegionSize int

	head   uint64
	tail   uint64
	lastID uint64

	regions *swiss.Map[uint64, []byte]
	live    *swiss.Map[uintptr, liveSection]
}

// Allocate reserves size bytes aligned to memutils.DefaultAlignment
func (a *Allocator) Allocate(size int) (Allocation, error) {
	return a.AllocateAligned(size, memutils.DefaultAlignment)
}

// AllocateAligned reserves size bytes aligned to alignment, which must be a power of two no larger
// than memutils.MaxAlignment. An alignment of 0 selects memutils.DefaultAlignment.
//
// Regions are searched in the order they were mapped. A region is skipped when its available bytes
// cannot hold the section and its header, or when no free section fits and there is no room after its
// last section. When no region can hold the section, a new region is mapped. If the mapping fails, or
// the new region cannot hold the section either, an error wrapping memutils.ErrOutOfMemory is returned
// and no new region is left behind.
func (a *Allocator) AllocateAligned(size int, alignment uint) (Allocation, error) {
	if size < 0 || size > math.MaxInt-memutils.DebugMargin-metadata.HeaderSize-regionHeaderSize {
		return Allocation{}, cerrors.Wrapf(memutils.ErrInvalidSize, "size is %d", size)
	}

	blockSize, err := memutils.AlignSize(size+memutils.DebugMargin, alignment)
	if err != nil {
		return Allocation{}, err
	}
	if blockSize > math.MaxInt-metadata.HeaderSize-regionHeaderSize-a.mapper.PageSize() {
		return Allocation{}, cerrors.Wrapf(memutils.ErrInvalidSize, "size is %d", size)
	}

	a.mutex.Lock()
	defer a.mutex.Unlock()

	for id := a.head; id != noRegion; {
		r := a.region(id)
		offset, placed := r.place(blockSize)
		if placed {
			return a.commit(r, offset, size), nil
		}
		id = r.header.Next
	}

	r, err := a.mapRegion(blockSize)
	if err != nil {
		return Allocation{}, err
	}

	offset, placed := r.place(blockSize)
	if !placed {
		a.rollback(r)
		return Allocation{}, cerrors.Wrapf(memutils.ErrOutOfMemory, "a new region of %d bytes cannot hold a section of %d bytes", len(r.mapping), blockSize)
	}

	a.link(r)
	return a.commit(r, offset, size), nil
}

func (a *Allocator) commit(r region, offset int64, size int) Allocation {
	data := r.sections.Data(offset)
	memutils.WriteMagicValue(data, size)
	a.live.Put(uintptr(data), liveSection{region: r.header.ID, offset: offset, size: size})
	memutils.DebugValidate(&r.sections)

	return Allocation{
		data:   data,
		size:   size,
		region: r.header.ID,
		offset: offset,
	}
}

// mapRegion maps a region large enough for the first section and initializes its header. The region
// is not linked yet.
func (a *Allocator) mapRegion(blockSize int) (region, error) {
	regionSize := osmem.RoundUpToPage(a.mapper, regionHeaderSize+metadata.HeaderSize+blockSize)
	if regionSize < a.minRegionSize {
		regionSize = a.minRegionSize
	}

	mapping, err := a.mapper.Map(regionSize)
	if err != nil {
		return region{}, cerrors.Wrapf(cerrors.Mark(err, memutils.ErrOutOfMemory), "failed to map a region of %d bytes", regionSize)
	}

	if len(mapping) < regionHeaderSize || uintptr(unsafe.Pointer(&mapping[0]))%uintptr(memutils.DefaultAlignment) != 0 {
		a.unmap(mapping)
		return region{}, cerrors.Wrapf(memutils.ErrOutOfMemory, "the mapper returned %d bytes instead of a region of %d", len(mapping), regionSize)
	}

	a.lastID++
	r := a.viewRegion(mapping)
	*r.header = regionHeader{
		Capacity:  int64(len(mapping) - regionHeaderSize),
		Available: int64(len(mapping) - regionHeaderSize),
		ID:        a.lastID,
		Next:      noRegion,
		Prev:      noRegion,
		Magic:     regionMagic,
	}
	r.header.Sections.Reset()

	a.logger.LogAttrs(context.Background(), slog.LevelDebug, "region mapped",
		slog.Uint64("id", r.header.ID),
		slog.String("base", fmt.Sprintf("%p", r.base())),
		slog.Int("bytes", len(mapping)),
	)
	return r, nil
}

// rollback unmaps a region that was never linked
func (a *Allocator) rollback(r region) {
	a.logger.LogAttrs(context.Background(), slog.LevelDebug, "region rolled back",
		slog.Uint64("id", r.header.ID),
		slog.Int("bytes", len(r.mapping)),
	)
	r.header.Magic = 0
	a.unmap(r.mapping)
}

func (a *Allocator) unmap(mapping []byte) bool {
	err := a.mapper.Unmap(mapping)
	if err != nil {
		a.logger.LogAttrs(context.Background(), slog.LevelError, "failed to unmap a region",
			slog.Int("bytes", len(mapping)),
			slog.Any("error", err),
		)
		return false
	}
	return true
}

// link appends r to the region list and registers it
func (a *Allocator) link(r region) {
	id := r.header.ID
	r.header.Prev = a.tail

	if a.tail == noRegion {
		a.head = id
	} else {
		a.region(a.tail).header.Next = id
	}
	a.tail = id

	a.regions.Put(id, r.mapping)
}

// unlink removes r from the region list and its registry and unmaps it. If the mapping cannot be
// released the region stays linked, empty and usable.
func (a *Allocator) unlink(r region) {
	id := r.header.ID
	prev, next := r.header.Prev, r.header.Next

	r.header.Magic = 0
	if !a.unmap(r.mapping) {
		r.header.Magic = regionMagic
		return
	}

	if prev == noRegion {
		a.head = next
	} else {
		a.region(prev).header.Next = next
	}

	if next == noRegion {
		a.tail = prev
	} else {
		a.region(next).header.Prev = prev
	}

	a.regions.Delete(id)

	a.logger.LogAttrs(context.Background(), slog.LevelDebug, "region unmapped",
		slog.Uint64("id", id),
	)
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

	return a.free(uintptr(alloc.data), alloc.region, alloc.offset)
}

// Free frees the allocation whose first byte is ptr
func (a *Allocator) Free(ptr unsafe.Pointer) error {
	a.mutex.Lock()
	defer a.mutex.Unlock()

	return a.free(uintptr(ptr), noRegion, metadata.NoLink)
}

func (a *Allocator) free(address uintptr, expectedRegion uint64, expectedOffset int64) error {
	section, ok := a.live.Get(address)
	if !ok || (expectedRegion != noRegion && (expectedRegion != section.region || expectedOffset != section.offset)) {
		return cerrors.Wrapf(memutils.ErrUnknownAllocation, "no live allocation at %#x", address)
	}

	r := a.region(section.region)
	if !memutils.ValidateMagicValue(r.sections.Data(section.offset), section.size) {
		return cerrors.Wrapf(memutils.ErrCorruption, "the bytes following the allocation at %#x were overwritten", address)
	}

	err := r.release(section.offset)
	if err != nil {
		return err
	}
	a.live.Delete(address)

	if r.sections.IsEmpty() && a.flags&CreateKeepEmptyRegions == 0 {
		a.unlink(r)
		return nil
	}

	memutils.DebugValidate(&r.sections)
	return nil
}

// RegionCount returns the number of regions currently mapped
func (a *Allocator) RegionCount() int {
	a.mutex.RLock()
	defer a.mutex.RUnlock()

	return a.regions.Count()
}

// Validate performs consistency checks on the region list, every region's sections and available
// bytes, and the record of live allocations
func (a *Allocator) Validate() error {
	a.mutex.RLock()
	defer a.mutex.RUnlock()

	count := 0
	taken := 0
	prev := noRegion

	for id := a.head; id != noRegion; {
		mapping, ok := a.regions.Get(id)
		if !ok {
			return cerrors.Newf("region %d is linked but not registered", id)
		}

		r := a.viewRegion(mapping)
		err := r.validate(id)
		if err != nil {
			return err
		}

		if r.header.Prev != prev {
			return cerrors.Newf("region %d lists region %d as its previous region, but the region before it is %d", id, r.header.Prev, prev)
		}

		count++
		if count > a.regions.Count() {
			return cerrors.New("the region list has a cycle")
		}

		taken += r.sections.Count() - r.sections.FreeCount()
		prev = id
		id = r.header.Next
	}

	if prev != a.tail {
		return cerrors.Newf("the last region is %d, but the list tail is %d", prev, a.tail)
	}
	if count != a.regions.Count() {
		return cerrors.Newf("the region list holds %d regions, but %d are registered", count, a.regions.Count())
	}
	if taken != a.live.Count() {
		return cerrors.Newf("the regions hold %d taken sections, but %d allocations are live", taken, a.live.Count())
	}

	var err error
	a.live.Iter(func(address uintptr, section liveSection) (stop bool) {
		mapping, ok := a.regions.Get(section.region)
		if !ok {
			err = cerrors.Newf("the allocation at %#x refers to region %d, which is not mapped", address, section.region)
			return true
		}

		r := a.viewRegion(mapping)
		header, lookupErr := r.sections.Lookup(section.offset)
		switch {
		case lookupErr != nil:
			err = lookupErr
		case header.IsFree():
			err = cerrors.Newf("the allocation at %#x refers to a free section of region %d", address, section.region)
		case uintptr(r.sections.Data(section.offset)) != address:
			err = cerrors.Newf("the allocation at %#x refers to a section of region %d whose data is elsewhere", address, section.region)
		}
		return err != nil
	})

	return err
}

// AddStatistics counts every region as one block and sums its sections into stats
func (a *Allocator) AddStatistics(stats *memutils.Statistics) {
	a.mutex.RLock()
	defer a.mutex.RUnlock()

	for id := a.head; id != noRegion; {
		r := a.region(id)
		r.sections.AddStatistics(stats)
		stats.HeaderBytes += regionHeaderSize
		id = r.header.Next
	}
}

// AddDetailedStatistics counts every region as one block and sums its sections and free room into
// stats
func (a *Allocator) AddDetailedStatistics(stats *memutils.DetailedStatistics) {
	a.mutex.RLock()
	defer a.mutex.RUnlock()

	for id := a.head; id != noRegion; {
		r := a.region(id)
		r.sections.AddDetailedStatistics(stats, int64(regionHeaderSize))
		stats.HeaderBytes += regionHeaderSize
		id = r.header.Next
	}
}

// PrintDetailedMap writes a json object describing every region and its sections, in list order
func (a *Allocator) PrintDetailedMap(writer *jwriter.Writer) {
	a.mutex.RLock()
	defer a.mutex.RUnlock()

	objState := writer.Object()
	defer objState.End()

	objState.Name("Flags").String(a.flags.String())

	arrayState := objState.Name("Regions").Array()
	defer arrayState.End()

	for id := a.head; id != noRegion; {
		r := a.region(id)

		regionObj := arrayState.Object()
		regionObj.Name("Id").Int(int(id))
		regionObj.Name("Base").String(fmt.Sprintf("%p", r.base()))
		regionObj.Name("Available").Int(int(r.header.Available))
		r.sections.PrintDetailedMap(&regionObj)
		regionObj.End()

		id = r.header.Next
	}
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

// Destroy unmaps every region. It fails, logging every allocation, while allocations are still live.
// The allocator must not be used afterwards.
func (a *Allocator) Destroy() error {
	a.mutex.Lock()
	defer a.mutex.Unlock()

	if a.live.Count() > 0 {
		a.live.Iter(func(address uintptr, section liveSection) (stop bool) {
			a.logger.LogAttrs(context.Background(), slog.LevelError, "[UNRELEASED MEMORY] unfreed allocation",
				slog.String("address", fmt.Sprintf("%#x", address)),
				slog.Uint64("region", section.region),
				slog.Int64("offset", section.offset),
				slog.Int("size", section.size),
			)
			return false
		})

		return cerrors.Newf("%d allocations were not freed before the destruction of this allocator", a.live.Count())
	}

	var err error
	for id := a.head; id != noRegion; {
		r := a.region(id)
		a.regions.Delete(id)
		id = r.header.Next

		r.header.Magic = 0
		unmapErr := a.mapper.Unmap(r.mapping)
		if unmapErr != nil {
			err = cerrors.CombineErrors(err, unmapErr)
		}
	}

	a.head = noRegion
	a.tail = noRegion
	return err
}
