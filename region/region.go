package region

import (
	"fmt"
	"unsafe"

	cerrors "github.com/cockroachdb/errors"
	"github.com/quallocator/arsenal/memutils"
	"github.com/quallocator/arsenal/memutils/metadata"
)

// noRegion terminates the region list. Region ids start at 1.
const noRegion uint64 = 0

const regionMagic uint64 = 0x5155414c52474e31

// regionHeader sits at the start of every mapping. Its neighbours are named by id rather than
// address: the mapping that holds a region is looked up in the allocator's registry.
type regionHeader struct {
	Sections  metadata.ListAnchor
	Capacity  int64
	Available int64
	ID        uint64
	Next      uint64
	Prev      uint64
	Magic     uint64
}

// regionHeaderSize is the offset of the first section of a region. It is a multiple of
// memutils.DefaultAlignment.
const regionHeaderSize = int(unsafe.Sizeof(regionHeader{}))

// region is a view over one mapping
type region struct {
	mapping  []byte
	header   *regionHeader
	sections metadata.ChunkList
}

func (a *Allocator) viewRegion(mapping []byte) region {
	header := (*regionHeader)(unsafe.Pointer(&mapping[0]))
	return region{
		mapping:  mapping,
		header:   header,
		sections: metadata.NewChunkList(unsafe.Pointer(&mapping[0]), len(mapping), &header.Sections, a.flags&CreateDisableCoalescing == 0),
	}
}

// region returns the region registered under id. It panics if the id is unknown or its header was
// overwritten, since ids are only ever written by the allocator.
func (a *Allocator) region(id uint64) region {
	mapping, ok := a.regions.Get(id)
	if !ok {
		panic(fmt.Sprintf("region %d is linked but not registered", id))
	}

	r := a.viewRegion(mapping)
	if r.header.Magic != regionMagic || r.header.ID != id {
		panic(fmt.Sprintf("the header of region %d at %p was overwritten", id, unsafe.Pointer(&mapping[0])))
	}
	return r
}

func (r region) base() unsafe.Pointer {
	return unsafe.Pointer(&r.mapping[0])
}

// place puts a section of blockSize usable bytes in the region: the first free section that is large
// enough, merging free neighbours if coalescing is enabled, or else a new section after the last one.
// It returns false if neither is possible.
func (r region) place(blockSize int) (int64, bool) {
	need := int64(metadata.HeaderSize + blockSize)
	if r.header.Available < need {
		return metadata.NoLink, false
	}

	offset, found := r.sections.FindFree(blockSize)
	if found {
		r.header.Available -= int64(metadata.HeaderSize) + r.sections.Header(offset).Size
		return offset, true
	}

	end := r.sections.TailEnd()
	if end == metadata.NoLink {
		end = int64(regionHeaderSize)
	}
	if end+need > int64(len(r.mapping)) {
		return metadata.NoLink, false
	}

	r.sections.Append(end, blockSize)
	r.header.Available -= need
	return end, true
}

// release frees the section at offset and gives trailing free sections back to the room at the end of
// the region
func (r region) release(offset int64) error {
	size := r.sections.Header(offset).Size

	err := r.sections.Release(offset)
	if err != nil {
		return err
	}
	r.header.Available += int64(metadata.HeaderSize) + size

	for r.sections.TailIsFree() {
		r.sections.PopTail()
	}
	return nil
}

func (r region) validate(id uint64) error {
	if r.header.Magic != regionMagic || r.header.ID != id {
		return cerrors.Wrapf(memutils.ErrCorruption, "the header of region %d was overwritten", id)
	}
	if r.header.Capacity != int64(len(r.mapping)-regionHeaderSize) {
		return cerrors.Newf("region %d has a capacity of %d bytes, but its mapping holds %d", id, r.header.Capacity, len(r.mapping)-regionHeaderSize)
	}

	err := r.sections.Validate()
	if err != nil {
		return cerrors.Wrapf(err, "region %d", id)
	}

	err = r.sections.CheckContiguous(int64(regionHeaderSize))
	if err != nil {
		return cerrors.Wrapf(err, "region %d", id)
	}

	used := int64(r.sections.LiveBytes())
	if r.header.Available != r.header.Capacity-used {
		return cerrors.Newf("region %d has %d bytes available, but %d of its %d bytes are used", id, r.header.Available, used, r.header.Capacity)
	}

	return nil
}
