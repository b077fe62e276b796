package metadata

import (
	"fmt"
	"unsafe"

	"github.com/launchdarkly/go-jsonstream/v3/jwriter"
	"github.com/pkg/errors"
	"github.com/quallocator/arsenal/memutils"
)

// ChunkList is a view over a span of raw memory holding a doubly-linked list of chunks, each preceded
// by a ChunkHeader. Offsets are relative to the base of the span and every header access is bounds
// checked against the span's limit.
//
// ChunkList does not synchronize: the allocator owning the span must hold its lock around every call.
type ChunkList struct {
	base     unsafe.Pointer
	limit    int
	anchor   *ListAnchor
	coalesce bool
}

// NewChunkList creates a view over limit bytes starting at base, with list ends stored in anchor.
// The anchor is not reset, so a view can be rebuilt over a list that already exists. When coalesce is
// true, FindFree merges adjacent free chunks on demand.
func NewChunkList(base unsafe.Pointer, limit int, anchor *ListAnchor, coalesce bool) ChunkList {
	if base == nil || anchor == nil {
		panic("attempting to create a chunk list without backing memory")
	}

	return ChunkList{
		base:     base,
		limit:    limit,
		anchor:   anchor,
		coalesce: coalesce,
	}
}

func (l *ChunkList) Base() unsafe.Pointer { return l.base }
func (l *ChunkList) Limit() int           { return l.limit }
func (l *ChunkList) Head() int64          { return l.anchor.Head }
func (l *ChunkList) Tail() int64          { return l.anchor.Tail }
func (l *ChunkList) Count() int           { return int(l.anchor.Count) }
func (l *ChunkList) FreeCount() int       { return int(l.anchor.FreeCount) }
func (l *ChunkList) IsEmpty() bool        { return l.anchor.IsEmpty() }

// SetLimit changes the number of addressable bytes. Shrinking below the end of the tail chunk panics.
func (l *ChunkList) SetLimit(limit int) {
	if tailEnd := l.TailEnd(); tailEnd != NoLink && int64(limit) < tailEnd {
		panic(fmt.Sprintf("attempting to shrink a chunk list to %d bytes, but its tail ends at %d", limit, tailEnd))
	}
	l.limit = limit
}

func (l *ChunkList) inBounds(offset int64) bool {
	return offset >= 0 &&
		offset%int64(memutils.DefaultAlignment) == 0 &&
		offset+int64(HeaderSize) <= int64(l.limit)
}

// Header returns the header at offset. It panics if the offset is outside the span or does not hold a
// live header: links are only ever written by this type, so a bad link means the memory was corrupted.
func (l *ChunkList) Header(offset int64) *ChunkHeader {
	header, err := l.Lookup(offset)
	if err != nil {
		panic(fmt.Sprintf("%+v", err))
	}
	return header
}

// Lookup returns the header at offset, or an error wrapping memutils.ErrCorruption if the offset is out
// of bounds or no live header is stored there.
func (l *ChunkList) Lookup(offset int64) (*ChunkHeader, error) {
	if !l.inBounds(offset) {
		return nil, errors.Wrapf(memutils.ErrCorruption, "chunk offset %d is outside of the %d bytes of this list", offset, l.limit)
	}

	header := (*ChunkHeader)(unsafe.Add(l.base, offset))
	if !header.valid() {
		return nil, errors.Wrapf(memutils.ErrCorruption, "no chunk header at offset %d", offset)
	}

	return header, nil
}

// Data returns the first byte after the header at offset
func (l *ChunkList) Data(offset int64) unsafe.Pointer {
	return unsafe.Add(l.base, offset+int64(HeaderSize))
}

// End returns the offset of the first byte after the chunk at offset
func (l *ChunkList) End(offset int64) int64 {
	return offset + int64(HeaderSize) + l.Header(offset).Size
}

// TailEnd returns the offset of the first byte after the tail chunk, or NoLink when the list is empty
func (l *ChunkList) TailEnd() int64 {
	if l.anchor.Tail == NoLink {
		return NoLink
	}
	return l.End(l.anchor.Tail)
}

// Append writes a new, taken chunk of size usable bytes at offset and links it as the new tail.
// The chunk must lie entirely within the span and must not overlap the current tail.
func (l *ChunkList) Append(offset int64, size int) *ChunkHeader {
	if size < 0 || size%int(memutils.DefaultAlignment) != 0 {
		panic(fmt.Sprintf("attempting to append a chunk of invalid size %d", size))
	}
	if !l.inBounds(offset) || offset+int64(HeaderSize+size) > int64(l.limit) {
		panic(fmt.Sprintf("attempting to append a chunk of %d bytes at offset %d, outside of the %d bytes of this list", size, offset, l.limit))
	}

	tail := l.anchor.Tail
	if tail != NoLink && offset < l.End(tail) {
		panic(fmt.Sprintf("attempting to append a chunk at offset %d, which overlaps the tail chunk at offset %d", offset, tail))
	}

	header := (*ChunkHeader)(unsafe.Add(l.base, offset))
	*header = ChunkHeader{
		Size:  int64(size),
		Next:  NoLink,
		Prev:  tail,
		Magic: headerMagic,
	}

	if tail == NoLink {
		l.anchor.Head = offset
	} else {
		l.Header(tail).Next = offset
	}
	l.anchor.Tail = offset
	l.anchor.Count++

	return header
}

// FindFree searches the list first-fit for a free chunk with at least size usable bytes, marks it taken
// and returns its offset. A free chunk that is too small is merged with the free chunks physically
// following it when coalescing is enabled; if the merge cannot reach size, the search resumes after the
// last chunk examined rather than from the head.
func (l *ChunkList) FindFree(size int) (int64, bool) {
	for offset := l.anchor.Head; offset != NoLink; {
		header := l.Header(offset)
		if !header.IsFree() {
			offset = header.Next
			continue
		}

		if header.Size < int64(size) {
			if !l.coalesce {
				offset = header.Next
				continue
			}

			merged, last := l.mergeAdjacentFree(offset, int64(size))
			if !merged {
				offset = l.Header(last).Next
				continue
			}
		}

		header.MarkTaken()
		l.anchor.FreeCount--
		return offset, true
	}

	return NoLink, false
}

// mergeAdjacentFree accumulates the free chunks physically adjacent to the free chunk at first until
// want bytes are reached. On success the first chunk absorbs the others, headers included. On failure
// nothing is modified and the offset of the last chunk of the adjacent free run is returned.
func (l *ChunkList) mergeAdjacentFree(first int64, want int64) (bool, int64) {
	header := l.Header(first)
	accumulated := header.Size
	last := first
	absorbed := int64(0)

	for accumulated < want {
		next := l.Header(last).Next
		if next == NoLink {
			break
		}

		nextHeader := l.Header(next)
		if !nextHeader.IsFree() || l.End(last) != next {
			break
		}

		accumulated += int64(HeaderSize) + nextHeader.Size
		last = next
		absorbed++
	}

	if accumulated < want {
		return false, last
	}

	after := l.Header(last).Next
	for offset := header.Next; offset != after; {
		absorbedHeader := l.Header(offset)
		offset = absorbedHeader.Next
		absorbedHeader.Magic = 0
	}

	header.Size = accumulated
	header.Next = after
	if after == NoLink {
		l.anchor.Tail = first
	} else {
		l.Header(after).Prev = first
	}

	l.anchor.Count -= absorbed
	l.anchor.FreeCount -= absorbed

	return true, first
}

// Release marks the taken chunk at offset free. It returns an error wrapping
// memutils.ErrUnknownAllocation if the chunk is already free, or memutils.ErrCorruption if there is
// no chunk at offset.
func (l *ChunkList) Release(offset int64) error {
	header, err := l.Lookup(offset)
	if err != nil {
		return err
	}

	if header.IsFree() {
		return errors.Wrapf(memutils.ErrUnknownAllocation, "chunk at offset %d is already free", offset)
	}

	header.MarkFree()
	l.anchor.FreeCount++
	return nil
}

// TailIsFree returns true if the list is not empty and its tail chunk is free
func (l *ChunkList) TailIsFree() bool {
	return l.anchor.Tail != NoLink && l.Header(l.anchor.Tail).IsFree()
}

// PopTail unlinks the free tail chunk and returns its offset and usable size. It panics if the list is
// empty or its tail is taken.
func (l *ChunkList) PopTail() (int64, int) {
	offset := l.anchor.Tail
	if offset == NoLink {
		panic("attempting to pop the tail of an empty chunk list")
	}

	header := l.Header(offset)
	if !header.IsFree() {
		panic(fmt.Sprintf("attempting to pop the tail chunk at offset %d, but it is not free", offset))
	}

	if header.Prev == NoLink {
		l.anchor.Head = NoLink
	} else {
		l.Header(header.Prev).Next = NoLink
	}
	l.anchor.Tail = header.Prev
	l.anchor.Count--
	l.anchor.FreeCount--
	header.Magic = 0

	return offset, int(header.Size)
}

// Unpop relinks a chunk just removed by PopTail, as a free tail. It is used when the memory behind the
// chunk could not be returned to the operating system.
func (l *ChunkList) Unpop(offset int64, size int) {
	header := l.Append(offset, size)
	header.MarkFree()
	l.anchor.FreeCount++
}

// VisitAll calls visit once for every chunk, in list order
func (l *ChunkList) VisitAll(visit func(offset int64, size int, free bool) error) error {
	for offset := l.anchor.Head; offset != NoLink; {
		header := l.Header(offset)
		err := visit(offset, int(header.Size), header.IsFree())
		if err != nil {
			return err
		}
		offset = header.Next
	}

	return nil
}

// CheckContiguous returns an error unless the chunks tile the span from start to the end of the tail
// without gaps
func (l *ChunkList) CheckContiguous(start int64) error {
	expected := start
	return l.VisitAll(func(offset int64, size int, free bool) error {
		if offset != expected {
			return errors.Errorf("chunk at offset %d should start at offset %d", offset, expected)
		}
		expected = offset + int64(HeaderSize+size)
		return nil
	})
}

// Validate performs consistency checks on the links, bounds and counters of the list
func (l *ChunkList) Validate() error {
	if (l.anchor.Head == NoLink) != (l.anchor.Tail == NoLink) {
		return errors.Errorf("list head is %d but list tail is %d", l.anchor.Head, l.anchor.Tail)
	}

	var count, freeCount int64
	prev := NoLink
	prevEnd := int64(0)

	for offset := l.anchor.Head; offset != NoLink; {
		header, err := l.Lookup(offset)
		if err != nil {
			return err
		}

		if header.Prev != prev {
			return errors.Errorf("chunk at offset %d lists the chunk at offset %d as its previous chunk, but the chunk before it is at offset %d", offset, header.Prev, prev)
		}
		if offset < prevEnd {
			return errors.Errorf("chunk at offset %d overlaps the chunk before it, which ends at offset %d", offset, prevEnd)
		}
		if header.Size < 0 || header.Size%int64(memutils.DefaultAlignment) != 0 {
			return errors.Errorf("chunk at offset %d has an invalid size of %d", offset, header.Size)
		}

		prevEnd = offset + int64(HeaderSize) + header.Size
		if prevEnd > int64(l.limit) {
			return errors.Errorf("chunk at offset %d ends at offset %d, beyond the %d bytes of this list", offset, prevEnd, l.limit)
		}

		count++
		if header.IsFree() {
			freeCount++
		}

		prev = offset
		offset = header.Next
	}

	if prev != l.anchor.Tail {
		return errors.Errorf("the last chunk is at offset %d, but the list tail is %d", prev, l.anchor.Tail)
	}

	if count != l.anchor.Count {
		return errors.Errorf("the list holds %d chunks, but its count is %d", count, l.anchor.Count)
	}

	if freeCount != l.anchor.FreeCount {
		return errors.Errorf("the list holds %d free chunks, but its free count is %d", freeCount, l.anchor.FreeCount)
	}

	return nil
}

// LiveBytes returns the bytes occupied by taken chunks, headers included
func (l *ChunkList) LiveBytes() int {
	var live int
	_ = l.VisitAll(func(offset int64, size int, free bool) error {
		if !free {
			live += HeaderSize + size
		}
		return nil
	})
	return live
}

// AddStatistics counts the span as one block and sums its chunks into stats
func (l *ChunkList) AddStatistics(stats *memutils.Statistics) {
	stats.BlockCount++
	stats.BlockBytes += l.limit
	stats.HeaderBytes += l.Count() * HeaderSize

	_ = l.VisitAll(func(offset int64, size int, free bool) error {
		if !free {
			stats.AllocationCount++
			stats.AllocationBytes += size
		}
		return nil
	})
}

// AddDetailedStatistics counts the span as one block and sums its chunks into stats. Free chunks and
// the unused room after the tail are both reported as unused ranges.
func (l *ChunkList) AddDetailedStatistics(stats *memutils.DetailedStatistics, start int64) {
	stats.BlockCount++
	stats.BlockBytes += l.limit
	stats.HeaderBytes += l.Count() * HeaderSize

	_ = l.VisitAll(func(offset int64, size int, free bool) error {
		if free {
			stats.AddUnusedRange(size)
		} else {
			stats.AddAllocation(size)
		}
		return nil
	})

	end := l.TailEnd()
	if end == NoLink {
		end = start
	}
	if room := int64(l.limit) - end; room > 0 {
		stats.AddUnusedRange(int(room))
	}
}

// BlockJsonData populates a json object with information about this span
func (l *ChunkList) BlockJsonData(json *jwriter.ObjectState) {
	var unusedBytes int
	_ = l.VisitAll(func(offset int64, size int, free bool) error {
		if free {
			unusedBytes += size
		}
		return nil
	})

	json.Name("TotalBytes").Int(l.limit)
	json.Name("UnusedBytes").Int(unusedBytes)
	json.Name("Allocations").Int(l.Count() - l.FreeCount())
	json.Name("UnusedRanges").Int(l.FreeCount())
}

// PrintDetailedMap populates a json object with the span summary followed by every chunk
func (l *ChunkList) PrintDetailedMap(json *jwriter.ObjectState) {
	l.BlockJsonData(json)

	arrayState := json.Name("Chunks").Array()
	defer arrayState.End()

	_ = l.VisitAll(func(offset int64, size int, free bool) error {
		obj := arrayState.Object()
		defer obj.End()

		obj.Name("Offset").Int(int(offset))
		if free {
			obj.Name("Type").String("FREE")
		} else {
			obj.Name("Type").String("USED")
		}
		obj.Name("Size").Int(size)
		return nil
	})
}
