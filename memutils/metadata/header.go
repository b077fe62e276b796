package metadata

import "unsafe"

// NoLink marks the absence of a neighbour in a ChunkHeader or ListAnchor
const NoLink int64 = -1

// headerMagic identifies a live header. It is cleared when a header is absorbed by coalescing or
// popped off the tail, so stale offsets fail lookups instead of reading garbage.
const headerMagic uint32 = 0x5155414c

// ChunkHeader is the fixed-layout record embedded in managed memory directly in front of every
// chunk (a block of the bump arena or a section of a region). Links are byte offsets from the base
// of the span the chunk lives in, never Go pointers, because the memory is not scanned by the
// garbage collector.
type ChunkHeader struct {
	Size  int64
	Next  int64
	Prev  int64
	Free  uint32
	Magic uint32
}

// HeaderSize is the number of bytes every chunk spends on its header. It is a multiple of
// memutils.DefaultAlignment, so data following a header keeps the header's alignment.
const HeaderSize = int(unsafe.Sizeof(ChunkHeader{}))

func (h *ChunkHeader) IsFree() bool {
	return h.Free != 0
}

func (h *ChunkHeader) MarkFree() {
	h.Free = 1
}

func (h *ChunkHeader) MarkTaken() {
	h.Free = 0
}

func (h *ChunkHeader) valid() bool {
	return h.Magic == headerMagic
}

// ListAnchor holds the ends and counters of a chunk list. The bump allocator keeps its anchor in Go
// memory; a region keeps the anchor of its sections inside its own header.
type ListAnchor struct {
	Head      int64
	Tail      int64
	Count     int64
	FreeCount int64
}

func (a *ListAnchor) Reset() {
	a.Head = NoLink
	a.Tail = NoLink
	a.Count = 0
	a.FreeCount = 0
}

func (a *ListAnchor) IsEmpty() bool {
	return a.Head == NoLink
}
