package osmem

//go:generate mockgen -destination mocks/mocks.go -package mocks github.com/quallocator/arsenal/memutils/osmem Break,Mapper

import (
	"sync"
	"unsafe"

	cerrors "github.com/cockroachdb/errors"
	"github.com/pkg/errors"
	"github.com/quallocator/arsenal/memutils"
)

var (
	// ErrBreakExhausted is returned when the break cannot move up by the requested amount
	ErrBreakExhausted = errors.New("program break cannot grow")
	// ErrBreakUnderflow is returned when the break is asked to move below its base
	ErrBreakUnderflow = errors.New("program break cannot shrink below its base")
)

// Break moves a boundary through a contiguous range of memory. Memory between the base of the range
// and the current break is readable and writable. Implementations must be safe for concurrent use.
type Break interface {
	// Adjust moves the break by delta bytes, up when delta is positive and down when it is negative,
	// and returns the break as it was before the move. Adjust(0) returns the current break.
	Adjust(delta int) (unsafe.Pointer, error)
	// Current returns the current break
	Current() unsafe.Pointer
}

// SliceBreak is a Break over a fixed-capacity allocation from the Go heap. Its base is aligned to
// memutils.DefaultAlignment. One guard word sits past the capacity so a full break still points into
// the allocation.
type SliceBreak struct {
	mutex sync.Mutex
	words []uint64
	top   int
}

var _ Break = &SliceBreak{}

// NewSliceBreak creates a SliceBreak that can grow to capacity bytes
func NewSliceBreak(capacity int) *SliceBreak {
	if capacity <= 0 {
		panic("attempting to create a slice break without capacity")
	}

	return &SliceBreak{
		words: make([]uint64, memutils.AlignUp(capacity, memutils.DefaultAlignment)/8+1),
	}
}

// Base returns the first byte the break can expose
func (b *SliceBreak) Base() unsafe.Pointer {
	return unsafe.Pointer(&b.words[0])
}

// Capacity returns the number of bytes the break can grow to
func (b *SliceBreak) Capacity() int {
	return (len(b.words) - 1) * 8
}

func (b *SliceBreak) Current() unsafe.Pointer {
	b.mutex.Lock()
	defer b.mutex.Unlock()

	return unsafe.Add(b.Base(), b.top)
}

func (b *SliceBreak) Adjust(delta int) (unsafe.Pointer, error) {
	b.mutex.Lock()
	defer b.mutex.Unlock()

	prev := unsafe.Add(b.Base(), b.top)
	next := b.top + delta

	if next < 0 {
		return nil, cerrors.Wrapf(ErrBreakUnderflow, "moving the break by %d bytes would leave it %d bytes below its base", delta, -next)
	}

	if delta > 0 && (next > b.Capacity() || next < b.top) {
		return nil, cerrors.Wrapf(ErrBreakExhausted, "moving the break by %d bytes would exceed its capacity of %d bytes", delta, b.Capacity())
	}

	b.top = next
	return prev, nil
}
