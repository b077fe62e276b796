package region

import (
	"math"
	"unsafe"

	cerrors "github.com/cockroachdb/errors"
	"github.com/quallocator/arsenal/memutils"
)

// Allocation is a live section of a region. It is returned by Allocator.Allocate and handed back to
// Allocator.Deallocate. The zero Allocation refers to nothing.
type Allocation struct {
	data   unsafe.Pointer
	size   int
	region uint64
	offset int64
}

// Pointer returns the first usable byte of the allocation. It is aligned to at least
// memutils.DefaultAlignment.
func (a Allocation) Pointer() unsafe.Pointer {
	return a.data
}

// Size returns the number of bytes that were requested
func (a Allocation) Size() int {
	return a.size
}

// Bytes returns the requested bytes of the allocation as a slice. The slice must not be used once the
// allocation is freed.
func (a Allocation) Bytes() []byte {
	if a.data == nil {
		return nil
	}
	return unsafe.Slice((*byte)(a.data), a.size)
}

func (a Allocation) IsNull() bool {
	return a.data == nil
}

// Make allocates room for n values of T and returns it as a slice. T must not contain Go pointers,
// since regions are not scanned by the garbage collector. The slice is freed by passing the address of
// its first element to Allocator.Free. Make returns a nil slice without allocating when n is 0.
func Make[T any](allocator *Allocator, n int) ([]T, error) {
	var zero T
	elemSize := int(unsafe.Sizeof(zero))

	if n < 0 || (elemSize > 0 && n > math.MaxInt/elemSize) {
		return nil, cerrors.Wrapf(memutils.ErrInvalidSize, "cannot make %d values of %d bytes", n, elemSize)
	}
	if n == 0 {
		return nil, nil
	}

	alloc, err := allocator.AllocateAligned(n*elemSize, memutils.AlignOf[T]())
	if err != nil {
		return nil, err
	}

	return unsafe.Slice((*T)(alloc.Pointer()), n), nil
}
