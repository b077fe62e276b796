package memutils

import (
	"math"
	"unsafe"

	cerrors "github.com/cockroachdb/errors"
	"golang.org/x/exp/constraints"
)

const (
	// DefaultAlignment is the boundary every block and section size is rounded up to. Headers are
	// a multiple of this value, so every pointer handed out by the allocators is aligned to it.
	DefaultAlignment uint = 8
	// MaxAlignment is the largest alignment an allocation may request
	MaxAlignment uint = 8
)

type Number interface {
	constraints.Integer
}

func CheckPow2[T Number](number T, name string) error {
	if number <= 0 || number&(number-1) != 0 {
		return cerrors.Wrapf(PowerOfTwoError, "%s is %d", name, number)
	}
	return nil
}

func AlignUp(value int, alignment uint) int {
	return (value + int(alignment) - 1) & int(^(alignment - 1))
}

// AlignOf returns the natural alignment of T
func AlignOf[T any]() uint {
	var zero T
	return uint(unsafe.Alignof(zero))
}

// AlignSize rounds size up to the boundary that allocations of the given alignment require. Block sizes
// never drop below DefaultAlignment, since the next header must stay aligned. An alignment of 0 selects
// DefaultAlignment.
//
// An error is returned for negative sizes, sizes that would overflow once padded, and alignments that
// are not a power of two or exceed MaxAlignment.
func AlignSize(size int, alignment uint) (int, error) {
	if alignment == 0 {
		alignment = DefaultAlignment
	}

	err := CheckPow2(alignment, "alignment")
	if err != nil {
		return 0, cerrors.Mark(err, ErrInvalidAlignment)
	}

	if alignment > MaxAlignment {
		return 0, cerrors.Wrapf(ErrInvalidAlignment, "alignment %d exceeds the maximum of %d", alignment, MaxAlignment)
	}

	if alignment < DefaultAlignment {
		alignment = DefaultAlignment
	}

	if size < 0 || size > math.MaxInt-int(alignment) {
		return 0, cerrors.Wrapf(ErrInvalidSize, "size is %d", size)
	}

	return AlignUp(size, alignment), nil
}
