package memutils

import "github.com/pkg/errors"

// PowerOfTwoError is the error returned from CheckPow2 or other methods if the number being tested is not a power of two
var PowerOfTwoError error = errors.New("number must be a power of two")

var (
	// ErrOutOfMemory is returned when the operating system refused to grow the arena or to map a new
	// region. It is the only recoverable allocation failure: no partial state is left behind and the
	// caller may retry later.
	ErrOutOfMemory = errors.New("out of memory")
	// ErrInvalidSize is returned when a negative size is requested, or a size so large that its
	// header and alignment padding overflow
	ErrInvalidSize = errors.New("invalid allocation size")
	// ErrInvalidAlignment is returned when an alignment is not a power of two or exceeds MaxAlignment
	ErrInvalidAlignment = errors.New("invalid allocation alignment")
	// ErrUnknownAllocation is returned when a pointer or Allocation handed back to an allocator does not
	// belong to a live allocation of that allocator, including double frees
	ErrUnknownAllocation = errors.New("pointer does not refer to a live allocation")
	// ErrCorruption is returned when allocator bookkeeping or a debug margin was found overwritten
	ErrCorruption = errors.New("memory corruption detected")
)
