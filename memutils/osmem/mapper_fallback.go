//go:build !linux && !darwin

package osmem

import (
	"os"
	"unsafe"

	cerrors "github.com/cockroachdb/errors"
)

// SystemMapper hands out page-aligned allocations from the Go heap on platforms without anonymous
// mappings
type SystemMapper struct{}

var _ Mapper = SystemMapper{}

func (SystemMapper) Map(size int) ([]byte, error) {
	if size <= 0 {
		return nil, cerrors.Wrapf(ErrMapFailed, "invalid mapping size %d", size)
	}

	pageSize := PageSize()
	size = RoundUpToPage(SystemMapper{}, size)

	words := make([]uint64, (size+pageSize)/8)
	raw := unsafe.Slice((*byte)(unsafe.Pointer(&words[0])), len(words)*8)
	skip := int(-uintptr(unsafe.Pointer(&raw[0])) & uintptr(pageSize-1))

	return raw[skip : skip+size : skip+size], nil
}

func (SystemMapper) Unmap(mapping []byte) error {
	return nil
}

func (SystemMapper) PageSize() int {
	return PageSize()
}

// PageSize returns the page size of the operating system
func PageSize() int {
	return os.Getpagesize()
}
