//go:build linux || darwin

package osmem

import (
	cerrors "github.com/cockroachdb/errors"
	"golang.org/x/sys/unix"
)

// SystemMapper maps anonymous private memory with mmap
type SystemMapper struct{}

var _ Mapper = SystemMapper{}

func (SystemMapper) Map(size int) ([]byte, error) {
	if size <= 0 {
		return nil, cerrors.Wrapf(ErrMapFailed, "invalid mapping size %d", size)
	}

	mapping, err := unix.Mmap(-1, 0, RoundUpToPage(SystemMapper{}, size), unix.PROT_READ|unix.PROT_WRITE, unix.MAP_PRIVATE|unix.MAP_ANON)
	if err != nil {
		return nil, cerrors.Wrapf(cerrors.Mark(err, ErrMapFailed), "failed to map %d bytes", size)
	}

	return mapping, nil
}

func (SystemMapper) Unmap(mapping []byte) error {
	err := unix.Munmap(mapping)
	if err != nil {
		return cerrors.Wrapf(err, "failed to unmap %d bytes", len(mapping))
	}
	return nil
}

func (SystemMapper) PageSize() int {
	return PageSize()
}

// PageSize returns the page size of the operating system
func PageSize() int {
	return unix.Getpagesize()
}
