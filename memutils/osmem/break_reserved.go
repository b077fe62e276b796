//go:build linux || darwin

package osmem

import (
	"sync"
	"unsafe"

	cerrors "github.com/cockroachdb/errors"
	"github.com/quallocator/arsenal/memutils"
	"golang.org/x/sys/unix"
)

// ReservedBreak is a Break over a range of address space reserved from the operating system with no
// access rights. Pages below the break are committed read/write as it rises, and pages above it are
// released back to the operating system and made inaccessible again as it falls.
type ReservedBreak struct {
	mutex     sync.Mutex
	mapping   []byte
	pageSize  int
	top       int
	committed int
}

var _ Break = &ReservedBreak{}

// NewReservedBreak reserves reservation bytes of address space, rounded up to whole pages. A
// reservation of 0 selects DefaultReservation.
func NewReservedBreak(reservation int) (*ReservedBreak, error) {
	if reservation < 0 {
		return nil, cerrors.Newf("invalid break reservation: %d", reservation)
	}
	if reservation == 0 {
		reservation = DefaultReservation()
	}

	pageSize := PageSize()
	reservation = memutils.AlignUp(reservation, uint(pageSize))

	mapping, err := unix.Mmap(-1, 0, reservation, unix.PROT_NONE, unix.MAP_PRIVATE|unix.MAP_ANON|unix.MAP_NORESERVE)
	if err != nil {
		return nil, cerrors.Wrapf(cerrors.Mark(err, ErrBreakExhausted), "failed to reserve %d bytes for the break", reservation)
	}

	return &ReservedBreak{
		mapping:  mapping,
		pageSize: pageSize,
	}, nil
}

// Base returns the first byte the break can expose, or nil once the reservation is released
func (b *ReservedBreak) Base() unsafe.Pointer {
	if b.mapping == nil {
		return nil
	}
	return unsafe.Pointer(&b.mapping[0])
}

// Capacity returns the number of bytes the break can grow to
func (b *ReservedBreak) Capacity() int {
	return len(b.mapping)
}

// Committed returns the number of bytes currently backed by read/write pages
func (b *ReservedBreak) Committed() int {
	b.mutex.Lock()
	defer b.mutex.Unlock()

	return b.committed
}

func (b *ReservedBreak) Current() unsafe.Pointer {
	b.mutex.Lock()
	defer b.mutex.Unlock()

	if b.mapping == nil {
		return nil
	}
	return unsafe.Add(b.Base(), b.top)
}

func (b *ReservedBreak) Adjust(delta int) (unsafe.Pointer, error) {
	b.mutex.Lock()
	defer b.mutex.Unlock()

	if b.mapping == nil {
		return nil, cerrors.Wrap(ErrBreakExhausted, "the break reservation was released")
	}

	prev := unsafe.Add(b.Base(), b.top)
	next := b.top + delta

	if next < 0 {
		return nil, cerrors.Wrapf(ErrBreakUnderflow, "moving the break by %d bytes would leave it %d bytes below its base", delta, -next)
	}

	if delta > 0 {
		if next > len(b.mapping) || next < b.top {
			return nil, cerrors.Wrapf(ErrBreakExhausted, "moving the break by %d bytes would exceed its reservation of %d bytes", delta, len(b.mapping))
		}

		want := memutils.AlignUp(next, uint(b.pageSize))
		if want > b.committed {
			err := unix.Mprotect(b.mapping[b.committed:want], unix.PROT_READ|unix.PROT_WRITE)
			if err != nil {
				return nil, cerrors.Wrapf(cerrors.Mark(err, ErrBreakExhausted), "failed to commit %d bytes above the break", want-b.committed)
			}
			b.committed = want
		}
	} else if delta < 0 {
		keep := memutils.AlignUp(next, uint(b.pageSize))
		if keep < b.committed {
			release := b.mapping[keep:b.committed]
			err := unix.Madvise(release, unix.MADV_DONTNEED)
			if err != nil {
				return nil, cerrors.Wrapf(err, "failed to release %d bytes above the break", len(release))
			}

			err = unix.Mprotect(release, unix.PROT_NONE)
			if err != nil {
				return nil, cerrors.Wrapf(err, "failed to decommit %d bytes above the break", len(release))
			}
			b.committed = keep
		}
	}

	b.top = next
	return prev, nil
}

// Release returns the whole reservation to the operating system. The break must not be used afterwards.
func (b *ReservedBreak) Release() error {
	b.mutex.Lock()
	defer b.mutex.Unlock()

	if b.mapping == nil {
		return nil
	}

	err := unix.Munmap(b.mapping)
	if err != nil {
		return cerrors.Wrap(err, "failed to release the break reservation")
	}

	b.mapping = nil
	b.top = 0
	b.committed = 0
	return nil
}

// NewSystemBreak returns the Break used by allocators that were not given one: a ReservedBreak of
// the given reservation.
func NewSystemBreak(reservation int) (Break, error) {
	return NewReservedBreak(reservation)
}
