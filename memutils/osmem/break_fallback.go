//go:build !linux && !darwin

package osmem

import cerrors "github.com/cockroachdb/errors"

const fallbackReservation = 64 * 1024 * 1024

// NewSystemBreak returns the Break used by allocators that were not given one. Anonymous
// reservations are not available on this platform, so the break is a SliceBreak of the given
// capacity. A reservation of 0 selects the smaller of DefaultReservation and 64MiB, since the
// whole capacity is allocated up front.
func NewSystemBreak(reservation int) (Break, error) {
	if reservation < 0 {
		return nil, cerrors.Newf("invalid break reservation: %d", reservation)
	}
	if reservation == 0 {
		reservation = DefaultReservation()
		if reservation > fallbackReservation {
			reservation = fallbackReservation
		}
	}

	return NewSliceBreak(reservation), nil
}
