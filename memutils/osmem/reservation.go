package osmem

import (
	"sync"

	sigar "github.com/cloudfoundry/gosigar"
)

const (
	// maxDefaultReservation caps the address space a break reserves when the caller does not say
	maxDefaultReservation = 1 << 30
	// minDefaultReservation is used when physical memory cannot be queried
	minDefaultReservation = 64 * 1024 * 1024
)

var (
	defaultReservationOnce sync.Once
	defaultReservation     int
)

// DefaultReservation returns the break reservation used when none is configured: a quarter of the
// physical memory of the machine, capped at 1GiB.
func DefaultReservation() int {
	defaultReservationOnce.Do(func() {
		defaultReservation = reservationFor(physicalMemory())
	})
	return defaultReservation
}

func physicalMemory() uint64 {
	mem := sigar.Mem{}
	err := mem.Get()
	if err != nil {
		return 0
	}
	return mem.Total
}

func reservationFor(total uint64) int {
	if total == 0 {
		return minDefaultReservation
	}

	quarter := total / 4
	if quarter > maxDefaultReservation {
		return maxDefaultReservation
	}
	if quarter < minDefaultReservation {
		return minDefaultReservation
	}
	return int(quarter)
}
