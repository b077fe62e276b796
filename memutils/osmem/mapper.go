package osmem

import (
	"github.com/pkg/errors"
)

// ErrMapFailed is returned when the operating system refuses a new mapping
var ErrMapFailed = errors.New("memory mapping failed")

// Mapper obtains independent mappings of anonymous memory. Implementations must be safe for
// concurrent use.
type Mapper interface {
	// Map returns a page-aligned, zeroed, read/write mapping of at least size bytes. The mapping may
	// be larger than requested; callers use its full length.
	Map(size int) ([]byte, error)
	// Unmap releases a mapping previously returned by Map
	Unmap(mapping []byte) error
	// PageSize returns the granularity mappings are made in
	PageSize() int
}

// RoundUpToPage rounds size up to a whole number of pages of the mapper
func RoundUpToPage(mapper Mapper, size int) int {
	pageSize := mapper.PageSize()
	return ((size + pageSize - 1) / pageSize) * pageSize
}
