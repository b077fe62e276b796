package region_test

import (
	"sync"
	"unsafe"

	"github.com/cockroachdb/errors"
	"github.com/quallocator/arsenal/memutils/osmem"
)

const testPageSize = 4096

// heapMapper maps page-aligned memory from the Go heap and counts live mappings
type heapMapper struct {
	mutex    sync.Mutex
	live     map[uintptr]int
	maps     int
	failMaps bool
}

var _ osmem.Mapper = &heapMapper{}

func newHeapMapper() *heapMapper {
	return &heapMapper{live: make(map[uintptr]int)}
}

func (m *heapMapper) Map(size int) ([]byte, error) {
	m.mutex.Lock()
	defer m.mutex.Unlock()

	if m.failMaps {
		return nil, errors.Wrap(osmem.ErrMapFailed, "mapping disabled")
	}

	size = osmem.RoundUpToPage(m, size)
	words := make([]uint64, (size+testPageSize)/8)
	raw := unsafe.Slice((*byte)(unsafe.Pointer(&words[0])), len(words)*8)
	skip := int(-uintptr(unsafe.Pointer(&raw[0])) & (testPageSize - 1))
	mapping := raw[skip : skip+size : skip+size]

	m.live[uintptr(unsafe.Pointer(&mapping[0]))] = size
	m.maps++
	return mapping, nil
}

func (m *heapMapper) Unmap(mapping []byte) error {
	m.mutex.Lock()
	defer m.mutex.Unlock()

	address := uintptr(unsafe.Pointer(&mapping[0]))
	size, ok := m.live[address]
	if !ok || size != len(mapping) {
		return errors.Newf("no mapping of %d bytes at %#x", len(mapping), address)
	}

	delete(m.live, address)
	return nil
}

func (m *heapMapper) PageSize() int {
	return testPageSize
}

func (m *heapMapper) Live() int {
	m.mutex.Lock()
	defer m.mutex.Unlock()

	return len(m.live)
}

func (m *heapMapper) Maps() int {
	m.mutex.Lock()
	defer m.mutex.Unlock()

	return m.maps
}

func (m *heapMapper) SetFailMaps(fail bool) {
	m.mutex.Lock()
	defer m.mutex.Unlock()

	m.failMaps = fail
}
