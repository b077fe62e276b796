package osmem_test

import (
	"unsafe"

	"github.com/quallocator/arsenal/memutils"
)

func addressOf(mapping []byte) uintptr {
	return uintptr(unsafe.Pointer(&mapping[0]))
}

func offsetOf(base, p unsafe.Pointer) int {
	return int(uintptr(p) - uintptr(base))
}

func osmemCheckPow2(value int) error {
	return memutils.CheckPow2(value, "page size")
}
