package env

import "unsafe"

// ptrAt returns a pointer to mem[off:off+width], bounds-checked. Grounded
// on the teacher's internal/queue/runner.go loadDescriptor, which used the
// same atomic-load-over-unsafe.Add pattern to read kernel-written
// descriptors without tearing; here it reads/writes device-written MMIO
// registers instead.
func ptrAt(mem []byte, off uintptr, width int) unsafe.Pointer {
	if int(off)+width > len(mem) {
		panic("env: MMIO access out of bounds")
	}
	return unsafe.Add(unsafe.Pointer(&mem[0]), off)
}
