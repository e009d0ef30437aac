package mem

import "unsafe"

// Memset sets size bytes at the given address to the supplied value. Instead
// of a byte-by-byte loop, the region is filled with log2(size) copy calls
// that double the initialized prefix each time.
func Memset(addr uintptr, value byte, size Size) {
	if size == 0 {
		return
	}

	target := unsafe.Slice((*byte)(unsafe.Pointer(addr)), int(size))

	target[0] = value
	for filled := Size(1); filled < size; filled *= 2 {
		copy(target[filled:], target[:filled])
	}
}
