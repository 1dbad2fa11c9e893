package memory

import "unsafe"

// makeSlice views size bytes of process memory at addr. addr is a raw
// address from the OS or a mapping outside the Go heap, never a Go pointer
// round-tripped through uintptr, so the collector has nothing to track.
func makeSlice(addr, size uintptr) []byte {
	return unsafe.Slice((*byte)(unsafe.Pointer(addr)), size)
}
