//go:build windows

package hookengine

import (
	"syscall"
)

func callNative(fn uintptr, _ CallConv, args []uintptr) (uintptr, error) {
	r, _, _ := syscall.SyscallN(fn, args...)
	return r, nil
}
