//go:build !windows

package hookengine

import (
	"github.com/pkg/errors"
)

// callSysV calls fn with the System V AMD64 convention on the goroutine
// stack. fn must be a small leaf-like routine; it gets no stack growth.
func callSysV(fn, a1, a2, a3, a4, a5, a6 uintptr) uintptr

func callNative(fn uintptr, _ CallConv, args []uintptr) (uintptr, error) {
	if len(args) > 6 {
		return 0, errors.Errorf("%d arguments, at most 6 can be passed in registers", len(args))
	}
	var a [6]uintptr
	copy(a[:], args)
	return callSysV(fn, a[0], a[1], a[2], a[3], a[4], a[5]), nil
}
