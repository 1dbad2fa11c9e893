//go:build !windows && !amd64

package hookengine

import (
	stderrors "errors"
)

func callNative(uintptr, CallConv, []uintptr) (uintptr, error) {
	return 0, stderrors.ErrUnsupported
}
