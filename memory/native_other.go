//go:build !linux && !windows

package memory

import (
	stderrors "errors"
)

type unsupportedSpace struct{}

// Native returns the address space of the running process. This platform
// has no native backend.
func Native() Space { return unsupportedSpace{} }

func (unsupportedSpace) PageSize() uintptr             { return 0x1000 }
func (unsupportedSpace) Bounds() (uintptr, uintptr)    { return 0, 0 }
func (unsupportedSpace) Query(uintptr) (Region, error) { return Region{}, stderrors.ErrUnsupported }
func (unsupportedSpace) Protect(uintptr, uintptr, Protection) (Protection, error) {
	return 0, stderrors.ErrUnsupported
}
func (unsupportedSpace) Allocate(uintptr, uintptr, Protection) (uintptr, error) {
	return 0, stderrors.ErrUnsupported
}
func (unsupportedSpace) Free(uintptr, uintptr) error    { return stderrors.ErrUnsupported }
func (unsupportedSpace) Read(uintptr, []byte) error     { return stderrors.ErrUnsupported }
func (unsupportedSpace) Write(uintptr, []byte) error    { return stderrors.ErrUnsupported }
