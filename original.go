package hookengine

import (
	"fmt"

	"github.com/pkg/errors"
)

// CallConv selects how arguments are passed when calling native code.
type CallConv uint8

const (
	// ConvDefault is the platform C convention.
	ConvDefault CallConv = iota
	ConvCdecl
	ConvStdcall
	// ConvThiscall passes the object pointer as the first argument.
	ConvThiscall
	ConvFastcall
	// ConvVectorcall only supports integer and pointer arguments.
	ConvVectorcall
)

func (c CallConv) String() string {
	switch c {
	case ConvDefault:
		return "default"
	case ConvCdecl:
		return "cdecl"
	case ConvStdcall:
		return "stdcall"
	case ConvThiscall:
		return "thiscall"
	case ConvFastcall:
		return "fastcall"
	case ConvVectorcall:
		return "vectorcall"
	}
	return fmt.Sprintf("conv(%d)", uint8(c))
}

// OriginalBinding is a handle on the code a hook displaced. It does not own
// the memory it points at and is only valid until the hook is removed.
type OriginalBinding struct {
	Address uintptr
	Conv    CallConv
}

// Valid reports whether the binding points anywhere.
func (b OriginalBinding) Valid() bool { return b.Address != 0 }

// Call invokes the original with integer or pointer arguments using conv.
// On amd64 the listed conventions all collapse into the platform's single
// 64-bit convention, so conv is only checked, and a thiscall object pointer
// is simply the first argument.
func (b OriginalBinding) Call(conv CallConv, args ...uintptr) (uintptr, error) {
	if b.Address == 0 {
		return 0, ErrInvalidAddress
	}
	if conv > ConvVectorcall {
		return 0, errors.Errorf("unknown calling convention %v", conv)
	}
	return callNative(b.Address, conv, args)
}

// Invoke calls the original with the binding's own convention.
func (b OriginalBinding) Invoke(args ...uintptr) (uintptr, error) {
	return b.Call(b.Conv, args...)
}
