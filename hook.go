// Package hookengine intercepts native functions inside the running process.
// Calls are redirected by patching code (inline and mid hooks), rewriting
// import/export table slots, rewriting virtual method table slots, or by
// hardware and guard-page breakpoints, and the original behavior stays
// callable through an OriginalBinding. Every installed hook is tracked by a
// Registry.
package hookengine

import (
	"fmt"
	"strings"

	"github.com/pkg/errors"

	"github.com/k2io/hookengine/memory"
)

// Kind is the mechanism a hook is installed with.
type Kind uint8

const (
	KindInline Kind = iota + 1
	KindMid
	KindIAT
	KindEAT
	KindVMT
	KindHardwareBreakpoint
	KindGuardPage
)

func (k Kind) String() string {
	switch k {
	case KindInline:
		return "inline"
	case KindMid:
		return "mid"
	case KindIAT:
		return "iat"
	case KindEAT:
		return "eat"
	case KindVMT:
		return "vmt"
	case KindHardwareBreakpoint:
		return "hwbp"
	case KindGuardPage:
		return "guard-page"
	}
	return fmt.Sprintf("kind(%d)", uint8(k))
}

type idScope uint8

const (
	scopeDetour idScope = iota + 1
	scopeVMT
	scopeTable
	scopeBreakpoint
	scopeGuard
)

// Identity is the key a hook is registered under. Inline and mid hooks are
// keyed by their detour, VMT hooks by object and slot, table hooks by module
// and symbol, and breakpoint hooks by the watched address.
type Identity struct {
	scope  idScope
	addr   uintptr
	index  int
	module string
	symbol string
}

// DetourID identifies an inline or mid hook by its detour address.
func DetourID(detour uintptr) Identity {
	return Identity{scope: scopeDetour, addr: detour}
}

// VMTID identifies one method slot of an object's virtual table.
func VMTID(object uintptr, index int) Identity {
	return Identity{scope: scopeVMT, addr: object, index: index}
}

// TableID identifies an import or export table hook. Names compare
// case-insensitively.
func TableID(module, symbol string) Identity {
	return Identity{scope: scopeTable, module: strings.ToLower(module), symbol: strings.ToLower(symbol)}
}

// BreakpointID identifies a hardware breakpoint by address.
func BreakpointID(addr uintptr) Identity {
	return Identity{scope: scopeBreakpoint, addr: addr}
}

// GuardID identifies a guard-page hook by address.
func GuardID(addr uintptr) Identity {
	return Identity{scope: scopeGuard, addr: addr}
}

func (id Identity) String() string {
	switch id.scope {
	case scopeDetour:
		return fmt.Sprintf("detour:%#x", id.addr)
	case scopeVMT:
		return fmt.Sprintf("vmt:%#x[%d]", id.addr, id.index)
	case scopeTable:
		return fmt.Sprintf("table:%s!%s", id.module, id.symbol)
	case scopeBreakpoint:
		return fmt.Sprintf("hwbp:%#x", id.addr)
	case scopeGuard:
		return fmt.Sprintf("guard:%#x", id.addr)
	}
	return "invalid"
}

var (
	// ErrInvalidAddress means a null target or watched address
	ErrInvalidAddress = memory.ErrInvalidAddress
	// ErrProtection means a page protection change failed
	ErrProtection = memory.ErrProtection
	// ErrBadAllocation means no trampoline page could be reserved
	ErrBadAllocation = memory.ErrBadAllocation
	// ErrInvalidDetour means the replacement is null or not encodable
	ErrInvalidDetour = errors.New("invalid detour")
	// ErrInvalidModule means the module could not be resolved or parsed
	ErrInvalidModule = errors.New("invalid module")
	// ErrFunctionNotFound means the symbol is absent from the table
	ErrFunctionNotFound = errors.New("function not found")
	// ErrAlreadyHooked means the identity or address is already hooked
	ErrAlreadyHooked = errors.New("already hooked")
	// ErrNotHooked means there is no hook to remove
	ErrNotHooked = errors.New("not hooked")
	// ErrIndexOutOfBounds means a table index or breakpoint slot is out of range
	ErrIndexOutOfBounds = errors.New("index out of bounds")
	// ErrNotEnoughSpace means the patch window is smaller than the jump
	ErrNotEnoughSpace = errors.New("not enough space")
	// ErrFailedToDecode means a prologue instruction could not be decoded
	ErrFailedToDecode = errors.New("failed to decode instruction")
	// ErrUnsupportedInstruction means a prologue instruction cannot be relocated
	ErrUnsupportedInstruction = errors.New("unsupported instruction in trampoline")
	// ErrShortJumpInTrampoline means a prologue branch targets the patched window
	ErrShortJumpInTrampoline = errors.New("short jump in trampoline")
	// ErrIPRelativeOutOfRange means a relocated displacement no longer fits 32 bits
	ErrIPRelativeOutOfRange = errors.New("ip relative instruction out of range")
	// ErrNotInitialized means the platform facility behind a hook is unavailable
	ErrNotInitialized = errors.New("not initialized")
	// ErrThreadResume means a thread could not be resumed after its
	// debug registers were updated
	ErrThreadResume = errors.New("failed to resume thread")
)
