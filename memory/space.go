// Package memory holds the raw memory primitives the hooking engine is built
// on: protection changes, page allocation near an anchor, guarded writes and
// NOP padding. Every primitive works against a Space so the same code runs
// on the live process and on a simulated address space.
package memory

import (
	"github.com/pkg/errors"
)

// Protection is a set of page access rights.
type Protection uint32

const (
	ProtRead Protection = 1 << iota
	ProtWrite
	ProtExec
	// ProtGuard makes the next access to the page fault once.
	ProtGuard
)

const (
	ProtNone Protection = 0
	ProtRX              = ProtRead | ProtExec
	ProtRW              = ProtRead | ProtWrite
	ProtRWX             = ProtRead | ProtWrite | ProtExec
)

func (p Protection) String() string {
	if p == ProtNone {
		return "---"
	}
	b := []byte("---")
	if p&ProtRead != 0 {
		b[0] = 'r'
	}
	if p&ProtWrite != 0 {
		b[1] = 'w'
	}
	if p&ProtExec != 0 {
		b[2] = 'x'
	}
	if p&ProtGuard != 0 {
		b = append(b, 'g')
	}
	return string(b)
}

// Executable reports whether code in a page with protection p can run.
func (p Protection) Executable() bool {
	return p&ProtExec != 0 && p&ProtGuard == 0
}

// Region describes the range around a queried address that shares one
// allocation state and protection.
type Region struct {
	Base      uintptr
	Size      uintptr
	Committed bool
	Prot      Protection
}

// Contains reports whether addr lies inside r.
func (r Region) Contains(addr uintptr) bool {
	return addr >= r.Base && addr-r.Base < r.Size
}

// Space is an address space the engine reads, writes and allocates in.
type Space interface {
	// PageSize is the protection granularity.
	PageSize() uintptr
	// Bounds is the lowest and highest usable address.
	Bounds() (lo, hi uintptr)
	Query(addr uintptr) (Region, error)
	// Protect changes the protection of every page overlapping
	// [addr, addr+size) and returns the protection the first page had.
	Protect(addr, size uintptr, prot Protection) (Protection, error)
	// Allocate commits size bytes at exactly addr, or anywhere when addr is
	// zero. An occupied address fails with ErrUnavailable.
	Allocate(addr, size uintptr, prot Protection) (uintptr, error)
	Free(addr, size uintptr) error
	Read(addr uintptr, buf []byte) error
	// Write copies data without touching protections.
	Write(addr uintptr, data []byte) error
}

// granular is implemented by spaces whose allocation granularity is coarser
// than their page size.
type granular interface {
	AllocationGranularity() uintptr
}

// flusher is implemented by spaces that must flush the instruction cache
// after code is modified.
type flusher interface {
	FlushInstructionCache(addr, size uintptr) error
}

var (
	// ErrInvalidAddress means a null or unusable address was supplied
	ErrInvalidAddress = errors.New("invalid address")
	// ErrProtection means a page protection change failed
	ErrProtection = errors.New("failed to change memory protection")
	// ErrBadAllocation means no page could be committed in the searched range
	ErrBadAllocation = errors.New("bad allocation")
	// ErrUnavailable means the requested address is already in use
	ErrUnavailable = errors.New("address unavailable")
	// ErrAccess means a read or write hit memory it may not touch
	ErrAccess = errors.New("memory access violation")
)

func pageFloor(addr, page uintptr) uintptr {
	return addr &^ (page - 1)
}

func pageCeil(addr, page uintptr) uintptr {
	return (addr + page - 1) &^ (page - 1)
}

// ReadUintptr reads one pointer-sized little endian word.
func ReadUintptr(s Space, addr uintptr) (uintptr, error) {
	var b [8]byte
	if err := s.Read(addr, b[:]); err != nil {
		return 0, err
	}
	return uintptr(le.Uint64(b[:])), nil
}

// WriteUintptr patches one pointer-sized word at addr.
func WriteUintptr(s Space, addr, v uintptr) error {
	var b [8]byte
	le.PutUint64(b[:], uint64(v))
	return Patch(s, addr, b[:])
}

// FollowPointers walks a pointer chain: for each offset it reads the pointer
// stored at the current address plus that offset. It returns the last value
// read.
func FollowPointers(s Space, base uintptr, offsets []uintptr) (uintptr, error) {
	addr := base
	for i, off := range offsets {
		if addr == 0 {
			return 0, errors.WithMessagef(ErrInvalidAddress, "null link %d in pointer chain", i)
		}
		next, err := ReadUintptr(s, addr+off)
		if err != nil {
			return 0, errors.WithMessagef(err, "link %d at %#x", i, addr+off)
		}
		addr = next
	}
	return addr, nil
}

// PointerPath resolves the address a pointer chain leads to: every offset
// but the last is dereferenced, the last is only added.
func PointerPath(s Space, base uintptr, offsets []uintptr) (uintptr, error) {
	if len(offsets) == 0 {
		return base, nil
	}
	addr, err := FollowPointers(s, base, offsets[:len(offsets)-1])
	if err != nil {
		return 0, err
	}
	if addr == 0 {
		return 0, errors.WithMessage(ErrInvalidAddress, "pointer chain ends in null")
	}
	return addr + offsets[len(offsets)-1], nil
}
