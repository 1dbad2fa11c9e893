//go:build windows

package memory

import (
	"unsafe"

	"github.com/pkg/errors"
	"golang.org/x/sys/windows"
)

const (
	pageNoAccess         = 0x01
	pageReadOnly         = 0x02
	pageReadWrite        = 0x04
	pageWriteCopy        = 0x08
	pageExecute          = 0x10
	pageExecuteRead      = 0x20
	pageExecuteReadWrite = 0x40
	pageExecuteWriteCopy = 0x80
	pageGuard            = 0x100
)

var (
	kernel32                  = windows.NewLazySystemDLL("kernel32.dll")
	procGetSystemInfo         = kernel32.NewProc("GetSystemInfo")
	procFlushInstructionCache = kernel32.NewProc("FlushInstructionCache")
)

type systemInfo struct {
	ProcessorArchitecture     uint16
	Reserved                  uint16
	PageSize                  uint32
	MinimumApplicationAddress uintptr
	MaximumApplicationAddress uintptr
	ActiveProcessorMask       uintptr
	NumberOfProcessors        uint32
	ProcessorType             uint32
	AllocationGranularity     uint32
	ProcessorLevel            uint16
	ProcessorRevision         uint16
}

type windowsSpace struct {
	page        uintptr
	granularity uintptr
	lo, hi      uintptr
}

var native Space = newWindowsSpace()

func newWindowsSpace() *windowsSpace {
	var si systemInfo
	procGetSystemInfo.Call(uintptr(unsafe.Pointer(&si)))
	s := &windowsSpace{
		page:        uintptr(si.PageSize),
		granularity: uintptr(si.AllocationGranularity),
		lo:          si.MinimumApplicationAddress,
		hi:          si.MaximumApplicationAddress,
	}
	if s.page == 0 {
		s.page, s.granularity, s.lo, s.hi = 0x1000, 0x10000, 0x10000, 0x7FFFFFFEFFFF
	}
	return s
}

// Native returns the address space of the running process.
func Native() Space { return native }

func (s *windowsSpace) PageSize() uintptr { return s.page }

func (s *windowsSpace) AllocationGranularity() uintptr { return s.granularity }

func (s *windowsSpace) Bounds() (uintptr, uintptr) { return s.lo, s.hi }

func toWindowsProt(p Protection) uint32 {
	var v uint32
	switch p &^ ProtGuard {
	case ProtNone:
		v = pageNoAccess
	case ProtRead:
		v = pageReadOnly
	case ProtRW, ProtWrite:
		v = pageReadWrite
	case ProtExec:
		v = pageExecute
	case ProtRX:
		v = pageExecuteRead
	default:
		v = pageExecuteReadWrite
	}
	if p&ProtGuard != 0 {
		v |= pageGuard
	}
	return v
}

func fromWindowsProt(v uint32) Protection {
	var p Protection
	switch v &^ (pageGuard | 0x200 | 0x400) {
	case pageReadOnly:
		p = ProtRead
	case pageReadWrite, pageWriteCopy:
		p = ProtRW
	case pageExecute:
		p = ProtExec
	case pageExecuteRead:
		p = ProtRX
	case pageExecuteReadWrite, pageExecuteWriteCopy:
		p = ProtRWX
	}
	if v&pageGuard != 0 {
		p |= ProtGuard
	}
	return p
}

func (s *windowsSpace) Query(addr uintptr) (Region, error) {
	var mbi windows.MemoryBasicInformation
	if err := windows.VirtualQuery(addr, &mbi, unsafe.Sizeof(mbi)); err != nil {
		return Region{}, errors.WithMessagef(ErrInvalidAddress, "VirtualQuery %#x: %v", addr, err)
	}
	return Region{
		Base:      mbi.BaseAddress,
		Size:      mbi.RegionSize,
		Committed: mbi.State == windows.MEM_COMMIT,
		Prot:      fromWindowsProt(mbi.Protect),
	}, nil
}

func (s *windowsSpace) Protect(addr, size uintptr, prot Protection) (Protection, error) {
	var old uint32
	if err := windows.VirtualProtect(addr, size, toWindowsProt(prot), &old); err != nil {
		return 0, errors.WithMessagef(ErrProtection, "VirtualProtect %#x: %v", addr, err)
	}
	return fromWindowsProt(old), nil
}

func (s *windowsSpace) Allocate(addr, size uintptr, prot Protection) (uintptr, error) {
	p, err := windows.VirtualAlloc(addr, size, windows.MEM_COMMIT|windows.MEM_RESERVE, toWindowsProt(prot))
	if err != nil {
		if addr != 0 {
			return 0, errors.WithMessagef(ErrUnavailable, "VirtualAlloc %#x: %v", addr, err)
		}
		return 0, errors.WithMessagef(ErrBadAllocation, "VirtualAlloc: %v", err)
	}
	return p, nil
}

func (s *windowsSpace) Free(addr, _ uintptr) error {
	if err := windows.VirtualFree(addr, 0, windows.MEM_RELEASE); err != nil {
		return errors.Wrapf(err, "VirtualFree %#x", addr)
	}
	return nil
}

func (s *windowsSpace) Read(addr uintptr, buf []byte) error {
	if addr == 0 {
		return ErrInvalidAddress
	}
	copy(buf, makeSlice(addr, uintptr(len(buf))))
	return nil
}

func (s *windowsSpace) Write(addr uintptr, data []byte) error {
	if addr == 0 {
		return ErrInvalidAddress
	}
	copy(makeSlice(addr, uintptr(len(data))), data)
	return nil
}

func (s *windowsSpace) FlushInstructionCache(addr, size uintptr) error {
	r, _, err := procFlushInstructionCache.Call(uintptr(windows.CurrentProcess()), addr, size)
	if r == 0 {
		return errors.Wrapf(err, "FlushInstructionCache %#x", addr)
	}
	return nil
}
