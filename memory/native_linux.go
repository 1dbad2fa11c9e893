//go:build linux

package memory

import (
	"github.com/pkg/errors"
	"github.com/prometheus/procfs"
	"golang.org/x/sys/unix"
)

// lowest address mmap hands out with the default vm.mmap_min_addr
const linuxMinAddr = 0x10000

// highest user address with 4-level paging
const linuxMaxAddr = 0x7FFFFFFFEFFF

type linuxSpace struct {
	page uintptr
}

var native Space = &linuxSpace{page: uintptr(unix.Getpagesize())}

// Native returns the address space of the running process.
func Native() Space { return native }

func (s *linuxSpace) PageSize() uintptr { return s.page }

func (s *linuxSpace) Bounds() (uintptr, uintptr) { return linuxMinAddr, linuxMaxAddr }

func toUnixProt(p Protection) int {
	prot := unix.PROT_NONE
	if p&ProtRead != 0 {
		prot |= unix.PROT_READ
	}
	if p&ProtWrite != 0 {
		prot |= unix.PROT_WRITE
	}
	if p&ProtExec != 0 {
		prot |= unix.PROT_EXEC
	}
	return prot
}

func fromPerms(perms *procfs.ProcMapPermissions) Protection {
	var p Protection
	if perms == nil {
		return p
	}
	if perms.Read {
		p |= ProtRead
	}
	if perms.Write {
		p |= ProtWrite
	}
	if perms.Execute {
		p |= ProtExec
	}
	return p
}

func (s *linuxSpace) Query(addr uintptr) (Region, error) {
	maps, err := selfMaps()
	if err != nil {
		return Region{}, err
	}
	lo, hi := uintptr(linuxMinAddr), uintptr(linuxMaxAddr)+1
	for _, m := range maps {
		if addr >= m.StartAddr && addr < m.EndAddr {
			return Region{
				Base:      m.StartAddr,
				Size:      m.EndAddr - m.StartAddr,
				Committed: true,
				Prot:      fromPerms(m.Perms),
			}, nil
		}
		if m.EndAddr <= addr && m.EndAddr > lo {
			lo = m.EndAddr
		}
		if m.StartAddr > addr && m.StartAddr < hi {
			hi = m.StartAddr
		}
	}
	if addr < lo {
		return Region{}, errors.WithMessagef(ErrInvalidAddress, "%#x below user space", addr)
	}
	return Region{Base: lo, Size: hi - lo}, nil
}

func selfMaps() ([]*procfs.ProcMap, error) {
	p, err := procfs.Self()
	if err != nil {
		return nil, errors.Wrap(err, "open /proc/self")
	}
	maps, err := p.ProcMaps()
	if err != nil {
		return nil, errors.Wrap(err, "read /proc/self/maps")
	}
	return maps, nil
}

func (s *linuxSpace) Protect(addr, size uintptr, prot Protection) (Protection, error) {
	if prot&ProtGuard != 0 {
		return 0, errors.WithMessage(ErrProtection, "guard pages are not supported on linux")
	}
	start := pageFloor(addr, s.page)
	end := pageCeil(addr+size, s.page)
	old, err := s.Query(start)
	if err != nil {
		return 0, err
	}
	if err := unix.Mprotect(makeSlice(start, end-start), toUnixProt(prot)); err != nil {
		return 0, errors.WithMessagef(ErrProtection, "mprotect %#x: %v", start, err)
	}
	return old.Prot, nil
}

func (s *linuxSpace) Allocate(addr, size uintptr, prot Protection) (uintptr, error) {
	size = pageCeil(size, s.page)
	flags := unix.MAP_PRIVATE | unix.MAP_ANONYMOUS
	if addr != 0 {
		addr = pageFloor(addr, s.page)
		flags |= unix.MAP_FIXED_NOREPLACE
	}
	r, _, errno := unix.Syscall6(unix.SYS_MMAP, addr, size, uintptr(toUnixProt(prot)), uintptr(flags), ^uintptr(0), 0)
	if errno != 0 {
		if addr != 0 {
			return 0, errors.WithMessagef(ErrUnavailable, "mmap %#x: %v", addr, errno)
		}
		return 0, errors.WithMessagef(ErrBadAllocation, "mmap: %v", errno)
	}
	if addr != 0 && r != addr {
		// kernels without MAP_FIXED_NOREPLACE treat addr as a hint
		_, _, _ = unix.Syscall(unix.SYS_MUNMAP, r, size, 0)
		return 0, errors.WithMessagef(ErrUnavailable, "%#x", addr)
	}
	return r, nil
}

func (s *linuxSpace) Free(addr, size uintptr) error {
	if _, _, errno := unix.Syscall(unix.SYS_MUNMAP, addr, pageCeil(size, s.page), 0); errno != 0 {
		return errors.Errorf("munmap %#x: %v", addr, errno)
	}
	return nil
}

func (s *linuxSpace) Read(addr uintptr, buf []byte) error {
	if addr == 0 {
		return ErrInvalidAddress
	}
	copy(buf, makeSlice(addr, uintptr(len(buf))))
	return nil
}

func (s *linuxSpace) Write(addr uintptr, data []byte) error {
	if addr == 0 {
		return ErrInvalidAddress
	}
	copy(makeSlice(addr, uintptr(len(data))), data)
	return nil
}
