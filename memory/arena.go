package memory

import (
	"os"
	"sync"
	"unsafe"

	"github.com/edsrzf/mmap-go"
	"github.com/pkg/errors"
)

type pageState struct {
	committed bool
	prot      Protection
	denied    bool
}

// Arena is a Space confined to one anonymous mapping. Commit state and
// protections are bookkept per page rather than applied to the mapping, which
// stays read/write/execute underneath, so code placed in an arena can still
// be executed natively. Reads and writes honour the bookkept protection, and
// touching a guarded page clears the guard and fails once, like the OS does.
type Arena struct {
	mu    sync.Mutex
	mem   mmap.MMap
	base  uintptr
	page  uintptr
	pages []pageState
}

// NewArena maps an arena of n pages. All pages start uncommitted.
func NewArena(n int) (*Arena, error) {
	if n <= 0 {
		return nil, errors.Errorf("arena of %d pages", n)
	}
	page := uintptr(os.Getpagesize())
	m, err := mmap.MapRegion(nil, n*int(page), mmap.RDWR|mmap.EXEC, mmap.ANON, 0)
	if err != nil {
		return nil, errors.Wrap(err, "map arena")
	}
	return &Arena{
		mem:   m,
		base:  uintptr(unsafe.Pointer(&m[0])),
		page:  page,
		pages: make([]pageState, n),
	}, nil
}

// Close unmaps the arena. Addresses handed out become invalid.
func (a *Arena) Close() error {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.mem.Unmap()
}

// Base is the address of the first page.
func (a *Arena) Base() uintptr { return a.base }

// Size is the arena length in bytes.
func (a *Arena) Size() uintptr { return uintptr(len(a.mem)) }

func (a *Arena) PageSize() uintptr { return a.page }

func (a *Arena) Bounds() (uintptr, uintptr) {
	return a.base, a.base + uintptr(len(a.mem)) - 1
}

// DenyProtect makes later protection changes of the page holding addr fail.
func (a *Arena) DenyProtect(addr uintptr) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if i, ok := a.index(addr); ok {
		a.pages[i].denied = true
	}
}

// Peek copies n bytes at addr regardless of protection.
func (a *Arena) Peek(addr uintptr, n int) []byte {
	a.mu.Lock()
	defer a.mu.Unlock()
	off := addr - a.base
	out := make([]byte, n)
	copy(out, a.mem[off:])
	return out
}

func (a *Arena) index(addr uintptr) (int, bool) {
	if addr < a.base || addr-a.base >= uintptr(len(a.mem)) {
		return 0, false
	}
	return int((addr - a.base) / a.page), true
}

// span returns the page indexes covering [addr, addr+size).
func (a *Arena) span(addr, size uintptr) (int, int, bool) {
	if size == 0 {
		size = 1
	}
	first, ok := a.index(addr)
	if !ok {
		return 0, 0, false
	}
	last, ok := a.index(addr + size - 1)
	if !ok || addr+size-1 < addr {
		return 0, 0, false
	}
	return first, last, true
}

func (a *Arena) Query(addr uintptr) (Region, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	i, ok := a.index(addr)
	if !ok {
		return Region{}, errors.WithMessagef(ErrInvalidAddress, "%#x outside arena", addr)
	}
	st := a.pages[i]
	same := func(j int) bool {
		return a.pages[j].committed == st.committed && a.pages[j].prot == st.prot
	}
	lo, hi := i, i
	for lo > 0 && same(lo-1) {
		lo--
	}
	for hi < len(a.pages)-1 && same(hi+1) {
		hi++
	}
	return Region{
		Base:      a.base + uintptr(lo)*a.page,
		Size:      uintptr(hi-lo+1) * a.page,
		Committed: st.committed,
		Prot:      st.prot,
	}, nil
}

func (a *Arena) Protect(addr, size uintptr, prot Protection) (Protection, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	first, last, ok := a.span(addr, size)
	if !ok {
		return 0, errors.WithMessagef(ErrInvalidAddress, "protect %#x outside arena", addr)
	}
	for i := first; i <= last; i++ {
		if !a.pages[i].committed {
			return 0, errors.WithMessagef(ErrAccess, "protect uncommitted page %#x", a.base+uintptr(i)*a.page)
		}
		if a.pages[i].denied {
			return 0, errors.WithMessagef(ErrProtection, "page %#x is locked", a.base+uintptr(i)*a.page)
		}
	}
	old := a.pages[first].prot
	for i := first; i <= last; i++ {
		a.pages[i].prot = prot
	}
	return old, nil
}

func (a *Arena) Allocate(addr, size uintptr, prot Protection) (uintptr, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	n := int(pageCeil(size, a.page) / a.page)
	if n == 0 {
		n = 1
	}
	free := func(first int) bool {
		if first < 0 || first+n > len(a.pages) {
			return false
		}
		for i := first; i < first+n; i++ {
			if a.pages[i].committed {
				return false
			}
		}
		return true
	}
	first := -1
	if addr == 0 {
		for i := 0; i+n <= len(a.pages); i++ {
			if free(i) {
				first = i
				break
			}
		}
		if first < 0 {
			return 0, errors.WithMessagef(ErrBadAllocation, "arena full")
		}
	} else {
		i, ok := a.index(pageFloor(addr, a.page))
		if !ok || !free(i) {
			return 0, errors.WithMessagef(ErrUnavailable, "%#x", addr)
		}
		first = i
	}
	for i := first; i < first+n; i++ {
		a.pages[i] = pageState{committed: true, prot: prot}
	}
	off := uintptr(first) * a.page
	clear(a.mem[off : off+uintptr(n)*a.page])
	return a.base + off, nil
}

func (a *Arena) Free(addr, size uintptr) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	first, last, ok := a.span(pageFloor(addr, a.page), pageCeil(size, a.page))
	if !ok {
		return errors.WithMessagef(ErrInvalidAddress, "free %#x outside arena", addr)
	}
	for i := first; i <= last; i++ {
		if !a.pages[i].committed {
			return errors.WithMessagef(ErrInvalidAddress, "free of uncommitted page %#x", a.base+uintptr(i)*a.page)
		}
	}
	for i := first; i <= last; i++ {
		a.pages[i] = pageState{}
	}
	return nil
}

func (a *Arena) access(addr uintptr, n int, need Protection) error {
	if n == 0 {
		return nil
	}
	first, last, ok := a.span(addr, uintptr(n))
	if !ok {
		return errors.WithMessagef(ErrAccess, "%#x outside arena", addr)
	}
	for i := first; i <= last; i++ {
		st := &a.pages[i]
		page := a.base + uintptr(i)*a.page
		if !st.committed || st.prot&need != need {
			return errors.WithMessagef(ErrAccess, "%v access to %#x (%v)", need, page, st.prot)
		}
		if st.prot&ProtGuard != 0 {
			st.prot &^= ProtGuard
			return errors.WithMessagef(ErrAccess, "guard page %#x", page)
		}
	}
	return nil
}

func (a *Arena) Read(addr uintptr, buf []byte) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	if err := a.access(addr, len(buf), ProtRead); err != nil {
		return err
	}
	copy(buf, a.mem[addr-a.base:])
	return nil
}

func (a *Arena) Write(addr uintptr, data []byte) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	if err := a.access(addr, len(data), ProtWrite); err != nil {
		return err
	}
	copy(a.mem[addr-a.base:], data)
	return nil
}
