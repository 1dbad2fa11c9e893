package memory

import (
	"encoding/binary"
	"sync"

	"github.com/pkg/errors"
)

var le = binary.LittleEndian

type savedProt struct {
	addr uintptr
	prot Protection
}

// Unprotect makes every page overlapping [addr, addr+size) writable and
// returns a function that puts each page back to the protection it had.
// The restore function must be called on every path.
func Unprotect(s Space, addr, size uintptr) (func() error, error) {
	if addr == 0 {
		return nil, ErrInvalidAddress
	}
	page := s.PageSize()
	start := pageFloor(addr, page)
	end := pageCeil(addr+size, page)
	saved := make([]savedProt, 0, (end-start)/page)
	restore := func() error {
		var err error
		for i := len(saved) - 1; i >= 0; i-- {
			if _, perr := s.Protect(saved[i].addr, page, saved[i].prot); perr != nil && err == nil {
				err = errors.WithMessagef(ErrProtection, "restore %#x to %v: %v", saved[i].addr, saved[i].prot, perr)
			}
		}
		return err
	}
	for p := start; p < end; p += page {
		old, err := s.Protect(p, page, ProtRWX)
		if err != nil {
			_ = restore()
			return nil, errors.WithMessagef(ErrProtection, "unprotect %#x: %v", p, err)
		}
		saved = append(saved, savedProt{addr: p, prot: old})
	}
	return restore, nil
}

// Patch writes data at addr inside a scoped unprotect. The prior protection
// of each touched page is restored whether or not the write succeeds.
func Patch(s Space, addr uintptr, data []byte) error {
	if addr == 0 {
		return ErrInvalidAddress
	}
	if len(data) == 0 {
		return nil
	}
	restore, err := Unprotect(s, addr, uintptr(len(data)))
	if err != nil {
		return err
	}
	werr := s.Write(addr, data)
	rerr := restore()
	if werr != nil {
		return errors.Wrapf(werr, "patch %#x", addr)
	}
	if rerr != nil {
		return rerr
	}
	if f, ok := s.(flusher); ok {
		return f.FlushInstructionCache(addr, uintptr(len(data)))
	}
	return nil
}

// Seal sets the final protection of freshly written code.
func Seal(s Space, addr, size uintptr, prot Protection) error {
	if _, err := s.Protect(addr, size, prot); err != nil {
		return errors.WithMessagef(ErrProtection, "seal %#x: %v", addr, err)
	}
	if f, ok := s.(flusher); ok {
		return f.FlushInstructionCache(addr, size)
	}
	return nil
}

// BytePatch swaps a byte range between its original content and a
// replacement.
type BytePatch struct {
	space    Space
	addr     uintptr
	original []byte
	patched  []byte

	mu      sync.Mutex
	enabled bool
}

// NewBytePatch remembers the bytes currently at addr. Nothing is written
// until Enable.
func NewBytePatch(s Space, addr uintptr, patched []byte) (*BytePatch, error) {
	if addr == 0 {
		return nil, ErrInvalidAddress
	}
	if len(patched) == 0 {
		return nil, errors.New("empty patch")
	}
	orig := make([]byte, len(patched))
	if err := s.Read(addr, orig); err != nil {
		return nil, errors.Wrapf(err, "read original bytes at %#x", addr)
	}
	return &BytePatch{
		space:    s,
		addr:     addr,
		original: orig,
		patched:  append([]byte(nil), patched...),
	}, nil
}

// NewNopPatch prepares a patch that blanks n bytes at addr with NOPs.
func NewNopPatch(s Space, addr uintptr, n int) (*BytePatch, error) {
	if n <= 0 {
		return nil, errors.Errorf("nop patch of %d bytes", n)
	}
	return NewBytePatch(s, addr, Nops(n))
}

func (p *BytePatch) Address() uintptr { return p.addr }

func (p *BytePatch) Original() []byte {
	return append([]byte(nil), p.original...)
}

func (p *BytePatch) Enabled() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.enabled
}

func (p *BytePatch) Enable() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.set(true)
}

func (p *BytePatch) Disable() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.set(false)
}

func (p *BytePatch) Toggle() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.set(!p.enabled)
}

func (p *BytePatch) set(on bool) error {
	if p.enabled == on {
		return nil
	}
	data := p.original
	if on {
		data = p.patched
	}
	if err := Patch(p.space, p.addr, data); err != nil {
		return err
	}
	p.enabled = on
	return nil
}
