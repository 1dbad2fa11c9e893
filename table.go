package hookengine

import (
	"math"
	"strings"
	"sync"

	"github.com/pkg/errors"
	"go.uber.org/multierr"

	"github.com/k2io/hookengine/memory"
)

// TableHooker rewrites import or export address table slots of one module.
// It is safe for concurrent use.
type TableHooker struct {
	space  memory.Space
	kind   Kind
	module ModuleImage
	img    *peImage

	mu    sync.Mutex
	slots map[string]*tableSlot
}

// tableSlot is one rewritten slot. IAT slots hold pointers, EAT slots hold
// RVAs relative to the module base.
type tableSlot struct {
	owner       *TableHooker
	name        string
	addr        uintptr
	original    uintptr
	replacement uintptr
}

// NewIATHooker prepares hooks on the import address table of module.
func NewIATHooker(space memory.Space, module ModuleImage) (*TableHooker, error) {
	return newTableHooker(space, KindIAT, module)
}

// NewEATHooker prepares hooks on the export address table of module.
func NewEATHooker(space memory.Space, module ModuleImage) (*TableHooker, error) {
	return newTableHooker(space, KindEAT, module)
}

func newTableHooker(space memory.Space, kind Kind, module ModuleImage) (*TableHooker, error) {
	img, err := openImage(space, module.Base)
	if err != nil {
		return nil, errors.WithMessagef(err, "module %q", module.Name)
	}
	return &TableHooker{
		space:  space,
		kind:   kind,
		module: module,
		img:    img,
		slots:  make(map[string]*tableSlot),
	}, nil
}

func (t *TableHooker) Module() ModuleImage { return t.module }

// Hook points the slot for name at replacement and returns the address the
// slot held before.
func (t *TableHooker) Hook(name string, replacement uintptr) (uintptr, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	s, err := t.prepare(name, replacement)
	if err != nil {
		return 0, err
	}
	if err := s.write(t.space, replacement); err != nil {
		t.forgetLocked(s.name)
		return 0, err
	}
	return s.original, nil
}

// prepare locates and records the slot for name. Callers hold t.mu.
func (t *TableHooker) prepare(name string, replacement uintptr) (*tableSlot, error) {
	if replacement == 0 {
		return nil, errors.WithMessagef(ErrInvalidDetour, "null replacement for %s", name)
	}
	key := strings.ToLower(name)
	if _, ok := t.slots[key]; ok {
		return nil, errors.WithMessagef(ErrAlreadyHooked, "%s!%s", t.module.Name, name)
	}
	s := &tableSlot{owner: t, name: key, replacement: replacement}
	var err error
	switch t.kind {
	case KindIAT:
		if s.addr, err = t.img.findImport(name); err != nil {
			return nil, err
		}
		if s.original, err = memory.ReadUintptr(t.space, s.addr); err != nil {
			return nil, errors.Wrapf(err, "read import slot of %s", name)
		}
	case KindEAT:
		if _, err := t.rva(replacement); err != nil {
			return nil, err
		}
		if s.addr, err = t.img.findExport(name); err != nil {
			return nil, err
		}
		var b [4]byte
		if err := t.space.Read(s.addr, b[:]); err != nil {
			return nil, errors.Wrapf(err, "read export slot of %s", name)
		}
		s.original = t.img.at(le.Uint32(b[:]))
	default:
		return nil, errors.Errorf("%v is not a table hook", t.kind)
	}
	t.slots[key] = s
	return s, nil
}

func (t *TableHooker) rva(addr uintptr) (uint32, error) {
	if addr < t.module.Base || addr-t.module.Base > math.MaxUint32 {
		return 0, errors.WithMessagef(ErrInvalidDetour, "%#x is not addressable from module base %#x", addr, t.module.Base)
	}
	return uint32(addr - t.module.Base), nil
}

func (t *TableHooker) encode(v uintptr) ([]byte, error) {
	if t.kind == KindEAT {
		rva, err := t.rva(v)
		if err != nil {
			return nil, err
		}
		b := make([]byte, 4)
		le.PutUint32(b, rva)
		return b, nil
	}
	b := make([]byte, 8)
	le.PutUint64(b, uint64(v))
	return b, nil
}

// current decodes the slot's value as an absolute address.
func (t *TableHooker) current(s *tableSlot) (uintptr, error) {
	if t.kind == KindEAT {
		var b [4]byte
		if err := t.space.Read(s.addr, b[:]); err != nil {
			return 0, err
		}
		return t.img.at(le.Uint32(b[:])), nil
	}
	return memory.ReadUintptr(t.space, s.addr)
}

func (s *tableSlot) write(space memory.Space, v uintptr) error {
	b, err := s.owner.encode(v)
	if err != nil {
		return err
	}
	return memory.Patch(space, s.addr, b)
}

// revert restores the original value unless the slot no longer holds the
// replacement.
func (s *tableSlot) revert(space memory.Space) error {
	cur, err := s.owner.current(s)
	if err != nil {
		return errors.Wrapf(err, "read slot of %s", s.name)
	}
	if cur != s.replacement {
		return nil
	}
	return s.write(space, s.original)
}

func (t *TableHooker) forget(name string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.forgetLocked(name)
}

func (t *TableHooker) forgetLocked(name string) {
	delete(t.slots, strings.ToLower(name))
}

// Unhook restores the slot for name.
func (t *TableHooker) Unhook(name string) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	s, ok := t.slots[strings.ToLower(name)]
	if !ok {
		return errors.WithMessagef(ErrNotHooked, "%s!%s", t.module.Name, name)
	}
	if err := s.revert(t.space); err != nil {
		return err
	}
	delete(t.slots, s.name)
	return nil
}

// UnhookAll restores every slot that still holds its replacement.
func (t *TableHooker) UnhookAll() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	var err error
	for name, s := range t.slots {
		if e := s.revert(t.space); e != nil {
			err = multierr.Append(err, e)
			continue
		}
		delete(t.slots, name)
	}
	return err
}

// Original returns the address the slot for name held before it was hooked.
func (t *TableHooker) Original(name string) (uintptr, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	s, ok := t.slots[strings.ToLower(name)]
	if !ok {
		return 0, false
	}
	return s.original, true
}

func (t *TableHooker) Hooked(name string) bool {
	_, ok := t.Original(name)
	return ok
}

type tableKey struct {
	kind Kind
	base uintptr
}

// InstallIAT rewrites module's import slot for symbol.
func (r *Registry) InstallIAT(module ModuleImage, symbol string, replacement uintptr, opts ...InstallOption) (*Hook, error) {
	return r.installTable(KindIAT, module, symbol, replacement, opts)
}

// InstallEAT rewrites module's export slot for symbol. replacement must lie
// above the module base within the 32-bit RVA range.
func (r *Registry) InstallEAT(module ModuleImage, symbol string, replacement uintptr, opts ...InstallOption) (*Hook, error) {
	return r.installTable(KindEAT, module, symbol, replacement, opts)
}

func (r *Registry) installTable(kind Kind, module ModuleImage, symbol string, replacement uintptr, opts []InstallOption) (*Hook, error) {
	cfg := newInstallConfig(opts)
	id := TableID(module.Name, symbol)

	r.mu.Lock()
	defer r.mu.Unlock()
	if err := r.admit(id, cfg); err != nil {
		return nil, r.failed(kind, id, cfg, module.Base, err)
	}
	key := tableKey{kind: kind, base: module.Base}
	t, ok := r.tables[key]
	if !ok {
		var err error
		if t, err = newTableHooker(r.space, kind, module); err != nil {
			return nil, r.failed(kind, id, cfg, module.Base, err)
		}
		r.tables[key] = t
	}
	t.mu.Lock()
	s, err := t.prepare(symbol, replacement)
	t.mu.Unlock()
	if err != nil {
		return nil, r.failed(kind, id, cfg, module.Base, err)
	}
	h := &Hook{
		reg:    r,
		id:     id,
		kind:   kind,
		name:   cfg.name,
		target: s.addr,
		detour: replacement,
		conv:   cfg.conv,
		table:  s,
	}
	if err := r.commit(h); err != nil {
		t.forget(s.name)
		return nil, r.failed(kind, id, cfg, s.addr, err)
	}
	return h, nil
}
