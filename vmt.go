package hookengine

import (
	"sort"
	"sync"

	"github.com/pkg/errors"
	"go.uber.org/multierr"
	"go.uber.org/zap"

	"github.com/k2io/hookengine/memory"
)

// VMT rewrites slots of the virtual method table an object points at. The
// table itself is never owned; only the slots it overwrote are restored.
type VMT struct {
	space  memory.Space
	object uintptr
	table  uintptr
	length int

	mu    sync.Mutex
	slots map[int]*vmtSlot
}

type vmtSlot struct {
	owner       *VMT
	index       int
	addr        uintptr
	original    uintptr
	replacement uintptr
}

// NewVMT reads the table pointer stored at object and probes its length.
func NewVMT(space memory.Space, object uintptr) (*VMT, error) {
	if object == 0 {
		return nil, errors.WithMessage(ErrInvalidAddress, "null object")
	}
	table, err := memory.ReadUintptr(space, object)
	if err != nil {
		return nil, errors.WithMessagef(ErrInvalidAddress, "read table pointer of %#x: %v", object, err)
	}
	if table == 0 {
		return nil, errors.WithMessagef(ErrInvalidAddress, "object %#x has no table", object)
	}
	v := &VMT{
		space:  space,
		object: object,
		table:  table,
		slots:  make(map[int]*vmtSlot),
	}
	v.length = v.probeLength()
	return v, nil
}

// probeLength counts the leading slots that point at committed executable
// memory.
func (v *VMT) probeLength() int {
	n := 0
	for ; ; n++ {
		fn, err := memory.ReadUintptr(v.space, v.slotAddr(n))
		if err != nil || fn == 0 {
			return n
		}
		reg, err := v.space.Query(fn)
		if err != nil || !reg.Committed || !reg.Prot.Executable() {
			return n
		}
	}
}

func (v *VMT) slotAddr(index int) uintptr {
	return v.table + uintptr(index)*8
}

func (v *VMT) Object() uintptr { return v.object }
func (v *VMT) Table() uintptr  { return v.table }

// Len is the probed number of methods.
func (v *VMT) Len() int { return v.length }

// Hook points slot index at replacement and returns the method it held.
func (v *VMT) Hook(index int, replacement uintptr) (uintptr, error) {
	v.mu.Lock()
	defer v.mu.Unlock()
	s, err := v.prepare(index, replacement)
	if err != nil {
		return 0, err
	}
	if err := s.write(v.space, replacement); err != nil {
		delete(v.slots, index)
		return 0, err
	}
	return s.original, nil
}

// prepare records slot index. Callers hold v.mu.
func (v *VMT) prepare(index int, replacement uintptr) (*vmtSlot, error) {
	if index < 0 || index >= v.length {
		return nil, errors.WithMessagef(ErrIndexOutOfBounds, "index %d of %d methods", index, v.length)
	}
	if replacement == 0 {
		return nil, errors.WithMessagef(ErrInvalidDetour, "null replacement for method %d", index)
	}
	if _, ok := v.slots[index]; ok {
		return nil, errors.WithMessagef(ErrAlreadyHooked, "method %d of %#x", index, v.object)
	}
	addr := v.slotAddr(index)
	orig, err := memory.ReadUintptr(v.space, addr)
	if err != nil {
		return nil, errors.Wrapf(err, "read method %d", index)
	}
	s := &vmtSlot{owner: v, index: index, addr: addr, original: orig, replacement: replacement}
	v.slots[index] = s
	return s, nil
}

func (s *vmtSlot) write(space memory.Space, fn uintptr) error {
	return memory.WriteUintptr(space, s.addr, fn)
}

func (s *vmtSlot) revert(space memory.Space) error {
	cur, err := memory.ReadUintptr(space, s.addr)
	if err != nil {
		return errors.Wrapf(err, "read method %d", s.index)
	}
	if cur != s.replacement {
		return nil
	}
	return s.write(space, s.original)
}

func (v *VMT) forget(index int) {
	v.mu.Lock()
	defer v.mu.Unlock()
	delete(v.slots, index)
}

// Unhook restores slot index.
func (v *VMT) Unhook(index int) error {
	v.mu.Lock()
	defer v.mu.Unlock()
	s, ok := v.slots[index]
	if !ok {
		return errors.WithMessagef(ErrNotHooked, "method %d of %#x", index, v.object)
	}
	if err := s.revert(v.space); err != nil {
		return err
	}
	delete(v.slots, index)
	return nil
}

// UnhookAll restores every slot still holding its replacement.
func (v *VMT) UnhookAll() error {
	v.mu.Lock()
	defer v.mu.Unlock()
	var err error
	for i, s := range v.slots {
		if e := s.revert(v.space); e != nil {
			err = multierr.Append(err, e)
			continue
		}
		delete(v.slots, i)
	}
	return err
}

// Original returns the method slot index held before it was hooked.
func (v *VMT) Original(index int) (uintptr, bool) {
	v.mu.Lock()
	defer v.mu.Unlock()
	s, ok := v.slots[index]
	if !ok {
		return 0, false
	}
	return s.original, true
}

// VMTHandle installs registry tracked hooks on one object's table.
type VMTHandle struct {
	reg *Registry
	vmt *VMT
}

// InstallVMT opens the table of object. Opening the same object twice
// returns the same handle.
func (r *Registry) InstallVMT(object uintptr, opts ...InstallOption) (*VMTHandle, error) {
	cfg := newInstallConfig(opts)
	r.mu.Lock()
	defer r.mu.Unlock()
	if h, ok := r.vmts[object]; ok {
		return h, nil
	}
	v, err := NewVMT(r.space, object)
	if err != nil {
		return nil, r.failed(KindVMT, VMTID(object, -1), cfg, object, err)
	}
	h := &VMTHandle{reg: r, vmt: v}
	r.vmts[object] = h
	r.log.Debug("vmt opened", zap.Uintptr("object", object), zap.Int("methods", v.length))
	return h, nil
}

func (h *VMTHandle) Object() uintptr { return h.vmt.object }
func (h *VMTHandle) Len() int        { return h.vmt.length }

// Hook replaces method index and registers the hook under VMTID.
func (h *VMTHandle) Hook(index int, replacement uintptr, opts ...InstallOption) (*Hook, error) {
	r := h.reg
	cfg := newInstallConfig(opts)
	id := VMTID(h.vmt.object, index)

	r.mu.Lock()
	defer r.mu.Unlock()
	if r.vmts[h.vmt.object] != h {
		return nil, r.failed(KindVMT, id, cfg, h.vmt.object, errors.WithMessage(ErrNotHooked, "vmt handle closed"))
	}
	if err := r.admit(id, cfg); err != nil {
		return nil, r.failed(KindVMT, id, cfg, h.vmt.object, err)
	}
	h.vmt.mu.Lock()
	s, err := h.vmt.prepare(index, replacement)
	h.vmt.mu.Unlock()
	if err != nil {
		return nil, r.failed(KindVMT, id, cfg, h.vmt.object, err)
	}
	hk := &Hook{
		reg:    r,
		id:     id,
		kind:   KindVMT,
		name:   cfg.name,
		target: s.addr,
		detour: replacement,
		conv:   cfg.conv,
		vmt:    s,
	}
	if err := r.commit(hk); err != nil {
		h.vmt.forget(index)
		return nil, r.failed(KindVMT, id, cfg, s.addr, err)
	}
	return hk, nil
}

// Unhook removes the hook on method index.
func (h *VMTHandle) Unhook(index int) error {
	return h.reg.Unhook(VMTID(h.vmt.object, index))
}

// UnhookAll removes every hook on the object's table, keeping the handle
// open.
func (h *VMTHandle) UnhookAll() error {
	r := h.reg
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.unhookObject(h.vmt.object)
}

// Close removes every hook on the table and forgets the handle.
func (h *VMTHandle) Close() error {
	r := h.reg
	r.mu.Lock()
	defer r.mu.Unlock()
	err := r.unhookObject(h.vmt.object)
	if r.vmts[h.vmt.object] == h {
		delete(r.vmts, h.vmt.object)
	}
	return err
}

// unhookObject removes the VMT hooks of object. Callers hold the write lock.
func (r *Registry) unhookObject(object uintptr) error {
	var ids []Identity
	for id := range r.hooks {
		if id.scope == scopeVMT && id.addr == object {
			ids = append(ids, id)
		}
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i].index < ids[j].index })
	var err error
	for _, id := range ids {
		list := r.hooks[id]
		for i := len(list) - 1; i >= 0; i-- {
			err = multierr.Append(err, list[i].remove())
		}
		delete(r.hooks, id)
	}
	return err
}
