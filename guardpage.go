package hookengine

import (
	"sync"

	"github.com/pkg/errors"
	"go.uber.org/zap"

	"github.com/k2io/hookengine/memory"
)

type guardWatch struct {
	addr     uintptr
	page     uintptr
	callback BreakpointCallback
	hook     *Hook
}

// rearmSet holds, per thread, the page whose guard must be restored on the
// thread's next single step.
type rearmSet struct {
	mu      sync.Mutex
	pending map[uint32]uintptr
}

func (s *rearmSet) put(tid uint32, page uintptr) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.pending[tid] = page
}

func (s *rearmSet) take(tid uint32) (uintptr, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	page, ok := s.pending[tid]
	delete(s.pending, tid)
	return page, ok
}

// InstallGuardPage runs callback whenever execution reaches addr, by
// guarding the page that holds it. The page must not be guarded already.
func (r *Registry) InstallGuardPage(addr uintptr, callback BreakpointCallback, opts ...InstallOption) (*Hook, error) {
	cfg := newInstallConfig(opts)
	id := GuardID(addr)
	kind := KindGuardPage

	r.mu.Lock()
	defer r.mu.Unlock()
	if addr == 0 {
		return nil, r.failed(kind, id, cfg, addr, ErrInvalidAddress)
	}
	if callback == nil {
		return nil, r.failed(kind, id, cfg, addr, errors.WithMessage(ErrInvalidDetour, "nil guard callback"))
	}
	if _, ok := r.guards[addr]; ok {
		return nil, r.failed(kind, id, cfg, addr, errors.WithMessagef(ErrAlreadyHooked, "%#x", addr))
	}
	if err := r.attachFaults(); err != nil {
		return nil, r.failed(kind, id, cfg, addr, err)
	}
	g := &guardWatch{
		addr:     addr,
		page:     addr &^ (r.space.PageSize() - 1),
		callback: callback,
	}
	h := &Hook{
		reg:    r,
		id:     id,
		kind:   kind,
		name:   cfg.name,
		target: addr,
		conv:   cfg.conv,
		guard:  g,
	}
	g.hook = h
	r.guards[addr] = g
	if err := r.commit(h); err != nil {
		delete(r.guards, addr)
		return nil, r.failed(kind, id, cfg, addr, err)
	}
	return h, nil
}

// armGuard sets the guard flag on g's page, refusing a page that is
// already guarded.
func (r *Registry) armGuard(g *guardWatch) error {
	reg, err := r.space.Query(g.page)
	if err != nil {
		return errors.WithMessagef(ErrInvalidAddress, "query %#x: %v", g.page, err)
	}
	if !reg.Committed {
		return errors.WithMessagef(ErrInvalidAddress, "%#x is not committed", g.addr)
	}
	if reg.Prot&memory.ProtGuard != 0 {
		return errors.WithMessagef(ErrAlreadyHooked, "page %#x is already guarded", g.page)
	}
	if _, err := r.space.Protect(g.page, r.space.PageSize(), reg.Prot|memory.ProtGuard); err != nil {
		return errors.WithMessagef(ErrProtection, "guard %#x: %v", g.page, err)
	}
	return nil
}

// disarmGuard strips the guard flag so a removed watch stops faulting
// immediately instead of on the next access.
func (r *Registry) disarmGuard(g *guardWatch) error {
	if r.pageWatched(g.page, g) {
		return nil
	}
	reg, err := r.space.Query(g.page)
	if err != nil {
		return errors.WithMessagef(ErrInvalidAddress, "query %#x: %v", g.page, err)
	}
	if reg.Prot&memory.ProtGuard == 0 {
		return nil
	}
	if _, err := r.space.Protect(g.page, r.space.PageSize(), reg.Prot&^memory.ProtGuard); err != nil {
		return errors.WithMessagef(ErrProtection, "unguard %#x: %v", g.page, err)
	}
	return nil
}

// pageWatched reports whether an enabled watch other than skip shares page.
func (r *Registry) pageWatched(page uintptr, skip *guardWatch) bool {
	for _, g := range r.guards {
		if g != skip && g.page == page && g.hook.enabled {
			return true
		}
	}
	return false
}

// fireGuard handles a guard page violation on a watched page. Every access
// to the page schedules a re-arm on the next instruction; the callback only
// runs when execution reached the watched address itself.
func (r *Registry) fireGuard(e *Exception) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	page := e.Access &^ (r.space.PageSize() - 1)
	var hit *guardWatch
	watched := false
	for _, g := range r.guards {
		if g.page != page || !g.hook.enabled {
			continue
		}
		watched = true
		if uintptr(e.Context.Rip) == g.addr {
			hit = g
			break
		}
	}
	if !watched {
		return false
	}
	r.rearm.put(e.Thread, page)
	e.Context.EFlags |= flagTrap
	if hit != nil {
		hit.callback(e.Context)
	}
	return true
}

// rearmGuard restores the guard flag a previous violation on this thread
// consumed.
func (r *Registry) rearmGuard(e *Exception) bool {
	page, ok := r.rearm.take(e.Thread)
	if !ok {
		return false
	}
	r.mu.RLock()
	defer r.mu.RUnlock()
	if !r.pageWatched(page, nil) {
		return true
	}
	reg, err := r.space.Query(page)
	if err != nil || reg.Prot&memory.ProtGuard != 0 {
		return true
	}
	if _, err := r.space.Protect(page, r.space.PageSize(), reg.Prot|memory.ProtGuard); err != nil {
		r.log.Warn("cannot re-arm guard page", zap.Uintptr("page", page), zap.Error(err))
	}
	return true
}
