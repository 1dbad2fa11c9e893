package hookengine

import (
	"fmt"
	"sort"
	"sync"
	"sync/atomic"

	"github.com/pkg/errors"
	"go.uber.org/multierr"
	"go.uber.org/zap"

	"github.com/k2io/hookengine/memory"
)

// Registry tracks every hook installed through it. Mutations hold the write
// lock; lookups and fault dispatch hold the read lock.
type Registry struct {
	mu sync.RWMutex

	space   memory.Space
	log     *zap.Logger
	threads Threads
	faults  ExceptionSource
	modules func(name string) (ModuleImage, error)

	// hooks applied with identities as keys, newest last
	hooks  map[Identity][]*Hook
	vmts   map[uintptr]*VMTHandle
	tables map[tableKey]*TableHooker
	// inline and mid hooks per target, oldest first
	stacks map[uintptr][]*Hook

	breakpoints [debugSlots]*breakpoint
	guards      map[uintptr]*guardWatch
	rearm       rearmSet
	unsubscribe func()

	seq   uint64
	fails atomic.Int64
}

// Option configures a Registry.
type Option func(*Registry)

// WithSpace sets the address space hooks are installed in. The default is
// the running process.
func WithSpace(s memory.Space) Option {
	return func(r *Registry) { r.space = s }
}

// WithLogger sets the logger install results are reported to.
func WithLogger(l *zap.Logger) Option {
	return func(r *Registry) { r.log = l }
}

// WithThreads sets the thread controller hardware breakpoints are applied
// through.
func WithThreads(t Threads) Option {
	return func(r *Registry) { r.threads = t }
}

// WithExceptionSource sets where hardware and guard-page faults come from.
func WithExceptionSource(src ExceptionSource) Option {
	return func(r *Registry) { r.faults = src }
}

// WithModuleResolver sets how hook lists resolve module names. The default
// is FindModule.
func WithModuleResolver(fn func(name string) (ModuleImage, error)) Option {
	return func(r *Registry) { r.modules = fn }
}

// New builds an empty registry.
func New(opts ...Option) *Registry {
	r := &Registry{
		hooks:  make(map[Identity][]*Hook),
		vmts:   make(map[uintptr]*VMTHandle),
		tables: make(map[tableKey]*TableHooker),
		stacks: make(map[uintptr][]*Hook),
		guards: make(map[uintptr]*guardWatch),
	}
	for _, o := range opts {
		o(r)
	}
	if r.space == nil {
		r.space = memory.Native()
	}
	if r.log == nil {
		r.log = zap.NewNop()
	}
	if r.threads == nil {
		r.threads = processThreads()
	}
	if r.faults == nil {
		r.faults = processExceptions()
	}
	if r.modules == nil {
		r.modules = FindModule
	}
	r.rearm.pending = make(map[uint32]uintptr)
	return r
}

// Space is the address space the registry installs into.
func (r *Registry) Space() memory.Space { return r.space }

// InstallOption adjusts a single install.
type InstallOption func(*installConfig)

type installConfig struct {
	duplicate bool
	name      string
	conv      CallConv
	prologue  int
}

// AllowDuplicate lets the hook share its identity with hooks already
// installed.
func AllowDuplicate() InstallOption {
	return func(c *installConfig) { c.duplicate = true }
}

// Named attaches a name used in logs and descriptions.
func Named(name string) InstallOption {
	return func(c *installConfig) { c.name = name }
}

// WithConv tags the hook's OriginalBinding with a calling convention.
func WithConv(conv CallConv) InstallOption {
	return func(c *installConfig) { c.conv = conv }
}

// WithPrologueLength overwrites exactly n bytes at the target instead of
// the shortest instruction run that fits the jump.
func WithPrologueLength(n int) InstallOption {
	return func(c *installConfig) { c.prologue = n }
}

func newInstallConfig(opts []InstallOption) installConfig {
	var c installConfig
	for _, o := range opts {
		o(&c)
	}
	return c
}

// Hook is one installed record.
type Hook struct {
	reg    *Registry
	id     Identity
	kind   Kind
	name   string
	target uintptr
	detour uintptr
	conv   CallConv

	// set according to kind
	code  *codeHook
	table *tableSlot
	vmt   *vmtSlot
	bp    *breakpoint
	guard *guardWatch

	// install order within the registry
	seq     uint64
	enabled bool
	err     error
	removed bool
}

func (h *Hook) ID() Identity    { return h.id }
func (h *Hook) Kind() Kind      { return h.kind }
func (h *Hook) Name() string    { return h.name }
func (h *Hook) Target() uintptr { return h.target }
func (h *Hook) Detour() uintptr { return h.detour }

func (h *Hook) Enabled() bool {
	h.reg.mu.RLock()
	defer h.reg.mu.RUnlock()
	return h.enabled
}

// Err is the last error an enable or disable of the hook ran into.
func (h *Hook) Err() error {
	h.reg.mu.RLock()
	defer h.reg.mu.RUnlock()
	return h.err
}

// Original is the binding to the displaced code. It stays valid while the
// hook is disabled and becomes zero once the hook is removed.
func (h *Hook) Original() OriginalBinding {
	h.reg.mu.RLock()
	defer h.reg.mu.RUnlock()
	return h.original()
}

func (h *Hook) original() OriginalBinding {
	if h.removed {
		return OriginalBinding{}
	}
	var addr uintptr
	switch h.kind {
	case KindInline, KindMid:
		addr = h.code.original
	case KindIAT, KindEAT:
		addr = h.table.original
	case KindVMT:
		addr = h.vmt.original
	case KindHardwareBreakpoint, KindGuardPage:
		// execution resumes at the watched address itself
		addr = h.target
	}
	return OriginalBinding{Address: addr, Conv: h.conv}
}

// String describes the hook. It takes the registry's read lock.
func (h *Hook) String() string {
	name := h.name
	if name == "" {
		name = h.id.String()
	}
	return fmt.Sprintf("%s %s target=%#x enabled=%t", h.kind, name, h.target, h.Enabled())
}

func (h *Hook) Enable() error {
	h.reg.mu.Lock()
	defer h.reg.mu.Unlock()
	return h.setEnabled(true)
}

func (h *Hook) Disable() error {
	h.reg.mu.Lock()
	defer h.reg.mu.Unlock()
	return h.setEnabled(false)
}

func (h *Hook) Toggle() error {
	h.reg.mu.Lock()
	defer h.reg.mu.Unlock()
	return h.setEnabled(!h.enabled)
}

// Unhook restores the hooked memory and removes the record. A second call
// returns ErrNotHooked.
func (h *Hook) Unhook() error {
	h.reg.mu.Lock()
	defer h.reg.mu.Unlock()
	if h.removed {
		return ErrNotHooked
	}
	err := h.remove()
	h.reg.drop(h)
	return err
}

func (h *Hook) setEnabled(on bool) error {
	if h.removed {
		return ErrNotHooked
	}
	if h.enabled == on {
		return nil
	}
	var err error
	if on {
		err = h.apply()
	} else {
		err = h.restore()
	}
	if err != nil {
		h.err = err
		return err
	}
	h.enabled = on
	return nil
}

// apply writes the redirect for the hook's kind.
func (h *Hook) apply() error {
	switch h.kind {
	case KindInline, KindMid:
		return h.reg.applyCode(h)
	case KindIAT, KindEAT:
		return h.table.write(h.reg.space, h.table.replacement)
	case KindVMT:
		return h.vmt.write(h.reg.space, h.vmt.replacement)
	case KindHardwareBreakpoint:
		return h.reg.armBreakpoint(h.bp)
	case KindGuardPage:
		return h.reg.armGuard(h.guard)
	}
	return errors.Errorf("unknown hook kind %v", h.kind)
}

// restore puts back what apply replaced.
func (h *Hook) restore() error {
	switch h.kind {
	case KindInline, KindMid:
		return h.reg.restoreCode(h)
	case KindIAT, KindEAT:
		return h.table.revert(h.reg.space)
	case KindVMT:
		return h.vmt.revert(h.reg.space)
	case KindHardwareBreakpoint:
		return h.reg.disarmBreakpoint(h.bp)
	case KindGuardPage:
		return h.reg.disarmGuard(h.guard)
	}
	return errors.Errorf("unknown hook kind %v", h.kind)
}

// remove restores memory if needed and releases what the hook owns.
func (h *Hook) remove() error {
	var err error
	if h.kind == KindInline || h.kind == KindMid {
		err = h.reg.removeCode(h)
	} else if h.enabled {
		err = h.restore()
	}
	if err != nil {
		h.err = err
	}
	switch h.kind {
	case KindIAT, KindEAT:
		h.table.owner.forget(h.table.name)
	case KindVMT:
		h.vmt.owner.forget(h.vmt.index)
	case KindHardwareBreakpoint:
		h.reg.breakpoints[h.bp.slot] = nil
	case KindGuardPage:
		delete(h.reg.guards, h.guard.addr)
	}
	h.enabled = false
	h.removed = true
	return err
}

// drop unlinks h from the identity table. Callers hold the write lock.
func (r *Registry) drop(h *Hook) {
	list := r.hooks[h.id]
	for i, x := range list {
		if x == h {
			list = append(list[:i:i], list[i+1:]...)
			break
		}
	}
	if len(list) == 0 {
		delete(r.hooks, h.id)
		return
	}
	r.hooks[h.id] = list
}

// admit checks that id may be installed. Callers hold the write lock.
func (r *Registry) admit(id Identity, cfg installConfig) error {
	if !cfg.duplicate && len(r.hooks[id]) > 0 {
		return errors.WithMessagef(ErrAlreadyHooked, "%v", id)
	}
	return nil
}

// commit enables h and links it in. Callers hold the write lock.
func (r *Registry) commit(h *Hook) error {
	if err := h.apply(); err != nil {
		return err
	}
	h.enabled = true
	r.seq++
	h.seq = r.seq
	r.hooks[h.id] = append(r.hooks[h.id], h)
	r.log.Debug("hook installed",
		zap.Stringer("kind", h.kind),
		zap.Stringer("id", h.id),
		zap.String("name", h.name),
		zap.Uintptr("target", h.target),
		zap.Uintptr("detour", h.detour))
	return nil
}

// failed counts and logs an install failure and hands err back.
func (r *Registry) failed(kind Kind, id Identity, cfg installConfig, target uintptr, err error) error {
	r.fails.Add(1)
	r.log.Warn("hook failed",
		zap.Stringer("kind", kind),
		zap.Stringer("id", id),
		zap.String("name", cfg.name),
		zap.Uintptr("target", target),
		zap.Error(err))
	return err
}

// GetOriginal returns the binding of the newest hook registered under id,
// enabled or not.
func (r *Registry) GetOriginal(id Identity) (OriginalBinding, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	list := r.hooks[id]
	if len(list) == 0 {
		return OriginalBinding{}, errors.WithMessagef(ErrNotHooked, "%v", id)
	}
	return list[len(list)-1].original(), nil
}

// Lookup returns the newest hook registered under id.
func (r *Registry) Lookup(id Identity) (*Hook, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	list := r.hooks[id]
	if len(list) == 0 {
		return nil, false
	}
	return list[len(list)-1], true
}

func (r *Registry) IsHooked(id Identity) bool {
	_, ok := r.Lookup(id)
	return ok
}

// Hooks returns a snapshot of every installed record in install order.
func (r *Registry) Hooks() []*Hook {
	r.mu.RLock()
	defer r.mu.RUnlock()
	var out []*Hook
	for _, list := range r.hooks {
		out = append(out, list...)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].seq < out[j].seq })
	return out
}

func sortNewestFirst(hooks []*Hook) {
	sort.Slice(hooks, func(i, j int) bool { return hooks[i].seq > hooks[j].seq })
}

// FailureCount is the number of installs that failed since New.
func (r *Registry) FailureCount() int {
	return int(r.fails.Load())
}

// HookCount is the number of distinct identities plus VMT handles.
func (r *Registry) HookCount() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.hooks) + len(r.vmts)
}

func (r *Registry) each(id Identity, fn func(h *Hook) error) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	list := r.hooks[id]
	if len(list) == 0 {
		return errors.WithMessagef(ErrNotHooked, "%v", id)
	}
	var err error
	for _, h := range list {
		err = multierr.Append(err, fn(h))
	}
	return err
}

func (r *Registry) Enable(id Identity) error {
	return r.each(id, func(h *Hook) error { return h.setEnabled(true) })
}

func (r *Registry) Disable(id Identity) error {
	return r.each(id, func(h *Hook) error { return h.setEnabled(false) })
}

func (r *Registry) Toggle(id Identity) error {
	return r.each(id, func(h *Hook) error { return h.setEnabled(!h.enabled) })
}

// Unhook removes every hook registered under id, newest first.
func (r *Registry) Unhook(id Identity) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	list := r.hooks[id]
	if len(list) == 0 {
		return errors.WithMessagef(ErrNotHooked, "%v", id)
	}
	var err error
	for i := len(list) - 1; i >= 0; i-- {
		err = multierr.Append(err, list[i].remove())
	}
	delete(r.hooks, id)
	return err
}

// UnhookAll removes every hook and VMT handle. Inline hooks come off in
// reverse install order so stacked hooks on one target unwind cleanly.
func (r *Registry) UnhookAll() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	var all []*Hook
	for _, list := range r.hooks {
		all = append(all, list...)
	}
	sortNewestFirst(all)
	var err error
	for _, h := range all {
		err = multierr.Append(err, h.remove())
	}
	r.hooks = make(map[Identity][]*Hook)
	r.stacks = make(map[uintptr][]*Hook)
	for obj := range r.vmts {
		delete(r.vmts, obj)
	}
	for k := range r.tables {
		delete(r.tables, k)
	}
	return err
}

// Close removes every hook and detaches from the exception source.
func (r *Registry) Close() error {
	err := r.UnhookAll()
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.unsubscribe != nil {
		r.unsubscribe()
		r.unsubscribe = nil
	}
	return err
}
