package hookengine

import (
	"fmt"
	"runtime"

	"github.com/pkg/errors"
	"go.uber.org/multierr"
	"go.uber.org/zap"
)

// AccessType is the kind of access a hardware breakpoint triggers on.
type AccessType uint8

const (
	Execute   AccessType = 0
	Write     AccessType = 1
	ReadWrite AccessType = 3
)

func (a AccessType) String() string {
	switch a {
	case Execute:
		return "execute"
	case Write:
		return "write"
	case ReadWrite:
		return "read-write"
	}
	return fmt.Sprintf("access(%d)", uint8(a))
}

// BreakpointSize is the width of the watched range, in DR7 length encoding.
type BreakpointSize uint8

const (
	Size1 BreakpointSize = 0
	Size2 BreakpointSize = 1
	Size8 BreakpointSize = 2
	Size4 BreakpointSize = 3
)

// Bytes is the number of bytes the size covers.
func (s BreakpointSize) Bytes() int {
	switch s {
	case Size1:
		return 1
	case Size2:
		return 2
	case Size4:
		return 4
	case Size8:
		return 8
	}
	return 0
}

// BreakpointCallback runs on the faulting thread with its live context.
// It runs under the registry's read lock and must not install or remove
// hooks.
type BreakpointCallback func(ctx *CPUContext)

type breakpoint struct {
	slot     int
	addr     uintptr
	access   AccessType
	size     BreakpointSize
	callback BreakpointCallback
	hook     *Hook
}

// InstallHardwareBreakpoint watches addr with one of the four debug
// registers on every thread of the process.
func (r *Registry) InstallHardwareBreakpoint(addr uintptr, access AccessType, size BreakpointSize, callback BreakpointCallback, opts ...InstallOption) (*Hook, error) {
	cfg := newInstallConfig(opts)
	id := BreakpointID(addr)
	kind := KindHardwareBreakpoint

	r.mu.Lock()
	defer r.mu.Unlock()
	if err := validateBreakpoint(addr, access, size, callback); err != nil {
		return nil, r.failed(kind, id, cfg, addr, err)
	}
	if err := r.admit(id, cfg); err != nil {
		return nil, r.failed(kind, id, cfg, addr, err)
	}
	slot := -1
	for i, bp := range r.breakpoints {
		if bp == nil {
			slot = i
			break
		}
	}
	if slot < 0 {
		return nil, r.failed(kind, id, cfg, addr, errors.WithMessage(ErrIndexOutOfBounds, "all debug registers in use"))
	}
	if err := r.attachFaults(); err != nil {
		return nil, r.failed(kind, id, cfg, addr, err)
	}
	bp := &breakpoint{slot: slot, addr: addr, access: access, size: size, callback: callback}
	h := &Hook{
		reg:    r,
		id:     id,
		kind:   kind,
		name:   cfg.name,
		target: addr,
		conv:   cfg.conv,
		bp:     bp,
	}
	bp.hook = h
	r.breakpoints[slot] = bp
	if err := r.commit(h); err != nil {
		r.breakpoints[slot] = nil
		return nil, r.failed(kind, id, cfg, addr, err)
	}
	return h, nil
}

func validateBreakpoint(addr uintptr, access AccessType, size BreakpointSize, callback BreakpointCallback) error {
	if addr == 0 {
		return ErrInvalidAddress
	}
	if callback == nil {
		return errors.WithMessage(ErrInvalidDetour, "nil breakpoint callback")
	}
	switch access {
	case Execute, Write, ReadWrite:
	default:
		return errors.Errorf("unknown access type %d", access)
	}
	n := size.Bytes()
	if n == 0 {
		return errors.Errorf("unknown breakpoint size %d", size)
	}
	if access == Execute && n != 1 {
		return errors.Errorf("execute breakpoints watch a single byte, not %d", n)
	}
	if addr%uintptr(n) != 0 {
		return errors.WithMessagef(ErrInvalidAddress, "%#x is not aligned to %d bytes", addr, n)
	}
	return nil
}

func (r *Registry) armBreakpoint(bp *breakpoint) error {
	return r.broadcastBreakpoint(bp, func(d *DebugRegisters) {
		d.setSlot(bp.slot, bp.addr, bp.access, bp.size)
	})
}

// disarmBreakpoint clears the slot on every thread, not only the caller.
func (r *Registry) disarmBreakpoint(bp *breakpoint) error {
	return r.broadcastBreakpoint(bp, func(d *DebugRegisters) {
		d.clearSlot(bp.slot)
	})
}

func (r *Registry) broadcastBreakpoint(bp *breakpoint, update func(*DebugRegisters)) error {
	resumeErr, err := r.broadcast(update)
	if err != nil {
		return err
	}
	if resumeErr != nil {
		bp.hook.err = resumeErr
	}
	return nil
}

// broadcast applies update to the debug registers of every thread: each
// other thread is suspended, updated and resumed in turn, then the calling
// thread is updated. Threads that cannot be suspended or updated are skipped
// with a warning. A thread that cannot be resumed is reported at error level
// and returned as resumeErr, since it stays suspended.
func (r *Registry) broadcast(update func(*DebugRegisters)) (resumeErr, err error) {
	runtime.LockOSThread()
	defer runtime.UnlockOSThread()

	tids, err := r.threads.List()
	if err != nil {
		return nil, errors.Wrap(err, "enumerate threads")
	}
	self := r.threads.Current()
	for _, tid := range tids {
		if tid == self {
			continue
		}
		if err := r.threads.Suspend(tid); err != nil {
			r.log.Warn("cannot suspend thread", zap.Uint32("tid", tid), zap.Error(err))
			continue
		}
		if err := r.updateThread(tid, update); err != nil {
			r.log.Warn("cannot update debug registers", zap.Uint32("tid", tid), zap.Error(err))
		}
		if err := r.threads.Resume(tid); err != nil {
			r.log.Error("thread left suspended", zap.Uint32("tid", tid), zap.Error(err))
			resumeErr = multierr.Append(resumeErr, errors.WithMessagef(ErrThreadResume, "thread %d: %v", tid, err))
		}
	}
	if err := r.updateThread(self, update); err != nil {
		r.log.Warn("cannot update debug registers of the calling thread", zap.Uint32("tid", self), zap.Error(err))
	}
	return resumeErr, nil
}

func (r *Registry) updateThread(tid uint32, update func(*DebugRegisters)) error {
	regs, err := r.threads.DebugRegisters(tid)
	if err != nil {
		return err
	}
	update(&regs)
	return r.threads.SetDebugRegisters(tid, regs)
}

// fireBreakpoint handles a single step raised by one of the debug
// registers.
func (r *Registry) fireBreakpoint(e *Exception) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	ctx := e.Context
	for i, bp := range r.breakpoints {
		if bp == nil || ctx.Dr6&(1<<i) == 0 {
			continue
		}
		ctx.Dr6 &^= 1 << i
		if bp.hook.enabled {
			bp.callback(ctx)
		}
		// step over the breakpoint instead of re-triggering it
		ctx.EFlags |= flagResume
		return true
	}
	return false
}
