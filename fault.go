package hookengine

import (
	"github.com/pkg/errors"
)

// exception codes the registry handles
const (
	ExceptionGuardPage  uint32 = 0x80000001
	ExceptionSingleStep uint32 = 0x80000004
)

// Exception is one fault delivered to the registry.
type Exception struct {
	Code uint32
	// Address is the faulting instruction.
	Address uintptr
	// Access is the data address touched by an access fault.
	Access  uintptr
	Thread  uint32
	Context *CPUContext
}

// ExceptionHandler returns true when it handled the fault and the thread
// should resume with the (possibly modified) context.
type ExceptionHandler func(e *Exception) bool

// ExceptionSource delivers process faults to subscribed handlers.
type ExceptionSource interface {
	Subscribe(h ExceptionHandler) (unsubscribe func(), err error)
}

// attachFaults subscribes the registry to its exception source on first
// use. Callers hold the write lock.
func (r *Registry) attachFaults() error {
	if r.unsubscribe != nil {
		return nil
	}
	unsub, err := r.faults.Subscribe(r.dispatch)
	if err != nil {
		return errors.WithMessage(ErrNotInitialized, err.Error())
	}
	r.unsubscribe = unsub
	return nil
}

// dispatch routes one fault to the breakpoint or guard hook that raised it.
func (r *Registry) dispatch(e *Exception) bool {
	if e == nil || e.Context == nil {
		return false
	}
	switch e.Code {
	case ExceptionSingleStep:
		if r.rearmGuard(e) {
			return true
		}
		return r.fireBreakpoint(e)
	case ExceptionGuardPage:
		return r.fireGuard(e)
	}
	return false
}
