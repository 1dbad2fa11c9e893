package hookengine

import (
	"runtime"
	"unsafe"

	"github.com/pkg/errors"
	"golang.org/x/sys/windows"
)

var (
	kernel32             = windows.NewLazySystemDLL("kernel32.dll")
	procSuspendThread    = kernel32.NewProc("SuspendThread")
	procGetThreadContext = kernel32.NewProc("GetThreadContext")
	procSetThreadContext = kernel32.NewProc("SetThreadContext")
)

const threadAccess = windows.THREAD_SUSPEND_RESUME | windows.THREAD_GET_CONTEXT | windows.THREAD_SET_CONTEXT

type winThreads struct{}

func processThreads() Threads { return winThreads{} }

func (winThreads) Current() uint32 { return windows.GetCurrentThreadId() }

func (winThreads) List() ([]uint32, error) {
	snap, err := windows.CreateToolhelp32Snapshot(windows.TH32CS_SNAPTHREAD, 0)
	if err != nil {
		return nil, errors.Wrap(err, "CreateToolhelp32Snapshot")
	}
	defer windows.CloseHandle(snap)

	pid := windows.GetCurrentProcessId()
	var te windows.ThreadEntry32
	te.Size = uint32(unsafe.Sizeof(te))
	if err := windows.Thread32First(snap, &te); err != nil {
		return nil, errors.Wrap(err, "Thread32First")
	}
	var out []uint32
	for {
		if te.OwnerProcessID == pid {
			out = append(out, te.ThreadID)
		}
		te.Size = uint32(unsafe.Sizeof(te))
		if err := windows.Thread32Next(snap, &te); err != nil {
			break
		}
	}
	return out, nil
}

func withThread(tid uint32, fn func(h windows.Handle) error) error {
	h, err := windows.OpenThread(threadAccess, false, tid)
	if err != nil {
		return errors.Wrapf(err, "OpenThread %d", tid)
	}
	defer windows.CloseHandle(h)
	return fn(h)
}

func (winThreads) Suspend(tid uint32) error {
	return withThread(tid, func(h windows.Handle) error {
		if r, _, err := procSuspendThread.Call(uintptr(h)); int32(r) == -1 {
			return errors.Wrapf(err, "SuspendThread %d", tid)
		}
		return nil
	})
}

func (winThreads) Resume(tid uint32) error {
	return withThread(tid, func(h windows.Handle) error {
		if _, err := windows.ResumeThread(h); err != nil {
			return errors.Wrapf(err, "ResumeThread %d", tid)
		}
		return nil
	})
}

func (t winThreads) DebugRegisters(tid uint32) (DebugRegisters, error) {
	var regs DebugRegisters
	err := t.onContext(tid, func(h windows.Handle, ctx *CPUContext) error {
		regs = ctx.debugRegisters()
		return nil
	})
	return regs, err
}

func (t winThreads) SetDebugRegisters(tid uint32, regs DebugRegisters) error {
	return t.onContext(tid, func(h windows.Handle, ctx *CPUContext) error {
		ctx.setDebugRegisters(regs)
		ctx.ContextFlags = contextDebugRegisters
		if r, _, err := procSetThreadContext.Call(uintptr(h), uintptr(unsafe.Pointer(ctx))); r == 0 {
			return errors.Wrapf(err, "SetThreadContext %d", tid)
		}
		return nil
	})
}

// onContext reads the debug registers of tid and hands them to fn. The
// calling thread cannot read its own context reliably, so it is suspended
// and updated from a helper thread instead.
func (t winThreads) onContext(tid uint32, fn func(windows.Handle, *CPUContext) error) error {
	body := func() error {
		return withThread(tid, func(h windows.Handle) error {
			// CONTEXT must be 16 byte aligned
			buf := make([]byte, unsafe.Sizeof(CPUContext{})+16)
			ctx := (*CPUContext)(unsafe.Pointer((uintptr(unsafe.Pointer(&buf[0])) + 15) &^ 15))
			ctx.ContextFlags = contextDebugRegisters
			if r, _, err := procGetThreadContext.Call(uintptr(h), uintptr(unsafe.Pointer(ctx))); r == 0 {
				return errors.Wrapf(err, "GetThreadContext %d", tid)
			}
			return fn(h, ctx)
		})
	}
	if tid != windows.GetCurrentThreadId() {
		return body()
	}
	done := make(chan error, 1)
	go func() {
		runtime.LockOSThread()
		defer runtime.UnlockOSThread()
		if err := t.Suspend(tid); err != nil {
			done <- err
			return
		}
		err := body()
		if rerr := t.Resume(tid); rerr != nil && err == nil {
			err = errors.WithMessage(ErrThreadResume, rerr.Error())
		}
		done <- err
	}()
	return <-done
}
