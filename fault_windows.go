package hookengine

import (
	"sync"

	"github.com/pkg/errors"
	"golang.org/x/sys/windows"
)

var (
	procAddVectoredExceptionHandler    = kernel32.NewProc("AddVectoredExceptionHandler")
	procRemoveVectoredExceptionHandler = kernel32.NewProc("RemoveVectoredExceptionHandler")
)

const (
	exceptionContinueExecution = ^uintptr(0) // -1
	exceptionContinueSearch    = 0
)

type exceptionRecord struct {
	Code             uint32
	Flags            uint32
	Record           *exceptionRecord
	Address          uintptr
	NumberParameters uint32
	_                [4]byte
	Information      [15]uintptr
}

type exceptionPointers struct {
	Record  *exceptionRecord
	Context *CPUContext
}

// vectored is the process wide vectored exception handler. It is added on
// the first subscription and removed with the last.
var vectored = &vehSource{subs: make(map[int]ExceptionHandler)}

type vehSource struct {
	mu     sync.RWMutex
	handle uintptr
	next   int
	subs   map[int]ExceptionHandler
}

var vehCallback = windows.NewCallback(func(info *exceptionPointers) uintptr {
	return vectored.deliver(info)
})

func processExceptions() ExceptionSource { return vectored }

func (v *vehSource) Subscribe(h ExceptionHandler) (func(), error) {
	v.mu.Lock()
	defer v.mu.Unlock()
	if v.handle == 0 {
		r, _, err := procAddVectoredExceptionHandler.Call(1, vehCallback)
		if r == 0 {
			return nil, errors.Wrap(err, "AddVectoredExceptionHandler")
		}
		v.handle = r
	}
	id := v.next
	v.next++
	v.subs[id] = h
	var once sync.Once
	return func() { once.Do(func() { v.unsubscribe(id) }) }, nil
}

func (v *vehSource) unsubscribe(id int) {
	v.mu.Lock()
	defer v.mu.Unlock()
	delete(v.subs, id)
	if len(v.subs) == 0 && v.handle != 0 {
		procRemoveVectoredExceptionHandler.Call(v.handle)
		v.handle = 0
	}
}

func (v *vehSource) deliver(info *exceptionPointers) uintptr {
	if info == nil || info.Record == nil || info.Context == nil {
		return exceptionContinueSearch
	}
	e := &Exception{
		Code:    info.Record.Code,
		Address: info.Record.Address,
		Thread:  windows.GetCurrentThreadId(),
		Context: info.Context,
	}
	if info.Record.NumberParameters >= 2 {
		e.Access = info.Record.Information[1]
	}
	v.mu.RLock()
	defer v.mu.RUnlock()
	for _, h := range v.subs {
		if h(e) {
			return exceptionContinueExecution
		}
	}
	return exceptionContinueSearch
}
