package hookengine

import (
	"runtime"
	"sort"
	"sync"
	"testing"

	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zapcore"
)

// fakeThreads is a process of a few threads whose debug registers only
// change while suspended, apart from the calling thread's own.
type fakeThreads struct {
	mu         sync.Mutex
	self       uint32
	regs       map[uint32]DebugRegisters
	suspended  map[uint32]bool
	failResume map[uint32]bool
}

func newFakeThreads(self uint32, tids ...uint32) *fakeThreads {
	f := &fakeThreads{
		self:       self,
		regs:       make(map[uint32]DebugRegisters),
		suspended:  make(map[uint32]bool),
		failResume: make(map[uint32]bool),
	}
	for _, tid := range tids {
		f.regs[tid] = DebugRegisters{}
	}
	return f
}

func (f *fakeThreads) List() ([]uint32, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []uint32
	for tid := range f.regs {
		out = append(out, tid)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out, nil
}

func (f *fakeThreads) Current() uint32 { return f.self }

func (f *fakeThreads) Suspend(tid uint32) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.suspended[tid] = true
	return nil
}

func (f *fakeThreads) Resume(tid uint32) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.failResume[tid] {
		return errors.New("access denied")
	}
	delete(f.suspended, tid)
	return nil
}

func (f *fakeThreads) DebugRegisters(tid uint32) (DebugRegisters, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if tid != f.self && !f.suspended[tid] {
		return DebugRegisters{}, errors.Errorf("thread %d is running", tid)
	}
	return f.regs[tid], nil
}

func (f *fakeThreads) SetDebugRegisters(tid uint32, regs DebugRegisters) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if tid != f.self && !f.suspended[tid] {
		return errors.Errorf("thread %d is running", tid)
	}
	f.regs[tid] = regs
	return nil
}

func (f *fakeThreads) get(tid uint32) DebugRegisters {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.regs[tid]
}

// fakeSource delivers hand-made exceptions.
type fakeSource struct {
	mu      sync.Mutex
	handler ExceptionHandler
	subs    int
}

func (s *fakeSource) Subscribe(h ExceptionHandler) (func(), error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.handler = h
	s.subs++
	return func() {
		s.mu.Lock()
		defer s.mu.Unlock()
		s.handler = nil
	}, nil
}

func (s *fakeSource) raise(e *Exception) bool {
	s.mu.Lock()
	h := s.handler
	s.mu.Unlock()
	if h == nil {
		return false
	}
	return h(e)
}

func (s *fakeSource) subscribed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.handler != nil
}

func TestDebugRegisterEncoding(t *testing.T) {
	var d DebugRegisters
	d.setSlot(0, 0x401000, Execute, Size1)
	assert.Equal(t, uint64(1), d.Dr7)

	d.setSlot(2, 0x7000, Write, Size4)
	assert.Equal(t, uint64(0x7000), d.Addr[2])
	assert.Equal(t, uint64(1|1<<4|(1|3<<2)<<24), d.Dr7)

	// reprogramming a slot replaces its condition bits
	d.setSlot(2, 0x7000, ReadWrite, Size8)
	assert.Equal(t, uint64(1|1<<4|(3|2<<2)<<24), d.Dr7)

	d.clearSlot(2)
	assert.Zero(t, d.Addr[2])
	assert.Equal(t, uint64(1), d.Dr7)
	d.clearSlot(0)
	assert.Zero(t, d.Dr7)
}

func TestValidateBreakpoint(t *testing.T) {
	cb := func(*CPUContext) {}
	assert.NoError(t, validateBreakpoint(0x401003, Execute, Size1, cb))
	assert.NoError(t, validateBreakpoint(0x7008, ReadWrite, Size8, cb))

	assert.True(t, errors.Is(validateBreakpoint(0, Execute, Size1, cb), ErrInvalidAddress))
	assert.True(t, errors.Is(validateBreakpoint(0x7004, Write, Size8, cb), ErrInvalidAddress))
	assert.True(t, errors.Is(validateBreakpoint(0x7000, Write, Size4, nil), ErrInvalidDetour))
	assert.Error(t, validateBreakpoint(0x7000, Execute, Size4, cb))
	assert.Error(t, validateBreakpoint(0x7000, AccessType(2), Size1, cb))
	assert.Error(t, validateBreakpoint(0x7000, Write, BreakpointSize(7), cb))
	assert.Equal(t, 8, Size8.Bytes())
	assert.Equal(t, "read-write", ReadWrite.String())
}

func TestHardwareBreakpointBroadcast(t *testing.T) {
	a := newArena(t, 1)
	threads := newFakeThreads(2, 1, 2, 3)
	src := &fakeSource{}
	r, _ := newTestRegistry(t, a, WithThreads(threads), WithExceptionSource(src))
	cb := func(*CPUContext) {}

	h, err := r.InstallHardwareBreakpoint(0x401000, Execute, Size1, cb, Named("entry"))
	require.NoError(t, err)
	assert.True(t, src.subscribed())
	for _, tid := range []uint32{1, 2, 3} {
		regs := threads.get(tid)
		assert.Equal(t, uint64(0x401000), regs.Addr[0], "thread %d", tid)
		assert.Equal(t, uint64(1), regs.Dr7, "thread %d", tid)
	}
	assert.Empty(t, threads.suspended)
	assert.Equal(t, OriginalBinding{Address: 0x401000}, h.Original())

	w, err := r.InstallHardwareBreakpoint(0x7008, Write, Size8, cb)
	require.NoError(t, err)
	assert.Equal(t, uint64(0x7008), threads.get(3).Addr[1])
	assert.Equal(t, 1, src.subs, "one subscription per registry")

	_, err = r.InstallHardwareBreakpoint(0x401000, Execute, Size1, cb)
	assert.True(t, errors.Is(err, ErrAlreadyHooked))

	require.NoError(t, h.Disable())
	for _, tid := range []uint32{1, 2, 3} {
		regs := threads.get(tid)
		assert.Zero(t, regs.Addr[0])
		assert.Equal(t, uint64(1<<2|(1|2<<2)<<20), regs.Dr7)
	}
	require.NoError(t, h.Enable())
	assert.Equal(t, uint64(0x401000), threads.get(1).Addr[0])

	_, err = r.InstallHardwareBreakpoint(0x402000, Execute, Size1, cb)
	require.NoError(t, err)
	_, err = r.InstallHardwareBreakpoint(0x403000, Execute, Size1, cb)
	require.NoError(t, err)
	_, err = r.InstallHardwareBreakpoint(0x404000, Execute, Size1, cb)
	assert.True(t, errors.Is(err, ErrIndexOutOfBounds))

	// an unhooked slot is cleared everywhere and can be reused
	require.NoError(t, w.Unhook())
	assert.Zero(t, threads.get(1).Addr[1])
	h5, err := r.InstallHardwareBreakpoint(0x404000, Execute, Size1, cb)
	require.NoError(t, err)
	assert.Equal(t, uint64(0x404000), threads.get(2).Addr[1])

	require.NoError(t, r.Close())
	assert.False(t, src.subscribed())
	for _, tid := range []uint32{1, 2, 3} {
		assert.Zero(t, threads.get(tid).Dr7)
	}
	assert.False(t, h5.Enabled())
}

func TestHardwareBreakpointFires(t *testing.T) {
	a := newArena(t, 1)
	threads := newFakeThreads(1, 1)
	src := &fakeSource{}
	r, _ := newTestRegistry(t, a, WithThreads(threads), WithExceptionSource(src))

	hits := 0
	h, err := r.InstallHardwareBreakpoint(0x401000, Execute, Size1, func(ctx *CPUContext) {
		hits++
		ctx.Rax = 42
		ctx.Rip = 0x401010
	})
	require.NoError(t, err)

	ctx := &CPUContext{Rip: 0x401000, Dr6: 1}
	handled := src.raise(&Exception{Code: ExceptionSingleStep, Address: 0x401000, Thread: 1, Context: ctx})
	assert.True(t, handled)
	assert.Equal(t, 1, hits)
	assert.Equal(t, uint64(42), ctx.Rax)
	assert.Equal(t, uint64(0x401010), ctx.Rip)
	assert.Zero(t, ctx.Dr6)
	assert.NotZero(t, ctx.EFlags&flagResume)

	// a disabled breakpoint still swallows a stale trap without running
	require.NoError(t, h.Disable())
	ctx = &CPUContext{Rip: 0x401000, Dr6: 1}
	assert.True(t, src.raise(&Exception{Code: ExceptionSingleStep, Thread: 1, Context: ctx}))
	assert.Equal(t, 1, hits)

	// traps from slots the registry does not own are left alone
	ctx = &CPUContext{Dr6: 1 << 3}
	assert.False(t, src.raise(&Exception{Code: ExceptionSingleStep, Thread: 1, Context: ctx}))
	assert.False(t, src.raise(&Exception{Code: 0xC0000005, Thread: 1, Context: ctx}))
	assert.False(t, src.raise(&Exception{Code: ExceptionSingleStep, Thread: 1}))
}

func TestHardwareBreakpointResumeFailure(t *testing.T) {
	a := newArena(t, 1)
	threads := newFakeThreads(1, 1, 7)
	threads.failResume[7] = true
	r, logs := newTestRegistry(t, a, WithThreads(threads), WithExceptionSource(&fakeSource{}))

	h, err := r.InstallHardwareBreakpoint(0x401000, Execute, Size1, func(*CPUContext) {})
	require.NoError(t, err)
	assert.True(t, h.Enabled())
	assert.True(t, errors.Is(h.Err(), ErrThreadResume))
	assert.Equal(t, uint64(0x401000), threads.get(7).Addr[0])

	stuck := logs.FilterMessage("thread left suspended").All()
	require.Len(t, stuck, 1)
	assert.Equal(t, zapcore.ErrorLevel, stuck[0].Level)
}

func TestHardwareBreakpointUnavailable(t *testing.T) {
	if runtime.GOOS == "windows" {
		t.Skip("debug registers are reachable on windows")
	}
	a := newArena(t, 1)
	r, logs := newTestRegistry(t, a)
	_, err := r.InstallHardwareBreakpoint(0x401000, Execute, Size1, func(*CPUContext) {})
	assert.True(t, errors.Is(err, ErrNotInitialized))
	assert.Equal(t, 1, r.FailureCount())
	assert.Equal(t, 1, logs.FilterMessage("hook failed").Len())
	assert.Zero(t, r.HookCount())
}
