package hookengine

import (
	"testing"

	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/k2io/hookengine/memory"
)

func guarded(t *testing.T, a *memory.Arena, addr uintptr) bool {
	t.Helper()
	reg, err := a.Query(addr)
	require.NoError(t, err)
	return reg.Prot&memory.ProtGuard != 0
}

// touch reads addr the way the faulting thread would, consuming the guard.
func touch(a *memory.Arena, addr uintptr) {
	var b [1]byte
	_ = a.Read(addr, b[:])
}

func TestGuardPageFlow(t *testing.T) {
	a := newArena(t, 4)
	src := &fakeSource{}
	r, _ := newTestRegistry(t, a, WithExceptionSource(src))
	page := place(t, a, 0, framePrologue, memory.ProtRX)
	target := page + 0x10

	var seen []uint64
	h, err := r.InstallGuardPage(target, func(ctx *CPUContext) {
		seen = append(seen, ctx.Rip)
		ctx.Rax = 7
	})
	require.NoError(t, err)
	assert.True(t, src.subscribed())
	assert.True(t, guarded(t, a, page))
	assert.Equal(t, target, h.Original().Address)

	// execution reaches the watched address
	touch(a, target)
	require.False(t, guarded(t, a, page))
	ctx := &CPUContext{Rip: uint64(target)}
	require.True(t, src.raise(&Exception{Code: ExceptionGuardPage, Address: target, Access: target, Thread: 5, Context: ctx}))
	assert.Equal(t, []uint64{uint64(target)}, seen)
	assert.Equal(t, uint64(7), ctx.Rax)
	assert.NotZero(t, ctx.EFlags&flagTrap)

	// the single step after it re-arms the page
	require.True(t, src.raise(&Exception{Code: ExceptionSingleStep, Thread: 5, Context: ctx}))
	assert.True(t, guarded(t, a, page))

	// another access to the page re-arms without running the callback
	touch(a, page+0x100)
	ctx = &CPUContext{Rip: 0x401000}
	require.True(t, src.raise(&Exception{Code: ExceptionGuardPage, Address: 0x401000, Access: page + 0x100, Thread: 6, Context: ctx}))
	assert.Len(t, seen, 1)
	assert.NotZero(t, ctx.EFlags&flagTrap)
	assert.False(t, src.raise(&Exception{Code: ExceptionSingleStep, Thread: 5, Context: ctx}), "nothing pending for thread 5")
	require.True(t, src.raise(&Exception{Code: ExceptionSingleStep, Thread: 6, Context: ctx}))
	assert.True(t, guarded(t, a, page))

	// faults on other pages are not ours
	other := page + a.PageSize()
	assert.False(t, src.raise(&Exception{Code: ExceptionGuardPage, Access: other, Thread: 5, Context: &CPUContext{Rip: uint64(other)}}))

	require.NoError(t, h.Disable())
	assert.False(t, guarded(t, a, page))
	assert.False(t, src.raise(&Exception{Code: ExceptionGuardPage, Access: target, Thread: 5, Context: &CPUContext{Rip: uint64(target)}}))
	require.NoError(t, h.Enable())
	assert.True(t, guarded(t, a, page))

	require.NoError(t, h.Unhook())
	assert.False(t, guarded(t, a, page))
	assert.False(t, r.IsHooked(GuardID(target)))
	assert.Len(t, seen, 1)
}

func TestGuardPageRearmAfterUnhook(t *testing.T) {
	a := newArena(t, 2)
	src := &fakeSource{}
	r, _ := newTestRegistry(t, a, WithExceptionSource(src))
	page := place(t, a, 0, framePrologue, memory.ProtRX)

	h, err := r.InstallGuardPage(page, func(*CPUContext) {})
	require.NoError(t, err)
	touch(a, page)
	ctx := &CPUContext{Rip: uint64(page)}
	require.True(t, src.raise(&Exception{Code: ExceptionGuardPage, Access: page, Thread: 1, Context: ctx}))

	// removed between the violation and the single step
	require.NoError(t, h.Unhook())
	assert.True(t, src.raise(&Exception{Code: ExceptionSingleStep, Thread: 1, Context: ctx}))
	assert.False(t, guarded(t, a, page))
}

func TestGuardPageInstallErrors(t *testing.T) {
	a := newArena(t, 4)
	src := &fakeSource{}
	r, logs := newTestRegistry(t, a, WithExceptionSource(src))
	page := place(t, a, 0, framePrologue, memory.ProtRX)
	cb := func(*CPUContext) {}

	_, err := r.InstallGuardPage(0, cb)
	assert.True(t, errors.Is(err, ErrInvalidAddress))
	_, err = r.InstallGuardPage(page, nil)
	assert.True(t, errors.Is(err, ErrInvalidDetour))
	_, err = r.InstallGuardPage(a.Base()+3*a.PageSize(), cb)
	assert.True(t, errors.Is(err, ErrInvalidAddress))

	_, err = r.InstallGuardPage(page+4, cb)
	require.NoError(t, err)
	_, err = r.InstallGuardPage(page+4, cb)
	assert.True(t, errors.Is(err, ErrAlreadyHooked))
	// the page is already guarded by the first watch
	_, err = r.InstallGuardPage(page+8, cb)
	assert.True(t, errors.Is(err, ErrAlreadyHooked))
	assert.False(t, r.IsHooked(GuardID(page+8)))

	// a page guarded by someone else is refused too
	foreign := place(t, a, 0, []byte{0xC3}, memory.ProtRX|memory.ProtGuard)
	_, err = r.InstallGuardPage(foreign, cb)
	assert.True(t, errors.Is(err, ErrAlreadyHooked))

	assert.Equal(t, 6, r.FailureCount())
	assert.Equal(t, 6, logs.FilterMessage("hook failed").Len())
	assert.Equal(t, 1, r.HookCount())
}
