package hookengine

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/k2io/hookengine/memory"
)

// double returns rdi*2.
var double = []byte{
	0x48, 0x89, 0xF8, // mov rax, rdi
	0x48, 0x01, 0xC0, // add rax, rax
	0xC3, // ret
}

func call1(fn, arg uintptr) uintptr {
	return callSysV(fn, arg, 0, 0, 0, 0, 0)
}

// addOneDetour calls the function pointer stored at cell with the same
// argument and adds one to the result.
func addOneDetour(cell uintptr) []byte {
	b := []byte{0x48, 0xB8, 0, 0, 0, 0, 0, 0, 0, 0} // mov rax, cell
	le.PutUint64(b[2:], uint64(cell))
	return append(b,
		0xFF, 0x10, // call [rax]
		0x48, 0xFF, 0xC0, // inc rax
		0xC3, // ret
	)
}

func TestInlineHookExecutes(t *testing.T) {
	a := newArena(t, 32)
	r, _ := newTestRegistry(t, a)
	target := place(t, a, 0, double, memory.ProtRX)
	cell, err := a.Allocate(a.Base()+16*a.PageSize(), a.PageSize(), memory.ProtRW)
	require.NoError(t, err)
	detour := place(t, a, a.Base()+8*a.PageSize(), addOneDetour(cell), memory.ProtRX)

	require.Equal(t, uintptr(10), call1(target, 5))

	h, err := r.InstallInline(target, detour)
	require.NoError(t, err)
	require.NoError(t, memory.WriteUintptr(a, cell, h.Original().Address))

	assert.Equal(t, uintptr(11), call1(target, 5))
	v, err := h.Original().Invoke(5)
	require.NoError(t, err)
	assert.Equal(t, uintptr(10), v)

	require.NoError(t, h.Disable())
	assert.Equal(t, uintptr(14), call1(target, 7))
	v, err = h.Original().Invoke(7)
	require.NoError(t, err)
	assert.Equal(t, uintptr(14), v, "original stays callable while disabled")
	for _, conv := range []CallConv{ConvCdecl, ConvStdcall, ConvThiscall, ConvFastcall, ConvVectorcall} {
		v, err = h.Original().Call(conv, 7)
		require.NoError(t, err)
		assert.Equal(t, uintptr(14), v, "%v passes the first argument the same way", conv)
	}

	require.NoError(t, h.Enable())
	assert.Equal(t, uintptr(15), call1(target, 7))

	require.NoError(t, h.Unhook())
	assert.Equal(t, uintptr(14), call1(target, 7))
	assert.Equal(t, double, a.Peek(target, len(double)))
}

func TestMidHookExecutes(t *testing.T) {
	a := newArena(t, 16)
	r, _ := newTestRegistry(t, a)
	target := place(t, a, 0, double, memory.ProtRX)
	callback := place(t, a, a.Base()+8*a.PageSize(), []byte{
		0x48, 0xFF, 0x47, 0x40, // inc qword [rdi+0x40], the saved RDI
		0xC3, // ret
	}, memory.ProtRX)

	h, err := r.InstallMid(target, callback)
	require.NoError(t, err)
	assert.Equal(t, uintptr(12), call1(target, 5))

	require.NoError(t, h.Disable())
	assert.Equal(t, uintptr(10), call1(target, 5))
	require.NoError(t, h.Unhook())
	assert.Equal(t, uintptr(10), call1(target, 5))
}

func TestStackedInlineHooks(t *testing.T) {
	a := newArena(t, 32)
	r, _ := newTestRegistry(t, a)
	target := place(t, a, 0, double, memory.ProtRX)
	cells, err := a.Allocate(a.Base()+24*a.PageSize(), a.PageSize(), memory.ProtRW)
	require.NoError(t, err)
	first := place(t, a, a.Base()+8*a.PageSize(), addOneDetour(cells), memory.ProtRX)
	second := place(t, a, a.Base()+12*a.PageSize(), addOneDetour(cells+8), memory.ProtRX)

	h1, err := r.InstallInline(target, first)
	require.NoError(t, err)
	require.NoError(t, memory.WriteUintptr(a, cells, h1.Original().Address))
	h2, err := r.InstallInline(target, second)
	require.NoError(t, err)
	require.NoError(t, memory.WriteUintptr(a, cells+8, h2.Original().Address))

	// second detour runs first and falls through to the first hook
	assert.Equal(t, uintptr(12), call1(target, 5))

	require.NoError(t, r.UnhookAll())
	assert.Equal(t, double, a.Peek(target, len(double)))
	assert.Equal(t, uintptr(10), call1(target, 5))
}

func TestStackedInlineHooksOutOfOrder(t *testing.T) {
	a := newArena(t, 32)
	r, _ := newTestRegistry(t, a)
	target := place(t, a, 0, double, memory.ProtRX)
	cells, err := a.Allocate(a.Base()+24*a.PageSize(), a.PageSize(), memory.ProtRW)
	require.NoError(t, err)
	first := place(t, a, a.Base()+8*a.PageSize(), addOneDetour(cells), memory.ProtRX)
	second := place(t, a, a.Base()+12*a.PageSize(), addOneDetour(cells+8), memory.ProtRX)

	h1, err := r.InstallInline(target, first)
	require.NoError(t, err)
	require.NoError(t, memory.WriteUintptr(a, cells, h1.Original().Address))
	h2, err := r.InstallInline(target, second)
	require.NoError(t, err)
	require.NoError(t, memory.WriteUintptr(a, cells+8, h2.Original().Address))
	require.Equal(t, uintptr(12), call1(target, 5))

	require.NoError(t, h1.Disable())
	assert.Equal(t, uintptr(11), call1(target, 5))
	require.NoError(t, h1.Enable())
	assert.Equal(t, uintptr(12), call1(target, 5))

	// the first hook leaves from under the second
	require.NoError(t, h1.Unhook())
	assert.True(t, h2.Enabled())
	assert.Equal(t, uintptr(11), call1(target, 5))
	v, err := h2.Original().Invoke(5)
	require.NoError(t, err)
	assert.Equal(t, uintptr(10), v)

	require.NoError(t, h2.Unhook())
	assert.Equal(t, double, a.Peek(target, len(double)))
	assert.Equal(t, uintptr(10), call1(target, 5))
}

//go:noinline
func product(x, k int) int { return x * k }

// scaled calls out so it is compiled with a stack check prologue.
//
//go:noinline
func scaled(x, k int) int {
	return product(x, k)
}

var scaledOriginal func(x, k int) int

//go:noinline
func scaledDetour(x, k int) int {
	return scaledOriginal(x, k) + 1
}

func TestInstallFuncExecutes(t *testing.T) {
	r, _ := newTestRegistry(t, memory.Native())
	require.Equal(t, 12, scaled(4, 3))

	h, err := r.InstallFunc(scaled, scaledDetour)
	require.NoError(t, err)
	require.NoError(t, h.BindOriginal(&scaledOriginal))

	assert.Equal(t, 13, scaled(4, 3))
	require.NoError(t, h.Unhook())
	assert.Equal(t, 12, scaled(4, 3))
}
