package hookengine

import (
	"testing"

	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/k2io/hookengine/memory"
)

type testObject struct {
	object  uintptr
	table   uintptr
	methods []uintptr
}

// newTestObject builds an object whose table lists the given slots followed
// by a null terminator. Slots given as -1 point at methods in an executable
// page.
func newTestObject(t *testing.T, a *memory.Arena, slots ...int64) testObject {
	t.Helper()
	code := place(t, a, 0, []byte{0xC3, 0xC3, 0xC3, 0xC3, 0xC3, 0xC3, 0xC3, 0xC3}, memory.ProtRX)
	var o testObject
	table := make([]byte, 8*(len(slots)+1))
	for i, s := range slots {
		v := uintptr(s)
		if s < 0 {
			v = code + uintptr(i)
			o.methods = append(o.methods, v)
		}
		le.PutUint64(table[i*8:], uint64(v))
	}
	o.table = place(t, a, 0, table, memory.ProtRead)
	obj := make([]byte, 16)
	le.PutUint64(obj, uint64(o.table))
	o.object = place(t, a, 0, obj, memory.ProtRW)
	return o
}

func TestVMT(t *testing.T) {
	a := newArena(t, 8)
	o := newTestObject(t, a, -1, -1, -1)

	v, err := NewVMT(a, o.object)
	require.NoError(t, err)
	assert.Equal(t, 3, v.Len())
	assert.Equal(t, o.table, v.Table())
	assert.Equal(t, o.object, v.Object())

	orig, err := v.Hook(1, 0xDEAD0000)
	require.NoError(t, err)
	assert.Equal(t, o.methods[1], orig)
	assert.Equal(t, uintptr(0xDEAD0000), peekU64(a, o.table+8))
	got, ok := v.Original(1)
	require.True(t, ok)
	assert.Equal(t, o.methods[1], got)
	reg, err := a.Query(o.table)
	require.NoError(t, err)
	assert.Equal(t, memory.ProtRead, reg.Prot)

	for _, idx := range []int{-1, 3, 100} {
		_, err = v.Hook(idx, 0xDEAD0000)
		assert.True(t, errors.Is(err, ErrIndexOutOfBounds), "index %d", idx)
	}
	_, err = v.Hook(1, 0xBEEF0000)
	assert.True(t, errors.Is(err, ErrAlreadyHooked))
	_, err = v.Hook(0, 0)
	assert.True(t, errors.Is(err, ErrInvalidDetour))

	require.NoError(t, v.Unhook(1))
	assert.Equal(t, o.methods[1], peekU64(a, o.table+8))
	assert.True(t, errors.Is(v.Unhook(1), ErrNotHooked))

	_, err = v.Hook(0, 0xDEAD0000)
	require.NoError(t, err)
	_, err = v.Hook(2, 0xBEEF0000)
	require.NoError(t, err)
	require.NoError(t, v.UnhookAll())
	assert.Equal(t, o.methods[0], peekU64(a, o.table))
	assert.Equal(t, o.methods[2], peekU64(a, o.table+16))
}

func TestVMTProbeLength(t *testing.T) {
	a := newArena(t, 16)

	// a slot pointing at data ends the table
	data := place(t, a, 0, []byte{1}, memory.ProtRW)
	o := newTestObject(t, a, -1, -1, int64(data), -1)
	v, err := NewVMT(a, o.object)
	require.NoError(t, err)
	assert.Equal(t, 2, v.Len())

	// so does a slot pointing at uncommitted memory
	o = newTestObject(t, a, -1, int64(a.Base()+15*a.PageSize()))
	v, err = NewVMT(a, o.object)
	require.NoError(t, err)
	assert.Equal(t, 1, v.Len())

	_, err = NewVMT(a, 0)
	assert.True(t, errors.Is(err, ErrInvalidAddress))
	empty := place(t, a, 0, make([]byte, 8), memory.ProtRW)
	_, err = NewVMT(a, empty)
	assert.True(t, errors.Is(err, ErrInvalidAddress))
	_, err = NewVMT(a, a.Base()+14*a.PageSize())
	assert.True(t, errors.Is(err, ErrInvalidAddress))
}

func TestRegistryVMT(t *testing.T) {
	a := newArena(t, 8)
	r, logs := newTestRegistry(t, a)
	o := newTestObject(t, a, -1, -1, -1, -1)

	vh, err := r.InstallVMT(o.object)
	require.NoError(t, err)
	assert.Equal(t, 4, vh.Len())
	assert.Equal(t, o.object, vh.Object())
	again, err := r.InstallVMT(o.object)
	require.NoError(t, err)
	assert.Same(t, vh, again)
	assert.Equal(t, 1, r.HookCount())
	assert.Equal(t, 1, logs.FilterMessage("vmt opened").Len())

	h, err := vh.Hook(2, 0xDEAD0000, WithConv(ConvThiscall))
	require.NoError(t, err)
	assert.Equal(t, VMTID(o.object, 2), h.ID())
	assert.Equal(t, o.table+16, h.Target())
	assert.Equal(t, uintptr(0xDEAD0000), peekU64(a, o.table+16))
	orig, err := r.GetOriginal(VMTID(o.object, 2))
	require.NoError(t, err)
	assert.Equal(t, OriginalBinding{Address: o.methods[2], Conv: ConvThiscall}, orig)
	assert.Equal(t, 2, r.HookCount())

	// one replacement per slot, even when duplicates are allowed
	_, err = vh.Hook(2, 0xBEEF0000)
	assert.True(t, errors.Is(err, ErrAlreadyHooked))
	_, err = vh.Hook(2, 0xBEEF0000, AllowDuplicate())
	assert.True(t, errors.Is(err, ErrAlreadyHooked))
	_, err = vh.Hook(4, 0xBEEF0000)
	assert.True(t, errors.Is(err, ErrIndexOutOfBounds))
	assert.Equal(t, 3, r.FailureCount())

	require.NoError(t, h.Disable())
	assert.Equal(t, o.methods[2], peekU64(a, o.table+16))
	require.NoError(t, h.Enable())

	_, err = vh.Hook(0, 0xCAFE0000)
	require.NoError(t, err)
	require.NoError(t, vh.Unhook(0))
	assert.Equal(t, o.methods[0], peekU64(a, o.table))
	assert.True(t, errors.Is(vh.Unhook(0), ErrNotHooked))

	require.NoError(t, vh.UnhookAll())
	assert.Equal(t, o.methods[2], peekU64(a, o.table+16))
	assert.False(t, r.IsHooked(VMTID(o.object, 2)))
	assert.True(t, errors.Is(h.Unhook(), ErrNotHooked))

	// the handle stays usable until closed
	_, err = vh.Hook(1, 0xCAFE0000)
	require.NoError(t, err)
	require.NoError(t, vh.Close())
	assert.Equal(t, o.methods[1], peekU64(a, o.table+8))
	assert.Zero(t, r.HookCount())
	_, err = vh.Hook(1, 0xCAFE0000)
	assert.True(t, errors.Is(err, ErrNotHooked))

	_, err = r.InstallVMT(0)
	assert.True(t, errors.Is(err, ErrInvalidAddress))
}
