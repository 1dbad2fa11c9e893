package memory

import (
	"testing"

	"github.com/pkg/errors"
	"github.com/stretchr/testify/require"
)

func newArena(t *testing.T, pages int) *Arena {
	t.Helper()
	a, err := NewArena(pages)
	require.NoError(t, err)
	t.Cleanup(func() { require.NoError(t, a.Close()) })
	return a
}

func TestArenaAllocate(t *testing.T) {
	a := newArena(t, 8)
	page := a.PageSize()

	p, err := a.Allocate(0, 1, ProtRW)
	require.NoError(t, err)
	require.Equal(t, a.Base(), p)

	_, err = a.Allocate(p, page, ProtRW)
	require.True(t, errors.Is(err, ErrUnavailable))

	q, err := a.Allocate(a.Base()+3*page+17, page, ProtRX)
	require.NoError(t, err)
	require.Equal(t, a.Base()+3*page, q)

	r, err := a.Query(q + 5)
	require.NoError(t, err)
	require.True(t, r.Committed)
	require.Equal(t, ProtRX, r.Prot)
	require.Equal(t, q, r.Base)

	require.NoError(t, a.Free(q, page))
	r, err = a.Query(q)
	require.NoError(t, err)
	require.False(t, r.Committed)
	require.Error(t, a.Free(q, page))
}

func TestArenaAccessChecks(t *testing.T) {
	a := newArena(t, 4)
	p, err := a.Allocate(0, a.PageSize(), ProtRead)
	require.NoError(t, err)

	require.True(t, errors.Is(a.Write(p, []byte{1}), ErrAccess))
	require.True(t, errors.Is(a.Read(p+a.PageSize(), make([]byte, 1)), ErrAccess))

	_, err = a.Protect(p, 1, ProtRW)
	require.NoError(t, err)
	require.NoError(t, a.Write(p, []byte{0xAA, 0xBB}))
	buf := make([]byte, 2)
	require.NoError(t, a.Read(p, buf))
	require.Equal(t, []byte{0xAA, 0xBB}, buf)
}

func TestArenaGuardIsOneShot(t *testing.T) {
	a := newArena(t, 2)
	p, err := a.Allocate(0, a.PageSize(), ProtRW|ProtGuard)
	require.NoError(t, err)

	buf := make([]byte, 4)
	require.True(t, errors.Is(a.Read(p, buf), ErrAccess))
	require.NoError(t, a.Read(p, buf))

	r, err := a.Query(p)
	require.NoError(t, err)
	require.Equal(t, ProtRW, r.Prot)
}

func TestArenaDenyProtect(t *testing.T) {
	a := newArena(t, 2)
	p, err := a.Allocate(0, a.PageSize(), ProtRX)
	require.NoError(t, err)
	a.DenyProtect(p)
	_, err = a.Protect(p, 1, ProtRWX)
	require.True(t, errors.Is(err, ErrProtection))
}
