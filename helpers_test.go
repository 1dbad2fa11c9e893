package hookengine

import (
	"testing"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zaptest/observer"

	"github.com/k2io/hookengine/memory"
)

func newArena(t *testing.T, pages int) *memory.Arena {
	t.Helper()
	a, err := memory.NewArena(pages)
	require.NoError(t, err)
	t.Cleanup(func() { require.NoError(t, a.Close()) })
	return a
}

// place commits a page at addr (or anywhere when zero), writes data at its
// start and leaves it with prot.
func place(t *testing.T, a *memory.Arena, addr uintptr, data []byte, prot memory.Protection) uintptr {
	t.Helper()
	p, err := a.Allocate(addr, a.PageSize(), memory.ProtRW)
	require.NoError(t, err)
	require.NoError(t, a.Write(p, data))
	_, err = a.Protect(p, a.PageSize(), prot)
	require.NoError(t, err)
	return p
}

func newTestRegistry(t *testing.T, space memory.Space, opts ...Option) (*Registry, *observer.ObservedLogs) {
	t.Helper()
	core, logs := observer.New(zap.DebugLevel)
	opts = append([]Option{WithSpace(space), WithLogger(zap.New(core))}, opts...)
	r := New(opts...)
	t.Cleanup(func() { _ = r.Close() })
	return r, logs
}
