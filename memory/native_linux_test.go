package memory

import (
	"testing"

	"github.com/prometheus/procfs"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestFromPerms(t *testing.T) {
	assert.Equal(t, ProtRX, fromPerms(&procfs.ProcMapPermissions{Read: true, Execute: true, Private: true}))
	assert.Equal(t, ProtRW, fromPerms(&procfs.ProcMapPermissions{Read: true, Write: true, Shared: true}))
	assert.Equal(t, Protection(0), fromPerms(&procfs.ProcMapPermissions{Private: true}))
	assert.Equal(t, Protection(0), fromPerms(nil))
}

func TestNativeQueryReportsProtection(t *testing.T) {
	s := Native()
	page := s.PageSize()
	p, err := s.Allocate(0, page, ProtRW)
	require.NoError(t, err)
	defer func() { require.NoError(t, s.Free(p, page)) }()

	reg, err := s.Query(p)
	require.NoError(t, err)
	assert.True(t, reg.Committed)
	assert.True(t, reg.Contains(p))
	assert.Equal(t, ProtRW, reg.Prot)

	old, err := s.Protect(p, page, ProtRead)
	require.NoError(t, err)
	assert.Equal(t, ProtRW, old)
	reg, err = s.Query(p)
	require.NoError(t, err)
	assert.Equal(t, ProtRead, reg.Prot)
}
