package symbols

import (
	"bytes"
	"os"
	"os/exec"
	"path/filepath"
	"testing"

	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const fixtureSource = `package main

//go:noinline
func fixtureEntry() int { return 42 }

func main() { println(fixtureEntry()) }
`

// buildFixture compiles a small program with its symbol table kept. Test
// binaries are linked without one.
func buildFixture(t *testing.T) string {
	t.Helper()
	gobin, err := exec.LookPath("go")
	if err != nil {
		t.Skip("go toolchain not on PATH")
	}
	dir := t.TempDir()
	src := filepath.Join(dir, "main.go")
	require.NoError(t, os.WriteFile(src, []byte(fixtureSource), 0o600))
	out := filepath.Join(dir, "fixture.bin")
	cmd := exec.Command(gobin, "build", "-o", out, src)
	cmd.Dir = dir
	cmd.Env = append(os.Environ(), "CGO_ENABLED=0", "GOFLAGS=")
	msg, err := cmd.CombinedOutput()
	require.NoError(t, err, "%s", msg)
	return out
}

func TestReadSymbolsOfFixture(t *testing.T) {
	exe := buildFixture(t)

	syms, err := ReadSymbols(exe)
	require.NoError(t, err)
	require.NotEmpty(t, syms)

	main, ok := syms["main.main"]
	require.True(t, ok)
	entry, ok := syms["main.fixtureEntry"]
	require.True(t, ok)
	assert.NotEqual(t, main, entry)
	_, ok = syms["runtime.main"]
	assert.True(t, ok)

	off, err := Lookup(exe, "main.fixtureEntry")
	require.NoError(t, err)
	assert.Equal(t, entry, off)

	_, err = Lookup(exe, "no.such.symbol")
	assert.Error(t, err)
}

func TestReadUnrecognized(t *testing.T) {
	_, err := Read(bytes.NewReader([]byte("definitely not an object file")))
	assert.True(t, errors.Is(err, ErrUnrecognized))

	path := filepath.Join(t.TempDir(), "notes.txt")
	require.NoError(t, os.WriteFile(path, []byte("hello"), 0o600))
	_, err = ReadSymbols(path)
	assert.True(t, errors.Is(err, ErrUnrecognized))

	_, err = ReadSymbols(filepath.Join(t.TempDir(), "missing"))
	assert.Error(t, err)
	assert.False(t, errors.Is(err, ErrUnrecognized))
}
