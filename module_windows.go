package hookengine

import (
	"path/filepath"

	"github.com/pkg/errors"
	"golang.org/x/sys/windows"

	"github.com/k2io/hookengine/memory"
)

// FindModule resolves a module loaded in the process. An empty name is the
// main executable.
func FindModule(name string) (ModuleImage, error) {
	var namep *uint16
	if name != "" {
		p, err := windows.UTF16PtrFromString(name)
		if err != nil {
			return ModuleImage{}, errors.WithMessagef(ErrInvalidModule, "%q: %v", name, err)
		}
		namep = p
	}
	var h windows.Handle
	if err := windows.GetModuleHandleEx(windows.GET_MODULE_HANDLE_EX_FLAG_UNCHANGED_REFCOUNT, namep, &h); err != nil {
		return ModuleImage{}, errors.WithMessagef(ErrInvalidModule, "%q: %v", name, err)
	}
	buf := make([]uint16, windows.MAX_LONG_PATH)
	n, err := windows.GetModuleFileName(h, &buf[0], uint32(len(buf)))
	if err != nil {
		return ModuleImage{}, errors.WithMessagef(ErrInvalidModule, "%q: %v", name, err)
	}
	path := windows.UTF16ToString(buf[:n])
	if name == "" {
		name = filepath.Base(path)
	}
	mod, err := ImageFromHeader(memory.Native(), name, uintptr(h))
	if err != nil {
		return ModuleImage{}, err
	}
	mod.Path = path
	return mod, nil
}
