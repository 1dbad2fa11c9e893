package hookengine

import (
	"os"
	"path/filepath"
	"strings"

	"github.com/pkg/errors"
	"github.com/prometheus/procfs"
)

// FindModule resolves a file mapped into the process by base name. An empty
// name is the main executable. The image spans every mapping of the file.
func FindModule(name string) (ModuleImage, error) {
	path := ""
	if name == "" {
		exe, err := os.Executable()
		if err != nil {
			return ModuleImage{}, errors.WithMessage(ErrInvalidModule, err.Error())
		}
		path, name = exe, filepath.Base(exe)
	}
	p, err := procfs.Self()
	if err != nil {
		return ModuleImage{}, errors.WithMessage(ErrInvalidModule, err.Error())
	}
	maps, err := p.ProcMaps()
	if err != nil {
		return ModuleImage{}, errors.WithMessage(ErrInvalidModule, err.Error())
	}
	var mod ModuleImage
	var end uintptr
	for _, m := range maps {
		if m.Pathname == "" {
			continue
		}
		if path != "" && m.Pathname != path {
			continue
		}
		if path == "" && !strings.EqualFold(filepath.Base(m.Pathname), name) {
			continue
		}
		if mod.Base == 0 || m.StartAddr < mod.Base {
			mod.Base = m.StartAddr
		}
		if m.EndAddr > end {
			end = m.EndAddr
		}
		mod.Path = m.Pathname
	}
	if mod.Base == 0 {
		return ModuleImage{}, errors.WithMessagef(ErrInvalidModule, "%q is not mapped", name)
	}
	mod.Name = name
	mod.Size = end - mod.Base
	return mod, nil
}
