package hookengine

import (
	"github.com/pkg/errors"

	"github.com/k2io/hookengine/memory"
)

// ModuleImage is a loaded executable image.
type ModuleImage struct {
	Name string
	Path string
	Base uintptr
	Size uintptr
}

// Contains reports whether addr lies inside the image.
func (m ModuleImage) Contains(addr uintptr) bool {
	return addr >= m.Base && addr-m.Base < m.Size
}

// ImageFromHeader describes the PE image mapped at base, taking its size
// from the optional header.
func ImageFromHeader(space memory.Space, name string, base uintptr) (ModuleImage, error) {
	img, err := openImage(space, base)
	if err != nil {
		return ModuleImage{}, err
	}
	if img.size == 0 {
		return ModuleImage{}, errors.WithMessagef(ErrInvalidModule, "%s has an empty image", name)
	}
	return ModuleImage{Name: name, Base: base, Size: uintptr(img.size)}, nil
}
