//go:build !windows && !linux

package hookengine

import "github.com/pkg/errors"

// FindModule is not supported on this system.
func FindModule(name string) (ModuleImage, error) {
	return ModuleImage{}, errors.WithMessagef(ErrInvalidModule, "cannot resolve %q on this system", name)
}
