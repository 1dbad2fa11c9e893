package hookengine

import (
	"github.com/pkg/errors"

	sym "github.com/k2io/hookengine/internal/objSymbols"
)

// GetSymbols reads the symbol table of the object file at name. Values are
// offsets from the image base.
func GetSymbols(name string) (map[string]uintptr, error) {
	return sym.ReadSymbols(name)
}

// ResolveSymbol returns the address symbol is loaded at in module, reading
// the symbol table from the module's file.
func ResolveSymbol(module ModuleImage, symbol string) (uintptr, error) {
	if module.Path == "" {
		return 0, errors.WithMessagef(ErrInvalidModule, "%s has no file to read symbols from", module.Name)
	}
	off, err := sym.Lookup(module.Path, symbol)
	if err != nil {
		return 0, errors.WithMessagef(ErrFunctionNotFound, "%v", err)
	}
	if module.Size != 0 && off >= module.Size {
		return 0, errors.WithMessagef(ErrFunctionNotFound, "%s at %#x lies outside %s", symbol, off, module.Name)
	}
	return module.Base + off, nil
}
