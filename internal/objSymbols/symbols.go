// Package symbols reads symbol tables out of object files on disk. Values
// are returned relative to the image base so they can be added to the
// address the image is loaded at.
package symbols

import (
	"io"
	"os"

	"github.com/pkg/errors"
	"go.uber.org/multierr"
)

// ErrUnrecognized means no reader understood the file.
var ErrUnrecognized = errors.New("unrecognized object file")

type rawFile interface {
	Symbols() (map[string]uintptr, error)
	Close() error
}

var objType = []func(io.ReaderAt) (rawFile, error){
	openElf,
	openMacho,
	openPE,
}

// ReadSymbols opens name and returns its symbols keyed by name.
func ReadSymbols(name string) (map[string]uintptr, error) {
	r, err := os.Open(name)
	if err != nil {
		return nil, errors.Wrap(err, "open object file")
	}
	defer r.Close()
	return Read(r)
}

// Read parses an object file from r.
func Read(r io.ReaderAt) (map[string]uintptr, error) {
	var errs error
	for _, try := range objType {
		raw, err := try(r)
		if err != nil {
			errs = multierr.Append(errs, err)
			continue
		}
		syms, err := raw.Symbols()
		raw.Close()
		return syms, err
	}
	return nil, errors.WithMessage(ErrUnrecognized, errs.Error())
}

// Lookup returns the image relative offset of one symbol.
func Lookup(name, symbol string) (uintptr, error) {
	syms, err := ReadSymbols(name)
	if err != nil {
		return 0, err
	}
	off, ok := syms[symbol]
	if !ok {
		return 0, errors.Errorf("%s: no symbol %q", name, symbol)
	}
	return off, nil
}
