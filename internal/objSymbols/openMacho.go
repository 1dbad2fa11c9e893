package symbols

import (
	"debug/macho"
	"io"
)

type machoFile struct {
	macho *macho.File
}

func openMacho(r io.ReaderAt) (rawFile, error) {
	f, err := macho.NewFile(r)
	if err != nil {
		return nil, err
	}
	return &machoFile{f}, nil
}

func (f *machoFile) Close() error { return f.macho.Close() }

func (f *machoFile) Symbols() (map[string]uintptr, error) {
	off := make(map[string]uintptr)
	if f.macho.Symtab == nil {
		return off, nil
	}
	var base uint64
	if text := f.macho.Segment("__TEXT"); text != nil {
		base = text.Addr
	}
	for _, s := range f.macho.Symtab.Syms {
		if s.Sect == 0 || s.Value < base {
			continue
		}
		off[s.Name] = uintptr(s.Value - base)
	}
	return off, nil
}
