package symbols

import (
	"io"

	"github.com/Binject/debug/pe"
)

type peFile struct {
	pe *pe.File
}

func openPE(r io.ReaderAt) (rawFile, error) {
	f, err := pe.NewFile(r)
	if err != nil {
		return nil, err
	}
	return &peFile{f}, nil
}

func (f *peFile) Close() error { return f.pe.Close() }

// Symbols merges the export table with any COFF symbols. Both are returned
// as RVAs.
func (f *peFile) Symbols() (map[string]uintptr, error) {
	off := make(map[string]uintptr)
	for _, s := range f.pe.Symbols {
		if s.SectionNumber <= 0 || int(s.SectionNumber) > len(f.pe.Sections) {
			continue
		}
		sec := f.pe.Sections[s.SectionNumber-1]
		off[s.Name] = uintptr(sec.VirtualAddress + s.Value)
	}
	exports, err := f.pe.Exports()
	if err != nil {
		// no export directory
		return off, nil
	}
	for _, e := range exports {
		if e.Name == "" || e.Forward != "" {
			continue
		}
		off[e.Name] = uintptr(e.VirtualAddress)
	}
	return off, nil
}
