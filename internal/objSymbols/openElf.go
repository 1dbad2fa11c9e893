package symbols

import (
	"debug/elf"
	"io"
)

type elfFile struct {
	elf *elf.File
}

func openElf(r io.ReaderAt) (rawFile, error) {
	f, err := elf.NewFile(r)
	if err != nil {
		return nil, err
	}
	return &elfFile{f}, nil
}

func (e *elfFile) Close() error { return e.elf.Close() }

func (e *elfFile) Symbols() (map[string]uintptr, error) {
	elfSyms, err := e.elf.Symbols()
	if err != nil && err != elf.ErrNoSymbols {
		return nil, err
	}
	dynSyms, err := e.elf.DynamicSymbols()
	if err != nil && err != elf.ErrNoSymbols {
		return nil, err
	}
	return getElfOff(e.loadBase(), append(elfSyms, dynSyms...)), nil
}

// loadBase is the lowest virtual address of a loadable segment.
func (e *elfFile) loadBase() uint64 {
	base := ^uint64(0)
	for _, p := range e.elf.Progs {
		if p.Type != elf.PT_LOAD {
			continue
		}
		align := p.Align
		if align == 0 {
			align = 1
		}
		if v := p.Vaddr &^ (align - 1); v < base {
			base = v
		}
	}
	if base == ^uint64(0) {
		return 0
	}
	return base
}

func getElfOff(base uint64, stab []elf.Symbol) map[string]uintptr {
	elfOff := make(map[string]uintptr, len(stab))
	for _, k := range stab {
		if k.Name == "" || k.Section == elf.SHN_UNDEF || k.Value < base {
			continue
		}
		if _, ok := elfOff[k.Name]; ok {
			continue
		}
		elfOff[k.Name] = uintptr(k.Value - base)
	}
	return elfOff
}
