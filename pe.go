package hookengine

import (
	"strings"

	"github.com/pkg/errors"

	"github.com/k2io/hookengine/memory"
)

// offsets into a mapped PE32+ image
const (
	dosLfanew       = 0x3C
	ntOptional      = 24
	optMagic64      = 0x20B
	optSizeOfImage  = 56
	optNumberOfDirs = 108
	optDirectories  = 112

	dirExport = 0
	dirImport = 1

	importDescSize  = 20
	ordinalFlag     = 1 << 63
	maxSymbolLength = 512
)

// peImage reads the headers and tables of a PE32+ image mapped in a space.
type peImage struct {
	space memory.Space
	base  uintptr
	size  uint32
	dirs  [2]struct{ rva, size uint32 }
}

type peReader struct {
	space memory.Space
	err   error
}

func (r *peReader) bytes(addr uintptr, n int) []byte {
	if r.err != nil {
		return make([]byte, n)
	}
	b := make([]byte, n)
	if err := r.space.Read(addr, b); err != nil {
		r.err = errors.Wrapf(err, "read %#x", addr)
	}
	return b
}

func (r *peReader) u16(addr uintptr) uint16 { return le.Uint16(r.bytes(addr, 2)) }
func (r *peReader) u32(addr uintptr) uint32 { return le.Uint32(r.bytes(addr, 4)) }
func (r *peReader) u64(addr uintptr) uint64 { return le.Uint64(r.bytes(addr, 8)) }

// cstring reads a NUL terminated name of bounded length.
func (r *peReader) cstring(addr uintptr) string {
	var sb strings.Builder
	for i := 0; i < maxSymbolLength && r.err == nil; i++ {
		c := r.bytes(addr+uintptr(i), 1)[0]
		if c == 0 {
			return sb.String()
		}
		sb.WriteByte(c)
	}
	if r.err == nil {
		r.err = errors.Errorf("unterminated name at %#x", addr)
	}
	return sb.String()
}

func openImage(space memory.Space, base uintptr) (*peImage, error) {
	if base == 0 {
		return nil, errors.WithMessage(ErrInvalidModule, "null module base")
	}
	r := &peReader{space: space}
	if string(r.bytes(base, 2)) != "MZ" {
		return nil, errors.WithMessagef(ErrInvalidModule, "no DOS header at %#x", base)
	}
	nt := base + uintptr(r.u32(base+dosLfanew))
	if string(r.bytes(nt, 4)) != "PE\x00\x00" {
		return nil, errors.WithMessagef(ErrInvalidModule, "no NT header at %#x", nt)
	}
	opt := nt + ntOptional
	if magic := r.u16(opt); r.err == nil && magic != optMagic64 {
		return nil, errors.WithMessagef(ErrInvalidModule, "optional header magic %#x is not PE32+", magic)
	}
	img := &peImage{space: space, base: base, size: r.u32(opt + optSizeOfImage)}
	n := r.u32(opt + optNumberOfDirs)
	for i := range img.dirs {
		if uint32(i) >= n {
			break
		}
		d := opt + optDirectories + uintptr(i)*8
		img.dirs[i].rva = r.u32(d)
		img.dirs[i].size = r.u32(d + 4)
	}
	if r.err != nil {
		return nil, errors.WithMessage(ErrInvalidModule, r.err.Error())
	}
	return img, nil
}

func (img *peImage) at(rva uint32) uintptr { return img.base + uintptr(rva) }

// findImport returns the import address table slot bound to name.
func (img *peImage) findImport(name string) (uintptr, error) {
	d := img.dirs[dirImport]
	if d.rva == 0 {
		return 0, errors.WithMessagef(ErrFunctionNotFound, "%s: module has no imports", name)
	}
	r := &peReader{space: img.space}
	for desc := img.at(d.rva); ; desc += importDescSize {
		lookup := r.u32(desc)
		first := r.u32(desc + 16)
		if r.err != nil {
			return 0, errors.WithMessage(ErrInvalidModule, r.err.Error())
		}
		if lookup == 0 && first == 0 {
			break
		}
		if lookup == 0 {
			// unbound images keep the names in the address table itself
			lookup = first
		}
		for i := uintptr(0); ; i++ {
			thunk := r.u64(img.at(lookup) + i*8)
			if r.err != nil {
				return 0, errors.WithMessage(ErrInvalidModule, r.err.Error())
			}
			if thunk == 0 {
				break
			}
			if thunk&ordinalFlag != 0 {
				continue
			}
			// IMAGE_IMPORT_BY_NAME: hint, then the name
			sym := r.cstring(img.at(uint32(thunk)) + 2)
			if r.err != nil {
				return 0, errors.WithMessage(ErrInvalidModule, r.err.Error())
			}
			if strings.EqualFold(sym, name) {
				return img.at(first) + i*8, nil
			}
		}
	}
	return 0, errors.WithMessagef(ErrFunctionNotFound, "%s is not imported", name)
}

// findExport returns the address of the function RVA exported as name.
func (img *peImage) findExport(name string) (uintptr, error) {
	d := img.dirs[dirExport]
	if d.rva == 0 {
		return 0, errors.WithMessagef(ErrFunctionNotFound, "%s: module has no exports", name)
	}
	r := &peReader{space: img.space}
	dir := img.at(d.rva)
	numFuncs := r.u32(dir + 20)
	numNames := r.u32(dir + 24)
	funcs := r.u32(dir + 28)
	names := r.u32(dir + 32)
	ords := r.u32(dir + 36)
	if r.err != nil {
		return 0, errors.WithMessage(ErrInvalidModule, r.err.Error())
	}
	for i := uintptr(0); i < uintptr(numNames); i++ {
		sym := r.cstring(img.at(r.u32(img.at(names) + i*4)))
		if r.err != nil {
			return 0, errors.WithMessage(ErrInvalidModule, r.err.Error())
		}
		if !strings.EqualFold(sym, name) {
			continue
		}
		ord := r.u16(img.at(ords) + i*2)
		if r.err != nil {
			return 0, errors.WithMessage(ErrInvalidModule, r.err.Error())
		}
		if uint32(ord) >= numFuncs {
			return 0, errors.WithMessagef(ErrInvalidModule, "%s has ordinal %d past %d functions", name, ord, numFuncs)
		}
		return img.at(funcs) + uintptr(ord)*4, nil
	}
	return 0, errors.WithMessagef(ErrFunctionNotFound, "%s is not exported", name)
}
