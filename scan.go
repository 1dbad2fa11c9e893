package hookengine

import (
	"strconv"
	"strings"

	lru "github.com/hashicorp/golang-lru"
	"github.com/pkg/errors"

	"github.com/k2io/hookengine/memory"
)

// ErrInvalidPattern means a signature could not be parsed.
var ErrInvalidPattern = errors.New("invalid pattern")

// Signature is a byte pattern in which some positions match any byte.
type Signature struct {
	text  string
	bytes []byte
	mask  []bool
	// first and last concrete positions
	first, last int
}

var signatures *lru.Cache

func init() {
	signatures, _ = lru.New(256)
}

// ParseSignature parses space separated hex bytes where "?" or "??" is a
// wildcard, e.g. "48 8B ?? ?? 89". Results are cached by pattern text.
func ParseSignature(pattern string) (Signature, error) {
	if v, ok := signatures.Get(pattern); ok {
		return v.(Signature), nil
	}
	fields := strings.Fields(pattern)
	if len(fields) == 0 {
		return Signature{}, errors.WithMessage(ErrInvalidPattern, "empty pattern")
	}
	sig := Signature{
		text:  pattern,
		bytes: make([]byte, len(fields)),
		mask:  make([]bool, len(fields)),
		first: -1,
	}
	for i, f := range fields {
		if f == "?" || f == "??" {
			continue
		}
		if len(f) != 2 {
			return Signature{}, errors.WithMessagef(ErrInvalidPattern, "token %q at %d", f, i)
		}
		b, err := strconv.ParseUint(f, 16, 8)
		if err != nil {
			return Signature{}, errors.WithMessagef(ErrInvalidPattern, "token %q at %d", f, i)
		}
		sig.bytes[i] = byte(b)
		sig.mask[i] = true
		if sig.first < 0 {
			sig.first = i
		}
		sig.last = i
	}
	if sig.first < 0 {
		return Signature{}, errors.WithMessagef(ErrInvalidPattern, "%q has no concrete byte", pattern)
	}
	signatures.Add(pattern, sig)
	return sig, nil
}

// MustParseSignature is ParseSignature for patterns known to be valid.
func MustParseSignature(pattern string) Signature {
	sig, err := ParseSignature(pattern)
	if err != nil {
		panic(err)
	}
	return sig
}

func (s Signature) Len() int       { return len(s.bytes) }
func (s Signature) String() string { return s.text }

func (s Signature) matchAt(buf []byte, i int) bool {
	if buf[i+s.first] != s.bytes[s.first] || buf[i+s.last] != s.bytes[s.last] {
		return false
	}
	for j := s.first + 1; j < s.last; j++ {
		if s.mask[j] && buf[i+j] != s.bytes[j] {
			return false
		}
	}
	return true
}

// ScanOption adjusts a scan.
type ScanOption func(*scanConfig)

type scanConfig struct {
	coarse bool
}

// Coarse only tries 4-byte aligned start addresses. It is faster and may
// miss unaligned matches.
func Coarse() ScanOption {
	return func(c *scanConfig) { c.coarse = true }
}

func newScanConfig(opts []ScanOption) scanConfig {
	var c scanConfig
	for _, o := range opts {
		o(&c)
	}
	return c
}

// find returns the offset of the first match in buf, which starts at
// address at, or -1.
func (s Signature) find(buf []byte, at uintptr, cfg scanConfig) int {
	if len(s.bytes) == 0 {
		return -1
	}
	i, step := 0, 1
	if cfg.coarse {
		i, step = int((4-at%4)%4), 4
	}
	for ; i+len(s.bytes) <= len(buf); i += step {
		if s.matchAt(buf, i) {
			return i
		}
	}
	return -1
}

// ScanBytes returns the offset of the first match of sig in buf.
func ScanBytes(buf []byte, sig Signature, opts ...ScanOption) (int, bool) {
	i := sig.find(buf, 0, newScanConfig(opts))
	return i, i >= 0
}

// Scan searches [base, base+size) of space for sig, skipping memory that
// cannot be read.
func Scan(space memory.Space, base, size uintptr, sig Signature, opts ...ScanOption) (uintptr, bool) {
	return ScanList(space, base, size, []Signature{sig}, opts...)
}

// ScanList returns the first match of the first signature in sigs that
// matches anywhere in the range.
func ScanList(space memory.Space, base, size uintptr, sigs []Signature, opts ...ScanOption) (uintptr, bool) {
	cfg := newScanConfig(opts)
	runs := readableRuns(space, base, size)
	for _, sig := range sigs {
		for _, run := range runs {
			if i := sig.find(run.data, run.base, cfg); i >= 0 {
				return run.base + uintptr(i), true
			}
		}
	}
	return 0, false
}

// ScanModule searches a loaded module's image for the first of patterns
// that matches.
func ScanModule(space memory.Space, module ModuleImage, patterns []string, opts ...ScanOption) (uintptr, error) {
	sigs := make([]Signature, 0, len(patterns))
	for _, p := range patterns {
		sig, err := ParseSignature(p)
		if err != nil {
			return 0, err
		}
		sigs = append(sigs, sig)
	}
	addr, ok := ScanList(space, module.Base, module.Size, sigs, opts...)
	if !ok {
		return 0, errors.WithMessagef(ErrFunctionNotFound, "no pattern matched in %s", module.Name)
	}
	return addr, nil
}

// NewPatternPatch prepares a byte patch of code at the first match of
// patterns in module. Nothing is written until Enable.
func NewPatternPatch(space memory.Space, module ModuleImage, patterns []string, code []byte, opts ...ScanOption) (*memory.BytePatch, error) {
	addr, err := ScanModule(space, module, patterns, opts...)
	if err != nil {
		return nil, err
	}
	return memory.NewBytePatch(space, addr, code)
}

// NewPatternNopPatch prepares a patch blanking n bytes at the first match of
// patterns in module.
func NewPatternNopPatch(space memory.Space, module ModuleImage, patterns []string, n int, opts ...ScanOption) (*memory.BytePatch, error) {
	addr, err := ScanModule(space, module, patterns, opts...)
	if err != nil {
		return nil, err
	}
	return memory.NewNopPatch(space, addr, n)
}

type memRun struct {
	base uintptr
	data []byte
}

// readableRuns copies out the readable parts of [base, base+size),
// joining adjacent readable regions so matches may straddle them.
func readableRuns(space memory.Space, base, size uintptr) []memRun {
	var runs []memRun
	end := base + size
	if end < base {
		end = ^uintptr(0)
	}
	page := space.PageSize()
	start, open := uintptr(0), false
	flush := func(to uintptr) {
		if !open {
			return
		}
		open = false
		buf := make([]byte, to-start)
		if err := space.Read(start, buf); err == nil {
			runs = append(runs, memRun{base: start, data: buf})
		}
	}
	for addr := base; addr < end; {
		reg, err := space.Query(addr)
		next := reg.Base + reg.Size
		if err != nil || next <= addr {
			next = (addr &^ (page - 1)) + page
			flush(addr)
			addr = next
			continue
		}
		if next > end {
			next = end
		}
		readable := reg.Committed && reg.Prot&memory.ProtRead != 0 && reg.Prot&memory.ProtGuard == 0
		if readable && !open {
			start, open = addr, true
		}
		if !readable {
			flush(addr)
		}
		addr = next
	}
	flush(end)
	return runs
}
