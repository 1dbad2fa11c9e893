package hookengine

import (
	"io"
	"os"
	"strings"

	"github.com/pkg/errors"
	"go.uber.org/multierr"
	"gopkg.in/yaml.v2"
)

// Entry describes one code hook in a hook list file:
//
//	hooks:
//	  - name: present
//	    module: d3d11.dll
//	    pattern: ["48 89 5C 24 ?? 57 48 83 EC 30"]
//	    detour: onPresent
//	  - name: tick
//	    module: game.exe
//	    symbol: Game_Tick
//	    offset: 0x12
//	    kind: mid
//	    detour: onTick
type Entry struct {
	Name   string `yaml:"name"`
	Module string `yaml:"module"`
	// Pattern lists alternative signatures, the first that matches wins.
	Pattern  []string `yaml:"pattern,omitempty"`
	Symbol   string   `yaml:"symbol,omitempty"`
	Offset   int64    `yaml:"offset,omitempty"`
	Kind     string   `yaml:"kind,omitempty"`
	Detour   string   `yaml:"detour"`
	Conv     string   `yaml:"conv,omitempty"`
	Prologue int      `yaml:"prologue,omitempty"`
	Disabled bool     `yaml:"disabled,omitempty"`
}

type entryFile struct {
	Hooks []Entry `yaml:"hooks"`
}

// LoadEntries decodes a hook list. Unknown fields are rejected.
func LoadEntries(r io.Reader) ([]Entry, error) {
	var f entryFile
	dec := yaml.NewDecoder(r)
	dec.SetStrict(true)
	if err := dec.Decode(&f); err != nil && err != io.EOF {
		return nil, errors.Wrap(err, "decode hook list")
	}
	for i, e := range f.Hooks {
		if err := e.validate(); err != nil {
			return nil, errors.WithMessagef(err, "hook %d", i)
		}
	}
	return f.Hooks, nil
}

// LoadEntriesFile reads a hook list from path.
func LoadEntriesFile(path string) ([]Entry, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, errors.Wrap(err, "open hook list")
	}
	defer f.Close()
	return LoadEntries(f)
}

func (e Entry) validate() error {
	if e.Name == "" {
		return errors.New("missing name")
	}
	if len(e.Pattern) == 0 && e.Symbol == "" {
		return errors.Errorf("%s: needs a pattern or a symbol", e.Name)
	}
	if e.Detour == "" {
		return errors.Errorf("%s: missing detour", e.Name)
	}
	if _, err := e.kind(); err != nil {
		return err
	}
	if _, err := e.conv(); err != nil {
		return err
	}
	for _, p := range e.Pattern {
		if _, err := ParseSignature(p); err != nil {
			return errors.WithMessage(err, e.Name)
		}
	}
	return nil
}

func (e Entry) kind() (Kind, error) {
	switch strings.ToLower(e.Kind) {
	case "", "inline":
		return KindInline, nil
	case "mid":
		return KindMid, nil
	}
	return 0, errors.Errorf("%s: kind %q is not inline or mid", e.Name, e.Kind)
}

func (e Entry) conv() (CallConv, error) {
	for c := ConvDefault; c <= ConvVectorcall; c++ {
		if strings.EqualFold(e.Conv, c.String()) || (e.Conv == "" && c == ConvDefault) {
			return c, nil
		}
	}
	return 0, errors.Errorf("%s: unknown calling convention %q", e.Name, e.Conv)
}

// resolve finds the address an entry hooks.
func (r *Registry) resolve(e Entry) (uintptr, error) {
	mod, err := r.modules(e.Module)
	if err != nil {
		return 0, err
	}
	var addr uintptr
	if len(e.Pattern) > 0 {
		addr, err = ScanModule(r.space, mod, e.Pattern)
	} else {
		addr, err = ResolveSymbol(mod, e.Symbol)
	}
	if err != nil {
		return 0, err
	}
	return uintptr(int64(addr) + e.Offset), nil
}

// InstallEntries installs every entry whose detour is present in detours.
// Failed entries are skipped; their errors are combined in the result.
func (r *Registry) InstallEntries(entries []Entry, detours map[string]uintptr) ([]*Hook, error) {
	var hooks []*Hook
	var errs error
	for _, e := range entries {
		h, err := r.installEntry(e, detours)
		if err != nil {
			errs = multierr.Append(errs, errors.WithMessage(err, e.Name))
		}
		if h != nil {
			hooks = append(hooks, h)
		}
	}
	return hooks, errs
}

func (r *Registry) installEntry(e Entry, detours map[string]uintptr) (*Hook, error) {
	// failures before Install* are counted here, Install* counts its own
	if err := e.validate(); err != nil {
		r.fails.Add(1)
		return nil, err
	}
	detour, ok := detours[e.Detour]
	if !ok || detour == 0 {
		r.fails.Add(1)
		return nil, errors.WithMessagef(ErrInvalidDetour, "no detour named %q", e.Detour)
	}
	target, err := r.resolve(e)
	if err != nil {
		r.fails.Add(1)
		return nil, err
	}
	kind, _ := e.kind()
	conv, _ := e.conv()
	opts := []InstallOption{Named(e.Name), WithConv(conv)}
	if e.Prologue != 0 {
		opts = append(opts, WithPrologueLength(e.Prologue))
	}
	var h *Hook
	if kind == KindMid {
		h, err = r.InstallMid(target, detour, opts...)
	} else {
		h, err = r.InstallInline(target, detour, opts...)
	}
	if err != nil {
		return nil, err
	}
	if e.Disabled {
		if err := h.Disable(); err != nil {
			return h, err
		}
	}
	return h, nil
}
