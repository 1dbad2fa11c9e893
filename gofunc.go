package hookengine

import (
	"reflect"
	"unsafe"

	"github.com/pkg/errors"
)

var (
	// ErrInputType means a Go value that should be a function is not one
	ErrInputType = errors.New("input is not a function")
	// ErrDifferentType means a target and its detour have different signatures
	ErrDifferentType = errors.New("target and detour types differ")
)

// funcval is the runtime layout a Go func value points at.
type funcval struct {
	fn uintptr
}

// FuncAddr returns the entry point of the Go function fn.
func FuncAddr(fn interface{}) (uintptr, error) {
	v := reflect.ValueOf(fn)
	if v.Kind() != reflect.Func || v.IsNil() {
		return 0, ErrInputType
	}
	return v.Pointer(), nil
}

// InstallFunc inline hooks the Go function target with detour, which must
// have the same signature. Bind the original with Hook.BindOriginal.
func (r *Registry) InstallFunc(target, detour interface{}, opts ...InstallOption) (*Hook, error) {
	from, err := FuncAddr(target)
	if err != nil {
		return nil, errors.WithMessage(err, "target")
	}
	to, err := FuncAddr(detour)
	if err != nil {
		return nil, errors.WithMessage(err, "detour")
	}
	if reflect.TypeOf(target) != reflect.TypeOf(detour) {
		return nil, errors.WithMessagef(ErrDifferentType, "%v and %v", reflect.TypeOf(target), reflect.TypeOf(detour))
	}
	return r.InstallInline(from, to, opts...)
}

// BindOriginal points the func variable dst (a pointer to a func) at the
// hook's original code, so a Go detour can call through it.
func (h *Hook) BindOriginal(dst interface{}) error {
	v := reflect.ValueOf(dst)
	if v.Kind() != reflect.Ptr || v.IsNil() || v.Elem().Kind() != reflect.Func {
		return errors.WithMessagef(ErrInputType, "%T is not a pointer to a func", dst)
	}
	orig := h.Original()
	if !orig.Valid() {
		return ErrNotHooked
	}
	fv := &funcval{fn: orig.Address}
	*(*unsafe.Pointer)(v.UnsafePointer()) = unsafe.Pointer(fv)
	return nil
}
