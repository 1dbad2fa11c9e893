package hookengine

import (
	"github.com/pkg/errors"

	"github.com/k2io/hookengine/memory"
)

// longest window a redirect can need: a far jump plus one maximal instruction
const maxWindow = farJumpSize + 15

// codeHook is the installed state of an inline or mid hook.
type codeHook struct {
	space  memory.Space
	target uintptr
	// bytes the redirect replaces
	stolen []byte
	// bytes written at target while enabled
	redirect []byte
	// trampoline page owned by this hook
	tramp     uintptr
	trampSize uintptr
	// entry of the relocated prologue, the callable original
	original uintptr
	far      bool

	// head of the trampoline entry, saved while bypassed
	entryAt  uintptr
	entry    []byte
	bypassed bool
	// trampolines of hooks spliced out from beneath this one
	adopted []uintptr
}

type codeRequest struct {
	target   uintptr
	detour   uintptr
	mid      bool
	prologue int
}

// buildCodeHook lays out the trampoline for req and prepares the redirect,
// without touching the target. The trampoline is sealed read+execute before
// it is returned.
//
// Near path: the target jumps with E9 into the trampoline, whose entry jumps
// on to the detour, followed by the relocated prologue and an E9 back to the
// continuation.
//
// Far path: the target gets `push rax; mov rax, tramp; jmp rax` and the
// trampoline entry pops rax before anything else runs. The jump back is a
// register-free `jmp [rip]`, so the original stays callable while the hook
// is disabled.
func buildCodeHook(space memory.Space, req codeRequest) (*codeHook, error) {
	if req.target == 0 {
		return nil, ErrInvalidAddress
	}
	if req.detour == 0 {
		return nil, ErrInvalidDetour
	}
	far := overflowsS32(req.target+nearJumpSize, req.detour)
	if req.mid {
		// the callback is called through a register, only the
		// trampoline's distance matters
		far = false
	}

	tramp, err := memory.AllocateNear(space, req.target, memory.ProtRW)
	if err != nil {
		if !far && !req.mid {
			return nil, err
		}
		if tramp, err = memory.Allocate(space, memory.ProtRW); err != nil {
			return nil, err
		}
	}
	if overflowsS32(req.target+nearJumpSize, tramp) {
		far = true
	}
	hk := &codeHook{
		space:     space,
		target:    req.target,
		tramp:     tramp,
		trampSize: space.PageSize(),
		far:       far,
	}
	if err := hk.layout(req); err != nil {
		_ = space.Free(tramp, hk.trampSize)
		return nil, err
	}
	return hk, nil
}

func (hk *codeHook) layout(req codeRequest) error {
	jumpLen := nearJumpSize
	if hk.far {
		jumpLen = farJumpSize
	}
	code, err := readCode(hk.space, hk.target, maxWindow)
	if err != nil {
		return err
	}
	pro, err := ensureLength(code, hk.target, jumpLen, req.prologue)
	if err != nil {
		return err
	}

	var buf []byte
	if hk.far {
		buf = append(buf, popRAX)
	}
	hk.entryAt = hk.tramp + uintptr(len(buf))
	if req.mid {
		buf = append(buf, midStub(req.detour)...)
	} else {
		buf = append(buf, jumpFrom(hk.tramp+uintptr(len(buf)), req.detour)...)
	}
	hk.original = hk.tramp + uintptr(len(buf))
	hk.entry = append([]byte(nil), buf[hk.entryAt-hk.tramp:][:nearJumpSize]...)
	moved, err := pro.relocate(hk.original)
	if err != nil {
		return err
	}
	buf = append(buf, moved...)
	if hk.far {
		buf = append(buf, absJump(hk.target+uintptr(pro.length))...)
	} else {
		buf = append(buf, relJump(hk.tramp+uintptr(len(buf)), hk.target+uintptr(pro.length))...)
	}
	if uintptr(len(buf)) > hk.trampSize {
		return errors.WithMessagef(ErrNotEnoughSpace, "trampoline needs %d bytes", len(buf))
	}
	if err := hk.space.Write(hk.tramp, buf); err != nil {
		return errors.Wrap(err, "write trampoline")
	}
	if err := memory.Seal(hk.space, hk.tramp, hk.trampSize, memory.ProtRX); err != nil {
		return err
	}

	hk.stolen = pro.bytes()
	if hk.far {
		hk.redirect = pushJump(hk.tramp)
	} else {
		hk.redirect = relJump(hk.target, hk.tramp)
	}
	hk.redirect = append(hk.redirect, memory.Nops(pro.length-len(hk.redirect))...)
	return nil
}

// readCode reads up to n bytes at addr, settling for fewer when the tail is
// unreadable.
func readCode(space memory.Space, addr uintptr, n int) ([]byte, error) {
	buf := make([]byte, n)
	for ; n > 0; n-- {
		if err := space.Read(addr, buf[:n]); err == nil {
			return buf[:n], nil
		}
	}
	return nil, errors.WithMessagef(ErrInvalidAddress, "cannot read code at %#x", addr)
}

func (hk *codeHook) enable() error {
	return memory.Patch(hk.space, hk.target, hk.redirect)
}

func (hk *codeHook) disable() error {
	return memory.Patch(hk.space, hk.target, hk.stolen)
}

// bypass points the trampoline entry at the relocated prologue, so a hook
// stacked above passes through without reaching the detour.
func (hk *codeHook) bypass() error {
	if hk.bypassed {
		return nil
	}
	if err := memory.Patch(hk.space, hk.entryAt, relJump(hk.entryAt, hk.original)); err != nil {
		return err
	}
	hk.bypassed = true
	return nil
}

func (hk *codeHook) unbypass() error {
	if !hk.bypassed {
		return nil
	}
	if err := memory.Patch(hk.space, hk.entryAt, hk.entry); err != nil {
		return err
	}
	hk.bypassed = false
	return nil
}

// adopt takes over lower after it has been spliced out from beneath hk.
// hk's relocated prologue still jumps into lower's trampoline, which stays
// alive until hk is released, and restoring hk now puts back what lower
// displaced.
func (hk *codeHook) adopt(lower *codeHook) {
	if lower.tramp != 0 {
		hk.adopted = append(hk.adopted, lower.tramp)
	}
	hk.adopted = append(hk.adopted, lower.adopted...)
	lower.tramp, lower.adopted = 0, nil

	n := len(hk.stolen)
	if len(lower.stolen) > n {
		n = len(lower.stolen)
	}
	stolen := make([]byte, n)
	copy(stolen, hk.stolen)
	copy(stolen, lower.stolen)
	hk.stolen = stolen
	if pad := n - len(hk.redirect); pad > 0 {
		hk.redirect = append(hk.redirect, memory.Nops(pad)...)
	}
}

func (hk *codeHook) release() error {
	var err error
	for _, p := range hk.adopted {
		if ferr := hk.space.Free(p, hk.trampSize); ferr != nil && err == nil {
			err = ferr
		}
	}
	hk.adopted = nil
	if hk.tramp == 0 {
		return err
	}
	if ferr := hk.space.Free(hk.tramp, hk.trampSize); ferr != nil && err == nil {
		err = ferr
	}
	hk.tramp = 0
	return err
}
