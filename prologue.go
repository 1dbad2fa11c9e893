package hookengine

import (
	"math"

	"github.com/pkg/errors"
	"golang.org/x/arch/x86/x86asm"
)

type instruction struct {
	addr uintptr
	raw  []byte
	inst x86asm.Inst
}

// prologue is the run of whole instructions at a hook target that the
// redirect overwrites.
type prologue struct {
	target uintptr
	length int
	insts  []instruction
}

func (p *prologue) bytes() []byte {
	out := make([]byte, 0, p.length)
	for _, in := range p.insts {
		out = append(out, in.raw...)
	}
	return out
}

// ensureLength decodes code (read at target) until at least size bytes of
// whole instructions are covered. A non-zero exact asks for that many bytes
// and fails if it does not end on an instruction boundary.
func ensureLength(code []byte, target uintptr, size, exact int) (prologue, error) {
	p := prologue{target: target}
	want := size
	if exact != 0 {
		if exact < size {
			return p, errors.WithMessagef(ErrNotEnoughSpace, "prologue of %d bytes cannot hold a %d byte jump", exact, size)
		}
		want = exact
	}
	for p.length < want {
		if p.length >= len(code) {
			return p, errors.WithMessagef(ErrFailedToDecode, "ran out of code at %#x", target+uintptr(p.length))
		}
		inst, err := x86asm.Decode(code[p.length:], 64)
		if err != nil {
			return p, errors.WithMessagef(ErrFailedToDecode, "at %#x: %v", target+uintptr(p.length), err)
		}
		p.insts = append(p.insts, instruction{
			addr: target + uintptr(p.length),
			raw:  append([]byte(nil), code[p.length:p.length+inst.Len]...),
			inst: inst,
		})
		p.length += inst.Len
		if p.length < want && endsFlow(inst) {
			return p, errors.WithMessagef(ErrNotEnoughSpace, "function at %#x ends after %d bytes", target, p.length)
		}
	}
	if exact != 0 && p.length != exact {
		return p, errors.WithMessagef(ErrFailedToDecode, "prologue length %d splits the instruction at %#x", exact, p.insts[len(p.insts)-1].addr)
	}
	return p, nil
}

func endsFlow(inst x86asm.Inst) bool {
	switch inst.Op {
	case x86asm.RET, x86asm.JMP, x86asm.INT, x86asm.UD2, x86asm.HLT:
		return true
	}
	return false
}

// pcRel locates the PC-relative field of an instruction, returning its
// offset and width in bytes, or a zero width if there is none.
func pcRel(in instruction) (off, size int, branch bool) {
	for _, a := range in.inst.Args {
		if a == nil {
			break
		}
		var disp int64
		switch v := a.(type) {
		case x86asm.Rel:
			branch = true
		case x86asm.Mem:
			if v.Base != x86asm.RIP {
				continue
			}
			disp = v.Disp
		default:
			continue
		}
		if in.inst.PCRel != 0 {
			return in.inst.PCRelOff, in.inst.PCRel, branch
		}
		if branch {
			// branch displacements are always the last field
			size = 4
			if isRel8(in.raw) {
				size = 1
			}
			return in.inst.Len - size, size, true
		}
		// the displacement follows the opcode and ModRM bytes and
		// precedes any immediate
		want := uint32(int32(disp))
		for k := 2; k+4 <= in.inst.Len; k++ {
			if le.Uint32(in.raw[k:]) == want {
				return k, 4, false
			}
		}
		return 0, -1, false
	}
	return 0, 0, false
}

func isRel8(raw []byte) bool {
	for _, b := range raw {
		switch {
		case b == 0x2E || b == 0x3E || b == 0x66 || b == 0x67 || b == 0xF2 || b == 0xF3:
			continue
		case b == 0xEB, b >= 0x70 && b <= 0x7F, b >= 0xE0 && b <= 0xE3:
			return true
		}
		return false
	}
	return false
}

func readDisp(raw []byte, off, size int) int64 {
	switch size {
	case 1:
		return int64(int8(raw[off]))
	case 2:
		return int64(int16(le.Uint16(raw[off:])))
	}
	return int64(int32(le.Uint32(raw[off:])))
}

// relocate re-encodes the prologue to run at dst. PC-relative operands are
// rebased, short branches are widened to rel32, and branches back into the
// overwritten window are refused.
func (p *prologue) relocate(dst uintptr) ([]byte, error) {
	out := make([]byte, 0, p.length+16)
	for _, in := range p.insts {
		at := dst + uintptr(len(out))
		off, size, branch := pcRel(in)
		if size == 0 {
			out = append(out, in.raw...)
			continue
		}
		if size < 0 || size == 2 {
			return nil, errors.WithMessagef(ErrUnsupportedInstruction, "%v at %#x", in.inst, in.addr)
		}
		abs := uintptr(int64(in.addr) + int64(in.inst.Len) + readDisp(in.raw, off, size))
		if branch && abs > p.target && abs < p.target+uintptr(p.length) {
			return nil, errors.WithMessagef(ErrShortJumpInTrampoline, "%v at %#x targets %#x", in.inst, in.addr, abs)
		}
		if size == 1 {
			wide, err := widen(in, off, at, abs)
			if err != nil {
				return nil, err
			}
			out = append(out, wide...)
			continue
		}
		disp := int64(abs) - int64(at+uintptr(in.inst.Len))
		if disp < math.MinInt32 || disp > math.MaxInt32 {
			return nil, errors.WithMessagef(ErrIPRelativeOutOfRange, "%v at %#x moved to %#x", in.inst, in.addr, at)
		}
		raw := append([]byte(nil), in.raw...)
		le.PutUint32(raw[off:], uint32(int32(disp)))
		out = append(out, raw...)
	}
	return out, nil
}

// widen turns a rel8 jmp or jcc placed at at into its rel32 form.
func widen(in instruction, off int, at, abs uintptr) ([]byte, error) {
	op := in.raw[off-1]
	var b []byte
	switch {
	case op == 0xEB:
		b = []byte{0xE9, 0, 0, 0, 0}
	case op >= 0x70 && op <= 0x7F:
		b = []byte{0x0F, 0x80 | (op & 0x0F), 0, 0, 0, 0}
	default:
		// loop, loope, loopne and jrcxz have no rel32 form
		return nil, errors.WithMessagef(ErrUnsupportedInstruction, "%v at %#x", in.inst, in.addr)
	}
	disp := int64(abs) - int64(at+uintptr(len(b)))
	if disp < math.MinInt32 || disp > math.MaxInt32 {
		return nil, errors.WithMessagef(ErrIPRelativeOutOfRange, "%v at %#x moved to %#x", in.inst, in.addr, at)
	}
	le.PutUint32(b[len(b)-4:], uint32(int32(disp)))
	return b, nil
}
