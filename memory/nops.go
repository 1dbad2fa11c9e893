package memory

// Recommended multi-byte NOP encodings, indexed by length.
var nopForms = [...][]byte{
	1: {0x90},
	2: {0x66, 0x90},
	3: {0x0F, 0x1F, 0x00},
	4: {0x0F, 0x1F, 0x40, 0x00},
	5: {0x0F, 0x1F, 0x44, 0x00, 0x00},
	6: {0x66, 0x0F, 0x1F, 0x44, 0x00, 0x00},
	7: {0x0F, 0x1F, 0x80, 0x00, 0x00, 0x00, 0x00},
	8: {0x0F, 0x1F, 0x84, 0x00, 0x00, 0x00, 0x00, 0x00},
	9: {0x66, 0x0F, 0x1F, 0x84, 0x00, 0x00, 0x00, 0x00, 0x00},
}

const maxNop = len(nopForms) - 1

// Nops returns n bytes of no-op instructions, longest forms first, so that
// no instruction straddles the end of the run.
func Nops(n int) []byte {
	out := make([]byte, 0, n)
	for n > 0 {
		k := min(n, maxNop)
		out = append(out, nopForms[k]...)
		n -= k
	}
	return out
}

// FillWithNops overwrites size bytes at addr with Nops(size).
func FillWithNops(s Space, addr uintptr, size int) error {
	if addr == 0 {
		return ErrInvalidAddress
	}
	if size <= 0 {
		return nil
	}
	return Patch(s, addr, Nops(size))
}
