package hookengine

import (
	"encoding/binary"
	"math"
	"runtime"
)

const (
	// E9 rel32
	nearJumpSize = 5
	// minimum window for the far redirect; push rax; mov rax, imm64;
	// jmp rax takes 13 of it and the rest is nop padding
	farJumpSize = 14
)

var le = binary.LittleEndian

// overflowsS32 reports whether a rel32 operand ending at from cannot reach to.
func overflowsS32(from, to uintptr) bool {
	d := int64(to) - int64(from)
	return d < math.MinInt32 || d > math.MaxInt32
}

// relJump encodes `jmp rel32` placed at from.
func relJump(from, to uintptr) []byte {
	b := make([]byte, nearJumpSize)
	b[0] = 0xE9
	le.PutUint32(b[1:], uint32(int32(int64(to)-int64(from+nearJumpSize))))
	return b
}

// absJump encodes `jmp [rip+0]` followed by the 64-bit destination. It
// clobbers no register.
func absJump(to uintptr) []byte {
	b := []byte{
		0xFF, 0x25, 0x00, 0x00, 0x00, 0x00, // JMP [RIP+0]
		0, 0, 0, 0, 0, 0, 0, 0,
	}
	le.PutUint64(b[6:], uint64(to))
	return b
}

// pushJump encodes `push rax; mov rax, imm64; jmp rax`. The destination
// must start with popRAX.
func pushJump(to uintptr) []byte {
	b := []byte{
		0x50,       // PUSH RAX
		0x48, 0xB8, // MOV RAX, imm64
		0, 0, 0, 0, 0, 0, 0, 0,
		0xFF, 0xE0, // JMP RAX
	}
	le.PutUint64(b[3:], uint64(to))
	return b
}

const popRAX = 0x58

// jumpFrom picks the shortest jump placed at from that reaches to.
func jumpFrom(from, to uintptr) []byte {
	if !overflowsS32(from+nearJumpSize, to) {
		return relJump(from, to)
	}
	return absJump(to)
}

// Registers is the block a mid hook callback receives. The callback may
// change any field; the values are loaded back before the original code
// runs. The interrupted stack pointer is the block's address plus 128.
type Registers struct {
	R15, R14, R13, R12, R11, R10, R9, R8 uint64
	RDI, RSI, RBP, RBX, RDX, RCX, RAX    uint64
	RFlags                               uint64
}

// offset of the callback imm64 inside midStub
const midCallbackOff = 40

// midStub saves all general purpose registers, calls callback with a
// pointer to them in the first argument register of the platform calling
// convention, and restores them.
func midStub(callback uintptr) []byte {
	b := []byte{
		0x9C,                   // PUSHFQ
		0x50, 0x51, 0x52, 0x53, // PUSH RAX, RCX, RDX, RBX
		0x55, 0x56, 0x57, // PUSH RBP, RSI, RDI
		0x41, 0x50, 0x41, 0x51, 0x41, 0x52, 0x41, 0x53, // PUSH R8-R11
		0x41, 0x54, 0x41, 0x55, 0x41, 0x56, 0x41, 0x57, // PUSH R12-R15
	}
	if runtime.GOOS == "windows" {
		b = append(b, 0x48, 0x89, 0xE1) // MOV RCX, RSP
	} else {
		b = append(b, 0x48, 0x89, 0xE7) // MOV RDI, RSP
	}
	b = append(b,
		0x48, 0x89, 0xE3, // MOV RBX, RSP
		0x48, 0x83, 0xE4, 0xF0, // AND RSP, -16
		0x48, 0x83, 0xEC, 0x20, // SUB RSP, 32
		0x48, 0xB8, 0, 0, 0, 0, 0, 0, 0, 0, // MOV RAX, callback
		0xFF, 0xD0, // CALL RAX
		0x48, 0x89, 0xDC, // MOV RSP, RBX
		0x41, 0x5F, 0x41, 0x5E, 0x41, 0x5D, 0x41, 0x5C, // POP R15-R12
		0x41, 0x5B, 0x41, 0x5A, 0x41, 0x59, 0x41, 0x58, // POP R11-R8
		0x5F, 0x5E, 0x5D, // POP RDI, RSI, RBP
		0x5B, 0x5A, 0x59, 0x58, // POP RBX, RDX, RCX, RAX
		0x9D, // POPFQ
	)
	le.PutUint64(b[midCallbackOff:], uint64(callback))
	return b
}
