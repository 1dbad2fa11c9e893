package hookengine

// M128A is one 128-bit slot of the vector register area.
type M128A struct {
	Low  uint64
	High int64
}

// CPUContext mirrors the x64 CONTEXT record the system hands to exception
// handlers. Breakpoint callbacks receive the live record: changing Rip or a
// register here changes where and how the faulting thread resumes.
type CPUContext struct {
	P1Home       uint64
	P2Home       uint64
	P3Home       uint64
	P4Home       uint64
	P5Home       uint64
	P6Home       uint64
	ContextFlags uint32
	MxCsr        uint32
	SegCs        uint16
	SegDs        uint16
	SegEs        uint16
	SegFs        uint16
	SegGs        uint16
	SegSs        uint16
	EFlags       uint32
	Dr0          uint64
	Dr1          uint64
	Dr2          uint64
	Dr3          uint64
	Dr6          uint64
	Dr7          uint64
	Rax          uint64
	Rcx          uint64
	Rdx          uint64
	Rbx          uint64
	Rsp          uint64
	Rbp          uint64
	Rsi          uint64
	Rdi          uint64
	R8           uint64
	R9           uint64
	R10          uint64
	R11          uint64
	R12          uint64
	R13          uint64
	R14          uint64
	R15          uint64
	Rip          uint64
	FltSave      [512]byte
	VectorReg    [26]M128A
	VectorCtl    uint64
	DebugCtl     uint64

	LastBranchToRip      uint64
	LastBranchFromRip    uint64
	LastExceptionToRip   uint64
	LastExceptionFromRip uint64
}

const (
	contextAMD64          = 0x00100000
	contextDebugRegisters = contextAMD64 | 0x10

	// EFLAGS bits
	flagTrap   = 1 << 8
	flagResume = 1 << 16
)

// debugRegisters copies the debug register block out of c.
func (c *CPUContext) debugRegisters() DebugRegisters {
	return DebugRegisters{
		Addr: [debugSlots]uint64{c.Dr0, c.Dr1, c.Dr2, c.Dr3},
		Dr6:  c.Dr6,
		Dr7:  c.Dr7,
	}
}

func (c *CPUContext) setDebugRegisters(d DebugRegisters) {
	c.Dr0, c.Dr1, c.Dr2, c.Dr3 = d.Addr[0], d.Addr[1], d.Addr[2], d.Addr[3]
	c.Dr6 = d.Dr6
	c.Dr7 = d.Dr7
}
