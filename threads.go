package hookengine

// debugSlots is the number of address breakpoint registers.
const debugSlots = 4

// DebugRegisters is the debug register state of one thread.
type DebugRegisters struct {
	Addr [debugSlots]uint64
	Dr6  uint64
	Dr7  uint64
}

// setSlot programs slot i to watch addr.
func (d *DebugRegisters) setSlot(i int, addr uintptr, access AccessType, size BreakpointSize) {
	d.Addr[i] = uint64(addr)
	d.Dr7 |= 1 << (i * 2)
	shift := 16 + i*4
	d.Dr7 &^= 0xF << shift
	d.Dr7 |= uint64(access&3)<<shift | uint64(size&3)<<(shift+2)
}

func (d *DebugRegisters) clearSlot(i int) {
	d.Addr[i] = 0
	d.Dr7 &^= 1 << (i * 2)
	d.Dr7 &^= 0xF << (16 + i*4)
}

// Threads controls the threads of the process breakpoints are applied to.
type Threads interface {
	// List returns every thread of the process, the caller's included.
	List() ([]uint32, error)
	// Current is the id of the calling OS thread.
	Current() uint32
	Suspend(tid uint32) error
	Resume(tid uint32) error
	DebugRegisters(tid uint32) (DebugRegisters, error)
	SetDebugRegisters(tid uint32, regs DebugRegisters) error
}
