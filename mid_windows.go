package hookengine

import "golang.org/x/sys/windows"

// MidCallback wraps fn as a native callback InstallMid can call. Windows
// limits the number of callbacks a process may create, so build each one
// once and reuse it.
func MidCallback(fn func(regs *Registers)) uintptr {
	return windows.NewCallback(func(regs *Registers) uintptr {
		fn(regs)
		return 0
	})
}
