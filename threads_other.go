//go:build !windows

package hookengine

import "github.com/pkg/errors"

// noThreads reports that debug registers cannot be reached on this system.
type noThreads struct{}

func processThreads() Threads { return noThreads{} }

var errNoThreads = errors.WithMessage(ErrNotInitialized, "thread debug registers are only reachable on windows")

func (noThreads) List() ([]uint32, error)                        { return nil, errNoThreads }
func (noThreads) Current() uint32                                { return 0 }
func (noThreads) Suspend(uint32) error                           { return errNoThreads }
func (noThreads) Resume(uint32) error                            { return errNoThreads }
func (noThreads) DebugRegisters(uint32) (DebugRegisters, error)  { return DebugRegisters{}, errNoThreads }
func (noThreads) SetDebugRegisters(uint32, DebugRegisters) error { return errNoThreads }
