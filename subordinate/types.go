// This file is part of uscope.
//
// uscope is free software: you can redistribute it and/or modify
// it under the terms of the GNU General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
//
// uscope is distributed in the hope that it will be useful,
// but WITHOUT ANY WARRANTY; without even the implied warranty of
// MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE.  See the
// GNU General Public License for more details.
//
// You should have received a copy of the GNU General Public License
// along with uscope.  If not, see <https://www.gnu.org/licenses/>.

// Package subordinate implements the process adapter: it is the only
// package in this module that calls into ptrace. Everything above it
// (breakpoint, step, eval, engine) talks to a traced child exclusively
// through the Adapter methods here.
package subordinate

import (
	"syscall"

	"golang.org/x/sys/unix"
)

// InterruptByte is the x86-64 single-byte trap instruction (INT3) breakpoints
// are installed with.
const InterruptByte = 0xCC

// Registers wraps the platform register set. Only the fields the stepping
// engine and evaluator need (PC, stack pointer, frame pointer) are exposed as
// named accessors; everything else is reachable through Raw for callers that
// need it (none currently do).
type Registers struct {
	Raw unix.PtraceRegs
}

func (r Registers) PC() uint64 { return r.Raw.Rip }
func (r Registers) SP() uint64 { return r.Raw.Rsp }
func (r Registers) BP() uint64 { return r.Raw.Rbp }

func (r *Registers) SetPC(v uint64) { r.Raw.Rip = v }

// SourceLocation names a line within a file, by hash (see target.StringCache).
type SourceLocation struct {
	FileHash uint64
	Line     int
}

// Breakpoint is a user-visible or internal breakpoint record. Addr is
// pre-load-offset: the address as it appears in the DWARF data, before a
// PIE load address is added.
type Breakpoint struct {
	Bid            int
	Addr           uint64
	SourceLocation *SourceLocation
	Active         bool
	Internal       bool
	OriginalByte   byte
	HasOriginal    bool
	HitCount       int

	// CallFrameAddr and MaxStackFrames drive the stepping engine's recursion
	// guard; both nil unless this is an internal breakpoint installed by a
	// step-over/step-out.
	CallFrameAddr  *uint64
	MaxStackFrames *int
}

// ThreadBreakpoint is one Breakpoint installed on one subordinate thread.
type ThreadBreakpoint struct {
	Bid       int
	Pid       int
	IsApplied bool
}

// Subordinate is the traced child process, present only while it's running.
type Subordinate struct {
	ChildPid                       int
	LoadAddr                       uint64
	Threads                        []int
	ThreadBreakpoints              []ThreadBreakpoint
	Paused                         bool
	CanUseFramePointerUnwinding    bool
	HasProbedFramePointerUnwinding bool
}

// RecordThreadBreakpoint adds or updates the ThreadBreakpoint entry for
// (tb.Bid, tb.Pid), called after SetBreakpoint successfully applies a
// breakpoint to one thread.
func (s *Subordinate) RecordThreadBreakpoint(tb ThreadBreakpoint) {
	for i := range s.ThreadBreakpoints {
		if s.ThreadBreakpoints[i].Bid == tb.Bid && s.ThreadBreakpoints[i].Pid == tb.Pid {
			s.ThreadBreakpoints[i] = tb
			return
		}
	}
	s.ThreadBreakpoints = append(s.ThreadBreakpoints, tb)
}

// ForgetThreadBreakpoint removes the ThreadBreakpoint entry for (bid, pid),
// called after UnsetBreakpoint successfully restores the original byte on
// one thread.
func (s *Subordinate) ForgetThreadBreakpoint(bid, pid int) {
	for i, tb := range s.ThreadBreakpoints {
		if tb.Bid == bid && tb.Pid == pid {
			s.ThreadBreakpoints = append(s.ThreadBreakpoints[:i], s.ThreadBreakpoints[i+1:]...)
			return
		}
	}
}

// WaitResult reports the outcome of a wait on a traced thread.
type WaitResult struct {
	Pid        int
	Exited     bool
	ExitCode   int
	Signaled   bool
	Signal     syscall.Signal
	Stopped    bool
	StopSignal syscall.Signal
}

// SignalOfInterest reports whether the stop signal is one the stepping
// engine needs to react to (SIGTRAP from a breakpoint or single-step), as
// opposed to a signal the engine should just pass through to the
// subordinate.
func (w WaitResult) SignalOfInterest() bool {
	return w.Stopped && w.StopSignal == syscall.SIGTRAP
}
