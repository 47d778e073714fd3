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

// Package step implements the stepping engine: continue, single-step,
// step-into, step-over and step-out, plus the recursion guard and thread
// bookkeeping that decide whether a stop triggered by an internal
// breakpoint should actually be surfaced to the UI. Every operation here
// assumes the subordinate is already stopped at a known PC.
package step

import (
	"fmt"
	"time"

	"github.com/wrenfield/uscope/breakpoint"
	"github.com/wrenfield/uscope/dbgerr"
	"github.com/wrenfield/uscope/frame"
	"github.com/wrenfield/uscope/subordinate"
	"github.com/wrenfield/uscope/target"
)

// framePointerPushByte is the x86-64 opcode for `push %rbp`, the first
// instruction of a standard prologue.
const framePointerPushByte = 0x55

// DefaultStepIntoRetryBudget bounds how many instructions step-into will
// single-step through looking for a new source line before giving up and
// falling back to step-over.
const DefaultStepIntoRetryBudget = 64

// Engine drives the four stepping operations over one subordinate. It is
// not safe for concurrent use; exactly one control thread ever calls into
// it.
type Engine struct {
	adapter *subordinate.Adapter
	bps     *breakpoint.Manager
	t       *target.Target

	retryBudget int
	waitTimeout time.Duration

	// steppingPid is the thread that installed the internal breakpoints
	// currently outstanding, if any. A stop on any other thread invalidates
	// them.
	steppingPid int
	stepping    bool

	// stoppedAt is the breakpoint the subordinate is currently parked on
	// (original byte already restored by HandleStop), or nil.
	stoppedAt    *subordinate.Breakpoint
	stoppedAtPid int
}

// NewEngine constructs a stepping Engine over an already-loaded target and
// breakpoint manager.
func NewEngine(adapter *subordinate.Adapter, bps *breakpoint.Manager, t *target.Target) *Engine {
	return &Engine{
		adapter:     adapter,
		bps:         bps,
		t:           t,
		retryBudget: DefaultStepIntoRetryBudget,
		waitTimeout: 2 * time.Second,
	}
}

// HandleStop is called once per stop reported by the subordinate. It
// restores the original byte at the trap if one is in play, records a hit,
// applies the recursion guard, and reports whether the stop should be
// surfaced to the UI. A surfaced stop always clears every outstanding
// internal breakpoint, since they are one-shot.
func (e *Engine) HandleStop(sub *subordinate.Subordinate, pid int) (surface bool, hit *subordinate.Breakpoint, err error) {
	regs, err := e.adapter.GetRegisters(pid)
	if err != nil {
		return false, nil, err
	}

	trapAddr := regs.PC() - 1 // PC lands one byte past the INT3
	relAddr := trapAddr - sub.LoadAddr

	bp, ok := e.bps.HitAt(relAddr)
	if !ok {
		e.stoppedAt = nil
		return true, nil, nil // not a breakpoint trap: some other signal, always surface
	}

	regs.SetPC(trapAddr)
	if err := e.adapter.SetRegisters(pid, regs); err != nil {
		return false, nil, err
	}
	if err := e.adapter.UnsetBreakpoint(sub.LoadAddr, bp, pid); err != nil {
		return false, nil, err
	}
	sub.ForgetThreadBreakpoint(bp.Bid, pid)
	e.stoppedAt = bp
	e.stoppedAtPid = pid

	if !e.stepping {
		return true, bp, nil
	}

	if pid != e.steppingPid {
		// execution context changed threads; the guard below no longer applies
		e.clearStepping(sub)
		return true, bp, nil
	}

	frames, err := frame.Compute(e.adapter, sub, e.t, pid, regs)
	if err != nil {
		return false, nil, err
	}

	if bp.CallFrameAddr != nil {
		if len(frames) == 0 || frames[0].Base != *bp.CallFrameAddr {
			return false, bp, nil // different invocation of the same recursive call; keep running
		}
	} else if bp.MaxStackFrames != nil {
		if len(frames) > *bp.MaxStackFrames {
			return false, bp, nil // still deeper than the frame we're stepping over/out of
		}
	}

	e.clearStepping(sub)
	return true, bp, nil
}

// Stepping reports whether internal breakpoints are currently outstanding,
// meaning the subordinate was left running by the last call (StepOver,
// StepOut, or a StepInto that exhausted its retry budget and fell back to
// StepOver). The engine uses this to tell apart StepInto's two outcomes:
// landed synchronously (false, already stopped) versus fell back (true,
// needs an async wait armed for the eventual internal-breakpoint hit).
func (e *Engine) Stepping() bool { return e.stepping }

func (e *Engine) clearStepping(sub *subordinate.Subordinate) {
	if !e.stepping {
		return
	}
	e.bps.ClearInternal(sub)
	e.stepping = false
}

// Continue resumes the subordinate from a stop: if parked on a breakpoint
// whose byte was restored by HandleStop, single-step past the original
// instruction, rewrite the trap byte (unless the breakpoint was
// removed/deactivated while stopped), then continue; otherwise continue
// immediately.
func (e *Engine) Continue(sub *subordinate.Subordinate, pid int) error {
	if e.stoppedAt != nil && e.stoppedAtPid == pid {
		bp := e.stoppedAt
		e.stoppedAt = nil

		if _, err := e.adapter.SingleStepAndWait(pid, e.waitTimeout); err != nil {
			return err
		}

		if still, ok := e.bps.ByBid(bp.Bid); ok && still.Active {
			tb, err := e.adapter.SetBreakpoint(sub.LoadAddr, bp, pid)
			if err != nil {
				return err
			}
			sub.RecordThreadBreakpoint(tb)
		}
		return e.adapter.ContinueExecution(pid, 0)
	}

	e.stoppedAt = nil
	return e.adapter.ContinueExecution(pid, 0)
}

// SingleStep delegates straight to the adapter; no extra bookkeeping is
// needed here.
func (e *Engine) SingleStep(pid int) error {
	e.stoppedAt = nil
	return e.adapter.SingleStep(pid)
}

// currentLine maps a stopped thread's PC to its source location, if known.
func (e *Engine) currentLine(sub *subordinate.Subordinate, pc uint64) (target.SourceLoc, bool) {
	relAddr := pc - sub.LoadAddr
	cu, fi := e.t.FunctionByAddr(relAddr)
	if cu == nil {
		return target.SourceLoc{}, false
	}
	fn := cu.Functions[fi]
	st, ok := cu.StatementForAddr(relAddr)
	if !ok || fn.SourceLoc == nil {
		return target.SourceLoc{}, false
	}
	return target.SourceLoc{FileHash: fn.SourceLoc.FileHash, Line: st.SourceLine}, true
}

// StepInto single-steps until the PC reaches a source line different from
// the starting one, skipping past a callee's frame-pointer-push prologue
// byte if the target supports frame-pointer unwinding, so the user lands on
// the callee's first semantic line rather than its prologue. Falls back to
// StepOver at the original function if no new line is reached within the
// retry budget.
func (e *Engine) StepInto(sub *subordinate.Subordinate, pid int) error {
	startRegs, err := e.adapter.GetRegisters(pid)
	if err != nil {
		return err
	}
	startLine, haveStart := e.currentLine(sub, startRegs.PC())

	for i := 0; i < e.retryBudget; i++ {
		if _, err := e.adapter.SingleStepAndWait(pid, e.waitTimeout); err != nil {
			return err
		}
		regs, err := e.adapter.GetRegisters(pid)
		if err != nil {
			return err
		}

		line, ok := e.currentLine(sub, regs.PC())
		if ok && (!haveStart || line != startLine) {
			if sub.CanUseFramePointerUnwinding {
				var b [1]byte
				if err := e.adapter.PeekData(pid, regs.PC(), b[:]); err == nil && b[0] == framePointerPushByte {
					if _, err := e.adapter.SingleStepAndWait(pid, e.waitTimeout); err != nil {
						return err
					}
				}
			}
			return nil
		}
	}

	return e.StepOver(sub, pid)
}

// StepOver installs internal breakpoints at every statement address in the
// current function (other than the current one, one already hosting a user
// breakpoint, or one inside an inlined function's body) plus, when there
// are at least two stack frames, the caller's return address with a
// recursion-guard depth bound, restores the byte under the current PC, and
// continues.
func (e *Engine) StepOver(sub *subordinate.Subordinate, pid int) error {
	regs, err := e.adapter.GetRegisters(pid)
	if err != nil {
		return err
	}
	relAddr := regs.PC() - sub.LoadAddr

	cu, fi := e.t.FunctionByAddr(relAddr)
	if cu == nil {
		return fmt.Errorf("step: %w", dbgerr.E(dbgerr.NoFunctionAtPC, regs.PC()))
	}
	fn := cu.Functions[fi]

	frames, err := frame.Compute(e.adapter, sub, e.t, pid, regs)
	if err != nil {
		return err
	}
	if len(frames) == 0 {
		return fmt.Errorf("step: %w", dbgerr.E(dbgerr.RegisterReadFailed, pid))
	}
	callFrameAddr := frames[0].Base

	for _, st := range fn.Statements {
		if st.BreakpointAddr == relAddr || insideInlinedBody(cu, fi, st.BreakpointAddr) {
			continue
		}
		if existing, ok := e.bps.ByAddr(st.BreakpointAddr); ok && !existing.Internal {
			continue // a user breakpoint is already there
		}
		if _, err := e.bps.AddInternal(st.BreakpointAddr, sub, pid, &callFrameAddr, nil); err != nil {
			return err
		}
	}

	if len(frames) >= 2 {
		retRel := frames[1].PC - sub.LoadAddr
		if _, ok := e.bps.ByAddr(retRel); !ok {
			maxFrames := len(frames) - 1
			if _, err := e.bps.AddInternal(retRel, sub, pid, nil, &maxFrames); err != nil {
				return err
			}
		}
	}

	e.stepping = true
	e.steppingPid = pid

	if e.stoppedAt != nil && e.stoppedAtPid == pid {
		if err := e.adapter.UnsetBreakpoint(sub.LoadAddr, e.stoppedAt, pid); err != nil {
			return err
		}
		sub.ForgetThreadBreakpoint(e.stoppedAt.Bid, pid)
		e.stoppedAt = nil
	}
	return e.adapter.ContinueExecution(pid, 0)
}

// StepOut installs one internal breakpoint at the caller's return address
// with a recursion-guard bound one shallower than the current depth, then
// continues.
func (e *Engine) StepOut(sub *subordinate.Subordinate, pid int) error {
	regs, err := e.adapter.GetRegisters(pid)
	if err != nil {
		return err
	}

	frames, err := frame.Compute(e.adapter, sub, e.t, pid, regs)
	if err != nil {
		return err
	}
	if len(frames) < 2 {
		return fmt.Errorf("step: %w", dbgerr.E(dbgerr.StepBudgetExceeded, pid))
	}

	retRel := frames[1].PC - sub.LoadAddr
	if _, ok := e.bps.ByAddr(retRel); !ok {
		maxFrames := len(frames) - 1
		if _, err := e.bps.AddInternal(retRel, sub, pid, nil, &maxFrames); err != nil {
			return err
		}
	}

	e.stepping = true
	e.steppingPid = pid

	if e.stoppedAt != nil && e.stoppedAtPid == pid {
		if err := e.adapter.UnsetBreakpoint(sub.LoadAddr, e.stoppedAt, pid); err != nil {
			return err
		}
		sub.ForgetThreadBreakpoint(e.stoppedAt.Bid, pid)
		e.stoppedAt = nil
	}
	return e.adapter.ContinueExecution(pid, 0)
}

// insideInlinedBody reports whether addr falls within the address range of
// one of fn's inlined-function children, which step-over must not plant a
// breakpoint inside.
func insideInlinedBody(cu *target.CompileUnit, fi int, addr uint64) bool {
	fn := cu.Functions[fi]
	for _, idx := range fn.InlinedFunctionIndices {
		if idx < 0 || idx >= len(cu.Functions) {
			continue
		}
		for _, r := range cu.Functions[idx].AddrRanges {
			if r.Contains(addr) {
				return true
			}
		}
	}
	return false
}
