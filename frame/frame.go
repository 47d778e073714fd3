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

// Package frame computes a stopped thread's call stack. It is shared by
// the stepping engine's recursion guard and the expression evaluator's
// stack display, since both need the same "which unwind method do we
// trust" decision.
package frame

import (
	"github.com/wrenfield/uscope/subordinate"
	"github.com/wrenfield/uscope/target"
)

// Frame is one entry of an unwound call stack: Base is the frame's base
// address (what a breakpoint's call_frame_addr compares against), PC is the
// address execution will resume at in that frame (the current PC for the
// top frame, a return address for every other one).
type Frame struct {
	Base uint64
	PC   uint64
}

// Compute produces the call stack for a stopped thread. On a subordinate's
// very first stop it runs both unwind methods and compares the resulting
// top-frame base; if they agree, CanUseFramePointerUnwinding is latched for
// the rest of the subordinate's life, so every later call is a single
// unwind instead of two.
func Compute(a *subordinate.Adapter, sub *subordinate.Subordinate, t *target.Target, pid int, regs subordinate.Registers) ([]Frame, error) {
	if !sub.HasProbedFramePointerUnwinding {
		fpResult, fpErr := a.UnwindStack(pid, sub.LoadAddr, regs, t, false)
		cfiResult, cfiErr := a.UnwindStack(pid, sub.LoadAddr, regs, t, true)

		sub.HasProbedFramePointerUnwinding = true
		sub.CanUseFramePointerUnwinding = fpErr == nil && cfiErr == nil &&
			len(fpResult.FrameBases) > 0 && len(cfiResult.FrameBases) > 0 &&
			fpResult.FrameBases[0] == cfiResult.FrameBases[0]

		if sub.CanUseFramePointerUnwinding {
			return toFrames(regs.PC(), fpResult), nil
		}
		if cfiErr == nil {
			return toFrames(regs.PC(), cfiResult), nil
		}
		return toFrames(regs.PC(), fpResult), fpErr
	}

	result, err := a.UnwindStack(pid, sub.LoadAddr, regs, t, !sub.CanUseFramePointerUnwinding)
	if err != nil {
		return nil, err
	}
	return toFrames(regs.PC(), result), nil
}

func toFrames(pc uint64, r subordinate.UnwindResult) []Frame {
	frames := make([]Frame, 0, len(r.FrameBases))
	for i, base := range r.FrameBases {
		f := Frame{Base: base, PC: pc}
		if i > 0 {
			f.PC = r.ReturnAddrs[i-1]
		}
		frames = append(frames, f)
	}
	return frames
}
