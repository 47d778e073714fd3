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

package subordinate

import (
	"encoding/binary"
	"fmt"

	"github.com/wrenfield/uscope/target"
)

// UnwindResult is a stack unwind's output: one frame-base address per frame
// found, ordered from the current (innermost) frame outward, and one return
// address per caller frame. FrameBases[i+1] is the frame base of the
// function that ReturnAddrs[i] returns into, so FrameBases has one more
// entry than ReturnAddrs (the current, still-executing frame).
type UnwindResult struct {
	ReturnAddrs []uint64
	FrameBases  []uint64
}

const defaultMaxUnwindFrames = 512

// UnwindStack produces the call stack starting at regs.PC()/regs.BP(). When
// useCFI is false it walks the classic %rbp chain (frame established by a
// standard `push %rbp; mov %rsp,%rbp` prologue: CFA = rbp+16, saved rbp at
// [rbp], return address at [rbp+8]). When useCFI is true, the innermost
// frame is computed from the DWARF call-frame program covering the current
// PC instead, which lets the unwinder produce a correct frame base even one
// instruction into a function, before its prologue has run and the %rbp
// chain would still point at the caller's frame. Frames beyond the
// innermost still walk the %rbp chain: by the time execution reaches a
// callee of the current frame its own prologue has necessarily completed.
func (a *Adapter) UnwindStack(pid int, loadAddr uint64, regs Registers, t *target.Target, useCFI bool) (UnwindResult, error) {
	var result UnwindResult

	bp := regs.BP()
	if useCFI {
		pcRel := regs.PC() - loadAddr
		fde := t.Unwinder.FindForAddr(pcRel)
		if fde == nil {
			return result, fmt.Errorf("subordinate: no call-frame information covers pc %#x", regs.PC())
		}
		state := target.EvaluateCFI(fde, pcRel)

		cfaBase, ok := regValue(regs, state.CFA.Register)
		if !ok {
			return result, fmt.Errorf("subordinate: unsupported CFA base register %d", state.CFA.Register)
		}
		cfa := uint64(int64(cfaBase) + state.CFA.Offset)
		result.FrameBases = append(result.FrameBases, cfa)

		if rule, ok := state.Registers[target.DwarfRegRA]; ok && rule.Set {
			var buf [8]byte
			if err := a.PeekData(pid, uint64(int64(cfa)+rule.Offset), buf[:]); err == nil {
				result.ReturnAddrs = append(result.ReturnAddrs, binary.LittleEndian.Uint64(buf[:]))
			}
		}
		if rule, ok := state.Registers[target.DwarfRegRBP]; ok && rule.Set {
			var buf [8]byte
			if err := a.PeekData(pid, uint64(int64(cfa)+rule.Offset), buf[:]); err == nil {
				bp = binary.LittleEndian.Uint64(buf[:])
			}
		}
		if len(result.ReturnAddrs) > 0 {
			// bp is now the caller's frame pointer: its frame base comes
			// before the rbp-chain walk below moves on to the caller's caller
			result.FrameBases = append(result.FrameBases, bp+16)
		}
	} else {
		result.FrameBases = append(result.FrameBases, bp+16)
	}

	for i := 0; i < defaultMaxUnwindFrames && bp != 0; i++ {
		var buf [16]byte
		if err := a.PeekData(pid, bp, buf[:]); err != nil {
			break
		}
		savedBP := binary.LittleEndian.Uint64(buf[0:8])
		retAddr := binary.LittleEndian.Uint64(buf[8:16])
		if retAddr == 0 || savedBP <= bp {
			break
		}
		result.ReturnAddrs = append(result.ReturnAddrs, retAddr)
		result.FrameBases = append(result.FrameBases, savedBP+16)
		bp = savedBP
	}

	return result, nil
}

// regValue maps a DWARF register number to its live value. Only the two
// registers that ever show up as a CFA base on x86-64 are supported, which
// is as far as the register-rule model in target.RegisterRule goes (see
// target/cfi.go).
func regValue(regs Registers, dwarfNum uint64) (uint64, bool) {
	switch dwarfNum {
	case target.DwarfRegRBP:
		return regs.BP(), true
	case target.DwarfRegRSP:
		return regs.SP(), true
	}
	return 0, false
}
