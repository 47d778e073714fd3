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
	"syscall"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/wrenfield/uscope/target"
)

func TestWaitResultSignalOfInterest(t *testing.T) {
	cases := []struct {
		name string
		wr   WaitResult
		want bool
	}{
		{"stopped on SIGTRAP", WaitResult{Stopped: true, StopSignal: syscall.SIGTRAP}, true},
		{"stopped on SIGSTOP", WaitResult{Stopped: true, StopSignal: syscall.SIGSTOP}, false},
		{"exited", WaitResult{Exited: true}, false},
		{"signaled", WaitResult{Signaled: true, Signal: syscall.SIGTRAP}, false},
	}
	for _, c := range cases {
		t.Run(c.name, func(t *testing.T) {
			require.Equal(t, c.want, c.wr.SignalOfInterest())
		})
	}
}

func TestRegistersAccessors(t *testing.T) {
	var regs Registers
	regs.Raw.Rip = 0x401000
	regs.Raw.Rsp = 0x7ffe0000
	regs.Raw.Rbp = 0x7ffe0040

	require.Equal(t, uint64(0x401000), regs.PC())
	require.Equal(t, uint64(0x7ffe0000), regs.SP())
	require.Equal(t, uint64(0x7ffe0040), regs.BP())

	regs.SetPC(0x401005)
	require.Equal(t, uint64(0x401005), regs.PC())
}

func TestParseLoadAddressNonPIESkipsProc(t *testing.T) {
	a := &Adapter{}
	addr, err := a.ParseLoadAddress(0, false)
	require.NoError(t, err)
	require.Equal(t, uint64(0), addr)
}

func TestRegValueSupportsOnlyRBPAndRSP(t *testing.T) {
	var regs Registers
	regs.Raw.Rbp = 0x1000
	regs.Raw.Rsp = 0x2000

	v, ok := regValue(regs, target.DwarfRegRBP)
	require.True(t, ok)
	require.Equal(t, uint64(0x1000), v)

	v, ok = regValue(regs, target.DwarfRegRSP)
	require.True(t, ok)
	require.Equal(t, uint64(0x2000), v)

	_, ok = regValue(regs, 3)
	require.False(t, ok)
}
