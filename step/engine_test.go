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

package step

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/wrenfield/uscope/breakpoint"
	"github.com/wrenfield/uscope/subordinate"
	"github.com/wrenfield/uscope/target"
)

func fixtureCompileUnit() *target.CompileUnit {
	cu := &target.CompileUnit{AddrSize: 8}
	cu.Functions = []*target.Function{
		{
			NameHash:   1,
			SourceLoc:  &target.SourceLoc{FileHash: 7},
			AddrRanges: []target.AddrRange{{Low: 0x1000, High: 0x1040}},
			Statements: []target.SourceStatement{
				{BreakpointAddr: 0x1004, SourceLine: 10},
				{BreakpointAddr: 0x1010, SourceLine: 11},
				{BreakpointAddr: 0x1020, SourceLine: 12},
			},
			InlinedFunctionIndices: []int{1},
		},
		{
			NameHash:   2,
			AddrRanges: []target.AddrRange{{Low: 0x1010, High: 0x1018}},
		},
	}
	cuUnexported := cu
	return cuUnexported
}

func buildFuncIndex(cu *target.CompileUnit) *target.Target {
	t := &target.Target{CompileUnits: []*target.CompileUnit{cu}}
	// force index construction through the public search path
	_, _ = t.FunctionByAddr(0x1000)
	return t
}

func TestInsideInlinedBody(t *testing.T) {
	cu := fixtureCompileUnit()
	assert.True(t, insideInlinedBody(cu, 0, 0x1012), "0x1012 falls inside the inlined function's range")
	assert.False(t, insideInlinedBody(cu, 0, 0x1004), "0x1004 is the outer function's own statement")
}

func TestCurrentLine(t *testing.T) {
	cu := fixtureCompileUnit()
	tgt := buildFuncIndex(cu)
	e := NewEngine(&subordinate.Adapter{}, breakpoint.NewManager(&subordinate.Adapter{}, 1), tgt)

	sub := &subordinate.Subordinate{LoadAddr: 0x400000}
	loc, ok := e.currentLine(sub, 0x400000+0x1004)
	require.True(t, ok)
	assert.Equal(t, 10, loc.Line)
	assert.Equal(t, uint64(7), loc.FileHash)

	_, ok = e.currentLine(sub, 0x400000+0x9999)
	assert.False(t, ok)
}

func TestNewEngineDefaults(t *testing.T) {
	e := NewEngine(&subordinate.Adapter{}, breakpoint.NewManager(&subordinate.Adapter{}, 1), &target.Target{})
	assert.Equal(t, DefaultStepIntoRetryBudget, e.retryBudget)
	assert.False(t, e.stepping)
}
