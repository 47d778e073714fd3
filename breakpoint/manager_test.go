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

package breakpoint

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/wrenfield/uscope/subordinate"
	"github.com/wrenfield/uscope/target"
)

func fixtureTarget(lang string) *target.Target {
	cu := &target.CompileUnit{Language: lang}
	cu.Functions = []*target.Function{
		{
			NameHash:   1,
			SourceLoc:  &target.SourceLoc{FileHash: 42},
			AddrRanges: []target.AddrRange{{Low: 0x1000, High: 0x1040}},
			Statements: []target.SourceStatement{
				{BreakpointAddr: 0x1004, SourceLine: 10},
				{BreakpointAddr: 0x1010, SourceLine: 11},
				{BreakpointAddr: 0x1020, SourceLine: 11}, // second record for line 11
			},
		},
	}
	return &target.Target{CompileUnits: []*target.CompileUnit{cu}}
}

func TestResolveLocationPassesThroughExplicitAddr(t *testing.T) {
	addr, err := ResolveLocation(fixtureTarget("C"), Location{HasAddr: true, Addr: 0x9999})
	require.NoError(t, err)
	assert.Equal(t, uint64(0x9999), addr)
}

func TestResolveLocationCTakesFirstMatch(t *testing.T) {
	addr, err := ResolveLocation(fixtureTarget("C"), Location{FileHash: 42, Line: 11})
	require.NoError(t, err)
	assert.Equal(t, uint64(0x1010), addr)
}

func TestResolveLocationZigTakesLastMatch(t *testing.T) {
	addr, err := ResolveLocation(fixtureTarget("Zig"), Location{FileHash: 42, Line: 11})
	require.NoError(t, err)
	assert.Equal(t, uint64(0x1020), addr)
}

func TestResolveLocationUnresolvedLineErrors(t *testing.T) {
	_, err := ResolveLocation(fixtureTarget("C"), Location{FileHash: 42, Line: 999})
	require.Error(t, err)
}

func TestAddWithNoThreadsSkipsInstall(t *testing.T) {
	m := NewManager(&subordinate.Adapter{}, 1)
	bp, err := m.Add(fixtureTarget("C"), Location{FileHash: 42, Line: 10}, nil, false)
	require.NoError(t, err)
	assert.Equal(t, 1, bp.Bid)
	assert.Equal(t, uint64(0x1004), bp.Addr)
	assert.Equal(t, 2, m.NextBid())

	got, ok := m.ByBid(1)
	require.True(t, ok)
	assert.Same(t, bp, got)

	all := m.All()
	require.Len(t, all, 1)
}

func TestAddAtSameAddressTogglesOff(t *testing.T) {
	m := NewManager(&subordinate.Adapter{}, 1)
	loc := Location{FileHash: 42, Line: 10}

	bp, err := m.Add(fixtureTarget("C"), loc, nil, false)
	require.NoError(t, err)
	require.NotNil(t, bp)

	second, err := m.Add(fixtureTarget("C"), loc, nil, false)
	require.NoError(t, err)
	assert.Nil(t, second, "re-adding at the same address removes the existing breakpoint instead of creating one")

	_, ok := m.ByAddr(0x1004)
	assert.False(t, ok)
	assert.Empty(t, m.All())
}

func TestRemoveUnknownBidErrors(t *testing.T) {
	m := NewManager(&subordinate.Adapter{}, 1)
	err := m.Remove(123, nil, false)
	require.Error(t, err)
}

func TestToggleFlipsActiveWithoutRemoving(t *testing.T) {
	m := NewManager(&subordinate.Adapter{}, 1)
	bp, err := m.Add(fixtureTarget("C"), Location{FileHash: 42, Line: 10}, nil, false)
	require.NoError(t, err)
	require.True(t, bp.Active)

	require.NoError(t, m.Toggle(bp.Bid, nil, false))
	assert.False(t, bp.Active)

	require.NoError(t, m.Toggle(bp.Bid, nil, false))
	assert.True(t, bp.Active)

	_, ok := m.ByBid(bp.Bid)
	assert.True(t, ok, "toggling never removes the breakpoint")
}

func TestHitAtIncrementsCount(t *testing.T) {
	m := NewManager(&subordinate.Adapter{}, 1)
	bp, err := m.Add(fixtureTarget("C"), Location{FileHash: 42, Line: 10}, nil, false)
	require.NoError(t, err)

	hit, ok := m.HitAt(bp.Addr)
	require.True(t, ok)
	assert.Equal(t, 1, hit.HitCount)

	hit, ok = m.HitAt(bp.Addr)
	require.True(t, ok)
	assert.Equal(t, 2, hit.HitCount)

	_, ok = m.HitAt(0xdead)
	assert.False(t, ok)
}

func TestBidsAreMonotonicAcrossAddAndRemove(t *testing.T) {
	m := NewManager(&subordinate.Adapter{}, 1)
	first, err := m.Add(fixtureTarget("C"), Location{FileHash: 42, Line: 10}, nil, false)
	require.NoError(t, err)
	require.NoError(t, m.Remove(first.Bid, nil, false))

	second, err := m.Add(fixtureTarget("C"), Location{FileHash: 42, Line: 11}, nil, false)
	require.NoError(t, err)
	assert.Greater(t, second.Bid, first.Bid)
}
