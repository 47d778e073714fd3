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

package dbgerr_test

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/wrenfield/uscope/dbgerr"
)

func TestErrorf(t *testing.T) {
	err := dbgerr.E(dbgerr.BreakpointUnknown, 42)
	require.EqualError(t, err, "no breakpoint with id 42")
}

func TestIs(t *testing.T) {
	err := dbgerr.E(dbgerr.NotPaused, "continue")
	require.True(t, dbgerr.Is(err, dbgerr.NotPaused))
	require.False(t, dbgerr.Is(err, dbgerr.AlreadyRunning))
}

func TestCategory(t *testing.T) {
	cat, ok := dbgerr.AsCategory(dbgerr.E(dbgerr.DWARFCorrupt, "eof"))
	require.True(t, ok)
	require.Equal(t, dbgerr.CategoryParse, cat)

	_, ok = dbgerr.AsCategory(nil)
	require.False(t, ok)
}

func TestEveryErrnoHasAMessageAndCategory(t *testing.T) {
	for _, errno := range []dbgerr.Errno{
		dbgerr.DWARFMissing, dbgerr.DWARFCorrupt, dbgerr.DWARFVersionUnsupported,
		dbgerr.LanguageUnsupported, dbgerr.SpawnFailed, dbgerr.ProcessNotFound,
		dbgerr.ProcessExited, dbgerr.SignalNotOfInterest, dbgerr.RegisterReadFailed,
		dbgerr.RegisterWriteFailed, dbgerr.MemoryReadFailed, dbgerr.MemoryWriteFailed,
		dbgerr.BreakpointAddressInUse, dbgerr.BreakpointUnknown, dbgerr.SourceLocationUnresolved,
		dbgerr.NotPaused, dbgerr.NoSubordinate, dbgerr.AlreadyRunning, dbgerr.StepBudgetExceeded,
		dbgerr.VariableNotFound, dbgerr.TypeUnresolvable, dbgerr.NoFunctionAtPC, dbgerr.ShuttingDown,
	} {
		require.NotEmpty(t, dbgerr.E(errno).Error(), "errno %d missing message", errno)
		_, ok := dbgerr.AsCategory(dbgerr.E(errno))
		require.True(t, ok, "errno %d missing category", errno)
	}
}
