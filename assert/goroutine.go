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

// Package assert holds small debugging-only helpers used to catch violations
// of the engine's single-control-thread invariant (spec §5: all observable
// state transitions are totally ordered by the control thread). The engine
// runs the ControlThread check on every request it dispatches, in normal
// operation as well as in tests.
package assert

import (
	"bytes"
	"fmt"
	"runtime"
	"strconv"
)

// GetGoRoutineID returns an identifier for a goroutine. it returns a result
// that is (a) different between goroutines and (b) consistent for a given
// goroutine. It is undoubtedly useful but it should only ever be used for
// debugging or testing purposes.
func GetGoRoutineID() uint64 {
	b := make([]byte, 64)
	b = b[:runtime.Stack(b, false)]
	b = bytes.TrimPrefix(b, []byte("goroutine "))
	b = b[:bytes.IndexByte(b, ' ')]
	n, _ := strconv.ParseUint(string(b), 10, 64)
	return n
}

// ControlThread records the goroutine ID of whichever goroutine first calls
// it and panics if called subsequently from a different goroutine. The
// engine's control thread calls this once per request at the top of its
// dispatch loop so that a request handler which accidentally spawns work
// touching engine state outside of a background-thread handoff is caught
// immediately instead of producing a hard-to-reproduce data race.
type ControlThread struct {
	id uint64
	ok bool
}

// Check panics if called from a goroutine other than the one that made the
// first call.
func (c *ControlThread) Check() {
	id := GetGoRoutineID()
	if !c.ok {
		c.id = id
		c.ok = true
		return
	}
	if c.id != id {
		panic(fmt.Sprintf("engine state touched from goroutine %d, expected control thread %d", id, c.id))
	}
}
