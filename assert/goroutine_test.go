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

package assert_test

import (
	"sync"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/wrenfield/uscope/assert"
)

func TestControlThreadSameGoroutine(t *testing.T) {
	var ct assert.ControlThread
	require.NotPanics(t, func() {
		ct.Check()
		ct.Check()
		ct.Check()
	})
}

func TestControlThreadDifferentGoroutinePanics(t *testing.T) {
	var ct assert.ControlThread
	ct.Check()

	var wg sync.WaitGroup
	wg.Add(1)
	var panicked bool
	go func() {
		defer wg.Done()
		defer func() {
			if r := recover(); r != nil {
				panicked = true
			}
		}()
		ct.Check()
	}()
	wg.Wait()

	require.True(t, panicked)
}
