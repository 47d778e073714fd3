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

package dbgerr

// messages holds the format string for each Errno.
var messages = map[Errno]string{
	DWARFMissing:             "no DWARF debug information found in %s",
	DWARFCorrupt:             "corrupt DWARF data: %v",
	DWARFVersionUnsupported:  "unsupported DWARF version %d",
	LanguageUnsupported:      "unsupported source language %v",
	SpawnFailed:              "failed to spawn subordinate: %v",
	ProcessNotFound:          "process %d not found",
	ProcessExited:            "subordinate %d has exited",
	SignalNotOfInterest:      "signal %v is not of interest, continuing",
	RegisterReadFailed:       "failed to read registers for pid %d: %v",
	RegisterWriteFailed:      "failed to write registers for pid %d: %v",
	MemoryReadFailed:         "failed to read subordinate memory at %#x: %v",
	MemoryWriteFailed:        "failed to write subordinate memory at %#x: %v",
	BreakpointAddressInUse:   "breakpoint already exists at %#x",
	BreakpointUnknown:        "no breakpoint with id %d",
	SourceLocationUnresolved: "could not resolve source location (file hash %#x, line %d) to an address",
	NotPaused:                "not paused, ignoring %s",
	NoSubordinate:            "no subordinate is running, ignoring %s",
	AlreadyRunning:           "subordinate already running, ignoring %s",
	StepBudgetExceeded:       "step-into exceeded retry budget without reaching a known source line",
	VariableNotFound:         "no variable named %q in the current scope",
	TypeUnresolvable:         "could not resolve type for %q",
	NoFunctionAtPC:           "no function covers pc %#x",
	ShuttingDown:             "engine is shutting down",
}
