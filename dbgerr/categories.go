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

// Errno is a curated error number. Values are grouped by component below.
type Errno int

const (
	// symbol loader (parse errors)
	DWARFMissing Errno = iota
	DWARFCorrupt
	DWARFVersionUnsupported
	LanguageUnsupported

	// process adapter (OS errors)
	SpawnFailed
	ProcessNotFound
	ProcessExited
	SignalNotOfInterest
	RegisterReadFailed
	RegisterWriteFailed
	MemoryReadFailed
	MemoryWriteFailed

	// breakpoint manager (invariant violations)
	BreakpointAddressInUse
	BreakpointUnknown
	SourceLocationUnresolved

	// stepping engine (invariant violations / not-applicable states)
	NotPaused
	NoSubordinate
	AlreadyRunning
	StepBudgetExceeded

	// expression evaluator
	VariableNotFound
	TypeUnresolvable
	NoFunctionAtPC

	// engine lifecycle
	ShuttingDown
)

// categories maps every Errno to the broad category the control thread uses
// to decide its reaction.
var categories = map[Errno]Category{
	DWARFMissing:             CategoryParse,
	DWARFCorrupt:             CategoryParse,
	DWARFVersionUnsupported:  CategoryParse,
	LanguageUnsupported:      CategoryParse,
	SpawnFailed:              CategoryOS,
	ProcessNotFound:          CategoryOS,
	ProcessExited:            CategoryOS,
	SignalNotOfInterest:      CategoryOS,
	RegisterReadFailed:       CategoryOS,
	RegisterWriteFailed:      CategoryOS,
	MemoryReadFailed:         CategoryOS,
	MemoryWriteFailed:        CategoryOS,
	BreakpointAddressInUse:   CategoryInvariant,
	BreakpointUnknown:        CategoryInvariant,
	SourceLocationUnresolved: CategoryInvariant,
	NotPaused:                CategoryNotApplicable,
	NoSubordinate:            CategoryNotApplicable,
	AlreadyRunning:           CategoryNotApplicable,
	StepBudgetExceeded:       CategoryInvariant,
	VariableNotFound:         CategoryInvariant,
	TypeUnresolvable:         CategoryInvariant,
	NoFunctionAtPC:           CategoryInvariant,
	ShuttingDown:             CategoryCancelled,
}
