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

// Package eval implements the expression evaluator: on every stop it
// renders local variables and user watch expressions, resolving through
// pointers/typedefs/arrays/structs/enums into the flat, arena-indexed
// field tree an ExpressionResult carries.
package eval

import (
	"fmt"

	"github.com/wrenfield/uscope/dbgerr"
	"github.com/wrenfield/uscope/target"
)

// maxStringBytes caps a C-string read so a corrupted or non-terminated
// pointer can't hang the evaluator walking subordinate memory forever.
const maxStringBytes = 4096

// FieldKind discriminates the tagged-variant output field shape: primitive,
// array{items}, struct{members}, enum{value, name}. Pointer is this repo's
// own addition, needed to carry the pointer's own address and
// cycle/opaque/null state alongside the recursively rendered pointee.
type FieldKind int

const (
	FieldUnknown FieldKind = iota
	FieldPrimitive
	FieldPointer
	FieldArray
	FieldStruct
	FieldEnum
)

// Field is one arena-indexed node of an ExpressionResult's rendered value
// tree. Not every member is meaningful for every Kind; see the comments
// beside each group.
type Field struct {
	Kind FieldKind
	Name string // member/variable/array-index name; "" for anonymous nodes
	Type string // resolved DataType name, if known

	// FieldPrimitive
	Encoding target.Encoding
	Raw      []byte
	IsString bool
	String   string

	// FieldPointer
	Address  uint64
	IsNull   bool
	IsOpaque bool
	IsCycle  bool
	Child    int // index into Fields, or -1

	// FieldArray / FieldStruct: child field indices, in order
	Items []int

	// FieldEnum: EnumName is the matching enumerator, if any, and Value
	// indexes a separate FieldPrimitive field holding the raw underlying
	// integer, the same kind of index Field.Child holds for a pointer's
	// pointee, so the underlying value keeps its own Encoding and Raw bytes
	// rather than being folded into the enum node itself. Value is -1 when
	// the enum's bytes could not be read.
	EnumName string
	Value    int
}

// ExpressionResult is the output of evaluating one watch or local-variable
// expression.
type ExpressionResult struct {
	ExpressionHash uint64
	Fields         []Field
}

// Memory is the subset of the process adapter the evaluator needs: reading
// raw bytes out of a stopped subordinate's address space. subordinate.Adapter
// satisfies this directly.
type Memory interface {
	PeekData(pid int, addr uint64, buf []byte) error
}

// Evaluator renders watch/local expressions against one stopped thread's
// frame. A new Evaluator is constructed per stop (it is not retained across
// continues), matching PauseData's own per-stop lifecycle.
type Evaluator struct {
	mem       Memory
	pid       int
	loadAddr  uint64
	t         *target.Target
	cu        *target.CompileUnit
	fn        *target.Function
	frameBase uint64
	encoder   Encoder
}

// New constructs an Evaluator scoped to the function containing pc. Callers
// pass the raw, not-yet-relocated pc; New subtracts loadAddr itself,
// matching how target.Target.FunctionByAddr expects addresses. frameBase is
// the frame base address for the top stack frame (PauseData's own
// frame_base_addr), used to resolve DW_OP_fbreg locals.
func New(mem Memory, pid int, loadAddr uint64, t *target.Target, pc uint64, frameBase uint64) (*Evaluator, error) {
	relPC := pc - loadAddr
	cu, fi := t.FunctionByAddr(relPC)
	if cu == nil {
		return nil, fmt.Errorf("eval: %w", dbgerr.E(dbgerr.NoFunctionAtPC, pc))
	}
	fn := cu.Functions[fi]

	enc, err := encoderFor(cu.Language)
	if err != nil {
		return nil, err
	}

	return &Evaluator{
		mem:       mem,
		pid:       pid,
		loadAddr:  loadAddr,
		t:         t,
		cu:        cu,
		fn:        fn,
		frameBase: frameBase,
		encoder:   enc,
	}, nil
}

// LocalNames returns the current frame's parameter and local variable names,
// for local variable discovery.
func (e *Evaluator) LocalNames() []string {
	names := make([]string, 0, len(e.fn.VariableIndices))
	for _, vi := range e.fn.VariableIndices {
		v := e.cu.Variables[vi]
		if v.Name != "" {
			names = append(names, v.Name)
		}
	}
	return names
}

// Evaluate renders expr, treated as exactly a variable name (no arithmetic
// or field-access syntax: that belongs to the non-goal of full DWARF
// expression evaluation). If no matching local is found, a single
// FieldUnknown field is emitted rather than an error.
func (e *Evaluator) Evaluate(expr string) ExpressionResult {
	result := ExpressionResult{ExpressionHash: target.Hash(expr)}

	v := e.findVariable(expr)
	if v == nil {
		result.Fields = append(result.Fields, Field{Kind: FieldUnknown, Name: expr})
		return result
	}

	addr, ok := e.variableAddr(v)
	if !ok {
		result.Fields = append(result.Fields, Field{Kind: FieldUnknown, Name: expr})
		return result
	}

	r := &renderer{e: e, visited: make(map[uint64]int)}
	idx := r.render(expr, v.TypeIndex, addr)
	result.Fields = r.fields
	if idx < 0 {
		result.Fields = append(result.Fields, Field{Kind: FieldUnknown, Name: expr})
	}
	return result
}

func (e *Evaluator) findVariable(name string) *target.Variable {
	for _, vi := range e.fn.VariableIndices {
		if v := e.cu.Variables[vi]; v.Name == name {
			return v
		}
	}
	// fall back to compile-unit-level globals
	for _, v := range e.cu.Variables {
		if v.Name == name {
			return v
		}
	}
	return nil
}

func (e *Evaluator) variableAddr(v *target.Variable) (uint64, bool) {
	switch {
	case v.Location.HasAddr:
		return e.loadAddr + v.Location.Addr, true
	case v.Location.HasFrameOffset:
		return uint64(int64(e.frameBase) + v.Location.FrameOffset), true
	default:
		return 0, false
	}
}

// HexWindow reads the supplemented "hex-window memory display" feature's
// fixed-size window of raw subordinate memory starting at addr. If the whole
// window cannot be read (memory unmapped partway through it), it retries
// with windows of half, a quarter, ... of size and returns the first one
// that reads, rather than an error, since a partial hex dump is still useful
// to the UI; it returns nil if not even one byte at addr can be read.
func HexWindow(mem Memory, pid int, addr uint64, size int) []byte {
	buf := make([]byte, size)
	if err := mem.PeekData(pid, addr, buf); err != nil {
		// try progressively smaller windows rather than giving up entirely
		for n := size / 2; n > 0; n /= 2 {
			probe := make([]byte, n)
			if err := mem.PeekData(pid, addr, probe); err == nil {
				return probe
			}
		}
		return nil
	}
	return buf
}
