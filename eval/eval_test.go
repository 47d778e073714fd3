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

package eval

import (
	"encoding/binary"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/wrenfield/uscope/dbgerr"
	"github.com/wrenfield/uscope/target"
)

// fakeMemory is an in-process stand-in for a subordinate's address space:
// every address maps directly to an offset into buf, so fixtures can lay out
// values at addresses chosen to match a DataType tree without needing a real
// ptrace'd process.
type fakeMemory struct {
	buf []byte
}

func newFakeMemory(size int) *fakeMemory {
	return &fakeMemory{buf: make([]byte, size)}
}

func (m *fakeMemory) PeekData(pid int, addr uint64, out []byte) error {
	if addr+uint64(len(out)) > uint64(len(m.buf)) {
		return assertErr
	}
	copy(out, m.buf[addr:addr+uint64(len(out))])
	return nil
}

func (m *fakeMemory) putU64(addr uint64, v uint64) {
	binary.LittleEndian.PutUint64(m.buf[addr:addr+8], v)
}

func (m *fakeMemory) putU32(addr uint64, v uint32) {
	binary.LittleEndian.PutUint32(m.buf[addr:addr+4], v)
}

func (m *fakeMemory) putBytes(addr uint64, b []byte) {
	copy(m.buf[addr:addr+uint64(len(b))], b)
}

type fakeErr struct{}

func (fakeErr) Error() string { return "out of bounds" }

var assertErr error = fakeErr{}

// cTarget builds a minimal C-language Target: one compile unit with an int,
// a pointer-to-int, a char*, a two-member struct, a self-referential linked
// list node, a fixed-length int array, and an enum.
func cTarget() (*target.Target, *target.CompileUnit) {
	sc := target.NewStringCache()

	intType := &target.DataType{Kind: target.KindPrimitive, SizeBytes: 4, Encoding: target.EncodingSigned}
	charType := &target.DataType{Kind: target.KindPrimitive, SizeBytes: 1, Encoding: target.EncodingSigned}
	ptrToIntType := &target.DataType{Kind: target.KindPointer, PointeeIndex: 0}
	charPtrType := &target.DataType{Kind: target.KindPointer, PointeeIndex: 1}
	opaquePtrType := &target.DataType{Kind: target.KindPointer, PointeeIndex: -1}
	arrLen := int64(3)
	arrType := &target.DataType{Kind: target.KindArray, ElementTypeIndex: 0, Len: &arrLen}
	enumType := &target.DataType{
		Kind:      target.KindEnum,
		SizeBytes: 4,
		NameHash:  sc.Intern("Color"),
		Enumerators: []target.Enumerator{
			{Name: "Red", Value: 0},
			{Name: "Green", Value: 1},
			{Name: "Blue", Value: 2},
		},
	}

	// DataTypes index: 0 int, 1 char, 2 *int, 3 char*, 4 opaque*, 5 int[3], 6 enum
	cu := &target.CompileUnit{
		Language: "C",
		DataTypes: []*target.DataType{
			intType, charType, ptrToIntType, charPtrType, opaquePtrType, arrType, enumType,
		},
	}

	// node struct (index 7): { value int; next *node }, self-referential via
	// pointer, added after the slice exists so it can reference its own index.
	nodePtrType := &target.DataType{Kind: target.KindPointer, PointeeIndex: -1}
	nodeType := &target.DataType{
		Kind: target.KindStruct,
		Members: []target.Member{
			{Name: "value", TypeIndex: 0, Offset: 0},
			{Name: "next", TypeIndex: 7, Offset: 8},
		},
	}
	cu.DataTypes = append(cu.DataTypes, nodePtrType, nodeType)
	nodePtrType.PointeeIndex = 8 // index of nodeType

	fn := &target.Function{
		AddrRanges: []target.AddrRange{{Low: 0x1000, High: 0x1100}},
	}
	cu.Functions = []*target.Function{fn}

	tg := &target.Target{
		StringCache:  sc,
		CompileUnits: []*target.CompileUnit{cu},
	}
	return tg, cu
}

func newEvaluatorWithVar(t *testing.T, mem Memory, cu *target.CompileUnit, tg *target.Target, v *target.Variable) *Evaluator {
	t.Helper()
	vi := len(cu.Variables)
	cu.Variables = append(cu.Variables, v)
	cu.Functions[0].VariableIndices = append(cu.Functions[0].VariableIndices, vi)

	e, err := New(mem, 1, 0, tg, 0x1000, 0)
	require.NoError(t, err)
	return e
}

func TestEvaluateUnknownVariable(t *testing.T) {
	tg, cu := cTarget()
	mem := newFakeMemory(64)
	e, err := New(mem, 1, 0, tg, 0x1000, 0)
	require.NoError(t, err)

	res := e.Evaluate("nope")
	require.Len(t, res.Fields, 1)
	assert.Equal(t, FieldUnknown, res.Fields[0].Kind)
}

func TestEvaluatePrimitive(t *testing.T) {
	tg, cu := cTarget()
	mem := newFakeMemory(64)
	mem.putU32(0x10, 42)

	e := newEvaluatorWithVar(t, mem, cu, tg, &target.Variable{
		Name: "x", TypeIndex: 0, Location: target.VarLocation{HasAddr: true, Addr: 0x10},
	})

	res := e.Evaluate("x")
	require.Len(t, res.Fields, 1)
	f := res.Fields[0]
	assert.Equal(t, FieldPrimitive, f.Kind)
	assert.Equal(t, int32(42), int32(binary.LittleEndian.Uint32(f.Raw)))
}

func TestEvaluatePointerToInt(t *testing.T) {
	tg, cu := cTarget()
	mem := newFakeMemory(64)
	mem.putU32(0x20, 99)
	mem.putU64(0x10, 0x20)

	e := newEvaluatorWithVar(t, mem, cu, tg, &target.Variable{
		Name: "p", TypeIndex: 2, Location: target.VarLocation{HasAddr: true, Addr: 0x10},
	})

	res := e.Evaluate("p")
	ptr := res.Fields[0]
	require.Equal(t, FieldPointer, ptr.Kind)
	assert.Equal(t, uint64(0x20), ptr.Address)
	require.GreaterOrEqual(t, ptr.Child, 0)
	assert.Equal(t, int32(99), int32(binary.LittleEndian.Uint32(res.Fields[ptr.Child].Raw)))
}

func TestEvaluateNullPointer(t *testing.T) {
	tg, cu := cTarget()
	mem := newFakeMemory(64)
	mem.putU64(0x10, 0)

	e := newEvaluatorWithVar(t, mem, cu, tg, &target.Variable{
		Name: "p", TypeIndex: 2, Location: target.VarLocation{HasAddr: true, Addr: 0x10},
	})

	res := e.Evaluate("p")
	ptr := res.Fields[0]
	assert.True(t, ptr.IsNull)
	assert.Equal(t, -1, ptr.Child)
}

func TestEvaluateOpaquePointer(t *testing.T) {
	tg, cu := cTarget()
	mem := newFakeMemory(64)
	mem.putU64(0x10, 0xdeadbeef)

	e := newEvaluatorWithVar(t, mem, cu, tg, &target.Variable{
		Name: "p", TypeIndex: 4, Location: target.VarLocation{HasAddr: true, Addr: 0x10},
	})

	res := e.Evaluate("p")
	ptr := res.Fields[0]
	assert.True(t, ptr.IsOpaque)
	assert.Equal(t, uint64(0xdeadbeef), ptr.Address)
}

func TestEvaluateCString(t *testing.T) {
	tg, cu := cTarget()
	mem := newFakeMemory(64)
	mem.putBytes(0x20, append([]byte("hi"), 0))
	mem.putU64(0x10, 0x20)

	e := newEvaluatorWithVar(t, mem, cu, tg, &target.Variable{
		Name: "s", TypeIndex: 3, Location: target.VarLocation{HasAddr: true, Addr: 0x10},
	})

	res := e.Evaluate("s")
	ptr := res.Fields[0]
	assert.True(t, ptr.IsString)
	assert.Equal(t, "hi", ptr.String)
}

func TestEvaluateArray(t *testing.T) {
	tg, cu := cTarget()
	mem := newFakeMemory(64)
	mem.putU32(0x10, 1)
	mem.putU32(0x14, 2)
	mem.putU32(0x18, 3)

	e := newEvaluatorWithVar(t, mem, cu, tg, &target.Variable{
		Name: "arr", TypeIndex: 5, Location: target.VarLocation{HasAddr: true, Addr: 0x10},
	})

	res := e.Evaluate("arr")
	arr := res.Fields[0]
	require.Equal(t, FieldArray, arr.Kind)
	require.Len(t, arr.Items, 3)
	assert.Equal(t, int32(2), int32(binary.LittleEndian.Uint32(res.Fields[arr.Items[1]].Raw)))
}

func TestEvaluateEnum(t *testing.T) {
	tg, cu := cTarget()
	mem := newFakeMemory(64)
	mem.putU32(0x10, 1)

	e := newEvaluatorWithVar(t, mem, cu, tg, &target.Variable{
		Name: "c", TypeIndex: 6, Location: target.VarLocation{HasAddr: true, Addr: 0x10},
	})

	res := e.Evaluate("c")
	f := res.Fields[0]
	require.Equal(t, FieldEnum, f.Kind)
	require.GreaterOrEqual(t, f.Value, 0)
	assert.Equal(t, int32(1), int32(binary.LittleEndian.Uint32(res.Fields[f.Value].Raw)))
	assert.Equal(t, "Green", f.EnumName)
}

func TestEvaluateSelfReferentialStructTerminates(t *testing.T) {
	tg, cu := cTarget()
	mem := newFakeMemory(64)
	// node at 0x10 points to itself
	mem.putU32(0x10, 7)
	mem.putU64(0x18, 0x10)

	e := newEvaluatorWithVar(t, mem, cu, tg, &target.Variable{
		Name: "n", TypeIndex: 8, Location: target.VarLocation{HasAddr: true, Addr: 0x10},
	})

	res := e.Evaluate("n")
	require.NotEmpty(t, res.Fields)
	root := res.Fields[0]
	require.Equal(t, FieldStruct, root.Kind)
	require.Len(t, root.Items, 2)

	// the top-level "next" pointer is registered in visited before its
	// pointee is expanded once; that expansion's own "next" pointer is the
	// one that observes the repeat and terminates the recursion.
	outerNextIdx := root.Items[1]
	outerNext := res.Fields[outerNextIdx]
	require.Equal(t, FieldPointer, outerNext.Kind)
	assert.False(t, outerNext.IsCycle)
	require.GreaterOrEqual(t, outerNext.Child, 0)

	inner := res.Fields[outerNext.Child]
	require.Equal(t, FieldStruct, inner.Kind)
	require.Len(t, inner.Items, 2)

	innerNext := res.Fields[inner.Items[1]]
	require.Equal(t, FieldPointer, innerNext.Kind)
	assert.True(t, innerNext.IsCycle)
	assert.Equal(t, outerNextIdx, innerNext.Child)
}

func TestNewUnsupportedLanguage(t *testing.T) {
	tg, cu := cTarget()
	cu.Language = "Rust"
	mem := newFakeMemory(16)

	_, err := New(mem, 1, 0, tg, 0x1000, 0)
	require.Error(t, err)
	assert.True(t, dbgerr.Is(err, dbgerr.LanguageUnsupported))
}

func TestNewNoFunctionAtPC(t *testing.T) {
	tg, cu := cTarget()
	_ = cu
	mem := newFakeMemory(16)

	_, err := New(mem, 1, 0, tg, 0x9999, 0)
	require.Error(t, err)
	assert.True(t, dbgerr.Is(err, dbgerr.NoFunctionAtPC))
}

func TestHexWindowShrinksOnShortRead(t *testing.T) {
	mem := newFakeMemory(8)
	got := HexWindow(mem, 1, 0, 16)
	require.NotNil(t, got)
	assert.LessOrEqual(t, len(got), 8)
}

func TestHexWindowFullRead(t *testing.T) {
	mem := newFakeMemory(16)
	mem.putBytes(0, []byte{1, 2, 3, 4})
	got := HexWindow(mem, 1, 0, 4)
	assert.Equal(t, []byte{1, 2, 3, 4}, got)
}
