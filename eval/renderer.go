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
	"fmt"

	"golang.org/x/exp/constraints"

	"github.com/wrenfield/uscope/target"
)

// orDefault returns v if it is positive, fallback otherwise. Used for
// element-size lookups where a type's SizeBytes can legitimately be zero
// or unresolved (opaque/incomplete types), in which case stride-by-1 is the
// least wrong guess.
func orDefault[T constraints.Integer](v, fallback T) T {
	if v > 0 {
		return v
	}
	return fallback
}

// renderer walks a DataType tree starting at one variable's address: a
// primitive is rendered as raw bytes, a typedef/const as a transparent
// alias, a pointer by peeking and recursing (or address-only for
// null/opaque/cycle), an array/struct/union by rendering its children, an
// enum as its value plus a matching enumerator name. Each rendered node is
// appended to fields and its index returned, so parents reference children
// by index rather than by pointer, matching target's own arena/index
// convention.
type renderer struct {
	e    *Evaluator
	fields []Field

	// visited maps an already-seen pointer value to the field index that
	// first rendered it, terminating self-referential structures. Registered
	// before recursing into a pointee so a direct cycle (A's own address) is
	// caught, not just repeat visits.
	visited map[uint64]int
}

func (r *renderer) typeAt(typeIndex int) *target.DataType {
	if typeIndex < 0 || typeIndex >= len(r.e.cu.DataTypes) {
		return nil
	}
	return r.e.cu.DataTypes[typeIndex]
}

func (r *renderer) typeName(dt *target.DataType) string {
	if dt == nil || dt.NameHash == 0 || r.e.t.StringCache == nil {
		return ""
	}
	name, ok := r.e.t.StringCache.Lookup(dt.NameHash)
	if !ok {
		return ""
	}
	return name
}

// render resolves typeIndex against addr and returns the index of the
// rendered field, or -1 if typeIndex does not name a known type.
func (r *renderer) render(name string, typeIndex int, addr uint64) int {
	dt := r.typeAt(typeIndex)
	if dt == nil {
		return -1
	}

	switch dt.Kind {
	case target.KindTypedef, target.KindConst:
		idx := r.render(name, dt.OfIndex, addr)
		if idx >= 0 {
			if tn := r.typeName(dt); tn != "" {
				r.fields[idx].Type = tn
			}
		}
		return idx
	case target.KindPrimitive:
		return r.renderPrimitive(name, dt, addr)
	case target.KindPointer:
		return r.renderPointer(name, dt, addr)
	case target.KindArray:
		return r.renderArray(name, dt, addr)
	case target.KindStruct, target.KindUnion:
		return r.renderAggregate(name, dt, addr)
	case target.KindEnum:
		return r.renderEnum(name, dt, addr)
	default:
		return -1
	}
}

func (r *renderer) reserve(f Field) int {
	idx := len(r.fields)
	r.fields = append(r.fields, f)
	return idx
}

func (r *renderer) renderPrimitive(name string, dt *target.DataType, addr uint64) int {
	idx := r.reserve(Field{
		Kind:     FieldPrimitive,
		Name:     name,
		Type:     r.typeName(dt),
		Encoding: dt.Encoding,
	})
	size := dt.SizeBytes
	if size <= 0 || size > 32 {
		return idx
	}
	buf := make([]byte, size)
	if err := r.e.mem.PeekData(r.e.pid, addr, buf); err == nil {
		r.fields[idx].Raw = buf
	}
	return idx
}

func (r *renderer) renderPointer(name string, dt *target.DataType, addr uint64) int {
	idx := r.reserve(Field{
		Kind:  FieldPointer,
		Name:  name,
		Type:  r.typeName(dt),
		Child: -1,
	})

	var buf [8]byte
	if err := r.e.mem.PeekData(r.e.pid, addr, buf[:]); err != nil {
		r.fields[idx].IsNull = true
		return idx
	}
	ptrVal := leUint64(buf[:])
	r.fields[idx].Address = ptrVal

	if ptrVal == 0 {
		r.fields[idx].IsNull = true
		return idx
	}

	if existing, ok := r.visited[ptrVal]; ok {
		r.fields[idx].IsCycle = true
		r.fields[idx].Child = existing
		return idx
	}

	pointee := r.typeAt(dt.PointeeIndex)
	if pointee == nil || dt.IsOpaquePointer() || r.e.encoder.IsOpaquePointer(dt) {
		r.fields[idx].IsOpaque = true
		return idx
	}

	if r.e.encoder.IsString(dt, pointee) {
		r.fields[idx].IsString = true
		r.fields[idx].String = r.e.encoder.RenderString(r.e.mem, r.e.pid, dt, ptrVal)
		return idx
	}

	r.visited[ptrVal] = idx
	child := r.render(name, dt.PointeeIndex, ptrVal)
	r.fields[idx].Child = child
	return idx
}

func (r *renderer) renderArray(name string, dt *target.DataType, addr uint64) int {
	elem := r.typeAt(dt.ElementTypeIndex)

	if elem != nil && r.e.encoder.IsString(dt, elem) {
		idx := r.reserve(Field{Kind: FieldArray, Name: name, Type: r.typeName(dt)})
		r.fields[idx].IsString = true
		r.fields[idx].String = r.e.encoder.RenderString(r.e.mem, r.e.pid, dt, addr)
		return idx
	}

	idx := r.reserve(Field{Kind: FieldArray, Name: name, Type: r.typeName(dt)})
	if dt.Len == nil {
		// length not statically known; emit the container with no elements
		// rather than guessing.
		return idx
	}

	elemSize := int64(1)
	if elem != nil {
		elemSize = orDefault(elem.SizeBytes, elemSize)
	}

	n := int(*dt.Len)
	items := make([]int, 0, n)
	for i := 0; i < n; i++ {
		childAddr := addr + uint64(int64(i)*elemSize)
		ci := r.render(arrayIndexName(i), dt.ElementTypeIndex, childAddr)
		if ci >= 0 {
			items = append(items, ci)
		}
	}
	r.fields[idx].Items = items
	return idx
}

func (r *renderer) renderAggregate(name string, dt *target.DataType, addr uint64) int {
	if r.e.encoder.IsSlice(dt) {
		return r.renderSlice(name, dt, addr)
	}

	idx := r.reserve(Field{Kind: FieldStruct, Name: name, Type: r.typeName(dt)})
	items := make([]int, 0, len(dt.Members))
	for _, m := range dt.Members {
		mi := r.render(m.Name, m.TypeIndex, addr+uint64(m.Offset))
		if mi >= 0 {
			items = append(items, mi)
		}
	}
	r.fields[idx].Items = items
	return idx
}

// renderSlice renders a Zig-toolchain slice struct as an array of its
// elements rather than exposing its raw ptr/len members.
func (r *renderer) renderSlice(name string, dt *target.DataType, addr uint64) int {
	idx := r.reserve(Field{Kind: FieldArray, Name: name, Type: r.typeName(dt)})

	ptrVal, length, ok := r.e.encoder.RenderSlice(r.e.mem, r.e.pid, dt, addr)
	if !ok || length < 0 {
		return idx
	}

	elemTypeIndex := -1
	for _, m := range dt.Members {
		if m.Name != "ptr" {
			continue
		}
		if ptrDt := r.typeAt(m.TypeIndex); ptrDt != nil {
			elemTypeIndex = ptrDt.PointeeIndex
		}
	}
	if elemTypeIndex < 0 {
		return idx
	}

	elem := r.typeAt(elemTypeIndex)
	if elem != nil && r.e.encoder.IsString(dt, elem) {
		r.fields[idx].IsString = true
		r.fields[idx].String = r.e.encoder.RenderString(r.e.mem, r.e.pid, dt, addr)
		return idx
	}

	elemSize := int64(1)
	if elem != nil {
		elemSize = orDefault(elem.SizeBytes, elemSize)
	}

	n := int(length)
	items := make([]int, 0, n)
	for i := 0; i < n; i++ {
		childAddr := ptrVal + uint64(int64(i)*elemSize)
		ci := r.render(arrayIndexName(i), elemTypeIndex, childAddr)
		if ci >= 0 {
			items = append(items, ci)
		}
	}
	r.fields[idx].Items = items
	return idx
}

func (r *renderer) renderEnum(name string, dt *target.DataType, addr uint64) int {
	idx := r.reserve(Field{Kind: FieldEnum, Name: name, Type: r.typeName(dt), Value: -1})

	size := dt.SizeBytes
	if size <= 0 || size > 8 {
		size = 4
	}
	buf := make([]byte, size)
	if err := r.e.mem.PeekData(r.e.pid, addr, buf); err != nil {
		return idx
	}

	valueIdx := r.reserve(Field{
		Kind:     FieldPrimitive,
		Encoding: dt.Encoding,
		Raw:      buf,
	})
	r.fields[idx].Value = valueIdx

	val := signExtend(buf)
	for _, en := range dt.Enumerators {
		if en.Value == val {
			r.fields[idx].EnumName = en.Name
			break
		}
	}
	return idx
}

func arrayIndexName(i int) string {
	return fmt.Sprintf("[%d]", i)
}

// signExtend decodes a little-endian byte slice (1, 2, 4, or 8 bytes) as a
// sign-extended int64, the representation DWARF enumerators use regardless
// of the enum's underlying unsigned/signed encoding.
func signExtend(buf []byte) int64 {
	v := leUint64(padTo8(buf))
	shift := uint(64 - 8*len(buf))
	return int64(v<<shift) >> shift
}

func padTo8(buf []byte) []byte {
	if len(buf) >= 8 {
		return buf[:8]
	}
	out := make([]byte, 8)
	copy(out, buf)
	return out
}
