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

	"github.com/wrenfield/uscope/dbgerr"
	"github.com/wrenfield/uscope/target"
)

// Encoder is the closed, language-specific capability set the evaluator is
// generic over, so adding a language means adding an Encoder, not touching
// renderer.go.
type Encoder interface {
	// IsString reports whether dt, whose pointee/element is elem, should be
	// rendered as a string rather than recursed into structurally.
	IsString(dt, elem *target.DataType) bool

	// RenderString reads and decodes a string value at addr.
	RenderString(mem Memory, pid int, dt *target.DataType, addr uint64) string

	// IsSlice reports whether dt is this language's slice representation
	// (a struct carrying pointer and length members, rather than a DWARF
	// array with statically known length).
	IsSlice(dt *target.DataType) bool

	// RenderSlice decodes a slice header's pointer and length fields.
	RenderSlice(mem Memory, pid int, dt *target.DataType, addr uint64) (ptr uint64, length int64, ok bool)

	// IsOpaquePointer reports whether dt should be rendered address-only,
	// beyond the base case of an untyped (pointee-less) pointer that
	// target.DataType.IsOpaquePointer already covers.
	IsOpaquePointer(dt *target.DataType) bool
}

// encoderFor returns the Encoder for a CompileUnit's language: C and C++
// share one encoder, the Zig toolchain has its own, and any other language
// is rejected with LanguageUnsupported.
func encoderFor(language string) (Encoder, error) {
	switch language {
	case "C", "C++":
		return cEncoder{}, nil
	case "Zig":
		return zigEncoder{}, nil
	default:
		return nil, fmt.Errorf("eval: %w", dbgerr.E(dbgerr.LanguageUnsupported, language))
	}
}

// cEncoder renders C/C++ values: a char pointer or char array is a
// NUL-terminated string; there is no native slice type.
type cEncoder struct{}

func (cEncoder) IsString(dt, elem *target.DataType) bool {
	if elem == nil {
		return false
	}
	return (dt.Kind == target.KindPointer || dt.Kind == target.KindArray) && isCharType(elem)
}

func (cEncoder) RenderString(mem Memory, pid int, dt *target.DataType, addr uint64) string {
	return readCString(mem, pid, addr)
}

func (cEncoder) IsSlice(dt *target.DataType) bool { return false }

func (cEncoder) RenderSlice(mem Memory, pid int, dt *target.DataType, addr uint64) (uint64, int64, bool) {
	return 0, 0, false
}

func (cEncoder) IsOpaquePointer(dt *target.DataType) bool { return false }

func isCharType(dt *target.DataType) bool {
	return dt.Kind == target.KindPrimitive && dt.SizeBytes == 1 &&
		(dt.Encoding == target.EncodingSigned || dt.Encoding == target.EncodingUnsigned)
}

// readCString reads up to maxStringBytes starting at addr, one byte at a
// time, stopping at the first NUL byte, so a corrupted pointer can't hang
// the evaluator walking unmapped memory forever.
func readCString(mem Memory, pid int, addr uint64) string {
	var out []byte
	var b [1]byte
	for i := 0; i < maxStringBytes; i++ {
		if err := mem.PeekData(pid, addr+uint64(i), b[:]); err != nil {
			break
		}
		if b[0] == 0 {
			break
		}
		out = append(out, b[0])
	}
	return string(out)
}

// zigEncoder renders Zig-toolchain values. Zig lowers a slice type
// (`[]const u8`, `[]T`, ...) to a two-member struct carrying a pointer and a
// length; this repo recognizes that shape by member name rather than by a
// dedicated DW_TAG, since DWARF has no native slice tag.
type zigEncoder struct{}

func (zigEncoder) IsString(dt, elem *target.DataType) bool {
	if dt.Kind != target.KindStruct || len(dt.Members) != 2 {
		return false
	}
	return sliceMembers(dt) != nil && elem != nil && isCharType(elem)
}

func (z zigEncoder) RenderString(mem Memory, pid int, dt *target.DataType, addr uint64) string {
	ptr, length, ok := z.RenderSlice(mem, pid, dt, addr)
	if !ok || length <= 0 {
		return ""
	}
	if length > maxStringBytes {
		length = maxStringBytes
	}
	buf := make([]byte, length)
	if err := mem.PeekData(pid, ptr, buf); err != nil {
		return ""
	}
	return string(buf)
}

func (zigEncoder) IsSlice(dt *target.DataType) bool {
	return dt.Kind == target.KindStruct && sliceMembers(dt) != nil
}

func (z zigEncoder) RenderSlice(mem Memory, pid int, dt *target.DataType, addr uint64) (uint64, int64, bool) {
	members := sliceMembers(dt)
	if members == nil {
		return 0, 0, false
	}
	ptrMember, lenMember := members[0], members[1]

	var ptrBuf [8]byte
	if err := mem.PeekData(pid, addr+uint64(ptrMember.Offset), ptrBuf[:]); err != nil {
		return 0, 0, false
	}
	var lenBuf [8]byte
	if err := mem.PeekData(pid, addr+uint64(lenMember.Offset), lenBuf[:]); err != nil {
		return 0, 0, false
	}
	return leUint64(ptrBuf[:]), int64(leUint64(lenBuf[:])), true
}

func (zigEncoder) IsOpaquePointer(dt *target.DataType) bool { return false }

// sliceMembers returns dt's (pointer, length) members if dt looks like a
// Zig slice lowering (exactly two members named "ptr" and "len"), else nil.
func sliceMembers(dt *target.DataType) []target.Member {
	if len(dt.Members) != 2 {
		return nil
	}
	var ptr, ln *target.Member
	for i := range dt.Members {
		switch dt.Members[i].Name {
		case "ptr":
			ptr = &dt.Members[i]
		case "len":
			ln = &dt.Members[i]
		}
	}
	if ptr == nil || ln == nil {
		return nil
	}
	return []target.Member{*ptr, *ln}
}

func leUint64(b []byte) uint64 {
	var v uint64
	for i := 7; i >= 0; i-- {
		v = v<<8 | uint64(b[i])
	}
	return v
}
