// Copyright 2021 - 2023 Matrix Origin
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//      http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package types

import (
	"fmt"
)

// T is the type oid of a column cell.
type T uint8

const (
	T_any T = 0

	// numerics
	T_int16   T = 21
	T_int32   T = 22
	T_int64   T = 23
	T_float32 T = 31
	T_float64 T = 32

	// variable length, cells are Varlena descriptors into a shared area
	T_varchar T = 61
)

// Type describes one column.  Size is the fixed cell width in bytes;
// varchar cells hold 8 byte Varlena descriptors.
type Type struct {
	Oid  T
	Size int32
}

func (t T) ToType() Type {
	var typ Type
	typ.Oid = t
	switch t {
	case T_any:
		typ.Size = 0
	case T_int16:
		typ.Size = 2
	case T_int32:
		typ.Size = 4
	case T_int64:
		typ.Size = 8
	case T_float32:
		typ.Size = 4
	case T_float64:
		typ.Size = 8
	case T_varchar:
		typ.Size = VarlenaSize
	default:
		panic(fmt.Sprintf("ToType: unknown type oid %d", t))
	}
	return typ
}

func (t T) String() string {
	switch t {
	case T_any:
		return "ANY"
	case T_int16:
		return "SMALLINT"
	case T_int32:
		return "INT"
	case T_int64:
		return "BIGINT"
	case T_float32:
		return "FLOAT"
	case T_float64:
		return "DOUBLE"
	case T_varchar:
		return "VARCHAR"
	}
	return fmt.Sprintf("unexpected type oid %d", t)
}

// OidString returns T_xxx, for debug and log output.
func (t T) OidString() string {
	switch t {
	case T_any:
		return "T_any"
	case T_int16:
		return "T_int16"
	case T_int32:
		return "T_int32"
	case T_int64:
		return "T_int64"
	case T_float32:
		return "T_float32"
	case T_float64:
		return "T_float64"
	case T_varchar:
		return "T_varchar"
	}
	return "unknown_type"
}

func (t T) IsInteger() bool {
	switch t {
	case T_int16, T_int32, T_int64:
		return true
	}
	return false
}

func (t T) IsFloat() bool {
	switch t {
	case T_float32, T_float64:
		return true
	}
	return false
}

func (t T) IsNumeric() bool {
	return t.IsInteger() || t.IsFloat()
}

func (t Type) TypeSize() int {
	return int(t.Size)
}

func (t Type) IsVarlen() bool {
	return t.Oid == T_varchar
}

func (t Type) Eq(b Type) bool {
	return t.Oid == b.Oid && t.Size == b.Size
}

func (t Type) String() string {
	return t.Oid.String()
}

// FixedSizeT covers the cell representations the engine moves by value.
type FixedSizeT interface {
	~int16 | ~int32 | ~int64 | ~uint16 | ~uint32 | ~uint64 |
		~float32 | ~float64 | Varlena
}
