// Copyright 2021 Matrix Origin
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

package vector

import (
	"fmt"

	"github.com/matrixorigin/preagg/pkg/common/moerr"
	"github.com/matrixorigin/preagg/pkg/common/mpool"
	"github.com/matrixorigin/preagg/pkg/container/nulls"
	"github.com/matrixorigin/preagg/pkg/container/types"
)

// Vector represents a column with a fixed room count.  Capacity is set
// once by PreExtend; the reduction kernels never grow a vector, they
// only claim rows through the owning batch's counters.
type Vector struct {
	typ types.Type
	nsp *nulls.Nulls // nulls list

	// data of fixed length elements, in case of varchar the Varlena
	// descriptors
	col  any
	data []byte

	// area holding varchar bytes, shared across batches of one job
	area *Area

	capacity int
}

func NewVec(typ types.Type) *Vector {
	return &Vector{
		typ: typ,
		nsp: &nulls.Nulls{},
	}
}

func (v *Vector) GetType() *types.Type {
	return &v.typ
}

func (v *Vector) GetNulls() *nulls.Nulls {
	return v.nsp
}

func (v *Vector) SetNulls(nsp *nulls.Nulls) {
	v.nsp = nsp
}

func (v *Vector) Capacity() int {
	return v.capacity
}

func (v *Vector) GetArea() *Area {
	return v.area
}

func (v *Vector) SetArea(a *Area) {
	v.area = a
}

// UnsafeGetRawData returns the cell bytes of all rooms.  The base is
// 8 byte aligned; the merge calculators rely on that for their atomic
// word operations.
func (v *Vector) UnsafeGetRawData() []byte {
	return v.data
}

// PreExtend allocates room for rows cells plus the null set.  Calling
// it on an already sized vector is an error.
func (v *Vector) PreExtend(rows int, mp *mpool.MPool) error {
	if v.data != nil {
		return moerr.NewInternalError("vector %s already extended", v.typ.String())
	}
	if rows <= 0 {
		return moerr.NewInvalidInput("vector rooms %d", rows)
	}
	data, err := mp.Alloc(rows * v.typ.TypeSize())
	if err != nil {
		return err
	}
	v.data = data
	v.capacity = rows
	v.nsp = nulls.NewWithSize(rows)
	v.setupColFromData()
	return nil
}

func (v *Vector) setupColFromData() {
	switch v.typ.Oid {
	case types.T_int16:
		v.col = types.DecodeSlice[int16](v.data)
	case types.T_int32:
		v.col = types.DecodeSlice[int32](v.data)
	case types.T_int64:
		v.col = types.DecodeSlice[int64](v.data)
	case types.T_float32:
		v.col = types.DecodeSlice[float32](v.data)
	case types.T_float64:
		v.col = types.DecodeSlice[float64](v.data)
	case types.T_varchar:
		v.col = types.DecodeSlice[types.Varlena](v.data)
	default:
		panic(moerr.NewInternalError("unexpected vector type %s", v.typ.String()))
	}
}

func (v *Vector) Free(mp *mpool.MPool) {
	if v == nil || v.data == nil {
		return
	}
	mp.Free(v.data)
	v.data = nil
	v.col = nil
	v.capacity = 0
	v.nsp = &nulls.Nulls{}
	// the area belongs to the job, not the vector
	v.area = nil
}

// MustFixedCol returns the typed cell slice covering every room.
func MustFixedCol[T types.FixedSizeT](v *Vector) []T {
	if v.col == nil {
		return nil
	}
	return v.col.([]T)
}

func GetFixedAt[T types.FixedSizeT](v *Vector, idx int) T {
	return v.col.([]T)[idx]
}

func SetFixedAt[T types.FixedSizeT](v *Vector, idx int, t T) error {
	col := v.col.([]T)
	if idx < 0 || idx >= len(col) {
		return moerr.NewInternalError("vector idx out of range: %d > %d", idx, len(col))
	}
	col[idx] = t
	return nil
}

// GetBytes returns the content of a varchar cell.
func (v *Vector) GetBytes(i int) []byte {
	bs := v.col.([]types.Varlena)
	return bs[i].GetByteSlice(v.area.Bytes())
}

func (v *Vector) GetString(i int) string {
	bs := v.col.([]types.Varlena)
	return bs[i].GetString(v.area.Bytes())
}

// SetBytesAt copies bs into the shared area and stores the descriptor
// at cell i.  Loading side only.
func (v *Vector) SetBytesAt(i int, bs []byte, mp *mpool.MPool) error {
	if v.typ.Oid != types.T_varchar {
		return moerr.NewInternalError("SetBytesAt on %s vector", v.typ.String())
	}
	if v.area == nil {
		return moerr.NewInternalError("varchar vector without area")
	}
	va, err := v.area.AppendBytes(mp, bs)
	if err != nil {
		return err
	}
	return SetFixedAt(v, i, va)
}

func (v *Vector) String() string {
	return fmt.Sprintf("%s-vector(cap %d, %d nulls)",
		v.typ.String(), v.capacity, v.nsp.Count())
}
