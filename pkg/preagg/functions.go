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

package preagg

import (
	"bytes"
	"hash/crc32"
	"math"

	"github.com/matrixorigin/preagg/pkg/common/moerr"
	"github.com/matrixorigin/preagg/pkg/container/batch"
	"github.com/matrixorigin/preagg/pkg/container/nulls"
	"github.com/matrixorigin/preagg/pkg/container/types"
	"github.com/matrixorigin/preagg/pkg/container/vector"
	"github.com/twmb/murmur3"
)

// Functions is the per-query contract the reduction kernels run
// against.  BuildFunctions derives the whole set from the schema, the
// role table and the aggregate descriptors; callers with special needs
// swap individual members before handing the set to a job.
//
// Every member must be safe for concurrent calls on distinct rows.
// Members returning a status code report moerr.Ok on success; a
// non-zero code ends up in the control status word, first error wins.
type Functions struct {
	// Hash digests the group key cells of a row.
	Hash func(b *batch.Batch, row int64) uint32

	// KeyComp orders two rows by their group keys: negative, zero or
	// positive like bytes.Compare.  Two nulls compare equal, a null
	// sorts after any value.
	KeyComp func(b *batch.Batch, x, y int64) int

	// Qualifies decides whether a source row enters the reduction.
	Qualifies func(p *Params, b *batch.Batch, row int64) (bool, uint16)

	// Project copies a qualified source row into its reserved
	// destination row.
	Project func(src *batch.Batch, srcRow int64, dst *batch.Batch, dstRow int64) uint16

	// Load fills an accumulator lane from an aggregate cell.  Null
	// cells come back with IsNull set and the operator's identity in
	// Bits.
	Load func(b *batch.Batch, col int, row int64, d *AggDatum) uint16

	// Store writes an accumulator lane back into an aggregate cell.
	Store func(b *batch.Batch, col int, row int64, d *AggDatum) uint16

	// Move copies one cell and its null bit between batches.
	Move func(src *batch.Batch, srcRow int64, dst *batch.Batch, dstRow int64, col int) uint16

	// LocalCalc folds newval into accum for an aggregate column.
	LocalCalc func(col int, accum, newval *AggDatum) uint16

	// GlobalCalc folds destination row newvalRow into accumRow for an
	// aggregate column.
	GlobalCalc func(b *batch.Batch, col int, accumRow, newvalRow int64) uint16
}

// KeyColumns lists the group key columns of a role table in column
// order.
func KeyColumns(roles []FieldRole) []int {
	var keys []int
	for c, r := range roles {
		if r == FieldGroupKey {
			keys = append(keys, c)
		}
	}
	return keys
}

// AggColumns lists the aggregate columns of a role table in column
// order.
func AggColumns(roles []FieldRole) []int {
	var aggs []int
	for c, r := range roles {
		if r == FieldAggFunc {
			aggs = append(aggs, c)
		}
	}
	return aggs
}

// BuildFunctions assembles the default contract for a schema.  typs
// and roles describe the batch columns; aggs binds an operator to
// every FieldAggFunc column.
func BuildFunctions(typs []types.Type, roles []FieldRole, aggs []AggDesc, kind HashKind) (*Functions, error) {
	if len(typs) != len(roles) {
		return nil, moerr.NewInvalidInput("schema has %d columns but role table has %d", len(typs), len(roles))
	}
	descs := make([]CalcDesc, len(typs))
	bound := make([]bool, len(typs))
	for _, a := range aggs {
		if a.Col < 0 || a.Col >= len(typs) {
			return nil, moerr.NewInvalidInput("aggregate column %d out of range", a.Col)
		}
		if roles[a.Col] != FieldAggFunc {
			return nil, moerr.NewInvalidInput("aggregate on column %d with role %s", a.Col, roles[a.Col])
		}
		if bound[a.Col] {
			return nil, moerr.NewInvalidInput("column %d has two aggregate operators", a.Col)
		}
		if !isFixedAggType(typs[a.Col].Oid) {
			return nil, moerr.NewInvalidInput("aggregate %s over %s column %d", a.Op, typs[a.Col].Oid, a.Col)
		}
		desc, err := lookupCalc(a.Op, typs[a.Col].Oid)
		if err != nil {
			return nil, err
		}
		descs[a.Col] = desc
		bound[a.Col] = true
	}
	for c, r := range roles {
		if r > FieldAggFunc {
			return nil, moerr.NewInvalidInput("column %d has unknown role %d", c, r)
		}
		if r == FieldAggFunc && !bound[c] {
			return nil, moerr.NewInvalidInput("column %d marked aggfunc but has no operator", c)
		}
	}

	keys := KeyColumns(roles)
	fns := &Functions{
		KeyComp: func(b *batch.Batch, x, y int64) int {
			return compareKeys(b, keys, x, y)
		},
		Qualifies: func(*Params, *batch.Batch, int64) (bool, uint16) {
			return true, moerr.Ok
		},
		Project: func(src *batch.Batch, srcRow int64, dst *batch.Batch, dstRow int64) uint16 {
			for c := range roles {
				if code := moveCell(src, srcRow, dst, dstRow, c); code != moerr.Ok {
					return code
				}
			}
			return moerr.Ok
		},
		Load: func(b *batch.Batch, col int, row int64, d *AggDatum) uint16 {
			return loadDatum(b.Vecs[col], row, descs[col].IdentityBits, d)
		},
		Store: func(b *batch.Batch, col int, row int64, d *AggDatum) uint16 {
			return storeDatum(b.Vecs[col], row, d)
		},
		Move: moveCell,
		LocalCalc: func(col int, accum, newval *AggDatum) uint16 {
			return descs[col].LocalMerge(accum, newval)
		},
		GlobalCalc: func(b *batch.Batch, col int, accumRow, newvalRow int64) uint16 {
			return descs[col].GlobalMerge(b.Vecs[col], accumRow, newvalRow)
		},
	}
	switch kind {
	case HashCRC32C:
		fns.Hash = func(b *batch.Batch, row int64) uint32 {
			return hashKeysCRC32C(b, keys, row)
		}
	case HashMurmur3:
		fns.Hash = func(b *batch.Batch, row int64) uint32 {
			return hashKeysMurmur3(b, keys, row)
		}
	default:
		return nil, moerr.NewInvalidInput("unknown hash kind %d", kind)
	}
	return fns, nil
}

var crcTable = crc32.MakeTable(crc32.Castagnoli)

// nullTag feeds the digest in place of a null cell so that null and
// zero hash apart.
var nullTag = []byte{0x01}

func keyBytes(vec *vector.Vector, row int64) []byte {
	if vec.GetType().Oid == types.T_varchar {
		return vec.GetBytes(int(row))
	}
	sz := int64(vec.GetType().TypeSize())
	raw := vec.UnsafeGetRawData()
	return raw[row*sz : row*sz+sz]
}

func hashKeysCRC32C(b *batch.Batch, keys []int, row int64) uint32 {
	var h uint32
	for _, c := range keys {
		vec := b.Vecs[c]
		if nulls.Contains(vec.GetNulls(), uint64(row)) {
			h = crc32.Update(h, crcTable, nullTag)
			continue
		}
		h = crc32.Update(h, crcTable, keyBytes(vec, row))
	}
	return h
}

func hashKeysMurmur3(b *batch.Batch, keys []int, row int64) uint32 {
	var h uint32
	for _, c := range keys {
		vec := b.Vecs[c]
		if nulls.Contains(vec.GetNulls(), uint64(row)) {
			h = murmur3.SeedSum32(h, nullTag)
			continue
		}
		h = murmur3.SeedSum32(h, keyBytes(vec, row))
	}
	return h
}

func cmpOrdered[T numeric](a, b T) int {
	if a < b {
		return -1
	}
	if a > b {
		return 1
	}
	return 0
}

func compareKeys(b *batch.Batch, keys []int, x, y int64) int {
	if x == y {
		return 0
	}
	for _, c := range keys {
		vec := b.Vecs[c]
		xn := nulls.Contains(vec.GetNulls(), uint64(x))
		yn := nulls.Contains(vec.GetNulls(), uint64(y))
		if xn || yn {
			if xn && yn {
				continue
			}
			if xn {
				return 1
			}
			return -1
		}
		var r int
		switch vec.GetType().Oid {
		case types.T_int16:
			r = cmpOrdered(vector.GetFixedAt[int16](vec, int(x)), vector.GetFixedAt[int16](vec, int(y)))
		case types.T_int32:
			r = cmpOrdered(vector.GetFixedAt[int32](vec, int(x)), vector.GetFixedAt[int32](vec, int(y)))
		case types.T_int64:
			r = cmpOrdered(vector.GetFixedAt[int64](vec, int(x)), vector.GetFixedAt[int64](vec, int(y)))
		case types.T_float32:
			r = cmpOrdered(vector.GetFixedAt[float32](vec, int(x)), vector.GetFixedAt[float32](vec, int(y)))
		case types.T_float64:
			r = cmpOrdered(vector.GetFixedAt[float64](vec, int(x)), vector.GetFixedAt[float64](vec, int(y)))
		case types.T_varchar:
			r = bytes.Compare(vec.GetBytes(int(x)), vec.GetBytes(int(y)))
		}
		if r != 0 {
			return r
		}
	}
	return 0
}

func loadDatum(vec *vector.Vector, row int64, identity uint64, d *AggDatum) uint16 {
	if nulls.Contains(vec.GetNulls(), uint64(row)) {
		d.IsNull = 1
		d.Bits = identity
		return moerr.Ok
	}
	d.IsNull = 0
	switch vec.GetType().Oid {
	case types.T_int16:
		d.Bits = uint64(int64(vector.GetFixedAt[int16](vec, int(row))))
	case types.T_int32:
		d.Bits = uint64(int64(vector.GetFixedAt[int32](vec, int(row))))
	case types.T_int64:
		d.Bits = uint64(vector.GetFixedAt[int64](vec, int(row)))
	case types.T_float32:
		d.Bits = uint64(math.Float32bits(vector.GetFixedAt[float32](vec, int(row))))
	case types.T_float64:
		d.Bits = math.Float64bits(vector.GetFixedAt[float64](vec, int(row)))
	default:
		return moerr.ErrDataCorruption
	}
	return moerr.Ok
}

// storeDatum writes the lane's value bits even for a null lane: a null
// accumulator carries the operator identity, which is exactly what the
// global stage needs to find in the cell.
func storeDatum(vec *vector.Vector, row int64, d *AggDatum) uint16 {
	var err error
	switch vec.GetType().Oid {
	case types.T_int16:
		err = vector.SetFixedAt(vec, int(row), int16(int64(d.Bits)))
	case types.T_int32:
		err = vector.SetFixedAt(vec, int(row), int32(int64(d.Bits)))
	case types.T_int64:
		err = vector.SetFixedAt(vec, int(row), int64(d.Bits))
	case types.T_float32:
		err = vector.SetFixedAt(vec, int(row), math.Float32frombits(uint32(d.Bits)))
	case types.T_float64:
		err = vector.SetFixedAt(vec, int(row), math.Float64frombits(d.Bits))
	default:
		return moerr.ErrDataCorruption
	}
	if err != nil {
		return moerr.ErrInternal
	}
	if d.IsNull != 0 {
		nulls.AtomicAdd(vec.GetNulls(), uint64(row))
	} else {
		nulls.AtomicDel(vec.GetNulls(), uint64(row))
	}
	return moerr.Ok
}

// moveCell copies one cell between batches of the same schema.
// Varchar cells copy the descriptor only; the byte area is shared by
// every batch of a job.
func moveCell(src *batch.Batch, srcRow int64, dst *batch.Batch, dstRow int64, col int) uint16 {
	sv, dv := src.Vecs[col], dst.Vecs[col]
	var err error
	switch sv.GetType().Oid {
	case types.T_int16:
		err = vector.SetFixedAt(dv, int(dstRow), vector.GetFixedAt[int16](sv, int(srcRow)))
	case types.T_int32:
		err = vector.SetFixedAt(dv, int(dstRow), vector.GetFixedAt[int32](sv, int(srcRow)))
	case types.T_int64:
		err = vector.SetFixedAt(dv, int(dstRow), vector.GetFixedAt[int64](sv, int(srcRow)))
	case types.T_float32:
		err = vector.SetFixedAt(dv, int(dstRow), vector.GetFixedAt[float32](sv, int(srcRow)))
	case types.T_float64:
		err = vector.SetFixedAt(dv, int(dstRow), vector.GetFixedAt[float64](sv, int(srcRow)))
	case types.T_varchar:
		err = vector.SetFixedAt(dv, int(dstRow), vector.GetFixedAt[types.Varlena](sv, int(srcRow)))
	default:
		return moerr.ErrDataCorruption
	}
	if err != nil {
		return moerr.ErrInternal
	}
	if nulls.Contains(sv.GetNulls(), uint64(srcRow)) {
		nulls.AtomicAdd(dv.GetNulls(), uint64(dstRow))
	} else {
		nulls.AtomicDel(dv.GetNulls(), uint64(dstRow))
	}
	return moerr.Ok
}
