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

// Package preagg implements a data parallel GROUP BY pre-aggregation
// engine.  An input batch is reduced in two stages: a local stage folds
// duplicate keys inside each worker group through a small per-group hash
// table, and a global stage folds the surviving partial rows through a
// shared hash table into final groups.  A bitonic sort fallback covers
// inputs that hash reduction handles poorly.
//
// All reduction state lives in plain Go structs and mpool backed buffers;
// workers coordinate through atomics and the simt barrier only.
package preagg

import (
	"github.com/matrixorigin/preagg/pkg/container/types"
)

// FieldRole tells the reduction kernels what to do with a column.
type FieldRole uint8

const (
	// FieldUnused columns take no part in grouping; the owner row's
	// value passes through to the destination verbatim.
	FieldUnused FieldRole = 0
	// FieldGroupKey columns participate in hashing and comparison and are
	// copied verbatim into the destination row of their group.
	FieldGroupKey FieldRole = 1
	// FieldAggFunc columns are folded with the column's aggregate operator.
	FieldAggFunc FieldRole = 2
)

func (r FieldRole) String() string {
	switch r {
	case FieldUnused:
		return "unused"
	case FieldGroupKey:
		return "groupkey"
	case FieldAggFunc:
		return "aggfunc"
	}
	return "unknown"
}

// AggOp identifies an aggregate operator.
type AggOp uint8

const (
	AggSum AggOp = iota + 1
	AggMin
	AggMax
)

func (op AggOp) String() string {
	switch op {
	case AggSum:
		return "sum"
	case AggMin:
		return "min"
	case AggMax:
		return "max"
	}
	return "unknown"
}

// AggDesc binds an aggregate operator to a column of the batch schema.
type AggDesc struct {
	Col int
	Op  AggOp
}

// Strategy selects the reduction plan for a job.
type Strategy uint8

const (
	// StrategyHash runs local then global hash reduction.
	StrategyHash Strategy = iota
	// StrategySort sorts the row index with a bitonic network and folds
	// adjacent runs of equal keys.
	StrategySort
)

func (s Strategy) String() string {
	switch s {
	case StrategyHash:
		return "hash"
	case StrategySort:
		return "sort"
	}
	return "unknown"
}

// HashKind selects the row hash function.
type HashKind uint8

const (
	HashCRC32C HashKind = iota
	HashMurmur3
)

// InvalidIndex marks an empty hash slot and is never a valid row index.
const InvalidIndex = ^uint32(0)

// A hash slot packs the key hash and the claimed index into one word so
// that a single compare-and-swap both claims the slot and publishes the
// hash for followers to match against.
func packSlot(hash, index uint32) uint64 {
	return uint64(hash)<<32 | uint64(index)
}

func slotHash(s uint64) uint32 {
	return uint32(s >> 32)
}

func slotIndex(s uint64) uint32 {
	return uint32(s)
}

// emptySlot is what ResetHashTable writes: zero hash, invalid index.
const emptySlot = uint64(InvalidIndex)

// AggDatum is one accumulator lane.  Bits holds the value in a width
// independent form: integers are sign extended to int64, floats keep
// their IEEE bit pattern.  A null accumulator carries the operator's
// identity in Bits, so merging never has to special case the first
// non-null arrival; IsNull is simply cleared by whoever merges a real
// value.  Bits sits at offset 8 and is safe for 64-bit atomics.
type AggDatum struct {
	GroupID uint32
	IsNull  uint32
	Bits    uint64
}

// numeric covers every scalar type the accumulator lanes understand.
type numeric interface {
	~int16 | ~int32 | ~int64 | ~float32 | ~float64
}

func isFixedAggType(oid types.T) bool {
	switch oid {
	case types.T_int16, types.T_int32, types.T_int64,
		types.T_float32, types.T_float64:
		return true
	}
	return false
}
