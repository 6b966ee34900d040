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
	"math"
	"sync/atomic"
	"unsafe"

	"github.com/matrixorigin/preagg/pkg/common/moerr"
	"github.com/matrixorigin/preagg/pkg/container/nulls"
	"github.com/matrixorigin/preagg/pkg/container/types"
	"github.com/matrixorigin/preagg/pkg/container/vector"
)

// CalcDesc is the calculation contract of one (operator, type) pair.
//
// IdentityBits seeds a null accumulator: the value that leaves any
// merge unchanged (zero for sum, the type minimum for max, the type
// maximum for min).  Because null lanes carry the identity instead of
// garbage, merges commute and need no null-vs-value branching: the
// null flag is cleared by whoever merges a real value and the value
// lanes are folded with plain atomic loops.
//
// LocalMerge folds newval into accum between two accumulator lanes.
// GlobalMerge folds the cell at newvalRow into the cell at accumRow
// directly on a destination column.  Both return a status code,
// moerr.Ok or ErrRecheckRequired when the fold overflowed; the
// wrapped value is still committed so reruns stay deterministic.
type CalcDesc struct {
	IdentityBits uint64
	LocalMerge   func(accum, newval *AggDatum) uint16
	GlobalMerge  func(vec *vector.Vector, accumRow, newvalRow int64) uint16
}

type calcKey struct {
	op  AggOp
	oid types.T
}

var calcTable = map[calcKey]CalcDesc{}

// Register installs the calculation contract for an (operator, type)
// pair, replacing any previous registration.
func Register(op AggOp, oid types.T, desc CalcDesc) {
	calcTable[calcKey{op: op, oid: oid}] = desc
}

func lookupCalc(op AggOp, oid types.T) (CalcDesc, error) {
	desc, ok := calcTable[calcKey{op: op, oid: oid}]
	if !ok {
		return CalcDesc{}, moerr.NewNYI("aggregate %s(%s)", op, oid)
	}
	return desc, nil
}

// mergeProlog handles the null discipline shared by all local merges:
// a null newval contributes nothing, a real one clears the accumulator
// null flag.  The caller merges values only when it returns true.
func mergeProlog(accum, newval *AggDatum) bool {
	if atomic.LoadUint32(&newval.IsNull) != 0 {
		return false
	}
	atomic.StoreUint32(&accum.IsNull, 0)
	return true
}

// cellProlog is the destination column counterpart: skip null newval
// rows, clear the accumulator row's null bit otherwise.  Bitmap words
// are shared between rows, so both sides go through the atomic forms.
func cellProlog(vec *vector.Vector, accumRow, newvalRow int64) bool {
	nsp := vec.GetNulls()
	if nulls.AtomicContains(nsp, uint64(newvalRow)) {
		return false
	}
	nulls.AtomicDel(nsp, uint64(accumRow))
	return true
}

// Integer lanes hold the value sign extended to int64, so one compare
// loop serves every integer width.

func localMaxInt(accum, newval *AggDatum) uint16 {
	if !mergeProlog(accum, newval) {
		return moerr.Ok
	}
	nv := int64(newval.Bits)
	for {
		old := atomic.LoadUint64(&accum.Bits)
		if int64(old) >= nv {
			return moerr.Ok
		}
		if atomic.CompareAndSwapUint64(&accum.Bits, old, uint64(nv)) {
			return moerr.Ok
		}
	}
}

func localMinInt(accum, newval *AggDatum) uint16 {
	if !mergeProlog(accum, newval) {
		return moerr.Ok
	}
	nv := int64(newval.Bits)
	for {
		old := atomic.LoadUint64(&accum.Bits)
		if int64(old) <= nv {
			return moerr.Ok
		}
		if atomic.CompareAndSwapUint64(&accum.Bits, old, uint64(nv)) {
			return moerr.Ok
		}
	}
}

// makeLocalSumInt builds the sum merge for an integer width.  The fold
// runs in int64; a result that leaves the width's range raises
// ErrRecheckRequired and commits the value wrapped to the width, the
// same digits a machine add at that width would produce.
func makeLocalSumInt(width uint) func(accum, newval *AggDatum) uint16 {
	shift := 64 - width
	return func(accum, newval *AggDatum) uint16 {
		if !mergeProlog(accum, newval) {
			return moerr.Ok
		}
		nv := int64(newval.Bits)
		for {
			old := atomic.LoadUint64(&accum.Bits)
			ov := int64(old)
			sum := ov + nv
			code := uint16(moerr.Ok)
			if shift == 0 {
				if (ov < 0) == (nv < 0) && (sum < 0) != (ov < 0) {
					code = moerr.ErrRecheckRequired
				}
			} else if wrapped := sum << shift >> shift; wrapped != sum {
				code = moerr.ErrRecheckRequired
				sum = wrapped
			}
			if atomic.CompareAndSwapUint64(&accum.Bits, old, uint64(sum)) {
				return code
			}
		}
	}
}

func localMaxF64(accum, newval *AggDatum) uint16 {
	if !mergeProlog(accum, newval) {
		return moerr.Ok
	}
	nv := math.Float64frombits(newval.Bits)
	for {
		old := atomic.LoadUint64(&accum.Bits)
		if !(nv > math.Float64frombits(old)) {
			return moerr.Ok
		}
		if atomic.CompareAndSwapUint64(&accum.Bits, old, newval.Bits) {
			return moerr.Ok
		}
	}
}

func localMinF64(accum, newval *AggDatum) uint16 {
	if !mergeProlog(accum, newval) {
		return moerr.Ok
	}
	nv := math.Float64frombits(newval.Bits)
	for {
		old := atomic.LoadUint64(&accum.Bits)
		if !(nv < math.Float64frombits(old)) {
			return moerr.Ok
		}
		if atomic.CompareAndSwapUint64(&accum.Bits, old, newval.Bits) {
			return moerr.Ok
		}
	}
}

func localSumF64(accum, newval *AggDatum) uint16 {
	if !mergeProlog(accum, newval) {
		return moerr.Ok
	}
	nv := math.Float64frombits(newval.Bits)
	for {
		old := atomic.LoadUint64(&accum.Bits)
		ov := math.Float64frombits(old)
		sum := ov + nv
		code := uint16(moerr.Ok)
		if math.IsInf(sum, 0) && !math.IsInf(ov, 0) && !math.IsInf(nv, 0) {
			code = moerr.ErrRecheckRequired
		}
		if atomic.CompareAndSwapUint64(&accum.Bits, old, math.Float64bits(sum)) {
			return code
		}
	}
}

// float32 lanes keep the 32-bit pattern in the low half of Bits.

func localMaxF32(accum, newval *AggDatum) uint16 {
	if !mergeProlog(accum, newval) {
		return moerr.Ok
	}
	nv := math.Float32frombits(uint32(newval.Bits))
	for {
		old := atomic.LoadUint64(&accum.Bits)
		if !(nv > math.Float32frombits(uint32(old))) {
			return moerr.Ok
		}
		if atomic.CompareAndSwapUint64(&accum.Bits, old, newval.Bits) {
			return moerr.Ok
		}
	}
}

func localMinF32(accum, newval *AggDatum) uint16 {
	if !mergeProlog(accum, newval) {
		return moerr.Ok
	}
	nv := math.Float32frombits(uint32(newval.Bits))
	for {
		old := atomic.LoadUint64(&accum.Bits)
		if !(nv < math.Float32frombits(uint32(old))) {
			return moerr.Ok
		}
		if atomic.CompareAndSwapUint64(&accum.Bits, old, newval.Bits) {
			return moerr.Ok
		}
	}
}

func localSumF32(accum, newval *AggDatum) uint16 {
	if !mergeProlog(accum, newval) {
		return moerr.Ok
	}
	nv := math.Float32frombits(uint32(newval.Bits))
	for {
		old := atomic.LoadUint64(&accum.Bits)
		ov := math.Float32frombits(uint32(old))
		sum := ov + nv
		code := uint16(moerr.Ok)
		if math.IsInf(float64(sum), 0) && !math.IsInf(float64(ov), 0) && !math.IsInf(float64(nv), 0) {
			code = moerr.ErrRecheckRequired
		}
		if atomic.CompareAndSwapUint64(&accum.Bits, old, uint64(math.Float32bits(sum))) {
			return code
		}
	}
}

// Global merges fold destination cells in place.  8 and 4 byte cells
// get native atomics; 2 byte cells compare-and-swap the containing
// 4 byte word and splice their lane, which is safe because mpool hands
// out 8 byte aligned buffers.

func globalMaxI64(vec *vector.Vector, accumRow, newvalRow int64) uint16 {
	if !cellProlog(vec, accumRow, newvalRow) {
		return moerr.Ok
	}
	col := vector.MustFixedCol[int64](vec)
	nv := col[newvalRow]
	for {
		old := atomic.LoadInt64(&col[accumRow])
		if old >= nv {
			return moerr.Ok
		}
		if atomic.CompareAndSwapInt64(&col[accumRow], old, nv) {
			return moerr.Ok
		}
	}
}

func globalMinI64(vec *vector.Vector, accumRow, newvalRow int64) uint16 {
	if !cellProlog(vec, accumRow, newvalRow) {
		return moerr.Ok
	}
	col := vector.MustFixedCol[int64](vec)
	nv := col[newvalRow]
	for {
		old := atomic.LoadInt64(&col[accumRow])
		if old <= nv {
			return moerr.Ok
		}
		if atomic.CompareAndSwapInt64(&col[accumRow], old, nv) {
			return moerr.Ok
		}
	}
}

func globalSumI64(vec *vector.Vector, accumRow, newvalRow int64) uint16 {
	if !cellProlog(vec, accumRow, newvalRow) {
		return moerr.Ok
	}
	col := vector.MustFixedCol[int64](vec)
	nv := col[newvalRow]
	sum := atomic.AddInt64(&col[accumRow], nv)
	old := sum - nv
	if (old < 0) == (nv < 0) && (sum < 0) != (old < 0) {
		return moerr.ErrRecheckRequired
	}
	return moerr.Ok
}

func globalMaxI32(vec *vector.Vector, accumRow, newvalRow int64) uint16 {
	if !cellProlog(vec, accumRow, newvalRow) {
		return moerr.Ok
	}
	col := vector.MustFixedCol[int32](vec)
	nv := col[newvalRow]
	for {
		old := atomic.LoadInt32(&col[accumRow])
		if old >= nv {
			return moerr.Ok
		}
		if atomic.CompareAndSwapInt32(&col[accumRow], old, nv) {
			return moerr.Ok
		}
	}
}

func globalMinI32(vec *vector.Vector, accumRow, newvalRow int64) uint16 {
	if !cellProlog(vec, accumRow, newvalRow) {
		return moerr.Ok
	}
	col := vector.MustFixedCol[int32](vec)
	nv := col[newvalRow]
	for {
		old := atomic.LoadInt32(&col[accumRow])
		if old <= nv {
			return moerr.Ok
		}
		if atomic.CompareAndSwapInt32(&col[accumRow], old, nv) {
			return moerr.Ok
		}
	}
}

func globalSumI32(vec *vector.Vector, accumRow, newvalRow int64) uint16 {
	if !cellProlog(vec, accumRow, newvalRow) {
		return moerr.Ok
	}
	col := vector.MustFixedCol[int32](vec)
	nv := col[newvalRow]
	sum := atomic.AddInt32(&col[accumRow], nv)
	old := sum - nv
	if (old < 0) == (nv < 0) && (sum < 0) != (old < 0) {
		return moerr.ErrRecheckRequired
	}
	return moerr.Ok
}

// lane16 locates the 4 byte word holding a 2 byte cell.
func lane16(vec *vector.Vector, row int64) (word *uint32, shift uint) {
	raw := vec.UnsafeGetRawData()
	byteOff := row * 2
	word = (*uint32)(unsafe.Pointer(&raw[byteOff&^3]))
	shift = uint(byteOff&3) * 8
	return word, shift
}

func globalMaxI16(vec *vector.Vector, accumRow, newvalRow int64) uint16 {
	if !cellProlog(vec, accumRow, newvalRow) {
		return moerr.Ok
	}
	nv := vector.MustFixedCol[int16](vec)[newvalRow]
	word, shift := lane16(vec, accumRow)
	for {
		w := atomic.LoadUint32(word)
		if int16(uint16(w>>shift)) >= nv {
			return moerr.Ok
		}
		nw := w&^(uint32(0xffff)<<shift) | uint32(uint16(nv))<<shift
		if atomic.CompareAndSwapUint32(word, w, nw) {
			return moerr.Ok
		}
	}
}

func globalMinI16(vec *vector.Vector, accumRow, newvalRow int64) uint16 {
	if !cellProlog(vec, accumRow, newvalRow) {
		return moerr.Ok
	}
	nv := vector.MustFixedCol[int16](vec)[newvalRow]
	word, shift := lane16(vec, accumRow)
	for {
		w := atomic.LoadUint32(word)
		if int16(uint16(w>>shift)) <= nv {
			return moerr.Ok
		}
		nw := w&^(uint32(0xffff)<<shift) | uint32(uint16(nv))<<shift
		if atomic.CompareAndSwapUint32(word, w, nw) {
			return moerr.Ok
		}
	}
}

func globalSumI16(vec *vector.Vector, accumRow, newvalRow int64) uint16 {
	if !cellProlog(vec, accumRow, newvalRow) {
		return moerr.Ok
	}
	nv := vector.MustFixedCol[int16](vec)[newvalRow]
	word, shift := lane16(vec, accumRow)
	for {
		w := atomic.LoadUint32(word)
		old := int16(uint16(w >> shift))
		sum := int64(old) + int64(nv)
		wrapped := int16(sum)
		code := uint16(moerr.Ok)
		if int64(wrapped) != sum {
			code = moerr.ErrRecheckRequired
		}
		nw := w&^(uint32(0xffff)<<shift) | uint32(uint16(wrapped))<<shift
		if atomic.CompareAndSwapUint32(word, w, nw) {
			return code
		}
	}
}

func globalMaxF64(vec *vector.Vector, accumRow, newvalRow int64) uint16 {
	if !cellProlog(vec, accumRow, newvalRow) {
		return moerr.Ok
	}
	col := vector.MustFixedCol[float64](vec)
	nv := col[newvalRow]
	word := (*uint64)(unsafe.Pointer(&col[accumRow]))
	for {
		old := atomic.LoadUint64(word)
		if !(nv > math.Float64frombits(old)) {
			return moerr.Ok
		}
		if atomic.CompareAndSwapUint64(word, old, math.Float64bits(nv)) {
			return moerr.Ok
		}
	}
}

func globalMinF64(vec *vector.Vector, accumRow, newvalRow int64) uint16 {
	if !cellProlog(vec, accumRow, newvalRow) {
		return moerr.Ok
	}
	col := vector.MustFixedCol[float64](vec)
	nv := col[newvalRow]
	word := (*uint64)(unsafe.Pointer(&col[accumRow]))
	for {
		old := atomic.LoadUint64(word)
		if !(nv < math.Float64frombits(old)) {
			return moerr.Ok
		}
		if atomic.CompareAndSwapUint64(word, old, math.Float64bits(nv)) {
			return moerr.Ok
		}
	}
}

func globalSumF64(vec *vector.Vector, accumRow, newvalRow int64) uint16 {
	if !cellProlog(vec, accumRow, newvalRow) {
		return moerr.Ok
	}
	col := vector.MustFixedCol[float64](vec)
	nv := col[newvalRow]
	word := (*uint64)(unsafe.Pointer(&col[accumRow]))
	for {
		old := atomic.LoadUint64(word)
		ov := math.Float64frombits(old)
		sum := ov + nv
		code := uint16(moerr.Ok)
		if math.IsInf(sum, 0) && !math.IsInf(ov, 0) && !math.IsInf(nv, 0) {
			code = moerr.ErrRecheckRequired
		}
		if atomic.CompareAndSwapUint64(word, old, math.Float64bits(sum)) {
			return code
		}
	}
}

func globalMaxF32(vec *vector.Vector, accumRow, newvalRow int64) uint16 {
	if !cellProlog(vec, accumRow, newvalRow) {
		return moerr.Ok
	}
	col := vector.MustFixedCol[float32](vec)
	nv := col[newvalRow]
	word := (*uint32)(unsafe.Pointer(&col[accumRow]))
	for {
		old := atomic.LoadUint32(word)
		if !(nv > math.Float32frombits(old)) {
			return moerr.Ok
		}
		if atomic.CompareAndSwapUint32(word, old, math.Float32bits(nv)) {
			return moerr.Ok
		}
	}
}

func globalMinF32(vec *vector.Vector, accumRow, newvalRow int64) uint16 {
	if !cellProlog(vec, accumRow, newvalRow) {
		return moerr.Ok
	}
	col := vector.MustFixedCol[float32](vec)
	nv := col[newvalRow]
	word := (*uint32)(unsafe.Pointer(&col[accumRow]))
	for {
		old := atomic.LoadUint32(word)
		if !(nv < math.Float32frombits(old)) {
			return moerr.Ok
		}
		if atomic.CompareAndSwapUint32(word, old, math.Float32bits(nv)) {
			return moerr.Ok
		}
	}
}

func globalSumF32(vec *vector.Vector, accumRow, newvalRow int64) uint16 {
	if !cellProlog(vec, accumRow, newvalRow) {
		return moerr.Ok
	}
	col := vector.MustFixedCol[float32](vec)
	nv := col[newvalRow]
	word := (*uint32)(unsafe.Pointer(&col[accumRow]))
	for {
		old := atomic.LoadUint32(word)
		ov := math.Float32frombits(old)
		sum := ov + nv
		code := uint16(moerr.Ok)
		if math.IsInf(float64(sum), 0) && !math.IsInf(float64(ov), 0) && !math.IsInf(float64(nv), 0) {
			code = moerr.ErrRecheckRequired
		}
		if atomic.CompareAndSwapUint32(word, old, math.Float32bits(sum)) {
			return code
		}
	}
}

func init() {
	Register(AggSum, types.T_int16, CalcDesc{IdentityBits: 0, LocalMerge: makeLocalSumInt(16), GlobalMerge: globalSumI16})
	Register(AggSum, types.T_int32, CalcDesc{IdentityBits: 0, LocalMerge: makeLocalSumInt(32), GlobalMerge: globalSumI32})
	Register(AggSum, types.T_int64, CalcDesc{IdentityBits: 0, LocalMerge: makeLocalSumInt(64), GlobalMerge: globalSumI64})
	Register(AggSum, types.T_float32, CalcDesc{IdentityBits: 0, LocalMerge: localSumF32, GlobalMerge: globalSumF32})
	Register(AggSum, types.T_float64, CalcDesc{IdentityBits: 0, LocalMerge: localSumF64, GlobalMerge: globalSumF64})

	// ^uint64(math.MaxIntN) is the sign-extended bit pattern of math.MinIntN;
	// a constant uint64(int64(math.MinIntN)) conversion does not compile.
	Register(AggMax, types.T_int16, CalcDesc{IdentityBits: ^uint64(math.MaxInt16), LocalMerge: localMaxInt, GlobalMerge: globalMaxI16})
	Register(AggMax, types.T_int32, CalcDesc{IdentityBits: ^uint64(math.MaxInt32), LocalMerge: localMaxInt, GlobalMerge: globalMaxI32})
	Register(AggMax, types.T_int64, CalcDesc{IdentityBits: ^uint64(math.MaxInt64), LocalMerge: localMaxInt, GlobalMerge: globalMaxI64})
	Register(AggMax, types.T_float32, CalcDesc{IdentityBits: uint64(math.Float32bits(float32(math.Inf(-1)))), LocalMerge: localMaxF32, GlobalMerge: globalMaxF32})
	Register(AggMax, types.T_float64, CalcDesc{IdentityBits: math.Float64bits(math.Inf(-1)), LocalMerge: localMaxF64, GlobalMerge: globalMaxF64})

	Register(AggMin, types.T_int16, CalcDesc{IdentityBits: uint64(int64(math.MaxInt16)), LocalMerge: localMinInt, GlobalMerge: globalMinI16})
	Register(AggMin, types.T_int32, CalcDesc{IdentityBits: uint64(int64(math.MaxInt32)), LocalMerge: localMinInt, GlobalMerge: globalMinI32})
	Register(AggMin, types.T_int64, CalcDesc{IdentityBits: uint64(int64(math.MaxInt64)), LocalMerge: localMinInt, GlobalMerge: globalMinI64})
	Register(AggMin, types.T_float32, CalcDesc{IdentityBits: uint64(math.Float32bits(float32(math.Inf(1)))), LocalMerge: localMinF32, GlobalMerge: globalMinF32})
	Register(AggMin, types.T_float64, CalcDesc{IdentityBits: math.Float64bits(math.Inf(1)), LocalMerge: localMinF64, GlobalMerge: globalMinF64})
}
