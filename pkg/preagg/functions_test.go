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
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/matrixorigin/preagg/pkg/common/moerr"
	"github.com/matrixorigin/preagg/pkg/common/mpool"
	"github.com/matrixorigin/preagg/pkg/container/batch"
	"github.com/matrixorigin/preagg/pkg/container/nulls"
	"github.com/matrixorigin/preagg/pkg/container/types"
	"github.com/matrixorigin/preagg/pkg/container/vector"
)

// mixedBatch builds a two key column batch: k1 int64, k2 varchar, v
// int64.  Row 3 carries a null k1 whose cell holds zero; rows 4 and 6
// carry a null k2.
func mixedBatch(t *testing.T, mp *mpool.MPool, area *vector.Area) *batch.Batch {
	t.Helper()
	bat, err := batch.New(mp, []string{"k1", "k2", "v"},
		[]types.Type{types.T_int64.ToType(), types.T_varchar.ToType(), types.T_int64.ToType()},
		area, 7)
	require.NoError(t, err)
	k1 := []int64{10, 10, 20, 0, 10, 10, 10}
	k2 := []string{"a", "a", "a", "a", "b", "b", "b"}
	v := []int64{1, 2, 3, 4, 5, 6, 7}
	for i := 0; i < 7; i++ {
		require.NoError(t, vector.SetFixedAt(bat.Vecs[0], i, k1[i]))
		require.NoError(t, bat.Vecs[1].SetBytesAt(i, []byte(k2[i]), mp))
		require.NoError(t, vector.SetFixedAt(bat.Vecs[2], i, v[i]))
	}
	nulls.Add(bat.Vecs[0].GetNulls(), 3)
	nulls.Add(bat.Vecs[1].GetNulls(), 4, 6)
	require.NoError(t, bat.AddRowsUnsafe(7))
	return bat
}

func mixedFunctions(t *testing.T, kind HashKind) *Functions {
	t.Helper()
	typs := []types.Type{types.T_int64.ToType(), types.T_varchar.ToType(), types.T_int64.ToType()}
	roles := []FieldRole{FieldGroupKey, FieldGroupKey, FieldAggFunc}
	fns, err := BuildFunctions(typs, roles, []AggDesc{{Col: 2, Op: AggSum}}, kind)
	require.NoError(t, err)
	return fns
}

func TestHashEqualRowsAgree(t *testing.T) {
	mp := mpool.MustNewZero()
	area := vector.NewArea()
	bat := mixedBatch(t, mp, area)
	// row 3 holds a zero cell under its null bit; dropping the bit
	// turns it into a genuine zero key
	zero := mixedBatch(t, mp, area)
	nulls.Del(zero.Vecs[0].GetNulls(), 3)
	defer func() {
		zero.Free(mp)
		bat.Free(mp)
		area.Free(mp)
		require.Equal(t, int64(0), mp.CurrNB())
	}()

	for _, kind := range []HashKind{HashCRC32C, HashMurmur3} {
		fns := mixedFunctions(t, kind)
		// rows 0 and 1 share both keys
		require.Equal(t, fns.Hash(bat, 0), fns.Hash(bat, 1), "kind %d", kind)
		// rows 4 and 6 agree too: equal k1, null k2 on both
		require.Equal(t, fns.Hash(bat, 4), fns.Hash(bat, 6), "kind %d", kind)
		// a null key must not hash like the zero value
		require.NotEqual(t, fns.Hash(bat, 3), fns.Hash(zero, 3), "kind %d", kind)
	}
}

func TestKeyCompOrdering(t *testing.T) {
	mp := mpool.MustNewZero()
	area := vector.NewArea()
	bat := mixedBatch(t, mp, area)
	defer func() {
		bat.Free(mp)
		area.Free(mp)
		require.Equal(t, int64(0), mp.CurrNB())
	}()
	fns := mixedFunctions(t, HashCRC32C)

	// same row shortcut and genuine equality
	require.Zero(t, fns.KeyComp(bat, 2, 2))
	require.Zero(t, fns.KeyComp(bat, 0, 1))

	// first key decides, second breaks the tie
	require.Negative(t, fns.KeyComp(bat, 0, 2))
	require.Positive(t, fns.KeyComp(bat, 2, 0))
	require.Negative(t, fns.KeyComp(bat, 0, 5))

	// a null sorts after every value, two nulls compare equal
	require.Negative(t, fns.KeyComp(bat, 0, 3))
	require.Positive(t, fns.KeyComp(bat, 3, 0))
	require.Positive(t, fns.KeyComp(bat, 4, 0))
	require.Zero(t, fns.KeyComp(bat, 4, 6))
}

func TestLoadStoreDatum(t *testing.T) {
	mp := mpool.MustNewZero()
	area := vector.NewArea()
	bat := mixedBatch(t, mp, area)
	defer func() {
		bat.Free(mp)
		area.Free(mp)
		require.Equal(t, int64(0), mp.CurrNB())
	}()
	typs := []types.Type{types.T_int64.ToType(), types.T_varchar.ToType(), types.T_int64.ToType()}
	roles := []FieldRole{FieldGroupKey, FieldGroupKey, FieldAggFunc}
	fns, err := BuildFunctions(typs, roles, []AggDesc{{Col: 2, Op: AggMin}}, HashCRC32C)
	require.NoError(t, err)

	var d AggDatum
	require.Equal(t, moerr.Ok, fns.Load(bat, 2, 2, &d))
	require.Zero(t, d.IsNull)
	require.Equal(t, uint64(3), d.Bits)

	// a null cell loads as the operator identity with the null flag up
	nulls.Add(bat.Vecs[2].GetNulls(), 0)
	require.Equal(t, moerr.Ok, fns.Load(bat, 2, 0, &d))
	require.EqualValues(t, 1, d.IsNull)
	require.Equal(t, uint64(math.MaxInt64), d.Bits)

	// storing a null lane writes the identity bits and the null bit
	require.Equal(t, moerr.Ok, fns.Store(bat, 2, 5, &d))
	require.True(t, nulls.Contains(bat.Vecs[2].GetNulls(), 5))
	require.Equal(t, int64(math.MaxInt64), vector.GetFixedAt[int64](bat.Vecs[2], 5))

	// storing a value lane clears the null bit again
	d.IsNull = 0
	neg7 := int64(-7)
	d.Bits = uint64(neg7)
	require.Equal(t, moerr.Ok, fns.Store(bat, 2, 5, &d))
	require.False(t, nulls.Contains(bat.Vecs[2].GetNulls(), 5))
	require.Equal(t, int64(-7), vector.GetFixedAt[int64](bat.Vecs[2], 5))
}

func TestMoveCopiesCellAndNull(t *testing.T) {
	mp := mpool.MustNewZero()
	area := vector.NewArea()
	src := mixedBatch(t, mp, area)
	typs := []types.Type{types.T_int64.ToType(), types.T_varchar.ToType(), types.T_int64.ToType()}
	dst, err := batch.New(mp, []string{"k1", "k2", "v"}, typs, area, 6)
	require.NoError(t, err)
	defer func() {
		dst.Free(mp)
		src.Free(mp)
		area.Free(mp)
		require.Equal(t, int64(0), mp.CurrNB())
	}()
	fns := mixedFunctions(t, HashCRC32C)

	for col := 0; col < 3; col++ {
		require.Equal(t, moerr.Ok, fns.Move(src, 4, dst, 0, col))
	}
	require.Equal(t, int64(10), vector.GetFixedAt[int64](dst.Vecs[0], 0))
	require.True(t, nulls.Contains(dst.Vecs[1].GetNulls(), 0))
	require.Equal(t, int64(5), vector.GetFixedAt[int64](dst.Vecs[2], 0))

	// varchar moves share the area, so the descriptor alone crosses
	require.Equal(t, moerr.Ok, fns.Move(src, 2, dst, 1, 1))
	require.Equal(t, "a", dst.Vecs[1].GetString(1))
	require.False(t, nulls.Contains(dst.Vecs[1].GetNulls(), 1))
}

func TestProjectCopiesWholeRow(t *testing.T) {
	mp := mpool.MustNewZero()
	area := vector.NewArea()
	src := mixedBatch(t, mp, area)
	typs := []types.Type{types.T_int64.ToType(), types.T_varchar.ToType(), types.T_int64.ToType()}
	dst, err := batch.New(mp, []string{"k1", "k2", "v"}, typs, area, 6)
	require.NoError(t, err)
	defer func() {
		dst.Free(mp)
		src.Free(mp)
		area.Free(mp)
		require.Equal(t, int64(0), mp.CurrNB())
	}()
	fns := mixedFunctions(t, HashCRC32C)

	require.Equal(t, moerr.Ok, fns.Project(src, 3, dst, 0))
	require.True(t, nulls.Contains(dst.Vecs[0].GetNulls(), 0))
	require.Equal(t, "a", dst.Vecs[1].GetString(0))
	require.Equal(t, int64(4), vector.GetFixedAt[int64](dst.Vecs[2], 0))
}

func TestBuildFunctionsValidation(t *testing.T) {
	i64 := types.T_int64.ToType()
	str := types.T_varchar.ToType()

	_, err := BuildFunctions([]types.Type{i64}, []FieldRole{FieldGroupKey, FieldAggFunc}, nil, HashCRC32C)
	require.True(t, moerr.IsMoErrCode(err, moerr.ErrInvalidInput))

	// an aggfunc column with no operator
	_, err = BuildFunctions([]types.Type{i64}, []FieldRole{FieldAggFunc}, nil, HashCRC32C)
	require.True(t, moerr.IsMoErrCode(err, moerr.ErrInvalidInput))

	// an operator bound to a non aggfunc column
	_, err = BuildFunctions([]types.Type{i64}, []FieldRole{FieldGroupKey},
		[]AggDesc{{Col: 0, Op: AggSum}}, HashCRC32C)
	require.True(t, moerr.IsMoErrCode(err, moerr.ErrInvalidInput))

	// aggregates need a fixed size numeric column
	_, err = BuildFunctions([]types.Type{str}, []FieldRole{FieldAggFunc},
		[]AggDesc{{Col: 0, Op: AggSum}}, HashCRC32C)
	require.True(t, moerr.IsMoErrCode(err, moerr.ErrInvalidInput))

	// out of range column and unknown role
	_, err = BuildFunctions([]types.Type{i64}, []FieldRole{FieldUnused},
		[]AggDesc{{Col: 3, Op: AggSum}}, HashCRC32C)
	require.True(t, moerr.IsMoErrCode(err, moerr.ErrInvalidInput))
	_, err = BuildFunctions([]types.Type{i64}, []FieldRole{FieldRole(7)}, nil, HashCRC32C)
	require.True(t, moerr.IsMoErrCode(err, moerr.ErrInvalidInput))

	// unknown hash kind
	_, err = BuildFunctions([]types.Type{i64}, []FieldRole{FieldGroupKey}, nil, HashKind(9))
	require.True(t, moerr.IsMoErrCode(err, moerr.ErrInvalidInput))
}

func TestKeyAndAggColumns(t *testing.T) {
	roles := []FieldRole{FieldAggFunc, FieldGroupKey, FieldUnused, FieldGroupKey}
	require.Equal(t, []int{1, 3}, KeyColumns(roles))
	require.Equal(t, []int{0}, AggColumns(roles))
	require.Nil(t, KeyColumns([]FieldRole{FieldUnused}))
	require.Nil(t, AggColumns(nil))
}
