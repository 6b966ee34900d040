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
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/matrixorigin/preagg/pkg/common/mpool"
	"github.com/matrixorigin/preagg/pkg/container/batch"
	"github.com/matrixorigin/preagg/pkg/container/nulls"
	"github.com/matrixorigin/preagg/pkg/container/types"
	"github.com/matrixorigin/preagg/pkg/container/vector"
)

func TestGroupEstimatorAccuracy(t *testing.T) {
	mp := mpool.MustNewZero()
	keys := make([]int64, 1000)
	vals := make([]int64, 1000)
	for i := range keys {
		keys[i] = int64(i % 100)
	}
	bat := i64Batch(t, mp, keys, vals)
	defer func() {
		bat.Free(mp)
		require.Equal(t, int64(0), mp.CurrNB())
	}()

	est := NewGroupEstimator([]int{0})
	est.Observe(bat, -1)
	require.InDelta(t, 100, float64(est.Estimate()), 3)
}

func TestGroupEstimatorObserveLimit(t *testing.T) {
	mp := mpool.MustNewZero()
	keys := []int64{0, 1, 2, 3, 4, 5, 6, 7, 8, 9}
	bat := i64Batch(t, mp, keys, make([]int64, 10))
	defer func() {
		bat.Free(mp)
		require.Equal(t, int64(0), mp.CurrNB())
	}()

	est := NewGroupEstimator([]int{0})
	est.Observe(bat, 3)
	require.EqualValues(t, 3, est.Estimate())

	// feeding the rest on top of the sample is fine
	est.Observe(bat, 100)
	require.EqualValues(t, 10, est.Estimate())
}

// Adjacent varchar keys must not blur together: ("ab","c") and
// ("a","bc") are different groups.
func TestGroupEstimatorKeyBoundaries(t *testing.T) {
	mp := mpool.MustNewZero()
	area := vector.NewArea()
	bat, err := batch.New(mp, []string{"a", "b"},
		[]types.Type{types.T_varchar.ToType(), types.T_varchar.ToType()}, area, 2)
	require.NoError(t, err)
	defer func() {
		bat.Free(mp)
		area.Free(mp)
		require.Equal(t, int64(0), mp.CurrNB())
	}()
	require.NoError(t, bat.Vecs[0].SetBytesAt(0, []byte("ab"), mp))
	require.NoError(t, bat.Vecs[1].SetBytesAt(0, []byte("c"), mp))
	require.NoError(t, bat.Vecs[0].SetBytesAt(1, []byte("a"), mp))
	require.NoError(t, bat.Vecs[1].SetBytesAt(1, []byte("bc"), mp))
	require.NoError(t, bat.AddRowsUnsafe(2))

	est := NewGroupEstimator([]int{0, 1})
	est.Observe(bat, -1)
	require.EqualValues(t, 2, est.Estimate())
}

func TestGroupEstimatorNullIsNotZero(t *testing.T) {
	mp := mpool.MustNewZero()
	bat := i64Batch(t, mp, []int64{0, 0}, []int64{0, 0})
	defer func() {
		bat.Free(mp)
		require.Equal(t, int64(0), mp.CurrNB())
	}()
	nulls.Add(bat.Vecs[0].GetNulls(), 1)

	est := NewGroupEstimator([]int{0})
	est.Observe(bat, -1)
	require.EqualValues(t, 2, est.Estimate())
}

func TestGroupEstimatorMarshal(t *testing.T) {
	mp := mpool.MustNewZero()
	keys := []int64{1, 2, 3, 4, 5}
	bat := i64Batch(t, mp, keys, make([]int64, 5))
	defer func() {
		bat.Free(mp)
		require.Equal(t, int64(0), mp.CurrNB())
	}()

	est := NewGroupEstimator([]int{0})
	est.Observe(bat, -1)
	data, err := est.Marshal()
	require.NoError(t, err)

	fresh := NewGroupEstimator([]int{0})
	require.NoError(t, fresh.Unmarshal(data))
	require.Equal(t, est.Estimate(), fresh.Estimate())

	// a failed unmarshal leaves the sketch in place
	require.Error(t, fresh.Unmarshal([]byte{0x01, 0x02, 0x03}))
	require.Equal(t, est.Estimate(), fresh.Estimate())
}

func TestSuggestHashSize(t *testing.T) {
	require.EqualValues(t, minHashSize, SuggestHashSize(0))
	require.EqualValues(t, minHashSize, SuggestHashSize(512))
	require.EqualValues(t, 2048, SuggestHashSize(600))
	require.EqualValues(t, 4096, SuggestHashSize(2000))
	require.EqualValues(t, uint32(1)<<30, SuggestHashSize(1<<40))
}
