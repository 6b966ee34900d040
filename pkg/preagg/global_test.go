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
	"context"
	"fmt"
	"sync/atomic"
	"testing"

	"github.com/lni/goutils/leaktest"
	"github.com/stretchr/testify/require"

	"github.com/matrixorigin/preagg/pkg/common/moerr"
	"github.com/matrixorigin/preagg/pkg/common/mpool"
	"github.com/matrixorigin/preagg/pkg/container/vector"
)

// With every key distinct, a repeated global pass finds nothing to
// merge: each row rediscovers its own claim and only the row map is
// rebuilt.
func TestGlobalReductionIdempotent(t *testing.T) {
	defer leaktest.AfterTest(t)()
	mp := mpool.MustNewZero()
	area := vector.NewArea()
	const nrows = 16
	keys := make([]string, nrows)
	vals := make([]int64, nrows)
	for i := range keys {
		keys[i] = fmt.Sprintf("k%02d", i)
		vals[i] = int64(i) * 3
	}
	bat := kvBatch(t, mp, area, keys, vals)
	ec := testEngine()

	job, err := NewJob(mp, &ec, bat, []int{0}, []AggDesc{{Col: 1, Op: AggSum}})
	require.NoError(t, err)
	ctx := context.Background()
	require.NoError(t, job.Preparation(ctx))
	require.NoError(t, job.ResetHashTable(ctx))
	require.NoError(t, job.LocalReduction(ctx))
	require.NoError(t, job.GlobalReduction(ctx))
	require.Equal(t, moerr.Ok, job.Control().Status())

	res := &Result{Batch: job.Dst(), RowMap: job.Control().RowMap()}
	first := sumsByKey(res)
	require.Len(t, first, nrows)

	job.Control().RowMap().Reset()
	require.NoError(t, job.GlobalReduction(ctx))
	require.Equal(t, moerr.Ok, job.Control().Status())
	require.Equal(t, int64(nrows), res.Rows())
	require.Equal(t, first, sumsByKey(res))

	job.Free()
	bat.Free(mp)
	area.Free(mp)
	require.Equal(t, int64(0), mp.CurrNB())
}

// ResetHashTable sweeps every slot even when the table is much larger
// than the reset grid.
func TestResetHashTableSweepsAllSlots(t *testing.T) {
	defer leaktest.AfterTest(t)()
	mp := mpool.MustNewZero()
	area := vector.NewArea()
	bat := kvBatch(t, mp, area, []string{"A", "B"}, []int64{1, 2})
	ec := testEngine()

	job, err := NewJob(mp, &ec, bat, []int{0}, []AggDesc{{Col: 1, Op: AggSum}},
		WithHashSize(4096))
	require.NoError(t, err)
	slots := job.Control().slots
	require.Len(t, slots, 4096)
	for i := range slots {
		atomic.StoreUint64(&slots[i], packSlot(uint32(i), uint32(i)))
	}
	job.Control().RowMap().setCount(7)

	require.NoError(t, job.ResetHashTable(context.Background()))
	for i := range slots {
		require.Equal(t, emptySlot, atomic.LoadUint64(&slots[i]), "slot %d", i)
	}
	require.Equal(t, int64(0), job.Control().RowMap().NValids())

	job.Free()
	bat.Free(mp)
	area.Free(mp)
	require.Equal(t, int64(0), mp.CurrNB())
}

// Back to back runs against one control block: ResetHashTable between
// them keeps the second run from seeing the first run's claims.
func TestConsecutiveManualRuns(t *testing.T) {
	defer leaktest.AfterTest(t)()
	mp := mpool.MustNewZero()
	area := vector.NewArea()
	bat := kvBatch(t, mp, area, []string{"A", "B", "A"}, []int64{1, 2, 4})
	ec := testEngine()

	job, err := NewJob(mp, &ec, bat, []int{0}, []AggDesc{{Col: 1, Op: AggSum}})
	require.NoError(t, err)
	ctx := context.Background()
	want := map[string]int64{"A": 5, "B": 2}

	for pass := 0; pass < 2; pass++ {
		job.Work().ResetRows()
		job.Dst().ResetRows()
		require.NoError(t, job.Preparation(ctx))
		require.NoError(t, job.ResetHashTable(ctx))
		require.NoError(t, job.LocalReduction(ctx))
		require.NoError(t, job.GlobalReduction(ctx))
		require.Equal(t, moerr.Ok, job.Control().Status(), "pass %d", pass)
		res := &Result{Batch: job.Dst(), RowMap: job.Control().RowMap()}
		require.Equal(t, want, sumsByKey(res), "pass %d", pass)
	}

	job.Free()
	bat.Free(mp)
	area.Free(mp)
	require.Equal(t, int64(0), mp.CurrNB())
}
