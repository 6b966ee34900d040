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
	"sync"
	"sync/atomic"
	"testing"

	"github.com/RoaringBitmap/roaring"
	"github.com/stretchr/testify/require"

	"github.com/matrixorigin/preagg/pkg/common/moerr"
)

func TestRowMapIdentity(t *testing.T) {
	m := NewRowMap(make([]int32, 8))
	require.True(t, m.IsIdentity())
	require.Equal(t, IdentityRows, m.NValids())
	require.Equal(t, int64(8), m.Rooms())
	require.Equal(t, int32(3), m.Get(3))
	require.Equal(t, int64(5), m.Count(5))

	var rows []int32
	m.Iterate(3, func(row int32) { rows = append(rows, row) })
	require.Equal(t, []int32{0, 1, 2}, rows)
}

func TestRowMapExplicit(t *testing.T) {
	m := NewRowMap(make([]int32, 4))
	m.Reset()
	require.False(t, m.IsIdentity())
	require.Equal(t, int64(0), m.Count(100))

	base, err := m.Reserve(2)
	require.NoError(t, err)
	require.Equal(t, int64(0), base)
	m.Set(0, 7)
	m.Set(1, 3)
	base, err = m.Reserve(2)
	require.NoError(t, err)
	require.Equal(t, int64(2), base)
	m.Set(2, 9)
	m.Set(3, 1)

	_, err = m.Reserve(1)
	require.True(t, moerr.IsMoErrCode(err, moerr.ErrNoSpace))
	require.Equal(t, int64(4), m.NValids())

	require.Equal(t, int32(9), m.Get(2))
	var rows []int32
	m.Iterate(100, func(row int32) { rows = append(rows, row) })
	require.Equal(t, []int32{7, 3, 9, 1}, rows)

	m.SetIdentity()
	require.True(t, m.IsIdentity())
}

// A failed reservation must leave the count untouched and grants never
// overlap, no matter how many reservers race.
func TestRowMapReserveRace(t *testing.T) {
	const rooms = 512
	m := NewRowMap(make([]int32, rooms))
	m.Reset()

	var seen [rooms]atomic.Int32
	var denied atomic.Int64
	var wg sync.WaitGroup
	for g := 0; g < 8; g++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for i := 0; i < 100; i++ {
				base, err := m.Reserve(1)
				if err != nil {
					denied.Add(1)
					continue
				}
				seen[base].Add(1)
			}
		}()
	}
	wg.Wait()

	require.Equal(t, int64(rooms), m.NValids())
	require.Equal(t, int64(8*100-rooms), denied.Load())
	for i := range seen {
		require.Equal(t, int32(1), seen[i].Load(), "entry %d", i)
	}
}

func TestRowMapBitmapRoundTrip(t *testing.T) {
	m := NewRowMap(make([]int32, 8))
	m.Reset()
	base, err := m.Reserve(3)
	require.NoError(t, err)
	m.Set(base, 6)
	m.Set(base+1, 2)
	m.Set(base+2, 4)

	bm := m.ToBitmap(0)
	require.Equal(t, uint64(3), bm.GetCardinality())
	require.True(t, bm.Contains(2) && bm.Contains(4) && bm.Contains(6))

	// loading sorts the rows ascending
	other := NewRowMap(make([]int32, 8))
	require.NoError(t, other.FromBitmap(bm))
	var rows []int32
	other.Iterate(0, func(row int32) { rows = append(rows, row) })
	require.Equal(t, []int32{2, 4, 6}, rows)

	small := NewRowMap(make([]int32, 2))
	err = small.FromBitmap(bm)
	require.True(t, moerr.IsMoErrCode(err, moerr.ErrNoSpace))
}

func TestRowMapIdentityBitmap(t *testing.T) {
	m := NewRowMap(make([]int32, 4))
	bm := m.ToBitmap(4)
	require.Equal(t, uint64(4), bm.GetCardinality())
	require.True(t, bm.Contains(0) && bm.Contains(3))

	require.NoError(t, m.FromBitmap(roaring.BitmapOf(1, 3)))
	require.False(t, m.IsIdentity())
	require.Equal(t, int64(2), m.NValids())
	require.Equal(t, int32(1), m.Get(0))
	require.Equal(t, int32(3), m.Get(1))
}
