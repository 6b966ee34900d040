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
	"sync/atomic"

	"github.com/RoaringBitmap/roaring"
	"github.com/matrixorigin/preagg/pkg/common/moerr"
)

// IdentityRows is the nvalids sentinel meaning "every row of the batch,
// in order".  A fresh row map starts there; reduction stages switch to
// an explicit index list.
const IdentityRows = int64(-1)

// RowMap names the live rows of a batch.  Either it is the identity
// (all rows valid, rindex unused) or rindex[0:nvalids] lists the valid
// row numbers.  The sort path reuses rindex as its permutation buffer
// before the map turns back into an explicit list or the identity.
type RowMap struct {
	nvalids int64
	rindex  []int32
}

// NewRowMap wraps an index buffer.  The map starts as the identity.
func NewRowMap(rindex []int32) *RowMap {
	return &RowMap{nvalids: IdentityRows, rindex: rindex}
}

// Rooms returns the capacity of the index buffer.
func (m *RowMap) Rooms() int64 {
	return int64(len(m.rindex))
}

// NValids returns the current count, or IdentityRows.
func (m *RowMap) NValids() int64 {
	return atomic.LoadInt64(&m.nvalids)
}

// IsIdentity reports whether the map currently means "all rows".
func (m *RowMap) IsIdentity() bool {
	return m.NValids() == IdentityRows
}

// SetIdentity resets the map to the identity.
func (m *RowMap) SetIdentity() {
	atomic.StoreInt64(&m.nvalids, IdentityRows)
}

// Reset empties the map so reservations start from zero.
func (m *RowMap) Reset() {
	atomic.StoreInt64(&m.nvalids, 0)
}

// setCount installs an explicit count after a kernel filled rindex
// directly instead of going through Reserve.
func (m *RowMap) setCount(n int64) {
	atomic.StoreInt64(&m.nvalids, n)
}

// Reserve claims n consecutive entries and returns the first index.
// The count never exceeds Rooms, not even transiently, so a concurrent
// reader always observes a well formed map.
func (m *RowMap) Reserve(n int64) (int64, error) {
	rooms := m.Rooms()
	for {
		cur := atomic.LoadInt64(&m.nvalids)
		if cur+n > rooms {
			return 0, moerr.NewNoSpace("row map is full")
		}
		if atomic.CompareAndSwapInt64(&m.nvalids, cur, cur+n) {
			return cur, nil
		}
	}
}

// Set stores a row number into a reserved entry.
func (m *RowMap) Set(i int64, row int32) {
	m.rindex[i] = row
}

// Get returns the i-th live row.  On the identity map that is i itself.
func (m *RowMap) Get(i int64) int32 {
	if m.IsIdentity() {
		return int32(i)
	}
	return m.rindex[i]
}

// Count returns the number of live rows; nrows is the batch row count
// used when the map is the identity.
func (m *RowMap) Count(nrows int64) int64 {
	if nv := m.NValids(); nv != IdentityRows {
		return nv
	}
	return nrows
}

// Iterate calls fn for every live row in order.
func (m *RowMap) Iterate(nrows int64, fn func(row int32)) {
	n := m.Count(nrows)
	if m.IsIdentity() {
		for i := int64(0); i < n; i++ {
			fn(int32(i))
		}
		return
	}
	for i := int64(0); i < n; i++ {
		fn(m.rindex[i])
	}
}

// ToBitmap exports the live set as a roaring bitmap, the interchange
// format used when handing row sets to other operators.
func (m *RowMap) ToBitmap(nrows int64) *roaring.Bitmap {
	bm := roaring.NewBitmap()
	m.Iterate(nrows, func(row int32) {
		bm.Add(uint32(row))
	})
	return bm
}

// FromBitmap loads the live set from a roaring bitmap.  The rows come
// out in ascending order, which keeps downstream scans sequential.
func (m *RowMap) FromBitmap(bm *roaring.Bitmap) error {
	n := int64(bm.GetCardinality())
	if n > m.Rooms() {
		return moerr.NewNoSpace("row map is too small for bitmap")
	}
	it := bm.Iterator()
	var i int64
	for it.HasNext() {
		m.rindex[i] = int32(it.Next())
		i++
	}
	atomic.StoreInt64(&m.nvalids, n)
	return nil
}
