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

// Package nulls wraps up functions for the manipulation of the bitmap library.
// A column stores all its NULL positions in one Nulls.
package nulls

import (
	"fmt"

	"github.com/matrixorigin/preagg/pkg/common/bitmap"
)

type Nulls struct {
	Np *bitmap.Bitmap
}

func (nsp *Nulls) Clone() *Nulls {
	if nsp == nil {
		return nil
	}
	if nsp.Np == nil {
		return &Nulls{Np: nil}
	}
	return &Nulls{
		Np: nsp.Np.Clone(),
	}
}

func NewWithSize(size int) *Nulls {
	var bm bitmap.Bitmap
	bm.InitWithSize(int64(size))
	return &Nulls{Np: &bm}
}

func Build(size int, rows ...uint64) *Nulls {
	nsp := NewWithSize(size)
	Add(nsp, rows...)
	return nsp
}

// Or performs union operation on Nulls nsp, m and stores the result in r.
func Or(nsp, m, r *Nulls) {
	if !Any(nsp) && !Any(m) {
		r.Np = nil
		return
	}
	var bm bitmap.Bitmap
	bm.InitWithSize(0)
	r.Np = &bm
	if Any(nsp) {
		r.Np.Or(nsp.Np)
	}
	if Any(m) {
		r.Np.Or(m.Np)
	}
}

func Reset(nsp *Nulls) {
	if nsp.Np != nil {
		nsp.Np.Clear()
	}
}

// Any returns true if any bit in the Nulls is set.
func Any(nsp *Nulls) bool {
	if nsp == nil || nsp.Np == nil {
		return false
	}
	return !nsp.Np.IsEmpty()
}

// Size estimates the memory usage of the Nulls.
func Size(nsp *Nulls) int {
	if nsp == nil || nsp.Np == nil {
		return 0
	}
	return nsp.Np.Size()
}

// Length returns the number of set rows in the Nulls.
func Length(nsp *Nulls) int {
	if nsp == nil || nsp.Np == nil {
		return 0
	}
	return nsp.Np.Count()
}

func String(nsp *Nulls) string {
	if nsp == nil || nsp.Np == nil {
		return "[]"
	}
	return fmt.Sprintf("%v", nsp.Np.ToArray())
}

func TryExpand(nsp *Nulls, size int) {
	if nsp.Np == nil {
		var bm bitmap.Bitmap
		bm.InitWithSize(int64(size))
		nsp.Np = &bm
		return
	}
	nsp.Np.TryExpandWithSize(size)
}

// Contains returns true if row is null.
func Contains(nsp *Nulls, row uint64) bool {
	return nsp != nil && nsp.Np != nil && nsp.Np.Contains(row)
}

func Add(nsp *Nulls, rows ...uint64) {
	if nsp == nil || len(rows) == 0 {
		return
	}
	TryExpand(nsp, int(rows[len(rows)-1])+1)
	nsp.Np.AddMany(rows)
}

func Del(nsp *Nulls, rows ...uint64) {
	if nsp == nil || nsp.Np == nil {
		return
	}
	for _, row := range rows {
		nsp.Np.Remove(row)
	}
}

// AtomicAdd marks a row null with concurrent writers on the column.
// The Nulls must already be sized to cover row.
func AtomicAdd(nsp *Nulls, row uint64) {
	nsp.Np.AtomicAdd(row)
}

// AtomicDel clears a row's null mark with concurrent writers on the column.
func AtomicDel(nsp *Nulls, row uint64) {
	if nsp == nil || nsp.Np == nil {
		return
	}
	nsp.Np.AtomicRemove(row)
}

// AtomicContains reads a row's null mark with concurrent writers on the column.
func AtomicContains(nsp *Nulls, row uint64) bool {
	return nsp != nil && nsp.Np != nil && nsp.Np.AtomicContains(row)
}

// Set stores the union of nsp and m in nsp.
func Set(nsp, m *Nulls) {
	if Any(m) {
		if nsp.Np == nil {
			var bm bitmap.Bitmap
			bm.InitWithSize(0)
			nsp.Np = &bm
		}
		nsp.Np.Or(m.Np)
	}
}

func (nsp *Nulls) Any() bool {
	return Any(nsp)
}

func (nsp *Nulls) Set(row uint64) {
	TryExpand(nsp, int(row)+1)
	nsp.Np.Add(row)
}

func (nsp *Nulls) Contains(row uint64) bool {
	return Contains(nsp, row)
}

func (nsp *Nulls) Count() int {
	return Length(nsp)
}

func (nsp *Nulls) IsSame(m *Nulls) bool {
	if nsp == m {
		return true
	}
	if nsp == nil || m == nil || nsp.Np == nil || m.Np == nil {
		return !Any(nsp) && !Any(m)
	}
	return nsp.Np.IsSame(m.Np)
}

func (nsp *Nulls) ToArray() []uint64 {
	if nsp == nil || nsp.Np == nil {
		return nil
	}
	return nsp.Np.ToArray()
}
