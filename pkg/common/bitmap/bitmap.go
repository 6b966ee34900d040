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

package bitmap

import (
	"fmt"
	"math/bits"
	"sync/atomic"
)

//
// In case len is not multiple of 64, the code below assumes the trailing
// bits of the last uint64 are zero.
//

const (
	kEmptyFlagEmpty    int32 = 0
	kEmptyFlagNotEmpty int32 = 1
	kEmptyFlagUnknown  int32 = 2
)

// Bitmap is a fixed length bit set over an array of words.  Add and
// Remove are single writer; the Atomic forms are safe for concurrent
// writers and are what the reduction kernels use when many workers
// touch one null set.
type Bitmap struct {
	len       int64
	emptyFlag atomic.Int32
	data      []uint64
}

type Iterator interface {
	HasNext() bool
	PeekNext() uint64
	Next() uint64
}

type BitmapIterator struct {
	i       uint64
	bm      *Bitmap
	hasNext bool
}

func New() Bitmap {
	return Bitmap{}
}

func (n *Bitmap) InitWith(other *Bitmap) {
	n.len = other.len
	n.emptyFlag.Store(other.emptyFlag.Load())
	n.data = append([]uint64(nil), other.data...)
}

func (n *Bitmap) InitWithSize(len int64) {
	n.len = len
	n.emptyFlag.Store(kEmptyFlagEmpty)
	n.data = make([]uint64, (len+63)/64)
}

func (n *Bitmap) Clone() *Bitmap {
	if n == nil {
		return nil
	}
	var ret Bitmap
	ret.InitWith(n)
	return &ret
}

func (n *Bitmap) Iterator() Iterator {
	itr := BitmapIterator{i: 0, bm: n}
	if first, has := itr.next(0); has {
		itr.i = first
		itr.hasNext = true
		return &itr
	}
	itr.hasNext = false
	return &itr
}

// next scans for the first set bit at position >= i, word at a time.
func (itr *BitmapIterator) next(i uint64) (uint64, bool) {
	nwords := uint64((itr.bm.len + 63) / 64)
	word := i >> 6
	mask := ^uint64(0) << (i & 0x3F)
	for ; word < nwords; word++ {
		if w := itr.bm.data[word] & mask; w != 0 {
			return uint64(bits.TrailingZeros64(w)) + word*64, true
		}
		mask = ^uint64(0)
	}
	return 0, false
}

func (itr *BitmapIterator) HasNext() bool {
	return itr.hasNext
}

func (itr *BitmapIterator) PeekNext() uint64 {
	if itr.hasNext {
		return itr.i
	}
	return 0
}

func (itr *BitmapIterator) Next() uint64 {
	pos := itr.i
	if next, has := itr.next(itr.i + 1); has {
		itr.i = next
		itr.hasNext = true
		return pos
	}
	itr.hasNext = false
	return pos
}

// Reset sets n.data to nil.
func (n *Bitmap) Reset() {
	n.len = 0
	n.emptyFlag.Store(kEmptyFlagEmpty)
	n.data = nil
}

// Clear zeroes all bits keeping the length.
func (n *Bitmap) Clear() {
	for i := range n.data {
		n.data[i] = 0
	}
	n.emptyFlag.Store(kEmptyFlagEmpty)
}

// Len returns the number of bits in the Bitmap.
func (n *Bitmap) Len() int64 {
	return n.len
}

// Size returns the number of bytes in n.data.
func (n *Bitmap) Size() int {
	return len(n.data) * 8
}

// EmptyByFlag is a quick and dirty way to check if the bitmap is empty.
// If it returns true, the bitmap is empty.  Otherwise, it may or may not be.
func (n *Bitmap) EmptyByFlag() bool {
	return n == nil || n.emptyFlag.Load() == kEmptyFlagEmpty || len(n.data) == 0
}

// IsEmpty returns true if no bit in the Bitmap is set.
func (n *Bitmap) IsEmpty() bool {
	flag := n.emptyFlag.Load()
	if flag == kEmptyFlagEmpty {
		return true
	} else if flag == kEmptyFlagNotEmpty {
		return false
	}
	for i := 0; i < len(n.data); i++ {
		if n.data[i] != 0 {
			n.emptyFlag.Store(kEmptyFlagNotEmpty)
			return false
		}
	}
	n.emptyFlag.Store(kEmptyFlagEmpty)
	return true
}

// We always assume that bitmap has been extended to at least row.
func (n *Bitmap) Add(row uint64) {
	n.data[row>>6] |= 1 << (row & 0x3F)
	n.emptyFlag.Store(kEmptyFlagNotEmpty)
}

func (n *Bitmap) AddMany(rows []uint64) {
	for _, row := range rows {
		n.data[row>>6] |= 1 << (row & 0x3F)
	}
	n.emptyFlag.Store(kEmptyFlagNotEmpty)
}

func (n *Bitmap) Remove(row uint64) {
	if row >= uint64(n.len) {
		return
	}
	n.data[row>>6] &^= uint64(1) << (row & 0x3F)
	n.emptyFlag.CompareAndSwap(kEmptyFlagNotEmpty, kEmptyFlagUnknown)
}

// AtomicAdd sets a bit with concurrent writers on the same word.
func (n *Bitmap) AtomicAdd(row uint64) {
	// atomic.OrUint64 needs go1.23; CAS loop is its documented equivalent.
	p := &n.data[row>>6]
	mask := uint64(1) << (row & 0x3F)
	for {
		old := atomic.LoadUint64(p)
		if atomic.CompareAndSwapUint64(p, old, old|mask) {
			break
		}
	}
	n.emptyFlag.Store(kEmptyFlagNotEmpty)
}

// AtomicRemove clears a bit with concurrent writers on the same word.
func (n *Bitmap) AtomicRemove(row uint64) {
	if row >= uint64(n.len) {
		return
	}
	// atomic.AndUint64 needs go1.23; CAS loop is its documented equivalent.
	p := &n.data[row>>6]
	mask := ^(uint64(1) << (row & 0x3F))
	for {
		old := atomic.LoadUint64(p)
		if atomic.CompareAndSwapUint64(p, old, old&mask) {
			break
		}
	}
	n.emptyFlag.CompareAndSwap(kEmptyFlagNotEmpty, kEmptyFlagUnknown)
}

// AtomicContains reads a bit with concurrent writers on the same word.
func (n *Bitmap) AtomicContains(row uint64) bool {
	if row >= uint64(n.len) {
		return false
	}
	return (atomic.LoadUint64(&n.data[row>>6]) & (1 << (row & 0x3F))) != 0
}

// Contains returns true if the row is contained in the Bitmap.
func (n *Bitmap) Contains(row uint64) bool {
	if row >= uint64(n.len) {
		return false
	}
	return (n.data[row>>6] & (1 << (row & 0x3F))) != 0
}

func (n *Bitmap) IsSame(m *Bitmap) bool {
	if n.len != m.len || len(n.data) != len(m.data) {
		return false
	}
	for i := 0; i < len(n.data); i++ {
		if n.data[i] != m.data[i] {
			return false
		}
	}
	return true
}

func (n *Bitmap) Or(m *Bitmap) {
	n.TryExpand(m)
	for i := 0; i < len(m.data); i++ {
		n.data[i] |= m.data[i]
	}
	n.emptyFlag.Store(kEmptyFlagUnknown)
}

func (n *Bitmap) And(m *Bitmap) {
	n.TryExpand(m)
	size := len(m.data)
	for i := 0; i < size; i++ {
		n.data[i] &= m.data[i]
	}
	for i := size; i < len(n.data); i++ {
		n.data[i] = 0
	}
	n.emptyFlag.Store(kEmptyFlagUnknown)
}

func (n *Bitmap) TryExpand(m *Bitmap) {
	n.TryExpandWithSize(int(m.len))
}

func (n *Bitmap) TryExpandWithSize(size int) {
	if int(n.len) >= size {
		return
	}
	newCap := (size + 63) / 64
	n.len = int64(size)
	if newCap > cap(n.data) {
		data := make([]uint64, newCap)
		copy(data, n.data)
		n.data = data
		return
	}
	old := len(n.data)
	n.data = n.data[:newCap]
	for i := old; i < newCap; i++ {
		n.data[i] = 0
	}
}

func (n *Bitmap) Count() int {
	var cnt int
	for i := 0; i < len(n.data); i++ {
		cnt += bits.OnesCount64(n.data[i])
	}
	return cnt
}

func (n *Bitmap) ToArray() []uint64 {
	var rows []uint64
	if n.EmptyByFlag() {
		return rows
	}
	for itr := n.Iterator(); itr.HasNext(); {
		rows = append(rows, itr.Next())
	}
	return rows
}

func (n *Bitmap) String() string {
	return fmt.Sprintf("%v", n.ToArray())
}
