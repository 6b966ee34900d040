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

package mpool

import (
	"fmt"
	"sync"
	"sync/atomic"
	"unsafe"

	"github.com/matrixorigin/preagg/pkg/common/moerr"
)

const (
	NoCap = int64(0)

	// kMemHdrSz is the bookkeeping word in front of each allocation.
	// One word keeps the payload 8 byte aligned, which the atomic cell
	// operations of the reduction kernels depend on.
	kMemHdrSz = 8
)

// MPoolStats tracks allocation traffic of one pool.
type MPoolStats struct {
	NumAlloc      atomic.Int64
	NumFree       atomic.Int64
	NumAllocBytes atomic.Int64
	NumFreeBytes  atomic.Int64
	HighWaterMark atomic.Int64
}

func (s *MPoolStats) Report(tab string) string {
	if s.HighWaterMark.Load() == 0 {
		// empty, reduce noise.
		return ""
	}
	ret := ""
	ret += fmt.Sprintf("%s allocations : %d\n", tab, s.NumAlloc.Load())
	ret += fmt.Sprintf("%s frees : %d\n", tab, s.NumFree.Load())
	ret += fmt.Sprintf("%s alloc bytes : %d\n", tab, s.NumAllocBytes.Load())
	ret += fmt.Sprintf("%s free bytes : %d\n", tab, s.NumFreeBytes.Load())
	ret += fmt.Sprintf("%s high water mark : %d\n", tab, s.HighWaterMark.Load())
	return ret
}

// RecordAlloc records allocation of sz bytes and returns the current
// in use size.
func (s *MPoolStats) RecordAlloc(sz int64) int64 {
	s.NumAlloc.Add(1)
	s.NumAllocBytes.Add(sz)
	curr := s.NumAllocBytes.Load() - s.NumFreeBytes.Load()
	for {
		hwm := s.HighWaterMark.Load()
		if curr <= hwm {
			break
		}
		if s.HighWaterMark.CompareAndSwap(hwm, curr) {
			break
		}
	}
	return curr
}

func (s *MPoolStats) RecordFree(sz int64) int64 {
	s.NumFree.Add(1)
	s.NumFreeBytes.Add(sz)
	return s.NumAllocBytes.Load() - s.NumFreeBytes.Load()
}

// MPool is a capacity capped allocator.  All column buffers of a job
// come from one pool so a runaway query cannot eat the process.
// A zero (NoCap) capacity means no limit.
type MPool struct {
	tag   string
	cap   int64
	stats MPoolStats
}

var globalPools sync.Map

func NewMPool(tag string, cap int64) (*MPool, error) {
	if cap < 0 {
		return nil, moerr.NewInvalidInput("mpool cap %d", cap)
	}
	mp := &MPool{tag: tag, cap: cap}
	globalPools.Store(mp, struct{}{})
	return mp, nil
}

// MustNewZero returns an unlimited pool, for tests and tools.
func MustNewZero() *MPool {
	mp, err := NewMPool("zero-cap", NoCap)
	if err != nil {
		panic(err)
	}
	return mp
}

func MustNew(tag string) *MPool {
	mp, err := NewMPool(tag, NoCap)
	if err != nil {
		panic(err)
	}
	return mp
}

func DeleteMPool(mp *MPool) {
	if mp == nil {
		return
	}
	globalPools.Delete(mp)
}

func (mp *MPool) Tag() string {
	return mp.tag
}

func (mp *MPool) Cap() int64 {
	return mp.cap
}

func (mp *MPool) Stats() *MPoolStats {
	return &mp.stats
}

// CurrNB returns bytes currently held by callers of this pool.
func (mp *MPool) CurrNB() int64 {
	return mp.stats.NumAllocBytes.Load() - mp.stats.NumFreeBytes.Load()
}

// Alloc returns a zeroed, 8 byte aligned buffer of sz bytes.
func (mp *MPool) Alloc(sz int) ([]byte, error) {
	if sz < 0 {
		return nil, moerr.NewInvalidInput("mpool alloc size %d", sz)
	}
	if sz == 0 {
		return nil, nil
	}
	// reserve, then check, so that concurrent allocs cannot slip past cap.
	if curr := mp.stats.RecordAlloc(int64(sz)); mp.cap != NoCap && curr > mp.cap {
		mp.stats.RecordFree(int64(sz))
		return nil, moerr.NewOOM()
	}

	// backing array of uint64 guarantees the alignment of the payload.
	nwords := 1 + (sz+kMemHdrSz-1)/kMemHdrSz
	words := make([]uint64, nwords)
	words[0] = uint64(sz)
	return unsafe.Slice((*byte)(unsafe.Pointer(&words[1])), sz), nil
}

// Free returns a buffer obtained from Alloc.  Freeing nil is a noop.
// The buffer must be the exact value Alloc or Realloc returned.
func (mp *MPool) Free(bs []byte) {
	if bs == nil || cap(bs) == 0 {
		return
	}
	hdr := (*uint64)(unsafe.Add(unsafe.Pointer(unsafe.SliceData(bs)), -kMemHdrSz))
	sz := int64(*hdr)
	if sz <= 0 {
		panic(moerr.NewInternalError("mpool free of a foreign or double freed buffer"))
	}
	*hdr = 0
	mp.stats.RecordFree(sz)
}

// Realloc grows bs to newSz, copying content; the old buffer is freed.
func (mp *MPool) Realloc(bs []byte, newSz int) ([]byte, error) {
	if newSz <= cap(bs) {
		return bs[:newSz], nil
	}
	nbs, err := mp.Alloc(newSz)
	if err != nil {
		return nil, err
	}
	copy(nbs, bs)
	mp.Free(bs)
	return nbs, nil
}

// ReportMemUsage dumps stats of pools whose tag matches, or of every
// pool when tag is empty.
func ReportMemUsage(tag string) string {
	ret := ""
	globalPools.Range(func(k, _ any) bool {
		mp := k.(*MPool)
		if tag == "" || tag == mp.tag {
			ret += fmt.Sprintf("%s: in use %d\n%s", mp.tag, mp.CurrNB(), mp.stats.Report("    "))
		}
		return true
	})
	return ret
}
