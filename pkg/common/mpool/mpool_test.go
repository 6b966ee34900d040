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

package mpool

import (
	"sync"
	"testing"
	"unsafe"

	"github.com/stretchr/testify/require"

	"github.com/matrixorigin/preagg/pkg/common/moerr"
)

func TestMPool(t *testing.T) {
	m, err := NewMPool("test-mpool-small", NoCap)
	require.True(t, err == nil, "new mpool failed %v", err)

	nb0 := m.CurrNB()
	hw0 := m.Stats().HighWaterMark.Load()
	nalloc0 := m.Stats().NumAlloc.Load()
	nfree0 := m.Stats().NumFree.Load()

	require.True(t, nalloc0 == 0, "bad nalloc")
	require.True(t, nfree0 == 0, "bad nfree")

	for i := 1; i <= 10000; i++ {
		a, err := m.Alloc(i * 10)
		require.True(t, err == nil, "alloc failure, %v", err)
		require.True(t, len(a) == i*10, "allocation i size error")
		a[0] = 0xF0
		require.True(t, a[1] == 0, "allocation result not zeroed.")
		a[i*10-1] = 0xBA
		a, err = m.Realloc(a, i*20)
		require.True(t, err == nil, "realloc failure %v", err)
		require.True(t, len(a) == i*20, "allocation i size error")
		require.True(t, a[0] == 0xF0, "reallocation not copied")
		require.True(t, a[i*10-1] == 0xBA, "reallocation not copied")
		require.True(t, a[i*10] == 0, "reallocation not zeroed")
		require.True(t, a[i*20-1] == 0, "reallocation not zeroed")
		m.Free(a)
	}

	require.True(t, nb0 == m.CurrNB(), "leak")
	// 30 -- we realloc, therefore, 10 + 20, need alloc first, then copy.
	require.True(t, hw0+10000*30 == m.Stats().HighWaterMark.Load(), "hw")
	require.True(t, nalloc0+10000*2 == m.Stats().NumAlloc.Load(), "alloc")
	require.True(t, nalloc0-nfree0 == m.Stats().NumAlloc.Load()-m.Stats().NumFree.Load(), "free")
}

func TestMPoolAlignment(t *testing.T) {
	m := MustNewZero()
	for _, sz := range []int{1, 2, 7, 8, 9, 63, 64, 4096} {
		a, err := m.Alloc(sz)
		require.NoError(t, err)
		require.Equal(t, uintptr(0), uintptr(unsafe.Pointer(unsafe.SliceData(a)))%8)
		m.Free(a)
	}
	require.Equal(t, int64(0), m.CurrNB())
}

func TestMPoolCap(t *testing.T) {
	m, err := NewMPool("test-mpool-cap", 1024)
	require.NoError(t, err)

	a, err := m.Alloc(1000)
	require.NoError(t, err)

	_, err = m.Alloc(100)
	require.True(t, moerr.IsMoErrCode(err, moerr.ErrOOM), "want OOM, got %v", err)

	m.Free(a)
	b, err := m.Alloc(1024)
	require.NoError(t, err)
	m.Free(b)
}

func TestReportMemUsage(t *testing.T) {
	m, err := NewMPool("testreport", NoCap)
	require.True(t, err == nil, "new mpool failed %v", err)
	mem, err := m.Alloc(1000000)
	require.True(t, err == nil, "mpool alloc failed %v", err)

	j1 := ReportMemUsage("")
	j2 := ReportMemUsage("testreport")
	t.Logf("mem usage: %s", j1)
	t.Logf("testreport mem usage: %s", j2)

	m.Free(mem)
	require.Equal(t, int64(0), m.CurrNB())
	DeleteMPool(m)
}

// test race
func TestMP(t *testing.T) {
	pool, err := NewMPool("default", NoCap)
	if err != nil {
		panic(err)
	}
	var wg sync.WaitGroup
	run := func() {
		defer wg.Done()
		for i := 0; i < 1000; i++ {
			buf, err := pool.Alloc(10)
			if err != nil {
				panic(err)
			}
			pool.Free(buf)
		}
	}
	for i := 0; i < 800; i++ {
		wg.Add(1)
		go run()
	}
	wg.Wait()
	require.Equal(t, int64(0), pool.CurrNB())
}

func BenchmarkMP(b *testing.B) {
	pool, err := NewMPool("default", NoCap)
	if err != nil {
		panic(err)
	}
	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		var wg sync.WaitGroup
		run := func() {
			defer wg.Done()
			for i := 0; i < 1000; i++ {
				buf, err := pool.Alloc(8)
				if err != nil {
					panic(err)
				}
				pool.Free(buf)
			}
		}
		for i := 0; i < 800; i++ {
			wg.Add(1)
			go run()
		}
		wg.Wait()
	}
}
