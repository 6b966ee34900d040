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

package nulls

import (
	"sync"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestNullsBasic(t *testing.T) {
	nsp := NewWithSize(100)
	require.False(t, Any(nsp))
	require.False(t, Contains(nsp, 3))

	Add(nsp, 3, 64, 99)
	require.True(t, Any(nsp))
	require.True(t, Contains(nsp, 3))
	require.True(t, Contains(nsp, 64))
	require.False(t, Contains(nsp, 4))
	require.Equal(t, 3, Length(nsp))
	require.Equal(t, "[3 64 99]", String(nsp))

	Del(nsp, 64)
	require.False(t, Contains(nsp, 64))
	require.Equal(t, 2, Length(nsp))

	Reset(nsp)
	require.False(t, Any(nsp))
}

func TestNullsNilSafety(t *testing.T) {
	var nsp *Nulls
	require.False(t, Any(nsp))
	require.False(t, Contains(nsp, 0))
	require.Equal(t, 0, Length(nsp))
	require.Equal(t, 0, Size(nsp))
	require.Nil(t, nsp.Clone())
	require.False(t, AtomicContains(nsp, 0))
	AtomicDel(nsp, 0)
	Del(nsp, 0)
}

func TestNullsBuildCloneSame(t *testing.T) {
	a := Build(100, 1, 2, 50)
	b := a.Clone()
	require.True(t, a.IsSame(b))
	require.Equal(t, []uint64{1, 2, 50}, b.ToArray())

	c := Build(100, 1, 2)
	require.False(t, a.IsSame(c))
}

func TestNullsOrSet(t *testing.T) {
	a := Build(100, 1, 2)
	b := Build(100, 2, 3)

	var r Nulls
	Or(a, b, &r)
	require.Equal(t, []uint64{1, 2, 3}, r.ToArray())

	Set(a, b)
	require.Equal(t, []uint64{1, 2, 3}, a.ToArray())

	var empty Nulls
	Or(nil, nil, &empty)
	require.False(t, empty.Any())
}

func TestNullsExpand(t *testing.T) {
	nsp := NewWithSize(10)
	nsp.Set(9)
	nsp.Set(200) // auto expands
	require.True(t, nsp.Contains(200))
	require.Equal(t, 2, nsp.Count())
}

func TestNullsAtomic(t *testing.T) {
	const n = 1 << 12
	nsp := NewWithSize(n)

	var wg sync.WaitGroup
	for g := 0; g < 8; g++ {
		wg.Add(1)
		go func(g int) {
			defer wg.Done()
			for i := g; i < n; i += 8 {
				AtomicAdd(nsp, uint64(i))
			}
		}(g)
	}
	wg.Wait()
	require.Equal(t, n, Length(nsp))

	for g := 0; g < 8; g++ {
		wg.Add(1)
		go func(g int) {
			defer wg.Done()
			for i := g; i < n; i += 8 {
				AtomicDel(nsp, uint64(i))
			}
		}(g)
	}
	wg.Wait()
	require.Equal(t, 0, Length(nsp))
}
