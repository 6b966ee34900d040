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
	"math/rand"
	"testing"

	"github.com/lni/goutils/leaktest"
	"github.com/stretchr/testify/require"

	"github.com/matrixorigin/preagg/pkg/simt"
)

func TestStairlikeAdd(t *testing.T) {
	defer leaktest.AfterTest(t)()
	const groups = 4
	const l = 16
	rng := rand.New(rand.NewSource(3))
	vals := make([][]uint32, groups)
	for g := range vals {
		vals[g] = make([]uint32, l)
		for i := range vals[g] {
			vals[g][i] = uint32(rng.Intn(10))
		}
	}
	offsets := make([][]uint32, groups)
	totals := make([][]uint32, groups)
	for g := 0; g < groups; g++ {
		offsets[g] = make([]uint32, l)
		totals[g] = make([]uint32, l)
	}

	err := simt.Launch(context.Background(), nil, simt.Grid{Groups: groups, GroupSize: l},
		func(int) []uint32 { return make([]uint32, l) },
		func(w *simt.Worker, scan []uint32) {
			g, lid := w.GroupID(), w.LocalID()
			off, tot := stairlikeAdd(w, scan, vals[g][lid])
			offsets[g][lid] = off
			totals[g][lid] = tot
		})
	require.NoError(t, err)

	for g := 0; g < groups; g++ {
		var prefix uint32
		for i := 0; i < l; i++ {
			require.Equal(t, prefix, offsets[g][i], "group %d worker %d", g, i)
			prefix += vals[g][i]
		}
		for i := 0; i < l; i++ {
			// every worker sees the same group total
			require.Equal(t, prefix, totals[g][i], "group %d worker %d", g, i)
		}
	}
}

// All zeros is the degenerate case the kernels rely on when a group
// has no survivors: zero offsets, zero total.
func TestStairlikeAddAllZero(t *testing.T) {
	defer leaktest.AfterTest(t)()
	const l = 8
	err := simt.Launch(context.Background(), nil, simt.Grid{Groups: 1, GroupSize: l},
		func(int) []uint32 { return make([]uint32, l) },
		func(w *simt.Worker, scan []uint32) {
			off, tot := stairlikeAdd(w, scan, 0)
			require.Equal(t, uint32(0), off)
			require.Equal(t, uint32(0), tot)
		})
	require.NoError(t, err)
}

func TestStairlikeAddSingleWorker(t *testing.T) {
	defer leaktest.AfterTest(t)()
	err := simt.Launch(context.Background(), nil, simt.Grid{Groups: 1, GroupSize: 1},
		func(int) []uint32 { return make([]uint32, 1) },
		func(w *simt.Worker, scan []uint32) {
			off, tot := stairlikeAdd(w, scan, 5)
			require.Equal(t, uint32(0), off)
			require.Equal(t, uint32(5), tot)
		})
	require.NoError(t, err)
}
