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

// Package simt runs kernels over a grid of worker groups, the way a
// device runs thread blocks.  Workers of one group are goroutines that
// share a scratch value and synchronize through a group barrier;
// groups share nothing but the data the kernel closes over, plus
// atomics.  An ants pool bounds how many groups run at once.
package simt

import (
	"context"
	"sync"

	"github.com/panjf2000/ants/v2"

	"github.com/matrixorigin/preagg/pkg/common/moerr"
)

// Grid shapes one kernel invocation.
type Grid struct {
	Groups    int
	GroupSize int
}

// Grid1D covers n work items with groups of groupSize workers.  The
// last group runs with out-of-range workers; kernels guard on their
// item count.
func Grid1D(n, groupSize int) Grid {
	if n < 1 {
		n = 1
	}
	return Grid{
		Groups:    (n + groupSize - 1) / groupSize,
		GroupSize: groupSize,
	}
}

func (g Grid) GlobalSize() int {
	return g.Groups * g.GroupSize
}

func (g Grid) validate() error {
	if g.Groups < 1 || g.GroupSize < 1 {
		return moerr.NewInvalidInput("grid %dx%d", g.Groups, g.GroupSize)
	}
	return nil
}

// Worker is the per-goroutine view handed to a kernel.
type Worker struct {
	grid    Grid
	groupID int
	localID int
	bar     *Barrier
}

func (w *Worker) GlobalID() int   { return w.groupID*w.grid.GroupSize + w.localID }
func (w *Worker) LocalID() int    { return w.localID }
func (w *Worker) GroupID() int    { return w.groupID }
func (w *Worker) LocalSize() int  { return w.grid.GroupSize }
func (w *Worker) GlobalSize() int { return w.grid.GlobalSize() }

// Barrier blocks until every worker of this group arrives.
func (w *Worker) Barrier() { w.bar.Await() }

// Kernel runs once per work item.
type Kernel[S any] func(w *Worker, scratch S)

// Launch executes kern over the grid.  newScratch builds the value the
// workers of one group share.  When pool is nil every group gets its
// own goroutine immediately; otherwise groups are throttled through
// the pool.  ctx is consulted between group submissions only: started
// groups always run to completion.
func Launch[S any](ctx context.Context, pool *ants.Pool, grid Grid, newScratch func(groupID int) S, kern Kernel[S]) error {
	if err := grid.validate(); err != nil {
		return err
	}
	var wg sync.WaitGroup
	var submitErr error
	for gid := 0; gid < grid.Groups; gid++ {
		if err := ctx.Err(); err != nil {
			submitErr = err
			break
		}
		gid := gid
		wg.Add(1)
		task := func() {
			defer wg.Done()
			runGroup(grid, gid, newScratch, kern)
		}
		if pool == nil {
			go task()
			continue
		}
		if err := pool.Submit(task); err != nil {
			wg.Done()
			submitErr = err
			break
		}
	}
	wg.Wait()
	return submitErr
}

func runGroup[S any](grid Grid, groupID int, newScratch func(groupID int) S, kern Kernel[S]) {
	scratch := newScratch(groupID)
	bar := NewBarrier(grid.GroupSize)
	var wg sync.WaitGroup
	for lid := 0; lid < grid.GroupSize; lid++ {
		w := &Worker{grid: grid, groupID: groupID, localID: lid, bar: bar}
		wg.Add(1)
		go func() {
			defer wg.Done()
			kern(w, scratch)
		}()
	}
	wg.Wait()
}
