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

	"go.uber.org/zap"
	"golang.org/x/sys/cpu"

	"github.com/matrixorigin/preagg/pkg/common/moerr"
	"github.com/matrixorigin/preagg/pkg/logutil"
	"github.com/matrixorigin/preagg/pkg/simt"
)

// The sort fallback orders the row index with a bitonic network and
// then folds adjacent runs of equal keys.  A sort partition holds two
// rows per worker; partitions are sorted in scratch, larger spans are
// merged with host sequenced exchange passes over the shared index.
//
// The network compares ascending and leaves rows beyond the input
// untouched.  Because an exchange always points from the lower to the
// higher slot, those virtual trailing slots behave like +inf keys and
// never migrate into the live prefix, so inputs need not be a power of
// two.

func pow2ceil(n int) int {
	p := 1
	for p < n {
		p <<= 1
	}
	return p
}

// swapDisordered exchanges two index entries when the lower one sorts
// after the higher one.
func (j *Job) swapDisordered(idx []int32, x, y int) {
	p, q := idx[x], idx[y]
	if j.fns.KeyComp(j.work, int64(p), int64(q)) > 0 {
		idx[x], idx[y] = q, p
	}
}

// SetRIndex fills the row index with the identity permutation.  It
// replaces the whole sort when there is nothing to order, as with
// grand aggregates that have no group keys.
func (j *Job) SetRIndex(ctx context.Context) error {
	nrows := j.work.Rows()
	rmap := j.ctl.RowMap()
	if nrows > rmap.Rooms() {
		return moerr.NewNoSpace("row index holds %d rows, sort needs %d", rmap.Rooms(), nrows)
	}
	grid := simt.Grid1D(int(nrows), j.groupSize)
	rindex := rmap.rindex
	err := simt.Launch(ctx, j.pool, grid, func(int) struct{} { return struct{}{} }, func(w *simt.Worker, _ struct{}) {
		if gid := int64(w.GlobalID()); gid < nrows {
			rindex[gid] = int32(gid)
		}
	})
	if err != nil {
		return err
	}
	rmap.setCount(nrows)
	logutil.Debug("preagg: set rindex", zap.Int64("rows", nrows))
	return nil
}

type sortScratch struct {
	idx []int32
}

// SortLocal sorts every partition of the row index in scratch with a
// full bitonic network.  Each group loads two identity entries per
// worker, runs the ascending network and writes the ordered partition
// back.
func (j *Job) SortLocal(ctx context.Context) error {
	nrows := int(j.work.Rows())
	rmap := j.ctl.RowMap()
	if int64(nrows) > rmap.Rooms() {
		return moerr.NewNoSpace("row index holds %d rows, sort needs %d", rmap.Rooms(), nrows)
	}
	l := j.groupSize
	prt := 2 * l
	groups := (nrows + prt - 1) / prt
	if groups < 1 {
		groups = 1
	}
	grid := simt.Grid{Groups: groups, GroupSize: l}
	rindex := rmap.rindex
	newScratch := func(int) *sortScratch {
		return &sortScratch{idx: make([]int32, prt)}
	}
	err := simt.Launch(ctx, j.pool, grid, newScratch, func(w *simt.Worker, scr *sortScratch) {
		lid := w.LocalID()
		prtPos := w.GroupID() * prt
		localEntry := nrows - prtPos
		if localEntry > prt {
			localEntry = prt
		}
		if lid < localEntry {
			scr.idx[lid] = int32(prtPos + lid)
		}
		if l+lid < localEntry {
			scr.idx[l+lid] = int32(prtPos + l + lid)
		}
		w.Barrier()

		for blockSize := 2; blockSize <= prt; blockSize <<= 1 {
			for unitSize := blockSize; unitSize >= 2; unitSize >>= 1 {
				half := unitSize >> 1
				idx0 := (lid/half)*unitSize + lid%half
				idx1 := idx0 + half
				if unitSize == blockSize {
					// First pass of a block merges two runs sorted in
					// opposite directions: mirror the partner within
					// the unit.
					mask := unitSize - 1
					idx1 = (idx0 &^ mask) | (^idx0 & mask)
				}
				if idx1 < localEntry {
					j.swapDisordered(scr.idx, idx0, idx1)
				}
				w.Barrier()
			}
		}

		if lid < localEntry {
			rindex[prtPos+lid] = scr.idx[lid]
		}
		if l+lid < localEntry {
			rindex[prtPos+l+lid] = scr.idx[l+lid]
		}
	})
	if err != nil {
		return err
	}
	rmap.setCount(int64(nrows))
	logutil.Debug("preagg: sort local",
		zap.Int("partitions", groups),
		zap.Int("partitionSize", prt),
		zap.Int("rows", nrows))
	return nil
}

// SortStep runs one exchange pass of the bitonic network over the whole
// row index.  The host sequences the passes: for every block span it
// calls the reversing pass first, then the halving passes down to the
// partition size, and SortMerge finishes the rest in scratch.
func (j *Job) SortStep(ctx context.Context, unitSize int, reversing bool) error {
	if unitSize < 2 || unitSize&(unitSize-1) != 0 {
		return moerr.NewInvalidInput("sort step unit %d is not a power of two", unitSize)
	}
	nrows := int(j.work.Rows())
	half := unitSize >> 1
	pairs := pow2ceil(nrows) >> 1
	grid := simt.Grid1D(pairs, j.groupSize)
	rindex := j.ctl.RowMap().rindex
	err := simt.Launch(ctx, j.pool, grid, func(int) struct{} { return struct{}{} }, func(w *simt.Worker, _ struct{}) {
		gid := w.GlobalID()
		if gid >= pairs {
			return
		}
		idx0 := (gid/half)*unitSize + gid%half
		idx1 := idx0 + half
		if reversing {
			mask := unitSize - 1
			idx1 = (idx0 &^ mask) | (^idx0 & mask)
		}
		if idx1 < nrows {
			j.swapDisordered(rindex, idx0, idx1)
		}
	})
	if err != nil {
		return err
	}
	logutil.Debug("preagg: sort step",
		zap.Int("unit", unitSize),
		zap.Bool("reversing", reversing))
	return nil
}

// SortMerge finishes a block merge inside scratch: every partition
// loads its slice of the row index and runs the halving passes from the
// partition size down, all non-reversing.
func (j *Job) SortMerge(ctx context.Context) error {
	nrows := int(j.work.Rows())
	l := j.groupSize
	prt := 2 * l
	groups := (nrows + prt - 1) / prt
	if groups < 1 {
		groups = 1
	}
	grid := simt.Grid{Groups: groups, GroupSize: l}
	rindex := j.ctl.RowMap().rindex
	newScratch := func(int) *sortScratch {
		return &sortScratch{idx: make([]int32, prt)}
	}
	err := simt.Launch(ctx, j.pool, grid, newScratch, func(w *simt.Worker, scr *sortScratch) {
		lid := w.LocalID()
		prtPos := w.GroupID() * prt
		localEntry := nrows - prtPos
		if localEntry > prt {
			localEntry = prt
		}
		if lid < localEntry {
			scr.idx[lid] = rindex[prtPos+lid]
		}
		if l+lid < localEntry {
			scr.idx[l+lid] = rindex[prtPos+l+lid]
		}
		w.Barrier()

		for unitSize := prt; unitSize >= 2; unitSize >>= 1 {
			half := unitSize >> 1
			idx0 := (lid/half)*unitSize + lid%half
			idx1 := idx0 + half
			if idx1 < localEntry {
				j.swapDisordered(scr.idx, idx0, idx1)
			}
			w.Barrier()
		}

		if lid < localEntry {
			rindex[prtPos+lid] = scr.idx[lid]
		}
		if l+lid < localEntry {
			rindex[prtPos+l+lid] = scr.idx[l+lid]
		}
	})
	if err != nil {
		return err
	}
	logutil.Debug("preagg: sort merge", zap.Int("partitions", groups))
	return nil
}

// sortIndex orders the whole row index: partitions first, then block
// spans doubling up to the padded input size.
func (j *Job) sortIndex(ctx context.Context) error {
	if err := j.SortLocal(ctx); err != nil {
		return err
	}
	nrows := int(j.work.Rows())
	prt := 2 * j.groupSize
	span := pow2ceil(nrows)
	for block := prt * 2; block <= span; block <<= 1 {
		for unit := block; unit > prt; unit >>= 1 {
			if err := j.SortStep(ctx, unit, unit == block); err != nil {
				return err
			}
		}
		if err := j.SortMerge(ctx); err != nil {
			return err
		}
	}
	return nil
}

type sortRedScratch struct {
	datums []AggDatum
	scan   []uint32
	_      cpu.CacheLinePad
	base   int64
}

// SortReduction walks the ordered row index and folds every run of
// equal keys into one destination row.  Run heads are found by
// comparing each row's key with its ordered predecessor; a stairlike
// scan numbers the runs of each partition, the leader reserves one
// destination row per run, and every head folds its run sequentially
// before storing.
//
// A run crossing a partition boundary produces one partial row per
// partition; the result stays a correct pre-aggregation, just a less
// compact one.
func (j *Job) SortReduction(ctx context.Context) error {
	nrows := j.work.Rows()
	l := j.groupSize
	grid := simt.Grid1D(int(nrows), l)
	roles := j.ctl.Roles()
	rmap := j.ctl.RowMap()
	rindex := rmap.rindex
	newScratch := func(int) *sortRedScratch {
		return &sortRedScratch{
			datums: make([]AggDatum, l),
			scan:   make([]uint32, l),
		}
	}
	err := simt.Launch(ctx, j.pool, grid, newScratch, func(w *simt.Worker, scr *sortRedScratch) {
		code := moerr.Ok
		lid := w.LocalID()
		gid := int64(w.GlobalID())
		inRange := gid < nrows
		localEntry := int(nrows - int64(w.GroupID())*int64(l))
		if localEntry > l {
			localEntry = l
		}

		var isHead uint32
		if inRange {
			if lid == 0 {
				isHead = 1
			} else if j.fns.KeyComp(j.work, int64(rindex[gid-1]), int64(rindex[gid])) != 0 {
				isHead = 1
			}
		}
		offset, nruns := stairlikeAdd(w, scr.scan, isHead)
		runID := offset + isHead - 1

		if lid == 0 {
			scr.base = 0
			if nruns > 0 {
				base, rerr := j.dst.Reserve(int64(nruns))
				if rerr != nil {
					scr.base = -1
					if code == moerr.Ok {
						code = moerr.ErrNoSpace
					}
				} else {
					scr.base = base
				}
			}
		}
		w.Barrier()
		if scr.base < 0 {
			j.ctl.writeback(code)
			return
		}
		destRow := scr.base + int64(runID)

		for col, role := range roles {
			if role != FieldAggFunc {
				if isHead == 1 {
					if mcode := j.fns.Move(j.work, int64(rindex[gid]), j.dst, destRow, col); mcode != moerr.Ok && code == moerr.Ok {
						code = mcode
					}
				}
				continue
			}
			if inRange {
				if lcode := j.fns.Load(j.work, col, int64(rindex[gid]), &scr.datums[lid]); lcode != moerr.Ok && code == moerr.Ok {
					code = lcode
				}
				scr.datums[lid].GroupID = runID
			}
			w.Barrier()
			if isHead == 1 {
				acc := &scr.datums[lid]
				for i := lid + 1; i < localEntry; i++ {
					if scr.datums[i].GroupID != runID {
						break
					}
					if ccode := j.fns.LocalCalc(col, acc, &scr.datums[i]); ccode != moerr.Ok && code == moerr.Ok {
						code = ccode
					}
				}
			}
			w.Barrier()
			if isHead == 1 {
				if scode := j.fns.Store(j.dst, col, destRow, &scr.datums[lid]); scode != moerr.Ok && code == moerr.Ok {
					code = scode
				}
			}
			w.Barrier()
		}
		j.ctl.writeback(code)
	})
	if err != nil {
		return err
	}
	rmap.SetIdentity()
	logutil.Debug("preagg: sort reduction",
		zap.Int("partitions", grid.Groups),
		zap.Int64("rows", nrows),
		zap.Int64("runs", j.dst.Rows()))
	return nil
}
