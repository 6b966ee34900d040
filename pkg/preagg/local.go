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
	"sync/atomic"

	"go.uber.org/zap"
	"golang.org/x/sys/cpu"

	"github.com/matrixorigin/preagg/pkg/common/moerr"
	"github.com/matrixorigin/preagg/pkg/logutil"
	"github.com/matrixorigin/preagg/pkg/simt"
)

// resetFanout caps the reset grid at this many groups; larger tables
// are swept with a strided loop.
const resetFanout = 64

// ResetHashTable clears the global hash table and empties the row map.
// It must run between the local and global stages of consecutive
// reductions sharing one control block.
func (j *Job) ResetHashTable(ctx context.Context) error {
	size := int(j.ctl.HashSize())
	workers := size
	if max := resetFanout * j.groupSize; workers > max {
		workers = max
	}
	grid := simt.Grid1D(workers, j.groupSize)
	stride := grid.GlobalSize()
	slots := j.ctl.slots
	rmap := j.ctl.RowMap()
	err := simt.Launch(ctx, j.pool, grid, func(int) struct{} { return struct{}{} }, func(w *simt.Worker, _ struct{}) {
		if w.GlobalID() == 0 {
			rmap.Reset()
		}
		for i := w.GlobalID(); i < size; i += stride {
			atomic.StoreUint64(&slots[i], emptySlot)
		}
	})
	if err != nil {
		return err
	}
	logutil.Debug("preagg: reset hash table",
		zap.Int("slots", size),
		zap.Int("groups", grid.Groups))
	return nil
}

// localScratch is the group shared state of the local reduction: the
// per-group slot table (two slots per worker), one accumulator lane per
// worker and the scan buffer.  The leader publishes base behind the
// pad.
type localScratch struct {
	slots  []uint64
	datums []AggDatum
	scan   []uint32
	_      cpu.CacheLinePad
	base   int64
}

// LocalReduction folds duplicate keys inside each worker group.  Every
// worker claims or finds its key's slot in the group's private table,
// the slot winners become group owners, owners get destination rows in
// one reservation, and per aggregate column every loser folds its lane
// into the owner's lane before the owner stores the result.
//
// The slot table publishes local worker ids; losers reach their owner's
// accumulator lane directly through them.  Key and pass-through columns
// are copied by owners only.
func (j *Job) LocalReduction(ctx context.Context) error {
	nitems := j.work.Rows()
	l := j.groupSize
	grid := simt.Grid1D(int(nitems), l)
	roles := j.ctl.Roles()
	newScratch := func(int) *localScratch {
		return &localScratch{
			slots:  make([]uint64, 2*l),
			datums: make([]AggDatum, l),
			scan:   make([]uint32, l),
		}
	}
	err := simt.Launch(ctx, j.pool, grid, newScratch, func(w *simt.Worker, scr *localScratch) {
		code := moerr.Ok
		lid := w.LocalID()
		gid := int64(w.GlobalID())
		groupBase := int64(w.GroupID()) * int64(l)
		inRange := gid < nitems

		for i := lid; i < 2*l; i += l {
			scr.slots[i] = emptySlot
		}
		w.Barrier()

		ownerLid := InvalidIndex
		if inRange {
			hash := j.fns.Hash(j.work, gid)
			owner, pcode := probeSlots(scr.slots, hash, uint32(lid), func(occ uint32) (bool, uint16) {
				return j.fns.KeyComp(j.work, gid, groupBase+int64(occ)) == 0, moerr.Ok
			})
			if pcode != moerr.Ok {
				code = pcode
			} else {
				ownerLid = owner
			}
		}
		w.Barrier()

		isOwner := inRange && ownerLid == uint32(lid)
		var live uint32
		if isOwner {
			live = 1
		}
		offset, ngroups := stairlikeAdd(w, scr.scan, live)
		if lid == 0 {
			scr.base = 0
			if ngroups > 0 {
				base, rerr := j.dst.Reserve(int64(ngroups))
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
		destRow := scr.base + int64(offset)

		for col, role := range roles {
			if role != FieldAggFunc {
				if isOwner {
					if mcode := j.fns.Move(j.work, gid, j.dst, destRow, col); mcode != moerr.Ok && code == moerr.Ok {
						code = mcode
					}
				}
				continue
			}
			if inRange {
				if lcode := j.fns.Load(j.work, col, gid, &scr.datums[lid]); lcode != moerr.Ok && code == moerr.Ok {
					code = lcode
				}
			}
			w.Barrier()
			if inRange && !isOwner && ownerLid != InvalidIndex {
				if ccode := j.fns.LocalCalc(col, &scr.datums[ownerLid], &scr.datums[lid]); ccode != moerr.Ok && code == moerr.Ok {
					code = ccode
				}
			}
			w.Barrier()
			if isOwner {
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
	logutil.Debug("preagg: local reduction",
		zap.Int("groups", grid.Groups),
		zap.Int("groupSize", grid.GroupSize),
		zap.Int64("in", nitems),
		zap.Int64("partials", j.dst.Rows()))
	return nil
}
