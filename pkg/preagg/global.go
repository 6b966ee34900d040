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

type globalScratch struct {
	scan []uint32
	_    cpu.CacheLinePad
	base int64
}

// GlobalReduction folds the partial rows of the destination batch into
// final groups through the shared hash table.  The table publishes
// destination row indices: the first row to claim a key's slot becomes
// the final row of that group and enters the row map, every later row
// with the same key folds its aggregate cells into the final row in
// place with atomic merges.
//
// Owners never rewrite key or pass-through cells, so a prober can
// compare keys against any published row while merges are still in
// flight.  Running it again over rows that are all distinct changes
// nothing but the row map order: every row just finds its own claim.
func (j *Job) GlobalReduction(ctx context.Context) error {
	nitems := j.dst.Rows()
	grid := simt.Grid1D(int(nitems), j.groupSize)
	aggCols := AggColumns(j.ctl.Roles())
	slots := j.ctl.slots
	rmap := j.ctl.RowMap()
	newScratch := func(int) *globalScratch {
		return &globalScratch{scan: make([]uint32, j.groupSize)}
	}
	err := simt.Launch(ctx, j.pool, grid, newScratch, func(w *simt.Worker, scr *globalScratch) {
		code := moerr.Ok
		gid := int64(w.GlobalID())
		inRange := gid < nitems

		owner := InvalidIndex
		if inRange {
			hash := j.fns.Hash(j.dst, gid)
			o, pcode := probeSlots(slots, hash, uint32(gid), func(occ uint32) (bool, uint16) {
				return j.fns.KeyComp(j.dst, gid, int64(occ)) == 0, moerr.Ok
			})
			if pcode != moerr.Ok {
				code = pcode
			} else {
				owner = o
			}
		}

		isOwner := inRange && owner == uint32(gid)
		var live uint32
		if isOwner {
			live = 1
		}
		offset, ngroups := stairlikeAdd(w, scr.scan, live)
		if w.LocalID() == 0 {
			scr.base = 0
			if ngroups > 0 {
				base, rerr := rmap.Reserve(int64(ngroups))
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

		if inRange {
			if isOwner {
				rmap.Set(scr.base+int64(offset), int32(gid))
			} else if owner != InvalidIndex {
				for _, col := range aggCols {
					if ccode := j.fns.GlobalCalc(j.dst, col, int64(owner), gid); ccode != moerr.Ok && code == moerr.Ok {
						code = ccode
					}
				}
			}
		}
		j.ctl.writeback(code)
	})
	if err != nil {
		return err
	}
	logutil.Debug("preagg: global reduction",
		zap.Int("groups", grid.Groups),
		zap.Int64("partials", nitems),
		zap.Int64("finals", rmap.NValids()))
	return nil
}
