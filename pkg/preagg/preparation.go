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

// prepScratch is the group shared state of the preparation stage.  The
// leader publishes base while the rest of the group waits on a barrier;
// the pad keeps that word off the cache line of the scan buffer.
type prepScratch struct {
	scan []uint32
	_    cpu.CacheLinePad
	base int64
}

// Preparation evaluates the qualifier over the input rows, packs the
// survivors into the working batch and projects them.  One worker per
// input row; each group counts its survivors with a stairlike scan, the
// group leader reserves that many rows in one step and every survivor
// projects into its own slot of the reserved range.
//
// When the working batch cannot hold a group's survivors the leader
// records NoSpace and the whole group skips its writes, so the batch
// never holds a torn row.
func (j *Job) Preparation(ctx context.Context) error {
	nin := j.inputCount()
	srcRows := j.src.Rows()
	grid := simt.Grid1D(int(nin), j.groupSize)
	newScratch := func(int) *prepScratch {
		return &prepScratch{scan: make([]uint32, j.groupSize)}
	}
	err := simt.Launch(ctx, j.pool, grid, newScratch, func(w *simt.Worker, scr *prepScratch) {
		code := moerr.Ok
		row := srcRows
		if idx := int64(w.GlobalID()); idx < nin {
			if j.inMap == nil || j.inMap.IsIdentity() {
				row = idx
			} else {
				row = int64(j.inMap.Get(idx))
			}
		}
		if row >= 0 && row < srcRows {
			ok, qcode := j.fns.Qualifies(j.ctl.Params(), j.src, row)
			if qcode != moerr.Ok {
				code = qcode
				row = srcRows
			} else if !ok {
				row = srcRows
			}
		} else {
			row = srcRows
		}

		var live uint32
		if row < srcRows {
			live = 1
		}
		offset, total := stairlikeAdd(w, scr.scan, live)
		if w.LocalID() == 0 {
			scr.base = 0
			if total > 0 {
				base, rerr := j.work.Reserve(int64(total))
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

		if scr.base >= 0 && row < srcRows {
			if pcode := j.fns.Project(j.src, row, j.work, scr.base+int64(offset)); pcode != moerr.Ok && code == moerr.Ok {
				code = pcode
			}
		}
		j.ctl.writeback(code)
	})
	if err != nil {
		return err
	}
	logutil.Debug("preagg: preparation",
		zap.Int("groups", grid.Groups),
		zap.Int("groupSize", grid.GroupSize),
		zap.Int64("input", nin),
		zap.Int64("qualified", j.work.Rows()))
	return nil
}
