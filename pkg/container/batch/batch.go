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

package batch

import (
	"fmt"
	"strings"
	"sync/atomic"

	"github.com/matrixorigin/preagg/pkg/common/moerr"
	"github.com/matrixorigin/preagg/pkg/common/mpool"
	"github.com/matrixorigin/preagg/pkg/container/types"
	"github.com/matrixorigin/preagg/pkg/container/vector"
)

// Batch is a set of column vectors with a shared live-row counter.
// nrooms is fixed at construction; nitems moves only through Reserve,
// which is safe for any number of concurrent workers.
type Batch struct {
	// Cnt is the reference count of the batch
	Cnt int64
	// Attrs are the column names
	Attrs []string
	// Vecs are the columns, all with capacity nrooms
	Vecs []*vector.Vector
	// area holds varchar content, shared by every batch of one job
	area *vector.Area

	nitems int64
	nrooms int64
}

// New builds a batch of ncols typed columns with nrooms rooms each.
// Varchar columns attach to area; area may be nil when no column needs it.
func New(mp *mpool.MPool, attrs []string, typs []types.Type, area *vector.Area, nrooms int) (*Batch, error) {
	if len(attrs) != len(typs) {
		return nil, moerr.NewInvalidInput("batch attrs %d vs types %d", len(attrs), len(typs))
	}
	if nrooms <= 0 {
		return nil, moerr.NewInvalidInput("batch nrooms %d", nrooms)
	}
	bat := &Batch{
		Cnt:    1,
		Attrs:  attrs,
		Vecs:   make([]*vector.Vector, len(typs)),
		area:   area,
		nrooms: int64(nrooms),
	}
	for i, typ := range typs {
		vec := vector.NewVec(typ)
		if typ.IsVarlen() {
			if area == nil {
				bat.free(mp, i)
				return nil, moerr.NewInvalidInput("varchar column %q without an area", attrs[i])
			}
			vec.SetArea(area)
		}
		if err := vec.PreExtend(nrooms, mp); err != nil {
			bat.free(mp, i)
			return nil, err
		}
		bat.Vecs[i] = vec
	}
	return bat, nil
}

func (bat *Batch) free(mp *mpool.MPool, upto int) {
	for i := 0; i < upto; i++ {
		bat.Vecs[i].Free(mp)
	}
}

func (bat *Batch) Free(mp *mpool.MPool) {
	if bat == nil {
		return
	}
	if atomic.AddInt64(&bat.Cnt, -1) > 0 {
		return
	}
	bat.free(mp, len(bat.Vecs))
	bat.Vecs = nil
}

func (bat *Batch) Retain() *Batch {
	atomic.AddInt64(&bat.Cnt, 1)
	return bat
}

func (bat *Batch) VectorCount() int {
	return len(bat.Vecs)
}

func (bat *Batch) GetVector(pos int32) *vector.Vector {
	return bat.Vecs[pos]
}

func (bat *Batch) Area() *vector.Area {
	return bat.area
}

// Rows returns the live row count.
func (bat *Batch) Rows() int64 {
	return atomic.LoadInt64(&bat.nitems)
}

// Rooms returns the fixed capacity.
func (bat *Batch) Rooms() int64 {
	return bat.nrooms
}

// ResetRows drops all live rows, keeping the storage.
func (bat *Batch) ResetRows() {
	atomic.StoreInt64(&bat.nitems, 0)
}

// Reserve claims n consecutive rows and returns the first index.  The
// claim is a bounded compare-and-swap: nitems never exceeds nrooms at
// any instant, and a failed reservation leaves the counter untouched.
func (bat *Batch) Reserve(n int64) (int64, error) {
	if n < 0 {
		return 0, moerr.NewInvalidInput("reserve %d rows", n)
	}
	for {
		cur := atomic.LoadInt64(&bat.nitems)
		if cur+n > bat.nrooms {
			return 0, moerr.NewNoSpace("batch rooms %d, want %d more at %d", bat.nrooms, n, cur)
		}
		if atomic.CompareAndSwapInt64(&bat.nitems, cur, cur+n) {
			return cur, nil
		}
	}
}

// AddRowsUnsafe bumps the live counter on the single threaded loading
// side, bypassing the reservation protocol.
func (bat *Batch) AddRowsUnsafe(n int64) error {
	if bat.nitems+n > bat.nrooms {
		return moerr.NewNoSpace("batch rooms %d", bat.nrooms)
	}
	bat.nitems += n
	return nil
}

func (bat *Batch) String() string {
	var sb strings.Builder
	fmt.Fprintf(&sb, "batch[%d/%d rows]{", bat.Rows(), bat.nrooms)
	for i, vec := range bat.Vecs {
		if i > 0 {
			sb.WriteString(", ")
		}
		if i < len(bat.Attrs) {
			fmt.Fprintf(&sb, "%s %s", bat.Attrs[i], vec.GetType().String())
		} else {
			sb.WriteString(vec.GetType().String())
		}
	}
	sb.WriteString("}")
	return sb.String()
}
