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
	hll "github.com/axiomhq/hyperloglog"

	"github.com/matrixorigin/preagg/pkg/container/batch"
	"github.com/matrixorigin/preagg/pkg/container/nulls"
)

// minHashSize is the smallest global hash table the sizing ever
// suggests.  Undersizing the table turns probes into full sweeps, so
// the floor is generous.
const minHashSize = 1024

// GroupEstimator guesses the number of distinct key combinations of a
// stream with a hyperloglog sketch.  One estimator can observe many
// batches of the same schema; the sketch marshals for reuse across
// workers of one stream.
type GroupEstimator struct {
	sketch *hll.Sketch
	keys   []int
	buf    []byte
}

// NewGroupEstimator builds an estimator over the given key columns.
func NewGroupEstimator(keys []int) *GroupEstimator {
	return &GroupEstimator{
		sketch: hll.New(),
		keys:   append([]int(nil), keys...),
	}
}

// Observe feeds the keys of the first limit rows of a batch into the
// sketch.  A negative or oversized limit means every row.
func (e *GroupEstimator) Observe(bat *batch.Batch, limit int64) {
	n := bat.Rows()
	if limit >= 0 && limit < n {
		n = limit
	}
	for row := int64(0); row < n; row++ {
		e.buf = e.buf[:0]
		for _, c := range e.keys {
			vec := bat.Vecs[c]
			if nulls.Contains(vec.GetNulls(), uint64(row)) {
				e.buf = append(e.buf, nullTag...)
			} else {
				e.buf = append(e.buf, keyBytes(vec, row)...)
			}
			// Cell delimiter, so ("ab","c") and ("a","bc") count apart.
			e.buf = append(e.buf, 0xff)
		}
		e.sketch.Insert(e.buf)
	}
}

// Estimate returns the sketch's distinct count guess.
func (e *GroupEstimator) Estimate() uint64 {
	return e.sketch.Estimate()
}

// Marshal serializes the sketch for handing the estimator to another
// worker of the stream.
func (e *GroupEstimator) Marshal() ([]byte, error) {
	return e.sketch.MarshalBinary()
}

// Unmarshal replaces the sketch with a serialized one.
func (e *GroupEstimator) Unmarshal(data []byte) error {
	sk := hll.New()
	if err := sk.UnmarshalBinary(data); err != nil {
		return err
	}
	e.sketch = sk
	return nil
}

// SuggestHashSize converts a distinct count guess into a global hash
// table size: the next power of two holding twice the estimate, never
// below the floor.  Half empty keeps probe chains short even when the
// guess runs low.
func SuggestHashSize(estimate uint64) uint32 {
	size := uint32(minHashSize)
	for uint64(size) < 2*estimate && size < 1<<30 {
		size <<= 1
	}
	return size
}
