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

import "github.com/matrixorigin/preagg/pkg/simt"

// stairlikeAdd runs a Hillis-Steele inclusive scan over one value per
// worker of the group.  scan is group scratch of LocalSize entries.  It
// returns the caller's exclusive prefix (the sum of the values of the
// workers left of it) and the group total.
//
// Every worker of the group must call it; the scan takes two barriers
// per doubling round, one between the reads and the writes of a round
// and one between rounds.
func stairlikeAdd(w *simt.Worker, scan []uint32, v uint32) (offset, total uint32) {
	lid := w.LocalID()
	n := w.LocalSize()
	scan[lid] = v
	w.Barrier()
	for step := 1; step < n; step <<= 1 {
		var carry uint32
		if lid >= step {
			carry = scan[lid-step]
		}
		w.Barrier()
		scan[lid] += carry
		w.Barrier()
	}
	total = scan[n-1]
	offset = scan[lid] - v
	return offset, total
}
