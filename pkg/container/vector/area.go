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

package vector

import (
	"sync"

	"github.com/matrixorigin/preagg/pkg/common/mpool"
	"github.com/matrixorigin/preagg/pkg/container/types"
)

// Area holds variable length content shared by every batch of one job.
// Varchar cells are Varlena descriptors into the area, so the reduction
// kernels move 8 byte descriptors and never copy string bytes.
//
// Appends happen on the loading side only; kernels treat the area as
// frozen and read it without locking.
type Area struct {
	mu  sync.Mutex
	buf []byte
	len int
}

func NewArea() *Area {
	return &Area{}
}

// AppendBytes copies bs into the area and returns its descriptor.
func (a *Area) AppendBytes(mp *mpool.MPool, bs []byte) (types.Varlena, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.len+len(bs) > len(a.buf) {
		newCap := len(a.buf)*2 + len(bs) + 1024
		nbuf, err := mp.Realloc(a.buf, newCap)
		if err != nil {
			return types.Varlena{}, err
		}
		a.buf = nbuf
	}
	off := a.len
	copy(a.buf[off:], bs)
	a.len += len(bs)
	return types.BuildVarlena(off, len(bs)), nil
}

// Bytes returns the live prefix of the area.
func (a *Area) Bytes() []byte {
	if a == nil {
		return nil
	}
	return a.buf[:a.len]
}

func (a *Area) Free(mp *mpool.MPool) {
	if a == nil || a.buf == nil {
		return
	}
	mp.Free(a.buf)
	a.buf = nil
	a.len = 0
}
