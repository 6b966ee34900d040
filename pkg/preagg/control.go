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
	"sync/atomic"

	"github.com/matrixorigin/preagg/pkg/common/moerr"
	"github.com/matrixorigin/preagg/pkg/common/mpool"
	"github.com/matrixorigin/preagg/pkg/container/types"
)

// Control is the shared state of one reduction job: the status word,
// the field role table, the query parameters, the global hash table and
// the row map.  Hash slots and the row index share a single mpool
// buffer; everything else is an ordinary field.
//
// The status word follows first-error-wins: the first worker to fail
// installs its code with a compare-and-swap from Ok and later failures
// leave it alone, so the host always sees the error closest to the
// root cause.
type Control struct {
	status   uint32
	hashSize uint32
	roles    []FieldRole
	params   *Params
	rowMap   *RowMap
	slots    []uint64
	buf      []byte
}

// NewControl allocates the shared state for a job.  hashSize is the
// number of global hash slots, rooms the row map capacity.
func NewControl(mp *mpool.MPool, roles []FieldRole, params *Params, hashSize uint32, rooms int64) (*Control, error) {
	if hashSize == 0 {
		return nil, moerr.NewInvalidInput("hash table size must be positive")
	}
	if rooms < 0 {
		return nil, moerr.NewInvalidInput("row map rooms %d is negative", rooms)
	}
	slotBytes := int(hashSize) * 8
	buf, err := mp.Alloc(slotBytes + int(rooms)*4)
	if err != nil {
		return nil, err
	}
	c := &Control{
		hashSize: hashSize,
		roles:    append([]FieldRole(nil), roles...),
		params:   params,
		slots:    types.DecodeSlice[uint64](buf[:slotBytes]),
		buf:      buf,
	}
	c.rowMap = NewRowMap(types.DecodeSlice[int32](buf[slotBytes : slotBytes+int(rooms)*4]))
	for i := range c.slots {
		c.slots[i] = emptySlot
	}
	return c, nil
}

// Free releases the slot and row index buffer.
func (c *Control) Free(mp *mpool.MPool) {
	if c.buf != nil {
		mp.Free(c.buf)
		c.buf = nil
		c.slots = nil
		c.rowMap = nil
	}
}

func (c *Control) HashSize() uint32 { return c.hashSize }
func (c *Control) Roles() []FieldRole {
	return c.roles
}
func (c *Control) Params() *Params { return c.params }
func (c *Control) RowMap() *RowMap { return c.rowMap }

// Status returns the current status code, moerr.Ok when no worker has
// failed.
func (c *Control) Status() uint16 {
	return uint16(atomic.LoadUint32(&c.status))
}

// Err converts the status word into an error, nil on Ok.
func (c *Control) Err() error {
	code := c.Status()
	if code == moerr.Ok {
		return nil
	}
	return moerr.CodeToError(code)
}

// writeback records a worker's exit status.  Ok is a no-op; the first
// failing code sticks.
func (c *Control) writeback(code uint16) {
	if code == moerr.Ok {
		return
	}
	atomic.CompareAndSwapUint32(&c.status, uint32(moerr.Ok), uint32(code))
}

// resetStatus clears the status word before a rerun.
func (c *Control) resetStatus() {
	atomic.StoreUint32(&c.status, uint32(moerr.Ok))
}

// probeSlots claims or finds the slot for a key in a hash table of
// packed slots.  myIndex is the index the caller would publish; sameKey
// compares the caller's key against an occupant's.  It returns the
// owning index: myIndex when the caller won an empty slot, the
// occupant's index when an equal key already claimed one.  After a full
// sweep without a home the table is exhausted and the status code is
// ErrNoSpace.
//
// A claimed slot never changes until the next reset, so a prober that
// loses the install race can simply re-read the slot and fall through
// to the occupant check.
func probeSlots(slots []uint64, hash, myIndex uint32, sameKey func(index uint32) (bool, uint16)) (uint32, uint16) {
	size := uint32(len(slots))
	idx := hash % size
	for n := uint32(0); n < size; n++ {
		cur := atomic.LoadUint64(&slots[idx])
		if slotIndex(cur) == InvalidIndex {
			if atomic.CompareAndSwapUint64(&slots[idx], cur, packSlot(hash, myIndex)) {
				return myIndex, moerr.Ok
			}
			cur = atomic.LoadUint64(&slots[idx])
		}
		if slotHash(cur) == hash {
			eq, code := sameKey(slotIndex(cur))
			if code != moerr.Ok {
				return InvalidIndex, code
			}
			if eq {
				return slotIndex(cur), moerr.Ok
			}
		}
		idx++
		if idx == size {
			idx = 0
		}
	}
	return InvalidIndex, moerr.ErrNoSpace
}
