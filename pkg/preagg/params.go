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
	"encoding/binary"
	"math"

	"github.com/matrixorigin/preagg/pkg/common/moerr"
)

// Param value kinds, one byte per entry in the kind table.
const (
	paramNull  = 0
	paramFixed = 1
	paramBytes = 2
)

// Params is a read-only bag of query constants packed into one
// contiguous buffer, so qualifiers and projections can be handed their
// arguments without chasing pointers and the whole bag can ship across
// process boundaries as-is.
//
// Layout: u32 count, u32 total length, count u32 value offsets,
// count u8 kinds, padding to 8, then the values.  Fixed values take
// eight bytes at an 8-aligned offset; byte values are a u32 length
// followed by the payload.  A null entry has offset zero.
type Params struct {
	buf []byte
}

// ParamsBuilder accumulates values and packs them with Build.
type ParamsBuilder struct {
	kinds []byte
	fixed []uint64
	blobs [][]byte
}

func NewParamsBuilder() *ParamsBuilder {
	return &ParamsBuilder{}
}

func (b *ParamsBuilder) AddInt64(v int64) *ParamsBuilder {
	b.kinds = append(b.kinds, paramFixed)
	b.fixed = append(b.fixed, uint64(v))
	b.blobs = append(b.blobs, nil)
	return b
}

func (b *ParamsBuilder) AddFloat64(v float64) *ParamsBuilder {
	b.kinds = append(b.kinds, paramFixed)
	b.fixed = append(b.fixed, math.Float64bits(v))
	b.blobs = append(b.blobs, nil)
	return b
}

func (b *ParamsBuilder) AddBytes(v []byte) *ParamsBuilder {
	b.kinds = append(b.kinds, paramBytes)
	b.fixed = append(b.fixed, 0)
	b.blobs = append(b.blobs, v)
	return b
}

func (b *ParamsBuilder) AddNull() *ParamsBuilder {
	b.kinds = append(b.kinds, paramNull)
	b.fixed = append(b.fixed, 0)
	b.blobs = append(b.blobs, nil)
	return b
}

func align8(n int) int {
	return (n + 7) &^ 7
}

// Build packs the accumulated values into a Params.
func (b *ParamsBuilder) Build() *Params {
	cnt := len(b.kinds)
	head := align8(8 + 4*cnt + cnt)
	total := head
	offs := make([]uint32, cnt)
	for i, k := range b.kinds {
		switch k {
		case paramFixed:
			offs[i] = uint32(total)
			total += 8
		case paramBytes:
			offs[i] = uint32(total)
			total += align8(4 + len(b.blobs[i]))
		}
	}
	buf := make([]byte, total)
	binary.LittleEndian.PutUint32(buf[0:], uint32(cnt))
	binary.LittleEndian.PutUint32(buf[4:], uint32(total))
	for i := 0; i < cnt; i++ {
		binary.LittleEndian.PutUint32(buf[8+4*i:], offs[i])
		buf[8+4*cnt+i] = b.kinds[i]
	}
	for i, k := range b.kinds {
		switch k {
		case paramFixed:
			binary.LittleEndian.PutUint64(buf[offs[i]:], b.fixed[i])
		case paramBytes:
			binary.LittleEndian.PutUint32(buf[offs[i]:], uint32(len(b.blobs[i])))
			copy(buf[offs[i]+4:], b.blobs[i])
		}
	}
	return &Params{buf: buf}
}

// Count returns the number of parameters.
func (p *Params) Count() int {
	if p == nil || len(p.buf) < 8 {
		return 0
	}
	return int(binary.LittleEndian.Uint32(p.buf[0:]))
}

func (p *Params) entry(i int) (off uint32, kind byte, err error) {
	cnt := p.Count()
	if i < 0 || i >= cnt {
		return 0, 0, moerr.NewInvalidInput("parameter index %d out of range [0, %d)", i, cnt)
	}
	off = binary.LittleEndian.Uint32(p.buf[8+4*i:])
	kind = p.buf[8+4*cnt+i]
	return off, kind, nil
}

// IsNull reports whether parameter i carries no value.
func (p *Params) IsNull(i int) bool {
	_, kind, err := p.entry(i)
	return err != nil || kind == paramNull
}

// Int64 returns parameter i as a signed integer.
func (p *Params) Int64(i int) (int64, error) {
	off, kind, err := p.entry(i)
	if err != nil {
		return 0, err
	}
	if kind != paramFixed {
		return 0, moerr.NewInvalidInput("parameter %d is not a fixed value", i)
	}
	return int64(binary.LittleEndian.Uint64(p.buf[off:])), nil
}

// Float64 returns parameter i as a double.
func (p *Params) Float64(i int) (float64, error) {
	off, kind, err := p.entry(i)
	if err != nil {
		return 0, err
	}
	if kind != paramFixed {
		return 0, moerr.NewInvalidInput("parameter %d is not a fixed value", i)
	}
	return math.Float64frombits(binary.LittleEndian.Uint64(p.buf[off:])), nil
}

// Bytes returns parameter i as a byte slice aliasing the buffer.
func (p *Params) Bytes(i int) ([]byte, error) {
	off, kind, err := p.entry(i)
	if err != nil {
		return nil, err
	}
	if kind != paramBytes {
		return nil, moerr.NewInvalidInput("parameter %d is not a bytes value", i)
	}
	l := binary.LittleEndian.Uint32(p.buf[off:])
	return p.buf[off+4 : off+4+l], nil
}

// Marshal returns the wire form of the bag.
func (p *Params) Marshal() []byte {
	if p == nil {
		return nil
	}
	out := make([]byte, len(p.buf))
	copy(out, p.buf)
	return out
}

// UnmarshalParams validates and wraps a wire-form parameter bag.
func UnmarshalParams(data []byte) (*Params, error) {
	if len(data) == 0 {
		return NewParamsBuilder().Build(), nil
	}
	if len(data) < 8 {
		return nil, moerr.NewInvalidInput("parameter buffer too short: %d bytes", len(data))
	}
	cnt := int(binary.LittleEndian.Uint32(data[0:]))
	total := int(binary.LittleEndian.Uint32(data[4:]))
	if total != len(data) || align8(8+5*cnt) > total {
		return nil, moerr.NewInvalidInput("parameter buffer header mismatch")
	}
	p := &Params{buf: data}
	for i := 0; i < cnt; i++ {
		off, kind, _ := p.entry(i)
		switch kind {
		case paramNull:
			if off != 0 {
				return nil, moerr.NewInvalidInput("null parameter %d has an offset", i)
			}
		case paramFixed:
			if off%8 != 0 || int(off)+8 > total {
				return nil, moerr.NewInvalidInput("parameter %d offset %d out of bounds", i, off)
			}
		case paramBytes:
			if int(off)+4 > total {
				return nil, moerr.NewInvalidInput("parameter %d offset %d out of bounds", i, off)
			}
			l := binary.LittleEndian.Uint32(data[off:])
			if int(off)+4+int(l) > total {
				return nil, moerr.NewInvalidInput("parameter %d length %d out of bounds", i, l)
			}
		default:
			return nil, moerr.NewInvalidInput("parameter %d has unknown kind %d", i, kind)
		}
	}
	return p, nil
}
