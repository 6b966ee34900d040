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

package types

import "unsafe"

const VarlenaSize = int32(unsafe.Sizeof(Varlena{}))

// Varlena is a fixed width descriptor of variable length content held
// in a shared area.  Moving a varchar cell between batches of one job
// copies the descriptor only; both batches reference the same area.
type Varlena struct {
	Off uint32
	Len uint32
}

func BuildVarlena(off, length int) Varlena {
	return Varlena{Off: uint32(off), Len: uint32(length)}
}

func (v Varlena) OffsetLen() (uint32, uint32) {
	return v.Off, v.Len
}

func (v Varlena) GetByteSlice(area []byte) []byte {
	return area[v.Off : v.Off+v.Len]
}

func (v Varlena) GetString(area []byte) string {
	return string(v.GetByteSlice(area))
}
