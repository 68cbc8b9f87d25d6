// Copyright 2026 The Kestrel Authors.
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package physmem

import (
	"fmt"
	"sync/atomic"
	"unsafe"

	"kestrel.dev/kestrel/pkg/addr"
)

func (m *Memory) word(pa addr.Physical) *uint64 {
	if pa%8 != 0 {
		panic(fmt.Sprintf("physmem: unaligned 64-bit access at %v", pa))
	}
	s := m.mustSlice(pa, 8)
	return (*uint64)(unsafe.Pointer(unsafe.SliceData(s)))
}

// LoadUint64 atomically loads the little-endian word at pa.
//
// Simulated RAM is native-endian; kestrel only targets little-endian hosts.
func (m *Memory) LoadUint64(pa addr.Physical) uint64 {
	return atomic.LoadUint64(m.word(pa))
}

// StoreUint64 atomically stores v at pa.
func (m *Memory) StoreUint64(pa addr.Physical, v uint64) {
	atomic.StoreUint64(m.word(pa), v)
}
