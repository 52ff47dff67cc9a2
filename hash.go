// Copyright 2024 The Cockroach Authors
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


package identmap

import (
	"encoding/binary"
	"unsafe"

	"github.com/cespare/xxhash/v2"
)

type hashFn[K any] func(key *K, seed uint64) uint64

// identityHash hashes the address of key. Heap objects are never moved by
// the Go runtime so the address is stable for as long as the Map retains
// the pointer. Addresses are aligned to the allocator's size classes which
// leaves the low bits almost constant, so the address is run through xxhash
// before it is spread.
func identityHash[K any](key *K, seed uint64) uint64 {
	var buf [8]byte
	binary.LittleEndian.PutUint64(buf[:], uint64(uintptr(unsafe.Pointer(key)))^seed)
	return xxhash.Sum64(buf[:])
}

// spread multiplies h by -127. Masked to a table of n slots it selects the
// same slot as ((h << 1) - (h << 8)) & (2n - 1) does in a table that
// interleaves keys and values. The multiplier is odd so spread is a
// bijection modulo any power of two.
func spread(h uint64) uintptr {
	return uintptr(h - (h << 7))
}

// probeNext returns the slot following i, wrapping at the end of the table.
func probeNext(i, mask uintptr) uintptr {
	return (i + 1) & mask
}
