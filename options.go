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

import "math/bits"

// option provide an interface to do work on Map while it is being created.
type option[K any, V comparable] interface {
	apply(m *Map[K, V])
}

type hashOption[K any, V comparable] struct {
	hash hashFn[K]
}

func (op hashOption[K, V]) apply(m *Map[K, V]) {
	m.hash = op.hash
}

// WithHash is an option to specify the hash function to use for a Map[K,V]
// in place of the identity hash. The function must depend only on the
// identity of key (never on the value it points to), and key may be nil.
func WithHash[K any, V comparable](hash func(key *K, seed uint64) uint64) option[K, V] {
	return hashOption[K, V]{hash}
}

// Allocator specifies an interface for allocating and releasing the tables
// used by a Map. The default allocator utilizes Go's builtin make() and
// allows the GC to reclaim memory.
//
// If the allocator is manually managing memory and requires that slots be
// freed then Map.Close must be called in order to ensure FreeSlots is called.
// A table that is freed on resize may still be referenced by an Iterator
// created before the resize; such an Iterator fails on its next use but
// must not be read from by the allocator's owner.
type Allocator[K any, V comparable] interface {
	// AllocSlots should return a slice equivalent to make([]Slot[K,V], n).
	AllocSlots(n int) []Slot[K, V]

	// FreeSlots can optional release the memory associated with the supplied
	// slice that is guaranteed to have been allocated by AllocSlots.
	FreeSlots(v []Slot[K, V])
}

type defaultAllocator[K any, V comparable] struct{}

func (defaultAllocator[K, V]) AllocSlots(n int) []Slot[K, V] {
	return make([]Slot[K, V], n)
}

func (defaultAllocator[K, V]) FreeSlots(v []Slot[K, V]) {
}

type allocatorOption[K any, V comparable] struct {
	allocator Allocator[K, V]
}

func (op allocatorOption[K, V]) apply(m *Map[K, V]) {
	m.allocator = op.allocator
}

// WithAllocator is an option for specify the Allocator to use for a Map[K,V].
func WithAllocator[K any, V comparable](allocator Allocator[K, V]) option[K, V] {
	return allocatorOption[K, V]{allocator}
}

type maxCapacityOption[K any, V comparable] struct {
	maxCapacity uintptr
}

func (op maxCapacityOption[K, V]) apply(m *Map[K, V]) {
	m.maxCapacity = op.maxCapacity
}

// WithMaxCapacity is an option to bound the number of slots the table of a
// Map[K,V] may grow to. The bound is rounded up to a power of two and is
// never less than the minimum capacity. A Map holds at most maxCapacity-1
// entries.
func WithMaxCapacity[K any, V comparable](maxCapacity int) option[K, V] {
	c := uintptr(minCapacity)
	if maxCapacity > minCapacity {
		c = uintptr(1) << bits.Len(uint(maxCapacity-1))
	}
	return maxCapacityOption[K, V]{c}
}
