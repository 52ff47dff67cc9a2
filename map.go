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


// Package identmap implements a hash map whose keys are compared by
// identity rather than by value. The key type of a Map[K,V] is *K, and two
// keys denote the same entry if and only if they are the same pointer. Two
// distinct objects whose contents compare equal are distinct keys. This is
// what object-graph traversals, proxy tables and visited sets need: they
// must never conflate distinct-but-equal objects.
//
// # Layout
//
// A Map is a single flat table of 2^N slots used as an open-addressed hash
// table with linear probing. Each slot holds a key, its value and a used
// flag; a nil key is an ordinary key, distinguished from an empty slot by
// the used flag. The index of a key is derived from an identity hash of the
// pointer (see identityHash) spread by an odd multiplier and masked to the
// table size. Probing walks forward one slot at a time, wrapping from the
// last slot to the first.
//
// The table is kept at most 2/3 full. When an insertion would exceed that
// load factor the table is doubled and every key is reinserted into a
// freshly allocated table. At least one slot always remains empty so every
// probe sequence terminates. A table that reaches its maximum capacity
// keeps accepting keys past the load factor until only one empty slot is
// left, after which insertions of new keys fail with ErrCapacityExhausted.
//
// # Deletion
//
// Deletion does not use tombstones. Lookups stop at the first empty slot,
// so deleting a key must not leave a gap in front of any key whose probe
// sequence passes through the deleted slot. After clearing the slot we walk
// the rest of the run of used slots and move back every key whose ideal
// slot lies at or before the gap when viewed circularly. The moved key
// leaves a new gap behind it and the walk continues from there until it
// reaches an empty slot. This is Algorithm R from section 6.4 of Knuth's
// The Art of Computer Programming, Volume 3, adapted to a circular table.
//
// # Iteration
//
// An Iterator walks the table in slot order and is fail-fast: any
// structural modification of the Map (an insertion of a new key, a
// deletion, a Clear) that is not made through the Iterator itself causes
// the Iterator to stop and report ErrConcurrentModification. Removing
// through the Iterator runs the same compaction as Delete, which may move
// an already visited key from the front of the table into the unvisited
// part after the cursor when the run wraps around. When that happens the
// Iterator copies the unvisited suffix of the table before the move and
// continues over the copy, so no key is returned twice and none is
// skipped.
//
// A Map is NOT goroutine-safe.
package identmap

import (
	"fmt"
	"math/bits"
	"math/rand/v2"
	"strings"

	"github.com/pkg/errors"
)

const (
	debug = false

	// minCapacity is the smallest table size. It must be a power of two.
	minCapacity = 4
	// defaultCapacity is used when New is given an expected size of 0. It
	// holds 21 entries before the first resize.
	defaultCapacity = 32
	// defaultMaxCapacity bounds the table size unless WithMaxCapacity is
	// used.
	defaultMaxCapacity = 1 << 29
)

// Slot holds a key and value.
type Slot[K any, V comparable] struct {
	key   *K
	value V
	// used distinguishes an empty slot from a slot holding a nil key.
	used bool
}

// Map is an unordered map from pointer keys to values in which keys are
// compared by identity. Values are compared with == by the operations that
// match values (HasValue, HasMapping, DeleteMapping, Equal); as with ==,
// those operations panic if V is an interface type holding an incomparable
// dynamic value.
//
// A Map is NOT goroutine-safe.
type Map[K any, V comparable] struct {
	// The hash function applied to each key. Defaults to identityHash.
	hash hashFn[K]
	seed uint64
	// The allocator to use for the slots slice.
	allocator Allocator[K, V]
	// slots has a power of two length and always contains at least one
	// unused slot.
	slots []Slot[K, V]
	// The number of used slots (i.e. the number of elements in the map).
	used int
	// mods is incremented on every structural modification: the insertion
	// of a new key, a deletion, or a Clear. Iterators compare it against
	// the value they expect in order to fail fast.
	mods uint64
	// maxCapacity is the largest length slots may grow to.
	maxCapacity uintptr

	// Lazily created views.
	keys    *KeySet[K, V]
	values  *Values[K, V]
	entries *EntrySet[K, V]
}

// New constructs a new Map sized to hold expectedSize entries without
// resizing. If expectedSize is 0 the map starts out with a default
// capacity. A negative expectedSize returns ErrInvalidArgument. The zero
// value for a Map is not usable.
func New[K any, V comparable](expectedSize int, options ...option[K, V]) (*Map[K, V], error) {
	if expectedSize < 0 {
		return nil, errors.Wrapf(ErrInvalidArgument, "expected size %d is negative", expectedSize)
	}

	m := &Map[K, V]{
		hash:        identityHash[K],
		seed:        rand.Uint64(),
		allocator:   defaultAllocator[K, V]{},
		maxCapacity: defaultMaxCapacity,
	}

	for _, op := range options {
		op.apply(m)
	}

	capacity := uintptr(defaultCapacity)
	if expectedSize > 0 {
		capacity = m.capacityFor(expectedSize)
	}
	if capacity > m.maxCapacity {
		capacity = m.maxCapacity
	}
	m.slots = m.allocator.AllocSlots(int(capacity))

	m.checkInvariants()
	return m, nil
}

// capacityFor returns the table size for a map that is expected to hold n
// entries: the largest power of two not exceeding 3n, bounded below by
// minCapacity and above by the maximum capacity.
func (m *Map[K, V]) capacityFor(n int) uintptr {
	switch {
	case uintptr(n) > m.maxCapacity/3:
		return m.maxCapacity
	case n <= 2*minCapacity/3:
		return minCapacity
	}
	return uintptr(1) << (bits.Len(uint(3*n)) - 1)
}

// Close closes the map, releasing its table back to its configured
// allocator. It is unnecessary to close a map using the default allocator.
// It is invalid to use a Map after it has been closed, though Close itself
// is idempotent.
func (m *Map[K, V]) Close() {
	if m.slots != nil {
		m.allocator.FreeSlots(m.slots)
		m.slots = nil
		m.used = 0
		m.mods++
	}
}

// index returns the ideal slot of key in a table with the given mask.
func (m *Map[K, V]) index(key *K, mask uintptr) uintptr {
	return spread(m.hash(key, m.seed)) & mask
}

// find returns the slot holding key, or ok=false if key is not present.
func (m *Map[K, V]) find(key *K) (i uintptr, ok bool) {
	mask := uintptr(len(m.slots) - 1)
	for i = m.index(key, mask); m.slots[i].used; i = probeNext(i, mask) {
		if m.slots[i].key == key {
			return i, true
		}
	}
	return i, false
}

// Get retrieves the value from the map for the specified key, returning
// ok=false if the key is not present.
func (m *Map[K, V]) Get(key *K) (value V, ok bool) {
	if i, ok := m.find(key); ok {
		return m.slots[i].value, true
	}
	return value, false
}

// Has returns true if the map contains an entry for key.
func (m *Map[K, V]) Has(key *K) bool {
	_, ok := m.find(key)
	return ok
}

// HasValue returns true if one or more keys map to value. It is linear in
// the capacity of the map.
func (m *Map[K, V]) HasValue(value V) bool {
	for i := range m.slots {
		if s := &m.slots[i]; s.used && s.value == value {
			return true
		}
	}
	return false
}

// HasMapping returns true if the map contains an entry for key whose value
// is value.
func (m *Map[K, V]) HasMapping(key *K, value V) bool {
	i, ok := m.find(key)
	return ok && m.slots[i].value == value
}

// Put inserts an entry into the map, overwriting an existing value if an
// entry with the same key already exists. ErrCapacityExhausted is returned
// if key is new and the map cannot hold another entry.
func (m *Map[K, V]) Put(key *K, value V) error {
	_, _, err := m.Swap(key, value)
	return err
}

// Swap inserts an entry into the map and returns the value previously
// associated with key, if any. The loaded result reports whether key was
// present. Overwriting the value of an existing key is not a structural
// modification and does not invalidate iterators.
func (m *Map[K, V]) Swap(key *K, value V) (previous V, loaded bool, err error) {
	h := m.hash(key, m.seed)

	for {
		mask := uintptr(len(m.slots) - 1)
		i := spread(h) & mask
		if debug {
			fmt.Printf("put(%p): index=%d capacity=%d\n", key, i, len(m.slots))
		}

		for ; m.slots[i].used; i = probeNext(i, mask) {
			if s := &m.slots[i]; s.key == key {
				if debug {
					fmt.Printf("put(updating): index=%d key=%p\n", i, key)
				}
				previous, s.value = s.value, value
				return previous, true, nil
			}
		}

		// Before performing the insertion we may decide the table is getting
		// overcrowded (i.e. the load factor would exceed 2/3), in which case
		// we grow and start over as the probe sequence has changed.
		if n := uintptr(m.used + 1); 3*n > 2*uintptr(len(m.slots)) {
			grew, err := m.resize(2 * uintptr(len(m.slots)))
			if err != nil {
				return previous, false, err
			}
			if grew {
				continue
			}
		}

		m.slots[i] = Slot[K, V]{key: key, value: value, used: true}
		m.used++
		m.mods++
		if debug {
			fmt.Printf("put(inserting): index=%d used=%d\n", i, m.used)
		}
		m.checkInvariants()
		return previous, false, nil
	}
}

// PutAll copies every entry of other into m. The table is grown up front if
// other is larger than m. Each entry is inserted atomically, but if the map
// runs out of capacity the entries copied before the failure remain.
func (m *Map[K, V]) PutAll(other *Map[K, V]) error {
	if other == m || other.used == 0 {
		return nil
	}
	if other.used > m.used {
		if _, err := m.resize(m.capacityFor(other.used)); err != nil {
			return err
		}
	}
	for i := range other.slots {
		if s := &other.slots[i]; s.used {
			if err := m.Put(s.key, s.value); err != nil {
				return err
			}
		}
	}
	return nil
}

// resize grows the table to newCapacity slots, rebuilding it from scratch.
// It returns false without modifying the map if the table is already at
// least that large, or if the table is at its maximum capacity and can
// still accept an entry. If the table is at its maximum capacity with a
// single free slot remaining ErrCapacityExhausted is returned.
func (m *Map[K, V]) resize(newCapacity uintptr) (bool, error) {
	oldCapacity := uintptr(len(m.slots))
	if oldCapacity >= m.maxCapacity {
		if uintptr(m.used) >= m.maxCapacity-1 {
			return false, errors.Wrapf(ErrCapacityExhausted,
				"map holds %d entries at maximum capacity %d", m.used, m.maxCapacity)
		}
		return false, nil
	}
	if newCapacity > m.maxCapacity {
		newCapacity = m.maxCapacity
	}
	if oldCapacity >= newCapacity {
		return false, nil
	}

	if debug {
		fmt.Printf("resize: capacity=%d->%d used=%d\n", oldCapacity, newCapacity, m.used)
	}

	oldSlots := m.slots
	m.slots = m.allocator.AllocSlots(int(newCapacity))
	mask := newCapacity - 1
	for j := range oldSlots {
		s := &oldSlots[j]
		if !s.used {
			continue
		}
		i := m.index(s.key, mask)
		for m.slots[i].used {
			i = probeNext(i, mask)
		}
		m.slots[i] = *s
	}
	m.allocator.FreeSlots(oldSlots)

	m.checkInvariants()
	return true, nil
}

// Delete deletes the entry corresponding to the specified key from the map
// and returns its value. It is a noop to delete a non-existent key.
func (m *Map[K, V]) Delete(key *K) (value V, ok bool) {
	i, ok := m.find(key)
	if !ok {
		return value, false
	}
	value = m.slots[i].value
	m.deleteAt(i)
	return value, true
}

// DeleteMapping deletes the entry for key only if it currently maps to
// value. It returns true if an entry was deleted.
func (m *Map[K, V]) DeleteMapping(key *K, value V) bool {
	i, ok := m.find(key)
	if !ok || m.slots[i].value != value {
		return false
	}
	m.deleteAt(i)
	return true
}

func (m *Map[K, V]) deleteAt(i uintptr) {
	if debug {
		fmt.Printf("delete(%p): index=%d used=%d\n", m.slots[i].key, i, m.used-1)
	}
	m.mods++
	m.used--
	m.slots[i] = Slot[K, V]{}
	m.closeDeletion(m.slots, i, nil)
	m.checkInvariants()
}

// closeDeletion restores the probe invariant after the slot at d in slots
// has been emptied. Every key in the run following d whose ideal slot r
// does not lie circularly within (d, i] is moved back into the gap, which
// then moves to the key's old slot. moved, if non-nil, is called before
// every move with the slot being vacated and the slot being filled.
func (m *Map[K, V]) closeDeletion(slots []Slot[K, V], d uintptr, moved func(from, to uintptr)) {
	mask := uintptr(len(slots) - 1)
	for i := probeNext(d, mask); slots[i].used; i = probeNext(i, mask) {
		// The key at i can be reached from r without passing through d
		// only if r lies in the circular interval (d, i]. In every other
		// case the gap at d would terminate a probe for it.
		r := m.index(slots[i].key, mask)
		if (i < r && (r <= d || d <= i)) || (r <= d && d <= i) {
			if debug {
				fmt.Printf("delete(compacting): %d -> %d ideal=%d\n", i, d, r)
			}
			if moved != nil {
				moved(i, d)
			}
			slots[d] = slots[i]
			slots[i] = Slot[K, V]{}
			d = i
		}
	}
}

// Clear deletes all entries from the map, retaining its capacity.
func (m *Map[K, V]) Clear() {
	m.mods++
	clear(m.slots)
	m.used = 0
	m.checkInvariants()
}

// Len returns the number of entries in the map.
func (m *Map[K, V]) Len() int {
	return m.used
}

// Empty returns true if the map contains no entries.
func (m *Map[K, V]) Empty() bool {
	return m.used == 0
}

// capacity returns the number of slots in the table.
func (m *Map[K, V]) capacity() int {
	return len(m.slots)
}

// Clone returns a shallow copy of the map: the keys and values themselves
// are not copied. The clone shares the hash function, seed, allocator and
// capacity of m.
func (m *Map[K, V]) Clone() *Map[K, V] {
	c := &Map[K, V]{
		hash:        m.hash,
		seed:        m.seed,
		allocator:   m.allocator,
		maxCapacity: m.maxCapacity,
		used:        m.used,
	}
	c.slots = c.allocator.AllocSlots(len(m.slots))
	copy(c.slots, m.slots)
	c.checkInvariants()
	return c
}

// Equal returns true if m and other contain the same keys, compared by
// identity, and each key maps to equal values in both.
func (m *Map[K, V]) Equal(other *Map[K, V]) bool {
	if m == other {
		return true
	}
	if m.used != other.used {
		return false
	}
	for i := range other.slots {
		if s := &other.slots[i]; s.used && !m.HasMapping(s.key, s.value) {
			return false
		}
	}
	return true
}

// All calls yield sequentially for each key and value present in the map.
// If yield returns false, All stops the iteration. The map must not be
// structurally modified by yield; doing so panics with an error wrapping
// ErrConcurrentModification. Use Iter to delete entries while iterating.
func (m *Map[K, V]) All(yield func(key *K, value V) bool) {
	it := m.Iter()
	for it.Next() {
		if !yield(it.Key(), it.Value()) {
			return
		}
	}
	if err := it.Err(); err != nil {
		panic(err)
	}
}

// Keys returns a view of the keys of the map. Operations on the view read
// and modify the map.
func (m *Map[K, V]) Keys() *KeySet[K, V] {
	if m.keys == nil {
		m.keys = &KeySet[K, V]{m: m}
	}
	return m.keys
}

// Values returns a view of the values of the map. Operations on the view
// read and modify the map.
func (m *Map[K, V]) Values() *Values[K, V] {
	if m.values == nil {
		m.values = &Values[K, V]{m: m}
	}
	return m.values
}

// Entries returns a view of the entries of the map. Operations on the view
// read and modify the map.
func (m *Map[K, V]) Entries() *EntrySet[K, V] {
	if m.entries == nil {
		m.entries = &EntrySet[K, V]{m: m}
	}
	return m.entries
}

func (m *Map[K, V]) checkInvariants() {
	if invariants {
		if n := len(m.slots); n < minCapacity || n&(n-1) != 0 {
			panic(fmt.Sprintf("invariant failed: capacity %d is not a power of two >= %d", n, minCapacity))
		}
		if uintptr(len(m.slots)) > m.maxCapacity {
			panic(fmt.Sprintf("invariant failed: capacity %d exceeds maximum %d", len(m.slots), m.maxCapacity))
		}

		// For every used slot, verify we can retrieve the key using Get.
		// Count the number of used slots.
		var used int
		for i := range m.slots {
			s := &m.slots[i]
			if !s.used {
				if s.key != nil {
					panic(fmt.Sprintf("invariant failed: slot(%d): unused slot holds key %p\n%s",
						i, s.key, m.debugString()))
				}
				continue
			}
			if j, ok := m.find(s.key); !ok || j != uintptr(i) {
				panic(fmt.Sprintf("invariant failed: slot(%d): %p not found [ideal=%d]\n%s",
					i, s.key, m.index(s.key, uintptr(len(m.slots)-1)), m.debugString()))
			}
			used++
		}

		if used != m.used {
			panic(fmt.Sprintf("invariant failed: found %d used slots, but used count is %d\n%s",
				used, m.used, m.debugString()))
		}
		if used >= len(m.slots) {
			panic(fmt.Sprintf("invariant failed: no empty slot remains\n%s", m.debugString()))
		}
	}
}

func (m *Map[K, V]) debugString() string {
	var buf strings.Builder
	fmt.Fprintf(&buf, "capacity=%d  used=%d  mods=%d\n", len(m.slots), m.used, m.mods)
	mask := uintptr(len(m.slots) - 1)
	for i := range m.slots {
		s := &m.slots[i]
		if !s.used {
			fmt.Fprintf(&buf, "  %4d: empty\n", i)
			continue
		}
		fmt.Fprintf(&buf, "  %4d: %p [ideal=%d] %v\n", i, s.key, m.index(s.key, mask), s.value)
	}
	return buf.String()
}
