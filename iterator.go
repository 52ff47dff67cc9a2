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
	"fmt"
	"unsafe"

	"github.com/pkg/errors"
)

// Iterator traverses the entries of a Map in table order. It is created by
// Map.Iter or by the Iter method of one of the Map's views:
//
//	it := m.Iter()
//	for it.Next() {
//	  if shouldDrop(it.Key(), it.Value()) {
//	    if err := it.Remove(); err != nil {
//	      return err
//	    }
//	  }
//	}
//	if err := it.Err(); err != nil {
//	  return err
//	}
//
// An Iterator is fail-fast: once the Map is structurally modified other
// than through Remove, Next returns false and Err returns an error wrapping
// ErrConcurrentModification. The check is best-effort; it detects
// modifications made by the same goroutine, not unsynchronized access from
// another one.
type Iterator[K any, V comparable] struct {
	m *Map[K, V]
	// slots is the table being traversed. It is the Map's live table until
	// a Remove forks the iterator, after which it is a private copy of the
	// unvisited suffix of the table.
	slots []Slot[K, V]
	// index is the cursor into slots. When valid is true it points at a
	// used slot that has not been returned yet. Once index reaches
	// len(slots) the iterator is exhausted.
	index int
	valid bool
	// last is the index of the slot returned by the last call to Next, or
	// -1 if there is no entry that Remove may delete.
	last int
	// expectedMods is the value of m.mods the iterator was last
	// synchronized with.
	expectedMods uint64
	err          error

	key   *K
	value V
	entry *Entry[K, V]
}

// Iter returns an Iterator positioned before the first entry of the map.
func (m *Map[K, V]) Iter() *Iterator[K, V] {
	it := &Iterator[K, V]{
		m:            m,
		slots:        m.slots,
		last:         -1,
		expectedMods: m.mods,
	}
	if m.used == 0 {
		it.index = len(it.slots)
	}
	return it
}

// forked returns true once the iterator traverses a private copy of the
// table rather than the Map's live table.
func (it *Iterator[K, V]) forked() bool {
	return !sameTable(it.slots, it.m.slots)
}

func sameTable[K any, V comparable](a, b []Slot[K, V]) bool {
	return len(a) == len(b) && unsafe.SliceData(a) == unsafe.SliceData(b)
}

// HasNext returns true if a subsequent call to Next will return an entry,
// barring modification of the map. It does not check for concurrent
// modification and does not change which entry Remove deletes.
func (it *Iterator[K, V]) HasNext() bool {
	if it.valid {
		return true
	}
	for i := it.index; i < len(it.slots); i++ {
		if it.slots[i].used {
			it.index = i
			it.valid = true
			return true
		}
	}
	it.index = len(it.slots)
	return false
}

// Next advances the iterator to the next entry, which is then available
// through Key, Value and Entry. It returns false when the iteration is
// exhausted or when the map was modified other than through the iterator,
// in which case Err reports why.
func (it *Iterator[K, V]) Next() bool {
	if it.err != nil {
		return false
	}
	if it.m.mods != it.expectedMods {
		it.err = errors.Wrapf(ErrConcurrentModification,
			"map modified during iteration (mods %d, expected %d)", it.m.mods, it.expectedMods)
		return false
	}
	if !it.HasNext() {
		it.last = -1
		return false
	}

	it.valid = false
	it.last = it.index
	it.index++
	s := &it.slots[it.last]
	it.key, it.value = s.key, s.value
	it.entry = nil
	return true
}

// Err returns the error, if any, that stopped the iteration.
func (it *Iterator[K, V]) Err() error {
	return it.err
}

// Key returns the key of the entry returned by the last call to Next.
func (it *Iterator[K, V]) Key() *K {
	return it.key
}

// Value returns the value of the entry returned by the last call to Next,
// as it was when Next returned.
func (it *Iterator[K, V]) Value() V {
	return it.value
}

// Entry returns the entry returned by the last call to Next, or nil if
// there is none. Calling Entry repeatedly between calls to Next returns the
// same *Entry.
func (it *Iterator[K, V]) Entry() *Entry[K, V] {
	if it.last < 0 {
		return nil
	}
	if it.entry == nil {
		it.entry = &Entry[K, V]{
			m:     it.m,
			slots: it.slots,
			index: it.last,
			key:   it.key,
			value: it.value,
		}
	}
	return it.entry
}

// Remove deletes the entry returned by the last call to Next from the map.
// It returns an error wrapping ErrInvalidState if Next has not returned an
// entry since the last Remove, and one wrapping ErrConcurrentModification
// if the map was modified other than through the iterator.
func (it *Iterator[K, V]) Remove() error {
	if it.last < 0 {
		return errors.Wrap(ErrInvalidState, "remove must follow a successful call to Next")
	}
	if it.m.mods != it.expectedMods {
		it.err = errors.Wrapf(ErrConcurrentModification,
			"map modified during iteration (mods %d, expected %d)", it.m.mods, it.expectedMods)
		return it.err
	}

	deleted := it.last
	it.last = -1
	// Back up the cursor to revisit the deleted slot, which compaction may
	// refill with a key that has not been returned yet.
	it.index = deleted
	it.valid = false
	if it.entry != nil {
		it.entry.detach(it.value)
		it.entry = nil
	}

	slots := it.slots
	key := slots[deleted].key
	slots[deleted] = Slot[K, V]{}

	if it.forked() {
		// The copy is only used for traversal and is not kept compaction
		// consistent, so delete through the map.
		it.m.Delete(key)
		it.expectedMods = it.m.mods
		return nil
	}

	it.m.mods++
	it.expectedMods = it.m.mods
	it.m.used--

	d := uintptr(deleted)
	it.m.closeDeletion(slots, d, func(from, to uintptr) {
		// A run that wraps around the end of the table may move a key we
		// have already returned from the front of the table to a slot at or
		// after the cursor. Continue over a copy of the unvisited suffix so
		// it is not returned again.
		if from < d && to >= d && !it.forked() {
			if debug {
				fmt.Printf("iter(forking): moving %d -> %d behind cursor %d\n", from, to, d)
			}
			snapshot := make([]Slot[K, V], len(slots)-deleted)
			copy(snapshot, slots[deleted:])
			it.slots = snapshot
			it.index = 0
		}
	})
	it.m.checkInvariants()
	return nil
}

// Entry is a key/value pair produced by an Iterator. Its value can be
// updated in place while the iteration is in progress.
type Entry[K any, V comparable] struct {
	m     *Map[K, V]
	slots []Slot[K, V]
	// index is the slot of the entry in slots, or -1 once the entry has
	// been removed through its iterator.
	index int
	key   *K
	// value is the last value observed for the entry.
	value V
}

func (e *Entry[K, V]) detach(value V) {
	e.index = -1
	e.value = value
	e.slots = nil
}

// live returns the slot holding the entry if it is in the map's current
// table and has not been moved since the entry was produced.
func (e *Entry[K, V]) live() *Slot[K, V] {
	if e.index < 0 || !sameTable(e.slots, e.m.slots) {
		return nil
	}
	if s := &e.slots[e.index]; s.used && s.key == e.key {
		return s
	}
	return nil
}

// Key returns the key of the entry.
func (e *Entry[K, V]) Key() *K {
	return e.key
}

// Value returns the current value of the entry. Once the entry has been
// removed it returns the value the entry held when it was removed.
func (e *Entry[K, V]) Value() V {
	if e.index < 0 {
		return e.value
	}
	if s := e.live(); s != nil {
		e.value = s.value
	} else if v, ok := e.m.Get(e.key); ok {
		e.value = v
	}
	return e.value
}

// SetValue replaces the value of the entry and returns the previous value.
// The write goes directly to the map's table when the entry still lives at
// the slot it was read from, and through Map.Swap otherwise (e.g. when the
// entry was produced from a forked iterator). An error wrapping
// ErrInvalidState is returned if the entry was removed.
func (e *Entry[K, V]) SetValue(value V) (V, error) {
	if e.index < 0 {
		var zero V
		return zero, errors.Wrap(ErrInvalidState, "entry was removed")
	}
	previous := e.value
	if s := e.live(); s != nil {
		previous, s.value = s.value, value
		e.value = value
		return previous, nil
	}
	p, loaded, err := e.m.Swap(e.key, value)
	if err != nil {
		return previous, err
	}
	if loaded {
		previous = p
	}
	e.value = value
	return previous, nil
}
