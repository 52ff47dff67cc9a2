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

// KeySet is a view of the keys of a Map. It holds no state of its own;
// every operation reads or modifies the underlying Map.
type KeySet[K any, V comparable] struct {
	m *Map[K, V]
}

// Len returns the number of keys.
func (s *KeySet[K, V]) Len() int { return s.m.used }

// Has returns true if key is present.
func (s *KeySet[K, V]) Has(key *K) bool { return s.m.Has(key) }

// Delete deletes key and its value from the map, returning true if key was
// present.
func (s *KeySet[K, V]) Delete(key *K) bool {
	_, ok := s.m.Delete(key)
	return ok
}

// Clear deletes all entries from the map.
func (s *KeySet[K, V]) Clear() { s.m.Clear() }

// Iter returns an Iterator over the map. Its Remove deletes the current key.
func (s *KeySet[K, V]) Iter() *Iterator[K, V] { return s.m.Iter() }

// All calls yield sequentially for each key. See Map.All.
func (s *KeySet[K, V]) All(yield func(key *K) bool) {
	s.m.All(func(key *K, _ V) bool {
		return yield(key)
	})
}

// DeleteFunc deletes every key for which del returns true and returns the
// number of keys deleted.
func (s *KeySet[K, V]) DeleteFunc(del func(key *K) bool) (int, error) {
	return deleteFunc(s.m, func(it *Iterator[K, V]) bool {
		return del(it.Key())
	})
}

// Slice returns the keys in table order.
func (s *KeySet[K, V]) Slice() []*K {
	keys := make([]*K, 0, s.m.used)
	s.All(func(key *K) bool {
		keys = append(keys, key)
		return true
	})
	return keys
}

// Values is a view of the values of a Map. The same value may appear once
// for every key mapping to it.
type Values[K any, V comparable] struct {
	m *Map[K, V]
}

// Len returns the number of values, which is the number of entries.
func (s *Values[K, V]) Len() int { return s.m.used }

// Has returns true if one or more keys map to value.
func (s *Values[K, V]) Has(value V) bool { return s.m.HasValue(value) }

// Delete deletes the first entry in table order whose value is value and
// returns true if there was one.
func (s *Values[K, V]) Delete(value V) bool {
	for i := range s.m.slots {
		if e := &s.m.slots[i]; e.used && e.value == value {
			s.m.deleteAt(uintptr(i))
			return true
		}
	}
	return false
}

// Clear deletes all entries from the map.
func (s *Values[K, V]) Clear() { s.m.Clear() }

// Iter returns an Iterator over the map. Its Remove deletes the entry of
// the current value.
func (s *Values[K, V]) Iter() *Iterator[K, V] { return s.m.Iter() }

// All calls yield sequentially for each value. See Map.All.
func (s *Values[K, V]) All(yield func(value V) bool) {
	s.m.All(func(_ *K, value V) bool {
		return yield(value)
	})
}

// DeleteFunc deletes every entry whose value del returns true for and
// returns the number of entries deleted.
func (s *Values[K, V]) DeleteFunc(del func(value V) bool) (int, error) {
	return deleteFunc(s.m, func(it *Iterator[K, V]) bool {
		return del(it.Value())
	})
}

// Slice returns the values in table order.
func (s *Values[K, V]) Slice() []V {
	values := make([]V, 0, s.m.used)
	s.All(func(value V) bool {
		values = append(values, value)
		return true
	})
	return values
}

// EntrySet is a view of the key/value pairs of a Map.
type EntrySet[K any, V comparable] struct {
	m *Map[K, V]
}

// Len returns the number of entries.
func (s *EntrySet[K, V]) Len() int { return s.m.used }

// Has returns true if key is present and maps to value.
func (s *EntrySet[K, V]) Has(key *K, value V) bool { return s.m.HasMapping(key, value) }

// Delete deletes key if it maps to value and returns true if it did.
func (s *EntrySet[K, V]) Delete(key *K, value V) bool { return s.m.DeleteMapping(key, value) }

// Clear deletes all entries from the map.
func (s *EntrySet[K, V]) Clear() { s.m.Clear() }

// Iter returns an Iterator over the map. Use Iterator.Entry to obtain the
// current entry.
func (s *EntrySet[K, V]) Iter() *Iterator[K, V] { return s.m.Iter() }

// All calls yield sequentially for each entry. The entries may be updated
// with Entry.SetValue. See Map.All.
func (s *EntrySet[K, V]) All(yield func(e *Entry[K, V]) bool) {
	it := s.m.Iter()
	for it.Next() {
		if !yield(it.Entry()) {
			return
		}
	}
	if err := it.Err(); err != nil {
		panic(err)
	}
}

// DeleteFunc deletes every entry for which del returns true and returns the
// number of entries deleted.
func (s *EntrySet[K, V]) DeleteFunc(del func(key *K, value V) bool) (int, error) {
	return deleteFunc(s.m, func(it *Iterator[K, V]) bool {
		return del(it.Key(), it.Value())
	})
}

// deleteFunc removes, through a single Iterator, every entry for which del
// returns true.
func deleteFunc[K any, V comparable](m *Map[K, V], del func(it *Iterator[K, V]) bool) (int, error) {
	var n int
	it := m.Iter()
	for it.Next() {
		if !del(it) {
			continue
		}
		if err := it.Remove(); err != nil {
			return n, err
		}
		n++
	}
	return n, it.Err()
}
