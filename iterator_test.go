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
	"math/rand/v2"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestIteratorVisitsAll(t *testing.T) {
	m := newMap[int, int](t, 0)
	keys := makeKeys(100)
	for _, k := range keys {
		require.NoError(t, m.Put(k, *k))
	}

	seen := make(map[*int]int)
	it := m.Iter()
	for it.Next() {
		require.Equal(t, *it.Key(), it.Value())
		seen[it.Key()]++
	}
	require.NoError(t, it.Err())
	require.Len(t, seen, len(keys))
	for _, k := range keys {
		require.Equal(t, 1, seen[k])
	}

	// An exhausted iterator stays exhausted.
	require.False(t, it.HasNext())
	require.False(t, it.Next())
	require.NoError(t, it.Err())
}

func TestIteratorEmpty(t *testing.T) {
	m := newMap[int, int](t, 0)
	it := m.Iter()
	require.False(t, it.HasNext())
	require.False(t, it.Next())
	require.Nil(t, it.Entry())
	require.ErrorIs(t, it.Remove(), ErrInvalidState)
}

func TestIteratorHasNext(t *testing.T) {
	m := newMap[int, int](t, 0)
	keys := makeKeys(3)
	for _, k := range keys {
		require.NoError(t, m.Put(k, *k))
	}

	it := m.Iter()
	var n int
	for it.HasNext() {
		// HasNext is idempotent.
		require.True(t, it.HasNext())
		require.True(t, it.Next())
		n++
	}
	require.Equal(t, 3, n)

	// HasNext does not forget the entry returned by Next.
	require.NoError(t, it.Remove())
	require.Equal(t, 2, m.Len())
}

func TestIteratorFailFast(t *testing.T) {
	setup := func(t *testing.T) (*Map[int, int], []*int, *Iterator[int, int]) {
		m := newMap[int, int](t, 0)
		keys := makeKeys(10)
		for _, k := range keys {
			require.NoError(t, m.Put(k, *k))
		}
		it := m.Iter()
		require.True(t, it.Next())
		return m, keys, it
	}

	t.Run("put", func(t *testing.T) {
		m, _, it := setup(t)
		require.NoError(t, m.Put(new(int), 0))
		require.False(t, it.Next())
		require.ErrorIs(t, it.Err(), ErrConcurrentModification)
		// The error is sticky.
		require.False(t, it.Next())
		require.ErrorIs(t, it.Err(), ErrConcurrentModification)
	})

	t.Run("delete", func(t *testing.T) {
		m, keys, it := setup(t)
		m.Delete(keys[3])
		require.False(t, it.Next())
		require.ErrorIs(t, it.Err(), ErrConcurrentModification)
	})

	t.Run("clear", func(t *testing.T) {
		m, _, it := setup(t)
		m.Clear()
		require.False(t, it.Next())
		require.ErrorIs(t, it.Err(), ErrConcurrentModification)
	})

	t.Run("remove", func(t *testing.T) {
		m, _, it := setup(t)
		require.NoError(t, m.Put(new(int), 0))
		require.ErrorIs(t, it.Remove(), ErrConcurrentModification)
		require.Equal(t, 11, m.Len())
	})

	t.Run("other-iterator", func(t *testing.T) {
		m, _, it := setup(t)
		other := m.Iter()
		require.True(t, other.Next())
		require.NoError(t, other.Remove())
		require.False(t, it.Next())
		require.ErrorIs(t, it.Err(), ErrConcurrentModification)
	})

	t.Run("update", func(t *testing.T) {
		// Overwriting the value of an existing key is not structural.
		m, keys, it := setup(t)
		for _, k := range keys {
			require.NoError(t, m.Put(k, -1))
		}
		n := 1
		for it.Next() {
			require.Equal(t, -1, it.Value())
			n++
		}
		require.NoError(t, it.Err())
		require.Equal(t, 10, n)
	})
}

func TestIteratorRemoveInvalidState(t *testing.T) {
	m := newMap[int, int](t, 0)
	for _, k := range makeKeys(5) {
		require.NoError(t, m.Put(k, *k))
	}

	it := m.Iter()
	require.ErrorIs(t, it.Remove(), ErrInvalidState)
	require.True(t, it.Next())
	require.NoError(t, it.Remove())
	require.ErrorIs(t, it.Remove(), ErrInvalidState)
	require.Equal(t, 4, m.Len())

	for it.Next() {
	}
	require.NoError(t, it.Err())
	require.ErrorIs(t, it.Remove(), ErrInvalidState)
	require.Equal(t, 4, m.Len())
}

func TestIteratorRemoveAll(t *testing.T) {
	test := func(t *testing.T, m *Map[int, int]) {
		keys := makeKeys(200)
		for _, k := range keys {
			require.NoError(t, m.Put(k, *k))
		}

		seen := make(map[*int]int)
		it := m.Iter()
		for it.Next() {
			seen[it.Key()]++
			require.NoError(t, it.Remove())
			require.False(t, m.Has(it.Key()))
		}
		require.NoError(t, it.Err())
		require.Len(t, seen, len(keys))
		for _, k := range keys {
			require.Equal(t, 1, seen[k])
		}
		require.True(t, m.Empty())
		verifyMap(t, m)
	}

	t.Run("normal", func(t *testing.T) {
		test(t, newMap[int, int](t, 0))
	})
	t.Run("degenerate", func(t *testing.T) {
		test(t, newMap[int, int](t, 0, WithHash[int, int](func(key *int, seed uint64) uint64 {
			return 5
		})))
	})
}

// forkFixture builds a table of capacity 8 holding a, b and c, all with
// ideal slot 6. The run wraps around: a is at 6, b at 7 and c at 0.
func forkFixture(t *testing.T) (m *Map[int, int], a, b, c *int) {
	m = newMap[int, int](t, 3, WithHash[int, int](func(key *int, seed uint64) uint64 {
		return 6
	}))
	require.EqualValues(t, 8, m.capacity())

	keys := makeKeys(3)
	a, b, c = keys[0], keys[1], keys[2]
	for _, k := range keys {
		require.NoError(t, m.Put(k, *k))
	}
	require.True(t, m.slots[6].key == a)
	require.True(t, m.slots[7].key == b)
	require.True(t, m.slots[0].key == c)
	return m, a, b, c
}

func TestIteratorFork(t *testing.T) {
	m, a, b, c := forkFixture(t)

	it := m.Iter()
	require.True(t, it.Next())
	require.True(t, it.Key() == c)
	require.True(t, it.Next())
	require.True(t, it.Key() == a)

	// Removing a moves b from 7 to 6 and then the already returned c from
	// 0 to 7, after the cursor.
	require.NoError(t, it.Remove())
	require.True(t, it.forked())
	require.True(t, m.slots[6].key == b)
	require.True(t, m.slots[7].key == c)
	verifyMap(t, m)

	require.True(t, it.Next())
	require.True(t, it.Key() == b)
	require.False(t, it.Next())
	require.NoError(t, it.Err())

	require.Equal(t, map[*int]int{b: 1, c: 2}, m.toBuiltinMap())
}

func TestIteratorForkRemove(t *testing.T) {
	m, a, b, c := forkFixture(t)

	it := m.Iter()
	require.True(t, it.Next()) // c
	require.True(t, it.Next()) // a
	require.NoError(t, it.Remove())
	require.True(t, it.forked())

	// Removal through a forked iterator goes through the map.
	require.True(t, it.Next())
	require.True(t, it.Key() == b)
	require.NoError(t, it.Remove())
	require.ErrorIs(t, it.Remove(), ErrInvalidState)
	require.False(t, it.Next())
	require.NoError(t, it.Err())

	require.Equal(t, map[*int]int{c: 2}, m.toBuiltinMap())
	require.False(t, m.Has(a))
	verifyMap(t, m)

	// A fresh iterator over the compacted table fails fast as usual.
	it = m.Iter()
	require.True(t, it.Next())
	require.NoError(t, m.Put(a, 0))
	require.False(t, it.Next())
	require.ErrorIs(t, it.Err(), ErrConcurrentModification)
}

func TestIteratorForkEntry(t *testing.T) {
	m, _, b, _ := forkFixture(t)

	it := m.Iter()
	require.True(t, it.Next()) // c
	require.True(t, it.Next()) // a
	require.NoError(t, it.Remove())

	require.True(t, it.Next())
	e := it.Entry()
	require.True(t, e.Key() == b)
	require.Equal(t, 1, e.Value())

	// The entry was produced from the private copy, so the write must reach
	// the map through Put.
	previous, err := e.SetValue(42)
	require.NoError(t, err)
	require.Equal(t, 1, previous)
	require.Equal(t, 42, e.Value())
	v, ok := m.Get(b)
	require.True(t, ok)
	require.Equal(t, 42, v)

	require.False(t, it.Next())
	require.NoError(t, it.Err())
}

func TestIteratorRemoveRandom(t *testing.T) {
	var forks int
	for trial := 0; trial < 200; trial++ {
		capacity := 8 << rand.IntN(4)
		n := 2 * capacity / 3
		m := newMap[int, int](t, n,
			WithMaxCapacity[int, int](capacity),
			WithHash[int, int](clusteredHash))
		require.EqualValues(t, capacity, m.capacity())

		// Fill up to the load factor with keys whose ideal slots are near
		// the end of the table so that runs wrap around to the front.
		e := make(map[*int]int)
		for i := 0; i < n; i++ {
			k := capacity - 1 - rand.IntN(capacity/4)
			require.NoError(t, m.Put(&k, i))
			e[&k] = i
		}

		seen := make(map[*int]int)
		it := m.Iter()
		for it.Next() {
			k := it.Key()
			seen[k]++
			require.Equal(t, e[k], it.Value())
			if rand.IntN(2) == 0 {
				wasForked := it.forked()
				require.NoError(t, it.Remove())
				if !wasForked && it.forked() {
					forks++
				}
				delete(e, k)
				require.False(t, m.Has(k))
			}
		}
		require.NoError(t, it.Err())

		// Every key is returned exactly once.
		require.Len(t, seen, n)
		for k, n := range seen {
			require.Equal(t, 1, n, "%p returned %d times", k, n)
		}
		require.Equal(t, e, m.toBuiltinMap())
		verifyMap(t, m)
	}
	require.Greater(t, forks, 0)
}

func TestEntrySetValue(t *testing.T) {
	m := newMap[int, int](t, 0)
	keys := makeKeys(50)
	for _, k := range keys {
		require.NoError(t, m.Put(k, *k))
	}

	it := m.Iter()
	for it.Next() {
		e := it.Entry()
		require.True(t, e == it.Entry())
		previous, err := e.SetValue(e.Value() * 10)
		require.NoError(t, err)
		require.Equal(t, *e.Key(), previous)
	}
	require.NoError(t, it.Err())
	for _, k := range keys {
		v, _ := m.Get(k)
		require.Equal(t, *k*10, v)
	}

	// A removed entry keeps its value but can no longer be updated.
	it = m.Iter()
	require.True(t, it.Next())
	e := it.Entry()
	require.NoError(t, it.Remove())
	require.Equal(t, *e.Key()*10, e.Value())
	_, err := e.SetValue(0)
	require.ErrorIs(t, err, ErrInvalidState)
	require.False(t, m.Has(e.Key()))
}

func TestEntryStale(t *testing.T) {
	// An entry whose slot was refilled by compaction updates its own key.
	m := newMap[int, int](t, 3, WithHash[int, int](func(key *int, seed uint64) uint64 {
		return 2
	}))
	keys := makeKeys(3)
	for _, k := range keys {
		require.NoError(t, m.Put(k, *k))
	}

	it := m.Iter()
	require.True(t, it.Next())
	first := it.Entry()
	require.True(t, first.Key() == keys[0])
	require.True(t, it.Next())
	second := it.Entry()
	m.Delete(keys[0])

	previous, err := second.SetValue(100)
	require.NoError(t, err)
	require.Equal(t, 1, previous)
	v, _ := m.Get(keys[1])
	require.Equal(t, 100, v)
	v, _ = m.Get(keys[2])
	require.Equal(t, 2, v)
	verifyMap(t, m)
}
