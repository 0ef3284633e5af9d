// Copyright 2024 The Densemap Authors
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

package densemap

import (
	"fmt"
	"hash/fnv"
	"math/rand"
	"strings"
	"testing"

	"github.com/cockroachdb/errors"
	"github.com/stretchr/testify/require"
)

// toBuiltinMap returns the elements as a map[K]V. Useful for testing.
func (m *Map[K, V]) toBuiltinMap() map[K]V {
	r := make(map[K]V)
	m.All(func(k K, v V) bool {
		r[k] = v
		return true
	})
	return r
}

// randElement returns a uniformly random live element via the debug
// position surface.
func (m *Map[K, V]) randElement(rng *rand.Rand) (key K, value V, ok bool) {
	if m.Len() == 0 {
		return key, value, false
	}
	k, v, err := m.DebugElementAt(uint32(rng.Intn(m.Len())))
	if err != nil {
		return key, value, false
	}
	return k, *v, true
}

// shiftHash maps each int key to a distinct hash whose low byte is zero, so
// all keys share a primary bucket (for capacities up to 256) while their
// partial hash bits differ.
func shiftHash(key *int, seed uintptr) uintptr {
	return uintptr(*key) << 8
}

func TestBasic(t *testing.T) {
	test := func(t *testing.T, m *Map[int, int]) {
		const count = 100

		e := make(map[int]int)
		require.EqualValues(t, 0, m.Len())

		// Non-existent.
		for i := 0; i < count; i++ {
			_, ok := m.Get(i)
			require.False(t, ok)
		}

		// Insert.
		for i := 0; i < count; i++ {
			require.NoError(t, m.Put(i, i+count))
			e[i] = i + count
			v, ok := m.Get(i)
			require.True(t, ok)
			require.EqualValues(t, i+count, v)
			require.EqualValues(t, i+1, m.Len())
			require.Equal(t, e, m.toBuiltinMap())
		}

		// Update.
		for i := 0; i < count; i++ {
			require.NoError(t, m.Put(i, i+2*count))
			e[i] = i + 2*count
			v, ok := m.Get(i)
			require.True(t, ok)
			require.EqualValues(t, i+2*count, v)
			require.EqualValues(t, count, m.Len())
			require.Equal(t, e, m.toBuiltinMap())
		}

		// Delete.
		for i := 0; i < count; i++ {
			require.True(t, m.Delete(i))
			delete(e, i)
			require.EqualValues(t, count-i-1, m.Len())
			_, ok := m.Get(i)
			require.False(t, ok)
			require.Equal(t, e, m.toBuiltinMap())
		}
	}

	t.Run("normal", func(t *testing.T) {
		test(t, New[int, int](0))
	})

	t.Run("preallocated", func(t *testing.T) {
		test(t, New[int, int](128))
	})

	t.Run("degenerate", func(t *testing.T) {
		// A constant hash function forces every key into a single chain.
		testDegenerate := func(t *testing.T, h uintptr) {
			m := New[int, int](0,
				WithHash[int, int](func(key *int, seed uintptr) uintptr {
					return h
				}))
			test(t, m)
		}

		for _, v := range []uintptr{0, ^uintptr(0)} {
			t.Run(fmt.Sprintf("%016x", v), func(t *testing.T) {
				testDegenerate(t, v)
			})
		}
		for i := 0; i < 10; i++ {
			v := uintptr(rand.Uint64())
			t.Run(fmt.Sprintf("%016x", v), func(t *testing.T) {
				testDegenerate(t, v)
			})
		}
	})
}

func TestRandom(t *testing.T) {
	test := func(t *testing.T, m *Map[int, int]) {
		rng := rand.New(rand.NewSource(rand.Int63()))
		e := make(map[int]int)
		for i := 0; i < 10000; i++ {
			switch r := rng.Float64(); {
			case r < 0.45: // 45% inserts
				k, v := rng.Int(), rng.Int()
				require.NoError(t, m.Put(k, v))
				e[k] = v
			case r < 0.60: // 15% updates
				if k, _, ok := m.randElement(rng); !ok {
					require.EqualValues(t, 0, m.Len(), e)
				} else {
					v := rng.Int()
					require.NoError(t, m.Put(k, v))
					e[k] = v
				}
			case r < 0.75: // 15% deletes
				if k, _, ok := m.randElement(rng); !ok {
					require.EqualValues(t, 0, m.Len(), e)
				} else {
					require.True(t, m.Delete(k))
					delete(e, k)
				}
			case r < 0.80: // 5% deletes of absent keys
				k := -rng.Int() - 1 // inserts only draw non-negative keys
				require.False(t, m.Delete(k))
				require.False(t, m.Has(k))
			case r < 0.85: // 5% key replacements
				if k, v, ok := m.randElement(rng); !ok {
					require.EqualValues(t, 0, m.Len(), e)
				} else {
					nk := rng.Int()
					if _, exists := e[nk]; exists {
						continue
					}
					require.NoError(t, m.ReplaceKey(k, nk))
					delete(e, k)
					e[nk] = v
				}
			case r < 0.95: // 10% lookups
				if k, v, ok := m.randElement(rng); !ok {
					require.EqualValues(t, 0, m.Len(), e)
				} else {
					require.EqualValues(t, e[k], v)
				}
			default: // 5% full iteration
				require.Equal(t, e, m.toBuiltinMap())
			}
			require.EqualValues(t, len(e), m.Len())
		}
	}

	t.Run("normal", func(t *testing.T) {
		test(t, New[int, int](0))
	})

	t.Run("degenerate", func(t *testing.T) {
		for _, v := range []uintptr{0, ^uintptr(0)} {
			t.Run(fmt.Sprintf("%016x", v), func(t *testing.T) {
				m := New[int, int](0,
					WithHash[int, int](func(key *int, seed uintptr) uintptr {
						return v
					}))
				test(t, m)
			})
		}
	})
}

func TestGrowth(t *testing.T) {
	m := New[int, int](0)
	initialCap := m.Cap()
	require.EqualValues(t, 4, initialCap)

	for k := 0; k < 1000; k++ {
		require.NoError(t, m.Put(k, k*2))
	}
	require.EqualValues(t, 1000, m.Len())
	for k := 0; k < 1000; k++ {
		v, ok := m.Get(k)
		require.True(t, ok)
		require.EqualValues(t, k*2, v)
	}
	// At least two doublings from the minimum tier.
	require.GreaterOrEqual(t, m.Cap(), 4*initialCap)
	// Capacity is a power of two and occupancy is below threshold.
	require.EqualValues(t, 0, m.Cap()&(m.Cap()-1))
	require.LessOrEqual(t, float64(m.Len()), defaultMaxLoadMap*float64(m.Cap()))
}

func TestGrowthThreshold(t *testing.T) {
	// With the minimum capacity of 4 and a threshold of 0.8, the 4th insert
	// crosses the threshold and must double the capacity before completing.
	m := New[int, int](0)
	for k := 0; k < 3; k++ {
		require.NoError(t, m.Put(k, k))
		require.EqualValues(t, 4, m.Cap())
	}
	require.NoError(t, m.Put(3, 3))
	require.EqualValues(t, 8, m.Cap())
	require.EqualValues(t, 4, m.Len())
	for k := 0; k < 4; k++ {
		require.True(t, m.Has(k))
	}
}

func TestCollidingChain(t *testing.T) {
	// All keys share primary bucket 0 by construction but carry distinct
	// partial hash bits.
	m := New[int, int](0, WithHash[int, int](shiftHash))
	a, b, c := 1, 2, 3
	require.NoError(t, m.Put(a, 10))
	require.NoError(t, m.Put(b, 20))
	require.NoError(t, m.Put(c, 30))
	require.True(t, m.Has(a))
	require.True(t, m.Has(b))
	require.True(t, m.Has(c))

	require.True(t, m.Delete(b))
	require.True(t, m.Has(a))
	require.True(t, m.Has(c))
	require.False(t, m.Has(b))
	require.EqualValues(t, 2, m.Len())
}

func TestKickout(t *testing.T) {
	// Key 8 owns primary bucket 0 at capacity 8 while key 1 chains off
	// bucket 1. Key 9's overflow node can land in key 1's primary bucket, so
	// interleaving inserts exercises displacement; verify every key is still
	// reachable however the chains were laid out.
	m := New[int, int](16, WithHash[int, int](func(key *int, seed uintptr) uintptr {
		return uintptr(*key)
	}))
	for k := 0; k < 200; k++ {
		require.NoError(t, m.Put(k, k))
	}
	for k := 0; k < 200; k += 3 {
		require.True(t, m.Delete(k))
	}
	for k := 0; k < 200; k++ {
		require.Equal(t, k%3 != 0, m.Has(k))
	}
}

func TestEraseIdempotent(t *testing.T) {
	m := New[int, int](0)
	require.False(t, m.Delete(42))
	require.NoError(t, m.Put(42, 1))
	require.True(t, m.Delete(42))
	for i := 0; i < 10; i++ {
		require.False(t, m.Delete(42))
		require.EqualValues(t, 0, m.Len())
	}
}

func TestIterationOrder(t *testing.T) {
	m := New[int, string](0)
	const count = 500
	for k := 0; k < count; k++ {
		require.NoError(t, m.Put(k, fmt.Sprint(k)))
	}

	// Insertion order survives growth.
	var keys []int
	m.All(func(k int, v string) bool {
		require.Equal(t, fmt.Sprint(k), v)
		keys = append(keys, k)
		return true
	})
	require.Len(t, keys, count)
	for i, k := range keys {
		require.Equal(t, i, k)
	}

	// Early termination.
	n := 0
	m.All(func(int, string) bool {
		n++
		return n < 10
	})
	require.Equal(t, 10, n)
}

func TestCapacityRefused(t *testing.T) {
	// Pin the table at the minimum tier: 4 buckets hold at most 3 elements
	// at the 0.8 threshold.
	m := New[int, int](0, WithMaxCapacityIndex[int, int](2))
	for k := 0; k < 3; k++ {
		require.NoError(t, m.Put(k, k))
	}

	err := m.Put(3, 3)
	require.Error(t, err)
	require.True(t, errors.Is(err, ErrCapacityExceeded))

	// The refused insert must leave the table unmodified.
	require.EqualValues(t, 3, m.Len())
	require.EqualValues(t, 4, m.Cap())
	for k := 0; k < 3; k++ {
		require.True(t, m.Has(k))
	}
	require.False(t, m.Has(3))

	// Overwrites are still allowed at the ceiling.
	require.NoError(t, m.Put(1, 100))
	require.EqualValues(t, 100, m.MustGet(1))

	_, err = m.GetOrInsert(7)
	require.True(t, errors.Is(err, ErrCapacityExceeded))

	err = m.Reserve(100)
	require.True(t, errors.Is(err, ErrCapacityExceeded))
	require.EqualValues(t, 4, m.Cap())
}

func TestReserve(t *testing.T) {
	t.Run("unallocated", func(t *testing.T) {
		// Reserving before the first insert only records the tier.
		m := New[int, int](0)
		require.NoError(t, m.Reserve(1000))
		require.EqualValues(t, 1024, m.Cap())
		require.NoError(t, m.Put(1, 1))
		require.EqualValues(t, 1024, m.Cap())
	})

	t.Run("constructor", func(t *testing.T) {
		m := New[int, int](100)
		require.EqualValues(t, 128, m.Cap())
	})

	t.Run("populated", func(t *testing.T) {
		m := New[int, int](0)
		e := make(map[int]int)
		for k := 0; k < 50; k++ {
			require.NoError(t, m.Put(k, k))
			e[k] = k
		}
		require.NoError(t, m.Reserve(4096))
		require.EqualValues(t, 4096, m.Cap())
		require.Equal(t, e, m.toBuiltinMap())
	})

	t.Run("noop", func(t *testing.T) {
		m := New[int, int](0)
		require.NoError(t, m.Reserve(3))
		require.EqualValues(t, 4, m.Cap())
		require.NoError(t, m.Reserve(0))
		require.EqualValues(t, 4, m.Cap())
	})
}

func TestReplaceKey(t *testing.T) {
	t.Run("basic", func(t *testing.T) {
		m := New[string, int](0)
		require.NoError(t, m.Put("a", 1))
		require.NoError(t, m.Put("b", 2))
		require.NoError(t, m.Put("c", 3))

		require.NoError(t, m.ReplaceKey("b", "z"))
		require.True(t, m.Has("z"))
		require.False(t, m.Has("b"))
		require.EqualValues(t, 2, m.MustGet("z"))
		require.EqualValues(t, 3, m.Len())
		// No other key's lookup result changes.
		require.EqualValues(t, 1, m.MustGet("a"))
		require.EqualValues(t, 3, m.MustGet("c"))
	})

	t.Run("position stable", func(t *testing.T) {
		// The renamed element keeps its dense store position, so pointers
		// into it and other elements' positions survive.
		m := New[string, int](0)
		require.NoError(t, m.Put("a", 1))
		require.NoError(t, m.Put("b", 2))
		ptr := m.GetPtr("a")
		require.NotNil(t, ptr)

		require.NoError(t, m.ReplaceKey("a", "renamed"))
		require.Same(t, ptr, m.GetPtr("renamed"))
		k, _, err := m.DebugElementAt(0)
		require.NoError(t, err)
		require.Equal(t, "renamed", k)
	})

	t.Run("same key", func(t *testing.T) {
		m := New[string, int](0)
		require.NoError(t, m.Put("a", 1))
		require.NoError(t, m.ReplaceKey("a", "a"))
		require.EqualValues(t, 1, m.MustGet("a"))
		require.EqualValues(t, 1, m.Len())
	})

	t.Run("new key present", func(t *testing.T) {
		m := New[string, int](0)
		require.NoError(t, m.Put("a", 1))
		require.NoError(t, m.Put("b", 2))
		err := m.ReplaceKey("a", "b")
		require.True(t, errors.Is(err, ErrKeyExists))
		require.EqualValues(t, 1, m.MustGet("a"))
		require.EqualValues(t, 2, m.MustGet("b"))
	})

	t.Run("old key absent", func(t *testing.T) {
		m := New[string, int](0)
		require.NoError(t, m.Put("a", 1))
		err := m.ReplaceKey("missing", "z")
		require.True(t, errors.Is(err, ErrKeyNotFound))
		require.False(t, m.Has("z"))
		require.EqualValues(t, 1, m.Len())
	})

	t.Run("colliding", func(t *testing.T) {
		m := New[int, int](0, WithHash[int, int](shiftHash))
		for k := 1; k <= 3; k++ {
			require.NoError(t, m.Put(k, k*10))
		}
		require.NoError(t, m.ReplaceKey(2, 9))
		require.False(t, m.Has(2))
		require.EqualValues(t, 20, m.MustGet(9))
		require.EqualValues(t, 10, m.MustGet(1))
		require.EqualValues(t, 30, m.MustGet(3))
	})
}

func TestMustGet(t *testing.T) {
	m := New[string, int](0)
	require.NoError(t, m.Put("a", 7))
	require.EqualValues(t, 7, m.MustGet("a"))
	require.Panics(t, func() {
		m.MustGet("missing")
	})
}

func TestGetPtr(t *testing.T) {
	m := New[string, int](0)
	require.Nil(t, m.GetPtr("a"))
	require.NoError(t, m.Put("a", 1))
	p := m.GetPtr("a")
	require.NotNil(t, p)
	*p = 42
	require.EqualValues(t, 42, m.MustGet("a"))
}

func TestGetOrInsert(t *testing.T) {
	m := New[string, []int](0)
	for i := 0; i < 5; i++ {
		p, err := m.GetOrInsert("list")
		require.NoError(t, err)
		*p = append(*p, i)
	}
	require.EqualValues(t, 1, m.Len())
	require.Equal(t, []int{0, 1, 2, 3, 4}, m.MustGet("list"))
}

func TestClear(t *testing.T) {
	m := New[int, int](0)
	for k := 0; k < 1000; k++ {
		require.NoError(t, m.Put(k, k))
	}
	capacity := m.Cap()

	m.Clear()
	require.EqualValues(t, 0, m.Len())
	require.EqualValues(t, capacity, m.Cap())
	m.All(func(int, int) bool {
		require.Fail(t, "should not iterate")
		return true
	})

	// The table is reusable after Clear.
	for k := 0; k < 100; k++ {
		require.NoError(t, m.Put(k, -k))
	}
	require.EqualValues(t, 100, m.Len())
	require.EqualValues(t, -42, m.MustGet(42))
}

func TestClone(t *testing.T) {
	m := New[int, int](0)
	for k := 0; k < 100; k++ {
		require.NoError(t, m.Put(k, k))
	}

	c, err := m.Clone()
	require.NoError(t, err)
	require.Equal(t, m.toBuiltinMap(), c.toBuiltinMap())

	// The copies are independent.
	require.True(t, c.Delete(10))
	require.NoError(t, m.Put(10, 1000))
	require.False(t, c.Has(10))
	require.EqualValues(t, 1000, m.MustGet(10))
}

func TestCustomEqual(t *testing.T) {
	// Case-insensitive string keys: hash and equality must agree.
	foldHash := func(key *string, seed uintptr) uintptr {
		h := fnv.New64a()
		_, _ = h.Write([]byte(strings.ToLower(*key)))
		return uintptr(h.Sum64())
	}
	m := New[string, int](0,
		WithHash[string, int](foldHash),
		WithEqual[string, int](func(a, b *string) bool {
			return strings.EqualFold(*a, *b)
		}))

	require.NoError(t, m.Put("Hello", 1))
	require.True(t, m.Has("hello"))
	require.True(t, m.Has("HELLO"))
	require.NoError(t, m.Put("HELLO", 2))
	require.EqualValues(t, 1, m.Len())
	require.EqualValues(t, 2, m.MustGet("hElLo"))
	require.True(t, m.Delete("hello"))
	require.EqualValues(t, 0, m.Len())
}

func TestDebugAccessors(t *testing.T) {
	m := New[int, int](0)
	_, err := m.DebugHashAt(0)
	require.Error(t, err)

	require.NoError(t, m.Put(7, 70))
	h, err := m.DebugHashAt(0)
	require.NoError(t, err)
	k := 7
	require.Equal(t, m.hashKey(&k), h)

	key, vp, err := m.DebugElementAt(0)
	require.NoError(t, err)
	require.Equal(t, 7, key)
	require.EqualValues(t, 70, *vp)

	_, _, err = m.DebugElementAt(1)
	require.Error(t, err)
	_, _, err = m.DebugElementAt(^uint32(0))
	require.Error(t, err)
}

type countingAllocator[K comparable, V any] struct {
	allocElements int
	allocBuckets  int
	freeElements  int
	freeBuckets   int
}

func (a *countingAllocator[K, V]) AllocElements(n int) []Element[K, V] {
	a.allocElements++
	return make([]Element[K, V], n)
}

func (a *countingAllocator[K, V]) AllocBuckets(n int) []BucketSlot {
	a.allocBuckets++
	return make([]BucketSlot, n)
}

func (a *countingAllocator[K, V]) FreeElements(_ []Element[K, V]) {
	a.freeElements++
}

func (a *countingAllocator[K, V]) FreeBuckets(_ []BucketSlot) {
	a.freeBuckets++
}

func TestAllocator(t *testing.T) {
	a := &countingAllocator[int, int]{}
	m := New[int, int](0, WithAllocator[int, int](a))

	for i := 0; i < 100; i++ {
		require.NoError(t, m.Put(i, i))
	}

	// Initial allocation at 4, then 4 -> 8 -> 16 -> 32 -> 64 -> 128.
	const expected = 6
	require.EqualValues(t, expected, a.allocElements)
	require.EqualValues(t, expected, a.allocBuckets)
	require.EqualValues(t, expected-1, a.freeElements)
	require.EqualValues(t, expected-1, a.freeBuckets)

	m.Close()

	require.EqualValues(t, expected, a.freeElements)
	require.EqualValues(t, expected, a.freeBuckets)
}

func TestHighOccupancy(t *testing.T) {
	// Run the empty-slot search near its configured ceiling, where the
	// adjacent and triangular probes mostly fail and the rotating cursor
	// carries the load.
	m := New[int, int](0, WithMaxLoadFactor[int, int](0.95))
	const count = 10000
	for k := 0; k < count; k++ {
		require.NoError(t, m.Put(k, k))
	}
	require.LessOrEqual(t, float64(m.Len()), 0.95*float64(m.Cap()))
	for k := 0; k < count; k++ {
		v, ok := m.Get(k)
		require.True(t, ok)
		require.Equal(t, k, v)
	}
	for k := 0; k < count; k += 2 {
		require.True(t, m.Delete(k))
	}
	for k := 0; k < count; k++ {
		require.Equal(t, k%2 == 1, m.Has(k))
	}
}
