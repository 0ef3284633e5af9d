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

// Set is an insertion-ordered set of keys: the Map engine with the element
// reduced to the key alone (a zero-width value adds no storage). It runs a
// slightly lower default occupancy threshold than Map since key-only tables
// tend to be lookup-dominated and cheap to grow.
//
// A Set is NOT goroutine-safe.
type Set[K comparable] struct {
	m Map[K, struct{}]
}

// NewSet constructs a Set with at least the specified initial capacity. The
// backing arrays are not allocated until the first insert. Options apply to
// the underlying key/value engine. The zero value for a Set is not usable.
func NewSet[K comparable](initialCapacity int, options ...option[K, struct{}]) *Set[K] {
	opts := make([]option[K, struct{}], 0, len(options)+1)
	opts = append(opts, WithMaxLoadFactor[K, struct{}](defaultMaxLoadSet))
	opts = append(opts, options...)
	return &Set[K]{m: *New[K, struct{}](initialCapacity, opts...)}
}

// Close releases the set's storage back to its configured allocator. See
// Map.Close.
func (s *Set[K]) Close() {
	s.m.Close()
}

// Insert adds the key to the set. Inserting a present key is a no-op. It
// returns ErrCapacityExceeded, leaving the set unmodified, if inserting a
// new key would require growing past the maximum capacity tier.
func (s *Set[K]) Insert(key K) error {
	return s.m.Put(key, struct{}{})
}

// Has reports whether the specified key is present.
func (s *Set[K]) Has(key K) bool {
	return s.m.Has(key)
}

// Remove deletes the key from the set, reporting whether it was present.
// Removing an absent key is a no-op.
func (s *Set[K]) Remove(key K) bool {
	return s.m.Delete(key)
}

// ReplaceKey rekeys an entry in place without moving it in iteration order.
// See Map.ReplaceKey for the contract.
func (s *Set[K]) ReplaceKey(oldKey, newKey K) error {
	return s.m.ReplaceKey(oldKey, newKey)
}

// Reserve grows the set to the smallest capacity tier that can hold the
// requested number of buckets. See Map.Reserve.
func (s *Set[K]) Reserve(capacity int) error {
	return s.m.Reserve(capacity)
}

// Clear drops all keys but retains the current capacity.
func (s *Set[K]) Clear() {
	s.m.Clear()
}

// Clone returns an independent copy of the set preserving iteration order.
func (s *Set[K]) Clone() (*Set[K], error) {
	c, err := s.m.Clone()
	if err != nil {
		return nil, err
	}
	return &Set[K]{m: *c}, nil
}

// All calls yield sequentially, in insertion order among live keys, for
// each key in the set. If yield returns false, iteration stops.
func (s *Set[K]) All(yield func(key K) bool) {
	s.m.All(func(key K, _ struct{}) bool {
		return yield(key)
	})
}

// Len returns the number of keys in the set.
func (s *Set[K]) Len() int {
	return s.m.Len()
}

// Cap returns the current capacity tier's capacity.
func (s *Set[K]) Cap() int {
	return s.m.Cap()
}

// DebugHashAt returns the hash stored for the key at the given dense store
// position. It fails for positions at or beyond the live count.
func (s *Set[K]) DebugHashAt(pos uint32) (uint32, error) {
	return s.m.DebugHashAt(pos)
}

// DebugKeyAt returns the key at the given dense store position. It fails
// for positions at or beyond the live count.
func (s *Set[K]) DebugKeyAt(pos uint32) (K, error) {
	key, _, err := s.m.DebugElementAt(pos)
	return key, err
}
