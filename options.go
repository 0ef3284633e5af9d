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

import "unsafe"

// option provide an interface to do work on Map while it is being created.
type option[K comparable, V any] interface {
	apply(m *Map[K, V])
}

type hashOption[K comparable, V any] struct {
	hash func(key *K, seed uintptr) uintptr
}

func (op hashOption[K, V]) apply(m *Map[K, V]) {
	m.hash = *(*hashFn)(noescape(unsafe.Pointer(&op.hash)))
}

// WithHash is an option to specify the hash function to use for a Map[K,V].
func WithHash[K comparable, V any](hash func(key *K, seed uintptr) uintptr) option[K, V] {
	return hashOption[K, V]{hash}
}

type equalOption[K comparable, V any] struct {
	equal func(a, b *K) bool
}

func (op equalOption[K, V]) apply(m *Map[K, V]) {
	m.equal = *(*equalFn)(noescape(unsafe.Pointer(&op.equal)))
}

// WithEqual is an option to specify the key equality function to use for a
// Map[K,V]. The default compares keys with the equality function used by
// Go's builtin map[K]V. A custom equality function must agree with the hash
// function: equal keys must hash identically.
func WithEqual[K comparable, V any](equal func(a, b *K) bool) option[K, V] {
	return equalOption[K, V]{equal}
}

type maxLoadOption[K comparable, V any] struct {
	maxLoad float64
}

func (op maxLoadOption[K, V]) apply(m *Map[K, V]) {
	m.maxLoad = op.maxLoad
}

// WithMaxLoadFactor is an option to specify the occupancy threshold beyond
// which an insert triggers growth. The value is clamped to [0.25, 0.95]: the
// empty-slot search requires free buckets to remain at any capacity tier.
func WithMaxLoadFactor[K comparable, V any](maxLoad float64) option[K, V] {
	if maxLoad < 0.25 {
		maxLoad = 0.25
	} else if maxLoad > 0.95 {
		maxLoad = 0.95
	}
	return maxLoadOption[K, V]{maxLoad}
}

type maxCapacityOption[K comparable, V any] struct {
	maxCapacityIndex uint32
}

func (op maxCapacityOption[K, V]) apply(m *Map[K, V]) {
	m.maxCapacityIndex = op.maxCapacityIndex
}

// WithMaxCapacityIndex is an option to cap the table's capacity tier:
// capacity never exceeds 1<<maxCapacityIndex, and operations that would
// require growing past it are refused with ErrCapacityExceeded.
func WithMaxCapacityIndex[K comparable, V any](maxCapacityIndex uint32) option[K, V] {
	if maxCapacityIndex < minCapacityIndex {
		maxCapacityIndex = minCapacityIndex
	} else if maxCapacityIndex > maxCapacityIndexLimit {
		maxCapacityIndex = maxCapacityIndexLimit
	}
	return maxCapacityOption[K, V]{maxCapacityIndex}
}

// Allocator specifies an interface for allocating and releasing memory used
// by a Map. The default allocator utilizes Go's builtin make() and allows
// the GC to reclaim memory.
//
// Returned slices need not be zeroed: the table initializes every bucket
// slot it uses and never reads element slots beyond the live count.
//
// If the allocator is manually managing memory and requires that elements
// and buckets be freed then Map.Close must be called in order to ensure
// FreeElements and FreeBuckets are called.
type Allocator[K comparable, V any] interface {
	// AllocElements should return a slice equivalent to make([]Element[K,V], n).
	AllocElements(n int) []Element[K, V]

	// AllocBuckets should return a slice equivalent to make([]BucketSlot, n).
	AllocBuckets(n int) []BucketSlot

	// FreeElements can optionally release the memory associated with the
	// supplied slice that is guaranteed to have been allocated by
	// AllocElements.
	FreeElements(v []Element[K, V])

	// FreeBuckets can optionally release the memory associated with the
	// supplied slice that is guaranteed to have been allocated by
	// AllocBuckets.
	FreeBuckets(v []BucketSlot)
}

type defaultAllocator[K comparable, V any] struct{}

func (defaultAllocator[K, V]) AllocElements(n int) []Element[K, V] {
	return make([]Element[K, V], n)
}

func (defaultAllocator[K, V]) AllocBuckets(n int) []BucketSlot {
	return make([]BucketSlot, n)
}

func (defaultAllocator[K, V]) FreeElements(v []Element[K, V]) {
}

func (defaultAllocator[K, V]) FreeBuckets(v []BucketSlot) {
}

type allocatorOption[K comparable, V any] struct {
	allocator Allocator[K, V]
}

func (op allocatorOption[K, V]) apply(m *Map[K, V]) {
	m.allocator = op.allocator
}

// WithAllocator is an option for specify the Allocator to use for a Map[K,V].
func WithAllocator[K comparable, V any](allocator Allocator[K, V]) option[K, V] {
	return allocatorOption[K, V]{allocator}
}
