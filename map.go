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

// Package densemap implements an insertion-ordered hash map backed by a
// chained bucket index, following the design of the HashMap used by the
// Godot engine which in turn derives from the emhash family of tables. See:
//
//	https://github.com/ktprime/emhash
//
// # Layout
//
// A Map owns two arrays. The dense store is a contiguous array of elements
// (key/value pairs) in insertion order; the element at position i was
// inserted before the element at position i+1, and lookups ultimately
// resolve to a dense store position. The bucket table is a power-of-two
// array of {next, payload} slots that encodes collision chains using only
// integer indices, never pointers. A slot's payload packs a dense store
// position in its low bits (below the capacity mask) with the high bits of
// the key's hash above the mask; the partial hash lets chain walks reject
// non-matching candidates without touching the element or invoking key
// equality. A slot's next field is the index of the following chain node,
// the slot's own index at a chain terminus, or the emptyBucket sentinel
// when the slot is free.
//
// Every key has a primary bucket, hash&(capacity-1), and the chain holding
// the key is always rooted there. Unlike separate chaining with out-of-table
// nodes, chain nodes live in the bucket table itself, so a bucket can be
// wanted as a primary bucket by one key while holding an overflow node of an
// unrelated chain. Insertion resolves that conflict with a kickout: the
// alien occupant is relocated to a fresh empty slot, its chain is relinked
// around the move, and the rightful owner claims the bucket. The invariant
// this maintains is that an occupied primary bucket always holds a chain
// head, which is what makes the lookup fast path a single probe:
// if the primary bucket's next field is emptyBucket, the key is absent.
//
// # Probing
//
// Empty-slot search mixes locality with resistance to clustering, which is
// what keeps chains short past 90% occupancy where plain linear probing
// degrades. From a hint bucket it tries the two adjacent slots (the bucket
// table carries a small guard region past the capacity so these probes need
// no wrap check), then a short triangular window, and finally alternates a
// rotating cursor with a long-distance jump derived from the live count.
//
// # Deletion
//
// Erase unlinks the key's bucket from its chain (pulling the successor's
// payload into the head when the head itself dies, since chains are singly
// linked) and then compacts the dense store by moving the last element into
// the vacated position. The bucket addressing that last position must be
// retargeted; a cache of the most recently inserted bucket usually avoids
// the reverse position-to-bucket chain walk.
//
// Growth is by full reallocation at the next power-of-two tier: bucket
// indices are capacity-relative, so the bucket table is rebuilt from the
// dense store rather than migrated. Elements are copied verbatim and keep
// their positions.
//
// A Map is NOT goroutine-safe.
package densemap

import (
	"fmt"
	"strings"
	"unsafe"

	"github.com/cockroachdb/errors"
)

const (
	debug = false

	// minCapacityIndex is the smallest capacity tier. Capacity is always
	// 1<<capacityIndex, so the minimum capacity is 4.
	minCapacityIndex = 2
	// maxCapacityIndexLimit is the largest supported capacity tier. Growth
	// past it is refused, never wrapped.
	maxCapacityIndexLimit = 29

	// guardSlots trailing bucket slots are allocated past the capacity and
	// are never free, so the two adjacent probes in findEmptyBucket can skip
	// the wrap check.
	guardSlots = 2

	// emptyBucket is the reserved next value marking a free bucket slot. It
	// can never collide with a chain link since bucket indices are bounded
	// by 1<<maxCapacityIndexLimit.
	emptyBucket = ^uint32(0)

	defaultMaxLoadMap = 0.8
	defaultMaxLoadSet = 0.75
)

var (
	// ErrCapacityExceeded is returned by inserts and reservations that would
	// require growing past the maximum capacity tier. The table is left
	// unmodified.
	ErrCapacityExceeded = errors.New("densemap: maximum capacity reached")
	// ErrKeyExists is returned by ReplaceKey when the new key is already
	// present.
	ErrKeyExists = errors.New("densemap: key already present")
	// ErrKeyNotFound is returned by ReplaceKey when the old key is absent.
	ErrKeyNotFound = errors.New("densemap: key not found")
)

// Element holds a key and value at one dense store position.
type Element[K comparable, V any] struct {
	key   K
	value V
}

// BucketSlot is one entry of the bucket index table. next is emptyBucket for
// a free slot, the slot's own index at a chain terminus, or the index of the
// following chain node. payload packs a dense store position (low bits,
// below the capacity mask) with the high bits of the element's hash.
type BucketSlot struct {
	next    uint32
	payload uint32
}

// Map is an insertion-ordered map from keys to values. Lookup, insertion,
// and deletion touch the bucket index first and the dense element store
// only to read or write the actual key/value. By default a Map[K,V] hashes
// and compares keys with the same functions as Go's builtin map[K]V; both
// can be overridden with WithHash and WithEqual.
//
// A Map is NOT goroutine-safe.
type Map[K comparable, V any] struct {
	// The hash and equality functions for keys of type K, extracted from
	// the Go runtime's implementation of map[K]struct{}.
	hash  hashFn
	equal equalFn
	seed  uintptr
	// The allocator to use for the elements and buckets slices.
	allocator Allocator[K, V]
	// elements is the dense store: elements[0:used] are live, in insertion
	// order. nil until the first insert.
	elements []Element[K, V]
	// buckets is the index table, 1<<capacityIndex+guardSlots in length once
	// allocated.
	buckets []BucketSlot
	// capacityIndex is the current capacity tier. Meaningful even while the
	// arrays are unallocated: Reserve on an empty table only records the
	// tier.
	capacityIndex uint32
	// used is the number of live elements.
	used uint32
	// probeCursor rotates through the bucket table as the last resort of the
	// empty-slot search.
	probeCursor uint32
	// tailBucket caches the bucket written by the most recent insert, i.e.
	// the bucket addressing position used-1. It shortcuts the reverse
	// position-to-bucket walk when an erase relocates the last element.
	// emptyBucket when invalid; every erase and key replacement invalidates
	// it.
	tailBucket uint32
	// maxLoad is the occupancy threshold: used never exceeds
	// maxLoad*capacity after a completed mutation.
	maxLoad          float64
	maxCapacityIndex uint32
}

// New constructs a Map with at least the specified initial capacity. The
// backing arrays are not allocated until the first insert regardless of
// initialCapacity. New panics if initialCapacity exceeds the maximum
// capacity tier; a table that can never hold the requested capacity is a
// construction-time programmer error. The zero value for a Map is not
// usable.
func New[K comparable, V any](initialCapacity int, options ...option[K, V]) *Map[K, V] {
	hash, equal := getRuntimeHasher[K]()
	m := &Map[K, V]{
		hash:             hash,
		equal:            equal,
		seed:             uintptr(fastrand64()),
		allocator:        defaultAllocator[K, V]{},
		capacityIndex:    minCapacityIndex,
		tailBucket:       emptyBucket,
		maxLoad:          defaultMaxLoadMap,
		maxCapacityIndex: maxCapacityIndexLimit,
	}
	for _, op := range options {
		op.apply(m)
	}
	if initialCapacity > 0 {
		if err := m.Reserve(initialCapacity); err != nil {
			panic(err)
		}
	}
	return m
}

// Close closes the map, releasing any memory back to its configured
// allocator. It is unnecessary to close a map using the default allocator.
// It is invalid to use a Map after it has been closed, though Close itself
// is idempotent.
func (m *Map[K, V]) Close() {
	if m.buckets != nil {
		m.allocator.FreeElements(m.elements)
		m.allocator.FreeBuckets(m.buckets)
		m.elements = nil
		m.buckets = nil
		m.used = 0
	}
	m.allocator = nil
}

// Put inserts an entry into the map, overwriting the value in place if an
// entry with the same key already exists. Overwrites are not structural:
// positions and pointers to other elements remain valid. Put returns
// ErrCapacityExceeded, leaving the map unmodified, if inserting a new key
// would require growing past the maximum capacity tier.
func (m *Map[K, V]) Put(key K, value V) error {
	if m.buckets == nil {
		m.init()
	}
	if pos, ok := m.lookupPos(&key); ok {
		if debug {
			fmt.Printf("put(%v): overwrite at pos=%d\n", key, pos)
		}
		m.elements[pos].value = value
		m.checkInvariants()
		return nil
	}
	if err := m.ensureRoom(); err != nil {
		return err
	}
	m.insertNew(m.hashKey(&key), key, value)
	m.checkInvariants()
	return nil
}

// Get retrieves the value from the map for the specified key, returning
// ok=false if the key is not present. Get has no side effects.
func (m *Map[K, V]) Get(key K) (value V, ok bool) {
	pos, ok := m.lookupPos(&key)
	if !ok {
		return value, false
	}
	return m.elements[pos].value, true
}

// MustGet retrieves the value for a key that the caller asserts is present.
// A missing key is a contract violation and panics; use Get when absence is
// a legitimate outcome.
func (m *Map[K, V]) MustGet(key K) V {
	pos, ok := m.lookupPos(&key)
	if !ok {
		panic(errors.AssertionFailedf("densemap: MustGet of missing key %v", key))
	}
	return m.elements[pos].value
}

// GetPtr returns a pointer to the value for the specified key for in-place
// mutation, or nil if the key is not present. The pointer is invalidated by
// any mutation that moves elements (growth or any erase).
func (m *Map[K, V]) GetPtr(key K) *V {
	pos, ok := m.lookupPos(&key)
	if !ok {
		return nil
	}
	return &m.elements[pos].value
}

// GetOrInsert returns a pointer to the value for the specified key,
// inserting a zero value first if the key is not present. The error is
// non-nil only when an insert is needed and the table is at its maximum
// capacity tier.
func (m *Map[K, V]) GetOrInsert(key K) (*V, error) {
	if m.buckets == nil {
		m.init()
	}
	if pos, ok := m.lookupPos(&key); ok {
		return &m.elements[pos].value, nil
	}
	if err := m.ensureRoom(); err != nil {
		return nil, err
	}
	var zero V
	m.insertNew(m.hashKey(&key), key, zero)
	m.checkInvariants()
	return &m.elements[m.used-1].value, nil
}

// Has reports whether the specified key is present.
func (m *Map[K, V]) Has(key K) bool {
	_, ok := m.lookupPos(&key)
	return ok
}

// Delete deletes the entry corresponding to the specified key, reporting
// whether the key was present. Deleting an absent key is a no-op. Delete
// moves the last element (in dense store order) into the erased position,
// invalidating positions and pointers obtained earlier.
func (m *Map[K, V]) Delete(key K) bool {
	if m.buckets == nil || m.used == 0 {
		return false
	}
	hash := m.hashKey(&key)
	b := m.lookupBucket(&key, hash)
	if b == emptyBucket {
		return false
	}
	if debug {
		fmt.Printf("delete(%v): bucket=%d main=%d\n", key, b, hash&m.mask())
	}
	m.eraseSlot(b, hash&m.mask())
	m.checkInvariants()
	return true
}

// ReplaceKey rekeys an entry in place: the value keeps its dense store
// position, so positions and pointers to it (and to every other element)
// remain valid. oldKey must be present and newKey must be absent, unless the
// two are equal in which case ReplaceKey is a no-op; violating either
// contract fails with ErrKeyNotFound or ErrKeyExists and no mutation.
func (m *Map[K, V]) ReplaceKey(oldKey, newKey K) error {
	if m.equalKey(&oldKey, &newKey) {
		return nil
	}
	if _, ok := m.lookupPos(&newKey); ok {
		return errors.Wrapf(ErrKeyExists, "replacing key %v with %v", oldKey, newKey)
	}
	pos, ok := m.lookupPos(&oldKey)
	if !ok {
		return errors.Wrapf(ErrKeyNotFound, "replacing key %v with %v", oldKey, newKey)
	}

	// Unlink the old key's bucket without touching the dense store, then
	// index the unchanged position under the new key's hash.
	mask := m.mask()
	oldBucket := m.posToBucket(pos)
	freed := m.eraseBucket(oldBucket, m.hashKey(&oldKey)&mask)
	m.buckets[freed] = BucketSlot{next: emptyBucket}

	newHash := m.hashKey(&newKey)
	b := m.findUniqueBucket(newHash)
	m.elements[pos].key = newKey
	m.buckets[b] = BucketSlot{next: b, payload: pos | (newHash &^ mask)}
	m.tailBucket = emptyBucket
	m.checkInvariants()
	return nil
}

// Reserve grows the table to the smallest capacity tier that can hold the
// requested number of buckets, rehashing immediately unless the table is
// still unallocated, in which case only the target tier is recorded.
// Reserve never shrinks and is a no-op if the tier is unchanged. It returns
// ErrCapacityExceeded, leaving the table unmodified, if no supported tier is
// sufficient.
func (m *Map[K, V]) Reserve(capacity int) error {
	newIndex := m.capacityIndex
	for int(uint32(1)<<newIndex) < capacity {
		if newIndex >= m.maxCapacityIndex {
			return errors.Wrapf(ErrCapacityExceeded, "reserving capacity %d", capacity)
		}
		newIndex++
	}
	if newIndex == m.capacityIndex {
		return nil
	}
	if m.buckets == nil {
		m.capacityIndex = newIndex
		return nil
	}
	m.resizeAndRehash(newIndex)
	m.checkInvariants()
	return nil
}

// Clear drops all elements but retains the current capacity.
func (m *Map[K, V]) Clear() {
	if m.buckets == nil || m.used == 0 {
		return
	}
	m.resetBuckets()
	clear(m.elements)
	m.used = 0
	m.probeCursor = 0
	m.tailBucket = emptyBucket
}

// Clone returns an independent copy of the map sharing the hash seed,
// allocator, and options. The clone preserves iteration order.
func (m *Map[K, V]) Clone() (*Map[K, V], error) {
	c := &Map[K, V]{
		hash:             m.hash,
		equal:            m.equal,
		seed:             m.seed,
		allocator:        m.allocator,
		capacityIndex:    m.capacityIndex,
		tailBucket:       emptyBucket,
		maxLoad:          m.maxLoad,
		maxCapacityIndex: m.maxCapacityIndex,
	}
	for i := uint32(0); i < m.used; i++ {
		if err := c.Put(m.elements[i].key, m.elements[i].value); err != nil {
			return nil, err
		}
	}
	return c, nil
}

// All calls yield sequentially, in insertion order among live elements, for
// each key and value present in the map. If yield returns false, iteration
// stops. The map may be mutated during iteration, though there is no
// guarantee that mutations will be visible to the iteration, and an erase
// reorders the tail of it.
func (m *Map[K, V]) All(yield func(key K, value V) bool) {
	// Snapshot the dense store so iteration remains valid if the map grows
	// during iteration.
	elements := m.elements
	n := m.used
	for i := uint32(0); i < n; i++ {
		if !yield(elements[i].key, elements[i].value) {
			return
		}
	}
}

// Len returns the number of entries in the map.
func (m *Map[K, V]) Len() int {
	return int(m.used)
}

// Cap returns the current capacity tier's capacity. The occupancy threshold
// applies to this value, so the usable capacity is smaller.
func (m *Map[K, V]) Cap() int {
	return int(m.capacity())
}

// DebugHashAt returns the hash stored for the element at the given dense
// store position. It fails for positions at or beyond the live count.
func (m *Map[K, V]) DebugHashAt(pos uint32) (uint32, error) {
	if pos >= m.used {
		return 0, errors.Newf("densemap: position %d out of range [0, %d)", pos, m.used)
	}
	return m.hashKey(&m.elements[pos].key), nil
}

// DebugElementAt returns the key and a pointer to the value of the element
// at the given dense store position. It fails for positions at or beyond
// the live count.
func (m *Map[K, V]) DebugElementAt(pos uint32) (K, *V, error) {
	if pos >= m.used {
		var zero K
		return zero, nil, errors.Newf("densemap: position %d out of range [0, %d)", pos, m.used)
	}
	e := &m.elements[pos]
	return e.key, &e.value, nil
}

func (m *Map[K, V]) capacity() uint32 {
	return uint32(1) << m.capacityIndex
}

func (m *Map[K, V]) mask() uint32 {
	return m.capacity() - 1
}

// hashKey folds the runtime's word-sized hash to the 32 bits the bucket
// table encodes: the low bits select the primary bucket and the bits above
// the capacity mask ride along in slot payloads.
func (m *Map[K, V]) hashKey(key *K) uint32 {
	h := m.hash(noescape(unsafe.Pointer(key)), m.seed)
	return uint32(h>>32) ^ uint32(h)
}

func (m *Map[K, V]) equalKey(a, b *K) bool {
	return m.equal(noescape(unsafe.Pointer(a)), noescape(unsafe.Pointer(b)))
}

// init performs the deferred first allocation at the current capacity tier.
func (m *Map[K, V]) init() {
	capacity := int(m.capacity())
	m.elements = m.allocator.AllocElements(capacity)
	m.buckets = m.allocator.AllocBuckets(capacity + guardSlots)
	m.resetBuckets()
}

// resetBuckets marks every bucket free and re-arms the guard region, which
// must never look free to the empty-slot search.
func (m *Map[K, V]) resetBuckets() {
	capacity := int(m.capacity())
	for i := 0; i < capacity; i++ {
		m.buckets[i] = BucketSlot{next: emptyBucket}
	}
	for i := capacity; i < capacity+guardSlots; i++ {
		m.buckets[i] = BucketSlot{}
	}
}

// ensureRoom grows the table if one more element would cross the occupancy
// threshold. Growth happens before the pending insert so the threshold
// holds again by the time the insert completes.
func (m *Map[K, V]) ensureRoom() error {
	if float64(m.used+1) <= m.maxLoad*float64(m.capacity()) {
		return nil
	}
	if m.capacityIndex >= m.maxCapacityIndex {
		return errors.Wrapf(ErrCapacityExceeded, "inserting with %d of %d buckets used", m.used, m.capacity())
	}
	m.resizeAndRehash(m.capacityIndex + 1)
	return nil
}

// lookupPos returns the dense store position of the key, walking the chain
// rooted at the key's primary bucket. No allocation or mutation occurs.
func (m *Map[K, V]) lookupPos(key *K) (uint32, bool) {
	if m.buckets == nil || m.used == 0 {
		return 0, false
	}
	hash := m.hashKey(key)
	mask := m.mask()
	b := hash & mask
	next := m.buckets[b].next
	if next == emptyBucket {
		return 0, false
	}
	for {
		payload := m.buckets[b].payload
		if payload&^mask == hash&^mask {
			pos := payload & mask
			if m.equalKey(key, &m.elements[pos].key) {
				return pos, true
			}
		}
		if next == b {
			return 0, false
		}
		b = next
		next = m.buckets[b].next
	}
}

// lookupBucket is lookupPos returning the chain node instead of the
// position, for callers that go on to unlink it. Returns emptyBucket on a
// miss.
func (m *Map[K, V]) lookupBucket(key *K, hash uint32) uint32 {
	mask := m.mask()
	b := hash & mask
	next := m.buckets[b].next
	if next == emptyBucket {
		return emptyBucket
	}
	for {
		payload := m.buckets[b].payload
		if payload&^mask == hash&^mask && m.equalKey(key, &m.elements[payload&mask].key) {
			return b
		}
		if next == b {
			return emptyBucket
		}
		b = next
		next = m.buckets[b].next
	}
}

// findEmptyBucket returns a free bucket, searching outward from the hint.
// The two adjacent probes rely on the guard region to avoid a wrap check;
// the triangular window (offsets 4,7,11 and their right neighbors) keeps
// the search within a few cache lines before falling back to the rotating
// cursor mixed with a jump derived from the live count. The mix keeps
// amortized probe length low even above 90% occupancy, where pure linear
// probing clusters badly.
func (m *Map[K, V]) findEmptyBucket(from uint32) uint32 {
	b := from + 1
	if m.buckets[b].next == emptyBucket {
		return b
	}
	b++
	if m.buckets[b].next == emptyBucket {
		return b
	}

	mask := m.mask()
	for offset, step := uint32(4), uint32(3); step < 6; {
		b = (from + offset) & mask
		if m.buckets[b].next == emptyBucket {
			return b
		}
		b++
		if m.buckets[b].next == emptyBucket {
			return b
		}
		offset += step
		step++
	}

	for {
		m.probeCursor = (m.probeCursor + 1) & mask
		if m.buckets[m.probeCursor].next == emptyBucket {
			return m.probeCursor
		}
		jump := (m.used/2 + m.probeCursor) & mask
		if m.buckets[jump].next == emptyBucket {
			return jump
		}
	}
}

// findPrevBucket returns the chain node whose next field points at b,
// walking from the chain's root at mainBucket. b must be a non-head member
// of that chain.
func (m *Map[K, V]) findPrevBucket(mainBucket, b uint32) uint32 {
	next := m.buckets[mainBucket].next
	if next == b {
		return mainBucket
	}
	for {
		n := m.buckets[next].next
		if n == b {
			return next
		}
		next = n
	}
}

// findLastBucket returns the terminal node of the chain containing b.
func (m *Map[K, V]) findLastBucket(b uint32) uint32 {
	next := m.buckets[b].next
	for next != b {
		b = next
		next = m.buckets[b].next
	}
	return b
}

// kickoutBucket evicts the alien occupant of bucket b, a chain node of the
// chain rooted at kmain, by moving its slot contents to a fresh empty bucket
// and relinking the chain around the move:
//
//	before: kmain --> prev --> b ------> next
//	after : kmain --> prev --> newB ---> next
//
// The freed bucket b is returned for the caller to claim. Only the bucket
// table is touched; the dense store is unaffected.
func (m *Map[K, V]) kickoutBucket(kmain, b uint32) uint32 {
	next := m.buckets[b].next
	newBucket := m.findEmptyBucket(next)
	prev := m.findPrevBucket(kmain, b)

	tail := next
	if next == b {
		// b was the chain terminus; the relocated node becomes it.
		tail = newBucket
	}
	m.buckets[newBucket] = BucketSlot{next: tail, payload: m.buckets[b].payload}
	m.buckets[prev].next = newBucket
	m.buckets[b].next = emptyBucket
	if debug {
		fmt.Printf("kickout: %d -> %d (chain %d)\n", b, newBucket, kmain)
	}
	return b
}

// findUniqueBucket locates and links a bucket for a key known to be absent:
// the primary bucket if free, a kicked-out primary bucket if it holds an
// alien, or a fresh bucket appended at the chain's tail. The caller must
// write the returned bucket's slot.
func (m *Map[K, V]) findUniqueBucket(hash uint32) uint32 {
	mask := m.mask()
	b := hash & mask
	next := m.buckets[b].next
	if next == emptyBucket {
		return b
	}

	// The primary bucket is occupied. If the occupant's own primary bucket
	// is elsewhere it is squatting here and gets kicked out; otherwise it
	// heads a legitimate chain that the new key joins at the tail.
	pos := m.buckets[b].payload & mask
	kmain := m.hashKey(&m.elements[pos].key) & mask
	if kmain != b {
		return m.kickoutBucket(kmain, b)
	}
	if next != b {
		next = m.findLastBucket(next)
	}
	eb := m.findEmptyBucket(next)
	m.buckets[next].next = eb
	return eb
}

// insertNew appends a key known to be absent. Violating that requirement
// corrupts the table.
func (m *Map[K, V]) insertNew(hash uint32, key K, value V) {
	b := m.findUniqueBucket(hash)
	if debug {
		fmt.Printf("put(%v): pos=%d bucket=%d main=%d\n", key, m.used, b, hash&m.mask())
	}
	m.elements[m.used] = Element[K, V]{key: key, value: value}
	m.buckets[b] = BucketSlot{next: b, payload: m.used | (hash &^ m.mask())}
	m.tailBucket = b
	m.used++
}

// resizeAndRehash moves the table to a new capacity tier. Elements are
// copied verbatim, preserving positions and insertion order; the bucket
// table is rebuilt from scratch since its indices are capacity-relative.
// Old storage is released only after the copy.
func (m *Map[K, V]) resizeAndRehash(newCapacityIndex uint32) {
	if newCapacityIndex < minCapacityIndex {
		newCapacityIndex = minCapacityIndex
	}
	oldElements, oldBuckets := m.elements, m.buckets
	oldCapacity := m.capacity()
	m.capacityIndex = newCapacityIndex
	capacity := int(m.capacity())
	if debug {
		fmt.Printf("resize: capacity=%d->%d used=%d\n", oldCapacity, capacity, m.used)
	}

	m.elements = m.allocator.AllocElements(capacity)
	m.buckets = m.allocator.AllocBuckets(capacity + guardSlots)
	m.resetBuckets()
	copy(m.elements, oldElements[:m.used])
	if oldBuckets != nil {
		m.allocator.FreeElements(oldElements)
		m.allocator.FreeBuckets(oldBuckets)
	}

	m.probeCursor = 0
	m.tailBucket = emptyBucket
	mask := m.mask()
	for pos := uint32(0); pos < m.used; pos++ {
		// Keys are known distinct, so this skips duplicate detection and
		// goes straight to bucket placement.
		hash := m.hashKey(&m.elements[pos].key)
		b := m.findUniqueBucket(hash)
		m.buckets[b] = BucketSlot{next: b, payload: pos | (hash &^ mask)}
	}
}

// posToBucket finds the bucket whose payload addresses the given dense
// store position by walking the chain rooted at the element's primary
// bucket. The chain not containing such a bucket means the index and the
// dense store disagree, which is unrecoverable corruption.
func (m *Map[K, V]) posToBucket(pos uint32) uint32 {
	mask := m.mask()
	b := m.hashKey(&m.elements[pos].key) & mask
	for {
		if pos == m.buckets[b].payload&mask {
			return b
		}
		next := m.buckets[b].next
		if next == emptyBucket || next == b {
			panic(errors.AssertionFailedf(
				"densemap: no bucket addresses position %d, table corrupted\n%s", pos, m.debugString()))
		}
		b = next
	}
}

// eraseBucket unlinks bucket b from the chain rooted at mainBucket and
// returns the bucket slot that became unused. When b is the chain head the
// successor's payload is pulled up into the head, since chains are singly
// linked, and the successor's slot is the one freed. The caller marks the
// returned bucket free.
func (m *Map[K, V]) eraseBucket(b, mainBucket uint32) uint32 {
	next := m.buckets[b].next
	if b == mainBucket {
		if next == mainBucket {
			return mainBucket
		}
		nnext := m.buckets[next].next
		headNext := mainBucket
		if nnext != next {
			headNext = nnext
		}
		m.buckets[mainBucket] = BucketSlot{next: headNext, payload: m.buckets[next].payload}
		return next
	}

	prev := m.findPrevBucket(mainBucket, b)
	if next == b {
		m.buckets[prev].next = prev
	} else {
		m.buckets[prev].next = next
	}
	return b
}

// eraseSlot erases the element indexed by chain node b, then compacts the
// dense store by moving the last element into the vacated position and
// retargeting the bucket that addressed it. The tailBucket cache avoids the
// reverse position-to-bucket walk when it is still valid.
func (m *Map[K, V]) eraseSlot(b, mainBucket uint32) {
	mask := m.mask()
	pos := m.buckets[b].payload & mask
	freed := m.eraseBucket(b, mainBucket)
	m.used--
	last := m.used
	if pos != last {
		lastBucket := m.tailBucket
		if lastBucket == emptyBucket || lastBucket == freed {
			lastBucket = m.posToBucket(last)
		}
		m.elements[pos] = m.elements[last]
		m.buckets[lastBucket].payload = pos | (m.buckets[lastBucket].payload &^ mask)
	}
	// Zero the vacated tail slot so the dense store drops its references.
	m.elements[last] = Element[K, V]{}
	m.tailBucket = emptyBucket
	m.buckets[freed] = BucketSlot{next: emptyBucket}
}

// checkInvariants verifies the structural invariants that hold between
// public operations: occupancy below threshold, bijection between live
// positions and occupied buckets, chains reachable from primary buckets,
// and primary buckets never squatted. Compiled away unless the invariants
// build tag is set.
func (m *Map[K, V]) checkInvariants() {
	if !invariants {
		return
	}
	if m.buckets == nil {
		if m.used != 0 {
			panic(errors.AssertionFailedf("invariant failed: %d elements with no storage", m.used))
		}
		return
	}

	capacity := m.capacity()
	mask := m.mask()
	if float64(m.used) > m.maxLoad*float64(capacity) {
		panic(errors.AssertionFailedf("invariant failed: %d/%d exceeds load factor %.2f",
			m.used, capacity, m.maxLoad))
	}
	for i := capacity; i < capacity+guardSlots; i++ {
		if m.buckets[i].next == emptyBucket {
			panic(errors.AssertionFailedf("invariant failed: guard slot %d is free", i))
		}
	}

	// Occupied buckets and live positions must be in bijection.
	seen := make([]bool, m.used)
	occupied := uint32(0)
	for b := uint32(0); b < capacity; b++ {
		slot := m.buckets[b]
		if slot.next == emptyBucket {
			continue
		}
		occupied++
		if slot.next != b {
			if slot.next >= capacity || m.buckets[slot.next].next == emptyBucket {
				panic(errors.AssertionFailedf("invariant failed: bucket %d links to invalid bucket %d\n%s",
					b, slot.next, m.debugString()))
			}
		}
		pos := slot.payload & mask
		if pos >= m.used {
			panic(errors.AssertionFailedf("invariant failed: bucket %d addresses dead position %d\n%s",
				b, pos, m.debugString()))
		}
		if seen[pos] {
			panic(errors.AssertionFailedf("invariant failed: position %d addressed twice\n%s",
				pos, m.debugString()))
		}
		seen[pos] = true

		// A non-head occupant must belong to the chain rooted at its own
		// primary bucket, whose head in turn owns that bucket as primary.
		kmain := m.hashKey(&m.elements[pos].key) & mask
		if kmain != b {
			headPos := m.buckets[kmain].payload & mask
			if headPos >= m.used || m.hashKey(&m.elements[headPos].key)&mask != kmain {
				panic(errors.AssertionFailedf("invariant failed: primary bucket %d squatted\n%s",
					kmain, m.debugString()))
			}
			found := false
			for c, steps := kmain, uint32(0); steps <= capacity; steps++ {
				if c == b {
					found = true
					break
				}
				next := m.buckets[c].next
				if next == c || next == emptyBucket {
					break
				}
				c = next
			}
			if !found {
				panic(errors.AssertionFailedf("invariant failed: bucket %d unreachable from its primary %d\n%s",
					b, kmain, m.debugString()))
			}
		}
	}
	if occupied != m.used {
		panic(errors.AssertionFailedf("invariant failed: %d occupied buckets for %d elements\n%s",
			occupied, m.used, m.debugString()))
	}

	// Every live element must be found by lookup.
	for pos := uint32(0); pos < m.used; pos++ {
		if got, ok := m.lookupPos(&m.elements[pos].key); !ok || got != pos {
			panic(errors.AssertionFailedf("invariant failed: element at position %d not found (ok=%t got=%d)\n%s",
				pos, ok, got, m.debugString()))
		}
	}
}

func (m *Map[K, V]) debugString() string {
	var buf strings.Builder
	fmt.Fprintf(&buf, "capacity=%d used=%d tail-bucket=%d\n", m.capacity(), m.used, m.tailBucket)
	mask := m.mask()
	for b := uint32(0); b < m.capacity(); b++ {
		slot := m.buckets[b]
		switch {
		case slot.next == emptyBucket:
			fmt.Fprintf(&buf, "  %4d: empty\n", b)
		case slot.next == b:
			fmt.Fprintf(&buf, "  %4d: pos=%d hibits=%08x terminus\n", b, slot.payload&mask, slot.payload&^mask)
		default:
			fmt.Fprintf(&buf, "  %4d: pos=%d hibits=%08x next=%d\n", b, slot.payload&mask, slot.payload&^mask, slot.next)
		}
	}
	return buf.String()
}
