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
	"math/rand/v2"
	"unsafe"
)

// hashFn mirrors the signature of the hash functions stored in the runtime's
// map type descriptors: a pointer to the key and a seed. equalFn mirrors the
// runtime's equality functions.
type (
	hashFn  func(unsafe.Pointer, uintptr) uintptr
	equalFn func(unsafe.Pointer, unsafe.Pointer) bool
)

// getRuntimeHasher extracts the hash and equality functions for K from the
// Go runtime's implementation of map[K]struct{} by reaching into the
// internals of the type descriptor. This avoids requiring callers to supply
// a hash function for every instantiation while still supporting arbitrary
// comparable key types. The descriptor layout must be kept in sync with the
// runtime on Go version upgrades.
func getRuntimeHasher[K comparable]() (hashFn, equalFn) {
	var m map[K]struct{}
	mt := rtTypeOf(m).mapType()
	return mt.Hasher, mt.Key.Equal
}

// fastrand64 seeds per-table hashing so that bucket distributions differ
// between tables and across process runs.
func fastrand64() uint64 {
	return rand.Uint64()
}

type (
	rtTFlag   uint8
	rtKind    uint8
	rtNameOff int32
	rtTypeOff int32
)

// rtType is the prefix of the runtime's type descriptor. Only Equal is
// consumed here; the remaining fields exist to keep the layout aligned with
// the runtime's definition.
type rtType struct {
	Size_       uintptr
	PtrBytes    uintptr
	Hash        uint32
	TFlag       rtTFlag
	Align_      uint8
	FieldAlign_ uint8
	Kind_       rtKind
	// Equal compares two objects of this type: (ptr to A, ptr to B) -> ==?
	Equal     func(unsafe.Pointer, unsafe.Pointer) bool
	GCData    *byte
	Str       rtNameOff
	PtrToThis rtTypeOff
}

func (t *rtType) mapType() *rtMapType {
	return (*rtMapType)(unsafe.Pointer(t))
}

// rtMapType is the prefix of the runtime's map type descriptor. The
// Key/Elem/Bucket pointer triple precedes Hasher in every supported runtime
// layout.
type rtMapType struct {
	rtType
	Key    *rtType
	Elem   *rtType
	Bucket *rtType
	// Hasher hashes a key: (ptr to key, seed) -> hash.
	Hasher func(unsafe.Pointer, uintptr) uintptr
}

func rtTypeOf(a any) *rtType {
	eface := *(*rtEmptyInterface)(unsafe.Pointer(&a))
	// Type descriptors are either static or always reachable, so there is no
	// need for them to escape.
	return (*rtType)(noescape(unsafe.Pointer(eface.Type)))
}

type rtEmptyInterface struct {
	Type *rtType
	Data unsafe.Pointer
}

// noescape hides a pointer from escape analysis. noescape is the identity
// function but escape analysis doesn't think the output depends on the
// input. noescape is inlined and currently compiles down to zero
// instructions.
// USE CAREFULLY!
//
//go:nosplit
//go:nocheckptr
func noescape(p unsafe.Pointer) unsafe.Pointer {
	x := uintptr(p)
	return unsafe.Pointer(x ^ 0)
}
