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

package linearprobe

import (
	"hash/maphash"
	"reflect"
	"unsafe"

	"github.com/cespare/xxhash/v2"
)

// Hashable is implemented by key types that supply their own hash code. Keys
// that are == must return the same hash code.
type Hashable interface {
	HashCode() int
}

// hashFn computes the hash code of a key. The result may be negative.
type hashFn[K comparable] func(key K) int

// defaultHasher returns the hash function used when WithHash is not given. The
// choice is made once per map based on the key type.
func defaultHasher[K comparable]() hashFn[K] {
	var zero K
	if _, ok := any(zero).(Hashable); ok {
		return func(key K) int {
			return any(key).(Hashable).HashCode()
		}
	}

	switch any(zero).(type) {
	case string:
		return func(key K) int {
			return int(xxhash.Sum64String(*(*string)(unsafe.Pointer(&key))))
		}
	// Integers hash to themselves. Sequential keys then land in sequential
	// slots, which keeps clusters short for the common dense-id case.
	case int:
		return func(key K) int { return *(*int)(unsafe.Pointer(&key)) }
	case int8:
		return func(key K) int { return int(*(*int8)(unsafe.Pointer(&key))) }
	case int16:
		return func(key K) int { return int(*(*int16)(unsafe.Pointer(&key))) }
	case int32:
		return func(key K) int { return int(*(*int32)(unsafe.Pointer(&key))) }
	case int64:
		return func(key K) int { return int(*(*int64)(unsafe.Pointer(&key))) }
	case uint:
		return func(key K) int { return int(*(*uint)(unsafe.Pointer(&key))) }
	case uint8:
		return func(key K) int { return int(*(*uint8)(unsafe.Pointer(&key))) }
	case uint16:
		return func(key K) int { return int(*(*uint16)(unsafe.Pointer(&key))) }
	case uint32:
		return func(key K) int { return int(*(*uint32)(unsafe.Pointer(&key))) }
	case uint64:
		return func(key K) int { return int(*(*uint64)(unsafe.Pointer(&key))) }
	case uintptr:
		return func(key K) int { return int(*(*uintptr)(unsafe.Pointer(&key))) }
	}

	seed := maphash.MakeSeed()
	return func(key K) int {
		return int(maphash.Comparable(seed, key))
	}
}

// nilable reports whether values of type K can be nil. For such types the
// zero value is the nil key, which the map never stores.
func nilable[K comparable]() bool {
	switch reflect.TypeFor[K]().Kind() {
	case reflect.Pointer, reflect.Interface, reflect.Chan, reflect.UnsafePointer:
		return true
	}
	return false
}
