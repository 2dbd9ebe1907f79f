// Copyright 2021 Matrix Origin
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

package hashtable

import (
	"math"
	"reflect"
	"unsafe"

	"github.com/matrixorigin/momap/pkg/common/moerr"
)

// Hasher computes the hash of a key under a table seed.  A Hasher
// must be deterministic for the life of the table, and keys that
// compare equal must hash to the same value.  Lookups on a table
// whose Hasher breaks this contract silently miss.
type Hasher[K comparable] func(seed uint64, key K) uint64

// Equal reports whether two keys are the same.  It must agree with
// the table's Hasher.
type Equal[K comparable] func(a, b K) bool

func defaultEqual[K comparable](a, b K) bool {
	return a == b
}

// DefaultHasher picks a hash function from the memory layout of K.
// Only flat kinds are covered.  Struct, array, interface and channel
// keys are rejected here, a table of those needs an explicit Hasher.
func DefaultHasher[K comparable]() (Hasher[K], error) {
	var zero K
	t := reflect.TypeOf(&zero).Elem()
	switch t.Kind() {
	case reflect.Bool:
		return func(seed uint64, k K) uint64 {
			x := uint64(0)
			if *(*bool)(unsafe.Pointer(&k)) {
				x = 1
			}
			return wyhash64Seeded(x, seed)
		}, nil
	case reflect.Int8:
		return func(seed uint64, k K) uint64 {
			return wyhash64Seeded(uint64(*(*int8)(unsafe.Pointer(&k))), seed)
		}, nil
	case reflect.Int16:
		return func(seed uint64, k K) uint64 {
			return wyhash64Seeded(uint64(*(*int16)(unsafe.Pointer(&k))), seed)
		}, nil
	case reflect.Int32:
		return func(seed uint64, k K) uint64 {
			return wyhash64Seeded(uint64(*(*int32)(unsafe.Pointer(&k))), seed)
		}, nil
	case reflect.Int64:
		return func(seed uint64, k K) uint64 {
			return wyhash64Seeded(uint64(*(*int64)(unsafe.Pointer(&k))), seed)
		}, nil
	case reflect.Int:
		return func(seed uint64, k K) uint64 {
			return wyhash64Seeded(uint64(*(*int)(unsafe.Pointer(&k))), seed)
		}, nil
	case reflect.Uint8:
		return func(seed uint64, k K) uint64 {
			return wyhash64Seeded(uint64(*(*uint8)(unsafe.Pointer(&k))), seed)
		}, nil
	case reflect.Uint16:
		return func(seed uint64, k K) uint64 {
			return wyhash64Seeded(uint64(*(*uint16)(unsafe.Pointer(&k))), seed)
		}, nil
	case reflect.Uint32:
		return func(seed uint64, k K) uint64 {
			return wyhash64Seeded(uint64(*(*uint32)(unsafe.Pointer(&k))), seed)
		}, nil
	case reflect.Uint64:
		return func(seed uint64, k K) uint64 {
			return wyhash64Seeded(*(*uint64)(unsafe.Pointer(&k)), seed)
		}, nil
	case reflect.Uint:
		return func(seed uint64, k K) uint64 {
			return wyhash64Seeded(uint64(*(*uint)(unsafe.Pointer(&k))), seed)
		}, nil
	case reflect.Uintptr:
		return func(seed uint64, k K) uint64 {
			return wyhash64Seeded(uint64(*(*uintptr)(unsafe.Pointer(&k))), seed)
		}, nil
	case reflect.Float32:
		return func(seed uint64, k K) uint64 {
			f := *(*float32)(unsafe.Pointer(&k))
			if f == 0 {
				f = 0 // negative zero compares equal to zero, hash it the same
			}
			return wyhash64Seeded(uint64(math.Float32bits(f)), seed)
		}, nil
	case reflect.Float64:
		return func(seed uint64, k K) uint64 {
			f := *(*float64)(unsafe.Pointer(&k))
			if f == 0 {
				f = 0
			}
			return wyhash64Seeded(math.Float64bits(f), seed)
		}, nil
	case reflect.Complex64:
		return func(seed uint64, k K) uint64 {
			c := *(*complex64)(unsafe.Pointer(&k))
			re, im := real(c), imag(c)
			if re == 0 {
				re = 0
			}
			if im == 0 {
				im = 0
			}
			h := wyhash64Seeded(uint64(math.Float32bits(re)), seed)
			return wyhash64Seeded(uint64(math.Float32bits(im)), h)
		}, nil
	case reflect.Complex128:
		return func(seed uint64, k K) uint64 {
			c := *(*complex128)(unsafe.Pointer(&k))
			re, im := real(c), imag(c)
			if re == 0 {
				re = 0
			}
			if im == 0 {
				im = 0
			}
			h := wyhash64Seeded(math.Float64bits(re), seed)
			return wyhash64Seeded(math.Float64bits(im), h)
		}, nil
	case reflect.String:
		return func(seed uint64, k K) uint64 {
			s := *(*string)(unsafe.Pointer(&k))
			if len(s) == 0 {
				return wyhash(nil, seed, 0)
			}
			return wyhash(unsafe.Pointer(unsafe.StringData(s)), seed, uint64(len(s)))
		}, nil
	case reflect.Pointer, reflect.UnsafePointer:
		return func(seed uint64, k K) uint64 {
			return wyhash64Seeded(uint64(*(*uintptr)(unsafe.Pointer(&k))), seed)
		}, nil
	}
	return nil, moerr.NewNotSupported("hash of key type %v, provide a Hasher", t)
}
