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
	"math/rand"
	"strings"
	"sync"
	"testing"

	"github.com/matrixorigin/momap/pkg/common/moerr"
	"github.com/matrixorigin/momap/pkg/common/mpool"
	"github.com/stretchr/testify/require"
)

func requireMoPanic(t *testing.T, code uint16, f func()) {
	t.Helper()
	defer func() {
		r := recover()
		require.NotNil(t, r, "expected a panic")
		err, ok := r.(error)
		require.True(t, ok, "panic value %v is not an error", r)
		require.True(t, moerr.IsMoErrCode(err, code), "unexpected panic: %v", err)
	}()
	f()
}

func TestMapSetGet(t *testing.T) {
	mm := MustNewMap[uint64, uint64](Config{})
	require.NoError(t, mm.Set(1, 100))
	require.NoError(t, mm.Set(2, 200))
	require.NoError(t, mm.Set(0, 300))
	require.Equal(t, 3, mm.Len())

	v, ok := mm.Get(1)
	require.True(t, ok)
	require.Equal(t, uint64(100), v)
	v, ok = mm.Get(2)
	require.True(t, ok)
	require.Equal(t, uint64(200), v)
	v, ok = mm.Get(0)
	require.True(t, ok)
	require.Equal(t, uint64(300), v)

	// Absent keys read the zero value and false.
	v, ok = mm.Get(3)
	require.False(t, ok)
	require.Equal(t, uint64(0), v)
}

func TestMapStringKeys(t *testing.T) {
	mm := MustNewMap[string, int](Config{})
	for i := 0; i < 1000; i++ {
		require.NoError(t, mm.Set(strings.Repeat("x", i%100)+"-"+strings.Repeat("k", i/100), i))
	}
	require.Equal(t, 1000, mm.Len())
	for i := 0; i < 1000; i++ {
		v, ok := mm.Get(strings.Repeat("x", i%100) + "-" + strings.Repeat("k", i/100))
		require.True(t, ok)
		require.Equal(t, i, v)
	}

	// The empty string is a valid key.
	require.NoError(t, mm.Set("", -1))
	v, ok := mm.Get("")
	require.True(t, ok)
	require.Equal(t, -1, v)

	for i := 0; i < 500; i++ {
		mm.Delete(strings.Repeat("x", i%100) + "-" + strings.Repeat("k", i/100))
	}
	require.Equal(t, 501, mm.Len())
	for i := 0; i < 1000; i++ {
		_, ok := mm.Get(strings.Repeat("x", i%100) + "-" + strings.Repeat("k", i/100))
		require.Equal(t, i >= 500, ok)
	}
}

func TestMapUpdate(t *testing.T) {
	mm := MustNewMap[uint64, string](Config{})
	require.NoError(t, mm.Set(7, "first"))
	require.NoError(t, mm.Set(7, "second"))
	require.Equal(t, 1, mm.Len())
	v, ok := mm.Get(7)
	require.True(t, ok)
	require.Equal(t, "second", v)
}

func TestMapDelete(t *testing.T) {
	mm := MustNewMap[uint64, uint64](Config{})

	// Deleting from an empty table is a no-op.
	mm.Delete(1)
	require.Equal(t, 0, mm.Len())

	for i := uint64(0); i < 100; i++ {
		require.NoError(t, mm.Set(i, i*2))
	}
	require.Equal(t, 100, mm.Len())

	mm.Delete(50)
	require.Equal(t, 99, mm.Len())
	_, ok := mm.Get(50)
	require.False(t, ok)

	// Deleting again changes nothing.
	mm.Delete(50)
	require.Equal(t, 99, mm.Len())

	// The rest is untouched.
	for i := uint64(0); i < 100; i++ {
		v, ok := mm.Get(i)
		if i == 50 {
			require.False(t, ok)
			continue
		}
		require.True(t, ok)
		require.Equal(t, i*2, v)
	}

	// A deleted key can come back with a new value.
	require.NoError(t, mm.Set(50, 555))
	require.Equal(t, 100, mm.Len())
	v, ok := mm.Get(50)
	require.True(t, ok)
	require.Equal(t, uint64(555), v)
}

func TestMapNil(t *testing.T) {
	var mm *Map[uint64, int]
	require.Equal(t, 0, mm.Len())
	v, ok := mm.Get(1)
	require.False(t, ok)
	require.Equal(t, 0, v)
	mm.Delete(1)
	mm.Iterate(func(uint64, int) bool {
		t.Fatal("a nil map has nothing to yield")
		return true
	})
	mm.Clear()
	mm.Free()

	requireMoPanic(t, moerr.ErrInvalidState, func() {
		_ = mm.Set(1, 1)
	})
	requireMoPanic(t, moerr.ErrInvalidState, func() {
		_ = mm.Reserve(100)
	})
}

func TestMapZeroValue(t *testing.T) {
	// A Map built without a constructor has no hasher and cannot be
	// written, but it reads as empty.
	mm := &Map[uint64, int]{}
	require.Equal(t, 0, mm.Len())
	_, ok := mm.Get(1)
	require.False(t, ok)
	mm.Delete(1)

	requireMoPanic(t, moerr.ErrInvalidState, func() {
		_ = mm.Set(1, 1)
	})
	requireMoPanic(t, moerr.ErrInvalidState, func() {
		_ = mm.Reserve(100)
	})
}

func TestMapGrowth(t *testing.T) {
	mm := MustNewMap[uint64, uint64](Config{})
	const total = uint64(50000)
	for i := uint64(0); i < total; i++ {
		require.NoError(t, mm.Set(i, i*3))
	}
	require.Equal(t, int(total), mm.Len())
	require.Equal(t, uint8(13), mm.b)
	require.False(t, mm.growing())

	for i := uint64(0); i < total; i++ {
		v, ok := mm.Get(i)
		require.True(t, ok, "key %d lost in growth", i)
		require.Equal(t, i*3, v)
	}

	for i := uint64(0); i < total; i++ {
		mm.Delete(i)
	}
	require.Equal(t, 0, mm.Len())
	for i := uint64(0); i < total; i += 97 {
		_, ok := mm.Get(i)
		require.False(t, ok)
	}
}

func TestMapDifferential(t *testing.T) {
	mm := MustNewMap[uint64, uint64](Config{})
	ref := make(map[uint64]uint64)
	rng := rand.New(rand.NewSource(123))

	checkAll := func() {
		require.Equal(t, len(ref), mm.Len())
		for k, want := range ref {
			v, ok := mm.Get(k)
			require.True(t, ok, "key %d missing", k)
			require.Equal(t, want, v, "key %d", k)
		}
	}

	for op := 0; op < 50000; op++ {
		k := uint64(rng.Intn(2000))
		switch rng.Intn(10) {
		case 0, 1, 2, 3, 4, 5:
			v := rng.Uint64()
			require.NoError(t, mm.Set(k, v))
			ref[k] = v
		case 6, 7, 8:
			mm.Delete(k)
			delete(ref, k)
		default:
			v, ok := mm.Get(k)
			want, refOk := ref[k]
			require.Equal(t, refOk, ok, "key %d", k)
			if ok {
				require.Equal(t, want, v, "key %d", k)
			}
		}
		if op%1000 == 0 {
			require.Equal(t, len(ref), mm.Len())
		}
		if op%10000 == 9999 {
			checkAll()
		}
	}
	checkAll()

	// The iterator agrees with the reference map entry for entry.
	got := make(map[uint64]uint64)
	it := mm.Iter()
	for k, v, ok := it.Next(); ok; k, v, ok = it.Next() {
		_, dup := got[k]
		require.False(t, dup, "key %d yielded twice", k)
		got[k] = v
	}
	require.Equal(t, ref, got)
}

func TestMapOrderIndependence(t *testing.T) {
	const total = 500
	keys := make([]uint64, total)
	for i := range keys {
		keys[i] = uint64(i) * 977
	}
	shuffled := append([]uint64{}, keys...)
	rand.New(rand.NewSource(5)).Shuffle(len(shuffled), func(i, j int) {
		shuffled[i], shuffled[j] = shuffled[j], shuffled[i]
	})

	a := MustNewMap[uint64, uint64](Config{})
	for _, k := range keys {
		require.NoError(t, a.Set(k, k+1))
	}
	b := MustNewMap[uint64, uint64](Config{})
	for _, k := range shuffled {
		require.NoError(t, b.Set(k, k+1))
	}

	require.Equal(t, a.Len(), b.Len())
	for _, k := range keys {
		va, oka := a.Get(k)
		vb, okb := b.Get(k)
		require.True(t, oka)
		require.True(t, okb)
		require.Equal(t, va, vb)
	}

	seen := make(map[uint64]uint64)
	a.Iterate(func(k, v uint64) bool {
		seen[k] = v
		return true
	})
	b.Iterate(func(k, v uint64) bool {
		require.Equal(t, seen[k], v)
		delete(seen, k)
		return true
	})
	require.Empty(t, seen)
}

func TestMapCapacityHint(t *testing.T) {
	mm := MustNewMap[uint64, uint64](Config{Capacity: 1000})
	require.Equal(t, uint8(8), mm.b)
	require.NotNil(t, mm.buckets)

	for i := uint64(0); i < 1000; i++ {
		require.NoError(t, mm.Set(i, i))
		// A correct hint means no grow along the way.
		require.Nil(t, mm.oldbuckets)
	}
	require.Equal(t, uint8(8), mm.b)
	require.Equal(t, 1000, mm.Len())

	// The hint is a floor, not a ceiling.
	for i := uint64(1000); i < 3000; i++ {
		require.NoError(t, mm.Set(i, i))
	}
	require.Equal(t, 3000, mm.Len())
	for i := uint64(0); i < 3000; i++ {
		v, ok := mm.Get(i)
		require.True(t, ok)
		require.Equal(t, i, v)
	}
}

func TestMapLazyInit(t *testing.T) {
	mm := MustNewMap[uint64, uint64](Config{})
	require.Nil(t, mm.buckets)
	require.NoError(t, mm.Set(1, 1))
	require.NotNil(t, mm.buckets)
}

func TestMapPoolQuota(t *testing.T) {
	p, err := mpool.NewMPool("map_quota", mpool.MB, 0, 0)
	require.NoError(t, err)
	defer mpool.DeleteMPool(p)

	mm := MustNewMap[uint64, uint64](Config{Pool: p})
	var i uint64
	var setErr error
	for ; i < 50000; i++ {
		if setErr = mm.Set(i, i*3); setErr != nil {
			break
		}
	}
	require.Error(t, setErr)
	require.True(t, moerr.IsMoErrCode(setErr, moerr.ErrOOM))
	require.Less(t, i, uint64(50000), "the cap never hit")

	// The failed Set left the table exactly as it was.
	require.Equal(t, int(i), mm.Len())
	for j := uint64(0); j < i; j++ {
		v, ok := mm.Get(j)
		require.True(t, ok, "key %d lost on quota failure", j)
		require.Equal(t, j*3, v)
	}
	_, ok := mm.Get(i)
	require.False(t, ok)

	// Updates of resident keys need no new memory unless blocked
	// evacuation work runs first.
	if !mm.growing() {
		require.NoError(t, mm.Set(0, 999))
		v, ok := mm.Get(0)
		require.True(t, ok)
		require.Equal(t, uint64(999), v)
	}

	// Delete never fails, quota or not.
	mm.Delete(1)
	require.Equal(t, int(i)-1, mm.Len())
	_, ok = mm.Get(1)
	require.False(t, ok)

	mm.Free()
	require.Equal(t, int64(0), p.CurrNB())
	require.Equal(t, int64(0), p.Reserved())
}

func TestMapPoolConstruction(t *testing.T) {
	p, err := mpool.NewMPool("map_hint_quota", mpool.MB, 0, 0)
	require.NoError(t, err)
	defer mpool.DeleteMPool(p)

	// A capacity hint beyond the pool cap fails up front.
	_, err = NewMap[uint64, uint64](Config{Capacity: 100000, Pool: p})
	require.Error(t, err)
	require.True(t, moerr.IsMoErrCode(err, moerr.ErrOOM))
	require.Equal(t, int64(0), p.CurrNB())
	require.Equal(t, int64(0), p.Reserved())

	// A fitting hint works.
	mm, err := NewMap[uint64, uint64](Config{Capacity: 1000, Pool: p})
	require.NoError(t, err)
	require.Greater(t, p.CurrNB(), int64(0))
	for i := uint64(0); i < 1000; i++ {
		require.NoError(t, mm.Set(i, i))
	}
	mm.Free()
	require.Equal(t, int64(0), p.CurrNB())
	require.Equal(t, int64(0), p.Reserved())
}

func TestMapPoolLifecycle(t *testing.T) {
	p := mpool.MustNewZero()
	defer mpool.DeleteMPool(p)

	mm := MustNewMap[uint64, uint64](Config{Pool: p})
	for i := uint64(0); i < 10000; i++ {
		require.NoError(t, mm.Set(i, i))
	}
	require.Greater(t, p.CurrNB(), int64(0))

	for i := uint64(0); i < 5000; i++ {
		mm.Delete(i)
	}
	require.Equal(t, 5000, mm.Len())

	mm.Clear()
	require.Equal(t, 0, mm.Len())
	for i := uint64(0); i < 100; i++ {
		require.NoError(t, mm.Set(i, i+7))
	}
	require.Equal(t, 100, mm.Len())

	mm.Free()
	require.Equal(t, int64(0), p.CurrNB())
	require.Equal(t, int64(0), p.Reserved())
}

func TestMapReserve(t *testing.T) {
	p := mpool.MustNewZero()
	defer mpool.DeleteMPool(p)

	// Pre-sizing an empty table materializes the bucket array once.
	mm := MustNewMap[uint64, uint64](Config{Pool: p})
	require.NoError(t, mm.Reserve(10000))
	require.Equal(t, 0, mm.Len())
	sized := p.Reserved()
	require.Greater(t, sized, int64(0))

	// Reserving less, or nothing, never shrinks.
	require.NoError(t, mm.Reserve(10))
	require.NoError(t, mm.Reserve(0))
	require.Equal(t, sized, p.Reserved())

	for i := uint64(0); i < 10000; i++ {
		require.NoError(t, mm.Set(i, i*3))
	}
	require.Equal(t, 10000, mm.Len())
	for i := uint64(0); i < 10000; i++ {
		v, ok := mm.Get(i)
		require.True(t, ok)
		require.Equal(t, i*3, v)
	}
	mm.Free()
	require.Equal(t, int64(0), p.Reserved())
}

func TestMapReserveLive(t *testing.T) {
	mm := MustNewMap[uint64, string](Config{})
	for i := uint64(0); i < 1000; i++ {
		require.NoError(t, mm.Set(i, strings.Repeat("v", int(i%7))))
	}

	// Growing under live entries keeps every one of them.
	require.NoError(t, mm.Reserve(50000))
	require.False(t, mm.growing(), "the doublings drain eagerly")
	require.Equal(t, 1000, mm.Len())
	for i := uint64(0); i < 1000; i++ {
		v, ok := mm.Get(i)
		require.True(t, ok)
		require.Equal(t, strings.Repeat("v", int(i%7)), v)
	}

	for i := uint64(1000); i < 50000; i++ {
		require.NoError(t, mm.Set(i, "x"))
	}
	require.Equal(t, 50000, mm.Len())
}

func TestMapReserveQuota(t *testing.T) {
	p, err := mpool.NewMPool("map_reserve_quota", mpool.MB, 0, 0)
	require.NoError(t, err)
	defer mpool.DeleteMPool(p)

	mm := MustNewMap[uint64, uint64](Config{Pool: p})
	for i := uint64(0); i < 100; i++ {
		require.NoError(t, mm.Set(i, i))
	}

	err = mm.Reserve(10_000_000)
	require.Error(t, err)
	require.True(t, moerr.IsMoErrCode(err, moerr.ErrOOM))

	// The failed call left a valid table behind.
	require.Equal(t, 100, mm.Len())
	for i := uint64(0); i < 100; i++ {
		v, ok := mm.Get(i)
		require.True(t, ok)
		require.Equal(t, i, v)
	}
	require.NoError(t, mm.Set(100, 100))
	v, ok := mm.Get(100)
	require.True(t, ok)
	require.Equal(t, uint64(100), v)

	mm.Free()
	require.Equal(t, int64(0), p.CurrNB())
	require.Equal(t, int64(0), p.Reserved())
}

func TestMapCustomHasherEqual(t *testing.T) {
	base, err := DefaultHasher[string]()
	require.NoError(t, err)
	hasher := func(seed uint64, key string) uint64 {
		return base(seed, strings.ToLower(key))
	}
	equal := func(a, b string) bool {
		return strings.EqualFold(a, b)
	}

	mm, err := NewMapWith[string, int](Config{}, hasher, equal)
	require.NoError(t, err)

	require.NoError(t, mm.Set("Hello", 1))
	v, ok := mm.Get("HELLO")
	require.True(t, ok)
	require.Equal(t, 1, v)

	// An update through a differently cased key keeps the stored key.
	require.NoError(t, mm.Set("hello", 2))
	require.Equal(t, 1, mm.Len())
	mm.Iterate(func(k string, v int) bool {
		require.Equal(t, "Hello", k)
		require.Equal(t, 2, v)
		return true
	})

	mm.Delete("hellO")
	require.Equal(t, 0, mm.Len())
}

func TestMapDegenerateHasher(t *testing.T) {
	// A constant hash satisfies the contract, everything lands in one
	// chain and the table degrades to a list without losing entries.
	hasher := func(seed uint64, key int) uint64 { return 42 }
	mm, err := NewMapWith[int, int](Config{}, hasher, nil)
	require.NoError(t, err)

	const total = 2000
	for i := 0; i < total; i++ {
		require.NoError(t, mm.Set(i, i*5))
	}
	require.Equal(t, total, mm.Len())
	for i := 0; i < total; i++ {
		v, ok := mm.Get(i)
		require.True(t, ok, "key %d", i)
		require.Equal(t, i*5, v)
	}
	_, ok := mm.Get(total)
	require.False(t, ok)

	for i := 0; i < total; i++ {
		mm.Delete(i)
	}
	require.Equal(t, 0, mm.Len())
	for i := 0; i < total; i += 13 {
		_, ok := mm.Get(i)
		require.False(t, ok)
	}
}

func TestMapNaNKeys(t *testing.T) {
	mm := MustNewMap[float64, int](Config{})
	nan := math.NaN()

	// NaN is never equal to itself, every Set adds a fresh entry and
	// no Get can reach them.
	require.NoError(t, mm.Set(nan, 1))
	require.NoError(t, mm.Set(nan, 2))
	require.Equal(t, 2, mm.Len())
	_, ok := mm.Get(nan)
	require.False(t, ok)
	mm.Delete(nan)
	require.Equal(t, 2, mm.Len())

	// The iterator still reaches them.
	var values []int
	mm.Iterate(func(k float64, v int) bool {
		require.True(t, math.IsNaN(k))
		values = append(values, v)
		return true
	})
	require.ElementsMatch(t, []int{1, 2}, values)
}

func TestMapNegativeZero(t *testing.T) {
	mm := MustNewMap[float64, int](Config{})
	negZero := math.Copysign(0, -1)

	require.NoError(t, mm.Set(negZero, 7))
	require.Equal(t, 1, mm.Len())
	v, ok := mm.Get(0.0)
	require.True(t, ok)
	require.Equal(t, 7, v)

	require.NoError(t, mm.Set(0.0, 9))
	require.Equal(t, 1, mm.Len())
	v, ok = mm.Get(negZero)
	require.True(t, ok)
	require.Equal(t, 9, v)
}

func TestMapSeedRotation(t *testing.T) {
	mm := MustNewMap[uint64, uint64](Config{})
	seed := mm.seed
	for i := uint64(0); i < 10; i++ {
		require.NoError(t, mm.Set(i, i))
	}
	require.Equal(t, seed, mm.seed)
	for i := uint64(0); i < 10; i++ {
		mm.Delete(i)
	}
	// Draining the table rotates the seed.
	require.NotEqual(t, seed, mm.seed)
}

func TestMapClear(t *testing.T) {
	mm := MustNewMap[uint64, uint64](Config{})
	for i := uint64(0); i < 100; i++ {
		require.NoError(t, mm.Set(i, i))
	}
	mm.Clear()
	require.Equal(t, 0, mm.Len())
	for i := uint64(0); i < 100; i++ {
		_, ok := mm.Get(i)
		require.False(t, ok)
	}

	// The table stays usable.
	for i := uint64(0); i < 50; i++ {
		require.NoError(t, mm.Set(i, i*2))
	}
	require.Equal(t, 50, mm.Len())

	// Clear mid-grow drops the old generation too.
	mm2 := MustNewMap[uint64, uint64](Config{})
	i := uint64(0)
	for ; !mm2.growing(); i++ {
		require.NoError(t, mm2.Set(i, i))
	}
	mm2.Clear()
	require.False(t, mm2.growing())
	require.Equal(t, 0, mm2.Len())
	for j := uint64(0); j < i; j++ {
		_, ok := mm2.Get(j)
		require.False(t, ok)
	}
	require.NoError(t, mm2.Set(1, 1))
	require.Equal(t, 1, mm2.Len())
}

type pairKey struct {
	A uint32
	B uint32
}

func TestMapCompositeKeys(t *testing.T) {
	// Composite keys need an explicit hasher.
	_, err := NewMap[pairKey, int](Config{})
	require.Error(t, err)
	require.True(t, moerr.IsMoErrCode(err, moerr.ErrNotSupported))

	requireMoPanic(t, moerr.ErrNotSupported, func() {
		MustNewMap[pairKey, int](Config{})
	})

	hasher := func(seed uint64, k pairKey) uint64 {
		return wyhash64Seeded(uint64(k.A)<<32|uint64(k.B), seed)
	}
	mm, err := NewMapWith[pairKey, int](Config{}, hasher, nil)
	require.NoError(t, err)
	require.NoError(t, mm.Set(pairKey{1, 2}, 12))
	require.NoError(t, mm.Set(pairKey{2, 1}, 21))
	require.Equal(t, 2, mm.Len())
	v, ok := mm.Get(pairKey{1, 2})
	require.True(t, ok)
	require.Equal(t, 12, v)
}

func TestMapPointerKeys(t *testing.T) {
	mm := MustNewMap[*int, string](Config{})
	a, b := new(int), new(int)
	*a, *b = 5, 5

	// Pointer keys compare by address, equal pointees stay distinct.
	require.NoError(t, mm.Set(a, "a"))
	require.NoError(t, mm.Set(b, "b"))
	require.Equal(t, 2, mm.Len())
	v, ok := mm.Get(a)
	require.True(t, ok)
	require.Equal(t, "a", v)
	v, ok = mm.Get(b)
	require.True(t, ok)
	require.Equal(t, "b", v)
}

func TestMapConcurrentWriteDetection(t *testing.T) {
	mm := MustNewMap[uint64, uint64](Config{})
	require.NoError(t, mm.Set(1, 1))

	it := mm.Iter()

	mm.flags |= flagHashWriting
	requireMoPanic(t, moerr.ErrInvalidState, func() {
		_, _ = mm.Get(1)
	})
	requireMoPanic(t, moerr.ErrInvalidState, func() {
		_ = mm.Set(2, 2)
	})
	requireMoPanic(t, moerr.ErrInvalidState, func() {
		mm.Delete(1)
	})
	requireMoPanic(t, moerr.ErrInvalidState, func() {
		mm.Clear()
	})
	requireMoPanic(t, moerr.ErrInvalidState, func() {
		_, _, _ = it.Next()
	})
	mm.flags &^= flagHashWriting

	// Back to normal once the flag is gone.
	v, ok := mm.Get(1)
	require.True(t, ok)
	require.Equal(t, uint64(1), v)
}

func TestMapConcurrentReaders(t *testing.T) {
	mm := MustNewMap[uint64, uint64](Config{})
	const resident = uint64(4096)
	for i := uint64(0); i < resident; i++ {
		require.NoError(t, mm.Set(i, i*7))
	}

	var wg sync.WaitGroup
	for g := 0; g < 8; g++ {
		wg.Add(1)
		go func(g int) {
			defer wg.Done()
			rng := rand.New(rand.NewSource(int64(g)))
			for n := 0; n < 10000; n++ {
				k := uint64(rng.Intn(int(resident) * 2))
				v, ok := mm.Get(k)
				if k < resident {
					if !ok || v != k*7 {
						t.Errorf("reader %d: key %d read %d/%v", g, k, v, ok)
						return
					}
				} else if ok {
					t.Errorf("reader %d: phantom key %d", g, k)
					return
				}
			}
		}(g)
	}
	wg.Wait()

	require.Equal(t, int(resident), mm.Len())
}

func BenchmarkMapSet(b *testing.B) {
	mm := MustNewMap[uint64, uint64](Config{Capacity: b.N})
	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		_ = mm.Set(uint64(i), uint64(i))
	}
}

func BenchmarkMapGet(b *testing.B) {
	mm := MustNewMap[uint64, uint64](Config{Capacity: 1 << 16})
	for i := uint64(0); i < 1<<16; i++ {
		_ = mm.Set(i, i)
	}
	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		_, _ = mm.Get(uint64(i) & (1<<16 - 1))
	}
}

func BenchmarkBuiltinMapSet(b *testing.B) {
	mm := make(map[uint64]uint64, b.N)
	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		mm[uint64(i)] = uint64(i)
	}
}

func BenchmarkBuiltinMapGet(b *testing.B) {
	mm := make(map[uint64]uint64, 1<<16)
	for i := uint64(0); i < 1<<16; i++ {
		mm[i] = i
	}
	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		_ = mm[uint64(i)&(1<<16-1)]
	}
}
