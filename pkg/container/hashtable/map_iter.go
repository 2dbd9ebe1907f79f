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
	"github.com/matrixorigin/momap/pkg/common/moerr"
)

// MapIterator walks a Map in an unspecified order that changes from
// one iterator to the next.  The map may be mutated between Next
// calls by the same goroutine: entries deleted before their turn are
// not yielded, entries added during the walk may or may not be.
type MapIterator[K comparable, V any] struct {
	m           *Map[K, V]
	buckets     []mapBucket[K, V] // bucket array at iterator creation time
	bptr        *mapBucket[K, V]  // current bucket
	startBucket uint64
	offset      uint8 // cell offset to start from in every bucket
	wrapped     bool
	b           uint8
	i           int
	bucket      uint64
	checkBucket uint64
}

// Iter starts an iterator over the table.  A nil or empty map yields
// an exhausted iterator.  Iter updates bookkeeping flags on the map,
// so unlike Next it must not run concurrently with other readers.
func (m *Map[K, V]) Iter() *MapIterator[K, V] {
	it := &MapIterator[K, V]{}
	if m == nil || m.count == 0 {
		return it
	}

	it.m = m
	it.b = m.b
	it.buckets = m.buckets

	// Start at a random bucket and cell so no caller can depend on
	// the order.
	r := seedRand()
	it.startBucket = r & bucketMask(m.b)
	it.offset = uint8(r >> (m.b & 63) & (kCellCnt - 1))
	it.bucket = it.startBucket
	it.checkBucket = noCheck

	m.flags |= flagIterator | flagOldIterator
	return it
}

// Next returns the following entry, with ok false once the iterator
// is exhausted.
func (it *MapIterator[K, V]) Next() (key K, value V, ok bool) {
	m := it.m
	if m == nil {
		return
	}
	if m.flags&flagHashWriting != 0 {
		panic(moerr.NewInvalidState("concurrent map iteration and map write"))
	}
	b := it.bptr
	bucketIdx := it.bucket
	i := it.i
	checkBucket := it.checkBucket

next:
	if b == nil {
		if bucketIdx == it.startBucket && it.wrapped {
			it.m = nil
			return
		}
		if m.growing() && it.b == m.b {
			// The iterator started during the current grow.  When the
			// old bucket feeding this slot has not been evacuated yet,
			// walk it instead and yield only the entries that will
			// land in this slot.
			oldbucket := bucketIdx & m.oldbucketmask()
			b = &m.oldbuckets[oldbucket]
			if !b.evacuated() {
				checkBucket = bucketIdx
			} else {
				b = &it.buckets[bucketIdx]
				checkBucket = noCheck
			}
		} else {
			b = &it.buckets[bucketIdx]
			checkBucket = noCheck
		}
		bucketIdx++
		if bucketIdx == bucketShift(it.b) {
			bucketIdx = 0
			it.wrapped = true
		}
		i = 0
	}
	for ; i < kCellCnt; i++ {
		offi := (i + int(it.offset)) & (kCellCnt - 1)
		top := b.tophash[offi]
		if isCellEmpty(top) || top == evacuatedEmpty {
			continue
		}
		k := b.keys[offi]
		if checkBucket != noCheck && !m.sameSizeGrow() {
			// Skip entries of the shared old bucket that belong to
			// the other new slot.
			if m.hasher(m.seed, k)&bucketMask(it.b) != checkBucket {
				continue
			}
		}
		if (top != evacuatedX && top != evacuatedY) || !m.equal(k, k) {
			// Live cell, or a key that is not equal to itself and so
			// can never be looked up again.  Yield it as stored.
			key, value, ok = k, b.values[offi], true
		} else {
			// The cell moved after the iterator started, fetch the
			// current entry.
			rk, rv, found := m.getWithKey(k)
			if !found {
				// Deleted since.
				continue
			}
			key, value, ok = rk, rv, true
		}
		it.bucket = bucketIdx
		if it.bptr != b {
			it.bptr = b
		}
		it.i = i + 1
		it.checkBucket = checkBucket
		return
	}
	b = b.overflow
	i = 0
	goto next
}

// Iterate calls fn for every entry until fn returns false.
func (m *Map[K, V]) Iterate(fn func(key K, value V) bool) {
	it := m.Iter()
	for k, v, ok := it.Next(); ok; k, v, ok = it.Next() {
		if !fn(k, v) {
			return
		}
	}
}
