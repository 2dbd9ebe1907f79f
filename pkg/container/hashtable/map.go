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
	"unsafe"

	"github.com/matrixorigin/momap/pkg/common/moerr"
	"github.com/matrixorigin/momap/pkg/common/mpool"
)

const (
	kCellCntBits = 3
	kCellCnt     = 1 << kCellCntBits

	// Grow once a table averages more than 6.5 entries per bucket.
	kMapLoadFactorNum = 13
	kMapLoadFactorDen = 2

	// Cell states kept in the tophash byte.  Values below kMinTopHash
	// are markers, a real hash tag is always >= kMinTopHash.
	emptyRest      = 0 // cell is empty, and so are all higher cells in this bucket and its overflows
	emptyOne       = 1 // cell is empty
	evacuatedX     = 2 // entry moved to the first half of the larger table
	evacuatedY     = 3 // entry moved to the second half of the larger table
	evacuatedEmpty = 4 // cell was empty when the bucket was evacuated
	kMinTopHash    = 5

	flagIterator     = 1 // an iterator may be walking buckets
	flagOldIterator  = 2 // an iterator may be walking oldbuckets
	flagHashWriting  = 4 // a write is in progress
	flagSameSizeGrow = 8 // the current grow keeps the bucket count

	noCheck = ^uint64(0)
)

type mapBucket[K comparable, V any] struct {
	tophash  [kCellCnt]uint8
	keys     [kCellCnt]K
	values   [kCellCnt]V
	overflow *mapBucket[K, V]
}

// Config carries the construction parameters of a Map.
type Config struct {
	// Capacity pre-sizes the table for the expected entry count, the
	// table still grows past it on demand.
	Capacity int
	// Pool, when set, bounds the memory of the table.  Bucket arrays
	// are charged against the pool as reserved bytes and Set reports
	// an allocation failure instead of growing past the cap.
	Pool *mpool.MPool
}

// Map is a hash table over a flat or explicitly hashed key type.  It
// keeps entries in eight cell buckets tagged by the top byte of the
// hash, chains overflow buckets off full ones, and grows by doubling
// with the old generation evacuated incrementally as later writes
// touch it.  Every table hashes under its own random seed, two tables
// never share a collision pattern.
//
// A Map is not safe for concurrent use.  Reads may run concurrently
// with each other, and a single goroutine may interleave Get, Delete
// and iteration with its own Sets.  A nil *Map reads as empty: Get,
// Len and iteration are safe, Delete is a no-op, Set panics.
type Map[K comparable, V any] struct {
	count     int
	flags     uint8
	b         uint8 // log2 of the bucket count
	noverflow uint16
	seed      uint64

	// buckets holds 1<<b base buckets, plus spare buckets at the tail
	// that newOverflow hands out before touching the heap.
	buckets      []mapBucket[K, V]
	nextOverflow int
	oldbuckets   []mapBucket[K, V]
	nevacuate    uint64

	hasher Hasher[K]
	equal  Equal[K]

	pool        *mpool.MPool
	curReserved int64 // bytes reserved for the live generation
	oldReserved int64 // bytes reserved for the generation being evacuated
}

// NewMap builds a table keyed by a flat kind: integers, floats,
// strings, booleans and pointers.  Composite key types are rejected
// here, use NewMapWith for those.
func NewMap[K comparable, V any](cfg Config) (*Map[K, V], error) {
	return NewMapWith[K, V](cfg, nil, nil)
}

// NewMapWith builds a table with an explicit hash and equality.  A nil
// hasher selects the built-in one for flat kinds, a nil equal falls
// back to ==.  Keys that compare equal must hash alike, the table
// trusts the pair without checking.
func NewMapWith[K comparable, V any](cfg Config, hasher Hasher[K], equal Equal[K]) (*Map[K, V], error) {
	var err error
	if hasher == nil {
		if hasher, err = DefaultHasher[K](); err != nil {
			return nil, err
		}
	}
	if equal == nil {
		equal = defaultEqual[K]
	}

	m := &Map[K, V]{
		seed:   NewSeed(),
		hasher: hasher,
		equal:  equal,
		pool:   cfg.Pool,
	}

	b := uint8(0)
	for overLoadFactor(cfg.Capacity, b) {
		b++
	}
	m.b = b

	// With a capacity hint the bucket array is built here so a table
	// over quota fails at construction, otherwise the first Set pays.
	if cfg.Capacity > 0 {
		arr, reserved, err := m.makeBucketArray(m.b)
		if err != nil {
			return nil, err
		}
		m.buckets = arr
		m.nextOverflow = int(bucketShift(m.b))
		m.curReserved = reserved
	}
	return m, nil
}

// MustNewMap is NewMap, panicking on failure.
func MustNewMap[K comparable, V any](cfg Config) *Map[K, V] {
	m, err := NewMap[K, V](cfg)
	if err != nil {
		panic(err)
	}
	return m
}

func bucketShift(b uint8) uint64 {
	return uint64(1) << (b & 63)
}

func bucketMask(b uint8) uint64 {
	return bucketShift(b) - 1
}

func tophash(hash uint64) uint8 {
	top := uint8(hash >> 56)
	if top < kMinTopHash {
		top += kMinTopHash
	}
	return top
}

func isCellEmpty(x uint8) bool {
	return x <= emptyOne
}

func (b *mapBucket[K, V]) evacuated() bool {
	h := b.tophash[0]
	return h > emptyOne && h < kMinTopHash
}

func overLoadFactor(count int, b uint8) bool {
	return count > kCellCnt && uint64(count) > kMapLoadFactorNum*(bucketShift(b)/kMapLoadFactorDen)
}

// tooManyOverflowBuckets reports whether the overflow chains grew out
// of proportion, which happens when entries were deleted and refilled
// many times.  It triggers a same size grow that compacts the chains.
func tooManyOverflowBuckets(noverflow uint16, b uint8) bool {
	if b > 15 {
		b = 15
	}
	return noverflow >= uint16(1)<<(b&15)
}

func (m *Map[K, V]) incrnoverflow() {
	// Saturating.  The count only feeds the grow heuristic.
	if m.noverflow < ^uint16(0) {
		m.noverflow++
	}
}

func (m *Map[K, V]) growing() bool {
	return m.oldbuckets != nil
}

func (m *Map[K, V]) sameSizeGrow() bool {
	return m.flags&flagSameSizeGrow != 0
}

// noldbuckets returns the bucket count before the current grow.
func (m *Map[K, V]) noldbuckets() uint64 {
	oldB := m.b
	if !m.sameSizeGrow() {
		oldB--
	}
	return bucketShift(oldB)
}

func (m *Map[K, V]) oldbucketmask() uint64 {
	return m.noldbuckets() - 1
}

func mapBucketSize[K comparable, V any]() int64 {
	var b mapBucket[K, V]
	return int64(unsafe.Sizeof(b))
}

// reserve charges sz bytes against the pool, if there is one.
func (m *Map[K, V]) reserve(sz int64) error {
	if m.pool == nil || sz == 0 {
		return nil
	}
	if err := m.pool.Reserve(sz); err != nil {
		return err
	}
	m.curReserved += sz
	return nil
}

// makeBucketArray allocates 1<<b base buckets, with spare overflow
// buckets carved at the tail once tables get big enough to need them.
// The returned byte count has already been reserved from the pool.
func (m *Map[K, V]) makeBucketArray(b uint8) ([]mapBucket[K, V], int64, error) {
	base := bucketShift(b)
	n := base
	if b >= 4 {
		n += base >> 4
	}
	var reserved int64
	if m.pool != nil {
		reserved = int64(n) * mapBucketSize[K, V]()
		if err := m.pool.Reserve(reserved); err != nil {
			return nil, 0, err
		}
	}
	return make([]mapBucket[K, V], n), reserved, nil
}

// acquireOverflowBuckets hands out n overflow buckets, spare carved
// ones first, heap ones after.  On a failed reservation nothing is
// taken, so callers can bail out before mutating the table.
func (m *Map[K, V]) acquireOverflowBuckets(n int) ([]*mapBucket[K, V], error) {
	ovfs := make([]*mapBucket[K, V], 0, n)
	carved := 0
	for len(ovfs) < n && m.nextOverflow < len(m.buckets) {
		ovfs = append(ovfs, &m.buckets[m.nextOverflow])
		m.nextOverflow++
		carved++
	}
	if extra := n - len(ovfs); extra > 0 {
		if err := m.reserve(int64(extra) * mapBucketSize[K, V]()); err != nil {
			m.nextOverflow -= carved
			return nil, err
		}
		for i := 0; i < extra; i++ {
			ovfs = append(ovfs, new(mapBucket[K, V]))
		}
	}
	return ovfs, nil
}

// Len returns the number of entries.  A nil map has length zero.
func (m *Map[K, V]) Len() int {
	if m == nil {
		return 0
	}
	return m.count
}

// Get returns the value stored under key.
func (m *Map[K, V]) Get(key K) (V, bool) {
	_, v, ok := m.getWithKey(key)
	return v, ok
}

func (m *Map[K, V]) getWithKey(key K) (K, V, bool) {
	var zeroK K
	var zeroV V
	if m == nil || m.count == 0 {
		return zeroK, zeroV, false
	}
	if m.flags&flagHashWriting != 0 {
		panic(moerr.NewInvalidState("concurrent map read and map write"))
	}
	hash := m.hasher(m.seed, key)
	b := &m.buckets[hash&bucketMask(m.b)]
	if m.oldbuckets != nil {
		mask := bucketMask(m.b)
		if !m.sameSizeGrow() {
			mask >>= 1
		}
		if oldb := &m.oldbuckets[hash&mask]; !oldb.evacuated() {
			b = oldb
		}
	}
	top := tophash(hash)
	for ; b != nil; b = b.overflow {
		for i := 0; i < kCellCnt; i++ {
			if b.tophash[i] != top {
				if b.tophash[i] == emptyRest {
					return zeroK, zeroV, false
				}
				continue
			}
			if m.equal(key, b.keys[i]) {
				return b.keys[i], b.values[i], true
			}
		}
	}
	return zeroK, zeroV, false
}

// Set stores value under key.  With a pooled table it can fail on
// quota, in which case the table is left exactly as it was and stays
// fully usable.  Updating an existing key keeps the stored key.
func (m *Map[K, V]) Set(key K, value V) error {
	if m == nil {
		panic(moerr.NewInvalidState("write to a nil map"))
	}
	if m.hasher == nil {
		panic(moerr.NewInvalidState("write to an uninitialized map"))
	}
	if m.flags&flagHashWriting != 0 {
		panic(moerr.NewInvalidState("concurrent map writes"))
	}
	hash := m.hasher(m.seed, key)
	m.flags ^= flagHashWriting

	err := m.assign(hash, key, value)

	if m.flags&flagHashWriting == 0 {
		panic(moerr.NewInvalidState("concurrent map writes"))
	}
	m.flags &^= flagHashWriting
	return err
}

func (m *Map[K, V]) assign(hash uint64, key K, value V) error {
	if m.buckets == nil {
		arr, reserved, err := m.makeBucketArray(m.b)
		if err != nil {
			return err
		}
		m.buckets = arr
		m.nextOverflow = int(bucketShift(m.b))
		m.curReserved = reserved
	}

	for {
		bucketIdx := hash & bucketMask(m.b)
		if m.growing() {
			if err := m.growWork(bucketIdx); err != nil {
				return err
			}
		}
		b := &m.buckets[bucketIdx]
		top := tophash(hash)

		var insertb *mapBucket[K, V]
		inserti := -1

		cb := b
	findSlot:
		for {
			for i := 0; i < kCellCnt; i++ {
				if cb.tophash[i] != top {
					if isCellEmpty(cb.tophash[i]) && inserti < 0 {
						insertb, inserti = cb, i
					}
					if cb.tophash[i] == emptyRest {
						break findSlot
					}
					continue
				}
				if !m.equal(key, cb.keys[i]) {
					continue
				}
				cb.values[i] = value
				return nil
			}
			if cb.overflow == nil {
				break
			}
			cb = cb.overflow
		}

		if !m.growing() && (overLoadFactor(m.count+1, m.b) || tooManyOverflowBuckets(m.noverflow, m.b)) {
			if err := m.hashGrow(); err != nil {
				return err
			}
			// Growing invalidates everything, start over.
			continue
		}

		if inserti < 0 {
			// The whole chain is full, hang a fresh bucket off its tail.
			ovfs, err := m.acquireOverflowBuckets(1)
			if err != nil {
				return err
			}
			cb.overflow = ovfs[0]
			m.incrnoverflow()
			insertb, inserti = ovfs[0], 0
		}
		insertb.tophash[inserti] = top
		insertb.keys[inserti] = key
		insertb.values[inserti] = value
		m.count++
		return nil
	}
}

// Delete removes key.  Deleting an absent key is a no-op, and unlike
// Set it never fails: when quota pressure blocks evacuation work the
// entry is removed from the old generation in place.
func (m *Map[K, V]) Delete(key K) {
	if m == nil || m.count == 0 {
		return
	}
	if m.flags&flagHashWriting != 0 {
		panic(moerr.NewInvalidState("concurrent map writes"))
	}
	hash := m.hasher(m.seed, key)
	m.flags ^= flagHashWriting

	m.del(hash, key)

	if m.flags&flagHashWriting == 0 {
		panic(moerr.NewInvalidState("concurrent map writes"))
	}
	m.flags &^= flagHashWriting
}

func (m *Map[K, V]) del(hash uint64, key K) {
	bucketIdx := hash & bucketMask(m.b)
	if m.growing() {
		_ = m.growWork(bucketIdx)
	}
	b := &m.buckets[bucketIdx]
	if m.growing() {
		if oldb := &m.oldbuckets[bucketIdx&m.oldbucketmask()]; !oldb.evacuated() {
			b = oldb
		}
	}
	bOrig := b
	top := tophash(hash)
search:
	for ; b != nil; b = b.overflow {
		for i := 0; i < kCellCnt; i++ {
			if b.tophash[i] != top {
				if b.tophash[i] == emptyRest {
					break search
				}
				continue
			}
			if !m.equal(key, b.keys[i]) {
				continue
			}
			var zeroK K
			var zeroV V
			b.keys[i] = zeroK
			b.values[i] = zeroV
			b.tophash[i] = emptyOne
			// If the bucket now ends in a run of emptyOne cells,
			// convert the run to emptyRest so scans stop early.
			if i == kCellCnt-1 {
				if b.overflow != nil && b.overflow.tophash[0] != emptyRest {
					goto notLast
				}
			} else {
				if b.tophash[i+1] != emptyRest {
					goto notLast
				}
			}
			for {
				b.tophash[i] = emptyRest
				if i == 0 {
					if b == bOrig {
						break
					}
					// Step back to the previous bucket in the chain.
					c := b
					for b = bOrig; b.overflow != c; b = b.overflow {
					}
					i = kCellCnt - 1
				} else {
					i--
				}
				if b.tophash[i] != emptyOne {
					break
				}
			}
		notLast:
			m.count--
			// An empty table draws a fresh seed, an adversary cannot
			// farm collisions by filling and draining it.
			if m.count == 0 {
				m.seed = NewSeed()
			}
			break search
		}
	}
}

// Reserve grows the table until n entries fit under the load factor,
// so a burst of Sets that follows runs without growth pauses.  The
// table never shrinks.  On an empty table the bucket array is simply
// rebuilt at the right size; with entries present the doublings are
// drained here instead of write by write.  A quota failure leaves the
// table valid, possibly mid grow, and later writes pick the
// evacuation back up.
func (m *Map[K, V]) Reserve(n int) error {
	if m == nil {
		panic(moerr.NewInvalidState("write to a nil map"))
	}
	if m.hasher == nil {
		panic(moerr.NewInvalidState("write to an uninitialized map"))
	}
	if m.flags&flagHashWriting != 0 {
		panic(moerr.NewInvalidState("concurrent map writes"))
	}
	m.flags ^= flagHashWriting

	err := m.reserveEntries(n)

	if m.flags&flagHashWriting == 0 {
		panic(moerr.NewInvalidState("concurrent map writes"))
	}
	m.flags &^= flagHashWriting
	return err
}

func (m *Map[K, V]) reserveEntries(n int) error {
	target := m.b
	for overLoadFactor(n, target) {
		target++
	}

	if m.count == 0 && !m.growing() {
		if target == m.b && m.buckets != nil {
			return nil
		}
		arr, reserved, err := m.makeBucketArray(target)
		if err != nil {
			return err
		}
		if m.pool != nil && m.curReserved > 0 {
			m.pool.Release(m.curReserved)
		}
		m.b = target
		m.buckets = arr
		m.nextOverflow = int(bucketShift(target))
		m.curReserved = reserved
		m.noverflow = 0
		return nil
	}

	for {
		for m.growing() {
			if err := m.evacuate(m.nevacuate); err != nil {
				return err
			}
		}
		if m.b >= target {
			return nil
		}
		if err := m.startGrow(1); err != nil {
			return err
		}
	}
}

// Clear drops every entry but keeps the bucket array.
func (m *Map[K, V]) Clear() {
	if m == nil || m.count == 0 {
		return
	}
	if m.flags&flagHashWriting != 0 {
		panic(moerr.NewInvalidState("concurrent map writes"))
	}
	m.flags ^= flagHashWriting

	clear(m.buckets)
	m.count = 0
	m.noverflow = 0
	m.nextOverflow = int(bucketShift(m.b))
	m.seed = NewSeed()
	if m.growing() {
		m.oldbuckets = nil
		m.nevacuate = 0
		m.flags &^= flagSameSizeGrow
		if m.pool != nil && m.oldReserved > 0 {
			m.pool.Release(m.oldReserved)
			m.oldReserved = 0
		}
	}

	if m.flags&flagHashWriting == 0 {
		panic(moerr.NewInvalidState("concurrent map writes"))
	}
	m.flags &^= flagHashWriting
}

// Free returns the table's reservation to the pool.  The map must not
// be used afterwards.
func (m *Map[K, V]) Free() {
	if m == nil {
		return
	}
	if m.pool != nil && m.curReserved+m.oldReserved > 0 {
		m.pool.Release(m.curReserved + m.oldReserved)
	}
	m.curReserved, m.oldReserved = 0, 0
	m.buckets, m.oldbuckets = nil, nil
	m.count = 0
	m.nextOverflow = 0
	m.nevacuate = 0
	m.noverflow = 0
	m.flags = 0
	m.b = 0
}

// hashGrow flips the table into the growing state.  No entry moves
// here, growWork evacuates the old generation one bucket at a time as
// writes touch it.
func (m *Map[K, V]) hashGrow() error {
	bigger := uint8(1)
	if !overLoadFactor(m.count+1, m.b) {
		bigger = 0
	}
	return m.startGrow(bigger)
}

func (m *Map[K, V]) startGrow(bigger uint8) error {
	newArr, reserved, err := m.makeBucketArray(m.b + bigger)
	if err != nil {
		return err
	}

	flags := m.flags &^ (flagIterator | flagOldIterator)
	if m.flags&flagIterator != 0 {
		flags |= flagOldIterator
	}
	if bigger == 0 {
		flags |= flagSameSizeGrow
	}
	m.b += bigger
	m.flags = flags
	m.oldbuckets = m.buckets
	m.buckets = newArr
	m.nextOverflow = int(bucketShift(m.b))
	m.nevacuate = 0
	m.noverflow = 0
	m.oldReserved = m.curReserved
	m.curReserved = reserved
	return nil
}

// growWork evacuates the old bucket the write is about to touch, plus
// one more so growth finishes even under skewed workloads.
func (m *Map[K, V]) growWork(bucketIdx uint64) error {
	if err := m.evacuate(bucketIdx & m.oldbucketmask()); err != nil {
		return err
	}
	if m.growing() {
		return m.evacuate(m.nevacuate)
	}
	return nil
}

func (m *Map[K, V]) bucketEvacuated(i uint64) bool {
	return m.oldbuckets[i].evacuated()
}

type evacDst[K comparable, V any] struct {
	b *mapBucket[K, V]
	i int
}

// evacuate moves one old bucket chain into the current generation.
// The overflow buckets the destinations will need are acquired before
// anything moves, a failed reservation leaves the chain untouched.
func (m *Map[K, V]) evacuate(oldbucket uint64) error {
	b := &m.oldbuckets[oldbucket]
	newbit := m.noldbuckets()
	if !b.evacuated() {
		// First pass: count the cells headed for each half.
		var nx, ny int
		for cb := b; cb != nil; cb = cb.overflow {
			for i := 0; i < kCellCnt; i++ {
				if isCellEmpty(cb.tophash[i]) {
					continue
				}
				if !m.sameSizeGrow() && m.hasher(m.seed, cb.keys[i])&newbit != 0 {
					ny++
				} else {
					nx++
				}
			}
		}
		need := 0
		if nx > kCellCnt {
			need += (nx - 1) / kCellCnt
		}
		if ny > kCellCnt {
			need += (ny - 1) / kCellCnt
		}
		var ovfs []*mapBucket[K, V]
		if need > 0 {
			var err error
			if ovfs, err = m.acquireOverflowBuckets(need); err != nil {
				return err
			}
		}

		// Second pass: move.
		var xy [2]evacDst[K, V]
		xy[0].b = &m.buckets[oldbucket]
		if !m.sameSizeGrow() {
			xy[1].b = &m.buckets[oldbucket+newbit]
		}
		for cb := b; cb != nil; cb = cb.overflow {
			for i := 0; i < kCellCnt; i++ {
				top := cb.tophash[i]
				if isCellEmpty(top) {
					cb.tophash[i] = evacuatedEmpty
					continue
				}
				if top < kMinTopHash {
					panic(moerr.NewInternalError("corrupted map cell state %d", top))
				}
				var useY uint8
				if !m.sameSizeGrow() && m.hasher(m.seed, cb.keys[i])&newbit != 0 {
					useY = 1
				}
				cb.tophash[i] = evacuatedX + useY
				dst := &xy[useY]
				if dst.i == kCellCnt {
					next := ovfs[0]
					ovfs = ovfs[1:]
					dst.b.overflow = next
					m.incrnoverflow()
					dst.b = next
					dst.i = 0
				}
				dst.b.tophash[dst.i] = top
				dst.b.keys[dst.i] = cb.keys[i]
				dst.b.values[dst.i] = cb.values[i]
				dst.i++
			}
		}
		// Drop the old chain's payload so the collector can reclaim
		// it, unless an iterator may still be reading it.  The tophash
		// bytes stay, they carry the evacuation state.
		if m.flags&flagOldIterator == 0 {
			clear(b.keys[:])
			clear(b.values[:])
			b.overflow = nil
		}
	}

	if oldbucket == m.nevacuate {
		m.advanceEvacuationMark(newbit)
	}
	return nil
}

func (m *Map[K, V]) advanceEvacuationMark(newbit uint64) {
	m.nevacuate++
	// Look ahead a bounded distance for buckets that were evacuated
	// out of order by targeted growWork calls.
	stop := m.nevacuate + 1024
	if stop > newbit {
		stop = newbit
	}
	for m.nevacuate != stop && m.bucketEvacuated(m.nevacuate) {
		m.nevacuate++
	}
	if m.nevacuate == newbit {
		// Grow done, retire the old generation.
		m.oldbuckets = nil
		m.flags &^= flagSameSizeGrow
		if m.pool != nil && m.oldReserved > 0 {
			m.pool.Release(m.oldReserved)
			m.oldReserved = 0
		}
	}
}
