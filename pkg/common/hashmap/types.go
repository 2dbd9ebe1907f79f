// Copyright 2021 Matrix Origin
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//      http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package hashmap

import (
	"sync/atomic"

	"github.com/matrixorigin/momap/pkg/common/mpool"
	"github.com/matrixorigin/momap/pkg/container/hashtable"
)

const (
	// UnitLimit is the widest window an Iterator call accepts, the
	// scratch buffers behind the facade are this size.
	UnitLimit = 256
)

var (
	// OneUInt8s prefills partition marks before a bucketed find.
	OneUInt8s  []uint8
	zeroUint64 []uint64
)

func init() {
	OneUInt8s = make([]uint8, UnitLimit)
	for i := range OneUInt8s {
		OneUInt8s[i] = 1
	}
	zeroUint64 = make([]uint64, UnitLimit)
}

// HashMap is the group table surface shared by the int and string
// variants.  Group ids start at 1, the group count can be bumped from
// outside for rows accounted off-table.
type HashMap interface {
	// Free method frees the hash map.
	Free()
	// AddGroup adds 1 to the row count of hash map.
	AddGroup()
	// AddGroups adds N to the row count of hash map.
	AddGroups(uint64)
	// GroupCount returns the hash map's row count.
	GroupCount() uint64
	// Size returns the hash map's size
	Size() int64
}

// Iterator batches insert and find operations against a hash map.
// Calls work on keys[start : start+count] windows of at most
// UnitLimit rows.
type Iterator[K any] interface {
	// Insert assigns group ids to the window's keys, new keys get
	// the next free id, seen keys their old one.  On a partitioned
	// map keys routed elsewhere report id 0.
	Insert(start, count int, keys []K) ([]uint64, error)

	// Find reports the window's group ids, 0 for absent keys.  On a
	// partitioned map inBuckets[i] is cleared for keys routed
	// elsewhere, those report id 0 as well.  A nil inBuckets uses
	// internal scratch.
	Find(start, count int, keys []K, inBuckets []uint8) []uint64
}

// IntHashMap groups uint64 keys.  Returned group ids are 1-based,
// dense in first-insert order.
type IntHashMap struct {
	rows uint64

	ibucket, nbucket uint64

	m       *mpool.MPool
	hashMap *hashtable.Int64HashMap
}

// StrHashMap groups byte-slice keys.  Keys shorter than 16 bytes are
// zero padded before hashing, so short keys differing only by
// trailing zero bytes fold into one group; encode a length or type
// marker into the key when that matters.
type StrHashMap struct {
	rows uint64

	// single-value scratch for InsertValue
	keys          [][]byte
	values        []uint64
	strHashStates [][3]uint64

	ibucket, nbucket uint64

	m       *mpool.MPool
	hashMap *hashtable.StringHashMap
}

// JoinMap shares a built group table and its per-group row lists with
// any number of concurrent probers.  Exactly one of the two tables is
// set.  Probers take a reference each, the last Free releases the
// table.
type JoinMap struct {
	refCnt atomic.Int64
	rowCnt int64
	sels   [][]int32
	valid  bool

	ihm *IntHashMap
	shm *StrHashMap
}

// Iterators own their scratch so that probers holding separate
// iterators can Find concurrently.  Insert still mutates the shared
// table and stays single-goroutine.
type intHashMapIterator struct {
	mp        *IntHashMap
	hashes    []uint64
	values    []uint64
	inBuckets []uint8
}

type strHashMapIterator struct {
	mp            *StrHashMap
	keys          [][]byte
	values        []uint64
	strHashStates [][3]uint64
	inBuckets     []uint8
}

var (
	_ HashMap          = &IntHashMap{}
	_ HashMap          = &StrHashMap{}
	_ Iterator[uint64] = &intHashMapIterator{}
	_ Iterator[[]byte] = &strHashMapIterator{}
)
