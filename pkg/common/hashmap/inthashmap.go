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
	"unsafe"

	"github.com/matrixorigin/momap/pkg/common/moerr"
)

func (m *IntHashMap) NewIterator() Iterator[uint64] {
	return &intHashMapIterator{
		mp:     m,
		hashes: make([]uint64, UnitLimit),
		values: make([]uint64, UnitLimit),
	}
}

func (m *IntHashMap) Free() {
	if m.hashMap != nil {
		m.hashMap.Free(m.m)
		m.hashMap = nil
	}
}

func (m *IntHashMap) AddGroup() {
	m.rows++
}

func (m *IntHashMap) AddGroups(rows uint64) {
	m.rows += rows
}

func (m *IntHashMap) GroupCount() uint64 {
	return m.rows
}

// Cardinality is the number of distinct keys the table itself holds,
// excluding groups added through AddGroup(s).
func (m *IntHashMap) Cardinality() uint64 {
	return m.hashMap.Cardinality()
}

func (m *IntHashMap) Size() int64 {
	return m.hashMap.Size()
}

func checkWindow(start, count, total int) error {
	if count > UnitLimit {
		return moerr.NewInvalidInput("hashmap window of %d rows exceeds %d", count, UnitLimit)
	}
	if start < 0 || count < 0 || start+count > total {
		return moerr.NewInvalidInput("hashmap window [%d, %d) out of %d rows", start, start+count, total)
	}
	return nil
}

func (itr *intHashMapIterator) Insert(start, count int, keys []uint64) ([]uint64, error) {
	mp := itr.mp
	if err := checkWindow(start, count, len(keys)); err != nil {
		return nil, err
	}
	if count == 0 {
		return itr.values[:0], nil
	}

	copy(itr.hashes[:count], zeroUint64[:count])
	keysPtr := unsafe.Pointer(&keys[start])
	var err error
	if mp.nbucket > 1 {
		err = mp.hashMap.InsertBatchInBucket(count, itr.hashes[:count], keysPtr,
			itr.values[:count], mp.ibucket, mp.nbucket, mp.m)
	} else {
		err = mp.hashMap.InsertBatch(count, itr.hashes[:count], keysPtr,
			itr.values[:count], mp.m)
	}
	if err != nil {
		return nil, err
	}
	vs := itr.values[:count]
	for _, v := range vs {
		if v > mp.rows {
			mp.rows++
		}
	}
	return vs, nil
}

func (itr *intHashMapIterator) Find(start, count int, keys []uint64, inBuckets []uint8) []uint64 {
	mp := itr.mp
	if count == 0 {
		return itr.values[:0]
	}

	copy(itr.hashes[:count], zeroUint64[:count])
	keysPtr := unsafe.Pointer(&keys[start])
	if mp.nbucket > 1 {
		// Out-of-partition rows are skipped by the table, zero the
		// scratch so they read as absent.
		copy(itr.values[:count], zeroUint64[:count])
		if inBuckets == nil {
			if itr.inBuckets == nil {
				itr.inBuckets = make([]uint8, UnitLimit)
			}
			inBuckets = itr.inBuckets
		}
		copy(inBuckets[:count], OneUInt8s[:count])
		mp.hashMap.FindBatchInBucket(count, itr.hashes[:count], keysPtr,
			itr.values[:count], inBuckets, mp.ibucket, mp.nbucket)
	} else {
		mp.hashMap.FindBatch(count, itr.hashes[:count], keysPtr, itr.values[:count])
	}
	return itr.values[:count]
}
