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
	"github.com/matrixorigin/momap/pkg/container/hashtable"
)

func (m *StrHashMap) NewIterator() Iterator[[]byte] {
	return &strHashMapIterator{
		mp:            m,
		keys:          make([][]byte, UnitLimit),
		values:        make([]uint64, UnitLimit),
		strHashStates: make([][3]uint64, UnitLimit),
	}
}

func (m *StrHashMap) Free() {
	if m.hashMap != nil {
		m.hashMap.Free(m.m)
		m.hashMap = nil
	}
}

func (m *StrHashMap) AddGroup() {
	m.rows++
}

func (m *StrHashMap) AddGroups(rows uint64) {
	m.rows += rows
}

func (m *StrHashMap) GroupCount() uint64 {
	return m.rows
}

// Cardinality is the number of distinct keys the table itself holds,
// excluding groups added through AddGroup(s).
func (m *StrHashMap) Cardinality() uint64 {
	return m.hashMap.Cardinality()
}

func (m *StrHashMap) Size() int64 {
	return m.hashMap.Size()
}

// fillWindow copies the key window into the iterator's scratch,
// zero-padding short keys to 16 bytes. Two keys whose bytes differ
// only by trailing zeroes land in the same padded key.
func (itr *strHashMapIterator) fillWindow(start, count int, keys [][]byte) {
	for i := 0; i < count; i++ {
		key := keys[start+i]
		dst := itr.keys[i][:0]
		dst = append(dst, key...)
		if len(key) < 16 {
			dst = append(dst, hashtable.StrKeyPadding[len(key):]...)
		}
		itr.keys[i] = dst
	}
}

func (itr *strHashMapIterator) Insert(start, count int, keys [][]byte) ([]uint64, error) {
	mp := itr.mp
	if err := checkWindow(start, count, len(keys)); err != nil {
		return nil, err
	}
	if count == 0 {
		return itr.values[:0], nil
	}

	itr.fillWindow(start, count, keys)
	var err error
	if mp.nbucket > 1 {
		err = mp.hashMap.InsertStringBatchInBucket(itr.strHashStates[:count],
			itr.keys[:count], itr.values[:count], mp.ibucket, mp.nbucket, mp.m)
	} else {
		err = mp.hashMap.InsertStringBatch(itr.strHashStates[:count],
			itr.keys[:count], itr.values[:count], mp.m)
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

func (itr *strHashMapIterator) Find(start, count int, keys [][]byte, inBuckets []uint8) []uint64 {
	mp := itr.mp
	if count == 0 {
		return itr.values[:0]
	}

	itr.fillWindow(start, count, keys)
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
		mp.hashMap.FindStringBatchInBucket(itr.strHashStates[:count],
			itr.keys[:count], itr.values[:count], inBuckets, mp.ibucket, mp.nbucket)
	} else {
		mp.hashMap.FindStringBatch(itr.strHashStates[:count],
			itr.keys[:count], itr.values[:count])
	}
	return itr.values[:count]
}
