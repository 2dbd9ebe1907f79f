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

	"golang.org/x/exp/constraints"

	"github.com/matrixorigin/momap/pkg/common/moerr"
	"github.com/matrixorigin/momap/pkg/common/mpool"
	"github.com/matrixorigin/momap/pkg/container/hashtable"
)

// NewIntHashMap builds a group table over uint64 keys.  A nbucket of
// 0 or 1 serves every key, otherwise the map owns the partition
// ibucket and ignores keys whose hash routes elsewhere.
func NewIntHashMap(ibucket, nbucket uint64, m *mpool.MPool) (*IntHashMap, error) {
	if nbucket > 1 && ibucket >= nbucket {
		return nil, moerr.NewInvalidArg("hashmap bucket index", ibucket)
	}
	ht := &hashtable.Int64HashMap{}
	if err := ht.Init(m); err != nil {
		return nil, err
	}
	return &IntHashMap{
		m:       m,
		ibucket: ibucket,
		nbucket: nbucket,
		hashMap: ht,
	}, nil
}

// NewStrMap builds a group table over byte-slice keys, partitioned
// the same way as NewIntHashMap.
func NewStrMap(ibucket, nbucket uint64, m *mpool.MPool) (*StrHashMap, error) {
	if nbucket > 1 && ibucket >= nbucket {
		return nil, moerr.NewInvalidArg("hashmap bucket index", ibucket)
	}
	ht := &hashtable.StringHashMap{}
	if err := ht.Init(m); err != nil {
		return nil, err
	}
	return &StrHashMap{
		m:             m,
		ibucket:       ibucket,
		nbucket:       nbucket,
		values:        make([]uint64, 1),
		keys:          make([][]byte, 1),
		strHashStates: make([][3]uint64, 1),
		hashMap:       ht,
	}, nil
}

func appendFixed[T constraints.Integer | constraints.Float](dst []byte, v T) []byte {
	return append(dst, unsafe.Slice((*byte)(unsafe.Pointer(&v)), int(unsafe.Sizeof(v)))...)
}

// InsertValue inserts one key, reporting whether it opened a new
// group.  Fixed-size values append their little-endian bytes, []byte
// and string go in as they are.
func (m *StrHashMap) InsertValue(val any) (bool, error) {
	defer func() { m.keys[0] = m.keys[0][:0] }()
	switch v := val.(type) {
	case uint8:
		m.keys[0] = appendFixed(m.keys[0], v)
	case uint16:
		m.keys[0] = appendFixed(m.keys[0], v)
	case uint32:
		m.keys[0] = appendFixed(m.keys[0], v)
	case uint64:
		m.keys[0] = appendFixed(m.keys[0], v)
	case int8:
		m.keys[0] = appendFixed(m.keys[0], v)
	case int16:
		m.keys[0] = appendFixed(m.keys[0], v)
	case int32:
		m.keys[0] = appendFixed(m.keys[0], v)
	case int64:
		m.keys[0] = appendFixed(m.keys[0], v)
	case float32:
		m.keys[0] = appendFixed(m.keys[0], v)
	case float64:
		m.keys[0] = appendFixed(m.keys[0], v)
	case []byte:
		m.keys[0] = append(m.keys[0], v...)
	case string:
		m.keys[0] = append(m.keys[0], v...)
	default:
		return false, moerr.NewNotSupported("hashmap value of type %T", val)
	}
	if l := len(m.keys[0]); l < 16 {
		m.keys[0] = append(m.keys[0], hashtable.StrKeyPadding[l:]...)
	}
	var err error
	if m.nbucket > 1 {
		err = m.hashMap.InsertStringBatchInBucket(
			m.strHashStates[:1], m.keys[:1], m.values[:1], m.ibucket, m.nbucket, m.m)
	} else {
		err = m.hashMap.InsertStringBatch(
			m.strHashStates[:1], m.keys[:1], m.values[:1], m.m)
	}
	if err != nil {
		return false, err
	}
	if m.values[0] > m.rows {
		m.rows++
		return true, nil
	}
	return false, nil
}
