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
	"fmt"
	"testing"
	"unsafe"

	"github.com/matrixorigin/momap/pkg/common/mpool"
	"github.com/stretchr/testify/require"
)

func TestInt64HashMapBuckets(t *testing.T) {
	m := mpool.MustNewZero()
	defer mpool.DeleteMPool(m)

	const nbucket = uint64(4)
	var tables [nbucket]*Int64HashMap
	for b := range tables {
		tables[b] = &Int64HashMap{}
		require.NoError(t, tables[b].Init(m))
	}
	defer func() {
		for _, ht := range tables {
			ht.Free(m)
		}
		require.Equal(t, int64(0), m.CurrNB())
	}()

	const total = uint64(1024)
	keys := make([]uint64, 256)
	hashes := make([]uint64, 256)
	values := make([]uint64, 256)
	for next := uint64(0); next < total; next += 256 {
		for i := range keys {
			keys[i] = (next + uint64(i)) * 0x9E3779B97F4A7C15
		}
		hashes[0] = 0
		for b := uint64(0); b < nbucket; b++ {
			require.NoError(t, tables[b].InsertBatchInBucket(256, hashes, unsafe.Pointer(&keys[0]), values, b, nbucket, m))
			for i := range keys {
				if hashes[i]%nbucket == b {
					require.NotEqual(t, uint64(0), values[i])
				} else {
					require.Equal(t, uint64(0), values[i])
				}
			}
		}
	}

	// Every key went to exactly one bucket.
	var sum uint64
	for _, ht := range tables {
		sum += ht.Cardinality()
	}
	require.Equal(t, total, sum)

	inBuckets := make([]uint8, 256)
	for next := uint64(0); next < total; next += 256 {
		for i := range keys {
			keys[i] = (next + uint64(i)) * 0x9E3779B97F4A7C15
		}
		hashes[0] = 0
		owners := make([]int, 256)
		for b := uint64(0); b < nbucket; b++ {
			for i := range inBuckets {
				inBuckets[i] = 1
			}
			for i := range values {
				values[i] = 0
			}
			tables[b].FindBatchInBucket(256, hashes, unsafe.Pointer(&keys[0]), values, inBuckets, b, nbucket)
			for i := range keys {
				if inBuckets[i] == 1 {
					owners[i]++
					require.NotEqual(t, uint64(0), values[i])
				}
			}
		}
		for i := range owners {
			require.Equal(t, 1, owners[i], "row %d must have one owning bucket", i)
		}
	}
}

func TestInt64HashMapBucketsWithRing(t *testing.T) {
	m := mpool.MustNewZero()
	defer mpool.DeleteMPool(m)

	const nbucket = uint64(2)
	var tables [nbucket]*Int64HashMap
	for b := range tables {
		tables[b] = &Int64HashMap{}
		require.NoError(t, tables[b].Init(m))
	}
	defer func() {
		for _, ht := range tables {
			ht.Free(m)
		}
		require.Equal(t, int64(0), m.CurrNB())
	}()

	keys := make([]uint64, 256)
	zValues := make([]int64, 256)
	hashes := make([]uint64, 256)
	values := make([]uint64, 256)
	var exp [nbucket][256]uint64
	for i := range keys {
		keys[i] = uint64(i)*12289 + 3
		zValues[i] = int64(i % 2)
	}
	hashes[0] = 0
	for b := uint64(0); b < nbucket; b++ {
		for i := range values {
			values[i] = 777
		}
		require.NoError(t, tables[b].InsertBatchWithRingInBucket(256, zValues, hashes, unsafe.Pointer(&keys[0]), values, b, nbucket, m))
		for i := range keys {
			switch {
			case zValues[i] == 0:
				// Unselected rows are not even routed.
				require.Equal(t, uint64(777), values[i])
			case hashes[i]%nbucket != b:
				require.Equal(t, uint64(0), values[i])
			default:
				require.NotEqual(t, uint64(0), values[i])
			}
			exp[b][i] = values[i]
		}
	}

	require.Equal(t, uint64(128), tables[0].Cardinality()+tables[1].Cardinality())

	inBuckets := make([]uint8, 256)
	for b := uint64(0); b < nbucket; b++ {
		for i := range inBuckets {
			inBuckets[i] = 1
		}
		for i := range values {
			values[i] = 777
		}
		tables[b].FindBatchWithRingInBucket(256, zValues, hashes, unsafe.Pointer(&keys[0]), values, inBuckets, b, nbucket)
		for i := range keys {
			switch {
			case hashes[i]%nbucket != b:
				require.Equal(t, uint8(0), inBuckets[i])
				require.Equal(t, uint64(777), values[i])
			case zValues[i] == 0:
				require.Equal(t, uint8(1), inBuckets[i])
				require.Equal(t, uint64(0), values[i])
			default:
				require.Equal(t, uint8(1), inBuckets[i])
				require.Equal(t, exp[b][i], values[i])
			}
		}
	}
}

func TestStringHashMapBuckets(t *testing.T) {
	m := mpool.MustNewZero()
	defer mpool.DeleteMPool(m)

	const nbucket = uint64(4)
	var tables [nbucket]*StringHashMap
	for b := range tables {
		tables[b] = &StringHashMap{}
		require.NoError(t, tables[b].Init(m))
	}
	defer func() {
		for _, ht := range tables {
			ht.Free(m)
		}
		require.Equal(t, int64(0), m.CurrNB())
	}()

	const total = uint64(1024)
	keys := make([][]byte, 256)
	states := make([][3]uint64, 256)
	values := make([]uint64, 256)
	for next := uint64(0); next < total; next += 256 {
		for i := range keys {
			keys[i] = []byte(fmt.Sprintf("bucket-%d", next+uint64(i)))
		}
		for b := uint64(0); b < nbucket; b++ {
			require.NoError(t, tables[b].InsertStringBatchInBucket(states, keys, values, b, nbucket, m))
			for i := range keys {
				if states[i][0]%nbucket == b {
					require.NotEqual(t, uint64(0), values[i])
				} else {
					require.Equal(t, uint64(0), values[i])
				}
			}
		}
	}

	var sum uint64
	for _, ht := range tables {
		sum += ht.Cardinality()
	}
	require.Equal(t, total, sum)

	inBuckets := make([]uint8, 256)
	for next := uint64(0); next < total; next += 256 {
		for i := range keys {
			keys[i] = []byte(fmt.Sprintf("bucket-%d", next+uint64(i)))
		}
		owners := make([]int, 256)
		for b := uint64(0); b < nbucket; b++ {
			for i := range inBuckets {
				inBuckets[i] = 1
			}
			for i := range values {
				values[i] = 0
			}
			tables[b].FindStringBatchInBucket(states, keys, values, inBuckets, b, nbucket)
			for i := range keys {
				if inBuckets[i] == 1 {
					owners[i]++
					require.NotEqual(t, uint64(0), values[i])
				}
			}
		}
		for i := range owners {
			require.Equal(t, 1, owners[i], "row %d must have one owning bucket", i)
		}
	}
}

func TestStringHashMapBucketsWithRing(t *testing.T) {
	m := mpool.MustNewZero()
	defer mpool.DeleteMPool(m)

	const nbucket = uint64(2)
	var tables [nbucket]*StringHashMap
	for b := range tables {
		tables[b] = &StringHashMap{}
		require.NoError(t, tables[b].Init(m))
	}
	defer func() {
		for _, ht := range tables {
			ht.Free(m)
		}
		require.Equal(t, int64(0), m.CurrNB())
	}()

	keys := make([][]byte, 256)
	zValues := make([]int64, 256)
	states := make([][3]uint64, 256)
	values := make([]uint64, 256)
	var exp [nbucket][256]uint64
	for i := range keys {
		keys[i] = []byte(fmt.Sprintf("ringbucket-%d", i))
		zValues[i] = int64(i % 2)
	}
	for b := uint64(0); b < nbucket; b++ {
		for i := range values {
			values[i] = 777
		}
		require.NoError(t, tables[b].InsertStringBatchWithRingInBucket(zValues, states, keys, values, b, nbucket, m))
		for i := range keys {
			switch {
			case zValues[i] == 0:
				require.Equal(t, uint64(777), values[i])
			case states[i][0]%nbucket != b:
				require.Equal(t, uint64(0), values[i])
			default:
				require.NotEqual(t, uint64(0), values[i])
			}
			exp[b][i] = values[i]
		}
	}

	require.Equal(t, uint64(128), tables[0].Cardinality()+tables[1].Cardinality())

	inBuckets := make([]uint8, 256)
	for b := uint64(0); b < nbucket; b++ {
		for i := range inBuckets {
			inBuckets[i] = 1
		}
		for i := range values {
			values[i] = 777
		}
		tables[b].FindStringBatchWithRingInBucket(states, zValues, keys, values, inBuckets, b, nbucket)
		for i := range keys {
			switch {
			case states[i][0]%nbucket != b:
				require.Equal(t, uint8(0), inBuckets[i])
				require.Equal(t, uint64(777), values[i])
			case zValues[i] == 0:
				require.Equal(t, uint8(1), inBuckets[i])
				require.Equal(t, uint64(0), values[i])
			default:
				require.Equal(t, uint8(1), inBuckets[i])
				require.Equal(t, exp[b][i], values[i])
			}
		}
	}
}
