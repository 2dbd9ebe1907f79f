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
	"math/bits"
	"unsafe"

	"github.com/matrixorigin/momap/pkg/common/moerr"
	"github.com/matrixorigin/momap/pkg/common/mpool"
)

// FixedSet is a bitmap over a small dense key domain.
type FixedSet struct {
	bucketCnt uint32
	rawBitmap []byte
	bitmap    []uint64
}

type FixedSetIterator struct {
	table      *FixedSet
	bitmapIdx  uint32
	bitmapSize uint32
	bitmapVal  uint64
}

func (ht *FixedSet) Init(bucketCnt uint32, m *mpool.MPool) error {
	var rawBitmap []byte
	var err error

	sz := ((int64(bucketCnt)-1)/64 + 1) * 8
	if m != nil {
		rawBitmap, err = m.Alloc(int(sz))
		if err != nil {
			return err
		}
	} else {
		rawBitmap = make([]byte, sz)
	}

	ht.bucketCnt = bucketCnt
	ht.rawBitmap = rawBitmap
	ht.bitmap = unsafe.Slice((*uint64)(unsafe.Pointer(&rawBitmap[0])), cap(rawBitmap)/8)[:len(rawBitmap)/8]

	return nil
}

func (ht *FixedSet) Free(m *mpool.MPool) {
	if ht == nil {
		return
	}
	if ht.rawBitmap != nil {
		if m != nil {
			m.Free(ht.rawBitmap)
		}
		ht.rawBitmap = nil
		ht.bitmap = nil
	}
}

func (ht *FixedSet) Insert(key uint32) (inserted bool) {
	word, bit := key/64, uint64(1)<<(key%64)
	inserted = ht.bitmap[word]&bit == 0
	ht.bitmap[word] |= bit
	return
}

func (ht *FixedSet) Merge(other *FixedSet) {
	for i, v := range other.bitmap {
		ht.bitmap[i] |= v
	}
}

func (ht *FixedSet) Cardinality() (cnt uint64) {
	for _, v := range ht.bitmap {
		cnt += uint64(bits.OnesCount64(v))
	}
	return
}

func (it *FixedSetIterator) Init(ht *FixedSet) {
	it.table = ht
	it.bitmapIdx = 0
	it.bitmapSize = uint32(len(ht.bitmap))
	it.bitmapVal = ht.bitmap[0]
}

// Next pops set bits low to high, refilling from the next non-zero
// word when the current one runs out.
func (it *FixedSetIterator) Next() (key uint32, err error) {
	for it.bitmapVal == 0 {
		it.bitmapIdx++
		if it.bitmapIdx >= it.bitmapSize {
			err = moerr.NewOutOfRange("fixed set iterator")
			return
		}
		it.bitmapVal = it.table.bitmap[it.bitmapIdx]
	}

	tz := bits.TrailingZeros64(it.bitmapVal)
	key = 64*it.bitmapIdx + uint32(tz)
	it.bitmapVal &^= 1 << tz

	return
}
