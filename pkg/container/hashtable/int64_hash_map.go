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

// Int64HashMapCell maps a key to its 1-based group ordinal.  Mapped
// zero marks an empty cell, the key value carries no emptiness
// information so zero keys need no special casing.
type Int64HashMapCell struct {
	Key    uint64
	Mapped uint64
}

// Int64HashMap is a linear probing table of 8 byte keys backed by raw
// mpool memory.  Not safe for concurrent use.
type Int64HashMap struct {
	blockCellCntBits uint8
	blockCellCnt     uint64
	blockMaxElemCnt  uint64

	cellCnt     uint64
	cellCntMask uint64
	elemCnt     uint64

	rawData [][]byte
	cells   [][]Int64HashMapCell
}

func (ht *Int64HashMap) Free(m *mpool.MPool) {
	for i := range ht.rawData {
		if len(ht.rawData[i]) > 0 {
			m.Free(ht.rawData[i])
		}
		ht.rawData[i], ht.cells[i] = nil, nil
	}
	ht.rawData, ht.cells = nil, nil
	ht.elemCnt, ht.cellCnt, ht.cellCntMask = 0, 0, 0
}

func (ht *Int64HashMap) Init(m *mpool.MPool) (err error) {
	ht.blockCellCntBits = kInitialCellCntBits
	ht.blockCellCnt = kInitialCellCnt
	ht.blockMaxElemCnt = maxElemCnt(kInitialCellCnt)
	ht.cellCnt = kInitialCellCnt
	ht.cellCntMask = kInitialCellCnt - 1
	ht.elemCnt = 0

	ht.rawData = make([][]byte, 1)
	ht.cells = make([][]Int64HashMapCell, 1)
	if ht.rawData[0], err = m.Alloc(int(ht.blockCellCnt * intCellSize)); err == nil {
		ht.cells[0] = unsafe.Slice((*Int64HashMapCell)(unsafe.Pointer(&ht.rawData[0][0])), ht.blockCellCnt)
	}
	return
}

// InsertBatch inserts n keys and stores their ordinals in values.
// New keys get the next ordinal, existing keys their old one.  A zero
// hashes[0] asks the table to compute the hashes itself.
func (ht *Int64HashMap) InsertBatch(n int, hashes []uint64, keysPtr unsafe.Pointer, values []uint64, m *mpool.MPool) error {
	if err := ht.resizeOnDemand(n, m); err != nil {
		return err
	}

	if hashes[0] == 0 {
		Int64BatchHash(keysPtr, &hashes[0], n)
	}

	keys := unsafe.Slice((*uint64)(keysPtr), n)
	for i, key := range keys {
		cell := ht.findCell(hashes[i], key)
		if cell.Mapped == 0 {
			ht.elemCnt++
			cell.Key = key
			cell.Mapped = ht.elemCnt
		}
		values[i] = cell.Mapped
	}
	return nil
}

// InsertBatchWithRing is InsertBatch with a selection vector, rows
// with a zero zValue are skipped.
func (ht *Int64HashMap) InsertBatchWithRing(n int, zValues []int64, hashes []uint64, keysPtr unsafe.Pointer, values []uint64, m *mpool.MPool) error {
	if err := ht.resizeOnDemand(n, m); err != nil {
		return err
	}

	if hashes[0] == 0 {
		Int64BatchHash(keysPtr, &hashes[0], n)
	}

	keys := unsafe.Slice((*uint64)(keysPtr), n)
	for i, key := range keys {
		if zValues[i] == 0 {
			continue
		}
		cell := ht.findCell(hashes[i], key)
		if cell.Mapped == 0 {
			ht.elemCnt++
			cell.Key = key
			cell.Mapped = ht.elemCnt
		}
		values[i] = cell.Mapped
	}
	return nil
}

// FindBatch looks up n keys, absent keys read as ordinal zero.
func (ht *Int64HashMap) FindBatch(n int, hashes []uint64, keysPtr unsafe.Pointer, values []uint64) {
	if hashes[0] == 0 {
		Int64BatchHash(keysPtr, &hashes[0], n)
	}

	keys := unsafe.Slice((*uint64)(keysPtr), n)
	for i, key := range keys {
		cell := ht.findCell(hashes[i], key)
		values[i] = cell.Mapped
	}
}

func (ht *Int64HashMap) FindBatchWithRing(n int, zValues []int64, hashes []uint64, keysPtr unsafe.Pointer, values []uint64) {
	if hashes[0] == 0 {
		Int64BatchHash(keysPtr, &hashes[0], n)
	}

	keys := unsafe.Slice((*uint64)(keysPtr), n)
	for i, key := range keys {
		if zValues[i] == 0 {
			values[i] = 0
			continue
		}
		cell := ht.findCell(hashes[i], key)
		values[i] = cell.Mapped
	}
}

func (ht *Int64HashMap) findCell(hash uint64, key uint64) *Int64HashMapCell {
	if len(ht.rawData) == 1 {
		for idx := hash & ht.cellCntMask; true; idx = (idx + 1) & ht.cellCntMask {
			cell := &ht.cells[0][idx]
			if cell.Key == key || cell.Mapped == 0 {
				return cell
			}
		}
	} else {
		for idx := hash & ht.cellCntMask; true; idx = (idx + 1) & ht.cellCntMask {
			blockId := idx / ht.blockCellCnt
			cellId := idx % ht.blockCellCnt
			cell := &ht.cells[blockId][cellId]
			if cell.Key == key || cell.Mapped == 0 {
				return cell
			}
		}
	}

	return nil
}

func (ht *Int64HashMap) findEmptyCell(hash uint64) *Int64HashMapCell {
	if len(ht.rawData) == 1 {
		for idx := hash & ht.cellCntMask; true; idx = (idx + 1) & ht.cellCntMask {
			cell := &ht.cells[0][idx]
			if cell.Mapped == 0 {
				return cell
			}
		}
	} else {
		for idx := hash & ht.cellCntMask; true; idx = (idx + 1) & ht.cellCntMask {
			blockId := idx / ht.blockCellCnt
			cellId := idx % ht.blockCellCnt
			cell := &ht.cells[blockId][cellId]
			if cell.Mapped == 0 {
				return cell
			}
		}
	}

	return nil
}

// resizeOnDemand makes room for n more elements.  On allocation
// failure the table is left exactly as it was.
func (ht *Int64HashMap) resizeOnDemand(n int, m *mpool.MPool) error {
	targetCnt := ht.elemCnt + uint64(n)
	if targetCnt <= uint64(len(ht.rawData))*ht.blockMaxElemCnt {
		return nil
	}

	// One block tables grow in place by powers of two until a block
	// would cross the block size limit.
	if len(ht.rawData) == 1 {
		newCellCntBits := ht.blockCellCntBits + 2
		newCellCnt := uint64(1) << newCellCntBits
		newMaxElemCnt := maxElemCnt(newCellCnt)
		for newMaxElemCnt < targetCnt {
			newCellCntBits++
			newCellCnt <<= 1
			newMaxElemCnt = maxElemCnt(newCellCnt)
		}

		newAlloc := int(newCellCnt * intCellSize)
		if newAlloc < maxBlockSize {
			newData, err := m.Alloc(newAlloc)
			if err != nil {
				return err
			}

			oldCellCnt := ht.blockCellCnt
			oldCells0 := ht.cells[0]
			oldData0 := ht.rawData[0]

			ht.blockCellCntBits = newCellCntBits
			ht.blockCellCnt = newCellCnt
			ht.blockMaxElemCnt = newMaxElemCnt
			ht.cellCnt = newCellCnt
			ht.cellCntMask = newCellCnt - 1
			ht.rawData[0] = newData
			ht.cells[0] = unsafe.Slice((*Int64HashMapCell)(unsafe.Pointer(&newData[0])), newCellCnt)

			// Rehash in batches of 256, block sizes are multiples of 256.
			var hashes [256]uint64
			for i := uint64(0); i < oldCellCnt; i += 256 {
				cells := oldCells0[i : i+256]
				Int64CellBatchHash(unsafe.Pointer(&cells[0]), &hashes[0], 256)
				for j := range cells {
					cell := &cells[j]
					if cell.Mapped != 0 {
						*ht.findEmptyCell(hashes[j]) = *cell
					}
				}
			}

			m.Free(oldData0)
			return nil
		}
	}

	// Block doubling.  Allocate the new blocks first so a failure
	// leaves the table untouched.
	oldBlockNum := len(ht.rawData)
	newBlockNum := oldBlockNum * 2
	for uint64(newBlockNum)*ht.blockMaxElemCnt < targetCnt {
		newBlockNum *= 2
	}

	newData := make([][]byte, newBlockNum-oldBlockNum)
	newCells := make([][]Int64HashMapCell, newBlockNum-oldBlockNum)
	for i := range newData {
		data, err := m.Alloc(int(ht.blockCellCnt * intCellSize))
		if err != nil {
			for j := 0; j < i; j++ {
				m.Free(newData[j])
			}
			return err
		}
		newData[i] = data
		newCells[i] = unsafe.Slice((*Int64HashMapCell)(unsafe.Pointer(&data[0])), ht.blockCellCnt)
	}
	ht.rawData = append(ht.rawData, newData...)
	ht.cells = append(ht.cells, newCells...)
	ht.cellCnt = ht.blockCellCnt * uint64(len(ht.rawData))
	ht.cellCntMask = ht.cellCnt - 1

	// The mask changed, rearrange the occupied cells.  A cell either
	// stays put or moves to a cell that probes after it, walking the
	// blocks in order is safe.
	var hashes [256]uint64
	var emptyCell Int64HashMapCell
	for b := 0; b < oldBlockNum; b++ {
		block := ht.cells[b]
		for i := uint64(0); i < ht.blockCellCnt; i += 256 {
			cells := block[i : i+256]
			Int64CellBatchHash(unsafe.Pointer(&cells[0]), &hashes[0], 256)
			for j := range cells {
				cell := &cells[j]
				if cell.Mapped == 0 {
					continue
				}
				newCell := ht.findCell(hashes[j], cell.Key)
				if newCell != cell {
					*newCell = *cell
					*cell = emptyCell
				}
			}
		}
	}

	// Cells moved into the first new block may still sit one probe too
	// early, settle the leading run.
	block := ht.cells[oldBlockNum]
	for j := uint64(0); j < ht.blockCellCnt; j++ {
		cell := &block[j]
		if cell.Mapped == 0 {
			break
		}
		newCell := ht.findCell(Int64Hash(cell.Key), cell.Key)
		if newCell != cell {
			*newCell = *cell
			*cell = emptyCell
		}
	}

	return nil
}

func (ht *Int64HashMap) Cardinality() uint64 {
	return ht.elemCnt
}

// Size reports the memory footprint, used for spill decisions.
func (ht *Int64HashMap) Size() int64 {
	// 56 is the fixed size of Int64HashMap.
	ret := int64(56)
	for i := range ht.rawData {
		ret += 24
		ret += int64(len(ht.rawData[i]))
		ret += 24
		ret += int64(uint64(len(ht.cells[i])) * intCellSize)
	}
	return ret
}

type Int64HashMapIterator struct {
	table *Int64HashMap
	pos   uint64
}

func (it *Int64HashMapIterator) Init(ht *Int64HashMap) {
	it.table = ht
}

func (it *Int64HashMapIterator) Next() (cell *Int64HashMapCell, err error) {
	for it.pos < it.table.cellCnt {
		blockId := it.pos / it.table.blockCellCnt
		cellId := it.pos % it.table.blockCellCnt
		cell = &it.table.cells[blockId][cellId]
		if cell.Mapped != 0 {
			break
		}
		it.pos++
	}

	if it.pos >= it.table.cellCnt {
		err = moerr.NewOutOfRange("int64 hash map iterator")
		return
	}

	it.pos++

	return
}
