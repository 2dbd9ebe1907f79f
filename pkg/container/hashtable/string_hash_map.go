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
	"bytes"
	"encoding/binary"
	"io"
	"unsafe"

	"github.com/matrixorigin/momap/pkg/common/moerr"
	"github.com/matrixorigin/momap/pkg/common/mpool"
)

type StringRef struct {
	Ptr *byte
	Len int
}

// StringHashMapCell carries the 192 bit hash state of a key and its
// 1-based ordinal.  The key bytes themselves are never stored, the
// state is the identity of the key.
type StringHashMapCell struct {
	HashState [3]uint64
	Mapped    uint64
}

// StrKeyPadding pads short keys up to 16 bytes so that trailing
// garbage never leaks into the hash state.
var StrKeyPadding [16]byte

// StringHashMap is a linear probing table of variable length keys
// backed by raw mpool memory.  Not safe for concurrent use.
type StringHashMap struct {
	blockCellCnt    uint64
	blockMaxElemCnt uint64

	cellCnt     uint64
	cellCntMask uint64
	elemCnt     uint64

	rawData [][]byte
	cells   [][]StringHashMapCell
}

func (ht *StringHashMap) Free(m *mpool.MPool) {
	for i := range ht.rawData {
		if len(ht.rawData[i]) > 0 {
			m.Free(ht.rawData[i])
		}
		ht.rawData[i], ht.cells[i] = nil, nil
	}
	ht.rawData, ht.cells = nil, nil
	ht.elemCnt, ht.cellCnt, ht.cellCntMask = 0, 0, 0
}

func (ht *StringHashMap) allocate(index int, size uint64, m *mpool.MPool) error {
	if ht.rawData[index] != nil {
		panic(moerr.NewInvalidState("string hash map block %d overwritten", index))
	}
	data, err := m.Alloc(int(size))
	if err != nil {
		return err
	}
	ht.rawData[index] = data
	ht.cells[index] = unsafe.Slice((*StringHashMapCell)(unsafe.Pointer(&data[0])), ht.blockCellCnt)
	return nil
}

func (ht *StringHashMap) Init(m *mpool.MPool) error {
	ht.blockCellCnt = kInitialCellCnt
	ht.blockMaxElemCnt = maxElemCnt(kInitialCellCnt)
	ht.elemCnt = 0
	ht.cellCnt = kInitialCellCnt
	ht.cellCntMask = kInitialCellCnt - 1

	ht.rawData = make([][]byte, 1)
	ht.cells = make([][]StringHashMapCell, 1)

	return ht.allocate(0, ht.blockCellCnt*strCellSize, m)
}

// InsertStringBatch inserts the keys and stores their ordinals in
// values.  states is scratch space for the hash states, one per key.
func (ht *StringHashMap) InsertStringBatch(states [][3]uint64, keys [][]byte, values []uint64, m *mpool.MPool) error {
	if err := ht.resizeOnDemand(uint64(len(keys)), m); err != nil {
		return err
	}

	BytesBatchGenHashStates(&keys[0], &states[0], len(keys))

	for i := range keys {
		cell := ht.findCell(&states[i])
		if cell.Mapped == 0 {
			ht.elemCnt++
			cell.HashState = states[i]
			cell.Mapped = ht.elemCnt
		}
		values[i] = cell.Mapped
	}
	return nil
}

func (ht *StringHashMap) InsertStringBatchWithRing(zValues []int64, states [][3]uint64, keys [][]byte, values []uint64, m *mpool.MPool) error {
	if err := ht.resizeOnDemand(uint64(len(keys)), m); err != nil {
		return err
	}

	BytesBatchGenHashStates(&keys[0], &states[0], len(keys))

	for i := range keys {
		if zValues[i] == 0 {
			continue
		}

		cell := ht.findCell(&states[i])
		if cell.Mapped == 0 {
			ht.elemCnt++
			cell.HashState = states[i]
			cell.Mapped = ht.elemCnt
		}
		values[i] = cell.Mapped
	}
	return nil
}

// FindStringBatch looks up the keys, absent keys read as ordinal zero.
func (ht *StringHashMap) FindStringBatch(states [][3]uint64, keys [][]byte, values []uint64) {
	BytesBatchGenHashStates(&keys[0], &states[0], len(keys))

	for i := range keys {
		cell := ht.findCell(&states[i])
		values[i] = cell.Mapped
	}
}

func (ht *StringHashMap) findCell(state *[3]uint64) *StringHashMapCell {
	for idx := state[0] & ht.cellCntMask; true; idx = (idx + 1) & ht.cellCntMask {
		blockId := idx / ht.blockCellCnt
		cellId := idx % ht.blockCellCnt
		cell := &ht.cells[blockId][cellId]
		if cell.Mapped == 0 || cell.HashState == *state {
			return cell
		}
	}
	return nil
}

func (ht *StringHashMap) findEmptyCell(state *[3]uint64) *StringHashMapCell {
	for idx := state[0] & ht.cellCntMask; true; idx = (idx + 1) & ht.cellCntMask {
		blockId := idx / ht.blockCellCnt
		cellId := idx % ht.blockCellCnt
		cell := &ht.cells[blockId][cellId]
		if cell.Mapped == 0 {
			return cell
		}
	}
	return nil
}

// ResizeOnDemand reserves room for n more elements before a batch, so
// callers can split an oversized batch knowing the memory is there.
func (ht *StringHashMap) ResizeOnDemand(n uint64, m *mpool.MPool) error {
	return ht.resizeOnDemand(n, m)
}

func (ht *StringHashMap) resizeOnDemand(n uint64, m *mpool.MPool) error {
	targetCnt := ht.elemCnt + n
	if targetCnt <= uint64(len(ht.rawData))*ht.blockMaxElemCnt {
		return nil
	}

	newCellCnt := ht.cellCnt << 1
	newMaxElemCnt := maxElemCnt(newCellCnt)
	for newMaxElemCnt < targetCnt {
		newCellCnt <<= 1
		newMaxElemCnt = maxElemCnt(newCellCnt)
	}

	newAlloc := int(newCellCnt * strCellSize)
	if ht.blockCellCnt == maxStrCellCntPerBlock {
		// The table is already block sized, double the blocks.
		// Allocate first so a failure leaves the table untouched.
		oldBlockNum := len(ht.rawData)
		newBlockNum := newAlloc / maxBlockSize

		newData := make([][]byte, newBlockNum-oldBlockNum)
		newCells := make([][]StringHashMapCell, newBlockNum-oldBlockNum)
		for i := range newData {
			data, err := m.Alloc(int(ht.blockCellCnt * strCellSize))
			if err != nil {
				for j := 0; j < i; j++ {
					m.Free(newData[j])
				}
				return err
			}
			newData[i] = data
			newCells[i] = unsafe.Slice((*StringHashMapCell)(unsafe.Pointer(&data[0])), ht.blockCellCnt)
		}
		ht.rawData = append(ht.rawData, newData...)
		ht.cells = append(ht.cells, newCells...)
		ht.cellCnt = ht.blockCellCnt * uint64(newBlockNum)
		ht.cellCntMask = ht.cellCnt - 1

		// rearrange the cells
		var block []StringHashMapCell
		var emptyCell StringHashMapCell

		for i := 0; i < oldBlockNum; i++ {
			block = ht.cells[i]
			for j := uint64(0); j < ht.blockCellCnt; j++ {
				cell := &block[j]
				if cell.Mapped == 0 {
					continue
				}
				newCell := ht.findCell(&cell.HashState)
				if newCell != cell {
					*newCell = *cell
					*cell = emptyCell
				}
			}
		}

		block = ht.cells[oldBlockNum]
		for j := uint64(0); j < ht.blockCellCnt; j++ {
			cell := &block[j]
			if cell.Mapped == 0 {
				break
			}
			newCell := ht.findCell(&cell.HashState)
			if newCell != cell {
				*newCell = *cell
				*cell = emptyCell
			}
		}
	} else {
		newData, err := m.Alloc(minInt(newAlloc, maxBlockSize))
		if err != nil {
			return err
		}

		oldCells0 := ht.cells[0]
		oldData0 := ht.rawData[0]
		oldCellCnt := ht.blockCellCnt

		if newAlloc <= maxBlockSize {
			// Still one block, grow it in place.
			ht.blockCellCnt = newCellCnt
			ht.blockMaxElemCnt = newMaxElemCnt
			ht.cellCnt = newCellCnt
			ht.cellCntMask = newCellCnt - 1
			ht.rawData[0] = newData
			ht.cells[0] = unsafe.Slice((*StringHashMapCell)(unsafe.Pointer(&newData[0])), ht.blockCellCnt)
		} else {
			// Split into block sized chunks.
			ht.blockCellCnt = maxStrCellCntPerBlock
			ht.blockMaxElemCnt = maxElemCnt(ht.blockCellCnt)

			newBlockNum := newAlloc / maxBlockSize
			rawData := make([][]byte, newBlockNum)
			cells := make([][]StringHashMapCell, newBlockNum)
			rawData[0] = newData
			cells[0] = unsafe.Slice((*StringHashMapCell)(unsafe.Pointer(&newData[0])), ht.blockCellCnt)
			for i := 1; i < newBlockNum; i++ {
				data, err := m.Alloc(int(ht.blockCellCnt * strCellSize))
				if err != nil {
					for j := 0; j < i; j++ {
						m.Free(rawData[j])
					}
					return err
				}
				rawData[i] = data
				cells[i] = unsafe.Slice((*StringHashMapCell)(unsafe.Pointer(&data[0])), ht.blockCellCnt)
			}
			ht.rawData = rawData
			ht.cells = cells
			ht.cellCnt = ht.blockCellCnt * uint64(newBlockNum)
			ht.cellCntMask = ht.cellCnt - 1
		}

		// rearrange the cells
		for i := uint64(0); i < oldCellCnt; i++ {
			cell := &oldCells0[i]
			if cell.Mapped != 0 {
				*ht.findEmptyCell(&cell.HashState) = *cell
			}
		}

		m.Free(oldData0)
	}

	return nil
}

func (ht *StringHashMap) Cardinality() uint64 {
	return ht.elemCnt
}

// Size reports the memory footprint, used for spill decisions.
func (ht *StringHashMap) Size() int64 {
	// 88 is the fixed size of StringHashMap.
	ret := int64(88)
	for i := range ht.rawData {
		ret += 24
		ret += int64(len(ht.rawData[i]))
		ret += 24
		ret += int64(uint64(len(ht.cells[i])) * strCellSize)
	}
	return ret
}

type StringHashMapIterator struct {
	table *StringHashMap
	pos   uint64
}

func (it *StringHashMapIterator) Init(ht *StringHashMap) {
	it.table = ht
}

func (it *StringHashMapIterator) Next() (cell *StringHashMapCell, err error) {
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
		err = moerr.NewOutOfRange("string hash map iterator")
		return
	}
	it.pos++

	return
}

// MarshalBinary serializes the metadata and the occupied cells.  The
// write side does not need the pool, the buffer lives on the go heap.
func (ht *StringHashMap) MarshalBinary() ([]byte, error) {
	var buf bytes.Buffer
	var scratch [8]byte

	writeU64 := func(v uint64) {
		binary.LittleEndian.PutUint64(scratch[:], v)
		buf.Write(scratch[:])
	}

	writeU64(ht.elemCnt)
	writeU64(ht.cellCnt)
	writeU64(ht.blockCellCnt)
	writeU64(ht.blockMaxElemCnt)
	writeU64(ht.cellCntMask)

	// The number of occupied cells repeats elemCnt so the reader can
	// trust the cell section length on its own.
	writeU64(ht.elemCnt)

	if ht.elemCnt > 0 {
		for _, block := range ht.cells {
			for i := range block {
				if block[i].Mapped != 0 {
					writeU64(block[i].HashState[0])
					writeU64(block[i].HashState[1])
					writeU64(block[i].HashState[2])
					writeU64(block[i].Mapped)
				}
			}
		}
	}

	return buf.Bytes(), nil
}

// UnmarshalBinary rebuilds the table from MarshalBinary output.  Any
// previous content is abandoned, callers must Free first.
func (ht *StringHashMap) UnmarshalBinary(data []byte, m *mpool.MPool) error {
	r := bytes.NewReader(data)
	var scratch [8]byte

	readU64 := func(v *uint64) error {
		if _, err := io.ReadFull(r, scratch[:]); err != nil {
			return moerr.NewUnexpectedEOF("string hash map header")
		}
		*v = binary.LittleEndian.Uint64(scratch[:])
		return nil
	}

	for _, v := range []*uint64{&ht.elemCnt, &ht.cellCnt, &ht.blockCellCnt, &ht.blockMaxElemCnt, &ht.cellCntMask} {
		if err := readU64(v); err != nil {
			return err
		}
	}
	if ht.blockCellCnt == 0 || ht.cellCnt%ht.blockCellCnt != 0 {
		return moerr.NewInvalidInput("string hash map geometry %d/%d", ht.cellCnt, ht.blockCellCnt)
	}

	numBlocks := int(ht.cellCnt / ht.blockCellCnt)
	ht.rawData = make([][]byte, numBlocks)
	ht.cells = make([][]StringHashMapCell, numBlocks)
	for i := 0; i < numBlocks; i++ {
		if err := ht.allocate(i, ht.blockCellCnt*strCellSize, m); err != nil {
			return err
		}
	}

	var numActiveCells uint64
	if err := readU64(&numActiveCells); err != nil {
		return err
	}
	for i := uint64(0); i < numActiveCells; i++ {
		var cell StringHashMapCell
		for _, v := range []*uint64{&cell.HashState[0], &cell.HashState[1], &cell.HashState[2], &cell.Mapped} {
			if err := readU64(v); err != nil {
				return err
			}
		}
		*ht.findEmptyCell(&cell.HashState) = cell
	}
	return nil
}

func minInt(a, b int) int {
	if a < b {
		return a
	}
	return b
}
