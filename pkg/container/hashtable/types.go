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

// Package hashtable provides the hash containers used by the rest of
// the project.
//
// Two families live here.  The ordinal tables (Int64HashMap,
// StringHashMap, FixedMap, FixedSet) are open addressing tables backed
// by mpool raw memory, they map keys to dense 1-based group ordinals
// and are driven in batches.  The generic Map is a bucketed map with
// the full get/set/delete/iterate surface, it lives on the go heap and
// only borrows quota from an mpool.
package hashtable

import (
	"unsafe"

	"github.com/matrixorigin/momap/pkg/common/mpool"
)

// Geometry of the open addressing tables.  Cell counts are powers of
// two, the tables resize at half full.
const (
	kInitialCellCntBits = 10
	kInitialCellCnt     = 1 << kInitialCellCntBits

	kLoadFactorNumerator   = 1
	kLoadFactorDenominator = 2

	// Tables larger than one block are split into fixed size blocks so
	// a resize never asks the allocator for one huge contiguous run.
	maxBlockSize = mpool.GB
)

var (
	intCellSize           uint64
	strCellSize           uint64
	maxIntCellCntPerBlock uint64
	maxStrCellCntPerBlock uint64
)

func init() {
	intCellSize = uint64(unsafe.Sizeof(Int64HashMapCell{}))
	strCellSize = uint64(unsafe.Sizeof(StringHashMapCell{}))
	maxIntCellCntPerBlock = maxBlockSize / intCellSize
	maxStrCellCntPerBlock = maxBlockSize / strCellSize
}

func maxElemCnt(cellCnt uint64) uint64 {
	return cellCnt * kLoadFactorNumerator / kLoadFactorDenominator
}
