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

// NewJoinMap wraps a built table for shared probing.  sels[g-1] lists
// the build rows of group g, exactly one of ihm and shm is non-nil.
// The caller holds the first reference.
func NewJoinMap(sels [][]int32, ihm *IntHashMap, shm *StrHashMap) *JoinMap {
	jm := &JoinMap{
		sels:  sels,
		ihm:   ihm,
		shm:   shm,
		valid: true,
	}
	jm.refCnt.Store(1)
	return jm
}

func (jm *JoinMap) SetRowCount(cnt int64) {
	jm.rowCnt = cnt
}

func (jm *JoinMap) RowCount() int64 {
	return jm.rowCnt
}

// Sels returns the per-group build row lists.  Probers index it with
// groupID-1 from an iterator Find.
func (jm *JoinMap) Sels() [][]int32 {
	return jm.sels
}

// IntIterator returns a probe iterator over the int side, nil when
// the map was built over string keys.
func (jm *JoinMap) IntIterator() Iterator[uint64] {
	if jm.ihm == nil {
		return nil
	}
	return jm.ihm.NewIterator()
}

// StrIterator returns a probe iterator over the string side, nil
// when the map was built over int keys.
func (jm *JoinMap) StrIterator() Iterator[[]byte] {
	if jm.shm == nil {
		return nil
	}
	return jm.shm.NewIterator()
}

func (jm *JoinMap) GroupCount() uint64 {
	if jm.ihm != nil {
		return jm.ihm.GroupCount()
	}
	return jm.shm.GroupCount()
}

// IncRef grants cnt more holders, each must Free once.
func (jm *JoinMap) IncRef(cnt int32) {
	jm.refCnt.Add(int64(cnt))
}

func (jm *JoinMap) IsValid() bool {
	return jm.valid
}

// Free drops one reference, the last one releases the table and the
// row lists.
func (jm *JoinMap) Free() {
	if jm.refCnt.Add(-1) != 0 {
		return
	}
	for i := range jm.sels {
		jm.sels[i] = nil
	}
	jm.sels = nil
	if jm.ihm != nil {
		jm.ihm.Free()
	} else if jm.shm != nil {
		jm.shm.Free()
	}
	jm.valid = false
}

func (jm *JoinMap) Size() int64 {
	if jm.ihm != nil {
		return jm.ihm.Size()
	}
	if jm.shm != nil {
		return jm.shm.Size()
	}
	return 0
}
