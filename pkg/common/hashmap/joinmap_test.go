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
	"sync"
	"sync/atomic"
	"testing"

	"github.com/smartystreets/goconvey/convey"

	"github.com/matrixorigin/momap/pkg/common/mpool"
)

func TestJoinMapIntProbe(t *testing.T) {
	convey.Convey("build an int join map and probe it concurrently", t, func() {
		m := mpool.MustNewZero()
		mp, err := NewIntHashMap(0, 0, m)
		convey.So(err, convey.ShouldBeNil)

		buildKeys := []uint64{10, 20, 10, 30, 20, 10}
		itr := mp.NewIterator()
		vs, err := itr.Insert(0, len(buildKeys), buildKeys)
		convey.So(err, convey.ShouldBeNil)

		sels := make([][]int32, mp.GroupCount())
		for row, v := range vs {
			sels[v-1] = append(sels[v-1], int32(row))
		}
		jm := NewJoinMap(sels, mp, nil)
		jm.SetRowCount(int64(len(buildKeys)))

		convey.So(jm.IsValid(), convey.ShouldBeTrue)
		convey.So(jm.GroupCount(), convey.ShouldEqual, uint64(3))
		convey.So(jm.RowCount(), convey.ShouldEqual, int64(6))
		convey.So(jm.StrIterator(), convey.ShouldBeNil)
		convey.So(jm.Sels()[0], convey.ShouldResemble, []int32{0, 2, 5})
		convey.So(jm.Sels()[1], convey.ShouldResemble, []int32{1, 4})
		convey.So(jm.Sels()[2], convey.ShouldResemble, []int32{3})

		const probers = 4
		jm.IncRef(probers)
		var bad atomic.Int64
		var wg sync.WaitGroup
		wg.Add(probers)
		for p := 0; p < probers; p++ {
			go func() {
				defer wg.Done()
				defer jm.Free()
				pitr := jm.IntIterator()
				probeKeys := []uint64{10, 99, 30}
				for run := 0; run < 1000; run++ {
					got := pitr.Find(0, len(probeKeys), probeKeys, nil)
					if got[0] != 1 || got[1] != 0 || got[2] != 3 {
						bad.Add(1)
						return
					}
					rows := jm.Sels()[got[0]-1]
					if len(rows) != 3 || rows[0] != 0 || rows[1] != 2 || rows[2] != 5 {
						bad.Add(1)
						return
					}
				}
			}()
		}
		wg.Wait()
		convey.So(bad.Load(), convey.ShouldEqual, int64(0))

		convey.So(jm.IsValid(), convey.ShouldBeTrue)
		jm.Free()
		convey.So(jm.IsValid(), convey.ShouldBeFalse)
		convey.So(jm.Sels(), convey.ShouldBeNil)
		convey.So(m.Stats().NumCurrBytes.Load(), convey.ShouldEqual, int64(0))
	})
}

func TestJoinMapStrSide(t *testing.T) {
	convey.Convey("a string side join map frees on the last reference", t, func() {
		m := mpool.MustNewZero()
		sp, err := NewStrMap(0, 0, m)
		convey.So(err, convey.ShouldBeNil)

		buildKeys := [][]byte{[]byte("red"), []byte("green"), []byte("red")}
		itr := sp.NewIterator()
		vs, err := itr.Insert(0, len(buildKeys), buildKeys)
		convey.So(err, convey.ShouldBeNil)

		sels := make([][]int32, sp.GroupCount())
		for row, v := range vs {
			sels[v-1] = append(sels[v-1], int32(row))
		}
		jm := NewJoinMap(sels, nil, sp)

		convey.So(jm.IntIterator(), convey.ShouldBeNil)
		convey.So(jm.GroupCount(), convey.ShouldEqual, uint64(2))
		convey.So(jm.Size(), convey.ShouldBeGreaterThan, int64(0))

		pitr := jm.StrIterator()
		got := pitr.Find(0, 2, [][]byte{[]byte("green"), []byte("blue")}, nil)
		convey.So(got[0], convey.ShouldEqual, uint64(2))
		convey.So(got[1], convey.ShouldEqual, uint64(0))

		jm.IncRef(1)
		jm.Free()
		convey.So(jm.IsValid(), convey.ShouldBeTrue)
		jm.Free()
		convey.So(jm.IsValid(), convey.ShouldBeFalse)
		convey.So(m.Stats().NumCurrBytes.Load(), convey.ShouldEqual, int64(0))
	})
}
