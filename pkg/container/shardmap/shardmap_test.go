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

package shardmap

import (
	"math/rand"
	"sync"
	"sync/atomic"
	"testing"

	"github.com/lni/goutils/leaktest"
	"github.com/stretchr/testify/require"

	"github.com/matrixorigin/momap/pkg/common/moerr"
	"github.com/matrixorigin/momap/pkg/container/hashtable"
)

func TestShardMapBasic(t *testing.T) {
	m := MustNew[uint64, uint64](Config{})
	const total = uint64(1000)
	for i := uint64(0); i < total; i++ {
		m.Store(i, i*7)
	}
	require.Equal(t, int(total), m.Len())

	for i := uint64(0); i < total; i++ {
		v, ok := m.Load(i)
		require.True(t, ok)
		require.Equal(t, i*7, v)
	}
	_, ok := m.Load(total + 1)
	require.False(t, ok)

	// Overwrite does not change the count.
	m.Store(0, 999)
	v, _ := m.Load(0)
	require.Equal(t, uint64(999), v)
	require.Equal(t, int(total), m.Len())

	for i := uint64(0); i < total/2; i++ {
		m.Delete(i)
	}
	require.Equal(t, int(total/2), m.Len())
	for i := uint64(0); i < total; i++ {
		_, ok := m.Load(i)
		require.Equal(t, i >= total/2, ok)
	}

	// Deleting absent keys is a no-op.
	m.Delete(total + 100)
	m.Delete(0)
	require.Equal(t, int(total/2), m.Len())
}

func TestShardMapNilAndZero(t *testing.T) {
	var nilMap *Map[uint64, uint64]
	_, ok := nilMap.Load(1)
	require.False(t, ok)
	require.Equal(t, 0, nilMap.Len())
	nilMap.Delete(1)
	nilMap.Range(func(k, v uint64) bool { t.Fatal("unreachable"); return true })
	requirePanicCode(t, moerr.ErrInvalidState, func() { nilMap.Store(1, 1) })

	var zero Map[uint64, uint64]
	_, ok = zero.Load(1)
	require.False(t, ok)
	require.Equal(t, 0, zero.Len())
	requirePanicCode(t, moerr.ErrInvalidState, func() { zero.Store(1, 1) })
	requirePanicCode(t, moerr.ErrInvalidState, func() { zero.LoadOrStore(1, 1) })
}

func requirePanicCode(t *testing.T, code uint16, f func()) {
	t.Helper()
	defer func() {
		r := recover()
		require.NotNil(t, r)
		err, isErr := r.(error)
		require.True(t, isErr)
		require.True(t, moerr.IsMoErrCode(err, code))
	}()
	f()
}

func TestShardMapLoadOrStore(t *testing.T) {
	m := MustNew[string, int](Config{})
	v, loaded := m.LoadOrStore("a", 1)
	require.False(t, loaded)
	require.Equal(t, 1, v)

	v, loaded = m.LoadOrStore("a", 2)
	require.True(t, loaded)
	require.Equal(t, 1, v)
	require.Equal(t, 1, m.Len())

	m.Delete("a")
	v, loaded = m.LoadOrStore("a", 3)
	require.False(t, loaded)
	require.Equal(t, 3, v)
	require.Equal(t, 1, m.Len())
}

func TestShardMapLoadAndDelete(t *testing.T) {
	m := MustNew[string, int](Config{})
	m.Store("a", 1)
	v, loaded := m.LoadAndDelete("a")
	require.True(t, loaded)
	require.Equal(t, 1, v)
	_, ok := m.Load("a")
	require.False(t, ok)
	require.Equal(t, 0, m.Len())

	v, loaded = m.LoadAndDelete("a")
	require.False(t, loaded)
	require.Equal(t, 0, v)
}

func TestShardMapRange(t *testing.T) {
	m := MustNew[uint64, uint64](Config{Shards: 8})
	const total = uint64(500)
	for i := uint64(0); i < total; i++ {
		m.Store(i, i+1)
	}
	m.Delete(3)
	m.Delete(300)

	got := make(map[uint64]uint64)
	m.Range(func(k, v uint64) bool {
		_, dup := got[k]
		require.False(t, dup, "key %d seen twice", k)
		got[k] = v
		return true
	})
	require.Len(t, got, int(total)-2)
	require.Equal(t, m.Len(), len(got))
	for k, v := range got {
		require.Equal(t, k+1, v)
	}
	_, ok := got[3]
	require.False(t, ok)

	calls := 0
	m.Range(func(k, v uint64) bool {
		calls++
		return calls < 5
	})
	require.Equal(t, 5, calls)

	empty := MustNew[uint64, uint64](Config{})
	empty.Range(func(k, v uint64) bool { t.Fatal("unreachable"); return true })
}

func TestShardMapShardRounding(t *testing.T) {
	m := MustNew[uint64, uint64](Config{Shards: 5})
	require.Len(t, m.shards, 8)
	require.Equal(t, uint64(7), m.mask)

	m = MustNew[uint64, uint64](Config{})
	require.Len(t, m.shards, DefaultShards)

	m = MustNew[uint64, uint64](Config{Shards: 1})
	require.Len(t, m.shards, 1)
	m.Store(1, 1)
	v, ok := m.Load(1)
	require.True(t, ok)
	require.Equal(t, uint64(1), v)
}

type regionKey struct {
	Zone uint32
	Node uint32
}

func TestShardMapCustomHasher(t *testing.T) {
	_, err := New[regionKey, string](Config{})
	require.Error(t, err)
	require.True(t, moerr.IsMoErrCode(err, moerr.ErrNotSupported))

	hasher := func(seed uint64, k regionKey) uint64 {
		return hashtable.Int64Hash(seed ^ (uint64(k.Zone)<<32 | uint64(k.Node)))
	}
	m, err := NewWith[regionKey, string](Config{Shards: 4}, hasher)
	require.NoError(t, err)
	m.Store(regionKey{1, 2}, "a")
	m.Store(regionKey{2, 1}, "b")
	v, ok := m.Load(regionKey{1, 2})
	require.True(t, ok)
	require.Equal(t, "a", v)
	v, ok = m.Load(regionKey{2, 1})
	require.True(t, ok)
	require.Equal(t, "b", v)
	require.Equal(t, 2, m.Len())
}

func TestShardMapPromotion(t *testing.T) {
	m := MustNew[uint64, uint64](Config{Shards: 1})
	s := &m.shards[0]

	// The first store amends the empty read snapshot.
	m.Store(1, 100)
	require.True(t, s.loadReadOnly().amended)

	// A miss on the read snapshot promotes the single-entry dirty
	// table immediately.
	v, ok := m.Load(1)
	require.True(t, ok)
	require.Equal(t, uint64(100), v)
	r := s.loadReadOnly()
	require.False(t, r.amended)
	require.NotNil(t, r.m)
	require.Nil(t, s.dirty)

	// Updates of promoted keys stay on the lock-free path.
	m.Store(1, 111)
	require.False(t, s.loadReadOnly().amended)
	v, _ = m.Load(1)
	require.Equal(t, uint64(111), v)

	// A new key re-amends, and promotion now waits for as many
	// misses as the dirty table holds entries.
	m.Store(2, 200)
	require.True(t, s.loadReadOnly().amended)
	_, _ = m.Load(2)
	require.True(t, s.loadReadOnly().amended)
	_, _ = m.Load(2)
	require.False(t, s.loadReadOnly().amended)

	v, ok = m.Load(1)
	require.True(t, ok)
	require.Equal(t, uint64(111), v)
	v, ok = m.Load(2)
	require.True(t, ok)
	require.Equal(t, uint64(200), v)
}

func TestShardMapExpungeCycle(t *testing.T) {
	m := MustNew[uint64, uint64](Config{Shards: 1})
	m.Store(1, 100)
	_, _ = m.Load(1) // promote
	m.Delete(1)
	require.Equal(t, 0, m.Len())

	// Seeding the next dirty table expunges the deleted entry.
	m.Store(2, 200)
	_, ok := m.Load(1)
	require.False(t, ok)

	// Storing the expunged key revives it through the shard lock.
	m.Store(1, 111)
	v, ok := m.Load(1)
	require.True(t, ok)
	require.Equal(t, uint64(111), v)
	require.Equal(t, 2, m.Len())

	got := make(map[uint64]uint64)
	m.Range(func(k, v uint64) bool {
		got[k] = v
		return true
	})
	require.Equal(t, map[uint64]uint64{1: 111, 2: 200}, got)
}

func TestShardMapConcurrentReaders(t *testing.T) {
	defer leaktest.AfterTest(t)()

	m := MustNew[uint64, uint64](Config{Capacity: 4096})
	const resident = uint64(4096)
	for i := uint64(0); i < resident; i++ {
		m.Store(i, i*3)
	}

	const (
		goroutines = 8
		reads      = 10000
	)
	var wg sync.WaitGroup
	for g := 0; g < goroutines; g++ {
		wg.Add(1)
		go func(g int) {
			defer wg.Done()
			rng := rand.New(rand.NewSource(int64(g + 1)))
			for i := 0; i < reads; i++ {
				k := rng.Uint64() % (resident * 2)
				v, ok := m.Load(k)
				if k < resident {
					if !ok || v != k*3 {
						t.Errorf("key %d: got %d %v", k, v, ok)
						return
					}
				} else if ok {
					t.Errorf("key %d unexpectedly present", k)
					return
				}
			}
		}(g)
	}
	wg.Wait()
	require.Equal(t, int(resident), m.Len())
}

func TestShardMapNoTornWrites(t *testing.T) {
	defer leaktest.AfterTest(t)()

	type wide struct {
		A, B, C, D uint64
	}
	m := MustNew[uint64, wide](Config{Shards: 4})

	const (
		writers = 4
		readers = 4
		keys    = 64
		iters   = 20000
	)
	var stop atomic.Bool
	var wwg, rwg sync.WaitGroup

	for w := 0; w < writers; w++ {
		wwg.Add(1)
		go func(w int) {
			defer wwg.Done()
			rng := rand.New(rand.NewSource(int64(w + 1)))
			for i := 0; i < iters; i++ {
				k := rng.Uint64() % keys
				if rng.Intn(8) == 0 {
					m.Delete(k)
					continue
				}
				x := rng.Uint64()
				m.Store(k, wide{x, x, x, x})
			}
		}(w)
	}
	for r := 0; r < readers; r++ {
		rwg.Add(1)
		go func(r int) {
			defer rwg.Done()
			rng := rand.New(rand.NewSource(int64(100 + r)))
			for !stop.Load() {
				k := rng.Uint64() % keys
				if v, ok := m.Load(k); ok {
					if v.A != v.B || v.B != v.C || v.C != v.D {
						t.Errorf("torn value for key %d: %+v", k, v)
						return
					}
				}
			}
		}(r)
	}

	wwg.Wait()
	stop.Store(true)
	rwg.Wait()

	// Quiesced now, the count matches a full walk.
	n := 0
	m.Range(func(k uint64, v wide) bool {
		require.Equal(t, v.A, v.D)
		n++
		return true
	})
	require.Equal(t, n, m.Len())
}

func TestShardMapLoadOrStoreContended(t *testing.T) {
	defer leaktest.AfterTest(t)()

	m := MustNew[string, int](Config{})
	const goroutines = 8
	actual := make([]int, goroutines)
	var winners atomic.Int64
	var wg sync.WaitGroup
	for g := 0; g < goroutines; g++ {
		wg.Add(1)
		go func(g int) {
			defer wg.Done()
			v, loaded := m.LoadOrStore("the-key", g+1)
			if !loaded {
				winners.Add(1)
			}
			actual[g] = v
		}(g)
	}
	wg.Wait()

	require.Equal(t, int64(1), winners.Load())
	want, ok := m.Load("the-key")
	require.True(t, ok)
	for g := 0; g < goroutines; g++ {
		require.Equal(t, want, actual[g])
	}
	require.Equal(t, 1, m.Len())
}

func TestShardMapConcurrentMixed(t *testing.T) {
	defer leaktest.AfterTest(t)()

	m := MustNew[uint64, uint64](Config{Shards: 8})
	const (
		goroutines = 8
		span       = uint64(2000)
		iters      = 30000
	)
	var wg sync.WaitGroup
	for g := 0; g < goroutines; g++ {
		wg.Add(1)
		go func(g int) {
			defer wg.Done()
			base := uint64(g) * span
			rng := rand.New(rand.NewSource(int64(g + 1)))
			for i := 0; i < iters; i++ {
				k := base + rng.Uint64()%span
				switch rng.Intn(10) {
				case 0, 1, 2:
					m.Delete(k)
				case 3:
					m.LoadOrStore(k, k)
				default:
					m.Store(k, k)
				}
				// Read someone else's range, any value for key k
				// must be k.
				other := rng.Uint64() % (span * goroutines)
				if v, ok := m.Load(other); ok && v != other {
					t.Errorf("key %d holds %d", other, v)
					return
				}
			}
		}(g)
	}
	wg.Wait()

	// Quiesced, every surviving entry still maps k to k and the
	// count agrees between Len and Range.
	n := 0
	m.Range(func(k, v uint64) bool {
		require.Equal(t, k, v)
		n++
		return true
	})
	require.Equal(t, n, m.Len())
}

func BenchmarkShardMapLoad(b *testing.B) {
	m := MustNew[uint64, uint64](Config{Capacity: 1 << 16})
	for i := uint64(0); i < 1<<16; i++ {
		m.Store(i, i)
	}
	b.ResetTimer()
	b.RunParallel(func(pb *testing.PB) {
		i := uint64(0)
		for pb.Next() {
			m.Load(i & (1<<16 - 1))
			i++
		}
	})
}

func BenchmarkShardMapStore(b *testing.B) {
	m := MustNew[uint64, uint64](Config{})
	b.ResetTimer()
	b.RunParallel(func(pb *testing.PB) {
		i := uint64(0)
		for pb.Next() {
			m.Store(i&1023, i)
			i++
		}
	})
}

func BenchmarkSyncMapLoad(b *testing.B) {
	var m sync.Map
	for i := uint64(0); i < 1<<16; i++ {
		m.Store(i, i)
	}
	b.ResetTimer()
	b.RunParallel(func(pb *testing.PB) {
		i := uint64(0)
		for pb.Next() {
			m.Load(i & (1<<16 - 1))
			i++
		}
	})
}
