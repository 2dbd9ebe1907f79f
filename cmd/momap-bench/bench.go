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

package main

import (
	"context"
	"encoding/binary"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/RoaringBitmap/roaring"
	hll "github.com/axiomhq/hyperloglog"
	"github.com/google/btree"
	"github.com/panjf2000/ants/v2"
	queue "github.com/yireyun/go-queue"

	"github.com/matrixorigin/momap/pkg/common/hashmap"
	"github.com/matrixorigin/momap/pkg/common/moerr"
	"github.com/matrixorigin/momap/pkg/common/mpool"
	"github.com/matrixorigin/momap/pkg/container/hashtable"
	"github.com/matrixorigin/momap/pkg/container/shardmap"
	"github.com/matrixorigin/momap/pkg/logutil"
	"github.com/matrixorigin/momap/pkg/logutil/logutil2"
)

// runBench runs the configured workloads in order and stops at the
// first failure or on cancellation.
func runBench(ctx context.Context, cfg *Config) error {
	for _, name := range cfg.Workloads {
		if err := ctx.Err(); err != nil {
			return err
		}
		logutil2.Infof(ctx, "workload %s: %d rows, dup factor %d, %d workers",
			name, cfg.Rows, cfg.DupFactor, cfg.Workers)
		start := time.Now()
		var err error
		switch name {
		case "int":
			err = runIntWorkload(ctx, cfg)
		case "str":
			err = runStrWorkload(ctx, cfg)
		case "generic":
			err = runGenericWorkload(ctx, cfg)
		case "shard":
			err = runShardWorkload(ctx, cfg)
		default:
			err = moerr.NewInvalidArg("workload", name)
		}
		if err != nil {
			return err
		}
		logutil2.Infof(ctx, "workload %s done in %v", name, time.Since(start))
	}
	return nil
}

// insertChunked feeds keys through the iterator in UnitLimit sized
// windows and hands each window's group ids to visit.
func insertChunked[K any](itr hashmap.Iterator[K], keys []K, visit func(start int, vs []uint64) error) error {
	for start := 0; start < len(keys); start += hashmap.UnitLimit {
		n := len(keys) - start
		if n > hashmap.UnitLimit {
			n = hashmap.UnitLimit
		}
		vs, err := itr.Insert(start, n, keys)
		if err != nil {
			return err
		}
		if visit != nil {
			if err := visit(start, vs); err != nil {
				return err
			}
		}
	}
	return nil
}

// logTableStats reports a table's group count and memory footprint.
func logTableStats(name string, hm hashmap.HashMap) {
	logutil.Infof("%s: %d groups, %d bytes", name, hm.GroupCount(), hm.Size())
}

// latencySink funnels probe batch timings out of the worker pool over
// a lock free ring.  A full ring drops the sample instead of stalling
// the prober.
type latencySink struct {
	q       *queue.EsQueue
	dropped atomic.Int64
}

func newLatencySink(capacity uint32) *latencySink {
	return &latencySink{q: queue.NewQueue(capacity)}
}

func (s *latencySink) record(d time.Duration) {
	if ok, _ := s.q.Put(d); !ok {
		s.dropped.Add(1)
	}
}

func (s *latencySink) drain() []time.Duration {
	samples := make([]time.Duration, 0, s.q.Quantity())
	for {
		v, ok, _ := s.q.Get()
		if !ok {
			return samples
		}
		samples = append(samples, v.(time.Duration))
	}
}

// quantile reports the q'th quantile of samples, sorting in place.
func quantile(samples []time.Duration, q float64) time.Duration {
	if len(samples) == 0 {
		return 0
	}
	sort.Slice(samples, func(i, j int) bool { return samples[i] < samples[j] })
	return samples[int(q*float64(len(samples)-1))]
}

func estimateIntDistinct(keys []uint64) uint64 {
	sketch := hll.New()
	var b [8]byte
	for _, k := range keys {
		binary.LittleEndian.PutUint64(b[:], k)
		sketch.Insert(b[:])
	}
	return sketch.Estimate()
}

func estimateStrDistinct(keys [][]byte) uint64 {
	sketch := hll.New()
	for _, k := range keys {
		sketch.Insert(k)
	}
	return sketch.Estimate()
}

// crossCheckCardinality flags a sketch estimate that strays from the
// exact group count.  The sketch sits within a couple percent at its
// default precision, the band only catches table level bugs.
func crossCheckCardinality(name string, estimate, exact uint64) {
	lo := exact - exact*15/100
	hi := exact + exact*15/100
	if estimate < lo || estimate > hi {
		logutil.Warnf("%s: cardinality estimate %d outside [%d, %d], exact %d",
			name, estimate, lo, hi, exact)
	}
}

// countedKey is the btree contender's entry, ordered by key.
type countedKey struct {
	key   uint64
	count uint64
}

func (a *countedKey) Less(b btree.Item) bool {
	return a.key < b.(*countedKey).key
}

// runIntWorkload builds an int table the way a group by does, then
// probes it through a shared join map from the worker pool.
func runIntWorkload(ctx context.Context, cfg *Config) error {
	mp, err := mpool.NewMPool("bench_int", cfg.PoolCap, 0, 0)
	if err != nil {
		return err
	}
	defer mpool.DeleteMPool(mp)

	keys := genIntKeys(cfg.Rows, cfg.DupFactor)

	m, err := hashmap.NewIntHashMap(0, 1, mp)
	if err != nil {
		return err
	}

	// Build plus the bookkeeping of a join build side: sels maps each
	// group to the rows that produced it, the bitmap double checks
	// that group ids stay dense.
	seen := roaring.New()
	var sels [][]int32
	start := time.Now()
	err = insertChunked(m.NewIterator(), keys, func(winStart int, vs []uint64) error {
		for i, v := range vs {
			seen.Add(uint32(v))
			for uint64(len(sels)) < v {
				sels = append(sels, nil)
			}
			sels[v-1] = append(sels[v-1], int32(winStart+i))
		}
		return nil
	})
	if err != nil {
		m.Free()
		return err
	}
	buildDur := time.Since(start)

	groups := m.GroupCount()
	if got := seen.GetCardinality(); got != groups {
		m.Free()
		return moerr.NewInternalError("int build: bitmap saw %d group ids, table has %d", got, groups)
	}
	crossCheckCardinality("int build", estimateIntDistinct(keys), groups)
	logTableStats("int table", m)
	logutil.Infof("int build: %d rows in %v", len(keys), buildDur)

	pool, err := ants.NewPool(cfg.Workers, ants.WithPanicHandler(func(v interface{}) {
		panic(v)
	}))
	if err != nil {
		m.Free()
		return err
	}
	defer pool.Release()

	// Probe through a shared join map, each worker holds its own
	// iterator and reference.
	jm := hashmap.NewJoinMap(sels, m, nil)
	jm.SetRowCount(int64(len(keys)))

	lat := newLatencySink(1 << 16)
	var misses, badSels atomic.Int64
	var wg sync.WaitGroup
	var submitErr error
	probeStart := time.Now()
	for w := 0; w < cfg.Workers; w++ {
		wg.Add(1)
		jm.IncRef(1)
		task := func() {
			defer wg.Done()
			defer jm.Free()
			itr := jm.IntIterator()
			for round := 0; round < cfg.ProbeRounds; round++ {
				if ctx.Err() != nil {
					return
				}
				for winStart := 0; winStart < len(keys); winStart += hashmap.UnitLimit {
					n := len(keys) - winStart
					if n > hashmap.UnitLimit {
						n = hashmap.UnitLimit
					}
					t0 := time.Now()
					vs := itr.Find(winStart, n, keys, nil)
					lat.record(time.Since(t0))
					for i := 0; i < n; i++ {
						v := vs[i]
						if v == 0 {
							misses.Add(1)
							continue
						}
						rows := jm.Sels()[v-1]
						if len(rows) == 0 || keys[rows[0]] != keys[winStart+i] {
							badSels.Add(1)
						}
					}
				}
			}
		}
		if err := pool.Submit(task); err != nil {
			jm.Free()
			wg.Done()
			submitErr = err
			break
		}
	}
	wg.Wait()
	probeDur := time.Since(probeStart)
	jm.Free()
	if submitErr != nil {
		return submitErr
	}
	if n := misses.Load(); n != 0 {
		return moerr.NewInternalError("int probe: %d misses on resident keys", n)
	}
	if n := badSels.Load(); n != 0 {
		return moerr.NewInternalError("int probe: %d groups mapped to foreign rows", n)
	}

	samples := lat.drain()
	probes := int64(cfg.Workers) * int64(cfg.ProbeRounds) * int64(len(keys))
	logutil.Infof("int probe: %d probes in %v, batch p50 %v p99 %v, %d samples, %d dropped",
		probes, probeDur, quantile(samples, 0.5), quantile(samples, 0.99),
		len(samples), lat.dropped.Load())
	return nil
}

// runStrWorkload builds a string table once as a reference, then once
// more split over partitioned tables built concurrently, and checks
// the two builds agree on the group count.
func runStrWorkload(ctx context.Context, cfg *Config) error {
	mp, err := mpool.NewMPool("bench_str", cfg.PoolCap, 0, 0)
	if err != nil {
		return err
	}
	defer mpool.DeleteMPool(mp)

	keys, err := strKeyCorpus(ctx, cfg)
	if err != nil {
		return err
	}

	ref, err := hashmap.NewStrMap(0, 1, mp)
	if err != nil {
		return err
	}
	start := time.Now()
	if err := insertChunked(ref.NewIterator(), keys, nil); err != nil {
		ref.Free()
		return err
	}
	buildDur := time.Since(start)
	groups := ref.GroupCount()
	crossCheckCardinality("str build", estimateStrDistinct(keys), groups)
	logTableStats("str table", ref)
	logutil.Infof("str build: %d rows in %v", len(keys), buildDur)
	ref.Free()

	if err := ctx.Err(); err != nil {
		return err
	}

	// Partitioned build.  Every worker owns one partition and scans
	// the full stream, the tables agree on routing so each distinct
	// key lands in exactly one of them.
	nbucket := uint64(cfg.Workers)
	if nbucket < 2 {
		nbucket = 2
	}
	parts := make([]*hashmap.StrHashMap, nbucket)
	for i := range parts {
		if parts[i], err = hashmap.NewStrMap(uint64(i), nbucket, mp); err != nil {
			for _, pm := range parts[:i] {
				pm.Free()
			}
			return err
		}
	}
	freeParts := func() {
		for _, pm := range parts {
			pm.Free()
		}
	}

	pool, err := ants.NewPool(int(nbucket), ants.WithPanicHandler(func(v interface{}) {
		panic(v)
	}))
	if err != nil {
		freeParts()
		return err
	}
	defer pool.Release()

	errCh := make(chan error, nbucket)
	var wg sync.WaitGroup
	start = time.Now()
	for i := range parts {
		pm := parts[i]
		wg.Add(1)
		task := func() {
			defer wg.Done()
			errCh <- insertChunked(pm.NewIterator(), keys, nil)
		}
		if err := pool.Submit(task); err != nil {
			wg.Done()
			errCh <- err
		}
	}
	wg.Wait()
	close(errCh)
	for e := range errCh {
		if e != nil {
			freeParts()
			return e
		}
	}
	partDur := time.Since(start)

	var total uint64
	for _, pm := range parts {
		total += pm.GroupCount()
	}
	if total != groups {
		freeParts()
		return moerr.NewInternalError("str partitions split %d groups, reference has %d", total, groups)
	}
	logutil.Infof("str partitioned build: %d partitions in %v, %d groups", nbucket, partDur, total)

	// Route one window with Find and confirm exactly one partition
	// owns every row.
	n := len(keys)
	if n > hashmap.UnitLimit {
		n = hashmap.UnitLimit
	}
	owners := make([]int, n)
	inBuckets := make([]uint8, hashmap.UnitLimit)
	for _, pm := range parts {
		vs := pm.NewIterator().Find(0, n, keys, inBuckets)
		for i := 0; i < n; i++ {
			if inBuckets[i] == 0 {
				continue
			}
			if vs[i] == 0 {
				freeParts()
				return moerr.NewInternalError("str probe: owned key at row %d not found", i)
			}
			owners[i]++
		}
	}
	for i, c := range owners {
		if c != 1 {
			freeParts()
			return moerr.NewInternalError("str probe: row %d owned by %d partitions", i, c)
		}
	}
	freeParts()
	return nil
}

// runGenericWorkload counts key occurrences in the generic table and
// races the builtin map and a btree over the same stream.
func runGenericWorkload(ctx context.Context, cfg *Config) error {
	mp, err := mpool.NewMPool("bench_generic", cfg.PoolCap, 0, mpool.NoFixed)
	if err != nil {
		return err
	}
	defer mpool.DeleteMPool(mp)

	keys := genIntKeys(cfg.Rows, cfg.DupFactor)

	m, err := hashtable.NewMap[uint64, uint64](hashtable.Config{Capacity: len(keys), Pool: mp})
	if err != nil {
		return err
	}
	start := time.Now()
	for _, k := range keys {
		c, _ := m.Get(k)
		if err := m.Set(k, c+1); err != nil {
			m.Free()
			return err
		}
	}
	mapDur := time.Since(start)

	entries := m.Len()
	var visited int
	var total uint64
	m.Iterate(func(_ uint64, v uint64) bool {
		visited++
		total += v
		return true
	})
	if visited != entries || total != uint64(len(keys)) {
		m.Free()
		return moerr.NewInternalError("generic iterate: %d entries summing %d, want %d and %d",
			visited, total, entries, len(keys))
	}

	// Drop every other entry mid iteration, the iterator carries on
	// over the mutated table.
	removed := 0
	drop := false
	it := m.Iter()
	for k, _, ok := it.Next(); ok; k, _, ok = it.Next() {
		if drop {
			m.Delete(k)
			removed++
		}
		drop = !drop
	}
	if got := m.Len(); got != entries-removed {
		m.Free()
		return moerr.NewInternalError("generic delete: %d entries left, want %d", got, entries-removed)
	}

	if err := ctx.Err(); err != nil {
		m.Free()
		return err
	}

	// Same stream through the contenders.
	start = time.Now()
	builtin := make(map[uint64]uint64, len(keys))
	for _, k := range keys {
		builtin[k]++
	}
	builtinDur := time.Since(start)

	start = time.Now()
	tr := btree.New(32)
	for _, k := range keys {
		if found := tr.Get(&countedKey{key: k}); found != nil {
			found.(*countedKey).count++
			continue
		}
		tr.ReplaceOrInsert(&countedKey{key: k, count: 1})
	}
	btreeDur := time.Since(start)

	if len(builtin) != entries || tr.Len() != entries {
		m.Free()
		return moerr.NewInternalError("generic contenders disagree: builtin %d, btree %d, table %d",
			len(builtin), tr.Len(), entries)
	}
	logutil.Infof("generic build: %d rows, %d groups, table %v, builtin map %v, btree %v",
		len(keys), entries, mapDur, builtinDur, btreeDur)

	m.Clear()
	if got := m.Len(); got != 0 {
		m.Free()
		return moerr.NewInternalError("generic clear left %d entries", got)
	}
	m.Free()
	return nil
}

// runShardWorkload hammers the sharded map from the worker pool.
// Every worker owns a disjoint span of scrambled keys, so the totals
// below are exact.
func runShardWorkload(ctx context.Context, cfg *Config) error {
	workers := cfg.Workers
	if workers > cfg.Rows {
		workers = cfg.Rows
	}
	span := cfg.Rows / workers
	rows := span * workers

	sm, err := shardmap.New[uint64, uint64](shardmap.Config{Capacity: rows})
	if err != nil {
		return err
	}

	pool, err := ants.NewPool(workers, ants.WithPanicHandler(func(v interface{}) {
		panic(v)
	}))
	if err != nil {
		return err
	}
	defer pool.Release()

	var conflicts atomic.Int64
	storeDur, err := runShardPhase(pool, workers, func(w int) {
		base := w * span
		for i := base; i < base+span; i++ {
			if _, loaded := sm.LoadOrStore(scramble(uint64(i)), uint64(i)); loaded {
				conflicts.Add(1)
			}
		}
	})
	if err != nil {
		return err
	}
	if n := conflicts.Load(); n != 0 {
		return moerr.NewInternalError("shard store: %d conflicts on disjoint keys", n)
	}
	if got := sm.Len(); got != rows {
		return moerr.NewInternalError("shard store: %d entries, want %d", got, rows)
	}

	if err := ctx.Err(); err != nil {
		return err
	}

	var misses atomic.Int64
	loadDur, err := runShardPhase(pool, workers, func(w int) {
		base := w * span
		for round := 0; round < cfg.ProbeRounds; round++ {
			for i := base; i < base+span; i++ {
				v, ok := sm.Load(scramble(uint64(i)))
				if !ok || v != uint64(i) {
					misses.Add(1)
				}
			}
		}
	})
	if err != nil {
		return err
	}
	if n := misses.Load(); n != 0 {
		return moerr.NewInternalError("shard load: %d misses on resident keys", n)
	}

	var deleted atomic.Int64
	deleteDur, err := runShardPhase(pool, workers, func(w int) {
		base := w * span
		for i := base; i < base+span; i += 2 {
			if _, ok := sm.LoadAndDelete(scramble(uint64(i))); ok {
				deleted.Add(1)
			}
		}
	})
	if err != nil {
		return err
	}
	want := rows - int(deleted.Load())
	if got := sm.Len(); got != want {
		return moerr.NewInternalError("shard delete: %d entries left, want %d", got, want)
	}
	var ranged int
	sm.Range(func(_ uint64, _ uint64) bool {
		ranged++
		return true
	})
	if ranged != want {
		return moerr.NewInternalError("shard range: visited %d entries, want %d", ranged, want)
	}

	logutil.Infof("shard: %d rows over %d workers, store %v, load x%d %v, delete %v",
		rows, workers, storeDur, cfg.ProbeRounds, loadDur, deleteDur)
	return nil
}

// runShardPhase fans fn over the workers and waits them out.
func runShardPhase(pool *ants.Pool, workers int, fn func(w int)) (time.Duration, error) {
	start := time.Now()
	var wg sync.WaitGroup
	var submitErr error
	for w := 0; w < workers; w++ {
		w := w
		wg.Add(1)
		if err := pool.Submit(func() {
			defer wg.Done()
			fn(w)
		}); err != nil {
			wg.Done()
			submitErr = err
			break
		}
	}
	wg.Wait()
	return time.Since(start), submitErr
}
