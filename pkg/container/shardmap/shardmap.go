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

// Package shardmap wraps hashtable.Map into a concurrent map for
// read-mostly workloads.  Keys are routed by a seeded hash to one of
// N independently locked shards.  Each shard keeps an immutable read
// table served without locking and a locked dirty table that absorbs
// keys written since the last promotion; once lookups miss the read
// table often enough the dirty table is promoted wholesale.  Values
// publish through atomic pointer swaps, a reader never observes a
// half-written value.
package shardmap

import (
	"math/bits"
	"sync"
	"sync/atomic"

	"github.com/matrixorigin/momap/pkg/common/moerr"
	"github.com/matrixorigin/momap/pkg/container/hashtable"
)

// DefaultShards is the shard count used when Config leaves it zero.
const DefaultShards = 16

// Config tunes a sharded map.  The zero value is usable.
type Config struct {
	// Shards is rounded up to a power of two.  DefaultShards when
	// zero or negative.
	Shards int
	// Capacity is the expected total entry count, spread over the
	// shards as a sizing hint for their tables.
	Capacity int
}

type shard[K comparable, V any] struct {
	mu     sync.Mutex
	read   atomic.Pointer[readOnly[K, V]]
	dirty  *hashtable.Map[K, *entry[V]]
	misses int
	size   atomic.Int64
}

// Map is a sharded concurrent map.  Construct it with New or NewWith,
// the zero value rejects writes.  A nil Map reads as empty and writes
// to it panic.
type Map[K comparable, V any] struct {
	shards   []shard[K, V]
	mask     uint64
	seed     uint64
	hasher   hashtable.Hasher[K]
	expunged *V
	hint     int
}

// New builds a sharded map keyed by K's default hash.  Key types the
// default hash does not cover are rejected with ErrNotSupported, use
// NewWith for those.
func New[K comparable, V any](cfg Config) (*Map[K, V], error) {
	return NewWith[K, V](cfg, nil)
}

// NewWith builds a sharded map routing keys with hasher, or the
// default hash for K when hasher is nil.  Each shard's tables hash
// with the same function under their own seeds.
func NewWith[K comparable, V any](cfg Config, hasher hashtable.Hasher[K]) (*Map[K, V], error) {
	var err error
	if hasher == nil {
		if hasher, err = hashtable.DefaultHasher[K](); err != nil {
			return nil, err
		}
	}
	n := cfg.Shards
	if n <= 0 {
		n = DefaultShards
	}
	n = 1 << bits.Len(uint(n-1))
	hint := 0
	if cfg.Capacity > 0 {
		hint = (cfg.Capacity + n - 1) / n
	}
	return &Map[K, V]{
		shards:   make([]shard[K, V], n),
		mask:     uint64(n - 1),
		seed:     hashtable.NewSeed(),
		hasher:   hasher,
		expunged: new(V),
		hint:     hint,
	}, nil
}

// MustNew is New that panics on error.
func MustNew[K comparable, V any](cfg Config) *Map[K, V] {
	m, err := New[K, V](cfg)
	if err != nil {
		panic(err)
	}
	return m
}

func (m *Map[K, V]) shardOf(key K) *shard[K, V] {
	return &m.shards[m.hasher(m.seed, key)&m.mask]
}

func (m *Map[K, V]) checkWrite() {
	if m == nil {
		panic(moerr.NewInvalidState("write to nil sharded map"))
	}
	if m.hasher == nil {
		panic(moerr.NewInvalidState("write to uninitialized sharded map"))
	}
}

func (s *shard[K, V]) loadReadOnly() readOnly[K, V] {
	if p := s.read.Load(); p != nil {
		return *p
	}
	return readOnly[K, V]{}
}

// Load returns the value stored under key.  It is safe to call from
// any number of goroutines, with writers running.
func (m *Map[K, V]) Load(key K) (V, bool) {
	if m == nil || m.hasher == nil {
		var zero V
		return zero, false
	}
	s := m.shardOf(key)
	r := s.loadReadOnly()
	e, ok := r.get(key)
	if !ok && r.amended {
		s.mu.Lock()
		// Reload under the lock, a promotion may have raced the
		// first look.
		r = s.loadReadOnly()
		e, ok = r.get(key)
		if !ok && r.amended {
			e, ok = s.dirty.Get(key)
			s.missLocked()
		}
		s.mu.Unlock()
	}
	if !ok {
		var zero V
		return zero, false
	}
	return e.load(m.expunged)
}

// Store sets the value for key.
func (m *Map[K, V]) Store(key K, value V) {
	m.checkWrite()
	s := m.shardOf(key)
	v := &value
	r := s.loadReadOnly()
	if e, ok := r.get(key); ok {
		if wasNil, swapped := e.trySwap(v, m.expunged); swapped {
			if wasNil {
				s.size.Add(1)
			}
			return
		}
	}

	s.mu.Lock()
	r = s.loadReadOnly()
	if e, ok := r.get(key); ok {
		if e.unexpungeLocked(m.expunged) {
			// The entry was expunged, the dirty table lacks it.
			s.dirtySetLocked(key, e)
		}
		if old := e.swapLocked(v); old == nil {
			s.size.Add(1)
		}
	} else if e, ok := s.dirty.Get(key); ok {
		if old := e.swapLocked(v); old == nil {
			s.size.Add(1)
		}
	} else {
		if !r.amended {
			s.dirtyLocked(m, r)
			s.read.Store(&readOnly[K, V]{m: r.m, pairs: r.pairs, amended: true})
		}
		s.dirtySetLocked(key, newEntry(v))
		s.size.Add(1)
	}
	s.mu.Unlock()
}

// LoadOrStore returns the existing value for key if present, else
// stores and returns value.  loaded is true when the value was
// already there.
func (m *Map[K, V]) LoadOrStore(key K, value V) (actual V, loaded bool) {
	m.checkWrite()
	s := m.shardOf(key)
	v := &value
	r := s.loadReadOnly()
	if e, ok := r.get(key); ok {
		a, ld, done := e.tryLoadOrStore(v, m.expunged)
		if done {
			if !ld {
				s.size.Add(1)
			}
			return a, ld
		}
	}

	s.mu.Lock()
	r = s.loadReadOnly()
	if e, ok := r.get(key); ok {
		if e.unexpungeLocked(m.expunged) {
			s.dirtySetLocked(key, e)
		}
		actual, loaded, _ = e.tryLoadOrStore(v, m.expunged)
		if !loaded {
			s.size.Add(1)
		}
	} else if e, ok := s.dirty.Get(key); ok {
		actual, loaded, _ = e.tryLoadOrStore(v, m.expunged)
		if !loaded {
			s.size.Add(1)
		}
		s.missLocked()
	} else {
		if !r.amended {
			s.dirtyLocked(m, r)
			s.read.Store(&readOnly[K, V]{m: r.m, pairs: r.pairs, amended: true})
		}
		s.dirtySetLocked(key, newEntry(v))
		s.size.Add(1)
		actual, loaded = value, false
	}
	s.mu.Unlock()
	return actual, loaded
}

// LoadAndDelete deletes the value for key, returning what was there.
func (m *Map[K, V]) LoadAndDelete(key K) (V, bool) {
	var zero V
	if m == nil || m.hasher == nil {
		return zero, false
	}
	s := m.shardOf(key)
	r := s.loadReadOnly()
	e, ok := r.get(key)
	if !ok && r.amended {
		s.mu.Lock()
		r = s.loadReadOnly()
		e, ok = r.get(key)
		if !ok && r.amended {
			e, ok = s.dirty.Get(key)
			s.dirty.Delete(key)
			s.missLocked()
		}
		s.mu.Unlock()
	}
	if ok {
		if p, deleted := e.delete(m.expunged); deleted {
			s.size.Add(-1)
			return *p, true
		}
	}
	return zero, false
}

// Delete removes key.  Absent keys are a no-op.
func (m *Map[K, V]) Delete(key K) {
	m.LoadAndDelete(key)
}

// Len returns the number of live entries.  With writers running the
// count is a snapshot that may lag in-flight operations, it is exact
// once they quiesce.
func (m *Map[K, V]) Len() int {
	if m == nil {
		return 0
	}
	n := int64(0)
	for i := range m.shards {
		n += m.shards[i].size.Load()
	}
	return int(n)
}

// Range calls f for each key and value until f returns false.  It
// walks one consistent snapshot per shard, entries written while the
// walk runs may or may not be seen, each key is seen at most once.
func (m *Map[K, V]) Range(f func(key K, value V) bool) {
	if m == nil || m.hasher == nil {
		return
	}
	for i := range m.shards {
		s := &m.shards[i]
		r := s.loadReadOnly()
		if r.amended {
			s.mu.Lock()
			r = s.loadReadOnly()
			if r.amended {
				s.promoteLocked()
				r = s.loadReadOnly()
			}
			s.mu.Unlock()
		}
		for j := range r.pairs {
			p := &r.pairs[j]
			v, ok := p.e.load(m.expunged)
			if !ok {
				continue
			}
			if !f(p.k, v) {
				return
			}
		}
	}
}

func (s *shard[K, V]) missLocked() {
	s.misses++
	if s.misses < s.dirty.Len() {
		return
	}
	s.promoteLocked()
}

// promoteLocked publishes the dirty table as the new read table.  The
// pair list is built here, after publication the table is never
// touched again except through Get.
func (s *shard[K, V]) promoteLocked() {
	pairs := make([]pair[K, V], 0, s.dirty.Len())
	s.dirty.Iterate(func(k K, e *entry[V]) bool {
		pairs = append(pairs, pair[K, V]{k: k, e: e})
		return true
	})
	s.read.Store(&readOnly[K, V]{m: s.dirty, pairs: pairs})
	s.dirty = nil
	s.misses = 0
}

// dirtyLocked seeds a fresh dirty table from the read snapshot.
// Deleted entries are expunged instead of copied.
func (s *shard[K, V]) dirtyLocked(m *Map[K, V], r readOnly[K, V]) {
	if s.dirty != nil {
		return
	}
	hint := len(r.pairs) + 1
	if m.hint > hint {
		hint = m.hint
	}
	d, err := hashtable.NewMapWith[K, *entry[V]](
		hashtable.Config{Capacity: hint}, m.hasher, nil)
	if err != nil {
		panic(err)
	}
	for i := range r.pairs {
		p := &r.pairs[i]
		if !p.e.tryExpungeLocked(m.expunged) {
			if err := d.Set(p.k, p.e); err != nil {
				panic(err)
			}
		}
	}
	s.dirty = d
}

func (s *shard[K, V]) dirtySetLocked(k K, e *entry[V]) {
	if err := s.dirty.Set(k, e); err != nil {
		panic(err)
	}
}
