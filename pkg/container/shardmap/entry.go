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
	"sync/atomic"

	"github.com/matrixorigin/momap/pkg/container/hashtable"
)

// entry is the slot a key maps to.  The pointer always swaps as a
// whole, so a reader either sees a complete value or none at all.
//
// p == nil: the key was deleted, the dirty table (if any) still holds
// the entry.  p == expunged: the key was deleted and then left out of
// the dirty table, storing it again must go through the shard lock.
type entry[V any] struct {
	p atomic.Pointer[V]
}

func newEntry[V any](v *V) *entry[V] {
	e := &entry[V]{}
	e.p.Store(v)
	return e
}

func (e *entry[V]) load(expunged *V) (V, bool) {
	p := e.p.Load()
	if p == nil || p == expunged {
		var zero V
		return zero, false
	}
	return *p, true
}

// trySwap swaps in v unless the entry is expunged.  wasNil reports
// whether the swap revived a deleted entry, for the size counter.
func (e *entry[V]) trySwap(v, expunged *V) (wasNil, swapped bool) {
	for {
		p := e.p.Load()
		if p == expunged {
			return false, false
		}
		if e.p.CompareAndSwap(p, v) {
			return p == nil, true
		}
	}
}

// unexpungeLocked flips an expunged entry back to nil so it can take a
// value again.  The caller holds the shard lock and must re-add the
// entry to the dirty table when this returns true.
func (e *entry[V]) unexpungeLocked(expunged *V) bool {
	return e.p.CompareAndSwap(expunged, nil)
}

// swapLocked stores v and returns the previous value.  The caller
// holds the shard lock and the entry is known not to be expunged.
func (e *entry[V]) swapLocked(v *V) *V {
	return e.p.Swap(v)
}

func (e *entry[V]) tryLoadOrStore(v, expunged *V) (actual V, loaded, ok bool) {
	p := e.p.Load()
	if p == expunged {
		var zero V
		return zero, false, false
	}
	if p != nil {
		return *p, true, true
	}
	for {
		if e.p.CompareAndSwap(nil, v) {
			return *v, false, true
		}
		p = e.p.Load()
		if p == expunged {
			var zero V
			return zero, false, false
		}
		if p != nil {
			return *p, true, true
		}
	}
}

func (e *entry[V]) delete(expunged *V) (*V, bool) {
	for {
		p := e.p.Load()
		if p == nil || p == expunged {
			return nil, false
		}
		if e.p.CompareAndSwap(p, nil) {
			return p, true
		}
	}
}

// tryExpungeLocked marks a deleted entry expunged so the dirty table
// can skip it.  The caller holds the shard lock.
func (e *entry[V]) tryExpungeLocked(expunged *V) bool {
	p := e.p.Load()
	for p == nil {
		if e.p.CompareAndSwap(nil, expunged) {
			return true
		}
		p = e.p.Load()
	}
	return p == expunged
}

type pair[K comparable, V any] struct {
	k K
	e *entry[V]
}

// readOnly is the immutable half of a shard.  m is never written after
// it is published, pairs lists its entries in table order so Range can
// walk them without touching the table.  amended means newer keys live
// only in the shard's dirty table.
type readOnly[K comparable, V any] struct {
	m       *hashtable.Map[K, *entry[V]]
	pairs   []pair[K, V]
	amended bool
}

func (r *readOnly[K, V]) get(key K) (*entry[V], bool) {
	return r.m.Get(key)
}
