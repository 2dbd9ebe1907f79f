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

package mpool

import (
	"math/bits"
	"sync"
	"sync/atomic"
	"unsafe"
)

const (
	// Size classes of the fixed pool, from 8 bytes to 64 KB.
	kMinClassBits = 3
	kMaxClassBits = 16
	kNumClasses   = kMaxClassBits - kMinClassBits + 1
	kMaxFixedSz   = 1 << kMaxClassBits

	kDefaultPoolCap = 64 * MB
)

// pool is a size classed cache of small memory blocks.  Blocks handed
// out by the pool are always fully zeroed.  The pool is safe for
// concurrent use.
//
// cached tracks bytes sitting in the class caches.  The counter is
// advisory, the runtime may drop cached blocks during GC without
// telling us.
type pool struct {
	cap     int64
	cached  atomic.Int64
	classes [kNumClasses]sync.Pool
}

func newPool(cap int64) *pool {
	if cap <= 0 {
		cap = kDefaultPoolCap
	}
	return &pool{cap: cap}
}

// classOf maps a byte size to its size class.  Caller checks the size
// fits kMaxFixedSz.
func classOf(sz int) int {
	if sz <= 1<<kMinClassBits {
		return 0
	}
	return bits.Len(uint(sz-1)) - kMinClassBits
}

func classSize(cls int) int {
	return 1 << (cls + kMinClassBits)
}

// getBlock takes a zeroed block from the class cache.  Returns false
// on a cache miss, caller then allocates from the heap.
func (cl *pool) getBlock(cls int) (unsafe.Pointer, bool) {
	p, ok := cl.classes[cls].Get().(unsafe.Pointer)
	if !ok || p == nil {
		return nil, false
	}
	cl.cached.Add(-int64(classSize(cls)))
	return p, true
}

// putBlock caches a block for reuse.  The block must already be fully
// zeroed.  Blocks over the cache cap are dropped and left to GC.
func (cl *pool) putBlock(cls int, p unsafe.Pointer) {
	csz := int64(classSize(cls))
	if cl.cached.Load()+csz > cl.cap {
		return
	}
	cl.cached.Add(csz)
	cl.classes[cls].Put(p)
}

// alloc returns a zeroed *T backed by the pool.  T must not contain
// pointers, the backing memory is a plain byte block and is invisible
// to the garbage collector's pointer scan.
func alloc[T any](cl *pool) *T {
	var v T
	sz := int(unsafe.Sizeof(v))
	if sz > kMaxFixedSz {
		return &v
	}
	cls := classOf(sz)
	if p, hit := cl.getBlock(cls); hit {
		return (*T)(p)
	}
	buf := make([]byte, classSize(cls))
	return (*T)(unsafe.Pointer(&buf[0]))
}

// free returns v to the pool.  v must have come from alloc on a pool
// with the same class layout and must not be used afterwards.
func free[T any](cl *pool, v *T) {
	if v == nil {
		return
	}
	sz := int(unsafe.Sizeof(*v))
	if sz > kMaxFixedSz {
		return
	}
	cls := classOf(sz)
	clear(unsafe.Slice((*byte)(unsafe.Pointer(v)), classSize(cls)))
	cl.putBlock(cls, unsafe.Pointer(v))
}
