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
	"fmt"
	"runtime"
	"strings"
	"sync"
	"sync/atomic"
	"unsafe"

	"github.com/matrixorigin/momap/pkg/common/moerr"
	"github.com/matrixorigin/momap/pkg/logutil"
)

// Mo's extremely simple memory pool.
// Stats

// Some commonly used size
const (
	B  = 1
	KB = 1024
	MB = 1024 * KB
	GB = 1024 * MB
	TB = 1024 * GB
	PB = 1024 * TB
)

// MPoolStats is smallish, so reserve copy
type MPoolStats struct {
	NumAlloc      atomic.Int64 // number of allocations
	NumFree       atomic.Int64 // number of frees
	NumAllocBytes atomic.Int64 // number of bytes allocated
	NumFreeBytes  atomic.Int64 // number of bytes freed
	NumCurrBytes  atomic.Int64 // current number of live bytes
	HighWaterMark atomic.Int64 // high water mark of live bytes
}

// Report generates a short text report of the stats.
func (s *MPoolStats) Report(tab string) string {
	if s.HighWaterMark.Load() == 0 {
		// empty, reduce noise.
		return ""
	}

	var sb strings.Builder
	fmt.Fprintf(&sb, "%s allocations : %d\n", tab, s.NumAlloc.Load())
	fmt.Fprintf(&sb, "%s frees : %d\n", tab, s.NumFree.Load())
	fmt.Fprintf(&sb, "%s alloc bytes : %d\n", tab, s.NumAllocBytes.Load())
	fmt.Fprintf(&sb, "%s free bytes : %d\n", tab, s.NumFreeBytes.Load())
	fmt.Fprintf(&sb, "%s current bytes : %d\n", tab, s.NumCurrBytes.Load())
	fmt.Fprintf(&sb, "%s high water mark : %d\n", tab, s.HighWaterMark.Load())
	return sb.String()
}

func (s *MPoolStats) ReportJson() string {
	return fmt.Sprintf(`{"alloc": %d, "free": %d, "alloc_bytes": %d, "free_bytes": %d, "curr_bytes": %d, "high_water_mark": %d}`,
		s.NumAlloc.Load(), s.NumFree.Load(),
		s.NumAllocBytes.Load(), s.NumFreeBytes.Load(),
		s.NumCurrBytes.Load(), s.HighWaterMark.Load())
}

func (s *MPoolStats) updateHighWaterMark(tag string, curr int64) {
	hwm := s.HighWaterMark.Load()
	for curr > hwm {
		if s.HighWaterMark.CompareAndSwap(hwm, curr) {
			if hwm/GB != curr/GB {
				logutil.Infof("mpool %s new high water mark %d", tag, curr)
			}
			break
		}
		hwm = s.HighWaterMark.Load()
	}
}

// RecordAlloc records an allocation of sz bytes.
func (s *MPoolStats) RecordAlloc(tag string, sz int64) int64 {
	s.NumAlloc.Add(1)
	s.NumAllocBytes.Add(sz)
	curr := s.NumCurrBytes.Add(sz)
	s.updateHighWaterMark(tag, curr)
	return curr
}

// rollbackAlloc undoes a RecordAlloc after a failed capacity check.
// High water mark is left alone, an overshoot that was rolled back
// still happened.
func (s *MPoolStats) rollbackAlloc(sz int64) {
	s.NumAlloc.Add(-1)
	s.NumAllocBytes.Add(-sz)
	s.NumCurrBytes.Add(-sz)
}

// RecordFree records a free of sz bytes.
func (s *MPoolStats) RecordFree(tag string, sz int64) int64 {
	s.NumFree.Add(1)
	s.NumFreeBytes.Add(sz)
	curr := s.NumCurrBytes.Add(-sz)
	if curr < 0 {
		panic(moerr.NewInternalError("mpool %s freed more bytes than alloc", tag))
	}
	return curr
}

// RecordQuotaAlloc accounts sz live bytes that are not individual
// allocations.  Fixed pool cache hits and Reserve quota go through
// here, they move the live byte counters but not the alloc counters.
func (s *MPoolStats) RecordQuotaAlloc(tag string, sz int64) int64 {
	curr := s.NumCurrBytes.Add(sz)
	s.updateHighWaterMark(tag, curr)
	return curr
}

func (s *MPoolStats) rollbackQuotaAlloc(sz int64) {
	s.NumCurrBytes.Add(-sz)
}

func (s *MPoolStats) RecordQuotaFree(tag string, sz int64) int64 {
	curr := s.NumCurrBytes.Add(-sz)
	if curr < 0 {
		panic(moerr.NewInternalError("mpool %s released more bytes than reserved", tag))
	}
	return curr
}

// RecordManyFrees records a batch of frees, used when a pool is
// destroyed and its outstanding bytes are returned in one shot.
func (s *MPoolStats) RecordManyFrees(tag string, nfree, sz int64) int64 {
	s.NumFree.Add(nfree)
	s.NumFreeBytes.Add(sz)
	curr := s.NumCurrBytes.Add(-sz)
	if curr < 0 {
		panic(moerr.NewInternalError("mpool %s freed more bytes than alloc", tag))
	}
	return curr
}

const (
	kMemHdrSz = 16
	// Allocations of at least this many bytes, header included, are
	// served by the OS mapper instead of the go heap.
	kMmapThreshold = MB

	kLargeIdx = int8(-1)
	kMmapIdx  = int8(-2)
)

// Memory header layout, frozen at 16 bytes.  The header lives
// immediately before the data returned by Alloc.
type memHdr struct {
	poolId       int64
	allocSz      int32
	fixedPoolIdx int8
	guard        [3]uint8
}

func (pHdr *memHdr) SetGuard() {
	pHdr.guard[0] = 0xDE
	pHdr.guard[1] = 0xAD
	pHdr.guard[2] = 0xBF
}

func (pHdr *memHdr) CheckGuard() bool {
	return pHdr.guard[0] == 0xDE && pHdr.guard[1] == 0xAD && pHdr.guard[2] == 0xBF
}

// Pool flags.
const (
	// NoFixed disables the fixed size class cache of the pool.
	NoFixed = 1
)

// The global stats and the registry of all pools.
var globalStats MPoolStats
var globalCap atomic.Int64
var globalPools sync.Map
var nextPoolId atomic.Int64

// GlobalCap returns the process wide cap of mpool allocated bytes.
func GlobalCap() int64 {
	if c := globalCap.Load(); c > 0 {
		return c
	}
	return PB
}

// SetGlobalCap sets the process wide cap.  Zero resets to no limit.
func SetGlobalCap(cap int64) {
	globalCap.Store(cap)
}

// GlobalStats returns the process wide allocation stats.
func GlobalStats() *MPoolStats {
	return &globalStats
}

// MPool is a sized and named memory pool.  Alloc/Free hand out byte
// slices carrying a hidden header, Reserve/Release move quota only and
// are used to account go managed memory against the pool cap.
//
// An MPool is not a nursery of objects, it is an accounting domain.
// All methods are safe for concurrent use.
type MPool struct {
	id       int64
	tag      string
	cap      int64
	stats    MPoolStats
	reserved atomic.Int64
	deleted  atomic.Bool
	fixed    *pool
	details  atomic.Pointer[mpoolDetails]
}

// NewMPool creates a pool.  cap limits the total live bytes of this
// pool, zero means no limit.  fixedCap limits the bytes cached by the
// fixed size class pool, zero picks a default.  flag is a bitwise or
// of pool flags.
func NewMPool(tag string, cap int64, fixedCap int64, flag int) (*MPool, error) {
	if cap < 0 {
		return nil, moerr.NewInvalidArg("mpool cap", cap)
	}
	if cap > 0 && cap < MB {
		return nil, moerr.NewBadConfig("mpool cap %d too small", cap)
	}
	if cap > GlobalCap() {
		return nil, moerr.NewBadConfig("mpool cap %d exceeds global cap %d", cap, GlobalCap())
	}

	mp := &MPool{
		id:  nextPoolId.Add(1),
		tag: tag,
		cap: cap,
	}
	if flag&NoFixed == 0 {
		mp.fixed = newPool(fixedCap)
	}
	globalPools.Store(mp.id, mp)
	return mp, nil
}

func MustNew(tag string) *MPool {
	mp, err := NewMPool(tag, 0, 0, 0)
	if err != nil {
		panic(err)
	}
	return mp
}

func MustNewZero() *MPool {
	return MustNew("zero_default")
}

func MustNewNoFixed(tag string) *MPool {
	mp, err := NewMPool(tag, 0, 0, NoFixed)
	if err != nil {
		panic(err)
	}
	return mp
}

func MustNewZeroNoFixed() *MPool {
	return MustNewNoFixed("zero_default_no_fixed")
}

// DeleteMPool unregisters the pool and returns its outstanding bytes
// to the global accounting.  Using the pool afterwards is an error.
func DeleteMPool(mp *MPool) {
	if mp == nil {
		return
	}
	if !mp.deleted.CompareAndSwap(false, true) {
		return
	}
	globalPools.Delete(mp.id)

	curr := mp.stats.NumCurrBytes.Load()
	if curr != 0 {
		logutil.Warnf("mpool %s deleted with %d bytes still live", mp.tag, curr)
	}
	nleak := mp.stats.NumAlloc.Load() - mp.stats.NumFree.Load()
	if nleak > 0 || curr > 0 {
		globalStats.RecordManyFrees(mp.tag, nleak, curr)
	}
	mp.fixed = nil
}

func (mp *MPool) Tag() string {
	return mp.tag
}

// Cap returns the pool cap, no limit reads as PB.
func (mp *MPool) Cap() int64 {
	if mp.cap == 0 {
		return PB
	}
	return mp.cap
}

// CurrNB returns the current number of live bytes of the pool,
// reserved quota included.
func (mp *MPool) CurrNB() int64 {
	return mp.stats.NumCurrBytes.Load()
}

func (mp *MPool) Stats() *MPoolStats {
	return &mp.stats
}

// Reserved returns the bytes currently held as quota by Reserve.
func (mp *MPool) Reserved() int64 {
	return mp.reserved.Load()
}

// EnableDetailRecording starts per call site recording of alloc and
// free, see ReportJson.
func (mp *MPool) EnableDetailRecording() {
	if mp.details.Load() == nil {
		mp.details.Store(newMpoolDetails())
	}
}

func (mp *MPool) DisableDetailRecording() {
	mp.details.Store(nil)
}

// Alloc allocates a zeroed byte slice of sz bytes from the pool.
func (mp *MPool) Alloc(sz int) ([]byte, error) {
	if sz < 0 {
		return nil, moerr.NewInvalidArg("mpool alloc size", sz)
	}
	if sz == 0 {
		return nil, nil
	}
	if mp.deleted.Load() {
		return nil, moerr.NewInvalidState("mpool %s already deleted", mp.tag)
	}

	tsz := sz + kMemHdrSz

	// Small sizes are served by the fixed pool.  Cached bytes count as
	// live quota, not as allocations.
	if mp.fixed != nil && tsz <= kMaxFixedSz {
		cls := classOf(tsz)
		gcurr := globalStats.RecordQuotaAlloc("global", int64(sz))
		if gcurr > GlobalCap() {
			globalStats.rollbackQuotaAlloc(int64(sz))
			return nil, moerr.NewOOM()
		}
		mycurr := mp.stats.RecordQuotaAlloc(mp.tag, int64(sz))
		if mycurr > mp.Cap() {
			mp.stats.rollbackQuotaAlloc(int64(sz))
			globalStats.rollbackQuotaAlloc(int64(sz))
			return nil, moerr.NewOOM()
		}
		if d := mp.details.Load(); d != nil {
			d.recordAlloc(int64(sz))
		}

		p, hit := mp.fixed.getBlock(cls)
		if !hit {
			buf := make([]byte, classSize(cls))
			p = unsafe.Pointer(&buf[0])
		}
		blk := unsafe.Slice((*byte)(p), classSize(cls))
		hdr := (*memHdr)(p)
		hdr.poolId = mp.id
		hdr.allocSz = int32(sz)
		hdr.fixedPoolIdx = int8(cls)
		hdr.SetGuard()
		return blk[kMemHdrSz : kMemHdrSz+sz : kMemHdrSz+sz], nil
	}

	gcurr := globalStats.RecordAlloc("global", int64(sz))
	if gcurr > GlobalCap() {
		globalStats.rollbackAlloc(int64(sz))
		return nil, moerr.NewOOM()
	}
	mycurr := mp.stats.RecordAlloc(mp.tag, int64(sz))
	if mycurr > mp.Cap() {
		mp.stats.rollbackAlloc(int64(sz))
		globalStats.rollbackAlloc(int64(sz))
		return nil, moerr.NewOOM()
	}
	if d := mp.details.Load(); d != nil {
		d.recordAlloc(int64(sz))
	}

	var blk []byte
	idx := kLargeIdx
	if tsz >= kMmapThreshold {
		var err error
		blk, err = osAlloc(tsz)
		if err != nil {
			mp.stats.rollbackAlloc(int64(sz))
			globalStats.rollbackAlloc(int64(sz))
			return nil, err
		}
		idx = kMmapIdx
	} else {
		blk = make([]byte, tsz)
	}
	hdr := (*memHdr)(unsafe.Pointer(&blk[0]))
	hdr.poolId = mp.id
	hdr.allocSz = int32(sz)
	hdr.fixedPoolIdx = idx
	hdr.SetGuard()
	return blk[kMemHdrSz : kMemHdrSz+sz : kMemHdrSz+sz], nil
}

// Free returns bs to the pool.  bs must have come from Alloc or
// Realloc.  Freeing into the wrong pool is routed to the owner.
func (mp *MPool) Free(bs []byte) {
	if bs == nil || cap(bs) == 0 {
		return
	}

	p := unsafe.Pointer(unsafe.SliceData(bs))
	hdr := (*memHdr)(unsafe.Add(p, -kMemHdrSz))
	if !hdr.CheckGuard() {
		panic(moerr.NewInternalError("mpool %s free, corrupted guard", mp.tag))
	}
	if hdr.poolId != mp.id {
		// Cross pool free, route to the owner.
		owner, ok := globalPools.Load(hdr.poolId)
		if !ok {
			panic(moerr.NewInternalError("mpool %s free, owner pool %d is gone", mp.tag, hdr.poolId))
		}
		owner.(*MPool).Free(bs)
		return
	}
	if hdr.allocSz == -1 {
		panic(moerr.NewInternalError("mpool %s free, double free", mp.tag))
	}

	sz := int(hdr.allocSz)
	if d := mp.details.Load(); d != nil {
		d.recordFree(int64(sz))
	}

	switch hdr.fixedPoolIdx {
	case kMmapIdx:
		mp.stats.RecordFree(mp.tag, int64(sz))
		globalStats.RecordFree("global", int64(sz))
		whole := unsafe.Slice((*byte)(unsafe.Pointer(hdr)), sz+kMemHdrSz)
		osFree(whole)
	case kLargeIdx:
		hdr.allocSz = -1
		mp.stats.RecordFree(mp.tag, int64(sz))
		globalStats.RecordFree("global", int64(sz))
	default:
		cls := int(hdr.fixedPoolIdx)
		mp.stats.RecordQuotaFree(mp.tag, int64(sz))
		globalStats.RecordQuotaFree("global", int64(sz))
		if mp.fixed != nil {
			blkp := unsafe.Pointer(hdr)
			clear(unsafe.Slice((*byte)(blkp), classSize(cls)))
			mp.fixed.putBlock(cls, blkp)
		}
	}
}

// Realloc grows or shrinks an allocation.  Growing always moves, the
// old content is copied and the tail of the new slice is zeroed.
func (mp *MPool) Realloc(old []byte, sz int) ([]byte, error) {
	if sz <= cap(old) {
		return old[:sz], nil
	}
	ret, err := mp.Alloc(sz)
	if err != nil {
		return nil, err
	}
	copy(ret, old)
	mp.Free(old)
	return ret, nil
}

// Reserve takes sz bytes of quota from the pool without allocating.
// Callers use it to account go managed memory, objects that cannot
// live in raw bytes, against the pool cap.  Returns OOM and changes
// nothing when the quota does not fit.
func (mp *MPool) Reserve(sz int64) error {
	if sz < 0 {
		return moerr.NewInvalidArg("mpool reserve size", sz)
	}
	if sz == 0 {
		return nil
	}
	if mp.deleted.Load() {
		return moerr.NewInvalidState("mpool %s already deleted", mp.tag)
	}

	gcurr := globalStats.RecordQuotaAlloc("global", sz)
	if gcurr > GlobalCap() {
		globalStats.rollbackQuotaAlloc(sz)
		return moerr.NewOOM()
	}
	mycurr := mp.stats.RecordQuotaAlloc(mp.tag, sz)
	if mycurr > mp.Cap() {
		mp.stats.rollbackQuotaAlloc(sz)
		globalStats.rollbackQuotaAlloc(sz)
		return moerr.NewOOM()
	}
	mp.reserved.Add(sz)
	return nil
}

// Release returns quota taken by Reserve.
func (mp *MPool) Release(sz int64) {
	if sz <= 0 {
		return
	}
	if mp.reserved.Add(-sz) < 0 {
		panic(moerr.NewInternalError("mpool %s released more quota than reserved", mp.tag))
	}
	mp.stats.RecordQuotaFree(mp.tag, sz)
	globalStats.RecordQuotaFree("global", sz)
}

func (mp *MPool) ReportJson() string {
	var sb strings.Builder
	fmt.Fprintf(&sb, `{"%s": %s`, mp.tag, mp.stats.ReportJson())
	if d := mp.details.Load(); d != nil {
		sb.WriteString(`, "detailed_alloc": `)
		sb.WriteString(d.reportJson())
	}
	sb.WriteString("}")
	return sb.String()
}

// ReportMemUsage reports the mem usage of pools as a json string.
// Empty tag reports everything, "global" reports the process wide
// stats, otherwise pools with a matching tag are reported.
func ReportMemUsage(tag string) string {
	gstat := fmt.Sprintf(`{"global": %s}`, globalStats.ReportJson())
	if tag == "global" {
		return "[" + gstat + "]"
	}

	var ss []string
	if tag == "" {
		ss = append(ss, gstat)
	}
	globalPools.Range(func(_, v any) bool {
		p := v.(*MPool)
		if tag == "" || p.tag == tag {
			ss = append(ss, p.ReportJson())
		}
		return true
	})
	return "[" + strings.Join(ss, ",\n") + "]"
}

type detailInfo struct {
	cnt, bytes int64
}

type mpoolDetails struct {
	mu    sync.Mutex
	alloc map[string]detailInfo
	free  map[string]detailInfo
}

func newMpoolDetails() *mpoolDetails {
	return &mpoolDetails{
		alloc: make(map[string]detailInfo),
		free:  make(map[string]detailInfo),
	}
}

func callerKey() string {
	// 0 is callerKey, 1 is record, 2 is Alloc/Free, 3 is the user.
	_, file, line, ok := runtime.Caller(3)
	if !ok {
		return "unknown"
	}
	return fmt.Sprintf("%s:%d", file, line)
}

func (d *mpoolDetails) recordAlloc(nb int64) {
	k := callerKey()
	d.mu.Lock()
	defer d.mu.Unlock()
	info := d.alloc[k]
	info.cnt += 1
	info.bytes += nb
	d.alloc[k] = info
}

func (d *mpoolDetails) recordFree(nb int64) {
	k := callerKey()
	d.mu.Lock()
	defer d.mu.Unlock()
	info := d.free[k]
	info.cnt += 1
	info.bytes += nb
	d.free[k] = info
}

func (d *mpoolDetails) reportJson() string {
	d.mu.Lock()
	defer d.mu.Unlock()

	var sb strings.Builder
	sb.WriteString(`{"alloc": {`)
	first := true
	for k, v := range d.alloc {
		if !first {
			sb.WriteString(", ")
		}
		first = false
		fmt.Fprintf(&sb, `"%s": {"cnt": %d, "bytes": %d}`, k, v.cnt, v.bytes)
	}
	sb.WriteString(`}, "free": {`)
	first = true
	for k, v := range d.free {
		if !first {
			sb.WriteString(", ")
		}
		first = false
		fmt.Fprintf(&sb, `"%s": {"cnt": %d, "bytes": %d}`, k, v.cnt, v.bytes)
	}
	sb.WriteString("}}")
	return sb.String()
}
