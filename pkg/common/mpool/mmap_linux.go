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
	"golang.org/x/sys/unix"

	"github.com/matrixorigin/momap/pkg/common/moerr"
)

// osAlloc maps sz bytes of zeroed anonymous memory, off the go heap.
func osAlloc(sz int) ([]byte, error) {
	b, err := unix.Mmap(-1, 0, sz,
		unix.PROT_READ|unix.PROT_WRITE,
		unix.MAP_PRIVATE|unix.MAP_ANON)
	if err != nil {
		return nil, moerr.NewOOM()
	}
	return b, nil
}

// osFree unmaps a region returned by osAlloc.  b must be the whole
// mapping.
func osFree(b []byte) {
	if err := unix.Munmap(b); err != nil {
		panic(moerr.NewInternalError("munmap failed: %v", err))
	}
}
