// Package bufpool provides a tiered slab allocator for wire frames.
//
// Frames read from tree edges vary from a few dozen bytes (control packets)
// to megabytes (large array payloads). Reusing slices across size classes
// keeps the receive path from allocating a fresh buffer per frame.
package bufpool

import (
	"sync"
	"sync/atomic"
)

// Size classes, powers of 4 from 256B to 1MB.
const (
	slab256B = 256
	slab1KB  = 1 << 10
	slab4KB  = 4 << 10
	slab16KB = 16 << 10
	slab64KB = 64 << 10
	slab256K = 256 << 10
	slab1MB  = 1 << 20
	numSlabs = 7
)

var slabSizes = [numSlabs]int{slab256B, slab1KB, slab4KB, slab16KB, slab64KB, slab256K, slab1MB}

// Stats contains pool hit/miss statistics.
type Stats struct {
	Hits   int64
	Misses int64
	Puts   int64
}

type pool struct {
	slabs [numSlabs]sync.Pool
	hits  atomic.Int64
	miss  atomic.Int64
	puts  atomic.Int64
}

var global = newPool()

func newPool() *pool {
	p := &pool{}
	for i := 0; i < numSlabs; i++ {
		size := slabSizes[i]
		p.slabs[i] = sync.Pool{
			New: func() any {
				b := make([]byte, size)
				return &b
			},
		}
	}
	return p
}

func slabFor(size int) int {
	for i := 0; i < numSlabs; i++ {
		if size <= slabSizes[i] {
			return i
		}
	}
	return -1
}

func slabByCap(c int) int {
	for i := 0; i < numSlabs; i++ {
		if c == slabSizes[i] {
			return i
		}
	}
	return -1
}

// Get returns a slice of length size. Sizes above 1MB are allocated directly.
// The contents are not zeroed; callers overwrite the whole slice.
func Get(size int) []byte {
	if size <= 0 {
		return nil
	}
	idx := slabFor(size)
	if idx < 0 {
		global.miss.Add(1)
		return make([]byte, size)
	}
	global.hits.Add(1)
	bp := global.slabs[idx].Get().(*[]byte)
	return (*bp)[:size]
}

// Put returns b to the pool. Slices that did not come from Get are dropped.
func Put(b []byte) {
	if b == nil {
		return
	}
	c := cap(b)
	idx := slabByCap(c)
	if idx < 0 {
		return
	}
	global.puts.Add(1)
	b = b[:c]
	global.slabs[idx].Put(&b)
}

// Snapshot returns current pool statistics.
func Snapshot() Stats {
	return Stats{
		Hits:   global.hits.Load(),
		Misses: global.miss.Load(),
		Puts:   global.puts.Load(),
	}
}
