// Package buffer pools the copy buffers used by streaming transfers.
package buffer

import (
	"sync"
	"sync/atomic"
)

// bucket sizes; requests above the largest are allocated directly
var sizes = []int{
	32 << 10,
	64 << 10,
	128 << 10,
	256 << 10,
	512 << 10,
	1 << 20,
	4 << 20,
}

// BytePool hands out byte slices from fixed-size buckets so concurrent
// transfers do not each allocate a fresh copy buffer.
type BytePool struct {
	pools map[int]*sync.Pool

	gets   atomic.Int64
	misses atomic.Int64
}

// NewBytePool creates a pool with the standard buckets.
func NewBytePool() *BytePool {
	pools := make(map[int]*sync.Pool, len(sizes))
	for _, size := range sizes {
		pools[size] = &sync.Pool{
			New: func() any {
				b := make([]byte, size)
				return &b
			},
		}
	}
	return &BytePool{pools: pools}
}

// Get returns a slice of length size. Its capacity may be larger.
func (p *BytePool) Get(size int) []byte {
	p.gets.Add(1)
	for _, bucket := range sizes {
		if bucket >= size {
			b := p.pools[bucket].Get().(*[]byte)
			return (*b)[:size]
		}
	}
	p.misses.Add(1)
	return make([]byte, size)
}

// Put returns buf to its bucket. Slices not obtained from Get are dropped.
func (p *BytePool) Put(buf []byte) {
	pool, ok := p.pools[cap(buf)]
	if !ok {
		return
	}
	buf = buf[:cap(buf)]
	clear(buf)
	pool.Put(&buf)
}

// PoolStats counts requests and the ones too large for any bucket.
type PoolStats struct {
	Gets          int64 `json:"gets"`
	Oversized     int64 `json:"oversized"`
	MaxBufferSize int   `json:"max_buffer_size"`
}

func (p *BytePool) Stats() PoolStats {
	return PoolStats{
		Gets:          p.gets.Load(),
		Oversized:     p.misses.Load(),
		MaxBufferSize: sizes[len(sizes)-1],
	}
}
