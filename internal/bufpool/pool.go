package bufpool

import (
	"errors"
	"fmt"
	"sync/atomic"
)

var (
	// ErrDoubleRelease is returned when a buffer is released while already free.
	ErrDoubleRelease = errors.New("bufpool: buffer released twice")
	// ErrForeignBuffer is returned when a buffer from another pool is released.
	ErrForeignBuffer = errors.New("bufpool: buffer does not belong to this pool")
)

// Buffer is a fixed-capacity region of the pool slab. It is owned by exactly
// one holder between Acquire and Release.
type Buffer struct {
	pool  *Pool
	index int
	data  []byte
	inUse atomic.Bool
}

// Bytes returns the full region backing the buffer.
func (b *Buffer) Bytes() []byte {
	return b.data
}

// Index identifies the buffer within its pool.
func (b *Buffer) Index() int {
	return b.index
}

type Pool struct {
	size    int
	buffers []*Buffer
	free    chan *Buffer
	inUse   atomic.Int64
}

// New pre-allocates count buffers of size bytes each.
func New(count, size int) (*Pool, error) {
	if count < 1 {
		return nil, fmt.Errorf("bufpool: count must be positive, got %d", count)
	}
	if size < 1 {
		return nil, fmt.Errorf("bufpool: size must be positive, got %d", size)
	}

	slab := make([]byte, count*size)
	p := &Pool{
		size:    size,
		buffers: make([]*Buffer, count),
		free:    make(chan *Buffer, count),
	}

	for i := 0; i < count; i++ {
		b := &Buffer{
			pool:  p,
			index: i,
			data:  slab[i*size : (i+1)*size : (i+1)*size],
		}
		p.buffers[i] = b
		p.free <- b
	}

	return p, nil
}

// Acquire returns a free buffer, or false when the pool is exhausted.
func (p *Pool) Acquire() (*Buffer, bool) {
	select {
	case b := <-p.free:
		b.inUse.Store(true)
		p.inUse.Add(1)
		return b, true
	default:
		return nil, false
	}
}

// Release hands b back to the pool. Releasing a buffer that is already free
// is reported and otherwise ignored, so the free list never holds duplicates.
func (p *Pool) Release(b *Buffer) error {
	if b == nil || b.pool != p {
		return ErrForeignBuffer
	}

	if !b.inUse.CompareAndSwap(true, false) {
		return ErrDoubleRelease
	}

	p.inUse.Add(-1)
	p.free <- b
	return nil
}

// Cap returns the number of buffers owned by the pool.
func (p *Pool) Cap() int {
	return len(p.buffers)
}

// Size returns the capacity of each buffer in bytes.
func (p *Pool) Size() int {
	return p.size
}

// InUse returns the number of buffers currently acquired.
func (p *Pool) InUse() int {
	return int(p.inUse.Load())
}

// Available returns the number of buffers that can be acquired right now.
func (p *Pool) Available() int {
	return len(p.free)
}
