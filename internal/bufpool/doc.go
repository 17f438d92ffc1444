// Package bufpool implements a fixed-capacity pool of relay buffers.
//
// All buffers are carved out of a single slab allocated by New, so the memory
// committed to in-flight connections is bounded for the lifetime of the
// process. Acquire never blocks and never allocates: an exhausted pool simply
// reports that no buffer is available, which callers use as their
// backpressure signal.
//
// Usage:
//
//	pool, err := bufpool.New(512, 32*1024)
//	buf, ok := pool.Acquire()
//	if !ok {
//	    // stop accepting until a buffer is released
//	}
//	defer pool.Release(buf)
package bufpool
