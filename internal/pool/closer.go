package pool

import (
	"fmt"
	"io"
	"log/slog"
	"sync"
	"sync/atomic"
)

// closer closes evicted connections on a fixed set of workers so eviction
// never waits on the network. Close failures are logged and discarded.
type closer struct {
	jobs    chan io.Closer
	workers sync.WaitGroup
	mu      sync.Mutex
	idle    *sync.Cond
	pending int
	closed  bool
	logger  *slog.Logger

	closedCount atomic.Int64
	failedCount atomic.Int64
}

func newCloser(workers, queue int, logger *slog.Logger) *closer {
	if workers <= 0 {
		workers = 2
	}
	if queue <= 0 {
		queue = 64
	}
	c := &closer{
		jobs:   make(chan io.Closer, queue),
		logger: logger,
	}
	c.idle = sync.NewCond(&c.mu)
	for i := 0; i < workers; i++ {
		c.workers.Add(1)
		go c.run()
	}
	return c
}

func (c *closer) run() {
	defer c.workers.Done()
	for conn := range c.jobs {
		c.closeOne(conn)
		c.done()
	}
}

func (c *closer) closeOne(conn io.Closer) {
	defer func() {
		if r := recover(); r != nil {
			c.failedCount.Add(1)
			c.logger.Warn("panic closing connection", "panic", fmt.Sprint(r))
		}
	}()

	if err := conn.Close(); err != nil {
		c.failedCount.Add(1)
		c.logger.Debug("close connection failed", "error", err)
		return
	}
	c.closedCount.Add(1)
}

// enqueue schedules conn for closing without blocking. When the queue is
// full or the closer has shut down the close runs on its own goroutine,
// still tracked by drain.
func (c *closer) enqueue(conn io.Closer) {
	if conn == nil {
		return
	}

	c.mu.Lock()
	c.pending++
	if !c.closed {
		select {
		case c.jobs <- conn:
			c.mu.Unlock()
			return
		default:
		}
	}
	c.mu.Unlock()

	go func() {
		c.closeOne(conn)
		c.done()
	}()
}

func (c *closer) done() {
	c.mu.Lock()
	c.pending--
	if c.pending == 0 {
		c.idle.Broadcast()
	}
	c.mu.Unlock()
}

// drain waits until every close scheduled so far has finished. Closes
// enqueued while it waits are waited for too.
func (c *closer) drain() {
	c.mu.Lock()
	for c.pending > 0 {
		c.idle.Wait()
	}
	c.mu.Unlock()
}

// shutdown stops the workers and drains outstanding closes. Connections
// enqueued afterwards are still closed.
func (c *closer) shutdown() {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return
	}
	c.closed = true
	close(c.jobs)
	c.mu.Unlock()

	c.workers.Wait()
	c.drain()
}
