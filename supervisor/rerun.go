package supervisor

import (
	"slices"
	"sync"
	"time"
)

// coalescer batches re-run requests so that at most one re-run starts per
// interval. Requests arriving while a re-run is in progress are merged into
// the next one.
type coalescer struct {
	last     time.Time
	timer    *time.Timer
	run      func(dirty []string)
	pending  []string
	interval time.Duration
	wg       sync.WaitGroup
	mu       sync.Mutex
	running  bool
	closed   bool
}

func newCoalescer(interval time.Duration, run func(dirty []string)) *coalescer {
	return &coalescer{interval: interval, run: run}
}

func (c *coalescer) request(dirty []string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return
	}
	for _, id := range dirty {
		if !slices.Contains(c.pending, id) {
			c.pending = append(c.pending, id)
		}
	}
	c.scheduleLocked()
}

func (c *coalescer) scheduleLocked() {
	if c.running || c.timer != nil || len(c.pending) == 0 {
		return
	}
	delay := time.Until(c.last.Add(c.interval))
	if delay < 0 {
		delay = 0
	}
	c.wg.Add(1)
	c.timer = time.AfterFunc(delay, c.flush)
}

func (c *coalescer) flush() {
	defer c.wg.Done()

	c.mu.Lock()
	c.timer = nil
	if c.closed || len(c.pending) == 0 {
		c.mu.Unlock()
		return
	}
	dirty := c.pending
	c.pending = nil
	c.running = true
	c.last = time.Now()
	c.mu.Unlock()

	c.run(dirty)

	c.mu.Lock()
	c.running = false
	if !c.closed {
		c.scheduleLocked()
	}
	c.mu.Unlock()
}

// close drops pending requests and waits for a re-run in progress.
func (c *coalescer) close() {
	c.mu.Lock()
	c.closed = true
	c.pending = nil
	if c.timer != nil && c.timer.Stop() {
		c.timer = nil
		c.wg.Done()
	}
	c.mu.Unlock()
	c.wg.Wait()
}
