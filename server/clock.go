package server

import (
	"sync/atomic"
	"time"
)

// Clock assigns timestamps to published messages. All instances in a cluster
// must share one time source so "newer than T" catch-up queries are race-free
// across nodes.
type Clock interface {
	Now() int64
}

// monotonicClock hands out strictly increasing microsecond timestamps even
// when the wall clock stalls or steps backwards.
type monotonicClock struct {
	last atomic.Int64
}

func NewClock() Clock {
	return &monotonicClock{}
}

func (c *monotonicClock) Now() int64 {
	for {
		now := time.Now().UnixMicro()
		last := c.last.Load()
		if now <= last {
			now = last + 1
		}
		if c.last.CompareAndSwap(last, now) {
			return now
		}
	}
}
