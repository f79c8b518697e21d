// Copyright (C) 2019-2025, Lux Industries, Inc. All rights reserved.
// See the file LICENSE for licensing terms.

package agent

import (
	"sync"
	"time"
)

// Clock abstracts wall-clock reads so health bookkeeping is deterministic in
// tests. Injected through constructors; production code uses SystemClock.
type Clock interface {
	Now() time.Time
}

type systemClock struct{}

func (systemClock) Now() time.Time { return time.Now() }

// SystemClock returns a Clock backed by time.Now.
func SystemClock() Clock { return systemClock{} }

// FakeClock is a settable Clock for tests. It is safe for concurrent use.
type FakeClock struct {
	mu   sync.RWMutex
	time time.Time
}

// NewFakeClock returns a FakeClock pinned to [t].
func NewFakeClock(t time.Time) *FakeClock {
	return &FakeClock{time: t}
}

func (c *FakeClock) Now() time.Time {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.time
}

// Advance moves the clock forward by [d].
func (c *FakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.time = c.time.Add(d)
}
