// Copyright (C) 2019-2025, Lux Industries, Inc. All rights reserved.
// See the file LICENSE for licensing terms.

package system

import (
	"fmt"
	"sync/atomic"
	"time"

	"github.com/luxfi/metric"

	"github.com/luxfi/verify/agent"
)

// Collector accumulates verification counters for the lifetime of a System.
type Collector struct {
	clock agent.Clock
	start atomic.Int64 // unix nanos

	total      atomic.Uint64
	successful atomic.Uint64
	failed     atomic.Uint64
	timeMicros atomic.Uint64

	attempts  metric.Counter
	successes metric.Counter
	failures  metric.Counter
}

// NewCollector registers the system's counters with registerer; a nil
// registerer keeps the counters local.
func NewCollector(clock agent.Clock, registerer metric.Registerer) (*Collector, error) {
	c := &Collector{
		clock: clock,
		attempts: metric.NewCounter(metric.CounterOpts{
			Name: "verify_attempts",
			Help: "Number of consensus verifications attempted",
		}),
		successes: metric.NewCounter(metric.CounterOpts{
			Name: "verify_successes",
			Help: "Number of consensus verifications that reached agreement",
		}),
		failures: metric.NewCounter(metric.CounterOpts{
			Name: "verify_failures",
			Help: "Number of consensus verifications that failed",
		}),
	}
	c.start.Store(clock.Now().UnixNano())
	if registerer == nil {
		registerer = metric.NewNoOpRegistry()
	}
	for _, counter := range []metric.Counter{c.attempts, c.successes, c.failures} {
		if err := registerer.Register(metric.AsCollector(counter)); err != nil {
			return nil, fmt.Errorf("registering system metrics: %w", err)
		}
	}
	return c, nil
}

func (c *Collector) recordAttempt() {
	c.total.Add(1)
	c.attempts.Inc()
}

func (c *Collector) recordSuccess() {
	c.successful.Add(1)
	c.successes.Inc()
}

func (c *Collector) recordFailure() {
	c.failed.Add(1)
	c.failures.Inc()
}

func (c *Collector) recordDuration(d time.Duration) {
	c.timeMicros.Add(uint64(d.Microseconds()))
}

// Snapshot is a point-in-time view of the collector.
type Snapshot struct {
	Total      uint64
	Successful uint64
	Failed     uint64
	AvgLatency time.Duration
	Uptime     time.Duration
}

// SuccessRate is successful/total, or 0 with no verifications.
func (s Snapshot) SuccessRate() float64 {
	if s.Total == 0 {
		return 0
	}
	return float64(s.Successful) / float64(s.Total)
}

// Throughput is verifications per second of uptime.
func (s Snapshot) Throughput() float64 {
	secs := s.Uptime.Seconds()
	if secs <= 0 {
		return 0
	}
	return float64(s.Total) / secs
}

func (c *Collector) Snapshot() Snapshot {
	s := Snapshot{
		Total:      c.total.Load(),
		Successful: c.successful.Load(),
		Failed:     c.failed.Load(),
		Uptime:     c.clock.Now().Sub(time.Unix(0, c.start.Load())),
	}
	if s.Total > 0 {
		s.AvgLatency = time.Duration(c.timeMicros.Load()/s.Total) * time.Microsecond
	}
	return s
}

// Reset zeroes the counters and restarts the uptime clock. The registered
// prometheus counters are monotonic and are left alone.
func (c *Collector) Reset() {
	c.total.Store(0)
	c.successful.Store(0)
	c.failed.Store(0)
	c.timeMicros.Store(0)
	c.start.Store(c.clock.Now().UnixNano())
}
