// Copyright (C) 2019-2025, Lux Industries, Inc. All rights reserved.
// See the file LICENSE for licensing terms.

package consensus

import (
	"errors"
	"fmt"
	"time"

	"github.com/luxfi/ids"
	"github.com/luxfi/math/set"

	"github.com/luxfi/verify/agent"
)

var (
	ErrWrongRound       = errors.New("ballot for wrong round")
	ErrDuplicateBallot  = errors.New("duplicate ballot")
	ErrEquivocation     = errors.New("authority voted for multiple values")
	ErrTooManyBallots   = errors.New("authority exceeded ballot limit")
	ErrCollectionClosed = errors.New("vote collection window closed")
)

// Ballot is one authority's weighted vote for a value in a BFT round.
type Ballot struct {
	Round     uint64
	Authority ids.NodeID
	Value     ids.ID
	Weight    uint64
}

// CollectorConfig parameterizes a Collector.
type CollectorConfig struct {
	// Window bounds how long the collector accepts ballots.
	Window time.Duration
	// MaxBallotsPerAuthority caps repeated ballots from one authority.
	// Equivocation is rejected regardless of this limit.
	MaxBallotsPerAuthority int
}

// DefaultCollectorConfig allows one ballot per authority inside a thirty
// second window.
func DefaultCollectorConfig() CollectorConfig {
	return CollectorConfig{
		Window:                 30 * time.Second,
		MaxBallotsPerAuthority: 1,
	}
}

// Aggregation is the running tally for one candidate value.
type Aggregation struct {
	Value       ids.ID
	TotalWeight uint64
	Count       int
	Authorities set.Set[ids.NodeID]
}

// CollectorStats summarizes a collector's state.
type CollectorStats struct {
	Round         uint64
	TotalBallots  int
	UniqueValues  int
	Participating int
	TotalWeight   uint64
	LeadingWeight uint64
	Elapsed       time.Duration
	Closed        bool
}

// Collector gathers weighted ballots for a single round, rejecting
// duplicates and equivocation. Not safe for concurrent use; the BFT engine
// serializes access to its per-round collector.
type Collector struct {
	round   uint64
	config  CollectorConfig
	clock   agent.Clock
	started time.Time

	ballots map[ids.NodeID][]Ballot
	byValue map[ids.ID]*Aggregation
	total   int
}

// NewCollector opens a collection window for [round].
func NewCollector(round uint64, config CollectorConfig, clock agent.Clock) *Collector {
	return &Collector{
		round:   round,
		config:  config,
		clock:   clock,
		started: clock.Now(),
		ballots: make(map[ids.NodeID][]Ballot),
		byValue: make(map[ids.ID]*Aggregation),
	}
}

// Add records [b], or rejects it: wrong round, closed window, a duplicate
// from the same authority, or a conflicting value from an authority that
// already voted (equivocation, a byzantine signal).
func (c *Collector) Add(b Ballot) error {
	if b.Round != c.round {
		return fmt.Errorf("%w: expected %d, got %d", ErrWrongRound, c.round, b.Round)
	}
	if c.Closed() {
		return fmt.Errorf("%w: %s elapsed", ErrCollectionClosed, c.config.Window)
	}

	if prior := c.ballots[b.Authority]; len(prior) > 0 {
		if prior[0].Value != b.Value {
			return fmt.Errorf("%w: %s", ErrEquivocation, b.Authority)
		}
		if c.config.MaxBallotsPerAuthority <= 1 {
			return fmt.Errorf("%w: %s", ErrDuplicateBallot, b.Authority)
		}
		if len(prior) >= c.config.MaxBallotsPerAuthority {
			return fmt.Errorf("%w: %s cap %d",
				ErrTooManyBallots, b.Authority, c.config.MaxBallotsPerAuthority)
		}
	}

	agg, ok := c.byValue[b.Value]
	if !ok {
		agg = &Aggregation{
			Value:       b.Value,
			Authorities: set.NewSet[ids.NodeID](1),
		}
		c.byValue[b.Value] = agg
	}
	agg.TotalWeight += b.Weight
	agg.Count++
	agg.Authorities.Add(b.Authority)

	c.ballots[b.Authority] = append(c.ballots[b.Authority], b)
	c.total++
	return nil
}

// Aggregation returns the tally for [value], or nil when nobody voted for
// it.
func (c *Collector) Aggregation(value ids.ID) *Aggregation {
	return c.byValue[value]
}

// Leading returns the value with the most weight behind it, or nil when no
// ballots were recorded.
func (c *Collector) Leading() *Aggregation {
	var leading *Aggregation
	for _, agg := range c.byValue {
		if leading == nil || agg.TotalWeight > leading.TotalWeight {
			leading = agg
		}
	}
	return leading
}

// Authorities returns the set of authorities that voted.
func (c *Collector) Authorities() set.Set[ids.NodeID] {
	authorities := set.NewSet[ids.NodeID](len(c.ballots))
	for authority := range c.ballots {
		authorities.Add(authority)
	}
	return authorities
}

// TotalWeight sums the weight behind every candidate value.
func (c *Collector) TotalWeight() uint64 {
	var total uint64
	for _, agg := range c.byValue {
		total += agg.TotalWeight
	}
	return total
}

// Count returns the number of recorded ballots.
func (c *Collector) Count() int { return c.total }

// Closed reports whether the collection window has elapsed.
func (c *Collector) Closed() bool {
	return c.clock.Now().Sub(c.started) > c.config.Window
}

// Stats summarizes the collector.
func (c *Collector) Stats() CollectorStats {
	stats := CollectorStats{
		Round:         c.round,
		TotalBallots:  c.total,
		UniqueValues:  len(c.byValue),
		Participating: len(c.ballots),
		TotalWeight:   c.TotalWeight(),
		Elapsed:       c.clock.Now().Sub(c.started),
		Closed:        c.Closed(),
	}
	if leading := c.Leading(); leading != nil {
		stats.LeadingWeight = leading.TotalWeight
	}
	return stats
}
