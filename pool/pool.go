// Copyright (C) 2019-2025, Lux Industries, Inc. All rights reserved.
// See the file LICENSE for licensing terms.

// Package pool maintains a bounded set of verification agents, tracks their
// health, and hands out healthy agents to callers.
package pool

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"
	"sync/atomic"

	"github.com/luxfi/ids"
	"github.com/luxfi/log"

	"github.com/luxfi/verify/agent"
)

var (
	ErrPoolFull      = errors.New("pool is full")
	ErrPoolExhausted = errors.New("no healthy agents in pool")
	ErrAgentNotFound = errors.New("agent not found")
	ErrInvalidTarget = errors.New("invalid pool target size")
)

// HealthCheckError reports every agent that failed a pool-wide health check.
type HealthCheckError struct {
	IDs []ids.NodeID
}

func (e *HealthCheckError) Error() string {
	strs := make([]string, len(e.IDs))
	for i, id := range e.IDs {
		strs[i] = id.String()
	}
	return fmt.Sprintf("%d unhealthy agents: %s", len(e.IDs), strings.Join(strs, ", "))
}

// Factory constructs a new agent for the pool during scale-up.
type Factory func() agent.Agent

// HealthSummary is an aggregate view of the pool's agents by status.
type HealthSummary struct {
	Total       int
	Healthy     int
	Busy        int
	Errored     int
	Recovering  int
	Quarantined int
}

// HealthyPercentage returns the share of agents in the Healthy state, in
// [0, 100]. An empty pool reports 0.
func (s HealthSummary) HealthyPercentage() float64 {
	if s.Total == 0 {
		return 0
	}
	return float64(s.Healthy) / float64(s.Total) * 100
}

// Pool is a bounded collection of agents keyed by node ID.
type Pool struct {
	log     log.Logger
	factory Factory
	maxSize int
	metrics *metrics

	mu     sync.RWMutex
	agents map[ids.NodeID]agent.Agent

	rotation atomic.Uint64
}

// New returns an empty pool that holds at most [maxSize] agents and uses
// [factory] to mint agents during scale-up.
func New(maxSize int, factory Factory, logger log.Logger, m *Metrics) *Pool {
	inner := newNoopMetrics()
	if m != nil {
		inner = m.inner
	}
	return &Pool{
		log:     logger,
		factory: factory,
		maxSize: maxSize,
		metrics: inner,
		agents:  make(map[ids.NodeID]agent.Agent, maxSize),
	}
}

// Add inserts [a] into the pool. The agent must pass its own health check,
// and the pool must have room.
func (p *Pool) Add(a agent.Agent) error {
	if err := a.HealthCheck(); err != nil {
		return err
	}

	p.mu.Lock()
	defer p.mu.Unlock()

	if len(p.agents) >= p.maxSize {
		return fmt.Errorf("%w: size %d", ErrPoolFull, p.maxSize)
	}
	p.agents[a.ID()] = a
	p.metrics.size.Set(float64(len(p.agents)))
	p.log.Debug("agent added to pool", "agent", a.ID(), "size", len(p.agents))
	return nil
}

// Remove evicts the agent with [id] from the pool.
func (p *Pool) Remove(id ids.NodeID) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if _, ok := p.agents[id]; !ok {
		return fmt.Errorf("%w: %s", ErrAgentNotFound, id)
	}
	delete(p.agents, id)
	p.metrics.size.Set(float64(len(p.agents)))
	p.log.Debug("agent removed from pool", "agent", id, "size", len(p.agents))
	return nil
}

// Len returns the number of agents in the pool.
func (p *Pool) Len() int {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return len(p.agents)
}

// MaxSize returns the pool's capacity.
func (p *Pool) MaxSize() int { return p.maxSize }

// Agents returns a snapshot of every agent in the pool, ordered by ID so
// repeated calls are stable.
func (p *Pool) Agents() []agent.Agent {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.sorted()
}

func (p *Pool) sorted() []agent.Agent {
	agents := make([]agent.Agent, 0, len(p.agents))
	for _, a := range p.agents {
		agents = append(agents, a)
	}
	sort.Slice(agents, func(i, j int) bool {
		return bytes.Compare(agents[i].ID().Bytes(), agents[j].ID().Bytes()) < 0
	})
	return agents
}

// HealthyAgents returns every agent currently passing its health check.
func (p *Pool) HealthyAgents() []agent.Agent {
	all := p.Agents()
	healthy := make([]agent.Agent, 0, len(all))
	for _, a := range all {
		if a.HealthCheck() == nil {
			healthy = append(healthy, a)
		}
	}
	return healthy
}

// HealthyAgent returns one healthy agent, rotating through the healthy set
// so concurrent callers spread load, or ErrPoolExhausted when none passes
// its health check.
func (p *Pool) HealthyAgent() (agent.Agent, error) {
	healthy := p.HealthyAgents()
	if len(healthy) == 0 {
		return nil, ErrPoolExhausted
	}
	n := p.rotation.Add(1)
	return healthy[int(n-1)%len(healthy)], nil
}

// Scale grows or shrinks the pool to [target] agents. Growth mints agents
// from the factory; shrinkage evicts the highest-ID agents, preferring to
// keep healthy ones. [target] must be in [0, maxSize].
func (p *Pool) Scale(target int) error {
	if target < 0 || target > p.maxSize {
		return fmt.Errorf("%w: %d not in [0, %d]", ErrInvalidTarget, target, p.maxSize)
	}

	p.mu.Lock()
	defer p.mu.Unlock()
	defer func() { p.metrics.size.Set(float64(len(p.agents))) }()

	// Minted agents pass through the same health gate as Add.
	for len(p.agents) < target {
		a := p.factory()
		if err := a.HealthCheck(); err != nil {
			return fmt.Errorf("scaling up: %w", err)
		}
		p.agents[a.ID()] = a
	}

	if len(p.agents) > target {
		victims := p.shrinkVictims(len(p.agents) - target)
		for _, id := range victims {
			delete(p.agents, id)
		}
	}

	p.log.Info("pool scaled", "size", len(p.agents))
	return nil
}

// shrinkVictims picks [n] agents to evict, unhealthy agents first, then by
// descending ID. Assumes p.mu is held.
func (p *Pool) shrinkVictims(n int) []ids.NodeID {
	agents := p.sorted()
	sort.SliceStable(agents, func(i, j int) bool {
		iBad := agents[i].HealthCheck() != nil
		jBad := agents[j].HealthCheck() != nil
		if iBad != jBad {
			return iBad
		}
		return bytes.Compare(agents[i].ID().Bytes(), agents[j].ID().Bytes()) > 0
	})

	victims := make([]ids.NodeID, 0, n)
	for _, a := range agents[:n] {
		victims = append(victims, a.ID())
	}
	return victims
}

// HealthCheckAll runs every agent's health check concurrently. It returns a
// *HealthCheckError naming the failing agents, or nil when all pass.
func (p *Pool) HealthCheckAll(ctx context.Context) error {
	agents := p.Agents()

	var (
		wg     sync.WaitGroup
		mu     sync.Mutex
		failed []ids.NodeID
	)
	for _, a := range agents {
		wg.Add(1)
		go func(a agent.Agent) {
			defer wg.Done()
			if ctx.Err() != nil {
				return
			}
			if err := a.HealthCheck(); err != nil {
				mu.Lock()
				failed = append(failed, a.ID())
				mu.Unlock()
			}
		}(a)
	}
	wg.Wait()

	if err := ctx.Err(); err != nil {
		return err
	}

	p.metrics.unhealthy.Set(float64(len(failed)))
	if len(failed) == 0 {
		return nil
	}
	sort.Slice(failed, func(i, j int) bool {
		return bytes.Compare(failed[i].Bytes(), failed[j].Bytes()) < 0
	})
	return &HealthCheckError{IDs: failed}
}

// HealthSummary tallies the pool's agents by lifecycle status.
func (p *Pool) HealthSummary() HealthSummary {
	summary := HealthSummary{}
	for _, a := range p.Agents() {
		summary.Total++
		switch a.Health().Status() {
		case agent.StatusHealthy:
			summary.Healthy++
		case agent.StatusBusy:
			summary.Busy++
		case agent.StatusError:
			summary.Errored++
		case agent.StatusRecovering:
			summary.Recovering++
		case agent.StatusQuarantined:
			summary.Quarantined++
		}
	}
	return summary
}

// Clear drops every agent from the pool.
func (p *Pool) Clear() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.agents = make(map[ids.NodeID]agent.Agent, p.maxSize)
	p.metrics.size.Set(0)
}
