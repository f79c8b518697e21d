// Copyright (C) 2019-2025, Lux Industries, Inc. All rights reserved.
// See the file LICENSE for licensing terms.

// Package system assembles the agent pool, consensus engine, and workflows
// into a single verification service.
package system

import (
	"context"
	"crypto/rand"
	"fmt"
	"sync"
	"time"

	"github.com/luxfi/ids"
	"github.com/luxfi/log"
	"github.com/luxfi/math/set"
	"golang.org/x/time/rate"

	"github.com/luxfi/verify/agent"
	"github.com/luxfi/verify/consensus"
	"github.com/luxfi/verify/pool"
	"github.com/luxfi/verify/workflow"
)

const (
	recoveryParallel = 4
	recoveryAttempts = 3
)

// System is the top-level verification service. All methods are safe for
// concurrent use.
type System struct {
	log      log.Logger
	clock    agent.Clock
	pool     *pool.Pool
	engine   *consensus.Engine
	recovery *workflow.Recovery
	topology Topology
	metrics  *Collector
	limiter  *rate.Limiter

	monitoring   bool
	shutdownOnce sync.Once
}

// New builds a System from config, spawning config.PoolSize agents. If
// config.RecoveryInterval is set, a background monitor starts repairing
// unhealthy agents until Shutdown.
func New(config Config) (*System, error) {
	if err := config.Validate(); err != nil {
		return nil, err
	}
	logger := config.Logger
	if logger == nil {
		logger = log.NewNoOpLogger()
	}
	clock := agent.SystemClock()

	seed := make([]byte, 32)
	if _, err := rand.Read(seed); err != nil {
		return nil, fmt.Errorf("seeding id generator: %w", err)
	}
	gen := agent.NewIDGenerator(seed)

	var poolMetrics *pool.Metrics
	if config.Registerer != nil {
		var err error
		if poolMetrics, err = pool.NewMetrics(config.Registerer); err != nil {
			return nil, err
		}
	}
	factory := func() agent.Agent {
		return agent.NewSignatureAgent(gen, clock, logger)
	}
	p := pool.New(config.MaxPoolSize, factory, logger, poolMetrics)
	if err := p.Scale(config.PoolSize); err != nil {
		return nil, err
	}

	engine, err := consensus.NewEngine(config.consensusConfig(), logger)
	if err != nil {
		return nil, err
	}
	collector, err := NewCollector(clock, config.Registerer)
	if err != nil {
		return nil, err
	}

	limit := config.VerifyRate
	if limit == 0 {
		limit = rate.Inf
	}
	burst := max(1, config.VerifyBurst)

	s := &System{
		log:      logger,
		clock:    clock,
		pool:     p,
		engine:   engine,
		recovery: workflow.NewRecovery(p, recoveryParallel, recoveryAttempts, logger),
		topology: NewMesh(),
		metrics:  collector,
		limiter:  rate.NewLimiter(limit, burst),
	}
	s.syncTopology()

	if config.RecoveryInterval > 0 {
		s.monitoring = true
		go s.recovery.Monitor(context.Background(), config.RecoveryInterval)
	}

	logger.Info("verification system started",
		"poolSize", config.PoolSize,
		"threshold", config.Threshold,
		"monitoring", s.monitoring,
	)
	return s, nil
}

// VerifyWithConsensus runs a consensus round over all healthy agents. The
// returned result reports whether the threshold was met; an unmet threshold
// is not an error.
func (s *System) VerifyWithConsensus(ctx context.Context, message, signature, publicKey []byte) (consensus.Result, error) {
	if err := s.limiter.Wait(ctx); err != nil {
		return consensus.Result{}, fmt.Errorf("rate limit: %w", err)
	}
	s.metrics.recordAttempt()
	start := s.clock.Now()

	agents := s.pool.HealthyAgents()
	if len(agents) == 0 {
		s.metrics.recordFailure()
		return consensus.Result{}, pool.ErrPoolExhausted
	}

	result, err := s.engine.Verify(ctx, agents, message, signature, publicKey)
	s.metrics.recordDuration(s.clock.Now().Sub(start))
	if err != nil || !result.Reached {
		s.metrics.recordFailure()
		return result, err
	}
	s.metrics.recordSuccess()
	return result, nil
}

// ScalePool resizes the agent pool and keeps the topology in sync.
func (s *System) ScalePool(target int) error {
	if err := s.pool.Scale(target); err != nil {
		return err
	}
	s.syncTopology()
	s.log.Info("pool scaled", "target", target)
	return nil
}

// Recover makes one synchronous pass over unhealthy agents, independent of
// the background monitor.
func (s *System) Recover(ctx context.Context) (workflow.RecoveryResult, error) {
	return s.recovery.Execute(ctx)
}

// HealthCheck probes every agent and summarizes the pool's condition.
func (s *System) HealthCheck(ctx context.Context) HealthReport {
	return checkPool(ctx, s.pool, s.clock)
}

func (s *System) Metrics() Snapshot { return s.metrics.Snapshot() }

func (s *System) Pool() *pool.Pool { return s.pool }

func (s *System) Topology() Topology { return s.topology }

// Uptime is the time since the system started or since the last metrics
// reset.
func (s *System) Uptime() time.Duration { return s.metrics.Snapshot().Uptime }

// Shutdown stops the recovery monitor and releases all agents. It is safe
// to call more than once.
func (s *System) Shutdown() {
	s.shutdownOnce.Do(func() {
		if s.monitoring {
			s.recovery.Stop()
		}
		s.pool.Clear()
		s.syncTopology()
		s.log.Info("verification system stopped")
	})
}

func (s *System) syncTopology() {
	current := set.NewSet[ids.NodeID](s.pool.Len())
	for _, a := range s.pool.Agents() {
		current.Add(a.ID())
		s.topology.AddNode(a.ID())
	}
	for _, node := range s.topology.Nodes() {
		if !current.Contains(node) {
			s.topology.RemoveNode(node)
		}
	}
}
