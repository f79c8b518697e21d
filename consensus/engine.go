// Copyright (C) 2019-2025, Lux Industries, Inc. All rights reserved.
// See the file LICENSE for licensing terms.

// Package consensus turns independent agent verifications into collective
// decisions: a threshold engine that scatters one task across a set of
// agents and tallies votes, plus quorum math, a vote collector, reputation
// tracking, and a phase-based BFT engine for weighted authorization.
package consensus

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/luxfi/log"

	"github.com/luxfi/verify/agent"
)

const (
	// timeoutReason marks votes recorded because an agent missed the
	// per-agent deadline.
	timeoutReason = "timeout"
	// cancelledReason marks votes recorded because the caller's context
	// was cancelled before the agent answered.
	cancelledReason = "cancelled"

	defaultThreshold = 0.67
	defaultTimeout   = 5 * time.Second
)

var (
	ErrNoAgents         = errors.New("no agents available for consensus")
	ErrInvalidThreshold = errors.New("threshold must be in (0, 1]")
	ErrInvalidTimeout   = errors.New("timeout must be positive")
)

// Config parameterizes an Engine.
type Config struct {
	// Threshold is the affirmative ratio required to reach consensus, in
	// (0, 1].
	Threshold float64
	// Timeout bounds each individual agent's verification.
	Timeout time.Duration
}

// DefaultConfig returns a 2/3 threshold with a five second per-agent
// timeout.
func DefaultConfig() Config {
	return Config{
		Threshold: defaultThreshold,
		Timeout:   defaultTimeout,
	}
}

func (c Config) Validate() error {
	if c.Threshold <= 0 || c.Threshold > 1 {
		return fmt.Errorf("%w: %f", ErrInvalidThreshold, c.Threshold)
	}
	if c.Timeout <= 0 {
		return fmt.Errorf("%w: %s", ErrInvalidTimeout, c.Timeout)
	}
	return nil
}

// Engine runs threshold consensus rounds over sets of agents.
type Engine struct {
	config Config
	log    log.Logger
}

// NewEngine returns an engine with the given config.
func NewEngine(config Config, logger log.Logger) (*Engine, error) {
	if err := config.Validate(); err != nil {
		return nil, err
	}
	return &Engine{
		config: config,
		log:    logger,
	}, nil
}

// Config returns the engine's configuration.
func (e *Engine) Config() Config { return e.config }

// Verify fans the task out to every agent concurrently and tallies the
// votes. Every agent produces exactly one vote: a verification error or a
// missed deadline becomes a negative vote with a reason, never a missing
// one. Not reaching the threshold is a normal outcome, not an error.
func (e *Engine) Verify(ctx context.Context, agents []agent.Agent, message, signature, publicKey []byte) (Result, error) {
	if len(agents) == 0 {
		return Result{}, ErrNoAgents
	}

	votes := make([]Vote, len(agents))
	var wg sync.WaitGroup
	for i, a := range agents {
		wg.Add(1)
		go func(i int, a agent.Agent) {
			defer wg.Done()
			votes[i] = e.collectVote(ctx, a, message, signature, publicKey)
		}(i, a)
	}
	wg.Wait()

	// Stable order: tallying is commutative, but callers diffing results
	// shouldn't see votes shuffle between identical rounds.
	sort.Slice(votes, func(i, j int) bool {
		return bytes.Compare(votes[i].Agent.Bytes(), votes[j].Agent.Bytes()) < 0
	})

	votesFor := 0
	for _, v := range votes {
		if v.Valid {
			votesFor++
		}
	}

	result := Result{
		VotesFor:   votesFor,
		TotalVotes: len(votes),
		Threshold:  e.config.Threshold,
		Votes:      votes,
	}
	result.Reached = result.Ratio() >= e.config.Threshold

	e.log.Debug("consensus round complete",
		"votesFor", result.VotesFor,
		"totalVotes", result.TotalVotes,
		"reached", result.Reached,
	)
	return result, nil
}

// collectVote runs one agent's verification under the per-agent deadline.
// On expiry the agent call is abandoned; it keeps running but its answer is
// discarded.
func (e *Engine) collectVote(ctx context.Context, a agent.Agent, message, signature, publicKey []byte) Vote {
	ctx, cancel := context.WithTimeout(ctx, e.config.Timeout)
	defer cancel()

	type answer struct {
		valid bool
		err   error
	}
	ch := make(chan answer, 1)
	start := time.Now()
	go func() {
		valid, err := a.Verify(ctx, message, signature, publicKey)
		ch <- answer{valid: valid, err: err}
	}()

	select {
	case ans := <-ch:
		vote := Vote{
			Agent:   a.ID(),
			Valid:   ans.valid && ans.err == nil,
			Latency: time.Since(start),
		}
		switch {
		case errors.Is(ans.err, context.DeadlineExceeded):
			// The agent noticed the deadline itself; same vote either way.
			vote.Reason = timeoutReason
		case errors.Is(ans.err, context.Canceled):
			vote.Reason = cancelledReason
		case ans.err != nil:
			vote.Reason = ans.err.Error()
		}
		return vote
	case <-ctx.Done():
		reason := timeoutReason
		if errors.Is(ctx.Err(), context.Canceled) {
			reason = cancelledReason
		}
		e.log.Debug("agent vote expired", "agent", a.ID(), "reason", reason)
		return Vote{
			Agent:   a.ID(),
			Valid:   false,
			Reason:  reason,
			Latency: time.Since(start),
		}
	}
}
