// Copyright (C) 2019-2025, Lux Industries, Inc. All rights reserved.
// See the file LICENSE for licensing terms.

// Package workflow composes agents, the pool, and the consensus engine into
// the library's higher-level tasks: single verification with a hard quorum
// requirement, chunked batch verification, pool self-healing, and trust
// chain validation.
package workflow

import (
	"context"
	"errors"
	"fmt"

	"github.com/luxfi/log"

	"github.com/luxfi/verify/consensus"
	"github.com/luxfi/verify/pool"
)

// minAgents is the smallest pool a byzantine-tolerant verification can run
// against (2f+1 with f=1).
const minAgents = 3

var ErrInsufficientAgents = errors.New("byzantine fault tolerance requires at least 3 agents")

// NotReachedError reports a verification whose affirmative votes fell short
// of the required quorum.
type NotReachedError struct {
	VotesFor  int
	Total     int
	Threshold float64
}

func (e *NotReachedError) Error() string {
	return fmt.Sprintf("consensus not reached: %d/%d votes, threshold %.2f",
		e.VotesFor, e.Total, e.Threshold)
}

// Verification runs single signature verifications across the pool's
// healthy agents, treating a missed quorum as a failure. This is a stricter
// policy than the engine's: the engine reports Reached=false as a normal
// outcome, while callers of this workflow want authorization semantics
// where shortfall must not pass silently.
type Verification struct {
	pool   *pool.Pool
	engine *consensus.Engine
	log    log.Logger
}

// NewVerification builds the workflow around [p] and an engine configured
// with [config].
func NewVerification(p *pool.Pool, config consensus.Config, logger log.Logger) (*Verification, error) {
	engine, err := consensus.NewEngine(config, logger)
	if err != nil {
		return nil, err
	}
	return &Verification{
		pool:   p,
		engine: engine,
		log:    logger,
	}, nil
}

// Execute verifies one signature across every healthy agent. It fails with
// ErrPoolExhausted when no agent is healthy, ErrInsufficientAgents below
// the byzantine minimum, and *NotReachedError when affirmative votes fall
// short of ceil(total * threshold).
func (w *Verification) Execute(ctx context.Context, message, signature, publicKey []byte) (consensus.Result, error) {
	agents := w.pool.HealthyAgents()
	if len(agents) == 0 {
		return consensus.Result{}, pool.ErrPoolExhausted
	}
	if len(agents) < minAgents {
		return consensus.Result{}, fmt.Errorf("%w: have %d", ErrInsufficientAgents, len(agents))
	}

	result, err := w.engine.Verify(ctx, agents, message, signature, publicKey)
	if err != nil {
		return consensus.Result{}, err
	}

	required := consensus.RequiredVotes(result.TotalVotes, result.Threshold)
	if result.VotesFor < required {
		return result, &NotReachedError{
			VotesFor:  result.VotesFor,
			Total:     result.TotalVotes,
			Threshold: result.Threshold,
		}
	}

	w.log.Info("verification reached consensus",
		"votesFor", result.VotesFor,
		"totalVotes", result.TotalVotes,
	)
	return result, nil
}
