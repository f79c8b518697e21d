// Copyright (C) 2019-2025, Lux Industries, Inc. All rights reserved.
// See the file LICENSE for licensing terms.

package workflow

import (
	"context"
	"errors"
	"testing"

	"github.com/luxfi/ids"
	"github.com/luxfi/log"
	"github.com/stretchr/testify/require"

	"github.com/luxfi/verify/agent"
	"github.com/luxfi/verify/consensus"
	"github.com/luxfi/verify/pool"
)

// stubAgent answers verifications with a canned verdict so workflow
// policies can be tested without real signatures.
type stubAgent struct {
	id         ids.NodeID
	health     *agent.Health
	valid      bool
	recoverErr error
}

func newStubAgent(gen agent.IDGenerator, valid bool) *stubAgent {
	return &stubAgent{
		id:     gen.NextID(),
		health: agent.NewHealth(agent.SystemClock()),
		valid:  valid,
	}
}

func (s *stubAgent) ID() ids.NodeID        { return s.id }
func (s *stubAgent) Health() *agent.Health { return s.health }

func (s *stubAgent) HealthCheck() error {
	if !s.health.IsHealthy() {
		return agent.ErrUnhealthy
	}
	return nil
}

func (s *stubAgent) Verify(ctx context.Context, _, _, _ []byte) (bool, error) {
	if err := ctx.Err(); err != nil {
		return false, err
	}
	return s.valid, nil
}

func (s *stubAgent) Recover(context.Context) error {
	if s.recoverErr != nil {
		return s.recoverErr
	}
	switch s.health.Status() {
	case agent.StatusError, agent.StatusQuarantined:
		if err := s.health.SetStatus(agent.StatusRecovering); err != nil {
			return err
		}
		return s.health.SetStatus(agent.StatusHealthy)
	default:
		return nil
	}
}

// stubPool builds a pool holding [valid] approving and [invalid] rejecting
// stub agents.
func stubPool(t *testing.T, valid, invalid int) *pool.Pool {
	t.Helper()
	gen := agent.NewIDGenerator([]byte(t.Name()))
	p := pool.New(valid+invalid+1, func() agent.Agent {
		return newStubAgent(gen, true)
	}, log.NewNoOpLogger(), nil)

	for range valid {
		require.NoError(t, p.Add(newStubAgent(gen, true)))
	}
	for range invalid {
		require.NoError(t, p.Add(newStubAgent(gen, false)))
	}
	return p
}

func newTestVerification(t *testing.T, p *pool.Pool) *Verification {
	t.Helper()
	w, err := NewVerification(p, consensus.DefaultConfig(), log.NewNoOpLogger())
	require.NoError(t, err)
	return w
}

func TestVerificationConsensus(t *testing.T) {
	require := require.New(t)

	w := newTestVerification(t, stubPool(t, 5, 0))
	result, err := w.Execute(context.Background(), []byte("msg"), nil, nil)
	require.NoError(err)

	require.True(result.Reached)
	require.Equal(5, result.VotesFor)
	require.Equal(5, result.TotalVotes)
}

func TestVerificationNotReached(t *testing.T) {
	require := require.New(t)

	w := newTestVerification(t, stubPool(t, 2, 3))
	_, err := w.Execute(context.Background(), []byte("msg"), nil, nil)

	notReached := &NotReachedError{}
	require.ErrorAs(err, &notReached)
	require.Equal(2, notReached.VotesFor)
	require.Equal(5, notReached.Total)
	require.Equal(0.67, notReached.Threshold)
}

func TestVerificationInsufficientAgents(t *testing.T) {
	w := newTestVerification(t, stubPool(t, 2, 0))
	_, err := w.Execute(context.Background(), []byte("msg"), nil, nil)
	require.ErrorIs(t, err, ErrInsufficientAgents)
}

func TestVerificationPoolExhausted(t *testing.T) {
	require := require.New(t)

	p := stubPool(t, 3, 0)
	for _, a := range p.Agents() {
		require.NoError(a.Health().SetStatus(agent.StatusError))
	}

	w := newTestVerification(t, p)
	_, err := w.Execute(context.Background(), []byte("msg"), nil, nil)
	require.ErrorIs(err, pool.ErrPoolExhausted)
}

func TestVerificationSkipsUnhealthyAgents(t *testing.T) {
	require := require.New(t)

	// 3 approving healthy agents plus 2 rejecting agents parked in Error:
	// only the healthy ones vote.
	p := stubPool(t, 3, 2)
	for _, a := range p.Agents() {
		if errors.Is(a.HealthCheck(), agent.ErrUnhealthy) {
			continue
		}
		if s, ok := a.(*stubAgent); ok && !s.valid {
			require.NoError(a.Health().SetStatus(agent.StatusError))
		}
	}

	w := newTestVerification(t, p)
	result, err := w.Execute(context.Background(), []byte("msg"), nil, nil)
	require.NoError(err)
	require.Equal(3, result.TotalVotes)
	require.True(result.Reached)
}
