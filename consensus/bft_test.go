// Copyright (C) 2019-2025, Lux Industries, Inc. All rights reserved.
// See the file LICENSE for licensing terms.

package consensus

import (
	"testing"
	"time"

	"github.com/luxfi/ids"
	"github.com/luxfi/log"
	"github.com/stretchr/testify/require"

	"github.com/luxfi/verify/agent"
)

func testAuthorities(t *testing.T, count int) []Authority {
	t.Helper()
	gen := agent.NewIDGenerator([]byte(t.Name()))
	authorities := make([]Authority, count)
	for i := range authorities {
		authorities[i] = Authority{ID: gen.NextID(), Weight: 100}
	}
	return authorities
}

func newTestBFT(t *testing.T, count int) (*BFT, []Authority, *agent.FakeClock) {
	t.Helper()
	authorities := testAuthorities(t, count)
	clock := agent.NewFakeClock(time.Unix(1700000000, 0))

	config := DefaultBFTConfig()
	// Base weights only: reputation multipliers drift with history and
	// would make quorum arithmetic opaque in tests.
	config.UseReputationWeights = false

	b, err := NewBFT(config, authorities, clock, log.NewNoOpLogger())
	require.NoError(t, err)
	return b, authorities, clock
}

func ballot(round uint64, authority ids.NodeID, value ids.ID) Ballot {
	return Ballot{Round: round, Authority: authority, Value: value}
}

func TestBFTInsufficientAuthorities(t *testing.T) {
	authorities := testAuthorities(t, 2)
	clock := agent.NewFakeClock(time.Unix(1700000000, 0))
	_, err := NewBFT(DefaultBFTConfig(), authorities, clock, log.NewNoOpLogger())
	require.ErrorIs(t, err, ErrInsufficientAuthorities)
}

func TestBFTFullRound(t *testing.T) {
	require := require.New(t)

	b, authorities, _ := newTestBFT(t, 4)
	value := ids.ID{1}

	require.NoError(b.StartRound(1, value, authorities[0].ID))
	require.Equal(PhaseIdle, b.Phase())

	require.NoError(b.HandlePrePrepare(value))
	require.Equal(PhasePrePrepare, b.Phase())

	// 3 of 4 weight-100 authorities clears ceil(400 * 0.67) = 268.
	require.NoError(b.SubmitBallot(ballot(1, authorities[0].ID, value)))
	require.Equal(PhasePrepare, b.Phase())
	require.NoError(b.SubmitBallot(ballot(1, authorities[1].ID, value)))
	require.NoError(b.SubmitBallot(ballot(1, authorities[2].ID, value)))
	require.Equal(PhaseCommit, b.Phase())

	require.NoError(b.SubmitBallot(ballot(1, authorities[0].ID, value)))
	require.NoError(b.SubmitBallot(ballot(1, authorities[1].ID, value)))
	require.False(b.Decided())
	require.NoError(b.SubmitBallot(ballot(1, authorities[2].ID, value)))

	require.True(b.Decided())
	require.Equal(PhaseDecided, b.Phase())

	decision := b.Decision()
	require.Equal(value, decision.Value)
	require.Equal(uint64(300), decision.TotalWeight)
	require.Equal(3, decision.Authorities.Len())

	require.ErrorIs(b.StartRound(2, value, authorities[0].ID), ErrAlreadyDecided)
}

func TestBFTPrimaryStartsPrePrepare(t *testing.T) {
	require := require.New(t)

	b, _, _ := newTestBFT(t, 4)
	primary := b.Primary()
	require.NoError(b.StartRound(1, ids.ID{1}, primary))
	require.Equal(PhasePrePrepare, b.Phase())
}

func TestBFTBallotBeforeRound(t *testing.T) {
	b, authorities, _ := newTestBFT(t, 4)
	err := b.SubmitBallot(ballot(1, authorities[0].ID, ids.ID{1}))
	require.ErrorIs(t, err, ErrNoActiveRound)
}

func TestBFTEquivocationPenalized(t *testing.T) {
	require := require.New(t)

	b, authorities, _ := newTestBFT(t, 4)
	require.NoError(b.StartRound(1, ids.ID{1}, authorities[0].ID))
	require.NoError(b.HandlePrePrepare(ids.ID{1}))

	require.NoError(b.SubmitBallot(ballot(1, authorities[0].ID, ids.ID{1})))
	err := b.SubmitBallot(ballot(1, authorities[0].ID, ids.ID{2}))
	require.ErrorIs(err, ErrEquivocation)

	entry, err := b.Reputation().Entry(authorities[0].ID)
	require.NoError(err)
	require.Equal(uint64(1), entry.ByzantineFaults)
	require.False(entry.Trustworthy(0.1))
	require.Equal(1, b.quorum.ByzantineCount())
	require.True(b.quorum.FaultTolerant())
}

func TestBFTViewChange(t *testing.T) {
	require := require.New(t)

	b, authorities, _ := newTestBFT(t, 4)
	require.NoError(b.StartRound(1, ids.ID{1}, authorities[0].ID))

	// 2 of 4 is below the 2/3 bar.
	require.NoError(b.HandleViewChange(1, authorities[0].ID))
	require.NoError(b.HandleViewChange(1, authorities[1].ID))
	require.Zero(b.View())

	require.NoError(b.HandleViewChange(1, authorities[2].ID))
	require.Equal(uint64(1), b.View())
	require.Equal(PhaseViewChange, b.Phase())
}

func TestBFTPrimaryRotation(t *testing.T) {
	require := require.New(t)

	b, authorities, _ := newTestBFT(t, 4)
	first := b.Primary()

	for _, a := range authorities[:3] {
		require.NoError(b.HandleViewChange(1, a.ID))
	}
	require.NotEqual(first, b.Primary())
}

func TestBFTPhaseTimeout(t *testing.T) {
	require := require.New(t)

	b, authorities, clock := newTestBFT(t, 4)
	require.NoError(b.StartRound(1, ids.ID{1}, authorities[0].ID))
	require.NoError(b.HandlePrePrepare(ids.ID{1}))

	require.NoError(b.CheckTimeout(authorities[0].ID))

	clock.Advance(time.Minute)
	require.ErrorIs(b.CheckTimeout(authorities[0].ID), ErrViewChangeRequired)
}

func TestCollectorRejectsWrongRound(t *testing.T) {
	c := NewCollector(1, DefaultCollectorConfig(), agent.SystemClock())
	gen := agent.NewIDGenerator([]byte(t.Name()))
	err := c.Add(Ballot{Round: 2, Authority: gen.NextID(), Value: ids.ID{1}, Weight: 1})
	require.ErrorIs(t, err, ErrWrongRound)
}

func TestCollectorRejectsDuplicate(t *testing.T) {
	require := require.New(t)

	c := NewCollector(1, DefaultCollectorConfig(), agent.SystemClock())
	gen := agent.NewIDGenerator([]byte(t.Name()))
	authority := gen.NextID()

	require.NoError(c.Add(Ballot{Round: 1, Authority: authority, Value: ids.ID{1}, Weight: 1}))
	err := c.Add(Ballot{Round: 1, Authority: authority, Value: ids.ID{1}, Weight: 1})
	require.ErrorIs(err, ErrDuplicateBallot)
}

func TestCollectorClosesWindow(t *testing.T) {
	require := require.New(t)

	clock := agent.NewFakeClock(time.Unix(1700000000, 0))
	c := NewCollector(1, DefaultCollectorConfig(), clock)
	gen := agent.NewIDGenerator([]byte(t.Name()))

	clock.Advance(time.Minute)
	err := c.Add(Ballot{Round: 1, Authority: gen.NextID(), Value: ids.ID{1}, Weight: 1})
	require.ErrorIs(err, ErrCollectionClosed)
	require.True(c.Closed())
}

func TestCollectorLeadingByWeight(t *testing.T) {
	require := require.New(t)

	c := NewCollector(1, DefaultCollectorConfig(), agent.SystemClock())
	gen := agent.NewIDGenerator([]byte(t.Name()))

	require.NoError(c.Add(Ballot{Round: 1, Authority: gen.NextID(), Value: ids.ID{1}, Weight: 100}))
	require.NoError(c.Add(Ballot{Round: 1, Authority: gen.NextID(), Value: ids.ID{2}, Weight: 200}))
	require.NoError(c.Add(Ballot{Round: 1, Authority: gen.NextID(), Value: ids.ID{2}, Weight: 150}))

	leading := c.Leading()
	require.Equal(ids.ID{2}, leading.Value)
	require.Equal(uint64(350), leading.TotalWeight)
	require.Equal(2, leading.Count)

	stats := c.Stats()
	require.Equal(3, stats.TotalBallots)
	require.Equal(2, stats.UniqueValues)
	require.Equal(3, stats.Participating)
	require.Equal(uint64(450), stats.TotalWeight)
	require.Equal(uint64(350), stats.LeadingWeight)
}

func TestReputationScoring(t *testing.T) {
	require := require.New(t)

	r := NewReputations(DefaultReputationConfig())
	gen := agent.NewIDGenerator([]byte(t.Name()))
	authority := gen.NextID()

	_, err := r.Entry(authority)
	require.ErrorIs(err, ErrAuthorityNotFound)

	r.Register(authority)
	entry, err := r.Entry(authority)
	require.NoError(err)
	require.Equal(1.0, entry.Reputation)
	require.Equal(1.0, entry.Accuracy())
	require.Equal(1.0, entry.Reliability())

	require.NoError(r.RecordCorrect(authority))
	entry, err = r.Entry(authority)
	require.NoError(err)
	require.Greater(entry.Reputation, 1.0)

	require.NoError(r.RecordIncorrect(authority))
	require.NoError(r.RecordTimeout(authority))
	entry, err = r.Entry(authority)
	require.NoError(err)
	require.Equal(0.5, entry.Accuracy())
	require.InDelta(2.0/3.0, entry.Reliability(), 1e-9)
}

func TestReputationBounds(t *testing.T) {
	require := require.New(t)

	config := DefaultReputationConfig()
	r := NewReputations(config)
	gen := agent.NewIDGenerator([]byte(t.Name()))
	authority := gen.NextID()
	r.Register(authority)

	for range 200 {
		require.NoError(r.RecordCorrect(authority))
	}
	entry, err := r.Entry(authority)
	require.NoError(err)
	require.Equal(config.Max, entry.Reputation)

	for range 200 {
		require.NoError(r.RecordIncorrect(authority))
	}
	entry, err = r.Entry(authority)
	require.NoError(err)
	require.Equal(config.Min, entry.Reputation)
}

func TestReputationWeighted(t *testing.T) {
	require := require.New(t)

	r := NewReputations(DefaultReputationConfig())
	gen := agent.NewIDGenerator([]byte(t.Name()))
	authority := gen.NextID()
	r.Register(authority)

	require.NoError(r.RecordCorrect(authority))
	require.NoError(r.RecordCorrect(authority))
	require.NoError(r.RecordTimeout(authority))

	weighted, err := r.Weighted(authority)
	require.NoError(err)
	entry, err := r.Entry(authority)
	require.NoError(err)
	// The timeout drags reliability, so the multiplier sits below the raw
	// reputation.
	require.Less(weighted, entry.Reputation)
}

func TestReputationDecayAndRanking(t *testing.T) {
	require := require.New(t)

	r := NewReputations(DefaultReputationConfig())
	gen := agent.NewIDGenerator([]byte(t.Name()))

	a, b := gen.NextID(), gen.NextID()
	r.Register(a)
	r.Register(b)
	require.NoError(r.RecordCorrect(a))

	r.Decay()
	entry, err := r.Entry(b)
	require.NoError(err)
	require.Less(entry.Reputation, 1.0)

	ranked := r.Ranked()
	require.Len(ranked, 2)
	require.Equal(a, ranked[0].Authority)

	stats := r.Stats()
	require.Equal(2, stats.Total)
	require.Equal(2, stats.Trustworthy)
	require.Zero(stats.Byzantine)
}
