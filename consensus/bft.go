// Copyright (C) 2019-2025, Lux Industries, Inc. All rights reserved.
// See the file LICENSE for licensing terms.

package consensus

import (
	"errors"
	"fmt"
	"time"

	"github.com/luxfi/ids"
	"github.com/luxfi/log"
	"github.com/luxfi/math/set"

	"github.com/luxfi/verify/agent"
)

// Phase is a PBFT round phase.
type Phase uint8

const (
	PhaseIdle Phase = iota
	PhasePrePrepare
	PhasePrepare
	PhaseCommit
	PhaseDecided
	PhaseViewChange
)

func (p Phase) String() string {
	switch p {
	case PhaseIdle:
		return "idle"
	case PhasePrePrepare:
		return "pre-prepare"
	case PhasePrepare:
		return "prepare"
	case PhaseCommit:
		return "commit"
	case PhaseDecided:
		return "decided"
	case PhaseViewChange:
		return "view-change"
	default:
		return "unknown"
	}
}

var (
	ErrNoActiveRound      = errors.New("no active round")
	ErrWrongPhase         = errors.New("wrong phase for message")
	ErrAlreadyDecided     = errors.New("consensus already reached")
	ErrViewChangeRequired = errors.New("phase timed out, view change required")
)

// BFTConfig parameterizes a BFT instance.
type BFTConfig struct {
	Quorum     QuorumConfig
	Collector  CollectorConfig
	Reputation ReputationConfig
	// PhaseTimeout bounds each phase before a view change is demanded.
	PhaseTimeout time.Duration
	// UseReputationWeights scales each ballot's weight by the authority's
	// reputation multiplier.
	UseReputationWeights bool
}

// DefaultBFTConfig tolerates one byzantine authority with reputation
// weighting on.
func DefaultBFTConfig() BFTConfig {
	return BFTConfig{
		Quorum:               ByzantineQuorumConfig(1),
		Collector:            DefaultCollectorConfig(),
		Reputation:           DefaultReputationConfig(),
		PhaseTimeout:         30 * time.Second,
		UseReputationWeights: true,
	}
}

// Decision is the outcome of a decided BFT round.
type Decision struct {
	Round       uint64
	Value       ids.ID
	TotalWeight uint64
	Authorities set.Set[ids.NodeID]
}

type roundState struct {
	round      uint64
	phase      Phase
	proposed   ids.ID
	hasProp    bool
	prepare    *Collector
	commit     *Collector
	phaseStart time.Time
}

// BFT runs three-phase weighted consensus rounds over a fixed authority
// set. It is a single participant's state machine: messages arrive through
// HandlePrePrepare, SubmitBallot, and HandleViewChange. Not safe for
// concurrent use.
type BFT struct {
	config     BFTConfig
	log        log.Logger
	clock      agent.Clock
	quorum     *Quorum
	reputation *Reputations

	currentRound uint64
	currentView  uint64
	state        *roundState
	decision     *Decision
	viewVotes    map[uint64]set.Set[ids.NodeID]
}

// NewBFT builds a BFT instance over [authorities]. The set must satisfy the
// config's fault tolerance.
func NewBFT(config BFTConfig, authorities []Authority, clock agent.Clock, logger log.Logger) (*BFT, error) {
	quorum, err := NewQuorum(config.Quorum, authorities)
	if err != nil {
		return nil, err
	}

	reputation := NewReputations(config.Reputation)
	for _, a := range authorities {
		reputation.Register(a.ID)
	}

	return &BFT{
		config:     config,
		log:        logger,
		clock:      clock,
		quorum:     quorum,
		reputation: reputation,
		viewVotes:  make(map[uint64]set.Set[ids.NodeID]),
	}, nil
}

// Primary returns the authority leading the current view.
func (b *BFT) Primary() ids.NodeID {
	authorities := b.quorum.Authorities()
	return authorities[int(b.currentView)%len(authorities)]
}

// Phase returns the current round phase, Idle when no round is active.
func (b *BFT) Phase() Phase {
	if b.state == nil {
		return PhaseIdle
	}
	return b.state.phase
}

// Round returns the current round number.
func (b *BFT) Round() uint64 { return b.currentRound }

// View returns the current view number.
func (b *BFT) View() uint64 { return b.currentView }

// Decided reports whether a decision has been reached.
func (b *BFT) Decided() bool { return b.decision != nil }

// Decision returns the reached decision, or nil.
func (b *BFT) Decision() *Decision { return b.decision }

// Reputation exposes the instance's reputation table.
func (b *BFT) Reputation() *Reputations { return b.reputation }

// StartRound opens [round] proposing [value]. When this participant is the
// view's primary, the round moves straight to PrePrepare.
func (b *BFT) StartRound(round uint64, value ids.ID, self ids.NodeID) error {
	if b.Decided() {
		return ErrAlreadyDecided
	}

	b.currentRound = round
	b.state = &roundState{
		round:      round,
		phase:      PhaseIdle,
		prepare:    NewCollector(round, b.config.Collector, b.clock),
		commit:     NewCollector(round, b.config.Collector, b.clock),
		phaseStart: b.clock.Now(),
	}

	if b.Primary() == self {
		return b.HandlePrePrepare(value)
	}
	return nil
}

// HandlePrePrepare accepts the primary's proposal and advances to the
// PrePrepare phase.
func (b *BFT) HandlePrePrepare(value ids.ID) error {
	if b.state == nil {
		return ErrNoActiveRound
	}
	if b.state.phase != PhaseIdle {
		return fmt.Errorf("%w: %s", ErrWrongPhase, b.state.phase)
	}

	b.state.proposed = value
	b.state.hasProp = true
	b.advance(PhasePrePrepare)
	return nil
}

// SubmitBallot routes [ballot] to the current phase, first scaling its
// weight by the authority's configured weight and reputation.
func (b *BFT) SubmitBallot(ballot Ballot) error {
	if b.state == nil {
		return ErrNoActiveRound
	}

	weight, err := b.voteWeight(ballot.Authority)
	if err != nil {
		return err
	}
	ballot.Weight = weight

	switch b.state.phase {
	case PhasePrePrepare, PhasePrepare:
		return b.handlePrepare(ballot)
	case PhaseCommit:
		return b.handleCommit(ballot)
	default:
		return fmt.Errorf("%w: %s", ErrWrongPhase, b.state.phase)
	}
}

func (b *BFT) voteWeight(authority ids.NodeID) (uint64, error) {
	base, err := b.quorum.Weight(authority)
	if err != nil {
		return 0, err
	}
	if !b.config.UseReputationWeights {
		return base, nil
	}

	multiplier, err := b.reputation.Weighted(authority)
	if err != nil {
		multiplier = 1
	}
	return uint64(float64(base) * multiplier), nil
}

func (b *BFT) handlePrepare(ballot Ballot) error {
	if err := b.state.prepare.Add(ballot); err != nil {
		if errors.Is(err, ErrEquivocation) {
			b.punishByzantine(ballot.Authority)
		}
		return err
	}
	if b.state.phase == PhasePrePrepare {
		b.state.phase = PhasePrepare
	}

	if b.quorum.HasQuorum(b.state.prepare.TotalWeight()) {
		b.advance(PhaseCommit)
	}
	return nil
}

func (b *BFT) handleCommit(ballot Ballot) error {
	if err := b.state.commit.Add(ballot); err != nil {
		if errors.Is(err, ErrEquivocation) {
			b.punishByzantine(ballot.Authority)
		}
		return err
	}

	if b.quorum.HasQuorum(b.state.commit.TotalWeight()) {
		return b.finalize()
	}
	return nil
}

func (b *BFT) finalize() error {
	leading := b.state.commit.Leading()
	if leading == nil {
		return ErrNoActiveRound
	}

	b.decision = &Decision{
		Round:       b.state.round,
		Value:       leading.Value,
		TotalWeight: leading.TotalWeight,
		Authorities: leading.Authorities,
	}
	b.state.phase = PhaseDecided

	for authority := range leading.Authorities {
		if err := b.reputation.RecordCorrect(authority); err != nil {
			b.log.Debug("failed to reward authority", "authority", authority, "err", err)
		}
	}

	b.log.Info("consensus decided",
		"round", b.decision.Round,
		"value", b.decision.Value,
		"weight", b.decision.TotalWeight,
	)
	return nil
}

// HandleViewChange records [authority]'s vote for [newView]. The view
// changes once 2/3 of the authority set agrees.
func (b *BFT) HandleViewChange(newView uint64, authority ids.NodeID) error {
	if _, err := b.quorum.Weight(authority); err != nil {
		return err
	}

	votes, ok := b.viewVotes[newView]
	if !ok {
		votes = set.NewSet[ids.NodeID](1)
		b.viewVotes[newView] = votes
	}
	votes.Add(authority)

	if votes.Len() >= b.quorum.Len()*2/3 {
		b.currentView = newView
		b.viewVotes = make(map[uint64]set.Set[ids.NodeID])
		if b.state != nil {
			b.state.phase = PhaseViewChange
		}
		b.log.Info("view changed", "view", newView, "primary", b.Primary())
	}
	return nil
}

// CheckTimeout demands a view change when the current phase has outlived
// the configured timeout, voting for view+1 on behalf of this participant.
func (b *BFT) CheckTimeout(self ids.NodeID) error {
	if b.state == nil {
		return ErrNoActiveRound
	}
	if b.clock.Now().Sub(b.state.phaseStart) <= b.config.PhaseTimeout {
		return nil
	}

	newView := b.currentView + 1
	if err := b.HandleViewChange(newView, self); err != nil {
		return err
	}
	return fmt.Errorf("%w: view %d", ErrViewChangeRequired, newView)
}

// DetectByzantine flags every authority that equivocated in the current
// round, in both the quorum and the reputation table.
func (b *BFT) DetectByzantine() []ids.NodeID {
	if b.state == nil {
		return nil
	}

	flagged := set.NewSet[ids.NodeID](0)
	for _, c := range []*Collector{b.state.prepare, b.state.commit} {
		for authority, ballots := range c.ballots {
			for _, ballot := range ballots[1:] {
				if ballot.Value != ballots[0].Value {
					flagged.Add(authority)
				}
			}
		}
	}

	byzantine := flagged.List()
	for _, authority := range byzantine {
		b.punishByzantine(authority)
	}
	return byzantine
}

func (b *BFT) punishByzantine(authority ids.NodeID) {
	if err := b.quorum.MarkByzantine(authority); err != nil {
		return
	}
	if err := b.reputation.RecordByzantine(authority); err != nil {
		b.log.Debug("failed to penalize authority", "authority", authority, "err", err)
	}
	b.log.Warn("byzantine authority detected", "authority", authority)
}

func (b *BFT) advance(next Phase) {
	b.state.phase = next
	b.state.phaseStart = b.clock.Now()
}
