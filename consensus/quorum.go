// Copyright (C) 2019-2025, Lux Industries, Inc. All rights reserved.
// See the file LICENSE for licensing terms.

package consensus

import (
	"bytes"
	"errors"
	"fmt"
	"math"
	"sort"
	"sync"

	"github.com/luxfi/ids"
)

var (
	ErrInsufficientAuthorities = errors.New("insufficient authorities for fault tolerance")
	ErrInvalidQuorumThreshold  = errors.New("quorum threshold must be in (0.5, 1]")
)

// RequiredVotes returns the minimum affirmative vote count for [total]
// voters under [threshold]: ceil(total * threshold).
func RequiredVotes(total int, threshold float64) int {
	if total <= 0 {
		return 0
	}
	return int(math.Ceil(float64(total) * threshold))
}

// RequiredWeight returns the minimum affirmative weight for a pool of
// [totalWeight] under [threshold].
func RequiredWeight(totalWeight, threshold float64) float64 {
	if totalWeight <= 0 {
		return 0
	}
	return totalWeight * threshold
}

// ByzantineQuorumSize returns the smallest pool that tolerates [faults]
// byzantine agents: 3f + 1.
func ByzantineQuorumSize(faults int) int {
	if faults < 0 {
		return 1
	}
	return 3*faults + 1
}

// MaxFaults returns the number of byzantine agents a pool of [total] can
// tolerate: (n - 1) / 3.
func MaxFaults(total int) int {
	if total <= 0 {
		return 0
	}
	return (total - 1) / 3
}

// Authority is a weighted voter in BFT consensus.
type Authority struct {
	ID        ids.NodeID
	Weight    uint64
	Byzantine bool
}

// QuorumConfig parameterizes a weighted quorum.
type QuorumConfig struct {
	// Threshold is the weight ratio required for quorum, in (0.5, 1].
	Threshold float64
	// MaxFaults is the number of byzantine authorities to tolerate; the
	// quorum requires at least 3*MaxFaults + 1 authorities.
	MaxFaults int
	// UseWeights selects weighted voting; when false every authority
	// counts as weight 1.
	UseWeights bool
}

// ByzantineQuorumConfig returns a 2/3 weighted config sized for [faults]
// byzantine authorities.
func ByzantineQuorumConfig(faults int) QuorumConfig {
	return QuorumConfig{
		Threshold:  defaultThreshold,
		MaxFaults:  faults,
		UseWeights: true,
	}
}

func (c QuorumConfig) Validate() error {
	if c.Threshold <= 0.5 || c.Threshold > 1 {
		return fmt.Errorf("%w: %f", ErrInvalidQuorumThreshold, c.Threshold)
	}
	return nil
}

// Quorum tracks a fixed authority set and answers weighted quorum queries.
// Safe for concurrent use.
type Quorum struct {
	config QuorumConfig

	mu          sync.RWMutex
	authorities map[ids.NodeID]*Authority
	ordered     []ids.NodeID
	totalWeight uint64
}

// NewQuorum validates [config] against [authorities] and builds the quorum
// manager. The set must be large enough for the configured fault tolerance.
func NewQuorum(config QuorumConfig, authorities []Authority) (*Quorum, error) {
	if err := config.Validate(); err != nil {
		return nil, err
	}
	if minimum := ByzantineQuorumSize(config.MaxFaults); len(authorities) < minimum {
		return nil, fmt.Errorf("%w: need %d for %d faults, got %d",
			ErrInsufficientAuthorities, minimum, config.MaxFaults, len(authorities))
	}

	q := &Quorum{
		config:      config,
		authorities: make(map[ids.NodeID]*Authority, len(authorities)),
		ordered:     make([]ids.NodeID, 0, len(authorities)),
	}
	for _, a := range authorities {
		a := a
		q.authorities[a.ID] = &a
		q.ordered = append(q.ordered, a.ID)
		if config.UseWeights {
			q.totalWeight += a.Weight
		} else {
			q.totalWeight++
		}
	}
	// Primary rotation indexes into this slice, so the order must be
	// identical on every participant.
	sort.Slice(q.ordered, func(i, j int) bool {
		return bytes.Compare(q.ordered[i].Bytes(), q.ordered[j].Bytes()) < 0
	})
	return q, nil
}

// RequiredQuorumWeight returns the weight needed to reach quorum.
func (q *Quorum) RequiredQuorumWeight() uint64 {
	q.mu.RLock()
	defer q.mu.RUnlock()
	return uint64(math.Ceil(float64(q.totalWeight) * q.config.Threshold))
}

// HasQuorum reports whether [weight] clears the quorum bar.
func (q *Quorum) HasQuorum(weight uint64) bool {
	return weight >= q.RequiredQuorumWeight()
}

// Weight returns [authority]'s vote weight.
func (q *Quorum) Weight(authority ids.NodeID) (uint64, error) {
	q.mu.RLock()
	defer q.mu.RUnlock()

	a, ok := q.authorities[authority]
	if !ok {
		return 0, fmt.Errorf("%w: %s", ErrAuthorityNotFound, authority)
	}
	if !q.config.UseWeights {
		return 1, nil
	}
	return a.Weight, nil
}

// TotalWeight returns the summed weight of the authority set.
func (q *Quorum) TotalWeight() uint64 {
	q.mu.RLock()
	defer q.mu.RUnlock()
	return q.totalWeight
}

// Authorities returns the authority IDs in rotation order.
func (q *Quorum) Authorities() []ids.NodeID {
	q.mu.RLock()
	defer q.mu.RUnlock()

	ordered := make([]ids.NodeID, len(q.ordered))
	copy(ordered, q.ordered)
	return ordered
}

// Len returns the number of authorities.
func (q *Quorum) Len() int {
	q.mu.RLock()
	defer q.mu.RUnlock()
	return len(q.authorities)
}

// MarkByzantine flags [authority] as faulty.
func (q *Quorum) MarkByzantine(authority ids.NodeID) error {
	q.mu.Lock()
	defer q.mu.Unlock()

	a, ok := q.authorities[authority]
	if !ok {
		return fmt.Errorf("%w: %s", ErrAuthorityNotFound, authority)
	}
	a.Byzantine = true
	return nil
}

// ByzantineCount returns the number of flagged authorities.
func (q *Quorum) ByzantineCount() int {
	q.mu.RLock()
	defer q.mu.RUnlock()

	count := 0
	for _, a := range q.authorities {
		if a.Byzantine {
			count++
		}
	}
	return count
}

// FaultTolerant reports whether the known byzantine count is still within
// what the authority set can tolerate.
func (q *Quorum) FaultTolerant() bool {
	return q.ByzantineCount() <= MaxFaults(q.Len())
}
