// Copyright (C) 2019-2025, Lux Industries, Inc. All rights reserved.
// See the file LICENSE for licensing terms.

package consensus

import (
	"errors"
	"fmt"
	"sort"
	"sync"

	"github.com/luxfi/ids"
)

var ErrAuthorityNotFound = errors.New("authority not registered")

// ReputationConfig parameterizes reputation scoring.
type ReputationConfig struct {
	// Initial is the reputation assigned to a newly registered authority.
	Initial float64
	// Min is the floor a reputation can decay or be penalized to.
	Min float64
	// Max caps reward accumulation.
	Max float64
	// CorrectReward is added for each vote that matched the decided value.
	CorrectReward float64
	// IncorrectPenalty is subtracted for each vote against the decided
	// value.
	IncorrectPenalty float64
	// TimeoutPenalty is subtracted when an authority misses a round.
	TimeoutPenalty float64
	// ByzantinePenalty is subtracted when an authority equivocates.
	ByzantinePenalty float64
	// DecayRate is the per-round multiplicative decay, 0 for none.
	DecayRate float64
}

// DefaultReputationConfig matches the reference scoring: small nudges for
// votes, a heavy hit for equivocation.
func DefaultReputationConfig() ReputationConfig {
	return ReputationConfig{
		Initial:          1.0,
		Min:              0.1,
		Max:              2.0,
		CorrectReward:    0.01,
		IncorrectPenalty: 0.05,
		TimeoutPenalty:   0.02,
		ByzantinePenalty: 0.5,
		DecayRate:        0.001,
	}
}

// ReputationEntry is one authority's scoring record.
type ReputationEntry struct {
	Authority       ids.NodeID
	Reputation      float64
	CorrectVotes    uint64
	IncorrectVotes  uint64
	Timeouts        uint64
	ByzantineFaults uint64
	TotalRounds     uint64
}

// Accuracy returns the share of scored votes that were correct, 1.0 before
// any vote was scored.
func (e ReputationEntry) Accuracy() float64 {
	total := e.CorrectVotes + e.IncorrectVotes
	if total == 0 {
		return 1.0
	}
	return float64(e.CorrectVotes) / float64(total)
}

// Reliability returns the share of rounds the authority answered in time,
// 1.0 before any round.
func (e ReputationEntry) Reliability() float64 {
	if e.TotalRounds == 0 {
		return 1.0
	}
	return float64(e.TotalRounds-e.Timeouts) / float64(e.TotalRounds)
}

// Trustworthy reports whether the authority clears [minReputation] and has
// never equivocated.
func (e ReputationEntry) Trustworthy(minReputation float64) bool {
	return e.Reputation >= minReputation && e.ByzantineFaults == 0
}

// ReputationStats is an aggregate view over every registered authority.
type ReputationStats struct {
	Total       int
	Average     float64
	Byzantine   int
	Trustworthy int
}

// Reputations scores authorities for weighted consensus. Safe for
// concurrent use.
type Reputations struct {
	config ReputationConfig

	mu      sync.RWMutex
	entries map[ids.NodeID]*ReputationEntry
}

// NewReputations returns an empty reputation table.
func NewReputations(config ReputationConfig) *Reputations {
	return &Reputations{
		config:  config,
		entries: make(map[ids.NodeID]*ReputationEntry),
	}
}

// Register adds [authority] at the initial reputation. Re-registration is a
// no-op.
func (r *Reputations) Register(authority ids.NodeID) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, ok := r.entries[authority]; !ok {
		r.entries[authority] = &ReputationEntry{
			Authority:  authority,
			Reputation: r.config.Initial,
		}
	}
}

// Entry returns a copy of [authority]'s record.
func (r *Reputations) Entry(authority ids.NodeID) (ReputationEntry, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	entry, ok := r.entries[authority]
	if !ok {
		return ReputationEntry{}, fmt.Errorf("%w: %s", ErrAuthorityNotFound, authority)
	}
	return *entry, nil
}

func (r *Reputations) apply(authority ids.NodeID, fn func(*ReputationEntry)) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	entry, ok := r.entries[authority]
	if !ok {
		return fmt.Errorf("%w: %s", ErrAuthorityNotFound, authority)
	}
	fn(entry)
	return nil
}

// RecordCorrect rewards [authority] for voting with the decided value.
func (r *Reputations) RecordCorrect(authority ids.NodeID) error {
	return r.apply(authority, func(e *ReputationEntry) {
		e.CorrectVotes++
		e.TotalRounds++
		e.Reputation = min(e.Reputation+r.config.CorrectReward, r.config.Max)
	})
}

// RecordIncorrect penalizes [authority] for voting against the decided
// value.
func (r *Reputations) RecordIncorrect(authority ids.NodeID) error {
	return r.apply(authority, func(e *ReputationEntry) {
		e.IncorrectVotes++
		e.TotalRounds++
		e.Reputation = max(e.Reputation-r.config.IncorrectPenalty, r.config.Min)
	})
}

// RecordTimeout penalizes [authority] for missing a round.
func (r *Reputations) RecordTimeout(authority ids.NodeID) error {
	return r.apply(authority, func(e *ReputationEntry) {
		e.Timeouts++
		e.TotalRounds++
		e.Reputation = max(e.Reputation-r.config.TimeoutPenalty, r.config.Min)
	})
}

// RecordByzantine penalizes [authority] for equivocating. The fault is
// permanent: the authority is never again trustworthy.
func (r *Reputations) RecordByzantine(authority ids.NodeID) error {
	return r.apply(authority, func(e *ReputationEntry) {
		e.ByzantineFaults++
		e.Reputation = max(e.Reputation-r.config.ByzantinePenalty, r.config.Min)
	})
}

// Decay applies the per-round multiplicative decay to every authority.
func (r *Reputations) Decay() {
	r.mu.Lock()
	defer r.mu.Unlock()

	for _, entry := range r.entries {
		decayed := entry.Reputation * (1 - r.config.DecayRate)
		entry.Reputation = max(decayed, r.config.Min)
	}
}

// Weighted returns [authority]'s vote-weight multiplier: reputation scaled
// by accuracy and reliability.
func (r *Reputations) Weighted(authority ids.NodeID) (float64, error) {
	entry, err := r.Entry(authority)
	if err != nil {
		return 0, err
	}
	return entry.Reputation * entry.Accuracy() * entry.Reliability(), nil
}

// Trustworthy returns every authority above the minimum reputation with no
// byzantine faults.
func (r *Reputations) Trustworthy() []ids.NodeID {
	r.mu.RLock()
	defer r.mu.RUnlock()

	trustworthy := make([]ids.NodeID, 0, len(r.entries))
	for _, entry := range r.entries {
		if entry.Trustworthy(r.config.Min) {
			trustworthy = append(trustworthy, entry.Authority)
		}
	}
	return trustworthy
}

// Ranked returns every authority ordered by descending reputation.
func (r *Reputations) Ranked() []ReputationEntry {
	r.mu.RLock()
	defer r.mu.RUnlock()

	ranked := make([]ReputationEntry, 0, len(r.entries))
	for _, entry := range r.entries {
		ranked = append(ranked, *entry)
	}
	sort.Slice(ranked, func(i, j int) bool {
		return ranked[i].Reputation > ranked[j].Reputation
	})
	return ranked
}

// Stats summarizes the table.
func (r *Reputations) Stats() ReputationStats {
	r.mu.RLock()
	defer r.mu.RUnlock()

	stats := ReputationStats{Total: len(r.entries)}
	var sum float64
	for _, entry := range r.entries {
		sum += entry.Reputation
		if entry.ByzantineFaults > 0 {
			stats.Byzantine++
		}
		if entry.Trustworthy(r.config.Min) {
			stats.Trustworthy++
		}
	}
	if stats.Total > 0 {
		stats.Average = sum / float64(stats.Total)
	}
	return stats
}
