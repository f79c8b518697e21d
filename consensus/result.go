// Copyright (C) 2019-2025, Lux Industries, Inc. All rights reserved.
// See the file LICENSE for licensing terms.

package consensus

import (
	"time"

	"github.com/luxfi/ids"
)

// Vote is one agent's verdict on a verification request.
type Vote struct {
	// Agent is the voter's identifier.
	Agent ids.NodeID
	// Valid is the agent's verdict. Agents that errored or timed out vote
	// false.
	Valid bool
	// Reason is set when the vote did not come from a clean verification:
	// "timeout" for deadline misses, otherwise the agent's error text.
	Reason string
	// Latency is how long the agent took to answer.
	Latency time.Duration
}

// Result is the outcome of one consensus round.
type Result struct {
	// Reached is true when the affirmative ratio met the threshold.
	Reached bool
	// VotesFor counts affirmative votes.
	VotesFor int
	// TotalVotes counts every vote, including timeouts and errors.
	TotalVotes int
	// Threshold is the ratio that was required, copied from the engine
	// config.
	Threshold float64
	// Votes holds every vote in agent order.
	Votes []Vote
}

// Agents returns the IDs of the agents that participated in the round, in
// vote order.
func (r Result) Agents() []ids.NodeID {
	agents := make([]ids.NodeID, len(r.Votes))
	for i, v := range r.Votes {
		agents[i] = v.Agent
	}
	return agents
}

// Ratio returns VotesFor / TotalVotes, or 0 when no votes were cast.
func (r Result) Ratio() float64 {
	if r.TotalVotes == 0 {
		return 0
	}
	return float64(r.VotesFor) / float64(r.TotalVotes)
}
