// Copyright (C) 2019-2025, Lux Industries, Inc. All rights reserved.
// See the file LICENSE for licensing terms.

// Package agent implements the verification workers pooled by this library.
// An agent owns its health record and mutates it only from its own in-flight
// work; everything else reads snapshots.
package agent

import (
	"context"
	"errors"

	"github.com/luxfi/ids"
)

var ErrUnhealthy = errors.New("agent is unhealthy")

// Agent is the capability interface shared by all verification workers.
// Implementations must be safe for concurrent use: the pool hands the same
// agent handle to every workflow that snapshots it.
type Agent interface {
	// ID returns the agent's unique identifier.
	ID() ids.NodeID

	// Health returns the agent's live health record.
	Health() *Health

	// HealthCheck returns ErrUnhealthy if the agent's health invariant does
	// not hold.
	HealthCheck() error

	// Verify reports whether [signature] is a valid signature of [message]
	// under [publicKey], updating the agent's health record as a side effect.
	Verify(ctx context.Context, message, signature, publicKey []byte) (bool, error)
}

// Recoverer is implemented by agents that can attempt self-repair. The
// recovery workflow quarantines agents whose Recover fails, and agents that
// don't implement it at all.
type Recoverer interface {
	Recover(ctx context.Context) error
}
