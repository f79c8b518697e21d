// Copyright (C) 2019-2025, Lux Industries, Inc. All rights reserved.
// See the file LICENSE for licensing terms.

package agent

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/luxfi/ids"
	"github.com/luxfi/log"
	"github.com/sony/gobreaker"

	"github.com/luxfi/verify/identity"
)

const (
	// breakerTripThreshold is the number of consecutive verification errors
	// after which an agent stops accepting work.
	breakerTripThreshold = 5
	// breakerCooldown is how long a tripped agent sheds load before the
	// breaker half-opens.
	breakerCooldown = 30 * time.Second
)

var (
	_ Agent     = (*SignatureAgent)(nil)
	_ Recoverer = (*SignatureAgent)(nil)
)

// SignatureAgent verifies ed25519 signatures. Repeated verification errors
// trip a circuit breaker that parks the agent in the Error state until it is
// recovered.
type SignatureAgent struct {
	id     ids.NodeID
	health *Health
	log    log.Logger

	// verifyMu serializes verifications so the Busy transition is owned by
	// exactly one in-flight call.
	verifyMu sync.Mutex

	breakerMu sync.Mutex
	breaker   *gobreaker.CircuitBreaker
}

// NewSignatureAgent constructs an agent with an identifier drawn from [gen].
func NewSignatureAgent(gen IDGenerator, clock Clock, logger log.Logger) *SignatureAgent {
	a := &SignatureAgent{
		id:     gen.NextID(),
		health: NewHealth(clock),
		log:    logger,
	}
	a.breaker = a.newBreaker()
	return a
}

func (a *SignatureAgent) newBreaker() *gobreaker.CircuitBreaker {
	return gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:        "agent-" + a.id.String(),
		MaxRequests: 1,
		Timeout:     breakerCooldown,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures > breakerTripThreshold
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			if to == gobreaker.StateOpen {
				a.log.Warn("agent circuit breaker opened",
					"agent", a.id,
					"from", from.String(),
				)
			}
		},
	})
}

func (a *SignatureAgent) ID() ids.NodeID { return a.id }

func (a *SignatureAgent) Health() *Health { return a.health }

func (a *SignatureAgent) HealthCheck() error {
	if !a.health.IsHealthy() {
		snap := a.health.Snapshot()
		return fmt.Errorf("%w: %s status=%s success_rate=%.2f",
			ErrUnhealthy, a.id, snap.Status, snap.SuccessRate)
	}
	return nil
}

// Verify checks [signature] against [message] and [publicKey]. The agent is
// Busy for the duration of the call and returns to Healthy afterward, or
// moves to Error when verification itself fails (malformed input, tripped
// breaker).
func (a *SignatureAgent) Verify(ctx context.Context, message, signature, publicKey []byte) (bool, error) {
	if err := ctx.Err(); err != nil {
		return false, err
	}

	a.verifyMu.Lock()
	defer a.verifyMu.Unlock()

	if err := a.health.SetStatus(StatusBusy); err != nil {
		// Not in rotation: quarantined, recovering, or already errored.
		return false, err
	}
	a.health.Heartbeat()

	a.breakerMu.Lock()
	breaker := a.breaker
	a.breakerMu.Unlock()

	start := time.Now()
	res, err := breaker.Execute(func() (interface{}, error) {
		return identity.Verify(publicKey, message, signature)
	})
	latency := time.Since(start)

	if err != nil {
		a.health.RecordVerification(false, latency)
		if sErr := a.health.SetStatus(StatusError); sErr != nil {
			a.log.Error("failed to mark agent errored", "agent", a.id, "err", sErr)
		}
		a.log.Warn("verification error", "agent", a.id, "err", err)
		return false, err
	}

	valid := res.(bool)
	a.health.RecordVerification(valid, latency)
	if sErr := a.health.SetStatus(StatusHealthy); sErr != nil {
		a.log.Error("failed to return agent to healthy", "agent", a.id, "err", sErr)
	}
	if !valid {
		a.log.Debug("signature rejected", "agent", a.id)
	}
	return valid, nil
}

// Recover resets the agent's counters and breaker and returns it to the
// Healthy state. Only agents in Error or Quarantined (or already Recovering)
// are eligible.
func (a *SignatureAgent) Recover(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	switch a.health.Status() {
	case StatusError, StatusQuarantined:
		if err := a.health.SetStatus(StatusRecovering); err != nil {
			return err
		}
	case StatusRecovering:
	default:
		return nil
	}

	a.health.ResetCounters()

	// A fresh breaker: the old one may still be open.
	a.breakerMu.Lock()
	a.breaker = a.newBreaker()
	a.breakerMu.Unlock()

	if err := a.health.SetStatus(StatusHealthy); err != nil {
		return err
	}
	a.log.Info("agent recovered", "agent", a.id)
	return nil
}
