// Copyright (C) 2019-2025, Lux Industries, Inc. All rights reserved.
// See the file LICENSE for licensing terms.

package workflow

import (
	"context"
	"sync"
	"time"

	"github.com/avast/retry-go/v5"
	"github.com/luxfi/log"

	"github.com/luxfi/verify/agent"
	"github.com/luxfi/verify/pool"
)

// RecoveryResult summarizes one recovery pass. Every agent that was
// unhealthy at the start of the pass ends up in exactly one bucket:
// Recovered + Quarantined equals the unhealthy count at scan time.
type RecoveryResult struct {
	Recovered   int
	Quarantined int
	// SuccessRate is Recovered over attempts, 1.0 when nothing needed
	// recovery.
	SuccessRate float64
	Duration    time.Duration
}

// Recovery scans the pool for errored or quarantined agents and attempts to
// bring them back, quarantining the ones that refuse.
type Recovery struct {
	pool        *pool.Pool
	maxParallel int
	attempts    int
	log         log.Logger

	stopOnce sync.Once
	stop     chan struct{}
	done     chan struct{}
}

// NewRecovery builds the workflow. At most [maxParallel] recoveries run
// concurrently per pass; each agent gets [attempts] tries before it is
// quarantined.
func NewRecovery(p *pool.Pool, maxParallel, attempts int, logger log.Logger) *Recovery {
	if maxParallel <= 0 {
		maxParallel = 1
	}
	if attempts <= 0 {
		attempts = 1
	}
	return &Recovery{
		pool:        p,
		maxParallel: maxParallel,
		attempts:    attempts,
		log:         logger,
		stop:        make(chan struct{}),
		done:        make(chan struct{}),
	}
}

// Execute runs one recovery pass.
func (w *Recovery) Execute(ctx context.Context) (RecoveryResult, error) {
	start := time.Now()

	unhealthy := w.findUnhealthy()
	if len(unhealthy) == 0 {
		return RecoveryResult{SuccessRate: 1.0, Duration: time.Since(start)}, nil
	}
	w.log.Warn("attempting recovery of unhealthy agents", "count", len(unhealthy))

	result := RecoveryResult{}
	for offset := 0; offset < len(unhealthy); offset += w.maxParallel {
		chunk := unhealthy[offset:min(offset+w.maxParallel, len(unhealthy))]

		recovered := make([]bool, len(chunk))
		var wg sync.WaitGroup
		for i, a := range chunk {
			wg.Add(1)
			go func(i int, a agent.Agent) {
				defer wg.Done()
				recovered[i] = w.recoverAgent(ctx, a)
			}(i, a)
		}
		wg.Wait()

		for i, a := range chunk {
			if recovered[i] {
				result.Recovered++
				continue
			}
			result.Quarantined++
			w.quarantine(a)
		}
	}

	attempts := result.Recovered + result.Quarantined
	result.SuccessRate = float64(result.Recovered) / float64(attempts)
	result.Duration = time.Since(start)

	w.log.Info("recovery pass complete",
		"recovered", result.Recovered,
		"quarantined", result.Quarantined,
	)
	return result, nil
}

func (w *Recovery) findUnhealthy() []agent.Agent {
	var unhealthy []agent.Agent
	for _, a := range w.pool.Agents() {
		switch a.Health().Status() {
		case agent.StatusError, agent.StatusQuarantined:
			unhealthy = append(unhealthy, a)
		}
	}
	return unhealthy
}

// recoverAgent retries the agent's own recovery and reports whether it came
// back healthy. Agents that don't implement self-repair can't be recovered.
func (w *Recovery) recoverAgent(ctx context.Context, a agent.Agent) bool {
	recoverer, ok := a.(agent.Recoverer)
	if !ok {
		return false
	}

	r := retry.New(
		retry.Context(ctx),
		retry.Attempts(uint(w.attempts)),
	)
	err := r.Do(func() error {
		return recoverer.Recover(ctx)
	})
	if err != nil {
		w.log.Error("agent recovery failed", "agent", a.ID(), "err", err)
		return false
	}
	return a.Health().Status() == agent.StatusHealthy
}

// quarantine parks [a] out of the verification rotation. The agent stays in
// the pool so a later pass can try again.
func (w *Recovery) quarantine(a agent.Agent) {
	h := a.Health()
	if h.Status() == agent.StatusQuarantined {
		return
	}
	// Route Error through Recovering so the transition is legal.
	if h.Status() == agent.StatusError {
		if err := h.SetStatus(agent.StatusRecovering); err != nil {
			w.log.Error("failed to stage quarantine", "agent", a.ID(), "err", err)
			return
		}
	}
	if err := h.SetStatus(agent.StatusQuarantined); err != nil {
		w.log.Error("failed to quarantine agent", "agent", a.ID(), "err", err)
	}
}

// Monitor repeats recovery passes every [interval] until Stop is called or
// [ctx] is cancelled. It blocks; run it on its own goroutine.
func (w *Recovery) Monitor(ctx context.Context, interval time.Duration) {
	defer close(w.done)

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	w.log.Info("recovery monitor started", "interval", interval)
	for {
		select {
		case <-ctx.Done():
			return
		case <-w.stop:
			return
		case <-ticker.C:
			result, err := w.Execute(ctx)
			if err != nil {
				w.log.Error("recovery pass failed", "err", err)
				continue
			}
			if result.Recovered > 0 {
				w.log.Info("monitor recovered agents", "count", result.Recovered)
			}
		}
	}
}

// Stop terminates a running Monitor and waits for it to exit. Safe to call
// more than once, but only after Monitor has been started.
func (w *Recovery) Stop() {
	w.stopOnce.Do(func() { close(w.stop) })
	<-w.done
}
