// Copyright (C) 2019-2025, Lux Industries, Inc. All rights reserved.
// See the file LICENSE for licensing terms.

package agent

import (
	"errors"
	"fmt"
	"sync"
	"time"
)

// healthySuccessRate is the minimum success rate for an agent to pass a
// health check.
const healthySuccessRate = 0.95

var ErrInvalidTransition = errors.New("invalid status transition")

// Health is a single agent's verification record. It is owned by the agent
// and mutated only by that agent's in-flight work, so contention is limited
// to readers taking snapshots.
type Health struct {
	mu    sync.Mutex
	clock Clock

	status        Status
	total         uint64
	successful    uint64
	failed        uint64
	avgLatencyMs  float64
	lastHeartbeat time.Time
}

// HealthSnapshot is a point-in-time copy of an agent's health record.
type HealthSnapshot struct {
	Status        Status
	Total         uint64
	Successful    uint64
	Failed        uint64
	SuccessRate   float64
	AvgLatency    time.Duration
	LastHeartbeat time.Time
}

// NewHealth returns a fresh Healthy record stamped with the current time.
func NewHealth(clock Clock) *Health {
	return &Health{
		clock:         clock,
		status:        StatusHealthy,
		lastHeartbeat: clock.Now(),
	}
}

// Status returns the current lifecycle status.
func (h *Health) Status() Status {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.status
}

// SetStatus moves the agent to [next], enforcing the lifecycle FSM.
func (h *Health) SetStatus(next Status) error {
	h.mu.Lock()
	defer h.mu.Unlock()

	if !h.status.CanTransition(next) {
		return fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, h.status, next)
	}
	h.status = next
	return nil
}

// Heartbeat stamps the record with the current time.
func (h *Health) Heartbeat() {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.lastHeartbeat = h.clock.Now()
}

// RecordVerification folds one verification outcome into the record,
// updating totals, the rolling average latency, and the heartbeat.
func (h *Health) RecordVerification(ok bool, latency time.Duration) {
	h.mu.Lock()
	defer h.mu.Unlock()

	h.total++
	if ok {
		h.successful++
	} else {
		h.failed++
	}

	latencyMs := float64(latency.Microseconds()) / 1000
	if h.total == 1 {
		h.avgLatencyMs = latencyMs
	} else {
		h.avgLatencyMs = (h.avgLatencyMs*float64(h.total-1) + latencyMs) / float64(h.total)
	}
	h.lastHeartbeat = h.clock.Now()
}

// SuccessRate returns successful/total, or 1.0 before any verification has
// been recorded.
func (h *Health) SuccessRate() float64 {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.successRate()
}

func (h *Health) successRate() float64 {
	if h.total == 0 {
		return 1.0
	}
	return float64(h.successful) / float64(h.total)
}

// IsHealthy reports whether the agent is Healthy and its success rate clears
// the health threshold.
func (h *Health) IsHealthy() bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.status == StatusHealthy && h.successRate() >= healthySuccessRate
}

// ResetCounters clears the verification counters and latency average. Used
// when an agent is recovered so stale failures don't keep it below the
// health threshold.
func (h *Health) ResetCounters() {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.total = 0
	h.successful = 0
	h.failed = 0
	h.avgLatencyMs = 0
	h.lastHeartbeat = h.clock.Now()
}

// Snapshot returns a copy of the record.
func (h *Health) Snapshot() HealthSnapshot {
	h.mu.Lock()
	defer h.mu.Unlock()
	return HealthSnapshot{
		Status:        h.status,
		Total:         h.total,
		Successful:    h.successful,
		Failed:        h.failed,
		SuccessRate:   h.successRate(),
		AvgLatency:    time.Duration(h.avgLatencyMs * float64(time.Millisecond)),
		LastHeartbeat: h.lastHeartbeat,
	}
}
