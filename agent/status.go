// Copyright (C) 2019-2025, Lux Industries, Inc. All rights reserved.
// See the file LICENSE for licensing terms.

package agent

// Status is the lifecycle state of a verification agent.
type Status uint8

const (
	StatusHealthy Status = iota
	StatusBusy
	StatusError
	StatusRecovering
	StatusQuarantined
)

func (s Status) String() string {
	switch s {
	case StatusHealthy:
		return "healthy"
	case StatusBusy:
		return "busy"
	case StatusError:
		return "error"
	case StatusRecovering:
		return "recovering"
	case StatusQuarantined:
		return "quarantined"
	default:
		return "unknown"
	}
}

// CanTransition reports whether the agent lifecycle permits moving from [s]
// to [next]. Healthy agents cycle through Busy during verification; failures
// route through Error into Recovering, which resolves to either Healthy or
// Quarantined. Quarantined agents may only re-enter via Recovering.
func (s Status) CanTransition(next Status) bool {
	switch s {
	case StatusHealthy:
		return next == StatusBusy || next == StatusError
	case StatusBusy:
		return next == StatusHealthy || next == StatusError
	case StatusError:
		return next == StatusRecovering
	case StatusRecovering:
		return next == StatusHealthy || next == StatusQuarantined
	case StatusQuarantined:
		return next == StatusRecovering
	default:
		return false
	}
}
