// Copyright (C) 2019-2025, Lux Industries, Inc. All rights reserved.
// See the file LICENSE for licensing terms.

package system

import (
	"context"
	"fmt"
	"time"

	"github.com/luxfi/verify/agent"
	"github.com/luxfi/verify/pool"
)

// HealthStatus is the coarse health of the whole system.
type HealthStatus uint8

const (
	StatusHealthy HealthStatus = iota
	StatusDegraded
	StatusUnhealthy
)

func (s HealthStatus) String() string {
	switch s {
	case StatusHealthy:
		return "healthy"
	case StatusDegraded:
		return "degraded"
	case StatusUnhealthy:
		return "unhealthy"
	default:
		return "unknown"
	}
}

// HealthReport is the outcome of a system-wide health check.
type HealthReport struct {
	Status   HealthStatus
	Message  string
	Checked  time.Time
	Duration time.Duration
	Summary  pool.HealthSummary
}

func checkPool(ctx context.Context, p *pool.Pool, clock agent.Clock) HealthReport {
	start := clock.Now()
	report := HealthReport{Checked: start}

	summary := p.HealthSummary()
	report.Summary = summary
	switch {
	case summary.Total == 0:
		report.Status = StatusUnhealthy
		report.Message = "agent pool is empty"
	case summary.Total < minPoolSize:
		report.Status = StatusDegraded
		report.Message = fmt.Sprintf("only %d agents available (minimum: %d)", summary.Total, minPoolSize)
	default:
		if err := p.HealthCheckAll(ctx); err != nil {
			report.Status = StatusDegraded
			report.Message = err.Error()
		} else {
			report.Status = StatusHealthy
			report.Message = fmt.Sprintf("%d agents healthy", summary.Healthy)
		}
	}

	report.Duration = clock.Now().Sub(start)
	return report
}
