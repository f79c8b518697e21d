// Copyright (C) 2019-2025, Lux Industries, Inc. All rights reserved.
// See the file LICENSE for licensing terms.

package pool

import (
	"github.com/luxfi/metric"
)

type metrics struct {
	size      metric.Gauge
	unhealthy metric.Gauge
}

func newMetrics(registerer metric.Registerer) (*metrics, error) {
	m := &metrics{
		size: metric.NewGauge(metric.GaugeOpts{
			Name: "pool_size",
			Help: "Number of agents in the pool",
		}),
		unhealthy: metric.NewGauge(metric.GaugeOpts{
			Name: "pool_unhealthy_agents",
			Help: "Number of agents that failed the last pool-wide health check",
		}),
	}

	if err := registerer.Register(metric.AsCollector(m.size)); err != nil {
		return nil, err
	}
	if err := registerer.Register(metric.AsCollector(m.unhealthy)); err != nil {
		return nil, err
	}
	return m, nil
}

func newNoopMetrics() *metrics {
	m, _ := newMetrics(metric.NewNoOp().Registry())
	return m
}

// NewMetrics registers the pool's gauges with [registerer].
func NewMetrics(registerer metric.Registerer) (*Metrics, error) {
	m, err := newMetrics(registerer)
	if err != nil {
		return nil, err
	}
	return &Metrics{inner: m}, nil
}

// Metrics is the exported handle passed into New so callers outside the
// package can wire pool gauges into their own registry.
type Metrics struct {
	inner *metrics
}
