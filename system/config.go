// Copyright (C) 2019-2025, Lux Industries, Inc. All rights reserved.
// See the file LICENSE for licensing terms.

package system

import (
	"errors"
	"fmt"
	"time"

	"github.com/luxfi/log"
	"github.com/luxfi/metric"
	"golang.org/x/time/rate"

	"github.com/luxfi/verify/consensus"
)

const (
	defaultPoolSize    = 5
	defaultMaxPoolSize = 100
	defaultTimeout     = 100 * time.Millisecond

	// minPoolSize is the smallest pool that supports byzantine-tolerant
	// verification.
	minPoolSize = 3
)

var (
	ErrPoolTooSmall    = errors.New("pool size must be at least 3 for byzantine fault tolerance")
	ErrPoolExceedsMax  = errors.New("pool size exceeds maximum")
	ErrInvalidInterval = errors.New("recovery interval must be positive")
)

// Config parameterizes a System.
type Config struct {
	// PoolSize is the number of agents spawned at startup, at least 3.
	PoolSize int
	// MaxPoolSize bounds ScalePool.
	MaxPoolSize int
	// Threshold is the consensus threshold in (0, 1].
	Threshold float64
	// Timeout bounds each agent's verification within a consensus round.
	Timeout time.Duration
	// VerifyRate throttles VerifyWithConsensus in requests per second;
	// rate.Inf disables throttling.
	VerifyRate rate.Limit
	// VerifyBurst is the limiter's burst size.
	VerifyBurst int
	// RecoveryInterval is the cadence of the background self-healing
	// monitor; 0 disables it.
	RecoveryInterval time.Duration
	// Registerer receives the system's gauges and counters; nil for none.
	Registerer metric.Registerer
	// Logger receives the system's logs.
	Logger log.Logger
}

// DefaultConfig returns five agents, a 2/3 threshold, and no rate limit or
// background recovery.
func DefaultConfig() Config {
	return Config{
		PoolSize:    defaultPoolSize,
		MaxPoolSize: defaultMaxPoolSize,
		Threshold:   consensus.DefaultConfig().Threshold,
		Timeout:     defaultTimeout,
		VerifyRate:  rate.Inf,
		VerifyBurst: 1,
		Logger:      log.NewNoOpLogger(),
	}
}

func (c Config) Validate() error {
	if c.PoolSize < minPoolSize {
		return fmt.Errorf("%w: got %d", ErrPoolTooSmall, c.PoolSize)
	}
	if c.PoolSize > c.MaxPoolSize {
		return fmt.Errorf("%w: %d > %d", ErrPoolExceedsMax, c.PoolSize, c.MaxPoolSize)
	}
	if c.RecoveryInterval < 0 {
		return fmt.Errorf("%w: %s", ErrInvalidInterval, c.RecoveryInterval)
	}
	return c.consensusConfig().Validate()
}

func (c Config) consensusConfig() consensus.Config {
	return consensus.Config{
		Threshold: c.Threshold,
		Timeout:   c.Timeout,
	}
}
