// Copyright (C) 2019-2025, Lux Industries, Inc. All rights reserved.
// See the file LICENSE for licensing terms.

package workflow

import (
	"errors"
	"fmt"
	"math"
	"time"

	"github.com/luxfi/ids"
	"github.com/luxfi/log"

	"github.com/luxfi/verify/agent"
	"github.com/luxfi/verify/pool"
)

// AnomalyKind classifies what a detector pass found wrong with an agent.
type AnomalyKind uint8

const (
	KindHighFailureRate AnomalyKind = iota
	KindSlowResponse
	KindStaleHeartbeat
	KindLatencyOutlier

	numAnomalyKinds = 4
)

func (k AnomalyKind) String() string {
	switch k {
	case KindHighFailureRate:
		return "high failure rate"
	case KindSlowResponse:
		return "slow response"
	case KindStaleHeartbeat:
		return "stale heartbeat"
	case KindLatencyOutlier:
		return "latency outlier"
	default:
		return "unknown"
	}
}

var ErrInvalidAnomalyConfig = errors.New("invalid anomaly config")

// minBaselineSamples is how many observations a baseline needs before it
// starts flagging outliers.
const minBaselineSamples = 10

// Baseline tracks a rolling mean and standard deviation over a bounded
// sample window. Not safe for concurrent use.
type Baseline struct {
	samples    []float64
	maxSamples int
	mean       float64
	stdDev     float64
}

func NewBaseline(maxSamples int) *Baseline {
	return &Baseline{
		samples:    make([]float64, 0, maxSamples),
		maxSamples: maxSamples,
	}
}

// Add records a sample, evicting the oldest once the window is full.
func (b *Baseline) Add(value float64) {
	if len(b.samples) >= b.maxSamples {
		b.samples = b.samples[1:]
	}
	b.samples = append(b.samples, value)

	var sum float64
	for _, s := range b.samples {
		sum += s
	}
	b.mean = sum / float64(len(b.samples))

	var variance float64
	for _, s := range b.samples {
		diff := s - b.mean
		variance += diff * diff
	}
	b.stdDev = math.Sqrt(variance / float64(len(b.samples)))
}

func (b *Baseline) Mean() float64   { return b.mean }
func (b *Baseline) StdDev() float64 { return b.stdDev }
func (b *Baseline) Len() int        { return len(b.samples) }

// Anomalous reports whether [value] sits more than [sigmas] standard
// deviations above the mean. Always false until the baseline has
// minBaselineSamples observations.
func (b *Baseline) Anomalous(value, sigmas float64) bool {
	if len(b.samples) < minBaselineSamples {
		return false
	}
	return value > b.mean+sigmas*b.stdDev
}

// Anomaly is one finding against one agent.
type Anomaly struct {
	Agent ids.NodeID
	Kind  AnomalyKind
	// Severity is in [0, 1]; 1 is worst.
	Severity    float64
	Description string
}

// AnomalyResult is the outcome of one detection pass.
type AnomalyResult struct {
	Anomalies   []Anomaly
	Quarantined []ids.NodeID
	// Accuracy is a coarse confidence score: 1.0 for a clean fleet,
	// degrading with the fraction of possible findings raised.
	Accuracy float64
	Duration time.Duration
}

// AnomalyConfig tunes the detector thresholds.
type AnomalyConfig struct {
	// MaxFailureRate is the failure fraction above which an agent with
	// more than minBaselineSamples verifications is flagged.
	MaxFailureRate float64
	// LatencyThreshold flags agents whose average latency exceeds it.
	LatencyThreshold time.Duration
	// QuarantineSeverity quarantines any agent whose worst finding
	// reaches it.
	QuarantineSeverity float64
	// StaleAfter flags agents whose last heartbeat is older than it.
	StaleAfter time.Duration
	// SigmaThreshold is the baseline outlier cutoff in standard
	// deviations.
	SigmaThreshold float64
	// BaselineSamples bounds the fleet latency baseline window.
	BaselineSamples int
}

// DefaultAnomalyConfig flags >10% failures, >100ms averages, 3-sigma
// latency outliers, and minute-stale heartbeats, quarantining at
// severity 0.7.
func DefaultAnomalyConfig() AnomalyConfig {
	return AnomalyConfig{
		MaxFailureRate:     0.1,
		LatencyThreshold:   100 * time.Millisecond,
		QuarantineSeverity: 0.7,
		StaleAfter:         time.Minute,
		SigmaThreshold:     3.0,
		BaselineSamples:    100,
	}
}

func (c AnomalyConfig) Validate() error {
	switch {
	case c.MaxFailureRate <= 0 || c.MaxFailureRate > 1:
		return fmt.Errorf("%w: max failure rate %f not in (0, 1]", ErrInvalidAnomalyConfig, c.MaxFailureRate)
	case c.QuarantineSeverity <= 0 || c.QuarantineSeverity > 1:
		return fmt.Errorf("%w: quarantine severity %f not in (0, 1]", ErrInvalidAnomalyConfig, c.QuarantineSeverity)
	case c.LatencyThreshold <= 0:
		return fmt.Errorf("%w: latency threshold %s", ErrInvalidAnomalyConfig, c.LatencyThreshold)
	case c.StaleAfter <= 0:
		return fmt.Errorf("%w: stale-after %s", ErrInvalidAnomalyConfig, c.StaleAfter)
	case c.SigmaThreshold <= 0:
		return fmt.Errorf("%w: sigma threshold %f", ErrInvalidAnomalyConfig, c.SigmaThreshold)
	case c.BaselineSamples < minBaselineSamples:
		return fmt.Errorf("%w: baseline window %d below %d", ErrInvalidAnomalyConfig, c.BaselineSamples, minBaselineSamples)
	}
	return nil
}

// AnomalyDetector scans agent health records for statistical misbehavior
// and quarantines agents whose findings are severe enough. Execute is not
// safe for concurrent use.
type AnomalyDetector struct {
	pool     *pool.Pool
	config   AnomalyConfig
	clock    agent.Clock
	log      log.Logger
	baseline *Baseline
}

func NewAnomalyDetector(p *pool.Pool, config AnomalyConfig, clock agent.Clock, logger log.Logger) (*AnomalyDetector, error) {
	if err := config.Validate(); err != nil {
		return nil, err
	}
	return &AnomalyDetector{
		pool:     p,
		config:   config,
		clock:    clock,
		log:      logger,
		baseline: NewBaseline(config.BaselineSamples),
	}, nil
}

// Execute makes one detection pass over every agent in the pool.
func (d *AnomalyDetector) Execute() AnomalyResult {
	start := d.clock.Now()
	agents := d.pool.Agents()

	var result AnomalyResult
	for _, a := range agents {
		findings := d.inspect(a.ID(), a.Health().Snapshot())

		worst := 0.0
		for _, f := range findings {
			worst = max(worst, f.Severity)
		}
		if worst >= d.config.QuarantineSeverity {
			d.log.Warn("quarantining anomalous agent",
				"agent", a.ID(),
				"severity", worst,
			)
			if d.quarantine(a) {
				result.Quarantined = append(result.Quarantined, a.ID())
			}
		}
		result.Anomalies = append(result.Anomalies, findings...)
	}

	result.Accuracy = 1.0
	if len(agents) > 0 {
		raised := float64(len(result.Anomalies)) / float64(len(agents)*numAnomalyKinds)
		result.Accuracy = 1.0 - min(raised, 1.0)
	}
	result.Duration = d.clock.Now().Sub(start)

	d.log.Info("anomaly detection pass finished",
		"agents", len(agents),
		"anomalies", len(result.Anomalies),
		"quarantined", len(result.Quarantined),
	)
	return result
}

// inspect evaluates one health snapshot against every detector rule.
func (d *AnomalyDetector) inspect(id ids.NodeID, snap agent.HealthSnapshot) []Anomaly {
	var findings []Anomaly

	if snap.Total > minBaselineSamples {
		failureRate := 1.0 - snap.SuccessRate
		if failureRate > d.config.MaxFailureRate {
			findings = append(findings, Anomaly{
				Agent:    id,
				Kind:     KindHighFailureRate,
				Severity: failureRate,
				Description: fmt.Sprintf("failure rate %.1f%% exceeds %.1f%%",
					failureRate*100, d.config.MaxFailureRate*100),
			})
		}
	}

	if snap.AvgLatency > d.config.LatencyThreshold {
		ratio := float64(snap.AvgLatency) / float64(d.config.LatencyThreshold)
		findings = append(findings, Anomaly{
			Agent:    id,
			Kind:     KindSlowResponse,
			Severity: min(ratio-1, 1),
			Description: fmt.Sprintf("average latency %s exceeds %s",
				snap.AvgLatency, d.config.LatencyThreshold),
		})
	}

	if age := d.clock.Now().Sub(snap.LastHeartbeat); age > d.config.StaleAfter {
		findings = append(findings, Anomaly{
			Agent:       id,
			Kind:        KindStaleHeartbeat,
			Severity:    min(float64(age)/float64(2*d.config.StaleAfter), 1),
			Description: fmt.Sprintf("no heartbeat for %s", age),
		})
	}

	// Compare against the fleet baseline before folding this agent's
	// sample in, so a single outlier cannot mask itself.
	latencyMs := float64(snap.AvgLatency) / float64(time.Millisecond)
	if d.baseline.Anomalous(latencyMs, d.config.SigmaThreshold) {
		findings = append(findings, Anomaly{
			Agent:    id,
			Kind:     KindLatencyOutlier,
			Severity: 0.5,
			Description: fmt.Sprintf("latency %.1fms exceeds fleet baseline %.1fms + %.1f stddev",
				latencyMs, d.baseline.Mean(), d.config.SigmaThreshold),
		})
	}
	d.baseline.Add(latencyMs)

	return findings
}

// quarantine walks the agent's status through the legal transitions to
// Quarantined. The agent stays in the pool for later recovery passes.
func (d *AnomalyDetector) quarantine(a agent.Agent) bool {
	h := a.Health()

	status := h.Status()
	if status == agent.StatusQuarantined {
		return true
	}
	if status == agent.StatusHealthy || status == agent.StatusBusy {
		if err := h.SetStatus(agent.StatusError); err != nil {
			d.log.Error("failed to fault anomalous agent", "agent", a.ID(), "err", err)
			return false
		}
	}
	if h.Status() == agent.StatusError {
		if err := h.SetStatus(agent.StatusRecovering); err != nil {
			d.log.Error("failed to stage quarantine", "agent", a.ID(), "err", err)
			return false
		}
	}
	if err := h.SetStatus(agent.StatusQuarantined); err != nil {
		d.log.Error("failed to quarantine agent", "agent", a.ID(), "err", err)
		return false
	}
	return true
}

// TrendReport aggregates detection passes over time.
type TrendReport struct {
	TotalAnomalies   int
	ByKind           map[AnomalyKind]int
	TotalQuarantined int
	AvgAccuracy      float64
}

// Trends summarizes a sequence of detection results.
func (d *AnomalyDetector) Trends(results []AnomalyResult) TrendReport {
	report := TrendReport{ByKind: make(map[AnomalyKind]int)}
	if len(results) == 0 {
		return report
	}

	var accuracy float64
	for _, r := range results {
		for _, a := range r.Anomalies {
			report.ByKind[a.Kind]++
		}
		report.TotalAnomalies += len(r.Anomalies)
		report.TotalQuarantined += len(r.Quarantined)
		accuracy += r.Accuracy
	}
	report.AvgAccuracy = accuracy / float64(len(results))
	return report
}
