// Copyright (C) 2019-2025, Lux Industries, Inc. All rights reserved.
// See the file LICENSE for licensing terms.

package workflow

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/luxfi/log"
	"github.com/stretchr/testify/require"

	"github.com/luxfi/verify/agent"
)

func TestRecoveryNothingToDo(t *testing.T) {
	require := require.New(t)

	w := NewRecovery(stubPool(t, 4, 0), 2, 1, log.NewNoOpLogger())
	result, err := w.Execute(context.Background())
	require.NoError(err)

	require.Zero(result.Recovered)
	require.Zero(result.Quarantined)
	require.Equal(1.0, result.SuccessRate)
}

func TestRecoveryRestoresErroredAgents(t *testing.T) {
	require := require.New(t)

	p := stubPool(t, 4, 0)
	agents := p.Agents()
	require.NoError(agents[0].Health().SetStatus(agent.StatusError))
	require.NoError(agents[1].Health().SetStatus(agent.StatusError))

	w := NewRecovery(p, 2, 1, log.NewNoOpLogger())
	result, err := w.Execute(context.Background())
	require.NoError(err)

	require.Equal(2, result.Recovered)
	require.Zero(result.Quarantined)
	require.Equal(1.0, result.SuccessRate)
	require.Len(p.HealthyAgents(), 4)
}

func TestRecoveryQuarantinesFailures(t *testing.T) {
	require := require.New(t)

	p := stubPool(t, 4, 0)
	agents := p.Agents()

	broken := agents[0].(*stubAgent)
	broken.recoverErr = errors.New("stuck")
	require.NoError(broken.Health().SetStatus(agent.StatusError))
	require.NoError(agents[1].Health().SetStatus(agent.StatusError))

	w := NewRecovery(p, 2, 1, log.NewNoOpLogger())
	result, err := w.Execute(context.Background())
	require.NoError(err)

	// Every unhealthy agent lands in exactly one bucket.
	require.Equal(1, result.Recovered)
	require.Equal(1, result.Quarantined)
	require.Equal(0.5, result.SuccessRate)
	require.Equal(agent.StatusQuarantined, broken.Health().Status())

	// The quarantined agent stays in the pool for later passes.
	require.Equal(4, p.Len())
	require.Len(p.HealthyAgents(), 3)
}

func TestRecoveryRetriesQuarantined(t *testing.T) {
	require := require.New(t)

	p := stubPool(t, 3, 0)
	a := p.Agents()[0]
	require.NoError(a.Health().SetStatus(agent.StatusError))
	require.NoError(a.Health().SetStatus(agent.StatusRecovering))
	require.NoError(a.Health().SetStatus(agent.StatusQuarantined))

	w := NewRecovery(p, 1, 1, log.NewNoOpLogger())
	result, err := w.Execute(context.Background())
	require.NoError(err)
	require.Equal(1, result.Recovered)
	require.Equal(agent.StatusHealthy, a.Health().Status())
}

func TestRecoveryMonitorStops(t *testing.T) {
	require := require.New(t)

	p := stubPool(t, 3, 0)
	require.NoError(p.Agents()[0].Health().SetStatus(agent.StatusError))

	w := NewRecovery(p, 2, 1, log.NewNoOpLogger())
	go w.Monitor(context.Background(), 10*time.Millisecond)

	require.Eventually(func() bool {
		return len(p.HealthyAgents()) == 3
	}, time.Second, 5*time.Millisecond)

	w.Stop()
}
