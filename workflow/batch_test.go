// Copyright (C) 2019-2025, Lux Industries, Inc. All rights reserved.
// See the file LICENSE for licensing terms.

package workflow

import (
	"context"
	"testing"
	"time"

	"github.com/luxfi/log"
	"github.com/stretchr/testify/require"

	"github.com/luxfi/verify/agent"
	"github.com/luxfi/verify/identity"
	"github.com/luxfi/verify/pool"
)

func signerPool(t *testing.T, size int) *pool.Pool {
	t.Helper()
	gen := agent.NewIDGenerator([]byte(t.Name()))
	factory := func() agent.Agent {
		return agent.NewSignatureAgent(gen, agent.SystemClock(), log.NewNoOpLogger())
	}
	p := pool.New(size, factory, log.NewNoOpLogger(), nil)
	require.NoError(t, p.Scale(size))
	return p
}

func TestBatchAllValid(t *testing.T) {
	require := require.New(t)

	signer, err := identity.Generate()
	require.NoError(err)

	request := BatchRequest{}
	for i := range 20 {
		message := []byte{byte(i)}
		request.Add(message, signer.Sign(message), signer.PublicKey())
	}

	w := NewBatch(signerPool(t, 4), 5, time.Second, log.NewNoOpLogger())
	result, err := w.Execute(context.Background(), request)
	require.NoError(err)

	require.Equal(20, result.Total)
	require.Equal(20, result.Successful)
	require.Zero(result.Failed)
	require.Empty(result.FailedIndices)
	require.Greater(result.Throughput, 0.0)
}

func TestBatchFailedIndices(t *testing.T) {
	require := require.New(t)

	signer, err := identity.Generate()
	require.NoError(err)
	other, err := identity.Generate()
	require.NoError(err)

	request := BatchRequest{}
	for i := range 10 {
		message := []byte{byte(i)}
		key := signer.PublicKey()
		if i == 3 || i == 7 {
			key = other.PublicKey()
		}
		request.Add(message, signer.Sign(message), key)
	}

	w := NewBatch(signerPool(t, 3), 4, time.Second, log.NewNoOpLogger())
	result, err := w.Execute(context.Background(), request)
	require.NoError(err)

	require.Equal(10, result.Total)
	require.Equal(8, result.Successful)
	require.Equal(2, result.Failed)
	require.Equal([]int{3, 7}, result.FailedIndices)
}

func TestBatchMismatchedLengths(t *testing.T) {
	request := BatchRequest{
		Messages:   [][]byte{{1}, {2}},
		Signatures: [][]byte{{1}},
		PublicKeys: [][]byte{{1}, {2}},
	}

	w := NewBatch(signerPool(t, 3), 4, time.Second, log.NewNoOpLogger())
	_, err := w.Execute(context.Background(), request)
	require.ErrorIs(t, err, ErrMismatchedLengths)
}

func TestBatchEmptyRequest(t *testing.T) {
	require := require.New(t)

	w := NewBatch(signerPool(t, 3), 4, time.Second, log.NewNoOpLogger())
	result, err := w.Execute(context.Background(), BatchRequest{})
	require.NoError(err)
	require.Zero(result.Total)
	require.Zero(result.Throughput)
}

func TestBatchExhaustedPoolFailsChunks(t *testing.T) {
	require := require.New(t)

	p := signerPool(t, 3)
	for _, a := range p.Agents() {
		require.NoError(a.Health().SetStatus(agent.StatusError))
	}

	signer, err := identity.Generate()
	require.NoError(err)
	request := BatchRequest{}
	for i := range 4 {
		message := []byte{byte(i)}
		request.Add(message, signer.Sign(message), signer.PublicKey())
	}

	w := NewBatch(p, 2, time.Second, log.NewNoOpLogger())
	result, err := w.Execute(context.Background(), request)
	require.NoError(err)
	require.Equal(4, result.Failed)
	require.Equal([]int{0, 1, 2, 3}, result.FailedIndices)
}
