// Copyright (C) 2019-2025, Lux Industries, Inc. All rights reserved.
// See the file LICENSE for licensing terms.

package workflow

import (
	"context"
	"testing"

	"github.com/luxfi/ids"
	"github.com/luxfi/log"
	"github.com/luxfi/math/set"
	"github.com/stretchr/testify/require"
)

var (
	leafID         = ids.ID{1}
	intermediateID = ids.ID{2}
	rootID         = ids.ID{3}
)

func cert(id, issuer ids.ID, root bool) Certificate {
	return Certificate{ID: id, Issuer: issuer, Subject: id.String(), Root: root}
}

func newTestTrustChain(t *testing.T, maxLength int, roots ...ids.ID) *TrustChain {
	t.Helper()
	trusted := set.NewSet[ids.ID](len(roots))
	for _, id := range roots {
		trusted.Add(id)
	}
	return NewTrustChain(trusted, maxLength, log.NewNoOpLogger())
}

func TestTrustChainValid(t *testing.T) {
	require := require.New(t)

	w := newTestTrustChain(t, 10, rootID)
	result, err := w.Validate(context.Background(), []Certificate{
		cert(leafID, intermediateID, false),
		cert(intermediateID, rootID, false),
		cert(rootID, rootID, true),
	})
	require.NoError(err)

	require.True(result.Valid)
	require.Equal(3, result.ChainLength)
	require.True(result.HasRoot)
	require.Equal(rootID, result.RootID)
	require.Empty(result.Reasons)
}

func TestTrustChainUntrustedRoot(t *testing.T) {
	require := require.New(t)

	w := newTestTrustChain(t, 10) // empty trusted set
	result, err := w.Validate(context.Background(), []Certificate{
		cert(leafID, rootID, false),
		cert(rootID, rootID, true),
	})
	require.NoError(err)

	require.False(result.Valid)
	require.True(result.HasRoot)
	require.Contains(result.Reasons[0], "not trusted")
}

func TestTrustChainCycle(t *testing.T) {
	require := require.New(t)

	w := newTestTrustChain(t, 10, rootID)
	// leaf -> a -> b -> a is a cycle that never reaches a root.
	a, b := ids.ID{10}, ids.ID{11}
	result, err := w.Validate(context.Background(), []Certificate{
		cert(leafID, a, false),
		cert(a, b, false),
		cert(b, a, false),
	})
	require.NoError(err)

	require.False(result.Valid)
	require.Contains(result.Reasons[0], "cycle detected")
}

func TestTrustChainDanglingIssuer(t *testing.T) {
	require := require.New(t)

	w := newTestTrustChain(t, 10, rootID)
	result, err := w.Validate(context.Background(), []Certificate{
		cert(leafID, intermediateID, false),
	})
	require.NoError(err)

	require.False(result.Valid)
	require.Contains(result.Reasons[0], "not found")
}

func TestTrustChainTooLong(t *testing.T) {
	require := require.New(t)

	w := newTestTrustChain(t, 2, rootID)
	result, err := w.Validate(context.Background(), []Certificate{
		cert(leafID, intermediateID, false),
		cert(intermediateID, rootID, false),
		cert(rootID, rootID, true),
	})
	require.NoError(err)

	require.False(result.Valid)
	require.Contains(result.Reasons[0], "too long")
}

func TestTrustChainNoLeaf(t *testing.T) {
	w := newTestTrustChain(t, 10, rootID)
	// Two certs issuing each other: every cert is an issuer.
	a, b := ids.ID{10}, ids.ID{11}
	_, err := w.Validate(context.Background(), []Certificate{
		cert(a, b, false),
		cert(b, a, false),
	})
	require.ErrorIs(t, err, ErrNoLeaf)
}

func TestTrustChainValidateAll(t *testing.T) {
	require := require.New(t)

	w := newTestTrustChain(t, 10, rootID)
	valid := []Certificate{
		cert(leafID, rootID, false),
		cert(rootID, rootID, true),
	}
	untrusted := []Certificate{
		cert(leafID, ids.ID{9}, false),
		cert(ids.ID{9}, ids.ID{9}, true),
	}
	// No leaf: dropped entirely rather than reported.
	broken := []Certificate{
		cert(ids.ID{10}, ids.ID{11}, false),
		cert(ids.ID{11}, ids.ID{10}, false),
	}

	results := w.ValidateAll(context.Background(), [][]Certificate{valid, untrusted, broken})
	require.Len(results, 2)

	validCount := 0
	for _, r := range results {
		if r.Valid {
			validCount++
		}
	}
	require.Equal(1, validCount)
}
