// Copyright (C) 2019-2025, Lux Industries, Inc. All rights reserved.
// See the file LICENSE for licensing terms.

package workflow

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/luxfi/ids"
	"github.com/luxfi/log"
	"github.com/luxfi/math/set"
)

var ErrNoLeaf = errors.New("no leaf certificate found")

// Certificate is one link in a trust chain.
type Certificate struct {
	ID      ids.ID
	Issuer  ids.ID
	Subject string
	Root    bool
}

// ChainResult reports one chain validation. Structural problems (cycles,
// dangling issuers, untrusted roots, excessive length) are data here, not
// errors: the chain was walked, it just isn't trustworthy.
type ChainResult struct {
	Valid       bool
	ChainLength int
	RootID      ids.ID
	HasRoot     bool
	Reasons     []string
}

// TrustChain validates certificate chains against a trusted-roots set.
type TrustChain struct {
	trustedRoots set.Set[ids.ID]
	maxLength    int
	log          log.Logger
}

// NewTrustChain builds the workflow. Chains longer than [maxLength] hops
// are rejected.
func NewTrustChain(trustedRoots set.Set[ids.ID], maxLength int, logger log.Logger) *TrustChain {
	return &TrustChain{
		trustedRoots: trustedRoots,
		maxLength:    maxLength,
		log:          logger,
	}
}

// Validate locates the chain's unique leaf among [certificates] and walks
// issuer links until it reaches a root, repeats a node, dangles, or exceeds
// the hop bound. ErrNoLeaf is the only hard failure; everything else is
// reported in the result.
func (w *TrustChain) Validate(ctx context.Context, certificates []Certificate) (ChainResult, error) {
	if err := ctx.Err(); err != nil {
		return ChainResult{}, err
	}

	byID := make(map[ids.ID]Certificate, len(certificates))
	issuers := set.NewSet[ids.ID](len(certificates))
	for _, cert := range certificates {
		byID[cert.ID] = cert
		issuers.Add(cert.Issuer)
	}

	var (
		leaf  Certificate
		found bool
	)
	for _, cert := range certificates {
		if !issuers.Contains(cert.ID) {
			leaf = cert
			found = true
			break
		}
	}
	if !found {
		return ChainResult{}, ErrNoLeaf
	}

	result := w.walk(leaf, byID)
	w.log.Debug("trust chain validated",
		"leaf", leaf.ID,
		"valid", result.Valid,
		"length", result.ChainLength,
	)
	return result, nil
}

func (w *TrustChain) walk(leaf Certificate, byID map[ids.ID]Certificate) ChainResult {
	visited := set.NewSet[ids.ID](len(byID))
	current := leaf
	length := 0

	for {
		if visited.Contains(current.ID) {
			return ChainResult{
				ChainLength: length,
				Reasons:     []string{fmt.Sprintf("cycle detected at %s", current.ID)},
			}
		}
		visited.Add(current.ID)
		length++

		if length > w.maxLength {
			return ChainResult{
				ChainLength: length,
				Reasons:     []string{fmt.Sprintf("chain too long: %d > %d", length, w.maxLength)},
			}
		}

		if current.Root {
			if w.trustedRoots.Contains(current.ID) {
				return ChainResult{
					Valid:       true,
					ChainLength: length,
					RootID:      current.ID,
					HasRoot:     true,
				}
			}
			return ChainResult{
				ChainLength: length,
				RootID:      current.ID,
				HasRoot:     true,
				Reasons:     []string{fmt.Sprintf("root %s not trusted", current.ID)},
			}
		}

		next, ok := byID[current.Issuer]
		if !ok {
			return ChainResult{
				ChainLength: length,
				Reasons:     []string{fmt.Sprintf("issuer %s not found", current.Issuer)},
			}
		}
		current = next
	}
}

// ValidateAll validates independent chains concurrently, returning one
// result per chain that could be walked. Chains whose validation itself
// failed (no leaf, cancelled context) are dropped, not propagated.
func (w *TrustChain) ValidateAll(ctx context.Context, chains [][]Certificate) []ChainResult {
	type outcome struct {
		result ChainResult
		err    error
	}
	outcomes := make([]outcome, len(chains))

	var wg sync.WaitGroup
	for i, chain := range chains {
		wg.Add(1)
		go func(i int, chain []Certificate) {
			defer wg.Done()
			result, err := w.Validate(ctx, chain)
			outcomes[i] = outcome{result: result, err: err}
		}(i, chain)
	}
	wg.Wait()

	results := make([]ChainResult, 0, len(chains))
	for i, o := range outcomes {
		if o.err != nil {
			w.log.Debug("dropping failed chain validation", "chain", i, "err", o.err)
			continue
		}
		results = append(results, o.result)
	}
	return results
}
