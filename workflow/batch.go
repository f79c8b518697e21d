// Copyright (C) 2019-2025, Lux Industries, Inc. All rights reserved.
// See the file LICENSE for licensing terms.

package workflow

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/luxfi/log"

	"github.com/luxfi/verify/pool"
)

var ErrMismatchedLengths = errors.New("mismatched batch array lengths")

// BatchRequest carries parallel arrays of verification inputs. Index i of
// each slice belongs to the same item.
type BatchRequest struct {
	Messages   [][]byte
	Signatures [][]byte
	PublicKeys [][]byte
}

// Add appends one item to the batch.
func (r *BatchRequest) Add(message, signature, publicKey []byte) {
	r.Messages = append(r.Messages, message)
	r.Signatures = append(r.Signatures, signature)
	r.PublicKeys = append(r.PublicKeys, publicKey)
}

// Len returns the number of items in the batch.
func (r *BatchRequest) Len() int { return len(r.Messages) }

func (r *BatchRequest) validate() error {
	if len(r.Messages) != len(r.Signatures) || len(r.Messages) != len(r.PublicKeys) {
		return fmt.Errorf("%w: %d messages, %d signatures, %d keys",
			ErrMismatchedLengths, len(r.Messages), len(r.Signatures), len(r.PublicKeys))
	}
	return nil
}

// BatchResult aggregates a batch run.
type BatchResult struct {
	Total      int
	Successful int
	Failed     int
	// FailedIndices holds the original index of every failed item, in
	// ascending order.
	FailedIndices []int
	// Throughput is items per wall-clock second.
	Throughput float64
}

// Batch verifies many independent signatures by splitting the request into
// fixed-size chunks: one agent per chunk, chunks in parallel, items within
// a chunk sequential.
type Batch struct {
	pool      *pool.Pool
	chunkSize int
	timeout   time.Duration
	log       log.Logger
}

// NewBatch builds the workflow. [chunkSize] must be positive; [timeout]
// bounds each item's verification.
func NewBatch(p *pool.Pool, chunkSize int, timeout time.Duration, logger log.Logger) *Batch {
	if chunkSize <= 0 {
		chunkSize = 1
	}
	return &Batch{
		pool:      p,
		chunkSize: chunkSize,
		timeout:   timeout,
		log:       logger,
	}
}

// Execute runs the batch. An empty request short-circuits to a zero result.
// Items whose agent errors or misses the timeout are counted as failed, not
// propagated.
func (w *Batch) Execute(ctx context.Context, request BatchRequest) (BatchResult, error) {
	if err := request.validate(); err != nil {
		return BatchResult{}, err
	}
	total := request.Len()
	if total == 0 {
		return BatchResult{}, nil
	}

	w.log.Info("starting batch verification", "items", total, "chunkSize", w.chunkSize)
	start := time.Now()

	type chunkOutcome struct {
		failed []int
		err    error
	}
	numChunks := (total + w.chunkSize - 1) / w.chunkSize
	outcomes := make([]chunkOutcome, numChunks)

	var wg sync.WaitGroup
	for c := 0; c < numChunks; c++ {
		offset := c * w.chunkSize
		end := min(offset+w.chunkSize, total)

		wg.Add(1)
		go func(c, offset, end int) {
			defer wg.Done()
			failed, err := w.processChunk(ctx, request, offset, end)
			outcomes[c] = chunkOutcome{failed: failed, err: err}
		}(c, offset, end)
	}
	wg.Wait()

	result := BatchResult{Total: total}
	for c, outcome := range outcomes {
		if outcome.err != nil {
			// No agent could serve the chunk; every item in it failed.
			w.log.Warn("batch chunk failed", "chunk", c, "err", outcome.err)
			for i := c * w.chunkSize; i < min((c+1)*w.chunkSize, total); i++ {
				result.FailedIndices = append(result.FailedIndices, i)
			}
			continue
		}
		result.FailedIndices = append(result.FailedIndices, outcome.failed...)
	}
	sort.Ints(result.FailedIndices)

	result.Failed = len(result.FailedIndices)
	result.Successful = total - result.Failed
	if elapsed := time.Since(start).Seconds(); elapsed > 0 {
		result.Throughput = float64(total) / elapsed
	}

	w.log.Info("batch verification complete",
		"successful", result.Successful,
		"failed", result.Failed,
		"throughput", result.Throughput,
	)
	return result, nil
}

// processChunk verifies items [offset, end) sequentially on one healthy
// agent, returning the original indices that failed.
func (w *Batch) processChunk(ctx context.Context, request BatchRequest, offset, end int) ([]int, error) {
	a, err := w.pool.HealthyAgent()
	if err != nil {
		return nil, err
	}

	var failed []int
	for i := offset; i < end; i++ {
		itemCtx, cancel := context.WithTimeout(ctx, w.timeout)
		valid, err := a.Verify(itemCtx, request.Messages[i], request.Signatures[i], request.PublicKeys[i])
		cancel()

		if err != nil || !valid {
			failed = append(failed, i)
		}
	}
	return failed, nil
}
