// Copyright (C) 2019-2025, Lux Industries, Inc. All rights reserved.
// See the file LICENSE for licensing terms.

package agent

import (
	"crypto/sha256"
	"encoding/binary"
	"sync"

	"github.com/luxfi/ids"
)

// IDGenerator issues agent identifiers. It is injected into pool and agent
// construction so tests can fix the ID sequence instead of depending on
// process-wide state.
type IDGenerator interface {
	NextID() ids.NodeID
}

type seededGenerator struct {
	mu   sync.Mutex
	seed []byte
	next uint64
}

// NewIDGenerator returns a generator that derives NodeIDs by hashing [seed]
// with a monotonically increasing counter. The same seed always yields the
// same ID sequence.
func NewIDGenerator(seed []byte) IDGenerator {
	s := make([]byte, len(seed))
	copy(s, seed)
	return &seededGenerator{seed: s}
}

func (g *seededGenerator) NextID() ids.NodeID {
	g.mu.Lock()
	defer g.mu.Unlock()

	buf := make([]byte, len(g.seed)+8)
	copy(buf, g.seed)
	binary.BigEndian.PutUint64(buf[len(g.seed):], g.next)
	g.next++

	hash := sha256.Sum256(buf)
	nodeID, _ := ids.ToNodeID(hash[:ids.NodeIDLen])
	return nodeID
}
