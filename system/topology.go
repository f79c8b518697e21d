// Copyright (C) 2019-2025, Lux Industries, Inc. All rights reserved.
// See the file LICENSE for licensing terms.

package system

import (
	"sync"

	"github.com/luxfi/ids"
	"github.com/luxfi/math/set"
)

// TopologyType names the shape of the agent communication graph.
type TopologyType uint8

const (
	TopologyMesh TopologyType = iota
	TopologyRing
)

func (t TopologyType) String() string {
	switch t {
	case TopologyMesh:
		return "mesh"
	case TopologyRing:
		return "ring"
	default:
		return "unknown"
	}
}

// Topology tracks which agents can exchange votes with which.
type Topology interface {
	Type() TopologyType
	AddNode(ids.NodeID)
	RemoveNode(ids.NodeID)
	// Neighbors returns the peers of the given node, or nil if the node is
	// not part of the topology.
	Neighbors(ids.NodeID) []ids.NodeID
	Nodes() []ids.NodeID
	// Connected reports whether every node can reach every other node.
	Connected() bool
	Len() int
}

// Mesh is a fully connected topology: every agent peers with every other.
type Mesh struct {
	mu    sync.RWMutex
	edges map[ids.NodeID]set.Set[ids.NodeID]
}

func NewMesh() *Mesh {
	return &Mesh{edges: make(map[ids.NodeID]set.Set[ids.NodeID])}
}

func (*Mesh) Type() TopologyType { return TopologyMesh }

func (m *Mesh) AddNode(id ids.NodeID) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.edges[id]; ok {
		return
	}
	peers := set.NewSet[ids.NodeID](len(m.edges))
	for existing, existingPeers := range m.edges {
		peers.Add(existing)
		existingPeers.Add(id)
	}
	m.edges[id] = peers
}

func (m *Mesh) RemoveNode(id ids.NodeID) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.edges[id]; !ok {
		return
	}
	delete(m.edges, id)
	for _, peers := range m.edges {
		delete(peers, id)
	}
}

func (m *Mesh) Neighbors(id ids.NodeID) []ids.NodeID {
	m.mu.RLock()
	defer m.mu.RUnlock()

	peers, ok := m.edges[id]
	if !ok {
		return nil
	}
	return peers.List()
}

func (m *Mesh) Nodes() []ids.NodeID {
	m.mu.RLock()
	defer m.mu.RUnlock()

	nodes := make([]ids.NodeID, 0, len(m.edges))
	for id := range m.edges {
		nodes = append(nodes, id)
	}
	return nodes
}

// Connected is true for any non-empty mesh.
func (m *Mesh) Connected() bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.edges) > 0
}

func (m *Mesh) Len() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.edges)
}

// Ring links agents in insertion order; each node peers with its predecessor
// and successor.
type Ring struct {
	mu    sync.RWMutex
	order []ids.NodeID
}

func NewRing() *Ring {
	return &Ring{}
}

func (*Ring) Type() TopologyType { return TopologyRing }

func (r *Ring) AddNode(id ids.NodeID) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.index(id) >= 0 {
		return
	}
	r.order = append(r.order, id)
}

func (r *Ring) RemoveNode(id ids.NodeID) {
	r.mu.Lock()
	defer r.mu.Unlock()

	i := r.index(id)
	if i < 0 {
		return
	}
	r.order = append(r.order[:i], r.order[i+1:]...)
}

func (r *Ring) Neighbors(id ids.NodeID) []ids.NodeID {
	r.mu.RLock()
	defer r.mu.RUnlock()

	i := r.index(id)
	if i < 0 {
		return nil
	}
	n := len(r.order)
	if n < 2 {
		return []ids.NodeID{}
	}
	prev := r.order[(i-1+n)%n]
	next := r.order[(i+1)%n]
	if prev == next {
		return []ids.NodeID{prev}
	}
	return []ids.NodeID{prev, next}
}

func (r *Ring) Nodes() []ids.NodeID {
	r.mu.RLock()
	defer r.mu.RUnlock()

	nodes := make([]ids.NodeID, len(r.order))
	copy(nodes, r.order)
	return nodes
}

// Connected requires at least three nodes to close the ring.
func (r *Ring) Connected() bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.order) >= 3
}

func (r *Ring) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.order)
}

// index must be called with the lock held.
func (r *Ring) index(id ids.NodeID) int {
	for i, node := range r.order {
		if node == id {
			return i
		}
	}
	return -1
}
