// Package topology places a process on the two-level node/device grid: its rank among the
// processes of its own machine (intra) and its machine's rank among machines (inter).
package topology

import (
	"fmt"

	"github.com/samcharles93/gradsync/internal/group"
)

type Topology struct {
	GlobalRank int `json:"global_rank"`
	GlobalSize int `json:"global_size"`
	IntraRank  int `json:"intra_rank"`
	IntraSize  int `json:"intra_size"`
	InterRank  int `json:"inter_rank"`
	InterSize  int `json:"inter_size"`
}

func (t Topology) Ranks() (global, size, intra, inter int) {
	return t.GlobalRank, t.GlobalSize, t.IntraRank, t.InterRank
}

// MultiNode reports whether the group spans more than one machine.
func (t Topology) MultiNode() bool { return t.InterSize > 1 }

func (t Topology) String() string {
	return fmt.Sprintf("rank %d/%d intra %d/%d inter %d/%d",
		t.GlobalRank, t.GlobalSize, t.IntraRank, t.IntraSize, t.InterRank, t.InterSize)
}

func (t Topology) Validate() error {
	switch {
	case t.GlobalSize < 1:
		return fmt.Errorf("topology: global size %d", t.GlobalSize)
	case t.GlobalRank < 0 || t.GlobalRank >= t.GlobalSize:
		return fmt.Errorf("topology: global rank %d outside [0, %d)", t.GlobalRank, t.GlobalSize)
	case t.IntraSize < 1 || t.IntraRank < 0 || t.IntraRank >= t.IntraSize:
		return fmt.Errorf("topology: intra rank %d outside [0, %d)", t.IntraRank, t.IntraSize)
	case t.InterSize < 1 || t.InterRank < 0 || t.InterRank >= t.InterSize:
		return fmt.Errorf("topology: inter rank %d outside [0, %d)", t.InterRank, t.InterSize)
	case t.IntraSize+t.InterSize-1 > t.GlobalSize:
		// every other node holds at least one rank
		return fmt.Errorf("topology: node of %d ranks plus %d other nodes exceeds %d ranks",
			t.IntraSize, t.InterSize-1, t.GlobalSize)
	}
	return nil
}

// Resolve computes the topology of rank from the processor names of every rank in global
// order. Ranks sharing a name form a node. Nodes are numbered by their lowest global rank and
// ranks within a node by global rank. IntraSize is the size of rank's own node.
func Resolve(names []string, rank int) (Topology, error) {
	if rank < 0 || rank >= len(names) {
		return Topology{}, fmt.Errorf("topology: rank %d outside group of %d", rank, len(names))
	}
	nodeOf := make(map[string]int)
	var perNode []int
	t := Topology{GlobalRank: rank, GlobalSize: len(names)}
	for r, name := range names {
		node, ok := nodeOf[name]
		if !ok {
			node = len(perNode)
			nodeOf[name] = node
			perNode = append(perNode, 0)
		}
		if r == rank {
			t.InterRank = node
			t.IntraRank = perNode[node]
		}
		perNode[node]++
	}
	t.InterSize = len(perNode)
	t.IntraSize = perNode[t.InterRank]
	return t, nil
}

// Discover gathers every member's processor name over g and resolves g's own position.
func Discover(g group.Group) (Topology, error) {
	vals, err := g.AllGather([]byte(g.ProcessorName()))
	if err != nil {
		return Topology{}, fmt.Errorf("topology: gather processor names: %w", err)
	}
	names := make([]string, len(vals))
	for i, v := range vals {
		names[i] = string(v)
	}
	t, err := Resolve(names, g.Rank())
	if err != nil {
		return Topology{}, err
	}
	return t, t.Validate()
}

// IntraGroup splits g into one group per node, ranked by intra rank.
func IntraGroup(g group.Group, t Topology) (group.Group, error) {
	return g.Split(t.InterRank, t.IntraRank)
}

// InterGroup splits g into groups of the ranks sharing an intra rank, one member per node,
// ranked by inter rank.
func InterGroup(g group.Group, t Topology) (group.Group, error) {
	return g.Split(t.IntraRank, t.InterRank)
}
