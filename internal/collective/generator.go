// Package collective implements the Collective Phase Generator and its
// supporting chunk-stream, phase, and algorithm types.
package collective

import (
	"fmt"
	"strings"

	"github.com/nodeforge/trainsim/internal/costmodel"
	"github.com/nodeforge/trainsim/internal/topology"
)

// AlgorithmChoice names one of the known Algorithm variants, as selected
// per-dimension by a config string like "ring_doubleBinaryTree_direct".
type AlgorithmChoice int

// AlgorithmChoice constants.
const (
	ChoiceRing AlgorithmChoice = iota
	ChoiceHalvingDoubling
	ChoiceDoubleBinaryTree
	ChoiceAllToAllDirect
	ChoiceNcclFlowModel
)

// ParseAlgorithmChoice maps a config token to an AlgorithmChoice.
func ParseAlgorithmChoice(token string) (AlgorithmChoice, error) {
	switch strings.ToLower(token) {
	case "ring":
		return ChoiceRing, nil
	case "halvingdoubling", "halving_doubling":
		return ChoiceHalvingDoubling, nil
	case "doublebinarytree", "double_binary_tree", "doublebinarytreellama":
		return ChoiceDoubleBinaryTree, nil
	case "direct", "alltoalldirect", "all_to_all_direct":
		return ChoiceAllToAllDirect, nil
	case "nccltreeflowmodel", "ncclflowmodel", "flowmodel":
		return ChoiceNcclFlowModel, nil
	default:
		return 0, fmt.Errorf("collective: unknown algorithm token %q", token)
	}
}

// ParsePerDimensionAlgorithms splits an underscore-joined config string
// into one AlgorithmChoice per dimension. A single token with no
// underscore is broadcast to every dimension.
func ParsePerDimensionAlgorithms(s string, numDims int) ([]AlgorithmChoice, error) {
	tokens := strings.Split(s, "_")
	if len(tokens) == 1 && numDims > 1 {
		choice, err := ParseAlgorithmChoice(tokens[0])
		if err != nil {
			return nil, err
		}
		choices := make([]AlgorithmChoice, numDims)
		for i := range choices {
			choices[i] = choice
		}
		return choices, nil
	}
	if len(tokens) != numDims {
		return nil, fmt.Errorf("collective: algorithm string %q has %d tokens, want %d", s, len(tokens), numDims)
	}
	choices := make([]AlgorithmChoice, numDims)
	for i, tok := range tokens {
		c, err := ParseAlgorithmChoice(tok)
		if err != nil {
			return nil, err
		}
		choices[i] = c
	}
	return choices, nil
}

// TraversalOrder fixes the sequence in which a multi-dimensional
// collective's per-dimension phases are issued.
type TraversalOrder int

// TraversalOrder constants.
const (
	TraversalForward TraversalOrder = iota
	TraversalReverse
	TraversalRoundRobin
	TraversalOfflineGreedy
	TraversalOfflineGreedyFlex
)

// Generator is the Collective Phase Generator: given a logical collective
// on a node's full dimension set, it builds the ordered list of
// single-dimension Phases a chunk-stream will execute.
type Generator struct {
	NodeID int
	Map    *topology.Map

	// PerDimensionAlgorithmByOp selects which Algorithm variant runs on
	// each physical dimension, keyed by the per-operation config string
	// each system config file carries (allreduce/allgather/reducescatter/
	// alltoall-implementation) so AllGather's traversal can pick a
	// different algorithm than AllReduce's reduce-scatter leg.
	PerDimensionAlgorithmByOp map[Operation][]AlgorithmChoice
	// NumChannels feeds NcclFlowPlanner.NumChannels for ChoiceNcclFlowModel.
	NumChannels int

	Cost costmodel.LogGP

	// LocalBWAware rewrites a single AllReduce into ReduceScatter+AllGather
	// per dimension so that only the reduced payload crosses the slower
	// dimensions.
	LocalBWAware bool
	// Hierarchical further reorders dimensions widest-first (largest
	// DimSize first, equal sizes keeping their prior order), applied after
	// and overriding TraversalOrder.
	Hierarchical bool

	Order TraversalOrder
}

// dimensionOrder returns the sequence of physical dimensions a phase list
// should traverse, honoring Hierarchical and Order. streamID selects the
// starting dimension under TraversalRoundRobin.
func (g *Generator) dimensionOrder(op Operation, numDims int, streamID uint64) []int {
	order := make([]int, numDims)
	for i := range order {
		order[i] = i
	}

	switch g.Order {
	case TraversalReverse:
		for i, j := 0, len(order)-1; i < j; i, j = i+1, j-1 {
			order[i], order[j] = order[j], order[i]
		}
	case TraversalRoundRobin:
		// interleave by parity, then rotate the start by stream id so
		// neighboring streams begin on different dimensions, reducing
		// head-of-line contention.
		evens, odds := []int{}, []int{}
		for _, d := range order {
			if d%2 == 0 {
				evens = append(evens, d)
			} else {
				odds = append(odds, d)
			}
		}
		order = append(evens, odds...)
		if numDims > 0 {
			shift := int(streamID % uint64(numDims))
			order = append(append([]int(nil), order[shift:]...), order[:shift]...)
		}
	case TraversalOfflineGreedy, TraversalOfflineGreedyFlex:
		// without a global cost table to consult, fall back to widest
		// dimension first — the dimension most likely to dominate cost.
		order = g.widestFirst(order)
	default:
		// default per-operation convention from: AllGather
		// traverses dimensions in reverse, ReduceScatter forward.
		if op == OpAllGather {
			for i, j := 0, len(order)-1; i < j; i, j = i+1, j-1 {
				order[i], order[j] = order[j], order[i]
			}
		}
	}

	if g.Hierarchical && len(order) > 1 {
		order = g.widestFirst(order)
	}
	return order
}

func (g *Generator) widestFirst(order []int) []int {
	sorted := append([]int(nil), order...)
	for i := 1; i < len(sorted); i++ {
		for j := i; j > 0 && g.Map.DimSize(sorted[j]) > g.Map.DimSize(sorted[j-1]); j-- {
			sorted[j], sorted[j-1] = sorted[j-1], sorted[j]
		}
	}
	return sorted
}

// legsFor returns the per-dimension Operation legs a logical op expands
// into: a single leg unless LocalBWAware rewrites AllReduce into a
// reduce-scatter/all-gather pair per dimension.
func (g *Generator) legsFor(op Operation) []Operation {
	if op == OpAllReduce && g.LocalBWAware {
		return []Operation{OpReduceScatter, OpAllGather}
	}
	return []Operation{op}
}

// Build constructs the ordered Phase list for one stream's issuance of op
// moving totalBytes; every phase carries the full totalBytes. queueID of
// each phase equals its physical dimension number, matching the
// scheduler's one-queue-per-dimension model.
func (g *Generator) Build(op Operation, totalBytes, streamID uint64) ([]*Phase, error) {
	numDims := len(g.Map.Dims)

	order := g.dimensionOrder(op, numDims, streamID)
	legs := g.legsFor(op)

	phases := make([]*Phase, 0, numDims*len(legs))
	for _, dim := range order {
		group := g.Map.Topology(topologyOpKind(op))[dim]
		n := g.Map.DimSize(dim)
		local := localPositionInGroup(group, g.NodeID)

		for _, leg := range legs {
			algos := g.PerDimensionAlgorithmByOp[leg]
			if len(algos) != numDims {
				return nil, fmt.Errorf("collective: generator configured with %d algorithms for %v, topology has %d dimensions", len(algos), leg, numDims)
			}
			phase := &Phase{
				QueueID:       dim,
				Operation:     leg,
				InvolvedNodes: group.Nodes,
				Bytes:         totalBytes,
				LogicalKind:   group.Kind,
			}
			phase.Factory = g.factoryFor(algos[dim], local, n, leg, totalBytes, dim, streamID)
			phases = append(phases, phase)
		}
	}
	return phases, nil
}

func (g *Generator) factoryFor(choice AlgorithmChoice, local, n int, op Operation, bytes uint64, dim int, streamID uint64) AlgorithmFactory {
	return func(transport Transport, onFinish func()) Algorithm {
		switch choice {
		case ChoiceHalvingDoubling:
			if IsPowerOfTwo(n) {
				return &HalvingDoubling{Local: local, N: n, Op: op, Bytes: bytes, StreamID: streamID, QueueID: dim, Cost: g.Cost, Transport: transport, OnFinish: onFinish}
			}
			return &Ring{Local: local, N: n, Op: op, Bytes: bytes, StreamID: streamID, QueueID: dim, Cost: g.Cost, Transport: transport, OnFinish: onFinish}
		case ChoiceDoubleBinaryTree:
			return &DoubleBinaryTree{Local: local, N: n, Bytes: bytes, StreamID: streamID, QueueID: dim, Cost: g.Cost, Transport: transport, OnFinish: onFinish}
		case ChoiceAllToAllDirect:
			return &AllToAllDirect{Local: local, N: n, Bytes: bytes, StreamID: streamID, QueueID: dim, Cost: g.Cost, Transport: transport, OnFinish: onFinish}
		case ChoiceNcclFlowModel:
			planner := NcclFlowPlanner{Shape: ShapeRing, N: n, Bytes: bytes, NumChannels: g.NumChannels}
			plan, _ := planner.Plan()
			return &NcclFlowModel{Local: local, Plan: plan, StreamID: streamID, QueueID: dim, Cost: g.Cost, Transport: transport, OnFinish: onFinish}
		default:
			return &Ring{Local: local, N: n, Op: op, Bytes: bytes, StreamID: streamID, QueueID: dim, Cost: g.Cost, Transport: transport, OnFinish: onFinish}
		}
	}
}

// topologyOpKind maps a per-dimension Operation back to the OpKind a
// topology.Map indexes its per-operation LogicalTopology assignment by;
// all legs of one logical op share the same assigned topology.
func topologyOpKind(op Operation) topology.OpKind {
	switch op {
	case OpReduceScatter:
		return topology.OpReduceScatter
	case OpAllGather:
		return topology.OpAllGather
	case OpAllToAll:
		return topology.OpAllToAll
	default:
		return topology.OpAllReduce
	}
}

// localPositionInGroup returns this node's 0..N-1 offset within the
// dimension's involved-node group, preserving the group's listed order.
func localPositionInGroup(group topology.LogicalTopology, nodeID int) int {
	for i, id := range group.Nodes {
		if id == nodeID {
			return i
		}
	}
	return 0
}
