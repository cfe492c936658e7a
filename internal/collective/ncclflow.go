package collective

import (
	"fmt"
	"sort"

	"github.com/nodeforge/trainsim/internal/costmodel"
)

// SingleFlow is one edge in a flow-model plan: bytes moving from src to dst
// on a named channel, gated on its parent flows finishing first.
type SingleFlow struct {
	ID       int
	Src      int
	Dst      int
	Bytes    uint64
	Parents  []int // flow ids that must complete before this one starts
	Children []int
	Channel  int
}

// FlowModel is the planned, fully-materialized set of flows for one
// NcclFlowModel phase instance. NcclFlowPlanner.Plan is required to be
// deterministic: identical (Shape, N, Bytes, NumChannels) inputs always produce
// byte-identical FlowModel output, which is why planning never consults
// wall-clock time or map iteration order for anything but a fixed node
// count.
type FlowModel struct {
	Flows []SingleFlow
}

// NcclFlowShape selects which NCCL topology pattern a planner builds.
type NcclFlowShape int

// NcclFlowShape constants.
const (
	ShapeRing NcclFlowShape = iota
	ShapeTree
	ShapeNVLS
)

func (s NcclFlowShape) String() string {
	switch s {
	case ShapeRing:
		return "ring"
	case ShapeTree:
		return "tree"
	case ShapeNVLS:
		return "nvls"
	default:
		return "unknown"
	}
}

// NcclFlowPlanner builds a FlowModel for N nodes moving Bytes total across
// NumChannels parallel channels.
type NcclFlowPlanner struct {
	Shape       NcclFlowShape
	N           int
	Bytes       uint64
	NumChannels int
}

// Plan deterministically constructs the flow DAG for the planner's shape.
// Channels are assigned round-robin by flow id so that increasing
// NumChannels only ever adds parallelism, never reorders existing flows.
func (p NcclFlowPlanner) Plan() (FlowModel, error) {
	if p.N <= 1 {
		return FlowModel{}, nil
	}
	channels := p.NumChannels
	if channels <= 0 {
		channels = 1
	}

	var flows []SingleFlow
	switch p.Shape {
	case ShapeRing:
		flows = p.planRing()
	case ShapeTree:
		flows = p.planTree()
	case ShapeNVLS:
		flows = p.planNVLS()
	default:
		return FlowModel{}, fmt.Errorf("ncclflow: unknown shape %v", p.Shape)
	}

	for i := range flows {
		flows[i].ID = i
		flows[i].Channel = i % channels
	}
	wireParentsChildren(flows)

	return FlowModel{Flows: flows}, nil
}

func (p NcclFlowPlanner) planRing() []SingleFlow {
	chunk := p.Bytes / uint64(p.N)
	if chunk == 0 {
		chunk = p.Bytes
	}
	flows := make([]SingleFlow, 0, 2*(p.N-1))
	for step := 0; step < p.N-1; step++ {
		for i := 0; i < p.N; i++ {
			flows = append(flows, SingleFlow{Src: i, Dst: (i + 1) % p.N, Bytes: chunk})
		}
	}
	return flows
}

func (p NcclFlowPlanner) planTree() []SingleFlow {
	flows := make([]SingleFlow, 0, p.N-1)
	// two passes mirroring DoubleBinaryTree: up to root then down.
	for i := 1; i < p.N; i++ {
		flows = append(flows, SingleFlow{Src: i, Dst: parentOf(i), Bytes: p.Bytes})
	}
	for i := 1; i < p.N; i++ {
		flows = append(flows, SingleFlow{Src: parentOf(i), Dst: i, Bytes: p.Bytes})
	}
	return flows
}

func (p NcclFlowPlanner) planNVLS() []SingleFlow {
	// NVLink SHARP-style: every node sends directly to a designated
	// switch root (node 0) which broadcasts the reduced result back,
	// i.e. a depth-1 tree with all N-1 leaves as direct children of the
	// root, exercised when the topology's NVSwitch dimension is present.
	flows := make([]SingleFlow, 0, 2*(p.N-1))
	for i := 1; i < p.N; i++ {
		flows = append(flows, SingleFlow{Src: i, Dst: 0, Bytes: p.Bytes})
	}
	for i := 1; i < p.N; i++ {
		flows = append(flows, SingleFlow{Src: 0, Dst: i, Bytes: p.Bytes})
	}
	return flows
}

// wireParentsChildren derives the dependency DAG: a flow depends on the
// most recent earlier-indexed flow whose Dst equals this flow's Src (the
// data it needs must have arrived first). This keeps planTree/planRing correct without
// hand-maintaining indices per shape.
func wireParentsChildren(flows []SingleFlow) {
	lastWriter := map[int][]int{} // node -> flow ids that wrote to it, in order
	for i := range flows {
		f := &flows[i]
		if parents, ok := lastWriter[f.Src]; ok && len(parents) > 0 {
			f.Parents = append(f.Parents, parents[len(parents)-1])
		}
		lastWriter[f.Dst] = append(lastWriter[f.Dst], f.ID)
	}
	for i := range flows {
		for _, pid := range flows[i].Parents {
			flows[pid].Children = append(flows[pid].Children, flows[i].ID)
		}
	}
}

// NcclFlowModel drives a planned FlowModel to completion, releasing each
// flow to Transport once its parents have all finished.
type NcclFlowModel struct {
	Local     int
	Plan      FlowModel
	StreamID  uint64
	QueueID   int
	Cost      costmodel.LogGP
	Transport Transport
	OnFinish  func()

	started  map[int]bool
	finished map[int]bool
}

func (m *NcclFlowModel) init() {
	if m.started == nil {
		m.started = map[int]bool{}
		m.finished = map[int]bool{}
	}
}

// Run releases every flow whose parents have completed and that involves
// this node as src or dst, lowest flow id first.
func (m *NcclFlowModel) Run() {
	m.init()

	ready := make([]SingleFlow, 0)
	for _, f := range m.Plan.Flows {
		if m.started[f.ID] {
			continue
		}
		allParentsDone := true
		for _, pid := range f.Parents {
			if !m.finished[pid] {
				allParentsDone = false
				break
			}
		}
		if !allParentsDone {
			continue
		}
		if f.Src != m.Local && f.Dst != m.Local {
			// A flow not touching this node still has to respect its own
			// parents before the flows depending on it can be released:
			// fold it into the finished set the moment it is unblocked,
			// without involving Transport.
			m.started[f.ID] = true
			m.finished[f.ID] = true
			continue
		}
		ready = append(ready, f)
	}
	sort.Slice(ready, func(i, j int) bool { return ready[i].ID < ready[j].ID })

	for _, f := range ready {
		f := f
		m.started[f.ID] = true
		tag := tagFor(m.QueueID, m.StreamID, f.ID)
		if f.Src == m.Local {
			m.Transport.SimSend(f.Dst, tag, f.Bytes, func() { m.complete(f.ID) })
		} else {
			m.Transport.SimRecv(f.Src, tag, func() { m.complete(f.ID) })
		}
	}
}

func (m *NcclFlowModel) complete(id int) {
	m.finished[id] = true
	if m.Finished() {
		if m.OnFinish != nil {
			m.OnFinish()
		}
		return
	}
	m.Run()
}

// Finished reports whether every flow in the plan has completed.
func (m *NcclFlowModel) Finished() bool {
	m.init()
	for _, f := range m.Plan.Flows {
		if !m.finished[f.ID] {
			return false
		}
	}
	return true
}
