package collective

import "github.com/nodeforge/trainsim/internal/topology"

// Operation is the logical collective a phase implements on its one
// dimension. It is distinct from model.CollectiveKind because a single
// AllReduce issuance can be rewritten, under LocalBWAware/Hierarchical
// optimization, into a mix of ReduceScatter and AllGather phases.
type Operation int

// Operation constants.
const (
	OpReduceScatter Operation = iota
	OpAllGather
	OpAllReduce
	OpAllToAll
)

func (o Operation) String() string {
	switch o {
	case OpReduceScatter:
		return "reduce-scatter"
	case OpAllGather:
		return "all-gather"
	case OpAllReduce:
		return "all-reduce"
	case OpAllToAll:
		return "all-to-all"
	default:
		return "unknown"
	}
}

// AlgorithmFactory binds a Transport and completion callback to produce a
// ready-to-run Algorithm. The Generator fixes the algorithm choice and its
// topology parameters at phase-build time; the Transport is only known
// once the owning Sys admits the phase to run, hence the two-stage
// construction.
type AlgorithmFactory func(transport Transport, onFinish func()) Algorithm

// Phase is the tuple (queue id, operation, algorithm instance, involved
// nodes) a chunk-stream executes on one physical dimension. It is owned by
// exactly one Stream at a time and is consumed (its Algorithm's Run
// completes) as the stream advances past it.
type Phase struct {
	QueueID       int // physical dimension this phase runs on
	Operation     Operation
	Factory       AlgorithmFactory
	Algorithm     Algorithm
	InvolvedNodes []int
	Bytes         uint64

	// LogicalKind records which topology shape Algorithm implements, kept
	// alongside for reporting/utilization bucketing.
	LogicalKind topology.LogicalKind
}

// Start constructs the phase's Algorithm against transport and begins
// running it. It is called once, when the owning stream reaches the head
// of its dimension queue.
func (p *Phase) Start(transport Transport, onFinish func()) {
	p.Algorithm = p.Factory(transport, onFinish)
	p.Algorithm.Run()
}

// Done reports whether the phase's algorithm has finished executing. A
// phase that has not yet been Start-ed is never done.
func (p *Phase) Done() bool {
	return p.Algorithm != nil && p.Algorithm.Finished()
}
