package model

import "gitlab.com/akita/akita/v3/sim"

// CollectiveKind is the logical collective operation a layer's phase
// issues, taken from the workload file grammar.
type CollectiveKind int

// CollectiveKind constants. The _EP and _DP_EP suffixes from the workload
// grammar are carried in GroupKind, not here.
const (
	CollectiveNone CollectiveKind = iota
	CollectiveAllReduce
	CollectiveAllGather
	CollectiveReduceScatter
	CollectiveAllToAll
)

func (k CollectiveKind) String() string {
	switch k {
	case CollectiveNone:
		return "NONE"
	case CollectiveAllReduce:
		return "ALLREDUCE"
	case CollectiveAllGather:
		return "ALLGATHER"
	case CollectiveReduceScatter:
		return "REDUCESCATTER"
	case CollectiveAllToAll:
		return "ALLTOALL"
	default:
		return "UNKNOWN"
	}
}

// GroupKind names the parallelism group a collective runs over.
type GroupKind int

// GroupKind constants.
const (
	GroupTP GroupKind = iota
	GroupDP
	GroupEP
	GroupDPEP
	GroupPP
)

func (k GroupKind) String() string {
	switch k {
	case GroupTP:
		return "TP"
	case GroupDP:
		return "DP"
	case GroupEP:
		return "EP"
	case GroupDPEP:
		return "DP_EP"
	case GroupPP:
		return "PP"
	default:
		return "UNKNOWN"
	}
}

// Barrier names whether a caller may advance past a collective issuance
// before it completes.
type Barrier int

// Barrier constants.
const (
	NonBlocking Barrier = iota
	Blocking
)

// Phase names one of the three compute/communication phases of a layer's
// pass.
type Phase int

// Phase constants. ForwardInBackPass is a sub-state of ForwardPass entered
// during checkpoint recomputation, not a phase of a layer.
const (
	PhaseForward Phase = iota
	PhaseInputGradient
	PhaseWeightGradient
)

func (p Phase) String() string {
	switch p {
	case PhaseForward:
		return "forward"
	case PhaseInputGradient:
		return "input-grad"
	case PhaseWeightGradient:
		return "weight-grad"
	default:
		return "unknown"
	}
}

// PhaseSpec is the per-phase configuration of one layer: compute cycles,
// the collective it issues (if any), the involved physical dimensions, and
// the message size.
type PhaseSpec struct {
	ComputeCycles  uint64
	Collective     CollectiveKind
	InvolvedDims   uint32 // bitmask, bit d set => dimension d participates
	Bytes          uint64
	Group          GroupKind
}

// Layer is one row of the workload trace: an operator id, its dependency,
// and the per-phase compute/communication specification, plus checkpoint
// flags for activation recomputation.
type Layer struct {
	ID  int
	Dep int

	Forward      PhaseSpec
	InputGrad    PhaseSpec
	WeightGrad   PhaseSpec

	WeightGradUpdateTime uint64

	IsCheckpoint         bool
	NeedsRecomputeTrigger bool

	// SpecificPolicy carries the optional per-layer policy override token
	// from the workload grammar, empty when unset.
	SpecificPolicy string

	// Batches holds, per phase, the outstanding collectives issued for
	// that phase, keyed by StreamBatch id. The FSM blocks at a Blocking
	// barrier until the map for that phase is empty.
	Batches map[Phase]map[uint64]*StreamBatch

	// WaitingSince records the tick at which the FSM started waiting on a
	// phase's batches, for hang diagnostics. At most one active waiter per
	// phase.
	WaitingSince map[Phase]sim.VTimeInSec
}

// NewLayer allocates a Layer with its batch bookkeeping maps initialized.
func NewLayer(id, dep int) *Layer {
	return &Layer{
		ID:  id,
		Dep: dep,
		Batches: map[Phase]map[uint64]*StreamBatch{
			PhaseForward:       {},
			PhaseInputGradient: {},
			PhaseWeightGradient: {},
		},
		WaitingSince: map[Phase]sim.VTimeInSec{},
	}
}

// PhaseSpec returns the configuration for the given phase.
func (l *Layer) PhaseSpec(p Phase) PhaseSpec {
	switch p {
	case PhaseForward:
		return l.Forward
	case PhaseInputGradient:
		return l.InputGrad
	case PhaseWeightGradient:
		return l.WeightGrad
	default:
		panic("unknown phase")
	}
}

// AddBatch records a newly issued StreamBatch under the given phase.
func (l *Layer) AddBatch(p Phase, b *StreamBatch) {
	l.Batches[p][b.ID] = b
}

// RemoveBatch drops a finished StreamBatch from the phase's bookkeeping.
func (l *Layer) RemoveBatch(p Phase, id uint64) {
	delete(l.Batches[p], id)
}

// PhaseComplete reports whether every batch of the given phase has
// finished — the condition the FSM waits on at a Blocking barrier.
func (l *Layer) PhaseComplete(p Phase) bool {
	return len(l.Batches[p]) == 0
}

// NotifierKind names the event kind a StreamBatch notifies its owning
// Layer with on completion.
type NotifierKind int

// NotifierKind constants.
const (
	NotifyForwardDone NotifierKind = iota
	NotifyInputGradDone
	NotifyWeightGradDone
)

// Notifier is a back-reference from a StreamBatch to the Layer + event
// kind it should signal on completion.
type Notifier struct {
	Layer *Layer
	Phase Phase
	Kind  NotifierKind
}

// StreamBatch is the set of chunk-streams generated by one collective
// issuance. It is destroyed once every chunk stream has finished.
type StreamBatch struct {
	ID          uint64
	CreatedTick sim.VTimeInSec
	FinishTick  sim.VTimeInSec

	Notifier *Notifier

	// Group records which parallelism group issued the batch, so reporting
	// can attribute its exposed communication time to the right bucket.
	Group GroupKind

	// LiveStreams counts chunk-streams not yet finished. The batch is
	// complete once this reaches zero.
	LiveStreams int

	// Active is false for an inactive batch (e.g. zero bytes, or no
	// participating dimension): it completes immediately at creation.
	Active bool
}

// Done reports whether every stream of the batch has finished.
func (b *StreamBatch) Done() bool {
	return b.LiveStreams <= 0
}
