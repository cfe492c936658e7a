// Package fsm implements the per-node Workload FSM: the cooperative,
// tick-re-entrant state machine that walks one node's layer trace through
// its forward, input-gradient, and weight-gradient phases, issuing
// collectives along the way.
package fsm

import (
	"fmt"
	"reflect"

	"github.com/nodeforge/trainsim/internal/collective"
	"github.com/nodeforge/trainsim/internal/costmodel"
	"github.com/nodeforge/trainsim/internal/model"
	"github.com/nodeforge/trainsim/internal/report"
	"gitlab.com/akita/akita/v3/sim"
)

// State names the five states of the Workload FSM.
// ForwardInBackPass is entered transiently to recompute a checkpointed
// layer's activations before its input-gradient phase can run.
type State int

// State constants.
const (
	StateForwardPass State = iota
	StateInputGradient
	StateWeightGradient
	StateForwardInBackPass
	StateWaitForSimFinish
)

func (s State) String() string {
	switch s {
	case StateForwardPass:
		return "forward-pass"
	case StateInputGradient:
		return "input-gradient"
	case StateWeightGradient:
		return "weight-gradient"
	case StateForwardInBackPass:
		return "forward-in-back-pass"
	case StateWaitForSimFinish:
		return "wait-for-sim-finish"
	default:
		return "unknown"
	}
}

// IssueFunc hands a freshly built StreamBatch and its chunk-streams to the
// owning Sys for admission into the Collective Stream Scheduler. It is the
// FSM's only outbound dependency on the rest of the simulation.
type IssueFunc func(batch *model.StreamBatch, streams []*collective.Stream)

// tickEvent re-enters the FSM's driver loop. It carries no payload: all
// state lives on the FSM itself, matching a cooperative re-entry model
// with no stackful coroutines.
type tickEvent struct {
	time    sim.VTimeInSec
	handler *WorkloadFSM
}

func (e tickEvent) Time() sim.VTimeInSec   { return e.time }
func (e tickEvent) Handler() sim.Handler   { return e.handler }
func (e tickEvent) IsSecondary() bool      { return false }

// computeDoneEvent fires when a layer's compute for the given phase has
// finished, and is the point at which the FSM issues that phase's
// collective (if any) and advances its cursor.
type computeDoneEvent struct {
	time      sim.VTimeInSec
	handler   *WorkloadFSM
	layerID   int
	phase     model.Phase
	recompute bool // true when this compute was a ForwardInBackPass recompute
}

func (e computeDoneEvent) Time() sim.VTimeInSec { return e.time }
func (e computeDoneEvent) Handler() sim.Handler { return e.handler }
func (e computeDoneEvent) IsSecondary() bool    { return false }

// WorkloadFSM drives one node's layer trace to completion. It embeds
// sim.ComponentBase so it schedules and receives akita events directly.
type WorkloadFSM struct {
	*sim.ComponentBase
	sim.TimeTeller
	sim.EventScheduler

	NodeID int
	Layers []*model.Layer // ordered by ID, ID == index

	Cost          costmodel.LogGP
	ClockPeriodNs float64

	Generator *collective.Generator
	Issue     IssueFunc

	// OnFinish is called once every layer's weight-gradient phase has
	// completed, on the iteration that reaches TotalPasses.
	OnFinish func()

	// TotalPasses is the number of forward/input-gradient/weight-gradient
	// iterations this node runs before StateWaitForSimFinish. Zero or
	// negative means one pass.
	TotalPasses int

	state      State
	cursor     int // forward-pass cursor, 0..len(Layers)
	backCursor int // input/weight-gradient cursor, len(Layers)-1..0
	pass       int // iterations completed so far

	// forwardIssued/inputGradIssued mark that the current cursor/backCursor
	// layer's compute and collective have already been issued this phase
	// step, so a re-entry while blocked on that phase's own Blocking
	// barrier does not re-issue them.
	forwardIssued   bool
	inputGradIssued bool

	// lifoCounter/fifoCounter back input-gradient's LIFO and
	// weight-gradient's FIFO stream-priority policies (spec: LIFO ->
	// increasing counter, FIFO -> decreasing counter). Forward-pass streams
	// use priority policy None and always carry priority 0.
	lifoCounter int64
	fifoCounter int64

	recomputed map[int]bool // layer id -> its checkpoint recompute already ran
	nextBatch  uint64
	nextStream uint64

	stats map[int]*report.LayerStats
}

// NewWorkloadFSM builds a WorkloadFSM for one node.
func NewWorkloadFSM(name string, tt sim.TimeTeller, es sim.EventScheduler, layers []*model.Layer) *WorkloadFSM {
	f := &WorkloadFSM{
		TimeTeller:     tt,
		EventScheduler: es,
		Layers:         layers,
		recomputed:     map[int]bool{},
		stats:          map[int]*report.LayerStats{},
	}
	for _, l := range layers {
		f.stats[l.ID] = report.NewLayerStats(l.ID)
	}
	f.ComponentBase = sim.NewComponentBase(name)
	return f
}

// Stats returns this node's accumulated per-layer timing breakdown, ready
// for report.WriteSummaryCSV.
func (f *WorkloadFSM) Stats() []*report.LayerStats {
	out := make([]*report.LayerStats, 0, len(f.stats))
	for _, s := range f.stats {
		out = append(out, s)
	}
	return out
}

// Start schedules the first tick, entering StateForwardPass at layer 0.
func (f *WorkloadFSM) Start(now sim.VTimeInSec) {
	f.state = StateForwardPass
	f.cursor = 0
	f.Schedule(tickEvent{time: now, handler: f})
}

// Handle dispatches akita events to the FSM's driver loop.
func (f *WorkloadFSM) Handle(e sim.Event) error {
	switch e := e.(type) {
	case tickEvent:
		f.tick()
	case computeDoneEvent:
		f.onComputeDone(e)
	default:
		panic("WorkloadFSM cannot handle event type " + reflect.TypeOf(e).String())
	}
	return nil
}

// tick is the cooperative re-entry point: it looks at the current state
// and cursor, does the minimal next thing, then either schedules the
// compute that will bring it back (via computeDoneEvent) or immediately
// re-enters for a zero-cost transition.
func (f *WorkloadFSM) tick() {
	switch f.state {
	case StateForwardPass:
		f.tickForward()
	case StateForwardInBackPass:
		f.tickForwardInBackPass()
	case StateInputGradient:
		f.tickInputGradient()
	case StateWeightGradient:
		f.tickWeightGradient()
	case StateWaitForSimFinish:
		f.tickWaitForSimFinish()
	}
}

// totalPasses returns the configured iteration count, defaulting to 1.
func (f *WorkloadFSM) totalPasses() int {
	if f.TotalPasses <= 0 {
		return 1
	}
	return f.TotalPasses
}

func (f *WorkloadFSM) tickForward() {
	if f.cursor >= len(f.Layers) {
		f.state = StateInputGradient
		f.backCursor = len(f.Layers) - 1
		f.Schedule(tickEvent{time: f.CurrentTime(), handler: f})
		return
	}
	layer := f.Layers[f.cursor]

	if f.forwardIssued {
		// forward's own barrier is Blocking: hold at this layer until its
		// forward batch map is empty before moving to the next layer.
		if !layer.PhaseComplete(model.PhaseForward) {
			if _, waiting := layer.WaitingSince[model.PhaseForward]; !waiting {
				layer.WaitingSince[model.PhaseForward] = f.CurrentTime()
			}
			return
		}
		if since, waiting := layer.WaitingSince[model.PhaseForward]; waiting {
			f.stats[layer.ID].BubbleSec += float64(f.CurrentTime() - since)
			delete(layer.WaitingSince, model.PhaseForward)
		}
		f.forwardIssued = false
		f.cursor++
		f.Schedule(tickEvent{time: f.CurrentTime(), handler: f})
		return
	}

	// weight_grad_comm_finished(i): this layer's forward pass cannot
	// start until its own weight-gradient collective from the previous
	// iteration has completed.
	if !layer.PhaseComplete(model.PhaseWeightGradient) {
		if _, waiting := layer.WaitingSince[model.PhaseWeightGradient]; !waiting {
			layer.WaitingSince[model.PhaseWeightGradient] = f.CurrentTime()
		}
		return
	}
	if since, waiting := layer.WaitingSince[model.PhaseWeightGradient]; waiting {
		f.stats[layer.ID].BubbleSec += float64(f.CurrentTime() - since)
		delete(layer.WaitingSince, model.PhaseWeightGradient)
	}
	f.forwardIssued = true
	f.scheduleCompute(layer, model.PhaseForward, false)
}

// tickForwardInBackPass recomputes a checkpointed layer's forward
// activations before its input-gradient phase may run.
func (f *WorkloadFSM) tickForwardInBackPass() {
	layer := f.Layers[f.backCursor]
	f.scheduleCompute(layer, model.PhaseForward, true)
}

func (f *WorkloadFSM) tickInputGradient() {
	if f.backCursor < 0 {
		f.state = StateWeightGradient
		f.backCursor = len(f.Layers) - 1
		f.Schedule(tickEvent{time: f.CurrentTime(), handler: f})
		return
	}
	layer := f.Layers[f.backCursor]

	if f.inputGradIssued {
		// input-gradient's own barrier is Blocking: hold at this layer
		// until its input-gradient batch map is empty before moving to the
		// next layer.
		if !layer.PhaseComplete(model.PhaseInputGradient) {
			if _, waiting := layer.WaitingSince[model.PhaseInputGradient]; !waiting {
				layer.WaitingSince[model.PhaseInputGradient] = f.CurrentTime()
			}
			return
		}
		if since, waiting := layer.WaitingSince[model.PhaseInputGradient]; waiting {
			f.stats[layer.ID].BubbleSec += float64(f.CurrentTime() - since)
			delete(layer.WaitingSince, model.PhaseInputGradient)
		}
		f.inputGradIssued = false
		f.backCursor--
		f.Schedule(tickEvent{time: f.CurrentTime(), handler: f})
		return
	}

	if layer.IsCheckpoint && layer.NeedsRecomputeTrigger && !f.recomputed[layer.ID] {
		f.state = StateForwardInBackPass
		f.Schedule(tickEvent{time: f.CurrentTime(), handler: f})
		return
	}
	f.inputGradIssued = true
	f.scheduleCompute(layer, model.PhaseInputGradient, false)
}

// tickWeightGradient blocks, per layer, on that same layer's input-gradient
// collective having finished (the "input_grad_comm_finished" dependency)
// before issuing the weight-gradient phase.
func (f *WorkloadFSM) tickWeightGradient() {
	if f.backCursor < 0 {
		f.pass++
		if f.pass < f.totalPasses() {
			f.state = StateForwardPass
			f.cursor = 0
			f.Schedule(tickEvent{time: f.CurrentTime(), handler: f})
			return
		}
		f.state = StateWaitForSimFinish
		f.Schedule(tickEvent{time: f.CurrentTime(), handler: f})
		return
	}
	layer := f.Layers[f.backCursor]
	if !layer.PhaseComplete(model.PhaseInputGradient) {
		// re-armed by the input-gradient batch's completion callback
		// (completeBatch), not by a busy-poll reschedule.
		if _, waiting := layer.WaitingSince[model.PhaseInputGradient]; !waiting {
			layer.WaitingSince[model.PhaseInputGradient] = f.CurrentTime()
		}
		return
	}
	if since, waiting := layer.WaitingSince[model.PhaseInputGradient]; waiting {
		f.stats[layer.ID].BubbleSec += float64(f.CurrentTime() - since)
		delete(layer.WaitingSince, model.PhaseInputGradient)
	}
	f.scheduleCompute(layer, model.PhaseWeightGradient, false)
}

// tickWaitForSimFinish blocks on every layer's weight-gradient collective
// having finished (the "weight_grad_comm_finished" dependency): the
// terminal condition of a node's run.
func (f *WorkloadFSM) tickWaitForSimFinish() {
	for _, layer := range f.Layers {
		if !layer.PhaseComplete(model.PhaseWeightGradient) {
			return
		}
	}
	if f.OnFinish != nil {
		f.OnFinish()
	}
}

// scheduleCompute schedules the compute-bound portion of one layer/phase
// and arranges for onComputeDone to run once it finishes.
func (f *WorkloadFSM) scheduleCompute(layer *model.Layer, phase model.Phase, recompute bool) {
	spec := layer.PhaseSpec(phase)
	duration := costmodel.CyclesToTime(spec.ComputeCycles, f.ClockPeriodNs)
	f.stats[layer.ID].ComputeSec += float64(duration)
	f.Schedule(computeDoneEvent{
		time:      f.CurrentTime() + duration,
		handler:   f,
		layerID:   layer.ID,
		phase:     phase,
		recompute: recompute,
	})
}

// onComputeDone issues the phase's collective (if any), advances the
// relevant cursor, and re-enters the driver loop.
func (f *WorkloadFSM) onComputeDone(e computeDoneEvent) {
	layer := f.Layers[e.layerID]

	if e.recompute {
		f.recomputed[layer.ID] = true
		f.state = StateInputGradient
		f.Schedule(tickEvent{time: f.CurrentTime(), handler: f})
		return
	}

	spec := layer.PhaseSpec(e.phase)
	if spec.Collective != model.CollectiveNone {
		f.issueCollective(layer, e.phase, spec)
	}

	next := f.CurrentTime()
	if e.phase == model.PhaseWeightGradient && layer.WeightGradUpdateTime > 0 {
		// the optimizer-update delay is charged after the weight-gradient
		// collective is issued, not before; issuing first keeps the
		// communication overlapped with the update where the network is
		// free to start immediately.
		update := costmodel.CyclesToTime(layer.WeightGradUpdateTime, f.ClockPeriodNs)
		f.stats[layer.ID].ComputeSec += float64(update)
		next += update
	}

	if barrierFor(e.phase) == model.NonBlocking {
		// weight-gradient is the only NonBlocking phase: advance its
		// cursor immediately regardless of whether the collective has
		// finished.
		f.backCursor--
	}
	// Blocking phases (forward, input-gradient) leave their cursor where it
	// is; the owning tick function re-checks PhaseComplete on re-entry and
	// only advances once this layer's batch map is empty.
	f.Schedule(tickEvent{time: next, handler: f})
}

// barrierFor reports whether a phase's own collective must finish before
// the FSM may advance past the layer that issued it.
func barrierFor(p model.Phase) model.Barrier {
	if p == model.PhaseWeightGradient {
		return model.NonBlocking
	}
	return model.Blocking
}

func collectiveToOperation(k model.CollectiveKind) collective.Operation {
	switch k {
	case model.CollectiveAllGather:
		return collective.OpAllGather
	case model.CollectiveReduceScatter:
		return collective.OpReduceScatter
	case model.CollectiveAllToAll:
		return collective.OpAllToAll
	default:
		return collective.OpAllReduce
	}
}

// notifierKindFor maps a Workload FSM phase to the StreamBatch notifier
// kind that will fire on its completion.
func notifierKindFor(p model.Phase) model.NotifierKind {
	switch p {
	case model.PhaseForward:
		return model.NotifyForwardDone
	case model.PhaseInputGradient:
		return model.NotifyInputGradDone
	default:
		return model.NotifyWeightGradDone
	}
}

// preferredChunkBytes is the implementation-defined chunk size a
// collective's message is split into before issuance: one chunk-stream per
// ceil(bytes/preferredChunkBytes) piece, never smaller than the protocol
// floor itself.
const preferredChunkBytes = 4096

// chunkCount returns ceil(bytes/chunkSize), or 0 for a zero-byte (inactive)
// phase.
func chunkCount(bytes uint64, chunkSize int) int {
	if bytes == 0 {
		return 0
	}
	n := bytes / uint64(chunkSize)
	if bytes%uint64(chunkSize) != 0 {
		n++
	}
	return int(n)
}

// nextPriority assigns a stream's scheduling priority per its phase's
// ordering policy: forward is policy None (always 0), weight-gradient is
// FIFO (decreasing counter), input-gradient is LIFO (increasing counter).
func (f *WorkloadFSM) nextPriority(phase model.Phase) collective.Priority {
	switch phase {
	case model.PhaseInputGradient:
		f.lifoCounter++
		return collective.Priority(f.lifoCounter)
	case model.PhaseWeightGradient:
		f.fifoCounter--
		return collective.Priority(f.fifoCounter)
	default:
		return 0
	}
}

// issueCollective chunks one phase's collective message into
// ceil(bytes/preferredChunkBytes) chunk-streams, each with its own
// PhaseGenerator-built phase list and priority, and hands the resulting
// StreamBatch set to the Issue hook. The batch's Batches entry is what
// PhaseComplete gates later phases on.
func (f *WorkloadFSM) issueCollective(layer *model.Layer, phase model.Phase, spec model.PhaseSpec) {
	f.nextBatch++
	batchID := f.nextBatch

	batch := &model.StreamBatch{
		ID:          batchID,
		CreatedTick: f.CurrentTime(),
		Notifier:    &model.Notifier{Layer: layer, Phase: phase, Kind: notifierKindFor(phase)},
		Group:       spec.Group,
		Active:      true,
	}

	numChunks := chunkCount(spec.Bytes, preferredChunkBytes)
	if numChunks == 0 {
		batch.LiveStreams = 0
		layer.AddBatch(phase, batch)
		f.completeBatch(layer, phase, batch)
		return
	}

	op := collectiveToOperation(spec.Collective)
	groupKey := fmt.Sprintf("%s-%d", spec.Group, layer.ID)
	streams := make([]*collective.Stream, 0, numChunks)
	remaining := spec.Bytes
	for c := 0; c < numChunks; c++ {
		chunkBytes := uint64(preferredChunkBytes)
		if chunkBytes > remaining {
			chunkBytes = remaining
		}
		remaining -= chunkBytes

		f.nextStream++
		streamID := f.nextStream
		phases, err := f.Generator.Build(op, chunkBytes, streamID)
		if err != nil || len(phases) == 0 {
			continue
		}
		stream := &collective.Stream{
			ID:              streamID,
			BatchID:         batchID,
			GroupKey:        groupKey,
			Priority:        f.nextPriority(phase),
			Phases:          phases,
			InitialDataSize: chunkBytes,
			State:           collective.StreamCreated,
		}
		stream.OnDone = func() { f.NotifyStreamDone(layer, phase, batch) }
		streams = append(streams, stream)
	}

	if len(streams) == 0 {
		batch.LiveStreams = 0
		layer.AddBatch(phase, batch)
		f.completeBatch(layer, phase, batch)
		return
	}

	batch.LiveStreams = len(streams)
	layer.AddBatch(phase, batch)
	f.Issue(batch, streams)
}

// NotifyRecv and NotifyPortFree satisfy sim.Component; WorkloadFSM owns no
// ports, so neither notification is ever actually delivered.
func (f *WorkloadFSM) NotifyRecv(now sim.VTimeInSec, port sim.Port)     {}
func (f *WorkloadFSM) NotifyPortFree(now sim.VTimeInSec, port sim.Port) {}

// NotifyStreamDone is called by the owning Sys when a chunk-stream backing
// a StreamBatch finishes; once every stream of the batch is done, the
// batch is removed from the layer and the FSM is re-armed so a blocked
// WeightGradient/WaitForSimFinish tick can make progress again.
func (f *WorkloadFSM) NotifyStreamDone(layer *model.Layer, phase model.Phase, batch *model.StreamBatch) {
	batch.LiveStreams--
	if batch.Done() {
		f.completeBatch(layer, phase, batch)
	}
}

func (f *WorkloadFSM) completeBatch(layer *model.Layer, phase model.Phase, batch *model.StreamBatch) {
	batch.FinishTick = f.CurrentTime()
	f.stats[layer.ID].ExposedCommSec[batch.Group] += float64(batch.FinishTick - batch.CreatedTick)
	layer.RemoveBatch(phase, batch.ID)
	f.Schedule(tickEvent{time: f.CurrentTime(), handler: f})
}
