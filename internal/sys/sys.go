// Package sys implements Sys, the per-node orchestrator that turns
// Collective Phase Generator output into actual send/recv traffic over a
// Fabric, admits chunk-streams through the Collective Stream Scheduler,
// and reports phase completion back to the owning Workload FSM.
package sys

import (
	"github.com/nodeforge/trainsim/internal/collective"
	"github.com/nodeforge/trainsim/internal/fsm"
	"github.com/nodeforge/trainsim/internal/model"
	"github.com/nodeforge/trainsim/internal/scheduler"
	"gitlab.com/akita/akita/v3/sim"
)

// RendezvousOffset is added to a message's tag to form the tag of its
// rendezvous control message wire contract.
const RendezvousOffset = 500_000_000

// RendezvousThreshold is the payload size, in bytes, at or above which a
// send performs the two-hop control/data rendezvous handshake instead of
// a single direct transfer.
const RendezvousThreshold = 1 << 20

// RendezvousControlBytes is the fixed size of the control message sent
// ahead of a rendezvous data transfer.
const RendezvousControlBytes = 8 * 1024

type recvKey struct {
	srcNode int
	tag     int
}

type sendJob struct {
	dstNode  int
	tag      int
	bytes    uint64
	onDone   func()
}

// Sys is the NodeOrchestrator for one simulated node: it owns that node's
// dimension queues, drives admitted streams' phases against a Fabric, and
// feeds completion back to the node's WorkloadFSM.
type Sys struct {
	sim.EventScheduler
	sim.TimeTeller

	NodeID    int
	Scheduler *scheduler.Scheduler
	Fabric    Fabric
	FSM       *fsm.WorkloadFSM

	// Peers lets one Sys deliver arrived bytes directly to the Sys that
	// owns the destination node, modeling the receive side of the wire
	// without needing a separate network-endpoint component per node.
	Peers map[int]*Sys

	pendingRecv   map[recvKey]func()
	earlyArrival  map[recvKey]bool
	outboundQueue map[int][]*sendJob
	outboundBusy  map[int]bool

	// started records the streams whose current phase has already been
	// started — used to avoid double-starting.
	started map[*collective.Stream]bool
}

// NewSys builds a Sys for one node.
func NewSys(nodeID int, sched *scheduler.Scheduler, fabric Fabric, es sim.EventScheduler, tt sim.TimeTeller) *Sys {
	return &Sys{
		EventScheduler: es,
		TimeTeller:     tt,
		NodeID:         nodeID,
		Scheduler:      sched,
		Fabric:         fabric,
		Peers:          map[int]*Sys{},
		pendingRecv:    map[recvKey]func(){},
		earlyArrival:   map[recvKey]bool{},
		outboundQueue:  map[int][]*sendJob{},
		outboundBusy:   map[int]bool{},
		started:        map[*collective.Stream]bool{},
	}
}

// GenerateCollective builds a StreamBatch's chunk-streams, enqueues them
// into the scheduler, and starts admission on their dimensions. It is the
// function the WorkloadFSM calls through its IssueFunc hook.
func (s *Sys) GenerateCollective(batch *model.StreamBatch, streams []*collective.Stream) {
	for _, stream := range streams {
		if !s.Scheduler.Enqueue(stream) {
			// Enqueue refuses only a stream with no phase left; such a
			// stream is skipped here.
			continue
		}
	}
	dims := map[int]bool{}
	for _, stream := range streams {
		dims[stream.Dim] = true
	}
	for d := range dims {
		s.admitAndRun(d)
	}
}

// admitAndRun promotes as many waiting streams as admission control
// allows on dimension d and starts each newly-admitted stream's current
// phase.
func (s *Sys) admitAndRun(d int) {
	for _, stream := range s.Scheduler.Admit(d) {
		s.runCurrentPhase(stream)
	}
}

func (s *Sys) runCurrentPhase(stream *collective.Stream) {
	phase := stream.CurrentPhase()
	if phase == nil {
		s.finishStream(stream)
		return
	}
	if s.started[stream] {
		return
	}
	s.started[stream] = true

	transport := &phaseTransport{sys: s, nodes: phase.InvolvedNodes}
	phase.Start(transport, func() {
		s.onPhaseFinished(stream)
	})
}

func (s *Sys) onPhaseFinished(stream *collective.Stream) {
	d := stream.Dim
	delete(s.started, stream)
	s.Scheduler.Complete(d, stream)
	stream.Advance()

	if stream.Finished() {
		s.finishStream(stream)
	} else {
		if s.Scheduler.Enqueue(stream) {
			s.admitAndRun(stream.Dim)
		}
	}
	// a dimension slot freed up; let waiting streams in
	s.admitAndRun(d)
}

// finishStream marks stream complete and invokes whatever completion hook
// its issuer attached, letting the Workload FSM resolve the stream back
// to its owning Layer/StreamBatch without Sys needing to know about
// either.
func (s *Sys) finishStream(stream *collective.Stream) {
	stream.State = collective.StreamFinished
	if stream.OnDone != nil {
		stream.OnDone()
	}
}

// phaseTransport adapts Sys's simSend/simRecv into the collective.Transport
// contract for one Phase, translating the phase's local 0..N-1 indices
// into global node ids via InvolvedNodes.
type phaseTransport struct {
	sys   *Sys
	nodes []int
}

func (t *phaseTransport) SimSend(dstLocal, tag int, byteSize uint64, onDone func()) {
	t.sys.simSend(t.nodes[dstLocal], tag, byteSize, onDone)
}

func (t *phaseTransport) SimRecv(srcLocal, tag int, onDone func()) {
	t.sys.simRecv(t.nodes[srcLocal], tag, onDone)
}

// simSend queues a send to dstNode tagged tag, serialized against any
// other in-flight send to the same node. Payloads at or above
// RendezvousThreshold first pay a RendezvousControlBytes control round
// before the real transfer starts.
func (s *Sys) simSend(dstNode, tag int, bytes uint64, onDone func()) {
	job := &sendJob{dstNode: dstNode, tag: tag, bytes: bytes, onDone: onDone}
	s.outboundQueue[dstNode] = append(s.outboundQueue[dstNode], job)
	if !s.outboundBusy[dstNode] {
		s.dispatchNext(dstNode)
	}
}

func (s *Sys) dispatchNext(dstNode int) {
	queue := s.outboundQueue[dstNode]
	if len(queue) == 0 {
		s.outboundBusy[dstNode] = false
		return
	}
	job := queue[0]
	s.outboundQueue[dstNode] = queue[1:]
	s.outboundBusy[dstNode] = true

	if job.bytes >= RendezvousThreshold {
		s.transmit(dstNode, job.tag+RendezvousOffset, RendezvousControlBytes, func() {
			s.transmit(dstNode, job.tag, job.bytes, func() {
				job.onDone()
				s.dispatchNext(dstNode)
			})
		})
		return
	}
	s.transmit(dstNode, job.tag, job.bytes, func() {
		job.onDone()
		s.dispatchNext(dstNode)
	})
}

// transmit moves bytes over the fabric and, once they arrive, delivers
// them to the destination Sys's matching pending receive.
func (s *Sys) transmit(dstNode, tag int, bytes uint64, onDepart func()) {
	s.Fabric.Transmit(s.NodeID, dstNode, tag, bytes, s.CurrentTime(), func(sim.VTimeInSec) {
		onDepart()
		if peer, ok := s.Peers[dstNode]; ok {
			peer.deliverRecv(s.NodeID, tag)
		}
	})
}

// deliverRecv is called on the receiving Sys once bytes tagged (srcNode,
// tag) have arrived. If a matching SimRecv was already registered it
// fires immediately; otherwise the arrival is remembered until SimRecv
// catches up.
func (s *Sys) deliverRecv(srcNode, tag int) {
	key := recvKey{srcNode: srcNode, tag: tag}
	if cb, ok := s.pendingRecv[key]; ok {
		delete(s.pendingRecv, key)
		cb()
		return
	}
	s.earlyArrival[key] = true
}

func (s *Sys) simRecv(srcNode, tag int, onDone func()) {
	key := recvKey{srcNode: srcNode, tag: tag}
	if s.earlyArrival[key] {
		delete(s.earlyArrival, key)
		onDone()
		return
	}
	s.pendingRecv[key] = onDone
}
