// Package scheduler implements the Collective Stream Scheduler: one
// admission-controlled priority queue per physical dimension, with four
// interchangeable ordering policies.
package scheduler

import (
	"container/heap"

	"github.com/nodeforge/trainsim/internal/collective"
)

// OrderingPolicy selects how streams are prioritized within a dimension
// queue.
type OrderingPolicy int

// OrderingPolicy constants.
const (
	PolicyFIFO OrderingPolicy = iota
	PolicyRG
	PolicySmallestFirst
	PolicyLessRemainingPhaseFirst
)

// ParseOrderingPolicy maps a system-config token to an OrderingPolicy.
func ParseOrderingPolicy(token string) OrderingPolicy {
	switch token {
	case "rg":
		return PolicyRG
	case "smallestFirst", "smallest_first":
		return PolicySmallestFirst
	case "lessRemainingPhaseFirst", "less_remaining_phase_first":
		return PolicyLessRemainingPhaseFirst
	default:
		return PolicyFIFO
	}
}

// AdmissionControl bounds how many streams may be Initialized (running) at
// once: per dimension (QueueThreshold) and summed across every dimension
// (MaxRunningStreams).
type AdmissionControl struct {
	QueueThreshold     int // max streams concurrently Initialized (running) on one dimension
	MaxRunningStreams  int // max streams concurrently Initialized (running) across all dimensions combined
	ReadyListThreshold int // max streams considered when picking the next to admit
}

// streamItem is one entry in a dimension's priority heap.
type streamItem struct {
	stream *collective.Stream
	seq    int64 // FIFO tiebreak / LIFO-ish counter, assigned at push time
	index  int
}

// dimensionQueue is a priority queue (min-heap) of streams waiting or
// running on one physical dimension, plus the running set.
type dimensionQueue struct {
	items   []*streamItem
	running map[uint64]*collective.Stream // StreamID -> stream, Initialized==true
	policy  OrderingPolicy
	counter int64
}

func newDimensionQueue(policy OrderingPolicy) *dimensionQueue {
	return &dimensionQueue{running: map[uint64]*collective.Stream{}, policy: policy}
}

// heap.Interface -------------------------------------------------------

func (q *dimensionQueue) Len() int { return len(q.items) }

func (q *dimensionQueue) Less(i, j int) bool {
	a, b := q.items[i], q.items[j]
	if a.stream.Priority == collective.HighestPriority && b.stream.Priority != collective.HighestPriority {
		return true
	}
	if b.stream.Priority == collective.HighestPriority && a.stream.Priority != collective.HighestPriority {
		return false
	}
	switch q.policy {
	case PolicySmallestFirst:
		if a.stream.InitialDataSize != b.stream.InitialDataSize {
			return a.stream.InitialDataSize < b.stream.InitialDataSize
		}
	case PolicyLessRemainingPhaseFirst:
		ra, rb := a.stream.RemainingPhases(), b.stream.RemainingPhases()
		if ra != rb {
			return ra < rb
		}
	case PolicyRG:
		if a.stream.GroupKey != b.stream.GroupKey {
			return a.stream.GroupKey < b.stream.GroupKey
		}
	}
	if a.stream.Priority != b.stream.Priority {
		return a.stream.Priority > b.stream.Priority
	}
	return a.seq < b.seq
}

func (q *dimensionQueue) Swap(i, j int) {
	q.items[i], q.items[j] = q.items[j], q.items[i]
	q.items[i].index = i
	q.items[j].index = j
}

func (q *dimensionQueue) Push(x any) {
	it := x.(*streamItem)
	it.index = len(q.items)
	q.items = append(q.items, it)
}

func (q *dimensionQueue) Pop() any {
	old := q.items
	n := len(old)
	it := old[n-1]
	old[n-1] = nil
	q.items = old[:n-1]
	return it
}

// Scheduler owns one dimensionQueue per physical dimension and enforces
// admission control before a stream may begin executing its current
// phase.
type Scheduler struct {
	policy    OrderingPolicy
	admission AdmissionControl
	queues    []*dimensionQueue
}

// NewScheduler builds a Scheduler with numDims per-dimension queues.
func NewScheduler(numDims int, policy OrderingPolicy, admission AdmissionControl) *Scheduler {
	s := &Scheduler{policy: policy, admission: admission}
	s.queues = make([]*dimensionQueue, numDims)
	for d := range s.queues {
		s.queues[d] = newDimensionQueue(policy)
	}
	return s
}

// Enqueue admits stream into the queue for its current phase's dimension.
// The queue itself is unbounded; QueueThreshold and MaxRunningStreams gate
// Admit, not Enqueue.
func (s *Scheduler) Enqueue(stream *collective.Stream) bool {
	phase := stream.CurrentPhase()
	if phase == nil {
		return false
	}
	q := s.queues[phase.QueueID]
	stream.Dim = phase.QueueID
	item := &streamItem{stream: stream, seq: q.counter}
	q.counter++
	heap.Push(q, item)
	stream.QueueIndex = item.index
	return true
}

// Admit promotes as many queued streams on dimension d as QueueThreshold
// and the global MaxRunningStreams cap allow, marking each Initialized and
// returning the newly admitted set in priority order. Admission never
// reorders streams already running.
func (s *Scheduler) Admit(d int) []*collective.Stream {
	q := s.queues[d]
	limit := s.admission.QueueThreshold
	if limit <= 0 {
		limit = 1 << 30
	}
	globalLimit := s.admission.MaxRunningStreams
	if globalLimit <= 0 {
		globalLimit = 1 << 30
	}
	readyLimit := s.admission.ReadyListThreshold
	if readyLimit <= 0 {
		readyLimit = 1 << 30
	}

	var admitted []*collective.Stream
	considered := 0
	for q.Len() > 0 && len(q.running) < limit && s.totalRunning() < globalLimit && considered < readyLimit {
		item := heap.Pop(q).(*streamItem)
		considered++
		item.stream.Initialized = true
		item.stream.State = collective.StreamExecuting
		q.running[item.stream.ID] = item.stream
		admitted = append(admitted, item.stream)
	}
	return admitted
}

// totalRunning sums running_streams[d] across every dimension, the
// quantity MaxRunningStreams bounds globally.
func (s *Scheduler) totalRunning() int {
	total := 0
	for _, q := range s.queues {
		total += len(q.running)
	}
	return total
}

// Complete removes a finished-phase stream from the running set of
// dimension d. The caller re-Enqueues the stream under its next phase's
// dimension, or drops it if the stream itself is finished.
func (s *Scheduler) Complete(d int, stream *collective.Stream) {
	q := s.queues[d]
	delete(q.running, stream.ID)
	stream.Initialized = false
}

// Running returns the number of streams currently executing on dimension d.
func (s *Scheduler) Running(d int) int {
	return len(s.queues[d].running)
}

// Queued returns the number of streams waiting (not yet admitted) on
// dimension d.
func (s *Scheduler) Queued(d int) int {
	return s.queues[d].Len()
}
