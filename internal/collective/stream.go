package collective

// State is the lifecycle of a chunk-stream.
type State int

// State constants.
const (
	StreamCreated State = iota
	StreamReady
	StreamExecuting
	StreamFinished
)

// Priority orders streams within a per-dimension queue. Higher values run
// first. LIFO priorities increase with each issuance, so the latest-issued
// stream runs first; FIFO priorities decrease, so the earliest-issued
// stream runs first. HighestPriority is a sentinel the scheduler places
// ahead of every other priority.
type Priority int64

// HighestPriority sentinel, guaranteed to sort before any LIFO/FIFO
// counter value produced by a Scheduler over the lifetime of a run.
const HighestPriority Priority = -1 << 62

// Stream is one chunk together with its ordered list of phases and a
// cursor into that list.
type Stream struct {
	ID uint64

	BatchID uint64 // owning StreamBatch id, for RG pairing and completion notify
	GroupKey string // pairing key for the RG intra-dimension ordering policy: (parallelism group, owning layer id)

	Phases        []*Phase
	StepsFinished int

	InitialDataSize uint64
	Priority        Priority
	State           State

	// Dim/QueueIndex record the stream's current queue location, so that
	// the invariant "a stream is in at most one queue" can be checked and
	// so removal is O(1) once the index is known.
	Dim        int
	QueueIndex int

	// Initialized is true once the stream has been promoted to run at the
	// head of its dimension queue (its algorithm's Run() has been called
	// for the current phase). Initialized streams are never overtaken by
	// later insertions of equal priority.
	Initialized bool

	// OnDone is called once the stream's last phase finishes, letting the
	// issuer (the Workload FSM) resolve completion back to the owning
	// Layer/StreamBatch without Sys needing to know about either.
	OnDone func()
}

// CurrentPhase returns the phase the stream is currently executing, or nil
// if every phase has finished.
func (s *Stream) CurrentPhase() *Phase {
	if s.StepsFinished >= len(s.Phases) {
		return nil
	}
	return s.Phases[s.StepsFinished]
}

// Advance moves the cursor past the current phase. It is monotonic and
// never exceeds len(Phases).
func (s *Stream) Advance() {
	if s.StepsFinished < len(s.Phases) {
		s.StepsFinished++
	}
	if s.StepsFinished >= len(s.Phases) {
		s.State = StreamFinished
	}
}

// RemainingPhases returns the count of phases not yet finished, used by the
// LessRemainingPhaseFirst ordering policy.
func (s *Stream) RemainingPhases() int {
	return len(s.Phases) - s.StepsFinished
}

// Finished reports whether every phase of the stream has completed.
func (s *Stream) Finished() bool {
	return s.StepsFinished >= len(s.Phases)
}
