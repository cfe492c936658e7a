package collective

import "github.com/nodeforge/trainsim/internal/costmodel"

// Transport is the narrow send/recv contract a CollectiveAlgorithm needs
// from its owning Sys. Algorithms never touch Sys directly — this keeps
// the collective package free of a dependency on sys.
type Transport interface {
	// SimSend starts a send of byteSize bytes, tagged tag, to the peer at
	// local ring/tree position dstLocal (resolved by the caller into a
	// global node id). onDone fires on PacketSent.
	SimSend(dstLocal int, tag int, byteSize uint64, onDone func())
	// SimRecv starts a receive tagged tag from srcLocal. onDone fires on
	// PacketReceived.
	SimRecv(srcLocal int, tag int, onDone func())
}

// Algorithm is the micro state machine driving one phase of a collective.
// Implementations are a sealed-but-extensible family: the known variants
// are Ring, HalvingDoubling, DoubleBinaryTree, AllToAllDirect, and
// NcclFlowModel, but third parties may add more, hence an interface
// rather than a closed tagged enum.
type Algorithm interface {
	// Run starts (or resumes) the algorithm. It issues whatever
	// sim_send/sim_recv calls the current step requires and returns; it
	// never blocks.
	Run()
	// Finished reports whether every step has completed.
	Finished() bool
}

// stepState is embedded by every ring/tree/direct algorithm to track
// per-step completion of the two legs (send, recv) that must both finish
// before the step is done. Tie-breaking across concurrently-ready steps
// is by step index then peer id, which falls out naturally here because
// steps execute strictly in order and peers are resolved deterministically
// from the local id.
type stepState struct {
	sendDone, recvDone     bool
	sendIssued, recvIssued bool
}

func (s *stepState) reset() {
	s.sendDone, s.recvDone = false, false
	s.sendIssued, s.recvIssued = false, false
}

func (s *stepState) bothDone() bool {
	return s.sendDone && s.recvDone
}

// tagFor derives a stream-unique send/recv tag from the phase's queue id
// and the stream id, so concurrent streams on the same dimension never
// collide in the pending-send map.
func tagFor(queueID int, streamID uint64, step int) int {
	return int(streamID)*1000003 + queueID*1009 + step
}

// --- Ring ---------------------------------------------------------------

// Ring implements N-1 reduce-scatter steps followed by N-1 all-gather
// steps for AllReduce semantics; AllGather/ReduceScatter phases run only
// the relevant half.
type Ring struct {
	Local       int // this node's position, 0..N-1, within the phase's ring
	N           int
	Op          Operation
	Bytes       uint64
	StreamID    uint64
	QueueID     int
	Cost        costmodel.LogGP
	Transport   Transport
	OnFinish    func()

	step  int
	state stepState
}

// totalSteps returns the number of ring steps this operation runs: 2(N-1)
// for AllReduce, N-1 for the single-leg operations.
func (r *Ring) totalSteps() int {
	if r.N <= 1 {
		return 0
	}
	switch r.Op {
	case OpAllReduce:
		return 2 * (r.N - 1)
	default:
		return r.N - 1
	}
}

// Run issues the sends/recvs for the current step if not already issued.
func (r *Ring) Run() {
	if r.Finished() {
		return
	}
	if r.state.sendDone && r.state.recvDone {
		r.advance()
		return
	}
	chunkBytes := r.Bytes / uint64(r.N)
	if chunkBytes == 0 {
		chunkBytes = r.Bytes
	}
	sendPeer := (r.Local + 1) % r.N
	recvPeer := (r.Local - 1 + r.N) % r.N
	tag := tagFor(r.QueueID, r.StreamID, r.step)
	step := r.step

	if !r.state.sendIssued {
		r.state.sendIssued = true
		r.Transport.SimSend(sendPeer, tag, chunkBytes, func() {
			r.state.sendDone = true
			r.Run()
		})
	}
	if r.step != step {
		// a synchronous completion already finished this step
		return
	}
	if !r.state.recvIssued {
		r.state.recvIssued = true
		r.Transport.SimRecv(recvPeer, tag, func() {
			r.state.recvDone = true
			r.Run()
		})
	}
}

func (r *Ring) advance() {
	r.step++
	r.state.reset()
	if r.Finished() {
		if r.OnFinish != nil {
			r.OnFinish()
		}
		return
	}
	r.Run()
}

// Finished reports whether every ring step has completed.
func (r *Ring) Finished() bool {
	return r.step >= r.totalSteps()
}

// --- HalvingDoubling ------------------------------------------------------

// HalvingDoubling runs log2(N) steps, exchanging with i XOR (1<<k) at step
// k; data halves during reduce-scatter and doubles during all-gather.
// Requires N a power of two; callers fall back to Ring otherwise.
type HalvingDoubling struct {
	Local     int
	N         int
	Op        Operation
	Bytes     uint64
	StreamID  uint64
	QueueID   int
	Cost      costmodel.LogGP
	Transport Transport
	OnFinish  func()

	step  int
	state stepState
}

func (h *HalvingDoubling) totalSteps() int {
	steps := 0
	for n := h.N; n > 1; n >>= 1 {
		steps++
	}
	if h.Op == OpAllReduce {
		return 2 * steps
	}
	return steps
}

// Run issues the current step's exchange with peer = local XOR (1<<k).
func (h *HalvingDoubling) Run() {
	if h.Finished() {
		return
	}
	if h.state.bothDone() {
		h.advance()
		return
	}

	half := h.totalSteps()
	if h.Op == OpAllReduce {
		half /= 2
	}
	k := h.step
	if h.Op == OpAllReduce && h.step >= half {
		k = h.step - half
	}
	peer := h.Local ^ (1 << uint(k))

	stepBytes := h.Bytes >> uint(k+1)
	if (h.Op == OpAllReduce && h.step >= half) || h.Op == OpAllGather {
		// all-gather leg: the exchanged block doubles from Bytes/N to Bytes/2
		stepBytes = h.Bytes >> uint(half-k)
	}
	if stepBytes == 0 {
		stepBytes = h.Bytes
	}
	tag := tagFor(h.QueueID, h.StreamID, h.step)

	if !h.state.sendDone {
		h.Transport.SimSend(peer, tag, stepBytes, func() {
			h.state.sendDone = true
			h.Run()
		})
	}
	if !h.state.recvDone {
		h.Transport.SimRecv(peer, tag, func() {
			h.state.recvDone = true
			h.Run()
		})
	}
}

func (h *HalvingDoubling) advance() {
	h.step++
	h.state.reset()
	if h.Finished() {
		if h.OnFinish != nil {
			h.OnFinish()
		}
		return
	}
	h.Run()
}

// Finished reports whether every step has completed.
func (h *HalvingDoubling) Finished() bool {
	return h.step >= h.totalSteps()
}

// IsPowerOfTwo reports whether n is usable by HalvingDoubling; callers
// must fall back to Ring when this is false.
func IsPowerOfTwo(n int) bool {
	return n > 0 && n&(n-1) == 0
}

// --- DoubleBinaryTree -----------------------------------------------------

// DoubleBinaryTree overlays two binary trees for bandwidth parity: one
// rooted pattern reduces up to the root, the mirror tree gathers back down.
// Each node has up to two children and one parent per tree;
// parentOf(i) = (i-1)/2 in a standard array-indexed binary tree.
type DoubleBinaryTree struct {
	Local     int
	N         int
	Bytes     uint64
	StreamID  uint64
	QueueID   int
	Cost      costmodel.LogGP
	Transport Transport
	OnFinish  func()

	// phase 0: reduce up tree A; phase 1: gather down tree A (mirrored by
	// tree B in the general construction, collapsed here into one pass
	// per phase instance since each Phase already targets one dimension).
	phase int
	state stepState
	done  bool
}

func parentOf(i int) int    { return (i - 1) / 2 }
func leftChildOf(i int) int  { return 2*i + 1 }
func rightChildOf(i int) int { return 2*i + 2 }

// Run drives the up-phase (leaves to root) then the down-phase (root to
// leaves) of the tree.
func (t *DoubleBinaryTree) Run() {
	if t.Finished() {
		return
	}
	if t.state.bothDone() {
		t.phase++
		t.state.reset()
		if t.phase >= 2 {
			t.done = true
			if t.OnFinish != nil {
				t.OnFinish()
			}
			return
		}
	}

	tag := tagFor(t.QueueID, t.StreamID, t.phase)
	children := []int{}
	if c := leftChildOf(t.Local); c < t.N {
		children = append(children, c)
	}
	if c := rightChildOf(t.Local); c < t.N {
		children = append(children, c)
	}
	hasParent := t.Local != 0

	if t.phase == 0 {
		// up-phase: receive from children, send to parent once root.
		t.recvFromChildrenThenSendToParent(tag, children, hasParent)
	} else {
		// down-phase: receive from parent, send to children.
		t.recvFromParentThenSendToChildren(tag, children, hasParent)
	}
}

func (t *DoubleBinaryTree) recvFromChildrenThenSendToParent(tag int, children []int, hasParent bool) {
	if len(children) == 0 {
		t.state.recvDone = true
	} else if !t.state.recvDone {
		remaining := len(children)
		for _, c := range children {
			c := c
			t.Transport.SimRecv(c, tag, func() {
				remaining--
				if remaining == 0 {
					t.state.recvDone = true
					t.Run()
				}
			})
		}
		return
	}
	if !hasParent {
		t.state.sendDone = true
	} else if !t.state.sendDone {
		t.Transport.SimSend(parentOf(t.Local), tag, t.Bytes, func() {
			t.state.sendDone = true
			t.Run()
		})
		return
	}
	t.Run()
}

func (t *DoubleBinaryTree) recvFromParentThenSendToChildren(tag int, children []int, hasParent bool) {
	if !hasParent {
		t.state.recvDone = true
	} else if !t.state.recvDone {
		t.Transport.SimRecv(parentOf(t.Local), tag, func() {
			t.state.recvDone = true
			t.Run()
		})
		return
	}
	if len(children) == 0 {
		t.state.sendDone = true
	} else if !t.state.sendDone {
		remaining := len(children)
		for _, c := range children {
			c := c
			t.Transport.SimSend(c, tag, t.Bytes, func() {
				remaining--
				if remaining == 0 {
					t.state.sendDone = true
					t.Run()
				}
			})
		}
		return
	}
	t.Run()
}

// Finished reports whether both the up- and down-phase have completed.
func (t *DoubleBinaryTree) Finished() bool {
	return t.done
}

// --- AllToAllDirect ---------------------------------------------------------

// AllToAllDirect performs N-1 direct pairwise exchanges, optionally bounded
// to windowSize concurrent partners.
type AllToAllDirect struct {
	Local      int
	N          int
	Bytes      uint64
	StreamID   uint64
	QueueID    int
	WindowSize int // 0 means unbounded
	Cost       costmodel.LogGP
	Transport  Transport
	OnFinish   func()

	step     int
	inflight int
	state    map[int]*stepState
}

func (a *AllToAllDirect) window() int {
	if a.WindowSize <= 0 {
		return a.N - 1
	}
	return a.WindowSize
}

// Run launches up to window() concurrent pairwise exchanges, lowest step
// (== lowest peer offset) first.
func (a *AllToAllDirect) Run() {
	if a.state == nil {
		a.state = map[int]*stepState{}
	}
	for a.step < a.N-1 && a.inflight < a.window() {
		offset := a.step
		peer := (a.Local + offset + 1) % a.N
		tag := tagFor(a.QueueID, a.StreamID, offset)
		st := &stepState{}
		a.state[offset] = st
		a.inflight++
		a.step++

		chunkBytes := a.Bytes / uint64(a.N-1)
		if chunkBytes == 0 {
			chunkBytes = a.Bytes
		}

		a.Transport.SimSend(peer, tag, chunkBytes, func() {
			st.sendDone = true
			a.checkDone(st)
		})
		a.Transport.SimRecv(peer, tag, func() {
			st.recvDone = true
			a.checkDone(st)
		})
	}
}

func (a *AllToAllDirect) checkDone(st *stepState) {
	if st.bothDone() {
		a.inflight--
		if a.Finished() {
			if a.OnFinish != nil {
				a.OnFinish()
			}
			return
		}
		a.Run()
	}
}

// Finished reports whether every pairwise exchange has completed.
func (a *AllToAllDirect) Finished() bool {
	return a.step >= a.N-1 && a.inflight == 0
}
