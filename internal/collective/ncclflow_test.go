package collective

import (
	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"
)

// manualTransport records every SimSend/SimRecv call but never fires
// onDone on its own, so a test can release completions one at a time and
// observe exactly which flows NcclFlowModel considers ready at each round.
type manualTransport struct {
	sends   []sentCall
	recvs   []recvCall
	pending map[int]func() // keyed by tag
}

func (m *manualTransport) SimSend(dstLocal int, tag int, byteSize uint64, onDone func()) {
	if m.pending == nil {
		m.pending = map[int]func(){}
	}
	m.sends = append(m.sends, sentCall{dstLocal, tag, byteSize})
	m.pending[tag] = onDone
}

func (m *manualTransport) SimRecv(srcLocal int, tag int, onDone func()) {
	if m.pending == nil {
		m.pending = map[int]func(){}
	}
	m.recvs = append(m.recvs, recvCall{srcLocal, tag})
	m.pending[tag] = onDone
}

func (m *manualTransport) release(tag int) {
	if fn, ok := m.pending[tag]; ok {
		delete(m.pending, tag)
		fn()
	}
}

var _ = Describe("NcclFlowPlanner.Plan", func() {
	It("returns no flows for N<=1", func() {
		plan, err := NcclFlowPlanner{Shape: ShapeRing, N: 1, Bytes: 4096}.Plan()
		Expect(err).NotTo(HaveOccurred())
		Expect(plan.Flows).To(BeEmpty())
	})

	It("rejects an unknown shape", func() {
		_, err := NcclFlowPlanner{Shape: NcclFlowShape(99), N: 3, Bytes: 4096}.Plan()
		Expect(err).To(HaveOccurred())
	})

	It("builds N-1 rounds of N ring flows chained src[i]->dst[(i+1)%N] per step", func() {
		plan, err := NcclFlowPlanner{Shape: ShapeRing, N: 3, Bytes: 300, NumChannels: 1}.Plan()
		Expect(err).NotTo(HaveOccurred())
		Expect(plan.Flows).To(HaveLen(6))

		for i, f := range plan.Flows {
			Expect(f.ID).To(Equal(i))
			Expect(f.Dst).To(Equal((f.Src + 1) % 3))
			Expect(f.Bytes).To(Equal(uint64(100)))
		}

		// the chain wired by wireParentsChildren: flow i depends on flow i-1
		// (each hop's src is the previous hop's dst).
		Expect(plan.Flows[0].Parents).To(BeEmpty())
		for i := 1; i < len(plan.Flows); i++ {
			Expect(plan.Flows[i].Parents).To(Equal([]int{i - 1}))
		}
	})

	It("round-robins channels by flow id", func() {
		plan, err := NcclFlowPlanner{Shape: ShapeRing, N: 3, Bytes: 300, NumChannels: 2}.Plan()
		Expect(err).NotTo(HaveOccurred())
		for _, f := range plan.Flows {
			Expect(f.Channel).To(Equal(f.ID % 2))
		}
	})

	It("defaults an unset channel count to 1", func() {
		plan, err := NcclFlowPlanner{Shape: ShapeRing, N: 3, Bytes: 300}.Plan()
		Expect(err).NotTo(HaveOccurred())
		for _, f := range plan.Flows {
			Expect(f.Channel).To(Equal(0))
		}
	})

	It("builds an up-then-down tree of 2(N-1) flows", func() {
		plan, err := NcclFlowPlanner{Shape: ShapeTree, N: 5, Bytes: 1024}.Plan()
		Expect(err).NotTo(HaveOccurred())
		Expect(plan.Flows).To(HaveLen(8))
		for i := 0; i < 4; i++ {
			f := plan.Flows[i]
			Expect(f.Dst).To(Equal(parentOf(f.Src)))
		}
		for i := 4; i < 8; i++ {
			f := plan.Flows[i]
			Expect(f.Src).To(Equal(parentOf(f.Dst)))
		}
	})

	It("builds a depth-1 NVLS star through node 0", func() {
		plan, err := NcclFlowPlanner{Shape: ShapeNVLS, N: 4, Bytes: 1024}.Plan()
		Expect(err).NotTo(HaveOccurred())
		Expect(plan.Flows).To(HaveLen(6))
		for i := 0; i < 3; i++ {
			Expect(plan.Flows[i].Dst).To(Equal(0))
		}
		for i := 3; i < 6; i++ {
			Expect(plan.Flows[i].Src).To(Equal(0))
		}
	})
})

var _ = Describe("NcclFlowModel.Run", func() {
	It("drives a ring plan to completion and calls OnFinish once, with a synchronous transport", func() {
		plan, err := NcclFlowPlanner{Shape: ShapeRing, N: 3, Bytes: 300}.Plan()
		Expect(err).NotTo(HaveOccurred())

		transport := &fakeTransport{}
		finished := 0
		m := &NcclFlowModel{Local: 0, Plan: plan, StreamID: 1, QueueID: 0, Transport: transport, OnFinish: func() { finished++ }}
		m.Run()

		Expect(m.Finished()).To(BeTrue())
		Expect(finished).To(Equal(1))
		// node 0 touches flows 0 (src), 2 (dst), 3 (src), 5 (dst).
		Expect(transport.sends).To(HaveLen(2))
		Expect(transport.recvs).To(HaveLen(2))
	})

	It("only releases a flow once every one of its parents has actually finished", func() {
		plan, err := NcclFlowPlanner{Shape: ShapeRing, N: 3, Bytes: 300}.Plan()
		Expect(err).NotTo(HaveOccurred())

		transport := &manualTransport{}
		m := &NcclFlowModel{Local: 0, Plan: plan, StreamID: 1, QueueID: 0, Transport: transport}

		m.Run()
		// only flow 0 (no parents, src==Local) is ready in round one.
		Expect(transport.sends).To(HaveLen(1))
		Expect(transport.recvs).To(BeEmpty())
		Expect(m.Finished()).To(BeFalse())

		// releasing flow 0 unblocks flow 1 (bypassed, not touching node 0)
		// and, transitively in the same Run() call, flow 2 (dst==Local).
		transport.release(tagFor(0, 1, 0))
		Expect(transport.recvs).To(HaveLen(1))
		Expect(m.finished[1]).To(BeTrue())
		Expect(m.Finished()).To(BeFalse())

		// flow 3 must not be ready yet: it depends on flow 2, which is
		// only started, not finished.
		Expect(transport.sends).To(HaveLen(1))

		transport.release(tagFor(0, 1, 2))
		Expect(transport.sends).To(HaveLen(2))

		transport.release(tagFor(0, 1, 3))
		Expect(m.finished[4]).To(BeTrue())
		Expect(transport.recvs).To(HaveLen(2))

		transport.release(tagFor(0, 1, 5))
		Expect(m.Finished()).To(BeTrue())
	})

	It("treats a flow touching neither src nor dst as instantly resolved once its own parents finish", func() {
		plan, err := NcclFlowPlanner{Shape: ShapeRing, N: 3, Bytes: 300}.Plan()
		Expect(err).NotTo(HaveOccurred())

		transport := &manualTransport{}
		m := &NcclFlowModel{Local: 0, Plan: plan, Transport: transport}
		m.Run()
		Expect(m.started[1]).To(BeFalse()) // flow 1 still blocked on flow 0

		transport.release(tagFor(0, 0, 0))
		Expect(m.started[1]).To(BeTrue())
		Expect(m.finished[1]).To(BeTrue())
	})
})
