package model

import (
	"errors"
	"testing"

	. "github.com/onsi/ginkgo/v2"
	"github.com/onsi/gomega"
)

func TestModel(t *testing.T) {
	gomega.RegisterFailHandler(Fail)
	RunSpecs(t, "Model Suite")
}

var _ = Describe("ConfigError", func() {
	It("omits the key parenthetical when no key is given", func() {
		err := NewConfigError("", "bad file")
		gomega.Expect(err.Error()).To(gomega.Equal("config error: bad file"))
	})

	It("includes the key when one is given", func() {
		err := NewConfigError("endpoint-delay", "not a float")
		gomega.Expect(err.Error()).To(gomega.Equal("config error (endpoint-delay): not a float"))
	})
})

var _ = Describe("BackendError", func() {
	It("unwraps to the underlying error", func() {
		underlying := errors.New("port busy")
		err := &BackendError{Dst: 3, Tag: 7, Err: underlying}
		gomega.Expect(errors.Unwrap(err)).To(gomega.Equal(underlying))
		gomega.Expect(errors.Is(err, underlying)).To(gomega.BeTrue())
	})
})

var _ = Describe("Panic", func() {
	It("panics with the given error", func() {
		err := NewConfigError("k", "v")
		gomega.Expect(func() { Panic(err) }).To(gomega.PanicWith(err))
	})
})

var _ = Describe("Layer", func() {
	It("starts with every batch map empty and every phase complete", func() {
		l := NewLayer(1, 0)
		gomega.Expect(l.PhaseComplete(PhaseForward)).To(gomega.BeTrue())
		gomega.Expect(l.PhaseComplete(PhaseInputGradient)).To(gomega.BeTrue())
		gomega.Expect(l.PhaseComplete(PhaseWeightGradient)).To(gomega.BeTrue())
	})

	It("tracks batches added and removed per phase", func() {
		l := NewLayer(1, 0)
		b := &StreamBatch{ID: 42}
		l.AddBatch(PhaseForward, b)
		gomega.Expect(l.PhaseComplete(PhaseForward)).To(gomega.BeFalse())

		l.RemoveBatch(PhaseForward, 42)
		gomega.Expect(l.PhaseComplete(PhaseForward)).To(gomega.BeTrue())
	})
})

var _ = Describe("StreamBatch.Done", func() {
	It("is done once LiveStreams reaches zero", func() {
		b := &StreamBatch{LiveStreams: 2}
		gomega.Expect(b.Done()).To(gomega.BeFalse())
		b.LiveStreams--
		gomega.Expect(b.Done()).To(gomega.BeFalse())
		b.LiveStreams--
		gomega.Expect(b.Done()).To(gomega.BeTrue())
	})
})
