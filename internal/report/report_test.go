package report

import (
	"strings"
	"testing"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"

	"github.com/nodeforge/trainsim/internal/model"
)

func TestReport(t *testing.T) {
	RegisterFailHandler(Fail)
	RunSpecs(t, "Report Suite")
}

var _ = Describe("LayerStats.TotalSec", func() {
	It("sums compute, every group's exposed comm, and bubble time", func() {
		s := NewLayerStats(1)
		s.ComputeSec = 1.0
		s.BubbleSec = 0.5
		s.ExposedCommSec[model.GroupTP] = 0.25
		s.ExposedCommSec[model.GroupDP] = 0.1
		Expect(s.TotalSec()).To(BeNumerically("~", 1.85, 1e-9))
	})
})

var _ = Describe("WriteSummaryCSV", func() {
	It("writes a header row and one sorted row per layer", func() {
		a := NewLayerStats(2)
		a.ComputeSec = 2.0
		b := NewLayerStats(1)
		b.ComputeSec = 1.0
		b.ExposedCommSec[model.GroupEP] = 0.5

		var buf strings.Builder
		err := WriteSummaryCSV(&buf, []*LayerStats{a, b})
		Expect(err).NotTo(HaveOccurred())

		lines := strings.Split(strings.TrimRight(buf.String(), "\n"), "\n")
		Expect(lines).To(HaveLen(3)) // header + 2 layers
		Expect(lines[0]).To(ContainSubstring("layer_id,compute_sec"))
		Expect(lines[0]).To(ContainSubstring("exposed_comm_TP_sec"))
		// layer 1 sorts before layer 2 regardless of input order.
		Expect(lines[1]).To(HavePrefix("1,"))
		Expect(lines[2]).To(HavePrefix("2,"))
	})

	It("writes an empty body for no layers", func() {
		var buf strings.Builder
		err := WriteSummaryCSV(&buf, nil)
		Expect(err).NotTo(HaveOccurred())
		lines := strings.Split(strings.TrimRight(buf.String(), "\n"), "\n")
		Expect(lines).To(HaveLen(1))
	})
})

var _ = Describe("WriteUtilizationCSV", func() {
	It("sorts buckets by dimension then quantile", func() {
		buckets := []UtilizationBucket{
			{Dimension: 1, Quantile: "p50", Percent: 10},
			{Dimension: 0, Quantile: "p90", Percent: 20},
			{Dimension: 0, Quantile: "p50", Percent: 30},
		}
		var buf strings.Builder
		err := WriteUtilizationCSV(&buf, buckets)
		Expect(err).NotTo(HaveOccurred())

		lines := strings.Split(strings.TrimRight(buf.String(), "\n"), "\n")
		Expect(lines).To(HaveLen(4))
		Expect(lines[1]).To(HavePrefix("0,p50,"))
		Expect(lines[2]).To(HavePrefix("0,p90,"))
		Expect(lines[3]).To(HavePrefix("1,p50,"))
	})
})
