package config

import (
	"strings"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"

	"github.com/nodeforge/trainsim/internal/topology"
)

var _ = Describe("ParseTopologyFile", func() {
	It("decodes dims, implementations, and network settings", func() {
		src := strings.NewReader(`
dims: [2, 4]
implementations:
  allreduce: [ring, doubleBinaryTree]
network:
  bytePerSecond: 1.0e9
  latencySec: 1.0e-7
  backend: networkModel
`)
		tf, err := ParseTopologyFile(src)
		Expect(err).NotTo(HaveOccurred())
		Expect(tf.Dims).To(Equal([]int{2, 4}))
		Expect(tf.Implementations.AllReduce).To(Equal([]string{"ring", "doubleBinaryTree"}))
		Expect(tf.Network.Backend).To(Equal("networkModel"))
		Expect(tf.Network.BytePerSecond).To(Equal(1.0e9))
	})

	It("rejects a file with no dims", func() {
		_, err := ParseTopologyFile(strings.NewReader("dims: []\n"))
		Expect(err).To(HaveOccurred())
	})

	It("rejects malformed YAML", func() {
		_, err := ParseTopologyFile(strings.NewReader("dims: [1, \n"))
		Expect(err).To(HaveOccurred())
	})
})

var _ = Describe("TopologyFile.BuildMap", func() {
	It("defaults every unset operation's implementation to ring", func() {
		tf := &TopologyFile{Dims: []int{2, 2}}
		m, err := tf.BuildMap(0)
		Expect(err).NotTo(HaveOccurred())
		topos := m.Topology(topology.OpAllReduce)
		Expect(topos).To(HaveLen(2))
		Expect(topos[0].Kind).To(Equal(topology.LogicalRing))
	})

	It("uses the per-dimension implementation tokens when given", func() {
		tf := &TopologyFile{Dims: []int{2, 2}}
		tf.Implementations.AllReduce = []string{"ring", "doubleBinaryTree"}
		m, err := tf.BuildMap(0)
		Expect(err).NotTo(HaveOccurred())
		topos := m.Topology(topology.OpAllReduce)
		Expect(topos[0].Kind).To(Equal(topology.LogicalRing))
		Expect(topos[1].Kind).To(Equal(topology.LogicalDoubleBinaryTree))
	})

	It("rejects an unknown implementation token", func() {
		tf := &TopologyFile{Dims: []int{2}}
		tf.Implementations.AllGather = []string{"bogus"}
		_, err := tf.BuildMap(0)
		Expect(err).To(HaveOccurred())
	})
})
