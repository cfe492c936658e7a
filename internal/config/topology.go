package config

import (
	"io"

	"github.com/nodeforge/trainsim/internal/model"
	"github.com/nodeforge/trainsim/internal/topology"
	"gopkg.in/yaml.v3"
)

// TopologyFile is the YAML topology description: the physical dimension
// vector plus, per collective operation, the LogicalKind assigned to each
// dimension, and the network parameters used to build the run's Fabric.
type TopologyFile struct {
	Dims []int `yaml:"dims"`

	Implementations struct {
		AllReduce     []string `yaml:"allreduce"`
		AllGather     []string `yaml:"allgather"`
		ReduceScatter []string `yaml:"reducescatter"`
		AllToAll      []string `yaml:"alltoall"`
	} `yaml:"implementations"`

	Network struct {
		BytePerSecond float64 `yaml:"bytePerSecond"`
		LatencySec    float64 `yaml:"latencySec"`
		Backend       string  `yaml:"backend"` // "analytic" or "networkModel"
	} `yaml:"network"`
}

// ParseTopologyFile decodes a YAML topology description.
func ParseTopologyFile(r io.Reader) (*TopologyFile, error) {
	var tf TopologyFile
	dec := yaml.NewDecoder(r)
	if err := dec.Decode(&tf); err != nil {
		return nil, model.NewConfigError("topology-file", err.Error())
	}
	if len(tf.Dims) == 0 {
		return nil, model.NewConfigError("topology-file", "dims must be non-empty")
	}
	return &tf, nil
}

// BuildMap constructs a topology.Map for nodeID from the file's dimension
// vector and per-operation implementation strings.
func (tf *TopologyFile) BuildMap(nodeID int) (*topology.Map, error) {
	perOp := map[topology.OpKind][]topology.LogicalKind{}

	sets := []struct {
		op     topology.OpKind
		tokens []string
	}{
		{topology.OpAllReduce, tf.Implementations.AllReduce},
		{topology.OpAllGather, tf.Implementations.AllGather},
		{topology.OpReduceScatter, tf.Implementations.ReduceScatter},
		{topology.OpAllToAll, tf.Implementations.AllToAll},
	}
	for _, set := range sets {
		tokens := set.tokens
		if len(tokens) == 0 {
			tokens = defaultTokens(len(tf.Dims))
		}
		kinds := make([]topology.LogicalKind, len(tokens))
		for i, tok := range tokens {
			k, err := topology.ParseLogicalKind(tok)
			if err != nil {
				return nil, err
			}
			kinds[i] = k
		}
		perOp[set.op] = kinds
	}

	return topology.NewMap(nodeID, tf.Dims, perOp)
}

func defaultTokens(n int) []string {
	tokens := make([]string, n)
	for i := range tokens {
		tokens[i] = "ring"
	}
	return tokens
}
