// Package workload parses the workload trace file: a header line naming
// the parallelism policy, followed by a layer count and that many
// per-layer compute/communication records.
package workload

import (
	"bufio"
	"fmt"
	"io"
	"strconv"
	"strings"

	"github.com/nodeforge/trainsim/internal/model"
)

// Policy names the top-level parallelism strategy a workload file
// declares.
type Policy string

// Policy constants, the full token set a workload file header may declare.
const (
	PolicyData                      Policy = "DATA"
	PolicyHybridTransformer         Policy = "HYBRID_TRANSFORMER"
	PolicyHybridTransformerFwdInBck Policy = "HYBRID_TRANSFORMER_FWD_IN_BCKWD"
	PolicyHybridDLRM                Policy = "HYBRID_DLRM"
	PolicyHybridDLRMEnhanced        Policy = "HYBRID_DLRM_ENHANCED"
	PolicyModel                     Policy = "MODEL"
	PolicyHybridDataModel           Policy = "HYBRID_DATA_MODEL"
	PolicyHybridModelData           Policy = "HYBRID_MODEL_DATA"
	PolicyHybridCustomized          Policy = "HYBRID_CUSTOMIZED"
	PolicyMicro                     Policy = "MICRO"
	PolicyDistributedInference      Policy = "DISTRIBUTED_INFERENCE"
)

var validPolicies = map[Policy]bool{
	PolicyData: true, PolicyHybridTransformer: true, PolicyHybridTransformerFwdInBck: true,
	PolicyHybridDLRM: true, PolicyHybridDLRMEnhanced: true, PolicyModel: true,
	PolicyHybridDataModel: true, PolicyHybridModelData: true, PolicyHybridCustomized: true,
	PolicyMicro: true, PolicyDistributedInference: true,
}

// Header carries the parsed first line of a workload file.
type Header struct {
	Policy               Policy
	ModelParallelNPUGroup int
	EP                   int
	PP                   int
	VPP                  int
	GA                   int
	AllGPUs              int
	PPCommBytes          uint64
	Checkpoints          []int
	CheckpointInitiates  []int
}

// Workload is a parsed workload file: its header plus ordered layers.
type Workload struct {
	Header Header
	Layers []*model.Layer
}

// Parse reads a workload file from r, per the line-based grammar
// described in the package doc and on parseLayerLine.
func Parse(r io.Reader) (*Workload, error) {
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 64*1024), 1024*1024)

	if !scanner.Scan() {
		return nil, model.NewConfigError("workload", "empty workload file")
	}
	header, err := parseHeader(scanner.Text())
	if err != nil {
		return nil, err
	}

	if !scanner.Scan() {
		return nil, model.NewConfigError("workload", "missing layer count")
	}
	s, err := strconv.Atoi(strings.TrimSpace(scanner.Text()))
	if err != nil {
		return nil, model.NewConfigError("workload", "layer count is not an integer: "+err.Error())
	}

	layers := make([]*model.Layer, 0, s)
	for i := 0; i < s; i++ {
		if !scanner.Scan() {
			return nil, model.NewConfigError("workload", fmt.Sprintf("expected %d layer lines, found %d", s, i))
		}
		layer, err := parseLayerLine(scanner.Text())
		if err != nil {
			return nil, err
		}
		layers = append(layers, layer)
	}
	applyCheckpoints(layers, header)

	if err := scanner.Err(); err != nil {
		return nil, model.NewConfigError("workload", err.Error())
	}

	return &Workload{Header: *header, Layers: layers}, nil
}

func parseHeader(line string) (*Header, error) {
	fields := strings.Fields(line)
	if len(fields) == 0 {
		return nil, model.NewConfigError("workload", "empty header line")
	}
	h := &Header{Policy: Policy(fields[0])}
	if !validPolicies[h.Policy] {
		return nil, model.NewConfigError("workload", "unknown policy: "+fields[0])
	}

	i := 1
	for i < len(fields) {
		key := strings.TrimSuffix(fields[i], ":")
		switch key {
		case "model_parallel_NPU_group":
			i++
			v, err := intField(fields, i, "model_parallel_NPU_group")
			if err != nil {
				return nil, err
			}
			h.ModelParallelNPUGroup = v
		case "ep":
			i++
			v, err := intField(fields, i, "ep")
			if err != nil {
				return nil, err
			}
			h.EP = v
		case "pp":
			i++
			v, err := intField(fields, i, "pp")
			if err != nil {
				return nil, err
			}
			h.PP = v
		case "vpp":
			i++
			v, err := intField(fields, i, "vpp")
			if err != nil {
				return nil, err
			}
			h.VPP = v
		case "ga":
			i++
			v, err := intField(fields, i, "ga")
			if err != nil {
				return nil, err
			}
			h.GA = v
		case "all_gpus":
			i++
			v, err := intField(fields, i, "all_gpus")
			if err != nil {
				return nil, err
			}
			h.AllGPUs = v
		case "pp_comm":
			i++
			v, err := intField(fields, i, "pp_comm")
			if err != nil {
				return nil, err
			}
			h.PPCommBytes = uint64(v)
		case "checkpoints":
			i++
			n, err := intField(fields, i, "checkpoints")
			if err != nil {
				return nil, err
			}
			h.Checkpoints, i, err = intList(fields, i+1, n)
			if err != nil {
				return nil, err
			}
			continue
		case "checkpoint_initiates":
			i++
			n, err := intField(fields, i, "checkpoint_initiates")
			if err != nil {
				return nil, err
			}
			h.CheckpointInitiates, i, err = intList(fields, i+1, n)
			if err != nil {
				return nil, err
			}
			continue
		default:
			return nil, model.NewConfigError("workload", "unknown header token: "+fields[i])
		}
		i++
	}
	return h, nil
}

func intField(fields []string, i int, name string) (int, error) {
	if i >= len(fields) {
		return 0, model.NewConfigError("workload", "missing value for "+name)
	}
	v, err := strconv.Atoi(fields[i])
	if err != nil {
		return 0, model.NewConfigError("workload", "bad integer for "+name+": "+err.Error())
	}
	return v, nil
}

func intList(fields []string, start, n int) ([]int, int, error) {
	out := make([]int, 0, n)
	i := start
	for j := 0; j < n; j++ {
		if i >= len(fields) {
			return nil, i, model.NewConfigError("workload", "truncated integer list")
		}
		v, err := strconv.Atoi(fields[i])
		if err != nil {
			return nil, i, model.NewConfigError("workload", "bad integer in list: "+err.Error())
		}
		out = append(out, v)
		i++
	}
	return out, i, nil
}

// parseLayerLine parses one `id dep fp_cyc fp_kind fp_bytes ig_cyc ig_kind
// ig_bytes wg_cyc wg_kind wg_bytes wg_update [specific_policy]` line.
func parseLayerLine(line string) (*model.Layer, error) {
	fields := strings.Fields(line)
	if len(fields) < 12 {
		return nil, model.NewConfigError("workload", "layer line has fewer than 12 fields: "+line)
	}

	ints := make([]int, 0, 10)
	for _, idx := range []int{0, 1, 2, 4, 5, 7, 8, 10, 11} {
		v, err := strconv.Atoi(fields[idx])
		if err != nil {
			return nil, model.NewConfigError("workload", "bad integer field in layer line: "+err.Error())
		}
		ints = append(ints, v)
	}
	id, dep, fpCyc, fpBytes, igCyc, igBytes, wgCyc, wgBytes, wgUpdate := ints[0], ints[1], ints[2], ints[3], ints[4], ints[5], ints[6], ints[7], ints[8]

	fpKind, fpGroup, err := parseCollectiveToken(fields[3])
	if err != nil {
		return nil, err
	}
	igKind, igGroup, err := parseCollectiveToken(fields[6])
	if err != nil {
		return nil, err
	}
	wgKind, wgGroup, err := parseCollectiveToken(fields[9])
	if err != nil {
		return nil, err
	}

	layer := model.NewLayer(id, dep)
	layer.Forward = model.PhaseSpec{ComputeCycles: uint64(fpCyc), Collective: fpKind, Bytes: clampChunkFloor(uint64(fpBytes)), Group: fpGroup}
	layer.InputGrad = model.PhaseSpec{ComputeCycles: uint64(igCyc), Collective: igKind, Bytes: uint64(igBytes), Group: igGroup}
	layer.WeightGrad = model.PhaseSpec{ComputeCycles: uint64(wgCyc), Collective: wgKind, Bytes: uint64(wgBytes), Group: wgGroup}
	layer.WeightGradUpdateTime = uint64(wgUpdate)

	if len(fields) > 12 {
		layer.SpecificPolicy = fields[12]
	}
	return layer, nil
}

// clampChunkFloor rounds a nonzero forward-pass byte count up to 4096, the
// small-message protocol floor below which a transfer is not worth
// chunking.
func clampChunkFloor(bytes uint64) uint64 {
	if bytes > 0 && bytes < 4096 {
		return 4096
	}
	return bytes
}

func parseCollectiveToken(token string) (model.CollectiveKind, model.GroupKind, error) {
	group := model.GroupTP
	base := token
	switch {
	case strings.HasSuffix(token, "_DP_EP"):
		group = model.GroupDPEP
		base = strings.TrimSuffix(token, "_DP_EP")
	case strings.HasSuffix(token, "_EP"):
		group = model.GroupEP
		base = strings.TrimSuffix(token, "_EP")
	}

	var kind model.CollectiveKind
	switch base {
	case "NONE":
		kind = model.CollectiveNone
	case "ALLREDUCE":
		kind = model.CollectiveAllReduce
	case "ALLGATHER":
		kind = model.CollectiveAllGather
	case "REDUCESCATTER":
		kind = model.CollectiveReduceScatter
	case "ALLTOALL":
		kind = model.CollectiveAllToAll
	default:
		return 0, 0, model.NewConfigError("workload", "unknown collective kind: "+token)
	}
	return kind, group, nil
}

// applyCheckpoints marks layers named in the header's checkpoints and
// checkpoint_initiates lists.
func applyCheckpoints(layers []*model.Layer, h *Header) {
	byID := make(map[int]*model.Layer, len(layers))
	for _, l := range layers {
		byID[l.ID] = l
	}
	for _, id := range h.Checkpoints {
		if l, ok := byID[id]; ok {
			l.IsCheckpoint = true
		}
	}
	for _, id := range h.CheckpointInitiates {
		if l, ok := byID[id]; ok {
			l.NeedsRecomputeTrigger = true
		}
	}
}
