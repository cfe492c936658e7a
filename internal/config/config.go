// Package config parses the system config file and the topology
// description file.
package config

import (
	"bufio"
	"io"
	"strconv"
	"strings"

	"github.com/nodeforge/trainsim/internal/collective"
	"github.com/nodeforge/trainsim/internal/model"
	"github.com/nodeforge/trainsim/internal/scheduler"
)

// Optimization names the collective-optimization mode a config selects.
type Optimization string

// Optimization constants.
const (
	OptimizationBaseline     Optimization = "baseline"
	OptimizationLocalBWAware Optimization = "localBWAware"
	OptimizationHierarchical Optimization = "hierarchical"
)

// Config is the parsed system config file: scheduling policy, per-operation
// algorithm strings, LogGP parameters, and the remaining tunable knobs.
type Config struct {
	SchedulingPolicy string

	AllReduceImplementation     string
	AllGatherImplementation     string
	ReduceScatterImplementation string
	AllToAllImplementation      string

	CollectiveOptimization Optimization

	EndpointDelaySec      float64
	LocalReductionDelaySec float64
	ActiveChunksPerDim    int

	L, O, G, Gap float64

	ClockPeriodNs float64

	IntraDimensionScheduling string
	InterDimensionScheduling string

	BoostMode      bool
	ModelSharedBus bool

	NumChannels int
	NVLSEnable  bool

	// QueueThreshold/MaxRunningStreams/ReadyListThreshold feed the
	// scheduler's AdmissionControl; 0 means "no limit configured",
	// resolved to a sane default by the caller.
	QueueThreshold     int
	MaxRunningStreams  int
	ReadyListThreshold int

	raw map[string]string
}

// Parse reads key-value lines (`key: value` or `key = value`, `#`
// comments, blank lines ignored) from r.
func Parse(r io.Reader) (*Config, error) {
	c := &Config{raw: map[string]string{}}
	scanner := bufio.NewScanner(r)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		key, value, err := splitKV(line)
		if err != nil {
			return nil, err
		}
		c.raw[key] = value
	}
	if err := scanner.Err(); err != nil {
		return nil, model.NewConfigError("system-config", err.Error())
	}
	if err := c.bind(); err != nil {
		return nil, err
	}
	return c, nil
}

func splitKV(line string) (string, string, error) {
	sep := ":"
	if !strings.Contains(line, sep) {
		sep = "="
	}
	parts := strings.SplitN(line, sep, 2)
	if len(parts) != 2 {
		return "", "", model.NewConfigError("system-config", "malformed key-value line: "+line)
	}
	return strings.TrimSpace(parts[0]), strings.TrimSpace(parts[1]), nil
}

func (c *Config) bind() error {
	c.SchedulingPolicy = c.raw["scheduling-policy"]
	c.AllReduceImplementation = c.valueOr("allreduce-implementation", "ring")
	c.AllGatherImplementation = c.valueOr("allgather-implementation", "ring")
	c.ReduceScatterImplementation = c.valueOr("reducescatter-implementation", "ring")
	c.AllToAllImplementation = c.valueOr("alltoall-implementation", "direct")

	switch opt := Optimization(c.valueOr("collective-optimization", string(OptimizationBaseline))); opt {
	case OptimizationBaseline, OptimizationLocalBWAware, OptimizationHierarchical:
		c.CollectiveOptimization = opt
	default:
		return model.NewConfigError("collective-optimization", "unknown value: "+string(opt))
	}

	var err error
	if c.EndpointDelaySec, err = c.floatOr("endpoint-delay", 0); err != nil {
		return err
	}
	if c.LocalReductionDelaySec, err = c.floatOr("local-reduction-delay", 0); err != nil {
		return err
	}
	if c.ActiveChunksPerDim, err = c.intOr("active-chunks-per-dimension", 1); err != nil {
		return err
	}
	if c.L, err = c.floatOr("L", 0); err != nil {
		return err
	}
	if c.O, err = c.floatOr("o", 0); err != nil {
		return err
	}
	if c.G, err = c.floatOr("G", 0); err != nil {
		return err
	}
	if c.Gap, err = c.floatOr("g", 0); err != nil {
		return err
	}
	if c.ClockPeriodNs, err = c.floatOr("clock-period-ns", 1.0); err != nil {
		return err
	}

	c.IntraDimensionScheduling = c.valueOr("intra-dimension-scheduling", "fifo")
	c.InterDimensionScheduling = c.valueOr("inter-dimension-scheduling", "forward")

	if c.BoostMode, err = c.boolOr("boost-mode", false); err != nil {
		return err
	}
	if c.ModelSharedBus, err = c.boolOr("model-shared-bus", false); err != nil {
		return err
	}
	if c.NumChannels, err = c.intOr("num-channels", 1); err != nil {
		return err
	}
	if c.NVLSEnable, err = c.boolOr("nvls-enable", false); err != nil {
		return err
	}
	if c.QueueThreshold, err = c.intOr("queue-threshold", 0); err != nil {
		return err
	}
	if c.MaxRunningStreams, err = c.intOr("max-running-streams", 0); err != nil {
		return err
	}
	if c.ReadyListThreshold, err = c.intOr("ready-list-threshold", 0); err != nil {
		return err
	}
	return nil
}

func (c *Config) valueOr(key, def string) string {
	if v, ok := c.raw[key]; ok {
		return v
	}
	return def
}

func (c *Config) floatOr(key string, def float64) (float64, error) {
	v, ok := c.raw[key]
	if !ok {
		return def, nil
	}
	f, err := strconv.ParseFloat(v, 64)
	if err != nil {
		return 0, model.NewConfigError(key, "not a float: "+err.Error())
	}
	return f, nil
}

func (c *Config) intOr(key string, def int) (int, error) {
	v, ok := c.raw[key]
	if !ok {
		return def, nil
	}
	i, err := strconv.Atoi(v)
	if err != nil {
		return 0, model.NewConfigError(key, "not an integer: "+err.Error())
	}
	return i, nil
}

func (c *Config) boolOr(key string, def bool) (bool, error) {
	v, ok := c.raw[key]
	if !ok {
		return def, nil
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		return false, model.NewConfigError(key, "not a bool: "+err.Error())
	}
	return b, nil
}

// OrderingPolicy maps IntraDimensionScheduling to a scheduler.OrderingPolicy.
func (c *Config) OrderingPolicy() scheduler.OrderingPolicy {
	return scheduler.ParseOrderingPolicy(c.IntraDimensionScheduling)
}

// TraversalOrder maps InterDimensionScheduling to a collective.TraversalOrder.
func (c *Config) TraversalOrder() collective.TraversalOrder {
	switch c.InterDimensionScheduling {
	case "reverse":
		return collective.TraversalReverse
	case "roundRobin", "round-robin":
		return collective.TraversalRoundRobin
	case "offlineGreedy", "offline-greedy":
		return collective.TraversalOfflineGreedy
	case "offlineGreedyFlex", "offline-greedy-flex":
		return collective.TraversalOfflineGreedyFlex
	default:
		return collective.TraversalForward
	}
}

// ImplementationFor returns the per-op algorithm config string for op
// (e.g. "ring_doubleBinaryTree_direct").
func (c *Config) ImplementationFor(op collective.Operation) string {
	switch op {
	case collective.OpAllGather:
		return c.AllGatherImplementation
	case collective.OpReduceScatter:
		return c.ReduceScatterImplementation
	case collective.OpAllToAll:
		return c.AllToAllImplementation
	default:
		return c.AllReduceImplementation
	}
}

// AdmissionControl builds a scheduler.AdmissionControl from the parsed
// thresholds.
func (c *Config) AdmissionControl() scheduler.AdmissionControl {
	return scheduler.AdmissionControl{
		QueueThreshold:     c.QueueThreshold,
		MaxRunningStreams:  c.MaxRunningStreams,
		ReadyListThreshold: c.ReadyListThreshold,
	}
}

// PerDimensionAlgorithmByOp resolves every operation's implementation
// string against numDims, producing the map a collective.Generator needs
// to pick an Algorithm per dimension per operation leg.
func (c *Config) PerDimensionAlgorithmByOp(numDims int) (map[collective.Operation][]collective.AlgorithmChoice, error) {
	ops := []collective.Operation{
		collective.OpAllReduce,
		collective.OpAllGather,
		collective.OpReduceScatter,
		collective.OpAllToAll,
	}
	out := make(map[collective.Operation][]collective.AlgorithmChoice, len(ops))
	for _, op := range ops {
		choices, err := collective.ParsePerDimensionAlgorithms(c.ImplementationFor(op), numDims)
		if err != nil {
			return nil, err
		}
		out[op] = choices
	}
	return out, nil
}
