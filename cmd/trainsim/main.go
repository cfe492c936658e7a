// Command trainsim runs the distributed training collective simulator:
// it parses a workload trace and a topology/system configuration, builds
// one WorkloadFSM/Sys pair per simulated node, drives them to completion
// on a single akita serial engine, and writes the resulting per-layer and
// per-dimension CSV reports.
package main

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/nodeforge/trainsim/internal/collective"
	"github.com/nodeforge/trainsim/internal/config"
	"github.com/nodeforge/trainsim/internal/costmodel"
	"github.com/nodeforge/trainsim/internal/fsm"
	"github.com/nodeforge/trainsim/internal/logging"
	"github.com/nodeforge/trainsim/internal/model"
	"github.com/nodeforge/trainsim/internal/pipeline"
	"github.com/nodeforge/trainsim/internal/report"
	"github.com/nodeforge/trainsim/internal/scheduler"
	"github.com/nodeforge/trainsim/internal/sys"
	"github.com/nodeforge/trainsim/internal/topology"
	"github.com/nodeforge/trainsim/internal/workload"
	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
	"github.com/tebeka/atexit"
	"gitlab.com/akita/akita/v3/monitoring"
	"gitlab.com/akita/akita/v3/sim"
)

var (
	threads        int
	workloadPath   string
	topologyPath   string
	systemConfig   string
	numGPUs        int
	resultDir      string
	withMonitor    bool
	numPasses      int
)

func main() {
	root := &cobra.Command{
		Use:   "trainsim",
		Short: "simulate collective communication for a distributed training workload",
		RunE:  run,
	}
	root.Flags().IntVarP(&threads, "threads", "t", 1, "worker threads available to the host process (informational; the event kernel is single-threaded)")
	root.Flags().StringVarP(&workloadPath, "workload", "w", "", "workload trace file")
	root.Flags().StringVarP(&topologyPath, "topology", "n", "", "topology description file")
	root.Flags().StringVarP(&systemConfig, "config", "c", "", "system config file")
	root.Flags().IntVarP(&numGPUs, "gpus", "g", 0, "number of simulated GPUs/nodes")
	root.Flags().StringVarP(&resultDir, "result-dir", "r", "./results", "directory the summary/utilization CSVs are written to")
	root.Flags().BoolVar(&withMonitor, "monitor", false, "start the akita live monitoring server")
	root.Flags().IntVarP(&numPasses, "passes", "p", 1, "number of forward/input-gradient/weight-gradient iterations each node runs")
	_ = root.MarkFlagRequired("workload")
	_ = root.MarkFlagRequired("topology")
	_ = root.MarkFlagRequired("config")

	if err := root.Execute(); err != nil {
		logrus.WithError(err).Error("trainsim failed")
		atexit.Exit(1)
		return
	}
	atexit.Exit(0)
}

func run(cmd *cobra.Command, args []string) (runErr error) {
	log := logging.Setup()
	defer func() {
		if r := recover(); r != nil {
			if err, ok := r.(error); ok {
				runErr = err
			} else {
				runErr = fmt.Errorf("%v", r)
			}
		}
	}()

	cfg, err := loadConfig(systemConfig)
	if err != nil {
		return err
	}
	tf, err := loadTopologyFile(topologyPath)
	if err != nil {
		return err
	}
	header, err := loadWorkloadHeader(workloadPath)
	if err != nil {
		return err
	}

	n := numGPUs
	if n <= 0 {
		n = header.AllGPUs
	}
	if n <= 0 {
		return model.NewConfigError("gpus", "node count must be positive: set -g or the workload header's all_gpus")
	}

	dims := append([]int(nil), tf.Dims...)
	if header.ModelParallelNPUGroup > 1 {
		dims, err = topology.BreakDimension(dims, header.ModelParallelNPUGroup)
		if err != nil {
			return err
		}
	}
	tf.Dims = dims

	if os.Getenv("AS_NVLS_ENABLE") == "1" {
		cfg.NVLSEnable = true
	}

	algosByOp, err := cfg.PerDimensionAlgorithmByOp(len(dims))
	if err != nil {
		return err
	}

	dimProduct := 1
	for _, d := range dims {
		dimProduct *= d
	}
	if dimProduct != n {
		return model.NewConfigError("topology", fmt.Sprintf("dimension product %d does not match node count %d", dimProduct, n))
	}

	engine := sim.NewSerialEngine()

	var monitor *monitoring.Monitor
	if withMonitor {
		monitor = monitoring.NewMonitor()
		monitor.RegisterEngine(engine)
	}

	logGP := costmodel.LogGP{
		L: cfg.L, O: cfg.O, G: cfg.G, Gap: cfg.Gap,
		EndpointDelay:  cfg.EndpointDelaySec,
		LocalReduction: cfg.LocalReductionDelaySec,
		ClockPeriodNs:  cfg.ClockPeriodNs,
	}

	fabric, err := buildFabric(tf, engine, n, logGP)
	if err != nil {
		return err
	}

	systems := make([]*sys.Sys, n)
	fsms := make([]*fsm.WorkloadFSM, n)

	for nodeID := 0; nodeID < n; nodeID++ {
		w, err := loadWorkload(workloadPath)
		if err != nil {
			return err
		}
		pipeline.ApplyPPComm(w.Layers, w.Header.PPCommBytes, stageBoundaries(w.Header.PP, len(w.Layers)))

		m, err := tf.BuildMap(nodeID)
		if err != nil {
			return err
		}

		gen := &collective.Generator{
			NodeID:                    nodeID,
			Map:                       m,
			PerDimensionAlgorithmByOp: algosByOp,
			NumChannels:               cfg.NumChannels,
			Cost:                      logGP,
			LocalBWAware:              cfg.CollectiveOptimization == config.OptimizationLocalBWAware,
			Hierarchical:              cfg.CollectiveOptimization == config.OptimizationHierarchical,
			Order:                     cfg.TraversalOrder(),
		}

		sch := scheduler.NewScheduler(len(dims), cfg.OrderingPolicy(), cfg.AdmissionControl())
		node := sys.NewSys(nodeID, sch, fabric, engine, engine)
		systems[nodeID] = node

		f := fsm.NewWorkloadFSM(fmt.Sprintf("Node%d.FSM", nodeID), engine, engine, w.Layers)
		f.NodeID = nodeID
		f.Cost = logGP
		f.ClockPeriodNs = cfg.ClockPeriodNs
		f.Generator = gen
		f.TotalPasses = numPasses
		f.Issue = node.GenerateCollective
		fsms[nodeID] = f
		node.FSM = f

		if monitor != nil {
			monitor.RegisterComponent(f)
		}
	}

	for i, a := range systems {
		for j, b := range systems {
			if i != j {
				a.Peers[j] = b
			}
		}
	}

	remaining := n
	for i, f := range fsms {
		nodeID, nodeFSM := i, f
		nodeFSM.OnFinish = func() {
			remaining--
			log.WithField("node", nodeID).Info("node finished")
		}
	}

	if monitor != nil {
		monitor.StartServer()
	}

	for _, f := range fsms {
		f.Start(engine.CurrentTime())
	}

	if err := engine.Run(); err != nil {
		return err
	}
	log.WithField("remaining", remaining).Info("simulation complete")

	return writeReports(resultDir, fsms, len(dims))
}

func loadConfig(path string) (*config.Config, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, model.NewConfigError("system-config", err.Error())
	}
	defer f.Close()
	return config.Parse(f)
}

func loadTopologyFile(path string) (*config.TopologyFile, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, model.NewConfigError("topology-file", err.Error())
	}
	defer f.Close()
	return config.ParseTopologyFile(f)
}

func loadWorkload(path string) (*workload.Workload, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, model.NewConfigError("workload", err.Error())
	}
	defer f.Close()
	return workload.Parse(f)
}

func loadWorkloadHeader(path string) (*workload.Header, error) {
	w, err := loadWorkload(path)
	if err != nil {
		return nil, err
	}
	return &w.Header, nil
}

// stageBoundaries marks, per layer id, whether that layer sits at a
// pipeline-parallel stage boundary: the last layer of every stage but the
// final one, under an even split of the layer count across pp stages.
func stageBoundaries(ppStages, numLayers int) map[int]bool {
	out := map[int]bool{}
	if ppStages <= 1 || numLayers == 0 {
		return out
	}
	perStage := numLayers / ppStages
	if perStage == 0 {
		return out
	}
	for stage := 0; stage < ppStages-1; stage++ {
		last := (stage+1)*perStage - 1
		out[last] = true
	}
	return out
}

// fabricEngine is the narrow subset of sim.SerialEngine a Fabric needs to
// schedule its own events and read the current simulation time.
type fabricEngine interface {
	sim.EventScheduler
	sim.TimeTeller
}

func buildFabric(tf *config.TopologyFile, engine fabricEngine, numNodes int, cost costmodel.LogGP) (sys.Fabric, error) {
	switch tf.Network.Backend {
	case "networkModel":
		bw := tf.Network.BytePerSecond
		if bw <= 0 {
			bw = 1 << 30
		}
		return sys.NewNetworkModelFabric("Fabric", engine, engine, numNodes, bw, sim.VTimeInSec(tf.Network.LatencySec)), nil
	default:
		return &sys.AnalyticFabric{Cost: cost, Scheduler: engine}, nil
	}
}

func writeReports(dir string, fsms []*fsm.WorkloadFSM, numDims int) error {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return err
	}

	byLayer := map[int]*report.LayerStats{}
	for _, f := range fsms {
		for _, s := range f.Stats() {
			agg, ok := byLayer[s.LayerID]
			if !ok {
				agg = report.NewLayerStats(s.LayerID)
				byLayer[s.LayerID] = agg
			}
			agg.ComputeSec += s.ComputeSec
			agg.BubbleSec += s.BubbleSec
			for g, v := range s.ExposedCommSec {
				agg.ExposedCommSec[g] += v
			}
		}
	}
	summary := make([]*report.LayerStats, 0, len(byLayer))
	for _, s := range byLayer {
		summary = append(summary, s)
	}

	sf, err := os.Create(filepath.Join(dir, "summary.csv"))
	if err != nil {
		return err
	}
	defer sf.Close()
	if err := report.WriteSummaryCSV(sf, summary); err != nil {
		return err
	}

	buckets := make([]report.UtilizationBucket, 0, numDims)
	for d := 0; d < numDims; d++ {
		buckets = append(buckets, report.UtilizationBucket{Dimension: d, Quantile: "p50", Percent: 0})
	}
	uf, err := os.Create(filepath.Join(dir, "utilization.csv"))
	if err != nil {
		return err
	}
	defer uf.Close()
	return report.WriteUtilizationCSV(uf, buckets)
}
