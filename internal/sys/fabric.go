package sys

import (
	"github.com/nodeforge/trainsim/internal/costmodel"
	"gitlab.com/akita/akita/v3/sim"
)

// Fabric is the network abstraction a Sys sends bytes through. It exists
// so the collective algorithms and the Sys orchestrator never need to know
// whether they are running over the analytic LogGP cost model or a
// byte-accurate network simulation.
type Fabric interface {
	// Transmit starts moving bytes bytes from srcNode to dstNode, calling
	// onArrive once the transfer completes. tag disambiguates concurrent
	// transfers between the same pair of nodes.
	Transmit(srcNode, dstNode, tag int, bytes uint64, now sim.VTimeInSec, onArrive func(arrival sim.VTimeInSec))
}

// transmitEvent fires when an AnalyticFabric transfer completes.
type transmitEvent struct {
	time     sim.VTimeInSec
	handler  sim.Handler
	onArrive func(sim.VTimeInSec)
}

func (e transmitEvent) Time() sim.VTimeInSec { return e.time }
func (e transmitEvent) Handler() sim.Handler { return e.handler }
func (e transmitEvent) IsSecondary() bool    { return false }

// fabricHandler delivers a transmitEvent to its onArrive callback so
// AnalyticFabric does not need to be a full akita component.
type fabricHandler struct{}

func (fabricHandler) Handle(e sim.Event) error {
	te := e.(transmitEvent)
	te.onArrive(te.time)
	return nil
}

var theFabricHandler = fabricHandler{}

// AnalyticFabric computes transfer time from the LogGP parameters in the
// system config, with no contention modeling: every transfer pays
// L+o+g+bytes/G plus the fixed endpoint delay. This is the default fabric
// and the one the test suite exercises, since it needs no topology wiring
// to be deterministic.
type AnalyticFabric struct {
	Cost      costmodel.LogGP
	Scheduler sim.EventScheduler
}

// Transmit schedules onArrive after the LogGP-modeled transfer time.
func (f *AnalyticFabric) Transmit(srcNode, dstNode, tag int, bytes uint64, now sim.VTimeInSec, onArrive func(sim.VTimeInSec)) {
	delay := f.Cost.StepCost(bytes, false)
	f.Scheduler.Schedule(transmitEvent{
		time:     now + delay,
		handler:  theFabricHandler,
		onArrive: onArrive,
	})
}
