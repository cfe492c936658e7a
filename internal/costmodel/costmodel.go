// Package costmodel converts compute cycles into simulated time and
// implements the LogGP-style per-step cost function used by every
// CollectiveAlgorithm variant.
package costmodel

import "gitlab.com/akita/akita/v3/sim"

// ClockPeriod is the fixed nanoseconds-per-cycle conversion factor: the
// node reads the network backend's clock via a single now() boundary and
// converts to simulation cycles through this constant.
const ClockPeriod = 1.0 // ns per cycle, overridden by LogGP.ClockPeriodNs when non-zero

// CyclesToTime converts a cycle count to simulated seconds using the given
// clock period in nanoseconds.
func CyclesToTime(cycles uint64, clockPeriodNs float64) sim.VTimeInSec {
	if clockPeriodNs <= 0 {
		clockPeriodNs = ClockPeriod
	}
	return sim.VTimeInSec(float64(cycles) * clockPeriodNs / 1e9)
}

// LogGP holds the parameters named in the system config file:
// L (base latency), o (overhead), g (gap), G (bandwidth in bytes/sec),
// plus the two collective-specific terms (endpoint delay, local
// reduction).
type LogGP struct {
	L, O, G, Gap   float64 // seconds, seconds, bytes/sec, seconds
	EndpointDelay  float64 // seconds, added per message
	LocalReduction float64 // seconds, per local combine
	ClockPeriodNs  float64
}

// StepCost computes the time for one algorithm step moving msgBytes
// between a pair of peers, combining LogGP-style transfer cost with a
// fixed per-message endpoint delay and an optional local-reduction term
// charged when the step performs a combine.
func (p LogGP) StepCost(msgBytes uint64, reduces bool) sim.VTimeInSec {
	transfer := p.L + p.O + p.Gap
	if p.G > 0 {
		transfer += float64(msgBytes) / p.G
	}
	cost := transfer + p.EndpointDelay
	if reduces {
		cost += p.LocalReduction
	}
	return sim.VTimeInSec(cost)
}
