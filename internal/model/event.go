// Package model defines core data structures for weightflow.
package model

import (
	"math"
	"time"
)

// FourMomentum is an energy-momentum vector in the (px, py, pz, E) basis.
type FourMomentum struct {
	Px float64
	Py float64
	Pz float64
	E  float64
}

// P returns the magnitude of the three-momentum.
func (v FourMomentum) P() float64 {
	return math.Sqrt(v.Px*v.Px + v.Py*v.Py + v.Pz*v.Pz)
}

// M2 returns the invariant mass squared, E² - p².
func (v FourMomentum) M2() float64 {
	return v.E*v.E - (v.Px*v.Px + v.Py*v.Py + v.Pz*v.Pz)
}

// M returns the invariant mass. Negative M2 yields -sqrt(-M2), matching the
// usual Lorentz vector convention.
func (v FourMomentum) M() float64 {
	m2 := v.M2()
	if m2 < 0 {
		return -math.Sqrt(-m2)
	}
	return math.Sqrt(m2)
}

// IsFinite reports whether every component is a finite number.
func (v FourMomentum) IsFinite() bool {
	for _, c := range [...]float64{v.Px, v.Py, v.Pz, v.E} {
		if math.IsNaN(c) || math.IsInf(c, 0) {
			return false
		}
	}
	return true
}

// Particle names the engine uses to bind inputs to its configuration.
const (
	Lepton1 = "lepton1"
	Lepton2 = "lepton2"
	BJet1   = "bjet1"
	BJet2   = "bjet2"
)

// Particle is a named four-momentum handed to the weight engine.
type Particle struct {
	// Name is the stable key the engine configuration refers to.
	Name string

	// P4 is the particle kinematics.
	P4 FourMomentum
}

// EventRecord holds the raw per-event values read from the event store.
// A record is owned by a single loop iteration and discarded afterwards.
type EventRecord struct {
	// Index is the absolute row index in the event table.
	Index int64

	// LeadingPID is the signed identifier of the leading lepton.
	// Its sign encodes the electric charge.
	LeadingPID int64

	// Particles in the order the analysis variant declares them.
	Particles []Particle

	// MET is the missing transverse energy vector, nil when not read.
	MET *FourMomentum
}

// JobRange is a half-open event index range [Start, End).
type JobRange struct {
	Start int64 `json:"start"`
	End   int64 `json:"end"`
}

// Len returns the number of events in the range.
func (r JobRange) Len() int64 {
	return r.End - r.Start
}

// Contains reports whether index lies inside the range.
func (r JobRange) Contains(index int64) bool {
	return index >= r.Start && index < r.End
}

// WeightResult is the canonical engine result for one event.
type WeightResult struct {
	Value       float64
	Uncertainty float64
	Elapsed     time.Duration
}

// ElapsedMilliseconds returns the engine call duration in whole milliseconds.
func (r WeightResult) ElapsedMilliseconds() int64 {
	return r.Elapsed.Milliseconds()
}

// OutputRow is the persisted projection of a WeightResult.
type OutputRow struct {
	Weight       float64
	WeightErr    float64
	WeightTimeMs float64
}

// NewOutputRow builds a fresh row from a result.
func NewOutputRow(r WeightResult) OutputRow {
	return OutputRow{
		Weight:       r.Value,
		WeightErr:    r.Uncertainty,
		WeightTimeMs: float64(r.ElapsedMilliseconds()),
	}
}
