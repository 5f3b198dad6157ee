// Package kinematics repairs and orders particle four-momenta before they are
// handed to the weight engine.
package kinematics

import (
	"github.com/weightflow/weightflow/internal/model"
	wferrors "github.com/weightflow/weightflow/pkg/errors"
)

const (
	// RelativeStep is the fractional energy increment per repair iteration.
	RelativeStep = 1e-5

	// MaxNormalizeIterations bounds the repair loop. Float rounding noise is
	// absorbed in a handful of steps; anything beyond this is pathological.
	MaxNormalizeIterations = 500
)

// Normalize returns a four-momentum with a non-negative invariant mass squared.
//
// Inputs with M² strictly greater than zero are returned unchanged. Otherwise
// the energy is reset to the momentum magnitude and raised by RelativeStep of
// itself until M² >= 0. The second return value is the number of increments
// applied.
func Normalize(p4 model.FourMomentum) (model.FourMomentum, int, error) {
	return NormalizeNamed("", p4)
}

// NormalizeNamed is Normalize with the particle name attached to failures.
func NormalizeNamed(name string, p4 model.FourMomentum) (model.FourMomentum, int, error) {
	if !p4.IsFinite() {
		return p4, 0, wferrors.NormalizationFailure(name, 0).WithContext("reason", "non-finite component")
	}
	if p4.M2() > 0 {
		return p4, 0, nil
	}

	p4.E = p4.P()
	steps := 0
	for p4.M2() < 0 {
		if steps == MaxNormalizeIterations {
			return p4, steps, wferrors.NormalizationFailure(name, steps)
		}
		p4.E += p4.E * RelativeStep
		steps++
	}
	// Squares of huge components overflow to Inf and M² becomes NaN.
	if !p4.IsFinite() || !(p4.M2() >= 0) {
		return p4, steps, wferrors.NormalizationFailure(name, steps).WithContext("reason", "overflow")
	}
	return p4, steps, nil
}

// NormalizeAll repairs every particle in place and returns the total number of
// increments. It stops at the first particle that cannot be repaired.
func NormalizeAll(particles []model.Particle) (int, error) {
	total := 0
	for i := range particles {
		p4, steps, err := NormalizeNamed(particles[i].Name, particles[i].P4)
		total += steps
		if err != nil {
			return total, err
		}
		particles[i].P4 = p4
	}
	return total, nil
}
