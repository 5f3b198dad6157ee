package kinematics

import (
	"fmt"

	"github.com/weightflow/weightflow/internal/model"
)

// OrderLeptons binds the lepton1 role to the positively charged lepton.
//
// The event store keeps the leading lepton in lepton1 regardless of charge;
// the engine configuration expects lepton1 to be the positive one. When the
// leading lepton identifier is negative the two momenta trade places. Particle
// names never change. Reports whether a swap happened.
func OrderLeptons(leadingPID int64, particles []model.Particle) (bool, error) {
	i1, i2 := -1, -1
	for i := range particles {
		switch particles[i].Name {
		case model.Lepton1:
			i1 = i
		case model.Lepton2:
			i2 = i
		}
	}
	if i1 < 0 || i2 < 0 {
		return false, fmt.Errorf("lepton ordering needs both %s and %s", model.Lepton1, model.Lepton2)
	}

	if leadingPID >= 0 {
		return false, nil
	}
	particles[i1].P4, particles[i2].P4 = particles[i2].P4, particles[i1].P4
	return true, nil
}
