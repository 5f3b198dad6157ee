package eventstore

import (
	"fmt"
	"strings"

	"github.com/weightflow/weightflow/internal/model"
)

// PIDColumn holds the signed identifier of the leading lepton.
const PIDColumn = "lep1_PID"

// METPrefix is the column prefix of the missing transverse energy vector.
const METPrefix = "met"

// ParticleSpec maps an engine particle name to its column prefix.
type ParticleSpec struct {
	Name   string
	Prefix string
}

// Columns returns the four momentum component columns, in Px, Py, Pz, E order.
func (s ParticleSpec) Columns() [4]string {
	return momentumColumns(s.Prefix)
}

func momentumColumns(prefix string) [4]string {
	return [4]string{prefix + "_Px", prefix + "_Py", prefix + "_Pz", prefix + "_E"}
}

// Variant describes which particles an analysis reads from the event store.
type Variant struct {
	Name      string
	Particles []ParticleSpec

	// MET adds the met_* columns and passes the vector to the engine.
	MET bool
}

var (
	leptons = []ParticleSpec{
		{Name: model.Lepton1, Prefix: "lep1"},
		{Name: model.Lepton2, Prefix: "lep2"},
	}
	bjets = []ParticleSpec{
		{Name: model.BJet1, Prefix: "bjet1"},
		{Name: model.BJet2, Prefix: "bjet2"},
	}
)

// Dilepton reads the two leptons only.
var Dilepton = Variant{Name: "ll", Particles: leptons}

// DileptonBJets reads two leptons and two b-jets.
var DileptonBJets = Variant{Name: "llbb", Particles: append(append([]ParticleSpec{}, leptons...), bjets...)}

// DefaultVariant is the variant used when none is configured.
var DefaultVariant = DileptonBJets

// ParseVariant resolves a variant by name.
func ParseVariant(name string) (Variant, error) {
	switch strings.ToLower(name) {
	case "ll", "dilepton":
		return Dilepton, nil
	case "", "llbb", "dilepton-bjets":
		return DileptonBJets, nil
	default:
		return Variant{}, fmt.Errorf("unknown analysis variant %q (want ll or llbb)", name)
	}
}

// WithMET returns a copy of the variant that also reads the MET vector.
func (v Variant) WithMET(enabled bool) Variant {
	v.MET = enabled
	return v
}

// RequiredColumns lists every column the variant reads, PID first.
func (v Variant) RequiredColumns() []string {
	cols := []string{PIDColumn}
	for _, p := range v.Particles {
		c := p.Columns()
		cols = append(cols, c[:]...)
	}
	if v.MET {
		c := momentumColumns(METPrefix)
		cols = append(cols, c[:]...)
	}
	return cols
}

// ParticleNames returns the engine names in read order.
func (v Variant) ParticleNames() []string {
	names := make([]string, len(v.Particles))
	for i, p := range v.Particles {
		names[i] = p.Name
	}
	return names
}
