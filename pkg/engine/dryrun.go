package engine

import (
	"context"

	"github.com/weightflow/weightflow/internal/model"
)

// DryRunEngine returns a fixed weight for every event. It exercises the
// read, repair and write path without a physics engine installed.
type DryRunEngine struct {
	Weight Weight
}

// NewDryRunEngine creates a dry-run engine returning weight 1 +- 0.
func NewDryRunEngine() *DryRunEngine {
	return &DryRunEngine{Weight: Weight{Value: 1}}
}

// ComputeWeights implements Engine.
func (d *DryRunEngine) ComputeWeights(ctx context.Context, particles []model.Particle, met *model.FourMomentum) ([]Weight, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	return []Weight{d.Weight}, nil
}
