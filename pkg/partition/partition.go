// Package partition splits an event table into disjoint job ranges so that
// independent processes can each score one slice of the dataset.
package partition

import (
	"math"

	"github.com/weightflow/weightflow/internal/model"
	wferrors "github.com/weightflow/weightflow/pkg/errors"
)

// Range returns the event range for job step stepNumber out of totalSteps.
//
// With totalSteps <= 0 the whole dataset [0, totalEvents) is returned.
// Otherwise the step size is totalEvents/totalSteps rounded to the nearest
// integer; boundary n is n*stepSize and the final boundary is forced to
// totalEvents, so the last step absorbs the rounding remainder. Boundaries
// that overshoot totalEvents are clamped to it.
func Range(totalEvents int64, totalSteps, stepNumber int) (model.JobRange, error) {
	if totalEvents < 0 {
		return model.JobRange{}, wferrors.Configuration("total event count is negative").
			WithContext("events", totalEvents)
	}
	if totalSteps <= 0 {
		return model.JobRange{Start: 0, End: totalEvents}, nil
	}
	if err := Validate(totalSteps, stepNumber); err != nil {
		return model.JobRange{}, err
	}

	size := StepSize(totalEvents, totalSteps)
	return model.JobRange{
		Start: boundary(stepNumber, totalSteps, size, totalEvents),
		End:   boundary(stepNumber+1, totalSteps, size, totalEvents),
	}, nil
}

// Validate checks a (totalSteps, stepNumber) pair without needing the event
// count, so a bad request is rejected before any input is opened.
func Validate(totalSteps, stepNumber int) error {
	if totalSteps <= 0 {
		return nil
	}
	if stepNumber == totalSteps {
		return wferrors.Configuration("--nsteps and --step are the same").
			WithContext("nsteps", totalSteps).
			WithContext("step", stepNumber)
	}
	if stepNumber < 0 || stepNumber > totalSteps {
		return wferrors.Configuration("--step is outside [0, nsteps)").
			WithContext("nsteps", totalSteps).
			WithContext("step", stepNumber)
	}
	return nil
}

// StepSize is totalEvents/totalSteps rounded to the nearest integer.
func StepSize(totalEvents int64, totalSteps int) int64 {
	if totalSteps <= 0 {
		return totalEvents
	}
	return int64(math.Round(float64(totalEvents) / float64(totalSteps)))
}

// All returns the ranges for every step in order.
func All(totalEvents int64, totalSteps int) ([]model.JobRange, error) {
	if totalSteps <= 0 {
		r, err := Range(totalEvents, totalSteps, 0)
		if err != nil {
			return nil, err
		}
		return []model.JobRange{r}, nil
	}

	ranges := make([]model.JobRange, 0, totalSteps)
	for step := 0; step < totalSteps; step++ {
		r, err := Range(totalEvents, totalSteps, step)
		if err != nil {
			return nil, err
		}
		ranges = append(ranges, r)
	}
	return ranges, nil
}

func boundary(n, totalSteps int, size, totalEvents int64) int64 {
	if n >= totalSteps {
		return totalEvents
	}
	b := int64(n) * size
	if b > totalEvents {
		return totalEvents
	}
	return b
}
