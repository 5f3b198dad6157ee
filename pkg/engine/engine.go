// Package engine binds the event loop to the matrix-element weight engine.
//
// The engine itself is an external collaborator. This package defines the
// interface the pipeline calls through, a Client that times each call and
// picks the canonical weight, and the concrete engines the CLI can select.
package engine

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/weightflow/weightflow/internal/model"
	wferrors "github.com/weightflow/weightflow/pkg/errors"
)

// Weight is one (value, uncertainty) pair returned by the engine.
type Weight struct {
	Value       float64 `json:"value"`
	Uncertainty float64 `json:"uncertainty"`
}

// Engine computes the weights of one event.
//
// Particles are passed in the order the analysis declares them, with names
// matching the engine configuration. met is nil when the variant does not
// read missing transverse energy.
type Engine interface {
	ComputeWeights(ctx context.Context, particles []model.Particle, met *model.FourMomentum) ([]Weight, error)
}

// Closer is implemented by engines that hold external resources.
type Closer interface {
	Close() error
}

// Kind selects an engine implementation.
type Kind string

const (
	KindProcess Kind = "process"
	KindDryRun  Kind = "dry-run"
)

// ParseKind parses an engine kind string.
func ParseKind(s string) (Kind, error) {
	switch Kind(strings.ToLower(s)) {
	case "", KindProcess:
		return KindProcess, nil
	case KindDryRun, "dryrun":
		return KindDryRun, nil
	default:
		return "", fmt.Errorf("unknown engine: %s (want process or dry-run)", s)
	}
}

var errNoWeights = errors.New("engine returned no weights")

// Client wraps an Engine with timing and result selection.
type Client struct {
	engine Engine
	logger *zap.Logger
	clock  func() time.Time
}

// NewClient creates a client for e.
func NewClient(e Engine, logger *zap.Logger) *Client {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Client{engine: e, logger: logger, clock: time.Now}
}

// Compute asks the engine for the weights of rec and returns the last one
// together with the wall-clock time of the call. Engine errors are wrapped
// with the event index and never retried.
func (c *Client) Compute(ctx context.Context, rec model.EventRecord) (model.WeightResult, error) {
	start := c.clock()
	weights, err := c.engine.ComputeWeights(ctx, rec.Particles, rec.MET)
	elapsed := c.clock().Sub(start)

	if err != nil {
		return model.WeightResult{}, wferrors.Engine(err, rec.Index)
	}
	if len(weights) == 0 {
		return model.WeightResult{}, wferrors.Engine(errNoWeights, rec.Index)
	}

	last := weights[len(weights)-1]
	res := model.WeightResult{
		Value:       last.Value,
		Uncertainty: last.Uncertainty,
		Elapsed:     elapsed,
	}

	if ce := c.logger.Check(zap.DebugLevel, "weight computed"); ce != nil {
		ce.Write(
			zap.Int64("event", rec.Index),
			zap.Float64("weight", res.Value),
			zap.Float64("weight_err", res.Uncertainty),
			zap.Int64("elapsed_ms", res.ElapsedMilliseconds()),
			zap.Int("pairs", len(weights)),
		)
	}
	return res, nil
}

// Close releases the wrapped engine when it holds resources.
func (c *Client) Close() error {
	if cl, ok := c.engine.(Closer); ok {
		return cl.Close()
	}
	return nil
}
