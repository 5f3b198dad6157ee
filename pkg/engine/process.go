package engine

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os/exec"
	"strings"
	"sync"

	"go.uber.org/zap"

	"github.com/weightflow/weightflow/internal/model"
	wferrors "github.com/weightflow/weightflow/pkg/errors"
)

// DefaultCommand is the engine executable looked up on PATH.
const DefaultCommand = "momemta-engine"

// DefaultConfigPath is the engine configuration script used when none is given.
const DefaultConfigPath = "drell-yan_example.lua"

// ProcessConfig describes how to launch an external engine.
type ProcessConfig struct {
	// Command is the engine executable.
	Command string

	// Args are passed before the configuration flag.
	Args []string

	// ConfigPath is the engine configuration script, passed as --config.
	ConfigPath string

	// Env replaces the child environment when non-nil.
	Env []string
}

// ProcessEngine talks to a long-lived engine process over JSON lines.
//
// Each request is one line on the child's stdin:
//
//	{"particles":[{"name":"lepton1","p4":[px,py,pz,e]},...],"met":[px,py,pz,e]}
//
// and each reply is one line on its stdout:
//
//	{"weights":[{"value":w,"uncertainty":e},...]} or {"error":"..."}
type ProcessEngine struct {
	mu     sync.Mutex
	cmd    *exec.Cmd
	stdin  io.WriteCloser
	enc    *json.Encoder
	dec    *json.Decoder
	stderr *tailBuffer
	broken error
	closed bool
	logger *zap.Logger
}

type wireParticle struct {
	Name string     `json:"name"`
	P4   [4]float64 `json:"p4"`
}

type wireRequest struct {
	Particles []wireParticle `json:"particles"`
	MET       *[4]float64    `json:"met,omitempty"`
}

type wireResponse struct {
	Weights []Weight `json:"weights"`
	Error   string   `json:"error,omitempty"`
}

// StartProcess launches the engine. The process lives until Close or until
// ctx is cancelled.
func StartProcess(ctx context.Context, cfg ProcessConfig, logger *zap.Logger) (*ProcessEngine, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	if cfg.Command == "" {
		cfg.Command = DefaultCommand
	}

	args := append([]string{}, cfg.Args...)
	if cfg.ConfigPath != "" {
		args = append(args, "--config", cfg.ConfigPath)
	}

	cmd := exec.CommandContext(ctx, cfg.Command, args...)
	if cfg.Env != nil {
		cmd.Env = cfg.Env
	}

	stdin, err := cmd.StdinPipe()
	if err != nil {
		return nil, fmt.Errorf("failed to open engine stdin: %w", err)
	}
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return nil, fmt.Errorf("failed to open engine stdout: %w", err)
	}
	stderr := &tailBuffer{limit: 4096}
	cmd.Stderr = stderr

	if err := cmd.Start(); err != nil {
		if errors.Is(err, exec.ErrNotFound) {
			return nil, wferrors.Wrap(err, wferrors.CodeConfiguration, "engine executable not found").
				WithContext("command", cfg.Command)
		}
		return nil, wferrors.Wrap(err, wferrors.CodeEngine, "failed to start engine").
			WithContext("command", cfg.Command)
	}

	logger.Debug("engine started",
		zap.String("command", cfg.Command),
		zap.Strings("args", args),
		zap.Int("pid", cmd.Process.Pid),
	)

	return &ProcessEngine{
		cmd:    cmd,
		stdin:  stdin,
		enc:    json.NewEncoder(stdin),
		dec:    json.NewDecoder(bufio.NewReader(stdout)),
		stderr: stderr,
		logger: logger,
	}, nil
}

// ComputeWeights implements Engine.
func (p *ProcessEngine) ComputeWeights(ctx context.Context, particles []model.Particle, met *model.FourMomentum) ([]Weight, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.closed {
		return nil, errors.New("engine process closed")
	}
	if p.broken != nil {
		return nil, p.broken
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	req := wireRequest{Particles: make([]wireParticle, len(particles))}
	for i, pt := range particles {
		req.Particles[i] = wireParticle{Name: pt.Name, P4: components(pt.P4)}
	}
	if met != nil {
		c := components(*met)
		req.MET = &c
	}

	if err := p.enc.Encode(&req); err != nil {
		p.broken = p.failure("failed to send event to engine", err)
		return nil, p.broken
	}

	var resp wireResponse
	if err := p.dec.Decode(&resp); err != nil {
		if errors.Is(err, io.EOF) {
			err = io.ErrUnexpectedEOF
		}
		p.broken = p.failure("engine did not answer", err)
		return nil, p.broken
	}
	if resp.Error != "" {
		return nil, errors.New(resp.Error)
	}
	return resp.Weights, nil
}

func (p *ProcessEngine) failure(msg string, err error) error {
	if tail := strings.TrimSpace(p.stderr.String()); tail != "" {
		return fmt.Errorf("%s: %w (stderr: %s)", msg, err, tail)
	}
	return fmt.Errorf("%s: %w", msg, err)
}

// Close ends the engine's input and waits for it to exit.
func (p *ProcessEngine) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.closed {
		return nil
	}
	p.closed = true

	p.stdin.Close()
	if err := p.cmd.Wait(); err != nil && p.broken == nil {
		return p.failure("engine exited", err)
	}
	p.logger.Debug("engine stopped", zap.Int("pid", p.cmd.Process.Pid))
	return nil
}

func components(v model.FourMomentum) [4]float64 {
	return [4]float64{v.Px, v.Py, v.Pz, v.E}
}

// tailBuffer keeps the last limit bytes written to it.
type tailBuffer struct {
	mu    sync.Mutex
	buf   []byte
	limit int
}

func (t *tailBuffer) Write(b []byte) (int, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.buf = append(t.buf, b...)
	if over := len(t.buf) - t.limit; over > 0 {
		t.buf = t.buf[over:]
	}
	return len(b), nil
}

func (t *tailBuffer) String() string {
	t.mu.Lock()
	defer t.mu.Unlock()
	return string(t.buf)
}
