package main

import (
	"context"
	"os"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/spf13/cobra"
	"go.opentelemetry.io/otel/attribute"
	"go.uber.org/zap"

	"github.com/weightflow/weightflow/internal/pipe"
	"github.com/weightflow/weightflow/pkg/checkpoint"
	"github.com/weightflow/weightflow/pkg/config"
	"github.com/weightflow/weightflow/pkg/engine"
	wferrors "github.com/weightflow/weightflow/pkg/errors"
	"github.com/weightflow/weightflow/pkg/eventstore"
	"github.com/weightflow/weightflow/pkg/lifecycle"
	"github.com/weightflow/weightflow/pkg/partition"
	"github.com/weightflow/weightflow/pkg/progress"
	"github.com/weightflow/weightflow/pkg/storage"
	"github.com/weightflow/weightflow/pkg/storage/s3"
	"github.com/weightflow/weightflow/pkg/telemetry"
	"github.com/weightflow/weightflow/pkg/tui"
	"github.com/weightflow/weightflow/pkg/writer"
)

// runOptions is the resolved configuration of one run.
type runOptions struct {
	pipe        pipe.Config
	engineKind  engine.Kind
	process     engine.ProcessConfig
	s3          s3.Config
	ledgerURI   string
	metricsFile string
	otlp        telemetry.OTLPConfig
}

// applyFlags copies explicitly set flags over the loaded configuration.
func applyFlags(cmd *cobra.Command, c *config.Config) {
	overrides := map[string]func(){
		"chain":                func() { c.Run.Chain = chainName },
		"variant":              func() { c.Run.Variant = variantName },
		"met":                  func() { c.Run.MET = readMET },
		"on-normalize-failure": func() { c.Run.OnNormalizeFailure = onNormalizeFailure },
		"max-skips":            func() { c.Run.MaxSkips = maxSkips },
		"engine":               func() { c.Engine.Kind = engineKind },
		"engine-cmd":           func() { c.Engine.Command = engineCmd },
		"luaconfig":            func() { c.Engine.LuaConfig = luaConfig },
		"compression":          func() { c.Output.Compression = compressionFlag },
		"ledger":               func() { c.Ledger.URI = ledgerURI },
		"metrics-file":         func() { c.Telemetry.MetricsFile = metricsFile },
		"otlp-endpoint":        func() { c.Telemetry.OTLPEndpoint = otlpEndpoint },
	}
	for name, apply := range overrides {
		if cmd.Flags().Changed(name) {
			apply()
		}
	}
}

// resolveRunOptions merges config and flags and validates every value that
// can be checked before the input is touched.
func resolveRunOptions(cmd *cobra.Command) (*runOptions, error) {
	c := *cfgManager.Get()
	applyFlags(cmd, &c)

	if err := partition.Validate(nSteps, stepNumber); err != nil {
		return nil, err
	}

	variant, err := eventstore.ParseVariant(c.Run.Variant)
	if err != nil {
		return nil, wferrors.CLIArgument("variant", err.Error())
	}
	kind, err := engine.ParseKind(c.Engine.Kind)
	if err != nil {
		return nil, wferrors.CLIArgument("engine", err.Error())
	}
	policy, err := pipe.ParseNormalizePolicy(c.Run.OnNormalizeFailure)
	if err != nil {
		return nil, wferrors.CLIArgument("on-normalize-failure", err.Error())
	}
	compression, err := writer.ParseCompression(c.Output.Compression)
	if err != nil {
		return nil, wferrors.CLIArgument("compression", err.Error())
	}

	wcfg := writer.DefaultConfig()
	wcfg.Compression = compression
	wcfg.TempDir = c.Output.TempDir
	if c.Output.BatchSize > 0 {
		wcfg.BatchSize = c.Output.BatchSize
	}
	if c.Output.RowGroupSize > 0 {
		wcfg.RowGroupSize = c.Output.RowGroupSize
	}

	pcfg := pipe.DefaultConfig()
	pcfg.Input = inputPath
	pcfg.Output = outputPath
	pcfg.Table = c.Run.Chain
	pcfg.Variant = variant.WithMET(c.Run.MET)
	pcfg.Steps = nSteps
	pcfg.Step = stepNumber
	pcfg.ReadBatchSize = c.Run.ReadBatchSize
	pcfg.NormalizePolicy = policy
	pcfg.MaxSkips = c.Run.MaxSkips
	pcfg.WriterConfig = wcfg

	s3cfg := s3.DefaultConfig(c.Storage.Region)
	s3cfg.Endpoint = c.Storage.Endpoint
	s3cfg.UsePathStyle = c.Storage.UsePathStyle
	if c.Storage.Timeout > 0 {
		s3cfg.OperationTimeout = c.Storage.Timeout
	}

	otlp := telemetry.DefaultOTLPConfig("weightflow")
	otlp.ServiceVersion = version
	otlp.Endpoint = c.Telemetry.OTLPEndpoint
	otlp.InsecureTLS = c.Telemetry.Insecure
	otlp.SamplingRatio = c.Telemetry.SampleRate
	otlp.Attributes = []attribute.KeyValue{
		attribute.Int("weightflow.nsteps", nSteps),
		attribute.Int("weightflow.step", stepNumber),
	}

	return &runOptions{
		pipe:       pcfg,
		engineKind: kind,
		process: engine.ProcessConfig{
			Command:    c.Engine.Command,
			Args:       c.Engine.Args,
			ConfigPath: c.Engine.LuaConfig,
		},
		s3:          s3cfg,
		ledgerURI:   c.Ledger.URI,
		metricsFile: c.Telemetry.MetricsFile,
		otlp:        otlp,
	}, nil
}

func newEngine(ctx context.Context, opts *runOptions) (engine.Engine, error) {
	switch opts.engineKind {
	case engine.KindDryRun:
		logger.Warn("dry-run engine: every event gets weight 1")
		return engine.NewDryRunEngine(), nil
	default:
		pe, err := engine.StartProcess(ctx, opts.process, logger)
		if err != nil {
			return nil, err
		}
		return pe, nil
	}
}

func runWeights(cmd *cobra.Command, args []string) error {
	opts, err := resolveRunOptions(cmd)
	if err != nil {
		return err
	}

	shutdown := lifecycle.NewShutdownManager(logger)
	defer shutdown.Shutdown()

	ctx, stop := shutdown.HandleSignals(cmd.Context())
	defer stop()

	if opts.otlp.Endpoint != "" {
		flush, err := telemetry.NewOTLPExporter(opts.otlp).Init(ctx)
		if err != nil {
			return wferrors.Wrap(err, wferrors.CodeConfiguration, "failed to start tracing")
		}
		shutdown.RegisterFunc("tracing", func() error {
			sctx, scancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer scancel()
			return flush(sctx)
		})
	}

	tempDir := opts.pipe.WriterConfig.TempDir
	if err := os.MkdirAll(tempDir, 0755); err != nil {
		return wferrors.Wrap(err, wferrors.CodeConfiguration, "failed to create temp dir").
			WithContext("path", tempDir)
	}
	store := storage.NewStore(opts.s3, tempDir, logger)
	shutdown.RegisterFunc("staging", func() error {
		store.Cleanup()
		return nil
	})

	pcfg := opts.pipe
	pcfg.Logger = logger
	pcfg.Localizer = store
	pcfg.WriterConfig.Publisher = store
	pcfg.Progress = cmd.OutOrStdout()
	if progressBar {
		pcfg.ProgressSink = func(events int64) progress.Sink {
			return tui.ShowProgress(cmd.ErrOrStderr(), events, "weighting")
		}
	}

	pcfg.Metrics = telemetry.NewMetrics(prometheus.Labels{
		"nsteps": strconv.Itoa(pcfg.Steps),
		"step":   strconv.Itoa(pcfg.Step),
	})

	if opts.ledgerURI != "" {
		backend, err := checkpoint.Open(ctx, opts.ledgerURI, store.S3)
		if err != nil {
			return err
		}
		shutdown.Register("ledger", backend)
		pcfg.Ledger = checkpoint.NewLedger(backend, logger)
	}

	eng, err := newEngine(ctx, opts)
	if err != nil {
		return err
	}
	if cl, ok := eng.(engine.Closer); ok {
		shutdown.Register("engine", cl)
	}

	res, runErr := pipe.NewPipeline(pcfg, eng).Run(ctx)

	if opts.metricsFile != "" {
		if err := pcfg.Metrics.WriteTextfile(opts.metricsFile); err != nil {
			logger.Warn("failed to write metrics", zap.Error(err), zap.String("path", opts.metricsFile))
		}
	}

	report := &tui.RunReport{
		Range:           res.Range,
		TotalEvents:     res.TotalEvents,
		EventsProcessed: res.EventsProcessed,
		RowsWritten:     res.RowsWritten,
		Skipped:         len(res.Skipped),
		Duration:        res.Duration,
		Err:             runErr,
	}
	if res.Output != nil {
		report.Output = res.Output.Path
		report.OutputSize = res.Output.Bytes
	}
	tui.PrintRunReport(cmd.ErrOrStderr(), report)

	return runErr
}
