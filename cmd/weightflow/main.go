// weightflow - Matrix-element weights for particle-physics event tables
// Reads one job step of an event table, asks the weight engine for every
// event and writes the weights as Apache Parquet.
package main

import (
	"errors"
	"fmt"
	"io"
	"os"

	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/weightflow/weightflow/pkg/config"
	"github.com/weightflow/weightflow/pkg/engine"
	wferrors "github.com/weightflow/weightflow/pkg/errors"
)

var (
	version = "0.1.0"
	commit  = "dev"
)

// Process-wide state set up by the root command.
var (
	logger     = zap.NewNop()
	cfgManager = config.NewManager()
)

// CLI flags
var (
	configFile string
	verbose    bool

	// Run flags
	inputPath          string
	outputPath         string
	chainName          string
	luaConfig          string
	nSteps             int
	stepNumber         int
	variantName        string
	readMET            bool
	engineKind         string
	engineCmd          string
	onNormalizeFailure string
	maxSkips           int64
	compressionFlag    string
	ledgerURI          string
	metricsFile        string
	otlpEndpoint       string
	progressBar        bool

	// Side command flags
	eventsPath   string
	eventCount   int64
	weightsPaths []string
	seed         int64
	rowGroup     int64
)

func main() {
	os.Exit(execute(os.Args[1:], os.Stdout, os.Stderr))
}

// execute runs the CLI and returns the process exit code.
func execute(args []string, stdout, stderr io.Writer) int {
	root := newRootCmd(stderr)
	root.SetArgs(args)
	root.SetOut(stdout)
	root.SetErr(stderr)

	if err := root.Execute(); err != nil {
		fmt.Fprintln(stderr, "Error:", err)
		var we *wferrors.Error
		if verbose && errors.As(err, &we) {
			fmt.Fprint(stderr, we.FormatStack())
		}
		return 1
	}
	return 0
}

// newRootCmd builds the command tree. Flag variables are rebound, and so
// reset to their defaults, on every call.
func newRootCmd(logOut io.Writer) *cobra.Command {
	rootCmd := &cobra.Command{
		Use:   "weightflow",
		Short: "weightflow - Compute matrix-element weights for event tables",
		Long: `weightflow reads the events of one job step from a Parquet event table,
repairs and orders their four-momenta, asks the weight engine for a weight per
event and writes weight, weight_err and weight_time_ms to a Parquet table.

Examples:
  weightflow --input events/ --output weights.parquet
  weightflow --input s3://physics/dy --output s3://physics/weights/step-3.parquet --nsteps 10 --step 3
  weightflow --input events.parquet --output w.parquet --engine dry-run --variant ll --met`,
		Version:       fmt.Sprintf("%s (%s)", version, commit),
		SilenceErrors: true,
		SilenceUsage:  true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			logger = newLogger(logOut, verbose)
			return cfgManager.Load(configFile)
		},
		PersistentPostRun: func(cmd *cobra.Command, args []string) {
			_ = logger.Sync()
		},
		RunE: runWeights,
	}

	// Global flags
	rootCmd.PersistentFlags().StringVar(&configFile, "config", "", "YAML config file")
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "Enable debug logging")

	// Run flags
	f := rootCmd.Flags()
	f.StringVar(&inputPath, "input", "", "Event store: Parquet file, directory or s3:// location (required)")
	f.StringVar(&outputPath, "output", "", "Weights table path or s3:// location (required)")
	f.StringVar(&chainName, "chain", "event_selection/hftree", "Table name within the event store")
	f.StringVar(&luaConfig, "luaconfig", engine.DefaultConfigPath, "Engine configuration script")
	f.IntVar(&nSteps, "nsteps", 0, "Total number of job steps (0 = whole table)")
	f.IntVar(&stepNumber, "step", 0, "This job's step in [0, nsteps)")
	f.StringVar(&variantName, "variant", "llbb", "Analysis variant (ll, llbb)")
	f.BoolVar(&readMET, "met", false, "Read the MET vector and pass it to the engine")
	f.StringVar(&engineKind, "engine", string(engine.KindProcess), "Weight engine (process, dry-run)")
	f.StringVar(&engineCmd, "engine-cmd", engine.DefaultCommand, "Engine executable for --engine process")
	f.StringVar(&onNormalizeFailure, "on-normalize-failure", "strict", "Unrepairable four-momenta: strict aborts, skip drops the event")
	f.Int64Var(&maxSkips, "max-skips", 0, "Abort after this many skipped events (0 = unlimited)")
	f.StringVar(&compressionFlag, "compression", "snappy", "Parquet compression (none, snappy, gzip, zstd, lz4)")
	f.StringVar(&ledgerURI, "ledger", "", "Step ledger (dir://path, redis://addr, s3://bucket/prefix)")
	f.StringVar(&metricsFile, "metrics-file", "", "Write Prometheus metrics to this textfile at run end")
	f.StringVar(&otlpEndpoint, "otlp-endpoint", "", "OTLP gRPC endpoint for traces")
	f.BoolVar(&progressBar, "progress-bar", false, "Show a terminal progress bar")

	rootCmd.MarkFlagRequired("input")
	rootCmd.MarkFlagRequired("output")

	rootCmd.AddCommand(newPlanCmd())
	rootCmd.AddCommand(newVerifyCmd())
	rootCmd.AddCommand(newSummaryCmd())
	rootCmd.AddCommand(newStatusCmd())
	rootCmd.AddCommand(newGenerateCmd())
	rootCmd.AddCommand(newConfigCmd())
	return rootCmd
}

// newLogger builds a JSON production logger on w.
func newLogger(w io.Writer, debug bool) *zap.Logger {
	cfg := zap.NewProductionConfig()
	level := zapcore.InfoLevel
	if debug {
		level = zapcore.DebugLevel
	}
	cfg.EncoderConfig.EncodeTime = zapcore.ISO8601TimeEncoder

	core := zapcore.NewCore(zapcore.NewJSONEncoder(cfg.EncoderConfig), zapcore.AddSync(w), level)
	return zap.New(core, zap.AddCaller()).With(zap.String("app", "weightflow"))
}
