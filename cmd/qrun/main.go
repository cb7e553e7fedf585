// qrun submits one primitive job to a leased resource and writes the
// result, mapping each failure class to a distinct exit code so batch
// scripts can branch on the outcome.
package main

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/pingcap/log"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/qrmi-dev/qrmi/auth"
	"github.com/qrmi-dev/qrmi/client"
	"github.com/qrmi-dev/qrmi/config"
	"github.com/qrmi-dev/qrmi/engine"
	"github.com/qrmi-dev/qrmi/lease"
	"github.com/qrmi-dev/qrmi/model"
	"github.com/qrmi-dev/qrmi/pkg/clock"
	"github.com/qrmi-dev/qrmi/pkg/promutil"
	"github.com/qrmi-dev/qrmi/pkg/qerrors"
)

// Exit codes, one per failure class.
const (
	exitOK        = 0
	exitGeneric   = 1
	exitConfig    = 2
	exitAuth      = 3
	exitBusy      = 4
	exitLease     = 5
	exitTransport = 6
	exitProvider  = 7
	exitTimedOut  = 8
	exitCancelled = 130
)

type options struct {
	resource    string
	input       string
	programID   string
	jobRuns     int
	output      string
	configFile  string
	timeout     time.Duration
	metricsAddr string
}

func main() {
	var opts options

	cmd := &cobra.Command{
		Use:          "qrun",
		Short:        "run one primitive job on a leased quantum resource",
		SilenceUsage: true,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cmd.SilenceErrors = true
			code, err := run(cmd.Context(), &opts)
			if err != nil {
				log.L().Error("qrun failed", zap.Error(err))
			}
			if code != exitOK {
				os.Exit(code)
			}
			return nil
		},
	}

	cmd.Flags().StringVar(&opts.resource, "resource", "", "resource name to acquire")
	cmd.Flags().StringVar(&opts.input, "input", "", "input payload file, or - for stdin")
	cmd.Flags().StringVar(&opts.programID, "program-id", string(model.ProgramSampler), "primitive kind: sampler or estimator")
	cmd.Flags().IntVar(&opts.jobRuns, "job-runs", 1, "repetition count for cloud-provider batches")
	cmd.Flags().StringVar(&opts.output, "output", "", "result output file, or - for stdout")
	cmd.Flags().StringVar(&opts.configFile, "config", "", "optional TOML resource configuration file")
	cmd.Flags().DurationVar(&opts.timeout, "timeout", 0, "job timeout; 0 uses the resource default")
	cmd.Flags().StringVar(&opts.metricsAddr, "metrics-addr", "", "optional address to serve Prometheus metrics on")
	_ = cmd.MarkFlagRequired("resource")
	_ = cmd.MarkFlagRequired("input")
	_ = cmd.MarkFlagRequired("output")

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := cmd.ExecuteContext(ctx); err != nil {
		os.Exit(exitGeneric)
	}
}

func run(ctx context.Context, opts *options) (int, error) {
	initLogger()

	program, ok := model.ParseProgramID(opts.programID)
	if !ok {
		return exitConfig, qerrors.ErrConfigInvalidValue.GenWithStackByArgs(
			"program-id", opts.resource, opts.programID)
	}

	// Fail before acquiring anything if the output location is not
	// writable; discovering that after the job ran would lose the result.
	if err := precheckOutput(opts.output); err != nil {
		return exitConfig, err
	}

	input, err := readInput(opts.input)
	if err != nil {
		return exitConfig, err
	}

	var fileCfg *config.FileConfig
	if opts.configFile != "" {
		fileCfg, err = config.LoadFile(opts.configFile)
		if err != nil {
			return exitConfig, err
		}
	}
	resolver, err := config.NewResolver(fileCfg, os.Environ())
	if err != nil {
		return exitConfig, err
	}
	desc, err := resolver.Resolve(opts.resource)
	if err != nil {
		return exitCode(err), err
	}

	if opts.metricsAddr != "" {
		serveMetrics(opts.metricsAddr)
	}

	clk := clock.New()
	tokens := auth.NewManager(nil, clk)
	provider, err := client.New(ctx, desc, tokens)
	if err != nil {
		return exitCode(err), err
	}

	leases := lease.NewManager(clk)
	defer leases.Close(context.Background())
	if err := leases.Register(desc.Name, provider); err != nil {
		return exitCode(err), err
	}

	ls, err := leases.Acquire(ctx, desc.Name, desc.SessionMode, desc.SessionTTL)
	if err != nil {
		return exitCode(err), err
	}
	defer func() {
		// Release with a fresh context so a SIGTERM-cancelled run still
		// tears down the session.
		relCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()
		if err := leases.Release(relCtx, ls); err != nil {
			log.L().Warn("lease release failed", zap.Error(err))
		}
	}()

	timeout := opts.timeout
	if timeout <= 0 {
		timeout = desc.JobTimeout
	}
	spec := model.JobSpec{
		Program: program,
		Input:   input,
		Runs:    opts.jobRuns,
		Timeout: timeout,
	}

	eng := engine.New(leases, clk, desc.PollInterval)
	job, result, err := eng.Run(ctx, ls, spec)
	if err != nil {
		return exitCode(err), err
	}

	switch job.Status {
	case model.JobCompleted:
		if err := writeOutput(opts.output, result); err != nil {
			return exitGeneric, err
		}
		log.L().Info("job completed",
			zap.String("job_id", job.ID),
			zap.Int("result_bytes", len(result)))
		return exitOK, nil
	case model.JobTimedOut:
		return exitTimedOut, fmt.Errorf("job %s timed out", job.ID)
	case model.JobCancelled:
		return exitCancelled, fmt.Errorf("job %s cancelled", job.ID)
	}
	return exitGeneric, fmt.Errorf("job %s finished in unexpected status %s", job.ID, job.Status)
}

// initLogger maps the scheduler's SRUN_DEBUG verbosity onto a log level.
func initLogger() {
	level := "info"
	if v, err := strconv.Atoi(os.Getenv("SRUN_DEBUG")); err == nil {
		switch {
		case v <= 2:
			level = "warn"
		case v == 3:
			level = "info"
		default:
			level = "debug"
		}
	}
	logger, props, err := log.InitLogger(&log.Config{Level: level})
	if err != nil {
		fmt.Fprintf(os.Stderr, "init logger failed: %v\n", err)
		os.Exit(exitGeneric)
	}
	log.ReplaceGlobals(logger, props)
}

func precheckOutput(path string) error {
	if path == "-" {
		return nil
	}
	f, err := os.OpenFile(path, os.O_WRONLY|os.O_CREATE, 0o644)
	if err != nil {
		return qerrors.ErrConfigInvalidValue.GenWithStackByArgs("output", path, err.Error())
	}
	return f.Close()
}

func readInput(path string) ([]byte, error) {
	if path == "-" {
		return io.ReadAll(os.Stdin)
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, qerrors.ErrConfigInvalidValue.GenWithStackByArgs("input", path, err.Error())
	}
	return data, nil
}

func writeOutput(path string, data []byte) error {
	if path == "-" {
		_, err := os.Stdout.Write(data)
		return err
	}
	return os.WriteFile(path, data, 0o644)
}

func serveMetrics(addr string) {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promutil.HTTPHandlerForMetric())
	go func() {
		if err := http.ListenAndServe(addr, mux); err != nil {
			log.L().Warn("metrics listener stopped", zap.Error(err))
		}
	}()
}

// exitCode maps the error taxonomy onto shell exit codes.
func exitCode(err error) int {
	switch {
	case err == nil:
		return exitOK
	case qerrors.ErrConfigDecodeFile.Equal(err),
		qerrors.ErrConfigUnknownItem.Equal(err),
		qerrors.ErrConfigMissingField.Equal(err),
		qerrors.ErrConfigInvalidURL.Equal(err),
		qerrors.ErrConfigInvalidValue.Equal(err),
		qerrors.ErrUnknownProviderKind.Equal(err),
		qerrors.ErrResourceNotDefined.Equal(err),
		qerrors.ErrResourceNotAllocated.Equal(err):
		return exitConfig
	case qerrors.ErrAuthFailed.Equal(err), qerrors.ErrAuthTokenInvalid.Equal(err):
		return exitAuth
	case qerrors.ErrResourceBusy.Equal(err):
		return exitBusy
	case qerrors.ErrLeaseExpired.Equal(err), qerrors.ErrLeaseNotFound.Equal(err):
		return exitLease
	case qerrors.ErrTransport.Equal(err), qerrors.ErrPayloadTooLarge.Equal(err):
		return exitTransport
	case qerrors.ErrProvider.Equal(err),
		qerrors.ErrJobNotFound.Equal(err),
		qerrors.ErrNotReady.Equal(err),
		qerrors.ErrUnsupportedPayload.Equal(err):
		return exitProvider
	}
	return exitGeneric
}
