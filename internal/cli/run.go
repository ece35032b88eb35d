package cli

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os/signal"
	"syscall"
	"time"

	"github.com/google/uuid"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/wesleyorama2/loadgen/internal/config"
	"github.com/wesleyorama2/loadgen/internal/load"
	"github.com/wesleyorama2/loadgen/internal/report"
	"github.com/wesleyorama2/loadgen/internal/sysinfo"
)

const (
	// defaultFlagDuration applies when a test is described by flags alone.
	defaultFlagDuration = 10 * time.Second

	progressInterval = time.Second
)

func newRunCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "run",
		Short: "Run a load test",
		Long: `Run a constant-VU load test against a single HTTP endpoint.

Config file mode:
  loadgen run --config test.yaml

Quick CLI mode:
  loadgen run --url https://api.example.com/health --vus 50 --duration 1m

Flags override the matching config file settings.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := buildTestConfig(cmd)
			if err != nil {
				return err
			}

			opts := runOptions{}
			opts.out, _ = cmd.Flags().GetString("out")
			opts.noColor, _ = cmd.Flags().GetBool("no-color")
			opts.quiet, _ = cmd.Flags().GetBool("quiet")
			opts.logLevel, _ = cmd.Flags().GetString("log-level")

			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()

			return runTest(ctx, cfg, opts, cmd.OutOrStdout(), cmd.ErrOrStderr())
		},
	}

	addConfigFlags(cmd)
	cmd.Flags().StringP("out", "o", "", "Also write the report as JSON to this file")
	cmd.Flags().Bool("no-color", false, "Disable colored output")
	cmd.Flags().BoolP("quiet", "q", false, "Only print the final summary")
	cmd.Flags().String("log-level", "info", "Log level: debug, info, warn, error")
	return cmd
}

type runOptions struct {
	out      string
	noColor  bool
	quiet    bool
	logLevel string
}

// runTest executes one load test and prints its report. It returns
// load.ErrTargetUnreachable after printing when nothing succeeded.
func runTest(ctx context.Context, cfg config.TestConfig, opts runOptions, stdout, stderr io.Writer) error {
	logger, err := newLogger(opts.logLevel, stderr)
	if err != nil {
		return err
	}
	defer func() { _ = logger.Sync() }()

	runID := uuid.New().String()
	logger = logger.With(zap.String("run_id", runID))
	logger.Info("starting load test", zap.Stringer("config", cfg))

	colors := report.SchemeFor(stdout, opts.noColor)
	text := report.NewTextReporter(stdout, colors)
	progress := report.NewProgressPrinter(stdout, colors, report.IsTerminal(stdout))

	host, err := sysinfo.Describe(ctx)
	if err != nil {
		logger.Debug("host description incomplete", zap.Error(err))
	}

	rep := &report.Report{
		RunID:    runID,
		Name:     cfg.Name,
		Target:   cfg.TargetURL.String(),
		VUs:      cfg.VirtualUsers,
		Duration: cfg.Duration,
		Timeout:  cfg.RequestTimeout,
		Host:     &host,
	}
	if !opts.quiet {
		if err := text.PrintHeader(rep); err != nil {
			return fmt.Errorf("%w: print header: %w", errOutput, err)
		}
	}

	scheduler := load.New(cfg, load.WithLogger(logger))
	sampler := sysinfo.NewSampler(sysinfo.DefaultInterval, logger)

	g, gctx := errgroup.WithContext(ctx)
	watchCtx, stopWatching := context.WithCancel(gctx)
	defer stopWatching()

	var runErr error
	rep.StartedAt = time.Now()
	g.Go(func() error {
		defer stopWatching()
		rep.Summary, runErr = scheduler.Run(gctx)
		return nil
	})
	g.Go(func() error {
		return sampler.Run(watchCtx)
	})
	if !opts.quiet {
		g.Go(func() error {
			ticker := time.NewTicker(progressInterval)
			defer ticker.Stop()
			for {
				select {
				case <-watchCtx.Done():
					return nil
				case <-ticker.C:
					progress.Update(report.StatsFromSnapshot(
						scheduler.Aggregator().Snapshot(),
						scheduler.GetProgress(),
						cfg.Duration,
						scheduler.GetActiveVUs(),
						cfg.VirtualUsers,
					))
				}
			}
		})
	}

	if err := g.Wait(); err != nil {
		return err
	}
	progress.Finish()

	if rep.Summary == nil {
		logger.Error("run aborted", zap.Error(runErr))
		return runErr
	}

	usage := sampler.Usage()
	rep.HostUsage = &usage
	stats := scheduler.Stats()
	rep.Respawns = stats.Respawns
	rep.GraceExpired = stats.GraceExpired
	rep.LateRecords = scheduler.Aggregator().LateRecords()

	if err := text.PrintSummary(rep); err != nil {
		return fmt.Errorf("%w: print summary: %w", errOutput, err)
	}
	if opts.out != "" {
		if err := report.WriteJSONFile(opts.out, rep); err != nil {
			return fmt.Errorf("%w: %w", errOutput, err)
		}
		logger.Info("report written", zap.String("path", opts.out))
	}

	if runErr != nil {
		if errors.Is(runErr, load.ErrTargetUnreachable) {
			logger.Warn("target unreachable", zap.Int64("attempts", rep.Summary.TotalRequests))
		}
		return runErr
	}

	logger.Info("load test finished",
		zap.Int64("requests", rep.Summary.TotalRequests),
		zap.Int64("errors", rep.Summary.ErrorCount),
		zap.Float64("rps", rep.Summary.RequestsPerSecond),
	)
	return nil
}

func newValidateCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "validate",
		Short: "Validate a test config without running it",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := buildTestConfig(cmd)
			if err != nil {
				return err
			}

			colors := report.SchemeFor(cmd.OutOrStdout(), false)
			fmt.Fprintf(cmd.OutOrStdout(), "%s %s\n", colors.Good.Sprint("✓"), cfg)
			return nil
		},
	}
	addConfigFlags(cmd)
	return cmd
}
