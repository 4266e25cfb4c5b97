// Package cli defines the analyzer command tree.
package cli

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/JakeFAU/site-analyzer/internal/analysis"
	"github.com/JakeFAU/site-analyzer/internal/config"
	"github.com/JakeFAU/site-analyzer/internal/logging"
	"github.com/JakeFAU/site-analyzer/internal/scheduler"
	"github.com/JakeFAU/site-analyzer/internal/server"
	pgstore "github.com/JakeFAU/site-analyzer/internal/storage/postgres"
)

// Runtime is the built application the commands drive.
type Runtime interface {
	Serve(ctx context.Context) error
	RunWorker(ctx context.Context) error
	RunOnce(ctx context.Context) (scheduler.Summary, error)
	Enqueue(ctx context.Context, siteID string, priority int) (analysis.CrawlJob, error)
	Close(ctx context.Context) error
}

// newRuntime builds the application. Tests replace it with a fake.
var newRuntime = func(ctx context.Context, cfg config.Config, logger *zap.Logger) (Runtime, error) {
	app, err := server.Build(ctx, cfg, logger)
	if err != nil {
		return nil, err
	}
	return app, nil
}

// migrate applies schema migrations. Tests replace it.
var migrate = pgstore.Migrate

// state is filled by the root pre-run hook and shared by every subcommand.
type state struct {
	cfg    config.Config
	logger *zap.Logger
}

// withRuntime builds the application, runs fn and closes the application
// whether or not fn failed.
func (s *state) withRuntime(fn func(ctx context.Context, rt Runtime) error) func(*cobra.Command, []string) error {
	return func(cmd *cobra.Command, _ []string) error {
		rt, err := newRuntime(cmd.Context(), s.cfg, s.logger)
		if err != nil {
			return fmt.Errorf("failed to initialize application services: %w", err)
		}
		defer func() {
			if cerr := rt.Close(context.WithoutCancel(cmd.Context())); cerr != nil {
				s.logger.Warn("shutdown reported errors", zap.Error(cerr))
			}
		}()
		return fn(cmd.Context(), rt)
	}
}

// NewRootCmd assembles the command tree.
func NewRootCmd() *cobra.Command {
	var cfgFile string
	st := &state{logger: zap.NewNop()}
	cmd := &cobra.Command{
		Use:   "analyzer",
		Short: "Crawl job scheduler and worker for tenant website analysis.",
		Long: `analyzer accepts website analysis requests from tenants, enforces daily
quotas, and drains the crawl job queue into reports. Run "serve" for the HTTP
API with the background dispatcher, or the worker commands to drain the queue
from a cron job or a dedicated process.`,
		SilenceUsage:  true,
		SilenceErrors: true,

		PersistentPreRunE: func(_ *cobra.Command, _ []string) error {
			cfg, err := config.Load(cfgFile)
			if err != nil {
				return fmt.Errorf("load config: %w", err)
			}
			logger, err := logging.New(cfg.Logging.Development)
			if err != nil {
				return fmt.Errorf("logger init failed: %w", err)
			}
			zap.ReplaceGlobals(logger)
			st.cfg = cfg
			st.logger = logger
			return nil
		},

		PersistentPostRun: func(_ *cobra.Command, _ []string) {
			_ = st.logger.Sync()
		},
	}

	cmd.PersistentFlags().StringVar(&cfgFile, "config", "", "path to a YAML config file (env vars use the ANALYZER_ prefix)")

	cmd.AddCommand(newServeCmd(st), newWorkerCmd(st), newJobsCmd(st), newMigrateCmd(st))
	return cmd
}

// Execute runs the root command with SIGINT/SIGTERM cancellation.
func Execute() {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	err := NewRootCmd().ExecuteContext(ctx)
	stop()
	if err != nil {
		fmt.Fprintln(os.Stderr, "analyzer:", err)
		os.Exit(1)
	}
}
