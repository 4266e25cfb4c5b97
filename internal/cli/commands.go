package cli

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"

	"github.com/spf13/cobra"

	"github.com/JakeFAU/site-analyzer/internal/config"
)

func newServeCmd(st *state) *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the HTTP API and the background dispatcher",
		Args:  cobra.NoArgs,
		RunE: st.withRuntime(func(ctx context.Context, rt Runtime) error {
			return rt.Serve(ctx)
		}),
	}
}

func newWorkerCmd(st *state) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "worker",
		Short: "Drain the crawl job queue",
	}
	runOnce := &cobra.Command{
		Use:   "run-once",
		Short: "Run a single scheduler pass and print its summary",
		Args:  cobra.NoArgs,
	}
	runOnce.RunE = st.withRuntime(func(ctx context.Context, rt Runtime) error {
		summary, runErr := rt.RunOnce(ctx)
		if err := printJSON(runOnce.OutOrStdout(), summary); err != nil {
			return err
		}
		return runErr
	})
	run := &cobra.Command{
		Use:   "run",
		Short: "Run the dispatcher until interrupted",
		Args:  cobra.NoArgs,
		RunE: st.withRuntime(func(ctx context.Context, rt Runtime) error {
			return rt.RunWorker(ctx)
		}),
	}
	cmd.AddCommand(runOnce, run)
	return cmd
}

func newJobsCmd(st *state) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "jobs",
		Short: "Operator job commands",
	}
	var (
		siteID   string
		priority int
	)
	enqueue := &cobra.Command{
		Use:   "enqueue",
		Short: "Enqueue a crawl job for an existing site without charging quota",
		Args:  cobra.NoArgs,
	}
	enqueue.RunE = st.withRuntime(func(ctx context.Context, rt Runtime) error {
		job, err := rt.Enqueue(ctx, siteID, priority)
		if err != nil {
			return err
		}
		return printJSON(enqueue.OutOrStdout(), job)
	})
	enqueue.Flags().StringVar(&siteID, "site-id", "", "site to crawl")
	enqueue.Flags().IntVar(&priority, "priority", 0, "job priority")
	_ = enqueue.MarkFlagRequired("site-id")
	cmd.AddCommand(enqueue)
	return cmd
}

func newMigrateCmd(st *state) *cobra.Command {
	return &cobra.Command{
		Use:   "migrate",
		Short: "Apply database migrations",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			if st.cfg.DB.Backend != config.BackendPostgres {
				return errors.New("migrate requires db.backend=postgres")
			}
			if err := migrate(cmd.Context(), st.cfg.DB.DSN); err != nil {
				return err
			}
			st.logger.Info("database migrations applied")
			return nil
		},
	}
}

func printJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	if err := enc.Encode(v); err != nil {
		return fmt.Errorf("write output: %w", err)
	}
	return nil
}
