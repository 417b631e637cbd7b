package cmd

import (
	"context"
	"errors"
	"fmt"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/FeritTasdildiren/nerede-yesem/internal/discovery"
)

func newServeCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Serve the HTTP API and run the background job runner",
		RunE: func(cmd *cobra.Command, _ []string) error {
			appInstance, err := resolveApp(cmd.Context())
			if err != nil {
				return err
			}
			if err := appInstance.Run(cmd.Context()); err != nil && !errors.Is(err, context.Canceled) {
				return fmt.Errorf("serve: %w", err)
			}
			return nil
		},
	}
}

func newJobsCmd() *cobra.Command {
	jobsCmd := &cobra.Command{
		Use:   "jobs",
		Short: "Inspect and drive background jobs",
	}

	var limit int
	process := &cobra.Command{
		Use:   "process",
		Short: "Run one pass over due jobs, for cron-driven deployments",
		RunE: func(cmd *cobra.Command, _ []string) error {
			appInstance, err := resolveApp(cmd.Context())
			if err != nil {
				return err
			}
			summary, err := appInstance.ProcessJobs(cmd.Context(), limit)
			if err != nil {
				return fmt.Errorf("process jobs: %w", err)
			}
			appInstance.Logger().Info("jobs processed",
				zap.Int("claimed", summary.Claimed),
				zap.Int("completed", summary.Completed),
				zap.Int("retried", summary.Retried),
				zap.Int("failed", summary.Failed))
			return printJSON(cmd.OutOrStdout(), summary)
		},
	}
	process.Flags().IntVar(&limit, "limit", 0, "maximum jobs to claim (default jobs.batch_size)")
	jobsCmd.AddCommand(process)
	return jobsCmd
}

func newCleanupCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "cleanup",
		Short: "Delete expired cache entries and old finished jobs",
		RunE: func(cmd *cobra.Command, _ []string) error {
			appInstance, err := resolveApp(cmd.Context())
			if err != nil {
				return err
			}
			report, err := appInstance.Cleanup(cmd.Context())
			if err != nil {
				return err
			}
			return printJSON(cmd.OutOrStdout(), report)
		},
	}
}

func newDiscoverCmd() *cobra.Command {
	var req discovery.Request
	cmd := &cobra.Command{
		Use:   "discover",
		Short: "Discover restaurants around a point without analyzing reviews",
		RunE: func(cmd *cobra.Command, _ []string) error {
			appInstance, err := resolveApp(cmd.Context())
			if err != nil {
				return err
			}
			res, err := appInstance.Discover(cmd.Context(), req)
			if err != nil {
				return fmt.Errorf("discover: %w", err)
			}
			return printJSON(cmd.OutOrStdout(), res)
		},
	}
	cmd.Flags().StringVar(&req.Query, "query", "", "food or restaurant keyword")
	cmd.Flags().StringVar(&req.Location, "location", "", "human readable area name")
	cmd.Flags().Float64Var(&req.Lat, "lat", 0, "latitude")
	cmd.Flags().Float64Var(&req.Lon, "lon", 0, "longitude")
	cmd.Flags().Float64Var(&req.RadiusKm, "radius", 0, "search radius in km (default discovery.default_radius_km)")
	cmd.Flags().IntVar(&req.TopN, "top", 0, "maximum candidates (default discovery.top_n)")
	_ = cmd.MarkFlagRequired("query")
	return cmd
}
