// Package cmd defines and implements the CLI commands for the neredeyesem
// executable.
package cmd

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/FeritTasdildiren/nerede-yesem/internal/config"
	"github.com/FeritTasdildiren/nerede-yesem/internal/discovery"
	"github.com/FeritTasdildiren/nerede-yesem/internal/jobs"
	"github.com/FeritTasdildiren/nerede-yesem/internal/server"
)

// appKeyType is the key for storing the App in the context.
type appKeyType string

const appKey appKeyType = "app"

// App is the application surface the commands use. *server.App satisfies it.
type App interface {
	Run(ctx context.Context) error
	Close(ctx context.Context)
	Logger() *zap.Logger
	ProcessJobs(ctx context.Context, limit int) (jobs.Summary, error)
	Cleanup(ctx context.Context) (server.CleanupReport, error)
	Discover(ctx context.Context, req discovery.Request) (discovery.Result, error)
}

// newApp is the application factory. Tests replace it.
var newApp = func(ctx context.Context, configPath string) (App, error) {
	cfg, err := config.Load(configPath)
	if err != nil {
		return nil, err
	}
	return server.Build(ctx, cfg)
}

func newRootCmd() *cobra.Command {
	var cfgFile string
	cmd := &cobra.Command{
		Use:   "neredeyesem",
		Short: "Restaurant discovery, review crawling and recommendation cache.",
		Long: `neredeyesem answers "where should I eat X around here" queries. It discovers
restaurants through the official places API and a browser crawl, analyzes
their reviews, and caches the ranked results with background refresh.`,
		SilenceUsage: true,

		PersistentPreRunE: func(cmd *cobra.Command, _ []string) error {
			appInstance, err := newApp(cmd.Context(), cfgFile)
			if err != nil {
				return fmt.Errorf("failed to initialize application services: %w", err)
			}
			cmd.SetContext(context.WithValue(cmd.Context(), appKey, appInstance))
			return nil
		},
		PersistentPostRun: func(cmd *cobra.Command, _ []string) {
			if appInstance, ok := cmd.Context().Value(appKey).(App); ok && appInstance != nil {
				appInstance.Close(context.WithoutCancel(cmd.Context()))
			}
		},
	}

	cmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (yaml, json or toml)")

	cmd.AddCommand(newServeCmd())
	cmd.AddCommand(newJobsCmd())
	cmd.AddCommand(newCleanupCmd())
	cmd.AddCommand(newDiscoverCmd())
	return cmd
}

// Execute is the main entry point.
func Execute() {
	if err := newRootCmd().ExecuteContext(context.Background()); err != nil {
		os.Exit(1)
	}
}

func resolveApp(ctx context.Context) (App, error) {
	appInstance, ok := ctx.Value(appKey).(App)
	if !ok || appInstance == nil {
		return nil, errors.New("application services not initialized")
	}
	return appInstance, nil
}

func printJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
