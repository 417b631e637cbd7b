package cmd

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"testing"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/FeritTasdildiren/nerede-yesem/internal/discovery"
	"github.com/FeritTasdildiren/nerede-yesem/internal/domain"
	"github.com/FeritTasdildiren/nerede-yesem/internal/jobs"
	"github.com/FeritTasdildiren/nerede-yesem/internal/server"
)

type fakeApp struct {
	ran       bool
	closed    bool
	limit     int
	discover  discovery.Request
	runErr    error
	configArg string
}

func (f *fakeApp) Run(context.Context) error { f.ran = true; return f.runErr }
func (f *fakeApp) Close(context.Context)     { f.closed = true }
func (f *fakeApp) Logger() *zap.Logger       { return zap.NewNop() }

func (f *fakeApp) ProcessJobs(_ context.Context, limit int) (jobs.Summary, error) {
	f.limit = limit
	return jobs.Summary{Claimed: 2, Completed: 1, Retried: 1}, nil
}

func (f *fakeApp) Cleanup(context.Context) (server.CleanupReport, error) {
	return server.CleanupReport{CacheEntries: 3, Jobs: 4}, nil
}

func (f *fakeApp) Discover(_ context.Context, req discovery.Request) (discovery.Result, error) {
	f.discover = req
	return discovery.Result{
		Restaurants: []domain.DiscoveredRestaurant{{Name: "Çiya Sofrası"}},
		ScrapeCount: 1,
	}, nil
}

func withFakeApp(t *testing.T) *fakeApp {
	t.Helper()
	app := &fakeApp{}
	orig := newApp
	newApp = func(_ context.Context, path string) (App, error) {
		app.configArg = path
		return app, nil
	}
	t.Cleanup(func() { newApp = orig })
	return app
}

func execute(t *testing.T, args ...string) (string, error) {
	t.Helper()
	root := newRootCmd()
	var out bytes.Buffer
	root.SetOut(&out)
	root.SetErr(&out)
	root.SetArgs(args)
	err := root.ExecuteContext(context.Background())
	return out.String(), err
}

func TestServeRunsAndClosesApp(t *testing.T) {
	app := withFakeApp(t)
	_, err := execute(t, "serve", "--config", "config.yaml")
	require.NoError(t, err)
	require.True(t, app.ran)
	require.True(t, app.closed)
	require.Equal(t, "config.yaml", app.configArg)
}

func TestServePropagatesFailure(t *testing.T) {
	app := withFakeApp(t)
	app.runErr = errors.New("port in use")
	_, err := execute(t, "serve")
	require.ErrorContains(t, err, "port in use")
}

func TestJobsProcessPrintsSummary(t *testing.T) {
	app := withFakeApp(t)
	out, err := execute(t, "jobs", "process", "--limit", "7")
	require.NoError(t, err)
	require.Equal(t, 7, app.limit)

	var summary jobs.Summary
	require.NoError(t, json.Unmarshal([]byte(out), &summary))
	require.Equal(t, jobs.Summary{Claimed: 2, Completed: 1, Retried: 1}, summary)
}

func TestCleanupPrintsReport(t *testing.T) {
	withFakeApp(t)
	out, err := execute(t, "cleanup")
	require.NoError(t, err)
	require.JSONEq(t, `{"cache_entries":3,"jobs":4}`, out)
}

func TestDiscoverPassesFlags(t *testing.T) {
	app := withFakeApp(t)
	out, err := execute(t, "discover", "--query", "lahmacun", "--location", "Kadıköy",
		"--lat", "40.99", "--lon", "29.03", "--radius", "2.5")
	require.NoError(t, err)
	require.Equal(t, discovery.Request{
		Query:    "lahmacun",
		Location: "Kadıköy",
		Lat:      40.99,
		Lon:      29.03,
		RadiusKm: 2.5,
	}, app.discover)
	require.Contains(t, out, "Çiya Sofrası")
}

func TestDiscoverRequiresQuery(t *testing.T) {
	withFakeApp(t)
	_, err := execute(t, "discover", "--lat", "1")
	require.ErrorContains(t, err, "query")
}

func TestInitFailureIsReported(t *testing.T) {
	orig := newApp
	newApp = func(context.Context, string) (App, error) { return nil, errors.New("bad config") }
	t.Cleanup(func() { newApp = orig })

	_, err := execute(t, "cleanup")
	require.ErrorContains(t, err, "failed to initialize application services: bad config")
}
