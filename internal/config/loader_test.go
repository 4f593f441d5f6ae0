package config

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ai-designing/cadorch/internal/config/provider"
)

func writeConfigFile(t *testing.T, contents string) string {
	t.Helper()
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(contents), 0o644))
	return path
}

func TestLoaderAppliesDefaultsToEmptyDocument(t *testing.T) {
	path := writeConfigFile(t, "")
	fp, err := provider.NewFileProvider(path)
	require.NoError(t, err)
	defer fp.Close()

	cfg, err := NewLoader(fp).Load(context.Background())
	require.NoError(t, err)

	assert.Equal(t, 5, cfg.Pipeline.MaxIterations)
	assert.Equal(t, 0.80, cfg.Pipeline.PassThreshold)
	assert.Equal(t, 0.40, cfg.Pipeline.RefineThreshold)
	assert.Equal(t, 0.20, cfg.Pipeline.ReplanThreshold)
	assert.Equal(t, 3, cfg.Queue.WorkerConcurrency)
	assert.Equal(t, 300*time.Second, cfg.Queue.CommandTimeoutDefault)
	assert.Equal(t, 3, cfg.Queue.CommandMaxAttempts)
	assert.Equal(t, 30, cfg.Checkpoint.IntervalSeconds)
	assert.Equal(t, 300*time.Second, cfg.Cache.DecisionCacheTTL)
	assert.Equal(t, 1024, cfg.EventBus.SubscriberBacklog)
	assert.Equal(t, 3, cfg.Session.MaxConcurrentRequests)
}

func TestLoaderDecodesExplicitValuesAndDurations(t *testing.T) {
	path := writeConfigFile(t, `
pipeline:
  max_iterations: 7
  pass_threshold: 0.9
queue:
  worker_concurrency: 8
  command_timeout_default: 45s
session:
  max_concurrent_requests: 6
  idle_session_timeout: 10m
`)
	fp, err := provider.NewFileProvider(path)
	require.NoError(t, err)
	defer fp.Close()

	cfg, err := NewLoader(fp).Load(context.Background())
	require.NoError(t, err)

	assert.Equal(t, 7, cfg.Pipeline.MaxIterations)
	assert.Equal(t, 0.9, cfg.Pipeline.PassThreshold)
	assert.Equal(t, 8, cfg.Queue.WorkerConcurrency)
	assert.Equal(t, 45*time.Second, cfg.Queue.CommandTimeoutDefault)
	assert.Equal(t, 6, cfg.Session.MaxConcurrentRequests)
	assert.Equal(t, 10*time.Minute, cfg.Session.IdleTimeout)
}

func TestLoaderExpandsEnvVars(t *testing.T) {
	t.Setenv("CADORCH_CONCURRENCY", "9")
	path := writeConfigFile(t, `
queue:
  worker_concurrency: ${CADORCH_CONCURRENCY}
session:
  max_concurrent_requests: ${MISSING_VAR:-2}
`)
	fp, err := provider.NewFileProvider(path)
	require.NoError(t, err)
	defer fp.Close()

	cfg, err := NewLoader(fp).Load(context.Background())
	require.NoError(t, err)

	assert.Equal(t, 9, cfg.Queue.WorkerConcurrency)
	assert.Equal(t, 2, cfg.Session.MaxConcurrentRequests)
}

func TestLoaderRejectsBadThresholdOrdering(t *testing.T) {
	path := writeConfigFile(t, `
pipeline:
  pass_threshold: 0.2
  refine_threshold: 0.8
  replan_threshold: 0.1
`)
	fp, err := provider.NewFileProvider(path)
	require.NoError(t, err)
	defer fp.Close()

	_, err = NewLoader(fp).Load(context.Background())
	assert.Error(t, err)
}

func TestLoaderWatchInvokesOnChangeAfterFileWrite(t *testing.T) {
	path := writeConfigFile(t, "pipeline:\n  max_iterations: 3\n")
	fp, err := provider.NewFileProvider(path)
	require.NoError(t, err)
	defer fp.Close()

	changed := make(chan *Config, 1)
	loader := NewLoader(fp, WithOnChange(func(c *Config) {
		select {
		case changed <- c:
		default:
		}
	}))

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	go func() {
		_ = loader.Watch(ctx)
	}()

	// Give the watcher a moment to register before mutating the file.
	time.Sleep(50 * time.Millisecond)
	require.NoError(t, os.WriteFile(path, []byte("pipeline:\n  max_iterations: 9\n"), 0o644))

	select {
	case cfg := <-changed:
		assert.Equal(t, 9, cfg.Pipeline.MaxIterations)
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for config reload")
	}
}

func TestLoaderErrorsOnMissingFile(t *testing.T) {
	fp, err := provider.NewFileProvider(filepath.Join(t.TempDir(), "missing.yaml"))
	require.NoError(t, err)
	defer fp.Close()

	_, err = NewLoader(fp).Load(context.Background())
	assert.Error(t, err)
}
