//
// Tencent is pleased to support the open source community by making trpc-agent-go available.
//
// Copyright (C) 2025 Tencent.  All rights reserved.
//
// trpc-agent-go is licensed under the Apache License Version 2.0.
//
//

package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"trpc.group/trpc-go/trpc-agent-graph/graph"
	"trpc.group/trpc-go/trpc-agent-graph/graph/checkpoint"
	"trpc.group/trpc-go/trpc-agent-graph/graph/checkpoint/dir"
	"trpc.group/trpc-go/trpc-agent-graph/graph/checkpoint/inmemory"
)

const sampleYAML = `
log:
  level: debug
executor:
  max_steps: 50
  max_parallel_branches: 2
  checkpoint_every_step: true
  retry:
    max_attempts: 3
    initial_interval: 100ms
    jitter: true
subagent:
  max_concurrent: 8
checkpoint:
  backend: dir
  path: /tmp/graph-threads
  redis:
    ttl: 1h
telemetry:
  enabled: false
  service_name: planner
`

func writeConfig(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "graph.yaml")
	require.NoError(t, os.WriteFile(path, []byte(content), 0o600))
	return path
}

func TestLoad_Defaults(t *testing.T) {
	cfg, err := Load("")
	require.NoError(t, err)
	assert.Equal(t, Default(), cfg)
	assert.Nil(t, cfg.RetryPolicy())
}

func TestLoad_MissingFileUsesDefaults(t *testing.T) {
	cfg, err := Load(filepath.Join(t.TempDir(), "absent.yaml"))
	require.NoError(t, err)
	assert.Equal(t, 1000, cfg.Executor.MaxSteps)
}

func TestLoad_YAML(t *testing.T) {
	cfg, err := Load(writeConfig(t, sampleYAML))
	require.NoError(t, err)

	assert.Equal(t, "debug", cfg.Log.Level)
	assert.Equal(t, 50, cfg.Executor.MaxSteps)
	assert.Equal(t, 256, cfg.Executor.EventBufferSize, "unset keys keep defaults")
	assert.True(t, cfg.Executor.CheckpointEveryStep)
	assert.Equal(t, 100*time.Millisecond, cfg.Executor.Retry.InitialInterval)
	assert.Equal(t, 8*time.Second, cfg.Executor.Retry.MaxInterval)
	assert.Equal(t, 8, cfg.Subagent.MaxConcurrent)
	assert.Equal(t, "dir", cfg.Checkpoint.Backend)
	assert.Equal(t, time.Hour, cfg.Checkpoint.Redis.TTL)
	assert.Equal(t, "planner", cfg.Telemetry.ServiceName)

	p := cfg.RetryPolicy()
	require.NotNil(t, p)
	assert.Equal(t, 3, p.MaxAttempts)
	assert.True(t, p.Jitter)
}

func TestLoad_EnvOverridesYAML(t *testing.T) {
	path := writeConfig(t, sampleYAML)
	t.Setenv("TRPC_GRAPH_EXECUTOR_MAX_STEPS", "75")
	t.Setenv("TRPC_GRAPH_EXECUTOR_RETRY_MAX_INTERVAL", "2s")
	t.Setenv("TRPC_GRAPH_SUBAGENT_MAX_CONCURRENT", "2")
	t.Setenv("TRPC_GRAPH_CHECKPOINT_BACKEND", "redis")
	t.Setenv("TRPC_GRAPH_CHECKPOINT_REDIS_ADDR", "localhost:6379")
	t.Setenv("TRPC_GRAPH_TELEMETRY_ENABLED", "true")
	t.Setenv("TRPC_GRAPH_TELEMETRY_SAMPLE_RATIO", "0.25")

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, 75, cfg.Executor.MaxSteps)
	assert.Equal(t, 2*time.Second, cfg.Executor.Retry.MaxInterval)
	assert.Equal(t, 2, cfg.Subagent.MaxConcurrent)
	assert.Equal(t, "redis", cfg.Checkpoint.Backend)
	assert.Equal(t, "localhost:6379", cfg.Checkpoint.Redis.Addr)
	assert.True(t, cfg.Telemetry.Enabled)
	assert.Equal(t, 0.25, cfg.Telemetry.SampleRatio)
}

func TestLoad_CustomPrefix(t *testing.T) {
	t.Setenv("PLANNER_LOG_LEVEL", "warn")
	cfg, err := NewLoader().WithEnvPrefix("PLANNER").Load()
	require.NoError(t, err)
	assert.Equal(t, "warn", cfg.Log.Level)
}

func TestLoad_Errors(t *testing.T) {
	t.Run("bad yaml", func(t *testing.T) {
		_, err := Load(writeConfig(t, "executor: [1, 2"))
		assert.Error(t, err)
	})
	t.Run("bad env value", func(t *testing.T) {
		t.Setenv("TRPC_GRAPH_EXECUTOR_MAX_STEPS", "many")
		_, err := Load("")
		assert.ErrorContains(t, err, "TRPC_GRAPH_EXECUTOR_MAX_STEPS")
	})
	t.Run("invalid values", func(t *testing.T) {
		_, err := Load(writeConfig(t, "log:\n  level: loud\nsubagent:\n  max_concurrent: 0\ncheckpoint:\n  backend: file\n"))
		require.Error(t, err)
		assert.ErrorContains(t, err, "log.level")
		assert.ErrorContains(t, err, "subagent.max_concurrent")
		assert.ErrorContains(t, err, "checkpoint.path")
	})
	t.Run("unknown backend", func(t *testing.T) {
		t.Setenv("TRPC_GRAPH_CHECKPOINT_BACKEND", "etcd")
		_, err := Load("")
		assert.ErrorContains(t, err, "etcd")
	})
	t.Run("custom validator", func(t *testing.T) {
		_, err := NewLoader().WithValidator(func(c *Config) error {
			return assert.AnError
		}).Load()
		assert.ErrorIs(t, err, assert.AnError)
	})
}

func TestConfig_ExecutorOptions(t *testing.T) {
	cfg := Default()
	cfg.Executor.MaxSteps = 10
	cfg.Executor.MaxParallelBranches = 3
	cfg.Executor.CheckpointEveryStep = true
	cfg.Executor.Retry.MaxAttempts = 4

	var o graph.ExecutorOptions
	for _, opt := range cfg.ExecutorOptions() {
		opt(&o)
	}
	assert.Equal(t, 10, o.MaxSteps)
	assert.Equal(t, 3, o.MaxParallelBranches)
	assert.True(t, o.CheckpointEveryStep)
	require.NotNil(t, o.DefaultRetryPolicy)
	assert.Equal(t, 4, o.DefaultRetryPolicy.MaxAttempts)
}

func TestConfig_NewCheckpointer(t *testing.T) {
	cfg := Default()
	cp, err := cfg.NewCheckpointer()
	require.NoError(t, err)
	assert.IsType(t, &inmemory.Saver{}, cp)

	cfg.Checkpoint = CheckpointConfig{Backend: "DIR", Path: t.TempDir()}
	assert.Equal(t, checkpoint.BackendDir, cfg.CheckpointConfig().Backend)
	cp, err = cfg.NewCheckpointer()
	require.NoError(t, err)
	assert.IsType(t, &dir.Saver{}, cp)
}

func TestConfig_BridgeOptions(t *testing.T) {
	cfg := Default()
	cfg.Subagent.PoolSize = 16
	assert.Len(t, cfg.BridgeOptions(), 3)
}
